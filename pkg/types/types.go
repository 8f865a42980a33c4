// Package types 定義了 bbqueue 系統中使用的核心領域模型
package types

import (
	"fmt"
)

// HPConnectionName and HPUUID identify the high priority work queue.
const (
	HPConnectionName = "None"
	HPUUID           = "00000000-0000-0000-0000-000000000001"
)

// LVKey identifies one local logical volume instance (connection name + uuid).
// The zero value is the null key.
type LVKey struct {
	Connection string `json:"connection"` // 連線名稱
	UUID       string `json:"uuid"`       // 邏輯卷 UUID
}

var (
	// NullKey means "no key".
	NullKey = LVKey{}
	// HPKey is the reserved key of the high priority work queue.
	HPKey = LVKey{Connection: HPConnectionName, UUID: HPUUID}
)

// IsNull reports whether k is the null key.
func (k LVKey) IsNull() bool {
	return k.UUID == ""
}

// IsHP reports whether k is the high priority queue key.
func (k LVKey) IsHP() bool {
	return k == HPKey
}

// Less orders keys by connection name, then uuid.
func (k LVKey) Less(o LVKey) bool {
	if k.Connection != o.Connection {
		return k.Connection < o.Connection
	}
	return k.UUID < o.UUID
}

func (k LVKey) String() string {
	if k.IsNull() {
		return "<null>"
	}
	return fmt.Sprintf("(%s,%s)", k.Connection, k.UUID)
}

// LVInfo is implemented by the volume metadata layer. The manager only asks it
// whether canceled extents are waiting to be drained.
type LVInfo interface {
	HasCanceledExtents() bool
	NumberOfExtents() int
}

// ExtentInfo describes the extent a volume work item refers to.
type ExtentInfo struct {
	Handle    uint64 `json:"handle"`     // 傳輸句柄
	ContribID uint32 `json:"contrib_id"` // 貢獻者 ID
	Length    uint64 `json:"length"`     // 位元組數，用於節流計算
	Source    string `json:"source,omitempty"`
	Target    string `json:"target,omitempty"`
}

// WorkID is a handle to one dispatchable unit of work.
//
// For volume queues Tag identifies an extent. For the HP queue Tag is the byte
// offset of the originating record in the async request journal and Seq the
// file it lives in.
type WorkID struct {
	Key      LVKey      `json:"key"`
	LVInfo   LVInfo     `json:"-"`
	Tag      uint64     `json:"tag"`
	Seq      int        `json:"seq,omitempty"`
	Canceled bool       `json:"canceled,omitempty"`
	Extent   ExtentInfo `json:"extent"`
}

func (w WorkID) String() string {
	return fmt.Sprintf("%s tag=0x%08X canceled=%t len=%d", w.Key, w.Tag, w.Canceled, w.Extent.Length)
}
