// ============================================================================
// bbqueue 工作佇列項目 (WRKQE) - 每個邏輯卷的工作佇列
// ============================================================================
//
// Package: internal/wrkqe
// 文件: wrkqe.go
// 功能: 單一邏輯卷的 FIFO 工作佇列、節流桶、暫停旗標與計數器
//
// 設計理念:
//   1. items []WorkID - FIFO，插入順序即派發順序
//   2. 取消快速通道 - 已取消的 WorkID 永遠優先於其他項目
//   3. 節流桶 - rate (bytes/s) × interval 補充，每個 extent 扣除長度
//      桶為負值時代表「欠債」，回傳需延遲的時間
//
// 併發安全:
//   - 修改佇列內容必須持有 Guard（Lock 回傳）
//   - Size/Bucket/Rate/Suspended 以 atomic 保存，
//     manager 掃描時不需要取得每個佇列的鎖
//
// ============================================================================

package wrkqe

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ChuLiYu/bbqueue/pkg/types"
)

// ============================================================================
// 資料結構定義
// ============================================================================

// WRKQE is the work queue of one logical volume, or the HP queue.
type WRKQE struct {
	key    types.LVKey
	jobID  uint64
	lvInfo types.LVInfo

	mu       sync.Mutex
	items    []types.WorkID // FIFO
	canceled int            // queued items flagged canceled

	size         atomic.Int64
	rate         atomic.Uint64
	bucket       atomic.Int64
	suspended    atomic.Bool
	hasCanceled  atomic.Bool
	enqueued     atomic.Uint64
	processed    atomic.Uint64
	hpProcessed  atomic.Uint64
	dumpOnRemove atomic.Bool
}

// New creates the work queue for key.
func New(key types.LVKey, lvInfo types.LVInfo, jobID uint64, suspended bool) *WRKQE {
	q := &WRKQE{key: key, jobID: jobID, lvInfo: lvInfo}
	q.suspended.Store(suspended)
	return q
}

// Key returns the volume key of the queue.
func (q *WRKQE) Key() types.LVKey { return q.key }

// JobID returns the job that owns the volume.
func (q *WRKQE) JobID() uint64 { return q.jobID }

// LVInfo returns the volume metadata back-reference, nil for HP.
func (q *WRKQE) LVInfo() types.LVInfo { return q.lvInfo }

// IsHP reports whether this is the high priority queue.
func (q *WRKQE) IsHP() bool { return q.key.IsHP() }

// Size returns the number of queued work items.
func (q *WRKQE) Size() int { return int(q.size.Load()) }

// Rate returns the throttle rate in bytes per second, 0 when unthrottled.
func (q *WRKQE) Rate() uint64 { return q.rate.Load() }

// SetRate sets the throttle rate. A zero rate clears the bucket.
func (q *WRKQE) SetRate(rate uint64) {
	q.rate.Store(rate)
	if rate == 0 {
		q.bucket.Store(0)
	}
}

// Bucket returns the current throttle bucket. Negative means in debt.
func (q *WRKQE) Bucket() int64 { return q.bucket.Load() }

// Suspended reports whether the queue is suspended.
func (q *WRKQE) Suspended() bool { return q.suspended.Load() }

// SetSuspended sets the suspended flag and reports whether it changed.
func (q *WRKQE) SetSuspended(v bool) bool {
	return q.suspended.Swap(v) != v
}

// Enqueued returns the number of items ever added to the queue.
func (q *WRKQE) Enqueued() uint64 { return q.enqueued.Load() }

// Processed returns the number of completed items.
func (q *WRKQE) Processed() uint64 { return q.processed.Load() }

// IncrementProcessed counts one completed item.
func (q *WRKQE) IncrementProcessed() uint64 { return q.processed.Add(1) }

// HPProcessed returns the number of completed HP requests.
func (q *WRKQE) HPProcessed() uint64 { return q.hpProcessed.Load() }

// IncrementHPProcessed counts one completed HP request.
func (q *WRKQE) IncrementHPProcessed() uint64 { return q.hpProcessed.Add(1) }

// DumpOnRemove reports whether removing an item dumps the queue.
func (q *WRKQE) DumpOnRemove() bool { return q.dumpOnRemove.Load() }

// SetDumpOnRemove toggles dumping on removal.
func (q *WRKQE) SetDumpOnRemove(v bool) { q.dumpOnRemove.Store(v) }

// HasCanceledExtents reports whether the queue has canceled work to drain:
// a queued item is flagged canceled, or the volume metadata has no extents
// left or reports canceled extents.
func (q *WRKQE) HasCanceledExtents() bool {
	if q.hasCanceled.Load() {
		return true
	}
	if q.lvInfo == nil {
		return false
	}
	return q.lvInfo.NumberOfExtents() == 0 || q.lvInfo.HasCanceledExtents()
}

// IsAssignable reports whether work may be handed out from the queue.
// Suspended queues still release canceled extents.
func (q *WRKQE) IsAssignable() bool {
	return !q.Suspended() || q.HasCanceledExtents()
}

// ThrottleDelay returns how long the queue owes before its bucket is
// non-negative again, 0 when not in debt.
func (q *WRKQE) ThrottleDelay() time.Duration {
	return debtDelay(q.bucket.Load(), q.rate.Load())
}

func debtDelay(bucket int64, rate uint64) time.Duration {
	if bucket >= 0 || rate == 0 {
		return 0
	}
	return time.Duration(float64(-bucket) / float64(rate) * float64(time.Second))
}

func (q *WRKQE) String() string {
	return fmt.Sprintf("%s job=%d size=%d", q.key, q.jobID, q.Size())
}

// Dump logs the queue state at level.
func (q *WRKQE) Dump(logger *log.Entry, level log.Level, prefix string) {
	fields := log.Fields{
		"key":       q.key.String(),
		"job":       q.jobID,
		"size":      q.Size(),
		"processed": q.Processed(),
	}
	if q.IsHP() {
		fields["hp_processed"] = q.HPProcessed()
	} else {
		fields["rate"] = q.Rate()
		fields["bucket"] = q.Bucket()
		fields["suspended"] = q.Suspended()
		fields["canceled"] = q.HasCanceledExtents()
	}
	logger.WithFields(fields).Log(level, prefix)
}
