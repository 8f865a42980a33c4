package snapshot

// ============================================================================
// 職責說明：
// 1. 將 WRKQMGR 狀態（wrkqmgr.Status）序列化為 JSON 快照檔
// 2. 使用原子性寫入（temp file + rename）防止讀取端看到半寫入的檔案
// 3. 載入時驗證 schema 版本相容性
// 4. 可選保留舊版本備份
//
// 快照只供觀察（bbqueue status、除錯），重啟時不會用來恢復佇列：
// 佇列由 metadata 層重建，HP 工作由 journal 重新讀取。
// ============================================================================

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/ChuLiYu/bbqueue/internal/wrkqmgr"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrCorruptedSnapshot   = errors.New("snapshot file is corrupted")
	ErrIncompatibleVersion = errors.New("snapshot schema version is incompatible")
	ErrSnapshotNotFound    = errors.New("snapshot file not found")
)

// SchemaVersion 是目前的快照格式版本
const SchemaVersion = 1

// ============================================================================
// 資料結構定義
// ============================================================================

// Document 是寫入磁碟的快照內容
type Document struct {
	SchemaVer int            `json:"schema_version"`
	WrittenAt time.Time      `json:"written_at"`
	Status    wrkqmgr.Status `json:"status"`
}

// Manager 快照管理器，實作 wrkqmgr.StatusSink
type Manager struct {
	path string     // 快照檔案路徑
	mu   sync.Mutex // 保護檔案操作
	now  func() time.Time
}

var _ wrkqmgr.StatusSink = (*Manager)(nil)

// ============================================================================
// 核心方法實作
// ============================================================================

// NewManager 建立快照管理器實例
func NewManager(path string) *Manager {
	return &Manager{
		path: path,
		now:  time.Now,
	}
}

// Write 原子性寫入快照
//
// 使用原子性寫入流程：
// 1. 寫入臨時檔案（.tmp）
// 2. 使用 os.Rename 原子性替換原始檔案
//
// 參數：
//   - st: manager 狀態
//
// 返回值：
//   - error: 寫入失敗時的錯誤
func (m *Manager) Write(st wrkqmgr.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writeLocked(st)
}

func (m *Manager) writeLocked(st wrkqmgr.Status) error {
	doc := Document{SchemaVer: SchemaVersion, WrittenAt: m.now(), Status: st}

	// 帶縮排，方便人工閱讀與除錯
	jsonBytes, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to marshal snapshot")
	}

	if dir := filepath.Dir(m.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrap(err, "failed to create snapshot directory")
		}
	}

	tmpPath := m.path + ".tmp"
	if err := os.WriteFile(tmpPath, jsonBytes, 0o644); err != nil {
		return errors.Wrap(err, "failed to write temp snapshot")
	}
	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return errors.Wrap(err, "failed to rename snapshot")
	}
	return nil
}

// Load 載入快照
//
// 行為：
//   - 檔案不存在時回傳 ErrSnapshotNotFound
//   - 驗證 schema 版本是否相容
//   - 偵測損壞的快照檔案
//
// 返回值：
//   - Document: 快照內容
//   - error: 載入失敗或版本不相容時的錯誤
func (m *Manager) Load() (Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var doc Document
	jsonBytes, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return doc, errors.Wrap(ErrSnapshotNotFound, m.path)
		}
		return doc, errors.Wrap(err, "failed to read snapshot")
	}

	if err := json.Unmarshal(jsonBytes, &doc); err != nil {
		return doc, errors.Wrapf(ErrCorruptedSnapshot, "%v", err)
	}
	if doc.SchemaVer != SchemaVersion {
		return doc, errors.Wrapf(ErrIncompatibleVersion, "got %d, want %d", doc.SchemaVer, SchemaVersion)
	}
	return doc, nil
}

// Exists 檢查快照檔案是否存在
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// GetPath 取得快照檔案路徑
func (m *Manager) GetPath() string {
	return m.path
}

// WriteWithBackup 寫入快照並保留最近 keepBackups 個舊版本
func (m *Manager) WriteWithBackup(st wrkqmgr.Status, keepBackups int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := os.Stat(m.path); err == nil {
		backupPath := fmt.Sprintf("%s.%s", m.path, m.now().Format("20060102_150405.000000000"))
		if err := os.Rename(m.path, backupPath); err != nil {
			return errors.Wrap(err, "failed to backup old snapshot")
		}
	}
	if err := m.writeLocked(st); err != nil {
		return err
	}
	return m.pruneBackupsLocked(keepBackups)
}

// Backups 返回現有備份檔案，由舊到新
func (m *Manager) Backups() ([]string, error) {
	matches, err := filepath.Glob(m.path + ".2*")
	if err != nil {
		return nil, errors.Wrap(err, "failed to list snapshot backups")
	}
	sort.Strings(matches)
	return matches, nil
}

func (m *Manager) pruneBackupsLocked(keep int) error {
	backups, err := m.Backups()
	if err != nil {
		return err
	}
	for len(backups) > keep {
		if err := os.Remove(backups[0]); err != nil {
			return errors.Wrap(err, "failed to remove old snapshot backup")
		}
		backups = backups[1:]
	}
	return nil
}
