// ============================================================================
// bbqueue 工作佇列管理器 (WRKQMGR) - 排程核心
// ============================================================================
//
// Package: internal/wrkqmgr
// 文件: manager.go
// 功能: 管理所有邏輯卷工作佇列與 HP 佇列，決定 worker 下一個工作
//
// 架構設計:
//   - queues: LVKey → WRKQE，keys 依 LVKey 排序以便循環選擇
//   - hp: 高優先權佇列，生命週期與 manager 相同
//   - store: 跨伺服器共享的 async request journal
//   - sem: 計數信號量，每個排入的工作 post 一次
//
// 核心循環 (1 個 Goroutine):
//   Timer Loop - 每個 ThrottleInterval 觸發一次:
//     1. async 控制器 → CheckForNewHPWorkItems
//     2. bucket 控制器 → LoadBuckets（節流模式時）
//     3. heartbeat 控制器 → 寫入本機 heartbeat
//     4. snapshot / dump 控制器
//
// 並發安全:
//   - mu 為 manager 鎖，只能透過 Lock / Guard 取得
//   - 鎖順序: metadata → manager → queue（見 locking.go）
//   - heartbeat 與 in-flight HP 請求各有獨立的鎖
//
// ============================================================================

package wrkqmgr

import (
	"context"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/ChuLiYu/bbqueue/internal/flightlog"
	"github.com/ChuLiYu/bbqueue/internal/journal"
	"github.com/ChuLiYu/bbqueue/internal/wrkqe"
	"github.com/ChuLiYu/bbqueue/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrQueueExists indicates a work queue already exists for the key
	ErrQueueExists = errors.New("wrkqmgr: work queue already exists")

	// ErrQueueNotFound indicates no work queue exists for the key
	ErrQueueNotFound = errors.New("wrkqmgr: work queue not found")

	// ErrQueueEmpty indicates a remove was attempted on an empty work queue
	ErrQueueEmpty = errors.New("wrkqmgr: work queue is empty")

	// ErrDuplicateRequest indicates the HP request is already being processed
	ErrDuplicateRequest = errors.New("wrkqmgr: async request already in flight")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// StartAtOffsetZero marks that no HP request has completed yet: the next one
// to complete is at offset 0 of the current file.
const StartAtOffsetZero uint64 = math.MaxUint64

// FindResult tells a worker whether work may still exist after FindWork.
type FindResult int

const (
	// NoWork means every queue is empty; the worker must not repost.
	NoWork FindResult = iota
	// WorkExists means work remains somewhere; the worker reposts if it
	// did not get a queue.
	WorkExists
)

func (r FindResult) String() string {
	if r == WorkExists {
		return "work_exists"
	}
	return "no_work"
}

// SuspendResult reports the outcome of SetSuspended.
type SuspendResult int

const (
	SuspendChanged SuspendResult = iota
	SuspendNoChange
)

// Metrics observes scheduler activity. internal/metrics provides the
// Prometheus implementation.
type Metrics interface {
	WorkFound(result FindResult, hp bool)
	WorkItemRemoved(hp bool)
	WorkItemProcessed(hp bool)
	HPRequestsFound(n int)
	ThrottleDelayed(d time.Duration)
	QueueDepth(queues, items int)
	ConcurrentHP(hp, cancel int)
	TurboFactor(f float64)
	AsyncRequestAppended(heartbeat bool)
}

type noopMetrics struct{}

func (noopMetrics) WorkFound(FindResult, bool) {}
func (noopMetrics) WorkItemRemoved(bool) {}
func (noopMetrics) WorkItemProcessed(bool) {}
func (noopMetrics) HPRequestsFound(int) {}
func (noopMetrics) ThrottleDelayed(time.Duration) {}
func (noopMetrics) QueueDepth(int, int) {}
func (noopMetrics) ConcurrentHP(int, int) {}
func (noopMetrics) TurboFactor(float64) {}
func (noopMetrics) AsyncRequestAppended(bool) {}

// StatusSink receives a manager Status on every snapshot tick.
type StatusSink interface {
	Write(Status) error
}

// Config Manager 配置
type Config struct {
	Hostname                 string        // 本機名稱，寫入每筆 async request
	AllowedConcurrentHP      int           // 同時處理的 HP 請求上限
	AllowedConcurrentCancel  int           // 同時處理的 cancel/stoprequest 上限
	ThrottleInterval         time.Duration // timer 週期
	BucketRefillInterval     time.Duration // bucket 補充間隔
	AsyncRequestReadInterval time.Duration // 讀取 journal 新請求的間隔
	AsyncTurbo               bool          // 依請求量調整讀取頻率
	TurboFactor              float64       // turbo 調整倍率 (0,1)
	TurboClipValue           int           // 連續幾次找不到才放慢
	DeclareServerDeadCount   uint64        // 多少秒無 heartbeat 視為死亡
	HeartbeatInterval        time.Duration // 本機 heartbeat 間隔
	DumpOnRemoveWorkItem     bool          // 移除工作時 dump
	DumpOnRemoveInterval     uint64        // 每 N 個工作以 info 等級 dump
	AllowedSkippedDumps      int           // 無進度時最多略過幾次 dump
	DumpInterval             time.Duration // 定期 dump 間隔（節流模式）
	AllowDump                bool          // 是否允許 dump
	SnapshotInterval         time.Duration // 狀態快照間隔
	OutstandingPollInterval  time.Duration // 等待 HP 請求完成的輪詢間隔

	Logger     *log.Logger // 預設 logrus.StandardLogger()
	Metrics    Metrics     // 預設 noop
	StatusSink StatusSink  // 可為 nil
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() Config {
	return Config{
		AllowedConcurrentHP:      4,
		AllowedConcurrentCancel:  2,
		ThrottleInterval:         250 * time.Millisecond,
		BucketRefillInterval:     time.Second,
		AsyncRequestReadInterval: 5 * time.Second,
		AsyncTurbo:               true,
		TurboFactor:              0.5,
		TurboClipValue:           10,
		DeclareServerDeadCount:   300,
		HeartbeatInterval:        60 * time.Second,
		DumpOnRemoveInterval:     1000,
		AllowedSkippedDumps:      10,
		DumpInterval:             60 * time.Second,
		AllowDump:                true,
		SnapshotInterval:         30 * time.Second,
		OutstandingPollInterval:  500 * time.Millisecond,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.AllowedConcurrentHP <= 0 {
		c.AllowedConcurrentHP = d.AllowedConcurrentHP
	}
	if c.AllowedConcurrentCancel <= 0 {
		c.AllowedConcurrentCancel = d.AllowedConcurrentCancel
	}
	if c.ThrottleInterval <= 0 {
		c.ThrottleInterval = d.ThrottleInterval
	}
	if c.BucketRefillInterval <= 0 {
		c.BucketRefillInterval = d.BucketRefillInterval
	}
	if c.AsyncRequestReadInterval <= 0 {
		c.AsyncRequestReadInterval = d.AsyncRequestReadInterval
	}
	if c.TurboFactor <= 0 || c.TurboFactor >= 1 {
		c.TurboFactor = d.TurboFactor
	}
	if c.TurboClipValue <= 0 {
		c.TurboClipValue = d.TurboClipValue
	}
	if c.DeclareServerDeadCount == 0 {
		c.DeclareServerDeadCount = d.DeclareServerDeadCount
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.DumpInterval <= 0 {
		c.DumpInterval = d.DumpInterval
	}
	if c.SnapshotInterval <= 0 {
		c.SnapshotInterval = d.SnapshotInterval
	}
	if c.OutstandingPollInterval <= 0 {
		c.OutstandingPollInterval = d.OutstandingPollInterval
	}
	if c.Logger == nil {
		c.Logger = log.StandardLogger()
	}
	if c.Metrics == nil {
		c.Metrics = noopMetrics{}
	}
}

// Manager 工作佇列管理器
type Manager struct {
	cfg     Config
	store   *journal.Store
	logger  *log.Entry
	metrics Metrics
	sink    StatusSink
	sem     *Semaphore

	mu       sync.Mutex   // manager 鎖
	lockedBy atomic.Value // 持有 manager 鎖的方法名稱
	queues   map[types.LVKey]*wrkqe.WRKQE
	keys     []types.LVKey // 已排序的 volume keys
	hp       *wrkqe.WRKQE

	lastQueueProcessed      types.LVKey
	lastQueueWithEntries    types.LVKey
	checkForCanceledExtents atomic.Bool
	throttleMode            atomic.Bool

	concurrentHP     int
	concurrentCancel int
	processed        uint64 // volume 工作移除數

	// async request 游標（受 mu 保護）
	readSeq             int
	readOffset          uint64
	lastProcessedSeq    int
	lastOffsetProcessed uint64
	outOfOrder          []journal.Position

	turboConsecutive int
	lastDumped       uint64
	skippedDumps     int

	hbMu        sync.Mutex
	heartbeats  map[string]HeartbeatEntry
	declareDead atomic.Uint64

	inflightMu sync.Mutex
	inflight   map[string]struct{}

	asyncCtrl     *timerController
	bucketCtrl    *timerController
	heartbeatCtrl *timerController
	snapshotCtrl  *timerController
	dumpCtrl      *timerController

	now func() time.Time

	popCh    chan struct{} // 強制 timer 觸發
	stopCh   chan struct{}
	stopOnce sync.Once
	loopWg   sync.WaitGroup
}

// ============================================================================
// 核心方法實作
// ============================================================================

// New 建立 Manager 並把 async request 游標定位到 journal 尾端
//
// 參數：
//   - ctx: 讀取 journal 時使用
//   - cfg: Manager 配置
//   - store: 已驗證的 journal
//
// 返回值：
//   - *Manager: Manager 實例
//   - error: journal 無法存取
func New(ctx context.Context, cfg Config, store *journal.Store) (*Manager, error) {
	cfg.applyDefaults()

	m := &Manager{
		cfg:        cfg,
		store:      store,
		logger:     cfg.Logger.WithField("component", "wrkqmgr"),
		metrics:    cfg.Metrics,
		sink:       cfg.StatusSink,
		sem:        NewSemaphore(),
		queues:     make(map[types.LVKey]*wrkqe.WRKQE),
		hp:         wrkqe.New(types.HPKey, nil, 0, false),
		heartbeats: make(map[string]HeartbeatEntry),
		inflight:   make(map[string]struct{}),
		now:        time.Now,
		popCh:      make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
	}
	m.lockedBy.Store("")
	m.declareDead.Store(cfg.DeclareServerDeadCount)
	m.hp.SetDumpOnRemove(cfg.DumpOnRemoveWorkItem)

	m.asyncCtrl = newTimerController(cfg.AsyncRequestReadInterval, cfg.ThrottleInterval)
	m.bucketCtrl = newTimerController(cfg.BucketRefillInterval, cfg.ThrottleInterval)
	m.heartbeatCtrl = newTimerController(cfg.HeartbeatInterval, cfg.ThrottleInterval)
	m.snapshotCtrl = newTimerController(cfg.SnapshotInterval, cfg.ThrottleInterval)
	m.dumpCtrl = newTimerController(cfg.DumpInterval, cfg.ThrottleInterval)

	pos, err := store.Latest(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "locate next async request")
	}
	m.readSeq, m.readOffset = pos.Seq, pos.Offset
	m.lastProcessedSeq = pos.Seq
	if pos.Offset == 0 {
		m.lastOffsetProcessed = StartAtOffsetZero
	} else {
		m.lastOffsetProcessed = pos.Offset - store.RecordSize()
	}

	m.logger.WithFields(log.Fields{
		"hostname": cfg.Hostname,
		"next":     pos.String(),
		"hp_cap":   cfg.AllowedConcurrentHP,
		"cxl_cap":  cfg.AllowedConcurrentCancel,
	}).Info("work queue manager initialized")
	return m, nil
}

// Config returns the effective configuration.
func (m *Manager) Config() Config { return m.cfg }

// Store returns the async request journal.
func (m *Manager) Store() *journal.Store { return m.store }

// Hostname returns the local server name.
func (m *Manager) Hostname() string { return m.cfg.Hostname }

// HPQueue returns the high priority work queue.
func (m *Manager) HPQueue() *wrkqe.WRKQE { return m.hp }

// LockedBy returns the method holding the manager lock, empty when free.
func (m *Manager) LockedBy() string {
	s, _ := m.lockedBy.Load().(string)
	return s
}

func (m *Manager) fatal(msg string, fields log.Fields) {
	flightlog.Fatal(m.logger.WithFields(fields), msg)
}

// ============================================================================
// 佇列管理
// ============================================================================

// AddWrkQ creates the work queue for key.
func (m *Manager) AddWrkQ(held Held, key types.LVKey, lvInfo types.LVInfo, jobID uint64, suspended bool) error {
	g := m.Lock("addWrkQ", held)
	defer g.Unlock()

	if _, exists := m.queues[key]; exists || key.IsHP() || key.IsNull() {
		m.logger.WithField("key", key.String()).Error("work queue already exists")
		m.dumpLocked(log.InfoLevel, " Failure when adding workqueue", DumpAlways)
		return errors.Wrapf(ErrQueueExists, "%s", key)
	}

	q := wrkqe.New(key, lvInfo, jobID, suspended)
	q.SetDumpOnRemove(m.cfg.DumpOnRemoveWorkItem)
	m.queues[key] = q
	i := sort.Search(len(m.keys), func(i int) bool { return !m.keys[i].Less(key) })
	m.keys = append(m.keys, types.LVKey{})
	copy(m.keys[i+1:], m.keys[i:])
	m.keys[i] = key

	m.logger.WithFields(log.Fields{"key": key.String(), "job": jobID, "suspended": suspended}).
		Debug("work queue added")
	m.metrics.QueueDepth(len(m.queues), m.sizeOfAllLocked())
	return nil
}

// RmvWrkQ removes the work queue for key. A missing queue is not an error.
func (m *Manager) RmvWrkQ(held Held, key types.LVKey) error {
	g := m.Lock("rmvWrkQ", held)
	defer g.Unlock()

	q, ok := m.queues[key]
	if !ok {
		m.logger.WithField("key", key.String()).Debug("work queue already removed")
		return nil
	}
	if n := q.Size(); n > 0 {
		m.logger.WithFields(log.Fields{"key": key.String(), "size": n}).
			Info("removing work queue that still has entries")
	}

	rate := q.Rate()
	delete(m.queues, key)
	i := sort.Search(len(m.keys), func(i int) bool { return !m.keys[i].Less(key) })
	if i < len(m.keys) && m.keys[i] == key {
		m.keys = append(m.keys[:i], m.keys[i+1:]...)
	}
	if m.lastQueueWithEntries == key {
		m.lastQueueWithEntries = types.NullKey
	}
	if rate > 0 {
		m.calcThrottleModeLocked()
	}

	m.logger.WithField("key", key.String()).Debug("work queue removed")
	m.metrics.QueueDepth(len(m.queues), m.sizeOfAllLocked())
	return nil
}

// GetWrkQE returns the work queue for key; HPKey returns the HP queue.
func (g *Guard) GetWrkQE(key types.LVKey) (*wrkqe.WRKQE, error) {
	q, ok := g.m.getWrkQELocked(key)
	if !ok {
		return nil, errors.Wrapf(ErrQueueNotFound, "%s", key)
	}
	return q, nil
}

// GetWrkQE is Guard.GetWrkQE for callers that hold no lock.
func (m *Manager) GetWrkQE(key types.LVKey) (*wrkqe.WRKQE, error) {
	g := m.lock("getWrkQE")
	defer g.Unlock()
	return g.GetWrkQE(key)
}

func (m *Manager) getWrkQELocked(key types.LVKey) (*wrkqe.WRKQE, bool) {
	if key.IsHP() {
		return m.hp, true
	}
	q, ok := m.queues[key]
	return q, ok
}

// SetSuspended suspends or resumes the work queue for key.
func (m *Manager) SetSuspended(held Held, key types.LVKey, suspend bool) (SuspendResult, error) {
	g := m.Lock("setSuspended", held)
	defer g.Unlock()

	q, ok := m.queues[key]
	if !ok {
		return SuspendNoChange, errors.Wrapf(ErrQueueNotFound, "%s", key)
	}
	if !q.SetSuspended(suspend) {
		return SuspendNoChange, nil
	}
	m.logger.WithFields(log.Fields{"key": key.String(), "suspended": suspend, "size": q.Size()}).
		Info("work queue suspend state changed")
	return SuspendChanged, nil
}

// SetThrottleRate sets the rate of the work queue for key and re-evaluates
// throttle mode.
func (m *Manager) SetThrottleRate(key types.LVKey, rate uint64) error {
	g := m.lock("setThrottleRate")
	defer g.Unlock()

	q, ok := m.queues[key]
	if !ok {
		return errors.Wrapf(ErrQueueNotFound, "%s", key)
	}
	q.SetRate(rate)
	m.calcThrottleModeLocked()
	return nil
}

// GetThrottleRate returns the rate of the work queue for key.
func (m *Manager) GetThrottleRate(key types.LVKey) (uint64, error) {
	g := m.lock("getThrottleRate")
	defer g.Unlock()

	q, ok := m.queues[key]
	if !ok {
		return 0, errors.Wrapf(ErrQueueNotFound, "%s", key)
	}
	return q.Rate(), nil
}

// InThrottleMode reports whether any work queue has a rate.
func (m *Manager) InThrottleMode() bool { return m.throttleMode.Load() }

// CalcThrottleMode recomputes throttle mode from the queue rates.
func (m *Manager) CalcThrottleMode() {
	g := m.lock("calcThrottleMode")
	defer g.Unlock()
	m.calcThrottleModeLocked()
}

func (m *Manager) calcThrottleModeLocked() {
	mode := false
	for _, q := range m.queues {
		if q.Rate() > 0 {
			mode = true
			break
		}
	}
	if m.throttleMode.Load() == mode {
		return
	}
	m.logger.WithFields(log.Fields{"from": !mode, "to": mode}).Info("throttle mode changing")
	if mode {
		m.forcePop()
		m.loadBucketsLocked()
	}
	m.throttleMode.Store(mode)
}

// LoadBuckets refills the bucket of every volume queue.
func (m *Manager) LoadBuckets() {
	g := m.lock("loadBuckets")
	defer g.Unlock()
	m.loadBucketsLocked()
}

func (m *Manager) loadBucketsLocked() {
	for _, key := range m.keys {
		q := m.queues[key]
		qg := q.Lock("loadBuckets")
		qg.LoadBucket(m.cfg.BucketRefillInterval)
		qg.Unlock()
	}
}

// NumberOfWorkQueues returns the number of work queues, the HP queue
// included.
func (m *Manager) NumberOfWorkQueues() int {
	g := m.lock("getNumberOfWorkQueues")
	defer g.Unlock()
	return len(m.queues) + 1
}

// SizeOfAllWorkQueues returns the number of queued items over all queues,
// the HP queue included.
func (m *Manager) SizeOfAllWorkQueues() int {
	g := m.lock("getSizeOfAllWorkQueues")
	defer g.Unlock()
	return m.sizeOfAllLocked()
}

func (m *Manager) sizeOfAllLocked() int {
	total := m.hp.Size()
	for _, q := range m.queues {
		total += q.Size()
	}
	return total
}

// ============================================================================
// 工作項目
// ============================================================================

// AddWorkItem enqueues w on its volume queue and posts the semaphore.
func (m *Manager) AddWorkItem(w types.WorkID) error {
	g := m.lock("addWorkItem")
	q, ok := m.queues[w.Key]
	if !ok {
		g.Unlock()
		return errors.Wrapf(ErrQueueNotFound, "%s", w.Key)
	}
	qg := g.LockQueue(q, "addWorkItem")
	qg.Enqueue(w)
	qg.Unlock()
	if w.Canceled {
		m.checkForCanceledExtents.Store(true)
	}
	g.Unlock()

	m.sem.Post()
	return nil
}

// MarkCanceled flags the queued items of key carrying tag and turns on the
// canceled extent scan. It returns how many items were flagged.
func (m *Manager) MarkCanceled(key types.LVKey, tag uint64) (int, error) {
	g := m.lock("markCanceled")
	defer g.Unlock()

	q, ok := m.queues[key]
	if !ok {
		return 0, errors.Wrapf(ErrQueueNotFound, "%s", key)
	}
	qg := g.LockQueue(q, "markCanceled")
	n := qg.MarkCanceled(tag)
	qg.Unlock()
	if n > 0 {
		m.checkForCanceledExtents.Store(true)
	}
	return n, nil
}

// SetCheckForCanceledExtents turns the canceled extent scan on or off.
func (m *Manager) SetCheckForCanceledExtents(v bool) { m.checkForCanceledExtents.Store(v) }

// CheckForCanceledExtents reports whether FindWork scans for canceled extents.
func (m *Manager) CheckForCanceledExtents() bool { return m.checkForCanceledExtents.Load() }

// RemoveWorkItem dequeues the next item of q and records q as the last queue
// processed. last reports whether q is now empty.
func (g *Guard) RemoveWorkItem(q *wrkqe.WRKQE) (w types.WorkID, last bool, err error) {
	m := g.m
	if q.DumpOnRemove() {
		level, postfix := log.DebugLevel, " Work Queue Mgr (Debug)"
		iv := m.cfg.DumpOnRemoveInterval
		if q.IsHP() || q.Size() == 1 || (iv > 0 && m.processed%iv == 0) {
			level, postfix = log.InfoLevel, " Work Queue Mgr (Not an error - Count Interval)"
		}
		q.Dump(m.logger, level, "Start: Current work item -> ")
		if !q.IsHP() {
			m.dumpLocked(level, postfix, DumpAlways)
		}
	}

	qg := g.LockQueue(q, "removeWorkItem")
	w, ok := qg.DequeueFront()
	qg.Unlock()
	if !ok {
		return types.WorkID{}, false, errors.Wrapf(ErrQueueEmpty, "%s", q.Key())
	}

	// HP removals leave the round-robin position of the volume queues alone
	if !q.IsHP() {
		m.lastQueueProcessed = q.Key()
		m.processed++
	}
	m.metrics.WorkItemRemoved(q.IsHP())
	return w, q.Size() == 0, nil
}

// PeekWorkItem returns the item RemoveWorkItem would remove.
func (g *Guard) PeekWorkItem(q *wrkqe.WRKQE) (types.WorkID, bool) {
	qg := g.LockQueue(q, "peekWorkItem")
	defer qg.Unlock()
	return qg.PeekFront()
}

// IncrementNumberOfWorkItemsProcessed records the completion of w from q.
// HP completions advance the journal completion cursor.
func (m *Manager) IncrementNumberOfWorkItemsProcessed(q *wrkqe.WRKQE, w types.WorkID) {
	if !q.IsHP() {
		q.IncrementProcessed()
		m.metrics.WorkItemProcessed(false)
		return
	}
	g := m.lock("incrementNumberOfWorkItemsProcessed")
	m.manageWorkItemsProcessedLocked(w)
	g.Unlock()
	m.metrics.WorkItemProcessed(true)
}

// ProcessThrottle debits q's bucket by extent. threadDelay is what the
// current worker owes; totalDelay adds the remaining bucket intervals.
func (g *Guard) ProcessThrottle(q *wrkqe.WRKQE, extent types.ExtentInfo) (threadDelay, totalDelay time.Duration) {
	m := g.m
	if !m.throttleMode.Load() {
		return 0, 0
	}
	qg := g.LockQueue(q, "processThrottle")
	threadDelay = qg.ProcessBucket(extent)
	qg.Unlock()

	if threadDelay > 0 {
		remaining := m.bucketCtrl.remaining() - 1
		if remaining < 0 {
			remaining = 0
		}
		totalDelay = time.Duration(remaining)*m.cfg.ThrottleInterval + threadDelay
		m.metrics.ThrottleDelayed(threadDelay)
	}
	return threadDelay, totalDelay
}

// ============================================================================
// HP 併發計數
// ============================================================================

// ConcurrentHP returns the HP requests being processed.
func (m *Manager) ConcurrentHP() int {
	g := m.lock("getNumberOfConcurrentHPRequests")
	defer g.Unlock()
	return m.concurrentHP
}

// ConcurrentCancel returns the cancel class HP requests being processed.
func (m *Manager) ConcurrentCancel() int {
	g := m.lock("getNumberOfConcurrentCancelRequests")
	defer g.Unlock()
	return m.concurrentCancel
}

func (m *Manager) incrementConcurrent(cancel bool) {
	if m.concurrentHP >= math.MaxInt32 {
		m.fatal("concurrent HP request count overflow", log.Fields{"count": m.concurrentHP})
		return
	}
	m.concurrentHP++
	if cancel {
		m.concurrentCancel++
	}
	m.metrics.ConcurrentHP(m.concurrentHP, m.concurrentCancel)
}

func (m *Manager) decrementConcurrent(cancel bool) {
	if m.concurrentHP <= 0 {
		m.fatal("concurrent HP request count underflow", log.Fields{"count": m.concurrentHP})
		return
	}
	m.concurrentHP--
	if cancel {
		if m.concurrentCancel <= 0 {
			m.fatal("concurrent cancel request count underflow", log.Fields{"count": m.concurrentCancel})
			return
		}
		m.concurrentCancel--
	}
	m.metrics.ConcurrentHP(m.concurrentHP, m.concurrentCancel)
}

// ============================================================================
// 信號量
// ============================================================================

// Post signals one unit of work.
func (m *Manager) Post() { m.sem.Post() }

// PostMultiple signals n units of work.
func (m *Manager) PostMultiple(n int) { m.sem.PostMultiple(n) }

// Wait blocks until a unit of work is signalled or ctx ends.
func (m *Manager) Wait(ctx context.Context) error { return m.sem.Wait(ctx) }

// SemaphoreValue returns the pending posts.
func (m *Manager) SemaphoreValue() int { return m.sem.Value() }

// Verify compares pending posts with queued items and dumps on mismatch.
// The caller has already consumed one post.
func (m *Manager) Verify() bool {
	total := m.SizeOfAllWorkQueues()
	posts := m.sem.Value()
	if posts+1 == total {
		return true
	}
	m.logger.WithFields(log.Fields{"posts": posts, "items": total}).Info("semaphore and work queues mismatch")
	m.Dump(log.InfoLevel, " - After failed verification", DumpAlways)
	return false
}
