// ============================================================================
// bbqueue Worker Pool - 並發工作執行器
// ============================================================================
//
// Package: internal/worker
// 文件: worker_pool.go
// 功能: 管理多個 Worker goroutine 的生命週期
//
// 設計模式:
//   Worker 不從 channel 取得任務，而是共享 WRKQMGR 的信號量：
//   每排入一個工作項目 post 一次，任何空閒 Worker 醒來後向 manager
//   選擇下一個佇列。
//
//   ┌─────────────┐   Post()   ┌──────────────┐
//   │  WRKQMGR    │ ─────────→ │  Semaphore   │
//   └─────────────┘            └──────────────┘
//         ↑ FindWork                 │ Wait()
//   ┌─────────────┐                  ↓
//   │   Pool      │  Worker 1..N ────┘
//   └─────────────┘        └──→ resultCh
//
// 生命週期:
//   1. NewPool() - 建立 Pool
//   2. Start(ctx, n) - 啟動 n 個 Worker goroutines
//   3. Results() - 讀取處理結果
//   4. Stop() - 取消 Worker 並等待結束
//
// 錯誤處理:
//   - ErrPoolNotStarted: 未啟動即停止或讀取
//   - ErrPoolClosed: 已關閉後啟動
//
// ============================================================================

package worker

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/ChuLiYu/bbqueue/internal/wrkqmgr"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrPoolClosed 表示當前 Pool 已關閉
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted 表示 Pool 尚未啟動
	ErrPoolNotStarted = errors.New("worker pool not started")
	// ErrPoolStarted 表示 Pool 已啟動
	ErrPoolStarted = errors.New("worker pool already started")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Pool 代表 Worker 池，管理多個並發的 Worker
type Pool struct {
	mgr      *wrkqmgr.Manager
	transfer Transferer
	handler  AsyncHandler

	workers  []*Worker
	resultCh chan Result
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	started  bool
	stopped  bool
	mu       sync.Mutex
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewPool 建立新的 Worker Pool
// 參數：
//   - mgr: 提供工作的 manager
//   - transfer: 執行 volume 工作項目
//   - handler: 執行 async request
//   - bufferSize: 結果通道的緩衝大小
//
// 返回值：
//   - *Pool: Worker Pool 實例
func NewPool(mgr *wrkqmgr.Manager, transfer Transferer, handler AsyncHandler, bufferSize int) *Pool {
	return &Pool{
		mgr:      mgr,
		transfer: transfer,
		handler:  handler,
		resultCh: make(chan Result, bufferSize),
	}
}

// Start 啟動指定數量的 Worker
// 參數：
//   - ctx: 結束時所有 Worker 停止
//   - workerCount: 要啟動的 Worker 數量
//
// 返回值：
//   - error: 如果 Pool 已啟動或已關閉則返回錯誤
func (p *Pool) Start(ctx context.Context, workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return ErrPoolClosed
	}
	if p.started {
		return ErrPoolStarted
	}

	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < workerCount; i++ {
		w := newWorker(i, p.mgr, p.transfer, p.handler, p.resultCh)
		p.workers = append(p.workers, w)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run(ctx)
		}(w)
	}

	p.started = true
	log.WithFields(log.Fields{"component": "worker", "workers": workerCount}).Info("worker pool started")
	return nil
}

// Results 返回結果通道，Stop 後關閉
func (p *Pool) Results() <-chan Result {
	return p.resultCh
}

// ReceiveResult 從結果通道接收一個結果
// 返回值：
//   - Result: 處理結果
//   - error: ctx 結束或 Pool 已關閉
func (p *Pool) ReceiveResult(ctx context.Context) (Result, error) {
	select {
	case res, ok := <-p.resultCh:
		if !ok {
			return Result{}, ErrPoolClosed
		}
		return res, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Stop 優雅地關閉 Worker Pool
// 關閉流程：
//  1. 取消 Worker 的 context，等待中的 Worker 立即返回
//  2. 等待處理中的工作完成
//  3. 關閉結果通道
func (p *Pool) Stop() error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return ErrPoolNotStarted
	}
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
	close(p.resultCh)
	log.WithField("component", "worker").Info("worker pool stopped")
	return nil
}

// GetWorkerCount 返回當前 Worker 數量
func (p *Pool) GetWorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// IsStarted 檢查 Pool 是否已啟動
func (p *Pool) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}
