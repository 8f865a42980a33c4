// ============================================================================
// bbqueue Worker - Transfer Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: 每個 Worker 在獨立 goroutine 中向 WRKQMGR 取得工作並執行
//
// How it works:
//   1. 等待 manager 信號量（每個排入的工作項目 post 一次）
//   2. 持有 manager 鎖呼叫 FindWork 選擇佇列
//   3. HP 佇列 → TakeHPWorkItem，釋放鎖後執行 async request
//   4. volume 佇列 → 節流中則延遲後重新 post；否則移除工作、扣除 bucket，
//      釋放鎖後執行 transfer
//   5. 回報完成，送出 Result
//
// Lock Rules:
//   manager 鎖只在選擇與移除期間持有，transfer 與 async request 執行時
//   一律不持有任何鎖。
//
// ============================================================================

package worker

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ChuLiYu/bbqueue/internal/journal"
	"github.com/ChuLiYu/bbqueue/internal/wrkqe"
	"github.com/ChuLiYu/bbqueue/internal/wrkqmgr"
	"github.com/ChuLiYu/bbqueue/pkg/types"
)

// Worker 代表一個執行 transfer 與 async request 的工作單元
type Worker struct {
	id       int
	mgr      *wrkqmgr.Manager
	transfer Transferer
	handler  AsyncHandler
	resultCh chan<- Result
	logger   *log.Entry
}

func newWorker(id int, mgr *wrkqmgr.Manager, transfer Transferer, handler AsyncHandler, resultCh chan<- Result) *Worker {
	return &Worker{
		id:       id,
		mgr:      mgr,
		transfer: transfer,
		handler:  handler,
		resultCh: resultCh,
		logger:   log.WithFields(log.Fields{"component": "worker", "worker": id}),
	}
}

// Run 是 Worker 的主循環，直到 ctx 結束
func (w *Worker) Run(ctx context.Context) {
	for {
		if err := w.mgr.Wait(ctx); err != nil {
			return
		}
		w.runOnce(ctx)
	}
}

// runOnce 處理一次信號量喚醒
func (w *Worker) runOnce(ctx context.Context) {
	g := w.mgr.Lock("worker", wrkqmgr.Held{})
	q, rc := g.FindWork(ctx, nil)
	if q == nil {
		g.Unlock()
		if rc == wrkqmgr.WorkExists {
			// 工作存在但目前不能派發（暫停、併發上限），稍後再試
			w.repost(ctx, w.mgr.Config().ThrottleInterval)
		}
		return
	}

	if q.IsHP() {
		wid, req, err := g.TakeHPWorkItem(ctx)
		g.Unlock()
		if err != nil {
			w.report(Result{Work: wid, HP: true, Error: err})
			return
		}
		w.processHP(ctx, wid, req)
		return
	}

	// bucket 欠債時整個佇列等待，不取出工作
	if delay := q.ThrottleDelay(); delay > 0 && !q.HasCanceledExtents() {
		g.Unlock()
		w.logger.WithFields(log.Fields{"queue": q.Key().String(), "delay": delay}).Debug("work queue throttled")
		w.repost(ctx, delay)
		return
	}

	wid, _, err := g.RemoveWorkItem(q)
	if err != nil {
		g.Unlock()
		w.report(Result{Work: wid, Error: err})
		return
	}
	var delay time.Duration
	if !wid.Canceled {
		delay, _ = g.ProcessThrottle(q, wid.Extent)
	}
	g.Unlock()

	w.processVolume(ctx, q, wid, delay)
}

// repost 延遲後重新 post 信號量，讓 worker 重新選擇
func (w *Worker) repost(ctx context.Context, delay time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(delay):
	}
	w.mgr.Post()
}

func (w *Worker) processVolume(ctx context.Context, q *wrkqe.WRKQE, wid types.WorkID, delay time.Duration) {
	start := time.Now()
	res := Result{Work: wid, Delay: delay}

	if delay > 0 && !wid.Canceled {
		w.logger.WithFields(log.Fields{"queue": q.Key().String(), "delay": delay}).Debug("throttle delay before transfer")
		select {
		case <-ctx.Done():
			res.Error = ctx.Err()
		case <-time.After(delay):
		}
	}

	if wid.Canceled {
		res.Skipped = true
		w.logger.WithFields(log.Fields{"queue": q.Key().String(), "tag": wid.Tag}).Info("canceled extent dropped")
	} else if res.Error != nil {
		w.logger.WithFields(log.Fields{"queue": q.Key().String(), "tag": wid.Tag}).WithError(res.Error).Warn("transfer abandoned")
	} else if err := w.transfer.Transfer(ctx, wid); err != nil {
		res.Error = err
		w.logger.WithFields(log.Fields{"queue": q.Key().String(), "tag": wid.Tag}).WithError(err).Error("transfer failed")
	}

	w.mgr.IncrementNumberOfWorkItemsProcessed(q, wid)
	res.Duration = time.Since(start)
	w.report(res)
}

// processHP 執行一個 async request。本機送出的請求與 heartbeat 不會執行。
func (w *Worker) processHP(ctx context.Context, wid types.WorkID, req journal.AsyncRequest) {
	start := time.Now()
	res := Result{Work: wid, HP: true, Verb: req.Verb()}
	defer func() {
		w.mgr.CompleteHPWorkItem(wid, req)
		res.Duration = time.Since(start)
		w.report(res)
	}()

	if req.IsEmpty() || req.SameHost(w.mgr.Hostname()) {
		res.Skipped = true
		return
	}

	cmd, err := req.Parse()
	if err != nil {
		res.Error = err
		w.logger.WithFields(log.Fields{"host": req.Hostname, "data": req.Data}).WithError(err).
			Error("unable to parse async request")
		return
	}

	if cmd.Verb == journal.VerbHeartbeat {
		w.mgr.UpdateHeartbeatDataWithTime(req.Hostname, cmd.Str1)
		res.Skipped = true
		return
	}

	if err := w.mgr.StartProcessingHPRequest(req); err != nil {
		res.Skipped = true
		return
	}
	defer w.mgr.EndProcessingHPRequest(req)

	if err := w.handler.HandleAsyncRequest(ctx, req, cmd); err != nil {
		res.Error = err
		w.logger.WithFields(log.Fields{"host": req.Hostname, "verb": cmd.Verb}).WithError(err).
			Error("async request failed")
	}
}

func (w *Worker) report(res Result) {
	select {
	case w.resultCh <- res:
	default:
		// 結果通道已滿時丟棄，不阻塞工作
	}
}
