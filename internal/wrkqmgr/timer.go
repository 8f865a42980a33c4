package wrkqmgr

// ============================================================================
// Timer Loop
// 每個 ThrottleInterval 觸發一次，各控制器計數到門檻時執行：
//   async     → CheckForNewHPWorkItems（門檻隨 turbo factor 調整）
//   bucket    → LoadBuckets（節流模式）
//   heartbeat → 追加本機 heartbeat（有任何追加時重設）
//   snapshot  → 寫入 Status
//   dump      → 節流模式下定期 dump
// ============================================================================

import (
	"context"
	"math"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// timerController counts timer pops and fires every round(popCount*factor)
// pops, never less than one.
type timerController struct {
	mu       sync.Mutex
	popCount int
	factor   float64
	count    int
}

func newTimerController(interval, tick time.Duration) *timerController {
	n := int(math.Round(float64(interval) / float64(tick)))
	if n < 1 {
		n = 1
	}
	return &timerController{popCount: n, factor: 1}
}

func (c *timerController) thresholdLocked() int {
	n := int(math.Round(float64(c.popCount) * c.factor))
	if n < 1 {
		n = 1
	}
	return n
}

// tick counts one pop and reports whether the controller fires.
func (c *timerController) tick() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.count++
	return c.count >= c.thresholdLocked()
}

func (c *timerController) reset() {
	c.mu.Lock()
	c.count = 0
	c.mu.Unlock()
}

// remaining returns the pops left before the controller fires.
func (c *timerController) remaining() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.thresholdLocked() - c.count
}

func (c *timerController) getFactor() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.factor
}

func (c *timerController) setFactor(f float64) {
	c.mu.Lock()
	c.factor = f
	c.mu.Unlock()
}

// ============================================================================
// 生命週期
// ============================================================================

// Start 啟動 timer loop
func (m *Manager) Start(ctx context.Context) {
	m.loopWg.Add(1)
	go m.timerLoop(ctx)
	m.logger.WithField("interval", m.cfg.ThrottleInterval).Info("work queue manager timer started")
}

// Stop 停止 timer loop 並等待其退出
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		m.loopWg.Wait()
		m.logger.Info("work queue manager stopped")
	})
}

func (m *Manager) forcePop() {
	select {
	case m.popCh <- struct{}{}:
	default:
	}
}

func (m *Manager) timerLoop(ctx context.Context) {
	defer m.loopWg.Done()

	ticker := time.NewTicker(m.cfg.ThrottleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.pop(ctx)
		case <-m.popCh:
			m.pop(ctx)
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// pop runs the controllers for one timer pop.
func (m *Manager) pop(ctx context.Context) {
	if m.asyncCtrl.tick() {
		m.CheckForNewHPWorkItems(ctx)
	}

	if m.bucketCtrl.tick() {
		if m.InThrottleMode() {
			m.LoadBuckets()
		}
		m.bucketCtrl.reset()
	}

	if m.heartbeatCtrl.tick() {
		if err := m.sendHeartbeat(ctx); err != nil {
			m.logger.WithError(err).Warn("unable to append heartbeat")
		}
		m.heartbeatCtrl.reset()
	}

	if m.snapshotCtrl.tick() {
		m.writeStatus()
		m.snapshotCtrl.reset()
	}

	if m.dumpCtrl.tick() {
		m.Dump(log.InfoLevel, " Work Queue Mgr (Not an error - Timer Interval)", DumpIfThrottled)
		m.dumpCtrl.reset()
	}
}

func (m *Manager) writeStatus() {
	if m.sink == nil {
		return
	}
	st := m.Status()
	if err := m.sink.Write(st); err != nil {
		m.logger.WithError(err).Warn("unable to write status snapshot")
	}
}
