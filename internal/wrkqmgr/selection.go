package wrkqmgr

// ============================================================================
// 工作選擇
// 優先順序:
//   1. 指定 key → 直接回傳該佇列
//   2. 含已取消 extent 的佇列（checkForCanceledExtents 開啟時）
//   3. HP 佇列（未超過併發上限）
//   4. volume 佇列循環選擇，節流時選 bucket 最大者
// ============================================================================

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/ChuLiYu/bbqueue/internal/journal"
	"github.com/ChuLiYu/bbqueue/internal/wrkqe"
	"github.com/ChuLiYu/bbqueue/pkg/types"
)

// FindWork picks the queue a worker should take its next item from.
//
// 參數：
//   - ctx: 讀取 HP 請求時使用
//   - key: 指定佇列，nil 表示由 manager 選擇
//
// 返回值：
//   - *wrkqe.WRKQE: 選中的佇列，可能為 nil
//   - FindResult: WorkExists 表示仍有工作，worker 應重新 post
func (g *Guard) FindWork(ctx context.Context, key *types.LVKey) (*wrkqe.WRKQE, FindResult) {
	m := g.m
	if key != nil && !key.IsNull() {
		q, ok := m.getWrkQELocked(*key)
		if !ok {
			m.logger.WithField("key", key.String()).Info("work queue no longer exists")
			m.dumpLocked(log.InfoLevel, " Work Queue Mgr (Specific workqueue not found)", DumpAlways)
			return nil, NoWork
		}
		return q, WorkExists
	}

	// 已取消的 extent 優先於 HP，避免所有 worker 卡在等待取消完成
	if m.checkForCanceledExtents.Load() {
		if q := m.findCanceledLocked(); q != nil {
			m.metrics.WorkFound(WorkExists, false)
			return q, WorkExists
		}
	}

	skippedHP := false
	if m.hp.Size() > 0 {
		switch {
		case m.concurrentHP >= m.cfg.AllowedConcurrentHP:
			skippedHP = true
		case m.concurrentCancel >= m.cfg.AllowedConcurrentCancel:
			w, ok := g.PeekWorkItem(m.hp)
			if ok && !journal.IsCancelClass(m.peekLocked(ctx, w)) {
				m.metrics.WorkFound(WorkExists, true)
				return m.hp, WorkExists
			}
			skippedHP = true
		default:
			m.metrics.WorkFound(WorkExists, true)
			return m.hp, WorkExists
		}
	}

	q, rc := m.findVolumeLocked()
	if rc == NoWork && m.hp.Size() > 0 {
		rc = WorkExists
	}
	if skippedHP {
		m.logger.WithFields(log.Fields{
			"concurrent_hp":     m.concurrentHP,
			"allowed_hp":        m.cfg.AllowedConcurrentHP,
			"concurrent_cancel": m.concurrentCancel,
			"allowed_cancel":    m.cfg.AllowedConcurrentCancel,
			"rc":                rc.String(),
		}).Debug("skipping HP queue work")
	}
	m.metrics.WorkFound(rc, false)
	return q, rc
}

// findCanceledLocked returns a non-empty volume queue with canceled work,
// round-robin after the last queue processed. No hit turns the scan off.
func (m *Manager) findCanceledLocked() *wrkqe.WRKQE {
	recalc := m.lastQueueWithEntries.IsNull()
	selectNext := false
	var first, found *wrkqe.WRKQE

	for _, key := range m.keys {
		if key == m.lastQueueWithEntries {
			recalc = true
		}
		q := m.queues[key]
		if q.Size() == 0 {
			continue
		}
		if q.HasCanceledExtents() {
			if first == nil {
				first = q
			}
			if selectNext || m.lastQueueProcessed == m.lastQueueWithEntries {
				found = q
				break
			}
		}
		if !selectNext && key == m.lastQueueProcessed {
			selectNext = true
		}
	}
	if found == nil {
		found = first
	}

	if found == nil {
		m.checkForCanceledExtents.Store(false)
		return nil
	}
	found.Dump(m.logger, log.DebugLevel, "extent being canceled")
	if recalc {
		m.calcLastWorkQueueWithEntriesLocked()
	}
	return found
}

// findVolumeLocked walks the volume queues in key order. Unthrottled queues
// are handed out round-robin after lastQueueProcessed. Among throttled queues
// a queue in debt is replaced by one with a larger bucket, so when all are in
// debt the smallest delay wins.
func (m *Manager) findVolumeLocked() (*wrkqe.WRKQE, FindResult) {
	rc := NoWork
	recalc := m.lastQueueWithEntries.IsNull()

	var chosen *wrkqe.WRKQE
	bucket := int64(-1)
	selectNext, foundFirstPositive, earlyExit := false, false, false

	for _, key := range m.keys {
		if earlyExit {
			break
		}
		// lastQueueWithEntries only matters to the next call if the scan
		// reaches it now
		if key == m.lastQueueWithEntries {
			recalc = true
		}

		q := m.queues[key]
		if q.Size() > 0 {
			cur := q.Bucket()
			if q.IsAssignable() {
				if chosen == nil || (bucket <= 0 && bucket < cur) {
					chosen, bucket = q, cur
					if !foundFirstPositive && bucket >= 0 {
						if m.lastQueueProcessed == m.lastQueueWithEntries {
							earlyExit = true
						}
						foundFirstPositive = true
					}
				}
				if selectNext && cur >= 0 {
					chosen, bucket = q, cur
					earlyExit = true
				}
			}
			rc = WorkExists
		}

		if !selectNext && key == m.lastQueueProcessed {
			selectNext = true
		}
	}

	if chosen != nil && !recalc && !earlyExit {
		recalc = true
	}

	if rc == WorkExists && chosen != nil {
		// a queue in debt sends every worker into a delay; the next call
		// recalculates
		if recalc && bucket >= 0 {
			m.calcLastWorkQueueWithEntriesLocked()
		}
	} else {
		m.lastQueueWithEntries = types.NullKey
	}
	return chosen, rc
}

func (m *Manager) calcLastWorkQueueWithEntriesLocked() {
	for i := len(m.keys) - 1; i >= 0; i-- {
		if m.queues[m.keys[i]].Size() > 0 {
			m.lastQueueWithEntries = m.keys[i]
			return
		}
	}
}

// LastQueueProcessed returns the key of the queue an item was last removed from.
func (m *Manager) LastQueueProcessed() types.LVKey {
	g := m.lock("getLastQueueProcessed")
	defer g.Unlock()
	return m.lastQueueProcessed
}

// LastQueueWithEntries returns the highest keyed non-empty volume queue as of
// the last recalculation.
func (m *Manager) LastQueueWithEntries() types.LVKey {
	g := m.lock("getLastQueueWithEntries")
	defer g.Unlock()
	return m.lastQueueWithEntries
}
