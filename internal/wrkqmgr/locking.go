package wrkqmgr

// ============================================================================
// 鎖順序協定
// 順序: metadata → manager → queue
//
// 規則:
//   - 持有 queue 鎖時取得 manager 鎖 → fatal
//   - 持有 metadata 鎖時取得 manager 鎖 → 先釋放 metadata，
//     Guard.Unlock 時再重新取得
//   - 重複 unlock 只記錄錯誤
// ============================================================================

import (
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"github.com/ChuLiYu/bbqueue/internal/wrkqe"
)

// MetadataLock is the volume metadata lock owned by the metadata layer.
type MetadataLock interface {
	Lock()
	Unlock()
}

// MetadataLocked is the capability token for a held metadata lock. Code that
// holds the metadata lock passes the token to Manager.Lock so the manager can
// release it and take it back in the right order.
type MetadataLocked struct {
	lock MetadataLock
	held atomic.Bool
}

// LockMetadata acquires l and returns its token.
func LockMetadata(l MetadataLock) *MetadataLocked {
	l.Lock()
	t := &MetadataLocked{lock: l}
	t.held.Store(true)
	return t
}

// Held reports whether the token still holds the metadata lock.
func (t *MetadataLocked) Held() bool { return t != nil && t.held.Load() }

// Unlock releases the metadata lock. A second Unlock is logged and ignored.
func (t *MetadataLocked) Unlock() {
	if t == nil {
		return
	}
	if !t.held.CompareAndSwap(true, false) {
		log.Error("metadata lock released but it was not held")
		return
	}
	t.lock.Unlock()
}

func (t *MetadataLocked) release() {
	t.held.Store(false)
	t.lock.Unlock()
}

func (t *MetadataLocked) reacquire() {
	t.lock.Lock()
	t.held.Store(true)
}

// Held describes the locks a caller already holds when it asks for the
// manager lock. The zero value means none.
type Held struct {
	Metadata *MetadataLocked
	Queue    *wrkqe.Guard
}

// Guard is a held manager lock.
type Guard struct {
	m        *Manager
	method   string
	metadata *MetadataLocked // released by Lock, taken back by Unlock
	released atomic.Bool
	paused   bool
}

// Lock acquires the manager lock on behalf of method.
//
// 參數：
//   - method: 呼叫者名稱，用於日誌
//   - held: 呼叫者目前持有的鎖
//
// 返回值：
//   - *Guard: 持有中的 manager 鎖
func (m *Manager) Lock(method string, held Held) *Guard {
	if held.Queue.Held() {
		m.fatal("manager lock requested while a queue lock is held", log.Fields{
			"method":       method,
			"queue":        held.Queue.Queue().Key().String(),
			"queue_method": held.Queue.Method(),
		})
		return nil
	}

	var metadata *MetadataLocked
	if held.Metadata != nil {
		if !held.Metadata.Held() {
			m.fatal("manager lock requested with a stale metadata token", log.Fields{"method": method})
			return nil
		}
		held.Metadata.release()
		metadata = held.Metadata
	}

	m.mu.Lock()
	m.lockedBy.Store(method)
	m.logger.WithField("method", method).Trace("manager locked")
	return &Guard{m: m, method: method, metadata: metadata}
}

// lock is Lock for internal callers that hold nothing.
func (m *Manager) lock(method string) *Guard {
	return m.Lock(method, Held{})
}

// Unlock releases the manager lock and re-acquires the metadata lock if
// Lock released it. A second Unlock is logged and ignored.
func (g *Guard) Unlock() {
	if g == nil {
		return
	}
	if !g.released.CompareAndSwap(false, true) {
		g.m.logger.WithField("method", g.method).Error("manager lock released but it was not held")
		return
	}
	g.m.lockedBy.Store("")
	g.m.mu.Unlock()
	if g.metadata != nil {
		g.metadata.reacquire()
	}
}

// Held reports whether the guard still holds the manager lock.
func (g *Guard) Held() bool { return g != nil && !g.released.Load() && !g.paused }

// MetadataReleased reports whether taking the manager lock released the
// caller's metadata lock.
func (g *Guard) MetadataReleased() bool { return g.metadata != nil }

// Method returns the name the lock was taken for.
func (g *Guard) Method() string { return g.method }

// LockQueue takes the lock of q while the manager lock is held.
func (g *Guard) LockQueue(q *wrkqe.WRKQE, method string) *wrkqe.Guard {
	if !g.Held() {
		g.m.fatal("queue lock requested without the manager lock", log.Fields{
			"method": method,
			"queue":  q.Key().String(),
		})
		return nil
	}
	return q.Lock(method)
}

// pause drops the manager lock without touching the metadata lock. Used by
// waits that must let other goroutines make progress.
func (g *Guard) pause() {
	g.paused = true
	g.m.lockedBy.Store("")
	g.m.mu.Unlock()
}

func (g *Guard) resume() {
	g.m.mu.Lock()
	g.m.lockedBy.Store(g.method)
	g.paused = false
}
