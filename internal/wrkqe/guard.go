package wrkqe

import (
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ChuLiYu/bbqueue/pkg/types"
)

// Guard is a held queue lock. Everything that changes the FIFO or the bucket
// goes through a Guard, and Unlock releases it exactly once.
type Guard struct {
	q        *WRKQE
	method   string
	released atomic.Bool
}

// Lock acquires the queue lock on behalf of method.
func (q *WRKQE) Lock(method string) *Guard {
	q.mu.Lock()
	return &Guard{q: q, method: method}
}

// Unlock releases the queue lock. A second Unlock is logged and ignored.
func (g *Guard) Unlock() {
	if g == nil {
		return
	}
	if !g.released.CompareAndSwap(false, true) {
		log.WithFields(log.Fields{"key": g.q.key.String(), "method": g.method}).
			Error("queue lock released but it was not held")
		return
	}
	g.q.mu.Unlock()
}

// Held reports whether the guard still holds the queue lock.
func (g *Guard) Held() bool { return g != nil && !g.released.Load() }

// Queue returns the locked queue.
func (g *Guard) Queue() *WRKQE { return g.q }

// Method returns the name the lock was taken for.
func (g *Guard) Method() string { return g.method }

// ============================================================================
// 佇列操作（需持有鎖）
// ============================================================================

// Enqueue appends w to the FIFO.
func (g *Guard) Enqueue(w types.WorkID) {
	q := g.q
	q.items = append(q.items, w)
	if w.Canceled {
		q.canceled++
		q.hasCanceled.Store(true)
	}
	q.size.Add(1)
	q.enqueued.Add(1)
}

// PeekFront returns the next item to dispatch without removing it: the
// oldest canceled item when any is queued, otherwise the FIFO head.
func (g *Guard) PeekFront() (types.WorkID, bool) {
	i := g.front()
	if i < 0 {
		return types.WorkID{}, false
	}
	return g.q.items[i], true
}

// DequeueFront removes and returns the item PeekFront would return.
func (g *Guard) DequeueFront() (types.WorkID, bool) {
	q := g.q
	i := g.front()
	if i < 0 {
		return types.WorkID{}, false
	}
	w := q.items[i]
	if i == 0 {
		q.items[0] = types.WorkID{}
		q.items = q.items[1:]
	} else {
		q.items = append(q.items[:i], q.items[i+1:]...)
	}
	if len(q.items) == 0 {
		q.items = nil
	}
	if w.Canceled {
		q.canceled--
		q.hasCanceled.Store(q.canceled > 0)
	}
	q.size.Add(-1)
	return w, true
}

func (g *Guard) front() int {
	q := g.q
	if len(q.items) == 0 {
		return -1
	}
	if q.canceled > 0 {
		for i := range q.items {
			if q.items[i].Canceled {
				return i
			}
		}
	}
	return 0
}

// MarkCanceled flags every queued item carrying tag as canceled and returns
// how many were flagged.
func (g *Guard) MarkCanceled(tag uint64) int {
	q := g.q
	n := 0
	for i := range q.items {
		if !q.items[i].Canceled && q.items[i].Tag == tag {
			q.items[i].Canceled = true
			n++
		}
	}
	q.canceled += n
	q.hasCanceled.Store(q.canceled > 0)
	return n
}

// Items returns a copy of the queued items in FIFO order.
func (g *Guard) Items() []types.WorkID {
	return append([]types.WorkID(nil), g.q.items...)
}

// LoadBucket refills the bucket to rate × interval. Unthrottled queues are
// left alone.
func (g *Guard) LoadBucket(interval time.Duration) {
	q := g.q
	rate := q.rate.Load()
	if rate == 0 {
		return
	}
	q.bucket.Store(int64(float64(rate) * interval.Seconds()))
}

// ProcessBucket debits the bucket by the extent length and returns the delay
// owed when the bucket goes negative.
func (g *Guard) ProcessBucket(extent types.ExtentInfo) time.Duration {
	q := g.q
	rate := q.rate.Load()
	if rate == 0 {
		return 0
	}
	bucket := q.bucket.Add(-int64(extent.Length))
	return debtDelay(bucket, rate)
}
