package worker

// ============================================================================
// Worker Pool Test File
// Purpose: Verify work dispatch, async request handling, graceful shutdown
// ============================================================================

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/bbqueue/internal/journal"
	"github.com/ChuLiYu/bbqueue/internal/wrkqmgr"
	"github.com/ChuLiYu/bbqueue/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

const (
	localHost = "node01"
	peerHost  = "node02"
)

type fakeLV struct{}

func (fakeLV) HasCanceledExtents() bool { return false }
func (fakeLV) NumberOfExtents() int     { return 1 }

func newTestManager(t *testing.T, mutate func(*wrkqmgr.Config)) *wrkqmgr.Manager {
	t.Helper()
	store, err := journal.Open(journal.Options{Dir: t.TempDir(), RetryInterval: time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	logger, _ := test.NewNullLogger()
	cfg := wrkqmgr.DefaultConfig()
	cfg.Hostname = localHost
	cfg.Logger = logger
	cfg.ThrottleInterval = 10 * time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}
	m, err := wrkqmgr.New(context.Background(), cfg, store)
	require.NoError(t, err)
	t.Cleanup(m.Stop)
	return m
}

func lvKey(i int) types.LVKey {
	return types.LVKey{Connection: "conn", UUID: fmt.Sprintf("lv-%02d", i)}
}

type recordingTransfer struct {
	mu   sync.Mutex
	seen map[types.LVKey][]uint64
}

func newRecordingTransfer() *recordingTransfer {
	return &recordingTransfer{seen: make(map[types.LVKey][]uint64)}
}

func (r *recordingTransfer) Transfer(_ context.Context, w types.WorkID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen[w.Key] = append(r.seen[w.Key], w.Tag)
	return nil
}

func (r *recordingTransfer) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, tags := range r.seen {
		n += len(tags)
	}
	return n
}

type recordingHandler struct {
	mu   sync.Mutex
	cmds []journal.Command
}

func (h *recordingHandler) HandleAsyncRequest(_ context.Context, _ journal.AsyncRequest, cmd journal.Command) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cmds = append(h.cmds, cmd)
	return nil
}

func (h *recordingHandler) commands() []journal.Command {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]journal.Command(nil), h.cmds...)
}

func collect(t *testing.T, pool *Pool, n int) []Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var out []Result
	for len(out) < n {
		res, err := pool.ReceiveResult(ctx)
		require.NoError(t, err)
		out = append(out, res)
	}
	return out
}

// ============================================================================
// Basic Functionality Tests
// ============================================================================

func TestPoolLifecycle(t *testing.T) {
	m := newTestManager(t, nil)
	pool := NewPool(m, newRecordingTransfer(), &recordingHandler{}, 10)
	assert.Equal(t, 0, pool.GetWorkerCount())
	assert.False(t, pool.IsStarted())
	assert.ErrorIs(t, pool.Stop(), ErrPoolNotStarted)

	require.NoError(t, pool.Start(context.Background(), 4))
	assert.Equal(t, 4, pool.GetWorkerCount())
	assert.True(t, pool.IsStarted())
	assert.ErrorIs(t, pool.Start(context.Background(), 1), ErrPoolStarted)

	require.NoError(t, pool.Stop())
	require.NoError(t, pool.Stop())
	assert.ErrorIs(t, pool.Start(context.Background(), 1), ErrPoolClosed)

	_, err := pool.ReceiveResult(context.Background())
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestPoolTransfersEveryVolumeItem(t *testing.T) {
	m := newTestManager(t, nil)
	for i := 1; i <= 3; i++ {
		require.NoError(t, m.AddWrkQ(wrkqmgr.Held{}, lvKey(i), fakeLV{}, 1, false))
		for tag := 0; tag < 5; tag++ {
			require.NoError(t, m.AddWorkItem(types.WorkID{Key: lvKey(i), Tag: uint64(tag), Extent: types.ExtentInfo{Length: 4096}}))
		}
	}

	transfer := newRecordingTransfer()
	pool := NewPool(m, transfer, &recordingHandler{}, 32)
	require.NoError(t, pool.Start(context.Background(), 4))
	defer pool.Stop()

	results := collect(t, pool, 15)
	for _, res := range results {
		assert.NoError(t, res.Error)
		assert.False(t, res.HP)
	}
	assert.Equal(t, 15, transfer.count())
	for i := 1; i <= 3; i++ {
		q, err := m.GetWrkQE(lvKey(i))
		require.NoError(t, err)
		assert.Equal(t, 0, q.Size())
		assert.Equal(t, uint64(5), q.Processed())
		assert.ElementsMatch(t, []uint64{0, 1, 2, 3, 4}, transfer.seen[lvKey(i)])
	}
}

func TestPoolDropsCanceledExtents(t *testing.T) {
	m := newTestManager(t, nil)
	require.NoError(t, m.AddWrkQ(wrkqmgr.Held{}, lvKey(1), fakeLV{}, 1, false))
	require.NoError(t, m.AddWorkItem(types.WorkID{Key: lvKey(1), Tag: 1}))
	require.NoError(t, m.AddWorkItem(types.WorkID{Key: lvKey(1), Tag: 2, Canceled: true}))

	transfer := newRecordingTransfer()
	pool := NewPool(m, transfer, &recordingHandler{}, 8)
	require.NoError(t, pool.Start(context.Background(), 1))
	defer pool.Stop()

	results := collect(t, pool, 2)
	assert.True(t, results[0].Skipped, "canceled item goes first")
	assert.Equal(t, uint64(2), results[0].Work.Tag)
	assert.False(t, results[1].Skipped)
	assert.Equal(t, []uint64{1}, transfer.seen[lvKey(1)])
}

func TestPoolHandlesAsyncRequests(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()
	store := m.Store()

	_, err := store.Append(ctx, journal.NewAsyncRequest(peerHost, journal.Command{Verb: journal.VerbCancel, JobID: 42}))
	require.NoError(t, err)
	_, err = store.Append(ctx, journal.NewAsyncRequest(peerHost, journal.Command{Verb: journal.VerbHeartbeat, Str1: "2024-01-01_00:00:00"}))
	require.NoError(t, err)
	_, err = m.AppendCommand(ctx, journal.Command{Verb: journal.VerbCancel, JobID: 43})
	require.NoError(t, err)
	m.CheckForNewHPWorkItems(ctx)

	handler := &recordingHandler{}
	pool := NewPool(m, newRecordingTransfer(), handler, 8)
	require.NoError(t, pool.Start(ctx, 2))
	defer pool.Stop()

	results := collect(t, pool, 3)
	skipped := 0
	for _, res := range results {
		assert.True(t, res.HP)
		assert.NoError(t, res.Error)
		if res.Skipped {
			skipped++
		}
	}
	assert.Equal(t, 2, skipped, "heartbeat and local request are not executed")

	cmds := handler.commands()
	require.Len(t, cmds, 1)
	assert.Equal(t, uint64(42), cmds[0].JobID)

	e, ok := m.HeartbeatEntry(peerHost)
	require.True(t, ok)
	assert.Equal(t, "2024-01-01_00:00:00", e.ServerTime)

	assert.Equal(t, uint64(3), m.HPQueue().HPProcessed())
	assert.Equal(t, journal.Position{Seq: 1, Offset: 3 * journal.DefaultRecordSize}, m.NextOffsetToProcess())
	assert.Equal(t, 0, m.ConcurrentHP())
	assert.Equal(t, 0, m.InflightHPRequests())
}

func TestPoolWaitsOutThrottleDebt(t *testing.T) {
	m := newTestManager(t, func(c *wrkqmgr.Config) {
		c.BucketRefillInterval = 50 * time.Millisecond
	})
	require.NoError(t, m.AddWrkQ(wrkqmgr.Held{}, lvKey(1), fakeLV{}, 1, false))
	require.NoError(t, m.SetThrottleRate(lvKey(1), 10000))
	for tag := 0; tag < 2; tag++ {
		require.NoError(t, m.AddWorkItem(types.WorkID{Key: lvKey(1), Tag: uint64(tag), Extent: types.ExtentInfo{Length: 1000}}))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)

	transfer := newRecordingTransfer()
	pool := NewPool(m, transfer, &recordingHandler{}, 8)
	require.NoError(t, pool.Start(ctx, 2))
	defer pool.Stop()

	results := collect(t, pool, 2)
	assert.Equal(t, 2, transfer.count())
	var delayed bool
	for _, res := range results {
		if res.Delay > 0 {
			delayed = true
			assert.GreaterOrEqual(t, res.Duration, res.Delay, "worker sleeps the thread delay before transferring")
		}
	}
	assert.True(t, delayed, "a 1000 byte extent overdraws a 500 byte bucket")
}
