package wrkqmgr

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/bbqueue/internal/journal"
	"github.com/ChuLiYu/bbqueue/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

const (
	localHost = "node01"
	peerHost  = "node02"
)

type fakeLV struct {
	canceled bool
	extents  int
}

func (f *fakeLV) HasCanceledExtents() bool { return f.canceled }
func (f *fakeLV) NumberOfExtents() int     { return f.extents }

func lvKey(i int) types.LVKey {
	return types.LVKey{Connection: "conn", UUID: fmt.Sprintf("lv-%02d", i)}
}

func newTestStore(t *testing.T, recordSize int) *journal.Store {
	t.Helper()
	store, err := journal.Open(journal.Options{
		Dir:           t.TempDir(),
		RecordSize:    recordSize,
		RetryInterval: time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

// newTestManager builds a manager over a fresh journal. The logger panics
// instead of exiting on fatal paths.
func newTestManager(t *testing.T, mutate func(*Config)) (*Manager, *test.Hook) {
	t.Helper()
	return newTestManagerWithStore(t, newTestStore(t, 128), mutate)
}

func newTestManagerWithStore(t *testing.T, store *journal.Store, mutate func(*Config)) (*Manager, *test.Hook) {
	t.Helper()
	logger, hook := test.NewNullLogger()
	logger.ExitFunc = func(code int) { panic(fmt.Sprintf("fatal exit %d", code)) }

	cfg := DefaultConfig()
	cfg.Hostname = localHost
	cfg.Logger = logger
	cfg.OutstandingPollInterval = 5 * time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}
	m, err := New(context.Background(), cfg, store)
	require.NoError(t, err)
	t.Cleanup(m.Stop)
	return m, hook
}

func addQueue(t *testing.T, m *Manager, key types.LVKey, items int) {
	t.Helper()
	require.NoError(t, m.AddWrkQ(Held{}, key, &fakeLV{extents: 100}, 1, false))
	for i := 0; i < items; i++ {
		require.NoError(t, m.AddWorkItem(types.WorkID{Key: key, Tag: uint64(i), Extent: types.ExtentInfo{Length: 100}}))
	}
}

func appendRequest(t *testing.T, m *Manager, host, verb string) journal.Position {
	t.Helper()
	pos, err := m.Store().Append(context.Background(),
		journal.NewAsyncRequest(host, journal.Command{Verb: verb, JobID: 7, Handle: 9}))
	require.NoError(t, err)
	return pos
}

// take runs one FindWork + RemoveWorkItem under the manager lock.
func take(t *testing.T, m *Manager) (types.LVKey, FindResult) {
	t.Helper()
	g := m.Lock("test", Held{})
	defer g.Unlock()
	q, rc := g.FindWork(context.Background(), nil)
	if q == nil {
		return types.NullKey, rc
	}
	_, _, err := g.RemoveWorkItem(q)
	require.NoError(t, err)
	return q.Key(), rc
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type captureSink struct {
	mu       sync.Mutex
	statuses []Status
}

func (s *captureSink) Write(st Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, st)
	return nil
}

func (s *captureSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.statuses)
}

// ============================================================================
// Unit Tests
// ============================================================================

func TestNewPositionsCursorsAtTail(t *testing.T) {
	t.Run("empty journal", func(t *testing.T) {
		m, _ := newTestManager(t, nil)
		assert.Equal(t, journal.Position{Seq: 1, Offset: 0}, m.ReadCursor())
		assert.Equal(t, journal.Position{Seq: 1, Offset: 0}, m.NextOffsetToProcess())
	})

	t.Run("existing records are not replayed", func(t *testing.T) {
		store := newTestStore(t, 128)
		for i := 0; i < 3; i++ {
			_, err := store.Append(context.Background(), journal.NewAsyncRequest(peerHost, journal.Command{Verb: "cancel"}))
			require.NoError(t, err)
		}
		m, _ := newTestManagerWithStore(t, store, nil)
		assert.Equal(t, journal.Position{Seq: 1, Offset: 384}, m.ReadCursor())
		assert.Equal(t, journal.Position{Seq: 1, Offset: 384}, m.NextOffsetToProcess())
		assert.Equal(t, uint64(0), m.CheckForNewHPWorkItems(context.Background()))
		assert.Equal(t, 0, m.HPQueue().Size())
	})
}

func TestAddAndRemoveWorkQueues(t *testing.T) {
	m, _ := newTestManager(t, nil)
	key := lvKey(1)

	require.NoError(t, m.AddWrkQ(Held{}, key, nil, 5, false))
	err := m.AddWrkQ(Held{}, key, nil, 5, false)
	assert.ErrorIs(t, err, ErrQueueExists)
	assert.ErrorIs(t, m.AddWrkQ(Held{}, types.HPKey, nil, 0, false), ErrQueueExists)
	assert.Equal(t, 2, m.NumberOfWorkQueues())

	q, err := m.GetWrkQE(key)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), q.JobID())

	hp, err := m.GetWrkQE(types.HPKey)
	require.NoError(t, err)
	assert.Same(t, m.HPQueue(), hp)

	require.NoError(t, m.RmvWrkQ(Held{}, key))
	require.NoError(t, m.RmvWrkQ(Held{}, key), "removing a missing queue is tolerated")
	_, err = m.GetWrkQE(key)
	assert.ErrorIs(t, err, ErrQueueNotFound)
	assert.Equal(t, 1, m.NumberOfWorkQueues())
}

func TestRemoveQueueResetsLastQueueWithEntries(t *testing.T) {
	m, _ := newTestManager(t, nil)
	addQueue(t, m, lvKey(1), 2)
	addQueue(t, m, lvKey(2), 2)

	take(t, m)
	assert.Equal(t, lvKey(2), m.LastQueueWithEntries())
	require.NoError(t, m.RmvWrkQ(Held{}, lvKey(2)))
	assert.True(t, m.LastQueueWithEntries().IsNull())
}

func TestSetSuspended(t *testing.T) {
	m, _ := newTestManager(t, nil)
	key := lvKey(1)
	addQueue(t, m, key, 0)

	tests := []struct {
		name    string
		key     types.LVKey
		suspend bool
		want    SuspendResult
		wantErr error
	}{
		{"suspend", key, true, SuspendChanged, nil},
		{"suspend again", key, true, SuspendNoChange, nil},
		{"resume", key, false, SuspendChanged, nil},
		{"resume again", key, false, SuspendNoChange, nil},
		{"unknown queue", lvKey(9), true, SuspendNoChange, ErrQueueNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := m.SetSuspended(Held{}, tt.key, tt.suspend)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestThrottleRate(t *testing.T) {
	m, _ := newTestManager(t, nil)
	key := lvKey(1)
	addQueue(t, m, key, 1)

	assert.False(t, m.InThrottleMode())
	require.NoError(t, m.SetThrottleRate(key, 4096))
	assert.True(t, m.InThrottleMode())

	rate, err := m.GetThrottleRate(key)
	require.NoError(t, err)
	assert.Equal(t, uint64(4096), rate)

	q, _ := m.GetWrkQE(key)
	assert.Equal(t, int64(4096), q.Bucket(), "buckets are loaded when throttle mode turns on")

	assert.ErrorIs(t, m.SetThrottleRate(lvKey(9), 1), ErrQueueNotFound)
	_, err = m.GetThrottleRate(lvKey(9))
	assert.ErrorIs(t, err, ErrQueueNotFound)

	require.NoError(t, m.SetThrottleRate(key, 0))
	assert.False(t, m.InThrottleMode())

	require.NoError(t, m.SetThrottleRate(key, 10))
	require.NoError(t, m.RmvWrkQ(Held{}, key))
	assert.False(t, m.InThrottleMode(), "removing the last throttled queue leaves throttle mode")
}

func TestProcessThrottle(t *testing.T) {
	m, _ := newTestManager(t, nil)
	key := lvKey(1)
	addQueue(t, m, key, 1)
	q, _ := m.GetWrkQE(key)

	g := m.lock("test")
	thread, total := g.ProcessThrottle(q, types.ExtentInfo{Length: 1 << 20})
	g.Unlock()
	assert.Zero(t, thread, "no throttling outside throttle mode")
	assert.Zero(t, total)

	require.NoError(t, m.SetThrottleRate(key, 1000))
	g = m.lock("test")
	thread, total = g.ProcessThrottle(q, types.ExtentInfo{Length: 1500})
	g.Unlock()
	assert.Equal(t, 500*time.Millisecond, thread)
	// bucket controller fires every 4 pops of 250ms; 3 remain after this one
	assert.Equal(t, 3*250*time.Millisecond+thread, total)
}

func TestSizeOfAllWorkQueuesAndVerify(t *testing.T) {
	m, hook := newTestManager(t, nil)
	addQueue(t, m, lvKey(1), 2)
	addQueue(t, m, lvKey(2), 1)
	appendRequest(t, m, peerHost, "setcredentials")
	m.CheckForNewHPWorkItems(context.Background())

	assert.Equal(t, 4, m.SizeOfAllWorkQueues())
	assert.Equal(t, 4, m.SemaphoreValue())

	require.NoError(t, m.Wait(context.Background()))
	assert.True(t, m.Verify())

	require.NoError(t, m.Wait(context.Background()))
	hook.Reset()
	assert.False(t, m.Verify())
	require.NotNil(t, hook.LastEntry())
}

func TestRemoveWorkItemOnEmptyQueue(t *testing.T) {
	m, _ := newTestManager(t, nil)
	addQueue(t, m, lvKey(1), 0)
	q, _ := m.GetWrkQE(lvKey(1))

	g := m.lock("test")
	defer g.Unlock()
	_, _, err := g.RemoveWorkItem(q)
	assert.ErrorIs(t, err, ErrQueueEmpty)
}

func TestRemoveWorkItemReportsLast(t *testing.T) {
	m, _ := newTestManager(t, nil)
	addQueue(t, m, lvKey(1), 2)
	q, _ := m.GetWrkQE(lvKey(1))

	g := m.lock("test")
	defer g.Unlock()
	w, last, err := g.RemoveWorkItem(q)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), w.Tag)
	assert.False(t, last)
	_, last, err = g.RemoveWorkItem(q)
	require.NoError(t, err)
	assert.True(t, last)
}

func TestIncrementNumberOfWorkItemsProcessed(t *testing.T) {
	m, _ := newTestManager(t, nil)
	addQueue(t, m, lvKey(1), 1)
	q, _ := m.GetWrkQE(lvKey(1))
	m.IncrementNumberOfWorkItemsProcessed(q, types.WorkID{Key: lvKey(1)})
	assert.Equal(t, uint64(1), q.Processed())
}

// ============================================================================
// Heartbeat
// ============================================================================

func TestHeartbeat(t *testing.T) {
	m, _ := newTestManager(t, nil)
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	m.now = clock.Now

	assert.False(t, m.ServerDeclaredDead(peerHost), "unknown servers are not dead")

	m.UpdateHeartbeatDataWithTime(peerHost, "2024-01-01_00:00:00")
	m.UpdateHeartbeatData(peerHost)
	e, ok := m.HeartbeatEntry(peerHost)
	require.True(t, ok)
	assert.Equal(t, uint64(2), e.Count)
	assert.Equal(t, "2024-01-01_00:00:00", e.ServerTime, "server time survives a heartbeat without one")

	clock.Advance(299 * time.Second)
	assert.False(t, m.ServerDeclaredDead(peerHost))
	assert.Equal(t, uint64(300), m.DeclareServerDeadCount(peerHost))

	clock.Advance(time.Second)
	assert.True(t, m.ServerDeclaredDead(peerHost))
	assert.Equal(t, uint64(1), m.DeclareServerDeadCount(peerHost))

	m.SetDeclareServerDeadCount(600)
	assert.False(t, m.ServerDeclaredDead(peerHost))
	assert.Equal(t, uint64(600), m.DeclareServerDeadCount(peerHost))
}

func TestDumpHeartbeatData(t *testing.T) {
	m, hook := newTestManager(t, nil)
	m.DumpHeartbeatData(log.InfoLevel, "")
	assert.Contains(t, hook.LastEntry().Message, "No other reporting servers")

	m.UpdateHeartbeatData("b")
	m.UpdateHeartbeatData("a")
	hook.Reset()
	m.DumpHeartbeatData(log.InfoLevel, "")
	entries := hook.AllEntries()
	require.Len(t, entries, 4)
	assert.Equal(t, "a", entries[1].Data["host"])
	assert.Equal(t, "b", entries[2].Data["host"])
}

// ============================================================================
// Dump
// ============================================================================

func TestDumpSkipsWithoutProgress(t *testing.T) {
	m, hook := newTestManager(t, func(c *Config) { c.AllowedSkippedDumps = 2 })
	addQueue(t, m, lvKey(1), 3)

	assert.False(t, m.Dump(log.InfoLevel, " test", DumpIfThrottled), "not throttled")
	assert.True(t, m.Dump(log.InfoLevel, " test", DumpUnconditionally))

	assert.False(t, m.Dump(log.InfoLevel, " test", DumpAlways), "nothing processed since last dump")
	assert.False(t, m.Dump(log.InfoLevel, " test", DumpAlways))

	hook.Reset()
	assert.True(t, m.Dump(log.InfoLevel, " test", DumpAlways), "skip allowance used up")
	assert.Contains(t, hook.AllEntries()[0].Message, "Skip Interval")

	take(t, m)
	assert.True(t, m.Dump(log.InfoLevel, " test", DumpAlways), "progress since last dump")
	assert.False(t, m.Dump(log.DebugLevel, " test", DumpUnconditionally), "level filtered out")
}

func TestDumpDisabled(t *testing.T) {
	m, _ := newTestManager(t, func(c *Config) { c.AllowDump = false })
	assert.False(t, m.Dump(log.InfoLevel, " test", DumpUnconditionally))
}

func TestStatus(t *testing.T) {
	m, _ := newTestManager(t, nil)
	addQueue(t, m, lvKey(2), 1)
	addQueue(t, m, lvKey(1), 2)
	require.NoError(t, m.SetThrottleRate(lvKey(1), 100))
	appendRequest(t, m, peerHost, "setcredentials")
	m.CheckForNewHPWorkItems(context.Background())
	m.UpdateHeartbeatData(peerHost)

	st := m.Status()
	assert.Equal(t, localHost, st.Hostname)
	assert.True(t, st.ThrottleMode)
	require.Len(t, st.Queues, 2)
	assert.Equal(t, "lv-01", st.Queues[0].UUID)
	assert.Equal(t, 2, st.Queues[0].Size)
	assert.Equal(t, uint64(100), st.Queues[0].Rate)
	assert.Equal(t, 1, st.HP.Size)
	assert.Equal(t, journal.Position{Seq: 1, Offset: 128}, st.HP.ReadCursor)
	assert.Equal(t, 4, st.Semaphore)
	assert.Contains(t, st.Heartbeats, peerHost)
}

// ============================================================================
// Timer
// ============================================================================

func TestTimerController(t *testing.T) {
	c := newTimerController(time.Second, 250*time.Millisecond)
	assert.Equal(t, 4, c.popCount)
	assert.False(t, c.tick())
	assert.False(t, c.tick())
	assert.Equal(t, 2, c.remaining())
	assert.False(t, c.tick())
	assert.True(t, c.tick())
	c.reset()
	assert.Equal(t, 4, c.remaining())

	c.setFactor(0.01)
	assert.True(t, c.tick(), "threshold never drops below one pop")

	assert.Equal(t, 1, newTimerController(time.Millisecond, time.Second).popCount)
}

func TestTimerLoopHeartbeatAndSnapshot(t *testing.T) {
	sink := &captureSink{}
	m, _ := newTestManager(t, func(c *Config) {
		c.ThrottleInterval = 5 * time.Millisecond
		c.HeartbeatInterval = 5 * time.Millisecond
		c.SnapshotInterval = 5 * time.Millisecond
		c.AsyncRequestReadInterval = 5 * time.Millisecond
		c.StatusSink = sink
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)

	require.Eventually(t, func() bool {
		return m.HPQueue().Enqueued() >= 2 && sink.count() >= 2
	}, 2*time.Second, 5*time.Millisecond)
	m.Stop()
	m.Stop()

	req, err := m.Store().ReadAt(context.Background(), 1, 0)
	require.NoError(t, err)
	assert.Equal(t, localHost, req.Hostname)
	assert.Equal(t, journal.VerbHeartbeat, req.Verb())
	cmd, err := req.Parse()
	require.NoError(t, err)
	_, err = time.Parse(HeartbeatTimeFormat, cmd.Str1)
	assert.NoError(t, err)
}
