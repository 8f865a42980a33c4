package journal

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testRecordSize = 128

// ============================================================================
// Test Helper Functions
// ============================================================================

func newTestStore(t *testing.T, threshold uint64) *Store {
	t.Helper()
	s, err := Open(Options{
		Dir:                 filepath.Join(t.TempDir(), "bbdata"),
		RecordSize:          testRecordSize,
		SwapThreshold:       threshold,
		RetryInterval:       time.Millisecond,
		MaintenanceAttempts: 2,
		MaintenanceDelay:    time.Millisecond,
	})
	require.NoError(t, err)
	_, err = s.Verify(context.Background(), NoMaintenance)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testRequest(verb string, handle uint64) AsyncRequest {
	return NewAsyncRequest("node01", Command{Verb: verb, JobID: 1, JobStepID: 2, Handle: handle, ContribID: 3})
}

func fileSize(t *testing.T, s *Store, seq int) int64 {
	t.Helper()
	st, err := os.Stat(s.FileName(seq))
	require.NoError(t, err)
	return st.Size()
}

// ============================================================================
// Record codec
// ============================================================================

func TestAsyncRequestEncode(t *testing.T) {
	tests := []struct {
		name    string
		req     AsyncRequest
		wantErr error
	}{
		{"fits", AsyncRequest{Hostname: "node01", Data: "cancel 1 2 3 4 0 None None"}, nil},
		{"empty", AsyncRequest{}, nil},
		{"hostname too long", AsyncRequest{Hostname: string(bytes.Repeat([]byte("h"), HostnameLength))}, ErrRecordTooLarge},
		{"data too long", AsyncRequest{Hostname: "n", Data: string(bytes.Repeat([]byte("d"), testRecordSize-HostnameLength))}, ErrRecordTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf, err := tt.req.Encode(testRecordSize)
			if tt.wantErr != nil {
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Len(t, buf, testRecordSize)
			assert.Equal(t, tt.req, DecodeAsyncRequest(buf))
		})
	}
}

func TestAsyncRequestParse(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		want    Command
		wantErr bool
	}{
		{
			name: "cancel",
			data: "cancel 10 20 30 4 1 None None",
			want: Command{Verb: "cancel", JobID: 10, JobStepID: 20, Handle: 30, ContribID: 4, CancelScope: 1, Str1: "None", Str2: "None"},
		},
		{
			name: "with strings",
			data: "handle 1 2 3 0 0 /gpfs/a /gpfs/b",
			want: Command{Verb: "handle", JobID: 1, JobStepID: 2, Handle: 3, Str1: "/gpfs/a", Str2: "/gpfs/b"},
		},
		{name: "too few fields", data: "cancel 1 2", wantErr: true},
		{name: "non numeric", data: "cancel x 2 3 4 5 None None", wantErr: true},
		{name: "contrib overflow", data: "cancel 1 2 3 99999999999 5 None None", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, err := AsyncRequest{Hostname: "h", Data: tt.data}.Parse()
			if tt.wantErr {
				assert.True(t, errors.Is(err, ErrMalformedRequest), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, cmd)
		})
	}
}

func TestCommandStringUsesNonePlaceholder(t *testing.T) {
	cmd := Command{Verb: VerbHeartbeat}
	assert.Equal(t, "heartbeat 0 0 0 0 0 None None", cmd.String())
	assert.Equal(t, VerbHeartbeat, AsyncRequest{Data: cmd.String()}.Verb())
	assert.True(t, IsCancelClass(VerbCancel))
	assert.True(t, IsCancelClass(VerbStopRequest))
	assert.False(t, IsCancelClass(VerbHeartbeat))
}

// ============================================================================
// Append / read
// ============================================================================

func TestAppendAndReadAt(t *testing.T) {
	s := newTestStore(t, DefaultSwapThreshold)
	ctx := context.Background()

	for i := uint64(0); i < 3; i++ {
		pos, err := s.Append(ctx, testRequest(VerbCancel, i))
		require.NoError(t, err)
		assert.Equal(t, Position{Seq: 1, Offset: i * testRecordSize}, pos)
	}

	req, err := s.ReadAt(ctx, 1, testRecordSize)
	require.NoError(t, err)
	cmd, err := req.Parse()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), cmd.Handle)
	assert.True(t, req.SameHost("node01"))

	latest, err := s.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, Position{Seq: 1, Offset: 3 * testRecordSize}, latest)

	_, err = s.ReadAt(ctx, 1, 3*testRecordSize)
	assert.True(t, errors.Is(err, ErrShortRead), "got %v", err)
}

func TestAppendRotatesPastThreshold(t *testing.T) {
	s := newTestStore(t, 2*testRecordSize)
	ctx := context.Background()

	want := []Position{
		{1, 0}, {1, testRecordSize}, {1, 2 * testRecordSize},
		{2, 0}, {2, testRecordSize},
	}
	for i, w := range want {
		pos, err := s.Append(ctx, testRequest(VerbCancel, uint64(i)))
		require.NoError(t, err)
		assert.Equal(t, w, pos, "append %d", i)
	}
	assert.Equal(t, int64(3*testRecordSize), fileSize(t, s, 1))
	assert.Equal(t, int64(2*testRecordSize), fileSize(t, s, 2))

	assert.True(t, s.CrossingBoundary(ctx, 1, 3*testRecordSize))
	assert.False(t, s.CrossingBoundary(ctx, 1, 2*testRecordSize))
	assert.False(t, s.CrossingBoundary(ctx, 2, testRecordSize))
	// unreadable file is logged and treated as not crossing
	assert.False(t, s.CrossingBoundary(ctx, 9, 3*testRecordSize))
}

func TestCrossingBoundaryAfterEarlyRotation(t *testing.T) {
	s := newTestStore(t, DefaultSwapThreshold)
	ctx := context.Background()

	_, err := s.Append(ctx, testRequest(VerbCancel, 1))
	require.NoError(t, err)
	assert.False(t, s.CrossingBoundary(ctx, 1, testRecordSize), "no newer file yet")

	seq, err := s.Verify(ctx, CreateNewFile)
	require.NoError(t, err)
	require.Equal(t, 2, seq)
	assert.True(t, s.CrossingBoundary(ctx, 1, testRecordSize))
	assert.False(t, s.CrossingBoundary(ctx, 1, 0))
	assert.False(t, s.CrossingBoundary(ctx, 2, 0))

	pos, err := s.Append(ctx, testRequest(VerbCancel, 2))
	require.NoError(t, err)
	assert.Equal(t, Position{Seq: 2, Offset: 0}, pos)
}

func TestAppendNeverSplitsRecords(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 20
	properties := gopter.NewProperties(params)

	properties.Property("positions are record aligned and increasing", prop.ForAll(
		func(n int, recordsPerFile int) bool {
			dir, err := os.MkdirTemp(t.TempDir(), "prop")
			if err != nil {
				return false
			}
			s, err := Open(Options{Dir: dir, RecordSize: testRecordSize, SwapThreshold: uint64(recordsPerFile * testRecordSize)})
			if err != nil {
				return false
			}
			defer s.Close()

			var last Position
			for i := 0; i < n; i++ {
				pos, err := s.Append(context.Background(), testRequest(VerbCancel, uint64(i)))
				if err != nil || pos.Offset%testRecordSize != 0 {
					return false
				}
				if i > 0 && !(pos.Seq > last.Seq || (pos.Seq == last.Seq && pos.Offset > last.Offset)) {
					return false
				}
				if pos.Seq > last.Seq && i > 0 && (pos.Seq != last.Seq+1 || pos.Offset != 0) {
					return false
				}
				last = pos
			}
			seqs, err := s.Files()
			if err != nil {
				return false
			}
			for _, seq := range seqs {
				st, err := os.Stat(s.FileName(seq))
				if err != nil || st.Size()%testRecordSize != 0 {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 30),
		gen.IntRange(1, 5),
	))

	properties.TestingRun(t)
}

func TestAppendPartialWriteSealsAndRotates(t *testing.T) {
	s := newTestStore(t, DefaultSwapThreshold)
	ctx := context.Background()

	_, err := s.Append(ctx, testRequest(VerbCancel, 1))
	require.NoError(t, err)

	calls := 0
	s.write = func(f *os.File, b []byte) (int, error) {
		calls++
		n, _ := f.Write(b[:len(b)/2])
		return n, io.ErrShortWrite
	}
	_, err = s.Append(ctx, testRequest(VerbCancel, 2))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPartialWrite))
	var pw *PartialWriteError
	require.True(t, errors.As(err, &pw))
	assert.Equal(t, 1, pw.Seq)
	assert.Equal(t, uint64(testRecordSize), pw.Offset)
	assert.Equal(t, testRecordSize/2, pw.Written)
	assert.NoError(t, pw.PadErr)
	assert.Equal(t, 1, calls, "partial writes are not retried")

	// torn slot padded to a whole record and reads back empty
	assert.Equal(t, int64(2*testRecordSize), fileSize(t, s, 1))
	req, err := s.ReadAt(ctx, 1, testRecordSize)
	require.NoError(t, err)
	// hostname survived the torn write, payload may be truncated
	assert.Equal(t, "node01", req.Hostname)

	s.write = (*os.File).Write
	pos, err := s.Append(ctx, testRequest(VerbCancel, 3))
	require.NoError(t, err)
	assert.Equal(t, Position{Seq: 2, Offset: 0}, pos)
}

func TestAppendRetriesTransientFailure(t *testing.T) {
	s := newTestStore(t, DefaultSwapThreshold)

	calls := 0
	s.write = func(f *os.File, b []byte) (int, error) {
		calls++
		if calls == 1 {
			return 0, errors.New("input/output error")
		}
		return f.Write(b)
	}
	pos, err := s.Append(context.Background(), testRequest(VerbCancel, 1))
	require.NoError(t, err)
	assert.Equal(t, Position{Seq: 1, Offset: 0}, pos)
	assert.Equal(t, 2, calls)
}

func TestAppendGivesUpAfterRetries(t *testing.T) {
	s := newTestStore(t, DefaultSwapThreshold)

	calls := 0
	s.write = func(f *os.File, b []byte) (int, error) {
		calls++
		return 0, errors.New("input/output error")
	}
	_, err := s.Append(context.Background(), testRequest(VerbCancel, 1))
	require.Error(t, err)
	assert.Equal(t, DefaultRetries, calls)
}

func TestAppendRejectsOversizedAndClosed(t *testing.T) {
	s := newTestStore(t, DefaultSwapThreshold)
	ctx := context.Background()

	_, err := s.Append(ctx, AsyncRequest{Hostname: "n", Data: string(bytes.Repeat([]byte("x"), testRecordSize))})
	assert.True(t, errors.Is(err, ErrRecordTooLarge))

	require.NoError(t, s.Close())
	_, err = s.Append(ctx, testRequest(VerbCancel, 1))
	assert.True(t, errors.Is(err, ErrClosed))
}

// ============================================================================
// Read cache
// ============================================================================

func TestReadCacheFollowsSequence(t *testing.T) {
	s := newTestStore(t, testRecordSize)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := s.Append(ctx, testRequest(VerbCancel, uint64(i)))
		require.NoError(t, err)
	}
	assert.Equal(t, 0, s.cache.cachedSeq())

	_, err := s.ReadAt(ctx, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, s.cache.cachedSeq())

	_, err = s.ReadAt(ctx, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, s.cache.cachedSeq())

	_, err = s.Verify(ctx, ForceReopen)
	require.NoError(t, err)
	assert.Equal(t, 0, s.cache.cachedSeq())

	opened := 0
	require.NoError(t, s.OpenForRead(2, false, func(f *os.File) error { opened++; return nil }))
	require.NoError(t, s.OpenForRead(2, false, func(f *os.File) error { opened++; return nil }))
	assert.Equal(t, 2, opened)
	assert.Equal(t, 2, s.cache.cachedSeq())
}

func TestTailOffsetSeesOtherWriters(t *testing.T) {
	s := newTestStore(t, DefaultSwapThreshold)
	ctx := context.Background()

	other, err := Open(Options{Dir: s.Dir(), RecordSize: testRecordSize})
	require.NoError(t, err)
	defer other.Close()

	tail, err := s.TailOffset(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), tail)

	_, err = other.Append(ctx, testRequest(VerbCancel, 7))
	require.NoError(t, err)

	tail, err = s.TailOffset(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(testRecordSize), tail)
}

// ============================================================================
// Maintenance
// ============================================================================

func TestVerifyCreatesDatastoreAndFiles(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "bbdata")
	s, err := Open(Options{Dir: dir, RecordSize: testRecordSize})
	require.NoError(t, err)
	ctx := context.Background()

	seq, err := s.Verify(ctx, MinimalMaintenance)
	require.NoError(t, err)
	assert.Equal(t, 1, seq)
	assert.FileExists(t, s.FileName(1))

	seq, err = s.Verify(ctx, CreateNewFile)
	require.NoError(t, err)
	assert.Equal(t, 2, seq)
	st, err := os.Stat(s.FileName(2))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o700), st.Mode().Perm())

	seq, err = s.Verify(ctx, NoMaintenance)
	require.NoError(t, err)
	assert.Equal(t, 2, seq)
}

func TestVerifyGivesUpWhenParentMissing(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "missing", "bbdata")
	s, err := Open(Options{Dir: dir, RecordSize: testRecordSize, MaintenanceAttempts: 3, MaintenanceDelay: time.Millisecond})
	require.NoError(t, err)

	_, err = s.Verify(context.Background(), NoMaintenance)
	require.Error(t, err)
	assert.NoDirExists(t, dir)
}

func TestVerifyStartServer(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Chmod(filepath.Dir(root), 0o755))
	require.NoError(t, os.Chmod(root, 0o755))

	s, err := Open(Options{Dir: filepath.Join(root, "bbdata"), RecordSize: testRecordSize, MaintenanceDelay: time.Millisecond})
	require.NoError(t, err)
	var chowned []string
	s.chown = func(path string, uid, gid int) error {
		chowned = append(chowned, path)
		return nil
	}

	seq, err := s.Verify(context.Background(), StartServer)
	require.NoError(t, err)
	assert.Equal(t, 1, seq)

	st, err := os.Stat(s.Dir())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), st.Mode().Perm())
	st, err = os.Stat(s.FileName(1))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o700), st.Mode().Perm())
	if os.Geteuid() == 0 {
		assert.Equal(t, []string{s.Dir(), s.FileName(1)}, chowned)
	} else {
		assert.Empty(t, chowned)
	}
}

func TestVerifyRequiresParallelFS(t *testing.T) {
	s, err := Open(Options{
		Dir:                 filepath.Join(t.TempDir(), "bbdata"),
		RecordSize:          testRecordSize,
		RequireParallelFS:   true,
		MaintenanceAttempts: 2,
		MaintenanceDelay:    time.Millisecond,
	})
	require.NoError(t, err)
	s.isParallelFS = func(string) (bool, error) { return false, nil }

	_, err = s.Verify(context.Background(), StartServer)
	assert.True(t, errors.Is(err, ErrNotParallelFS), "got %v", err)

	s.isParallelFS = func(string) (bool, error) { return true, nil }
	_, err = s.Verify(context.Background(), MinimalMaintenance)
	assert.NoError(t, err)
}

func TestVerifyFullMaintenanceChecksParentAccess(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Chmod(root, 0o700))
	s, err := Open(Options{Dir: filepath.Join(root, "bbdata"), RecordSize: testRecordSize})
	require.NoError(t, err)

	_, err = s.Verify(context.Background(), FullMaintenance)
	assert.True(t, errors.Is(err, ErrPermissions), "got %v", err)
}

func TestIsParallelFSOnLocalDisk(t *testing.T) {
	_, err := IsParallelFS(filepath.Join(t.TempDir(), "not", "yet", "created"))
	assert.NoError(t, err)
}

// ============================================================================
// Retry / run-as
// ============================================================================

func TestRetryStopsOnPermanentError(t *testing.T) {
	s := newTestStore(t, DefaultSwapThreshold)
	calls := 0
	err := retry(context.Background(), s.logger, "test", 5, time.Millisecond, func() error {
		calls++
		return &PartialWriteError{Seq: 1}
	})
	assert.True(t, errors.Is(err, ErrPartialWrite))
	assert.Equal(t, 1, calls)
}

func TestRetryHonorsContext(t *testing.T) {
	s := newTestStore(t, DefaultSwapThreshold)
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := retry(ctx, s.logger, "test", 100, time.Millisecond, func() error {
		calls++
		if calls == 2 {
			cancel()
		}
		return errors.New("transient")
	})
	assert.Error(t, err)
	assert.Less(t, calls, 100)
}

func TestRunAsCurrentIdentity(t *testing.T) {
	id := &SwitchIdentity{UID: os.Geteuid(), GID: os.Getegid()}
	ran := false
	require.NoError(t, id.RunAs(func() error { ran = true; return nil }))
	assert.True(t, ran)

	sentinel := errors.New("boom")
	assert.Equal(t, sentinel, id.RunAs(func() error { return sentinel }))
	assert.Equal(t, sentinel, PassThrough{}.RunAs(func() error { return sentinel }))
}

// ============================================================================
// Utilities
// ============================================================================

func TestStatsValidateAndDump(t *testing.T) {
	s := newTestStore(t, 2*testRecordSize)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		_, err := s.Append(ctx, testRequest(VerbCancel, uint64(i)))
		require.NoError(t, err)
	}

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	require.Len(t, stats, 2)
	assert.Equal(t, FileStats{Seq: 1, Size: 3 * testRecordSize, Records: 3}, stats[0])
	assert.Equal(t, FileStats{Seq: 2, Size: testRecordSize, Records: 1}, stats[1])

	problems, err := s.ValidateJournal(ctx)
	require.NoError(t, err)
	assert.Empty(t, problems)

	var buf bytes.Buffer
	require.NoError(t, s.DumpJournal(ctx, 1, &buf))
	assert.Contains(t, buf.String(), "[1:0x00000080] host=node01 cancel 1 2 1 3 0 None None")

	f, err := os.OpenFile(s.FileName(2), os.O_WRONLY|os.O_APPEND, 0)
	require.NoError(t, err)
	_, err = f.Write([]byte("garbage"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	problems, err = s.ValidateJournal(ctx)
	require.NoError(t, err)
	assert.Len(t, problems, 1)
}

func TestValidateJournalReportsScanFailure(t *testing.T) {
	s := newTestStore(t, DefaultSwapThreshold)
	ctx := context.Background()
	_, err := s.Append(ctx, testRequest(VerbCancel, 1))
	require.NoError(t, err)
	_, err = s.Verify(ctx, CreateNewFile)
	require.NoError(t, err)

	require.NoError(t, s.cache.invalidate())
	s.cache.open = func(int) (*os.File, error) { return nil, io.ErrClosedPipe }

	problems, err := s.ValidateJournal(ctx)
	assert.ErrorContains(t, err, "scan seq 1")
	assert.ErrorIs(t, err, io.ErrClosedPipe)
	assert.Empty(t, problems)
}
