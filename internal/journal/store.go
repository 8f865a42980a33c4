package journal

// ============================================================================
// Async Request Journal Store
// 職責：
// 1. 追加固定大小的請求記錄（append-only，跨伺服器共享）
// 2. 依序號切分檔案，超過門檻時輪替到 seq+1
// 3. 位置讀取、尾端偏移查詢、讀取 handle 快取
// 4. 所有 I/O 經由同一個重試組合器與身分切換區段
// ============================================================================

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Options configures a Store.
type Options struct {
	Dir                 string        // cross-server metadata directory
	RecordSize          int           // bytes per record (hostname + data)
	SwapThreshold       uint64        // offsets past this start a new file
	Retries             int           // attempts per I/O operation
	RetryInterval       time.Duration // wait between attempts
	RequireParallelFS   bool          // metadata must live on GPFS
	MaintenanceAttempts int           // datastore verification attempts
	MaintenanceDelay    time.Duration // wait between verification attempts
	Identity            Identity      // run-as bracket, PassThrough when nil
}

const (
	DefaultSwapThreshold       = 64 << 20
	DefaultRetries             = 3
	DefaultRetryInterval       = 50 * time.Millisecond
	DefaultMaintenanceAttempts = 60
	DefaultMaintenanceDelay    = 10 * time.Second
)

func (o *Options) applyDefaults() {
	if o.RecordSize == 0 {
		o.RecordSize = DefaultRecordSize
	}
	if o.SwapThreshold == 0 {
		o.SwapThreshold = DefaultSwapThreshold
	}
	if o.Retries == 0 {
		o.Retries = DefaultRetries
	}
	if o.RetryInterval == 0 {
		o.RetryInterval = DefaultRetryInterval
	}
	if o.MaintenanceAttempts == 0 {
		o.MaintenanceAttempts = DefaultMaintenanceAttempts
	}
	if o.MaintenanceDelay == 0 {
		o.MaintenanceDelay = DefaultMaintenanceDelay
	}
	if o.Identity == nil {
		o.Identity = PassThrough{}
	}
}

// Store is the async request journal: an ordered set of files
// <Dir>/asyncRequests_<seq>, each a whole number of fixed-size records.
type Store struct {
	opts   Options
	cache  *readCache
	mu     sync.Mutex // serializes appends and rotation in this process
	logger *log.Entry

	closed bool

	// overridable in tests
	isParallelFS func(path string) (bool, error)
	chown        func(path string, uid, gid int) error
	write        func(f *os.File, b []byte) (int, error)
}

// Open creates a Store over opts.Dir. No file is touched until Verify or
// Append runs.
func Open(opts Options) (*Store, error) {
	if opts.Dir == "" {
		return nil, errors.New("journal: metadata directory is required")
	}
	opts.applyDefaults()
	if opts.RecordSize <= HostnameLength {
		return nil, errors.Errorf("journal: record size %d must exceed %d", opts.RecordSize, HostnameLength)
	}

	s := &Store{
		opts:         opts,
		logger:       log.WithField("component", "journal"),
		isParallelFS: IsParallelFS,
		chown:        os.Chown,
		write:        (*os.File).Write,
	}
	s.cache = newReadCache(func(seq int) (*os.File, error) {
		return os.Open(s.FileName(seq))
	}, s.logger)
	return s, nil
}

// RecordSize returns the size in bytes of one record.
func (s *Store) RecordSize() uint64 { return uint64(s.opts.RecordSize) }

// SwapThreshold returns the rotation threshold.
func (s *Store) SwapThreshold() uint64 { return s.opts.SwapThreshold }

// Dir returns the metadata directory.
func (s *Store) Dir() string { return s.opts.Dir }

// FileName returns the path of file seq.
func (s *Store) FileName(seq int) string {
	return filepath.Join(s.opts.Dir, fmt.Sprintf("%s_%d", BaseFileName, seq))
}

// Close releases the cached read handle.
func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return s.cache.invalidate()
}

func (s *Store) retry(ctx context.Context, op string, fn func() error) error {
	return retry(ctx, s.logger, op, s.opts.Retries, s.opts.RetryInterval, fn)
}

// ============================================================================
// Append
// ============================================================================

// Append writes req as one record at the end of the newest file, rotating to
// a new file first when the tail is past the swap threshold.
func (s *Store) Append(ctx context.Context, req AsyncRequest) (Position, error) {
	buf, err := req.Encode(s.opts.RecordSize)
	if err != nil {
		return Position{}, err
	}

	var pos Position
	err = s.opts.Identity.RunAs(func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed {
			return ErrClosed
		}
		return s.retry(ctx, "append", func() error {
			var aerr error
			pos, aerr = s.appendLocked(buf)
			return aerr
		})
	})

	entry := s.logger.WithFields(log.Fields{"host": req.Hostname, "data": req.Data})
	if err != nil {
		entry.WithError(err).Error("could not append to the async request file")
		return Position{}, err
	}
	if req.Verb() == VerbHeartbeat {
		entry.WithField("pos", pos).Debug("async request appended")
	} else {
		entry.WithField("pos", pos).Info("async request appended")
	}
	return pos, nil
}

func (s *Store) appendLocked(buf []byte) (Position, error) {
	seq, err := s.latestSeq()
	if err != nil {
		return Position{}, err
	}
	if seq == 0 {
		seq = 1
		if err := s.createIfMissing(seq); err != nil {
			return Position{}, err
		}
	}

	f, err := os.OpenFile(s.FileName(seq), os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		return Position{}, errors.Wrapf(err, "open seq %d for append", seq)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return Position{}, errors.Wrapf(err, "stat seq %d", seq)
	}
	if uint64(st.Size()) > s.opts.SwapThreshold {
		// 目前檔案已超過門檻，改寫到下一個序號
		f.Close()
		seq++
		if err := s.createIfMissing(seq); err != nil {
			return Position{}, err
		}
		s.logger.WithField("seq", seq).Info("async request file rotated")
		if f, err = os.OpenFile(s.FileName(seq), os.O_WRONLY|os.O_APPEND, 0); err != nil {
			return Position{}, errors.Wrapf(err, "open seq %d for append", seq)
		}
		defer f.Close()
	}

	n, werr := s.write(f, buf)
	if n == len(buf) {
		end, err := f.Seek(0, io.SeekCurrent)
		if err != nil {
			return Position{}, errors.Wrapf(err, "locate appended record in seq %d", seq)
		}
		return Position{Seq: seq, Offset: uint64(end) - uint64(len(buf))}, nil
	}
	if n > 0 {
		return Position{}, s.sealTornRecord(f, seq, n)
	}
	if werr == nil {
		werr = io.ErrShortWrite
	}
	return Position{}, errors.Wrapf(werr, "write seq %d", seq)
}

// sealTornRecord pads a torn record out to the record boundary and starts a
// new file so no later append lands behind the torn slot. The padded slot
// decodes as an empty request.
func (s *Store) sealTornRecord(f *os.File, seq, written int) error {
	perr := &PartialWriteError{Seq: seq, Written: written, Expected: s.opts.RecordSize}

	end, err := f.Seek(0, io.SeekCurrent)
	if err != nil {
		perr.PadErr = err
		return perr
	}
	rs := int64(s.opts.RecordSize)
	perr.Offset = uint64(end - int64(written))
	if rem := end % rs; rem != 0 {
		if _, err := f.Write(make([]byte, rs-rem)); err != nil {
			perr.PadErr = err
		}
	}
	if err := s.createIfMissing(seq + 1); err != nil && perr.PadErr == nil {
		perr.PadErr = err
	}
	s.logger.WithFields(log.Fields{"seq": seq, "offset": perr.Offset, "written": written}).
		Error("torn async request record sealed, operator attention required")
	return perr
}

// ============================================================================
// Read side
// ============================================================================

// OpenForRead runs fn against the cached read handle for seq.
func (s *Store) OpenForRead(seq int, forceReopen bool, fn func(f *os.File) error) error {
	return s.cache.do(seq, forceReopen, fn)
}

// ReadAt reads the record at off in file seq. Retries reopen the file.
func (s *Store) ReadAt(ctx context.Context, seq int, off uint64) (AsyncRequest, error) {
	buf := make([]byte, s.opts.RecordSize)
	force := false
	err := s.opts.Identity.RunAs(func() error {
		return s.retry(ctx, "read", func() error {
			defer func() { force = true }()
			return s.cache.do(seq, force, func(f *os.File) error {
				n, err := f.ReadAt(buf, int64(off))
				if n == len(buf) {
					return nil
				}
				if err == nil || err == io.EOF {
					err = ErrShortRead
				}
				return errors.Wrapf(err, "seq %d offset 0x%08X: read %d of %d bytes", seq, off, n, len(buf))
			})
		})
	})
	if err != nil {
		return AsyncRequest{}, err
	}
	return DecodeAsyncRequest(buf), nil
}

// TailOffset returns the size of file seq through the cached handle.
func (s *Store) TailOffset(ctx context.Context, seq int) (uint64, error) {
	var tail uint64
	force := false
	err := s.opts.Identity.RunAs(func() error {
		return s.retry(ctx, "tail", func() error {
			defer func() { force = true }()
			return s.cache.do(seq, force, func(f *os.File) error {
				st, err := f.Stat()
				if err != nil {
					return errors.Wrapf(err, "stat seq %d", seq)
				}
				tail = uint64(st.Size())
				return nil
			})
		})
	})
	return tail, err
}

// Latest returns the newest sequence number and its tail offset, i.e. where
// the next record will be appended.
func (s *Store) Latest(ctx context.Context) (Position, error) {
	seq, err := s.Verify(ctx, NoMaintenance)
	if err != nil {
		return Position{}, err
	}
	tail, err := s.TailOffset(ctx, seq)
	if err != nil {
		return Position{}, err
	}
	s.logger.WithFields(log.Fields{"seq": seq, "offset": tail}).Debug("offset to next async request")
	return Position{Seq: seq, Offset: tail}, nil
}

// FileSize returns the size of file seq without using the read cache.
func (s *Store) FileSize(ctx context.Context, seq int) (uint64, error) {
	var size uint64
	err := s.opts.Identity.RunAs(func() error {
		return s.retry(ctx, "size", func() error {
			st, err := os.Stat(s.FileName(seq))
			if err != nil {
				return errors.Wrapf(err, "stat seq %d", seq)
			}
			size = uint64(st.Size())
			return nil
		})
	})
	return size, err
}

// CrossingBoundary reports whether off in file seq lies at or past the end
// of that file and the next record lives at offset 0 of seq+1. That is the
// case once the file reached the swap threshold, or whenever seq+1 already
// exists (early rotation after a torn write or CreateNewFile). Errors are
// logged and reported as not crossing.
func (s *Store) CrossingBoundary(ctx context.Context, seq int, off uint64) bool {
	if off <= s.opts.SwapThreshold && !s.exists(seq+1) {
		return false
	}
	end, err := s.FileSize(ctx, seq)
	if err != nil {
		s.logger.WithFields(log.Fields{"seq": seq, "offset": off}).WithError(err).
			Error("failed to determine if offset crosses into the next async request file")
		return false
	}
	return end <= off
}

// exists reports whether file seq is present.
func (s *Store) exists(seq int) bool {
	found := false
	_ = s.opts.Identity.RunAs(func() error {
		_, err := os.Stat(s.FileName(seq))
		found = err == nil
		return nil
	})
	return found
}

// CreateIfMissing creates file seq when absent. Concurrent creators across
// servers are tolerated: existing content is never truncated.
func (s *Store) CreateIfMissing(seq int) error {
	return s.opts.Identity.RunAs(func() error {
		return s.createIfMissing(seq)
	})
}

func (s *Store) createIfMissing(seq int) error {
	name := s.FileName(seq)
	f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY, 0o700)
	if err != nil {
		return errors.Wrapf(err, "create %s", name)
	}
	if err := f.Close(); err != nil {
		return errors.Wrapf(err, "create %s", name)
	}
	s.logger.WithField("file", name).Info("async request file ready")
	return nil
}

// latestSeq returns the highest sequence number on disk, or 0.
func (s *Store) latestSeq() (int, error) {
	seq, _, err := s.locate(0)
	return seq, err
}

// locate scans Dir for async request files. With want != 0 it looks for that
// exact sequence number, otherwise for the highest.
func (s *Store) locate(want int) (int, string, error) {
	entries, err := os.ReadDir(s.opts.Dir)
	if err != nil {
		return 0, "", errors.Wrapf(err, "read metadata directory %s", s.opts.Dir)
	}
	best, name := 0, ""
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		seq, ok := parseSeq(e.Name())
		if !ok {
			continue
		}
		if (want != 0 && seq == want) || (want == 0 && seq > best) {
			best, name = seq, filepath.Join(s.opts.Dir, e.Name())
		}
	}
	return best, name, nil
}

func parseSeq(name string) (int, bool) {
	rest, ok := strings.CutPrefix(name, BaseFileName+"_")
	if !ok {
		return 0, false
	}
	seq, err := strconv.Atoi(rest)
	if err != nil || seq <= 0 {
		return 0, false
	}
	return seq, true
}
