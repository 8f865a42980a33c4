package journal

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// MaintenanceOption selects the extra work Verify performs.
type MaintenanceOption int

const (
	NoMaintenance MaintenanceOption = iota
	ForceReopen
	MinimalMaintenance
	FullMaintenance
	StartServer
	CreateNewFile
)

func (o MaintenanceOption) String() string {
	switch o {
	case NoMaintenance:
		return "none"
	case ForceReopen:
		return "force_reopen"
	case MinimalMaintenance:
		return "minimal"
	case FullMaintenance:
		return "full"
	case StartServer:
		return "start_server"
	case CreateNewFile:
		return "create_new_file"
	default:
		return "unknown"
	}
}

// Verify locates the newest async request file, creating the datastore and
// the first file when absent, and applies the maintenance selected by opt.
// It returns the sequence number of the newest file.
func (s *Store) Verify(ctx context.Context, opt MaintenanceOption) (int, error) {
	var seq int
	err := s.opts.Identity.RunAs(func() error {
		var err error
		seq, err = s.verifyLocked(ctx, opt)
		return err
	})
	if err != nil {
		s.logger.WithField("maintenance", opt).WithError(err).Error("async request file verification failed")
	}
	return seq, err
}

func (s *Store) verifyLocked(ctx context.Context, opt MaintenanceOption) (int, error) {
	if opt == StartServer {
		if err := s.checkParallelFS(); err != nil {
			return 0, err
		}
	}

	var seq int
	err := s.withMaintenance(ctx, func() error {
		var err error
		if seq, err = s.latestSeq(); err != nil {
			if verr := s.verifyDatastore(); verr != nil {
				return verr
			}
			return err
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if seq == 0 {
		seq = 1
		if err := s.createIfMissing(seq); err != nil {
			return 0, err
		}
	}
	if opt == CreateNewFile {
		seq++
		if err := s.createIfMissing(seq); err != nil {
			return 0, err
		}
		s.logger.WithField("seq", seq).Info("new async request file created")
	}

	switch opt {
	case ForceReopen:
		if err := s.cache.invalidate(); err != nil {
			s.logger.WithError(err).Warn("close cached async request file")
		}
	case FullMaintenance:
		if err := s.checkParentAccess(); err != nil {
			return 0, err
		}
	case StartServer:
		if err := s.secureDatastore(); err != nil {
			return 0, err
		}
		if err := s.checkParentAccess(); err != nil {
			return 0, err
		}
	}
	if opt == StartServer || opt == CreateNewFile {
		if err := s.secure(s.FileName(seq), 0o700); err != nil {
			return 0, err
		}
	}
	return seq, nil
}

// withMaintenance runs fn with the long datastore verification schedule.
func (s *Store) withMaintenance(ctx context.Context, fn func() error) error {
	attempts := s.opts.MaintenanceAttempts
	var b backoff.BackOff = backoff.NewConstantBackOff(s.opts.MaintenanceDelay)
	b = backoff.WithMaxRetries(b, uint64(attempts-1))
	b = backoff.WithContext(b, ctx)

	try := 0
	return backoff.RetryNotify(func() error {
		try++
		err := fn()
		if errors.Is(err, ErrNotParallelFS) {
			return backoff.Permanent(err)
		}
		return err
	}, b, func(err error, wait time.Duration) {
		s.logger.WithFields(log.Fields{"attempt": try, "of": attempts, "wait": wait}).
			WithError(err).Warn("metadata datastore not accessible, will retry")
	})
}

// verifyDatastore makes sure the metadata directory can be used: its parent
// must exist, it must satisfy the parallel filesystem policy and it is created
// when missing.
func (s *Store) verifyDatastore() error {
	parent := filepath.Dir(s.opts.Dir)
	if _, err := os.Stat(parent); err != nil {
		return errors.Wrapf(err, "metadata parent directory %s", parent)
	}
	if err := s.checkParallelFS(); err != nil {
		return err
	}
	if err := os.MkdirAll(s.opts.Dir, 0o755); err != nil {
		return errors.Wrapf(err, "create metadata directory %s", s.opts.Dir)
	}
	s.logger.WithField("dir", s.opts.Dir).Info("metadata datastore verified")
	return nil
}

func (s *Store) checkParallelFS() error {
	if !s.opts.RequireParallelFS {
		return nil
	}
	ok, err := s.isParallelFS(s.opts.Dir)
	if err != nil {
		return errors.Wrap(err, "determine metadata filesystem type")
	}
	if !ok {
		return errors.Wrapf(ErrNotParallelFS, "%s", s.opts.Dir)
	}
	return nil
}

// secureDatastore gives the metadata directory to root:root with mode 0755.
func (s *Store) secureDatastore() error {
	return s.secure(s.opts.Dir, 0o755)
}

func (s *Store) secure(path string, mode os.FileMode) error {
	if os.Geteuid() == 0 {
		if err := s.chown(path, 0, 0); err != nil {
			return errors.Wrapf(err, "chown %s", path)
		}
	} else {
		s.logger.WithField("path", path).Debug("not running as root, ownership left unchanged")
	}
	if err := os.Chmod(path, mode); err != nil {
		return errors.Wrapf(err, "chmod %s", path)
	}
	return nil
}

// checkParentAccess verifies every directory from the metadata directory up
// to the root grants read and search to all users.
func (s *Store) checkParentAccess() error {
	dir, err := filepath.Abs(s.opts.Dir)
	if err != nil {
		return errors.Wrapf(err, "resolve %s", s.opts.Dir)
	}
	for {
		st, err := os.Stat(dir)
		if err != nil {
			return errors.Wrapf(err, "stat %s", dir)
		}
		if st.Mode().Perm()&0o005 != 0o005 {
			return errors.Wrapf(ErrPermissions, "%s has mode %v, read and execute for all users required", dir, st.Mode().Perm())
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return nil
		}
		dir = parent
	}
}
