package journal

import (
	"sync"

	"github.com/pkg/errors"
)

// Identity runs a journal operation under a fixed effective identity.
type Identity interface {
	RunAs(fn func() error) error
}

// PassThrough runs fn under the caller's identity.
type PassThrough struct{}

func (PassThrough) RunAs(fn func() error) error { return fn() }

// SwitchIdentity switches the process effective uid/gid to (UID, GID) around
// fn and restores the previous identity on every exit path, including panics.
// The effective identity is process-wide, so brackets are serialized.
type SwitchIdentity struct {
	UID int
	GID int
	mu  sync.Mutex
}

// NewRootIdentity returns a bracket that runs as root:root.
func NewRootIdentity() *SwitchIdentity {
	return &SwitchIdentity{UID: 0, GID: 0}
}

func (s *SwitchIdentity) RunAs(fn func() error) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	restore, err := become(s.UID, s.GID)
	if err != nil {
		return errors.Wrapf(ErrPrivilege, "become %d:%d: %v", s.UID, s.GID, err)
	}
	defer func() {
		if rerr := restore(); rerr != nil && err == nil {
			err = errors.Wrapf(ErrPrivilege, "restore identity: %v", rerr)
		}
	}()
	return fn()
}
