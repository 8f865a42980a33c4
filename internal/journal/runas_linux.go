//go:build linux

package journal

import (
	"golang.org/x/sys/unix"
)

// become switches the effective identity. uid is raised before gid so a
// non-root effective user with a root saved-set-uid can elevate; restore
// drops gid first while still privileged.
func become(uid, gid int) (func() error, error) {
	euid, egid := unix.Geteuid(), unix.Getegid()
	if euid == uid && egid == gid {
		return func() error { return nil }, nil
	}

	if err := unix.Setresuid(-1, uid, -1); err != nil {
		return nil, err
	}
	if err := unix.Setresgid(-1, gid, -1); err != nil {
		_ = unix.Setresuid(-1, euid, -1)
		return nil, err
	}

	return func() error {
		if err := unix.Setresgid(-1, egid, -1); err != nil {
			return err
		}
		return unix.Setresuid(-1, euid, -1)
	}, nil
}
