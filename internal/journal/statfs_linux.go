//go:build linux

package journal

import (
	"path/filepath"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// GPFSSuperMagic is the statfs f_type of a GPFS mount.
const GPFSSuperMagic = 0x47504653

// IsParallelFS reports whether path lives on GPFS. Missing path components
// are skipped by walking up to the nearest existing parent.
func IsParallelFS(path string) (bool, error) {
	var st unix.Statfs_t
	p := path
	for {
		err := unix.Statfs(p, &st)
		if err == nil {
			return uint64(st.Type) == GPFSSuperMagic, nil
		}
		if err != unix.ENOENT {
			return false, errors.Wrapf(err, "statfs %s", p)
		}
		parent := filepath.Dir(p)
		if parent == p {
			return false, errors.Wrapf(err, "statfs %s", path)
		}
		p = parent
	}
}
