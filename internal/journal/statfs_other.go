//go:build !linux

package journal

// GPFSSuperMagic is the statfs f_type of a GPFS mount.
const GPFSSuperMagic = 0x47504653

// IsParallelFS always reports false off linux.
func IsParallelFS(path string) (bool, error) {
	return false, nil
}
