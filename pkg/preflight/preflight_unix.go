//go:build !windows

package preflight

import (
	"golang.org/x/sys/unix"
)

// checkVolumeExists is a no-op on Unix; there are no drive letters.
func checkVolumeExists(path string) error {
	return nil
}

func checkWritable(dir string) error {
	return unix.Access(dir, unix.W_OK|unix.X_OK)
}

func freeBytes(path string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, err
	}
	return uint64(st.Bavail) * uint64(st.Bsize), nil
}
