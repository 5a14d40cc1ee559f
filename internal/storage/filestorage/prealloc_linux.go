//go:build linux

package filestorage

import (
	"os"

	"golang.org/x/sys/unix"
)

// preallocate asks the kernel to reserve length bytes for f without
// writing zeroes, so large multi-gigabyte torrents don't pay for a full
// sparse-to-dense pass on first write. Falls back silently (Truncate
// already grew the file) if the filesystem doesn't support fallocate.
func preallocate(f *os.File, length int64) error {
	if length <= 0 {
		return nil
	}
	err := unix.Fallocate(int(f.Fd()), 0, 0, length)
	if err == unix.ENOSYS || err == unix.EOPNOTSUPP {
		return nil
	}
	return err
}
