//go:build !linux

package filestorage

import "os"

// preallocate is a no-op on platforms without fallocate(2); Truncate in
// Open already grows the file to its declared length.
func preallocate(f *os.File, length int64) error {
	return nil
}
