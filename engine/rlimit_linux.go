//go:build linux

package engine

import "golang.org/x/sys/unix"

// bumpOpenFileLimit raises the process's open file descriptor limit to at
// least n, since a multi-swarm engine keeps one file handle per open
// piece-backing file across every active swarm. A lower hard limit than
// requested is not an error; the engine just runs with fewer concurrent
// file handles than configured.
func bumpOpenFileLimit(n uint64) error {
	if n == 0 {
		return nil
	}
	var rlimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rlimit); err != nil {
		return err
	}
	if rlimit.Cur >= n {
		return nil
	}
	rlimit.Cur = n
	if rlimit.Max < n {
		rlimit.Cur = rlimit.Max
	}
	return unix.Setrlimit(unix.RLIMIT_NOFILE, &rlimit)
}
