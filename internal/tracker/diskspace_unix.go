//go:build linux || darwin

package tracker

import "syscall"

// freeBytes reports the free space available to an unprivileged user on the
// filesystem containing dir, via statfs(2).
func freeBytes(dir string) (uint64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(dir, &stat); err != nil {
		return 0, err
	}
	return uint64(stat.Bavail) * uint64(stat.Bsize), nil
}
