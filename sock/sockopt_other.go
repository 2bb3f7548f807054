//go:build !linux

package sock

import "golang.org/x/sys/unix"

// applyClientTuning only disables Nagle's algorithm on non-Linux platforms;
// TCP_KEEPIDLE/INTVL/CNT are Linux-specific knobs with no portable
// equivalent here.
func applyClientTuning(fd int) error {
	return unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
}
