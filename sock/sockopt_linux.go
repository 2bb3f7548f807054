//go:build linux

package sock

import "golang.org/x/sys/unix"

// applyClientTuning configures TCP performance options on a freshly
// connected destination socket: disable Nagle's algorithm for low handshake
// and relay latency, and enable keepalive so a silently dead peer on the
// outside network is eventually noticed even if the relay loops are idle.
func applyClientTuning(fd int) error {
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
		return err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1); err != nil {
		return err
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPIDLE, 30); err != nil {
		return err
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, 10); err != nil {
		return err
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPCNT, 3); err != nil {
		return err
	}
	return nil
}
