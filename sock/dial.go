package sock

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// DialTCP4 opens a blocking SOCK_STREAM socket and connects it to ip:port.
// It is used by the relay's Connect hook (package relay) to reach the
// CONNECT destination on the outside network; the socket stays blocking
// because the relay drives it with SO_RCVTIMEO rather than non-blocking
// polling (see relay.Worker).
func DialTCP4(ip [4]byte, port uint16) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}
	sa := &unix.SockaddrInet4{Port: int(port), Addr: ip}
	if err := unix.Connect(fd, sa); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("connect: %w", err)
	}
	if err := applyClientTuning(fd); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("tune: %w", err)
	}
	return fd, nil
}

// DialTCP6 is the IPv6 counterpart of DialTCP4.
func DialTCP6(ip [16]byte, port uint16) (int, error) {
	fd, err := unix.Socket(unix.AF_INET6, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}
	sa := &unix.SockaddrInet6{Port: int(port), Addr: ip}
	if err := unix.Connect(fd, sa); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("connect: %w", err)
	}
	if err := applyClientTuning(fd); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("tune: %w", err)
	}
	return fd, nil
}

// Getsockname4 reports the locally bound IPv4 address and port of fd, used
// to fill in the SOCKS5 BND.ADDR/BND.PORT reply fields.
func Getsockname4(fd int) (ip [4]byte, port uint16, err error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return ip, 0, err
	}
	v4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		return ip, 0, fmt.Errorf("getsockname: not an IPv4 address")
	}
	return v4.Addr, uint16(v4.Port), nil
}

// Getsockname6 is the IPv6 counterpart of Getsockname4.
func Getsockname6(fd int) (ip [16]byte, port uint16, err error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return ip, 0, err
	}
	v6, ok := sa.(*unix.SockaddrInet6)
	if !ok {
		return ip, 0, fmt.Errorf("getsockname: not an IPv6 address")
	}
	return v6.Addr, uint16(v6.Port), nil
}

// SetRecvTimeout installs the handshake/relay watchdog: a kernel-enforced
// receive timeout on a blocking socket, so a stalled peer is noticed
// without an event loop.
func SetRecvTimeout(fd int, d time.Duration) error {
	tv := unix.NsecToTimeval(d.Nanoseconds())
	return unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv)
}
