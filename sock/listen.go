package sock

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Family selects the address family a Listener binds to. The relay core
// never inspects this value itself; it only matters for Listen/Accept, and
// the accepted fd is handled identically either way.
type Family int

const (
	// FamilyInet listens on plain TCP, INADDR_ANY.
	FamilyInet Family = iota
	// FamilyVsock listens on the enclave's VM socket family, VMADDR_CID_ANY.
	FamilyVsock
)

func (f Family) String() string {
	if f == FamilyVsock {
		return "vsock"
	}
	return "tcp"
}

const listenBacklog = 5

// Listener accepts client connections on either a TCP or a VM socket
// listener socket.
type Listener struct {
	fd     int
	family Family
	port   uint32
}

// Listen opens, binds and listens on port using family. It uses address
// reuse so a restarted proxy can rebind immediately.
func Listen(family Family, port uint32) (*Listener, error) {
	domain := unix.AF_INET
	if family == FamilyVsock {
		domain = unix.AF_VSOCK
	}

	fd, err := unix.Socket(domain, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("socket(%s): %w", family, err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("setsockopt SO_REUSEADDR: %w", err)
	}

	var sa unix.Sockaddr
	if family == FamilyVsock {
		sa = &unix.SockaddrVM{CID: unix.VMADDR_CID_ANY, Port: port}
	} else {
		sa = &unix.SockaddrInet4{Port: int(port)}
	}

	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bind(%s:%d): %w", family, port, err)
	}

	if err := unix.Listen(fd, listenBacklog); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("listen(%s:%d): %w", family, port, err)
	}

	boundPort := port
	if port == 0 {
		if actual, err := unix.Getsockname(fd); err == nil {
			switch a := actual.(type) {
			case *unix.SockaddrInet4:
				boundPort = uint32(a.Port)
			case *unix.SockaddrVM:
				boundPort = a.Port
			}
		}
	}

	return &Listener{fd: fd, family: family, port: boundPort}, nil
}

// Accept blocks until a new client connects, retrying on EINTR, and returns
// the accepted connection's raw file descriptor.
func (l *Listener) Accept() (int, error) {
	for {
		nfd, _, err := unix.Accept(l.fd)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return -1, err
		}
		return nfd, nil
	}
}

// Close shuts down and closes the listening socket. Live connections
// already accepted are not affected.
func (l *Listener) Close() error {
	unix.Shutdown(l.fd, unix.SHUT_RDWR)
	return unix.Close(l.fd)
}

// Family reports the address family this listener was bound with.
func (l *Listener) Family() Family { return l.family }

// Port reports the port this listener was bound to.
func (l *Listener) Port() uint32 { return l.port }
