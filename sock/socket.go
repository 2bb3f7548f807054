// Package sock wraps raw non-blocking stream sockets and the listener setup
// needed to accept both plain TCP and AF_VSOCK clients.
package sock

import (
	"golang.org/x/sys/unix"

	"github.com/enclave-net/vsock-socks5-proxy/buffer"
)

// ReadChunk is the minimum size requested from the Buffer on every read
// attempt; it keeps a typical reservation to one or two segments.
const ReadChunk = 64 * 1024

// MaxIovecs caps the scatter/gather vector handed to readv/writev at the
// platform's IOV_MAX (Linux: 1024). A Buffer may in principle return more
// segments than this for pathologically small block sizes.
const MaxIovecs = 1024

// Socket wraps a non-blocking stream-socket handle with sticky read/write
// error state. It is the leaf, reusable primitive described for the
// generic non-blocking path; the relay workers (package relay) manage their
// own blocking, timeout-bounded fds instead (see relay.Worker), matching
// the split between this wrapper and the hot relay loop.
type Socket struct {
	fd         int
	readErrno  unix.Errno
	writeErrno unix.Errno
	readEOF    bool
}

// New wraps fd, putting it into non-blocking mode. fd may be -1 for an
// as-yet-unconnected Socket.
func New(fd int) *Socket {
	s := &Socket{fd: fd}
	s.SetNonBlocking(true)
	return s
}

// Wrap replaces the underlying handle, putting the new fd into non-blocking
// mode.
func (s *Socket) Wrap(fd int) {
	s.fd = fd
	s.SetNonBlocking(true)
}

// NativeHandle returns the underlying file descriptor.
func (s *Socket) NativeHandle() int { return s.fd }

// SetNonBlocking toggles O_NONBLOCK on the underlying handle.
func (s *Socket) SetNonBlocking(nonblocking bool) {
	if s.fd < 0 {
		return
	}
	_ = unix.SetNonblock(s.fd, nonblocking)
}

func benignErrno(e unix.Errno) bool {
	return e == 0 || e == unix.EAGAIN || e == unix.EWOULDBLOCK || e == unix.EINTR
}

// Readable reports whether the socket can still be read from.
func (s *Socket) Readable() bool { return !s.readEOF && benignErrno(s.readErrno) }

// Writable reports whether the socket can still be written to. A read
// error (including EOF) implicitly poisons write too: on common network
// paths a FIN is treated as full closure because half-close is routinely
// broken by intermediate devices.
func (s *Socket) Writable() bool { return s.Readable() && benignErrno(s.writeErrno) }

// ReadEOF reports whether the last read hit end-of-stream.
func (s *Socket) ReadEOF() bool { return s.readEOF }

// ReadErrno returns the errno recorded by the last read.
func (s *Socket) ReadErrno() unix.Errno { return s.readErrno }

// WriteErrno returns the errno recorded by the last write.
func (s *Socket) WriteErrno() unix.Errno { return s.writeErrno }

// NeedPollRead reports whether the last read ended in would-block.
func (s *Socket) NeedPollRead() bool {
	return s.readErrno == unix.EAGAIN || s.readErrno == unix.EWOULDBLOCK
}

// NeedPollWrite reports whether the last write ended in would-block.
func (s *Socket) NeedPollWrite() bool {
	return s.writeErrno == unix.EAGAIN || s.writeErrno == unix.EWOULDBLOCK
}

// ReadSome drains the OS receive buffer into into, looping until the kernel
// would block or EOF is hit. On EOF it sets the EOF flag and clears the
// read errno; on a real error it records the errno.
func (s *Socket) ReadSome(into *buffer.Buffer) {
	var n int
	var err error
	for {
		segs := into.ReserveAtLeast(ReadChunk)
		if len(segs) > MaxIovecs {
			segs = segs[:MaxIovecs]
		}
		n, err = unix.Readv(s.fd, segs)
		if err == unix.EINTR {
			into.Commit(0)
			continue
		}
		if err != nil {
			into.Commit(0)
			break
		}
		into.Commit(n)
		if n == 0 {
			break
		}
	}
	if err == nil && n == 0 {
		s.readEOF = true
		s.readErrno = 0
		return
	}
	if errno, ok := err.(unix.Errno); ok {
		s.readErrno = errno
	} else if err != nil {
		s.readErrno = unix.EIO
	}
}

// WriteSome drains from by vectored write until either it is empty or the
// OS refuses more.
func (s *Socket) WriteSome(from *buffer.Buffer) {
	for {
		segs := from.Peek()
		if len(segs) == 0 {
			s.writeErrno = 0
			return
		}
		if len(segs) > MaxIovecs {
			segs = segs[:MaxIovecs]
		}
		n, err := unix.Writev(s.fd, segs)
		if err != nil {
			from.Drain(0)
			if errno, ok := err.(unix.Errno); ok {
				s.writeErrno = errno
			} else {
				s.writeErrno = unix.EIO
			}
			return
		}
		from.Drain(n)
		if from.DataSize() == 0 {
			s.writeErrno = 0
			return
		}
	}
}

// Shutdown shuts the socket down in the given direction (unix.SHUT_RD,
// SHUT_WR, or SHUT_RDWR).
func (s *Socket) Shutdown(how int) {
	if s.fd >= 0 {
		_ = unix.Shutdown(s.fd, how)
	}
}

// Close closes the socket exactly once; subsequent calls are no-ops.
func (s *Socket) Close() {
	if s.fd >= 0 {
		_ = unix.Close(s.fd)
		s.fd = -1
	}
}
