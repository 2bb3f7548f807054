// Package relay couples one accepted client socket with one CONNECT
// destination socket: it drives the SOCKS5 handshake, then relays bytes in
// both directions until either side closes.
//
// The two relay directions use raw, blocking file descriptors governed by
// a kernel receive timeout (SO_RCVTIMEO) rather than the non-blocking
// sock.Socket wrapper in package sock. That wrapper is the general-purpose,
// event-loop-ready primitive; the hot relay path instead uses the simpler
// timeout-bounded design: a stalled handshake or a disappeared peer is only
// ever noticed at the next receive timeout, which bounds the worst-case
// hang to that timeout with no multiplexer required.
package relay

import (
	"errors"
	"log"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/enclave-net/vsock-socks5-proxy/buffer"
	"github.com/enclave-net/vsock-socks5-proxy/sock"
	"github.com/enclave-net/vsock-socks5-proxy/socks5"
)

// HandshakeTimeout bounds how long the proxy waits for handshake bytes, and
// is reused as the per-direction watchdog for noticing a dead peer during
// the relay phase.
const HandshakeTimeout = 5 * time.Second

// Worker owns one accepted client connection end to end: the handshake,
// the destination dial, and the bidirectional relay. Construct one with
// NewWorker per accepted connection and call Run (normally in its own
// goroutine).
type Worker struct {
	clientFD int
	destFD   int

	bufferSize int
	upstream   *buffer.Buffer // client -> dest
	downstream *buffer.Buffer // dest -> client

	// Timeout is the handshake watchdog / half-close detection window.
	// Exported so tests can shrink it; production callers leave it at the
	// NewWorker default.
	Timeout time.Duration

	hs *socks5.Handshake
}

// NewWorker wraps an accepted client file descriptor. bufferSize is the
// block size of both relay directions' Buffers; each read still reserves
// sock.ReadChunk bytes.
func NewWorker(clientFD int, bufferSize int) *Worker {
	w := &Worker{
		clientFD:   clientFD,
		destFD:     -1,
		bufferSize: bufferSize,
		upstream:   buffer.New(bufferSize),
		downstream: buffer.New(bufferSize),
		Timeout:    HandshakeTimeout,
		hs:         socks5.New(),
	}
	w.setupCallbacks()
	return w
}

// setupCallbacks wires the handshake's three hooks: Connect opens a TCP
// socket to the parsed destination, Response writes to the client, and
// DestAddress reports the destination socket's locally bound endpoint.
func (w *Worker) setupCallbacks() {
	w.hs.SetConnectCallback(func(atyp byte, addr []byte, port uint16) (socks5.Status, byte) {
		var fd int
		var err error
		switch atyp {
		case socks5.AtypIPv4:
			var ip4 [4]byte
			copy(ip4[:], addr)
			fd, err = sock.DialTCP4(ip4, port)
		case socks5.AtypIPv6:
			var ip6 [16]byte
			copy(ip6[:], addr)
			fd, err = sock.DialTCP6(ip6, port)
		default:
			return socks5.StatusFail, socks5.RepAddrTypeNotSupported
		}
		if err != nil {
			return socks5.StatusFail, mapConnectError(err)
		}
		w.destFD = fd
		return socks5.StatusOK, 0
	})

	w.hs.SetResponseCallback(func(data []byte) socks5.Status {
		n, err := unix.Write(w.clientFD, data)
		if err != nil || n != len(data) {
			return socks5.StatusFail
		}
		return socks5.StatusOK
	})

	w.hs.SetDestAddressCallback(func() (byte, []byte, uint16, bool) {
		if w.hs.Atyp() == socks5.AtypIPv6 {
			ip, port, err := sock.Getsockname6(w.destFD)
			if err != nil {
				return 0, nil, 0, false
			}
			return socks5.AtypIPv6, ip[:], port, true
		}
		ip, port, err := sock.Getsockname4(w.destFD)
		if err != nil {
			return 0, nil, 0, false
		}
		return socks5.AtypIPv4, ip[:], port, true
	})
}

// mapConnectError turns a failed dial into the most specific SOCKS5 reply
// code it can, falling back to a general failure.
func mapConnectError(err error) byte {
	switch {
	case errors.Is(err, unix.ECONNREFUSED):
		return socks5.RepConnectionRefused
	case errors.Is(err, unix.ENETUNREACH):
		return socks5.RepNetworkUnreachable
	case errors.Is(err, unix.EHOSTUNREACH):
		return socks5.RepHostUnreachable
	default:
		return socks5.RepGeneralFailure
	}
}

// Run performs the handshake and then relays bytes until termination. It
// blocks until both relay directions (or just the upstream one, if the
// handshake never succeeds) have exited, then releases the worker's
// sockets and buffers. Callers normally invoke Run in its own goroutine
// per accepted connection.
func (w *Worker) Run() {
	defer w.release()

	if err := sock.SetRecvTimeout(w.clientFD, w.Timeout); err != nil {
		log.Printf("[relay] client %d: set recv timeout: %v", w.clientFD, err)
		return
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.upstreamLoop(&wg)
	}()
	wg.Wait()
}

func (w *Worker) release() {
	unix.Close(w.clientFD)
	if w.destFD >= 0 {
		unix.Close(w.destFD)
	}
}

// forward writes the entirety of buf to fd in one vectored write. A short
// write is treated as fatal: with a blocking destination socket the kernel
// already loops internally, so a short write here means the peer is broken
// and there is no safe partial-write retry to fall back to.
func (w *Worker) forward(buf *buffer.Buffer, fd int, label string) bool {
	size := buf.DataSize()
	segs := buf.Peek()
	if len(segs) > sock.MaxIovecs {
		segs = segs[:sock.MaxIovecs]
	}
	n, err := unix.Writev(fd, segs)
	if err != nil {
		buf.Drain(0)
		log.Printf("[relay] %s (fd=%d) write failed: %v", label, fd, err)
		return false
	}
	if n != size {
		buf.Drain(0)
		log.Printf("[relay] %s (fd=%d) short write: %d of %d bytes", label, fd, n, size)
		return false
	}
	buf.Drain(size)
	return true
}

// upstreamLoop reads client->proxy bytes, drives the handshake until it
// settles, then forwards raw payload to the destination. Once the
// handshake succeeds it spawns the downstream loop exactly once.
func (w *Worker) upstreamLoop(wg *sync.WaitGroup) {
	downstreamStarted := false
	for {
		segs := w.upstream.ReserveAtLeast(sock.ReadChunk)
		if len(segs) > sock.MaxIovecs {
			segs = segs[:sock.MaxIovecs]
		}
		n, err := unix.Readv(w.clientFD, segs)
		if err != nil {
			w.upstream.Commit(0)
			if err == unix.EINTR {
				continue
			}
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				if !w.hs.Succeeded() {
					log.Printf("[relay] client %d handshake timeout", w.clientFD)
					break
				}
				if w.hs.DownstreamDone() {
					log.Printf("[relay] client %d: closing, dest side gone", w.clientFD)
					break
				}
				continue
			}
			log.Printf("[relay] client %d read failed: %v", w.clientFD, err)
			break
		}
		w.upstream.Commit(n)
		if n == 0 {
			log.Printf("[relay] client %d closed by peer", w.clientFD)
			break
		}

		if w.hs.Succeeded() {
			if !w.forward(w.upstream, w.destFD, "dest") {
				break
			}
			continue
		}

		for !w.hs.Failed() && !w.hs.Succeeded() {
			if !w.hs.Proceed(w.upstream) {
				break
			}
		}
		if w.hs.Failed() {
			break
		}
		if w.hs.Succeeded() {
			if !downstreamStarted {
				downstreamStarted = true
				wg.Add(1)
				go func() {
					defer wg.Done()
					w.downstreamLoop()
				}()
			}
			// A client that pipelines payload right after the CONNECT
			// request left those bytes sitting past the handshake's
			// required_size; forward them now instead of waiting for
			// the next read.
			if w.upstream.DataSize() > 0 {
				if !w.forward(w.upstream, w.destFD, "dest") {
					break
				}
			}
		}
	}
	w.hs.SetUpstreamDone()
}

// downstreamLoop reads dest->proxy bytes and forwards them to the client
// until termination. It only starts once the handshake has succeeded.
func (w *Worker) downstreamLoop() {
	if err := sock.SetRecvTimeout(w.destFD, w.Timeout); err != nil {
		log.Printf("[relay] dest %d: set recv timeout: %v", w.destFD, err)
		w.hs.SetDownstreamDone()
		return
	}
	for {
		segs := w.downstream.ReserveAtLeast(sock.ReadChunk)
		if len(segs) > sock.MaxIovecs {
			segs = segs[:sock.MaxIovecs]
		}
		n, err := unix.Readv(w.destFD, segs)
		if err != nil {
			w.downstream.Commit(0)
			if err == unix.EINTR {
				continue
			}
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				if w.hs.UpstreamDone() {
					log.Printf("[relay] dest %d: closing, client side gone", w.destFD)
					break
				}
				continue
			}
			log.Printf("[relay] dest %d read failed: %v", w.destFD, err)
			break
		}
		w.downstream.Commit(n)
		if n == 0 {
			log.Printf("[relay] dest %d closed by peer", w.destFD)
			break
		}
		if !w.forward(w.downstream, w.clientFD, "client") {
			break
		}
	}
	w.hs.SetDownstreamDone()
}
