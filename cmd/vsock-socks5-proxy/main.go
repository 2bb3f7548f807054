package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/enclave-net/vsock-socks5-proxy/config"
	"github.com/enclave-net/vsock-socks5-proxy/relay"
	"github.com/enclave-net/vsock-socks5-proxy/sock"
)

// bindRetries and bindBackoff bound the startup bind loop: a handful of
// doubling-backoff attempts before giving up, so a proxy started just
// before its peer tears down a lingering listener doesn't fail outright.
const bindRetries = 5

const bindBackoff = 500 * time.Millisecond

func main() {
	// The relay phase writes to sockets whose peer may have already reset
	// the connection; without this the process would die to SIGPIPE on the
	// very next unix.Write instead of getting an EPIPE it can log and
	// recover from.
	signal.Ignore(syscall.SIGPIPE)

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		log.Fatalf("[main] %v", err)
	}

	family := sock.FamilyInet
	if cfg.Vsock {
		family = sock.FamilyVsock
	}

	ln, err := listenWithRetry(family, cfg.Port)
	if err != nil {
		log.Fatalf("[main] %v", err)
	}
	defer ln.Close()

	log.Printf("[main] listening on %s:%d, buffer size %d", family, ln.Port(), cfg.BufferSize)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	acceptErrCh := make(chan error, 1)
	go acceptLoop(ln, cfg.BufferSize, acceptErrCh)

	select {
	case sig := <-sigCh:
		log.Printf("[main] received signal %s, shutting down", sig)
	case err := <-acceptErrCh:
		log.Fatalf("[main] %v", err)
	}
}

func listenWithRetry(family sock.Family, port uint32) (*sock.Listener, error) {
	backoff := bindBackoff
	var lastErr error
	for attempt := 1; attempt <= bindRetries; attempt++ {
		ln, err := sock.Listen(family, port)
		if err == nil {
			return ln, nil
		}
		lastErr = err
		log.Printf("[main] bind attempt %d/%d failed: %v", attempt, bindRetries, err)
		if attempt < bindRetries {
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	return nil, lastErr
}

func acceptLoop(ln *sock.Listener, bufferSize int, errCh chan<- error) {
	for {
		fd, err := ln.Accept()
		if err != nil {
			errCh <- err
			return
		}
		log.Printf("[socks5:%d] accepted connection (fd=%d)", ln.Port(), fd)
		go relay.NewWorker(fd, bufferSize).Run()
	}
}
