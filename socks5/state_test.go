package socks5

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/enclave-net/vsock-socks5-proxy/buffer"
)

// recordingHandshake wires a Handshake to byte-array recording hooks, with
// no real sockets involved — exactly the "trivially testable" shape the
// state machine was designed for.
type recordingHandshake struct {
	h         *Handshake
	responses [][]byte
	connected []byte // addr bytes from the last Connect call
	connectOK bool
}

func newRecordingHandshake(connectOK bool) *recordingHandshake {
	r := &recordingHandshake{h: New(), connectOK: connectOK}
	r.h.SetResponseCallback(func(data []byte) Status {
		cp := append([]byte(nil), data...)
		r.responses = append(r.responses, cp)
		return StatusOK
	})
	r.h.SetConnectCallback(func(atyp byte, addr []byte, port uint16) (Status, byte) {
		r.connected = append([]byte(nil), addr...)
		if !r.connectOK {
			return StatusFail, RepHostUnreachable
		}
		return StatusOK, 0
	})
	r.h.SetDestAddressCallback(func() (byte, []byte, uint16, bool) {
		return AtypIPv4, []byte{10, 0, 0, 1}, 1234, true
	})
	return r
}

func driveToSettled(t *testing.T, h *Handshake, buf *buffer.Buffer) {
	t.Helper()
	for {
		if h.Failed() || h.Succeeded() {
			return
		}
		if !h.Proceed(buf) {
			return
		}
	}
}

func TestHappyPathConnectIPv4(t *testing.T) {
	r := newRecordingHandshake(true)
	buf := buffer.New(4096)
	buf.CopyIn([]byte{0x05, 0x01, 0x00}) // greeting, no-auth offered
	buf.CopyIn([]byte{0x05, 0x01, 0x00, 0x01, 127, 0, 0, 1, 0x1F, 0x90})

	driveToSettled(t, r.h, buf)

	require.True(t, r.h.Succeeded())
	require.Equal(t, []byte{127, 0, 0, 1}, r.connected)
	require.Len(t, r.responses, 2)
	require.Equal(t, []byte{0x05, 0x00}, r.responses[0])
	require.Equal(t, []byte{0x05, 0x00, 0x00, 0x01, 10, 0, 0, 1, 0x04, 0xD2}, r.responses[1])
	require.Equal(t, 0, buf.DataSize())
}

func TestMethodRejected(t *testing.T) {
	r := newRecordingHandshake(true)
	buf := buffer.New(4096)
	buf.CopyIn([]byte{0x05, 0x01, 0x02}) // only GSSAPI offered

	driveToSettled(t, r.h, buf)

	require.True(t, r.h.Failed())
	require.Len(t, r.responses, 1)
	require.Equal(t, []byte{0x05, 0xFF}, r.responses[0])
}

func TestSplitHandshakeBytes(t *testing.T) {
	r := newRecordingHandshake(true)
	buf := buffer.New(4096)

	chunks := [][]byte{
		{0x05},
		{0x01, 0x00},
		{0x05, 0x01, 0x00, 0x01},
		{127, 0, 0, 1},
		{0x1F, 0x90},
	}
	for _, c := range chunks {
		buf.CopyIn(c)
		driveToSettled(t, r.h, buf)
	}

	require.True(t, r.h.Succeeded())
	require.Equal(t, []byte{127, 0, 0, 1}, r.connected)
}

func TestPipelinedPayloadSurvivesHandshake(t *testing.T) {
	r := newRecordingHandshake(true)
	buf := buffer.New(4096)
	payload := make([]byte, 1<<20)
	for i := range payload {
		payload[i] = byte(i)
	}
	buf.CopyIn([]byte{0x05, 0x01, 0x00})
	buf.CopyIn([]byte{0x05, 0x01, 0x00, 0x01, 127, 0, 0, 1, 0x1F, 0x90})
	buf.CopyIn(payload)

	driveToSettled(t, r.h, buf)

	require.True(t, r.h.Succeeded())
	require.Equal(t, len(payload), buf.DataSize())
	out := make([]byte, len(payload))
	buf.CopyOut(out)
	require.Equal(t, payload, out)
}

func TestConnectFailureProducesErrorReply(t *testing.T) {
	r := newRecordingHandshake(false)
	buf := buffer.New(4096)
	buf.CopyIn([]byte{0x05, 0x01, 0x00})
	buf.CopyIn([]byte{0x05, 0x01, 0x00, 0x01, 127, 0, 0, 1, 0x1F, 0x90})

	driveToSettled(t, r.h, buf)

	require.True(t, r.h.Failed())
	require.Len(t, r.responses, 2)
	require.Equal(t, byte(RepHostUnreachable), r.responses[1][1])
}

func TestDomainNameAtypUnsupported(t *testing.T) {
	r := newRecordingHandshake(true)
	buf := buffer.New(4096)
	buf.CopyIn([]byte{0x05, 0x01, 0x00})
	buf.CopyIn([]byte{0x05, 0x01, 0x00, 0x03, 0x09})
	buf.CopyIn([]byte("localhost"))
	buf.CopyIn([]byte{0x00, 0x50})

	driveToSettled(t, r.h, buf)

	require.True(t, r.h.Failed())
	require.Equal(t, byte(RepAddrTypeNotSupported), r.responses[len(r.responses)-1][1])
}

func TestNeverRetriesAfterFail(t *testing.T) {
	r := newRecordingHandshake(true)
	buf := buffer.New(4096)
	buf.CopyIn([]byte{0x06, 0x01, 0x00}) // bad version

	require.True(t, r.h.Proceed(buf))
	require.True(t, r.h.Failed())

	// Feed more bytes; a naive loop might retry Proceed on a Fail state.
	buf.CopyIn([]byte{0xAA, 0xBB, 0xCC})
	require.False(t, r.h.Proceed(buf))
	// The failing GreetingHeader step drained its 2 bytes, leaving 1 + 3.
	require.Equal(t, 4, buf.DataSize(), "no bytes should be consumed once failed")
}

func TestProceedReturnsFalseWithoutEnoughData(t *testing.T) {
	r := newRecordingHandshake(true)
	buf := buffer.New(4096)
	buf.CopyIn([]byte{0x05}) // only 1 of 2 required bytes

	require.False(t, r.h.Proceed(buf))
	require.Equal(t, 1, buf.DataSize())
	require.Equal(t, StateGreetingHeader, r.h.State())
}

func TestRequiredSizeShrinksBufferExactly(t *testing.T) {
	r := newRecordingHandshake(true)
	buf := buffer.New(4096)
	buf.CopyIn([]byte{0x05, 0x01, 0x00, 0xFF, 0xFF}) // extra trailing bytes

	before := buf.DataSize()
	reqBefore := r.h.RequiredSize()
	require.True(t, r.h.Proceed(buf))
	require.Equal(t, before-reqBefore, buf.DataSize())
}

func TestDoneFlagsAreIndependent(t *testing.T) {
	h := New()
	require.False(t, h.UpstreamDone())
	require.False(t, h.DownstreamDone())
	h.SetUpstreamDone()
	require.True(t, h.UpstreamDone())
	require.False(t, h.DownstreamDone())
	h.SetDownstreamDone()
	require.True(t, h.DownstreamDone())
}
