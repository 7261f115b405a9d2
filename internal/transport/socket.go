// Package transport wraps a net.Conn with the framing and socket options
// the AAE fullsync protocol requires: a 4-byte length prefix, a 1-byte tag
// header split out ahead of the payload, TCP keepalive, and no-Nagle
// (TCP_NODELAY). It also carries a single-writer socket-ownership
// capability, modeled as a value passed by channel rather than guarded
// by a mutex, since at any moment there is exactly one goroutine either
// holding the Socket or about to receive it.
package transport

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/riak-tools/aaefullsync/internal/wire"
)

// maxFrameLen bounds a single frame payload to guard against a corrupt or
// hostile length prefix turning into an enormous allocation.
const maxFrameLen = 64 << 20 // 64MB

// Socket is a single TCP connection framed for the AAE protocol. It is
// not safe for concurrent sends/reads from multiple goroutines; ownership
// is exclusive by design (see the package doc comment), so callers must
// only use a Socket after they've received it (directly, at construction,
// or via an ownership handoff channel).
type Socket struct {
	conn net.Conn
	r    *bufio.Reader
}

// Configure wraps conn for AAE framing, setting the socket options the
// Prepare state requires: keepalive enabled, no Nagle delay. The frame
// reader below always reads exactly one length-prefixed frame per call
// rather than continuously pumping a socket-owner callback, so there is
// no separate "activate next receive" step to model; ReadFrame is already
// a single blocking call per invocation.
func Configure(conn net.Conn) (*Socket, error) {
	if tc, ok := conn.(*net.TCPConn); ok {
		if err := tc.SetKeepAlive(true); err != nil {
			return nil, fmt.Errorf("transport: set keepalive: %w", err)
		}
		if err := tc.SetNoDelay(true); err != nil {
			return nil, fmt.Errorf("transport: set no-delay: %w", err)
		}
	}
	return &Socket{conn: conn, r: bufio.NewReader(conn)}, nil
}

// Close closes the underlying connection.
func (s *Socket) Close() error {
	return s.conn.Close()
}

// WriteFrame writes one [4-byte length][1-byte tag][payload] frame. The
// length covers the tag byte plus the payload.
func (s *Socket) WriteFrame(f wire.Frame) error {
	length := uint32(1 + len(f.Payload))
	header := make([]byte, 5)
	binary.BigEndian.PutUint32(header[0:4], length)
	header[4] = byte(f.Tag)
	if _, err := s.conn.Write(header); err != nil {
		return fmt.Errorf("transport: write header: %w", err)
	}
	if len(f.Payload) > 0 {
		if _, err := s.conn.Write(f.Payload); err != nil {
			return fmt.Errorf("transport: write payload: %w", err)
		}
	}
	return nil
}

// ReadFrame blocks for exactly one frame.
func (s *Socket) ReadFrame() (wire.Frame, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(s.r, lenBuf[:]); err != nil {
		return wire.Frame{}, fmt.Errorf("transport: read length prefix: %w", err)
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length == 0 {
		return wire.Frame{}, fmt.Errorf("transport: zero-length frame")
	}
	if length > maxFrameLen {
		return wire.Frame{}, fmt.Errorf("transport: frame length %d exceeds max %d", length, maxFrameLen)
	}
	tagByte, err := s.r.ReadByte()
	if err != nil {
		return wire.Frame{}, fmt.Errorf("transport: read tag: %w", err)
	}
	payload := make([]byte, length-1)
	if len(payload) > 0 {
		if _, err := io.ReadFull(s.r, payload); err != nil {
			return wire.Frame{}, fmt.Errorf("transport: read payload: %w", err)
		}
	}
	return wire.Frame{Tag: wire.Tag(tagByte), Payload: payload}, nil
}

// SendAsync writes a frame and returns without waiting for a reply, for
// the async tags (PUT_OBJ, COMPLETE).
func (s *Socket) SendAsync(tag wire.Tag, payload []byte) error {
	return s.WriteFrame(wire.Frame{Tag: tag, Payload: payload})
}

// SendSync writes a frame and blocks for the matching REPLY frame, for
// the tags that reply "ok" / "ok or {error, reason}" / etc. If timeout
// is positive, the whole round trip (write plus the blocking read for
// the reply) is bounded by it via the underlying conn's deadline; a
// timeout of zero or less leaves any previously configured deadline in
// place.
func (s *Socket) SendSync(tag wire.Tag, payload []byte, timeout time.Duration) (wire.Frame, error) {
	if timeout > 0 {
		if err := s.conn.SetDeadline(time.Now().Add(timeout)); err != nil {
			return wire.Frame{}, fmt.Errorf("transport: set deadline: %w", err)
		}
		defer s.conn.SetDeadline(time.Time{})
	}
	if err := s.WriteFrame(wire.Frame{Tag: tag, Payload: payload}); err != nil {
		return wire.Frame{}, err
	}
	reply, err := s.ReadFrame()
	if err != nil {
		return wire.Frame{}, fmt.Errorf("transport: awaiting reply to %s: %w", tag, err)
	}
	if reply.Tag != wire.TagReply {
		return wire.Frame{}, fmt.Errorf("transport: expected REPLY in response to %s, got %s", tag, reply.Tag)
	}
	return reply, nil
}

// Reply sends a REPLY frame carrying an encoded response term. Used by
// the sink side of the protocol (the fake sink in tests, and any real
// sink implementation outside this repo's scope).
func (s *Socket) Reply(payload []byte) error {
	return s.WriteFrame(wire.Frame{Tag: wire.TagReply, Payload: payload})
}
