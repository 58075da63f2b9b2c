package quic

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/netbirdio/rope/relay/messages"
)

const (
	sizeOfFrameHeader = 4
)

// Conn carries length prefixed envelopes over a single bidirectional QUIC stream
type Conn struct {
	session *quic.Conn
	stream  *quic.Stream

	writeMu  sync.Mutex
	closed   bool
	closedMu sync.Mutex
}

func NewConn(session *quic.Conn, stream *quic.Stream) *Conn {
	return &Conn{
		session: session,
		stream:  stream,
	}
}

func (c *Conn) Read(b []byte) (int, error) {
	var header [sizeOfFrameHeader]byte
	if _, err := io.ReadFull(c.stream, header[:]); err != nil {
		return 0, c.remoteCloseErrHandling(err)
	}

	size := int(binary.BigEndian.Uint32(header[:]))
	if size > messages.MaxMessageSize || size > len(b) {
		return 0, fmt.Errorf("frame of %d bytes: %w", size, messages.ErrInvalidMessageLength)
	}

	if _, err := io.ReadFull(c.stream, b[:size]); err != nil {
		return 0, c.remoteCloseErrHandling(err)
	}
	return size, nil
}

func (c *Conn) Write(b []byte) (int, error) {
	if len(b) > messages.MaxMessageSize {
		return 0, fmt.Errorf("frame of %d bytes: %w", len(b), messages.ErrInvalidMessageLength)
	}

	frame := make([]byte, sizeOfFrameHeader+len(b))
	binary.BigEndian.PutUint32(frame, uint32(len(b)))
	copy(frame[sizeOfFrameHeader:], b)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.stream.Write(frame); err != nil {
		return 0, c.remoteCloseErrHandling(err)
	}
	return len(b), nil
}

func (c *Conn) LocalAddr() net.Addr {
	return c.session.LocalAddr()
}

func (c *Conn) RemoteAddr() net.Addr {
	return c.session.RemoteAddr()
}

func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.stream.SetReadDeadline(t)
}

func (c *Conn) SetWriteDeadline(t time.Time) error {
	return c.stream.SetWriteDeadline(t)
}

func (c *Conn) SetDeadline(t time.Time) error {
	return c.stream.SetDeadline(t)
}

func (c *Conn) Close() error {
	c.closedMu.Lock()
	if c.closed {
		c.closedMu.Unlock()
		return nil
	}
	c.closed = true
	c.closedMu.Unlock()

	_ = c.stream.Close()
	return c.session.CloseWithError(0, "normal closure")
}

func (c *Conn) isClosed() bool {
	c.closedMu.Lock()
	defer c.closedMu.Unlock()
	return c.closed
}

func (c *Conn) remoteCloseErrHandling(err error) error {
	if c.isClosed() {
		return net.ErrClosed
	}

	var appErr *quic.ApplicationError
	if errors.As(err, &appErr) && appErr.ErrorCode == 0x0 {
		return io.EOF
	}

	if errors.Is(err, io.ErrUnexpectedEOF) {
		return io.EOF
	}
	return err
}
