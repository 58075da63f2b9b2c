package ws

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/netbirdio/rope/relay/messages"
)

// Conn adapts a WebSocket connection to net.Conn with one envelope per Read and Write
type Conn struct {
	*websocket.Conn
	lAddr   net.Addr
	rAddr   net.Addr
	msgType websocket.MessageType

	ctx      context.Context
	closed   bool
	closedMu sync.Mutex
}

func NewConn(wsConn *websocket.Conn, lAddr, rAddr net.Addr, codec messages.Codec) *Conn {
	msgType := websocket.MessageBinary
	if codec.Name() == messages.CodecNameJSON {
		msgType = websocket.MessageText
	}

	return &Conn{
		Conn:    wsConn,
		lAddr:   lAddr,
		rAddr:   rAddr,
		msgType: msgType,
		ctx:     context.Background(),
	}
}

func (c *Conn) Read(b []byte) (n int, err error) {
	_, data, err := c.Conn.Read(c.ctx)
	if err != nil {
		return 0, c.ioErrHandling(err)
	}

	if len(data) > len(b) {
		return 0, io.ErrShortBuffer
	}
	return copy(b, data), nil
}

func (c *Conn) Write(b []byte) (int, error) {
	if err := c.Conn.Write(c.ctx, c.msgType, b); err != nil {
		return 0, c.ioErrHandling(err)
	}
	return len(b), nil
}

func (c *Conn) LocalAddr() net.Addr {
	return c.lAddr
}

func (c *Conn) RemoteAddr() net.Addr {
	return c.rAddr
}

func (c *Conn) SetReadDeadline(t time.Time) error {
	return nil
}

func (c *Conn) SetWriteDeadline(t time.Time) error {
	return nil
}

func (c *Conn) SetDeadline(t time.Time) error {
	return nil
}

func (c *Conn) Close() error {
	c.closedMu.Lock()
	if c.closed {
		c.closedMu.Unlock()
		return nil
	}
	c.closed = true
	c.closedMu.Unlock()

	return c.Conn.Close(websocket.StatusNormalClosure, "")
}

func (c *Conn) isClosed() bool {
	c.closedMu.Lock()
	defer c.closedMu.Unlock()
	return c.closed
}

func (c *Conn) ioErrHandling(err error) error {
	if c.isClosed() {
		return net.ErrClosed
	}

	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return io.EOF
	}

	if errors.Is(err, io.EOF) {
		return io.EOF
	}
	return err
}
