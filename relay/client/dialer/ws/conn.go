package ws

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/coder/websocket"

	"github.com/netbirdio/rope/relay/messages"
)

// WebsocketAddr is the relay address of a WebSocket connection
type WebsocketAddr struct {
	addr string
}

func (a WebsocketAddr) Network() string {
	return "websocket"
}

func (a WebsocketAddr) String() string {
	return a.addr
}

// Conn carries one envelope per WebSocket message
type Conn struct {
	ctx context.Context
	*websocket.Conn
	remoteAddr WebsocketAddr
	msgType    websocket.MessageType
}

func NewConn(wsConn *websocket.Conn, serverAddress string, codec messages.Codec) net.Conn {
	msgType := websocket.MessageBinary
	if codec.Name() == messages.CodecNameJSON {
		msgType = websocket.MessageText
	}

	return &Conn{
		ctx:        context.Background(),
		Conn:       wsConn,
		remoteAddr: WebsocketAddr{addr: serverAddress},
		msgType:    msgType,
	}
}

func (c *Conn) Read(b []byte) (n int, err error) {
	_, data, err := c.Conn.Read(c.ctx)
	if err != nil {
		return 0, ioErrHandling(err)
	}

	if len(data) > len(b) {
		return 0, io.ErrShortBuffer
	}
	return copy(b, data), nil
}

func (c *Conn) Write(b []byte) (n int, err error) {
	if err := c.Conn.Write(c.ctx, c.msgType, b); err != nil {
		return 0, ioErrHandling(err)
	}
	return len(b), nil
}

func (c *Conn) RemoteAddr() net.Addr {
	return c.remoteAddr
}

func (c *Conn) LocalAddr() net.Addr {
	return WebsocketAddr{addr: "local"}
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
	return c.Conn.CloseNow()
}

func ioErrHandling(err error) error {
	if errors.Is(err, net.ErrClosed) {
		return net.ErrClosed
	}

	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return io.EOF
	default:
		return err
	}
}
