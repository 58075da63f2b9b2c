package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"

	"github.com/netbirdio/rope/relay/client/dialer"
	"github.com/netbirdio/rope/relay/messages"
)

const (
	dialTimeout = 10 * time.Second
)

var (
	ErrNotConnected    = errors.New("relay connection is not established")
	ErrSendToSelf      = errors.New("cannot send a message to self")
	ErrConcurrentQuery = errors.New("a roster query is already in progress")
	ErrRejected        = errors.New("identifier is held by another participant")
	ErrClientClosed    = errors.New("client is closed")

	connectMaxElapsedTime = 30 * time.Second
)

// MessageHandler receives the payload of every data envelope addressed to the client, or broadcast, with the
// sender's identifier. It runs on the read loop and must not wait for a roster.
type MessageHandler func(payload any, from string)

// Option customizes a Client
type Option func(*Client)

// WithCodec selects the codec negotiated over WebSocket. QUIC connections always use msgpack.
func WithCodec(codec messages.Codec) Option {
	return func(c *Client) {
		c.codec = codec
	}
}

// WithTLSConfig sets the TLS configuration used for wss and quic relay urls
func WithTLSConfig(tlsConfig *tls.Config) Option {
	return func(c *Client) {
		c.tlsConfig = tlsConfig
	}
}

// Client is a participant of the relay. It registers under its identifier when it connects and keeps the
// registration alive across reconnects until it is closed or loses its identifier.
type Client struct {
	log       *log.Entry
	ctx       context.Context
	ctxCancel context.CancelFunc
	serverURL string
	id        string
	strategy  messages.Strategy
	codec     messages.Codec
	tlsConfig *tls.Config
	guard     *Guard

	handlerMu  sync.RWMutex
	handler    MessageHandler
	onRejected func()

	relayConn        net.Conn
	relayCodec       messages.Codec
	serviceIsRunning bool
	rejected         bool
	closed           bool
	mu               sync.Mutex // protects the connection state above
	writeMu          sync.Mutex
	wgReadLoop       sync.WaitGroup

	rosterMu    sync.Mutex
	rosterReply chan []string
}

// NewClient creates a participant that registers as id on the relay at serverURL, resolving collisions with
// strategy. serverURL is a ws://, wss:// or quic:// url.
func NewClient(ctx context.Context, serverURL, id string, strategy messages.Strategy, opts ...Option) *Client {
	ctx, ctxCancel := context.WithCancel(ctx)
	c := &Client{
		log:       log.WithFields(log.Fields{"peer_id": id, "relay": serverURL}),
		ctx:       ctx,
		ctxCancel: ctxCancel,
		serverURL: serverURL,
		id:        id,
		strategy:  strategy,
		codec:     messages.MsgpackCodec,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.guard = NewGuard(ctx, c)
	return c
}

// ID returns the identifier the client registers under
func (c *Client) ID() string {
	return c.id
}

// Handle sets the handler of incoming messages. A nil handler discards them.
func (c *Client) Handle(handler MessageHandler) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.handler = handler
}

// HandleRejection sets the function called when the relay refuses the identifier or hands it to another
// participant
func (c *Client) HandleRejection(onRejected func()) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.onRejected = onRejected
}

// Connect dials the relay, retrying with exponential backoff, and registers the client. A dropped connection
// is restored in the background.
func (c *Client) Connect() error {
	if err := messages.ValidateID(c.id); err != nil {
		return err
	}
	if !c.strategy.Valid() {
		return fmt.Errorf("invalid strategy %q", c.strategy)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.closed:
		return ErrClientClosed
	case c.rejected:
		return ErrRejected
	case c.serviceIsRunning:
		return nil
	}

	bo := backoff.WithContext(&backoff.ExponentialBackOff{
		InitialInterval:     500 * time.Millisecond,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         5 * time.Second,
		MaxElapsedTime:      connectMaxElapsedTime,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}, c.ctx)

	operation := func() error {
		err := c.connect()
		if err != nil {
			c.log.Debugf("failed to connect to relay server: %s", err)
		}
		return err
	}
	if err := backoff.Retry(operation, bo); err != nil {
		return fmt.Errorf("connect to relay server: %w", err)
	}

	c.log.Infof("connected to relay server")
	return nil
}

// Send delivers payload to the participant registered as to. Messages to an unknown participant are dropped by
// the relay silently.
func (c *Client) Send(payload any, to string) error {
	if to == c.id {
		return ErrSendToSelf
	}
	return c.write(messages.NewData(c.id, to, payload))
}

// Broadcast delivers payload to every other registered participant
func (c *Client) Broadcast(payload any) error {
	return c.write(messages.NewData(c.id, messages.Broadcast, payload))
}

// Roster asks the relay for every registered identifier, this client included. Only one query may be
// outstanding at a time.
func (c *Client) Roster(ctx context.Context) ([]string, error) {
	c.rosterMu.Lock()
	if c.rosterReply != nil {
		c.rosterMu.Unlock()
		return nil, ErrConcurrentQuery
	}
	reply := make(chan []string, 1)
	c.rosterReply = reply
	c.rosterMu.Unlock()

	defer func() {
		c.rosterMu.Lock()
		if c.rosterReply == reply {
			c.rosterReply = nil
		}
		c.rosterMu.Unlock()
	}()

	if err := c.write(messages.NewRosterQuery(c.id)); err != nil {
		return nil, err
	}

	select {
	case ids, ok := <-reply:
		if !ok {
			return nil, ErrNotConnected
		}
		return ids, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.ctx.Done():
		return nil, ErrClientClosed
	}
}

// Close deregisters the client by closing its relay connection
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.serviceIsRunning = false
	conn := c.relayConn
	c.relayConn = nil
	c.mu.Unlock()

	c.ctxCancel()

	var err error
	if conn != nil {
		err = conn.Close()
	}
	c.wgReadLoop.Wait()
	return err
}

func (c *Client) connect() error {
	ctx, cancel := context.WithTimeout(c.ctx, dialTimeout)
	defer cancel()

	conn, codec, err := dialer.Dial(ctx, c.serverURL, c.codec, c.tlsConfig)
	if err != nil {
		if errors.Is(err, dialer.ErrInvalidURL) {
			return backoff.Permanent(err)
		}
		return err
	}

	msg, err := codec.Marshal(messages.NewRegistration(c.id, c.strategy))
	if err != nil {
		_ = conn.Close()
		return backoff.Permanent(fmt.Errorf("marshal registration: %w", err))
	}

	if _, err := conn.Write(msg); err != nil {
		_ = conn.Close()
		return fmt.Errorf("send registration: %w", err)
	}

	c.relayConn = conn
	c.relayCodec = codec
	c.serviceIsRunning = true

	c.wgReadLoop.Add(1)
	go c.readLoop(conn, codec)
	return nil
}

// reconnect is called by the guard after the connection dropped
func (c *Client) reconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.closed:
		return backoff.Permanent(ErrClientClosed)
	case c.rejected:
		return backoff.Permanent(ErrRejected)
	case c.relayConn != nil:
		return nil
	}

	c.log.Infof("reconnecting to relay server")
	return c.connect()
}

func (c *Client) write(env messages.Envelope) error {
	c.mu.Lock()
	conn, codec := c.relayConn, c.relayCodec
	rejected := c.rejected
	c.mu.Unlock()

	if rejected {
		return ErrRejected
	}
	if conn == nil {
		return ErrNotConnected
	}

	msg, err := codec.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal %s envelope: %w", env.Kind(), err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := conn.Write(msg); err != nil {
		return fmt.Errorf("write %s envelope: %w", env.Kind(), err)
	}
	return nil
}

func (c *Client) readLoop(conn net.Conn, codec messages.Codec) {
	defer c.wgReadLoop.Done()

	buf := make([]byte, messages.MaxMessageSize)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				c.log.Debugf("failed to read message from relay server: %s", err)
			}
			break
		}

		env, err := codec.Unmarshal(buf[:n])
		if err != nil {
			c.log.Warnf("dropping envelope from relay server: %s", err)
			continue
		}
		env.Accept(&inbound{client: c})
	}

	c.onConnectionClosed(conn)
}

func (c *Client) onConnectionClosed(conn net.Conn) {
	c.mu.Lock()
	if c.relayConn == conn {
		c.relayConn = nil
	}
	shouldReconnect := c.serviceIsRunning && !c.rejected && !c.closed
	c.mu.Unlock()

	_ = conn.Close()

	c.rosterMu.Lock()
	if c.rosterReply != nil {
		close(c.rosterReply)
		c.rosterReply = nil
	}
	c.rosterMu.Unlock()

	c.log.Tracef("exit from read loop")
	if shouldReconnect {
		c.log.Warnf("relay connection dropped")
		go c.guard.OnDisconnected()
	}
}

func (c *Client) onRejection() {
	c.mu.Lock()
	c.rejected = true
	conn := c.relayConn
	c.mu.Unlock()

	c.log.Warnf("identifier is held by another participant")

	c.handlerMu.RLock()
	onRejected := c.onRejected
	c.handlerMu.RUnlock()
	if onRejected != nil {
		onRejected()
	}

	if conn != nil {
		_ = conn.Close()
	}
}

// inbound dispatches envelopes received from the relay
type inbound struct {
	client *Client
}

func (in *inbound) VisitRegistration(e *messages.Registration) {
	in.client.log.Warnf("unexpected registration envelope from relay server")
}

func (in *inbound) VisitData(e *messages.Data) {
	in.client.handlerMu.RLock()
	handler := in.client.handler
	in.client.handlerMu.RUnlock()

	if handler == nil {
		return
	}
	handler(e.Payload(), e.Sender())
}

func (in *inbound) VisitRejection(e *messages.Rejection) {
	if e.Sender() != in.client.id {
		in.client.log.Warnf("ignoring rejection for [%s]", e.Sender())
		return
	}
	in.client.onRejection()
}

func (in *inbound) VisitRosterQuery(e *messages.RosterQuery) {
	in.client.log.Warnf("unexpected roster query envelope from relay server")
}

func (in *inbound) VisitRosterResponse(e *messages.RosterResponse) {
	c := in.client
	c.rosterMu.Lock()
	defer c.rosterMu.Unlock()

	if c.rosterReply == nil {
		c.log.Debugf("dropping roster response without an outstanding query")
		return
	}
	c.rosterReply <- e.IDs()
	c.rosterReply = nil
}
