package server

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/xid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/netbirdio/rope/relay/messages"
	"github.com/netbirdio/rope/relay/metrics"
)

const (
	defaultQueueSize = 64
)

var (
	ErrPeerClosed = errors.New("peer connection closed")
	ErrQueueFull  = errors.New("peer send queue is full")
)

// Handle is the relay's way to reach one participant. Send must not block: it either queues the envelope,
// reports ErrQueueFull when the participant is too slow, or ErrPeerClosed once the participant is gone.
type Handle interface {
	Send(env messages.Envelope) error
}

type peerConfig struct {
	queueSize int
	rateLimit rate.Limit
	rateBurst int
}

// Peer is a participant connection. Reading happens in Work, writing in a dedicated goroutine fed by a
// bounded queue, so a slow participant never holds up the relay.
type Peer struct {
	log     *log.Entry
	metrics *metrics.Metrics
	connID  string
	conn    net.Conn
	codec   messages.Codec
	limiter *rate.Limiter

	queue    chan messages.Envelope
	pending  atomic.Int64
	ctx      context.Context
	cancel   context.CancelFunc
	closed   bool
	closedMu sync.Mutex
	writerWg sync.WaitGroup
}

// NewPeer creates a new Peer instance and starts its writer
func NewPeer(m *metrics.Metrics, conn net.Conn, codec messages.Codec, cfg peerConfig) *Peer {
	connID := xid.New().String()
	if cfg.queueSize <= 0 {
		cfg.queueSize = defaultQueueSize
	}

	var limiter *rate.Limiter
	if cfg.rateLimit > 0 {
		limiter = rate.NewLimiter(cfg.rateLimit, cfg.rateBurst)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Peer{
		log:     log.WithFields(log.Fields{"conn_id": connID, "codec": codec.Name()}),
		metrics: m,
		connID:  connID,
		conn:    conn,
		codec:   codec,
		limiter: limiter,
		queue:   make(chan messages.Envelope, cfg.queueSize),
		ctx:     ctx,
		cancel:  cancel,
	}

	p.writerWg.Add(1)
	go p.writeLoop()
	return p
}

// Send queues env for delivery without blocking
func (p *Peer) Send(env messages.Envelope) error {
	p.closedMu.Lock()
	defer p.closedMu.Unlock()

	if p.closed {
		return ErrPeerClosed
	}

	p.pending.Add(1)
	select {
	case p.queue <- env:
		return nil
	default:
		p.pending.Add(-1)
		return ErrQueueFull
	}
}

// Work reads envelopes from the connection and hands them to submit until the connection fails. The peer is
// closed when Work returns.
func (p *Peer) Work(submit func(Handle, messages.Envelope)) {
	defer p.Close()

	buf := make([]byte, messages.MaxMessageSize)
	for {
		n, err := p.conn.Read(buf)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) && !p.isClosed() {
				p.log.Debugf("failed to read message: %s", err)
			}
			return
		}

		p.metrics.PeerActivity(p.connID)

		if p.limiter != nil && !p.limiter.Allow() {
			p.log.Warnf("message rate exceeded, dropping envelope")
			p.metrics.MessageDropped(metrics.DropReasonRateLimited)
			continue
		}

		msg := make([]byte, n)
		copy(msg, buf[:n])
		env, err := p.codec.Unmarshal(msg)
		if err != nil {
			if errors.Is(err, messages.ErrUnknownKind) {
				p.log.Warnf("dropping envelope of unknown kind: %s", err)
			} else {
				p.log.Warnf("dropping malformed envelope: %s", err)
			}
			p.metrics.MessageDropped(metrics.DropReasonMalformed)
			continue
		}

		submit(p, env)
	}
}

// Close stops the writer and closes the connection. Queued envelopes are discarded.
func (p *Peer) Close() {
	p.closedMu.Lock()
	if p.closed {
		p.closedMu.Unlock()
		return
	}
	p.closed = true
	p.closedMu.Unlock()

	p.cancel()
	if err := p.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		p.log.Debugf("failed to close connection: %s", err)
	}
	p.writerWg.Wait()
}

// CloseGracefully waits until the queued envelopes are written or ctx expires, then closes the peer
func (p *Peer) CloseGracefully(ctx context.Context) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for p.pending.Load() > 0 && !p.isClosed() {
		select {
		case <-ctx.Done():
			p.log.Warnf("discarding %d queued envelopes on shutdown", p.pending.Load())
			p.Close()
			return
		case <-ticker.C:
		}
	}
	p.Close()
}

func (p *Peer) String() string {
	return p.connID
}

func (p *Peer) writeLoop() {
	defer p.writerWg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		case env := <-p.queue:
			msg, err := p.codec.Marshal(env)
			if err != nil {
				p.pending.Add(-1)
				p.log.Errorf("failed to marshal %s envelope: %s", env.Kind(), err)
				continue
			}

			_, err = p.conn.Write(msg)
			p.pending.Add(-1)
			if err != nil {
				if !p.isClosed() {
					p.log.Debugf("failed to write %s envelope: %s", env.Kind(), err)
				}
				p.abort()
				return
			}
		}
	}
}

// abort marks the peer closed from the writer side. The read side then observes the closed connection and
// the relay deregisters the peer.
func (p *Peer) abort() {
	p.closedMu.Lock()
	p.closed = true
	p.closedMu.Unlock()

	p.cancel()
	_ = p.conn.Close()
}

func (p *Peer) isClosed() bool {
	p.closedMu.Lock()
	defer p.closedMu.Unlock()
	return p.closed
}
