package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"github.com/netbirdio/rope/relay/messages"
	"github.com/netbirdio/rope/relay/metrics"
)

const (
	eventQueueSize = 256
)

var (
	ErrRelayClosed    = errors.New("relay is closed")
	ErrRosterDisabled = errors.New("roster queries are disabled")
)

// Config holds the relay settings that are independent of the transports
type Config struct {
	Meter metric.Meter
	// DisableRoster turns off the roster capability, queries are dropped and Roster fails
	DisableRoster bool
	// PeerQueueSize bounds the envelopes waiting to be written to one participant
	PeerQueueSize int
	// MessageRate limits envelopes per second read from one connection, zero disables the limit
	MessageRate float64
	// MessageBurst is the burst allowed above MessageRate
	MessageBurst int
}

// Relay owns the registry and routes envelopes between participants. Every registry mutation and routing
// decision is an event executed by a single goroutine in arrival order.
type Relay struct {
	metrics       *metrics.Metrics
	metricsCancel context.CancelFunc
	registry      *Registry
	rosterEnabled bool
	peerCfg       peerConfig

	events chan func()
	done   chan struct{}
	loopWg sync.WaitGroup

	peers   map[*Peer]struct{}
	peersMu sync.Mutex

	closed  bool
	closeMu sync.RWMutex
}

// NewRelay creates a new Relay instance and starts its event loop
func NewRelay(cfg Config) (*Relay, error) {
	if cfg.Meter == nil {
		return nil, fmt.Errorf("meter is required")
	}

	ctx, metricsCancel := context.WithCancel(context.Background())
	m, err := metrics.NewMetrics(ctx, cfg.Meter)
	if err != nil {
		metricsCancel()
		return nil, fmt.Errorf("creating app metrics: %v", err)
	}

	burst := cfg.MessageBurst
	if burst <= 0 {
		burst = 1
	}

	r := &Relay{
		metrics:       m,
		metricsCancel: metricsCancel,
		registry:      NewRegistry(),
		rosterEnabled: !cfg.DisableRoster,
		peerCfg: peerConfig{
			queueSize: cfg.PeerQueueSize,
			rateLimit: rate.Limit(cfg.MessageRate),
			rateBurst: burst,
		},
		events: make(chan func(), eventQueueSize),
		done:   make(chan struct{}),
		peers:  make(map[*Peer]struct{}),
	}

	r.loopWg.Add(1)
	go r.loop()
	return r, nil
}

// Accept starts serving a new participant connection. The participant is deregistered when the connection
// fails.
func (r *Relay) Accept(conn net.Conn, codec messages.Codec) {
	r.closeMu.RLock()
	defer r.closeMu.RUnlock()
	if r.closed {
		_ = conn.Close()
		return
	}

	peer := NewPeer(r.metrics, conn, codec, r.peerCfg)
	peer.log.Infof("participant connected from: %s", conn.RemoteAddr())
	r.trackPeer(peer)
	r.metrics.PeerConnected(peer.String())

	go func() {
		peer.Work(r.Submit)
		r.Deregister(peer)
		r.untrackPeer(peer)
		peer.log.Debugf("participant connection closed")
		r.metrics.PeerDisconnected(peer.String())
	}()
}

// Register claims id for h using the given collision strategy and waits for the outcome
func (r *Relay) Register(id string, h Handle, strategy messages.Strategy) (Outcome, error) {
	if err := messages.ValidateID(id); err != nil {
		return OutcomeRejected, err
	}

	reply := make(chan Outcome, 1)
	ok := r.submit(func() {
		reply <- r.register(id, h, strategy)
	})
	if !ok {
		return OutcomeRejected, ErrRelayClosed
	}

	select {
	case outcome := <-reply:
		return outcome, nil
	case <-r.done:
		return OutcomeRejected, ErrRelayClosed
	}
}

// Deregister removes the record backed by h, if any. It does not wait for the removal.
func (r *Relay) Deregister(h Handle) {
	r.submit(func() {
		r.deregister(h)
	})
}

// Dispatch routes payload from sender to target, or to every other participant when target is
// messages.Broadcast. It does not wait for the routing decision.
func (r *Relay) Dispatch(sender, target string, payload any) {
	r.submit(func() {
		r.dispatch(sender, target, payload)
	})
}

// Roster returns every registered identifier, the requester included
func (r *Relay) Roster(requester string) ([]string, error) {
	if !r.rosterEnabled {
		return nil, ErrRosterDisabled
	}

	reply := make(chan []string, 1)
	ok := r.submit(func() {
		log.Tracef("roster requested by [%s]", requester)
		reply <- r.registry.IDs()
	})
	if !ok {
		return nil, ErrRelayClosed
	}

	select {
	case ids := <-reply:
		return ids, nil
	case <-r.done:
		return nil, ErrRelayClosed
	}
}

// Submit queues an envelope received from the participant behind h
func (r *Relay) Submit(h Handle, env messages.Envelope) {
	r.submit(func() {
		env.Accept(&inbound{relay: r, handle: h})
	})
}

// Shutdown closes the connection with all participants gracefully and stops the event loop
func (r *Relay) Shutdown(ctx context.Context) {
	r.closeMu.Lock()
	if r.closed {
		r.closeMu.Unlock()
		return
	}
	r.closed = true
	r.closeMu.Unlock()

	log.Infof("close connection with all participants")
	wg := sync.WaitGroup{}
	for _, peer := range r.trackedPeers() {
		wg.Add(1)
		go func(p *Peer) {
			defer wg.Done()
			p.CloseGracefully(ctx)
		}(peer)
	}
	wg.Wait()

	close(r.done)
	r.loopWg.Wait()
	r.metricsCancel()
}

func (r *Relay) loop() {
	defer r.loopWg.Done()
	for {
		select {
		case fn := <-r.events:
			fn()
		case <-r.done:
			return
		}
	}
}

func (r *Relay) submit(fn func()) bool {
	select {
	case <-r.done:
		return false
	default:
	}

	select {
	case r.events <- fn:
		return true
	case <-r.done:
		return false
	}
}

func (r *Relay) register(id string, h Handle, strategy messages.Strategy) Outcome {
	outcome, loser := r.registry.Register(id, h, strategy)
	r.metrics.RegistrationOutcome(outcome.String())
	r.metrics.RegisteredIDs(r.registry.Len())

	switch {
	case outcome == OutcomeInvalidStrategy:
		log.Warnf("invalid strategy %q for [%s], registration ignored", strategy, id)
	case outcome == OutcomeRejected && loser == nil:
		log.Warnf("connection already holds another identifier, registration of [%s] ignored", id)
	case outcome == OutcomeRejected:
		log.Infof("duplicate participant rejected [%s]", id)
	case loser != nil:
		log.Infof("duplicate participant replaced [%s]", id)
	default:
		log.Infof("participant registered [%s]", id)
	}

	if loser != nil {
		r.metrics.RejectionSent()
		r.deliver(id, loser, messages.NewRejection(id))
	}
	return outcome
}

func (r *Relay) deregister(h Handle) {
	id, ok := r.registry.Deregister(h)
	if !ok {
		return
	}
	r.metrics.RegisteredIDs(r.registry.Len())
	log.Infof("participant deregistered [%s]", id)
}

func (r *Relay) dispatch(sender, target string, payload any) {
	env := messages.NewData(sender, target, payload)

	if target != messages.Broadcast {
		h, ok := r.registry.Lookup(target)
		if !ok {
			log.Tracef("dropping message from [%s] to unknown target [%s]", sender, target)
			r.metrics.MessageDropped(metrics.DropReasonUnknownTarget)
			return
		}
		delivered := 0
		if r.deliver(target, h, env) {
			delivered = 1
		}
		r.metrics.MessageRouted(metrics.RouteUnicast, delivered)
		return
	}

	type recipient struct {
		id     string
		handle Handle
	}
	var recipients []recipient
	r.registry.Range(func(id string, h Handle) bool {
		if id != sender {
			recipients = append(recipients, recipient{id: id, handle: h})
		}
		return true
	})

	delivered := 0
	for _, rc := range recipients {
		if r.deliver(rc.id, rc.handle, env) {
			delivered++
		}
	}
	r.metrics.MessageRouted(metrics.RouteBroadcast, delivered)
}

// deliver hands env to h. A handle reporting it is closed loses its record so the identifier becomes
// available again.
func (r *Relay) deliver(id string, h Handle, env messages.Envelope) bool {
	err := h.Send(env)
	switch {
	case err == nil:
		return true
	case errors.Is(err, ErrQueueFull):
		log.Warnf("send queue of [%s] is full, dropping %s envelope", id, env.Kind())
		r.metrics.MessageDropped(metrics.DropReasonQueueFull)
	case errors.Is(err, ErrPeerClosed):
		log.Debugf("participant [%s] is gone, dropping %s envelope", id, env.Kind())
		r.metrics.MessageDropped(metrics.DropReasonPeerClosed)
		r.deregister(h)
	default:
		log.Errorf("failed to send %s envelope to [%s]: %s", env.Kind(), id, err)
	}
	return false
}

func (r *Relay) trackPeer(p *Peer) {
	r.peersMu.Lock()
	defer r.peersMu.Unlock()
	r.peers[p] = struct{}{}
}

func (r *Relay) untrackPeer(p *Peer) {
	r.peersMu.Lock()
	defer r.peersMu.Unlock()
	delete(r.peers, p)
}

func (r *Relay) trackedPeers() []*Peer {
	r.peersMu.Lock()
	defer r.peersMu.Unlock()
	peers := make([]*Peer, 0, len(r.peers))
	for p := range r.peers {
		peers = append(peers, p)
	}
	return peers
}

// inbound applies one envelope received from a participant connection. It runs on the event loop.
type inbound struct {
	relay  *Relay
	handle Handle
}

func (in *inbound) VisitRegistration(e *messages.Registration) {
	if err := messages.ValidateID(e.Sender()); err != nil {
		log.Warnf("dropping registration: %s", err)
		in.relay.metrics.MessageDropped(metrics.DropReasonMalformed)
		return
	}
	in.relay.register(e.Sender(), in.handle, e.Strategy())
}

func (in *inbound) VisitData(e *messages.Data) {
	sender, ok := in.relay.registry.IDOf(in.handle)
	if !ok {
		log.Debugf("dropping data envelope from unregistered connection claiming [%s]", e.Sender())
		in.relay.metrics.MessageDropped(metrics.DropReasonUnregistered)
		return
	}
	in.relay.dispatch(sender, e.Target(), e.Payload())
}

func (in *inbound) VisitRejection(e *messages.Rejection) {
	log.Warnf("dropping rejection envelope sent by participant [%s]", e.Sender())
	in.relay.metrics.MessageDropped(metrics.DropReasonUnexpected)
}

func (in *inbound) VisitRosterQuery(e *messages.RosterQuery) {
	requester, ok := in.relay.registry.IDOf(in.handle)
	if !ok {
		log.Debugf("dropping roster query from unregistered connection claiming [%s]", e.Sender())
		in.relay.metrics.MessageDropped(metrics.DropReasonUnregistered)
		return
	}

	if !in.relay.rosterEnabled {
		log.Debugf("dropping roster query from [%s], roster is disabled", requester)
		in.relay.metrics.MessageDropped(metrics.DropReasonRosterOff)
		return
	}

	in.relay.deliver(requester, in.handle, messages.NewRosterResponse(requester, in.relay.registry.IDs()))
}

func (in *inbound) VisitRosterResponse(e *messages.RosterResponse) {
	log.Warnf("dropping roster response envelope sent by participant [%s]", e.Sender())
	in.relay.metrics.MessageDropped(metrics.DropReasonUnexpected)
}
