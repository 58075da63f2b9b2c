package metrics

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	idleTimeout = 30 * time.Second
)

const (
	DropReasonUnknownTarget = "unknown_target"
	DropReasonQueueFull     = "queue_full"
	DropReasonPeerClosed    = "peer_closed"
	DropReasonMalformed     = "malformed"
	DropReasonUnregistered  = "unregistered_sender"
	DropReasonRateLimited   = "rate_limited"
	DropReasonUnexpected    = "unexpected_kind"
	DropReasonRosterOff     = "roster_disabled"

	RouteUnicast   = "unicast"
	RouteBroadcast = "broadcast"
)

type Metrics struct {
	metric.Meter

	peers         metric.Int64UpDownCounter
	registrations metric.Int64Counter
	rejections    metric.Int64Counter
	routed        metric.Int64Counter
	deliveries    metric.Int64Counter
	dropped       metric.Int64Counter

	registered atomic.Int64

	peerActivityChan chan string
	peerLastActive   map[string]time.Time
	mutexActivity    sync.Mutex
	ctx              context.Context
}

func NewMetrics(ctx context.Context, meter metric.Meter) (*Metrics, error) {
	peers, err := meter.Int64UpDownCounter("rope_relay_peers",
		metric.WithDescription("Participant connections currently open"))
	if err != nil {
		return nil, err
	}

	registrations, err := meter.Int64Counter("rope_relay_registrations_total",
		metric.WithDescription("Registration attempts by outcome"))
	if err != nil {
		return nil, err
	}

	rejections, err := meter.Int64Counter("rope_relay_rejections_sent_total",
		metric.WithDescription("Rejection notices sent to participants"))
	if err != nil {
		return nil, err
	}

	routed, err := meter.Int64Counter("rope_relay_messages_routed_total",
		metric.WithDescription("Data envelopes routed by mode"))
	if err != nil {
		return nil, err
	}

	deliveries, err := meter.Int64Counter("rope_relay_deliveries_total",
		metric.WithDescription("Data envelopes handed to participant queues"))
	if err != nil {
		return nil, err
	}

	dropped, err := meter.Int64Counter("rope_relay_messages_dropped_total",
		metric.WithDescription("Envelopes dropped by reason"))
	if err != nil {
		return nil, err
	}

	registered, err := meter.Int64ObservableGauge("rope_relay_registered_ids",
		metric.WithDescription("Identifiers currently registered"))
	if err != nil {
		return nil, err
	}

	peersActive, err := meter.Int64ObservableGauge("rope_relay_peers_active")
	if err != nil {
		return nil, err
	}

	peersIdle, err := meter.Int64ObservableGauge("rope_relay_peers_idle")
	if err != nil {
		return nil, err
	}

	m := &Metrics{
		Meter:         meter,
		peers:         peers,
		registrations: registrations,
		rejections:    rejections,
		routed:        routed,
		deliveries:    deliveries,
		dropped:       dropped,

		ctx:              ctx,
		peerActivityChan: make(chan string, 1),
		peerLastActive:   make(map[string]time.Time),
	}

	_, err = meter.RegisterCallback(
		func(ctx context.Context, o metric.Observer) error {
			active, idle := m.calculateActiveIdleConnections()
			o.ObserveInt64(peersActive, active)
			o.ObserveInt64(peersIdle, idle)
			o.ObserveInt64(registered, m.registered.Load())
			return nil
		},
		peersActive, peersIdle, registered,
	)
	if err != nil {
		return nil, err
	}

	go m.readPeerActivity()
	return m, nil
}

// PeerConnected increments the number of open connections and starts tracking the connection as idle
func (m *Metrics) PeerConnected(connID string) {
	m.peers.Add(m.ctx, 1)
	m.mutexActivity.Lock()
	defer m.mutexActivity.Unlock()

	m.peerLastActive[connID] = time.Time{}
}

// PeerDisconnected decrements the number of open connections
func (m *Metrics) PeerDisconnected(connID string) {
	m.peers.Add(m.ctx, -1)
	m.mutexActivity.Lock()
	defer m.mutexActivity.Unlock()

	delete(m.peerLastActive, connID)
}

// PeerActivity marks the connection active
func (m *Metrics) PeerActivity(connID string) {
	select {
	case m.peerActivityChan <- connID:
	case <-m.ctx.Done():
	}
}

func (m *Metrics) RegistrationOutcome(outcome string) {
	m.registrations.Add(m.ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *Metrics) RejectionSent() {
	m.rejections.Add(m.ctx, 1)
}

// RegisteredIDs records the size of the registry after a mutation
func (m *Metrics) RegisteredIDs(n int) {
	m.registered.Store(int64(n))
}

func (m *Metrics) MessageRouted(route string, recipients int) {
	m.routed.Add(m.ctx, 1, metric.WithAttributes(attribute.String("route", route)))
	if recipients > 0 {
		m.deliveries.Add(m.ctx, int64(recipients))
	}
}

func (m *Metrics) MessageDropped(reason string) {
	m.dropped.Add(m.ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *Metrics) calculateActiveIdleConnections() (int64, int64) {
	active, idle := int64(0), int64(0)
	m.mutexActivity.Lock()
	defer m.mutexActivity.Unlock()

	for _, lastActive := range m.peerLastActive {
		if time.Since(lastActive) > idleTimeout {
			idle++
		} else {
			active++
		}
	}
	return active, idle
}

func (m *Metrics) readPeerActivity() {
	for {
		select {
		case connID := <-m.peerActivityChan:
			m.mutexActivity.Lock()
			if _, ok := m.peerLastActive[connID]; ok {
				m.peerLastActive[connID] = time.Now()
			}
			m.mutexActivity.Unlock()
		case <-m.ctx.Done():
			return
		}
	}
}
