package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/netbirdio/rope/relay/server/listener"
	"github.com/netbirdio/rope/relay/server/listener/quic"
	"github.com/netbirdio/rope/relay/server/listener/ws"
)

// ListenerConfig is the configuration for the listeners the participants connect to
type ListenerConfig struct {
	Address string
	// QUICAddress enables the QUIC listener when not empty
	QUICAddress    string
	TLSConfig      *tls.Config
	OriginPatterns []string
}

// Server is the main entry point for the relay server. It accepts participant connections on every
// configured listener and hands them to the Relay.
type Server struct {
	relay *Relay

	listenerCfg ListenerConfig
	listeners   []listener.Listener
	listenersMu sync.Mutex
}

// NewServer creates a new relay server instance.
// cfg: the relay configuration
func NewServer(cfg Config) (*Server, error) {
	relay, err := NewRelay(cfg)
	if err != nil {
		return nil, err
	}
	return &Server{
		relay: relay,
	}, nil
}

// Listen starts the listeners and blocks until all of them stop. The first listener failure stops the others.
func (r *Server) Listen(cfg ListenerConfig) error {
	listeners := []listener.Listener{
		ws.NewListener(ws.Config{
			Address:        cfg.Address,
			TLSConfig:      cfg.TLSConfig,
			OriginPatterns: cfg.OriginPatterns,
		}),
	}
	if cfg.QUICAddress != "" {
		listeners = append(listeners, quic.NewListener(cfg.QUICAddress, cfg.TLSConfig))
	}

	r.listenersMu.Lock()
	r.listenerCfg = cfg
	r.listeners = listeners
	r.listenersMu.Unlock()

	g, ctx := errgroup.WithContext(context.Background())
	for _, l := range listeners {
		g.Go(func() error {
			if err := l.Listen(r.relay.Accept); err != nil {
				log.Errorf("failed to bind %s server: %s", l.Protocol(), err)
				return fmt.Errorf("%s listener: %w", l.Protocol(), err)
			}
			return nil
		})
	}

	go func() {
		<-ctx.Done()
		if cause := context.Cause(ctx); !errors.Is(cause, context.Canceled) {
			_ = r.shutdownListeners(context.Background())
		}
	}()

	return g.Wait()
}

// Shutdown stops accepting new connections, then closes the participant connections gracefully
func (r *Server) Shutdown(ctx context.Context) error {
	err := r.shutdownListeners(ctx)
	r.relay.Shutdown(ctx)
	return err
}

// Relay returns the relay the server feeds
func (r *Server) Relay() *Relay {
	return r.relay
}

// ListenerProtocols returns the protocols of the listeners that have been started
func (r *Server) ListenerProtocols() []string {
	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()

	protocols := make([]string, 0, len(r.listeners))
	for _, l := range r.listeners {
		protocols = append(protocols, l.Protocol())
	}
	return protocols
}

// ListenAddress returns the address of the WebSocket listener
func (r *Server) ListenAddress() string {
	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()
	return r.listenerCfg.Address
}

// QUICAddress returns the address of the QUIC listener, empty when QUIC is disabled
func (r *Server) QUICAddress() string {
	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()
	return r.listenerCfg.QUICAddress
}

func (r *Server) shutdownListeners(ctx context.Context) error {
	r.listenersMu.Lock()
	listeners := r.listeners
	r.listenersMu.Unlock()

	var errs error
	for _, l := range listeners {
		if err := l.Shutdown(ctx); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("failed to close %s listener: %w", l.Protocol(), err))
		}
	}
	return errs
}
