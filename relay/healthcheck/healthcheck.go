package healthcheck

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	log "github.com/sirupsen/logrus"

	"github.com/netbirdio/rope/version"
)

const (
	statusHealthy   = "healthy"
	statusUnhealthy = "unhealthy"

	path = "/health"

	probeTimeout = 5 * time.Second
)

// ServiceChecker exposes what the healthcheck needs to know about the relay server
type ServiceChecker interface {
	ListenerProtocols() []string
	ListenAddress() string
	QUICAddress() string
}

type Config struct {
	ListenAddress  string
	ServiceChecker ServiceChecker
}

type healthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Listeners []string          `json:"listeners"`
	Checks    map[string]string `json:"checks"`
}

// Server serves the relay health over plain HTTP
type Server struct {
	config     Config
	httpServer *http.Server

	// probes are replaced in tests
	dialWS   func(ctx context.Context, address string) error
	dialQUIC func(ctx context.Context, address string) error

	mu sync.Mutex
}

func NewServer(config Config) (*Server, error) {
	if config.ServiceChecker == nil {
		return nil, errors.New("service checker is required")
	}

	s := &Server{
		config:   config,
		dialWS:   dialWS,
		dialQUIC: dialQUIC,
	}

	s.httpServer = &http.Server{
		Addr:         config.ListenAddress,
		Handler:      s.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 2 * probeTimeout,
	}
	return s, nil
}

// Handler serves /health. Browser participants may query it from any origin before they connect.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	router.Use(cors.AllowAll().Handler)
	router.HandleFunc(path, s.handleHealthcheck).Methods(http.MethodGet, http.MethodOptions)
	return router
}

func (s *Server) ListenAndServe() error {
	log.Infof("starting healthcheck server on: %s", s.config.ListenAddress)
	return s.httpServer.ListenAndServe()
}

// Shutdown stops the healthcheck server
func (s *Server) Shutdown(ctx context.Context) error {
	log.Infof("shutting down healthcheck server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealthcheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
	defer cancel()

	resp := s.check(ctx)

	w.Header().Set("Content-Type", "application/json")
	if resp.Status == statusHealthy {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Debugf("failed to write healthcheck response: %s", err)
	}
}

func (s *Server) check(ctx context.Context) healthResponse {
	s.mu.Lock()
	defer s.mu.Unlock()

	checker := s.config.ServiceChecker
	resp := healthResponse{
		Status:    statusHealthy,
		Version:   version.RopeVersion(),
		Listeners: checker.ListenerProtocols(),
		Checks:    make(map[string]string),
	}

	if len(resp.Listeners) == 0 {
		resp.Status = statusUnhealthy
		resp.Checks["listeners"] = "no listener is running"
		return resp
	}

	if err := s.dialWS(ctx, probeAddress(checker.ListenAddress())); err != nil {
		log.Warnf("websocket healthcheck failed: %s", err)
		resp.Status = statusUnhealthy
		resp.Checks["websocket"] = err.Error()
	} else {
		resp.Checks["websocket"] = "ok"
	}

	if quicAddr := checker.QUICAddress(); quicAddr != "" {
		if err := s.dialQUIC(ctx, probeAddress(quicAddr)); err != nil {
			log.Warnf("QUIC healthcheck failed: %s", err)
			resp.Status = statusUnhealthy
			resp.Checks["quic"] = err.Error()
		} else {
			resp.Checks["quic"] = "ok"
		}
	}
	return resp
}

// probeAddress turns a wildcard listen address into one that can be dialed
func probeAddress(address string) string {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return address
	}

	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}
