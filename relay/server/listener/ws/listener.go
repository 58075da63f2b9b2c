package ws

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/netbirdio/rope/relay/messages"
	"github.com/netbirdio/rope/relay/server/listener"
)

const (
	// URLPath is the HTTP path participants connect to
	URLPath = "/relay"
)

type Config struct {
	Address   string
	TLSConfig *tls.Config
	// OriginPatterns lists the host patterns allowed to connect from a browser besides the relay's own host
	OriginPatterns []string
}

type Listener struct {
	cfg Config

	server   *http.Server
	serverMu sync.Mutex
}

func NewListener(cfg Config) *Listener {
	return &Listener{
		cfg: cfg,
	}
}

func (l *Listener) Listen(acceptFn listener.AcceptFn) error {
	mux := http.NewServeMux()
	mux.Handle(URLPath, l.Handler(acceptFn))

	server := &http.Server{
		Addr:      l.cfg.Address,
		Handler:   mux,
		TLSConfig: l.cfg.TLSConfig,
	}

	l.serverMu.Lock()
	l.server = server
	l.serverMu.Unlock()

	log.Infof("WS server is listening on address: %s", l.cfg.Address)
	var err error
	if l.cfg.TLSConfig != nil {
		err = server.ListenAndServeTLS("", "")
	} else {
		err = server.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Handler upgrades requests to WebSocket connections and hands them to acceptFn. It can be mounted on any
// HTTP server.
func (l *Listener) Handler(acceptFn listener.AcceptFn) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		l.onAccept(w, r, acceptFn)
	})
}

func (l *Listener) Shutdown(ctx context.Context) error {
	l.serverMu.Lock()
	server := l.server
	l.serverMu.Unlock()

	if server == nil {
		return nil
	}

	log.Debugf("closing WS server")
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %v", err)
	}
	return nil
}

func (l *Listener) Protocol() string {
	if l.cfg.TLSConfig != nil {
		return "wss"
	}
	return "ws"
}

func (l *Listener) onAccept(w http.ResponseWriter, r *http.Request, acceptFn listener.AcceptFn) {
	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:   []string{messages.CodecNameJSON, messages.CodecNameMsgpack},
		OriginPatterns: l.cfg.OriginPatterns,
	})
	if err != nil {
		log.Errorf("failed to accept ws connection from %s: %s", r.RemoteAddr, err)
		return
	}
	wsConn.SetReadLimit(messages.MaxMessageSize)

	codec, ok := messages.CodecByName(wsConn.Subprotocol())
	if !ok {
		codec = messages.JSONCodec
	}

	rAddr, err := net.ResolveTCPAddr("tcp", r.RemoteAddr)
	if err != nil {
		_ = wsConn.Close(websocket.StatusInternalError, "internal error")
		return
	}

	lAddr, _ := r.Context().Value(http.LocalAddrContextKey).(net.Addr)

	acceptFn(NewConn(wsConn, lAddr, rAddr, codec), codec)
}
