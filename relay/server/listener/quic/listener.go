package quic

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	log "github.com/sirupsen/logrus"

	"github.com/netbirdio/rope/relay/messages"
	"github.com/netbirdio/rope/relay/server/listener"
)

const (
	// ALPN is the application protocol negotiated by participants connecting over QUIC
	ALPN = "rope"

	streamAcceptTimeout = 10 * time.Second
)

type Listener struct {
	address   string
	tlsConfig *tls.Config

	listener *quic.Listener
	ready    chan struct{}
	mu       sync.Mutex
	wg       sync.WaitGroup
}

// NewListener creates a QUIC listener. Without tlsConfig a self-signed certificate is generated.
func NewListener(address string, tlsConfig *tls.Config) *Listener {
	return &Listener{
		address:   address,
		tlsConfig: tlsConfig,
		ready:     make(chan struct{}),
	}
}

func (l *Listener) Listen(acceptFn listener.AcceptFn) error {
	tlsConfig, err := l.serverTLSConfig()
	if err != nil {
		return err
	}

	ql, err := quic.ListenAddr(l.address, tlsConfig, &quic.Config{
		KeepAlivePeriod: 15 * time.Second,
		MaxIdleTimeout:  60 * time.Second,
	})
	if err != nil {
		return err
	}

	l.mu.Lock()
	l.listener = ql
	l.mu.Unlock()
	close(l.ready)

	log.Infof("QUIC server is listening on address: %s", ql.Addr())
	l.acceptLoop(acceptFn)
	l.wg.Wait()
	return nil
}

// Addr waits until the listener is bound and returns its address
func (l *Listener) Addr(ctx context.Context) (net.Addr, error) {
	select {
	case <-l.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.listener.Addr(), nil
}

func (l *Listener) Shutdown(ctx context.Context) error {
	l.mu.Lock()
	ql := l.listener
	l.mu.Unlock()

	if ql == nil {
		return nil
	}

	log.Debugf("closing QUIC server")
	if err := ql.Close(); err != nil {
		return fmt.Errorf("listener close failed: %v", err)
	}
	return nil
}

func (l *Listener) Protocol() string {
	return "quic"
}

func (l *Listener) acceptLoop(acceptFn listener.AcceptFn) {
	for {
		qConn, err := l.listener.Accept(context.Background())
		if err != nil {
			if errors.Is(err, quic.ErrServerClosed) {
				return
			}
			log.Errorf("failed to accept QUIC connection: %s", err)
			return
		}

		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.handleConn(qConn, acceptFn)
		}()
	}
}

func (l *Listener) handleConn(qConn *quic.Conn, acceptFn listener.AcceptFn) {
	ctx, cancel := context.WithTimeout(context.Background(), streamAcceptTimeout)
	defer cancel()

	stream, err := qConn.AcceptStream(ctx)
	if err != nil {
		log.Debugf("failed to accept stream from %s: %s", qConn.RemoteAddr(), err)
		_ = qConn.CloseWithError(0, "no stream")
		return
	}

	acceptFn(NewConn(qConn, stream), messages.MsgpackCodec)
}

func (l *Listener) serverTLSConfig() (*tls.Config, error) {
	if l.tlsConfig != nil {
		cfg := l.tlsConfig.Clone()
		cfg.NextProtos = []string{ALPN}
		return cfg, nil
	}
	return generateTLSConfig()
}

// generateTLSConfig creates a bare-bones self-signed TLS config
func generateTLSConfig() (*tls.Config, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
	}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{certDER}, PrivateKey: key}},
		NextProtos:   []string{ALPN},
	}, nil
}
