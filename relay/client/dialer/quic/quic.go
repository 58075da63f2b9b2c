package quic

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/quic-go/quic-go"
	log "github.com/sirupsen/logrus"

	quiclistener "github.com/netbirdio/rope/relay/server/listener/quic"
)

// Dial opens a QUIC connection with a single bidirectional stream to the relay at address
func Dial(ctx context.Context, address string, tlsConfig *tls.Config) (net.Conn, error) {
	var tlsConf *tls.Config
	if tlsConfig != nil {
		tlsConf = tlsConfig.Clone()
	} else {
		tlsConf = &tls.Config{}
	}
	tlsConf.NextProtos = []string{quiclistener.ALPN}

	qConn, err := quic.DialAddr(ctx, address, tlsConf, &quic.Config{
		KeepAlivePeriod: 15 * time.Second,
		MaxIdleTimeout:  60 * time.Second,
	})
	if err != nil {
		log.Errorf("dial quic address %s failed: %s", address, err)
		return nil, err
	}

	stream, err := qConn.OpenStreamSync(ctx)
	if err != nil {
		_ = qConn.CloseWithError(0, "failed to open stream")
		return nil, fmt.Errorf("open stream: %w", err)
	}

	return quiclistener.NewConn(qConn, stream), nil
}
