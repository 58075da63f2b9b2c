package healthcheck

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/quic-go/quic-go"

	quiclistener "github.com/netbirdio/rope/relay/server/listener/quic"
)

func dialQUIC(ctx context.Context, address string) error {
	tlsConfig := &tls.Config{
		// the listener may run on a generated certificate, only reachability is checked
		InsecureSkipVerify: true,
		NextProtos:         []string{quiclistener.ALPN},
	}

	conn, err := quic.DialAddr(ctx, address, tlsConfig, &quic.Config{
		MaxIdleTimeout: 10 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to QUIC server: %w", err)
	}

	_ = conn.CloseWithError(0, "availability check complete")
	return nil
}
