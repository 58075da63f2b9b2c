package dialer

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/url"

	"github.com/netbirdio/rope/relay/client/dialer/quic"
	"github.com/netbirdio/rope/relay/client/dialer/ws"
	"github.com/netbirdio/rope/relay/messages"
)

var ErrInvalidURL = errors.New("invalid relay url")

const (
	SchemeWS   = "ws"
	SchemeWSS  = "wss"
	SchemeQUIC = "quic"
)

// Dial connects to the relay behind serverURL. The scheme selects the transport: ws and wss use WebSocket with
// the given codec, quic always speaks msgpack. The returned codec is the one the connection carries.
func Dial(ctx context.Context, serverURL string, codec messages.Codec, tlsConfig *tls.Config) (net.Conn, messages.Codec, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, nil, fmt.Errorf("%w %s: %v", ErrInvalidURL, serverURL, err)
	}

	switch u.Scheme {
	case SchemeWS, SchemeWSS:
		conn, err := ws.Dial(ctx, u, codec, tlsConfig)
		if err != nil {
			return nil, nil, err
		}
		return conn, codec, nil
	case SchemeQUIC:
		conn, err := quic.Dial(ctx, u.Host, tlsConfig)
		if err != nil {
			return nil, nil, err
		}
		return conn, messages.MsgpackCodec, nil
	default:
		return nil, nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, u.Scheme)
	}
}
