package ws

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"

	"github.com/coder/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/netbirdio/rope/relay/messages"
	wslistener "github.com/netbirdio/rope/relay/server/listener/ws"
)

// Dial opens a WebSocket connection to the relay and negotiates codec as the subprotocol
func Dial(ctx context.Context, serverURL *url.URL, codec messages.Codec, tlsConfig *tls.Config) (net.Conn, error) {
	u := *serverURL
	if u.Path == "" || u.Path == "/" {
		u.Path = wslistener.URLPath
	}

	opts := &websocket.DialOptions{
		Subprotocols: []string{codec.Name()},
	}
	if tlsConfig != nil {
		opts.HTTPClient = &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: tlsConfig,
			},
		}
	}

	wsConn, resp, err := websocket.Dial(ctx, u.String(), opts)
	if resp != nil && resp.Body != nil {
		defer func() {
			_ = resp.Body.Close()
		}()
	}
	if err != nil {
		log.Errorf("failed to dial to Relay server '%s': %s", u.String(), err)
		return nil, err
	}

	if wsConn.Subprotocol() != codec.Name() {
		_ = wsConn.Close(websocket.StatusPolicyViolation, "unsupported codec")
		return nil, fmt.Errorf("relay did not accept codec %s", codec.Name())
	}
	wsConn.SetReadLimit(messages.MaxMessageSize)

	return NewConn(wsConn, serverURL.Host, codec), nil
}
