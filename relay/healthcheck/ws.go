package healthcheck

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"

	"github.com/coder/websocket"

	"github.com/netbirdio/rope/relay/server/listener/ws"
)

func dialWS(ctx context.Context, address string) error {
	wsURL := fmt.Sprintf("ws://%s%s", address, ws.URLPath)
	conn, resp, err := websocket.Dial(ctx, wsURL, nil)
	if resp != nil && resp.Body != nil {
		defer func() {
			_ = resp.Body.Close()
		}()
	}
	if err == nil {
		_ = conn.Close(websocket.StatusNormalClosure, "availability check complete")
		return nil
	}

	// the listener may serve TLS only
	wssURL := fmt.Sprintf("wss://%s%s", address, ws.URLPath)
	conn, resp, tlsErr := websocket.Dial(ctx, wssURL, &websocket.DialOptions{
		HTTPClient: &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
		},
	})
	if resp != nil && resp.Body != nil {
		defer func() {
			_ = resp.Body.Close()
		}()
	}
	if tlsErr != nil {
		return fmt.Errorf("failed to connect to websocket: %w", err)
	}

	_ = conn.Close(websocket.StatusNormalClosure, "availability check complete")
	return nil
}
