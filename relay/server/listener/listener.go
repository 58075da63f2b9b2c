package listener

import (
	"context"
	"net"

	"github.com/netbirdio/rope/relay/messages"
)

// AcceptFn receives every new participant connection with the codec negotiated for it. A Read on conn
// returns exactly one encoded envelope and a Write sends exactly one.
type AcceptFn func(conn net.Conn, codec messages.Codec)

type Listener interface {
	// Listen blocks until the listener is shut down or fails
	Listen(acceptFn AcceptFn) error
	Shutdown(ctx context.Context) error
	Protocol() string
}
