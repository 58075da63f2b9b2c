package client

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"
)

var (
	reconnectingInitialInterval = 800 * time.Millisecond
	reconnectingMaxInterval     = 10 * time.Second
)

// Guard restores the relay connection of a client after it dropped. It gives up when the client is closed or
// its identifier was taken over.
type Guard struct {
	ctx         context.Context
	relayClient *Client
}

func NewGuard(ctx context.Context, relayClient *Client) *Guard {
	return &Guard{
		ctx:         ctx,
		relayClient: relayClient,
	}
}

// OnDisconnected blocks until the client is connected again or reconnecting is pointless
func (g *Guard) OnDisconnected() {
	operation := func() error {
		err := g.relayClient.reconnect()
		if err != nil && !isPermanent(err) {
			log.Errorf("failed to reconnect to relay server: %s", err)
		}
		return err
	}

	if err := backoff.Retry(operation, reconnectBackoff(g.ctx)); err != nil {
		log.Debugf("stop reconnecting to relay server: %s", err)
		return
	}
	log.Infof("reconnected to relay server")
}

func reconnectBackoff(ctx context.Context) backoff.BackOff {
	return backoff.WithContext(&backoff.ExponentialBackOff{
		InitialInterval:     reconnectingInitialInterval,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         reconnectingMaxInterval,
		MaxElapsedTime:      0, // retry until the client is closed
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}, ctx)
}

func isPermanent(err error) bool {
	var permanent *backoff.PermanentError
	return errors.As(err, &permanent)
}
