package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"github.com/netbirdio/rope/relay/messages"
	"github.com/netbirdio/rope/relay/metrics"
)

func newTestPeer(t *testing.T, cfg peerConfig) (*Peer, net.Conn) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	m, err := metrics.NewMetrics(ctx, otel.Meter(""))
	require.NoError(t, err)

	serverConn, clientConn := net.Pipe()
	p := NewPeer(m, serverConn, messages.JSONCodec, cfg)
	t.Cleanup(func() {
		p.Close()
		_ = clientConn.Close()
	})
	return p, clientConn
}

func TestPeer_SendWritesEnvelope(t *testing.T) {
	p, clientConn := newTestPeer(t, peerConfig{})

	require.NoError(t, p.Send(messages.NewData("alice", "bob", "hi")))

	buf := make([]byte, messages.MaxMessageSize)
	_ = clientConn.SetReadDeadline(time.Now().Add(5 * time.Second))
	n, err := clientConn.Read(buf)
	require.NoError(t, err)

	env, err := messages.JSONCodec.Unmarshal(buf[:n])
	require.NoError(t, err)
	assert.Equal(t, "hi", env.(*messages.Data).Payload())
}

func TestPeer_WorkSubmitsEnvelopes(t *testing.T) {
	p, clientConn := newTestPeer(t, peerConfig{})

	received := make(chan messages.Envelope, 4)
	workDone := make(chan struct{})
	go func() {
		p.Work(func(h Handle, env messages.Envelope) {
			assert.Same(t, p, h)
			received <- env
		})
		close(workDone)
	}()

	_, err := clientConn.Write([]byte(`{"kind":"registration","sender":"alice","target":null,"payload":"respect"}`))
	require.NoError(t, err)
	_, err = clientConn.Write([]byte(`not json`))
	require.NoError(t, err)
	_, err = clientConn.Write([]byte(`{"kind":"duplicate","sender":"alice","target":null}`))
	require.NoError(t, err)
	_, err = clientConn.Write([]byte(`{"kind":"data","sender":"alice","target":null,"payload":1}`))
	require.NoError(t, err)

	select {
	case env := <-received:
		assert.Equal(t, messages.KindRegistration, env.Kind())
	case <-time.After(5 * time.Second):
		t.Fatal("registration was not submitted")
	}

	select {
	case env := <-received:
		assert.Equal(t, messages.KindData, env.Kind(), "malformed envelopes are skipped")
	case <-time.After(5 * time.Second):
		t.Fatal("data was not submitted")
	}

	_ = clientConn.Close()
	select {
	case <-workDone:
	case <-time.After(5 * time.Second):
		t.Fatal("work did not return after the connection closed")
	}

	assert.ErrorIs(t, p.Send(messages.NewRejection("alice")), ErrPeerClosed)
}

func TestPeer_RateLimit(t *testing.T) {
	p, clientConn := newTestPeer(t, peerConfig{rateLimit: 0.001, rateBurst: 1})

	received := make(chan messages.Envelope, 4)
	go p.Work(func(h Handle, env messages.Envelope) {
		received <- env
	})

	msg := []byte(`{"kind":"data","sender":"alice","target":null,"payload":1}`)
	for i := 0; i < 3; i++ {
		_, err := clientConn.Write(msg)
		require.NoError(t, err)
	}
	_ = clientConn.Close()

	require.Eventually(t, func() bool {
		return p.isClosed()
	}, 5*time.Second, 10*time.Millisecond)
	assert.Len(t, received, 1)
}

func TestPeer_SendDoesNotBlock(t *testing.T) {
	p, _ := newTestPeer(t, peerConfig{queueSize: 1})

	// nobody reads the pipe, so the writer stalls on the first envelope
	var full bool
	for i := 0; i < 5; i++ {
		err := p.Send(messages.NewData("alice", "bob", i))
		if err != nil {
			assert.ErrorIs(t, err, ErrQueueFull)
			full = true
			break
		}
	}
	assert.True(t, full, "expected the send queue to fill up")
}

func TestPeer_CloseRejectsSend(t *testing.T) {
	p, _ := newTestPeer(t, peerConfig{})

	p.Close()
	p.Close()

	assert.ErrorIs(t, p.Send(messages.NewRejection("alice")), ErrPeerClosed)
}

func TestPeer_CloseGracefullyFlushesQueue(t *testing.T) {
	p, clientConn := newTestPeer(t, peerConfig{})

	require.NoError(t, p.Send(messages.NewRejection("alice")))

	read := make(chan error, 1)
	go func() {
		buf := make([]byte, messages.MaxMessageSize)
		_, err := clientConn.Read(buf)
		read <- err
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p.CloseGracefully(ctx)

	select {
	case err := <-read:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("queued envelope was not written")
	}
}
