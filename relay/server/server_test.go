package server

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netbirdio/rope/relay/messages"
	"github.com/netbirdio/rope/relay/server/listener/ws"
)

type testParticipant struct {
	t     *testing.T
	conn  *websocket.Conn
	codec messages.Codec
}

func dialParticipant(t *testing.T, srvURL string, codec messages.Codec) *testParticipant {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(srvURL, "http") + ws.URLPath
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{codec.Name()},
	})
	require.NoError(t, err)
	require.Equal(t, codec.Name(), conn.Subprotocol())
	t.Cleanup(func() {
		_ = conn.Close(websocket.StatusNormalClosure, "")
	})
	return &testParticipant{t: t, conn: conn, codec: codec}
}

func (p *testParticipant) send(env messages.Envelope) {
	p.t.Helper()
	msg, err := p.codec.Marshal(env)
	require.NoError(p.t, err)

	msgType := websocket.MessageBinary
	if p.codec == messages.JSONCodec {
		msgType = websocket.MessageText
	}
	require.NoError(p.t, p.conn.Write(context.Background(), msgType, msg))
}

func (p *testParticipant) receive() messages.Envelope {
	p.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, msg, err := p.conn.Read(ctx)
	require.NoError(p.t, err)
	env, err := p.codec.Unmarshal(msg)
	require.NoError(p.t, err)
	return env
}

func (p *testParticipant) register(r *Relay, id string, strategy messages.Strategy) {
	p.t.Helper()
	p.send(messages.NewRegistration(id, strategy))
	require.Eventually(p.t, func() bool {
		ids, err := r.Roster(id)
		if err != nil {
			return false
		}
		for _, registered := range ids {
			if registered == id {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)
}

func newTestServer(t *testing.T) (*Relay, *httptest.Server) {
	t.Helper()
	r := newTestRelay(t, Config{})
	srv := httptest.NewServer(ws.NewListener(ws.Config{}).Handler(r.Accept))
	t.Cleanup(srv.Close)
	return r, srv
}

func TestServer_RoutesAcrossCodecs(t *testing.T) {
	r, srv := newTestServer(t)

	alice := dialParticipant(t, srv.URL, messages.JSONCodec)
	bob := dialParticipant(t, srv.URL, messages.MsgpackCodec)
	alice.register(r, "alice", messages.StrategyRespect)
	bob.register(r, "bob", messages.StrategyRespect)

	alice.send(messages.NewData("alice", "bob", map[string]any{"n": 42}))

	env := bob.receive()
	data, ok := env.(*messages.Data)
	require.True(t, ok, "expected data, got %s", env.Kind())
	assert.Equal(t, "alice", data.Sender())
	assert.Equal(t, "bob", data.Target())

	bob.send(messages.NewData("bob", messages.Broadcast, "hello"))
	env = alice.receive()
	require.Equal(t, messages.KindData, env.Kind())
	assert.True(t, env.(*messages.Data).IsBroadcast())
}

func TestServer_PlunderOverWebSocket(t *testing.T) {
	r, srv := newTestServer(t)

	first := dialParticipant(t, srv.URL, messages.JSONCodec)
	first.register(r, "alice", messages.StrategyRespect)

	second := dialParticipant(t, srv.URL, messages.JSONCodec)
	second.send(messages.NewRegistration("alice", messages.StrategyPlunder))

	env := first.receive()
	require.Equal(t, messages.KindRejection, env.Kind())
	assert.Equal(t, "alice", env.Sender())

	bob := dialParticipant(t, srv.URL, messages.JSONCodec)
	bob.register(r, "bob", messages.StrategyRespect)
	bob.send(messages.NewData("bob", "alice", "hi"))

	env = second.receive()
	require.Equal(t, messages.KindData, env.Kind())
	assert.Equal(t, "hi", env.(*messages.Data).Payload())
}

func TestServer_DisconnectReleasesID(t *testing.T) {
	r, srv := newTestServer(t)

	first := dialParticipant(t, srv.URL, messages.JSONCodec)
	first.register(r, "alice", messages.StrategyRespect)
	require.NoError(t, first.conn.Close(websocket.StatusNormalClosure, ""))

	require.Eventually(t, func() bool {
		ids, err := r.Roster("observer")
		return err == nil && len(ids) == 0
	}, 5*time.Second, 10*time.Millisecond)

	second := dialParticipant(t, srv.URL, messages.JSONCodec)
	second.register(r, "alice", messages.StrategyRespect)
}

func TestServer_RosterQuery(t *testing.T) {
	r, srv := newTestServer(t)

	alice := dialParticipant(t, srv.URL, messages.MsgpackCodec)
	alice.register(r, "alice", messages.StrategyRespect)
	bob := dialParticipant(t, srv.URL, messages.JSONCodec)
	bob.register(r, "bob", messages.StrategyRespect)

	alice.send(messages.NewRosterQuery("alice"))
	env := alice.receive()
	require.Equal(t, messages.KindRosterResponse, env.Kind())
	assert.ElementsMatch(t, []string{"alice", "bob"}, env.(*messages.RosterResponse).IDs())
}
