package messages

import (
	"errors"
	"sort"
	"testing"
)

var codecs = []Codec{JSONCodec, MsgpackCodec}

func TestMarshalRegistration(t *testing.T) {
	for _, codec := range codecs {
		t.Run(codec.Name(), func(t *testing.T) {
			msg, err := codec.Marshal(NewRegistration("alice", StrategyPlunder))
			if err != nil {
				t.Fatalf("error: %v", err)
			}

			env, err := codec.Unmarshal(msg)
			if err != nil {
				t.Fatalf("error: %v", err)
			}

			reg, ok := env.(*Registration)
			if !ok {
				t.Fatalf("expected registration, got %T", env)
			}
			if reg.Sender() != "alice" {
				t.Errorf("expected alice, got %s", reg.Sender())
			}
			if reg.Strategy() != StrategyPlunder {
				t.Errorf("expected plunder, got %s", reg.Strategy())
			}
		})
	}
}

func TestUnmarshalRegistrationKeepsInvalidStrategy(t *testing.T) {
	env, err := JSONCodec.Unmarshal([]byte(`{"kind":"registration","sender":"alice","target":null,"payload":"borrow"}`))
	if err != nil {
		t.Fatalf("error: %v", err)
	}

	reg := env.(*Registration)
	if reg.Strategy().Valid() {
		t.Errorf("strategy %q should not be valid", reg.Strategy())
	}
	if reg.Strategy() != "borrow" {
		t.Errorf("expected borrow, got %s", reg.Strategy())
	}
}

func TestMarshalData(t *testing.T) {
	for _, codec := range codecs {
		t.Run(codec.Name(), func(t *testing.T) {
			msg, err := codec.Marshal(NewData("alice", "bob", "hi"))
			if err != nil {
				t.Fatalf("error: %v", err)
			}

			env, err := codec.Unmarshal(msg)
			if err != nil {
				t.Fatalf("error: %v", err)
			}

			data := env.(*Data)
			if data.Sender() != "alice" || data.Target() != "bob" {
				t.Errorf("unexpected addressing: %s -> %s", data.Sender(), data.Target())
			}
			if data.IsBroadcast() {
				t.Errorf("unicast reported as broadcast")
			}
			if data.Payload() != "hi" {
				t.Errorf("expected hi, got %v", data.Payload())
			}
		})
	}
}

func TestMarshalBroadcastUsesNullTarget(t *testing.T) {
	msg, err := JSONCodec.Marshal(NewData("alice", Broadcast, "hi"))
	if err != nil {
		t.Fatalf("error: %v", err)
	}

	expected := `{"kind":"data","sender":"alice","target":null,"payload":"hi"}`
	if string(msg) != expected {
		t.Errorf("expected %s, got %s", expected, msg)
	}

	env, err := MsgpackCodec.Unmarshal(mustMarshal(t, MsgpackCodec, NewData("alice", Broadcast, "hi")))
	if err != nil {
		t.Fatalf("error: %v", err)
	}
	if !env.(*Data).IsBroadcast() {
		t.Errorf("expected broadcast")
	}
}

func TestJSONNumbersCrossCodec(t *testing.T) {
	env, err := JSONCodec.Unmarshal([]byte(`{"kind":"data","sender":"a","target":"b","payload":{"n":42,"f":1.5}}`))
	if err != nil {
		t.Fatalf("error: %v", err)
	}

	// a browser participant talking to a msgpack participant
	decoded, err := MsgpackCodec.Unmarshal(mustMarshal(t, MsgpackCodec, env))
	if err != nil {
		t.Fatalf("error: %v", err)
	}

	payload, ok := decoded.(*Data).Payload().(map[string]any)
	if !ok {
		t.Fatalf("unexpected payload type %T", decoded.(*Data).Payload())
	}
	if n, ok := asInt64(payload["n"]); !ok || n != 42 {
		t.Errorf("expected integer 42, got %T %v", payload["n"], payload["n"])
	}
	if f, ok := payload["f"].(float64); !ok || f != 1.5 {
		t.Errorf("expected 1.5, got %T %v", payload["f"], payload["f"])
	}
}

func TestMarshalRosterResponse(t *testing.T) {
	for _, codec := range codecs {
		t.Run(codec.Name(), func(t *testing.T) {
			msg, err := codec.Marshal(NewRosterResponse("bob", []string{"alice", "bob", "carol"}))
			if err != nil {
				t.Fatalf("error: %v", err)
			}

			env, err := codec.Unmarshal(msg)
			if err != nil {
				t.Fatalf("error: %v", err)
			}

			resp := env.(*RosterResponse)
			if resp.Target() != "bob" {
				t.Errorf("expected response addressed to bob, got %q", resp.Target())
			}
			ids := resp.IDs()
			sort.Strings(ids)
			if len(ids) != 3 || ids[0] != "alice" || ids[1] != "bob" || ids[2] != "carol" {
				t.Errorf("unexpected roster: %v", ids)
			}
		})
	}
}

func TestMarshalControlEnvelopes(t *testing.T) {
	for _, codec := range codecs {
		for _, env := range []Envelope{NewRejection("alice"), NewRosterQuery("alice")} {
			decoded, err := codec.Unmarshal(mustMarshal(t, codec, env))
			if err != nil {
				t.Fatalf("%s: %v", codec.Name(), err)
			}
			if decoded.Kind() != env.Kind() || decoded.Sender() != "alice" {
				t.Errorf("%s: expected %s from alice, got %s from %s", codec.Name(), env.Kind(), decoded.Kind(), decoded.Sender())
			}
		}
	}
}

func TestUnmarshalUnknownKind(t *testing.T) {
	_, err := JSONCodec.Unmarshal([]byte(`{"kind":"duplicate","sender":"a","target":null}`))
	if !errors.Is(err, ErrUnknownKind) {
		t.Errorf("expected ErrUnknownKind, got %v", err)
	}
}

func TestUnmarshalInvalidLength(t *testing.T) {
	for _, codec := range codecs {
		if _, err := codec.Unmarshal(nil); !errors.Is(err, ErrInvalidMessageLength) {
			t.Errorf("%s: expected ErrInvalidMessageLength, got %v", codec.Name(), err)
		}
		if _, err := codec.Unmarshal(make([]byte, MaxMessageSize+1)); !errors.Is(err, ErrInvalidMessageLength) {
			t.Errorf("%s: expected ErrInvalidMessageLength, got %v", codec.Name(), err)
		}
	}
}

func TestRosterResponseIsImmutable(t *testing.T) {
	ids := []string{"alice"}
	resp := NewRosterResponse("alice", ids)
	ids[0] = "mallory"

	resp.IDs()[0] = "eve"
	if resp.IDs()[0] != "alice" {
		t.Errorf("roster response was mutated: %v", resp.IDs())
	}
}

func TestParseKind(t *testing.T) {
	for _, k := range []Kind{KindRegistration, KindData, KindRejection, KindRosterQuery, KindRosterResponse} {
		parsed, err := ParseKind(k.String())
		if err != nil {
			t.Fatalf("error: %v", err)
		}
		if parsed != k {
			t.Errorf("expected %s, got %s", k, parsed)
		}
	}
}

func TestCodecByName(t *testing.T) {
	if c, ok := CodecByName(CodecNameMsgpack); !ok || c != MsgpackCodec {
		t.Errorf("expected msgpack codec")
	}
	if _, ok := CodecByName("rope.xml"); ok {
		t.Errorf("unexpected codec for rope.xml")
	}
}

func mustMarshal(t *testing.T, codec Codec, env Envelope) []byte {
	t.Helper()
	msg, err := codec.Marshal(env)
	if err != nil {
		t.Fatalf("error: %v", err)
	}
	return msg
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		return int64(n), true
	default:
		return 0, false
	}
}
