package messages

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

const (
	CodecNameJSON    = "rope.json"
	CodecNameMsgpack = "rope.msgpack"
)

var (
	JSONCodec    Codec = jsonCodec{}
	MsgpackCodec Codec = msgpackCodec{}
)

// Codec converts envelopes to and from their wire representation. The name doubles as the WebSocket
// subprotocol a participant negotiates.
type Codec interface {
	Name() string
	Marshal(env Envelope) ([]byte, error)
	Unmarshal(msg []byte) (Envelope, error)
}

// CodecByName returns the codec registered under the subprotocol name
func CodecByName(name string) (Codec, bool) {
	switch name {
	case CodecNameJSON:
		return JSONCodec, true
	case CodecNameMsgpack:
		return MsgpackCodec, true
	default:
		return nil, false
	}
}

// wireEnvelope is the shape shared by every codec: {kind, sender, target, payload}. A nil target is a
// broadcast.
type wireEnvelope struct {
	Kind    string  `json:"kind" msgpack:"kind"`
	Sender  string  `json:"sender" msgpack:"sender"`
	Target  *string `json:"target" msgpack:"target"`
	Payload any     `json:"payload" msgpack:"payload"`
}

type wireBuilder struct {
	w wireEnvelope
}

func toWire(env Envelope) wireEnvelope {
	b := &wireBuilder{}
	b.w.Kind = env.Kind().String()
	b.w.Sender = env.Sender()
	if t := env.Target(); t != Broadcast {
		b.w.Target = &t
	}
	env.Accept(b)
	return b.w
}

func (b *wireBuilder) VisitRegistration(e *Registration) {
	b.w.Payload = string(e.Strategy())
}

func (b *wireBuilder) VisitData(e *Data) {
	b.w.Payload = e.Payload()
}

func (b *wireBuilder) VisitRejection(*Rejection) {}

func (b *wireBuilder) VisitRosterQuery(*RosterQuery) {}

func (b *wireBuilder) VisitRosterResponse(e *RosterResponse) {
	b.w.Payload = e.IDs()
}

func fromWire(w wireEnvelope) (Envelope, error) {
	kind, err := ParseKind(w.Kind)
	if err != nil {
		return nil, err
	}

	target := Broadcast
	if w.Target != nil {
		target = *w.Target
	}

	switch kind {
	case KindRegistration:
		strategy, _ := w.Payload.(string)
		return NewRegistration(w.Sender, Strategy(strategy)), nil
	case KindData:
		return NewData(w.Sender, target, w.Payload), nil
	case KindRejection:
		return NewRejection(w.Sender), nil
	case KindRosterQuery:
		return NewRosterQuery(w.Sender), nil
	case KindRosterResponse:
		ids, err := toStrings(w.Payload)
		if err != nil {
			return nil, fmt.Errorf("roster response payload: %w", err)
		}
		return NewRosterResponse(w.Sender, ids), nil
	default:
		return nil, fmt.Errorf("%d: %w", kind, ErrUnknownKind)
	}
}

func toStrings(payload any) ([]string, error) {
	switch v := payload.(type) {
	case nil:
		return nil, nil
	case []string:
		return v, nil
	case []any:
		ids := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("unexpected element type %T", item)
			}
			ids = append(ids, s)
		}
		return ids, nil
	default:
		return nil, fmt.Errorf("unexpected type %T", payload)
	}
}

func validateLength(msg []byte) error {
	if len(msg) == 0 || len(msg) > MaxMessageSize {
		return fmt.Errorf("%d bytes: %w", len(msg), ErrInvalidMessageLength)
	}
	return nil
}

type jsonCodec struct{}

func (jsonCodec) Name() string {
	return CodecNameJSON
}

func (jsonCodec) Marshal(env Envelope) ([]byte, error) {
	return json.Marshal(toWire(env))
}

func (jsonCodec) Unmarshal(msg []byte) (Envelope, error) {
	if err := validateLength(msg); err != nil {
		return nil, err
	}

	var w wireEnvelope
	dec := json.NewDecoder(bytes.NewReader(msg))
	dec.UseNumber()
	if err := dec.Decode(&w); err != nil {
		return nil, fmt.Errorf("decode json envelope: %w", err)
	}
	w.Payload = normalizeNumbers(w.Payload)
	return fromWire(w)
}

// normalizeNumbers turns json.Number into int64 or float64 so a payload re-encodes the same way through
// either codec
func normalizeNumbers(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		f, _ := t.Float64()
		return f
	case map[string]any:
		for k, item := range t {
			t[k] = normalizeNumbers(item)
		}
		return t
	case []any:
		for i, item := range t {
			t[i] = normalizeNumbers(item)
		}
		return t
	default:
		return v
	}
}

type msgpackCodec struct{}

func (msgpackCodec) Name() string {
	return CodecNameMsgpack
}

func (msgpackCodec) Marshal(env Envelope) ([]byte, error) {
	return msgpack.Marshal(toWire(env))
}

func (msgpackCodec) Unmarshal(msg []byte) (Envelope, error) {
	if err := validateLength(msg); err != nil {
		return nil, err
	}

	var w wireEnvelope
	if err := msgpack.Unmarshal(msg, &w); err != nil {
		return nil, fmt.Errorf("decode msgpack envelope: %w", err)
	}
	return fromWire(w)
}
