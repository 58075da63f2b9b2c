package messages

import (
	"errors"
	"fmt"
)

const (
	// MaxMessageSize is the largest encoded envelope the relay reads from a participant
	MaxMessageSize = 64 * 1024

	// Broadcast is the target of an envelope addressed to every registered participant except the sender
	Broadcast = ""

	KindUnknown        Kind = 0
	KindRegistration   Kind = 1
	KindData           Kind = 2
	KindRejection      Kind = 3
	KindRosterQuery    Kind = 4
	KindRosterResponse Kind = 5

	StrategyRespect Strategy = "respect"
	StrategyPlunder Strategy = "plunder"
)

var (
	ErrInvalidMessageLength = errors.New("invalid message length")
	ErrUnknownKind          = errors.New("unknown envelope kind")
	ErrEmptyID              = errors.New("identifier must not be empty")
)

type Kind byte

func (k Kind) String() string {
	switch k {
	case KindRegistration:
		return "registration"
	case KindData:
		return "data"
	case KindRejection:
		return "rejection"
	case KindRosterQuery:
		return "roster-query"
	case KindRosterResponse:
		return "roster-response"
	default:
		return "unknown"
	}
}

// ParseKind maps the wire name of a kind back to its value
func ParseKind(name string) (Kind, error) {
	switch name {
	case "registration":
		return KindRegistration, nil
	case "data":
		return KindData, nil
	case "rejection":
		return KindRejection, nil
	case "roster-query":
		return KindRosterQuery, nil
	case "roster-response":
		return KindRosterResponse, nil
	default:
		return KindUnknown, fmt.Errorf("%q: %w", name, ErrUnknownKind)
	}
}

// Strategy decides which of two participants presenting the same identifier stays registered.
//
// - respect: the incumbent keeps the identifier and the newcomer is rejected
// - plunder: the newcomer takes the identifier and the incumbent is rejected
type Strategy string

func (s Strategy) Valid() bool {
	return s == StrategyRespect || s == StrategyPlunder
}

// ValidateID checks that id can be registered. The empty string is reserved for broadcast.
func ValidateID(id string) error {
	if id == "" {
		return ErrEmptyID
	}
	return nil
}
