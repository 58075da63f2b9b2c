package server

import (
	"github.com/netbirdio/rope/relay/messages"
)

// Outcome is the result of a registration attempt
type Outcome int

const (
	OutcomeAccepted Outcome = iota
	OutcomeRejected
	OutcomeInvalidStrategy
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAccepted:
		return "accepted"
	case OutcomeRejected:
		return "rejected"
	case OutcomeInvalidStrategy:
		return "invalid_strategy"
	default:
		return "unknown"
	}
}

type resolution int

const (
	resolutionCreate resolution = iota
	resolutionKeepIncumbent
	resolutionReplaceIncumbent
	resolutionInvalid
)

// resolveCollision decides a registration attempt only from whether the identifier is taken and the
// strategy the newcomer presented. An unrecognised strategy is refused whether or not the identifier is taken.
func resolveCollision(exists bool, strategy messages.Strategy) resolution {
	switch {
	case !strategy.Valid():
		return resolutionInvalid
	case !exists:
		return resolutionCreate
	case strategy == messages.StrategyRespect:
		return resolutionKeepIncumbent
	default:
		return resolutionReplaceIncumbent
	}
}

type record struct {
	id       string
	handle   Handle
	strategy messages.Strategy
}

// Registry maps identifiers to the handles of the participants holding them. There is at most one record per
// identifier and a handle backs at most one record.
//
// Registry is not safe for concurrent use, the Relay event loop is its only writer and reader.
type Registry struct {
	records  map[string]*record
	byHandle map[Handle]*record
}

func NewRegistry() *Registry {
	return &Registry{
		records:  make(map[string]*record),
		byHandle: make(map[Handle]*record),
	}
}

// Register applies the collision policy. The returned handle, when not nil, is the participant that lost the
// identifier and has to be notified with a rejection.
func (r *Registry) Register(id string, h Handle, strategy messages.Strategy) (Outcome, Handle) {
	if current, ok := r.byHandle[h]; ok {
		if current.id == id {
			return OutcomeAccepted, nil
		}
		// one record per handle, the participant keeps the identifier it already holds
		return OutcomeRejected, nil
	}

	incumbent, exists := r.records[id]
	switch resolveCollision(exists, strategy) {
	case resolutionCreate:
		r.store(&record{id: id, handle: h, strategy: strategy})
		return OutcomeAccepted, nil
	case resolutionKeepIncumbent:
		return OutcomeRejected, h
	case resolutionReplaceIncumbent:
		delete(r.byHandle, incumbent.handle)
		r.store(&record{id: id, handle: h, strategy: strategy})
		return OutcomeAccepted, incumbent.handle
	default:
		return OutcomeInvalidStrategy, nil
	}
}

// Deregister removes the record backed by h. A handle that already lost its identifier to a newer
// registration leaves the newer record untouched.
func (r *Registry) Deregister(h Handle) (string, bool) {
	rec, ok := r.byHandle[h]
	if !ok {
		return "", false
	}

	delete(r.byHandle, h)
	if current, ok := r.records[rec.id]; ok && current.handle == h {
		delete(r.records, rec.id)
	}
	return rec.id, true
}

// Lookup returns the handle registered under id
func (r *Registry) Lookup(id string) (Handle, bool) {
	rec, ok := r.records[id]
	if !ok {
		return nil, false
	}
	return rec.handle, true
}

// IDOf returns the identifier h is registered under
func (r *Registry) IDOf(h Handle) (string, bool) {
	rec, ok := r.byHandle[h]
	if !ok {
		return "", false
	}
	return rec.id, true
}

// IDs returns every registered identifier in no particular order
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.records))
	for id := range r.records {
		ids = append(ids, id)
	}
	return ids
}

// Range calls fn for every record until fn returns false. fn must not register or deregister.
func (r *Registry) Range(fn func(id string, h Handle) bool) {
	for id, rec := range r.records {
		if !fn(id, rec.handle) {
			return
		}
	}
}

func (r *Registry) Len() int {
	return len(r.records)
}

func (r *Registry) store(rec *record) {
	r.records[rec.id] = rec
	r.byHandle[rec.handle] = rec
}
