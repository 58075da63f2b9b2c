package server

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netbirdio/rope/relay/messages"
)

func TestResolveCollision(t *testing.T) {
	tests := []struct {
		name     string
		exists   bool
		strategy messages.Strategy
		expected resolution
	}{
		{name: "free id respect", exists: false, strategy: messages.StrategyRespect, expected: resolutionCreate},
		{name: "free id plunder", exists: false, strategy: messages.StrategyPlunder, expected: resolutionCreate},
		{name: "taken id respect", exists: true, strategy: messages.StrategyRespect, expected: resolutionKeepIncumbent},
		{name: "taken id plunder", exists: true, strategy: messages.StrategyPlunder, expected: resolutionReplaceIncumbent},
		{name: "taken id unknown strategy", exists: true, strategy: "borrow", expected: resolutionInvalid},
		{name: "free id unknown strategy", exists: false, strategy: "", expected: resolutionInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, resolveCollision(tt.exists, tt.strategy))
		})
	}
}

func TestRegistry_Register(t *testing.T) {
	r := NewRegistry()
	alice, bob := newRecordingHandle(), newRecordingHandle()

	outcome, loser := r.Register("alice", alice, messages.StrategyRespect)
	assert.Equal(t, OutcomeAccepted, outcome)
	assert.Nil(t, loser)

	outcome, loser = r.Register("bob", bob, messages.StrategyPlunder)
	assert.Equal(t, OutcomeAccepted, outcome)
	assert.Nil(t, loser)

	ids := r.IDs()
	sort.Strings(ids)
	assert.Equal(t, []string{"alice", "bob"}, ids)

	h, ok := r.Lookup("alice")
	require.True(t, ok)
	assert.Same(t, alice, h)
}

func TestRegistry_RespectKeepsIncumbent(t *testing.T) {
	r := NewRegistry()
	first, second := newRecordingHandle(), newRecordingHandle()

	r.Register("alice", first, messages.StrategyRespect)
	outcome, loser := r.Register("alice", second, messages.StrategyRespect)

	assert.Equal(t, OutcomeRejected, outcome)
	assert.Same(t, second, loser)

	h, _ := r.Lookup("alice")
	assert.Same(t, first, h)
	_, ok := r.IDOf(second)
	assert.False(t, ok)
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_PlunderReplacesIncumbent(t *testing.T) {
	r := NewRegistry()
	first, second := newRecordingHandle(), newRecordingHandle()

	r.Register("alice", first, messages.StrategyRespect)
	outcome, loser := r.Register("alice", second, messages.StrategyPlunder)

	assert.Equal(t, OutcomeAccepted, outcome)
	assert.Same(t, first, loser)

	h, _ := r.Lookup("alice")
	assert.Same(t, second, h)
	_, ok := r.IDOf(first)
	assert.False(t, ok)
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_InvalidStrategy(t *testing.T) {
	r := NewRegistry()
	first, second := newRecordingHandle(), newRecordingHandle()

	outcome, loser := r.Register("alice", first, "borrow")
	assert.Equal(t, OutcomeInvalidStrategy, outcome)
	assert.Nil(t, loser)
	assert.Equal(t, 0, r.Len())

	r.Register("alice", first, messages.StrategyRespect)
	outcome, loser = r.Register("alice", second, "borrow")
	assert.Equal(t, OutcomeInvalidStrategy, outcome)
	assert.Nil(t, loser)

	h, _ := r.Lookup("alice")
	assert.Same(t, first, h)
}

func TestRegistry_OneRecordPerHandle(t *testing.T) {
	r := NewRegistry()
	h := newRecordingHandle()

	r.Register("alice", h, messages.StrategyRespect)

	outcome, loser := r.Register("alice", h, messages.StrategyPlunder)
	assert.Equal(t, OutcomeAccepted, outcome)
	assert.Nil(t, loser)

	outcome, loser = r.Register("bob", h, messages.StrategyPlunder)
	assert.Equal(t, OutcomeRejected, outcome)
	assert.Nil(t, loser)

	_, ok := r.Lookup("bob")
	assert.False(t, ok)
	id, _ := r.IDOf(h)
	assert.Equal(t, "alice", id)
}

func TestRegistry_DeregisterKeepsSuccessor(t *testing.T) {
	r := NewRegistry()
	first, second := newRecordingHandle(), newRecordingHandle()

	r.Register("alice", first, messages.StrategyRespect)
	r.Register("alice", second, messages.StrategyPlunder)

	_, ok := r.Deregister(first)
	assert.False(t, ok, "plundered handle should not own a record")

	h, ok := r.Lookup("alice")
	require.True(t, ok)
	assert.Same(t, second, h)

	id, ok := r.Deregister(second)
	assert.True(t, ok)
	assert.Equal(t, "alice", id)
	assert.Equal(t, 0, r.Len())

	outcome, _ := r.Register("alice", first, messages.StrategyRespect)
	assert.Equal(t, OutcomeAccepted, outcome)
}

func TestRegistry_Range(t *testing.T) {
	r := NewRegistry()
	for _, id := range []string{"alice", "bob", "carol"} {
		r.Register(id, newRecordingHandle(), messages.StrategyRespect)
	}

	visited := 0
	r.Range(func(id string, h Handle) bool {
		visited++
		return visited < 2
	})
	assert.Equal(t, 2, visited)
}
