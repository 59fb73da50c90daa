package expectation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hashcloak/mixnode/internal/types"
)

func randTxHash(b byte) types.TxHash {
	var h types.TxHash
	h[0] = b
	return h
}

func TestExpectationResolves(t *testing.T) {
	tr := New()
	tx := randTxHash(0x01)

	ch, err := tr.Register(tx, func(e interface{}) bool { return e == "NodeSafeRegistered" })
	require.NoError(t, err)

	ev := types.SignificantChainEvent{TxHash: tx, EventType: "NodeSafeRegistered"}
	ok := tr.MatchAndResolve(ev)
	assert.True(t, ok)

	select {
	case got := <-ch:
		assert.Equal(t, ev, got)
	case <-time.After(time.Second):
		t.Fatal("expectation did not resolve")
	}
	assert.Equal(t, 0, tr.Len())
}

func TestExpectationFiltersNonMatchingEvents(t *testing.T) {
	tr := New()
	tx := randTxHash(0x02)

	ch, err := tr.Register(tx, func(e interface{}) bool { return e == "Allowed" })
	require.NoError(t, err)

	assert.False(t, tr.MatchAndResolve(types.SignificantChainEvent{TxHash: tx, EventType: "Denied"}))
	assert.True(t, tr.MatchAndResolve(types.SignificantChainEvent{TxHash: tx, EventType: "Allowed"}))

	select {
	case got := <-ch:
		assert.Equal(t, "Allowed", got.EventType)
	case <-time.After(time.Second):
		t.Fatal("expectation did not resolve")
	}
}

func TestDuplicateRegistrationRejected(t *testing.T) {
	tr := New()
	tx := randTxHash(0x03)

	_, err := tr.Register(tx, func(interface{}) bool { return true })
	require.NoError(t, err)

	_, err = tr.Register(tx, func(interface{}) bool { return true })
	assert.Error(t, err)
}

func TestUnregisterClosesChannel(t *testing.T) {
	tr := New()
	tx := randTxHash(0x04)

	ch, err := tr.Register(tx, func(interface{}) bool { return true })
	require.NoError(t, err)

	tr.Unregister(tx)

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel was not closed")
	}

	// An event arriving after unregistration has nothing to match.
	assert.False(t, tr.MatchAndResolve(types.SignificantChainEvent{TxHash: tx, EventType: "anything"}))
}

func TestEventWithNoSubscriberIsDiscardedSilently(t *testing.T) {
	tr := New()
	tx := randTxHash(0x05)
	assert.False(t, tr.MatchAndResolve(types.SignificantChainEvent{TxHash: tx, EventType: "orphaned"}))
}
