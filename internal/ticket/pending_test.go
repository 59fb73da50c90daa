package ticket

import (
	"crypto/sha256"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hashcloak/mixnode/internal/errs"
	"github.com/hashcloak/mixnode/internal/packetcodec"
	"github.com/hashcloak/mixnode/internal/types"
)

func testUnacknowledgedTicket(challenge [20]byte, ownKey packetcodec.PorShare) types.UnacknowledgedTicket {
	return types.UnacknowledgedTicket{
		SignedTicket: types.SignedTicket{Ticket: types.Ticket{Challenge: challenge}},
		OwnKey:       ownKey,
	}
}

// testChallenge reproduces packetcodec's unexported porCommit(porCombine(own,
// ack)) so these tests can craft fixtures without exporting internals solely
// for test use.
func testChallenge(own, ack packetcodec.PorShare) [20]byte {
	var combined packetcodec.PorShare
	for i := range combined {
		combined[i] = own[i] ^ ack[i]
	}
	h := sha256.Sum256(combined[:])
	var out [20]byte
	copy(out[:], h[:20])
	return out
}

func TestPendingTablePutResolveRoundTrip(t *testing.T) {
	p := NewPendingTableWithTTL(time.Minute)
	defer p.Close()

	var own, ack packetcodec.PorShare
	own[0] = 0x01
	ack[0] = 0x02
	challenge := testChallenge(own, ack)

	p.Put(testUnacknowledgedTicket(challenge, own))
	assert.Equal(t, 1, p.Len())

	acked, err := p.Resolve(challenge, ack)
	require.NoError(t, err)
	assert.Equal(t, challenge, acked.Challenge)
	assert.Equal(t, 0, p.Len())
}

func TestPendingTableResolveUnknownChallenge(t *testing.T) {
	p := NewPendingTableWithTTL(time.Minute)
	defer p.Close()

	_, err := p.Resolve([20]byte{0x99}, packetcodec.PorShare{})
	assert.ErrorIs(t, err, errs.ErrAckNotPending)
}

func TestPendingTableResolveMismatchedShare(t *testing.T) {
	p := NewPendingTableWithTTL(time.Minute)
	defer p.Close()

	var own, ack, wrong packetcodec.PorShare
	own[0] = 0x01
	ack[0] = 0x02
	wrong[0] = 0x03
	challenge := testChallenge(own, ack)

	p.Put(testUnacknowledgedTicket(challenge, own))
	_, err := p.Resolve(challenge, wrong)
	assert.ErrorIs(t, err, errs.ErrAckMismatch)
	// A failed resolution still consumes the entry: the challenge is
	// single-use once a (wrong or right) reveal arrives for it.
	assert.Equal(t, 0, p.Len())
}

func TestPendingTableResolveConsumesEntryOnlyOnce(t *testing.T) {
	p := NewPendingTableWithTTL(time.Minute)
	defer p.Close()

	var own, ack packetcodec.PorShare
	own[0] = 0x01
	ack[0] = 0x02
	challenge := testChallenge(own, ack)

	p.Put(testUnacknowledgedTicket(challenge, own))
	_, err := p.Resolve(challenge, ack)
	require.NoError(t, err)

	_, err = p.Resolve(challenge, ack)
	assert.ErrorIs(t, err, errs.ErrAckNotPending)
}

func TestPendingTablePutReplacesExistingEntryForSameChallenge(t *testing.T) {
	p := NewPendingTableWithTTL(time.Minute)
	defer p.Close()

	var ownA, ownB, ack packetcodec.PorShare
	ownA[0] = 0x01
	ownB[0] = 0xFF
	ack[0] = 0x02
	challenge := testChallenge(ownA, ack)

	p.Put(testUnacknowledgedTicket(challenge, ownA))
	p.Put(testUnacknowledgedTicket(challenge, ownB))
	assert.Equal(t, 1, p.Len(), "a second Put for the same challenge replaces rather than duplicates")

	// Resolving must combine against the most recently filed own share.
	_, err := p.Resolve(challenge, ack)
	assert.ErrorIs(t, err, errs.ErrAckMismatch, "ownB no longer matches the challenge computed from ownA")
}

func TestPendingTableSweepExpiresStaleEntries(t *testing.T) {
	p := NewPendingTableWithTTL(5 * time.Millisecond)
	defer p.Close()

	var own, ack packetcodec.PorShare
	own[0] = 0x01
	ack[0] = 0x02
	challenge := testChallenge(own, ack)

	p.Put(testUnacknowledgedTicket(challenge, own))
	require.Equal(t, 1, p.Len())

	p.sweep(time.Now().Add(time.Hour))
	assert.Equal(t, 0, p.Len(), "sweep must remove entries whose expiry has passed")
}

func TestPendingTableCloseIsIdempotent(t *testing.T) {
	p := NewPendingTableWithTTL(time.Minute)
	assert.NotPanics(t, func() {
		p.Close()
		p.Close()
	})
}
