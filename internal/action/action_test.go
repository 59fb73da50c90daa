package action

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hashcloak/mixnode/internal/errs"
	"github.com/hashcloak/mixnode/internal/expectation"
	"github.com/hashcloak/mixnode/internal/types"
)

type fakeSubmitter struct {
	txHash types.TxHash
	err    error
}

func (f *fakeSubmitter) Submit(context.Context, types.ChainAddress, Kind, []byte) (types.TxHash, error) {
	return f.txHash, f.err
}

func TestSubmitResolvesOnMatchingEvent(t *testing.T) {
	tx := types.TxHash{0x01}
	sub := &fakeSubmitter{txHash: tx}
	tracker := expectation.New()
	r := New(sub, tracker)

	var account types.ChainAddress
	account[0] = 0xAA

	go func() {
		time.Sleep(20 * time.Millisecond)
		tracker.MatchAndResolve(types.SignificantChainEvent{TxHash: tx, EventType: "TicketRedeemed"})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	event, err := r.Submit(ctx, account, KindRedeemTicket, nil, func(e interface{}) bool { return e == "TicketRedeemed" })
	require.NoError(t, err)
	assert.Equal(t, tx, event.TxHash)
}

func TestSubmitTimesOutAndUnregisters(t *testing.T) {
	tx := types.TxHash{0x02}
	sub := &fakeSubmitter{txHash: tx}
	tracker := expectation.New()
	r := New(sub, tracker)

	var account types.ChainAddress
	account[0] = 0xBB

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := r.Submit(ctx, account, KindOpenChannel, nil, func(interface{}) bool { return true })
	assert.ErrorIs(t, err, errs.ErrTimeout)
	assert.Equal(t, 0, tracker.Len())
}
