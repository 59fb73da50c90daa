// Package action implements C11, serializing on-chain action submission
// per account and matching each submitted transaction's confirmation
// through C8 (spec §4.10).
//
// Grounded on original_source/chain/actions/src/action_state.rs's
// IndexerActionTracker usage pattern (register an expectation keyed on the
// transaction hash before/at submission time, await its resolution, treat
// a dropped/timed-out waiter as Timeout) and on the sharded per-key lock
// pattern spec §5 specifies for serialized-per-key work (here: per
// account rather than per channel/pseudonym).
package action

import (
	"context"
	"sync"

	"github.com/hashcloak/mixnode/internal/errs"
	"github.com/hashcloak/mixnode/internal/expectation"
	"github.com/hashcloak/mixnode/internal/types"
)

// Kind names the on-chain action being submitted (spec §4.10: "redeem
// ticket, open/close channel, announce").
type Kind uint8

const (
	KindRedeemTicket Kind = iota
	KindOpenChannel
	KindCloseChannel
	KindAnnounce
)

// Submitter submits one on-chain action and returns the hash of the
// transaction that carries it. It is the runner's only chain-write
// collaborator; RPC/signing details are out of scope (spec §1).
type Submitter interface {
	Submit(ctx context.Context, account types.ChainAddress, kind Kind, payload []byte) (types.TxHash, error)
}

// Runner implements C11.
type Runner struct {
	submitter Submitter
	tracker   *expectation.Tracker

	mapMu sync.Mutex
	locks map[types.ChainAddress]*sync.Mutex
}

// New constructs a Runner over a Submitter and the shared C8 tracker.
func New(submitter Submitter, tracker *expectation.Tracker) *Runner {
	return &Runner{
		submitter: submitter,
		tracker:   tracker,
		locks:     make(map[types.ChainAddress]*sync.Mutex),
	}
}

func (r *Runner) lockFor(account types.ChainAddress) *sync.Mutex {
	r.mapMu.Lock()
	defer r.mapMu.Unlock()
	l, ok := r.locks[account]
	if !ok {
		l = &sync.Mutex{}
		r.locks[account] = l
	}
	return l
}

// Submit serializes one action per account: it acquires that account's
// lock for the duration of submission plus confirmation wait, registers
// an expectation for the resulting tx hash before releasing control to the
// caller's deadline, and returns the confirming event.
//
// If ctx is cancelled or its deadline elapses before a matching event
// arrives, the expectation is unregistered and errs.ErrTimeout is
// returned; the on-chain state may still settle later and is reconciled
// by subsequent indexing (spec §4.10), not by this call.
func (r *Runner) Submit(ctx context.Context, account types.ChainAddress, kind Kind, payload []byte, matches expectation.Predicate) (types.SignificantChainEvent, error) {
	lock := r.lockFor(account)
	lock.Lock()
	defer lock.Unlock()

	txHash, err := r.submitter.Submit(ctx, account, kind, payload)
	if err != nil {
		return types.SignificantChainEvent{}, err
	}

	resolved, err := r.tracker.Register(txHash, matches)
	if err != nil {
		return types.SignificantChainEvent{}, err
	}

	select {
	case event, ok := <-resolved:
		if !ok {
			return types.SignificantChainEvent{}, errs.ErrUnregistered
		}
		return event, nil
	case <-ctx.Done():
		r.tracker.Unregister(txHash)
		return types.SignificantChainEvent{}, errs.ErrTimeout
	}
}
