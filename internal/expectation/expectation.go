// Package expectation implements C8, matching on-chain events reported by
// an indexer against at-most-one live waiter per transaction hash (spec
// §4.8).
//
// Grounded directly on
// original_source/chain/actions/src/action_state.rs's IndexerActionTracker:
// the same register/match_and_resolve/unregister shape, the same
// at-most-one-occupant-per-TxHash rule enforced via a map Entry check, and
// the same "a dropped receiver is logged and skipped, not an error" handling
// of Resolve races. Rust's oneshot channel is replaced by a buffered Go
// channel of capacity 1, which gives the same single-value, single-send
// semantics without pulling in an async runtime.
package expectation

import (
	"sync"

	"github.com/hashcloak/mixnode/internal/errs"
	"github.com/hashcloak/mixnode/internal/types"
)

// Predicate reports whether an event's payload satisfies an expectation,
// beyond the TxHash match already implied by the registration key.
type Predicate func(eventType interface{}) bool

type entry struct {
	predicate Predicate
	resolved  chan types.SignificantChainEvent
}

// Tracker implements C8: maps TxHash -> (Predicate, waiter), with at most
// one live expectation per TxHash at any time.
type Tracker struct {
	mu           sync.Mutex
	expectations map[types.TxHash]*entry
}

// New constructs an empty Tracker.
func New() *Tracker {
	return &Tracker{expectations: make(map[types.TxHash]*entry)}
}

// Register adds a new expectation for tx, returning a channel that yields
// the matching event when match_and_resolve finds it, or is closed without
// a value if Unregister is called first. Registering a second expectation
// for a TxHash that already has one fails with *errs.InvalidState and
// leaves the existing registration untouched.
func (t *Tracker) Register(tx types.TxHash, pred Predicate) (<-chan types.SignificantChainEvent, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.expectations[tx]; ok {
		return nil, &errs.InvalidState{Msg: "expectation for tx " + tx.String() + " already present"}
	}

	e := &entry{predicate: pred, resolved: make(chan types.SignificantChainEvent, 1)}
	t.expectations[tx] = e
	return e.resolved, nil
}

// MatchAndResolve tests event against the registered expectation (if any)
// for event.TxHash, resolving and unregistering it atomically on a match.
// Returns true if an expectation was matched and resolved.
func (t *Tracker) MatchAndResolve(event types.SignificantChainEvent) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.expectations[event.TxHash]
	if !ok || !e.predicate(event.EventType) {
		return false
	}
	delete(t.expectations, event.TxHash)

	select {
	case e.resolved <- event:
		return true
	default:
		// The waiter already gave up (e.g. timed out) and nobody is
		// listening; the event is simply dropped, matching
		// action_state.rs's "already timed out" log-and-skip path.
		return false
	}
}

// Unregister silently removes any live expectation for tx, closing its
// channel so a blocked Register caller observes ErrUnregistered-equivalent
// behavior (a closed channel yields the zero value with ok==false).
func (t *Tracker) Unregister(tx types.TxHash) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.expectations[tx]; ok {
		delete(t.expectations, tx)
		close(e.resolved)
	}
}

// Len reports how many expectations are currently registered (test helper).
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.expectations)
}
