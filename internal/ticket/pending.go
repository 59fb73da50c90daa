package ticket

import (
	"sync"
	"time"

	"git.schwanenlied.me/yawning/avl.git"

	"github.com/hashcloak/mixnode/internal/constants"
	"github.com/hashcloak/mixnode/internal/errs"
	"github.com/hashcloak/mixnode/internal/packetcodec"
	"github.com/hashcloak/mixnode/internal/types"
)

// pendingEntry is one ticket filed while relaying, awaiting the half-key
// response that lets it be redeemed (spec §3.4's PendingAcknowledgement,
// the WaitingAsRelayer case).
type pendingEntry struct {
	challenge [constants.TicketChallengeLength]byte
	ticket    types.UnacknowledgedTicket
	expireAt  time.Time
	node      *avl.Node
}

// PendingTable implements the relayer side of the proof-of-relay
// acknowledgement lifecycle: a ticket's Challenge is filed here the moment
// this node forwards it, and is resolved once the corresponding half-key
// reveal arrives from further down the path.
//
// Grounded on surbstore.Store's AVL-tree-by-expiry sweep (itself grounded on
// internal/decoy/decoy.go's surbETAs), reused here for the same reason: a
// PendingAcknowledgement's lifetime is bounded by a TTL (§3.4, default
// constants.DefaultPendingAckTTL), not by an external close signal.
type PendingTable struct {
	mu sync.Mutex

	ttl     time.Duration
	entries map[[constants.TicketChallengeLength]byte]*pendingEntry
	tree    *avl.Tree

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewPendingTable constructs a PendingTable with the default TTL and starts
// its background expiry sweep.
func NewPendingTable() *PendingTable {
	return NewPendingTableWithTTL(constants.DefaultPendingAckTTL)
}

// NewPendingTableWithTTL is NewPendingTable with an explicit TTL, for tests.
func NewPendingTableWithTTL(ttl time.Duration) *PendingTable {
	p := &PendingTable{
		ttl:     ttl,
		entries: make(map[[constants.TicketChallengeLength]byte]*pendingEntry),
		tree: avl.New(func(a, b interface{}) int {
			ea, eb := a.(*pendingEntry), b.(*pendingEntry)
			switch {
			case ea.expireAt.Before(eb.expireAt):
				return -1
			case ea.expireAt.After(eb.expireAt):
				return 1
			default:
				for i := range ea.challenge {
					if ea.challenge[i] != eb.challenge[i] {
						return int(ea.challenge[i]) - int(eb.challenge[i])
					}
				}
				return 0
			}
		}),
		stopCh: make(chan struct{}),
	}
	go p.sweepLoop(ttl)
	return p
}

// Close stops the background expiry sweep.
func (p *PendingTable) Close() {
	p.stopOnce.Do(func() { close(p.stopCh) })
}

func (p *PendingTable) sweepLoop(every time.Duration) {
	if every <= 0 {
		every = constants.DefaultPendingAckTTL
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			p.sweep(time.Now())
		case <-p.stopCh:
			return
		}
	}
}

func (p *PendingTable) sweep(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		it := p.tree.Iterator(avl.Forward)
		node := it.First()
		if node == nil {
			return
		}
		e := node.Value.(*pendingEntry)
		if e.expireAt.After(now) {
			return
		}
		p.tree.Remove(node)
		delete(p.entries, e.challenge)
	}
}

// Put files t as awaiting acknowledgement, keyed by its own Challenge. A
// second Put for the same challenge replaces the first.
func (p *PendingTable) Put(t types.UnacknowledgedTicket) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if old, ok := p.entries[t.Challenge]; ok {
		p.tree.Remove(old.node)
	}
	e := &pendingEntry{challenge: t.Challenge, ticket: t, expireAt: time.Now().Add(p.ttl)}
	e.node = p.tree.Insert(e)
	p.entries[t.Challenge] = e
}

// Resolve consumes the pending entry for challenge, combines its retained
// own share with the newly revealed ack share, and verifies the result
// against the challenge before handing back a redeemable AcknowledgedTicket.
func (p *PendingTable) Resolve(challenge [constants.TicketChallengeLength]byte, ack packetcodec.PorShare) (types.AcknowledgedTicket, error) {
	p.mu.Lock()
	e, ok := p.entries[challenge]
	if ok {
		p.tree.Remove(e.node)
		delete(p.entries, challenge)
	}
	p.mu.Unlock()

	if !ok {
		return types.AcknowledgedTicket{}, errs.ErrAckNotPending
	}
	if time.Now().After(e.expireAt) {
		return types.AcknowledgedTicket{}, errs.ErrTimeout
	}

	response, matched := packetcodec.VerifyHalfKeyResponse(challenge, packetcodec.PorShare(e.ticket.OwnKey), ack)
	if !matched {
		return types.AcknowledgedTicket{}, errs.ErrAckMismatch
	}

	return types.AcknowledgedTicket{
		SignedTicket:    e.ticket.SignedTicket,
		HalfKeyResponse: [32]byte(response),
	}, nil
}

// Len reports how many acknowledgements are currently pending (test helper).
func (p *PendingTable) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}
