// Package surbstore implements C2, the per-pseudonym SURB ring buffer and
// the reply-opener time-to-idle table (spec §4.2).
//
// Grounded on internal/decoy/decoy.go's surbStore/surbETAs pair: an AVL tree
// ordered by expiry drives a background sweep that evicts state for
// pseudonyms that have gone idle, exactly as the teacher sweeps outstanding
// decoy SURB contexts by ETA.
package surbstore

import (
	"sync"
	"time"

	"git.schwanenlied.me/yawning/avl.git"

	"github.com/hashcloak/mixnode/internal/constants"
	"github.com/hashcloak/mixnode/internal/types"
)

type pseudoState struct {
	ring    *ring
	openers map[types.SurbID]types.ReplyOpener
}

type idleEntry struct {
	pseudonym types.Pseudonym
	expireAt  time.Time
	node      *avl.Node
}

// Store holds SURBs and reply openers for every active pseudonym.
type Store struct {
	mu sync.Mutex

	capacity int
	idleTTL  time.Duration

	states map[types.Pseudonym]*pseudoState
	idle   map[types.Pseudonym]*idleEntry
	tree   *avl.Tree

	stopCh   chan struct{}
	stopOnce sync.Once
}

// Config parameterizes ring capacity and the opener idle TTL.
type Config struct {
	RingCapacity int
	IdleTTL      time.Duration
	SweepEvery   time.Duration
}

// DefaultConfig returns the spec's default sizing (§4.2).
func DefaultConfig() Config {
	return Config{
		RingCapacity: constants.DefaultSurbRingCapacity,
		IdleTTL:      constants.DefaultOpenerIdleTTL,
		SweepEvery:   time.Minute,
	}
}

// New constructs a Store and starts its background idle-sweep goroutine.
func New(cfg Config) *Store {
	if cfg.RingCapacity <= 0 {
		cfg.RingCapacity = constants.DefaultSurbRingCapacity
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = constants.DefaultOpenerIdleTTL
	}
	if cfg.SweepEvery <= 0 {
		cfg.SweepEvery = time.Minute
	}

	s := &Store{
		capacity: cfg.RingCapacity,
		idleTTL:  cfg.IdleTTL,
		states:   make(map[types.Pseudonym]*pseudoState),
		idle:     make(map[types.Pseudonym]*idleEntry),
		tree: avl.New(func(a, b interface{}) int {
			ea, eb := a.(*idleEntry), b.(*idleEntry)
			switch {
			case ea.expireAt.Before(eb.expireAt):
				return -1
			case ea.expireAt.After(eb.expireAt):
				return 1
			default:
				for i := range ea.pseudonym {
					if ea.pseudonym[i] != eb.pseudonym[i] {
						return int(ea.pseudonym[i]) - int(eb.pseudonym[i])
					}
				}
				return 0
			}
		}),
		stopCh: make(chan struct{}),
	}
	go s.sweepLoop(cfg.SweepEvery)
	return s
}

// Close stops the background sweep goroutine.
func (s *Store) Close() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *Store) sweepLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			s.sweep(time.Now())
		case <-s.stopCh:
			return
		}
	}
}

// sweep evicts every pseudonym whose idle entry has expired as of now.
// Both the SURB ring and the opener table are released together, per §4.2.
func (s *Store) sweep(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		it := s.tree.Iterator(avl.Forward)
		node := it.First()
		if node == nil {
			return
		}
		e := node.Value.(*idleEntry)
		if e.expireAt.After(now) {
			return
		}
		s.tree.Remove(node)
		delete(s.idle, e.pseudonym)
		delete(s.states, e.pseudonym)
	}
}

// touch refreshes (or creates) the idle-expiry entry for a pseudonym,
// extending its lifetime by idleTTL. Must be called with s.mu held.
func (s *Store) touch(p types.Pseudonym) *pseudoState {
	st, ok := s.states[p]
	if !ok {
		st = &pseudoState{ring: newRing(s.capacity), openers: make(map[types.SurbID]types.ReplyOpener)}
		s.states[p] = st
	}

	if e, ok := s.idle[p]; ok {
		s.tree.Remove(e.node)
	}
	e := &idleEntry{pseudonym: p, expireAt: time.Now().Add(s.idleTTL)}
	e.node = s.tree.Insert(e)
	s.idle[p] = e

	return st
}

// PushMany inserts SURBs received for a pseudonym's reply channel.
func (s *Store) PushMany(p types.Pseudonym, surbs []types.SURB) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.touch(p)
	for _, surb := range surbs {
		st.ring.push(surb)
	}
}

// PopOne removes and returns the oldest usable SURB for a pseudonym.
func (s *Store) PopOne(p types.Pseudonym) (types.SURB, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[p]
	if !ok {
		return types.SURB{}, false
	}
	s.touch(p)
	return st.ring.popOne()
}

// PopIfIDMatches removes and returns the SURB with the given ID only if it
// is the next one in FIFO order.
func (s *Store) PopIfIDMatches(p types.Pseudonym, id types.SurbID) (types.SURB, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[p]
	if !ok {
		return types.SURB{}, false
	}
	s.touch(p)
	return st.ring.popIfIDMatches(id)
}

// InsertOpener stores the reply opener for a SURB this node created.
func (s *Store) InsertOpener(p types.Pseudonym, id types.SurbID, opener types.ReplyOpener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.touch(p)
	st.openers[id] = opener
}

// FindOpener looks up (and consumes, since openers are single-use) the reply
// opener for (pseudonym, surbId). Matches the "SURB opener lookup"
// collaborator interface of §4.4/§6: `fn(&SurbId) -> Option<ReplyOpener>`.
func (s *Store) FindOpener(p types.Pseudonym, id types.SurbID) (types.ReplyOpener, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[p]
	if !ok {
		return types.ReplyOpener{}, false
	}
	opener, ok := st.openers[id]
	if ok {
		delete(st.openers, id)
		s.touch(p)
	}
	return opener, ok
}

// RingLen reports how many SURBs are currently buffered for a pseudonym (test helper).
func (s *Store) RingLen(p types.Pseudonym) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[p]
	if !ok {
		return 0
	}
	return st.ring.count
}
