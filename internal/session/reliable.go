package session

import (
	"sync"
	"time"

	"git.schwanenlied.me/yawning/avl.git"
)

// Reliable is the stateful SocketState (C10): it acknowledges completed
// frames, retransmits unacknowledged outgoing segments until acked or aged
// out, and answers SegmentRequest by resending the segments asked for.
//
// Retransmission deadlines are tracked in an AVL tree ordered by deadline,
// the same structure and sweep discipline internal/surbstore uses for its
// opener idle-TTL table (itself grounded on internal/decoy/decoy.go's
// surbETAs tree) — here repurposed from "evict on idle" to "resend on
// expiry".
type Reliable struct {
	id string

	window           int
	retransmitEvery  time.Duration
	maxRetransmitAge time.Duration

	mu      sync.Mutex
	ctlTx   chan<- Message
	running bool
	stopCh  chan struct{}

	outstanding map[SegmentID]*pendingSegment
	tree        *avl.Tree

	ackedFrames map[FrameID]bool
}

type pendingSegment struct {
	seg      *Segment
	sentAt   time.Time
	deadline time.Time
	node     *avl.Node
}

// ReliableConfig parameterizes the retransmission policy.
type ReliableConfig struct {
	Window           int
	RetransmitEvery  time.Duration
	MaxRetransmitAge time.Duration
}

// DefaultReliableConfig mirrors the sliding-window defaults of spec §4.9.
func DefaultReliableConfig() ReliableConfig {
	return ReliableConfig{
		Window:           32,
		RetransmitEvery:  200 * time.Millisecond,
		MaxRetransmitAge: 10 * time.Second,
	}
}

// NewReliable constructs a Reliable state for sessionID.
func NewReliable(sessionID string, cfg ReliableConfig) *Reliable {
	if cfg.Window <= 0 {
		cfg.Window = 32
	}
	if cfg.RetransmitEvery <= 0 {
		cfg.RetransmitEvery = 200 * time.Millisecond
	}
	if cfg.MaxRetransmitAge <= 0 {
		cfg.MaxRetransmitAge = 10 * time.Second
	}
	return &Reliable{
		id:               sessionID,
		window:           cfg.Window,
		retransmitEvery:  cfg.RetransmitEvery,
		maxRetransmitAge: cfg.MaxRetransmitAge,
		outstanding:      make(map[SegmentID]*pendingSegment),
		ackedFrames:      make(map[FrameID]bool),
		tree: avl.New(func(a, b interface{}) int {
			pa, pb := a.(*pendingSegment), b.(*pendingSegment)
			switch {
			case pa.deadline.Before(pb.deadline):
				return -1
			case pa.deadline.After(pb.deadline):
				return 1
			case pa.seg.ID.FrameID != pb.seg.ID.FrameID:
				return int(pa.seg.ID.FrameID) - int(pb.seg.ID.FrameID)
			default:
				return int(pa.seg.ID.SeqIndex) - int(pb.seg.ID.SeqIndex)
			}
		}),
	}
}

func (r *Reliable) SessionID() string { return r.id }

func (r *Reliable) Run(c Components) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return nil
	}
	r.ctlTx = c.CtlTx
	r.stopCh = make(chan struct{})
	r.running = true
	go r.sweepLoop(r.stopCh)
	return nil
}

func (r *Reliable) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return nil
	}
	r.running = false
	close(r.stopCh)
	return nil
}

func (r *Reliable) sweepLoop(stop chan struct{}) {
	t := time.NewTicker(r.retransmitEvery)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			r.sweep(time.Now())
		case <-stop:
			return
		}
	}
}

// sweep resends any outstanding segment whose retransmit deadline has
// elapsed, and drops segments older than maxRetransmitAge (the frame has
// presumably already been discarded by the peer's assembly timeout).
func (r *Reliable) sweep(now time.Time) {
	r.mu.Lock()
	var toSend []*Segment
	it := r.tree.Iterator(avl.Forward)
	for node := it.First(); node != nil; node = it.Next() {
		p := node.Value.(*pendingSegment)
		if p.deadline.After(now) {
			break
		}
		if now.Sub(p.sentAt) > r.maxRetransmitAge {
			continue
		}
		toSend = append(toSend, p.seg)
	}
	ctlTx := r.ctlTx
	r.mu.Unlock()

	for _, seg := range toSend {
		r.reschedule(seg, now)
		if ctlTx != nil {
			select {
			case ctlTx <- Message{Segment: seg}:
			default:
			}
		}
	}

	r.mu.Lock()
	r.pruneAged(now)
	r.mu.Unlock()
}

func (r *Reliable) pruneAged(now time.Time) {
	var stale []*avl.Node
	it := r.tree.Iterator(avl.Forward)
	for node := it.First(); node != nil; node = it.Next() {
		p := node.Value.(*pendingSegment)
		if now.Sub(p.sentAt) > r.maxRetransmitAge {
			stale = append(stale, node)
			delete(r.outstanding, p.seg.ID)
		}
	}
	for _, node := range stale {
		r.tree.Remove(node)
	}
}

func (r *Reliable) reschedule(seg *Segment, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.outstanding[seg.ID]
	if !ok {
		return
	}
	r.tree.Remove(p.node)
	p.deadline = now.Add(r.retransmitEvery)
	p.node = r.tree.Insert(p)
}

func (r *Reliable) IncomingSegment(SegmentID, uint8) error { return nil }

func (r *Reliable) IncomingRetransmissionRequest(req SegmentRequest) error {
	r.mu.Lock()
	var toSend []*Segment
	for _, idx := range req.Missing {
		id := SegmentID{FrameID: req.FrameID, SeqIndex: idx}
		if p, ok := r.outstanding[id]; ok {
			toSend = append(toSend, p.seg)
		}
	}
	ctlTx := r.ctlTx
	r.mu.Unlock()

	for _, seg := range toSend {
		r.reschedule(seg, time.Now())
		if ctlTx != nil {
			select {
			case ctlTx <- Message{Segment: seg}:
			default:
			}
		}
	}
	return nil
}

func (r *Reliable) IncomingAcknowledgedFrames(ack FrameAcknowledgements) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, p := range r.outstanding {
		if ack.IsSet(id.FrameID) {
			r.tree.Remove(p.node)
			delete(r.outstanding, id)
		}
	}
	return nil
}

// FrameComplete sends a cumulative FrameAcknowledgements covering the
// sliding window ending at id, mirroring the Rust socket's per-completion
// ack emission.
func (r *Reliable) FrameComplete(id FrameID) error {
	r.mu.Lock()
	r.ackedFrames[id] = true
	base := FrameID(0)
	if int(id)+1 > r.window {
		base = id - FrameID(r.window) + 1
	}
	ack := NewFrameAcknowledgements(base, r.window)
	for fid := range r.ackedFrames {
		if fid < base {
			delete(r.ackedFrames, fid)
			continue
		}
		ack.Set(fid)
	}
	ctlTx := r.ctlTx
	r.mu.Unlock()

	if ctlTx != nil {
		select {
		case ctlTx <- Message{Ack: &ack}:
		default:
		}
	}
	return nil
}

func (r *Reliable) FrameEmitted(FrameID) error { return nil }

func (r *Reliable) FrameDiscarded(FrameID) error { return nil }

// SegmentSent records a newly sent outgoing segment so it can be
// retransmitted until acknowledged.
func (r *Reliable) SegmentSent(seg *Segment) error {
	cp := *seg
	cp.Payload = append([]byte(nil), seg.Payload...)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.outstanding[cp.ID]; ok {
		// A retransmission: the existing entry was already rescheduled and
		// keeps its original sentAt for aging out.
		return nil
	}
	now := time.Now()
	p := &pendingSegment{seg: &cp, sentAt: now, deadline: now.Add(r.retransmitEvery)}
	p.node = r.tree.Insert(p)
	r.outstanding[cp.ID] = p
	return nil
}

var _ State = (*Reliable)(nil)
