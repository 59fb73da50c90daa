package session

import "github.com/hashcloak/mixnode/internal/errs"

// Components are the capabilities a SocketState needs from its owning
// Socket, mirroring state.rs's SocketComponents<C>: a way to inspect
// in-flight incomplete frames, and a channel to inject control messages
// (Request/Acknowledge) into the downstream without competing with
// application segments.
type Components struct {
	Inspector *FrameInspector
	CtlTx     chan<- Message
}

// FrameInspector lets a SocketState look at which segments of an
// in-progress incoming frame have already arrived, e.g. to decide what to
// put in a SegmentRequest.
type FrameInspector struct {
	// Received reports, for a frame id, the set of seq indices seen so far.
	Received func(id FrameID) (seen []SeqIndex, total int, ok bool)
}

// State is the pluggable policy behind a Socket (C10), mirroring state.rs's
// SocketState trait one method at a time. Methods are called from several
// goroutines (the socket's writer, control and frame-timeout loops, and
// whichever goroutine calls Deliver or Close), so implementations must be
// safe for concurrent use and must not block.
type State interface {
	SessionID() string

	// Run starts any background process the state needs, idempotently.
	Run(c Components) error
	// Stop halts those processes for both directions.
	Stop() error

	IncomingSegment(id SegmentID, flags uint8) error
	IncomingRetransmissionRequest(req SegmentRequest) error
	IncomingAcknowledgedFrames(ack FrameAcknowledgements) error

	FrameComplete(id FrameID) error
	FrameEmitted(id FrameID) error
	FrameDiscarded(id FrameID) error

	SegmentSent(seg *Segment) error
}

// IncomingMessage dispatches a decoded Message to the matching State
// handler, mirroring state.rs's SocketState::incoming_message default
// method.
func IncomingMessage(s State, m *Message) error {
	switch {
	case m.Segment != nil:
		return s.IncomingSegment(m.Segment.ID, m.Segment.SeqFlags)
	case m.Request != nil:
		return s.IncomingRetransmissionRequest(*m.Request)
	case m.Ack != nil:
		return s.IncomingAcknowledgedFrames(*m.Ack)
	default:
		return &errs.InvalidState{Msg: "session: empty message has no handler"}
	}
}

// Stateless does nothing; every hook is a no-op, matching state.rs's
// Stateless<C> (used where segment accounting is handled entirely upstream,
// e.g. tests or a ScrambleStream-style fire-and-forget mode).
type Stateless struct {
	id string
}

// NewStateless constructs a Stateless state for the given session id.
func NewStateless(sessionID string) *Stateless { return &Stateless{id: sessionID} }

func (s *Stateless) SessionID() string { return s.id }

func (s *Stateless) Run(Components) error                                    { return nil }
func (s *Stateless) Stop() error                                              { return nil }
func (s *Stateless) IncomingSegment(SegmentID, uint8) error                   { return nil }
func (s *Stateless) IncomingRetransmissionRequest(SegmentRequest) error       { return nil }
func (s *Stateless) IncomingAcknowledgedFrames(FrameAcknowledgements) error   { return nil }
func (s *Stateless) FrameComplete(FrameID) error                             { return nil }
func (s *Stateless) FrameEmitted(FrameID) error                              { return nil }
func (s *Stateless) FrameDiscarded(FrameID) error                            { return nil }
func (s *Stateless) SegmentSent(*Segment) error                              { return nil }

var _ State = (*Stateless)(nil)
