package session

import (
	"bytes"
	"io"
	"sync"
	"time"

	"github.com/hashcloak/mixnode/internal/constants"
	"github.com/hashcloak/mixnode/internal/errs"
)

// Downstream is the Socket's only collaborator: a sink that carries one
// wire-encoded Session message to the peer. In this node it is backed by
// the packet codec + outgoing-ticket machinery (C4/C6), kept behind this
// narrow interface so the session package never imports packetcodec
// directly, per spec §3.5's ownership split.
type Downstream interface {
	Send(wire []byte) error
}

// Config parameterizes frame/segment sizing (spec §4.9).
type Config struct {
	FrameSize        int
	SegmentMTU       int
	FrameTimeout     time.Duration
	MaxBufferedBytes int
}

// DefaultConfig returns the spec's default sizing.
func DefaultConfig() Config {
	return Config{
		FrameSize:        constants.DefaultFrameSize,
		SegmentMTU:       constants.DefaultSegmentMTU,
		FrameTimeout:     constants.DefaultFrameTimeout,
		MaxBufferedBytes: 8 * constants.DefaultFrameSize,
	}
}

func (c Config) segmentPayloadSize() int {
	return c.SegmentMTU - constants.SegmentHeaderSize
}

type partialFrame struct {
	segments  map[SeqIndex][]byte
	total     int // -1 until the LAST segment has been seen
	firstSeen time.Time
}

// Socket is C9: the driver owning both I/O halves of one Session, backed by
// a pluggable State (C10) for ack/retransmission policy. It implements
// io.ReadWriteCloser over the underlying Downstream.
//
// Grounded on xendarboh-katzenpost's client.Stream: a write buffer drained
// by a background writer goroutine that slices off frame-sized chunks and
// segments them, and a read buffer fed by Deliver as segments complete
// frames - the same reader/writer split, adapted from a polling storage
// backend to a push-based Downstream.
type Socket struct {
	cfg   Config
	state State
	down  Downstream

	ctlCh chan Message

	writeMu    sync.Mutex
	writeCond  *sync.Cond
	writeBuf   *bytes.Buffer
	nextWFrame FrameID
	closed     bool

	readMu     sync.Mutex
	readCond   *sync.Cond
	readBuf    *bytes.Buffer
	peerClosed bool

	asmMu         sync.Mutex
	partial       map[FrameID]*partialFrame
	nextRFrame    FrameID
	readyOutOfOrd map[FrameID][]byte

	prodWriter chan struct{}
	halt       chan struct{}
	haltOnce   sync.Once
	wg         sync.WaitGroup
}

// New constructs a Socket, starts its state and driver goroutines, and
// begins accepting Write/Read/Deliver calls.
func New(sessionID string, state State, down Downstream, cfg Config) (*Socket, error) {
	if cfg.SegmentMTU <= constants.SegmentHeaderSize {
		return nil, &errs.InvalidState{Msg: "session: MTU too small for segment header"}
	}
	s := &Socket{
		cfg:           cfg,
		state:         state,
		down:          down,
		ctlCh:         make(chan Message, 64),
		writeBuf:      new(bytes.Buffer),
		readBuf:       new(bytes.Buffer),
		partial:       make(map[FrameID]*partialFrame),
		readyOutOfOrd: make(map[FrameID][]byte),
		prodWriter:    make(chan struct{}, 1),
		halt:          make(chan struct{}),
	}
	s.writeCond = sync.NewCond(&s.writeMu)
	s.readCond = sync.NewCond(&s.readMu)

	components := Components{
		Inspector: &FrameInspector{Received: s.receivedSeqs},
		CtlTx:     s.ctlCh,
	}
	if err := state.Run(components); err != nil {
		return nil, err
	}

	s.wg.Add(3)
	go s.ctlLoop()
	go s.writerLoop()
	go s.frameTimeoutLoop()

	return s, nil
}

func (s *Socket) receivedSeqs(id FrameID) ([]SeqIndex, int, bool) {
	s.asmMu.Lock()
	defer s.asmMu.Unlock()
	pf, ok := s.partial[id]
	if !ok {
		return nil, 0, false
	}
	seen := make([]SeqIndex, 0, len(pf.segments))
	for idx := range pf.segments {
		seen = append(seen, idx)
	}
	return seen, pf.total, true
}

func (s *Socket) ctlLoop() {
	defer s.wg.Done()
	for {
		select {
		case m := <-s.ctlCh:
			s.sendMessage(&m)
		case <-s.halt:
			return
		}
	}
}

func (s *Socket) sendMessage(m *Message) {
	wire, err := m.Encode()
	if err != nil {
		return
	}
	if err := s.down.Send(wire); err != nil {
		return
	}
	if m.Segment != nil {
		_ = s.state.SegmentSent(m.Segment)
	}
}

// writerLoop drains writeBuf into frame-sized chunks and segments each one,
// matching client.Stream's writer(): sleep until prodded or a periodic
// flush timeout, then push whatever is buffered.
func (s *Socket) writerLoop() {
	defer s.wg.Done()
	idle := time.NewTicker(50 * time.Millisecond)
	defer idle.Stop()
	for {
		select {
		case <-s.prodWriter:
		case <-idle.C:
		case <-s.halt:
			s.flushLocked(true)
			return
		}
		s.flushLocked(false)
	}
}

// flushLocked pulls complete frames (or, if force, whatever remains) out of
// writeBuf and emits them as segments.
func (s *Socket) flushLocked(force bool) {
	for {
		s.writeMu.Lock()
		n := s.writeBuf.Len()
		if n == 0 || (!force && n < s.cfg.FrameSize) {
			s.writeMu.Unlock()
			return
		}
		take := s.cfg.FrameSize
		if take > n {
			take = n
		}
		chunk := make([]byte, take)
		s.writeBuf.Read(chunk)
		id := s.nextWFrame
		s.nextWFrame++
		s.writeCond.Broadcast()
		s.writeMu.Unlock()

		s.emitFrame(id, chunk)
	}
}

func (s *Socket) emitFrame(id FrameID, payload []byte) {
	payloadSize := s.cfg.segmentPayloadSize()
	if len(payload) == 0 {
		s.sendSegment(Segment{ID: SegmentID{FrameID: id, SeqIndex: 0}, SeqFlags: SeqFlagLast})
		return
	}
	var idx SeqIndex
	for off := 0; off < len(payload); off += payloadSize {
		end := off + payloadSize
		last := false
		if end >= len(payload) {
			end = len(payload)
			last = true
		}
		var flags uint8
		if last {
			flags = SeqFlagLast
		}
		s.sendSegment(Segment{
			ID:       SegmentID{FrameID: id, SeqIndex: idx},
			SeqFlags: flags,
			Payload:  payload[off:end],
		})
		idx++
	}
}

func (s *Socket) sendSegment(seg Segment) {
	m := Message{Segment: &seg}
	wire, err := m.Encode()
	if err != nil {
		return
	}
	if err := s.down.Send(wire); err != nil {
		return
	}
	_ = s.state.SegmentSent(&seg)
}

func (s *Socket) frameTimeoutLoop() {
	defer s.wg.Done()
	t := time.NewTicker(s.cfg.FrameTimeout / 2)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			s.sweepStaleFrames(time.Now())
		case <-s.halt:
			return
		}
	}
}

func (s *Socket) sweepStaleFrames(now time.Time) {
	s.asmMu.Lock()
	var discarded []FrameID
	for id, pf := range s.partial {
		if now.Sub(pf.firstSeen) > s.cfg.FrameTimeout {
			discarded = append(discarded, id)
			delete(s.partial, id)
		}
	}
	s.asmMu.Unlock()

	for _, id := range discarded {
		_ = s.state.FrameDiscarded(id)
		s.advanceDelivery(id, nil, true)
	}
}

// Write buffers p for segmentation, blocking while MaxBufferedBytes is
// exceeded (spec §4.9 backpressure).
func (s *Socket) Write(p []byte) (int, error) {
	s.writeMu.Lock()
	for s.writeBuf.Len() >= s.cfg.MaxBufferedBytes && !s.closed {
		s.writeCond.Wait()
	}
	if s.closed {
		s.writeMu.Unlock()
		return 0, errs.ErrUndecodable
	}
	n, _ := s.writeBuf.Write(p)
	s.writeMu.Unlock()

	select {
	case s.prodWriter <- struct{}{}:
	default:
	}
	return n, nil
}

// Flush blocks until all currently buffered write data has been segmented.
func (s *Socket) Flush() error {
	for {
		s.writeMu.Lock()
		n := s.writeBuf.Len()
		s.writeMu.Unlock()
		if n == 0 {
			return nil
		}
		s.flushLocked(true)
	}
}

// Read blocks until reassembled application bytes are available, the peer's
// terminating segment has drained the stream (io.EOF), or the socket is
// closed.
func (s *Socket) Read(p []byte) (int, error) {
	s.readMu.Lock()
	defer s.readMu.Unlock()
	for s.readBuf.Len() == 0 {
		if s.peerClosed {
			return 0, io.EOF
		}
		s.readCond.Wait()
	}
	return s.readBuf.Read(p)
}

// Deliver hands the Socket one wire-encoded Session message received from
// Downstream (e.g. the decoder's Final-packet upcall for this session).
func (s *Socket) Deliver(wire []byte) error {
	m, err := Decode(wire)
	if err != nil {
		return err
	}
	if err := IncomingMessage(s.state, m); err != nil {
		return err
	}
	if m.Segment != nil {
		s.assemble(m.Segment)
	}
	return nil
}

func (s *Socket) assemble(seg *Segment) {
	if len(seg.Payload) == 0 && seg.IsLast() && seg.ID.SeqIndex == 0 {
		s.readMu.Lock()
		s.peerClosed = true
		s.readCond.Broadcast()
		s.readMu.Unlock()
		return
	}

	id := seg.ID.FrameID
	s.asmMu.Lock()
	pf, ok := s.partial[id]
	if !ok {
		pf = &partialFrame{segments: make(map[SeqIndex][]byte), total: -1, firstSeen: time.Now()}
		s.partial[id] = pf
	}
	pf.segments[seg.ID.SeqIndex] = seg.Payload
	if seg.IsLast() {
		pf.total = int(seg.ID.SeqIndex) + 1
	}
	complete := pf.total >= 0 && len(pf.segments) == pf.total
	var assembled []byte
	if complete {
		assembled = make([]byte, 0, pf.total*s.cfg.segmentPayloadSize())
		for i := 0; i < pf.total; i++ {
			assembled = append(assembled, pf.segments[SeqIndex(i)]...)
		}
		delete(s.partial, id)
	}
	s.asmMu.Unlock()

	if complete {
		_ = s.state.FrameComplete(id)
		s.advanceDelivery(id, assembled, false)
	}
}

// advanceDelivery delivers frame id (and any subsequently-ready frames) to
// the read buffer once id == nextRFrame, preserving strict frame_id order
// (spec §4.9 in-order delivery). discarded frames are skipped rather than
// delivered.
func (s *Socket) advanceDelivery(id FrameID, payload []byte, discarded bool) {
	s.asmMu.Lock()
	if discarded {
		s.readyOutOfOrd[id] = []byte{}
	} else {
		s.readyOutOfOrd[id] = payload
	}
	var toEmit [][]byte
	var emittedIDs []FrameID
	for {
		data, ok := s.readyOutOfOrd[s.nextRFrame]
		if !ok {
			break
		}
		delete(s.readyOutOfOrd, s.nextRFrame)
		toEmit = append(toEmit, data)
		emittedIDs = append(emittedIDs, s.nextRFrame)
		s.nextRFrame++
	}
	s.asmMu.Unlock()

	if len(toEmit) == 0 {
		return
	}
	s.readMu.Lock()
	for _, data := range toEmit {
		if len(data) > 0 {
			s.readBuf.Write(data)
		}
	}
	s.readCond.Broadcast()
	s.readMu.Unlock()
	for _, fid := range emittedIDs {
		_ = s.state.FrameEmitted(fid)
	}
}

// Close flushes pending writes, emits a terminating segment, stops the
// state, and halts the driver goroutines. Idempotent.
func (s *Socket) Close() error {
	s.writeMu.Lock()
	if s.closed {
		s.writeMu.Unlock()
		return nil
	}
	s.closed = true
	s.writeCond.Broadcast()
	s.writeMu.Unlock()

	_ = s.Flush()

	s.writeMu.Lock()
	id := s.nextWFrame
	s.nextWFrame++
	s.writeMu.Unlock()
	s.sendSegment(Segment{ID: SegmentID{FrameID: id, SeqIndex: 0}, SeqFlags: SeqFlagLast})

	s.haltOnce.Do(func() { close(s.halt) })
	s.wg.Wait()
	return s.state.Stop()
}
