// Package session implements C9/C10: the Session socket and its pluggable
// state, a reliable ordered byte stream carried over fixed-size frames split
// into MTU-sized segments (spec §4.9).
//
// Grounded on original_source/protocols/session/src/socket/state.rs for the
// SocketState capability split (Stateless vs a stateful implementation) and
// on xendarboh-katzenpost's client.Stream for the Go idiom of a small
// reader/writer goroutine pair driving a buffered stream with background
// retransmission.
package session

import (
	"encoding/binary"

	"github.com/hashcloak/mixnode/internal/constants"
	"github.com/hashcloak/mixnode/internal/errs"
)

// FrameID identifies an application-level record (§3.5).
type FrameID uint32

// SeqIndex is a segment's position within its frame (§3.5).
type SeqIndex uint16

// Segment sequence flags (§3.5/§6).
const (
	SeqFlagLast uint8 = 1 << 0
)

// SegmentID addresses one segment within the session (§3.5).
type SegmentID struct {
	FrameID  FrameID
	SeqIndex SeqIndex
}

// Segment is one MTU-sized unit of a frame (§3.5).
type Segment struct {
	ID       SegmentID
	SeqFlags uint8
	Payload  []byte
}

// IsLast reports whether this is the final segment of its frame.
func (s *Segment) IsLast() bool { return s.SeqFlags&SeqFlagLast != 0 }

// SegmentRequest solicits retransmission of specific missing segments of one
// frame (§3.5).
type SegmentRequest struct {
	FrameID FrameID
	Missing []SeqIndex
}

// FrameAcknowledgements reports, over a sliding window of frames starting at
// Base, which frames have been fully received (§3.5). Bit i of the Bitset
// corresponds to frame Base+i; Window bounds the bitset's bit length.
type FrameAcknowledgements struct {
	Base   FrameID
	Window int
	Bitset []byte
}

// NewFrameAcknowledgements allocates an all-clear bitset for a window of the
// given size.
func NewFrameAcknowledgements(base FrameID, window int) FrameAcknowledgements {
	return FrameAcknowledgements{Base: base, Window: window, Bitset: make([]byte, (window+7)/8)}
}

// Set marks frame id as acknowledged within the window, no-op if out of range.
func (a *FrameAcknowledgements) Set(id FrameID) {
	if id < a.Base {
		return
	}
	off := int(id - a.Base)
	if off >= a.Window {
		return
	}
	a.Bitset[off/8] |= 1 << uint(off%8)
}

// IsSet reports whether frame id is marked acknowledged.
func (a *FrameAcknowledgements) IsSet(id FrameID) bool {
	if id < a.Base {
		return false
	}
	off := int(id - a.Base)
	if off >= a.Window || off/8 >= len(a.Bitset) {
		return false
	}
	return a.Bitset[off/8]&(1<<uint(off%8)) != 0
}

// Message is the sum type SessionMessage::{Segment,Request,Acknowledge}
// (spec §6 framing: tag(1) ‖ body).
type Message struct {
	Segment *Segment
	Request *SegmentRequest
	Ack     *FrameAcknowledgements
}

// Encode serializes a Message to its wire form (§6): Segment body is
// frame_id(4) ‖ seq_index(2) ‖ seq_flags(1) ‖ payload; Request body is
// frame_id(4) ‖ count(2) ‖ seq_index(2)*count; Acknowledge body is
// base_frame_id(4) ‖ window(2) ‖ bitset.
func (m *Message) Encode() ([]byte, error) {
	switch {
	case m.Segment != nil:
		s := m.Segment
		out := make([]byte, 0, 1+constants.SegmentHeaderSize+len(s.Payload))
		out = append(out, constants.SessionTagSegment)
		var hdr [constants.SegmentHeaderSize]byte
		binary.BigEndian.PutUint32(hdr[0:4], uint32(s.ID.FrameID))
		binary.BigEndian.PutUint16(hdr[4:6], uint16(s.ID.SeqIndex))
		hdr[6] = s.SeqFlags
		out = append(out, hdr[:]...)
		out = append(out, s.Payload...)
		return out, nil
	case m.Request != nil:
		r := m.Request
		out := make([]byte, 0, 1+4+2+2*len(r.Missing))
		out = append(out, constants.SessionTagRequest)
		var fid [4]byte
		binary.BigEndian.PutUint32(fid[:], uint32(r.FrameID))
		out = append(out, fid[:]...)
		var cnt [2]byte
		binary.BigEndian.PutUint16(cnt[:], uint16(len(r.Missing)))
		out = append(out, cnt[:]...)
		for _, idx := range r.Missing {
			var b [2]byte
			binary.BigEndian.PutUint16(b[:], uint16(idx))
			out = append(out, b[:]...)
		}
		return out, nil
	case m.Ack != nil:
		a := m.Ack
		out := make([]byte, 0, 1+4+2+len(a.Bitset))
		out = append(out, constants.SessionTagAcknowledge)
		var base [4]byte
		binary.BigEndian.PutUint32(base[:], uint32(a.Base))
		out = append(out, base[:]...)
		var win [2]byte
		binary.BigEndian.PutUint16(win[:], uint16(a.Window))
		out = append(out, win[:]...)
		out = append(out, a.Bitset...)
		return out, nil
	default:
		return nil, &errs.InvalidState{Msg: "session: empty message has nothing to encode"}
	}
}

// Decode parses a Message from its wire form.
func Decode(wire []byte) (*Message, error) {
	if len(wire) < 1 {
		return nil, errs.ErrUndecodable
	}
	tag, body := wire[0], wire[1:]
	switch tag {
	case constants.SessionTagSegment:
		if len(body) < constants.SegmentHeaderSize {
			return nil, errs.ErrUndecodable
		}
		frameID := FrameID(binary.BigEndian.Uint32(body[0:4]))
		seqIdx := SeqIndex(binary.BigEndian.Uint16(body[4:6]))
		flags := body[6]
		payload := append([]byte(nil), body[7:]...)
		return &Message{Segment: &Segment{
			ID:       SegmentID{FrameID: frameID, SeqIndex: seqIdx},
			SeqFlags: flags,
			Payload:  payload,
		}}, nil
	case constants.SessionTagRequest:
		if len(body) < 6 {
			return nil, errs.ErrUndecodable
		}
		frameID := FrameID(binary.BigEndian.Uint32(body[0:4]))
		count := int(binary.BigEndian.Uint16(body[4:6]))
		rest := body[6:]
		if len(rest) < count*2 {
			return nil, errs.ErrUndecodable
		}
		missing := make([]SeqIndex, count)
		for i := 0; i < count; i++ {
			missing[i] = SeqIndex(binary.BigEndian.Uint16(rest[i*2 : i*2+2]))
		}
		return &Message{Request: &SegmentRequest{FrameID: frameID, Missing: missing}}, nil
	case constants.SessionTagAcknowledge:
		if len(body) < 6 {
			return nil, errs.ErrUndecodable
		}
		base := FrameID(binary.BigEndian.Uint32(body[0:4]))
		window := int(binary.BigEndian.Uint16(body[4:6]))
		bitset := append([]byte(nil), body[6:]...)
		return &Message{Ack: &FrameAcknowledgements{Base: base, Window: window, Bitset: bitset}}, nil
	default:
		return nil, errs.ErrUndecodable
	}
}
