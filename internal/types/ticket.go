package types

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/big"

	"github.com/hashcloak/mixnode/internal/constants"
	"github.com/hashcloak/mixnode/internal/currency"
)

// WinProb is a ticket's winning probability in [0, 1], encoded on the wire
// as a 7-byte (56-bit) big-endian fraction of its maximum value.
type WinProb float64

const winProbMax = (uint64(1) << 56) - 1

// EncodeWinProb serializes p into the fixed 7-byte wire representation.
func EncodeWinProb(p WinProb) [constants.TicketWinProbLength]byte {
	var out [constants.TicketWinProbLength]byte
	if p < 0 {
		p = 0
	}
	if p > 1 {
		p = 1
	}
	v := uint64(math.Round(float64(p) * float64(winProbMax)))
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	copy(out[:], buf[1:])
	return out
}

// DecodeWinProb parses the fixed 7-byte wire representation back into a probability.
func DecodeWinProb(b [constants.TicketWinProbLength]byte) WinProb {
	var buf [8]byte
	copy(buf[1:], b[:])
	v := binary.BigEndian.Uint64(buf[:])
	return WinProb(float64(v) / float64(winProbMax))
}

// Ticket is the unsigned per-hop payment commitment of spec §3.3.
type Ticket struct {
	ChannelID   [32]byte
	Amount      currency.Balance[currency.HOPRToken]
	Index       uint64 // fits in 6 bytes (< 2^48)
	IndexOffset uint32 // fits in 4 bytes
	WinProb     WinProb
	Epoch       uint32 // fits in 3 bytes (< 2^24)
	Challenge   [constants.TicketChallengeLength]byte
}

// SignedTicket is a Ticket plus the issuer's signature over its encoding.
type SignedTicket struct {
	Ticket
	Signature [constants.TicketSignatureLength]byte
}

// UnacknowledgedTicket is a ticket this node is relaying and awaiting the
// half-key response for, per §3.4/§4.6.
type UnacknowledgedTicket struct {
	SignedTicket
	OwnKey [32]byte
}

// AcknowledgedTicket is a ticket plus the half-key response revealing whether
// it is a winner (§3.4).
type AcknowledgedTicket struct {
	SignedTicket
	HalfKeyResponse [32]byte
}

func putUintBE(dst []byte, v uint64) error {
	max := uint64(1)<<(uint(len(dst))*8) - 1
	if v > max {
		return fmt.Errorf("types: value %d overflows %d-byte field", v, len(dst))
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	copy(dst, buf[8-len(dst):])
	return nil
}

func getUintBE(src []byte) uint64 {
	var buf [8]byte
	copy(buf[8-len(src):], src)
	return binary.BigEndian.Uint64(buf[:])
}

// Encode serializes the ticket into the fixed-order, big-endian wire format
// of spec §6:
//
//	channel_id(32) ‖ amount(12) ‖ index(6) ‖ index_offset(4) ‖ win_prob(7) ‖ epoch(3) ‖ challenge(20) ‖ signature(65)
func (t *SignedTicket) Encode() ([constants.TicketEncodedLength]byte, error) {
	var out [constants.TicketEncodedLength]byte
	off := 0
	copy(out[off:off+32], t.ChannelID[:])
	off += 32

	amount := t.Amount.Amount()
	amountBytes := amount.Bytes()
	if len(amountBytes) > constants.TicketAmountLength {
		return out, fmt.Errorf("types: ticket amount %s overflows %d-byte field", amount.String(), constants.TicketAmountLength)
	}
	copy(out[off+constants.TicketAmountLength-len(amountBytes):off+constants.TicketAmountLength], amountBytes)
	off += constants.TicketAmountLength

	if err := putUintBE(out[off:off+constants.TicketIndexLength], t.Index); err != nil {
		return out, err
	}
	off += constants.TicketIndexLength

	if err := putUintBE(out[off:off+constants.TicketIndexOffsetLen], uint64(t.IndexOffset)); err != nil {
		return out, err
	}
	off += constants.TicketIndexOffsetLen

	wp := EncodeWinProb(t.WinProb)
	copy(out[off:off+constants.TicketWinProbLength], wp[:])
	off += constants.TicketWinProbLength

	if err := putUintBE(out[off:off+constants.TicketEpochLength], uint64(t.Epoch)); err != nil {
		return out, err
	}
	off += constants.TicketEpochLength

	copy(out[off:off+constants.TicketChallengeLength], t.Challenge[:])
	off += constants.TicketChallengeLength

	copy(out[off:off+constants.TicketSignatureLength], t.Signature[:])
	off += constants.TicketSignatureLength

	return out, nil
}

// DecodeTicket parses the fixed wire format produced by Encode.
func DecodeTicket(b []byte) (SignedTicket, error) {
	var t SignedTicket
	if len(b) != constants.TicketEncodedLength {
		return t, fmt.Errorf("types: invalid ticket length %d, want %d", len(b), constants.TicketEncodedLength)
	}
	off := 0
	copy(t.ChannelID[:], b[off:off+32])
	off += 32

	amount := new(big.Int).SetBytes(b[off : off+constants.TicketAmountLength])
	t.Amount = currency.FromWei[currency.HOPRToken](amount)
	off += constants.TicketAmountLength

	t.Index = getUintBE(b[off : off+constants.TicketIndexLength])
	off += constants.TicketIndexLength

	t.IndexOffset = uint32(getUintBE(b[off : off+constants.TicketIndexOffsetLen]))
	off += constants.TicketIndexOffsetLen

	var wp [constants.TicketWinProbLength]byte
	copy(wp[:], b[off:off+constants.TicketWinProbLength])
	t.WinProb = DecodeWinProb(wp)
	off += constants.TicketWinProbLength

	t.Epoch = uint32(getUintBE(b[off : off+constants.TicketEpochLength]))
	off += constants.TicketEpochLength

	copy(t.Challenge[:], b[off:off+constants.TicketChallengeLength])
	off += constants.TicketChallengeLength

	copy(t.Signature[:], b[off:off+constants.TicketSignatureLength])
	off += constants.TicketSignatureLength

	return t, nil
}
