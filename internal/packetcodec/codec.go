package packetcodec

import (
	"encoding/binary"
	"errors"
	"io"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/katzenpost/core/crypto/ecdh"
	ktzrand "github.com/katzenpost/core/crypto/rand"

	"github.com/hashcloak/mixnode/internal/constants"
	"github.com/hashcloak/mixnode/internal/errs"
	"github.com/hashcloak/mixnode/internal/types"
)

// HopSpec names one relay on a path: its compact KeyId (for routing, per
// C1) and the raw X25519 public key used to derive that hop's shared
// secret.
type HopSpec struct {
	KeyID  types.KeyID
	PubKey types.OffchainPublicKey
}

// Packet is the fixed-width on-wire mix packet of spec §6:
// sphinx_header ‖ payload_cipher ‖ ticket_encoded.
type Packet struct {
	Header  []byte
	Payload []byte
	Ticket  types.SignedTicket
}

// WireSize is the total fixed on-wire packet size.
var WireSize = HeaderSize + CipherPayloadSize + constants.TicketEncodedLength

// Encode serializes a Packet to its fixed-width wire form.
func (p *Packet) Encode() ([]byte, error) {
	if len(p.Header) != HeaderSize || len(p.Payload) != CipherPayloadSize {
		return nil, errs.ErrInvalidSize
	}
	ticketBytes, err := p.Ticket.Encode()
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, WireSize)
	out = append(out, p.Header...)
	out = append(out, p.Payload...)
	out = append(out, ticketBytes[:]...)
	return out, nil
}

// DecodePacket parses the fixed-width wire form produced by Encode.
func DecodePacket(b []byte) (*Packet, error) {
	if len(b) != WireSize {
		return nil, errs.ErrInvalidSize
	}
	p := &Packet{
		Header:  append([]byte(nil), b[:HeaderSize]...),
		Payload: append([]byte(nil), b[HeaderSize:HeaderSize+CipherPayloadSize]...),
	}
	ticket, err := types.DecodeTicket(b[HeaderSize+CipherPayloadSize:])
	if err != nil {
		return nil, err
	}
	p.Ticket = ticket
	return p, nil
}

// builtPath is the per-hop key material produced while constructing a
// header; it is consumed immediately by the payload-sealing phase and
// never retained by the sender (only relays keep PoR shares, across
// acknowledgements).
type builtPath struct {
	hdr          header
	payloadKeys  [][chacha20poly1305.KeySize]byte
	firstChallenge [20]byte
}

// buildHeaderAndKeys performs all of the path's asymmetric (ECDH) work:
// the part of into_outgoing/PartialHoprPacket that does not depend on the
// payload (spec §4.4's two-phase split).
func buildHeaderAndKeys(hops []HopSpec, domainSep string) (*builtPath, error) {
	n := len(hops)
	if n == 0 || n > constants.MaxHops {
		return nil, errors.New("packetcodec: path length must be in [1, H_max]")
	}

	ownShares := make([]PorShare, n)
	ackShares := make([]PorShare, n)
	for i := 0; i < n; i++ {
		if _, err := io.ReadFull(ktzrand.Reader, ownShares[i][:]); err != nil {
			return nil, err
		}
		if _, err := io.ReadFull(ktzrand.Reader, ackShares[i][:]); err != nil {
			return nil, err
		}
	}

	bp := &builtPath{payloadKeys: make([][chacha20poly1305.KeySize]byte, n)}
	for i := 0; i < n; i++ {
		ephPriv, err := genEphemeral()
		if err != nil {
			return nil, err
		}
		hopPub := new(ecdh.PublicKey)
		if err := hopPub.FromBytes(hops[i].PubKey[:]); err != nil {
			return nil, err
		}
		shared := ephPriv.Exp(hopPub)
		secrets := deriveHopSecrets(shared, ephPriv.PublicKey().Bytes(), domainSep)
		bp.payloadKeys[i] = secrets.payloadKey

		// PathPos counts hops remaining from this relay's own forward step
		// onward to the destination (inclusive): the relay immediately
		// before the final hop sees PathPos==1, matching the ticket
		// tracker's "path_pos <= 1 => zero_hop" rule (spec §4.6/§4.7).
		re := routingEntry{
			PathPos:  uint8(n - 1 - i),
			OwnShare: ownShares[i],
		}
		if i+1 < n {
			re.NextHopKeyID = hops[i+1].KeyID
			re.NextChallenge = porChallenge(ownShares[i+1], ackShares[i+1])
		} else {
			re.IsFinal = true
		}
		if i > 0 {
			re.AckShare = ackShares[i-1]
			re.AckChallenge = porChallenge(ownShares[i-1], ackShares[i-1])
		}

		sealed, err := sealBetaEntry(secrets.betaKey, re.encode())
		if err != nil {
			return nil, err
		}
		copy(bp.hdr.EphemeralPubKeys[i][:], ephPriv.PublicKey().Bytes())
		bp.hdr.Beta[i] = sealed
	}

	for i := n; i < constants.MaxHops; i++ {
		pub, entry, err := randomFillSlot()
		if err != nil {
			return nil, err
		}
		bp.hdr.EphemeralPubKeys[i] = pub
		bp.hdr.Beta[i] = entry
	}

	bp.firstChallenge = porChallenge(ownShares[0], ackShares[0])
	return bp, nil
}

// encodeSurbsBlock serializes attached SURBs ahead of the application
// payload, per §4.4 "attach optional SURBs (encoded to bytes under the
// mapper)".
func encodeSurbsBlock(surbs []types.SURB) ([]byte, error) {
	if len(surbs) > constants.MaxSurbsPerPacket {
		return nil, errors.New("packetcodec: too many SURBs for one packet")
	}
	out := []byte{byte(len(surbs))}
	for _, s := range surbs {
		if len(s.Header) != HeaderSize {
			return nil, errors.New("packetcodec: malformed SURB header")
		}
		entry := make([]byte, 0, 8+constants.KeyIDLength+2+len(s.Header))
		entry = append(entry, s.ID[:]...)
		entry = append(entry, s.FirstHopKeyID[:]...)
		var l [2]byte
		binary.BigEndian.PutUint16(l[:], uint16(len(s.Header)))
		entry = append(entry, l[:]...)
		entry = append(entry, s.Header...)
		out = append(out, entry...)
	}
	return out, nil
}

func decodeSurbsBlock(b []byte) ([]types.SURB, []byte, error) {
	if len(b) < 1 {
		return nil, nil, errors.New("packetcodec: truncated surbs block")
	}
	count := int(b[0])
	off := 1
	surbs := make([]types.SURB, 0, count)
	for i := 0; i < count; i++ {
		if off+8+constants.KeyIDLength+2 > len(b) {
			return nil, nil, errors.New("packetcodec: truncated surb entry")
		}
		var s types.SURB
		copy(s.ID[:], b[off:off+8])
		off += 8
		copy(s.FirstHopKeyID[:], b[off:off+constants.KeyIDLength])
		off += constants.KeyIDLength
		l := int(binary.BigEndian.Uint16(b[off : off+2]))
		off += 2
		if off+l > len(b) {
			return nil, nil, errors.New("packetcodec: truncated surb header")
		}
		s.Header = append([]byte(nil), b[off:off+l]...)
		off += l
		surbs = append(surbs, s)
	}
	return surbs, b[off:], nil
}

// PartialPacket is the first phase of the two-phase construction of
// §4.4: everything asymmetric precomputed, awaiting only the payload.
type PartialPacket struct {
	built *builtPath
}

// NewPartialPacket precomputes the header and per-hop key schedule for a
// path, independent of any particular payload.
func NewPartialPacket(hops []HopSpec, domainSep string) (*PartialPacket, error) {
	bp, err := buildHeaderAndKeys(hops, domainSep)
	if err != nil {
		return nil, err
	}
	return &PartialPacket{built: bp}, nil
}

// FirstHopChallenge is the PoR commitment to embed in the first ticket.
func (pp *PartialPacket) FirstHopChallenge() [20]byte { return pp.built.firstChallenge }

// IntoPacket finishes construction with only symmetric operations: sealing
// the payload and attaching the already-signed first-hop ticket.
func (pp *PartialPacket) IntoPacket(pseudonym types.Pseudonym, plain []byte, surbs []types.SURB, ticket types.SignedTicket) (*Packet, error) {
	surbsBlock, err := encodeSurbsBlock(surbs)
	if err != nil {
		return nil, err
	}
	composite := append(append([]byte{}, pseudonym[:]...), surbsBlock...)
	composite = append(composite, plain...)

	cipher, err := buildPayload(composite, pp.built.payloadKeys)
	if err != nil {
		return nil, err
	}
	return &Packet{
		Header:  pp.built.hdr.encode(),
		Payload: cipher,
		Ticket:  ticket,
	}, nil
}

// IntoOutgoing is the single-phase convenience form of §4.4's
// into_outgoing: build the header/keys and immediately seal the payload.
func IntoOutgoing(pseudonym types.Pseudonym, plain []byte, hops []HopSpec, surbs []types.SURB, domainSep string, ticketBuilder func(challenge [20]byte) (types.SignedTicket, error)) (*Packet, error) {
	pp, err := NewPartialPacket(hops, domainSep)
	if err != nil {
		return nil, err
	}
	ticket, err := ticketBuilder(pp.FirstHopChallenge())
	if err != nil {
		return nil, err
	}
	return pp.IntoPacket(pseudonym, plain, surbs, ticket)
}

// BuildSURB constructs a reply header for path hops plus the opener
// needed later to peel the eventual reply, per §3.4/§4.2's "pre-built
// reply header plus opener seeds".
func BuildSURB(hops []HopSpec, domainSep string) (types.SURB, types.ReplyOpener, error) {
	bp, err := buildHeaderAndKeys(hops, domainSep)
	if err != nil {
		return types.SURB{}, types.ReplyOpener{}, err
	}
	var id types.SurbID
	if _, err := io.ReadFull(ktzrand.Reader, id[:]); err != nil {
		return types.SURB{}, types.ReplyOpener{}, err
	}
	surb := types.SURB{
		ID:            id,
		FirstHopKeyID: hops[0].KeyID,
		Header:        bp.hdr.encode(),
	}
	opener := types.ReplyOpener{PayloadKeys: bp.payloadKeys}
	return surb, opener, nil
}

// WrapReplyPayloadLayer is applied by each relay forwarding a SURB-based
// reply: rather than opening a layer (the relay has no matching
// ciphertext yet), it adds one, symmetric to how the destination will
// peel them all off in DecodeSurbReply.
func WrapReplyPayloadLayer(payloadKey [chacha20poly1305.KeySize]byte, payload []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(payloadKey[:])
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, zeroNonce[:], payload, nil), nil
}

// DecodeSurbReply undoes the wraps added by each hop on a SURB-based
// reply, in reverse hop order, and returns the replier's plaintext.
func DecodeSurbReply(opener types.ReplyOpener, payload []byte) ([]byte, error) {
	ct := payload
	for i := len(opener.PayloadKeys) - 1; i >= 0; i-- {
		aead, err := chacha20poly1305.New(opener.PayloadKeys[i][:])
		if err != nil {
			return nil, err
		}
		opened, err := aead.Open(nil, zeroNonce[:], ct, nil)
		if err != nil {
			return nil, errs.ErrDecryptionFailed
		}
		ct = opened
	}
	return ct, nil
}
