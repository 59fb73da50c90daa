package packetcodec

import (
	"github.com/katzenpost/core/crypto/ecdh"

	"github.com/hashcloak/mixnode/internal/constants"
	"github.com/hashcloak/mixnode/internal/errs"
	"github.com/hashcloak/mixnode/internal/types"
)

// ForwardedResult is returned by FromIncoming when this node is an
// intermediate relay (spec §4.4).
type ForwardedResult struct {
	NextHopKeyID    types.KeyID
	OutgoingHeader  []byte
	OutgoingPayload []byte
	AckShare        PorShare // reveal to the previous hop now
	OwnShare        PorShare // retain pending the next hop's ack
	NextChallenge   [20]byte // challenge for the outgoing ticket to NextHopKeyID
	AckChallenge    [20]byte // challenge AckShare resolves for the previous hop
	PacketTag       types.PacketTag
	PathPos         uint8
}

// FinalResult is returned by FromIncoming when this node is the packet's
// destination (spec §4.4).
type FinalResult struct {
	Pseudonym types.Pseudonym
	PlainText []byte
	SURBs     []types.SURB
	AckShare     PorShare
	AckChallenge [20]byte // challenge AckShare resolves for the previous hop
	PacketTag    types.PacketTag
	PathPos      uint8
}

// FromIncoming peels one onion layer using myPriv, this hop's own packet
// private key, combined with the ephemeral public key carried in the
// header's first slot. It is structurally unable to
// distinguish "was I the intended first hop" from any other position —
// the caller (C7) is responsible for rejecting a packet handed to
// FromIncoming that the routing layer never should have delivered here
// (the spec's Outgoing-is-invalid-here case), since that classification
// depends on transport-level context this package does not see.
func FromIncoming(pkt *Packet, myPriv *ecdh.PrivateKey, domainSep string) (interface{}, error) {
	if len(pkt.Header) != HeaderSize || len(pkt.Payload) != CipherPayloadSize {
		return nil, errs.ErrInvalidSize
	}
	hdr, err := decodeHeader(pkt.Header)
	if err != nil {
		return nil, errs.ErrInvalidSize
	}

	ephPub := new(ecdh.PublicKey)
	if err := ephPub.FromBytes(hdr.EphemeralPubKeys[0][:]); err != nil {
		return nil, errs.ErrUndecodable
	}
	shared := myPriv.Exp(ephPub)
	secrets := deriveHopSecrets(shared, hdr.EphemeralPubKeys[0][:], domainSep)

	if secrets.tag == (types.PacketTag{}) {
		return nil, errs.ErrEmptyTag
	}

	betaPlain, err := openBetaEntry(secrets.betaKey, hdr.Beta[0][:])
	if err != nil {
		return nil, errs.ErrDecryptionFailed
	}
	re, err := decodeRoutingEntry(betaPlain)
	if err != nil {
		return nil, errs.ErrUndecodable
	}

	if re.IsFinal {
		composite, err := openFinalPayload(secrets.payloadKey, pkt.Payload)
		if err != nil {
			return nil, errs.ErrDecryptionFailed
		}
		if len(composite) < constants.PseudonymLength {
			return nil, errs.ErrUndecodable
		}
		var pseudonym types.Pseudonym
		copy(pseudonym[:], composite[:constants.PseudonymLength])
		surbs, plainText, err := decodeSurbsBlock(composite[constants.PseudonymLength:])
		if err != nil {
			return nil, errs.ErrUndecodable
		}
		return &FinalResult{
			Pseudonym:    pseudonym,
			PlainText:    plainText,
			SURBs:        surbs,
			AckShare:     re.AckShare,
			AckChallenge: re.AckChallenge,
			PacketTag:    secrets.tag,
			PathPos:      re.PathPos,
		}, nil
	}

	peeledPayload, err := peelPayloadLayer(secrets.payloadKey, pkt.Payload)
	if err != nil {
		return nil, errs.ErrDecryptionFailed
	}

	outHdr := shiftHeader(hdr)

	return &ForwardedResult{
		NextHopKeyID:    re.NextHopKeyID,
		OutgoingHeader:  outHdr.encode(),
		OutgoingPayload: peeledPayload,
		AckShare:        re.AckShare,
		OwnShare:        re.OwnShare,
		NextChallenge:   re.NextChallenge,
		AckChallenge:    re.AckChallenge,
		PacketTag:       secrets.tag,
		PathPos:         re.PathPos,
	}, nil
}

// shiftHeader drops the consumed slot 0 and appends a fresh random filler
// slot at the tail, keeping the forwarded header exactly HeaderSize bytes
// and indistinguishable in shape from a freshly built one.
func shiftHeader(hdr header) header {
	var out header
	for i := 0; i+1 < len(hdr.EphemeralPubKeys); i++ {
		out.EphemeralPubKeys[i] = hdr.EphemeralPubKeys[i+1]
		out.Beta[i] = hdr.Beta[i+1]
	}
	last := len(out.EphemeralPubKeys) - 1
	pub, entry, err := randomFillSlot()
	if err != nil {
		// Filler generation only fails on an exhausted CSPRNG; there is no
		// sane recovery, and the caller cannot do better than a zeroed slot.
		out.EphemeralPubKeys[last] = pub
		out.Beta[last] = entry
		return out
	}
	out.EphemeralPubKeys[last] = pub
	out.Beta[last] = entry
	return out
}
