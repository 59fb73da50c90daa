// Package packetcodec implements C4, the onion packet codec of spec §4.4:
// encoding/decoding Sphinx-style packets carrying a proof-of-relay (PoR)
// challenge chain and optional SURBs.
//
// Grounded on the teacher's own use of github.com/katzenpost/core/sphinx in
// internal/decoy/decoy.go (NewPacket/NewSURB/DecryptSURBPayload) for the
// idea of a fixed-size onion wrapping a PoR-bearing mix packet, and on
// katzenpost/core/crypto/ecdh (as used in mixmasala-server/nodekey.go) for
// the X25519 key type. The concrete peeling construction departs from
// katzenpost's own sphinx package (whose internal blinding/filler API is
// not part of the corpus we can ground call-sites on) in favor of a
// fixed-slot-array header: one ephemeral X25519 key and one AEAD-sealed
// routing entry per hop slot, shifted left and re-padded with fresh random
// bytes on every forward. This keeps the header a compile-time-constant
// size parameterized by H_max (spec §6) and each hop's routing entry
// confidential to that hop, at the cost of the single constantly-blinded
// alpha point of classical Sphinx — recorded as a design simplification in
// DESIGN.md.
package packetcodec

import (
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/katzenpost/core/crypto/ecdh"
	ktzrand "github.com/katzenpost/core/crypto/rand"

	"github.com/hashcloak/mixnode/internal/constants"
	"github.com/hashcloak/mixnode/internal/types"
)

const (
	aeadTagSize = chacha20poly1305.Overhead // 16
	pubKeySize  = 32

	// finalMarker in a routing entry's NextHopKeyID field means "deliver
	// locally": an entry whose KeyId is all finalMarkerByte is treated as
	// final. C1 does not reserve this value; it binds whatever KeyIds it is
	// given.
	finalMarkerByte = 0xFF

	// betaPlainSize is the plaintext width of one routing entry:
	// nextHopKeyId(4) ‖ pathPos(1) ‖ ownShare(32) ‖ ackShare(32) ‖
	// nextChallenge(20) ‖ ackChallenge(20).
	betaPlainSize = constants.KeyIDLength + 1 + 32 + 32 + 20 + 20
	// hopEntrySize is the sealed (AEAD) width of one routing entry on the wire.
	hopEntrySize = betaPlainSize + aeadTagSize
)

var zeroNonce [chacha20poly1305.NonceSize]byte

// HeaderSize is the fixed on-wire size of a packet header for the default
// H_max (spec §6: "sphinx_header size is a compile-time constant
// parameterized by H_max").
var HeaderSize = constants.MaxHops*pubKeySize + constants.MaxHops*hopEntrySize

// header is the fixed-size onion routing header.
type header struct {
	EphemeralPubKeys [constants.MaxHops][pubKeySize]byte
	Beta             [constants.MaxHops][hopEntrySize]byte
}

func (h *header) encode() []byte {
	out := make([]byte, 0, HeaderSize)
	for i := 0; i < constants.MaxHops; i++ {
		out = append(out, h.EphemeralPubKeys[i][:]...)
	}
	for i := 0; i < constants.MaxHops; i++ {
		out = append(out, h.Beta[i][:]...)
	}
	return out
}

func decodeHeader(b []byte) (header, error) {
	var h header
	if len(b) != HeaderSize {
		return h, errors.New("packetcodec: invalid header length")
	}
	off := 0
	for i := 0; i < constants.MaxHops; i++ {
		copy(h.EphemeralPubKeys[i][:], b[off:off+pubKeySize])
		off += pubKeySize
	}
	for i := 0; i < constants.MaxHops; i++ {
		copy(h.Beta[i][:], b[off:off+hopEntrySize])
		off += hopEntrySize
	}
	return h, nil
}

// hopSecrets is everything derived from one hop's ECDH shared secret.
type hopSecrets struct {
	betaKey    [chacha20poly1305.KeySize]byte
	payloadKey [chacha20poly1305.KeySize]byte
	tag        types.PacketTag
}

func deriveHopSecrets(sharedSecret, ephemeralPub []byte, domainSep string) hopSecrets {
	var s hopSecrets
	r := hkdf.New(sha256.New, sharedSecret, ephemeralPub, []byte(domainSep+":beta"))
	io.ReadFull(r, s.betaKey[:])

	r = hkdf.New(sha256.New, sharedSecret, ephemeralPub, []byte(domainSep+":payload"))
	io.ReadFull(r, s.payloadKey[:])

	r = hkdf.New(sha256.New, sharedSecret, ephemeralPub, []byte(domainSep+":tag"))
	io.ReadFull(r, s.tag[:])
	return s
}

// sealBetaEntry AEAD-encrypts one routing entry's plaintext under betaKey.
func sealBetaEntry(betaKey [chacha20poly1305.KeySize]byte, plain []byte) ([hopEntrySize]byte, error) {
	var out [hopEntrySize]byte
	aead, err := chacha20poly1305.New(betaKey[:])
	if err != nil {
		return out, err
	}
	ct := aead.Seal(nil, zeroNonce[:], plain, nil)
	copy(out[:], ct)
	return out, nil
}

func openBetaEntry(betaKey [chacha20poly1305.KeySize]byte, sealed []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(betaKey[:])
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, zeroNonce[:], sealed, nil)
}

// routingEntry is the decoded plaintext of one hop's beta slot.
type routingEntry struct {
	NextHopKeyID  types.KeyID
	IsFinal       bool
	PathPos       uint8
	OwnShare      PorShare
	AckShare      PorShare
	NextChallenge [20]byte
	// AckChallenge is the PoR challenge the previous hop is waiting to have
	// resolved by AckShare; the sender precomputes it (it already knows
	// every hop's shares) since a relay holding only AckShare cannot derive
	// it itself (the commitment is not separable into its two halves).
	AckChallenge [20]byte
}

func (re routingEntry) encode() []byte {
	out := make([]byte, 0, betaPlainSize)
	if re.IsFinal {
		out = append(out, finalMarkerByte, finalMarkerByte, finalMarkerByte, finalMarkerByte)
	} else {
		out = append(out, re.NextHopKeyID[:]...)
	}
	out = append(out, re.PathPos)
	out = append(out, re.OwnShare[:]...)
	out = append(out, re.AckShare[:]...)
	out = append(out, re.NextChallenge[:]...)
	out = append(out, re.AckChallenge[:]...)
	return out
}

func decodeRoutingEntry(b []byte) (routingEntry, error) {
	var re routingEntry
	if len(b) != betaPlainSize {
		return re, errors.New("packetcodec: invalid routing entry length")
	}
	off := 0
	copy(re.NextHopKeyID[:], b[off:off+constants.KeyIDLength])
	re.IsFinal = re.NextHopKeyID == finalMarkerKeyID()
	off += constants.KeyIDLength
	re.PathPos = b[off]
	off++
	copy(re.OwnShare[:], b[off:off+32])
	off += 32
	copy(re.AckShare[:], b[off:off+32])
	off += 32
	copy(re.NextChallenge[:], b[off:off+20])
	off += 20
	copy(re.AckChallenge[:], b[off:off+20])
	return re, nil
}

func finalMarkerKeyID() types.KeyID {
	var k types.KeyID
	for i := range k {
		k[i] = finalMarkerByte
	}
	return k
}

// randomFillSlot produces an indistinguishable-from-real filler for a
// beyond-real-path header slot: a fresh ephemeral key with no retained
// private half, and random sealed bytes nobody holds the AEAD key for.
func randomFillSlot() ([pubKeySize]byte, [hopEntrySize]byte, error) {
	var pub [pubKeySize]byte
	var entry [hopEntrySize]byte
	if _, err := io.ReadFull(ktzrand.Reader, pub[:]); err != nil {
		return pub, entry, err
	}
	if _, err := io.ReadFull(ktzrand.Reader, entry[:]); err != nil {
		return pub, entry, err
	}
	return pub, entry, nil
}

// genEphemeral creates a fresh X25519 keypair for one hop slot.
func genEphemeral() (*ecdh.PrivateKey, error) {
	return ecdh.NewKeypair(ktzrand.Reader)
}
