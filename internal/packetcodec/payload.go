package packetcodec

import (
	"encoding/binary"
	"errors"
	"io"

	"golang.org/x/crypto/chacha20poly1305"

	ktzrand "github.com/katzenpost/core/crypto/rand"

	"github.com/hashcloak/mixnode/internal/constants"
)

// CipherPayloadSize is the fixed wire width of payload_cipher (spec §6):
// the plaintext capacity plus one AEAD tag's worth of shrinkage budget per
// possible hop, so that the payload's size never changes as it is
// onion-peeled hop by hop.
var CipherPayloadSize = constants.PayloadSize + constants.MaxHops*aeadTagSize

// buildPayload layers one AEAD seal per real hop (innermost/final first,
// outermost/first-hop last) around the application plaintext, then pads
// the unused hop budget with random bytes so the result is always exactly
// CipherPayloadSize, regardless of the real path length.
func buildPayload(plain []byte, payloadKeys []([chacha20poly1305.KeySize]byte)) ([]byte, error) {
	capacity := constants.PayloadSize
	if len(plain) > capacity-2 {
		return nil, errors.New("packetcodec: plaintext exceeds payload capacity")
	}

	buf := make([]byte, capacity)
	binary.BigEndian.PutUint16(buf[:2], uint16(len(plain)))
	copy(buf[2:], plain)

	ct := buf
	for i := len(payloadKeys) - 1; i >= 0; i-- {
		aead, err := chacha20poly1305.New(payloadKeys[i][:])
		if err != nil {
			return nil, err
		}
		ct = aead.Seal(nil, zeroNonce[:], ct, nil)
	}

	if len(ct) > CipherPayloadSize {
		return nil, errors.New("packetcodec: path exceeds H_max, payload overflowed")
	}
	pad := make([]byte, CipherPayloadSize-len(ct))
	if _, err := io.ReadFull(ktzrand.Reader, pad); err != nil {
		return nil, err
	}
	return append(ct, pad...), nil
}

// peelPayloadLayer opens one AEAD layer and re-pads the tail with fresh
// random bytes so the forwarded ciphertext is again exactly
// CipherPayloadSize bytes wide.
func peelPayloadLayer(payloadKey [chacha20poly1305.KeySize]byte, cipher []byte) ([]byte, error) {
	if len(cipher) != CipherPayloadSize {
		return nil, errors.New("packetcodec: invalid payload_cipher length")
	}
	aead, err := chacha20poly1305.New(payloadKey[:])
	if err != nil {
		return nil, err
	}
	opened, err := aead.Open(nil, zeroNonce[:], cipher, nil)
	if err != nil {
		return nil, err
	}
	pad := make([]byte, aeadTagSize)
	if _, err := io.ReadFull(ktzrand.Reader, pad); err != nil {
		return nil, err
	}
	return append(opened, pad...), nil
}

// openFinalPayload opens the last remaining AEAD layer at the destination
// and extracts the length-prefixed application plaintext.
func openFinalPayload(payloadKey [chacha20poly1305.KeySize]byte, cipher []byte) ([]byte, error) {
	if len(cipher) != CipherPayloadSize {
		return nil, errors.New("packetcodec: invalid payload_cipher length")
	}
	aead, err := chacha20poly1305.New(payloadKey[:])
	if err != nil {
		return nil, err
	}
	opened, err := aead.Open(nil, zeroNonce[:], cipher, nil)
	if err != nil {
		return nil, err
	}
	if len(opened) < 2 {
		return nil, errors.New("packetcodec: truncated plaintext")
	}
	n := binary.BigEndian.Uint16(opened[:2])
	if int(n) > len(opened)-2 {
		return nil, errors.New("packetcodec: corrupt plaintext length prefix")
	}
	return opened[2 : 2+n], nil
}
