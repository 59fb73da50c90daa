// Package types holds the data-model entities of spec §3: identities,
// channels, tickets and packets. Kept free of behavior beyond simple
// constructors and codecs so every other package can depend on it without
// creating import cycles (§9's "arena" design note).
package types

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/hashcloak/mixnode/internal/constants"
)

// OffchainPublicKey identifies a mix node for packet routing (§3.1).
type OffchainPublicKey [constants.OffchainPublicKeyLength]byte

func (k OffchainPublicKey) String() string { return hex.EncodeToString(k[:]) }

// ChainAddress identifies a node for payments (§3.1).
type ChainAddress [constants.ChainAddressLength]byte

func (a ChainAddress) String() string { return hex.EncodeToString(a[:]) }

// KeyID is a compact identifier bijective with an OffchainPublicKey (§3.1).
type KeyID [constants.KeyIDLength]byte

func (k KeyID) String() string { return hex.EncodeToString(k[:]) }

// Pseudonym groups together the SURBs belonging to one logical reply channel (§3.1).
type Pseudonym [constants.PseudonymLength]byte

func (p Pseudonym) String() string { return hex.EncodeToString(p[:]) }

// SurbID identifies one SURB within a pseudonym (§3.1).
type SurbID [constants.SurbIDLength]byte

func (s SurbID) String() string { return hex.EncodeToString(s[:]) }

// TxHash identifies an on-chain transaction, used as the key for expectations (§4.8).
type TxHash [32]byte

func (h TxHash) String() string { return hex.EncodeToString(h[:]) }

// PacketTag is the per-hop replay-defense nonce derived from the shared secret (§3.4).
type PacketTag [32]byte

// ChannelID deterministically derives a channel identifier from its two
// on-chain parties: id = H(source ‖ dest), per spec §3.3.
func ChannelID(source, dest ChainAddress) [32]byte {
	h := sha256.New()
	h.Write(source[:])
	h.Write(dest[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
