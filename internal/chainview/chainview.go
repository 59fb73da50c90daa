// Package chainview implements C5, the read-only chain-state surface
// consumed by the ticket tracker (C6) and decoder (C7): spec §4.5.
package chainview

import (
	"context"

	"github.com/katzenpost/core/crypto/eddsa"

	"github.com/hashcloak/mixnode/internal/currency"
	"github.com/hashcloak/mixnode/internal/types"
)

// View is the read-only chain-state surface of spec §4.5. Implementations
// are expected to be cached with bounded TTLs; callers must not assume
// strong consistency across calls, only that each call returns some value
// consistent with a recent chain state.
type View interface {
	ChannelByParties(ctx context.Context, src, dst types.ChainAddress) (types.Channel, bool, error)
	PacketKeyToChainKey(ctx context.Context, pk types.OffchainPublicKey) (types.ChainAddress, bool, error)
	MinimumTicketPrice(ctx context.Context) (currency.Balance[currency.HOPRToken], error)
	MinimumIncomingTicketWinProb(ctx context.Context) (types.WinProb, error)
	// OutgoingTicketValues derives the (win probability, unit price) this
	// node should use for tickets it issues, given its configured
	// preferences and the network's current floors.
	OutgoingTicketValues(ctx context.Context, cfgWinProb types.WinProb, cfgPrice currency.Balance[currency.HOPRToken]) (types.WinProb, currency.Balance[currency.HOPRToken], error)
	// ChainSigningKey resolves a ChainAddress to the public key tickets
	// issued by that address are verified against. HOPR's real ticket
	// signature is ECDSA-recoverable, so its verifier never needs this
	// lookup (the signature itself reveals the signer's address); this
	// module substitutes EdDSA (not recoverable, see internal/ticket), so
	// C7 needs an explicit address->signing-key binding to verify an
	// incoming ticket's issuer (spec §4.6's "verifies the ticket's
	// signature was produced by channel.source").
	ChainSigningKey(ctx context.Context, addr types.ChainAddress) (*eddsa.PublicKey, bool, error)
}
