// Package ticket implements C6, accounting for and validating per-hop
// payment tickets (spec §4.6).
//
// Grounded on original_source/protocols/hopr/src/decoder.rs's
// validate_and_replace_ticket / create_multihop_ticket flow for the
// accounting shape, and on the sharded-lock pattern spec §5 calls for
// ("C2, C6: per-key mutual exclusion via sharded locks").
package ticket

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/katzenpost/core/crypto/eddsa"

	"github.com/hashcloak/mixnode/internal/currency"
	"github.com/hashcloak/mixnode/internal/errs"
	"github.com/hashcloak/mixnode/internal/types"
)

type channelEpochKey struct {
	channel [32]byte
	epoch   uint32
}

// Tracker maintains, per (channel_id, epoch), the unrealized value: the
// sum of amounts of tickets accepted but not yet settled.
type Tracker struct {
	mapMu sync.Mutex
	locks map[channelEpochKey]*sync.Mutex

	valMu      sync.Mutex
	unrealized map[channelEpochKey]currency.Balance[currency.HOPRToken]
}

// New constructs an empty Tracker.
func New() *Tracker {
	return &Tracker{
		locks:      make(map[channelEpochKey]*sync.Mutex),
		unrealized: make(map[channelEpochKey]currency.Balance[currency.HOPRToken]),
	}
}

func (t *Tracker) lockFor(k channelEpochKey) *sync.Mutex {
	t.mapMu.Lock()
	defer t.mapMu.Unlock()
	l, ok := t.locks[k]
	if !ok {
		l = &sync.Mutex{}
		t.locks[k] = l
	}
	return l
}

func (t *Tracker) get(k channelEpochKey) currency.Balance[currency.HOPRToken] {
	t.valMu.Lock()
	defer t.valMu.Unlock()
	return t.unrealized[k]
}

func (t *Tracker) set(k channelEpochKey, v currency.Balance[currency.HOPRToken]) {
	t.valMu.Lock()
	defer t.valMu.Unlock()
	t.unrealized[k] = v
}

// IncomingChannelUnrealizedBalance returns the sum of amounts of tickets
// accepted on (channelID, epoch) but not yet settled.
func (t *Tracker) IncomingChannelUnrealizedBalance(channelID [32]byte, epoch uint32) currency.Balance[currency.HOPRToken] {
	k := channelEpochKey{channelID, epoch}
	l := t.lockFor(k)
	l.Lock()
	defer l.Unlock()
	return t.get(k)
}

// computeTicketAmount implements "amount = unit_price · (path_pos − 1)
// divided by win_prob" (spec §4.6) using a big.Float intermediate since
// WinProb is a fractional probability, not an integer divisor.
func computeTicketAmount(unitPrice currency.Balance[currency.HOPRToken], pathPos int, winProb types.WinProb) currency.Balance[currency.HOPRToken] {
	if pathPos <= 1 {
		return currency.Zero[currency.HOPRToken]()
	}
	f := new(big.Float).SetInt(unitPrice.Amount())
	f.Mul(f, big.NewFloat(float64(pathPos-1)))
	if winProb > 0 {
		f.Quo(f, big.NewFloat(float64(winProb)))
	}
	amount, _ := f.Int(nil)
	return currency.FromWei[currency.HOPRToken](amount)
}

// CreateMultihopTicket returns a Ticket already populated with the
// computed amount, reserving that amount against the outgoing channel's
// remaining balance. The last hop (path_pos == 1) gets HOPR's "zero_hop"
// counterparty form: a zero-amount ticket, since there is no further hop
// to pay for relaying.
func (t *Tracker) CreateMultihopTicket(channel types.Channel, pathPos int, winProb types.WinProb, unitPrice currency.Balance[currency.HOPRToken]) (types.Ticket, error) {
	amount := computeTicketAmount(unitPrice, pathPos, winProb)

	k := channelEpochKey{channel.ID, channel.Epoch}
	l := t.lockFor(k)
	l.Lock()
	defer l.Unlock()

	used := t.get(k)
	projected := used.Add(amount)
	if projected.Cmp(channel.Balance) > 0 {
		return types.Ticket{}, &errs.OutOfFunds{ChannelID: channel.ID, Amount: amount.String()}
	}
	t.set(k, projected)

	return types.Ticket{
		ChannelID: channel.ID,
		Amount:    amount,
		Index:     channel.TicketIndex + 1,
		WinProb:   winProb,
		Epoch:     channel.Epoch,
	}, nil
}

// CreditIncoming adds amount to (channelID, epoch)'s unrealized balance,
// for use once a validated incoming ticket is accepted: every ticket a
// peer hands us adds to what we could redeem but have not yet, and the
// remaining-balance floor in Validate (spec §3.3/§4.6) only bounds
// anything if accepted tickets are actually credited here.
func (t *Tracker) CreditIncoming(channelID [32]byte, epoch uint32, amount currency.Balance[currency.HOPRToken]) {
	k := channelEpochKey{channelID, epoch}
	l := t.lockFor(k)
	l.Lock()
	defer l.Unlock()
	t.set(k, t.get(k).Add(amount))
}

// Release rolls back a reservation made by CreateMultihopTicket, for use
// when the outgoing ticket is discarded before being sent (spec §4.6's
// atomicity note: a failure downstream of ticket creation must not leave
// committed unrealized value behind).
func (t *Tracker) Release(channelID [32]byte, epoch uint32, amount currency.Balance[currency.HOPRToken]) {
	k := channelEpochKey{channelID, epoch}
	l := t.lockFor(k)
	l.Lock()
	defer l.Unlock()
	t.set(k, t.get(k).Sub(amount))
}

// Sign produces a SignedTicket, padding the 64-byte EdDSA signature to the
// wire format's 65-byte field (spec §6). The reserved trailing byte is
// zero; HOPR's own 65-byte field holds an ECDSA recovery id, but no
// secp256k1/ECDSA-recoverable library is part of the example corpus, so
// this substitutes EdDSA (already used for node identity, grounded on
// mixmasala-server/nodekey.go's eddsa.PrivateKey) padded to the same width.
func Sign(t types.Ticket, priv *eddsa.PrivateKey) (types.SignedTicket, error) {
	signed := types.SignedTicket{Ticket: t}
	unsigned, err := (&signed).Encode()
	if err != nil {
		return signed, err
	}
	signedFields := unsigned[:len(unsigned)-len(signed.Signature)]
	sig := priv.Sign(signedFields)
	copy(signed.Signature[:64], sig)
	return signed, nil
}

var errInvalidSignature = errors.New("ticket: invalid signature")
var errEpochMismatch = errors.New("ticket: epoch mismatch")
var errIndexNotMonotonic = errors.New("ticket: index not monotonically increasing")
var errPriceBelowFloor = errors.New("ticket: amount below minimum price floor")
var errWinProbBelowFloor = errors.New("ticket: win probability below minimum floor")
var errExceedsRemainingBalance = errors.New("ticket: amount exceeds remaining channel balance")

// Validate checks a signed ticket against the issuing channel's static
// rules: signature, epoch, index monotonicity, price/win-prob floors and
// the remaining-balance invariant (spec §4.6). It performs signature
// verification, which is CPU-bound; callers should run it on a blocking
// thread pool (spec §4.6, §5).
func Validate(signed types.SignedTicket, channel types.Channel, minPrice currency.Balance[currency.HOPRToken], minWinProb types.WinProb, remainingBalance currency.Balance[currency.HOPRToken], issuer *eddsa.PublicKey) error {
	unsigned, err := (&signed).Encode()
	if err != nil {
		return fmt.Errorf("ticket: encode for verification: %w", err)
	}
	// The signature covers every field but itself.
	signedFields := unsigned[:len(unsigned)-len(signed.Signature)]
	if !issuer.Verify(signed.Signature[:64], signedFields) {
		return errInvalidSignature
	}
	if signed.Epoch != channel.Epoch {
		return errEpochMismatch
	}
	if signed.Index < channel.TicketIndex {
		return errIndexNotMonotonic
	}
	if signed.WinProb < minWinProb {
		return errWinProbBelowFloor
	}
	if signed.Amount.Cmp(minPrice) < 0 && !signed.Amount.IsZero() {
		return errPriceBelowFloor
	}
	if signed.Amount.Cmp(remainingBalance) > 0 {
		return errExceedsRemainingBalance
	}
	return nil
}
