// Package decoder implements C7, orchestrating C3 (replay), C4 (packet
// codec), C5 (chain views) and C6 (ticket tracker) over one inbound
// packet at a time, per spec §4.7.
//
// Grounded directly on
// original_source/protocols/hopr/src/decoder.rs's HoprDecoder::decode and
// validate_and_replace_ticket: the same consult-replay-before-ticket-work
// ordering, the same previous/next channel lookups, and the same
// path_pos-driven multihop-vs-zero_hop split. The peer-id -> public-key
// cache decoder.rs keeps (a moka cache over libp2p PeerIds) has no
// counterpart here: this module's callers already hand over the sender's
// OffchainPublicKey directly (there is no intervening libp2p PeerId
// encoding in this transport), so that cache layer is simply absent
// rather than replaced.
package decoder

import (
	"context"

	"github.com/katzenpost/core/crypto/ecdh"
	"github.com/katzenpost/core/crypto/eddsa"

	"github.com/hashcloak/mixnode/internal/chainview"
	"github.com/hashcloak/mixnode/internal/constants"
	"github.com/hashcloak/mixnode/internal/currency"
	"github.com/hashcloak/mixnode/internal/errs"
	"github.com/hashcloak/mixnode/internal/keymap"
	"github.com/hashcloak/mixnode/internal/packetcodec"
	"github.com/hashcloak/mixnode/internal/replay"
	"github.com/hashcloak/mixnode/internal/surbstore"
	"github.com/hashcloak/mixnode/internal/ticket"
	"github.com/hashcloak/mixnode/internal/types"
)

// Config carries this node's ticket-issuing preferences (spec §4.6's
// cfg_win_prob/cfg_price passed into chainview.View.OutgoingTicketValues).
type Config struct {
	DomainSep           string
	OutgoingWinProb     types.WinProb
	OutgoingTicketPrice currency.Balance[currency.HOPRToken]
}

// AcknowledgementOutcome is produced when a Final packet's payload is
// itself a proof-of-relay half-key reveal rather than application data
// (decoder.rs's IncomingAcknowledgementPacket). PlainText carries
// challenge(20) ‖ share(32): the PendingAcknowledgement this reveal
// resolves, and the revealed half. Resolution against C6's PendingTable
// happens inline, since the pending entry (and the TTL it ages out
// against) is only meaningful while still held by this node.
type AcknowledgementOutcome struct {
	PreviousHop  types.OffchainPublicKey
	PacketTag    types.PacketTag
	Challenge    [constants.TicketChallengeLength]byte
	ReceivedAck  packetcodec.PorShare
	Acknowledged *types.AcknowledgedTicket
	ResolveErr   error
}

// FinalOutcome is produced when a Final packet carries application data
// for this node (decoder.rs's IncomingFinalPacket).
type FinalOutcome struct {
	PreviousHop types.OffchainPublicKey
	PacketTag   types.PacketTag
	Pseudonym   types.Pseudonym
	PlainText   []byte
	NumSurbs    int
	AckShare    packetcodec.PorShare
}

// ForwardedOutcome is produced when this node must relay the packet on,
// carrying the re-encoded outgoing packet and the unacknowledged ticket
// this node is now owed (decoder.rs's IncomingForwardedPacket).
//
// ReceivedTicket is filed into C6's PendingTable (keyed by its own
// Challenge) before this outcome is returned, so it is ready to be
// resolved the moment the matching AcknowledgementOutcome arrives.
// AckShare/AckChallenge are this node's own reveal owed back to
// PreviousHop — the half-key response PreviousHop needs to redeem the
// ticket it gave this node — left for the caller to relay onward since
// the transport that carries it there is out of scope (spec §1).
type ForwardedOutcome struct {
	PreviousHop    types.OffchainPublicKey
	PacketTag      types.PacketTag
	NextHopKeyID   types.KeyID
	OutgoingPacket *packetcodec.Packet
	ReceivedTicket types.UnacknowledgedTicket
	AckShare       packetcodec.PorShare
	AckChallenge   [constants.TicketChallengeLength]byte
}

// Decoder implements C7: the single point that drives C3/C4/C5/C6 in
// sequence over one inbound wire packet.
type Decoder struct {
	view    chainview.View
	surbs   *surbstore.Store
	tracker *ticket.Tracker
	pending *ticket.PendingTable
	filter  *replay.Filter
	mapper  *keymap.Mapper

	packetKey *ecdh.PrivateKey
	chainKey  *eddsa.PrivateKey
	chainAddr types.ChainAddress

	cfg Config
}

// New constructs a Decoder wired to its C1/C2/C3/C5/C6 collaborators and
// this node's own packet/chain identity.
func New(view chainview.View, surbs *surbstore.Store, tracker *ticket.Tracker, pending *ticket.PendingTable, filter *replay.Filter, mapper *keymap.Mapper, packetKey *ecdh.PrivateKey, chainKey *eddsa.PrivateKey, chainAddr types.ChainAddress, cfg Config) *Decoder {
	return &Decoder{
		view:      view,
		surbs:     surbs,
		tracker:   tracker,
		pending:   pending,
		filter:    filter,
		mapper:    mapper,
		packetKey: packetKey,
		chainKey:  chainKey,
		chainAddr: chainAddr,
		cfg:       cfg,
	}
}

// Decode is the single entry point for C7: it decodes one wire packet
// received from previousHop and returns one of
// *AcknowledgementOutcome / *FinalOutcome / *ForwardedOutcome.
//
// Errors are either errs.ErrUndecodable (no replay credit consulted,
// since an undecodable packet cannot be acknowledged), *errs.ProcessingError
// wrapping errs.ErrReplay, or *errs.InvalidTicket / *errs.ProcessingError
// from the ticket-replacement step, matching decoder.rs's
// IncomingPacketError variants. When the outgoing channel cannot fund the
// next ticket, the bare *errs.OutOfFunds is returned unwrapped.
func (d *Decoder) Decode(ctx context.Context, previousHop types.OffchainPublicKey, wire []byte) (interface{}, error) {
	pkt, err := packetcodec.DecodePacket(wire)
	if err != nil {
		return nil, errs.ErrUndecodable
	}

	result, err := packetcodec.FromIncoming(pkt, d.packetKey, d.cfg.DomainSep)
	if err != nil {
		// A structural/cryptographic decode failure cannot be
		// acknowledged, so no replay credit is consumed (spec §4.7).
		return nil, errs.ErrUndecodable
	}

	var tag types.PacketTag
	switch r := result.(type) {
	case *packetcodec.FinalResult:
		tag = r.PacketTag
	case *packetcodec.ForwardedResult:
		tag = r.PacketTag
	default:
		return nil, &errs.ProcessingError{Peer: previousHop.String(), Err: &errs.InvalidState{Msg: "cannot be outgoing packet"}}
	}

	if d.filter.CheckAndSet(tag) {
		return nil, &errs.ProcessingError{Peer: previousHop.String(), Err: errs.ErrReplay}
	}

	switch r := result.(type) {
	case *packetcodec.FinalResult:
		return d.handleFinal(previousHop, r), nil
	case *packetcodec.ForwardedResult:
		return d.handleForwarded(ctx, previousHop, pkt.Ticket, r)
	default:
		panic("unreachable")
	}
}

func (d *Decoder) handleFinal(previousHop types.OffchainPublicKey, r *packetcodec.FinalResult) interface{} {
	if len(r.SURBs) > 0 {
		d.surbs.PushMany(r.Pseudonym, r.SURBs)
	}

	if r.AckShare == (packetcodec.PorShare{}) {
		// No ack_key: the payload itself is a half-key reveal
		// (decoder.rs's "ack_key.is_none()" acknowledgement branch).
		return d.handleAcknowledgement(previousHop, r)
	}

	return &FinalOutcome{
		PreviousHop: previousHop,
		PacketTag:   r.PacketTag,
		Pseudonym:   r.Pseudonym,
		PlainText:   r.PlainText,
		NumSurbs:    len(r.SURBs),
		AckShare:    r.AckShare,
	}
}

// acknowledgementPayloadLen is the wire width of an acknowledgement
// packet's plaintext: the PendingAcknowledgement challenge it resolves,
// followed by the revealed PoR share.
const acknowledgementPayloadLen = constants.TicketChallengeLength + 32

// handleAcknowledgement resolves one incoming half-key reveal against C6's
// PendingTable, producing a redeemable AcknowledgedTicket on success
// (decoder.rs's acknowledgement-consumption half of the PoR lifecycle,
// spec §3.4).
func (d *Decoder) handleAcknowledgement(previousHop types.OffchainPublicKey, r *packetcodec.FinalResult) *AcknowledgementOutcome {
	out := &AcknowledgementOutcome{PreviousHop: previousHop, PacketTag: r.PacketTag}

	if len(r.PlainText) != acknowledgementPayloadLen {
		out.ResolveErr = errs.ErrInvalidSize
		return out
	}
	copy(out.Challenge[:], r.PlainText[:constants.TicketChallengeLength])
	copy(out.ReceivedAck[:], r.PlainText[constants.TicketChallengeLength:])

	ackTk, err := d.pending.Resolve(out.Challenge, out.ReceivedAck)
	if err != nil {
		out.ResolveErr = err
		return out
	}
	out.Acknowledged = &ackTk
	return out
}

// handleForwarded implements validate_and_replace_ticket: validate the
// incoming ticket against the (previous_hop, me) channel, then build and
// sign a fresh outgoing ticket to next_hop, re-encoding the packet to
// carry it onward.
func (d *Decoder) handleForwarded(ctx context.Context, previousHop types.OffchainPublicKey, incoming types.SignedTicket, fwd *packetcodec.ForwardedResult) (*ForwardedOutcome, error) {
	pe := func(err error) error { return &errs.ProcessingError{Peer: previousHop.String(), Err: err} }

	previousHopAddr, ok, err := d.view.PacketKeyToChainKey(ctx, previousHop)
	if err != nil {
		return nil, pe(&errs.ResolverError{Err: err})
	}
	if !ok {
		return nil, pe(errs.ErrKeyNotFound)
	}

	nextHopPub, _, ok := d.mapper.ByKeyID(fwd.NextHopKeyID)
	if !ok {
		return nil, pe(errs.ErrUnknownKeyID)
	}
	nextHopAddr, ok, err := d.view.PacketKeyToChainKey(ctx, nextHopPub)
	if err != nil {
		return nil, pe(&errs.ResolverError{Err: err})
	}
	if !ok {
		return nil, pe(errs.ErrKeyNotFound)
	}

	incomingChannel, ok, err := d.view.ChannelByParties(ctx, previousHopAddr, d.chainAddr)
	if err != nil {
		return nil, pe(&errs.ResolverError{Err: err})
	}
	if !ok {
		return nil, pe(errs.ErrChannelNotFound)
	}

	minTicketPrice, err := d.view.MinimumTicketPrice(ctx)
	if err != nil {
		return nil, pe(&errs.ResolverError{Err: err})
	}
	minTicketPriceFloor := minTicketPrice.MulUint64(uint64(fwd.PathPos))

	minWinProb, err := d.view.MinimumIncomingTicketWinProb(ctx)
	if err != nil {
		return nil, pe(&errs.ResolverError{Err: err})
	}

	unrealized := d.tracker.IncomingChannelUnrealizedBalance(incomingChannel.ID, incomingChannel.Epoch)
	remainingBalance := incomingChannel.Balance.Sub(unrealized)

	issuer, ok, err := d.view.ChainSigningKey(ctx, previousHopAddr)
	if err != nil {
		return nil, pe(&errs.ResolverError{Err: err})
	}
	if !ok {
		return nil, pe(errs.ErrKeyNotFound)
	}

	if err := ticket.Validate(incoming, incomingChannel, minTicketPriceFloor, minWinProb, remainingBalance, issuer); err != nil {
		return nil, &errs.InvalidTicket{Peer: previousHop.String(), Reason: err.Error()}
	}

	var outgoing types.Ticket
	if fwd.PathPos > 1 {
		// There must be a channel to the next hop if it is not the final
		// hop; without it the incoming ticket we just validated cannot be
		// acknowledged, so the whole step fails rather than degrading to
		// zero_hop silently (spec §4.7).
		outgoingChannel, ok, err := d.view.ChannelByParties(ctx, d.chainAddr, nextHopAddr)
		if err != nil {
			return nil, pe(&errs.ResolverError{Err: err})
		}
		if !ok {
			return nil, pe(errs.ErrChannelNotFound)
		}

		outWinProb, outPrice, err := d.view.OutgoingTicketValues(ctx, d.cfg.OutgoingWinProb, d.cfg.OutgoingTicketPrice)
		if err != nil {
			return nil, pe(&errs.ResolverError{Err: err})
		}
		// Win probability never decreases along the path (spec §3.3).
		if incoming.WinProb > outWinProb {
			outWinProb = incoming.WinProb
		}

		outgoing, err = d.tracker.CreateMultihopTicket(outgoingChannel, int(fwd.PathPos), outWinProb, outPrice)
		if err != nil {
			if of, ok := err.(*errs.OutOfFunds); ok {
				return nil, of
			}
			return nil, pe(err)
		}
	} else {
		// zero_hop: next_hop is the final destination, which earns no
		// further-relay payment (spec §4.6/§4.7).
		outgoing = types.Ticket{
			ChannelID: types.ChannelID(d.chainAddr, nextHopAddr),
			Amount:    currency.Zero[currency.HOPRToken](),
			WinProb:   incoming.WinProb,
		}
	}
	outgoing.Challenge = fwd.NextChallenge

	signedOutgoing, err := ticket.Sign(outgoing, d.chainKey)
	if err != nil {
		return nil, pe(err)
	}
	// Credit the incoming ticket only once the outgoing one is built, so
	// any failure above leaves the unrealized value untouched.
	d.tracker.CreditIncoming(incomingChannel.ID, incomingChannel.Epoch, incoming.Amount)

	outgoingPacket := &packetcodec.Packet{
		Header:  fwd.OutgoingHeader,
		Payload: fwd.OutgoingPayload,
		Ticket:  signedOutgoing,
	}

	unackTicket := types.UnacknowledgedTicket{SignedTicket: incoming, OwnKey: fwd.OwnShare}
	d.pending.Put(unackTicket)

	return &ForwardedOutcome{
		PreviousHop:    previousHop,
		PacketTag:      fwd.PacketTag,
		NextHopKeyID:   fwd.NextHopKeyID,
		OutgoingPacket: outgoingPacket,
		ReceivedTicket: unackTicket,
		AckShare:       fwd.AckShare,
		AckChallenge:   fwd.AckChallenge,
	}, nil
}
