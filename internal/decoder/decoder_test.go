package decoder

import (
	"context"
	"crypto/sha256"
	"errors"
	"testing"
	"time"

	"github.com/katzenpost/core/crypto/ecdh"
	"github.com/katzenpost/core/crypto/eddsa"
	ktzrand "github.com/katzenpost/core/crypto/rand"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

// manualChallenge reproduces packetcodec's unexported porCommit(porCombine(own,
// ack)) so tests can craft fixtures without depending on package internals.
func manualChallenge(own, ack packetcodec.PorShare) [constants.TicketChallengeLength]byte {
	var combined packetcodec.PorShare
	for i := range combined {
		combined[i] = own[i] ^ ack[i]
	}
	h := sha256.Sum256(combined[:])
	var out [constants.TicketChallengeLength]byte
	copy(out[:], h[:constants.TicketChallengeLength])
	return out
}

const testDomainSep = "mixnode-decoder-test"

type identity struct {
	packetPriv *ecdh.PrivateKey
	packetPub  types.OffchainPublicKey
	chainPriv  *eddsa.PrivateKey
	chainAddr  types.ChainAddress
	keyID      types.KeyID
}

func newIdentity(t *testing.T, id byte) identity {
	t.Helper()
	pp, err := ecdh.NewKeypair(ktzrand.Reader)
	require.NoError(t, err)
	cp, err := eddsa.NewKeypair(ktzrand.Reader)
	require.NoError(t, err)

	var pub types.OffchainPublicKey
	copy(pub[:], pp.PublicKey().Bytes())
	var addr types.ChainAddress
	addr[0] = id
	var kid types.KeyID
	kid[0] = id

	return identity{packetPriv: pp, packetPub: pub, chainPriv: cp, chainAddr: addr, keyID: kid}
}

func zeroTicketBuilder(_ [20]byte) (types.SignedTicket, error) {
	return types.SignedTicket{}, nil
}

func newDecoderFixture(t *testing.T) (me identity, prev identity, next identity, view *chainview.MemView, mapper *keymap.Mapper, surbs *surbstore.Store, filter *replay.Filter, tracker *ticket.Tracker, pending *ticket.PendingTable) {
	t.Helper()
	me = newIdentity(t, 0x10)
	prev = newIdentity(t, 0x20)
	next = newIdentity(t, 0x30)

	view = chainview.NewMemView(currency.Zero[currency.HOPRToken](), types.WinProb(0))
	view.PutChainSigningKey(prev.chainAddr, prev.chainPriv.PublicKey())
	view.PutChainSigningKey(me.chainAddr, me.chainPriv.PublicKey())
	require.NoError(t, view.PutPacketKeyBinding(prev.packetPub, prev.chainAddr))
	require.NoError(t, view.PutPacketKeyBinding(next.packetPub, next.chainAddr))

	mapper = keymap.New()
	require.NoError(t, mapper.Bind(next.keyID, next.packetPub, next.chainAddr))

	surbs = surbstore.New(surbstore.Config{RingCapacity: 16, IdleTTL: 0, SweepEvery: 0})
	filter = replay.New(replay.DefaultConfig())
	tracker = ticket.New()
	pending = ticket.NewPendingTableWithTTL(time.Minute)

	t.Cleanup(func() {
		surbs.Close()
		filter.Close()
		pending.Close()
	})
	return
}

func TestDecodeFinalOutcomeForDataPacket(t *testing.T) {
	me, prev, _, view, mapper, surbs, filter, tracker, pending := newDecoderFixture(t)
	_ = view
	_ = mapper

	meSpec := packetcodec.HopSpec{KeyID: me.keyID, PubKey: me.packetPub}
	prevSpec := packetcodec.HopSpec{KeyID: prev.keyID, PubKey: prev.packetPub}

	pseudonym := types.Pseudonym{0x01}
	plain := []byte("application data for me")
	pkt, err := packetcodec.IntoOutgoing(pseudonym, plain, []packetcodec.HopSpec{prevSpec, meSpec}, nil, testDomainSep, zeroTicketBuilder)
	require.NoError(t, err)

	fwdAny, err := packetcodec.FromIncoming(pkt, prev.packetPriv, testDomainSep)
	require.NoError(t, err)
	fwd, ok := fwdAny.(*packetcodec.ForwardedResult)
	require.True(t, ok)

	forwardedPkt := &packetcodec.Packet{Header: fwd.OutgoingHeader, Payload: fwd.OutgoingPayload}
	wire, err := forwardedPkt.Encode()
	require.NoError(t, err)

	d := New(nil, surbs, tracker, pending, filter, nil, me.packetPriv, nil, me.chainAddr, Config{DomainSep: testDomainSep})
	out, err := d.Decode(context.Background(), prev.packetPub, wire)
	require.NoError(t, err)

	final, ok := out.(*FinalOutcome)
	require.True(t, ok)
	assert.Equal(t, pseudonym, final.Pseudonym)
	assert.Equal(t, plain, final.PlainText)
	assert.Equal(t, prev.packetPub, final.PreviousHop)
}

func TestDecodeRejectsReplayedPacket(t *testing.T) {
	me, prev, _, _, _, surbs, filter, tracker, pending := newDecoderFixture(t)

	meSpec := packetcodec.HopSpec{KeyID: me.keyID, PubKey: me.packetPub}
	prevSpec := packetcodec.HopSpec{KeyID: prev.keyID, PubKey: prev.packetPub}
	pkt, err := packetcodec.IntoOutgoing(types.Pseudonym{0x01}, []byte("data"), []packetcodec.HopSpec{prevSpec, meSpec}, nil, testDomainSep, zeroTicketBuilder)
	require.NoError(t, err)
	fwdAny, err := packetcodec.FromIncoming(pkt, prev.packetPriv, testDomainSep)
	require.NoError(t, err)
	fwd := fwdAny.(*packetcodec.ForwardedResult)
	forwardedPkt := &packetcodec.Packet{Header: fwd.OutgoingHeader, Payload: fwd.OutgoingPayload}
	wire, err := forwardedPkt.Encode()
	require.NoError(t, err)

	d := New(nil, surbs, tracker, pending, filter, nil, me.packetPriv, nil, me.chainAddr, Config{DomainSep: testDomainSep})
	_, err = d.Decode(context.Background(), prev.packetPub, wire)
	require.NoError(t, err)

	_, err = d.Decode(context.Background(), prev.packetPub, wire)
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrReplay)
}

func TestDecodeRejectsUndecodableGarbage(t *testing.T) {
	me, _, _, _, _, surbs, filter, tracker, pending := newDecoderFixture(t)
	d := New(nil, surbs, tracker, pending, filter, nil, me.packetPriv, nil, me.chainAddr, Config{DomainSep: testDomainSep})

	garbage := make([]byte, packetcodec.WireSize)
	for i := range garbage {
		garbage[i] = byte(i)
	}
	_, err := d.Decode(context.Background(), types.OffchainPublicKey{}, garbage)
	assert.ErrorIs(t, err, errs.ErrUndecodable)
}

func TestDecodeHandlesZeroHopForwardedOutcome(t *testing.T) {
	me, prev, next, view, mapper, surbs, filter, tracker, pending := newDecoderFixture(t)

	channelPM := types.NewChannel(prev.chainAddr, me.chainAddr, currency.FromUint64[currency.HOPRToken](1000), 1)
	require.NoError(t, view.PutChannel(channelPM))

	prevTracker := ticket.New()
	ticketBuilder := func(challenge [20]byte) (types.SignedTicket, error) {
		tk, err := prevTracker.CreateMultihopTicket(channelPM, 2, types.WinProb(1.0), currency.FromUint64[currency.HOPRToken](10))
		if err != nil {
			return types.SignedTicket{}, err
		}
		tk.Challenge = challenge
		return ticket.Sign(tk, prev.chainPriv)
	}

	meSpec := packetcodec.HopSpec{KeyID: me.keyID, PubKey: me.packetPub}
	nextSpec := packetcodec.HopSpec{KeyID: next.keyID, PubKey: next.packetPub}
	pkt, err := packetcodec.IntoOutgoing(types.Pseudonym{0x02}, []byte("onward"), []packetcodec.HopSpec{meSpec, nextSpec}, nil, testDomainSep, ticketBuilder)
	require.NoError(t, err)
	wire, err := pkt.Encode()
	require.NoError(t, err)

	d := New(view, surbs, tracker, pending, filter, mapper, me.packetPriv, me.chainPriv, me.chainAddr, Config{DomainSep: testDomainSep})
	out, err := d.Decode(context.Background(), prev.packetPub, wire)
	require.NoError(t, err)

	fwd, ok := out.(*ForwardedOutcome)
	require.True(t, ok)
	assert.Equal(t, next.keyID, fwd.NextHopKeyID)
	assert.True(t, fwd.OutgoingPacket.Ticket.Amount.IsZero(), "zero_hop tickets never charge the final hop")
	assert.Equal(t, prev.packetPub, fwd.PreviousHop)
}

func TestDecodeForwardedOutcomeFailsWithoutIncomingChannel(t *testing.T) {
	me, prev, next, view, mapper, surbs, filter, tracker, pending := newDecoderFixture(t)

	channelPM := types.NewChannel(prev.chainAddr, me.chainAddr, currency.FromUint64[currency.HOPRToken](1000), 1)
	ticketBuilder := func(challenge [20]byte) (types.SignedTicket, error) {
		tk, err := ticket.New().CreateMultihopTicket(channelPM, 2, types.WinProb(1.0), currency.FromUint64[currency.HOPRToken](10))
		if err != nil {
			return types.SignedTicket{}, err
		}
		tk.Challenge = challenge
		return ticket.Sign(tk, prev.chainPriv)
	}

	meSpec := packetcodec.HopSpec{KeyID: me.keyID, PubKey: me.packetPub}
	nextSpec := packetcodec.HopSpec{KeyID: next.keyID, PubKey: next.packetPub}
	pkt, err := packetcodec.IntoOutgoing(types.Pseudonym{0x02}, []byte("onward"), []packetcodec.HopSpec{meSpec, nextSpec}, nil, testDomainSep, ticketBuilder)
	require.NoError(t, err)
	wire, err := pkt.Encode()
	require.NoError(t, err)

	// Note: channelPM is never registered in view, so the incoming-channel
	// lookup must fail.
	d := New(view, surbs, tracker, pending, filter, mapper, me.packetPriv, me.chainPriv, me.chainAddr, Config{DomainSep: testDomainSep})
	_, err = d.Decode(context.Background(), prev.packetPub, wire)
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrChannelNotFound)

	var pe *errs.ProcessingError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, prev.packetPub.String(), pe.Peer)
}

func TestDecodeMultihopForwardedOutcomeIssuesOutgoingTicket(t *testing.T) {
	me, prev, next, view, mapper, surbs, filter, tracker, pending := newDecoderFixture(t)
	final := newIdentity(t, 0x40)
	require.NoError(t, mapper.Bind(final.keyID, final.packetPub, final.chainAddr))
	require.NoError(t, view.PutPacketKeyBinding(final.packetPub, final.chainAddr))

	channelPM := types.NewChannel(prev.chainAddr, me.chainAddr, currency.FromUint64[currency.HOPRToken](1000), 1)
	require.NoError(t, view.PutChannel(channelPM))
	channelMN := types.NewChannel(me.chainAddr, next.chainAddr, currency.FromUint64[currency.HOPRToken](1000), 1)
	require.NoError(t, view.PutChannel(channelMN))

	prevTracker := ticket.New()
	ticketBuilder := func(challenge [20]byte) (types.SignedTicket, error) {
		tk, err := prevTracker.CreateMultihopTicket(channelPM, 3, types.WinProb(1.0), currency.FromUint64[currency.HOPRToken](10))
		if err != nil {
			return types.SignedTicket{}, err
		}
		tk.Challenge = challenge
		return ticket.Sign(tk, prev.chainPriv)
	}

	meSpec := packetcodec.HopSpec{KeyID: me.keyID, PubKey: me.packetPub}
	nextSpec := packetcodec.HopSpec{KeyID: next.keyID, PubKey: next.packetPub}
	finalSpec := packetcodec.HopSpec{KeyID: final.keyID, PubKey: final.packetPub}
	pkt, err := packetcodec.IntoOutgoing(types.Pseudonym{0x03}, []byte("multihop"), []packetcodec.HopSpec{meSpec, nextSpec, finalSpec}, nil, testDomainSep, ticketBuilder)
	require.NoError(t, err)
	wire, err := pkt.Encode()
	require.NoError(t, err)

	d := New(view, surbs, tracker, pending, filter, mapper, me.packetPriv, me.chainPriv, me.chainAddr,
		Config{DomainSep: testDomainSep, OutgoingWinProb: types.WinProb(0.5), OutgoingTicketPrice: currency.FromUint64[currency.HOPRToken](5)})
	out, err := d.Decode(context.Background(), prev.packetPub, wire)
	require.NoError(t, err)

	fwd, ok := out.(*ForwardedOutcome)
	require.True(t, ok)
	assert.Equal(t, next.keyID, fwd.NextHopKeyID)
	assert.False(t, fwd.OutgoingPacket.Ticket.Amount.IsZero(), "a multihop forward issues a nonzero outgoing ticket")
	assert.Equal(t, types.WinProb(1.0), fwd.OutgoingPacket.Ticket.WinProb, "win prob never decreases along the path")

	unrealized := tracker.IncomingChannelUnrealizedBalance(channelPM.ID, channelPM.Epoch)
	assert.True(t, unrealized.Cmp(fwd.ReceivedTicket.Amount) == 0, "the validated incoming ticket's amount must be credited against the incoming channel")
}

func TestHandleAcknowledgementResolvesPendingTicket(t *testing.T) {
	me, prev, _, _, _, surbs, filter, tracker, pending := newDecoderFixture(t)
	d := New(nil, surbs, tracker, pending, filter, nil, me.packetPriv, nil, me.chainAddr, Config{DomainSep: testDomainSep})

	var ownShare, ackShare packetcodec.PorShare
	ownShare[0] = 0x11
	ackShare[0] = 0x22
	challenge := manualChallenge(ownShare, ackShare)

	unack := types.UnacknowledgedTicket{
		SignedTicket: types.SignedTicket{Ticket: types.Ticket{Challenge: challenge}},
		OwnKey:       ownShare,
	}
	pending.Put(unack)
	require.Equal(t, 1, pending.Len())

	plain := append(append([]byte{}, challenge[:]...), ackShare[:]...)
	r := &packetcodec.FinalResult{PlainText: plain}

	out := d.handleAcknowledgement(prev.packetPub, r)
	require.NoError(t, out.ResolveErr)
	require.NotNil(t, out.Acknowledged)
	assert.Equal(t, challenge, out.Challenge)
	assert.Equal(t, ackShare, out.ReceivedAck)

	wantResponse := packetcodec.PorShare{}
	for i := range wantResponse {
		wantResponse[i] = ownShare[i] ^ ackShare[i]
	}
	assert.Equal(t, [32]byte(wantResponse), out.Acknowledged.HalfKeyResponse)
	assert.Equal(t, 0, pending.Len(), "a resolved entry is consumed")
}

func TestHandleAcknowledgementRejectsMismatchedShare(t *testing.T) {
	me, prev, _, _, _, surbs, filter, tracker, pending := newDecoderFixture(t)
	d := New(nil, surbs, tracker, pending, filter, nil, me.packetPriv, nil, me.chainAddr, Config{DomainSep: testDomainSep})

	var ownShare, ackShare, wrongAck packetcodec.PorShare
	ownShare[0] = 0x11
	ackShare[0] = 0x22
	wrongAck[0] = 0x33
	challenge := manualChallenge(ownShare, ackShare)

	pending.Put(types.UnacknowledgedTicket{
		SignedTicket: types.SignedTicket{Ticket: types.Ticket{Challenge: challenge}},
		OwnKey:       ownShare,
	})

	plain := append(append([]byte{}, challenge[:]...), wrongAck[:]...)
	out := d.handleAcknowledgement(prev.packetPub, &packetcodec.FinalResult{PlainText: plain})
	require.Error(t, out.ResolveErr)
	assert.ErrorIs(t, out.ResolveErr, errs.ErrAckMismatch)
	assert.Nil(t, out.Acknowledged)
}

func TestHandleAcknowledgementRejectsUnknownChallenge(t *testing.T) {
	me, prev, _, _, _, surbs, filter, tracker, pending := newDecoderFixture(t)
	d := New(nil, surbs, tracker, pending, filter, nil, me.packetPriv, nil, me.chainAddr, Config{DomainSep: testDomainSep})

	var challenge [constants.TicketChallengeLength]byte
	challenge[0] = 0xAA
	var ack packetcodec.PorShare
	plain := append(append([]byte{}, challenge[:]...), ack[:]...)

	out := d.handleAcknowledgement(prev.packetPub, &packetcodec.FinalResult{PlainText: plain})
	require.Error(t, out.ResolveErr)
	assert.ErrorIs(t, out.ResolveErr, errs.ErrAckNotPending)
}

func TestHandleAcknowledgementRejectsWrongSizePayload(t *testing.T) {
	me, prev, _, _, _, surbs, filter, tracker, pending := newDecoderFixture(t)
	d := New(nil, surbs, tracker, pending, filter, nil, me.packetPriv, nil, me.chainAddr, Config{DomainSep: testDomainSep})

	out := d.handleAcknowledgement(prev.packetPub, &packetcodec.FinalResult{PlainText: []byte("too short")})
	require.Error(t, out.ResolveErr)
	assert.ErrorIs(t, out.ResolveErr, errs.ErrInvalidSize)
}

func TestHandleFinalDispatchesAcknowledgementWhenAckShareIsZero(t *testing.T) {
	me, prev, _, _, _, surbs, filter, tracker, pending := newDecoderFixture(t)
	d := New(nil, surbs, tracker, pending, filter, nil, me.packetPriv, nil, me.chainAddr, Config{DomainSep: testDomainSep})

	var ownShare, ackShare packetcodec.PorShare
	ownShare[0] = 0x44
	ackShare[0] = 0x55
	challenge := manualChallenge(ownShare, ackShare)

	pending.Put(types.UnacknowledgedTicket{
		SignedTicket: types.SignedTicket{Ticket: types.Ticket{Challenge: challenge}},
		OwnKey:       ownShare,
	})

	plain := append(append([]byte{}, challenge[:]...), ackShare[:]...)
	out := d.handleFinal(prev.packetPub, &packetcodec.FinalResult{PlainText: plain})

	ack, ok := out.(*AcknowledgementOutcome)
	require.True(t, ok, "a Final packet with a zero AckShare must be routed to the acknowledgement path")
	require.NoError(t, ack.ResolveErr)
	require.NotNil(t, ack.Acknowledged)
}
