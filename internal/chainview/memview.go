package chainview

import (
	"context"
	"sync"

	dbm "github.com/tendermint/tm-db"

	"github.com/fxamacker/cbor/v2"
	"github.com/katzenpost/core/crypto/eddsa"

	"github.com/hashcloak/mixnode/internal/currency"
	"github.com/hashcloak/mixnode/internal/types"
)

// MemView is a View backed by an in-memory tm-db database, grounded on
// the teacher go.mod's github.com/tendermint/tm-db dependency. It is the
// reference implementation used by tests and by nodes running against a
// local indexer cache rather than a live chain client.
type MemView struct {
	mu sync.RWMutex
	db dbm.DB

	minTicketPrice currency.Balance[currency.HOPRToken]
	minWinProb     types.WinProb

	signingKeys map[types.ChainAddress]*eddsa.PublicKey
}

// NewMemView constructs an empty MemView with the given network floors.
func NewMemView(minTicketPrice currency.Balance[currency.HOPRToken], minWinProb types.WinProb) *MemView {
	return &MemView{
		db:             dbm.NewMemDB(),
		minTicketPrice: minTicketPrice,
		minWinProb:     minWinProb,
		signingKeys:    make(map[types.ChainAddress]*eddsa.PublicKey),
	}
}

// PutChainSigningKey records the ticket-signature verification key for an
// on-chain address (test/indexer-feed hook; see View.ChainSigningKey).
func (v *MemView) PutChainSigningKey(addr types.ChainAddress, pub *eddsa.PublicKey) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.signingKeys[addr] = pub
}

func (v *MemView) ChainSigningKey(_ context.Context, addr types.ChainAddress) (*eddsa.PublicKey, bool, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	pub, ok := v.signingKeys[addr]
	return pub, ok, nil
}

func channelKey(id [32]byte) []byte {
	return append([]byte("channel:"), id[:]...)
}

func keyMapKey(pk types.OffchainPublicKey) []byte {
	return append([]byte("pk2chain:"), pk[:]...)
}

// PutChannel inserts or replaces a channel record (test/indexer-feed hook).
func (v *MemView) PutChannel(ch types.Channel) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	b, err := cbor.Marshal(ch)
	if err != nil {
		return err
	}
	return v.db.Set(channelKey(ch.ID), b)
}

// PutPacketKeyBinding records a (OffchainPublicKey -> ChainAddress) mapping
// (test/indexer-feed hook).
func (v *MemView) PutPacketKeyBinding(pk types.OffchainPublicKey, addr types.ChainAddress) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.db.Set(keyMapKey(pk), addr[:])
}

func (v *MemView) ChannelByParties(_ context.Context, src, dst types.ChainAddress) (types.Channel, bool, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	id := types.ChannelID(src, dst)
	b, err := v.db.Get(channelKey(id))
	if err != nil {
		return types.Channel{}, false, err
	}
	if b == nil {
		return types.Channel{}, false, nil
	}
	var ch types.Channel
	if err := cbor.Unmarshal(b, &ch); err != nil {
		return types.Channel{}, false, err
	}
	return ch, true, nil
}

func (v *MemView) PacketKeyToChainKey(_ context.Context, pk types.OffchainPublicKey) (types.ChainAddress, bool, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	b, err := v.db.Get(keyMapKey(pk))
	if err != nil {
		return types.ChainAddress{}, false, err
	}
	if b == nil {
		return types.ChainAddress{}, false, nil
	}
	var addr types.ChainAddress
	copy(addr[:], b)
	return addr, true, nil
}

func (v *MemView) MinimumTicketPrice(context.Context) (currency.Balance[currency.HOPRToken], error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.minTicketPrice, nil
}

func (v *MemView) MinimumIncomingTicketWinProb(context.Context) (types.WinProb, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.minWinProb, nil
}

func (v *MemView) OutgoingTicketValues(ctx context.Context, cfgWinProb types.WinProb, cfgPrice currency.Balance[currency.HOPRToken]) (types.WinProb, currency.Balance[currency.HOPRToken], error) {
	minWin, err := v.MinimumIncomingTicketWinProb(ctx)
	if err != nil {
		return 0, currency.Zero[currency.HOPRToken](), err
	}
	minPrice, err := v.MinimumTicketPrice(ctx)
	if err != nil {
		return 0, currency.Zero[currency.HOPRToken](), err
	}
	winProb := cfgWinProb
	if winProb < minWin {
		winProb = minWin
	}
	price := cfgPrice
	if price.Cmp(minPrice) < 0 {
		price = minPrice
	}
	return winProb, price, nil
}

var _ View = (*MemView)(nil)
