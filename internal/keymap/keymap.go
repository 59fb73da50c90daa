// Package keymap implements C1, the bidirectional map between offchain
// packet keys and compact KeyIds (spec §4.1).
//
// Grounded on the many-readers/few-writers read-mostly cache pattern used
// throughout the Katzenpost server family (e.g. pkicache in
// hashcloak-Meson-server); insertion is idempotent on exact match and never
// invalidated during normal operation, per §4.1.
package keymap

import (
	"sync"

	"github.com/hashcloak/mixnode/internal/errs"
	"github.com/hashcloak/mixnode/internal/types"
)

// binding is the (OffchainPublicKey, ChainAddress) pair a KeyId is bound to.
type binding struct {
	pub   types.OffchainPublicKey
	chain types.ChainAddress
}

// Mapper is the bijective KeyId <-> OffchainPublicKey map of §4.1/§3.1.
type Mapper struct {
	mu        sync.RWMutex
	byKeyID   map[types.KeyID]binding
	byPubKey  map[types.OffchainPublicKey]types.KeyID
}

// New constructs an empty Mapper.
func New() *Mapper {
	return &Mapper{
		byKeyID:  make(map[types.KeyID]binding),
		byPubKey: make(map[types.OffchainPublicKey]types.KeyID),
	}
}

// Bind inserts or confirms the binding of id to (pub, chain). A conflicting
// update — the same KeyId already bound to a different pair, or the same
// public key already bound to a different KeyId — fails with
// ErrInconsistentBinding and leaves the map unchanged.
func (m *Mapper) Bind(id types.KeyID, pub types.OffchainPublicKey, chain types.ChainAddress) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.byKeyID[id]; ok {
		if existing.pub != pub || existing.chain != chain {
			return errs.ErrInconsistentBinding
		}
		return nil
	}
	if otherID, ok := m.byPubKey[pub]; ok && otherID != id {
		return errs.ErrInconsistentBinding
	}

	m.byKeyID[id] = binding{pub: pub, chain: chain}
	m.byPubKey[pub] = id
	return nil
}

// ByKeyID resolves a KeyId to its (public key, chain address) pair.
func (m *Mapper) ByKeyID(id types.KeyID) (types.OffchainPublicKey, types.ChainAddress, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.byKeyID[id]
	return b.pub, b.chain, ok
}

// KeyIDFor resolves an OffchainPublicKey to its bound KeyId.
func (m *Mapper) KeyIDFor(pub types.OffchainPublicKey) (types.KeyID, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byPubKey[pub]
	return id, ok
}

// ChainAddressFor resolves an OffchainPublicKey directly to its chain address.
func (m *Mapper) ChainAddressFor(pub types.OffchainPublicKey) (types.ChainAddress, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byPubKey[pub]
	if !ok {
		return types.ChainAddress{}, false
	}
	b := m.byKeyID[id]
	return b.chain, true
}

// Len returns the number of bindings currently held.
func (m *Mapper) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byKeyID)
}
