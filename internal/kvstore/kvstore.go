// Package kvstore implements the node's persisted state (spec §6): four
// bbolt buckets (accounts, channels, chain address -> KeyId, offchain key
// -> KeyId), CBOR-encoded values.
//
// Grounded directly on mixmasala-server/userdb/boltuserdb.go's New/Add/
// IsValid shape: bolt.Open with a fixed file mode, CreateBucketIfNotExists
// for every bucket up front inside one startup transaction, and a metadata
// bucket recording a schema version so an incompatible on-disk format is
// rejected at load time rather than silently misread.
package kvstore

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"

	"github.com/hashcloak/mixnode/internal/types"
)

const (
	fileMode = 0600

	bucketMetadata  = "metadata"
	bucketAccounts  = "accounts"
	bucketChannels  = "channels"
	bucketChainAddr = "chain_addr_to_keyid"
	bucketOffchain  = "offchain_key_to_keyid"

	metaVersionKey = "version"
	schemaVersion  = byte(0)
)

// Store wraps a bbolt database implementing the four buckets of spec §6.
type Store struct {
	db *bolt.DB
}

// Open creates (or loads) the node's persisted state at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, fileMode, nil)
	if err != nil {
		return nil, fmt.Errorf("kvstore: open %v: %w", path, err)
	}

	s := &Store{db: db}
	if err := db.Update(func(tx *bolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists([]byte(bucketMetadata))
		if err != nil {
			return err
		}
		for _, name := range []string{bucketAccounts, bucketChannels, bucketChainAddr, bucketOffchain} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}

		if v := meta.Get([]byte(metaVersionKey)); v != nil {
			if len(v) != 1 || v[0] != schemaVersion {
				return fmt.Errorf("kvstore: incompatible schema version %v", v)
			}
			return nil
		}
		return meta.Put([]byte(metaVersionKey), []byte{schemaVersion})
	}); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close flushes and closes the underlying database.
func (s *Store) Close() error {
	if err := s.db.Sync(); err != nil {
		return err
	}
	return s.db.Close()
}

// PutAccount persists entry, keyed by its KeyId, and re-indexes the two
// reverse-lookup buckets. Per spec §6, any prior account sharing the same
// KeyId has its stale chain-address/offchain-key index entries removed
// before the new ones are written, so a rebound KeyId never leaves a dead
// index pointing at it.
func (s *Store) PutAccount(entry types.AccountEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		accounts := tx.Bucket([]byte(bucketAccounts))
		chainIdx := tx.Bucket([]byte(bucketChainAddr))
		offchainIdx := tx.Bucket([]byte(bucketOffchain))

		if raw := accounts.Get(entry.KeyID[:]); raw != nil {
			var prior types.AccountEntry
			if err := cbor.Unmarshal(raw, &prior); err != nil {
				return fmt.Errorf("kvstore: decode prior account: %w", err)
			}
			if prior.ChainAddr != entry.ChainAddr {
				if err := chainIdx.Delete(prior.ChainAddr[:]); err != nil {
					return err
				}
			}
			if prior.PublicKey != entry.PublicKey {
				if err := offchainIdx.Delete(prior.PublicKey[:]); err != nil {
					return err
				}
			}
		}

		enc, err := cbor.Marshal(entry)
		if err != nil {
			return err
		}
		if err := accounts.Put(entry.KeyID[:], enc); err != nil {
			return err
		}
		if err := chainIdx.Put(entry.ChainAddr[:], entry.KeyID[:]); err != nil {
			return err
		}
		return offchainIdx.Put(entry.PublicKey[:], entry.KeyID[:])
	})
}

// Account looks up an AccountEntry by its KeyId.
func (s *Store) Account(id types.KeyID) (types.AccountEntry, bool, error) {
	var out types.AccountEntry
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(bucketAccounts)).Get(id[:])
		if raw == nil {
			return nil
		}
		found = true
		return cbor.Unmarshal(raw, &out)
	})
	return out, found, err
}

// AccountByChainAddress resolves a ChainAddress to its AccountEntry via the
// chain-address index.
func (s *Store) AccountByChainAddress(addr types.ChainAddress) (types.AccountEntry, bool, error) {
	var out types.AccountEntry
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		keyID := tx.Bucket([]byte(bucketChainAddr)).Get(addr[:])
		if keyID == nil {
			return nil
		}
		raw := tx.Bucket([]byte(bucketAccounts)).Get(keyID)
		if raw == nil {
			return nil
		}
		found = true
		return cbor.Unmarshal(raw, &out)
	})
	return out, found, err
}

// AccountByOffchainKey resolves an OffchainPublicKey to its AccountEntry via
// the offchain-key index.
func (s *Store) AccountByOffchainKey(pub types.OffchainPublicKey) (types.AccountEntry, bool, error) {
	var out types.AccountEntry
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		keyID := tx.Bucket([]byte(bucketOffchain)).Get(pub[:])
		if keyID == nil {
			return nil
		}
		raw := tx.Bucket([]byte(bucketAccounts)).Get(keyID)
		if raw == nil {
			return nil
		}
		found = true
		return cbor.Unmarshal(raw, &out)
	})
	return out, found, err
}

// PutChannel persists a Channel keyed by its ID.
func (s *Store) PutChannel(ch types.Channel) error {
	enc, err := cbor.Marshal(ch)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketChannels)).Put(ch.ID[:], enc)
	})
}

// Accounts returns every persisted AccountEntry, for rehydrating C1/C5's
// in-memory views at startup.
func (s *Store) Accounts() ([]types.AccountEntry, error) {
	var out []types.AccountEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketAccounts)).ForEach(func(_, raw []byte) error {
			var entry types.AccountEntry
			if err := cbor.Unmarshal(raw, &entry); err != nil {
				return err
			}
			out = append(out, entry)
			return nil
		})
	})
	return out, err
}

// Channels returns every persisted Channel, for rehydrating C5's in-memory
// view at startup.
func (s *Store) Channels() ([]types.Channel, error) {
	var out []types.Channel
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketChannels)).ForEach(func(_, raw []byte) error {
			var ch types.Channel
			if err := cbor.Unmarshal(raw, &ch); err != nil {
				return err
			}
			out = append(out, ch)
			return nil
		})
	})
	return out, err
}

// Channel looks up a Channel by its ID.
func (s *Store) Channel(id [32]byte) (types.Channel, bool, error) {
	var out types.Channel
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(bucketChannels)).Get(id[:])
		if raw == nil {
			return nil
		}
		found = true
		return cbor.Unmarshal(raw, &out)
	})
	return out, found, err
}
