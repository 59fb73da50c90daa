package glue

import (
	"crypto/sha256"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"github.com/katzenpost/core/crypto/ecdh"
	"github.com/katzenpost/core/crypto/eddsa"
	"github.com/katzenpost/core/crypto/rand"
	"github.com/katzenpost/core/utils"

	"github.com/hashcloak/mixnode/internal/types"
)

const keyFileMode = 0600

// loadOrGenerateEdDSA mirrors mixmasala-server/nodekey.go's initIdentity:
// deserialize a PEM-encoded key from dataDir/name if present, otherwise
// generate and persist a fresh one.
func loadOrGenerateEdDSA(dataDir, name string) (*eddsa.PrivateKey, error) {
	const keyType = "Ed25519 PRIVATE KEY"
	fn := filepath.Join(dataDir, name)

	if buf, err := os.ReadFile(fn); err == nil {
		defer utils.ExplicitBzero(buf)
		blk, rest := pem.Decode(buf)
		if blk == nil || len(rest) != 0 {
			return nil, fmt.Errorf("glue: trailing garbage after %v", name)
		}
		if blk.Type != keyType {
			return nil, fmt.Errorf("glue: invalid PEM type %q in %v", blk.Type, name)
		}
		defer utils.ExplicitBzero(blk.Bytes)

		k := new(eddsa.PrivateKey)
		return k, k.FromBytes(blk.Bytes)
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	k, err := eddsa.NewKeypair(rand.Reader)
	if err != nil {
		return nil, err
	}
	blk := &pem.Block{Type: keyType, Bytes: k.Bytes()}
	return k, os.WriteFile(fn, pem.EncodeToMemory(blk), keyFileMode)
}

// loadOrGenerateECDH mirrors initLink, for the Sphinx packet key.
func loadOrGenerateECDH(dataDir, name string) (*ecdh.PrivateKey, error) {
	const keyType = "X25519 PRIVATE KEY"
	fn := filepath.Join(dataDir, name)

	if buf, err := os.ReadFile(fn); err == nil {
		defer utils.ExplicitBzero(buf)
		blk, rest := pem.Decode(buf)
		if blk == nil || len(rest) != 0 {
			return nil, fmt.Errorf("glue: trailing garbage after %v", name)
		}
		if blk.Type != keyType {
			return nil, fmt.Errorf("glue: invalid PEM type %q in %v", blk.Type, name)
		}
		defer utils.ExplicitBzero(blk.Bytes)

		k := new(ecdh.PrivateKey)
		return k, k.FromBytes(blk.Bytes)
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	k, err := ecdh.NewKeypair(rand.Reader)
	if err != nil {
		return nil, err
	}
	blk := &pem.Block{Type: keyType, Bytes: k.Bytes()}
	return k, os.WriteFile(fn, pem.EncodeToMemory(blk), keyFileMode)
}

// chainAddressFromSigningKey derives this node's own ChainAddress from its
// chain-signing public key. The real on-chain binding (announcement +
// indexer observation) is out of scope (§1); a deterministic local
// derivation lets a standalone node address itself consistently without
// waiting on an external indexer feed.
func chainAddressFromSigningKey(pub *eddsa.PublicKey) types.ChainAddress {
	h := sha256.Sum256(pub.Bytes())
	var addr types.ChainAddress
	copy(addr[:], h[:len(addr)])
	return addr
}

func offchainPublicKeyFrom(pub *ecdh.PublicKey) types.OffchainPublicKey {
	var out types.OffchainPublicKey
	copy(out[:], pub.Bytes())
	return out
}
