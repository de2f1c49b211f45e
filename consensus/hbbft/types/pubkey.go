// Copyright 2024 The go-equa Authors
// This file is part of the go-equa library.

package types

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
)

// ToECDSAPublicKey recovers the secp256k1 public key a NodeId wraps, by
// re-attaching the uncompressed-point prefix byte go-ethereum's crypto
// package expects.
func (id NodeId) ToECDSAPublicKey() (*ecdsa.PublicKey, error) {
	raw := make([]byte, 65)
	raw[0] = 0x04
	copy(raw[1:], id[:])
	pub, err := crypto.UnmarshalPubkey(raw)
	if err != nil {
		return nil, fmt.Errorf("hbbft: unmarshal node id as public key: %w", err)
	}
	return pub, nil
}
