// Copyright 2024 The go-equa Authors
// This file is part of the go-equa library.

package hbbftcore

import "github.com/ethereum/go-ethereum/crypto"

func keccak256(data []byte) []byte {
	return crypto.Keccak256(data)
}
