// Copyright 2024 The go-equa Authors
// This file is part of the go-equa library.

package fork

import (
	"crypto/ecdsa"

	"github.com/poanetwork/hbbft-node/consensus/hbbft/types"
	"github.com/poanetwork/hbbft-node/internal/synckeygen"
)

func nodeIDToPubkey(id types.NodeId) (*ecdsa.PublicKey, error) {
	return id.ToECDSAPublicKey()
}

func decodePart(raw []byte) (*synckeygen.Part, error) {
	return synckeygen.UnmarshalPart(raw)
}

func decodeAck(raw []byte) (*synckeygen.Ack, error) {
	return synckeygen.UnmarshalAck(raw)
}
