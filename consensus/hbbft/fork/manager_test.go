// Copyright 2024 The go-equa Authors
// This file is part of the go-equa library.

package fork

import (
	"crypto/ecdsa"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/poanetwork/hbbft-node/consensus/hbbft/types"
	"github.com/poanetwork/hbbft-node/internal/synckeygen"
)

const n = 4 // tolerates f = 1

func buildForkDefinition(t *testing.T, startBlock uint64) (*types.ForkDefinition, []*ecdsa.PrivateKey) {
	t.Helper()
	threshold := types.Faulty(n)

	privs := make([]*ecdsa.PrivateKey, n)
	pubs := make([]*ecdsa.PublicKey, n)
	validators := make([]types.NodeId, n)
	for i := 0; i < n; i++ {
		priv, err := crypto.GenerateKey()
		require.NoError(t, err)
		privs[i] = priv
		pubs[i] = &priv.PublicKey
		validators[i] = types.NodeId(synckeygen.PublicKeyToNodeID(&priv.PublicKey))
	}

	drivers := make([]*synckeygen.SyncKeyGen, n)
	for i := 0; i < n; i++ {
		kg, err := synckeygen.New(uint64(i), privs[i], pubs, threshold)
		require.NoError(t, err)
		drivers[i] = kg
	}

	parts := make([][]byte, n)
	acks := make([][][]byte, n)
	for dealer := 0; dealer < n; dealer++ {
		part, err := drivers[dealer].GeneratePart()
		require.NoError(t, err)
		raw, err := synckeygen.MarshalPart(part)
		require.NoError(t, err)
		parts[dealer] = raw

		for acker := 0; acker < n; acker++ {
			ack, err := drivers[acker].HandlePart(uint64(dealer), part)
			require.NoError(t, err)
			rawAck, err := synckeygen.MarshalAck(ack)
			require.NoError(t, err)
			acks[dealer] = append(acks[dealer], rawAck)
		}
	}

	for dealer := range acks {
		for _, receiver := range drivers {
			for _, rawAck := range acks[dealer] {
				ack, err := synckeygen.UnmarshalAck(rawAck)
				require.NoError(t, err)
				receiver.HandleAck(ack)
			}
		}
	}

	return &types.ForkDefinition{
		StartBlock: startBlock,
		Validators: validators,
		Parts:      parts,
		Acks:       acks,
	}, privs
}

func TestManager_ShouldFork_SynthesizesMatchingKeys(t *testing.T) {
	fd, privs := buildForkDefinition(t, 1000)

	m0, err := New([]*types.ForkDefinition{fd}, 0, privs[0])
	require.NoError(t, err)
	m1, err := New([]*types.ForkDefinition{fd}, 0, privs[1])
	require.NoError(t, err)

	ni0, err := m0.ShouldFork(1000, 5)
	require.NoError(t, err)
	require.NotNil(t, ni0)

	ni1, err := m1.ShouldFork(1000, 5)
	require.NoError(t, err)
	require.NotNil(t, ni1)

	require.Equal(t, ni0.PublicKeySet.MasterPublicKey, ni1.PublicKeySet.MasterPublicKey)
	require.NotEqual(t, ni0.SecretKeyShare.Bytes, ni1.SecretKeyShare.Bytes)

	// Node 0's signature share verifies against its own entry in the
	// combined public key set.
	msg := []byte("fork synthesis roundtrip")
	sig, err := synckeygen.Sign(ni0.SecretKeyShare.Bytes, msg)
	require.NoError(t, err)
	require.True(t, synckeygen.VerifySignatureShare(ni0.PublicKeySet.Shares[ni0.Own], msg, sig))
}

func TestManager_ShouldFork_NotYet(t *testing.T) {
	fd, privs := buildForkDefinition(t, 1000)
	m, err := New([]*types.ForkDefinition{fd}, 0, privs[0])
	require.NoError(t, err)

	ni, err := m.ShouldFork(999, 5)
	require.NoError(t, err)
	require.Nil(t, ni)
}

func TestNew_DiscardsFinishedForks(t *testing.T) {
	fd, privs := buildForkDefinition(t, 100)
	end := uint64(150)
	fd.EndBlock = &end

	m, err := New([]*types.ForkDefinition{fd}, 200, privs[0])
	require.NoError(t, err)
	require.Empty(t, m.pending)
	require.Len(t, m.finished, 1)
}
