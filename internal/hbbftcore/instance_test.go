// Copyright 2024 The go-equa Authors
// This file is part of the go-equa library.

package hbbftcore

import (
	"crypto/ecdsa"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/poanetwork/hbbft-node/consensus/hbbft/types"
	"github.com/poanetwork/hbbft-node/internal/synckeygen"
)

// buildNetwork runs a real DKG for n validators and returns every node's
// NetworkInfo, all agreeing on the same master key and validator order.
func buildNetwork(t *testing.T, n int) []*types.NetworkInfo {
	t.Helper()
	threshold := types.Faulty(n)

	privs := make([]*ecdsa.PrivateKey, n)
	pubs := make([]*ecdsa.PublicKey, n)
	ids := make([]types.NodeId, n)
	for i := 0; i < n; i++ {
		priv, err := crypto.GenerateKey()
		require.NoError(t, err)
		privs[i] = priv
		pubs[i] = &priv.PublicKey
		ids[i] = types.NodeId(synckeygen.PublicKeyToNodeID(&priv.PublicKey))
	}

	drivers := make([]*synckeygen.SyncKeyGen, n)
	for i := 0; i < n; i++ {
		kg, err := synckeygen.New(uint64(i), privs[i], pubs, threshold)
		require.NoError(t, err)
		drivers[i] = kg
	}
	for dealer := 0; dealer < n; dealer++ {
		part, err := drivers[dealer].GeneratePart()
		require.NoError(t, err)
		for acker := 0; acker < n; acker++ {
			ack, err := drivers[acker].HandlePart(uint64(dealer), part)
			require.NoError(t, err)
			for _, receiver := range drivers {
				receiver.HandleAck(ack)
			}
		}
	}

	infos := make([]*types.NetworkInfo, n)
	for i, kg := range drivers {
		res, err := kg.Generate()
		require.NoError(t, err)
		shares := make(map[types.NodeId][]byte, n)
		for j, id := range ids {
			shares[id] = res.PublicShares[uint64(j)]
		}
		infos[i] = &types.NetworkInfo{
			Own:            ids[i],
			Validators:     types.SortNodeIds(ids),
			SecretKeyShare: types.NewSecretKeyShare(res.SecretKeyShare),
			PublicKeySet: types.PublicKeySet{
				MasterPublicKey: res.MasterPublic,
				Shares:          shares,
			},
		}
	}
	return infos
}

// TestRoundCompletion drives a full hb-epoch across four instances by
// relaying every outgoing message, checking each node closes the round
// with the same batch and the same shared seed.
func TestRoundCompletion(t *testing.T) {
	const n = 4
	infos := buildNetwork(t, n)

	instances := make([]*Instance, n)
	for i, ni := range infos {
		inst, err := New(ni, 7)
		require.NoError(t, err)
		instances[i] = inst
	}

	type envelope struct {
		from types.NodeId
		msg  types.Message
	}
	var queue []envelope
	collect := func(from types.NodeId, step *types.Step) {
		if step == nil {
			return
		}
		for _, out := range step.Outgoing {
			queue = append(queue, envelope{from: from, msg: out})
		}
	}

	var final []*types.Step
	for i, inst := range instances {
		step, err := inst.Propose([]byte{byte(i)})
		require.NoError(t, err)
		collect(infos[i].Own, step)
	}

	for len(queue) > 0 {
		env := queue[0]
		queue = queue[1:]
		for i, inst := range instances {
			if infos[i].Own == env.from {
				continue
			}
			step, err := inst.HandleMessage(env.from, env.msg)
			require.NoError(t, err)
			collect(infos[i].Own, step)
			if step != nil && step.Batch != nil {
				final = append(final, step)
			}
		}
	}

	require.Len(t, final, n, "every instance must close the round")
	for i := 1; i < len(final); i++ {
		require.Equal(t, final[0].Batch, final[i].Batch)
		require.Equal(t, final[0].Seed, final[i].Seed)
	}
	require.NotEqual(t, [32]byte{}, final[0].Seed)
}

func TestPropose_SecondCallFails(t *testing.T) {
	infos := buildNetwork(t, 4)
	inst, err := New(infos[0], 1)
	require.NoError(t, err)

	_, err = inst.Propose([]byte("a"))
	require.NoError(t, err)
	_, err = inst.Propose([]byte("b"))
	require.Error(t, err)
}

func TestHandleMessage_WrongEpochRejected(t *testing.T) {
	infos := buildNetwork(t, 4)
	inst, err := New(infos[0], 5)
	require.NoError(t, err)

	_, err = inst.HandleMessage(infos[1].Own, types.Message{Epoch: 6, Kind: types.KindProposal})
	require.Error(t, err)
}

func TestHandleMessage_UnknownSenderDropped(t *testing.T) {
	infos := buildNetwork(t, 4)
	inst, err := New(infos[0], 5)
	require.NoError(t, err)

	step, err := inst.HandleMessage(types.NodeId{0xff}, types.Message{Epoch: 5, Kind: types.KindProposal, Payload: []byte("x")})
	require.NoError(t, err)
	require.NotNil(t, step)
	require.Zero(t, inst.ReceivedProposals())
}

func TestEquivocatingProposalIsFault(t *testing.T) {
	infos := buildNetwork(t, 4)
	inst, err := New(infos[0], 5)
	require.NoError(t, err)

	sender := infos[1].Own
	_, err = inst.HandleMessage(sender, types.Message{Epoch: 5, Kind: types.KindProposal, Payload: []byte("one")})
	require.NoError(t, err)
	step, err := inst.HandleMessage(sender, types.Message{Epoch: 5, Kind: types.KindProposal, Payload: []byte("two")})
	require.NoError(t, err)
	require.Len(t, step.Faults, 1)
	require.Equal(t, sender, step.Faults[0].Sender)
}
