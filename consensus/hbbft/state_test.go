// Copyright 2024 The go-equa Authors
// This file is part of the go-equa library.

package hbbft

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/rawdb"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/poanetwork/hbbft-node/consensus/hbbft/contracts"
	"github.com/poanetwork/hbbft-node/consensus/hbbft/fork"
	"github.com/poanetwork/hbbft-node/consensus/hbbft/types"
	"github.com/poanetwork/hbbft-node/internal/synckeygen"
)

// dkgFixture is a fully-run DKG for n validators: everything a fake chain
// needs to serve GetValidators/GetPublicKey/ReadPart/ReadAcks.
type dkgFixture struct {
	privs   []*ecdsa.PrivateKey
	pubs    []*ecdsa.PublicKey
	ids     []types.NodeId
	addrs   []common.Address
	parts   [][]byte
	acks    [][][]byte
	results []*synckeygen.Result
}

func runFixtureDKG(t *testing.T, n int) *dkgFixture {
	t.Helper()
	threshold := types.Faulty(n)
	f := &dkgFixture{}

	for i := 0; i < n; i++ {
		priv, err := crypto.GenerateKey()
		require.NoError(t, err)
		f.privs = append(f.privs, priv)
		f.pubs = append(f.pubs, &priv.PublicKey)
		id := types.NodeId(synckeygen.PublicKeyToNodeID(&priv.PublicKey))
		f.ids = append(f.ids, id)
		f.addrs = append(f.addrs, id.Address())
	}

	drivers := make([]*synckeygen.SyncKeyGen, n)
	for i := 0; i < n; i++ {
		kg, err := synckeygen.New(uint64(i), f.privs[i], f.pubs, threshold)
		require.NoError(t, err)
		drivers[i] = kg
	}
	f.acks = make([][][]byte, n)
	for dealer := 0; dealer < n; dealer++ {
		part, err := drivers[dealer].GeneratePart()
		require.NoError(t, err)
		raw, err := synckeygen.MarshalPart(part)
		require.NoError(t, err)
		f.parts = append(f.parts, raw)

		// Every driver handles the part before any ack is distributed, or
		// acks arriving ahead of the part would be dropped.
		acks := make([]*synckeygen.Ack, n)
		for acker := 0; acker < n; acker++ {
			ack, err := drivers[acker].HandlePart(uint64(dealer), part)
			require.NoError(t, err)
			acks[acker] = ack
			rawAck, err := synckeygen.MarshalAck(ack)
			require.NoError(t, err)
			f.acks[acker] = append(f.acks[acker], rawAck)
		}
		for _, receiver := range drivers {
			for _, ack := range acks {
				receiver.HandleAck(ack)
			}
		}
	}
	for _, kg := range drivers {
		res, err := kg.Generate()
		require.NoError(t, err)
		f.results = append(f.results, res)
	}
	return f
}

// fakeChain serves the POSDAO contract surface from a dkgFixture, with a
// settable staking epoch.
type fakeChain struct {
	t       *testing.T
	fixture *dkgFixture

	epoch      uint64
	epochStart uint64
}

func (f *fakeChain) CallConst(ctx context.Context, contract common.Address, calldata []byte) ([]byte, error) {
	name, args, outputs, err := contracts.DecodeCall(contract, calldata)
	if err != nil {
		return nil, err
	}
	switch name {
	case "getValidators":
		return outputs.Pack(f.fixture.addrs)
	case "getPublicKey":
		addr := args[0].(common.Address)
		for i, a := range f.fixture.addrs {
			if a == addr {
				return outputs.Pack(f.fixture.ids[i][:])
			}
		}
		return outputs.Pack([]byte{})
	case "parts":
		addr := args[0].(common.Address)
		for i, a := range f.fixture.addrs {
			if a == addr {
				return outputs.Pack(f.fixture.parts[i])
			}
		}
		return outputs.Pack([]byte{})
	case "getAcks":
		addr := args[0].(common.Address)
		for i, a := range f.fixture.addrs {
			if a == addr {
				return outputs.Pack(f.fixture.acks[i])
			}
		}
		return outputs.Pack([][]byte{})
	case "stakingEpoch":
		return outputs.Pack(new(big.Int).SetUint64(f.epoch))
	case "stakingEpochStartBlock":
		return outputs.Pack(new(big.Int).SetUint64(f.epochStart))
	case "minimumGasPrice":
		return outputs.Pack(big.NewInt(1_000_000_000))
	}
	return nil, types.ErrNotReady
}

func (f *fakeChain) SendTransaction(ctx context.Context, req types.TxRequest) (common.Hash, error) {
	return common.Hash{}, nil
}
func (f *fakeChain) LatestBlock() (*big.Int, common.Hash, error) { return big.NewInt(0), common.Hash{}, nil }
func (f *fakeChain) IsSyncing() bool                             { return false }

func newTestState(t *testing.T, fixture *dkgFixture, chain *fakeChain, ownIdx int) *State {
	return New(Config{
		Client:   contracts.New(chain),
		Self:     fixture.addrs[ownIdx],
		SelfNode: fixture.ids[ownIdx],
		OwnPriv:  fixture.privs[ownIdx],
	})
}

// TestUpdate_RotatesOnEpochChange covers epoch monotonicity: an on-chain
// epoch change rotates the instance; a repeated Update with the same epoch
// is a no-op.
func TestUpdate_RotatesOnEpochChange(t *testing.T) {
	fixture := runFixtureDKG(t, 4)
	chain := &fakeChain{t: t, fixture: fixture, epoch: 3, epochStart: 300}
	st := newTestState(t, fixture, chain, 0)

	require.NoError(t, st.Update(context.Background(), 299, false))
	require.True(t, st.HasInstance())
	require.EqualValues(t, 3, st.CurrentEpoch())
	require.EqualValues(t, 300, st.CurrentEpochStart())
	require.EqualValues(t, 300, st.HbEpoch())
	require.True(t, st.NetworkInfo().HasSecretShare())
	require.EqualValues(t, 1_000_000_000, st.MinimumGasPrice())

	// Same epoch: no rotation, instance object unchanged.
	before := st.instance
	require.NoError(t, st.Update(context.Background(), 310, false))
	require.Same(t, before, st.instance)

	chain.epoch = 4
	chain.epochStart = 400
	require.NoError(t, st.Update(context.Background(), 399, false))
	require.EqualValues(t, 4, st.CurrentEpoch())
	require.EqualValues(t, 400, st.HbEpoch())
}

// TestUpdate_ForkTriggersWithoutEpochChange checks a pending fork rotates
// the instance at exactly its start block even though the on-chain staking
// epoch has not moved.
func TestUpdate_ForkTriggersWithoutEpochChange(t *testing.T) {
	fixture := runFixtureDKG(t, 4)
	chain := &fakeChain{t: t, fixture: fixture, epoch: 1, epochStart: 100}

	// Regroup the fixture's by-acker acks into the by-dealer layout a fork
	// definition carries.
	dealerAcks := make([][][]byte, 4)
	for dealer := 0; dealer < 4; dealer++ {
		for acker := 0; acker < 4; acker++ {
			dealerAcks[dealer] = append(dealerAcks[dealer], fixture.acks[acker][dealer])
		}
	}
	fd := &types.ForkDefinition{
		StartBlock: 150,
		Validators: fixture.ids,
		Parts:      fixture.parts,
		Acks:       dealerAcks,
	}
	forkMgr, err := fork.New([]*types.ForkDefinition{fd}, 100, fixture.privs[0])
	require.NoError(t, err)

	st := New(Config{
		Client:   contracts.New(chain),
		Self:     fixture.addrs[0],
		SelfNode: fixture.ids[0],
		OwnPriv:  fixture.privs[0],
		ForkMgr:  forkMgr,
	})
	require.NoError(t, st.Update(context.Background(), 120, false))
	require.EqualValues(t, 121, st.HbEpoch())
	before := st.instance

	// Same staking epoch, not yet the fork block: nothing happens.
	require.NoError(t, st.Update(context.Background(), 149, false))
	require.Same(t, before, st.instance)

	// The fork block rotates despite the unchanged epoch.
	require.NoError(t, st.Update(context.Background(), 150, false))
	require.NotSame(t, before, st.instance)
	require.EqualValues(t, 151, st.HbEpoch())
	require.True(t, st.NetworkInfo().HasSecretShare())
}

// TestProcessMessage_FutureBufferedAndReplayed covers future-message
// preservation: a message beyond the current hb-epoch is buffered, then
// delivered once the chain reaches its round.
func TestProcessMessage_FutureBufferedAndReplayed(t *testing.T) {
	fixture := runFixtureDKG(t, 4)
	chain := &fakeChain{t: t, fixture: fixture, epoch: 1, epochStart: 100}
	st := newTestState(t, fixture, chain, 0)
	require.NoError(t, st.Update(context.Background(), 99, false))
	require.EqualValues(t, 100, st.HbEpoch())

	sender := fixture.ids[1]
	future := types.Message{Epoch: 102, Kind: types.KindProposal, Payload: []byte("later")}
	step, err := st.ProcessMessage(99, sender, future)
	require.NoError(t, err)
	require.Nil(t, step)
	require.Len(t, st.futureMessages[102], 1)

	// Blocks 100 and 101 import; the next ProcessMessage skips the
	// instance to hb-epoch 102 and replay delivers the buffered proposal.
	st.ProcessMessage(101, fixture.ids[2], types.Message{Epoch: 102, Kind: types.KindProposal, Payload: []byte("now")})
	require.EqualValues(t, 102, st.HbEpoch())

	steps := st.ReplayCachedMessages(101)
	require.Len(t, steps, 1)
	require.Empty(t, st.futureMessages)
	require.Equal(t, 2, st.instance.ReceivedProposals())
}

// TestProcessMessage_StaleDroppedSilently checks messages below the
// epoch's start block are dropped without error.
func TestProcessMessage_StaleDroppedSilently(t *testing.T) {
	fixture := runFixtureDKG(t, 4)
	chain := &fakeChain{t: t, fixture: fixture, epoch: 2, epochStart: 200}
	st := newTestState(t, fixture, chain, 0)
	require.NoError(t, st.Update(context.Background(), 249, false))

	step, err := st.ProcessMessage(249, fixture.ids[1], types.Message{Epoch: 150, Kind: types.KindProposal})
	require.NoError(t, err)
	require.Nil(t, step)
	require.Zero(t, st.instance.ReceivedProposals())
}

// TestVerifySeal_RoundTrip covers the seal round-trip property: a share
// signed with a validator's DKG secret verifies against the public share
// reconstructed from the same transcript.
func TestVerifySeal_RoundTrip(t *testing.T) {
	fixture := runFixtureDKG(t, 4)
	chain := &fakeChain{t: t, fixture: fixture, epoch: 1, epochStart: 100}

	sealer := newTestState(t, fixture, chain, 1)
	require.NoError(t, sealer.Update(context.Background(), 99, false))
	verifier := newTestState(t, fixture, chain, 0)
	require.NoError(t, verifier.Update(context.Background(), 99, false))

	hash := common.HexToHash("0xdeadbeef")
	share, err := sealer.SignSeal(hash)
	require.NoError(t, err)

	seal := types.Seal{BlockNumber: 105, BlockHash: hash, Share: share}
	require.True(t, verifier.VerifySeal(context.Background(), fixture.ids[1], 100, seal))

	seal.Share[0] ^= 0xff
	require.False(t, verifier.VerifySeal(context.Background(), fixture.ids[1], 100, seal))
}

// TestWarmStart_RestoresEpochState covers the engine-cache warm start: a
// restarted node restores (epoch, NetworkInfo) from its database without
// touching the chain.
func TestWarmStart_RestoresEpochState(t *testing.T) {
	fixture := runFixtureDKG(t, 4)
	chain := &fakeChain{t: t, fixture: fixture, epoch: 5, epochStart: 500}
	st := newTestState(t, fixture, chain, 0)
	require.NoError(t, st.Update(context.Background(), 499, false))

	db := rawdb.NewMemoryDatabase()
	require.NoError(t, st.SaveEngineCache(db))

	restarted := newTestState(t, fixture, chain, 0)
	require.True(t, restarted.WarmStart(db, 520))
	require.EqualValues(t, 5, restarted.CurrentEpoch())
	require.EqualValues(t, 500, restarted.CurrentEpochStart())
	require.EqualValues(t, 521, restarted.HbEpoch())
	require.Equal(t, st.NetworkInfo().PublicKeySet.MasterPublicKey, restarted.NetworkInfo().PublicKeySet.MasterPublicKey)
	require.True(t, restarted.NetworkInfo().HasSecretShare())
}
