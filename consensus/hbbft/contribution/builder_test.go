// Copyright 2024 The go-equa Authors
// This file is part of the go-equa library.

package contribution

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

// newSignedTx builds and signs a simple legacy transaction at the given
// nonce, using the Homestead signer (no chain id dependence, matching how
// this package only cares about sender recovery, not replay protection).
func newSignedTx(t *testing.T, privHex string, nonce uint64) *types.Transaction {
	t.Helper()
	key, err := crypto.HexToECDSA(privHex)
	require.NoError(t, err)
	tx := types.NewTransaction(nonce, common.Address{}, big.NewInt(0), 21000, big.NewInt(1), nil)
	signed, err := types.SignTx(tx, types.HomesteadSigner{}, key)
	require.NoError(t, err)
	return signed
}

// TestFinalOrder_DuplicateNonceAndSeedSort: three senders A, B, C with
// nonces [1,2,3], [1,1,2], [5,6], a duplicate nonce-1 tx for B that must be
// dropped (first-seen wins), and a fixed seed. The resulting order must
// group each sender's nonce-sorted transactions together, with senders
// ordered by the XOR of their address against the seed's top 20 bytes.
func TestFinalOrder_DuplicateNonceAndSeedSort(t *testing.T) {
	keyA := "0000000000000000000000000000000000000000000000000000000000000001"
	keyB := "0000000000000000000000000000000000000000000000000000000000000002"
	keyC := "0000000000000000000000000000000000000000000000000000000000000003"

	a1 := newSignedTx(t, keyA, 1)
	a2 := newSignedTx(t, keyA, 2)
	a3 := newSignedTx(t, keyA, 3)

	b1First := newSignedTx(t, keyB, 1)
	b1Dup := newSignedTx(t, keyB, 1) // same sender+nonce as b1First; must be dropped
	b2 := newSignedTx(t, keyB, 2)

	c5 := newSignedTx(t, keyC, 5)
	c6 := newSignedTx(t, keyC, 6)

	raw := func(tx *types.Transaction) []byte {
		b, err := tx.MarshalBinary()
		require.NoError(t, err)
		return b
	}

	batch := [][]byte{raw(a1), raw(a2), raw(a3), raw(b1First), raw(b1Dup), raw(b2), raw(c5), raw(c6)}

	var seed [32]byte
	seed[31] = 1 // 0x00..01

	ordered, err := FinalOrder(types.HomesteadSigner{}, batch, seed)
	require.NoError(t, err)

	// b1Dup must have been dropped: only 7 transactions survive.
	require.Len(t, ordered, 7)

	addrA := mustSender(t, a1)
	addrB := mustSender(t, b1First)
	addrC := mustSender(t, c5)

	// Sanity: every A transaction comes from the same sender, ascending nonce.
	requireSenderRun(t, ordered, addrA, []uint64{1, 2, 3})
	requireSenderRun(t, ordered, addrB, []uint64{1, 2})
	requireSenderRun(t, ordered, addrC, []uint64{5, 6})

	// The overall sender grouping order is whatever the XOR-with-seed sort
	// produces; recompute it independently and check the batch matches.
	wantOrder := []common.Address{addrA, addrB, addrC}
	sortByXor(wantOrder, seed)

	idx := 0
	for _, want := range wantOrder {
		for {
			sender := mustSender(t, ordered[idx])
			if sender != want {
				t.Fatalf("unexpected sender at position %d: got %x, want %x", idx, sender, want)
			}
			idx++
			if idx >= len(ordered) || mustSender(t, ordered[idx]) != want {
				break
			}
		}
	}
}

func mustSender(t *testing.T, tx *types.Transaction) common.Address {
	t.Helper()
	addr, err := types.Sender(types.HomesteadSigner{}, tx)
	require.NoError(t, err)
	return addr
}

func requireSenderRun(t *testing.T, ordered []*types.Transaction, sender common.Address, nonces []uint64) {
	t.Helper()
	var got []uint64
	for _, tx := range ordered {
		if mustSender(t, tx) == sender {
			got = append(got, tx.Nonce())
		}
	}
	require.Equal(t, nonces, got)
}

type fakePool struct {
	bySender map[common.Address][]*types.Transaction
}

func (f *fakePool) PendingBySender() map[common.Address][]*types.Transaction { return f.bySender }

type fakeNonces struct {
	floor map[common.Address]uint64
}

func (f *fakeNonces) PendingNonceAt(addr common.Address) (uint64, error) { return f.floor[addr], nil }

// TestBuildContribution_DropsStaleNonces checks no transaction below the
// sender's on-chain nonce ever enters the contribution.
func TestBuildContribution_DropsStaleNonces(t *testing.T) {
	keyA := "0000000000000000000000000000000000000000000000000000000000000001"
	a1 := newSignedTx(t, keyA, 1)
	a2 := newSignedTx(t, keyA, 2)
	a3 := newSignedTx(t, keyA, 3)
	addrA := mustSender(t, a1)

	pool := &fakePool{bySender: map[common.Address][]*types.Transaction{addrA: {a1, a2, a3}}}
	nonces := &fakeNonces{floor: map[common.Address]uint64{addrA: 3}}

	b := New(pool, nonces)
	raw, err := b.BuildContribution(4, 1)
	require.NoError(t, err)
	require.Len(t, raw, 1)

	tx := new(types.Transaction)
	require.NoError(t, tx.UnmarshalBinary(raw[0]))
	require.EqualValues(t, 3, tx.Nonce())
}

func TestBuildContribution_EmptyPool(t *testing.T) {
	b := New(&fakePool{bySender: map[common.Address][]*types.Transaction{}}, &fakeNonces{})
	raw, err := b.BuildContribution(4, 1)
	require.NoError(t, err)
	require.Nil(t, raw)
}

func TestTargetSize(t *testing.T) {
	// 10 queued transactions, 3 correct validators: min required nodes is
	// 2, so the target is ceil(10/2)+4 = 9.
	require.Equal(t, 9, targetSize(10, 3))
	require.Equal(t, 4, targetSize(0, 3))
}

// sortByXor mirrors the package's own sender ordering so the test doesn't
// need to hardcode an expected permutation derived from raw key material.
func sortByXor(addrs []common.Address, seed [32]byte) {
	for i := 1; i < len(addrs); i++ {
		for j := i; j > 0; j-- {
			xi := xorTop20(addrs[j], seed)
			xj := xorTop20(addrs[j-1], seed)
			less := false
			for k := 0; k < 20; k++ {
				if xi[k] != xj[k] {
					less = xi[k] < xj[k]
					break
				}
			}
			if !less {
				break
			}
			addrs[j], addrs[j-1] = addrs[j-1], addrs[j]
		}
	}
}
