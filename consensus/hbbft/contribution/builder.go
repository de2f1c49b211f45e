// Copyright 2024 The go-equa Authors
// This file is part of the go-equa library.

// Package contribution selects this node's bounded HBBFT contribution from
// the pending transaction pool and re-derives the deterministic final
// ordering of a completed batch, which every honest validator must
// assemble byte-identically.
package contribution

import (
	"bytes"
	"math"
	"math/rand"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
)

// NonceSource answers "what is the next nonce this account may use on
// chain", the floor below which queued transactions are stale and dropped.
type NonceSource interface {
	PendingNonceAt(addr common.Address) (uint64, error)
}

// TxPool is the minimal view of the node's transaction pool needed here: all
// queued transactions grouped by sender, as the pool itself already tracks
// them (go-ethereum's txpool keys its pending map by sender).
type TxPool interface {
	PendingBySender() map[common.Address][]*ethtypes.Transaction
}

// Builder selects and orders contributions for one node.
type Builder struct {
	pool   TxPool
	nonces NonceSource
}

func New(pool TxPool, nonces NonceSource) *Builder {
	return &Builder{pool: pool, nonces: nonces}
}

// PendingBySender exposes the underlying pool's sender grouping, used by
// the node's pending-transactions overview RPC.
func (b *Builder) PendingBySender() map[common.Address][]*ethtypes.Transaction {
	return b.pool.PendingBySender()
}

// minRequiredNodes is the smallest majority of the correct validators, the
// number of contributions any completed batch is guaranteed to contain.
func minRequiredNodes(numCorrect int) int {
	return numCorrect/2 + 1
}

// targetSize is ⌈|T| / min_required_nodes⌉ + 4.
func targetSize(poolSize, numCorrect int) int {
	mrn := minRequiredNodes(numCorrect)
	if mrn <= 0 {
		mrn = 1
	}
	return int(math.Ceil(float64(poolSize)/float64(mrn))) + 4
}

// BuildContribution assembles this node's raw contribution: RLP-encoded
// transactions from a randomly sampled subset of senders, each sender's
// transactions filtered to nonce ≥ its on-chain nonce, stopping once the
// target size is reached. Local randomness in sender selection is
// safe because the batch's final order is re-derived deterministically by
// FinalOrder below, from the seed alone.
func (b *Builder) BuildContribution(numValidators, numFaulty int) ([][]byte, error) {
	bySender := b.pool.PendingBySender()
	poolSize := 0
	for _, txs := range bySender {
		poolSize += len(txs)
	}
	if poolSize == 0 {
		return nil, nil
	}

	numCorrect := numValidators - numFaulty
	want := targetSize(poolSize, numCorrect)

	senders := make([]common.Address, 0, len(bySender))
	for s := range bySender {
		senders = append(senders, s)
	}
	rand.Shuffle(len(senders), func(i, j int) { senders[i], senders[j] = senders[j], senders[i] })

	var out [][]byte
	for _, sender := range senders {
		if len(out) >= want {
			break
		}
		floor, err := b.nonces.PendingNonceAt(sender)
		if err != nil {
			return nil, err
		}
		for _, tx := range bySender[sender] {
			if tx.Nonce() < floor {
				continue
			}
			raw, err := tx.MarshalBinary()
			if err != nil {
				return nil, err
			}
			out = append(out, raw)
		}
	}
	return out, nil
}

// senderGroup is one sender's surviving, nonce-sorted transactions, carried
// alongside its address for the final XOR sort.
type senderGroup struct {
	addr common.Address
	txs  []*ethtypes.Transaction
}

// FinalOrder re-derives the deterministic final ordering of a completed
// HBBFT batch from the combined, decrypted set of RLP-encoded transactions
// and the round's shared random seed: duplicate nonces are dropped
// first-seen-wins, each sender's transactions are sorted by nonce, and
// senders are ordered by the XOR of their address with the seed.
func FinalOrder(signer ethtypes.Signer, rawTxs [][]byte, seed [32]byte) ([]*ethtypes.Transaction, error) {
	byAddr := make(map[common.Address]map[uint64]*ethtypes.Transaction)
	order := make([]common.Address, 0)

	for _, raw := range rawTxs {
		tx := new(ethtypes.Transaction)
		if err := tx.UnmarshalBinary(raw); err != nil {
			// A malformed entry in the decrypted batch is a protocol fault
			// from whichever validator proposed it; skip it rather than
			// abort the whole block.
			continue
		}
		sender, err := ethtypes.Sender(signer, tx)
		if err != nil {
			continue
		}
		nonces, ok := byAddr[sender]
		if !ok {
			nonces = make(map[uint64]*ethtypes.Transaction)
			byAddr[sender] = nonces
			order = append(order, sender)
		}
		// First-seen wins on a duplicate nonce for the same sender.
		if _, dup := nonces[tx.Nonce()]; !dup {
			nonces[tx.Nonce()] = tx
		}
	}

	groups := make([]senderGroup, 0, len(order))
	for _, addr := range order {
		nonces := byAddr[addr]
		txs := make([]*ethtypes.Transaction, 0, len(nonces))
		for _, tx := range nonces {
			txs = append(txs, tx)
		}
		sort.Slice(txs, func(i, j int) bool { return txs[i].Nonce() < txs[j].Nonce() })
		groups = append(groups, senderGroup{addr: addr, txs: txs})
	}

	sort.Slice(groups, func(i, j int) bool {
		return bytes.Compare(xorTop20(groups[i].addr, seed), xorTop20(groups[j].addr, seed)) < 0
	})

	var out []*ethtypes.Transaction
	for _, g := range groups {
		out = append(out, g.txs...)
	}
	return out, nil
}

// xorTop20 XORs a 20-byte sender address with the top 20 bytes of the
// 32-byte shared seed, both treated as big-endian.
func xorTop20(addr common.Address, seed [32]byte) []byte {
	var out [20]byte
	for i := 0; i < 20; i++ {
		out[i] = addr[i] ^ seed[i]
	}
	return out[:]
}
