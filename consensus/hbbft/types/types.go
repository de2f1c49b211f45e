// Copyright 2024 The go-equa Authors
// This file is part of the go-equa library.

// Package types holds the wire-level data model shared by every HBBFT
// consensus component: node identities, per-epoch network info, the three
// serializable message kinds, and the external "engine client" capability
// every component talks to the chain through.
package types

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// NodeId is the 64-byte uncompressed secp256k1 public key (sans the 0x04
// prefix byte) identifying a validator in HBBFT and in devp2p alike.
type NodeId [64]byte

// BytesToNodeId copies b into a NodeId. b must be exactly 64 bytes; any
// other length is an error.
func BytesToNodeId(b []byte) (NodeId, error) {
	var id NodeId
	if len(b) != len(id) {
		return id, fmt.Errorf("hbbft: node id must be %d bytes, got %d", len(id), len(b))
	}
	copy(id[:], b)
	return id, nil
}

// Address derives the 20-byte Ethereum-style address for this node id the
// same way go-ethereum derives it from a public key: keccak256 of the
// 64-byte uncompressed point (no 0x04 prefix), low 20 bytes.
func (id NodeId) Address() common.Address {
	digest := crypto.Keccak256(id[:])
	var addr common.Address
	copy(addr[:], digest[12:])
	return addr
}

// Less is the lexicographic total order over NodeId.
func (id NodeId) Less(other NodeId) bool {
	return bytes.Compare(id[:], other[:]) < 0
}

func (id NodeId) String() string {
	return common.Bytes2Hex(id[:])
}

// SortNodeIds returns a new, ascending-sorted copy of ids.
func SortNodeIds(ids []NodeId) []NodeId {
	out := make([]NodeId, len(ids))
	copy(out, ids)
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// StakingEpoch is the monotonically increasing POSDAO epoch counter.
type StakingEpoch uint64

// NetworkInfo is the immutable-for-the-epoch triple: the
// validator set ordered by NodeId, this node's secret key share (the zero
// value for a non-validating observer), and the public key set used to verify
// individual and combined threshold signatures.
type NetworkInfo struct {
	Own        NodeId
	Validators []NodeId // ascending order
	SecretKeyShare SecretKeyShare // zero value means "no share"
	PublicKeySet   PublicKeySet
}

// HasSecretShare reports whether this node can participate in sealing.
func (ni *NetworkInfo) HasSecretShare() bool {
	return ni != nil && ni.SecretKeyShare.set
}

// NumValidators, NumFaulty, Threshold implement the usual HBBFT arithmetic:
// n validators tolerate f = floor((n-1)/3) Byzantine faults; threshold t = f.
func (ni *NetworkInfo) NumValidators() int { return len(ni.Validators) }
func (ni *NetworkInfo) NumFaulty() int     { return Faulty(len(ni.Validators)) }
func (ni *NetworkInfo) Threshold() int     { return ni.NumFaulty() }

// Faulty returns floor((n-1)/3) for a validator-set size n.
func Faulty(n int) int {
	if n == 0 {
		return 0
	}
	return (n - 1) / 3
}

// IndexOf returns the position of id in the (already-sorted) validator set,
// or -1.
func (ni *NetworkInfo) IndexOf(id NodeId) int {
	for i, v := range ni.Validators {
		if v == id {
			return i
		}
	}
	return -1
}

// MessageKind tags the payload carried by Message.
type MessageKind uint8

const (
	// KindProposal carries one node's contribution for a given hb-epoch.
	KindProposal MessageKind = iota + 1
	// KindCoinShare carries a partial threshold signature over the hb-epoch
	// number, combined into the epoch's shared random seed.
	KindCoinShare
)

// Message is an ordinary HBBFT protocol message, tagged by hb-epoch.
type Message struct {
	Epoch   uint64
	Kind    MessageKind
	Payload []byte
}

// Seal is a threshold-signature share over a block's bare hash.
type Seal struct {
	BlockNumber uint64
	BlockHash   common.Hash
	Share       []byte
}

// Step is returned by the opaque HBBFT instance after handling input: a set
// of outgoing messages to broadcast, an optional finished batch of ordered
// contributions, and a fault log of protocol violations observed.
type Step struct {
	Outgoing []Message
	Batch    [][]byte // nil unless the round just completed
	Seed     [32]byte // valid iff Batch != nil
	Faults   []Fault
}

// Fault records a protocol violation attributed to a sender, consumed
// by the message memorium.
type Fault struct {
	Sender NodeId
	Reason string
}

// ReservedPeer is a stable devp2p enode URL string. The set of reserved
// peers is modeled as an ordered set of such strings (see consensus/hbbft/peers).
type ReservedPeer string

// ForkDefinition is a pre-signed emergency validator-set override, loaded
// once at startup and immutable thereafter.
type ForkDefinition struct {
	StartBlock uint64
	EndBlock   *uint64 // nil while pending
	Validators []NodeId
	Parts      [][]byte
	Acks       [][][]byte // Acks[i] are the acks for Parts[i], one per validator who acked
}

// IsFinishedAt reports whether the fork's end_block is known and already
// behind a given startup block.
func (f *ForkDefinition) IsFinishedAt(startupBlock uint64) bool {
	return f.EndBlock != nil && *f.EndBlock < startupBlock
}

// SecretKeyShare and PublicKeySet wrap the threshold BLS material produced
// by internal/synckeygen, kept opaque to every consumer above it.
type SecretKeyShare struct {
	set   bool
	Bytes []byte
}

func NewSecretKeyShare(b []byte) SecretKeyShare { return SecretKeyShare{set: true, Bytes: b} }
func (s SecretKeyShare) IsSet() bool            { return s.set }

type PublicKeySet struct {
	MasterPublicKey []byte            // serialized group public key
	Shares          map[NodeId][]byte // per-validator public key share
}

// EngineClient is the single narrow capability every consensus component
// talks to the chain through: synchronous
// constant calls and fire-and-forget transactions against fixed contract
// addresses. Implementations must treat read failures as transient.
type EngineClient interface {
	CallConst(ctx context.Context, contract common.Address, calldata []byte) ([]byte, error)
	SendTransaction(ctx context.Context, req TxRequest) (common.Hash, error)
	LatestBlock() (*big.Int, common.Hash, error)
	IsSyncing() bool
}

// TxRequest is the minimal outbound-transaction shape EngineClient accepts;
// nonce/gas-price/signing are the transport's concern.
type TxRequest struct {
	To       common.Address
	Data     []byte
	GasLimit uint64
	Value    *big.Int
}

// ErrNotReady is returned by operations that hit a transient failure:
// the caller should retry on the next tick rather than treat it as fatal.
var ErrNotReady = errors.New("hbbft: not ready, retry next tick")

// FatalConfigError marks a non-recoverable startup configuration problem
// an undeserializable fork PART/ACK or a wrong-length validator
// key. cmd/hbbft-node turns this into a logged os.Exit(1).
type FatalConfigError struct {
	Err error
}

func (e *FatalConfigError) Error() string { return "hbbft: fatal configuration error: " + e.Err.Error() }
func (e *FatalConfigError) Unwrap() error  { return e.Err }
