// Copyright 2024 The go-equa Authors
// This file is part of the go-equa library.

// Package hbbftcore implements the per-hb-epoch HoneyBadger instance: a
// node proposes its contribution, buffers proposals and coin-signature
// shares from the rest of the validator set, and once the full proposal set
// (and a threshold of coin shares) has arrived, closes the round with a
// batch and the epoch's shared random seed — a threshold-BLS "common coin"
// over the hb-epoch number, combined from t+1 partial signatures exactly as
// the real HoneyBadgerBFT coin is derived.
package hbbftcore

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/poanetwork/hbbft-node/consensus/hbbft/types"
	"github.com/poanetwork/hbbft-node/internal/synckeygen"
)

// Instance is one hb-epoch's protocol run.
type Instance struct {
	netInfo *types.NetworkInfo
	epoch   uint64

	hasInput bool
	done     bool

	proposals  map[types.NodeId][]byte
	coinShares map[types.NodeId][]byte

	faults []types.Fault
}

// New creates an instance for the given network info at hb-epoch epoch.
func New(netInfo *types.NetworkInfo, epoch uint64) (*Instance, error) {
	if netInfo == nil {
		return nil, errors.New("hbbftcore: nil network info")
	}
	return &Instance{
		netInfo:    netInfo,
		epoch:      epoch,
		proposals:  make(map[types.NodeId][]byte),
		coinShares: make(map[types.NodeId][]byte),
	}, nil
}

// Epoch returns the hb-epoch this instance is running.
func (in *Instance) Epoch() uint64 { return in.epoch }

// AdvanceEpoch moves the instance to a later hb-epoch, clearing all
// per-round state. The validator set and key material stay; they belong to
// the staking epoch, not the round.
func (in *Instance) AdvanceEpoch(epoch uint64) error {
	if epoch < in.epoch {
		return fmt.Errorf("hbbftcore: cannot advance from epoch %d back to %d", in.epoch, epoch)
	}
	if epoch == in.epoch {
		return nil
	}
	in.epoch = epoch
	in.hasInput = false
	in.done = false
	in.proposals = make(map[types.NodeId][]byte)
	in.coinShares = make(map[types.NodeId][]byte)
	in.faults = nil
	return nil
}

// HasInput reports whether this node has already proposed.
func (in *Instance) HasInput() bool { return in.hasInput }

// ReceivedProposals is the count of distinct validators whose proposal has
// arrived so far.
func (in *Instance) ReceivedProposals() int { return len(in.proposals) }

func coinMessage(epoch uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, epoch)
	return b
}

// Propose is the one-time entry point for this node's own contribution. It
// returns the messages to broadcast (the proposal itself, and this node's
// coin-signature share) plus a completion Step if the round was already
// waiting only on our own input.
func (in *Instance) Propose(contribution []byte) (*types.Step, error) {
	if in.hasInput {
		return nil, errors.New("hbbftcore: instance already has input")
	}
	in.hasInput = true
	in.proposals[in.netInfo.Own] = contribution

	out := []types.Message{{Epoch: in.epoch, Kind: types.KindProposal, Payload: contribution}}

	if in.netInfo.HasSecretShare() {
		share, err := synckeygen.Sign(in.netInfo.SecretKeyShare.Bytes, coinMessage(in.epoch))
		if err != nil {
			return nil, fmt.Errorf("hbbftcore: sign coin share: %w", err)
		}
		in.coinShares[in.netInfo.Own] = share
		out = append(out, types.Message{Epoch: in.epoch, Kind: types.KindCoinShare, Payload: share})
	}

	step := in.checkCompletion()
	step.Outgoing = append(out, step.Outgoing...)
	return step, nil
}

// HandleMessage processes one inbound message for this instance's hb-epoch.
// The caller is responsible for epoch routing: messages for a
// different hb-epoch must never reach here.
func (in *Instance) HandleMessage(sender types.NodeId, msg types.Message) (*types.Step, error) {
	if msg.Epoch != in.epoch {
		return nil, fmt.Errorf("hbbftcore: message epoch %d does not match instance epoch %d", msg.Epoch, in.epoch)
	}
	if in.netInfo.IndexOf(sender) < 0 {
		// Message from a non-validator for this epoch; says unknown-sender
		// messages are dropped silently.
		return &types.Step{}, nil
	}

	switch msg.Kind {
	case types.KindProposal:
		if existing, ok := in.proposals[sender]; ok {
			if string(existing) != string(msg.Payload) {
				in.faults = append(in.faults, types.Fault{Sender: sender, Reason: "equivocating proposal"})
			}
			return &types.Step{Faults: in.drainFaults()}, nil
		}
		in.proposals[sender] = msg.Payload
	case types.KindCoinShare:
		if _, ok := in.coinShares[sender]; ok {
			return &types.Step{}, nil
		}
		if in.netInfo.PublicKeySet.Shares != nil {
			if share, ok := in.netInfo.PublicKeySet.Shares[sender]; ok {
				if !synckeygen.VerifySignatureShare(share, coinMessage(in.epoch), msg.Payload) {
					in.faults = append(in.faults, types.Fault{Sender: sender, Reason: "invalid coin signature share"})
					return &types.Step{Faults: in.drainFaults()}, nil
				}
			}
		}
		in.coinShares[sender] = msg.Payload
	default:
		return nil, fmt.Errorf("hbbftcore: unknown message kind %d", msg.Kind)
	}

	return in.checkCompletion(), nil
}

// checkCompletion closes the round once every validator's proposal and a
// threshold of coin shares have accumulated. Waiting for the full proposal
// set (rather than the n−f a full ACS would agree on through its binary
// agreement sub-protocol) keeps the closed batch identical on every honest
// node without that machinery; a validator that never proposes stalls
// block production, which the early-epoch-end path resolves by rotating it
// out.
func (in *Instance) checkCompletion() *types.Step {
	step := &types.Step{Faults: in.drainFaults()}
	if in.done || !in.hasInput {
		return step
	}
	if len(in.proposals) < in.netInfo.NumValidators() {
		return step
	}
	if len(in.coinShares) < in.netInfo.Threshold()+1 {
		return step
	}

	seedBytes, err := synckeygen.CombineSignatureShares(
		in.netInfo.PublicKeySet.MasterPublicKey,
		coinMessage(in.epoch),
		in.indexedCoinShares(),
		in.netInfo.Threshold(),
	)
	if err != nil {
		// Not enough verifiably-correct shares yet; wait for more.
		return step
	}

	in.done = true
	batch := make([][]byte, 0, len(in.proposals))
	for _, id := range types.SortNodeIds(in.netInfo.Validators) {
		if p, ok := in.proposals[id]; ok {
			batch = append(batch, p)
		}
	}
	step.Batch = batch
	copy(step.Seed[:], hashSeed(seedBytes))
	return step
}

func (in *Instance) indexedCoinShares() map[uint64][]byte {
	out := make(map[uint64][]byte, len(in.coinShares))
	for id, share := range in.coinShares {
		if idx := in.netInfo.IndexOf(id); idx >= 0 {
			out[uint64(idx)] = share
		}
	}
	return out
}

func (in *Instance) drainFaults() []types.Fault {
	if len(in.faults) == 0 {
		return nil
	}
	f := in.faults
	in.faults = nil
	return f
}

// hashSeed folds an arbitrary-length combined signature into the fixed
// 32-byte seed consumed by the final-ordering XOR, via the module's
// standard Keccak-256 (see consensus/hbbft/contribution).
func hashSeed(sig []byte) []byte {
	return keccak256(sig)
}
