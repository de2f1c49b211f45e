// Copyright 2024 The go-equa Authors
// This file is part of the go-equa library.

// Package fork implements the network fork manager: hard-coded
// emergency validator-set overrides at known block heights, bypassing
// on-chain DKG entirely.
package fork

import (
	"crypto/ecdsa"
	"fmt"
	"sort"

	"github.com/poanetwork/hbbft-node/consensus/hbbft/types"
	"github.com/poanetwork/hbbft-node/internal/synckeygen"
)

// Manager tracks a sorted list of fork definitions and which one, if any,
// is currently active.
type Manager struct {
	pending  []*types.ForkDefinition // sorted ascending by StartBlock
	finished []*types.ForkDefinition

	ownIndex uint64
	ownPriv  *ecdsa.PrivateKey

	activeStartEpoch types.StakingEpoch
	active           *types.ForkDefinition
}

// New sorts forks by start_block and discards, at init, those already
// finished relative to startupBlock.
func New(forks []*types.ForkDefinition, startupBlock uint64, ownPriv *ecdsa.PrivateKey) (*Manager, error) {
	sorted := make([]*types.ForkDefinition, len(forks))
	copy(sorted, forks)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].StartBlock < sorted[j].StartBlock })

	m := &Manager{ownPriv: ownPriv}
	for _, f := range sorted {
		if f.IsFinishedAt(startupBlock) {
			m.finished = append(m.finished, f)
			continue
		}
		if len(f.Validators) != len(f.Parts) {
			return nil, &types.FatalConfigError{Err: fmt.Errorf("fork at block %d: %d validators but %d parts", f.StartBlock, len(f.Validators), len(f.Parts))}
		}
		m.pending = append(m.pending, f)
	}
	return m, nil
}

// findOwnIndex locates this node's position within a fork's validator set,
// by matching its own public key derived from ownPriv.
func (m *Manager) findOwnIndex(validators []types.NodeId) (uint64, error) {
	own := synckeygen.PublicKeyToNodeID(&m.ownPriv.PublicKey)
	for i, v := range validators {
		if v == types.NodeId(own) {
			return uint64(i), nil
		}
	}
	return 0, fmt.Errorf("fork: this node is not a member of the fork's validator set")
}

// ShouldFork returns a synthesized NetworkInfo
// exactly when lastBlock equals the front pending fork's start_block.
func (m *Manager) ShouldFork(lastBlock uint64, currentEpoch types.StakingEpoch) (*types.NetworkInfo, error) {
	if len(m.pending) == 0 {
		return nil, nil
	}
	front := m.pending[0]
	if lastBlock != front.StartBlock {
		return nil, nil
	}

	netInfo, err := m.synthesize(front)
	if err != nil {
		return nil, &types.FatalConfigError{Err: err}
	}

	m.active = front
	m.activeStartEpoch = currentEpoch
	m.pending = m.pending[1:]
	return netInfo, nil
}

// synthesize runs the deterministic sync-keygen replay: construct a
// driver for the fork's validator set (threshold =
// ⌊(n-1)/3⌋), apply PARTs in validator order, apply every ACK, assert
// readiness, and generate the combined key material.
func (m *Manager) synthesize(f *types.ForkDefinition) (*types.NetworkInfo, error) {
	ownIdx, err := m.findOwnIndex(f.Validators)
	if err != nil {
		return nil, err
	}
	threshold := types.Faulty(len(f.Validators))

	recipients := make([]*ecdsa.PublicKey, len(f.Validators))
	for i, v := range f.Validators {
		pub, err := nodeIDToPubkey(v)
		if err != nil {
			return nil, fmt.Errorf("fork: validator %d public key: %w", i, err)
		}
		recipients[i] = pub
	}

	kg, err := synckeygen.New(ownIdx, m.ownPriv, recipients, threshold)
	if err != nil {
		return nil, fmt.Errorf("fork: construct sync-keygen: %w", err)
	}

	for dealer, raw := range f.Parts {
		part, err := decodePart(raw)
		if err != nil {
			return nil, fmt.Errorf("fork: dealer %d part: %w", dealer, err)
		}
		if _, err := kg.HandlePart(uint64(dealer), part); err != nil {
			return nil, fmt.Errorf("fork: dealer %d part rejected: %w", dealer, err)
		}
		for _, rawAck := range f.Acks[dealer] {
			ack, err := decodeAck(rawAck)
			if err != nil {
				return nil, fmt.Errorf("fork: dealer %d ack: %w", dealer, err)
			}
			kg.HandleAck(ack)
		}
	}

	if !kg.Ready() {
		return nil, fmt.Errorf("fork: sync-keygen did not reach readiness")
	}
	result, err := kg.Generate()
	if err != nil {
		return nil, fmt.Errorf("fork: generate key material: %w", err)
	}

	shares := make(map[types.NodeId][]byte, len(f.Validators))
	for i, v := range f.Validators {
		shares[v] = result.PublicShares[uint64(i)]
	}

	return &types.NetworkInfo{
		Own:            f.Validators[ownIdx],
		Validators:     types.SortNodeIds(f.Validators),
		SecretKeyShare: types.NewSecretKeyShare(result.SecretKeyShare),
		PublicKeySet: types.PublicKeySet{
			MasterPublicKey: result.MasterPublic,
			Shares:          shares,
		},
	}, nil
}

// ReportBlock finishes an applied fork: once the POSDAO epoch has
// advanced by exactly one past start_block, the active
// fork's end_block is fixed and it moves from active to finished.
func (m *Manager) ReportBlock(lastBlock uint64, currentEpoch types.StakingEpoch) {
	if m.active == nil {
		return
	}
	if currentEpoch != m.activeStartEpoch+1 {
		return
	}
	end := lastBlock
	m.active.EndBlock = &end
	m.finished = append(m.finished, m.active)
	m.active = nil
}
