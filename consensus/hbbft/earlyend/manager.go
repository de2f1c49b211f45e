// Copyright 2024 The go-equa Authors
// This file is part of the go-equa library.

// Package earlyend watches
// per-validator liveness within the current staking epoch and reports
// missing_connectivity / reconnect on-chain to let the chain decide an
// early rotation.
package earlyend

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/poanetwork/hbbft-node/consensus/hbbft/contracts"
	"github.com/poanetwork/hbbft-node/consensus/hbbft/types"
)

// Constants from 
const (
	DevP2PWarmup   = 120 * time.Second
	BlockThreshold = 10
)

// Liveness is the subset of the memorium's read API needed here.
type Liveness interface {
	LastSeen(block uint64, node types.NodeId) (uint64, bool)
}

// Manager runs one staking epoch's worth of liveness reporting. A fresh
// Manager is created on every epoch rotation where this node is a current
// validator, and discarded otherwise.
type Manager struct {
	client     *contracts.Client
	memorium   Liveness
	epochStart uint64
	startedAt  time.Time

	flagged map[common.Address]struct{}
}

// New creates a manager for a staking epoch beginning at epochStart. It
// records time.Now() as startedAt, which backs the devp2p warmup grace
// period.
func New(client *contracts.Client, mem Liveness, epochStart uint64) *Manager {
	return &Manager{
		client:     client,
		memorium:   mem,
		epochStart: epochStart,
		startedAt:  time.Now(),
		flagged:    make(map[common.Address]struct{}),
	}
}

// Tick runs one pass of the algorithm against the given validator set
// (every current validator other than self), skipping while warming up or
// below the block threshold, or while the chain is syncing.
func (m *Manager) Tick(ctx context.Context, latestBlock uint64, syncing bool, self common.Address, validators []common.Address, miningToNode func(common.Address) (types.NodeId, bool)) {
	if syncing {
		return
	}
	if time.Since(m.startedAt) < DevP2PWarmup {
		return
	}
	if latestBlock < m.epochStart+BlockThreshold {
		return
	}

	for _, validator := range validators {
		if validator == self {
			continue
		}
		node, ok := miningToNode(validator)
		if !ok {
			continue
		}
		m.checkOne(ctx, latestBlock, self, validator, node)
	}
}

func (m *Manager) checkOne(ctx context.Context, latestBlock uint64, self, validator common.Address, node types.NodeId) {
	lastSeen, known := m.memorium.LastSeen(latestBlock, node)
	stale := !known || lastSeen < latestBlock-BlockThreshold

	epoch, err := m.client.StakingEpoch(ctx)
	if err != nil {
		log.Debug("hbbft earlyend: staking epoch read failed, retrying next tick", "err", err)
		return
	}

	if stale {
		already, err := m.client.IsReported(ctx, epoch, validator, self)
		if err != nil {
			log.Debug("hbbft earlyend: isReported read failed, retrying next tick", "validator", validator, "err", err)
			return
		}
		if already {
			return
		}
		hash := common.Hash{} // the caller's sealing path is expected to have a real block hash; zero is a placeholder for headerless ticks
		if _, err := m.client.ReportMissingConnectivity(ctx, validator, new(big.Int).SetUint64(latestBlock), hash); err != nil {
			log.Warn("hbbft earlyend: report_missing_connectivity failed", "validator", validator, "err", err)
			return
		}
		m.flagged[validator] = struct{}{}
		log.Info("hbbft earlyend: reported missing connectivity", "validator", validator, "block", latestBlock)
		return
	}

	already, err := m.client.IsReported(ctx, epoch, validator, self)
	if err != nil {
		log.Debug("hbbft earlyend: isReported read failed, retrying next tick", "validator", validator, "err", err)
		return
	}
	if !already {
		return
	}
	hash := common.Hash{}
	if _, err := m.client.ReportReconnect(ctx, validator, new(big.Int).SetUint64(latestBlock), hash); err != nil {
		log.Warn("hbbft earlyend: report_reconnect failed", "validator", validator, "err", err)
		return
	}
	delete(m.flagged, validator)
	log.Info("hbbft earlyend: reported reconnect", "validator", validator, "block", latestBlock)
}

// Flagged returns the local flagged-set, a convenience view; on-chain state
// remains the source of truth, so a restarted node does not re-report.
func (m *Manager) Flagged() []common.Address {
	out := make([]common.Address, 0, len(m.flagged))
	for a := range m.flagged {
		out = append(out, a)
	}
	return out
}
