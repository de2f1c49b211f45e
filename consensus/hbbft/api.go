// Copyright 2024 The go-equa Authors
// This file is part of the go-equa library.

package hbbft

import (
	"github.com/ethereum/go-ethereum/common"
)

// API exposes the hbbft_* RPC namespace: epoch and validator-set
// introspection, connectivity-report flags, and the pending-transactions
// overview.
type API struct {
	engine *Engine
}

// NewAPI wraps an Engine for RPC exposure.
func NewAPI(engine *Engine) *API {
	return &API{engine: engine}
}

// ValidatorInfo is the JSON shape returned by GetValidators.
type ValidatorInfo struct {
	Address common.Address `json:"address"`
	NodeID  string         `json:"nodeId"`
}

// GetValidators returns the current hb-epoch's validator set.
func (api *API) GetValidators() []ValidatorInfo {
	netInfo := api.engine.state.NetworkInfo()
	if netInfo == nil {
		return nil
	}
	out := make([]ValidatorInfo, 0, len(netInfo.Validators))
	for _, v := range netInfo.Validators {
		out = append(out, ValidatorInfo{Address: v.Address(), NodeID: v.String()})
	}
	return out
}

// CurrentEpoch returns the current POSDAO staking epoch.
func (api *API) CurrentEpoch() uint64 {
	return uint64(api.engine.state.CurrentEpoch())
}

// CurrentHbEpoch returns the live HBBFT instance's hb-epoch, 0 if none.
func (api *API) CurrentHbEpoch() uint64 {
	return api.engine.state.HbEpoch()
}

// IsValidating reports whether this node holds a secret key share for the
// current epoch.
func (api *API) IsValidating() bool {
	netInfo := api.engine.state.NetworkInfo()
	return netInfo.HasSecretShare()
}

// FlaggedValidators returns the addresses this node's early-epoch-end
// manager has reported for missing connectivity this epoch.
func (api *API) FlaggedValidators() []common.Address {
	mgr := api.engine.state.EarlyEnd()
	if mgr == nil {
		return nil
	}
	return mgr.Flagged()
}

// PendingTransactionsOverview summarizes the tx pool's senders and queue
// depths, used operationally to sanity-check contribution sizing before a
// round.
type PendingTransactionsOverview struct {
	SenderCount int            `json:"senderCount"`
	TotalCount  int            `json:"totalCount"`
	PerSender   map[string]int `json:"perSender"`
}

// PendingTransactionsOverview reports a snapshot of the node's pending
// transaction pool grouped by sender.
func (api *API) PendingTransactionsOverview() PendingTransactionsOverview {
	overview := PendingTransactionsOverview{PerSender: make(map[string]int)}
	pending := api.engine.state.PendingBySender()
	for addr, txs := range pending {
		overview.PerSender[addr.Hex()] = len(txs)
		overview.TotalCount += len(txs)
	}
	overview.SenderCount = len(pending)
	return overview
}
