// Copyright 2024 The go-equa Authors
// This file is part of the go-equa library.

package fork

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/poanetwork/hbbft-node/consensus/hbbft/types"
)

// forkFileEntry is the on-disk JSON shape of one fork definition.
type forkFileEntry struct {
	BlockNumberStart uint64          `json:"blockNumberStart"`
	BlockNumberEnd   *uint64         `json:"blockNumberEnd,omitempty"`
	Validators       []hexutil.Bytes `json:"validators"`
	Parts            []hexutil.Bytes `json:"parts"`
	Acks             [][]hexutil.Bytes `json:"acks"`
}

// LoadDefinitions reads a fork-definition JSON file into
// ForkDefinitions. Any malformed entry is a fatal configuration error: a
// node must not start with a fork it cannot apply.
func LoadDefinitions(path string) ([]*types.ForkDefinition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &types.FatalConfigError{Err: fmt.Errorf("read fork definitions %s: %w", path, err)}
	}
	return ParseDefinitions(raw)
}

// ParseDefinitions decodes fork definitions from raw JSON: either a single
// object or an array of them.
func ParseDefinitions(raw []byte) ([]*types.ForkDefinition, error) {
	var entries []forkFileEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		var single forkFileEntry
		if err2 := json.Unmarshal(raw, &single); err2 != nil {
			return nil, &types.FatalConfigError{Err: fmt.Errorf("decode fork definitions: %w", err)}
		}
		entries = []forkFileEntry{single}
	}

	out := make([]*types.ForkDefinition, 0, len(entries))
	for i, e := range entries {
		fd, err := e.toDefinition()
		if err != nil {
			return nil, &types.FatalConfigError{Err: fmt.Errorf("fork definition %d: %w", i, err)}
		}
		out = append(out, fd)
	}
	return out, nil
}

func (e *forkFileEntry) toDefinition() (*types.ForkDefinition, error) {
	if len(e.Validators) != len(e.Parts) {
		return nil, fmt.Errorf("%d validators but %d parts", len(e.Validators), len(e.Parts))
	}
	if len(e.Acks) != len(e.Parts) {
		return nil, fmt.Errorf("%d parts but %d ack groups", len(e.Parts), len(e.Acks))
	}

	validators := make([]types.NodeId, len(e.Validators))
	for i, v := range e.Validators {
		id, err := types.BytesToNodeId(v)
		if err != nil {
			return nil, fmt.Errorf("validator %d: %w", i, err)
		}
		validators[i] = id
	}

	parts := make([][]byte, len(e.Parts))
	for i, p := range e.Parts {
		parts[i] = p
	}
	acks := make([][][]byte, len(e.Acks))
	for i, group := range e.Acks {
		acks[i] = make([][]byte, len(group))
		for j, a := range group {
			acks[i][j] = a
		}
	}

	return &types.ForkDefinition{
		StartBlock: e.BlockNumberStart,
		EndBlock:   e.BlockNumberEnd,
		Validators: validators,
		Parts:      parts,
		Acks:       acks,
	}, nil
}

// KeygenHistoryExport is the JSON export bundling a validator set's full
// DKG transcript plus its on-chain identities and endpoints, used to
// bootstrap genesis files and to synthesize fork definitions.
type KeygenHistoryExport struct {
	Validators      []hexutil.Bytes   `json:"validators"`
	StakingAddresses []string         `json:"stakingAddresses"`
	PublicKeys      []hexutil.Bytes   `json:"publicKeys"`
	IPAddresses     []string          `json:"ipAddresses"`
	Parts           []hexutil.Bytes   `json:"parts"`
	Acks            [][]hexutil.Bytes `json:"acks"`
}

// LoadKeygenHistoryExport reads a keygen-history export file.
func LoadKeygenHistoryExport(path string) (*KeygenHistoryExport, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("fork: read keygen history export %s: %w", path, err)
	}
	var exp KeygenHistoryExport
	if err := json.Unmarshal(raw, &exp); err != nil {
		return nil, fmt.Errorf("fork: decode keygen history export: %w", err)
	}
	return &exp, nil
}

// ToForkDefinition converts an export into a fork definition starting at the
// given block, the tooling path for synthesizing example forks from a
// captured DKG transcript.
func (exp *KeygenHistoryExport) ToForkDefinition(startBlock uint64) (*types.ForkDefinition, error) {
	entry := forkFileEntry{
		BlockNumberStart: startBlock,
		Validators:       exp.Validators,
		Parts:            exp.Parts,
		Acks:             exp.Acks,
	}
	fd, err := entry.toDefinition()
	if err != nil {
		return nil, &types.FatalConfigError{Err: err}
	}
	return fd, nil
}
