// Copyright 2024 The go-equa Authors
// This file is part of the go-equa library.

package fork

import (
	"encoding/json"
	"testing"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/require"

	"github.com/poanetwork/hbbft-node/consensus/hbbft/types"
)

func TestParseDefinitions_RoundTrip(t *testing.T) {
	fd, _ := buildForkDefinition(t, 10)
	end := uint64(100)
	fd.EndBlock = &end

	entry := forkFileEntry{
		BlockNumberStart: fd.StartBlock,
		BlockNumberEnd:   fd.EndBlock,
	}
	for _, v := range fd.Validators {
		v := v
		entry.Validators = append(entry.Validators, hexutil.Bytes(v[:]))
	}
	for _, p := range fd.Parts {
		entry.Parts = append(entry.Parts, hexutil.Bytes(p))
	}
	for _, group := range fd.Acks {
		var g []hexutil.Bytes
		for _, a := range group {
			g = append(g, hexutil.Bytes(a))
		}
		entry.Acks = append(entry.Acks, g)
	}
	raw, err := json.Marshal([]forkFileEntry{entry})
	require.NoError(t, err)

	parsed, err := ParseDefinitions(raw)
	require.NoError(t, err)
	require.Len(t, parsed, 1)
	require.Equal(t, fd.StartBlock, parsed[0].StartBlock)
	require.Equal(t, fd.Validators, parsed[0].Validators)
	require.Equal(t, fd.Parts, parsed[0].Parts)
	require.Equal(t, fd.Acks, parsed[0].Acks)
}

func TestParseDefinitions_MismatchedPartsIsFatal(t *testing.T) {
	raw := []byte(`[{"blockNumberStart": 10, "validators": [], "parts": ["0x01"], "acks": [[]]}]`)
	_, err := ParseDefinitions(raw)
	var fatal *types.FatalConfigError
	require.ErrorAs(t, err, &fatal)
}

// TestShouldFork_ExactStartBlock checks a fork at height 10 triggers on
// exactly that block and on no other.
func TestShouldFork_ExactStartBlock(t *testing.T) {
	fd, privs := buildForkDefinition(t, 10)
	m, err := New([]*types.ForkDefinition{fd}, 8, privs[0])
	require.NoError(t, err)

	ni, err := m.ShouldFork(9, 1)
	require.NoError(t, err)
	require.Nil(t, ni)

	ni, err = m.ShouldFork(10, 1)
	require.NoError(t, err)
	require.NotNil(t, ni)
	require.Len(t, ni.Validators, n)

	ni, err = m.ShouldFork(11, 1)
	require.NoError(t, err)
	require.Nil(t, ni)
}
