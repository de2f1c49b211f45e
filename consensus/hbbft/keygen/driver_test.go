// Copyright 2024 The go-equa Authors
// This file is part of the go-equa library.

package keygen

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/poanetwork/hbbft-node/consensus/hbbft/contracts"
	hbtypes "github.com/poanetwork/hbbft-node/consensus/hbbft/types"
)

// modeChain answers getPendingValidatorKeyGenerationMode with a fixed mode.
type modeChain struct{ mode uint8 }

func (f *modeChain) CallConst(ctx context.Context, contract common.Address, calldata []byte) ([]byte, error) {
	name, _, outputs, err := contracts.DecodeCall(contract, calldata)
	if err != nil {
		return nil, err
	}
	if name != "getPendingValidatorKeyGenerationMode" {
		return nil, hbtypes.ErrNotReady
	}
	return outputs.Pack(f.mode)
}

func (f *modeChain) SendTransaction(ctx context.Context, req hbtypes.TxRequest) (common.Hash, error) {
	return common.Hash{}, nil
}

func (f *modeChain) LatestBlock() (*big.Int, common.Hash, error) {
	return big.NewInt(0), common.Hash{}, nil
}

func (f *modeChain) IsSyncing() bool { return false }

func TestShouldSend_FirstSendAtSendDelay(t *testing.T) {
	for c := 1; c < SendDelay; c++ {
		require.False(t, shouldSend(c), "counter %d", c)
	}
	require.True(t, shouldSend(SendDelay))
}

func TestShouldSend_ResendsEveryResendDelay(t *testing.T) {
	require.False(t, shouldSend(SendDelay+1))
	require.True(t, shouldSend(SendDelay+ResendDelay))
	require.True(t, shouldSend(SendDelay+2*ResendDelay))
	require.False(t, shouldSend(SendDelay+ResendDelay-1))
}

func TestDriver_ModeChangeResetsCounter(t *testing.T) {
	d := New(contracts.New(&modeChain{mode: contracts.KeyGenModeWritePart}), common.Address{}, 0, nil)
	d.mode = 0
	d.counter = 7

	// The chain now reports WritePart; counter 1 is below SendDelay, so the
	// tick stops before building a part.
	d.Tick(context.Background(), nil, 0)
	require.Equal(t, uint8(1), d.mode)
	require.Equal(t, 1, d.counter)
}
