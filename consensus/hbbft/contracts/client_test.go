// Copyright 2024 The go-equa Authors
// This file is part of the go-equa library.

package contracts

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	hbtypes "github.com/poanetwork/hbbft-node/consensus/hbbft/types"
)

// fakeEngineClient answers CallConst by re-decoding the request against the
// same ABI and returning a canned result for the matched method, exercising
// the Pack/Unpack round trip exactly as a live chain client would.
type fakeEngineClient struct {
	validators []common.Address
	minStake   *big.Int
	sentTo     []hbtypes.TxRequest
}

func (f *fakeEngineClient) CallConst(ctx context.Context, contract common.Address, calldata []byte) ([]byte, error) {
	method, err := validatorSetABI.MethodById(calldata[:4])
	if err == nil {
		switch method.Name {
		case "getValidators":
			return validatorSetABI.Methods["getValidators"].Outputs.Pack(f.validators)
		}
	}
	method, err = stakingABI.MethodById(calldata[:4])
	if err == nil {
		switch method.Name {
		case "candidateMinStake":
			return stakingABI.Methods["candidateMinStake"].Outputs.Pack(f.minStake)
		}
	}
	return nil, context.DeadlineExceeded
}

func (f *fakeEngineClient) SendTransaction(ctx context.Context, req hbtypes.TxRequest) (common.Hash, error) {
	f.sentTo = append(f.sentTo, req)
	return common.Hash{1}, nil
}

func (f *fakeEngineClient) LatestBlock() (*big.Int, common.Hash, error) {
	return big.NewInt(0), common.Hash{}, nil
}

func (f *fakeEngineClient) IsSyncing() bool { return false }

func TestClient_GetValidators_RoundTrips(t *testing.T) {
	want := []common.Address{{1}, {2}, {3}}
	fec := &fakeEngineClient{validators: want}
	c := New(fec)

	got, err := c.GetValidators(context.Background())
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestClient_CandidateMinStake_RoundTrips(t *testing.T) {
	fec := &fakeEngineClient{minStake: big.NewInt(123456)}
	c := New(fec)

	got, err := c.CandidateMinStake(context.Background())
	require.NoError(t, err)
	require.Equal(t, big.NewInt(123456), got)
}

func TestClient_SetValidatorInternetAddress_SendsExpectedGasLimit(t *testing.T) {
	fec := &fakeEngineClient{}
	c := New(fec)

	var ip [16]byte
	var port [2]byte
	port[1] = 30
	_, err := c.SetValidatorInternetAddress(context.Background(), ip, port)
	require.NoError(t, err)
	require.Len(t, fec.sentTo, 1)
	require.Equal(t, uint64(SetValidatorInternetAddressGas), fec.sentTo[0].GasLimit)
	require.Equal(t, ValidatorSetAddress, fec.sentTo[0].To)
}

func TestPartGasAckGas_Formulas(t *testing.T) {
	require.Equal(t, uint64(100_000), PartGas(0))
	require.Equal(t, uint64(100_800), PartGas(1))
	require.Equal(t, uint64(200_000), AckGas(0))
	require.Equal(t, uint64(200_850), AckGas(1))
}
