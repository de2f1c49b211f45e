// Copyright 2024 The go-equa Authors
// This file is part of the go-equa library.

package contracts

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	hbtypes "github.com/poanetwork/hbbft-node/consensus/hbbft/types"
)

// Client wraps a types.EngineClient with typed, ABI-correct accessors for
// every system-contract function the engine uses. Every read returns
// hbtypes.ErrNotReady on transport failure; it never panics and never wraps a
// decode error as fatal since decode errors here only ever mean the chain
// client is misbehaving, not that our own configuration is wrong.
type Client struct {
	ec hbtypes.EngineClient
}

func New(ec hbtypes.EngineClient) *Client { return &Client{ec: ec} }

// -- ValidatorSet -----------------------------------------------------------

func (c *Client) GetValidators(ctx context.Context) ([]common.Address, error) {
	var out []common.Address
	if err := c.invoke(ctx, ValidatorSetAddress, validatorSetABI, "getValidators", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetPendingValidators(ctx context.Context) ([]common.Address, error) {
	var out []common.Address
	if err := c.invoke(ctx, ValidatorSetAddress, validatorSetABI, "getPendingValidators", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetPublicKey(ctx context.Context, miningAddr common.Address) ([]byte, error) {
	var out []byte
	err := c.invoke(ctx, ValidatorSetAddress, validatorSetABI, "getPublicKey", &out, miningAddr)
	return out, err
}

func (c *Client) MiningByStakingAddress(ctx context.Context, stakingAddr common.Address) (common.Address, error) {
	var out common.Address
	err := c.invoke(ctx, ValidatorSetAddress, validatorSetABI, "miningByStakingAddress", &out, stakingAddr)
	return out, err
}

func (c *Client) StakingByMiningAddress(ctx context.Context, miningAddr common.Address) (common.Address, error) {
	var out common.Address
	err := c.invoke(ctx, ValidatorSetAddress, validatorSetABI, "stakingByMiningAddress", &out, miningAddr)
	return out, err
}

func (c *Client) IsPendingValidator(ctx context.Context, miningAddr common.Address) (bool, error) {
	var out bool
	err := c.invoke(ctx, ValidatorSetAddress, validatorSetABI, "isPendingValidator", &out, miningAddr)
	return out, err
}

func (c *Client) GetPendingValidatorKeyGenerationMode(ctx context.Context, miningAddr common.Address) (uint8, error) {
	var out uint8
	err := c.invoke(ctx, ValidatorSetAddress, validatorSetABI, "getPendingValidatorKeyGenerationMode", &out, miningAddr)
	return out, err
}

func (c *Client) ValidatorAvailableSince(ctx context.Context, miningAddr common.Address) (*big.Int, error) {
	var out *big.Int
	err := c.invoke(ctx, ValidatorSetAddress, validatorSetABI, "validatorAvailableSince", &out, miningAddr)
	return out, err
}

// SetValidatorInternetAddressGas is the empirical gas limit for
// setValidatorInternetAddress.
const SetValidatorInternetAddressGas = 100_000

func (c *Client) SetValidatorInternetAddress(ctx context.Context, ip [16]byte, port [2]byte) (common.Hash, error) {
	data, err := validatorSetABI.Pack("setValidatorInternetAddress", ip, port)
	if err != nil {
		return common.Hash{}, err
	}
	return c.ec.SendTransaction(ctx, hbtypes.TxRequest{To: ValidatorSetAddress, Data: data, GasLimit: SetValidatorInternetAddressGas})
}

func (c *Client) AnnounceAvailability(ctx context.Context, blockNumber *big.Int, blockHash common.Hash) (common.Hash, error) {
	data, err := validatorSetABI.Pack("announceAvailability", blockNumber, blockHash)
	if err != nil {
		return common.Hash{}, err
	}
	return c.ec.SendTransaction(ctx, hbtypes.TxRequest{To: ValidatorSetAddress, Data: data, GasLimit: 200_000})
}

// -- Staking ----------------------------------------------------------------

func (c *Client) StakingEpoch(ctx context.Context) (hbtypes.StakingEpoch, error) {
	var out *big.Int
	if err := c.invoke(ctx, StakingAddress, stakingABI, "stakingEpoch", &out); err != nil {
		return 0, err
	}
	return hbtypes.StakingEpoch(out.Uint64()), nil
}

func (c *Client) StakingEpochStartBlock(ctx context.Context) (uint64, error) {
	var out *big.Int
	if err := c.invoke(ctx, StakingAddress, stakingABI, "stakingEpochStartBlock", &out); err != nil {
		return 0, err
	}
	return out.Uint64(), nil
}

func (c *Client) StartTimeOfNextPhaseTransition(ctx context.Context) (uint64, error) {
	var out *big.Int
	err := c.invoke(ctx, StakingAddress, stakingABI, "startTimeOfNextPhaseTransition", &out)
	if err != nil {
		return 0, err
	}
	return out.Uint64(), nil
}

func (c *Client) CandidateMinStake(ctx context.Context) (*big.Int, error) {
	var out *big.Int
	err := c.invoke(ctx, StakingAddress, stakingABI, "candidateMinStake", &out)
	return out, err
}

// GetPoolInternetAddress returns the 16-byte IP and 2-byte port stored
// for a staking pool.
func (c *Client) GetPoolInternetAddress(ctx context.Context, stakingAddr common.Address) ([16]byte, [2]byte, error) {
	var ip [16]byte
	var port [2]byte
	err := c.invoke2(ctx, StakingAddress, stakingABI, "getPoolInternetAddress", &ip, &port, stakingAddr)
	return ip, port, err
}

func (c *Client) StakeAmount(ctx context.Context, pool, staker common.Address) (*big.Int, error) {
	var out *big.Int
	err := c.invoke(ctx, StakingAddress, stakingABI, "stakeAmount", &out, pool, staker)
	return out, err
}

func (c *Client) GetPoolPublicKey(ctx context.Context, stakingAddr common.Address) ([]byte, error) {
	var out []byte
	err := c.invoke(ctx, StakingAddress, stakingABI, "getPoolPublicKey", &out, stakingAddr)
	return out, err
}

func (c *Client) IsPoolActive(ctx context.Context, stakingAddr common.Address) (bool, error) {
	var out bool
	err := c.invoke(ctx, StakingAddress, stakingABI, "isPoolActive", &out, stakingAddr)
	return out, err
}

func (c *Client) AddPool(ctx context.Context, stake *big.Int, publicKey []byte, ip [16]byte, port [2]byte) (common.Hash, error) {
	data, err := stakingABI.Pack("addPool", publicKey, ip, port)
	if err != nil {
		return common.Hash{}, err
	}
	return c.ec.SendTransaction(ctx, hbtypes.TxRequest{To: StakingAddress, Data: data, Value: stake, GasLimit: 300_000})
}

// -- KeygenHistory ------------------------------------------------------

// PartGas/AckGas are the empirical gas formulas for keygen transactions.
func PartGas(partLen int) uint64 { return uint64(partLen)*800 + 100_000 }
func AckGas(totalAckBytes int) uint64 { return uint64(totalAckBytes)*850 + 200_000 }

func (c *Client) WritePart(ctx context.Context, epoch hbtypes.StakingEpoch, round *big.Int, part []byte) (common.Hash, error) {
	data, err := keygenHistoryABI.Pack("writePart", new(big.Int).SetUint64(uint64(epoch)), round, part)
	if err != nil {
		return common.Hash{}, err
	}
	return c.ec.SendTransaction(ctx, hbtypes.TxRequest{To: KeygenHistoryAddress, Data: data, GasLimit: PartGas(len(part))})
}

func (c *Client) WriteAcks(ctx context.Context, epoch hbtypes.StakingEpoch, round *big.Int, acks [][]byte) (common.Hash, error) {
	total := 0
	for _, a := range acks {
		total += len(a)
	}
	data, err := keygenHistoryABI.Pack("writeAcks", new(big.Int).SetUint64(uint64(epoch)), round, acks)
	if err != nil {
		return common.Hash{}, err
	}
	return c.ec.SendTransaction(ctx, hbtypes.TxRequest{To: KeygenHistoryAddress, Data: data, GasLimit: AckGas(total)})
}

func (c *Client) ReadPart(ctx context.Context, miningAddr common.Address) ([]byte, error) {
	var out []byte
	err := c.invoke(ctx, KeygenHistoryAddress, keygenHistoryABI, "parts", &out, miningAddr)
	return out, err
}

func (c *Client) ReadAcks(ctx context.Context, miningAddr common.Address) ([][]byte, error) {
	var out [][]byte
	err := c.invoke(ctx, KeygenHistoryAddress, keygenHistoryABI, "getAcks", &out, miningAddr)
	return out, err
}

// -- ConnectivityTracker ------------------------------------------------

func (c *Client) IsReported(ctx context.Context, epoch hbtypes.StakingEpoch, validator, reporter common.Address) (bool, error) {
	var out bool
	err := c.invoke(ctx, ConnectivityTrackerAddress, connectivityTrackerABI, "isReported", &out,
		new(big.Int).SetUint64(uint64(epoch)), validator, reporter)
	return out, err
}

func (c *Client) GetFlaggedValidators(ctx context.Context) ([]common.Address, error) {
	var out []common.Address
	err := c.invoke(ctx, ConnectivityTrackerAddress, connectivityTrackerABI, "getFlaggedValidators", &out)
	return out, err
}

const (
	ReportMissingConnectivityGas = 500_000
	ReportReconnectGas           = 200_000
)

func (c *Client) ReportMissingConnectivity(ctx context.Context, validator common.Address, block *big.Int, hash common.Hash) (common.Hash, error) {
	data, err := connectivityTrackerABI.Pack("reportMissingConnectivity", validator, block, hash)
	if err != nil {
		return common.Hash{}, err
	}
	return c.ec.SendTransaction(ctx, hbtypes.TxRequest{To: ConnectivityTrackerAddress, Data: data, GasLimit: ReportMissingConnectivityGas})
}

func (c *Client) ReportReconnect(ctx context.Context, validator common.Address, block *big.Int, hash common.Hash) (common.Hash, error) {
	data, err := connectivityTrackerABI.Pack("reportReconnect", validator, block, hash)
	if err != nil {
		return common.Hash{}, err
	}
	return c.ec.SendTransaction(ctx, hbtypes.TxRequest{To: ConnectivityTrackerAddress, Data: data, GasLimit: ReportReconnectGas})
}

// -- Random / Permission -------------------------------------------------

func (c *Client) SetCurrentSeed(ctx context.Context, seed *big.Int) (common.Hash, error) {
	data, err := randomABI.Pack("setCurrentSeed", seed)
	if err != nil {
		return common.Hash{}, err
	}
	return c.ec.SendTransaction(ctx, hbtypes.TxRequest{To: RandomAddress, Data: data, GasLimit: 100_000})
}

func (c *Client) MinimumGasPrice(ctx context.Context) (*big.Int, error) {
	var out *big.Int
	err := c.invoke(ctx, PermissionAddress, permissionABI, "minimumGasPrice", &out)
	return out, err
}

// -- low-level helpers ----------------------------------------------------

type packer interface {
	Pack(name string, args ...interface{}) ([]byte, error)
	Unpack(name string, data []byte) ([]interface{}, error)
}

func (c *Client) invoke(ctx context.Context, target common.Address, a packer, method string, out interface{}, args ...interface{}) error {
	data, err := a.Pack(method, args...)
	if err != nil {
		return fmt.Errorf("contracts: pack %s: %w", method, err)
	}
	ret, err := c.ec.CallConst(ctx, target, data)
	if err != nil {
		return hbtypes.ErrNotReady
	}
	vals, err := a.Unpack(method, ret)
	if err != nil {
		return fmt.Errorf("contracts: unpack %s: %w", method, err)
	}
	if len(vals) == 0 {
		return nil
	}
	return assign(out, vals[0])
}

// invoke2 unpacks a two-return-value call into out1/out2.
func (c *Client) invoke2(ctx context.Context, target common.Address, a packer, method string, out1, out2 interface{}, args ...interface{}) error {
	data, err := a.Pack(method, args...)
	if err != nil {
		return fmt.Errorf("contracts: pack %s: %w", method, err)
	}
	ret, err := c.ec.CallConst(ctx, target, data)
	if err != nil {
		return hbtypes.ErrNotReady
	}
	vals, err := a.Unpack(method, ret)
	if err != nil {
		return fmt.Errorf("contracts: unpack %s: %w", method, err)
	}
	if len(vals) < 2 {
		return fmt.Errorf("contracts: %s returned %d values, want 2", method, len(vals))
	}
	if err := assign(out1, vals[0]); err != nil {
		return err
	}
	return assign(out2, vals[1])
}

// assign copies a decoded abi value into the caller's typed pointer. The
// abi package already returns the right concrete Go type (common.Address,
// *big.Int, []byte, bool, [16]byte, ...); we just need to get it behind the
// caller's pointer without reflect ceremony for each call-site.
func assign(out interface{}, val interface{}) error {
	switch p := out.(type) {
	case *common.Address:
		v, ok := val.(common.Address)
		if !ok {
			return fmt.Errorf("contracts: expected address, got %T", val)
		}
		*p = v
	case *[]common.Address:
		v, ok := val.([]common.Address)
		if !ok {
			return fmt.Errorf("contracts: expected []address, got %T", val)
		}
		*p = v
	case **big.Int:
		v, ok := val.(*big.Int)
		if !ok {
			return fmt.Errorf("contracts: expected *big.Int, got %T", val)
		}
		*p = v
	case *bool:
		v, ok := val.(bool)
		if !ok {
			return fmt.Errorf("contracts: expected bool, got %T", val)
		}
		*p = v
	case *uint8:
		v, ok := val.(uint8)
		if !ok {
			return fmt.Errorf("contracts: expected uint8, got %T", val)
		}
		*p = v
	case *[]byte:
		v, ok := val.([]byte)
		if !ok {
			return fmt.Errorf("contracts: expected []byte, got %T", val)
		}
		*p = v
	case *[][]byte:
		v, ok := val.([][]byte)
		if !ok {
			return fmt.Errorf("contracts: expected [][]byte, got %T", val)
		}
		*p = v
	case *[16]byte:
		v, ok := val.([16]byte)
		if !ok {
			return fmt.Errorf("contracts: expected [16]byte, got %T", val)
		}
		*p = v
	case *[2]byte:
		v, ok := val.([2]byte)
		if !ok {
			return fmt.Errorf("contracts: expected [2]byte, got %T", val)
		}
		*p = v
	default:
		return fmt.Errorf("contracts: unsupported output type %T", out)
	}
	return nil
}
