// Copyright 2024 The go-equa Authors
// This file is part of the go-equa library.

package contracts

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const validatorSetABIJSON = `[
	{"type":"function","name":"getValidators","stateMutability":"view","inputs":[],"outputs":[{"type":"address[]"}]},
	{"type":"function","name":"getPendingValidators","stateMutability":"view","inputs":[],"outputs":[{"type":"address[]"}]},
	{"type":"function","name":"getPublicKey","stateMutability":"view","inputs":[{"type":"address"}],"outputs":[{"type":"bytes"}]},
	{"type":"function","name":"miningByStakingAddress","stateMutability":"view","inputs":[{"type":"address"}],"outputs":[{"type":"address"}]},
	{"type":"function","name":"stakingByMiningAddress","stateMutability":"view","inputs":[{"type":"address"}],"outputs":[{"type":"address"}]},
	{"type":"function","name":"isPendingValidator","stateMutability":"view","inputs":[{"type":"address"}],"outputs":[{"type":"bool"}]},
	{"type":"function","name":"getPendingValidatorKeyGenerationMode","stateMutability":"view","inputs":[{"type":"address"}],"outputs":[{"type":"uint8"}]},
	{"type":"function","name":"validatorAvailableSince","stateMutability":"view","inputs":[{"type":"address"}],"outputs":[{"type":"uint256"}]},
	{"type":"function","name":"setValidatorInternetAddress","stateMutability":"nonpayable","inputs":[{"type":"bytes16"},{"type":"bytes2"}],"outputs":[]},
	{"type":"function","name":"announceAvailability","stateMutability":"nonpayable","inputs":[{"type":"uint256"},{"type":"bytes32"}],"outputs":[]}
]`

const stakingABIJSON = `[
	{"type":"function","name":"stakingEpoch","stateMutability":"view","inputs":[],"outputs":[{"type":"uint256"}]},
	{"type":"function","name":"stakingEpochStartBlock","stateMutability":"view","inputs":[],"outputs":[{"type":"uint256"}]},
	{"type":"function","name":"startTimeOfNextPhaseTransition","stateMutability":"view","inputs":[],"outputs":[{"type":"uint256"}]},
	{"type":"function","name":"candidateMinStake","stateMutability":"view","inputs":[],"outputs":[{"type":"uint256"}]},
	{"type":"function","name":"getPoolInternetAddress","stateMutability":"view","inputs":[{"type":"address"}],"outputs":[{"type":"bytes16"},{"type":"bytes2"}]},
	{"type":"function","name":"stakeAmount","stateMutability":"view","inputs":[{"type":"address"},{"type":"address"}],"outputs":[{"type":"uint256"}]},
	{"type":"function","name":"getPoolPublicKey","stateMutability":"view","inputs":[{"type":"address"}],"outputs":[{"type":"bytes"}]},
	{"type":"function","name":"addPool","stateMutability":"payable","inputs":[{"type":"bytes"},{"type":"bytes16"},{"type":"bytes2"}],"outputs":[]},
	{"type":"function","name":"isPoolActive","stateMutability":"view","inputs":[{"type":"address"}],"outputs":[{"type":"bool"}]}
]`

const keygenHistoryABIJSON = `[
	{"type":"function","name":"writePart","stateMutability":"nonpayable","inputs":[{"type":"uint256"},{"type":"uint256"},{"type":"bytes"}],"outputs":[]},
	{"type":"function","name":"writeAcks","stateMutability":"nonpayable","inputs":[{"type":"uint256"},{"type":"uint256"},{"type":"bytes[]"}],"outputs":[]},
	{"type":"function","name":"parts","stateMutability":"view","inputs":[{"type":"address"}],"outputs":[{"type":"bytes"}]},
	{"type":"function","name":"getAcks","stateMutability":"view","inputs":[{"type":"address"}],"outputs":[{"type":"bytes[]"}]}
]`

const connectivityTrackerABIJSON = `[
	{"type":"function","name":"isReported","stateMutability":"view","inputs":[{"type":"uint256"},{"type":"address"},{"type":"address"}],"outputs":[{"type":"bool"}]},
	{"type":"function","name":"getFlaggedValidators","stateMutability":"view","inputs":[],"outputs":[{"type":"address[]"}]},
	{"type":"function","name":"reportMissingConnectivity","stateMutability":"nonpayable","inputs":[{"type":"address"},{"type":"uint256"},{"type":"bytes32"}],"outputs":[]},
	{"type":"function","name":"reportReconnect","stateMutability":"nonpayable","inputs":[{"type":"address"},{"type":"uint256"},{"type":"bytes32"}],"outputs":[]}
]`

const randomABIJSON = `[
	{"type":"function","name":"setCurrentSeed","stateMutability":"nonpayable","inputs":[{"type":"uint256"}],"outputs":[]}
]`

const permissionABIJSON = `[
	{"type":"function","name":"minimumGasPrice","stateMutability":"view","inputs":[],"outputs":[{"type":"uint256"}]}
]`

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic("contracts: invalid embedded ABI: " + err.Error())
	}
	return parsed
}

var (
	validatorSetABI       = mustParseABI(validatorSetABIJSON)
	stakingABI            = mustParseABI(stakingABIJSON)
	keygenHistoryABI      = mustParseABI(keygenHistoryABIJSON)
	connectivityTrackerABI = mustParseABI(connectivityTrackerABIJSON)
	randomABI             = mustParseABI(randomABIJSON)
	permissionABI         = mustParseABI(permissionABIJSON)
)

// abiFor maps a system-contract address to its embedded ABI.
func abiFor(target common.Address) (abi.ABI, bool) {
	switch target {
	case ValidatorSetAddress:
		return validatorSetABI, true
	case StakingAddress:
		return stakingABI, true
	case KeygenHistoryAddress:
		return keygenHistoryABI, true
	case ConnectivityTrackerAddress:
		return connectivityTrackerABI, true
	case RandomAddress:
		return randomABI, true
	case PermissionAddress:
		return permissionABI, true
	}
	return abi.ABI{}, false
}

// DecodeCall resolves calldata against the ABI registered for a system
// contract address, returning the method name, its decoded arguments and
// its output argument list for re-packing. Chain-client fakes use it to
// serve CallConst without duplicating the ABI JSON.
func DecodeCall(target common.Address, calldata []byte) (string, []interface{}, abi.Arguments, error) {
	parsed, ok := abiFor(target)
	if !ok {
		return "", nil, nil, fmt.Errorf("contracts: no ABI registered for %s", target)
	}
	if len(calldata) < 4 {
		return "", nil, nil, fmt.Errorf("contracts: calldata too short")
	}
	method, err := parsed.MethodById(calldata[:4])
	if err != nil {
		return "", nil, nil, err
	}
	args, err := method.Inputs.Unpack(calldata[4:])
	if err != nil {
		return "", nil, nil, err
	}
	return method.Name, args, method.Outputs, nil
}
