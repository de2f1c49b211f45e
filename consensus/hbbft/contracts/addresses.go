// Copyright 2024 The go-equa Authors
// This file is part of the go-equa library.

// Package contracts provides ABI-level access to the fixed POSDAO system
// contracts every HBBFT component reads from and writes to, wrapping the
// narrow types.EngineClient capability.
package contracts

import "github.com/ethereum/go-ethereum/common"

// Fixed contract addresses. These are process-wide immutable
// configuration, not discovered at runtime.
var (
	ValidatorSetAddress       = common.HexToAddress("0x1000000000000000000000000000000000000001")
	StakingAddress            = common.HexToAddress("0x1100000000000000000000000000000000000001")
	KeygenHistoryAddress      = common.HexToAddress("0x1500000000000000000000000000000000000001")
	ConnectivityTrackerAddress = common.HexToAddress("0x1200000000000000000000000000000000000001")
	RandomAddress             = common.HexToAddress("0x3000000000000000000000000000000000000001")
	PermissionAddress         = common.HexToAddress("0x4000000000000000000000000000000000000001")
)

// Key generation modes returned by getPendingValidatorKeyGenerationMode,
//
const (
	KeyGenModeOther     uint8 = 0
	KeyGenModeWritePart uint8 = 1
	KeyGenModeWriteAck  uint8 = 3
)
