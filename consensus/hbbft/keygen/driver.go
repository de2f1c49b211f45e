// Copyright 2024 The go-equa Authors
// This file is part of the go-equa library.

// Package keygen implements the DKG driver: for pending
// validators, deterministically builds PART and ACK transactions against
// the on-chain KeygenHistory contract, with send/resend throttling.
package keygen

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/poanetwork/hbbft-node/consensus/hbbft/contracts"
	"github.com/poanetwork/hbbft-node/internal/synckeygen"
)

// SendDelay/ResendDelay are the debounce constants of 2: wait this many
// ticks in a phase before sending, then resend every ResendDelay ticks
// thereafter while still in that phase.
const (
	SendDelay   = 2
	ResendDelay = 10
)

// Driver runs the keygen state machine for one pending-validator round. A
// fresh Driver is constructed whenever this node enters the pending
// validator set.
type Driver struct {
	client   *contracts.Client
	self     common.Address
	ownIndex uint64
	ownPriv  *ecdsa.PrivateKey

	mode    uint8
	counter int

	kg *synckeygen.SyncKeyGen
}

// New constructs a driver. ownIndex is this node's position within the
// pending validator set, in on-chain order.
func New(client *contracts.Client, self common.Address, ownIndex uint64, ownPriv *ecdsa.PrivateKey) *Driver {
	return &Driver{client: client, self: self, ownIndex: ownIndex, ownPriv: ownPriv}
}

// Tick runs one pass of the keygen state machine. recipients are the pending
// validators' devp2p public keys in on-chain order, used to build the
// sync-keygen driver; threshold is ⌊(n-1)/3⌋ for that set.
func (d *Driver) Tick(ctx context.Context, recipients []*ecdsa.PublicKey, threshold int) {
	mode, err := d.client.GetPendingValidatorKeyGenerationMode(ctx, d.self)
	if err != nil {
		log.Debug("hbbft keygen: read mode failed, retrying next block", "err", err)
		return
	}

	if mode != d.mode {
		d.mode = mode
		d.counter = 1
	} else {
		d.counter++
	}

	if !shouldSend(d.counter) {
		return
	}

	switch mode {
	case contracts.KeyGenModeWritePart:
		d.sendPart(ctx, recipients, threshold)
	case contracts.KeyGenModeWriteAck:
		d.sendAcks(ctx, recipients, threshold)
	default:
		d.kg = nil
	}
}

// shouldSend is the debounce: send on the tick the phase counter
// first reaches SendDelay, then every ResendDelay ticks thereafter.
func shouldSend(counter int) bool {
	if counter < SendDelay {
		return false
	}
	return (counter-SendDelay)%ResendDelay == 0
}

func (d *Driver) ensureDriver(recipients []*ecdsa.PublicKey, threshold int) error {
	if d.kg != nil {
		return nil
	}
	kg, err := synckeygen.New(d.ownIndex, d.ownPriv, recipients, threshold)
	if err != nil {
		return err
	}
	d.kg = kg
	return nil
}

func (d *Driver) sendPart(ctx context.Context, recipients []*ecdsa.PublicKey, threshold int) {
	if err := d.ensureDriver(recipients, threshold); err != nil {
		d.sendSubstitutePart(ctx, recipients, err)
		return
	}

	part, err := d.kg.GeneratePart()
	if err != nil {
		d.sendSubstitutePart(ctx, recipients, err)
		return
	}
	raw, err := synckeygen.MarshalPart(part)
	if err != nil {
		log.Warn("hbbft keygen: marshal part failed", "err", err)
		return
	}

	epoch, err := d.client.StakingEpoch(ctx)
	if err != nil {
		log.Debug("hbbft keygen: staking epoch read failed, retrying next block", "err", err)
		return
	}
	if _, err := d.client.WritePart(ctx, epoch, big.NewInt(0), raw); err != nil {
		log.Warn("hbbft keygen: write_part failed", "err", err)
	}
}

// sendSubstitutePart is sent when sync-keygen construction fails because
// some validator registered an invalid public key: the evidence is the
// concatenated bad keys, letting the contract advance the round and
// penalize the offenders.
func (d *Driver) sendSubstitutePart(ctx context.Context, recipients []*ecdsa.PublicKey, cause error) {
	log.Warn("hbbft keygen: sync-keygen construction failed, sending substitute part", "err", cause)

	var evidence bytes.Buffer
	for _, pub := range recipients {
		if pub == nil {
			continue
		}
		id := synckeygen.PublicKeyToNodeID(pub)
		evidence.Write(id[:])
	}

	epoch, err := d.client.StakingEpoch(ctx)
	if err != nil {
		log.Debug("hbbft keygen: staking epoch read failed, retrying next block", "err", err)
		return
	}
	if _, err := d.client.WritePart(ctx, epoch, big.NewInt(0), evidence.Bytes()); err != nil {
		log.Warn("hbbft keygen: write substitute part failed", "err", err)
	}
}

func (d *Driver) sendAcks(ctx context.Context, recipients []*ecdsa.PublicKey, threshold int) {
	if d.kg == nil {
		log.Warn("hbbft keygen: reached ack phase without a live driver; waiting for part phase to restart")
		return
	}

	var acks [][]byte
	for dealer := range recipients {
		part, err := d.readPeerPart(ctx, dealer)
		if err != nil {
			continue
		}
		ack, err := d.kg.HandlePart(uint64(dealer), part)
		if err != nil {
			continue
		}
		raw, err := synckeygen.MarshalAck(ack)
		if err != nil {
			continue
		}
		acks = append(acks, raw)
	}
	if len(acks) == 0 {
		return
	}

	epoch, err := d.client.StakingEpoch(ctx)
	if err != nil {
		log.Debug("hbbft keygen: staking epoch read failed, retrying next block", "err", err)
		return
	}
	if _, err := d.client.WriteAcks(ctx, epoch, big.NewInt(0), acks); err != nil {
		log.Warn("hbbft keygen: write_acks failed", "err", err)
	}
}

func (d *Driver) readPeerPart(ctx context.Context, dealerIndex int) (*synckeygen.Part, error) {
	validators, err := d.client.GetPendingValidators(ctx)
	if err != nil {
		return nil, err
	}
	if dealerIndex >= len(validators) {
		return nil, fmt.Errorf("hbbft keygen: dealer index %d out of range", dealerIndex)
	}
	raw, err := d.client.ReadPart(ctx, validators[dealerIndex])
	if err != nil {
		return nil, err
	}
	return synckeygen.UnmarshalPart(raw)
}
