// Copyright 2024 The go-equa Authors
// This file is part of the go-equa library.

// Package hbbft owns the current HoneyBadger
// instance and NetworkInfo, the current POSDAO staking epoch, and the
// future-message cache, and rotates the instance on epoch change.
package hbbft

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	lru "github.com/hashicorp/golang-lru"

	"github.com/poanetwork/hbbft-node/consensus/hbbft/contracts"
	"github.com/poanetwork/hbbft-node/consensus/hbbft/contribution"
	"github.com/poanetwork/hbbft-node/consensus/hbbft/earlyend"
	"github.com/poanetwork/hbbft-node/consensus/hbbft/fork"
	"github.com/poanetwork/hbbft-node/consensus/hbbft/memorium"
	"github.com/poanetwork/hbbft-node/consensus/hbbft/peers"
	"github.com/poanetwork/hbbft-node/consensus/hbbft/types"
	"github.com/poanetwork/hbbft-node/internal/hbbftcore"
	"github.com/poanetwork/hbbft-node/internal/synckeygen"
)

// cachedMessage is one entry of the future-message cache, keyed by the
// hb-epoch it's addressed to.
type cachedMessage struct {
	sender types.NodeId
	msg    types.Message
}

// State is the epoch-rotation core. Most exported methods take the internal
// lock, but callers are expected to drive rotation and message handling
// from the single engine goroutine.
type State struct {
	mu sync.Mutex

	client   *contracts.Client
	self     common.Address
	selfNode types.NodeId
	ownPriv  *ecdsa.PrivateKey

	currentEpoch      types.StakingEpoch
	currentEpochStart uint64
	netInfo           *types.NetworkInfo
	instance          *hbbftcore.Instance

	minGasPrice uint64

	forkMgr   *fork.Manager
	memorium  *memorium.Memorium
	peersMgr  *peers.Manager
	builder   *contribution.Builder
	earlyEnd  *earlyend.Manager

	// pastEpochs caches reconstructed NetworkInfo for finished epochs,
	// keyed by epoch start block; seal verification during chain sync hits
	// the same few past epochs over and over.
	pastEpochs *lru.Cache

	futureMessages map[uint64][]cachedMessage
}

// Config bundles the collaborators State is built from.
type Config struct {
	Client   *contracts.Client
	Self     common.Address
	SelfNode types.NodeId
	OwnPriv  *ecdsa.PrivateKey
	ForkMgr  *fork.Manager
	Memorium *memorium.Memorium
	PeersMgr *peers.Manager
	Builder  *contribution.Builder
}

// pastEpochCacheSize bounds how many finished epochs' key material is kept
// in memory for seal verification.
const pastEpochCacheSize = 16

func New(cfg Config) *State {
	past, _ := lru.New(pastEpochCacheSize)
	return &State{
		client:         cfg.Client,
		self:           cfg.Self,
		selfNode:       cfg.SelfNode,
		ownPriv:        cfg.OwnPriv,
		forkMgr:        cfg.ForkMgr,
		memorium:       cfg.Memorium,
		peersMgr:       cfg.PeersMgr,
		builder:        cfg.Builder,
		pastEpochs:     past,
		futureMessages: make(map[uint64][]cachedMessage),
	}
}

// HasInstance reports whether a live HBBFT instance exists.
func (s *State) HasInstance() bool { return s.instance != nil }

// HbEpoch returns the instance's current hb-epoch, or 0 if none is alive.
func (s *State) HbEpoch() uint64 {
	if s.instance == nil {
		return 0
	}
	return s.instance.Epoch()
}

// Update rotates the HBBFT instance whenever a pending fork triggers at
// latestBlock or the on-chain POSDAO epoch has changed (or force is set):
// the replacement NetworkInfo comes from the fork if one triggers,
// otherwise from replaying the on-chain DKG transcript, and validator-only
// resources are created or torn down to match whether this node holds a
// secret share.
func (s *State) Update(ctx context.Context, latestBlock uint64, force bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	epoch, err := s.client.StakingEpoch(ctx)
	if err != nil {
		return types.ErrNotReady
	}
	startBlock, err := s.client.StakingEpochStartBlock(ctx)
	if err != nil {
		return types.ErrNotReady
	}

	// A triggering fork overrides the validator set even when the on-chain
	// staking epoch has not moved, so it must be consulted before the
	// epoch-equality early return.
	var netInfo *types.NetworkInfo
	if s.forkMgr != nil {
		fi, ferr := s.forkMgr.ShouldFork(latestBlock, s.currentEpoch)
		if ferr != nil {
			return ferr
		}
		netInfo = fi
	}

	if netInfo == nil {
		if epoch == s.currentEpoch && !force {
			return nil
		}
		netInfo, err = s.rebuildNetworkInfo(ctx)
		if err != nil {
			return fmt.Errorf("hbbft: rebuild network info for epoch %d: %w", epoch, err)
		}
	}

	instance, err := hbbftcore.New(netInfo, latestBlock+1)
	if err != nil {
		return fmt.Errorf("hbbft: new instance: %w", err)
	}

	// Keep one trailing epoch's key material around for late-seal
	// verification.
	if s.netInfo != nil {
		s.pastEpochs.Add(s.currentEpochStart, s.netInfo)
	}

	epochChanged := epoch != s.currentEpoch
	s.currentEpoch = epoch
	s.currentEpochStart = startBlock
	s.netInfo = netInfo
	s.instance = instance
	if s.forkMgr != nil {
		s.forkMgr.ReportBlock(latestBlock, epoch)
	}

	if gas, err := s.client.MinimumGasPrice(ctx); err == nil {
		s.minGasPrice = gas.Uint64()
	}

	if !netInfo.HasSecretShare() {
		if s.peersMgr != nil {
			s.peersMgr.DisconnectAllValidators()
		}
		s.earlyEnd = nil
		log.Info("hbbft: rotated epoch, no secret share (observer)", "epoch", epoch, "start", startBlock)
	} else {
		if s.peersMgr != nil {
			s.peersMgr.ConnectToCurrentValidators(ctx, s.self, validatorAddresses(netInfo))
		}
		s.earlyEnd = earlyend.New(s.client, s.memorium, startBlock)
		log.Info("hbbft: rotated epoch, validating", "epoch", epoch, "start", startBlock)
	}

	// A fork can rotate the validator set without the staking epoch
	// moving; the memorium's epoch accounting only advances on a real
	// epoch change.
	if s.memorium != nil && epochChanged {
		s.memorium.ReportNewEpoch(epoch, startBlock)
	}

	return nil
}

// validatorAddresses resolves a NetworkInfo's NodeIds back to mining
// addresses for the peers manager.
func validatorAddresses(netInfo *types.NetworkInfo) []common.Address {
	out := make([]common.Address, 0, len(netInfo.Validators))
	for _, v := range netInfo.Validators {
		out = append(out, v.Address())
	}
	return out
}

// rebuildNetworkInfo reconstructs NetworkInfo from
// on-chain DKG material by replaying PARTs and ACKs through a deterministic
// sync-keygen, asserting readiness.
func (s *State) rebuildNetworkInfo(ctx context.Context) (*types.NetworkInfo, error) {
	validators, err := s.client.GetValidators(ctx)
	if err != nil {
		return nil, types.ErrNotReady
	}

	nodeIDs := make([]types.NodeId, len(validators))
	pubKeys := make([]*ecdsa.PublicKey, len(validators))
	ownIdx := -1
	for i, addr := range validators {
		raw, err := s.client.GetPublicKey(ctx, addr)
		if err != nil {
			return nil, types.ErrNotReady
		}
		nodeID, err := types.BytesToNodeId(raw)
		if err != nil {
			return nil, fmt.Errorf("validator %s: %w", addr, err)
		}
		pub, err := nodeID.ToECDSAPublicKey()
		if err != nil {
			return nil, fmt.Errorf("validator %s: %w", addr, err)
		}
		nodeIDs[i] = nodeID
		pubKeys[i] = pub
		if addr == s.self {
			ownIdx = i
		}
	}
	if ownIdx < 0 {
		return nil, fmt.Errorf("hbbft: this node is not a member of the current validator set")
	}

	threshold := types.Faulty(len(validators))
	kg, err := synckeygen.New(uint64(ownIdx), s.ownPriv, pubKeys, threshold)
	if err != nil {
		return nil, fmt.Errorf("construct sync-keygen: %w", err)
	}

	for dealer, addr := range validators {
		raw, err := s.client.ReadPart(ctx, addr)
		if err != nil || len(raw) == 0 {
			continue
		}
		part, err := synckeygen.UnmarshalPart(raw)
		if err != nil {
			continue
		}
		if _, err := kg.HandlePart(uint64(dealer), part); err != nil {
			continue
		}
	}
	for _, addr := range validators {
		rawAcks, err := s.client.ReadAcks(ctx, addr)
		if err != nil {
			continue
		}
		for _, raw := range rawAcks {
			ack, err := synckeygen.UnmarshalAck(raw)
			if err != nil {
				continue
			}
			kg.HandleAck(ack)
		}
	}

	if !kg.Ready() {
		return nil, fmt.Errorf("sync-keygen did not reach readiness")
	}
	result, err := kg.Generate()
	if err != nil {
		return nil, fmt.Errorf("generate key material: %w", err)
	}

	shares := make(map[types.NodeId][]byte, len(nodeIDs))
	for i, id := range nodeIDs {
		shares[id] = result.PublicShares[uint64(i)]
	}

	return &types.NetworkInfo{
		Own:            nodeIDs[ownIdx],
		Validators:     types.SortNodeIds(nodeIDs),
		SecretKeyShare: types.NewSecretKeyShare(result.SecretKeyShare),
		PublicKeySet: types.PublicKeySet{
			MasterPublicKey: result.MasterPublic,
			Shares:          shares,
		},
	}, nil
}

// skipToCurrentEpoch keeps the instance's hb-epoch equal to latest_block+1,
// abandoning any round the chain has already moved past (its block arrived
// via import rather than via our own batch) and expiring future-message
// buckets that fell below the new round. Messages addressed to exactly the
// new round stay cached for ReplayCachedMessages.
func (s *State) skipToCurrentEpoch(latestBlock uint64) {
	if s.instance == nil {
		return
	}
	want := latestBlock + 1
	if s.instance.Epoch() == want {
		return
	}
	if err := s.instance.AdvanceEpoch(want); err != nil {
		log.Debug("hbbft: hb-epoch skip refused", "want", want, "err", err)
		return
	}
	for hbEpoch := range s.futureMessages {
		if hbEpoch < want {
			delete(s.futureMessages, hbEpoch)
		}
	}
}

// ProcessMessage routes an inbound HBBFT message into the live instance,
// caching messages addressed to a future hb-epoch and silently dropping
// those from before the current staking epoch.
func (s *State) ProcessMessage(latestBlock uint64, sender types.NodeId, msg types.Message) (*types.Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.instance == nil {
		return nil, types.ErrNotReady
	}
	s.skipToCurrentEpoch(latestBlock)

	hbEpoch := s.instance.Epoch()
	if msg.Epoch > hbEpoch {
		s.futureMessages[msg.Epoch] = append(s.futureMessages[msg.Epoch], cachedMessage{sender: sender, msg: msg})
		return nil, nil
	}
	if msg.Epoch < s.currentEpochStart {
		return nil, nil
	}

	step, err := s.instance.HandleMessage(sender, msg)
	if err != nil {
		if s.netInfo.IndexOf(sender) < 0 {
			log.Debug("hbbft: dropping message from foreign-epoch sender", "sender", sender, "err", err)
			return nil, nil
		}
		return nil, err
	}
	return step, nil
}

// TrySendContribution proposes this node's contribution if the instance is
// alive, has no input yet, is in step with the chain head, and the parent
// block belongs to the current staking epoch.
func (s *State) TrySendContribution(ctx context.Context, latestBlock uint64, parentEpochStart uint64) (*types.Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.instance == nil || s.builder == nil || s.instance.HasInput() {
		return nil, nil
	}
	if s.instance.Epoch() != latestBlock+1 {
		return nil, nil
	}
	if parentEpochStart != s.currentEpochStart {
		return nil, nil
	}

	raw, err := s.builder.BuildContribution(s.netInfo.NumValidators(), s.netInfo.NumFaulty())
	if err != nil {
		return nil, err
	}
	return s.instance.Propose(flatten(raw))
}

func flatten(raw [][]byte) []byte {
	var total int
	for _, r := range raw {
		total += len(r) + 4
	}
	out := make([]byte, 0, total)
	for _, r := range raw {
		var lenBuf [4]byte
		lenBuf[0] = byte(len(r) >> 24)
		lenBuf[1] = byte(len(r) >> 16)
		lenBuf[2] = byte(len(r) >> 8)
		lenBuf[3] = byte(len(r))
		out = append(out, lenBuf[:]...)
		out = append(out, r...)
	}
	return out
}

// ContributeIfThresholdReached reports whether more proposals than the
// fault tolerance have arrived, the signal that this node should submit
// its own contribution if it has not yet.
func (s *State) ContributeIfThresholdReached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.instance == nil || s.netInfo == nil {
		return false
	}
	return s.instance.ReceivedProposals() > s.netInfo.NumFaulty()
}

// VerifySeal checks a sealing share: the sealing validator signs the
// header hash with its own combined secret key share, and the check here
// verifies that share against the author's combined public share for the
// epoch the parent block belongs to — the current epoch's NetworkInfo if
// the parent is already in it, or a DKG replay of the epoch the parent
// belonged to otherwise.
func (s *State) VerifySeal(ctx context.Context, author types.NodeId, parentEpochStart uint64, seal types.Seal) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	var netInfo *types.NetworkInfo
	if parentEpochStart >= s.currentEpochStart {
		if s.netInfo == nil {
			return false
		}
		netInfo = s.netInfo
	} else {
		var err error
		netInfo, err = s.rebuildNetworkInfoAt(ctx, parentEpochStart)
		if err != nil {
			log.Debug("hbbft: verify_seal: past-epoch DKG replay failed", "err", err)
			return false
		}
	}

	share, ok := netInfo.PublicKeySet.Shares[author]
	if !ok {
		return false
	}
	return synckeygen.VerifySignatureShare(share, seal.BlockHash.Bytes(), seal.Share)
}

// rebuildNetworkInfoAt returns the NetworkInfo cached under epochStart in
// the trailing-epoch cache. On a miss it replays the PARTs/ACKs that the
// contracts return now, i.e. the current transcript, and caches the result
// under epochStart; it does not read the transcript as of an earlier block,
// because the EngineClient surface has no historical reads.
func (s *State) rebuildNetworkInfoAt(ctx context.Context, epochStart uint64) (*types.NetworkInfo, error) {
	if cached, ok := s.pastEpochs.Get(epochStart); ok {
		return cached.(*types.NetworkInfo), nil
	}
	netInfo, err := s.rebuildNetworkInfo(ctx)
	if err != nil {
		return nil, err
	}
	s.pastEpochs.Add(epochStart, netInfo)
	return netInfo, nil
}

// installWarmStart seeds epoch state from a persisted engine cache. It
// refuses to install over an already-rotated instance.
func (s *State) installWarmStart(epoch types.StakingEpoch, epochStart uint64, netInfo *types.NetworkInfo, latestBlock uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.instance != nil || epoch < s.currentEpoch {
		return false
	}
	instance, err := hbbftcore.New(netInfo, latestBlock+1)
	if err != nil {
		return false
	}
	s.currentEpoch = epoch
	s.currentEpochStart = epochStart
	s.netInfo = netInfo
	s.instance = instance
	log.Info("hbbft: warm-started from engine cache", "epoch", epoch, "start", epochStart)
	return true
}

// ReplayCachedMessages first skips the instance to hb-epoch latestBlock+1,
// then re-delivers every cached message addressed to that hb-epoch and
// prunes the cache up to and including it.
func (s *State) ReplayCachedMessages(latestBlock uint64) []*types.Step {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.skipToCurrentEpoch(latestBlock)
	if s.instance == nil {
		return nil
	}
	hbEpoch := s.instance.Epoch()
	cached, ok := s.futureMessages[hbEpoch]
	if !ok {
		return nil
	}

	var steps []*types.Step
	for _, cm := range cached {
		step, err := s.instance.HandleMessage(cm.sender, cm.msg)
		if err != nil {
			log.Debug("hbbft: replay cached message failed", "sender", cm.sender, "err", err)
			continue
		}
		if step != nil {
			steps = append(steps, step)
		}
	}

	for e := range s.futureMessages {
		if e <= hbEpoch {
			delete(s.futureMessages, e)
		}
	}
	return steps
}

// NetworkInfo returns the current NetworkInfo (read-only snapshot pointer).
func (s *State) NetworkInfo() *types.NetworkInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.netInfo
}

// CurrentEpoch returns the current POSDAO staking epoch.
func (s *State) CurrentEpoch() types.StakingEpoch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentEpoch
}

// CurrentEpochStart returns the block number the current POSDAO epoch began
// at.
func (s *State) CurrentEpochStart() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentEpochStart
}

// MinimumGasPrice returns the last on-chain minimum gas price observed.
func (s *State) MinimumGasPrice() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.minGasPrice
}

// SignSeal produces this node's combined-secret-share signature over a
// block hash, for use as the header's seal once this node is itself a
// contributing validator.
func (s *State) SignSeal(hash common.Hash) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.netInfo == nil || !s.netInfo.HasSecretShare() {
		return nil, fmt.Errorf("hbbft: not a validating node, cannot seal")
	}
	return synckeygen.Sign(s.netInfo.SecretKeyShare.Bytes, hash.Bytes())
}

// SelfNode returns this node's own NodeId.
func (s *State) SelfNode() types.NodeId { return s.selfNode }

// EarlyEnd returns this epoch's early-epoch-end manager, or nil if this
// node holds no secret key share this epoch (it only runs for validators).
func (s *State) EarlyEnd() *earlyend.Manager {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.earlyEnd
}

// PendingBySender exposes the contribution builder's underlying tx-pool
// view, used by the hbbft_pendingTransactionsOverview RPC.
func (s *State) PendingBySender() map[common.Address][]*ethtypes.Transaction {
	if s.builder == nil {
		return nil
	}
	return s.builder.PendingBySender()
}

// HbEpochStartBlock returns the live instance's hb-epoch, i.e. the block
// number the current round produces, or 0 when no instance is alive.
func (s *State) HbEpochStartBlock() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.instance == nil {
		return 0
	}
	return s.instance.Epoch()
}
