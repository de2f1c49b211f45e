// Copyright 2024 The go-equa Authors
// This file is part of the go-equa library.

package hbbft

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/consensus"
	"github.com/ethereum/go-ethereum/core/state"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/ethereum/go-ethereum/trie"
	"github.com/holiman/uint256"
	"golang.org/x/sync/errgroup"

	"github.com/poanetwork/hbbft-node/consensus/hbbft/contracts"
	"github.com/poanetwork/hbbft-node/consensus/hbbft/contribution"
	"github.com/poanetwork/hbbft-node/consensus/hbbft/keygen"
	"github.com/poanetwork/hbbft-node/consensus/hbbft/memorium"
	"github.com/poanetwork/hbbft-node/consensus/hbbft/peers"
	hbtypes "github.com/poanetwork/hbbft-node/consensus/hbbft/types"
)

var (
	errUnknownBlock   = errors.New("hbbft: unknown ancestor")
	errInvalidSeal    = errors.New("hbbft: invalid seal")
	errMissingSeal    = errors.New("hbbft: missing seal in header extra-data")
	errUnknownAuthor  = errors.New("hbbft: coinbase is not a known validator")
	errNotValidating  = errors.New("hbbft: this node holds no secret key share this epoch")
)

// Transport is the devp2p-facing capability the engine drives messages
// through; the actual wire protocol (handshake, message framing) lives
// outside this module.
type Transport interface {
	Broadcast(msg hbtypes.Message)
	Inbox() <-chan InboundMessage
}

// InboundMessage pairs a received Message with the NodeId that sent it.
type InboundMessage struct {
	Node hbtypes.NodeId
	Msg  hbtypes.Message
}

// Engine is the consensus.Engine binding: it owns the State machine and
// wires every tick (VerifyHeader/Prepare/Seal/Finalize) through it.
type Engine struct {
	mu sync.Mutex

	state     *State
	client    *contracts.Client
	transport Transport
	keygenDrv *keygen.Driver
	peersMgr  *peers.Manager
	memorium  *memorium.Memorium

	self common.Address

	signer      types.Signer
	ownEndpoint peers.OwnEndpoint
	onBatch     func(ordered []*types.Transaction, seed [32]byte)

	closeOnce sync.Once
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewEngine assembles the engine from its already-constructed collaborators
// (State, contracts client, transport, keygen driver, peers manager,
// memorium); wiring them up is the host node's job.
func NewEngine(st *State, client *contracts.Client, transport Transport, driver *keygen.Driver, peersMgr *peers.Manager, mem *memorium.Memorium, self common.Address) *Engine {
	return &Engine{
		state:     st,
		client:    client,
		transport: transport,
		keygenDrv: driver,
		peersMgr:  peersMgr,
		memorium:  mem,
		self:      self,
	}
}

// Start launches the background message pump that feeds inbound HBBFT
// messages from the transport into State.ProcessMessage and rebroadcasts
// whatever Step.Outgoing results, the way the memorium worker runs as a
// single ctx-cancelable goroutine rather than a dedicated thread.
func (e *Engine) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.wg.Add(1)
	go e.pump(runCtx)
}

func (e *Engine) pump(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case in, ok := <-e.transport.Inbox():
			if !ok {
				return
			}
			step, err := e.state.ProcessMessage(e.latestBlockHint(), in.Node, in.Msg)
			if err != nil {
				if errors.Is(err, hbtypes.ErrNotReady) {
					continue
				}
				log.Warn("hbbft: process message failed", "sender", in.Node, "err", err)
				continue
			}
			e.applyStep(step)
		}
	}
}

// latestBlockHint returns the current POSDAO epoch's start block, which the
// message pump passes to ProcessMessage as its latest block. ProcessMessage
// uses that value only to skip the hb-epoch forward, and a skip never moves
// it backwards, so the per-block hb-epoch advance comes from NewChainHead
// (through ReplayCachedMessages), not from the pump.
func (e *Engine) latestBlockHint() uint64 {
	return e.state.CurrentEpochStart()
}

func (e *Engine) applyStep(step *hbtypes.Step) {
	if step == nil {
		return
	}
	for _, out := range step.Outgoing {
		e.transport.Broadcast(out)
	}
	for _, fault := range step.Faults {
		if e.memorium != nil {
			e.memorium.RecordMessageEvent(memorium.MessageEvent{
				Epoch:   e.state.CurrentEpoch(),
				Node:    fault.Sender,
				Outcome: memorium.MessageFaulty,
			})
		}
		log.Warn("hbbft: protocol fault", "sender", fault.Sender, "reason", fault.Reason)
	}
	if step.Batch != nil {
		e.finishBatch(step)
	}
}

// finishBatch closes a completed hb-epoch: publishes the round's shared
// seed to the Random contract, re-derives the deterministic transaction
// order, and hands the result to the block-assembly callback.
func (e *Engine) finishBatch(step *hbtypes.Step) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	seed := new(uint256.Int).SetBytes32(step.Seed[:])
	if _, err := e.client.SetCurrentSeed(ctx, seed.ToBig()); err != nil {
		log.Warn("hbbft: set_current_seed failed", "err", err)
	}

	var combined [][]byte
	for _, contrib := range step.Batch {
		combined = append(combined, splitContribution(contrib)...)
	}
	signer := e.signer
	if signer == nil {
		signer = types.LatestSignerForChainID(nil)
	}
	ordered, err := contribution.FinalOrder(signer, combined, step.Seed)
	if err != nil {
		log.Error("hbbft: final ordering failed", "err", err)
		return
	}
	if e.onBatch != nil {
		e.onBatch(ordered, step.Seed)
	}
}

// splitContribution undoes State's length-prefixed flattening of one node's
// contribution back into individual RLP-encoded transactions.
func splitContribution(raw []byte) [][]byte {
	var out [][]byte
	for len(raw) >= 4 {
		n := int(raw[0])<<24 | int(raw[1])<<16 | int(raw[2])<<8 | int(raw[3])
		raw = raw[4:]
		if n < 0 || n > len(raw) {
			break
		}
		out = append(out, raw[:n])
		raw = raw[n:]
	}
	return out
}

// SetSigner fixes the signer used to recover senders in final ordering.
func (e *Engine) SetSigner(signer types.Signer) { e.signer = signer }

// SetOwnEndpoint supplies the devp2p endpoint resolver used for on-chain
// address announcement.
func (e *Engine) SetOwnEndpoint(fn peers.OwnEndpoint) { e.ownEndpoint = fn }

// SetBatchHandler registers the callback receiving each completed round's
// deterministically ordered transactions.
func (e *Engine) SetBatchHandler(fn func([]*types.Transaction, [32]byte)) { e.onBatch = fn }

// NewChainHead is the per-block tick the import/sealing loop drives:
// it advances the POSDAO epoch if needed, replays cached future messages,
// proposes a contribution when due, and runs the keygen, liveness and
// peer side loops.
func (e *Engine) NewChainHead(ctx context.Context, latestBlock uint64, syncing bool) {
	if err := e.state.Update(ctx, latestBlock, false); err != nil {
		if !errors.Is(err, hbtypes.ErrNotReady) {
			log.Warn("hbbft: epoch update failed", "block", latestBlock, "err", err)
		}
		return
	}

	for _, step := range e.state.ReplayCachedMessages(latestBlock) {
		e.applyStep(step)
	}

	step, err := e.state.TrySendContribution(ctx, latestBlock, e.state.CurrentEpochStart())
	if err != nil {
		log.Warn("hbbft: contribution failed", "block", latestBlock, "err", err)
	} else {
		e.applyStep(step)
	}

	e.tickKeygen(ctx)
	e.tickEarlyEnd(ctx, latestBlock, syncing)

	if e.peersMgr != nil && e.ownEndpoint != nil {
		e.peersMgr.AnnounceOwnInternetAddress(ctx, e.self, e.ownEndpoint)
	}
}

// tickKeygen runs the DKG driver when this node is in the pending validator
// set, building the recipient list from the pending validators' registered
// public keys.
func (e *Engine) tickKeygen(ctx context.Context) {
	if e.keygenDrv == nil {
		return
	}
	isPending, err := e.client.IsPendingValidator(ctx, e.self)
	if err != nil || !isPending {
		return
	}
	pending, err := e.client.GetPendingValidators(ctx)
	if err != nil {
		return
	}
	recipients := make([]*ecdsa.PublicKey, len(pending))
	for i, addr := range pending {
		raw, err := e.client.GetPublicKey(ctx, addr)
		if err != nil {
			return
		}
		nodeID, err := hbtypes.BytesToNodeId(raw)
		if err != nil {
			log.Warn("hbbft: pending validator registered malformed key", "validator", addr, "err", err)
			recipients[i] = nil
			continue
		}
		pub, err := nodeID.ToECDSAPublicKey()
		if err != nil {
			recipients[i] = nil
			continue
		}
		recipients[i] = pub
	}
	e.keygenDrv.Tick(ctx, recipients, hbtypes.Faulty(len(pending)))

	if e.peersMgr != nil {
		e.peersMgr.ConnectToPendingValidators(ctx, e.self, pending)
	}
}

// tickEarlyEnd runs liveness reporting for current validators and mirrors
// the flagged-set size into the memorium's gauge.
func (e *Engine) tickEarlyEnd(ctx context.Context, latestBlock uint64, syncing bool) {
	mgr := e.state.EarlyEnd()
	if mgr == nil {
		return
	}
	netInfo := e.state.NetworkInfo()
	if netInfo == nil {
		return
	}

	nodeByAddr := make(map[common.Address]hbtypes.NodeId, len(netInfo.Validators))
	validators := make([]common.Address, 0, len(netInfo.Validators))
	for _, v := range netInfo.Validators {
		addr := v.Address()
		nodeByAddr[addr] = v
		validators = append(validators, addr)
	}
	mgr.Tick(ctx, latestBlock, syncing, e.self, validators, func(addr common.Address) (hbtypes.NodeId, bool) {
		id, ok := nodeByAddr[addr]
		return id, ok
	})
	if e.memorium != nil {
		e.memorium.SetFlaggedValidatorCount(len(mgr.Flagged()))
	}
}

// Close implements consensus.Engine: stops the message pump.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		if e.cancel != nil {
			e.cancel()
		}
		e.wg.Wait()
	})
	return nil
}

// Author implements consensus.Engine, returning the validator that sealed
// the block (the coinbase field carries it, the way clique does).
func (e *Engine) Author(header *types.Header) (common.Address, error) {
	return header.Coinbase, nil
}

// VerifyHeader implements consensus.Engine: validates the parent linkage,
// timestamp ordering and the threshold-signature seal.
func (e *Engine) VerifyHeader(chain consensus.ChainHeaderReader, header *types.Header) error {
	if header.Number == nil {
		return errUnknownBlock
	}
	parent := chain.GetHeader(header.ParentHash, header.Number.Uint64()-1)
	if parent == nil {
		return consensus.ErrUnknownAncestor
	}
	if header.Time <= parent.Time {
		return errors.New("hbbft: header timestamp does not advance")
	}
	return e.verifySeal(header, parent)
}

// bareHash is the hash the threshold signature covers: the header with the
// seal stripped from extra-data.
func bareHash(header *types.Header) common.Hash {
	bare := types.CopyHeader(header)
	bare.Extra = nil
	return bare.Hash()
}

func (e *Engine) verifySeal(header, parent *types.Header) error {
	if len(header.Extra) == 0 {
		return errMissingSeal
	}
	var seal hbtypes.Seal
	if err := rlp.DecodeBytes(header.Extra, &seal); err != nil {
		return fmt.Errorf("%w: %v", errInvalidSeal, err)
	}
	if seal.BlockNumber != header.Number.Uint64() || seal.BlockHash != bareHash(header) {
		return errInvalidSeal
	}

	netInfo := e.state.NetworkInfo()
	if netInfo == nil {
		return hbtypes.ErrNotReady
	}
	authorNode, ok := e.nodeForCoinbase(netInfo, header.Coinbase)
	if !ok {
		return errUnknownAuthor
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if !e.state.VerifySeal(ctx, authorNode, parent.Number.Uint64(), seal) {
		return errInvalidSeal
	}
	return nil
}

func (e *Engine) nodeForCoinbase(netInfo *hbtypes.NetworkInfo, coinbase common.Address) (hbtypes.NodeId, bool) {
	for _, v := range netInfo.Validators {
		if v.Address() == coinbase {
			return v, true
		}
	}
	return hbtypes.NodeId{}, false
}

// VerifyHeaders verifies a batch of headers concurrently via errgroup,
// fanning out per-header checks the way go-ethereum's own engines do.
func (e *Engine) VerifyHeaders(chain consensus.ChainHeaderReader, headers []*types.Header) (chan<- struct{}, <-chan error) {
	abort := make(chan struct{})
	results := make(chan error, len(headers))

	go func() {
		var g errgroup.Group
		for _, h := range headers {
			h := h
			g.Go(func() error {
				err := e.VerifyHeader(chain, h)
				select {
				case <-abort:
					return nil
				case results <- err:
					return nil
				}
			})
		}
		_ = g.Wait()
	}()

	return abort, results
}

// VerifyUncles implements consensus.Engine: HBBFT batches have no concept
// of uncles.
func (e *Engine) VerifyUncles(chain consensus.ChainReader, block *types.Block) error {
	if len(block.Uncles()) > 0 {
		return errors.New("hbbft: uncles not allowed")
	}
	return nil
}

// Prepare implements consensus.Engine: stamps the header with a difficulty
// of 1 (HBBFT has no fork-choice weight beyond chain length) and this
// node's coinbase.
func (e *Engine) Prepare(chain consensus.ChainHeaderReader, header *types.Header) error {
	parent := chain.GetHeader(header.ParentHash, header.Number.Uint64()-1)
	if parent == nil {
		return consensus.ErrUnknownAncestor
	}
	header.Difficulty = big.NewInt(1)
	header.Coinbase = e.self
	if header.Time <= parent.Time {
		header.Time = parent.Time + 1
	}
	return nil
}

// Finalize implements consensus.Engine. HBBFT has no block-reward schedule
// of its own (rewards, if any, are a POSDAO contract concern reached via
// the ABI surface, out of this engine's scope), so it is a no-op beyond
// the state-root bookkeeping go-ethereum itself performs.
func (e *Engine) Finalize(chain consensus.ChainHeaderReader, header *types.Header, st *state.StateDB, txs []*types.Transaction, uncles []*types.Header, withdrawals []*types.Withdrawal) {
}

// FinalizeAndAssemble implements consensus.Engine: assembles the block from
// the already deterministically ordered transaction list.
func (e *Engine) FinalizeAndAssemble(chain consensus.ChainHeaderReader, header *types.Header, st *state.StateDB, txs []*types.Transaction, uncles []*types.Header, receipts []*types.Receipt, withdrawals []*types.Withdrawal) (*types.Block, error) {
	header.Root = st.IntermediateRoot(true)
	header.UncleHash = types.CalcUncleHash(nil)
	if withdrawals != nil {
		return types.NewBlockWithWithdrawals(header, txs, nil, receipts, withdrawals, trie.NewStackTrie(nil)), nil
	}
	return types.NewBlock(header, txs, nil, receipts, trie.NewStackTrie(nil)), nil
}

// Seal implements consensus.Engine: signs the block hash with this node's
// combined secret key share and embeds the resulting Seal in header.Extra.
// Unlike PoW/PoA engines, by the time Seal runs the batch's contents were
// already agreed by the HBBFT round; sealing is this validator attesting
// to the assembled result, not proposing it.
func (e *Engine) Seal(chain consensus.ChainHeaderReader, block *types.Block, results chan<- *types.Block, stop <-chan struct{}) error {
	header := types.CopyHeader(block.Header())
	hash := bareHash(header)

	share, err := e.state.SignSeal(hash)
	if err != nil {
		return fmt.Errorf("%w: %v", errNotValidating, err)
	}

	seal := hbtypes.Seal{BlockNumber: header.Number.Uint64(), BlockHash: hash, Share: share}
	raw, err := rlp.EncodeToBytes(&seal)
	if err != nil {
		return err
	}
	header.Extra = raw
	header.Coinbase = e.self

	sealed := block.WithSeal(header)
	select {
	case results <- sealed:
	case <-stop:
	default:
		log.Warn("hbbft: sealing result not read by miner", "sealhash", e.SealHash(header))
	}
	return nil
}

// SealHash returns the hash of a block prior to sealing.
func (e *Engine) SealHash(header *types.Header) common.Hash {
	return bareHash(header)
}

// CalcDifficulty always returns 1: HBBFT's fork choice is chain length, not
// accumulated difficulty.
func (e *Engine) CalcDifficulty(chain consensus.ChainHeaderReader, time uint64, parent *types.Header) *big.Int {
	return big.NewInt(1)
}

// APIs implements consensus.Engine, exposing the hbbft_* RPC namespace.
func (e *Engine) APIs(chain consensus.ChainHeaderReader) []rpc.API {
	return []rpc.API{{
		Namespace: "hbbft",
		Version:   "1.0",
		Service:   NewAPI(e),
		Public:    true,
	}}
}
