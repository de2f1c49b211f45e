// Copyright 2024 The go-equa Authors
// This file is part of the go-equa library.

// Package memorium implements the message memorium: an off-thread
// dispatcher recording every HBBFT/seal event, computing per-node cumulative
// lateness within a staking epoch, and exporting CSV snapshots and
// Prometheus gauges.
package memorium

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/poanetwork/hbbft-node/consensus/hbbft/types"
)

// Config controls the worker's timing and retention behavior.
type Config struct {
	Dir           string        // root directory for per-message JSON dumps and CSV summaries
	WriteInterval time.Duration // minimum interval between CSV flushes for a dirty epoch
	BlocksToKeep  uint64        // retention window, counted in staking epochs, for on-disk epoch directories
	IdleSleep     time.Duration // worker sleep when no queue had work this iteration
}

func (c *Config) setDefaults() {
	if c.WriteInterval == 0 {
		c.WriteInterval = 10 * time.Second
	}
	if c.IdleSleep == 0 {
		c.IdleSleep = 5 * time.Second
	}
}

// SealOutcome classifies one validator's sealing behavior for a block.
type SealOutcome int

const (
	SealGood SealOutcome = iota
	SealLate
	SealBad
)

// MessageOutcome classifies one validator's HBBFT message behavior.
type MessageOutcome int

const (
	MessageGood MessageOutcome = iota
	MessageFaulty
)

// SealEvent is pushed to the memorium whenever the sealing path observes a
// validator's signature share on a block.
type SealEvent struct {
	Epoch      types.StakingEpoch
	Node       types.NodeId
	Outcome    SealOutcome
	SealedBlock   uint64 // the block the signature is over
	ReceivedBlock uint64 // the block at which it was received (== SealedBlock unless late)
}

// MessageEvent is pushed whenever the HBBFT message path observes a
// validator's protocol behavior.
type MessageEvent struct {
	Epoch   types.StakingEpoch
	Node    types.NodeId
	Outcome MessageOutcome
	Block   uint64
}

// rawMessage is one HBBFT or seal wire message, recorded verbatim to disk.
type rawMessage struct {
	Epoch     types.StakingEpoch
	Node      types.NodeId
	Kind      string
	Payload   []byte
	Block     uint64
	Timestamp time.Time
}

// history is one validator's sealing and messaging record within a
// single staking epoch.
type history struct {
	lastGoodSeal, lastLateSeal, lastBadSeal uint64
	lastGoodSealAt, lastLateSealAt, lastBadSealAt time.Time
	goodBlocks, lateBlocks, badBlocks []uint64

	cumulativeLateness uint64

	lastGoodMessageBlock, lastFaultyMessageBlock uint64
	goodMessages, faultyMessages uint64
}

// epochRecord is the per-epoch container, holding one history per node plus
// the epoch's own block range.
type epochRecord struct {
	epoch      types.StakingEpoch
	startBlock uint64
	endBlock   uint64 // 0 means open-ended (current epoch)

	nodes map[types.NodeId]*history

	dirty      bool
	lastFlush  time.Time
	nextMsgID  uint64
}

// Memorium is the dispatcher. All public methods are safe for concurrent use.
// Event reports are pushed to internal queues that the single background
// worker goroutine drains; the methods that read or reset epoch state take
// the internal lock directly.
type Memorium struct {
	cfg Config

	mu           sync.Mutex
	epochs       []*epochRecord // insertion order
	highestBlock uint64

	messages      chan rawMessage
	seals         chan SealEvent
	messageEvents chan MessageEvent

	gaugeEpoch        prometheus.Gauge
	gaugeEpochStart   prometheus.Gauge
	gaugeFlagged      prometheus.Gauge
	gaugeLateness     *prometheus.GaugeVec
	gaugeLatenessRaw  *prometheus.GaugeVec
	gaugeGood         *prometheus.GaugeVec
	gaugeLate         *prometheus.GaugeVec
	gaugeBad          *prometheus.GaugeVec
	gaugeLastGoodSeal *prometheus.GaugeVec
	gaugeLastGoodMsg  *prometheus.GaugeVec

	wg     sync.WaitGroup
	cancel context.CancelFunc

	didWork atomic.Bool
}

// New creates a Memorium with the given config and registers its Prometheus
// gauges with reg (pass prometheus.DefaultRegisterer in production).
func New(cfg Config, reg prometheus.Registerer) *Memorium {
	cfg.setDefaults()
	m := &Memorium{
		cfg:           cfg,
		messages:      make(chan rawMessage, 4096),
		seals:         make(chan SealEvent, 4096),
		messageEvents: make(chan MessageEvent, 4096),
		gaugeEpoch: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hbbft", Name: "staking_epoch",
			Help: "Current POSDAO staking epoch number.",
		}),
		gaugeEpochStart: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hbbft", Name: "staking_epoch_start_block",
			Help: "First block of the current staking epoch.",
		}),
		gaugeFlagged: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hbbft", Name: "early_epoch_end_num_flagged_validators",
			Help: "Number of validators this node has reported for missing connectivity.",
		}),
		gaugeLateness: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "hbbft", Subsystem: "memorium", Name: "cumulative_lateness",
			Help: "Cumulative lateness per validator, including the untracked gap up to the highest observed block.",
		}, []string{"node"}),
		gaugeLatenessRaw: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "hbbft", Subsystem: "memorium", Name: "cumulative_lateness_raw",
			Help: "Cumulative lateness per validator as tracked from seal events alone.",
		}, []string{"node"}),
		gaugeGood: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "hbbft", Subsystem: "memorium", Name: "sealing_blocks_good",
			Help: "Good seals observed per validator within the current staking epoch.",
		}, []string{"node"}),
		gaugeLate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "hbbft", Subsystem: "memorium", Name: "sealing_blocks_late",
			Help: "Late seals observed per validator within the current staking epoch.",
		}, []string{"node"}),
		gaugeBad: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "hbbft", Subsystem: "memorium", Name: "sealing_blocks_bad",
			Help: "Bad seals observed per validator within the current staking epoch.",
		}, []string{"node"}),
		gaugeLastGoodSeal: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "hbbft", Subsystem: "memorium", Name: "last_good_sealing_message",
			Help: "Block number of the last good seal observed per validator.",
		}, []string{"node"}),
		gaugeLastGoodMsg: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "hbbft", Subsystem: "memorium", Name: "last_message_good",
			Help: "Block number of the last good HBBFT message observed per validator.",
		}, []string{"node"}),
	}
	if reg != nil {
		reg.MustRegister(m.gaugeEpoch, m.gaugeEpochStart, m.gaugeFlagged,
			m.gaugeLateness, m.gaugeLatenessRaw, m.gaugeGood, m.gaugeLate, m.gaugeBad,
			m.gaugeLastGoodSeal, m.gaugeLastGoodMsg)
	}
	return m
}

// Start launches the single background worker goroutine. Close stops
// it and waits for it to exit.
func (m *Memorium) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.wg.Add(1)
	go m.run(ctx)
}

func (m *Memorium) Close() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// ReportNewEpoch appends a new epoch at startBlock and closes the
// previous epoch's range at startBlock-1.
func (m *Memorium) ReportNewEpoch(epoch types.StakingEpoch, startBlock uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n := len(m.epochs); n > 0 {
		prev := m.epochs[n-1]
		if prev.endBlock == 0 && startBlock > 0 {
			prev.endBlock = startBlock - 1
		}
	}
	m.epochs = append(m.epochs, &epochRecord{
		epoch:      epoch,
		startBlock: startBlock,
		nodes:      make(map[types.NodeId]*history),
	})
	m.gaugeEpoch.Set(float64(epoch))
	m.gaugeEpochStart.Set(float64(startBlock))
}

// SetFlaggedValidatorCount mirrors the early-epoch-end flagged-set size into the
// early_epoch_end_num_flagged_validators gauge.
func (m *Memorium) SetFlaggedValidatorCount(n int) {
	m.gaugeFlagged.Set(float64(n))
}

// RecordMessage is a non-blocking push of a raw wire message. A full
// queue drops the new item rather than block the consensus hot path.
func (m *Memorium) RecordMessage(epoch types.StakingEpoch, node types.NodeId, kind string, payload []byte, block uint64) {
	ev := rawMessage{Epoch: epoch, Node: node, Kind: kind, Payload: payload, Block: block, Timestamp: time.Now()}
	select {
	case m.messages <- ev:
	default:
		log.Warn("hbbft memorium: messages queue full, dropping", "node", node, "block", block)
	}
}

// RecordSeal pushes a seal observation.
func (m *Memorium) RecordSeal(ev SealEvent) {
	select {
	case m.seals <- ev:
	default:
		log.Warn("hbbft memorium: seals queue full, dropping", "node", ev.Node, "block", ev.SealedBlock)
	}
}

// RecordMessageEvent pushes a message fault/good classification.
func (m *Memorium) RecordMessageEvent(ev MessageEvent) {
	select {
	case m.messageEvents <- ev:
	default:
		log.Warn("hbbft memorium: message-event queue full, dropping", "node", ev.Node, "block", ev.Block)
	}
}

// run is the single worker goroutine: drains at most one item from each
// queue per iteration, sleeping cfg.IdleSleep when nothing was done.
func (m *Memorium) run(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.WriteInterval)
	defer ticker.Stop()

	for {
		m.didWork.Store(false)

		select {
		case msg := <-m.messages:
			m.writeMessage(msg)
			m.didWork.Store(true)
		default:
		}
		select {
		case ev := <-m.seals:
			m.applySeal(ev)
			m.didWork.Store(true)
		default:
		}
		select {
		case ev := <-m.messageEvents:
			m.applyMessageEvent(ev)
			m.didWork.Store(true)
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.flushDirtyEpochs()
			m.evictOld()
		default:
		}

		if !m.didWork.Load() {
			select {
			case <-ctx.Done():
				return
			case <-time.After(m.cfg.IdleSleep):
			}
		}
	}
}

func (m *Memorium) epochAt(block uint64) *epochRecord {
	for i := len(m.epochs) - 1; i >= 0; i-- {
		e := m.epochs[i]
		if block >= e.startBlock && (e.endBlock == 0 || block <= e.endBlock) {
			return e
		}
	}
	return nil
}

func (m *Memorium) epochRecordByNumber(epoch types.StakingEpoch) *epochRecord {
	for _, e := range m.epochs {
		if e.epoch == epoch {
			return e
		}
	}
	return nil
}

func (m *Memorium) historyFor(e *epochRecord, node types.NodeId) *history {
	h, ok := e.nodes[node]
	if !ok {
		h = &history{}
		e.nodes[node] = h
	}
	return h
}

// applySeal implements the cumulative-lateness algorithm exactly.
func (m *Memorium) applySeal(ev SealEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.epochRecordByNumber(ev.Epoch)
	if e == nil {
		return
	}
	h := m.historyFor(e, ev.Node)

	// Gap penalty: any seal event (good, late or bad) for block B closes the
	// gap since the node's previously-latest event L, contributing
	// d·(d+1)/2 with d = B−1−max(L_good, L_late, L_bad, epoch_start).
	if ev.SealedBlock > 0 {
		base := maxU64(h.lastGoodSeal, h.lastLateSeal, h.lastBadSeal, e.startBlock)
		if base < ev.SealedBlock-1 {
			d := ev.SealedBlock - 1 - base
			h.cumulativeLateness += d * (d + 1) / 2
		}
	}

	switch ev.Outcome {
	case SealGood:
		h.lastGoodSeal = ev.SealedBlock
		h.lastGoodSealAt = time.Now()
		h.goodBlocks = append(h.goodBlocks, ev.SealedBlock)
	case SealLate:
		h.lastLateSeal = ev.SealedBlock
		h.lastLateSealAt = time.Now()
		h.lateBlocks = append(h.lateBlocks, ev.SealedBlock)
		h.cumulativeLateness += (ev.ReceivedBlock - ev.SealedBlock) + 1
	case SealBad:
		h.lastBadSeal = ev.SealedBlock
		h.lastBadSealAt = time.Now()
		h.badBlocks = append(h.badBlocks, ev.SealedBlock)
		h.cumulativeLateness++
	}

	if ev.ReceivedBlock > m.highestBlock {
		m.highestBlock = ev.ReceivedBlock
	}
	if ev.SealedBlock > m.highestBlock {
		m.highestBlock = ev.SealedBlock
	}

	e.dirty = true
	node := ev.Node.String()
	m.gaugeLatenessRaw.WithLabelValues(node).Set(float64(h.cumulativeLateness))
	m.gaugeLateness.WithLabelValues(node).Set(float64(m.latenessWithUntrackedGap(e, h)))
	m.gaugeGood.WithLabelValues(node).Set(float64(len(h.goodBlocks)))
	m.gaugeLate.WithLabelValues(node).Set(float64(len(h.lateBlocks)))
	m.gaugeBad.WithLabelValues(node).Set(float64(len(h.badBlocks)))
	m.gaugeLastGoodSeal.WithLabelValues(node).Set(float64(h.lastGoodSeal))
}

// latenessWithUntrackedGap extends a node's tracked lateness with the gap
// penalty it would accrue if its silence since the last event ended at the
// highest block this memorium has seen. Callers hold m.mu.
func (m *Memorium) latenessWithUntrackedGap(e *epochRecord, h *history) uint64 {
	total := h.cumulativeLateness
	lastSeen := maxU64(h.lastGoodSeal, h.lastLateSeal, h.lastBadSeal, e.startBlock)
	if m.highestBlock > lastSeen {
		d := m.highestBlock - lastSeen
		total += d * (d + 1) / 2
	}
	return total
}

func (m *Memorium) applyMessageEvent(ev MessageEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.epochRecordByNumber(ev.Epoch)
	if e == nil {
		return
	}
	h := m.historyFor(e, ev.Node)
	switch ev.Outcome {
	case MessageGood:
		h.lastGoodMessageBlock = ev.Block
		h.goodMessages++
		m.gaugeLastGoodMsg.WithLabelValues(ev.Node.String()).Set(float64(ev.Block))
	case MessageFaulty:
		h.lastFaultyMessageBlock = ev.Block
		h.faultyMessages++
	}
	e.dirty = true
}

// LastSeen returns the liveness marker the early-epoch-end manager keys
// off: max(last_good_seal,
// last_late_seal) for node in the epoch containing block, or (0, false) if
// the node has no history yet.
func (m *Memorium) LastSeen(block uint64, node types.NodeId) (uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.epochAt(block)
	if e == nil {
		return 0, false
	}
	h, ok := e.nodes[node]
	if !ok {
		return 0, false
	}
	return maxU64(h.lastGoodSeal, h.lastLateSeal), true
}

// CumulativeLateness exposes the read path used by Prometheus export and
// CSV summaries; highestBlockNum lets the read path add the "non-tracked"
// gap for always-silent nodes up to the current chain head
func (m *Memorium) CumulativeLateness(epoch types.StakingEpoch, node types.NodeId, highestBlockNum uint64) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.epochRecordByNumber(epoch)
	if e == nil {
		return 0
	}
	h, ok := e.nodes[node]
	if !ok {
		h = &history{}
	}
	var tracked = h.cumulativeLateness
	lastSeen := maxU64(h.lastGoodSeal, h.lastLateSeal, h.lastBadSeal, e.startBlock)
	if highestBlockNum > lastSeen {
		d := highestBlockNum - lastSeen
		tracked += d * (d + 1) / 2
	}
	return tracked
}

func maxU64(vals ...uint64) uint64 {
	var m uint64
	for _, v := range vals {
		if v > m {
			m = v
		}
	}
	return m
}

// writeMessage dumps one raw message to <dir>/<epoch>/<monotonic-id>.json,
//'s disk-I/O rule.
func (m *Memorium) writeMessage(msg rawMessage) {
	if m.cfg.Dir == "" {
		return
	}
	m.mu.Lock()
	e := m.epochRecordByNumber(msg.Epoch)
	if e == nil {
		e = &epochRecord{epoch: msg.Epoch, startBlock: msg.Block, nodes: make(map[types.NodeId]*history)}
		m.epochs = append(m.epochs, e)
	}
	id := e.nextMsgID
	e.nextMsgID++
	m.mu.Unlock()

	dir := filepath.Join(m.cfg.Dir, fmt.Sprintf("%d", msg.Epoch))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Warn("hbbft memorium: mkdir failed", "dir", dir, "err", err)
		return
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		log.Warn("hbbft memorium: marshal message failed", "err", err)
		return
	}
	path := filepath.Join(dir, fmt.Sprintf("%d.json", id))
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		log.Warn("hbbft memorium: write message failed", "path", path, "err", err)
	}
}

// flushDirtyEpochs writes a CSV summary for every epoch with unexported
// updates whose last flush is older than cfg.WriteInterval.
func (m *Memorium) flushDirtyEpochs() {
	if m.cfg.Dir == "" {
		return
	}
	m.mu.Lock()
	var toFlush []*epochRecord
	now := time.Now()
	for _, e := range m.epochs {
		if e.dirty && now.Sub(e.lastFlush) >= m.cfg.WriteInterval {
			toFlush = append(toFlush, e)
		}
	}
	m.mu.Unlock()

	for _, e := range toFlush {
		if err := m.writeCSV(e); err != nil {
			log.Warn("hbbft memorium: csv flush failed", "epoch", e.epoch, "err", err)
			continue
		}
		m.mu.Lock()
		e.dirty = false
		e.lastFlush = now
		m.mu.Unlock()
	}
}

func (m *Memorium) writeCSV(e *epochRecord) error {
	dir := filepath.Join(m.cfg.Dir, fmt.Sprintf("%d", e.epoch))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(dir, "summary.csv")
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()

	if err := w.Write([]string{
		"staking_epoch", "node_id",
		"total_sealing", "total_good", "total_late", "total_error",
		"last_good", "last_late", "last_error",
		"cumulative_lateness",
		"total_good_msgs", "total_faulty_msgs",
		"last_msg_good", "last_msg_faulty",
	}); err != nil {
		return err
	}

	m.mu.Lock()
	nodes := make([]types.NodeId, 0, len(e.nodes))
	for n := range e.nodes {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Less(nodes[j]) })
	rows := make([][]string, 0, len(nodes))
	for _, n := range nodes {
		h := e.nodes[n]
		total := len(h.goodBlocks) + len(h.lateBlocks) + len(h.badBlocks)
		rows = append(rows, []string{
			fmt.Sprint(e.epoch),
			n.String(),
			fmt.Sprint(total),
			fmt.Sprint(len(h.goodBlocks)),
			fmt.Sprint(len(h.lateBlocks)),
			fmt.Sprint(len(h.badBlocks)),
			fmt.Sprint(h.lastGoodSeal),
			fmt.Sprint(h.lastLateSeal),
			fmt.Sprint(h.lastBadSeal),
			fmt.Sprint(h.cumulativeLateness),
			fmt.Sprint(h.goodMessages),
			fmt.Sprint(h.faultyMessages),
			fmt.Sprint(h.lastGoodMessageBlock),
			fmt.Sprint(h.lastFaultyMessageBlock),
		})
	}
	m.mu.Unlock()

	for _, row := range rows {
		if err := w.Write(row); err != nil {
			return err
		}
	}
	return nil
}

// evictOld removes on-disk directories for epochs older than the retention
// window and drops in-memory records older than one trailing epoch (closed
// epochs can still receive late events until the epoch after next begins).
func (m *Memorium) evictOld() {
	m.mu.Lock()
	var current types.StakingEpoch
	if n := len(m.epochs); n > 0 {
		current = m.epochs[n-1].epoch
	}
	var stale []types.StakingEpoch
	kept := m.epochs[:0]
	for _, e := range m.epochs {
		if m.cfg.Dir != "" && m.cfg.BlocksToKeep != 0 &&
			uint64(current) > uint64(e.epoch)+m.cfg.BlocksToKeep && e.endBlock != 0 {
			stale = append(stale, e.epoch)
		}
		if e.endBlock != 0 && e.epoch+1 < current {
			continue
		}
		kept = append(kept, e)
	}
	m.epochs = kept
	m.mu.Unlock()

	if m.cfg.Dir == "" {
		return
	}

	for _, epoch := range stale {
		dir := filepath.Join(m.cfg.Dir, fmt.Sprintf("%d", epoch))
		if err := os.RemoveAll(dir); err != nil {
			log.Warn("hbbft memorium: evict failed", "epoch", epoch, "dir", dir, "err", err)
		}
	}
}
