// Copyright 2024 The go-equa Authors
// This file is part of the go-equa library.

// Package peers maintains devp2p
// reserved connections for the current and pending validator sets, and
// publishing this node's own network endpoint on-chain.
package peers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sort"
	"strings"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/p2p/enode"

	"github.com/poanetwork/hbbft-node/consensus/hbbft/contracts"
	"github.com/poanetwork/hbbft-node/consensus/hbbft/types"
)

// TryLockTimeout bounds lock acquisition attempts on the reserved-peer
// set, which is shared with the networking layer.
const TryLockTimeout = 200 * time.Millisecond

// Server is the subset of *p2p.Server driven here.
type Server interface {
	AddPeer(node *enode.Node)
	RemovePeer(node *enode.Node)
}

// mutex is a channel-based lock supporting a bounded try-acquire, which the
// standard library's sync.Mutex does not.
type mutex chan struct{}

func newMutex() mutex {
	m := make(mutex, 1)
	m <- struct{}{}
	return m
}

func (m mutex) tryLockFor(d time.Duration) bool {
	select {
	case <-m:
		return true
	case <-time.After(d):
		return false
	}
}

func (m mutex) unlock() { m <- struct{}{} }

// ErrNotReserved is returned when removing a peer that is not in the
// reserved set.
var ErrNotReserved = errors.New("hbbft peers: peer not reserved")

// Manager owns the reserved-peer set and the last internet address this
// node wrote on-chain.
type Manager struct {
	server Server
	client *contracts.Client

	mu mutex

	reserved mapset.Set[types.ReservedPeer] // every peer currently reserved with the server
	current  mapset.Set[types.ReservedPeer]
	pending  mapset.Set[types.ReservedPeer]

	snapshotPath string

	lastAnnounced *net.TCPAddr
}

func New(server Server, client *contracts.Client) *Manager {
	return &Manager{
		server:   server,
		client:   client,
		mu:       newMutex(),
		reserved: mapset.NewSet[types.ReservedPeer](),
		current:  mapset.NewSet[types.ReservedPeer](),
		pending:  mapset.NewSet[types.ReservedPeer](),
	}
}

// SetSnapshotPath enables persisting the reserved-peer set to a text file
// on every mutation, one enode per line, so a restarting node keeps its
// devp2p reserved list stable until the first epoch update resynchronizes
// it.
func (m *Manager) SetSnapshotPath(path string) { m.snapshotPath = path }

// buildReservedPeer resolves one validator's on-chain identity and endpoint
// into a reserved-peer string, or ("", false) if it should be skipped
// (port 0).
func (m *Manager) buildReservedPeer(ctx context.Context, stakingAddr common.Address) (types.ReservedPeer, bool, error) {
	pub, err := m.client.GetPoolPublicKey(ctx, stakingAddr)
	if err != nil {
		return "", false, err
	}
	ip, port, err := m.client.GetPoolInternetAddress(ctx, stakingAddr)
	if err != nil {
		return "", false, err
	}
	addr := types.DecodeInternetAddress(ip, port)
	if addr == nil || addr.Port == 0 {
		return "", false, nil
	}
	nodeID, err := types.BytesToNodeId(pub)
	if err != nil {
		return "", false, err
	}
	return types.ReservedPeer(fmt.Sprintf("enode://%s@%s:%d", nodeID.String(), addr.IP.String(), addr.Port)), true, nil
}

func (m *Manager) addReserved(peer types.ReservedPeer) {
	n, err := enode.ParseV4(string(peer))
	if err != nil {
		log.Warn("hbbft peers: malformed reserved peer, skipping", "peer", peer, "err", err)
		return
	}
	m.reserved.Add(peer)
	m.server.AddPeer(n)
	m.writeSnapshot()
}

func (m *Manager) removeReserved(peer types.ReservedPeer) {
	m.reserved.Remove(peer)
	n, err := enode.ParseV4(string(peer))
	if err == nil {
		m.server.RemovePeer(n)
	}
	m.writeSnapshot()
}

// AddReservedPeer reserves a peer directly. Adding an already-reserved peer
// is a no-op that still reports success.
func (m *Manager) AddReservedPeer(peer types.ReservedPeer) error {
	if !m.mu.tryLockFor(TryLockTimeout) {
		return types.ErrNotReady
	}
	defer m.mu.unlock()
	if m.reserved.Contains(peer) {
		return nil
	}
	m.addReserved(peer)
	return nil
}

// RemoveReservedPeer drops a peer from the reserved set; removing a peer
// that is not reserved is an error.
func (m *Manager) RemoveReservedPeer(peer types.ReservedPeer) error {
	if !m.mu.tryLockFor(TryLockTimeout) {
		return types.ErrNotReady
	}
	defer m.mu.unlock()
	if !m.reserved.Contains(peer) {
		return ErrNotReserved
	}
	m.removeReserved(peer)
	m.current.Remove(peer)
	m.pending.Remove(peer)
	return nil
}

// GetReservedPeers returns the reserved set sorted lexicographically.
func (m *Manager) GetReservedPeers() []types.ReservedPeer {
	if !m.mu.tryLockFor(TryLockTimeout) {
		return nil
	}
	defer m.mu.unlock()
	out := m.reserved.ToSlice()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// DisconnectOthersThan removes every reserved peer not in keep, returning
// how many were removed.
func (m *Manager) DisconnectOthersThan(keep mapset.Set[types.ReservedPeer]) int {
	if !m.mu.tryLockFor(TryLockTimeout) {
		return 0
	}
	defer m.mu.unlock()
	removed := 0
	for _, peer := range m.reserved.ToSlice() {
		if keep.Contains(peer) {
			continue
		}
		m.removeReserved(peer)
		m.current.Remove(peer)
		m.pending.Remove(peer)
		removed++
	}
	return removed
}

// writeSnapshot persists the reserved set, one peer per line. Callers hold
// the manager lock.
func (m *Manager) writeSnapshot() {
	if m.snapshotPath == "" {
		return
	}
	peers := m.reserved.ToSlice()
	sort.Slice(peers, func(i, j int) bool { return peers[i] < peers[j] })
	var buf bytes.Buffer
	for _, p := range peers {
		buf.WriteString(string(p))
		buf.WriteByte('\n')
	}
	if err := os.WriteFile(m.snapshotPath, buf.Bytes(), 0o644); err != nil {
		log.Warn("hbbft peers: write reserved-peer snapshot failed", "path", m.snapshotPath, "err", err)
	}
}

// LoadSnapshot re-reserves every peer recorded in the snapshot file, used
// at startup before the first epoch update runs. A missing file is not an
// error.
func (m *Manager) LoadSnapshot() error {
	if m.snapshotPath == "" {
		return nil
	}
	raw, err := os.ReadFile(m.snapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if !m.mu.tryLockFor(TryLockTimeout) {
		return types.ErrNotReady
	}
	defer m.mu.unlock()
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		m.addReserved(types.ReservedPeer(line))
	}
	return nil
}

// ConnectToCurrentValidators adds every resolvable validator (other than
// self) to the reserved set,
// then drops previous current-members no longer in validatorSet.
func (m *Manager) ConnectToCurrentValidators(ctx context.Context, self common.Address, validatorSet []common.Address) {
	if !m.mu.tryLockFor(TryLockTimeout) {
		log.Warn("hbbft peers: could not acquire lock for connect_to_current_validators, retrying next tick")
		return
	}
	defer m.mu.unlock()

	next := mapset.NewSet[types.ReservedPeer]()
	for _, addr := range validatorSet {
		if addr == self {
			continue
		}
		peer, ok, err := m.buildReservedPeer(ctx, addr)
		if err != nil {
			log.Debug("hbbft peers: resolve validator endpoint failed, retrying next tick", "validator", addr, "err", err)
			continue
		}
		if !ok {
			continue
		}
		next.Add(peer)
		if !m.current.Contains(peer) {
			m.addReserved(peer)
		}
	}

	for _, peer := range m.current.ToSlice() {
		if !next.Contains(peer) && !m.pending.Contains(peer) {
			m.removeReserved(peer)
		}
	}
	m.current = next
}

// ConnectToPendingValidators implements connect_to_pending_validators: the
// pending group is tracked separately so a node that is both current and
// pending is neither double-added nor prematurely removed.
func (m *Manager) ConnectToPendingValidators(ctx context.Context, self common.Address, pending []common.Address) {
	if !m.mu.tryLockFor(TryLockTimeout) {
		log.Warn("hbbft peers: could not acquire lock for connect_to_pending_validators, retrying next tick")
		return
	}
	defer m.mu.unlock()

	next := mapset.NewSet[types.ReservedPeer]()
	for _, addr := range pending {
		if addr == self {
			continue
		}
		peer, ok, err := m.buildReservedPeer(ctx, addr)
		if err != nil {
			log.Debug("hbbft peers: resolve pending endpoint failed, retrying next tick", "validator", addr, "err", err)
			continue
		}
		if !ok {
			continue
		}
		next.Add(peer)
		if !m.pending.Contains(peer) && !m.current.Contains(peer) {
			m.addReserved(peer)
		}
	}
	m.pending = next
}

// DisconnectPendingValidators removes pending peers no longer also current.
func (m *Manager) DisconnectPendingValidators() {
	if !m.mu.tryLockFor(TryLockTimeout) {
		log.Warn("hbbft peers: could not acquire lock for disconnect_pending_validators, retrying next tick")
		return
	}
	defer m.mu.unlock()

	for _, peer := range m.pending.ToSlice() {
		if !m.current.Contains(peer) {
			m.removeReserved(peer)
		}
	}
	m.pending = mapset.NewSet[types.ReservedPeer]()
}

// DisconnectAllValidators removes the reserved-peer rule of every current
// and pending validator peer, for a node with no secret share in the new
// epoch. Reserved peers outside those two sets are left in place.
func (m *Manager) DisconnectAllValidators() {
	if !m.mu.tryLockFor(TryLockTimeout) {
		log.Warn("hbbft peers: could not acquire lock for disconnect_all_validators, retrying next tick")
		return
	}
	defer m.mu.unlock()

	all := m.current.Union(m.pending)
	for _, peer := range all.ToSlice() {
		m.removeReserved(peer)
	}
	m.current = mapset.NewSet[types.ReservedPeer]()
	m.pending = mapset.NewSet[types.ReservedPeer]()
}

// OwnEndpoint reports this node's own devp2p endpoint; it is supplied by
// the caller since endpoint discovery lives with the p2p stack.
type OwnEndpoint func() (*net.TCPAddr, error)

// AnnounceOwnInternetAddress writes this node's endpoint on-chain only
// when it differs from both the chain's current record and the last value
// we ourselves wrote.
func (m *Manager) AnnounceOwnInternetAddress(ctx context.Context, self common.Address, ownEndpoint OwnEndpoint) {
	addr, err := ownEndpoint()
	if err != nil {
		log.Debug("hbbft peers: own endpoint unavailable, retrying next tick", "err", err)
		return
	}
	if m.lastAnnounced != nil && addrEqual(m.lastAnnounced, addr) {
		return
	}

	ip, port, err := m.client.GetPoolInternetAddress(ctx, self)
	if err != nil {
		log.Debug("hbbft peers: read own pool internet address failed, retrying next tick", "err", err)
		return
	}
	onChain := types.DecodeInternetAddress(ip, port)
	if onChain != nil && addrEqual(onChain, addr) {
		m.lastAnnounced = addr
		return
	}

	encIP, encPort, err := types.EncodeInternetAddress(addr)
	if err != nil {
		log.Warn("hbbft peers: encode own endpoint failed", "err", err)
		return
	}
	if _, err := m.client.SetValidatorInternetAddress(ctx, encIP, encPort); err != nil {
		log.Warn("hbbft peers: announce own internet address failed", "err", err)
		return
	}
	m.lastAnnounced = addr
	log.Info("hbbft peers: announced own internet address", "addr", addr.String())
}

func addrEqual(a, b *net.TCPAddr) bool {
	return a.Port == b.Port && a.IP.Equal(b.IP)
}
