// Copyright 2024 The go-equa Authors
// This file is part of the go-equa library.

package peers

import (
	"fmt"
	"net"
	"path/filepath"
	"testing"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/p2p/enode"
	"github.com/stretchr/testify/require"

	"github.com/poanetwork/hbbft-node/consensus/hbbft/types"
)

type fakeServer struct {
	added, removed []string
}

func (f *fakeServer) AddPeer(n *enode.Node)    { f.added = append(f.added, n.String()) }
func (f *fakeServer) RemovePeer(n *enode.Node) { f.removed = append(f.removed, n.String()) }

func TestMutex_TryLockForTimesOutWhenHeld(t *testing.T) {
	m := newMutex()
	require.True(t, m.tryLockFor(10*time.Millisecond))
	// Held now; a second attempt from the same goroutine must time out
	// rather than block forever.
	require.False(t, m.tryLockFor(10*time.Millisecond))
	m.unlock()
	require.True(t, m.tryLockFor(10*time.Millisecond))
}

func TestDisconnectAllValidators_ClearsBothSets(t *testing.T) {
	srv := &fakeServer{}
	mgr := New(srv, nil)
	mgr.current.Add(enodeAt(30303))
	mgr.pending.Add(enodeAt(30304))

	mgr.DisconnectAllValidators()

	require.Equal(t, 0, mgr.current.Cardinality())
	require.Equal(t, 0, mgr.pending.Cardinality())
	require.Len(t, srv.removed, 2)
}

func TestAddrEqual(t *testing.T) {
	a := &net.TCPAddr{IP: net.ParseIP("10.0.0.1"), Port: 30303}
	b := &net.TCPAddr{IP: net.ParseIP("10.0.0.1"), Port: 30303}
	c := &net.TCPAddr{IP: net.ParseIP("10.0.0.2"), Port: 30303}
	require.True(t, addrEqual(a, b))
	require.False(t, addrEqual(a, c))
}

// TestReservedPeersIdempotence: double-add is Ok and
// keeps one entry, double-remove errors.
func TestReservedPeersIdempotence(t *testing.T) {
	srv := &fakeServer{}
	mgr := New(srv, nil)
	peer := enodeAt(30303)

	require.NoError(t, mgr.AddReservedPeer(peer))
	require.NoError(t, mgr.AddReservedPeer(peer))
	require.Len(t, mgr.GetReservedPeers(), 1)

	require.NoError(t, mgr.RemoveReservedPeer(peer))
	require.ErrorIs(t, mgr.RemoveReservedPeer(peer), ErrNotReserved)
	require.Len(t, mgr.GetReservedPeers(), 0)
}

// TestDisconnectOthersThan checks the removal count and surviving set.
func TestDisconnectOthersThan(t *testing.T) {
	srv := &fakeServer{}
	mgr := New(srv, nil)
	p3, p4, p5 := enodeAt(30303), enodeAt(30304), enodeAt(30305)
	require.NoError(t, mgr.AddReservedPeer(p3))
	require.NoError(t, mgr.AddReservedPeer(p4))
	require.NoError(t, mgr.AddReservedPeer(p5))

	keep := mapset.NewSet(p3, p4)
	require.Equal(t, 1, mgr.DisconnectOthersThan(keep))
	require.Len(t, mgr.GetReservedPeers(), 2)
}

func TestSnapshotRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reserved_peers.txt")

	srv := &fakeServer{}
	mgr := New(srv, nil)
	mgr.SetSnapshotPath(path)
	require.NoError(t, mgr.AddReservedPeer(enodeAt(30303)))
	require.NoError(t, mgr.AddReservedPeer(enodeAt(30304)))

	restarted := New(&fakeServer{}, nil)
	restarted.SetSnapshotPath(path)
	require.NoError(t, restarted.LoadSnapshot())
	require.Equal(t, mgr.GetReservedPeers(), restarted.GetReservedPeers())
}

// enodeAt builds a parseable enode URL whose public key is derived from the
// port, so distinct ports give distinct (but stable within a run) peers.
var enodeKeys = map[int]string{}

func enodeAt(port int) types.ReservedPeer {
	hexKey, ok := enodeKeys[port]
	if !ok {
		key, err := crypto.GenerateKey()
		if err != nil {
			panic(err)
		}
		pub := crypto.FromECDSAPub(&key.PublicKey)[1:]
		hexKey = fmt.Sprintf("%x", pub)
		enodeKeys[port] = hexKey
	}
	return types.ReservedPeer(fmt.Sprintf("enode://%s@127.0.0.1:%d", hexKey, port))
}
