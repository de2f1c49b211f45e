// Copyright 2024 The go-equa Authors
// This file is part of the go-equa library.

package hbbft

import (
	"fmt"

	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/poanetwork/hbbft-node/consensus/hbbft/types"
)

// engineCacheKey is where the warm-start snapshot lives in the node's
// key-value store.
var engineCacheKey = []byte("hbbft-engine-cache")

// cachedNetworkInfo is the RLP-friendly flattening of (epoch, NetworkInfo):
// the public-share map becomes two parallel slices in validator order.
type cachedNetworkInfo struct {
	Epoch           uint64
	EpochStart      uint64
	Own             types.NodeId
	Validators      []types.NodeId
	HasSecret       bool
	SecretKeyShare  []byte
	MasterPublicKey []byte
	ShareOwners     []types.NodeId
	Shares          [][]byte
}

// SaveEngineCache persists the current (epoch, NetworkInfo) pair so a
// restarting node can skip replaying the whole DKG transcript for the
// epoch it already knows.
func (s *State) SaveEngineCache(db ethdb.KeyValueWriter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.netInfo == nil {
		return nil
	}

	c := cachedNetworkInfo{
		Epoch:           uint64(s.currentEpoch),
		EpochStart:      s.currentEpochStart,
		Own:             s.netInfo.Own,
		Validators:      s.netInfo.Validators,
		HasSecret:       s.netInfo.SecretKeyShare.IsSet(),
		SecretKeyShare:  s.netInfo.SecretKeyShare.Bytes,
		MasterPublicKey: s.netInfo.PublicKeySet.MasterPublicKey,
	}
	for _, v := range s.netInfo.Validators {
		if share, ok := s.netInfo.PublicKeySet.Shares[v]; ok {
			c.ShareOwners = append(c.ShareOwners, v)
			c.Shares = append(c.Shares, share)
		}
	}

	raw, err := rlp.EncodeToBytes(&c)
	if err != nil {
		return fmt.Errorf("hbbft: encode engine cache: %w", err)
	}
	return db.Put(engineCacheKey, raw)
}

// WarmStart loads a previously-saved (epoch, NetworkInfo) pair, if any, and
// installs it as the current epoch state so the node can verify seals and
// process messages before its first on-chain Update completes. A missing or
// undecodable cache is not an error; the first Update simply does the full
// DKG replay.
func (s *State) WarmStart(db ethdb.KeyValueReader, latestBlock uint64) bool {
	raw, err := db.Get(engineCacheKey)
	if err != nil || len(raw) == 0 {
		return false
	}
	var c cachedNetworkInfo
	if err := rlp.DecodeBytes(raw, &c); err != nil {
		return false
	}

	shares := make(map[types.NodeId][]byte, len(c.ShareOwners))
	for i, owner := range c.ShareOwners {
		shares[owner] = c.Shares[i]
	}
	netInfo := &types.NetworkInfo{
		Own:        c.Own,
		Validators: c.Validators,
		PublicKeySet: types.PublicKeySet{
			MasterPublicKey: c.MasterPublicKey,
			Shares:          shares,
		},
	}
	if c.HasSecret {
		netInfo.SecretKeyShare = types.NewSecretKeyShare(c.SecretKeyShare)
	}

	return s.installWarmStart(types.StakingEpoch(c.Epoch), c.EpochStart, netInfo, latestBlock)
}
