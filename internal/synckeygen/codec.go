// Copyright 2024 The go-equa Authors
// This file is part of the go-equa library.

package synckeygen

import (
	"sort"

	"github.com/ethereum/go-ethereum/rlp"
)

// wirePart/wireAck are the RLP-friendly shapes of Part/Ack: RLP has no map
// type, so EncryptedShares is flattened to parallel key/value slices, sorted
// by key for a canonical encoding.
type wirePart struct {
	Dealer     uint64
	Commitment [][]byte
	ShareKeys  []uint64
	ShareVals  [][]byte
}

type wireAck struct {
	Dealer uint64
	Acker  uint64
	Digest []byte
}

// MarshalPart/UnmarshalPart are the canonical wire encoding for a Part, used
// for the on-chain KeygenHistory blob and for fork definitions alike.
func MarshalPart(p *Part) ([]byte, error) {
	keys := make([]uint64, 0, len(p.EncryptedShares))
	for k := range p.EncryptedShares {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	w := wirePart{Dealer: p.Dealer, Commitment: p.Commitment}
	for _, k := range keys {
		w.ShareKeys = append(w.ShareKeys, k)
		w.ShareVals = append(w.ShareVals, p.EncryptedShares[k])
	}
	return rlp.EncodeToBytes(&w)
}

func UnmarshalPart(data []byte) (*Part, error) {
	var w wirePart
	if err := rlp.DecodeBytes(data, &w); err != nil {
		return nil, err
	}
	p := &Part{
		Dealer:          w.Dealer,
		Commitment:      w.Commitment,
		EncryptedShares: make(map[uint64][]byte, len(w.ShareKeys)),
	}
	for i, k := range w.ShareKeys {
		p.EncryptedShares[k] = w.ShareVals[i]
	}
	return p, nil
}

func MarshalAck(a *Ack) ([]byte, error) {
	return rlp.EncodeToBytes(&wireAck{Dealer: a.Dealer, Acker: a.Acker, Digest: a.Digest[:]})
}

func UnmarshalAck(data []byte) (*Ack, error) {
	var w wireAck
	if err := rlp.DecodeBytes(data, &w); err != nil {
		return nil, err
	}
	a := &Ack{Dealer: w.Dealer, Acker: w.Acker}
	copy(a.Digest[:], w.Digest)
	return a, nil
}
