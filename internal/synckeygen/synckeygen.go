// Copyright 2024 The go-equa Authors
// This file is part of the go-equa library.

// Package synckeygen implements the two-round PART/ACK distributed key
// generation used to derive a BLS12-381 threshold key for a validator set,
// without a trusted dealer. It is a Feldman-VSS/Pedersen-DKG construction
// built directly on herumi/bls-eth-go-binary's polynomial primitives
// (SecretKey/PublicKey.Set against an ID evaluate a dealer's polynomial;
// Add combines independent dealers' contributions), with per-recipient
// shares sealed in an ECIES envelope addressed to the recipient's devp2p
// public key.
package synckeygen

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/crypto/ecies"
	"github.com/herumi/bls-eth-go-binary/bls"
)

var initOnce sync.Once

func ensureInit() {
	initOnce.Do(func() {
		if err := bls.Init(bls.BLS12_381); err != nil {
			panic(fmt.Sprintf("synckeygen: bls init: %v", err))
		}
		if err := bls.SetETHmode(bls.EthModeDraft07); err != nil {
			panic(fmt.Sprintf("synckeygen: bls eth mode: %v", err))
		}
	})
}

// Part is the PART transcript a dealer broadcasts: a public commitment to
// its degree-t polynomial, and one ECIES-encrypted share per recipient.
type Part struct {
	Dealer          uint64            // dealer's position in validator order; avoids importing the hbbft types package
	Commitment      [][]byte          // t+1 serialized BLS public keys (coefficient commitments)
	EncryptedShares map[uint64][]byte // recipient index -> ECIES ciphertext of its secret share
}

// Ack is a recipient's confirmation that it could decrypt and verify its
// share from a given dealer's Part.
type Ack struct {
	Dealer uint64
	Acker  uint64
	Digest [32]byte // hash of the dealer's commitment this ack applies to
}

func commitmentDigest(commitment [][]byte) [32]byte {
	h := sha256.New()
	for _, c := range commitment {
		h.Write(c)
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// participant caches what we know about one dealer's part.
type participant struct {
	commitment []bls.PublicKey
	myShare    bls.SecretKey
	acks       map[uint64]struct{} // ackers who confirmed this dealer
}

// SyncKeyGen drives the DKG transcript for a single validator set from the
// perspective of one participant ("own").
type SyncKeyGen struct {
	mu sync.Mutex

	own        uint64
	ownPriv    *ecdsa.PrivateKey
	recipients []*ecdsa.PublicKey // indexed the same as validator order
	threshold  int

	dealtCoeffs []bls.SecretKey // this node's own polynomial, set by GeneratePart
	parts       map[uint64]*participant
}

// New creates a driver for a validator set of size len(recipientPubKeys),
// where ownIndex is this node's position in that (agreed, sorted) order and
// ownPriv is this node's devp2p identity key, used to decrypt shares
// addressed to it.
func New(ownIndex uint64, ownPriv *ecdsa.PrivateKey, recipientPubKeys []*ecdsa.PublicKey, threshold int) (*SyncKeyGen, error) {
	ensureInit()
	if int(ownIndex) >= len(recipientPubKeys) {
		return nil, errors.New("synckeygen: own index out of range")
	}
	if threshold < 0 || threshold >= len(recipientPubKeys) {
		return nil, errors.New("synckeygen: invalid threshold")
	}
	return &SyncKeyGen{
		own:        ownIndex,
		ownPriv:    ownPriv,
		recipients: recipientPubKeys,
		threshold:  threshold,
		parts:      make(map[uint64]*participant),
	}, nil
}

func idFor(index uint64) bls.ID {
	var id bls.ID
	// herumi's Fr-backed ID must be non-zero; validator positions are
	// 0-based so shift by one.
	if err := id.SetLittleEndian(encodeUint64(index + 1)); err != nil {
		panic(fmt.Sprintf("synckeygen: id for index %d: %v", index, err))
	}
	return id
}

func encodeUint64(v uint64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(v)
		v >>= 8
	}
	return b
}

// GeneratePart deals a fresh random degree-t polynomial and returns the PART
// to broadcast: the public commitment plus one encrypted share per
// recipient (including, harmlessly, ourselves).
func (kg *SyncKeyGen) GeneratePart() (*Part, error) {
	kg.mu.Lock()
	defer kg.mu.Unlock()

	coeffs := make([]bls.SecretKey, kg.threshold+1)
	for i := range coeffs {
		coeffs[i].SetByCSPRNG()
	}
	kg.dealtCoeffs = coeffs

	commitment := make([][]byte, len(coeffs))
	for i, c := range coeffs {
		pub := c.GetPublicKey()
		commitment[i] = pub.Serialize()
	}

	encShares := make(map[uint64][]byte, len(kg.recipients))
	for i, recipientPub := range kg.recipients {
		var share bls.SecretKey
		id := idFor(uint64(i))
		if err := share.Set(coeffs, &id); err != nil {
			return nil, fmt.Errorf("synckeygen: evaluate share for recipient %d: %w", i, err)
		}
		ct, err := ecies.Encrypt(rand.Reader, ecies.ImportECDSAPublic(recipientPub), share.Serialize(), nil, nil)
		if err != nil {
			return nil, fmt.Errorf("synckeygen: encrypt share for recipient %d: %w", i, err)
		}
		encShares[uint64(i)] = ct
	}

	return &Part{
		Dealer:          kg.own,
		Commitment:      commitment,
		EncryptedShares: encShares,
	}, nil
}

// HandlePart processes an inbound Part from dealer, decrypting and
// verifying our own share against the public commitment. It returns the Ack
// to broadcast on success, or an error if the part is malformed or our
// share doesn't match the commitment.
func (kg *SyncKeyGen) HandlePart(dealer uint64, part *Part) (*Ack, error) {
	kg.mu.Lock()
	defer kg.mu.Unlock()

	if len(part.Commitment) != kg.threshold+1 {
		return nil, fmt.Errorf("synckeygen: dealer %d commitment has wrong degree: got %d want %d", dealer, len(part.Commitment), kg.threshold+1)
	}
	commitment := make([]bls.PublicKey, len(part.Commitment))
	for i, raw := range part.Commitment {
		if err := commitment[i].Deserialize(raw); err != nil {
			return nil, fmt.Errorf("synckeygen: dealer %d commitment[%d]: %w", dealer, i, err)
		}
	}

	ct, ok := part.EncryptedShares[kg.own]
	if !ok {
		return nil, fmt.Errorf("synckeygen: dealer %d sent no share for us", dealer)
	}
	eciesPriv := ecies.ImportECDSA(kg.ownPriv)
	plain, err := eciesPriv.Decrypt(ct, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("synckeygen: dealer %d: decrypt our share: %w", dealer, err)
	}
	var share bls.SecretKey
	if err := share.Deserialize(plain); err != nil {
		return nil, fmt.Errorf("synckeygen: dealer %d: deserialize our share: %w", dealer, err)
	}

	ownID := idFor(kg.own)
	var expected bls.PublicKey
	if err := expected.Set(commitment, &ownID); err != nil {
		return nil, fmt.Errorf("synckeygen: dealer %d: evaluate expected public share: %w", dealer, err)
	}
	if !share.GetPublicKey().IsEqual(&expected) {
		return nil, fmt.Errorf("synckeygen: dealer %d: our share does not match its commitment", dealer)
	}

	kg.parts[dealer] = &participant{
		commitment: commitment,
		myShare:    share,
		acks:       map[uint64]struct{}{kg.own: {}},
	}

	return &Ack{Dealer: dealer, Acker: kg.own, Digest: commitmentDigest(part.Commitment)}, nil
}

// HandleAck records an inbound Ack for a dealer we've already processed a
// Part from. Acks for unknown dealers are ignored (the caller sees them
// again once the matching Part arrives, or never, which only delays
// readiness, never corrupts it).
func (kg *SyncKeyGen) HandleAck(ack *Ack) {
	kg.mu.Lock()
	defer kg.mu.Unlock()

	p, ok := kg.parts[ack.Dealer]
	if !ok {
		return
	}
	if commitmentDigest(serializeCommitment(p.commitment)) != ack.Digest {
		return
	}
	p.acks[ack.Acker] = struct{}{}
}

func serializeCommitment(commitment []bls.PublicKey) [][]byte {
	out := make([][]byte, len(commitment))
	for i, c := range commitment {
		cc := c
		out[i] = cc.Serialize()
	}
	return out
}

// acceptedDealers returns dealers whose Part has been acked by at least
// threshold+1 distinct validators (including ourselves).
func (kg *SyncKeyGen) acceptedDealers() []uint64 {
	var accepted []uint64
	for dealer, p := range kg.parts {
		if len(p.acks) >= kg.threshold+1 {
			accepted = append(accepted, dealer)
		}
	}
	return accepted
}

// Ready reports whether enough dealers have been accepted to finalize keys.
func (kg *SyncKeyGen) Ready() bool {
	kg.mu.Lock()
	defer kg.mu.Unlock()
	return len(kg.acceptedDealers()) >= kg.threshold+1
}

// Result is the finalized threshold key material for one participant.
type Result struct {
	SecretKeyShare []byte            // this node's combined secret share, BLS-serialized
	MasterPublic   []byte            // combined group public key, BLS-serialized
	PublicShares   map[uint64][]byte // per-validator-index combined public key share
}

// Generate combines all accepted dealers' contributions into the final
// threshold key material. It fails if fewer than threshold+1 dealers have
// been accepted; it returns an error rather than panicking.
func (kg *SyncKeyGen) Generate() (*Result, error) {
	kg.mu.Lock()
	defer kg.mu.Unlock()

	accepted := kg.acceptedDealers()
	if len(accepted) < kg.threshold+1 {
		return nil, fmt.Errorf("synckeygen: only %d of %d required dealers accepted", len(accepted), kg.threshold+1)
	}

	var mySecret bls.SecretKey
	var masterPublic bls.PublicKey
	for _, dealer := range accepted {
		p := kg.parts[dealer]
		mySecret.Add(&p.myShare)
		masterPublic.Add(&p.commitment[0])
	}

	publicShares := make(map[uint64][]byte, len(kg.recipients))
	for i := range kg.recipients {
		id := idFor(uint64(i))
		var share bls.PublicKey
		for _, dealer := range accepted {
			p := kg.parts[dealer]
			var s bls.PublicKey
			if err := s.Set(p.commitment, &id); err != nil {
				return nil, fmt.Errorf("synckeygen: evaluate combined public share for %d: %w", i, err)
			}
			share.Add(&s)
		}
		publicShares[uint64(i)] = share.Serialize()
	}

	return &Result{
		SecretKeyShare: mySecret.Serialize(),
		MasterPublic:   masterPublic.Serialize(),
		PublicShares:   publicShares,
	}, nil
}

// VerifySignatureShare checks a partial BLS signature from validator index
// over msg against its combined public share.
func VerifySignatureShare(publicShare []byte, msg []byte, sigShare []byte) bool {
	var pub bls.PublicKey
	if err := pub.Deserialize(publicShare); err != nil {
		return false
	}
	var sig bls.Sign
	if err := sig.Deserialize(sigShare); err != nil {
		return false
	}
	return sig.Verify(&pub, string(msg))
}

// CombineSignatureShares Lagrange-interpolates threshold+1 partial
// signatures (each produced by the dealt secret share of the named
// validator index) into the final group signature over msg, verifying it
// against masterPublic.
func CombineSignatureShares(masterPublic []byte, msg []byte, shares map[uint64][]byte, threshold int) ([]byte, error) {
	if len(shares) < threshold+1 {
		return nil, fmt.Errorf("synckeygen: need %d signature shares, have %d", threshold+1, len(shares))
	}
	sigs := make([]bls.Sign, 0, len(shares))
	ids := make([]bls.ID, 0, len(shares))
	for idx, raw := range shares {
		var s bls.Sign
		if err := s.Deserialize(raw); err != nil {
			return nil, fmt.Errorf("synckeygen: deserialize signature share %d: %w", idx, err)
		}
		sigs = append(sigs, s)
		ids = append(ids, idFor(idx))
	}
	var combined bls.Sign
	if err := combined.Recover(sigs, ids); err != nil {
		return nil, fmt.Errorf("synckeygen: recover combined signature: %w", err)
	}
	var pub bls.PublicKey
	if err := pub.Deserialize(masterPublic); err != nil {
		return nil, fmt.Errorf("synckeygen: deserialize master public key: %w", err)
	}
	if !combined.Verify(&pub, string(msg)) {
		return nil, errors.New("synckeygen: combined signature failed verification")
	}
	return combined.Serialize(), nil
}

// Sign produces this node's partial signature over msg using its combined
// secret share.
func Sign(secretShare []byte, msg []byte) ([]byte, error) {
	var sk bls.SecretKey
	if err := sk.Deserialize(secretShare); err != nil {
		return nil, err
	}
	sig := sk.Sign(string(msg))
	return sig.Serialize(), nil
}

// PublicKeyToNodeID converts an *ecdsa.PublicKey into its devp2p NodeId
// form: the 64-byte uncompressed point without the 0x04 prefix.
func PublicKeyToNodeID(pub *ecdsa.PublicKey) [64]byte {
	var out [64]byte
	raw := crypto.FromECDSAPub(pub) // 65 bytes, 0x04 prefix
	copy(out[:], raw[1:])
	return out
}
