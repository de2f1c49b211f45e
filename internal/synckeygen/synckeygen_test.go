// Copyright 2024 The go-equa Authors
// This file is part of the go-equa library.

package synckeygen

import (
	"crypto/ecdsa"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

// runDKG drives a full PART/ACK round for n participants and returns every
// participant's finalized Result.
func runDKG(t *testing.T, n, threshold int) []*Result {
	t.Helper()

	privs := make([]*ecdsa.PrivateKey, n)
	pubs := make([]*ecdsa.PublicKey, n)
	for i := 0; i < n; i++ {
		priv, err := crypto.GenerateKey()
		require.NoError(t, err)
		privs[i] = priv
		pubs[i] = &priv.PublicKey
	}

	drivers := make([]*SyncKeyGen, n)
	for i := 0; i < n; i++ {
		kg, err := New(uint64(i), privs[i], pubs, threshold)
		require.NoError(t, err)
		drivers[i] = kg
	}

	for dealer := 0; dealer < n; dealer++ {
		part, err := drivers[dealer].GeneratePart()
		require.NoError(t, err)

		// Round-trip through the wire encoding, as the on-chain path does.
		raw, err := MarshalPart(part)
		require.NoError(t, err)
		decoded, err := UnmarshalPart(raw)
		require.NoError(t, err)

		acks := make([]*Ack, n)
		for acker := 0; acker < n; acker++ {
			ack, err := drivers[acker].HandlePart(uint64(dealer), decoded)
			require.NoError(t, err)
			acks[acker] = ack
		}
		for _, receiver := range drivers {
			for _, ack := range acks {
				receiver.HandleAck(ack)
			}
		}
	}

	results := make([]*Result, n)
	for i, kg := range drivers {
		require.True(t, kg.Ready(), "driver %d not ready", i)
		res, err := kg.Generate()
		require.NoError(t, err)
		results[i] = res
	}
	return results
}

func TestFullRound_AllParticipantsAgreeOnMasterKey(t *testing.T) {
	results := runDKG(t, 4, 1)
	for i := 1; i < len(results); i++ {
		require.Equal(t, results[0].MasterPublic, results[i].MasterPublic)
		require.Equal(t, results[0].PublicShares, results[i].PublicShares)
	}
}

func TestThresholdSignatureRoundTrip(t *testing.T) {
	const n, threshold = 4, 1
	results := runDKG(t, n, threshold)
	msg := []byte("block bare hash stand-in")

	shares := make(map[uint64][]byte)
	for i := 0; i < threshold+1; i++ {
		sig, err := Sign(results[i].SecretKeyShare, msg)
		require.NoError(t, err)
		require.True(t, VerifySignatureShare(results[i].PublicShares[uint64(i)], msg, sig))
		shares[uint64(i)] = sig
	}

	combined, err := CombineSignatureShares(results[0].MasterPublic, msg, shares, threshold)
	require.NoError(t, err)
	require.NotEmpty(t, combined)

	// A different t+1 subset must recover the identical group signature.
	shares2 := make(map[uint64][]byte)
	for i := n - threshold - 1; i < n; i++ {
		sig, err := Sign(results[i].SecretKeyShare, msg)
		require.NoError(t, err)
		shares2[uint64(i)] = sig
	}
	combined2, err := CombineSignatureShares(results[0].MasterPublic, msg, shares2, threshold)
	require.NoError(t, err)
	require.Equal(t, combined, combined2)
}

func TestCombine_TooFewSharesFails(t *testing.T) {
	results := runDKG(t, 4, 1)
	msg := []byte("m")
	sig, err := Sign(results[0].SecretKeyShare, msg)
	require.NoError(t, err)

	_, err = CombineSignatureShares(results[0].MasterPublic, msg, map[uint64][]byte{0: sig}, 1)
	require.Error(t, err)
}

func TestHandlePart_TamperedShareRejected(t *testing.T) {
	const n, threshold = 4, 1
	privs := make([]*ecdsa.PrivateKey, n)
	pubs := make([]*ecdsa.PublicKey, n)
	for i := 0; i < n; i++ {
		priv, err := crypto.GenerateKey()
		require.NoError(t, err)
		privs[i] = priv
		pubs[i] = &priv.PublicKey
	}
	dealer, err := New(0, privs[0], pubs, threshold)
	require.NoError(t, err)
	receiver, err := New(1, privs[1], pubs, threshold)
	require.NoError(t, err)

	part, err := dealer.GeneratePart()
	require.NoError(t, err)
	// Swap receiver 1's envelope for receiver 2's: decryption fails.
	part.EncryptedShares[1] = part.EncryptedShares[2]

	_, err = receiver.HandlePart(0, part)
	require.Error(t, err)
}
