// Copyright 2024 The go-equa Authors
// This file is part of the go-equa library.

package types

import (
	"net"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

func TestNodeIdAddress_MatchesCryptoDerivation(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	raw := crypto.FromECDSAPub(&key.PublicKey)

	id, err := BytesToNodeId(raw[1:])
	require.NoError(t, err)
	require.Equal(t, crypto.PubkeyToAddress(key.PublicKey), id.Address())

	recovered, err := id.ToECDSAPublicKey()
	require.NoError(t, err)
	require.True(t, key.PublicKey.Equal(recovered))
}

func TestSortNodeIds_LexicographicAndStable(t *testing.T) {
	a := NodeId{0x01}
	b := NodeId{0x02}
	c := NodeId{0x01, 0x01}

	sorted := SortNodeIds([]NodeId{b, c, a})
	require.Equal(t, []NodeId{a, c, b}, sorted)
	require.True(t, a.Less(c))
	require.False(t, b.Less(a))
}

func TestFaulty(t *testing.T) {
	cases := map[int]int{0: 0, 1: 0, 3: 0, 4: 1, 7: 2, 10: 3}
	for n, f := range cases {
		require.Equal(t, f, Faulty(n), "n=%d", n)
	}
}

func TestInternetAddressRoundTrip_IPv4(t *testing.T) {
	addr := &net.TCPAddr{IP: net.ParseIP("192.168.1.20"), Port: 30303}
	ip, port, err := EncodeInternetAddress(addr)
	require.NoError(t, err)
	require.Equal(t, byte(0x76), port[0])
	require.Equal(t, byte(0x5f), port[1])

	decoded := DecodeInternetAddress(ip, port)
	require.NotNil(t, decoded)
	require.True(t, decoded.IP.Equal(addr.IP))
	require.Equal(t, addr.Port, decoded.Port)
}

func TestInternetAddressRoundTrip_IPv6(t *testing.T) {
	addr := &net.TCPAddr{IP: net.ParseIP("2001:db8::1"), Port: 30303}
	ip, port, err := EncodeInternetAddress(addr)
	require.NoError(t, err)

	decoded := DecodeInternetAddress(ip, port)
	require.NotNil(t, decoded)
	require.True(t, decoded.IP.Equal(addr.IP))
	require.Equal(t, addr.Port, decoded.Port)
}

func TestDecodeInternetAddress_ZeroMeansUnset(t *testing.T) {
	require.Nil(t, DecodeInternetAddress([16]byte{}, [2]byte{}))
}
