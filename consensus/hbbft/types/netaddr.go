// Copyright 2024 The go-equa Authors
// This file is part of the go-equa library.

package types

import (
	"encoding/binary"
	"fmt"
	"net"
)

// EncodeInternetAddress packs addr into the 16-byte/2-byte pair the system
// contracts store: IPv4 addresses are stored left-padded with zeros (the first 12
// bytes zero, the last 4 the IPv4 octets) and the port is big-endian,
// matching how go-ethereum's own enr/enode records lay out IP fields.
func EncodeInternetAddress(addr *net.TCPAddr) (ip [16]byte, port [2]byte, err error) {
	if addr == nil {
		return ip, port, fmt.Errorf("hbbft: nil internet address")
	}
	v4 := addr.IP.To4()
	switch {
	case v4 != nil:
		copy(ip[12:], v4)
	case len(addr.IP) == 16:
		copy(ip[:], addr.IP)
	default:
		return ip, port, fmt.Errorf("hbbft: unsupported IP length %d", len(addr.IP))
	}
	if addr.Port < 0 || addr.Port > 0xffff {
		return ip, port, fmt.Errorf("hbbft: port %d out of range", addr.Port)
	}
	binary.BigEndian.PutUint16(port[:], uint16(addr.Port))
	return ip, port, nil
}

// DecodeInternetAddress is the inverse of EncodeInternetAddress. An all-zero
// ip/port pair (the contract's default storage value) decodes to nil,
// meaning "no internet address announced yet".
func DecodeInternetAddress(ip [16]byte, port [2]byte) *net.TCPAddr {
	if ip == ([16]byte{}) && port == ([2]byte{}) {
		return nil
	}
	var first8 [8]byte
	copy(first8[:], ip[:8])
	var netIP net.IP
	if first8 == ([8]byte{}) {
		netIP = net.IPv4(ip[12], ip[13], ip[14], ip[15])
	} else {
		dup := ip
		netIP = net.IP(dup[:])
	}
	return &net.TCPAddr{IP: netIP, Port: int(binary.BigEndian.Uint16(port[:]))}
}
