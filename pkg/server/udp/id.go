// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package udp

import (
	"encoding/binary"
	"net/netip"
)

// ConnectionID identifies the UDP source a session belongs to. It is
// comparable and usable as a map key for both IPv4 and IPv6 sources.
type ConnectionID struct {
	addr netip.Addr
	port uint16
}

// NewConnectionID derives the identifier for src. IPv4-mapped IPv6
// addresses map to the same identifier as their IPv4 form.
func NewConnectionID(src netip.AddrPort) ConnectionID {
	return ConnectionID{
		addr: src.Addr().Unmap(),
		port: src.Port(),
	}
}

// AddrPort returns the source endpoint the identifier was derived from.
func (id ConnectionID) AddrPort() netip.AddrPort {
	return netip.AddrPortFrom(id.addr, id.port)
}

// Packed returns the 64-bit form of an IPv4 identifier: address bytes in
// the low 32 bits (big-endian), port in bits 32 to 47. ok is false for
// non-IPv4 sources, which have no 64-bit form.
func (id ConnectionID) Packed() (packed uint64, ok bool) {
	if !id.addr.Is4() {
		return 0, false
	}
	a := id.addr.As4()
	return uint64(id.port)<<32 | uint64(binary.BigEndian.Uint32(a[:])), true
}

func (id ConnectionID) String() string {
	return id.AddrPort().String()
}
