// Package overlay derives the fixed-role addresses of the mesh overlay
// from a single allocated IPv6 prefix.
//
// The overlay block is a /80 carved out of the allocated network by
// setting the 16 bits directly below the /64 boundary to 0xffff. Every
// role address is a small constant offset into that block, so for any
// allocation of length <= /64 the derived addresses are pairwise
// distinct by construction (48 host bits remain below the /80).
package overlay

import (
	"encoding/binary"
	"errors"
	"net/netip"
)

// Sentinel errors for scheme derivation. Both abort startup; an
// allocation that cannot host the overlay block is a configuration
// mistake, not a runtime condition.
var (
	// ErrNotIPv6 indicates the allocated network is not an IPv6 prefix.
	ErrNotIPv6 = errors.New("allocated network must be IPv6")

	// ErrPrefixTooLong indicates the allocated prefix is longer than /64
	// and cannot contain the /80 overlay block.
	ErrPrefixTooLong = errors.New("allocated network must be /64 or shorter")
)

// blockSuffix tags the overlay block: the 16 bits below the /64
// boundary are set to 0xffff, placing the block at the top of the
// allocation's /64.
const blockSuffix uint64 = 0xffff_0000_0000_0000

// overlayBits is the prefix length of the derived overlay block.
const overlayBits = 80

// Role address offsets into the overlay block.
const (
	offsetMain   = 0x1 // address of the root overlay interface
	offsetPeer   = 0x2 // namespace-side veth peer address
	offsetSIDEnd = 0xa // SRv6 End behaviour SID
	offsetSIDDX4 = 0xb // SRv6 End.DX4 (decapsulate to IPv4) SID
)

// PeerAddrV4 is the fixed IPv4 address of the namespace-side veth peer.
// IPv4 traffic leaving the namespace is NATed from this address.
var PeerAddrV4 = netip.MustParseAddr("192.168.168.168")

// Scheme holds every address derived from one allocated network.
// Immutable for the process lifetime.
type Scheme struct {
	// Allocated is the masked allocated network the scheme was derived from.
	Allocated netip.Prefix

	// Network is the /80 overlay block containing all role addresses.
	Network netip.Prefix

	// MainAddr is the address carried by the root overlay interface.
	MainAddr netip.Addr

	// PeerAddr is the address of the namespace-side veth peer.
	PeerAddr netip.Addr

	// SIDEnd is the SRv6 segment endpoint (End behaviour) address.
	SIDEnd netip.Addr

	// SIDEndDX4 is the SRv6 decapsulate-to-IPv4 (End.DX4) address.
	SIDEndDX4 netip.Addr
}

// Derive computes the overlay scheme for an allocated network.
// The allocation must be IPv6 with prefix length <= 64.
func Derive(allocated netip.Prefix) (Scheme, error) {
	addr := allocated.Addr()
	if !addr.Is6() || addr.Is4In6() {
		return Scheme{}, ErrNotIPv6
	}
	if allocated.Bits() > 64 {
		return Scheme{}, ErrPrefixTooLong
	}

	masked := allocated.Masked()
	base := addLow64(masked.Addr(), blockSuffix)

	return Scheme{
		Allocated: masked,
		Network:   netip.PrefixFrom(base, overlayBits),
		MainAddr:  addLow64(base, offsetMain),
		PeerAddr:  addLow64(base, offsetPeer),
		SIDEnd:    addLow64(base, offsetSIDEnd),
		SIDEndDX4: addLow64(base, offsetSIDDX4),
	}, nil
}

// addLow64 adds delta to the low 64 bits of a 128-bit address. The
// allocation's prefix length <= 64 guarantees those bits start at zero,
// so the addition never carries into the network part.
func addLow64(addr netip.Addr, delta uint64) netip.Addr {
	raw := addr.As16()
	low := binary.BigEndian.Uint64(raw[8:])
	binary.BigEndian.PutUint64(raw[8:], low+delta)
	return netip.AddrFrom16(raw)
}
