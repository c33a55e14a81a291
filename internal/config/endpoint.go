package config

import (
	"errors"
	"net/netip"
)

// Family is the address family of an endpoint.
type Family int

// Endpoint address families. Connections are only derived between
// endpoints of the same family.
const (
	FamilyIPv4 Family = iota
	FamilyIPv6
)

// String returns the registry spelling of the family.
func (f Family) String() string {
	if f == FamilyIPv6 {
		return "ip6"
	}
	return "ip4"
}

// errEndpointUnaddressable indicates an endpoint with neither an
// address nor an address family; such an endpoint cannot take part in
// negotiation on either side.
var errEndpointUnaddressable = errors.New("endpoint needs an address or an address_family")

// Endpoint describes one reachable socket for IKE negotiation, local or
// remote. An endpoint may omit its address (a node behind NAT that can
// only initiate); it then must state its address family so candidate
// pairs can still be formed.
type Endpoint struct {
	// Address is an IP address or DNS name. Empty means %any: the
	// endpoint is reachable only after it initiates.
	Address string `koanf:"address" json:"address"`

	// Port is the IKE (NAT-T) UDP port.
	Port int `koanf:"port" json:"port"`

	// SerialNumber distinguishes multiple endpoints of one node inside
	// derived IKE identities.
	SerialNumber int `koanf:"serial_number" json:"serial_number"`

	// AddressFamily is "ip4" or "ip6"; consulted only when Address is
	// empty or a DNS name.
	AddressFamily string `koanf:"address_family" json:"address_family"`
}

func (e Endpoint) validate() error {
	if e.Address == "" && e.AddressFamily == "" {
		return errEndpointUnaddressable
	}
	if e.AddressFamily != "" && e.AddressFamily != "ip4" && e.AddressFamily != "ip6" {
		return errors.New("address_family must be ip4 or ip6")
	}
	if e.Port <= 0 || e.Port > 65535 {
		return errors.New("port out of range")
	}
	return nil
}

// Usable reports whether the endpoint can take part in negotiation at
// all.
func (e Endpoint) Usable() bool {
	return e.validate() == nil
}

// Public reports whether the endpoint has a routable address of its
// own. Two endpoints that are both non-public can never reach each
// other.
func (e Endpoint) Public() bool {
	return e.Address != ""
}

// Family returns the endpoint's address family. A literal IP address
// decides; otherwise the declared address_family is used (a DNS name
// with no declaration defaults to IPv4, matching historical behaviour).
func (e Endpoint) Family() Family {
	if e.Address != "" {
		if addr, err := netip.ParseAddr(e.Address); err == nil {
			if addr.Is4() || addr.Is4In6() {
				return FamilyIPv4
			}
			return FamilyIPv6
		}
	}
	if e.AddressFamily == "ip6" {
		return FamilyIPv6
	}
	return FamilyIPv4
}

// Addrs returns the endpoint address as a vici address list: one entry,
// or none for %any endpoints.
func (e Endpoint) Addrs() []string {
	if e.Address == "" {
		return nil
	}
	return []string{e.Address}
}
