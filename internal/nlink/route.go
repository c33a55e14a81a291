package nlink

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netlink/nl"
	"golang.org/x/sys/unix"
)

// EncapKind selects the segment-routing treatment of a route.
type EncapKind int

const (
	// EncapNone installs a plain route.
	EncapNone EncapKind = iota

	// EncapSeg6 wraps matching packets with an IPv6 segment list
	// ("encapsulate").
	EncapSeg6

	// EncapSeg6LocalEnd terminates a segment at this node and forwards
	// to the next one ("decapsulate-to-endpoint", SRv6 End).
	EncapSeg6LocalEnd

	// EncapSeg6LocalEndDX4 decapsulates the inner IPv4 packet and
	// forwards it to a nexthop ("decapsulate-to-IPv4", SRv6 End.DX4).
	EncapSeg6LocalEndDX4
)

// Encap describes optional SRv6 handling attached to a route.
type Encap struct {
	Kind EncapKind

	// Segments is the segment list for EncapSeg6.
	Segments []netip.Addr

	// Nexthop4 is the inner IPv4 nexthop for EncapSeg6LocalEndDX4.
	Nexthop4 netip.Addr
}

// Route is one kernel route to ensure.
type Route struct {
	// Dst is the destination network.
	Dst netip.Prefix

	// Dev is the output interface name; empty for unreachable routes.
	Dev string

	// Gateway is the optional nexthop. An IPv6 gateway on an IPv4
	// destination is installed as an RTA_VIA nexthop.
	Gateway netip.Addr

	// Table selects the routing table; 0 means the main table.
	Table int

	// Priority is the route metric; 0 keeps the kernel default.
	Priority int

	// Unreachable installs an RTN_UNREACHABLE route instead of a
	// forwarding one.
	Unreachable bool

	// Namespace executes the operation inside a named namespace.
	Namespace string

	// Encap is the optional SRv6 treatment.
	Encap Encap
}

// EnsureRoute installs a route, treating an identical existing route as
// success.
func (c *Client) EnsureRoute(r Route) error {
	h, err := c.handle(r.Namespace)
	if err != nil {
		return err
	}

	route := &netlink.Route{
		Dst:      prefixToIPNet(r.Dst),
		Table:    r.Table,
		Priority: r.Priority,
	}

	if r.Unreachable {
		route.Type = unix.RTN_UNREACHABLE
	}

	if r.Dev != "" {
		link, err := h.LinkByName(r.Dev)
		if err != nil {
			return fmt.Errorf("%w: route device %s: %v", ErrNetlink, r.Dev, err)
		}
		route.LinkIndex = link.Attrs().Index
	}

	if r.Gateway.IsValid() {
		gw := r.Gateway.AsSlice()
		if r.Dst.Addr().Is4() && r.Gateway.Is6() {
			// IPv4 destination with an IPv6 nexthop.
			route.Via = &netlink.Via{AddrFamily: netlink.FAMILY_V6, Addr: gw}
		} else {
			route.Gw = gw
		}
	}

	switch r.Encap.Kind {
	case EncapNone:
	case EncapSeg6:
		segs := make([]net.IP, len(r.Encap.Segments))
		for i, s := range r.Encap.Segments {
			segs[i] = s.AsSlice()
		}
		route.Encap = &netlink.SEG6Encap{Mode: nl.SEG6_IPTUN_MODE_ENCAP, Segments: segs}
	case EncapSeg6LocalEnd:
		local := &netlink.SEG6LocalEncap{Action: nl.SEG6_LOCAL_ACTION_END}
		route.Encap = local
	case EncapSeg6LocalEndDX4:
		local := &netlink.SEG6LocalEncap{Action: nl.SEG6_LOCAL_ACTION_END_DX4}
		local.Flags[nl.SEG6_LOCAL_NH4] = true
		local.InAddr = r.Encap.Nexthop4.AsSlice()
		route.Encap = local
	}

	if err := h.RouteAdd(route); err != nil && !isExist(err) {
		return fmt.Errorf("%w: add route %s: %v", ErrNetlink, r.Dst, err)
	}
	return nil
}

// EnsureCatchAllUnreachable installs the low-priority unreachable
// default in the overlay routing table so traffic to unknown overlay
// destinations is rejected instead of leaking to the default table.
func (c *Client) EnsureCatchAllUnreachable(table int) error {
	// One step below the maximum metric, matching the table bootstrap
	// the daemon has always performed.
	const catchAllPriority = 4278198272

	return c.EnsureRoute(Route{
		Dst:         netip.MustParsePrefix("0.0.0.0/0"),
		Table:       table,
		Priority:    catchAllPriority,
		Unreachable: true,
	})
}

// prefixToIPNet converts a netip.Prefix into the *net.IPNet shape the
// netlink API expects.
func prefixToIPNet(p netip.Prefix) *net.IPNet {
	addr := p.Addr()
	bits := 128
	if addr.Is4() {
		bits = 32
	}
	return &net.IPNet{
		IP:   addr.AsSlice(),
		Mask: net.CIDRMask(p.Bits(), bits),
	}
}
