package daemon

import (
	"fmt"
	"net/netip"

	"github.com/aronet-dev/aronet/internal/config"
	"github.com/aronet-dev/aronet/internal/nlink"
	"github.com/aronet-dev/aronet/internal/overlay"
)

// setupKernel builds the mode-specific forwarding state the overlay
// needs before the engines start: the root interface with its role
// addresses, the default routes, the SRv6 local behaviours and the
// routes toward every remote overlay network.
func (d *Daemon) setupKernel() error {
	if d.cfg.Daemon.UseNetns {
		if err := d.setupNetns(); err != nil {
			return err
		}
	} else {
		if err := d.setupVRF(); err != nil {
			return err
		}
	}
	return d.setupRemoteRoutes()
}

// setupVRF binds the overlay to a VRF device. Everything enslaved to
// it (tunnel interfaces included) routes through the overlay table,
// whose catch-all unreachable keeps unknown overlay destinations from
// leaking to the main table.
func (d *Daemon) setupVRF() error {
	table := d.cfg.Daemon.RouteTable
	if err := d.nl.EnsureCatchAllUnreachable(table); err != nil {
		return err
	}

	addrs := append(d.hostAddrs(), netip.PrefixFrom(d.scheme.MainAddr, d.scheme.Network.Bits()))
	return d.nl.EnsureVRF(d.cfg.Daemon.Ifname, table, addrs)
}

// setupNetns isolates the overlay in a named network namespace joined
// to the host by a veth pair. Both ends share the interface name; they
// live in different namespaces.
func (d *Daemon) setupNetns() error {
	ns := d.cfg.Daemon.NetnsName
	ifname := d.cfg.Daemon.Ifname

	if err := d.nl.EnsureNetns(ns); err != nil {
		return err
	}

	hostAddrs := append(d.hostAddrs(), netip.PrefixFrom(d.scheme.MainAddr, d.scheme.Network.Bits()))
	peerAddrs := []netip.Prefix{
		netip.PrefixFrom(d.scheme.PeerAddr, d.scheme.Network.Bits()),
		netip.PrefixFrom(overlay.PeerAddrV4, 32),
	}
	if err := d.nl.EnsureVeth(ifname, ifname, ns, hostAddrs, peerAddrs); err != nil {
		return err
	}

	// Default routes inside the namespace point everything at the veth;
	// IPv4 rides an IPv6 nexthop since the host side carries no IPv4.
	if err := d.nl.EnsureRoute(nlink.Route{
		Dst:       netip.MustParsePrefix("::/0"),
		Dev:       ifname,
		Namespace: ns,
	}); err != nil {
		return err
	}
	if err := d.nl.EnsureRoute(nlink.Route{
		Dst:       netip.MustParsePrefix("0.0.0.0/0"),
		Dev:       ifname,
		Gateway:   d.scheme.MainAddr,
		Namespace: ns,
	}); err != nil {
		return err
	}

	// SRv6 local behaviours on the host side: segments addressed to the
	// End SID are forwarded along, End.DX4 decapsulates inner IPv4 and
	// hands it to the namespace peer.
	if err := d.nl.EnsureRoute(nlink.Route{
		Dst:   netip.PrefixFrom(d.scheme.SIDEnd, 128),
		Dev:   ifname,
		Encap: nlink.Encap{Kind: nlink.EncapSeg6LocalEnd},
	}); err != nil {
		return err
	}
	return d.nl.EnsureRoute(nlink.Route{
		Dst: netip.PrefixFrom(d.scheme.SIDEndDX4, 128),
		Dev: ifname,
		Encap: nlink.Encap{
			Kind:     nlink.EncapSeg6LocalEndDX4,
			Nexthop4: overlay.PeerAddrV4,
		},
	})
}

// setupRemoteRoutes installs one route per remote overlay network.
func (d *Daemon) setupRemoteRoutes() error {
	return SyncRemoteRoutes(d.cfg, d.reg, d.nl)
}

// SyncRemoteRoutes installs one route per remote overlay network from
// the registry. The daemon runs it at startup and the load command
// runs it after pushing a new registry.
//
// In VRF mode plain device routes through the VRF suffice for both
// families. In namespace mode IPv6 routes via the namespace peer, and
// IPv4 is carried over the IPv6 overlay by SRv6-encapsulating toward
// the remote node's decapsulation SID.
func SyncRemoteRoutes(cfg *config.Config, reg config.Registry, nl *nlink.Client) error {
	scheme, err := overlay.Derive(cfg.AllocatedNetwork())
	if err != nil {
		return err
	}
	local := cfg.LocalName()

	for _, org := range reg {
		for _, node := range org.Nodes {
			if node.Name(org) == local {
				continue
			}

			var remote overlay.Scheme
			if cfg.Daemon.UseNetns {
				remote, err = overlay.Derive(node.AllocatedNetwork())
				if err != nil {
					return fmt.Errorf("remote node %s: %w", node.Name(org), err)
				}
			}

			for _, network := range node.Networks() {
				if err := remoteRoute(cfg, nl, scheme, network, remote); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// remoteRoute installs the route for one remote network according to
// the deployment mode.
func remoteRoute(cfg *config.Config, nl *nlink.Client, scheme overlay.Scheme, network netip.Prefix, remote overlay.Scheme) error {
	r := nlink.Route{
		Dst: network,
		Dev: cfg.Daemon.Ifname,
	}

	if cfg.Daemon.UseNetns {
		if network.Addr().Is4() {
			r.Encap = nlink.Encap{
				Kind:     nlink.EncapSeg6,
				Segments: []netip.Addr{remote.SIDEndDX4},
			}
		} else {
			r.Gateway = scheme.PeerAddr
		}
	}

	return nl.EnsureRoute(r)
}

// cleanupKernel removes everything setupKernel created. It runs before
// setup to clear leftovers of an unclean exit and again on shutdown,
// so failures are logged rather than returned.
func (d *Daemon) cleanupKernel() {
	if d.cfg.Daemon.UseNetns {
		// Deleting the namespace takes the veth pair and the tunnel
		// interfaces moved into it down with it.
		if err := d.nl.RemoveNetns(d.cfg.Daemon.NetnsName); err != nil {
			d.log.Warn("failed to remove namespace", "netns", d.cfg.Daemon.NetnsName, "error", err)
		}
		if err := d.nl.RemoveLink(d.cfg.Daemon.Ifname, ""); err != nil {
			d.log.Warn("failed to remove host veth", "link", d.cfg.Daemon.Ifname, "error", err)
		}
		return
	}

	// Deleting the VRF device releases its enslaved tunnel interfaces'
	// routes; the devices themselves are keyed by engine session ids
	// and are recreated on the next session event.
	if err := d.nl.RemoveLink(d.cfg.Daemon.Ifname, ""); err != nil {
		d.log.Warn("failed to remove root interface", "link", d.cfg.Daemon.Ifname, "error", err)
	}
}

// hostAddrs returns the configured locally-owned prefix addresses for
// the root interface.
func (d *Daemon) hostAddrs() []netip.Prefix {
	return append([]netip.Prefix{}, d.cfg.PrefixAddrs()...)
}
