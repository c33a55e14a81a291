// Package nlink is the idempotent wrapper over kernel interface, route
// and namespace state, built on vishvananda/netlink.
//
// Every Ensure operation swallows "already exists" kernel errors and
// every Remove operation swallows "not found", so callers can replay
// operations after redelivered events or restarts without special
// casing. All other kernel errors propagate wrapped in ErrNetlink.
//
// A Client keeps one netlink handle per network namespace, mirroring
// the ownership model of the daemon: the handle map is only ever
// touched from the single goroutine that mutates kernel state.
package nlink

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"runtime"

	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
	"golang.org/x/sys/unix"
)

// ErrNetlink wraps every kernel error that is not absorbed as
// idempotent success.
var ErrNetlink = errors.New("netlink")

// tunnelMTU is the MTU clamped onto every tunnel interface, leaving
// room for the ESP and outer IP headers.
const tunnelMTU = 1400

// rootNamespace keys the handle of the namespace the daemon started in.
const rootNamespace = ""

// Client executes kernel networking operations, optionally inside
// named network namespaces.
type Client struct {
	log     *slog.Logger
	handles map[string]*netlink.Handle
}

// New creates a Client with a handle for the root namespace.
func New(log *slog.Logger) (*Client, error) {
	h, err := netlink.NewHandle()
	if err != nil {
		return nil, fmt.Errorf("%w: open handle: %v", ErrNetlink, err)
	}
	return &Client{
		log:     log.With("component", "netlink"),
		handles: map[string]*netlink.Handle{rootNamespace: h},
	}, nil
}

// Close releases all kernel handles.
func (c *Client) Close() {
	for _, h := range c.handles {
		h.Close()
	}
}

// handle returns the netlink handle for a namespace, opening and
// caching it on first use. Empty name means the root namespace.
func (c *Client) handle(name string) (*netlink.Handle, error) {
	if h, ok := c.handles[name]; ok {
		return h, nil
	}
	ns, err := netns.GetFromName(name)
	if err != nil {
		return nil, fmt.Errorf("%w: namespace %s: %v", ErrNetlink, name, err)
	}
	defer ns.Close()

	h, err := netlink.NewHandleAt(ns)
	if err != nil {
		return nil, fmt.Errorf("%w: open handle in %s: %v", ErrNetlink, name, err)
	}
	c.handles[name] = h
	return h, nil
}

// isExist reports an "already exists" kernel error.
func isExist(err error) bool {
	return errors.Is(err, os.ErrExist) || errors.Is(err, unix.EEXIST)
}

// isNotFound reports a "no such object" kernel error, including the
// typed lookup failure netlink returns for unknown link names.
func isNotFound(err error) bool {
	var lnf netlink.LinkNotFoundError
	return errors.As(err, &lnf) ||
		errors.Is(err, os.ErrNotExist) ||
		errors.Is(err, unix.ENODEV) ||
		errors.Is(err, unix.ESRCH)
}

// -------------------------------------------------------------------------
// Links
// -------------------------------------------------------------------------

// LinkExists reports whether a link name is present in a namespace.
func (c *Client) LinkExists(name, namespace string) bool {
	h, err := c.handle(namespace)
	if err != nil {
		return false
	}
	_, err = h.LinkByName(name)
	return err == nil
}

// HardwareAddr returns the MAC address of a root-namespace link, or nil
// when the link has none.
func (c *Client) HardwareAddr(name string) (net.HardwareAddr, error) {
	h, err := c.handle(rootNamespace)
	if err != nil {
		return nil, err
	}
	link, err := h.LinkByName(name)
	if err != nil {
		return nil, fmt.Errorf("%w: link %s: %v", ErrNetlink, name, err)
	}
	return link.Attrs().HardwareAddr, nil
}

// EnsureVRF creates a VRF device bound to a routing table, assigns the
// given addresses and brings it up. Existing device and addresses are
// accepted as-is.
func (c *Client) EnsureVRF(name string, table int, addrs []netip.Prefix) error {
	h, err := c.handle(rootNamespace)
	if err != nil {
		return err
	}

	vrf := &netlink.Vrf{
		LinkAttrs: netlink.LinkAttrs{Name: name},
		Table:     uint32(table),
	}
	if err := h.LinkAdd(vrf); err != nil && !isExist(err) {
		return fmt.Errorf("%w: add vrf %s: %v", ErrNetlink, name, err)
	}

	link, err := h.LinkByName(name)
	if err != nil {
		return fmt.Errorf("%w: vrf %s vanished: %v", ErrNetlink, name, err)
	}
	if err := c.ensureAddrs(h, link, addrs); err != nil {
		return err
	}
	if err := h.LinkSetUp(link); err != nil {
		return fmt.Errorf("%w: set %s up: %v", ErrNetlink, name, err)
	}
	return nil
}

// EnsureXfrm creates an xfrm interface bound to a tunnel session id,
// optionally enslaved to a master device, MTU-clamped, multicast
// (required by the routing protocol) and up. An existing interface of
// the same name is treated as success.
func (c *Client) EnsureXfrm(name string, ifid uint32, master string) error {
	h, err := c.handle(rootNamespace)
	if err != nil {
		return err
	}

	attrs := netlink.NewLinkAttrs()
	attrs.Name = name
	attrs.MTU = tunnelMTU
	if master != "" {
		m, err := h.LinkByName(master)
		if err != nil {
			return fmt.Errorf("%w: master %s: %v", ErrNetlink, master, err)
		}
		attrs.MasterIndex = m.Attrs().Index
	}

	xfrm := &netlink.Xfrmi{LinkAttrs: attrs, Ifid: ifid}
	if err := h.LinkAdd(xfrm); err != nil {
		if isExist(err) {
			return nil
		}
		return fmt.Errorf("%w: add xfrm %s: %v", ErrNetlink, name, err)
	}

	link, err := h.LinkByName(name)
	if err != nil {
		return fmt.Errorf("%w: xfrm %s vanished: %v", ErrNetlink, name, err)
	}
	if err := h.LinkSetMulticastOn(link); err != nil {
		return fmt.Errorf("%w: set %s multicast: %v", ErrNetlink, name, err)
	}
	if err := h.LinkSetUp(link); err != nil {
		return fmt.Errorf("%w: set %s up: %v", ErrNetlink, name, err)
	}
	return nil
}

// EnsureVeth creates a veth pair whose peer end lives in peerNamespace,
// assigns addresses to both ends and brings both up. Both ends may
// share a name since they live in different namespaces.
func (c *Client) EnsureVeth(name, peerName, peerNamespace string, addrs, peerAddrs []netip.Prefix) error {
	h, err := c.handle(rootNamespace)
	if err != nil {
		return err
	}

	veth := &netlink.Veth{
		LinkAttrs: netlink.LinkAttrs{Name: name},
		PeerName:  peerName,
	}
	if peerNamespace != "" {
		ns, err := netns.GetFromName(peerNamespace)
		if err != nil {
			return fmt.Errorf("%w: namespace %s: %v", ErrNetlink, peerNamespace, err)
		}
		defer ns.Close()
		veth.PeerNamespace = netlink.NsFd(ns)
	}
	if err := h.LinkAdd(veth); err != nil && !isExist(err) {
		return fmt.Errorf("%w: add veth %s: %v", ErrNetlink, name, err)
	}

	link, err := h.LinkByName(name)
	if err != nil {
		return fmt.Errorf("%w: veth %s vanished: %v", ErrNetlink, name, err)
	}
	if err := c.ensureAddrs(h, link, addrs); err != nil {
		return err
	}
	if err := h.LinkSetUp(link); err != nil {
		return fmt.Errorf("%w: set %s up: %v", ErrNetlink, name, err)
	}

	ph, err := c.handle(peerNamespace)
	if err != nil {
		return err
	}
	peer, err := ph.LinkByName(peerName)
	if err != nil {
		return fmt.Errorf("%w: veth peer %s in %s: %v", ErrNetlink, peerName, peerNamespace, err)
	}
	if err := c.ensureAddrs(ph, peer, peerAddrs); err != nil {
		return err
	}
	if err := ph.LinkSetUp(peer); err != nil {
		return fmt.Errorf("%w: set peer %s up: %v", ErrNetlink, peerName, err)
	}
	return nil
}

// MoveLinkToNetns moves a root-namespace link into a named namespace
// and brings it up there.
func (c *Client) MoveLinkToNetns(name, namespace string) error {
	h, err := c.handle(rootNamespace)
	if err != nil {
		return err
	}
	link, err := h.LinkByName(name)
	if err != nil {
		return fmt.Errorf("%w: link %s: %v", ErrNetlink, name, err)
	}

	ns, err := netns.GetFromName(namespace)
	if err != nil {
		return fmt.Errorf("%w: namespace %s: %v", ErrNetlink, namespace, err)
	}
	defer ns.Close()

	if err := h.LinkSetNsFd(link, int(ns)); err != nil {
		return fmt.Errorf("%w: move %s to %s: %v", ErrNetlink, name, namespace, err)
	}

	nh, err := c.handle(namespace)
	if err != nil {
		return err
	}
	moved, err := nh.LinkByName(name)
	if err != nil {
		return fmt.Errorf("%w: link %s after move: %v", ErrNetlink, name, err)
	}
	if err := nh.LinkSetUp(moved); err != nil {
		return fmt.Errorf("%w: set %s up in %s: %v", ErrNetlink, name, namespace, err)
	}
	return nil
}

// RemoveLink deletes a link by name in a namespace. A missing link is
// success.
func (c *Client) RemoveLink(name, namespace string) error {
	h, err := c.handle(namespace)
	if err != nil {
		return err
	}
	link, err := h.LinkByName(name)
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return fmt.Errorf("%w: link %s: %v", ErrNetlink, name, err)
	}
	if err := h.LinkDel(link); err != nil && !isNotFound(err) {
		return fmt.Errorf("%w: delete %s: %v", ErrNetlink, name, err)
	}
	return nil
}

func (c *Client) ensureAddrs(h *netlink.Handle, link netlink.Link, addrs []netip.Prefix) error {
	for _, p := range addrs {
		addr := &netlink.Addr{IPNet: prefixToIPNet(p)}
		if err := h.AddrAdd(link, addr); err != nil && !isExist(err) {
			return fmt.Errorf("%w: add address %s to %s: %v", ErrNetlink, p, link.Attrs().Name, err)
		}
	}
	return nil
}

// -------------------------------------------------------------------------
// Namespaces
// -------------------------------------------------------------------------

// EnsureNetns creates a named network namespace. An existing namespace
// is success. The calling goroutine's own namespace is preserved.
func (c *Client) EnsureNetns(name string) error {
	if ns, err := netns.GetFromName(name); err == nil {
		ns.Close()
		return nil
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	orig, err := netns.Get()
	if err != nil {
		return fmt.Errorf("%w: current namespace: %v", ErrNetlink, err)
	}
	defer orig.Close()

	ns, err := netns.NewNamed(name)
	if err != nil && !isExist(err) {
		return fmt.Errorf("%w: create namespace %s: %v", ErrNetlink, name, err)
	}
	if err == nil {
		ns.Close()
	}
	if err := netns.Set(orig); err != nil {
		return fmt.Errorf("%w: restore namespace: %v", ErrNetlink, err)
	}
	return nil
}

// RemoveNetns deletes a named namespace; missing is success. Any cached
// handle for it is dropped.
func (c *Client) RemoveNetns(name string) error {
	if h, ok := c.handles[name]; ok {
		h.Close()
		delete(c.handles, name)
	}
	if err := netns.DeleteNamed(name); err != nil && !isNotFound(err) {
		return fmt.Errorf("%w: delete namespace %s: %v", ErrNetlink, name, err)
	}
	return nil
}

// InNamespace runs fn with the calling goroutine entered into a named
// namespace, restoring the original namespace afterwards. Used to spawn
// subprocesses inside the namespace. Empty name runs fn directly.
func (c *Client) InNamespace(name string, fn func() error) error {
	if name == "" {
		return fn()
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	orig, err := netns.Get()
	if err != nil {
		return fmt.Errorf("%w: current namespace: %v", ErrNetlink, err)
	}
	defer orig.Close()

	ns, err := netns.GetFromName(name)
	if err != nil {
		return fmt.Errorf("%w: namespace %s: %v", ErrNetlink, name, err)
	}
	defer ns.Close()

	if err := netns.Set(ns); err != nil {
		return fmt.Errorf("%w: enter namespace %s: %v", ErrNetlink, name, err)
	}
	defer func() {
		if err := netns.Set(orig); err != nil {
			c.log.Error("failed to restore namespace", "error", err)
		}
	}()

	return fn()
}
