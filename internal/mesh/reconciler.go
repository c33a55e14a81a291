// Package mesh derives the desired tunnel set from the local
// configuration and the peer registry, and converges the IPsec engine
// onto it through the control channel.
//
// Reconciliation is convergent and idempotent: the desired state is
// recomputed wholesale on every run, pushed in full (the engine
// replaces definitions by name), and live definitions absent from the
// desired set are unloaded. Running it twice with unchanged inputs is
// a no-op. It never touches tunnel sessions or interfaces: those
// unwind through the event-driven lifecycle when the engine tears a
// session down.
package mesh

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/netip"
	"strconv"

	"github.com/aronet-dev/aronet/internal/config"
	"github.com/aronet-dev/aronet/internal/vici"
)

// Channel is the slice of the control channel the reconciler needs.
type Channel interface {
	LoadKey(pem string) error
	LoadConns(conns map[string]vici.Connection) error
	ListConnNames() ([]string, error)
	UnloadConn(name string) error
}

// State is one reconciliation result: the desired connection map and
// the route set split into locally-owned and registry-learned networks.
type State struct {
	// Connections is the desired connection set, keyed by
	// content-derived name. Ephemeral: recomputed every run.
	Connections map[string]vici.Connection

	// LocalNetworks are the locally-owned prefixes plus the allocated
	// overlay network. Always present so they are exported (as
	// unreachable statics) even before any route is learned.
	LocalNetworks []netip.Prefix

	// RemoteNetworks are the prefixes advertised by registry peers.
	RemoteNetworks []netip.Prefix
}

// BuildID derives the IKE identity of one endpoint. Identity is never
// stored; it is a pure function of the owning node and the endpoint's
// serial number.
func BuildID(organization, commonName string, ep config.Endpoint) string {
	return fmt.Sprintf("O=%s,CN=%s,serialNumber=%d", organization, commonName, ep.SerialNumber)
}

// ConnectionName derives the content-addressed connection name for an
// identity pair. The pair is ordered before hashing so both peers
// derive the same name for the same tunnel.
func ConnectionName(localID, remoteID string) string {
	a, b := localID, remoteID
	if b < a {
		a, b = b, a
	}
	sum := sha256.Sum256([]byte(a + "-" + b))
	return hex.EncodeToString(sum[:])
}

// Reconciler converges the engine onto the configured mesh.
type Reconciler struct {
	cfg *config.Config
	log *slog.Logger
}

// New creates a Reconciler.
func New(cfg *config.Config, log *slog.Logger) *Reconciler {
	return &Reconciler{
		cfg: cfg,
		log: log.With("component", "mesh"),
	}
}

// Desired computes the full desired state from the registry. Pure:
// no channel, no kernel. localPubkey is this node's public key PEM.
func (r *Reconciler) Desired(reg config.Registry, localPubkey string) *State {
	st := &State{Connections: make(map[string]vici.Connection)}

	localName := r.cfg.LocalName()

	// Locally-owned route set: configured prefixes plus the allocated
	// network, deduplicated.
	seen := make(map[netip.Prefix]struct{})
	addLocal := func(p netip.Prefix) {
		if _, ok := seen[p]; ok {
			return
		}
		seen[p] = struct{}{}
		st.LocalNetworks = append(st.LocalNetworks, p)
	}
	for _, p := range r.cfg.LocalPrefixes() {
		addLocal(p)
	}
	addLocal(r.cfg.AllocatedNetwork())

	// Registry-learned routes, one pass per node.
	seenRemote := make(map[netip.Prefix]struct{})
	for _, org := range reg {
		for _, node := range org.Nodes {
			if node.Name(org) == localName {
				continue
			}
			for _, net := range node.Networks() {
				if _, ok := seenRemote[net]; ok {
					continue
				}
				seenRemote[net] = struct{}{}
				st.RemoteNetworks = append(st.RemoteNetworks, net)
			}
		}
	}

	// Candidate connections: every (local endpoint, remote endpoint)
	// pair sharing an address family, excluding self and pairs where
	// neither side is publicly reachable.
	for _, local := range r.cfg.Endpoints {
		if !local.Usable() {
			r.log.Warn("skipping unusable local endpoint",
				"serial_number", local.SerialNumber)
			continue
		}
		localID := BuildID(r.cfg.Organization, r.cfg.CommonName, local)

		for _, org := range reg {
			for _, node := range org.Nodes {
				if node.Name(org) == localName {
					continue
				}
				for _, remote := range node.Endpoints {
					if !remote.Usable() {
						r.log.Warn("skipping unusable remote endpoint",
							"node", node.Name(org),
							"serial_number", remote.SerialNumber)
						continue
					}
					if remote.Family() != local.Family() {
						continue
					}
					if !local.Public() && !remote.Public() {
						continue
					}

					remoteID := BuildID(org.Organization, node.CommonName, remote)
					name := ConnectionName(localID, remoteID)
					st.Connections[name] = vici.NewConnection(
						vici.Auth{Auth: "pubkey", ID: localID, Pubkeys: []string{localPubkey}},
						vici.Auth{Auth: "pubkey", ID: remoteID, Pubkeys: []string{org.PublicKey}},
						local.Addrs(), remote.Addrs(),
						strconv.Itoa(local.Port), strconv.Itoa(remote.Port),
					)
				}
			}
		}
	}

	return st
}

// Apply runs one full reconciliation pass: resolve credentials, compute
// the desired state, push key and connections, then unload every live
// connection absent from the desired set. It returns the new state and
// the names it removed. Credential failures surface as ErrCredential,
// channel failures as vici.ErrChannel; neither is retried here.
func (r *Reconciler) Apply(ch Channel, reg config.Registry) (*State, []string, error) {
	keyPEM, pubPEM, err := LoadPrivateKey(r.cfg.PrivateKey)
	if err != nil {
		return nil, nil, err
	}

	st := r.Desired(reg, pubPEM)

	if err := ch.LoadKey(keyPEM); err != nil {
		return nil, nil, err
	}
	if err := ch.LoadConns(st.Connections); err != nil {
		return nil, nil, err
	}

	live, err := ch.ListConnNames()
	if err != nil {
		return nil, nil, err
	}

	var removed []string
	for _, name := range live {
		if _, ok := st.Connections[name]; ok {
			continue
		}
		if err := ch.UnloadConn(name); err != nil {
			return st, removed, err
		}
		removed = append(removed, name)
	}

	r.log.Info("reconciled mesh",
		"connections", len(st.Connections),
		"removed", len(removed),
		"remote_networks", len(st.RemoteNetworks))

	return st, removed, nil
}
