package config

import (
	"encoding/json"
	"fmt"
	"net/netip"
	"os"
)

// Registry is the ordered list of peer organizations. It is reloaded
// wholesale on every reconciliation; there is no incremental diffing.
type Registry []Organization

// Organization groups the nodes sharing one public key.
type Organization struct {
	// PublicKey is the PEM public key every node of the organization
	// authenticates with.
	PublicKey string `json:"public_key"`

	// Organization is the organization name.
	Organization string `json:"organization"`

	// Nodes are the member nodes.
	Nodes []Node `json:"nodes"`
}

// Node is one mesh member: its reachable endpoints and the prefixes it
// advertises.
type Node struct {
	// CommonName identifies the node within its organization.
	CommonName string `json:"common_name"`

	// Endpoints are the node's reachable sockets.
	Endpoints []Endpoint `json:"endpoints"`

	// Remarks carries the node's advertised routing information.
	Remarks Remarks `json:"remarks"`
}

// Remarks is the routing block a node publishes to the mesh.
type Remarks struct {
	// Prefixes are the networks routed to the node. Historical key
	// spelling, as in the local configuration.
	Prefixes []string `json:"prefixs"`

	// Network is the node's allocated overlay network.
	Network string `json:"network"`
}

// Name returns the node's composite "organization-common_name" identity.
func (n Node) Name(org Organization) string {
	return org.Organization + "-" + n.CommonName
}

// Networks returns the node's advertised networks: every remark prefix
// plus the allocated network, masked and deduplicated.
func (n Node) Networks() []netip.Prefix {
	seen := make(map[netip.Prefix]struct{}, len(n.Remarks.Prefixes)+1)
	var nets []netip.Prefix

	add := func(s string) {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return
		}
		masked := p.Masked()
		if _, ok := seen[masked]; ok {
			return
		}
		seen[masked] = struct{}{}
		nets = append(nets, masked)
	}

	for _, p := range n.Remarks.Prefixes {
		add(p)
	}
	if n.Remarks.Network != "" {
		add(n.Remarks.Network)
	}
	return nets
}

// AllocatedNetwork returns the node's allocated overlay network, or a
// zero prefix when absent or malformed.
func (n Node) AllocatedNetwork() netip.Prefix {
	p, err := netip.ParsePrefix(n.Remarks.Network)
	if err != nil {
		return netip.Prefix{}
	}
	return p.Masked()
}

// LoadRegistry decodes a registry file: a JSON array of organizations.
func LoadRegistry(path string) (Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load registry %s: %w", path, err)
	}

	var reg Registry
	if err := json.Unmarshal(raw, &reg); err != nil {
		return nil, fmt.Errorf("%w: registry %s: %v", ErrInvalidConfig, path, err)
	}

	for i, org := range reg {
		if org.Organization == "" {
			return nil, fmt.Errorf("%w: registry[%d]: organization is required", ErrInvalidConfig, i)
		}
		if org.PublicKey == "" {
			return nil, fmt.Errorf("%w: registry[%d] (%s): public_key is required", ErrInvalidConfig, i, org.Organization)
		}
		for j, node := range org.Nodes {
			if node.CommonName == "" {
				return nil, fmt.Errorf("%w: registry[%d].nodes[%d]: common_name is required", ErrInvalidConfig, i, j)
			}
		}
	}

	return reg, nil
}
