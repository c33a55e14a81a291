// Package config manages aronet daemon configuration using koanf/v2.
//
// The local configuration and the peer registry are both JSON documents.
// The local configuration is loaded through koanf (file + environment
// providers, ARONET_ prefix); the registry is a top-level JSON array and
// is decoded wholesale on every reconciliation.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"path/filepath"
	"strings"

	koanfjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/aronet-dev/aronet/internal/overlay"
)

// ErrInvalidConfig is wrapped by every validation failure. Validation
// failures are fatal and abort startup.
var ErrInvalidConfig = errors.New("invalid configuration")

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete local node configuration.
type Config struct {
	// PrivateKey is the node's IKE private key: inline PEM or a file path.
	PrivateKey string `koanf:"private_key"`

	// Organization is the name of the organization this node belongs to.
	Organization string `koanf:"organization"`

	// CommonName identifies this node within its organization.
	CommonName string `koanf:"common_name"`

	// Endpoints lists the local sockets offered for IKE negotiation.
	Endpoints []Endpoint `koanf:"endpoints"`

	// Daemon holds overlay and supervision settings.
	Daemon DaemonConfig `koanf:"daemon"`

	// Log holds the logging configuration.
	Log LogConfig `koanf:"log"`

	// Metrics holds the Prometheus endpoint configuration.
	Metrics MetricsConfig `koanf:"metrics"`
}

// DaemonConfig holds the overlay networking and process settings.
type DaemonConfig struct {
	// Prefixes are the locally-owned prefixes, each written as
	// "host-address/len". The host address is assigned to the root
	// overlay interface; the masked network is advertised to the mesh.
	// The key keeps the historical spelling used by peer registries.
	Prefixes []string `koanf:"prefixs"`

	// Network is the allocated IPv6 network (length <= /64) the overlay
	// block is derived from.
	Network string `koanf:"network"`

	// Ifname is the root overlay interface name and the prefix of every
	// tunnel interface name. Defaults to "aronet".
	Ifname string `koanf:"ifname"`

	// RouteTable is the kernel routing table for overlay routes.
	// Defaults to 128 in vrf mode and 254 (main) in netns mode.
	RouteTable int `koanf:"route_table"`

	// UseNetns selects namespace isolation: the root interface becomes a
	// veth pair into a named network namespace instead of a VRF.
	UseNetns bool `koanf:"use_netns"`

	// NetnsName is the namespace name in netns mode. Defaults to Ifname.
	NetnsName string `koanf:"netns_name"`

	// RuntimeDir holds generated configs, sockets and pidfiles.
	RuntimeDir string `koanf:"runtime_dir"`

	// CharonPath is the IPsec engine binary. Defaults to
	// /usr/libexec/aronet/charon.
	CharonPath string `koanf:"charon_path"`

	// BirdPath is the routing engine binary. Defaults to
	// /usr/libexec/aronet/bird.
	BirdPath string `koanf:"bird_path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
// Exposition is disabled when Addr is empty.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint.
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint.
	Path string `koanf:"path"`
}

// -------------------------------------------------------------------------
// Defaults and Loading
// -------------------------------------------------------------------------

// Default routing tables per deployment mode. The VRF device binds its
// own table; in netns mode routes live in the namespace's main table.
const (
	defaultVRFTable   = 128
	defaultNetnsTable = 254
)

// DefaultConfig returns the built-in defaults. Required fields
// (private_key, organization, common_name, endpoints, daemon.network,
// daemon.prefixs) have no defaults and must come from the file.
func DefaultConfig() *Config {
	return &Config{
		Daemon: DaemonConfig{
			Ifname:     "aronet",
			RuntimeDir: "/var/run/aronet",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Path: "/metrics",
		},
	}
}

// Load reads the local configuration from a JSON file, layers
// ARONET_-prefixed environment variables on top, applies defaults and
// validates the result.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(file.Provider(path), koanfjson.Parser()); err != nil {
		return nil, fmt.Errorf("load config file %s: %w", path, err)
	}

	// ARONET_DAEMON_RUNTIME_DIR=... overrides daemon.runtime_dir, etc.
	// Only the first underscore becomes a section separator so the key
	// names themselves keep theirs.
	if err := k.Load(env.Provider("ARONET_", ".", func(s string) string {
		s = strings.TrimPrefix(s, "ARONET_")
		s = strings.ToLower(s)
		return strings.Replace(s, "_", ".", 1)
	}), nil); err != nil {
		return nil, fmt.Errorf("load environment overrides: %w", err)
	}

	cfg := DefaultConfig()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.Daemon.NetnsName == "" {
		cfg.Daemon.NetnsName = cfg.Daemon.Ifname
	}
	if cfg.Daemon.RouteTable == 0 {
		if cfg.Daemon.UseNetns {
			cfg.Daemon.RouteTable = defaultNetnsTable
		} else {
			cfg.Daemon.RouteTable = defaultVRFTable
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the presence and well-formedness of every required
// field. It performs the same checks the original JSON schema did, plus
// the overlay derivation constraints.
func (c *Config) Validate() error {
	if c.PrivateKey == "" {
		return fmt.Errorf("%w: private_key is required", ErrInvalidConfig)
	}
	if c.Organization == "" {
		return fmt.Errorf("%w: organization is required", ErrInvalidConfig)
	}
	if c.CommonName == "" {
		return fmt.Errorf("%w: common_name is required", ErrInvalidConfig)
	}
	if len(c.Endpoints) == 0 {
		return fmt.Errorf("%w: at least one endpoint is required", ErrInvalidConfig)
	}
	for i, ep := range c.Endpoints {
		if err := ep.validate(); err != nil {
			return fmt.Errorf("%w: endpoints[%d]: %v", ErrInvalidConfig, i, err)
		}
	}

	if c.Daemon.Network == "" {
		return fmt.Errorf("%w: daemon.network is required", ErrInvalidConfig)
	}
	allocated, err := netip.ParsePrefix(c.Daemon.Network)
	if err != nil {
		return fmt.Errorf("%w: daemon.network: %v", ErrInvalidConfig, err)
	}
	if _, err := overlay.Derive(allocated); err != nil {
		return fmt.Errorf("%w: daemon.network: %v", ErrInvalidConfig, err)
	}

	if len(c.Daemon.Prefixes) == 0 {
		return fmt.Errorf("%w: daemon.prefixs is required", ErrInvalidConfig)
	}
	for _, p := range c.Daemon.Prefixes {
		if _, _, err := ParsePrefixAddr(p); err != nil {
			return fmt.Errorf("%w: daemon.prefixs: %v", ErrInvalidConfig, err)
		}
	}

	return nil
}

// AllocatedNetwork returns the parsed daemon.network prefix. Validate
// must have succeeded.
func (c *Config) AllocatedNetwork() netip.Prefix {
	return netip.MustParsePrefix(c.Daemon.Network).Masked()
}

// LocalPrefixes returns the masked networks of daemon.prefixs.
func (c *Config) LocalPrefixes() []netip.Prefix {
	nets := make([]netip.Prefix, 0, len(c.Daemon.Prefixes))
	for _, p := range c.Daemon.Prefixes {
		_, network, err := ParsePrefixAddr(p)
		if err != nil {
			continue // rejected by Validate
		}
		nets = append(nets, network)
	}
	return nets
}

// PrefixAddrs returns the host address / length pairs of daemon.prefixs:
// the addresses assigned to the root overlay interface.
func (c *Config) PrefixAddrs() []netip.Prefix {
	addrs := make([]netip.Prefix, 0, len(c.Daemon.Prefixes))
	for _, p := range c.Daemon.Prefixes {
		addr, _, err := ParsePrefixAddr(p)
		if err != nil {
			continue
		}
		addrs = append(addrs, addr)
	}
	return addrs
}

// ParsePrefixAddr parses a "host-address/len" entry and returns both
// the interface address and the masked network.
func ParsePrefixAddr(s string) (addr netip.Prefix, network netip.Prefix, err error) {
	addr, err = netip.ParsePrefix(s)
	if err != nil {
		return netip.Prefix{}, netip.Prefix{}, err
	}
	return addr, addr.Masked(), nil
}

// LocalName returns the composite "organization-common_name" identity
// used to detect this node in the registry.
func (c *Config) LocalName() string {
	return c.Organization + "-" + c.CommonName
}

// -------------------------------------------------------------------------
// Derived Paths
// -------------------------------------------------------------------------

// ViciSocketPath is the charon control socket inside the runtime dir.
func (c *Config) ViciSocketPath() string {
	return filepath.Join(c.Daemon.RuntimeDir, "charon.vici")
}

// StrongswanConfPath is the rendered charon configuration.
func (c *Config) StrongswanConfPath() string {
	return filepath.Join(c.Daemon.RuntimeDir, "strongswan.conf")
}

// BirdConfPath is the rendered routing engine configuration.
func (c *Config) BirdConfPath() string {
	return filepath.Join(c.Daemon.RuntimeDir, "bird.conf")
}

// DaemonPidfilePath is this daemon's own pidfile.
func (c *Config) DaemonPidfilePath() string {
	return filepath.Join(c.Daemon.RuntimeDir, "aronet.pid")
}

// CharonPidfilePath is written by charon itself.
func (c *Config) CharonPidfilePath() string {
	return filepath.Join(c.Daemon.RuntimeDir, "charon.pid")
}

// BirdPidfilePath is passed to bird via -P.
func (c *Config) BirdPidfilePath() string {
	return filepath.Join(c.Daemon.RuntimeDir, "bird.pid")
}

// CharonBinary returns the IPsec engine path.
func (c *Config) CharonBinary() string {
	if c.Daemon.CharonPath != "" {
		return c.Daemon.CharonPath
	}
	return "/usr/libexec/aronet/charon"
}

// BirdBinary returns the routing engine path.
func (c *Config) BirdBinary() string {
	if c.Daemon.BirdPath != "" {
		return c.Daemon.BirdPath
	}
	return "/usr/libexec/aronet/bird"
}

// -------------------------------------------------------------------------
// Logging helpers
// -------------------------------------------------------------------------

// ParseLogLevel converts a config string into an slog.Level, defaulting
// to Info on unknown values.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
