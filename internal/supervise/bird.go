package supervise

import (
	"context"
	"fmt"
	"hash/adler32"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/aronet-dev/aronet/internal/config"
)

// birdConfTemplate drives the routing daemon. Babel runs over the
// tunnel interface pattern only; overlay networks are announced as
// unreachable statics so more specific routes learned from peers win.
// IPv6 uses source-address-dependent routing to keep overlay traffic
// out of the host's main table.
const birdConfTemplate = `log stderr all;
ipv6 sadr table sadr6;
router id {{.RouterID}};

protocol device {
  scan time 5;
}

protocol kernel {
  kernel table {{.RouteTable}};
  learn off;
  ipv6 sadr {
    export where source = RTS_BABEL;
    import none;
  };
}

protocol kernel {
  kernel table {{.RouteTable}};
  learn off;
  ipv4 {
    export where source = RTS_BABEL;
    import none;
  };
}

protocol static {
  ipv4;
{{- range .V4Networks}}
  route {{.}} unreachable;
{{- end}}
}

protocol static {
  ipv6 sadr;
{{- range .V6Networks}}
  route {{.}} from ::/0 unreachable;
{{- end}}
}

protocol babel {
{{- if .VRF}}
  vrf "{{.Ifname}}";
{{- end}}
  ipv6 sadr {
    export all;
    import all;
  };
  ipv4 {
    export all;
    import all;
  };
  interface "{{.Ifname}}-*" {
    type tunnel;
    rxcost 32;
    hello interval 20 s;
    rtt cost 1024;
    rtt max 1024 ms;
    rx buffer 2000;
    check link;
  };
}
`

var birdTemplate = template.Must(template.New("bird").Parse(birdConfTemplate))

// BirdParams is everything the routing daemon configuration depends on.
type BirdParams struct {
	// RouterID is the 32-bit babel router id.
	RouterID uint32
	// RouteTable is the kernel table routes are exported to.
	RouteTable int
	// Ifname is the root interface name; tunnel interfaces match
	// "<Ifname>-*".
	Ifname string
	// VRF pins the babel protocol to the VRF named Ifname.
	VRF bool
	// Networks are the overlay networks announced as unreachable
	// statics, both families mixed.
	Networks []netip.Prefix
}

// RenderBirdConfig renders the routing daemon configuration for the
// given parameters.
func RenderBirdConfig(p BirdParams) (string, error) {
	var v4, v6 []netip.Prefix
	for _, n := range p.Networks {
		if n.Addr().Is4() {
			v4 = append(v4, n)
		} else {
			v6 = append(v6, n)
		}
	}

	data := struct {
		RouterID   uint32
		RouteTable int
		Ifname     string
		VRF        bool
		V4Networks []netip.Prefix
		V6Networks []netip.Prefix
	}{p.RouterID, p.RouteTable, p.Ifname, p.VRF, v4, v6}

	var b strings.Builder
	if err := birdTemplate.Execute(&b, data); err != nil {
		return "", fmt.Errorf("render routing config: %w", err)
	}
	return b.String(), nil
}

// RouterID derives a stable 32-bit router id from a hardware address.
func RouterID(addr net.HardwareAddr) uint32 {
	return adler32.Checksum(addr)
}

// Netlinker is the slice of the netlink control layer the routing
// daemon supervisor needs.
type Netlinker interface {
	HardwareAddr(name string) (net.HardwareAddr, error)
	InNamespace(name string, fn func() error) error
}

// Bird supervises the routing daemon. In namespace mode the process is
// spawned inside the overlay namespace so babel only ever sees tunnel
// interfaces.
type Bird struct {
	cfg *config.Config
	nl  Netlinker
	log *slog.Logger
}

// NewBird creates a Bird supervisor.
func NewBird(cfg *config.Config, nl Netlinker, log *slog.Logger) *Bird {
	return &Bird{
		cfg: cfg,
		nl:  nl,
		log: log.With("component", "bird"),
	}
}

// Run renders the configuration, spawns the routing daemon and blocks
// until ctx is canceled or the process fails.
func (s *Bird) Run(ctx context.Context) error {
	hw, err := s.nl.HardwareAddr(s.cfg.Daemon.Ifname)
	if err != nil {
		return fmt.Errorf("router id source: %w", err)
	}

	networks := append([]netip.Prefix{}, s.cfg.LocalPrefixes()...)
	networks = append(networks, s.cfg.AllocatedNetwork())

	conf, err := RenderBirdConfig(BirdParams{
		RouterID:   RouterID(hw),
		RouteTable: s.cfg.Daemon.RouteTable,
		Ifname:     s.cfg.Daemon.Ifname,
		VRF:        !s.cfg.Daemon.UseNetns,
		Networks:   networks,
	})
	if err != nil {
		return err
	}

	path := s.cfg.BirdConfPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("routing conf: %w", err)
	}
	if err := os.WriteFile(path, []byte(conf), 0o644); err != nil {
		return fmt.Errorf("routing conf: %w", err)
	}

	var spawn Spawn
	if s.cfg.Daemon.UseNetns {
		ns := s.cfg.Daemon.NetnsName
		spawn = func(fn func() error) error {
			return s.nl.InNamespace(ns, fn)
		}
	}

	runner := NewRunner("bird", spawn, s.log)
	return runner.Run(ctx, s.cfg.BirdBinary(),
		"-c", path,
		"-P", s.cfg.BirdPidfilePath(),
		"-f",
	)
}
