package supervise_test

import (
	"net"
	"net/netip"
	"strings"
	"testing"

	"github.com/aronet-dev/aronet/internal/supervise"
)

func TestRenderBirdConfigVRF(t *testing.T) {
	t.Parallel()

	conf, err := supervise.RenderBirdConfig(supervise.BirdParams{
		RouterID:   12345,
		RouteTable: 128,
		Ifname:     "aronet",
		VRF:        true,
		Networks: []netip.Prefix{
			netip.MustParsePrefix("10.10.0.0/16"),
			netip.MustParsePrefix("fd66:1234::/48"),
		},
	})
	if err != nil {
		t.Fatalf("RenderBirdConfig: %v", err)
	}

	for _, want := range []string{
		"router id 12345;",
		"kernel table 128;",
		`vrf "aronet";`,
		`interface "aronet-*" {`,
		"route 10.10.0.0/16 unreachable;",
		"route fd66:1234::/48 from ::/0 unreachable;",
		"ipv6 sadr table sadr6;",
	} {
		if !strings.Contains(conf, want) {
			t.Errorf("config missing %q:\n%s", want, conf)
		}
	}
}

func TestRenderBirdConfigNetns(t *testing.T) {
	t.Parallel()

	conf, err := supervise.RenderBirdConfig(supervise.BirdParams{
		RouterID:   1,
		RouteTable: 254,
		Ifname:     "aronet",
		VRF:        false,
		Networks:   []netip.Prefix{netip.MustParsePrefix("fd66:1234::/48")},
	})
	if err != nil {
		t.Fatalf("RenderBirdConfig: %v", err)
	}

	if strings.Contains(conf, "vrf ") {
		t.Errorf("config contains a vrf statement in namespace mode:\n%s", conf)
	}
	if strings.Contains(conf, "route  unreachable") {
		t.Errorf("config contains an empty static route:\n%s", conf)
	}
	if !strings.Contains(conf, "kernel table 254;") {
		t.Errorf("config missing kernel table statement:\n%s", conf)
	}
}

func TestRouterIDStable(t *testing.T) {
	t.Parallel()

	mac := net.HardwareAddr{0x02, 0x42, 0xac, 0x11, 0x00, 0x02}

	a := supervise.RouterID(mac)
	b := supervise.RouterID(mac)
	if a != b {
		t.Errorf("RouterID not stable: %d != %d", a, b)
	}
	if a == 0 {
		t.Error("RouterID = 0, want nonzero")
	}

	other := net.HardwareAddr{0x02, 0x42, 0xac, 0x11, 0x00, 0x03}
	if supervise.RouterID(other) == a {
		t.Error("RouterID identical for different hardware addresses")
	}
}
