package mesh_test

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"io"
	"log/slog"
	"net/netip"
	"slices"
	"testing"

	"github.com/aronet-dev/aronet/internal/config"
	"github.com/aronet-dev/aronet/internal/mesh"
	"github.com/aronet-dev/aronet/internal/vici"
)

// testKeyPEM generates a fresh PKCS#8 EC private key.
func testKeyPEM(t *testing.T) string {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}))
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()

	cfg := &config.Config{
		PrivateKey:   testKeyPEM(t),
		Organization: "org",
		CommonName:   "alice",
		Endpoints: []config.Endpoint{
			{Address: "203.0.113.1", Port: 12025},
		},
	}
	cfg.Daemon.Prefixes = []string{"fd66:1234::1/64"}
	cfg.Daemon.Network = "fd66:1234::/48"
	cfg.Daemon.Ifname = "aronet"
	return cfg
}

// testRegistry returns a registry with one peer organization holding
// one node with one IPv4 endpoint and prefix fd00:1::/64.
func testRegistry() config.Registry {
	return config.Registry{
		{
			PublicKey:    "PEER-PUBKEY-PEM",
			Organization: "peerorg",
			Nodes: []config.Node{
				{
					CommonName: "bob",
					Endpoints: []config.Endpoint{
						{Address: "198.51.100.7", Port: 12025},
					},
					Remarks: config.Remarks{
						Prefixes: []string{"fd00:1::/64"},
						Network:  "fd00:2::/48",
					},
				},
			},
		},
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeChannel records control channel calls and tracks the live
// connection set the way the engine would.
type fakeChannel struct {
	key      string
	live     map[string]struct{}
	unloaded []string
}

func newFakeChannel(live ...string) *fakeChannel {
	f := &fakeChannel{live: make(map[string]struct{})}
	for _, name := range live {
		f.live[name] = struct{}{}
	}
	return f
}

func (f *fakeChannel) LoadKey(pem string) error {
	f.key = pem
	return nil
}

func (f *fakeChannel) LoadConns(conns map[string]vici.Connection) error {
	for name := range conns {
		f.live[name] = struct{}{}
	}
	return nil
}

func (f *fakeChannel) ListConnNames() ([]string, error) {
	names := make([]string, 0, len(f.live))
	for name := range f.live {
		names = append(names, name)
	}
	return names, nil
}

func (f *fakeChannel) UnloadConn(name string) error {
	delete(f.live, name)
	f.unloaded = append(f.unloaded, name)
	return nil
}

func TestConnectionNameSymmetric(t *testing.T) {
	t.Parallel()

	a := "O=org,CN=alice,serialNumber=0"
	b := "O=peerorg,CN=bob,serialNumber=0"

	if mesh.ConnectionName(a, b) != mesh.ConnectionName(b, a) {
		t.Error("ConnectionName depends on argument order")
	}
	if mesh.ConnectionName(a, b) == mesh.ConnectionName(a, a) {
		t.Error("ConnectionName collides for distinct pairs")
	}
}

func TestBuildID(t *testing.T) {
	t.Parallel()

	got := mesh.BuildID("org", "alice", config.Endpoint{SerialNumber: 3})
	want := "O=org,CN=alice,serialNumber=3"
	if got != want {
		t.Errorf("BuildID = %q, want %q", got, want)
	}
}

func TestDesiredSingleConnection(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	r := mesh.New(cfg, testLogger())

	st := r.Desired(testRegistry(), "LOCAL-PUBKEY-PEM")

	if len(st.Connections) != 1 {
		t.Fatalf("connections = %d, want 1", len(st.Connections))
	}

	localID := mesh.BuildID("org", "alice", cfg.Endpoints[0])
	remoteID := "O=peerorg,CN=bob,serialNumber=0"
	wantName := mesh.ConnectionName(localID, remoteID)

	conn, ok := st.Connections[wantName]
	if !ok {
		t.Fatalf("connection %q missing", wantName)
	}
	if conn.Version != "2" {
		t.Errorf("version = %q, want 2", conn.Version)
	}
	if conn.Encap != "yes" {
		t.Errorf("encap = %q, want yes", conn.Encap)
	}
	if conn.IfIDIn != "%unique" || conn.IfIDOut != "%unique" {
		t.Errorf("if_id = %q/%q, want %%unique", conn.IfIDIn, conn.IfIDOut)
	}
	if conn.Local.ID != localID || conn.Remote.ID != remoteID {
		t.Errorf("identities = %q/%q", conn.Local.ID, conn.Remote.ID)
	}
	if len(conn.Remote.Pubkeys) != 1 || conn.Remote.Pubkeys[0] != "PEER-PUBKEY-PEM" {
		t.Errorf("remote pubkeys = %v", conn.Remote.Pubkeys)
	}

	if !slices.Contains(st.RemoteNetworks, netip.MustParsePrefix("fd00:1::/64")) {
		t.Errorf("remote networks missing fd00:1::/64: %v", st.RemoteNetworks)
	}
	if !slices.Contains(st.LocalNetworks, netip.MustParsePrefix("fd66:1234::/48")) {
		t.Errorf("local networks missing allocated network: %v", st.LocalNetworks)
	}
}

func TestDesiredExcludesSelf(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	r := mesh.New(cfg, testLogger())

	reg := config.Registry{
		{
			PublicKey:    "OWN-ORG-PUBKEY",
			Organization: "org",
			Nodes: []config.Node{
				{
					CommonName: "alice",
					Endpoints:  []config.Endpoint{{Address: "203.0.113.1", Port: 12025}},
					Remarks:    config.Remarks{Network: "fd66:1234::/48"},
				},
			},
		},
	}

	st := r.Desired(reg, "LOCAL-PUBKEY-PEM")
	if len(st.Connections) != 0 {
		t.Errorf("connections to self = %d, want 0", len(st.Connections))
	}
	if len(st.RemoteNetworks) != 0 {
		t.Errorf("remote networks from self = %v, want none", st.RemoteNetworks)
	}
}

func TestDesiredFamilyMatching(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t) // one IPv4 endpoint
	r := mesh.New(cfg, testLogger())

	reg := testRegistry()
	reg[0].Nodes[0].Endpoints = []config.Endpoint{
		{Address: "2001:db8::7", Port: 12025},
	}

	st := r.Desired(reg, "LOCAL-PUBKEY-PEM")
	if len(st.Connections) != 0 {
		t.Errorf("cross-family connections = %d, want 0", len(st.Connections))
	}
}

func TestDesiredSkipsDoubleNAT(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	// Local endpoint with no address: reachable family only.
	cfg.Endpoints = []config.Endpoint{
		{Port: 12025, AddressFamily: "ip4"},
	}
	r := mesh.New(cfg, testLogger())

	reg := testRegistry()
	// Remote endpoint also without an address: neither side can
	// initiate toward the other.
	reg[0].Nodes[0].Endpoints = []config.Endpoint{
		{Port: 12025, AddressFamily: "ip4"},
	}

	st := r.Desired(reg, "LOCAL-PUBKEY-PEM")
	if len(st.Connections) != 0 {
		t.Errorf("double-NAT connections = %d, want 0", len(st.Connections))
	}
}

func TestApplyRemovesStale(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	r := mesh.New(cfg, testLogger())

	ch := newFakeChannel("stale-connection")

	st, removed, err := r.Apply(ch, testRegistry())
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(st.Connections) != 1 {
		t.Fatalf("connections = %d, want 1", len(st.Connections))
	}
	if len(removed) != 1 || removed[0] != "stale-connection" {
		t.Errorf("removed = %v, want [stale-connection]", removed)
	}
	if ch.key == "" {
		t.Error("private key was not loaded")
	}

	// A second pass with unchanged inputs must remove nothing.
	_, removed, err = r.Apply(ch, testRegistry())
	if err != nil {
		t.Fatalf("second Apply: %v", err)
	}
	if len(removed) != 0 {
		t.Errorf("second Apply removed %v, want none", removed)
	}
}

func TestApplyPeerRemoval(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	r := mesh.New(cfg, testLogger())

	ch := newFakeChannel()
	st, _, err := r.Apply(ch, testRegistry())
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	var loaded string
	for name := range st.Connections {
		loaded = name
	}

	// The peer disappears from the registry: its connection must be
	// unloaded by name.
	_, removed, err := r.Apply(ch, config.Registry{})
	if err != nil {
		t.Fatalf("Apply with empty registry: %v", err)
	}
	if len(removed) != 1 || removed[0] != loaded {
		t.Errorf("removed = %v, want [%s]", removed, loaded)
	}
}
