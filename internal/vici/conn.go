package vici

// childName is the single child SA carried by every mesh connection.
const childName = "default"

// Auth is one side's authentication block.
type Auth struct {
	Auth    string   `vici:"auth"`
	ID      string   `vici:"id"`
	Pubkeys []string `vici:"pubkeys"`
}

// Child is the traffic policy of a connection. The mesh always tunnels
// everything; routing decides what actually enters the tunnel.
type Child struct {
	LocalTS     []string `vici:"local_ts"`
	RemoteTS    []string `vici:"remote_ts"`
	Mode        string   `vici:"mode"`
	DPDAction   string   `vici:"dpd_action"`
	StartAction string   `vici:"start_action"`
	CloseAction string   `vici:"close_action"`
}

// Connection is one candidate tunnel definition as the engine consumes
// it. All values are strings: the control protocol is untyped text.
type Connection struct {
	Version     string           `vici:"version"`
	LocalAddrs  []string         `vici:"local_addrs"`
	RemoteAddrs []string         `vici:"remote_addrs"`
	LocalPort   string           `vici:"local_port"`
	RemotePort  string           `vici:"remote_port"`
	Encap       string           `vici:"encap"`
	Mobike      string           `vici:"mobike"`
	DPDDelay    string           `vici:"dpd_delay"`
	Keyingtries string           `vici:"keyingtries"`
	Unique      string           `vici:"unique"`
	IfIDIn      string           `vici:"if_id_in"`
	IfIDOut     string           `vici:"if_id_out"`
	Local       Auth             `vici:"local"`
	Remote      Auth             `vici:"remote"`
	Children    map[string]Child `vici:"children"`
}

// NewConnection builds the mesh's standard IKEv2 connection shape:
// NAT-T encapsulation, per-session interface ids allocated by the
// engine ("%unique"), wildcard traffic selectors, tunnel mode, restart
// on dead peer, negotiation started as soon as the definition loads.
func NewConnection(local, remote Auth, localAddrs, remoteAddrs []string, localPort, remotePort string) Connection {
	return Connection{
		Version:     "2",
		LocalAddrs:  localAddrs,
		RemoteAddrs: remoteAddrs,
		LocalPort:   localPort,
		RemotePort:  remotePort,
		Encap:       "yes",
		Mobike:      "no",
		DPDDelay:    "10",
		Keyingtries: "0",
		Unique:      "replace",
		IfIDIn:      "%unique",
		IfIDOut:     "%unique",
		Local:       local,
		Remote:      remote,
		Children: map[string]Child{
			childName: {
				LocalTS:     []string{"0.0.0.0/0", "::/0"},
				RemoteTS:    []string{"0.0.0.0/0", "::/0"},
				Mode:        "tunnel",
				DPDAction:   "restart",
				StartAction: "start",
				CloseAction: "none",
			},
		},
	}
}
