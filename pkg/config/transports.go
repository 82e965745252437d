package config

// TransportConfig describes which SPMD substrate to use and, for the
// networked ones, how to find the other ranks.
//
// Example YAML:
// transport:
//   kind: tcp
//   listen: [":7777"]
//   peers:
//     - rank: 0
//       address: "10.0.0.1:7777"
//     - rank: 1
//       address: "10.0.0.2:7777"
type TransportConfig struct {
	Kind   string        `mapstructure:"kind"`
	Listen []string      `mapstructure:"listen"`
	Peers  []PeerAddress `mapstructure:"peers"`
}

// PeerAddress maps one rank to a dialable address, used by the tcp and quic
// transports to resolve rank -> network endpoint.
type PeerAddress struct {
	Rank    int    `mapstructure:"rank"`
	Address string `mapstructure:"address"`
}
