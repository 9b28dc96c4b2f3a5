package types

// NetworkConfig selects the guest network mode.
// A nil Bridge means NAT (user-mode) networking.
type NetworkConfig struct {
	Bridge *string `json:"bridge,omitempty"`
	// PortForward is a "host:guest[,host:guest...]" list, honoured only in NAT mode.
	PortForward *string `json:"port_forward,omitempty"`
}

// Bridged reports whether the guest joins a host bridge.
func (n NetworkConfig) Bridged() bool { return n.Bridge != nil }
