package state

import (
	"net/netip"
)

// PeerCfg is the central description of one peer: its id and the
// transport endpoints it can be reached at.
type PeerCfg struct {
	Name      string `yaml:",omitempty"`
	Id        PeerId
	Endpoints []netip.AddrPort `yaml:",omitempty"`
	// Cost is the advertised metric of this peer's endpoints, lower is
	// better. Zero means DefaultLinkCost.
	Cost uint32 `yaml:",omitempty"`
}

// CentralCfg is the network-global configuration, shared by every node.
type CentralCfg struct {
	Peers []PeerCfg
}

// LocalCfg represents node-level configuration
type LocalCfg struct {
	Id      PeerId
	Name    string         `yaml:",omitempty"`
	Bind    netip.AddrPort `yaml:",omitempty"` // address the tcp transport listens on
	LogPath string         `yaml:"log_path,omitempty"`
}

func (c *CentralCfg) GetPeer(id PeerId) *PeerCfg {
	for i := range c.Peers {
		if c.Peers[i].Id == id {
			return &c.Peers[i]
		}
	}
	return nil
}

func (c *PeerCfg) LinkCost() uint32 {
	if c.Cost == 0 {
		return DefaultLinkCost
	}
	return c.Cost
}

// DisplayName returns a human-friendly name for logging.
func (c *PeerCfg) DisplayName() string {
	if c.Name != "" {
		return c.Name
	}
	return c.Id.String()
}
