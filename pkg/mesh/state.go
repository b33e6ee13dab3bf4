// Package mesh implements the mesh control plane: the sync payload and merge
// rules, peer reachability bookkeeping, the join/bootstrap protocol, the
// periodic sync loop, and WireGuard device programming.
package mesh

import (
	"github.com/wyvernglobal/junknas/pkg/config"
	"github.com/wyvernglobal/junknas/pkg/constants"
)

// State is the mesh-state payload exchanged on /mesh/peers: the sender's own
// identity and addressing plus its stored peers and advertised mount points.
type State struct {
	PublicKey        string        `json:"public_key"`
	Endpoint         string        `json:"endpoint"`
	WGIP             string        `json:"wg_ip"`
	WebPort          int           `json:"web_port"`
	NodeState        string        `json:"node_state"`
	Peers            []config.Peer `json:"peers"`
	MountPoints      []string      `json:"mount_points"`
	MountsUpdatedAt  int64         `json:"mounts_updated_at"`
	WGPeersUpdatedAt int64         `json:"wg_peers_updated_at"`
}

// BuildState assembles the local mesh state from a config snapshot. End
// nodes send an empty payload body: identity only, no peers and no mounts.
func BuildState(cfg config.Config) State {
	st := State{
		PublicKey:        cfg.WireGuard.PublicKey,
		Endpoint:         cfg.WireGuard.Endpoint,
		WGIP:             cfg.WireGuard.WGIP,
		WebPort:          cfg.WebPort,
		NodeState:        cfg.NodeState,
		WGPeersUpdatedAt: cfg.WGPeersUpdatedAt,
	}
	if cfg.NodeState == constants.NodeStateNode {
		st.Peers = append([]config.Peer(nil), cfg.WGPeers...)
		st.MountPoints = append([]string(nil), cfg.DataMountPoints...)
		st.MountsUpdatedAt = cfg.DataMountPointsUpdatedAt
	}
	return st
}

// SenderPeer extracts the sender itself as an upsertable peer entry. Returns
// false when the state carries no usable identity.
func (s State) SenderPeer() (config.Peer, bool) {
	if s.PublicKey == "" || s.WGIP == "" {
		return config.Peer{}, false
	}
	return config.Peer{
		PublicKey: s.PublicKey,
		Endpoint:  s.Endpoint,
		WGIP:      s.WGIP,
		WebPort:   s.WebPort,
	}, true
}
