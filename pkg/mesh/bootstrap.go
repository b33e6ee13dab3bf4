package mesh

import (
	"context"
	"fmt"
	"net"

	"github.com/wyvernglobal/junknas/pkg/config"
	"github.com/wyvernglobal/junknas/pkg/constants"
	"github.com/wyvernglobal/junknas/pkg/errs"
	"github.com/wyvernglobal/junknas/pkg/identity"
)

// JoinConfig is the document a hub mints for a joining node: the new node's
// key pair and overlay address plus everything needed to reach the hub.
type JoinConfig struct {
	PeerPrivateKey  string `json:"peer_private_key"`
	PeerPublicKey   string `json:"peer_public_key"`
	PeerWGIP        string `json:"peer_wg_ip"`
	ServerPublicKey string `json:"server_public_key"`
	ServerEndpoint  string `json:"server_endpoint"`
	ServerWGIP      string `json:"server_wg_ip"`
	ServerWebPort   int    `json:"server_web_port"`
}

// JoinRequest is the body of POST /mesh/join.
type JoinRequest struct {
	JoinConfig
	AllowAlternate bool `json:"allow_alternate,omitempty"`
}

// AlternateRequest rotates a stored peer's public key, keyed by overlay IP.
type AlternateRequest struct {
	WGIP      string `json:"wg_ip"`
	PublicKey string `json:"public_key"`
}

// Mint creates a join-config on this node: a fresh key pair for the joiner,
// a free overlay address from the local subnet, and a skeletal peer entry so
// the address stays allocated. Only node-role hosts may mint.
func (c *Coordinator) Mint() (JoinConfig, error) {
	cfg := c.cfg.Snapshot()
	if cfg.NodeState != constants.NodeStateNode {
		return JoinConfig{}, fmt.Errorf("%w: join-config minting requires node role", errs.ErrForbidden)
	}

	peerPriv, err := identity.GenerateKey()
	if err != nil {
		return JoinConfig{}, err
	}
	peerIP, err := AllocatePeerIP(&cfg)
	if err != nil {
		return JoinConfig{}, err
	}

	res, err := c.cfg.UpsertPeer(config.Peer{
		PublicKey: peerPriv.Public().String(),
		WGIP:      peerIP,
	})
	if err != nil {
		return JoinConfig{}, err
	}
	if res == config.UpsertFull {
		return JoinConfig{}, fmt.Errorf("%w: cannot admit another peer", errs.ErrPeerFull)
	}

	return JoinConfig{
		PeerPrivateKey:  peerPriv.String(),
		PeerPublicKey:   peerPriv.Public().String(),
		PeerWGIP:        peerIP,
		ServerPublicKey: cfg.WireGuard.PublicKey,
		ServerEndpoint:  cfg.WireGuard.Endpoint,
		ServerWGIP:      cfg.WireGuard.WGIP,
		ServerWebPort:   cfg.WebPort,
	}, nil
}

// Join adopts a minted join-config as this node's identity and stores the
// hub as a peer. With allowAlternate the minted key is treated as
// compromised-by-transport: a second key pair is generated immediately, the
// hub is informed through /mesh/alternate, and the node continues under the
// new identity. The minted key is invalidated as soon as the rotation lands.
func (c *Coordinator) Join(ctx context.Context, req JoinRequest) error {
	priv, err := identity.ParseKey(req.PeerPrivateKey)
	if err != nil {
		return fmt.Errorf("%w: peer_private_key: %v", errs.ErrInvalidArgument, err)
	}
	if req.PeerWGIP == "" || req.ServerPublicKey == "" || req.ServerWGIP == "" {
		return fmt.Errorf("%w: incomplete join config", errs.ErrInvalidArgument)
	}

	if err := c.cfg.ReplaceIdentity(priv); err != nil {
		return err
	}
	if err := c.cfg.Mutate(func(cfg *config.Config) error {
		cfg.WireGuard.WGIP = req.PeerWGIP
		return nil
	}); err != nil {
		return err
	}

	webPort := req.ServerWebPort
	if webPort == 0 {
		webPort = constants.DefaultWebPort
	}
	if _, err := c.cfg.UpsertPeer(config.Peer{
		PublicKey: req.ServerPublicKey,
		Endpoint:  req.ServerEndpoint,
		WGIP:      req.ServerWGIP,
		WebPort:   webPort,
	}); err != nil {
		return err
	}

	if !req.AllowAlternate {
		return nil
	}

	rotated, err := identity.GenerateKey()
	if err != nil {
		return err
	}
	target, err := serverWebTarget(req.JoinConfig)
	if err != nil {
		return err
	}
	if err := c.client.PostAlternate(ctx, target, AlternateRequest{
		WGIP:      req.PeerWGIP,
		PublicKey: rotated.Public().String(),
	}); err != nil {
		return fmt.Errorf("failed to publish alternate key: %w", err)
	}
	return c.cfg.ReplaceIdentity(rotated)
}

// Alternate handles the hub side of a key rotation: the peer at wg_ip gets
// the new public key, every other field kept.
func (c *Coordinator) Alternate(req AlternateRequest) error {
	if req.WGIP == "" || !identity.Valid(req.PublicKey) {
		return fmt.Errorf("%w: alternate request needs wg_ip and a valid public_key", errs.ErrInvalidArgument)
	}
	return c.cfg.Mutate(func(cfg *config.Config) error {
		for i := range cfg.WGPeers {
			if cfg.WGPeers[i].WGIP == req.WGIP {
				if cfg.WGPeers[i].PublicKey == req.PublicKey {
					return nil
				}
				cfg.WGPeers[i].PublicKey = req.PublicKey
				cfg.WGPeersUpdatedAt = c.cfg.Bump(cfg.WGPeersUpdatedAt)
				return nil
			}
		}
		return fmt.Errorf("%w: no peer at %s", errs.ErrNotFound, req.WGIP)
	})
}

// serverWebTarget derives the hub's web host:port from a join config: the
// endpoint host carries the HTTP listener on the hub's web port.
func serverWebTarget(jc JoinConfig) (string, error) {
	host, _, err := net.SplitHostPort(jc.ServerEndpoint)
	if err != nil || host == "" {
		return "", fmt.Errorf("%w: server_endpoint %q", errs.ErrInvalidArgument, jc.ServerEndpoint)
	}
	port := jc.ServerWebPort
	if port == 0 {
		port = constants.DefaultWebPort
	}
	return hostPort(host, port), nil
}
