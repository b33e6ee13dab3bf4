// Package config implements the node's configuration store: a single locked
// structure with atomic JSON persistence, monotonic update clocks per logical
// sequence, and the peer/bootstrap/mount-point editing operations.
//
// Persistence ordering is mutate-then-save under one lock hold; a crash
// between the two loses the mutation and leaves the prior consistent file on
// disk. There is no journal.
package config

import (
	"github.com/wyvernglobal/junknas/pkg/constants"
)

// WireGuard holds the overlay device settings and the node identity.
type WireGuard struct {
	InterfaceName string `json:"interface_name"`
	PrivateKey    string `json:"private_key"`
	PublicKey     string `json:"public_key"`
	WGIP          string `json:"wg_ip"`
	Endpoint      string `json:"endpoint"`
	ListenPort    int    `json:"listen_port"`
	MTU           int    `json:"mtu"`
}

// Peer is a stored mesh peer, addressed by its public key.
type Peer struct {
	PublicKey           string `json:"public_key"`
	Endpoint            string `json:"endpoint,omitempty"`
	WGIP                string `json:"wg_ip"`
	PersistentKeepalive int    `json:"persistent_keepalive,omitempty"`
	WebPort             int    `json:"web_port,omitempty"`
	PresharedKey        string `json:"preshared_key,omitempty"`
}

// Equal reports whether every stored field matches.
func (p Peer) Equal(o Peer) bool {
	return p == o
}

// Config is the full persisted node configuration. The writer always emits
// every key; unknown keys in a loaded file are ignored.
type Config struct {
	StorageSize string   `json:"storage_size"`
	DataDir     string   `json:"data_dir"`
	DataDirs    []string `json:"data_dirs"`
	MountPoint  string   `json:"mount_point"`
	WebPort     int      `json:"web_port"`
	NodeState   string   `json:"node_state"`

	WireGuard WireGuard `json:"wireguard"`

	BootstrapPeers          []string `json:"bootstrap_peers"`
	BootstrapPeersUpdatedAt int64    `json:"bootstrap_peers_updated_at"`

	WGPeers          []Peer `json:"wg_peers"`
	WGPeersUpdatedAt int64  `json:"wg_peers_updated_at"`

	DataMountPoints          []string `json:"data_mount_points"`
	DataMountPointsUpdatedAt int64    `json:"data_mount_points_updated_at"`

	Verbose    bool `json:"verbose"`
	EnableFuse bool `json:"enable_fuse"`
	DaemonMode bool `json:"daemon_mode"`

	SyncIntervalSeconds    int `json:"sync_interval_seconds"`
	PublicIPRefreshSeconds int `json:"public_ip_refresh_seconds"`
}

// Default returns the built-in configuration applied before any file overlay.
func Default() Config {
	return Config{
		StorageSize: "",
		DataDir:     "/var/lib/junknas/data",
		MountPoint:  "/mnt/junknas",
		WebPort:     constants.DefaultWebPort,
		NodeState:   constants.NodeStateNode,
		WireGuard: WireGuard{
			InterfaceName: constants.DefaultInterface,
			WGIP:          "10.99.0.1",
			ListenPort:    constants.DefaultListenPort,
			MTU:           constants.DefaultMTU,
		},
		EnableFuse:             true,
		SyncIntervalSeconds:    int(constants.SyncInterval.Seconds()),
		PublicIPRefreshSeconds: int(constants.PublicIPRefresh.Seconds()),
	}
}

// DataRoots returns the ordered backing roots: data_dirs when present,
// otherwise the single data_dir. The first root is the primary.
func (c *Config) DataRoots() []string {
	if len(c.DataDirs) > 0 {
		roots := make([]string, len(c.DataDirs))
		copy(roots, c.DataDirs)
		return roots
	}
	if c.DataDir == "" {
		return nil
	}
	return []string{c.DataDir}
}

// PrimaryRoot returns the first backing root, which hosts manifests and the
// refcount index.
func (c *Config) PrimaryRoot() string {
	roots := c.DataRoots()
	if len(roots) == 0 {
		return ""
	}
	return roots[0]
}

// QuotaBytes parses storage_size into a byte count. Zero means no quota.
func (c *Config) QuotaBytes() (uint64, error) {
	if c.StorageSize == "" {
		return 0, nil
	}
	return ParseSize(c.StorageSize)
}

// FindPeer returns the index of the peer with the given public key, or -1.
func (c *Config) FindPeer(publicKey string) int {
	for i := range c.WGPeers {
		if c.WGPeers[i].PublicKey == publicKey {
			return i
		}
	}
	return -1
}

// Clone returns a deep copy safe to hand outside the store lock.
func (c *Config) Clone() Config {
	out := *c
	out.DataDirs = append([]string(nil), c.DataDirs...)
	out.BootstrapPeers = append([]string(nil), c.BootstrapPeers...)
	out.WGPeers = append([]Peer(nil), c.WGPeers...)
	out.DataMountPoints = append([]string(nil), c.DataMountPoints...)
	return out
}

// sanitize re-checks numeric values loaded from a file, silently keeping the
// prior value for anything out of range.
func (c *Config) sanitize(prior Config) {
	if c.WebPort <= 0 || c.WebPort > 65535 {
		c.WebPort = prior.WebPort
	}
	if c.WireGuard.ListenPort <= 0 || c.WireGuard.ListenPort > 65535 {
		c.WireGuard.ListenPort = prior.WireGuard.ListenPort
	}
	if c.WireGuard.MTU < 576 || c.WireGuard.MTU > 9200 {
		c.WireGuard.MTU = prior.WireGuard.MTU
	}
	if c.SyncIntervalSeconds <= 0 {
		c.SyncIntervalSeconds = prior.SyncIntervalSeconds
	}
	if c.PublicIPRefreshSeconds <= 0 {
		c.PublicIPRefreshSeconds = prior.PublicIPRefreshSeconds
	}
	for i := range c.WGPeers {
		if c.WGPeers[i].PersistentKeepalive < 0 {
			c.WGPeers[i].PersistentKeepalive = 0
		}
		if c.WGPeers[i].WebPort < 0 || c.WGPeers[i].WebPort > 65535 {
			c.WGPeers[i].WebPort = 0
		}
	}
	if c.NodeState != constants.NodeStateNode && c.NodeState != constants.NodeStateEnd {
		c.NodeState = prior.NodeState
	}
}
