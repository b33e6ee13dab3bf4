package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/wyvernglobal/junknas/pkg/constants"
	"github.com/wyvernglobal/junknas/pkg/errs"
)

// Validate checks a configuration for the invariants the rest of the runtime
// relies on. Open calls it once, after the file overlay and key setup; later
// mutations and saves do not re-run it.
func Validate(c *Config) error {
	if c.PrimaryRoot() == "" {
		return fmt.Errorf("%w: primary data dir is empty", errs.ErrInvalidArgument)
	}
	if c.MountPoint == "" {
		return fmt.Errorf("%w: mount point is empty", errs.ErrInvalidArgument)
	}
	if c.WireGuard.InterfaceName == "" {
		return fmt.Errorf("%w: interface name is empty", errs.ErrInvalidArgument)
	}
	if c.WireGuard.WGIP == "" {
		return fmt.Errorf("%w: wg_ip is empty", errs.ErrInvalidArgument)
	}
	if c.WebPort == 0 {
		return fmt.Errorf("%w: web_port is zero", errs.ErrInvalidArgument)
	}
	if c.WireGuard.ListenPort == 0 {
		return fmt.Errorf("%w: listen_port is zero", errs.ErrInvalidArgument)
	}
	if c.StorageSize != "" {
		if _, err := ParseSize(c.StorageSize); err != nil {
			return fmt.Errorf("%w: storage_size: %v", errs.ErrInvalidArgument, err)
		}
	}
	if len(c.DataDirs) > constants.MaxDataDirs {
		return fmt.Errorf("%w: %d data dirs exceeds maximum %d",
			errs.ErrInvalidArgument, len(c.DataDirs), constants.MaxDataDirs)
	}
	if len(c.WGPeers) > constants.MaxPeers {
		return fmt.Errorf("%w: %d peers exceeds maximum %d",
			errs.ErrInvalidArgument, len(c.WGPeers), constants.MaxPeers)
	}
	if len(c.BootstrapPeers) > constants.MaxBootstrapPeers {
		return fmt.Errorf("%w: %d bootstrap peers exceeds maximum %d",
			errs.ErrInvalidArgument, len(c.BootstrapPeers), constants.MaxBootstrapPeers)
	}
	if c.NodeState != constants.NodeStateNode && c.NodeState != constants.NodeStateEnd {
		return fmt.Errorf("%w: unknown node_state %q", errs.ErrInvalidArgument, c.NodeState)
	}
	seen := make(map[string]struct{}, len(c.WGPeers))
	for i := range c.WGPeers {
		p := &c.WGPeers[i]
		if p.PublicKey == "" {
			return fmt.Errorf("%w: peer %d has empty public_key", errs.ErrInvalidArgument, i)
		}
		if p.WGIP == "" {
			return fmt.Errorf("%w: peer %s has empty wg_ip", errs.ErrInvalidArgument, p.PublicKey)
		}
		if _, dup := seen[p.PublicKey]; dup {
			return fmt.Errorf("%w: duplicate peer public_key %s", errs.ErrInvalidArgument, p.PublicKey)
		}
		seen[p.PublicKey] = struct{}{}
	}
	return nil
}

// ValidateEndpoint checks a host:port string used for bootstrap peers and
// advertised endpoints.
func ValidateEndpoint(ep string) error {
	host, portStr, err := net.SplitHostPort(strings.TrimSpace(ep))
	if err != nil {
		return fmt.Errorf("%w: endpoint %q: %v", errs.ErrInvalidArgument, ep, err)
	}
	if host == "" {
		return fmt.Errorf("%w: endpoint %q has empty host", errs.ErrInvalidArgument, ep)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return fmt.Errorf("%w: endpoint %q has invalid port", errs.ErrInvalidArgument, ep)
	}
	return nil
}
