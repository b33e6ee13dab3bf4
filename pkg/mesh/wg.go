package mesh

import (
	"fmt"
	"net"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/wyvernglobal/junknas/pkg/config"
)

// DeviceProgrammer applies the stored peer list to the overlay device. The
// coordinator is the only caller, always from the mesh goroutine.
type DeviceProgrammer interface {
	Apply(cfg config.Config) error
}

// WGCtlProgrammer programs a kernel WireGuard device through wgctrl.
type WGCtlProgrammer struct{}

// Apply replaces the device configuration wholesale: interface private key,
// listen port, and the full stored peer list.
func (WGCtlProgrammer) Apply(cfg config.Config) error {
	client, err := wgctrl.New()
	if err != nil {
		return fmt.Errorf("failed to open wgctrl: %w", err)
	}
	defer client.Close()

	priv, err := wgtypes.ParseKey(cfg.WireGuard.PrivateKey)
	if err != nil {
		return fmt.Errorf("failed to parse interface private key: %w", err)
	}

	peers := make([]wgtypes.PeerConfig, 0, len(cfg.WGPeers))
	for _, p := range cfg.WGPeers {
		pc, err := peerConfig(p)
		if err != nil {
			return err
		}
		peers = append(peers, pc)
	}

	port := cfg.WireGuard.ListenPort
	return client.ConfigureDevice(cfg.WireGuard.InterfaceName, wgtypes.Config{
		PrivateKey:   &priv,
		ListenPort:   &port,
		ReplacePeers: true,
		Peers:        peers,
	})
}

// peerConfig converts a stored peer into the wgtypes form: resolved endpoint,
// wg_ip/32 as the allowed IP, keepalive when set.
func peerConfig(p config.Peer) (wgtypes.PeerConfig, error) {
	pub, err := wgtypes.ParseKey(p.PublicKey)
	if err != nil {
		return wgtypes.PeerConfig{}, fmt.Errorf("failed to parse peer key %s: %w", p.PublicKey, err)
	}

	ip := net.ParseIP(p.WGIP)
	if ip == nil || ip.To4() == nil {
		return wgtypes.PeerConfig{}, fmt.Errorf("peer %s has unusable wg_ip %q", p.PublicKey, p.WGIP)
	}
	allowed := net.IPNet{IP: ip.To4(), Mask: net.CIDRMask(32, 32)}

	pc := wgtypes.PeerConfig{
		PublicKey:         pub,
		ReplaceAllowedIPs: true,
		AllowedIPs:        []net.IPNet{allowed},
	}
	if p.Endpoint != "" {
		addr, err := net.ResolveUDPAddr("udp", p.Endpoint)
		if err != nil {
			return wgtypes.PeerConfig{}, fmt.Errorf("failed to resolve endpoint %q: %w", p.Endpoint, err)
		}
		pc.Endpoint = addr
	}
	if p.PersistentKeepalive > 0 {
		d := time.Duration(p.PersistentKeepalive) * time.Second
		pc.PersistentKeepaliveInterval = &d
	}
	if p.PresharedKey != "" {
		psk, err := wgtypes.ParseKey(p.PresharedKey)
		if err != nil {
			return wgtypes.PeerConfig{}, fmt.Errorf("failed to parse preshared key for %s: %w", p.PublicKey, err)
		}
		pc.PresharedKey = &psk
	}
	return pc, nil
}
