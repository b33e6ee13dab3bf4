package mesh

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/wyvernglobal/junknas/pkg/config"
	"github.com/wyvernglobal/junknas/pkg/errs"
)

// AllocatePeerIP picks a free host address in the /24 derived from the local
// node's overlay IP. Host 1 is reserved for the hub; addresses held by the
// local node or any stored peer are occupied. Returns the first free host in
// [2, 254].
func AllocatePeerIP(cfg *config.Config) (string, error) {
	prefix, localHost, err := splitHost24(cfg.WireGuard.WGIP)
	if err != nil {
		return "", err
	}

	occupied := make(map[int]bool, len(cfg.WGPeers)+2)
	occupied[1] = true
	occupied[localHost] = true
	for _, p := range cfg.WGPeers {
		pp, host, err := splitHost24(p.WGIP)
		if err != nil || pp != prefix {
			continue
		}
		occupied[host] = true
	}

	for host := 2; host <= 254; host++ {
		if !occupied[host] {
			return fmt.Sprintf("%s.%d", prefix, host), nil
		}
	}
	return "", fmt.Errorf("%w: no free host address in %s.0/24", errs.ErrPeerFull, prefix)
}

// splitHost24 splits a dotted IPv4 into its /24 prefix and host octet.
func splitHost24(ip string) (string, int, error) {
	parsed := net.ParseIP(strings.TrimSpace(ip))
	if parsed == nil || parsed.To4() == nil {
		return "", 0, fmt.Errorf("%w: %q is not an IPv4 address", errs.ErrInvalidArgument, ip)
	}
	v4 := parsed.To4()
	prefix := fmt.Sprintf("%d.%d.%d", v4[0], v4[1], v4[2])
	return prefix, int(v4[3]), nil
}

// hostPort joins an IP and a port for outbound HTTP.
func hostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
