package mesh

import (
	"sync"

	"github.com/wyvernglobal/junknas/pkg/config"
	"github.com/wyvernglobal/junknas/pkg/constants"
)

// Tracker keeps advisory reachability per sync target: bootstrap endpoints
// are keyed by their host:port string, WG peers by public key. Nothing here
// is persisted; a restart begins with every target connecting.
type Tracker struct {
	mu sync.Mutex
	m  map[string]string
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{m: make(map[string]string)}
}

// Set records the status for a target.
func (t *Tracker) Set(key, status string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.m[key] = status
}

// Get returns the status for a target, defaulting to connecting.
func (t *Tracker) Get(key string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.m[key]; ok {
		return s
	}
	return constants.StatusConnecting
}

// All returns a copy of every recorded status.
func (t *Tracker) All() map[string]string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]string, len(t.m))
	for k, v := range t.m {
		out[k] = v
	}
	return out
}

// Forget drops targets no longer configured.
func (t *Tracker) Forget(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.m, key)
}

// Role derives the node's connectivity label: standalone when nothing is
// configured, central when anything answers, dead_end otherwise.
func Role(cfg *config.Config, tracker *Tracker) string {
	if len(cfg.BootstrapPeers) == 0 && len(cfg.WGPeers) == 0 {
		return constants.RoleStandalone
	}
	for _, ep := range cfg.BootstrapPeers {
		if tracker.Get(ep) == constants.StatusConnected {
			return constants.RoleCentral
		}
	}
	for _, p := range cfg.WGPeers {
		if tracker.Get(p.PublicKey) == constants.StatusConnected {
			return constants.RoleCentral
		}
	}
	return constants.RoleDeadEnd
}
