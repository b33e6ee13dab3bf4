package mesh

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/wyvernglobal/junknas/pkg/config"
	"github.com/wyvernglobal/junknas/pkg/constants"
)

// Coordinator runs the mesh background loop: periodic public-IP refresh,
// one sync round per cycle against every configured target, and WireGuard
// reprogramming whenever the stored peer set moved.
type Coordinator struct {
	cfg     *config.Store
	client  *Client
	tracker *Tracker
	wg      DeviceProgrammer
	probe   ProbeFunc
	log     *logrus.Entry

	lastApplied int64
	lastProbe   time.Time
}

// New creates a coordinator. wg may be nil to disable device programming
// (tests, end nodes without a kernel device); probe may be nil to disable
// the endpoint refresh.
func New(cfg *config.Store, wg DeviceProgrammer, probe ProbeFunc, log *logrus.Logger) *Coordinator {
	return &Coordinator{
		cfg:     cfg,
		client:  NewClient(),
		tracker: NewTracker(),
		wg:      wg,
		probe:   probe,
		log:     log.WithField("component", "mesh"),
	}
}

// Tracker exposes the reachability bookkeeping for the status surface.
func (c *Coordinator) Tracker() *Tracker { return c.tracker }

// Store exposes the configuration store for the web handlers.
func (c *Coordinator) Store() *config.Store { return c.cfg }

// Run executes the sync loop until ctx is cancelled. Shutdown cancels the
// current cycle rather than waiting out the sleep.
func (c *Coordinator) Run(ctx context.Context) {
	cfg := c.cfg.Snapshot()
	interval := time.Duration(cfg.SyncIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = constants.SyncInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.log.WithField("interval", interval).Info("mesh coordinator started")
	for {
		c.cycle(ctx)
		select {
		case <-ctx.Done():
			c.log.Info("mesh coordinator stopped")
			return
		case <-ticker.C:
		}
	}
}

// cycle performs one coordinator iteration.
func (c *Coordinator) cycle(ctx context.Context) {
	c.maybeRefreshEndpoint(ctx)
	c.SyncOnce(ctx)
	c.maybeProgramDevice()
}

// maybeRefreshEndpoint re-probes the public IP on its own slower cadence and
// rewrites the advertised endpoint when the host part is a literal IPv4 that
// moved, or when no endpoint is set. DNS-name endpoints are never touched.
func (c *Coordinator) maybeRefreshEndpoint(ctx context.Context) {
	if c.probe == nil {
		return
	}
	cfg := c.cfg.Snapshot()
	refresh := time.Duration(cfg.PublicIPRefreshSeconds) * time.Second
	if refresh <= 0 {
		refresh = constants.PublicIPRefresh
	}
	if !c.lastProbe.IsZero() && time.Since(c.lastProbe) < refresh {
		return
	}
	c.lastProbe = time.Now()

	ip, err := c.probe(ctx)
	if err != nil {
		c.log.WithError(err).Debug("public IP probe failed")
		return
	}

	current := cfg.WireGuard.Endpoint
	if current != "" {
		host, _, err := net.SplitHostPort(current)
		if err != nil {
			return
		}
		if !isLiteralIPv4(host) {
			return // never overwrite a DNS name
		}
		if host == ip {
			return
		}
	}

	ep := net.JoinHostPort(ip, strconv.Itoa(cfg.WireGuard.ListenPort))
	if err := c.cfg.SetEndpoint(ep); err != nil {
		c.log.WithError(err).Warn("failed to persist refreshed endpoint")
		return
	}
	c.log.WithField("endpoint", ep).Info("advertised endpoint refreshed")
}

// syncTarget is one POST destination for a sync round.
type syncTarget struct {
	key    string // tracker key
	target string // host:port of the peer's web listener
}

// targets snapshots the bootstrap endpoints and WG peers to sync against.
func (c *Coordinator) targets(cfg *config.Config) []syncTarget {
	out := make([]syncTarget, 0, len(cfg.BootstrapPeers)+len(cfg.WGPeers))
	for _, ep := range cfg.BootstrapPeers {
		out = append(out, syncTarget{key: ep, target: ep})
	}
	for _, p := range cfg.WGPeers {
		if p.WGIP == "" {
			continue
		}
		port := p.WebPort
		if port == 0 {
			port = constants.DefaultWebPort
		}
		out = append(out, syncTarget{key: p.PublicKey, target: hostPort(p.WGIP, port)})
	}
	return out
}

// SyncOnce runs one bidirectional sync round: post the local state to every
// target, merge whatever comes back, and update reachability. Returns the
// number of targets that answered 2xx.
func (c *Coordinator) SyncOnce(ctx context.Context) int {
	cfg := c.cfg.Snapshot()
	payload := BuildState(cfg)

	synced := 0
	for _, tgt := range c.targets(&cfg) {
		if ctx.Err() != nil {
			return synced
		}
		remote, err := c.client.PostState(ctx, tgt.target, payload)
		if err != nil {
			c.tracker.Set(tgt.key, constants.StatusUnreachable)
			c.log.WithError(err).WithField("target", tgt.target).Debug("sync target unreachable")
			continue
		}
		c.tracker.Set(tgt.key, constants.StatusConnected)
		synced++

		if _, err := Merge(c.cfg, remote); err != nil {
			c.log.WithError(err).WithField("target", tgt.target).Warn("failed to merge peer state")
		}
	}
	return synced
}

// maybeProgramDevice reprograms the WireGuard device when the peer clock
// moved past the last applied value.
func (c *Coordinator) maybeProgramDevice() {
	if c.wg == nil {
		return
	}
	cfg := c.cfg.Snapshot()
	if cfg.WGPeersUpdatedAt == c.lastApplied {
		return
	}
	if err := c.wg.Apply(cfg); err != nil {
		c.log.WithError(err).Error("failed to program wireguard device")
		return
	}
	c.lastApplied = cfg.WGPeersUpdatedAt
	c.log.WithField("peers", len(cfg.WGPeers)).Info("wireguard device reprogrammed")
}

// Standalone reports whether this node has nothing configured to talk to.
func (c *Coordinator) Standalone() bool {
	cfg := c.cfg.Snapshot()
	return len(cfg.BootstrapPeers) == 0 && len(cfg.WGPeers) == 0
}

// Active reports whether the stored peer list is non-empty.
func (c *Coordinator) Active() bool {
	return len(c.cfg.Snapshot().WGPeers) > 0
}
