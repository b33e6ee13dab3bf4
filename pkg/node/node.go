// Package node implements the node runtime: construction of the stores from
// configuration and ordered start/stop of the mesh coordinator, the web
// service, and the filesystem mount.
package node

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/sirupsen/logrus"

	"github.com/wyvernglobal/junknas/pkg/chunkstore"
	"github.com/wyvernglobal/junknas/pkg/config"
	"github.com/wyvernglobal/junknas/pkg/fusefs"
	"github.com/wyvernglobal/junknas/pkg/mesh"
	"github.com/wyvernglobal/junknas/pkg/refindex"
	"github.com/wyvernglobal/junknas/pkg/web"
)

// State represents the runtime lifecycle state.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
	StateError
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Runtime wires the subsystems together and supervises their lifecycle.
// Start order is mesh, then web, then filesystem; stop is the reverse.
type Runtime struct {
	mu    sync.Mutex
	state State

	cfg    *config.Store
	chunks *chunkstore.Store
	refs   *refindex.Index
	coord  *mesh.Coordinator
	server *web.Server
	log    *logrus.Entry

	fuseSrv  *fuse.Server
	listener net.Listener
	cancel   context.CancelFunc
	done     chan struct{}
}

// New builds a runtime from an opened configuration store.
func New(cfg *config.Store, log *logrus.Logger) (*Runtime, error) {
	snap := cfg.Snapshot()

	roots := snap.DataRoots()
	for _, root := range roots {
		if err := os.MkdirAll(root, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data root %s: %w", root, err)
		}
	}
	if snap.EnableFuse {
		if err := os.MkdirAll(snap.MountPoint, 0755); err != nil {
			return nil, fmt.Errorf("failed to create mount point: %w", err)
		}
	}

	quota, err := snap.QuotaBytes()
	if err != nil {
		return nil, err
	}
	chunks, err := chunkstore.New(roots, quota, log)
	if err != nil {
		return nil, err
	}
	refs, err := refindex.New(snap.PrimaryRoot(), chunks)
	if err != nil {
		return nil, err
	}

	coord := mesh.New(cfg, mesh.WGCtlProgrammer{}, mesh.ProbePublicIP(mesh.DefaultProbeURL), log)
	server := web.New(cfg, chunks, coord, log)

	return &Runtime{
		cfg:    cfg,
		chunks: chunks,
		refs:   refs,
		coord:  coord,
		server: server,
		log:    log.WithField("component", "node"),
		done:   make(chan struct{}),
	}, nil
}

// State returns the current lifecycle state.
func (n *Runtime) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

func (n *Runtime) setState(s State) {
	n.mu.Lock()
	n.state = s
	n.mu.Unlock()
}

// Start brings the subsystems up in order. It returns once everything is
// running; the background work continues until Stop.
func (n *Runtime) Start(ctx context.Context) error {
	if st := n.State(); st != StateStopped {
		return fmt.Errorf("cannot start from state %s", st)
	}
	n.setState(StateStarting)

	runCtx, cancel := context.WithCancel(ctx)
	n.cancel = cancel

	go func() {
		defer close(n.done)
		n.coord.Run(runCtx)
	}()

	l, err := n.server.Listen()
	if err != nil {
		n.setState(StateError)
		cancel()
		return fmt.Errorf("failed to open web listener: %w", err)
	}
	n.listener = l
	go func() {
		if err := n.server.Serve(runCtx, l); err != nil {
			n.log.WithError(err).Error("web service failed")
		}
	}()

	snap := n.cfg.Snapshot()
	if snap.EnableFuse {
		fsys := fusefs.New(snap.PrimaryRoot(), n.chunks, n.refs, n.log.Logger)
		srv, err := fusefs.Mount(snap.MountPoint, fsys, snap.Verbose)
		if err != nil {
			n.setState(StateError)
			cancel()
			return err
		}
		n.fuseSrv = srv
		go srv.Serve()
		n.log.WithField("mountpoint", snap.MountPoint).Info("filesystem mounted")
	}

	n.setState(StateRunning)
	return nil
}

// Stop tears the subsystems down in reverse order.
func (n *Runtime) Stop() error {
	if st := n.State(); st != StateRunning && st != StateError {
		return fmt.Errorf("cannot stop from state %s", st)
	}
	n.setState(StateStopping)

	if n.fuseSrv != nil {
		if err := n.fuseSrv.Unmount(); err != nil {
			n.log.WithError(err).Warn("failed to unmount filesystem")
		}
		n.fuseSrv = nil
	}
	if n.cancel != nil {
		n.cancel()
	}
	<-n.done

	n.setState(StateStopped)
	return nil
}

// Run starts the runtime and blocks until a termination signal arrives.
func (n *Runtime) Run(ctx context.Context) error {
	if err := n.Start(ctx); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		n.log.WithField("signal", sig.String()).Info("shutting down")
	case <-ctx.Done():
	}
	return n.Stop()
}
