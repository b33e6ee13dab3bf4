package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/wyvernglobal/junknas/pkg/constants"
	"github.com/wyvernglobal/junknas/pkg/errs"
	"github.com/wyvernglobal/junknas/pkg/identity"
)

// UpsertResult reports what a peer upsert did.
type UpsertResult int

const (
	// UpsertUnchanged means every field already matched.
	UpsertUnchanged UpsertResult = iota
	// UpsertChanged means the peer was added or updated in place.
	UpsertChanged
	// UpsertFull means the peer list is at capacity.
	UpsertFull
)

// String returns the string representation of the result.
func (r UpsertResult) String() string {
	switch r {
	case UpsertUnchanged:
		return "unchanged"
	case UpsertChanged:
		return "changed"
	case UpsertFull:
		return "full"
	default:
		return "unknown"
	}
}

// Store is the single process-wide configuration structure, protected by one
// mutex. Every read-modify-write sequence holds the lock across the mutation
// and the subsequent save.
type Store struct {
	mu      sync.Mutex
	path    string
	keyPath string
	cfg     Config
	log     *logrus.Entry
	now     func() int64
}

// Open loads the configuration at path, applying defaults first, then the
// file contents, then ensuring the WireGuard key pair, then validating. The
// result is persisted so first runs leave a complete file behind.
func Open(path string, log *logrus.Logger) (*Store, error) {
	s := &Store{
		path:    path,
		keyPath: filepath.Join(filepath.Dir(path), constants.KeyFileName),
		cfg:     Default(),
		log:     log.WithField("component", "config"),
		now:     func() int64 { return time.Now().UnixMilli() },
	}

	if err := s.load(); err != nil {
		return nil, err
	}
	if err := s.ensureWGKeys(); err != nil {
		return nil, err
	}
	if err := Validate(&s.cfg); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	if err := s.saveLocked(); err != nil {
		return nil, err
	}
	return s, nil
}

// load overlays the file contents on top of the current (default) values.
// A missing file is not an error; a present but unparseable file is.
func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.log.WithField("path", s.path).Info("config file absent, starting from defaults")
			return nil
		}
		return fmt.Errorf("failed to read config: %w", err)
	}

	prior := s.cfg
	if err := json.Unmarshal(data, &s.cfg); err != nil {
		return fmt.Errorf("failed to parse config %s: %w", s.path, err)
	}
	s.cfg.sanitize(prior)
	return nil
}

// ensureWGKeys establishes the node identity: the key file wins if present,
// then a valid in-memory private key, then a fresh generation. The public key
// is always recomputed from the effective private key.
func (s *Store) ensureWGKeys() error {
	var priv identity.Key
	switch {
	case fileExists(s.keyPath):
		k, err := identity.LoadKeyFile(s.keyPath)
		if err != nil {
			return fmt.Errorf("failed to load key file: %w", err)
		}
		priv = k
	case identity.Valid(s.cfg.WireGuard.PrivateKey):
		priv, _ = identity.ParseKey(s.cfg.WireGuard.PrivateKey)
	default:
		k, err := identity.GenerateKey()
		if err != nil {
			return err
		}
		priv = k
		s.log.Info("generated new node identity")
	}

	if err := identity.SaveKeyFile(s.keyPath, priv); err != nil {
		return err
	}

	s.cfg.WireGuard.PrivateKey = priv.String()
	if pub := priv.Public().String(); s.cfg.WireGuard.PublicKey != pub {
		s.cfg.WireGuard.PublicKey = pub
	}
	return nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// Path returns the config file path.
func (s *Store) Path() string { return s.path }

// KeyPath returns the private key file path.
func (s *Store) KeyPath() string { return s.keyPath }

// Snapshot returns a deep copy of the current configuration.
func (s *Store) Snapshot() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Clone()
}

// Save persists the current configuration.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

// saveLocked serializes to path.tmp, fsyncs, and renames over path. Rename on
// the same filesystem provides the atomicity.
func (s *Store) saveLocked() error {
	data, err := json.MarshalIndent(&s.cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	data = append(data, '\n')

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create temp config: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to write temp config: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to sync temp config: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to close temp config: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename config into place: %w", err)
	}
	return nil
}

// Mutate runs fn on the live configuration under the lock and persists the
// result. If fn returns an error nothing is saved.
func (s *Store) Mutate(fn func(c *Config) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := fn(&s.cfg); err != nil {
		return err
	}
	return s.saveLocked()
}

// Bump advances a monotonic clock value without persisting anything. For
// callers composing their own Mutate bodies.
func (s *Store) Bump(cur int64) int64 {
	return s.bump(cur)
}

// bump advances a monotonic clock: wall time, but never backwards.
func (s *Store) bump(cur int64) int64 {
	n := s.now()
	if n <= cur {
		n = cur + 1
	}
	return n
}

// UpsertPeer inserts or updates a peer by public key and persists on change.
func (s *Store) UpsertPeer(p Peer) (UpsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res := s.upsertPeerLocked(p)
	if res != UpsertChanged {
		return res, nil
	}
	s.cfg.WGPeersUpdatedAt = s.bump(s.cfg.WGPeersUpdatedAt)
	if err := s.saveLocked(); err != nil {
		return res, err
	}
	return res, nil
}

// upsertPeerLocked applies the identity-keyed upsert without touching clocks
// or disk. The mesh merge path batches several of these under one bump.
func (s *Store) upsertPeerLocked(p Peer) UpsertResult {
	if p.PublicKey == "" || p.WGIP == "" {
		return UpsertUnchanged
	}
	if i := s.cfg.FindPeer(p.PublicKey); i >= 0 {
		if s.cfg.WGPeers[i].Equal(p) {
			return UpsertUnchanged
		}
		s.cfg.WGPeers[i] = p
		return UpsertChanged
	}
	if len(s.cfg.WGPeers) >= constants.MaxPeers {
		return UpsertFull
	}
	s.cfg.WGPeers = append(s.cfg.WGPeers, p)
	return UpsertChanged
}

// MergePeersAt upserts a batch of peers under a single clock bump. Peers
// whose public key equals self are skipped. On change the clock advances to
// at least incomingAt, so converged nodes agree on the maximum of their
// prior clocks. Returns whether anything changed.
func (s *Store) MergePeersAt(peers []Peer, self string, incomingAt int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := false
	for _, p := range peers {
		if p.PublicKey == self {
			continue
		}
		if s.upsertPeerLocked(p) == UpsertChanged {
			changed = true
		}
	}
	if !changed {
		return false, nil
	}
	at := s.bump(s.cfg.WGPeersUpdatedAt)
	if incomingAt > at {
		at = incomingAt
	}
	s.cfg.WGPeersUpdatedAt = at
	return true, s.saveLocked()
}

// SetPeers replaces the peer set, dropping entries with an empty identity.
func (s *Store) SetPeers(peers []Peer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := make([]Peer, 0, len(peers))
	for _, p := range peers {
		if p.PublicKey == "" || p.WGIP == "" {
			continue
		}
		kept = append(kept, p)
	}
	if len(kept) > constants.MaxPeers {
		return fmt.Errorf("%w: %d peers exceeds maximum %d", errs.ErrPeerFull, len(kept), constants.MaxPeers)
	}
	s.cfg.WGPeers = kept
	s.cfg.WGPeersUpdatedAt = s.bump(s.cfg.WGPeersUpdatedAt)
	return s.saveLocked()
}

// RemovePeer deletes a peer by public key. Unknown keys are a no-op.
func (s *Store) RemovePeer(publicKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.cfg.FindPeer(publicKey)
	if i < 0 {
		return nil
	}
	s.cfg.WGPeers = append(s.cfg.WGPeers[:i], s.cfg.WGPeers[i+1:]...)
	s.cfg.WGPeersUpdatedAt = s.bump(s.cfg.WGPeersUpdatedAt)
	return s.saveLocked()
}

// AddBootstrapPeer appends a host:port endpoint with bounds checking.
func (s *Store) AddBootstrapPeer(ep string) error {
	if err := ValidateEndpoint(ep); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.cfg.BootstrapPeers) >= constants.MaxBootstrapPeers {
		return fmt.Errorf("%w: bootstrap list at maximum %d", errs.ErrPeerFull, constants.MaxBootstrapPeers)
	}
	s.cfg.BootstrapPeers = append(s.cfg.BootstrapPeers, ep)
	s.cfg.BootstrapPeersUpdatedAt = s.bump(s.cfg.BootstrapPeersUpdatedAt)
	return s.saveLocked()
}

// DeleteBootstrapPeer removes the entry at index.
func (s *Store) DeleteBootstrapPeer(index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if index < 0 || index >= len(s.cfg.BootstrapPeers) {
		return fmt.Errorf("%w: bootstrap index %d out of range", errs.ErrInvalidArgument, index)
	}
	s.cfg.BootstrapPeers = append(s.cfg.BootstrapPeers[:index], s.cfg.BootstrapPeers[index+1:]...)
	s.cfg.BootstrapPeersUpdatedAt = s.bump(s.cfg.BootstrapPeersUpdatedAt)
	return s.saveLocked()
}

// EditBootstrapPeer replaces the entry at index.
func (s *Store) EditBootstrapPeer(index int, ep string) error {
	if err := ValidateEndpoint(ep); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if index < 0 || index >= len(s.cfg.BootstrapPeers) {
		return fmt.Errorf("%w: bootstrap index %d out of range", errs.ErrInvalidArgument, index)
	}
	s.cfg.BootstrapPeers[index] = ep
	s.cfg.BootstrapPeersUpdatedAt = s.bump(s.cfg.BootstrapPeersUpdatedAt)
	return s.saveLocked()
}

// SetBootstrapPeers replaces the bootstrap list wholesale.
func (s *Store) SetBootstrapPeers(eps []string) error {
	for _, ep := range eps {
		if err := ValidateEndpoint(ep); err != nil {
			return err
		}
	}
	if len(eps) > constants.MaxBootstrapPeers {
		return fmt.Errorf("%w: %d bootstrap peers exceeds maximum %d",
			errs.ErrPeerFull, len(eps), constants.MaxBootstrapPeers)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cfg.BootstrapPeers = append([]string(nil), eps...)
	s.cfg.BootstrapPeersUpdatedAt = s.bump(s.cfg.BootstrapPeersUpdatedAt)
	return s.saveLocked()
}

// AddMountPoint appends an advertised mount path.
func (s *Store) AddMountPoint(path string) error {
	if path == "" {
		return fmt.Errorf("%w: empty mount point", errs.ErrInvalidArgument)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.cfg.DataMountPoints {
		if existing == path {
			return nil
		}
	}
	s.cfg.DataMountPoints = append(s.cfg.DataMountPoints, path)
	s.cfg.DataMountPointsUpdatedAt = s.bump(s.cfg.DataMountPointsUpdatedAt)
	return s.saveLocked()
}

// ReplaceMountPoints adopts an incoming mount-point set iff the incoming
// clock is >= the local one. At equality with an identical set the local
// slice is kept untouched. Returns whether the set was adopted.
func (s *Store) ReplaceMountPoints(list []string, at int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if at < s.cfg.DataMountPointsUpdatedAt {
		return false, nil
	}
	if at == s.cfg.DataMountPointsUpdatedAt && stringsEqual(list, s.cfg.DataMountPoints) {
		return false, nil
	}
	s.cfg.DataMountPoints = append([]string(nil), list...)
	s.cfg.DataMountPointsUpdatedAt = at
	return true, s.saveLocked()
}

func stringsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// SetEndpoint rewrites the advertised overlay endpoint.
func (s *Store) SetEndpoint(ep string) error {
	if err := ValidateEndpoint(ep); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cfg.WireGuard.Endpoint == ep {
		return nil
	}
	s.cfg.WireGuard.Endpoint = ep
	return s.saveLocked()
}

// SetNodeState switches the node role between node and end.
func (s *Store) SetNodeState(state string) error {
	if state != constants.NodeStateNode && state != constants.NodeStateEnd {
		return fmt.Errorf("%w: unknown node_state %q", errs.ErrInvalidArgument, state)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cfg.NodeState = state
	return s.saveLocked()
}

// ReplaceIdentity swaps the node's key pair, rewriting the key file and the
// derived public key together. The old key is invalidated immediately.
func (s *Store) ReplaceIdentity(priv identity.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := identity.SaveKeyFile(s.keyPath, priv); err != nil {
		return err
	}
	s.cfg.WireGuard.PrivateKey = priv.String()
	s.cfg.WireGuard.PublicKey = priv.Public().String()
	return s.saveLocked()
}
