// Package chunkstore implements the content-addressed chunk store: fixed-size
// chunks addressed by the SHA-256 of their bytes, sharded 256 ways under
// every backing root, written put-if-absent and striped round-robin across
// roots. Every read re-hashes the bytes before returning them.
package chunkstore

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/wyvernglobal/junknas/pkg/constants"
	"github.com/wyvernglobal/junknas/pkg/errs"
)

// HashBytes returns the lowercase hex SHA-256 of data.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ValidHash reports whether h is a well-formed lowercase hex SHA-256 digest.
func ValidHash(h string) bool {
	if len(h) != constants.HashHexLen {
		return false
	}
	for _, c := range h {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// Store is a chunk store striped over one or more backing roots. Distinct
// hashes never contend; concurrent puts of the same hash race benignly on
// the rename.
type Store struct {
	roots []string
	quota uint64 // 0 = disabled

	mu    sync.Mutex
	rr    int
	usage uint64

	log *logrus.Entry
}

// New opens a store over the given roots, creating each root's chunk directory
// (the per-prefix shard directories are created by Put on demand) and
// walking existing chunks to seed the usage figure. quota of zero disables
// the cap.
func New(roots []string, quota uint64, log *logrus.Logger) (*Store, error) {
	if len(roots) == 0 {
		return nil, fmt.Errorf("%w: no backing roots", errs.ErrInvalidArgument)
	}
	if len(roots) > constants.MaxDataDirs {
		return nil, fmt.Errorf("%w: %d roots exceeds maximum %d",
			errs.ErrInvalidArgument, len(roots), constants.MaxDataDirs)
	}
	s := &Store{
		roots: append([]string(nil), roots...),
		quota: quota,
		log:   log.WithField("component", "chunkstore"),
	}
	for _, root := range s.roots {
		if err := os.MkdirAll(chunkDir(root), 0755); err != nil {
			return nil, fmt.Errorf("failed to create chunk dir under %s: %w", root, err)
		}
	}
	usage, err := s.walkUsage()
	if err != nil {
		return nil, err
	}
	s.usage = usage
	s.log.WithFields(logrus.Fields{"roots": len(s.roots), "usage": usage, "quota": quota}).
		Debug("chunk store opened")
	return s, nil
}

// Roots returns the backing roots in order; the first is the primary.
func (s *Store) Roots() []string {
	return append([]string(nil), s.roots...)
}

// Quota returns the configured byte cap, zero when disabled.
func (s *Store) Quota() uint64 { return s.quota }

func chunkDir(root string) string {
	return filepath.Join(root, constants.InternalDir, "chunks", "sha256")
}

// path returns the shard path for hash under root.
func path(root, hash string) string {
	return filepath.Join(chunkDir(root), hash[:2], hash)
}

// find returns the path of an existing chunk file, searching every root.
func (s *Store) find(hash string) (string, bool) {
	for _, root := range s.roots {
		p := path(root, hash)
		if info, err := os.Stat(p); err == nil && info.Mode().IsRegular() {
			return p, true
		}
	}
	return "", false
}

// Has reports whether any root holds the chunk.
func (s *Store) Has(hash string) bool {
	if !ValidHash(hash) {
		return false
	}
	_, ok := s.find(hash)
	return ok
}

// Put stores data under hash if no root already holds it. The caller is
// trusted to pass hash == SHA-256(data); the FUSE commit path computes it,
// while the HTTP upload path stores the caller-supplied hash unchecked and
// leaves mismatches to the verifying read in Get. Quota is a soft cap: the chunk is admitted
// iff the resulting total stays within it.
func (s *Store) Put(hash string, data []byte) error {
	if !ValidHash(hash) {
		return fmt.Errorf("%w: malformed chunk hash %q", errs.ErrInvalidArgument, hash)
	}
	if len(data) > constants.ChunkSize {
		return fmt.Errorf("%w: chunk exceeds %d bytes", errs.ErrInvalidArgument, constants.ChunkSize)
	}
	if _, ok := s.find(hash); ok {
		return nil
	}

	s.mu.Lock()
	if s.quota > 0 && s.usage+uint64(len(data)) > s.quota {
		s.mu.Unlock()
		return fmt.Errorf("%w: quota %d reached", errs.ErrOutOfSpace, s.quota)
	}
	root := s.roots[s.rr%len(s.roots)]
	s.rr++
	s.mu.Unlock()

	target := path(root, hash)
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("failed to create shard dir: %w", err)
	}

	tmp := target + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create temp chunk: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to write temp chunk: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to sync temp chunk: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to close temp chunk: %w", err)
	}
	// Never overwrite: a concurrent put of the same hash may have landed
	// first, which is success.
	if _, statErr := os.Stat(target); statErr == nil {
		os.Remove(tmp)
		return nil
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename chunk into place: %w", err)
	}

	s.mu.Lock()
	s.usage += uint64(len(data))
	s.mu.Unlock()
	return nil
}

// Get reads the chunk and verifies its SHA-256 before returning the bytes.
// A mismatch or short read is an integrity fault.
func (s *Store) Get(hash string) ([]byte, error) {
	if !ValidHash(hash) {
		return nil, fmt.Errorf("%w: malformed chunk hash %q", errs.ErrInvalidArgument, hash)
	}
	p, ok := s.find(hash)
	if !ok {
		return nil, fmt.Errorf("%w: chunk %s", errs.ErrNotFound, hash)
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("failed to read chunk %s: %w", hash, err)
	}
	if len(data) > constants.ChunkSize {
		return nil, fmt.Errorf("%w: chunk %s oversized on disk", errs.ErrIntegrity, hash)
	}
	if HashBytes(data) != hash {
		s.log.WithField("hash", hash).Error("chunk bytes do not match address")
		return nil, fmt.Errorf("%w: chunk %s", errs.ErrIntegrity, hash)
	}
	return data, nil
}

// Delete unlinks the chunk from every root. Called by the refcount index
// when a count reaches zero.
func (s *Store) Delete(hash string) error {
	if !ValidHash(hash) {
		return fmt.Errorf("%w: malformed chunk hash %q", errs.ErrInvalidArgument, hash)
	}
	var removed uint64
	for _, root := range s.roots {
		p := path(root, hash)
		info, err := os.Stat(p)
		if err != nil {
			continue
		}
		if err := os.Remove(p); err != nil {
			return fmt.Errorf("failed to unlink chunk %s: %w", hash, err)
		}
		removed += uint64(info.Size())
	}
	if removed > 0 {
		s.mu.Lock()
		if s.usage >= removed {
			s.usage -= removed
		} else {
			s.usage = 0
		}
		s.mu.Unlock()
	}
	return nil
}

// Usage returns the cached byte total of all stored chunks.
func (s *Store) Usage() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage
}

// walkUsage sums regular-file sizes across every shard directory.
func (s *Store) walkUsage() (uint64, error) {
	var total uint64
	for _, root := range s.roots {
		err := filepath.WalkDir(chunkDir(root), func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.Type().IsRegular() {
				info, err := d.Info()
				if err != nil {
					return err
				}
				total += uint64(info.Size())
			}
			return nil
		})
		if err != nil {
			return 0, fmt.Errorf("failed to walk chunk dir under %s: %w", root, err)
		}
	}
	return total, nil
}
