// Package refindex implements the reference-count side table that drives
// chunk garbage collection. One ASCII-integer file per live chunk lives under
// the primary root; every mutation takes an exclusive advisory flock on that
// file so concurrent closes from separate handles serialize per chunk.
//
// Absence of a refcount file means unknown, not zero: decrements against an
// absent record are silently discarded so a missing record can never cascade
// into chunk deletion.
package refindex

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"github.com/wyvernglobal/junknas/pkg/chunkstore"
	"github.com/wyvernglobal/junknas/pkg/constants"
	"github.com/wyvernglobal/junknas/pkg/errs"
)

// ChunkDeleter unlinks a chunk from every backing root once its count hits
// zero. Satisfied by *chunkstore.Store.
type ChunkDeleter interface {
	Delete(hash string) error
}

// Index is the refcount index rooted at the primary data dir.
type Index struct {
	primary string
	deleter ChunkDeleter
}

// New opens the index under the primary root.
func New(primary string, deleter ChunkDeleter) (*Index, error) {
	if primary == "" {
		return nil, fmt.Errorf("%w: empty primary root", errs.ErrInvalidArgument)
	}
	ix := &Index{primary: primary, deleter: deleter}
	if err := os.MkdirAll(ix.refsDir(), 0755); err != nil {
		return nil, fmt.Errorf("failed to create refs dir: %w", err)
	}
	return ix, nil
}

func (ix *Index) refsDir() string {
	return filepath.Join(ix.primary, constants.InternalDir, "refs")
}

func (ix *Index) refPath(hash string) string {
	return filepath.Join(ix.refsDir(), hash[:2], hash+".ref")
}

// Count returns the current refcount for hash. The second return is false
// when no record exists (unknown, not zero).
func (ix *Index) Count(hash string) (int, bool, error) {
	if !chunkstore.ValidHash(hash) {
		return 0, false, fmt.Errorf("%w: malformed chunk hash %q", errs.ErrInvalidArgument, hash)
	}
	data, err := os.ReadFile(ix.refPath(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("failed to read refcount: %w", err)
	}
	return parseCount(data), true, nil
}

// parseCount reads an ASCII integer; empty or corrupt content is treated as
// absent, i.e. zero.
func parseCount(data []byte) int {
	n, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// Adjust applies a signed delta to the refcount of hash. Reaching zero
// deletes the record and unlinks the chunk from every root.
func (ix *Index) Adjust(hash string, delta int) error {
	if !chunkstore.ValidHash(hash) {
		return fmt.Errorf("%w: malformed chunk hash %q", errs.ErrInvalidArgument, hash)
	}
	if delta == 0 {
		return nil
	}

	p := ix.refPath(hash)
	f, err := os.OpenFile(p, os.O_RDWR, 0644)
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("failed to open refcount: %w", err)
		}
		// Absence is unknown: a decrement against no record is discarded.
		if delta < 0 {
			return nil
		}
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			return fmt.Errorf("failed to create refs shard dir: %w", err)
		}
		f, err = os.OpenFile(p, os.O_RDWR|os.O_CREATE, 0644)
		if err != nil {
			return fmt.Errorf("failed to create refcount: %w", err)
		}
	}
	defer f.Close()

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		return fmt.Errorf("failed to lock refcount %s: %w", hash, err)
	}
	defer syscall.Flock(int(f.Fd()), syscall.LOCK_UN)

	// Read through the locked descriptor, not the path: the record may have
	// been unlinked and recreated while we waited for the lock.
	data := make([]byte, 32)
	n, rerr := f.ReadAt(data, 0)
	if rerr != nil && n == 0 {
		data = nil
	} else {
		data = data[:n]
	}
	current := parseCount(data)

	next := current + delta
	if next < 0 {
		next = 0
	}

	if next == 0 {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove refcount: %w", err)
		}
		if ix.deleter != nil {
			if err := ix.deleter.Delete(hash); err != nil {
				return fmt.Errorf("failed to delete chunk %s: %w", hash, err)
			}
		}
		return nil
	}

	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("failed to truncate refcount: %w", err)
	}
	if _, err := f.WriteAt([]byte(strconv.Itoa(next)), 0); err != nil {
		return fmt.Errorf("failed to write refcount: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("failed to sync refcount: %w", err)
	}
	return nil
}

// ApplyDiff applies the multiset difference between the original and the new
// manifest hash lists: one combined delta per distinct hash. Duplicates count
// once per index that references the hash, so index rearrangement and
// same-chunk deduplication net out correctly.
func (ix *Index) ApplyDiff(orig, next []string) error {
	for _, d := range DiffCounts(orig, next) {
		if err := ix.Adjust(d.Hash, d.Delta); err != nil {
			return err
		}
	}
	return nil
}

// Delta is a combined refcount adjustment for one hash.
type Delta struct {
	Hash  string
	Delta int
}

// DiffCounts computes count(next) - count(orig) per distinct hash via a
// parallel walk over the two sorted multisets.
func DiffCounts(orig, next []string) []Delta {
	o := append([]string(nil), orig...)
	n := append([]string(nil), next...)
	sort.Strings(o)
	sort.Strings(n)

	var out []Delta
	i, j := 0, 0
	for i < len(o) || j < len(n) {
		switch {
		case j >= len(n) || (i < len(o) && o[i] < n[j]):
			h := o[i]
			c := 0
			for i < len(o) && o[i] == h {
				c++
				i++
			}
			out = append(out, Delta{Hash: h, Delta: -c})
		case i >= len(o) || n[j] < o[i]:
			h := n[j]
			c := 0
			for j < len(n) && n[j] == h {
				c++
				j++
			}
			out = append(out, Delta{Hash: h, Delta: c})
		default:
			h := o[i]
			co, cn := 0, 0
			for i < len(o) && o[i] == h {
				co++
				i++
			}
			for j < len(n) && n[j] == h {
				cn++
				j++
			}
			if cn != co {
				out = append(out, Delta{Hash: h, Delta: cn - co})
			}
		}
	}
	return out
}

// Scan walks every refcount record. Corrupt records surface as count zero.
func (ix *Index) Scan(fn func(hash string, count int) error) error {
	return filepath.WalkDir(ix.refsDir(), func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() || !strings.HasSuffix(d.Name(), ".ref") {
			return nil
		}
		hash := strings.TrimSuffix(d.Name(), ".ref")
		if !chunkstore.ValidHash(hash) {
			return nil
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		return fn(hash, parseCount(data))
	})
}
