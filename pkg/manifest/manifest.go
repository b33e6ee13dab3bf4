// Package manifest implements the per-file manifest: the only durable
// metadata a logical file has. The format is plain text, one header line and
// one line per committed chunk index:
//
//	size 3145728
//	chunk 0 <64-hex>
//	chunk 2 <64-hex>
//
// An absent index denotes a sparse (all-zero) window. Writes go through a
// temp file, fsync and rename so a manifest is always either the old or the
// new version.
package manifest

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/wyvernglobal/junknas/pkg/constants"
	"github.com/wyvernglobal/junknas/pkg/errs"
)

// Manifest maps chunk index to hash for one logical file.
type Manifest struct {
	// Size is the byte length of the logical file.
	Size int64

	// Hashes holds one lowercase hex SHA-256 per chunk window; the empty
	// string marks a sparse index.
	Hashes []string
}

// New returns an empty manifest.
func New() *Manifest {
	return &Manifest{}
}

// NeededChunks returns ceil(size / ChunkSize).
func NeededChunks(size int64) int {
	if size <= 0 {
		return 0
	}
	return int((size + constants.ChunkSize - 1) / constants.ChunkSize)
}

// Clone deep-copies the manifest.
func (m *Manifest) Clone() *Manifest {
	return &Manifest{
		Size:   m.Size,
		Hashes: append([]string(nil), m.Hashes...),
	}
}

// HashAt returns the hash for index, or "" when the index is sparse or out of
// range.
func (m *Manifest) HashAt(idx int) string {
	if idx < 0 || idx >= len(m.Hashes) {
		return ""
	}
	return m.Hashes[idx]
}

// SetHash records the hash for index, growing the slice as needed.
func (m *Manifest) SetHash(idx int, hash string) {
	for len(m.Hashes) <= idx {
		m.Hashes = append(m.Hashes, "")
	}
	m.Hashes[idx] = hash
}

// Truncate adjusts the manifest to the new size, dropping hash entries for
// indices past the new window count. Growing is a size update only.
func (m *Manifest) Truncate(size int64) {
	needed := NeededChunks(size)
	if needed < len(m.Hashes) {
		m.Hashes = m.Hashes[:needed]
	}
	m.Size = size
}

// HashList returns the multiset of present hashes, duplicates preserved.
func (m *Manifest) HashList() []string {
	out := make([]string, 0, len(m.Hashes))
	for _, h := range m.Hashes {
		if h != "" {
			out = append(out, h)
		}
	}
	return out
}

// validHash reports whether h looks like a lowercase hex SHA-256 digest.
func validHash(h string) bool {
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

// Parse reads a manifest. Lines that do not match the two known shapes are
// skipped; an unparseable size header is a corrupt manifest.
func Parse(r io.Reader) (*Manifest, error) {
	m := New()
	sc := bufio.NewScanner(r)
	haveSize := false
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		switch {
		case len(fields) == 2 && fields[0] == "size" && !haveSize:
			n, err := strconv.ParseInt(fields[1], 10, 64)
			if err != nil || n < 0 {
				return nil, fmt.Errorf("%w: bad size line %q", errs.ErrCorruptManifest, sc.Text())
			}
			m.Size = n
			haveSize = true
		case len(fields) == 3 && fields[0] == "chunk":
			idx, err := strconv.Atoi(fields[1])
			if err != nil || idx < 0 || !validHash(fields[2]) {
				continue
			}
			m.SetHash(idx, fields[2])
		default:
			// Unknown line shapes are tolerated.
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	if !haveSize {
		return nil, fmt.Errorf("%w: missing size header", errs.ErrCorruptManifest)
	}
	// Indices past the needed window count must be absent.
	m.Truncate(m.Size)
	return m, nil
}

// Load reads the manifest file at path. A missing file maps to ErrNotFound.
func Load(path string) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: manifest %s", errs.ErrNotFound, path)
		}
		return nil, fmt.Errorf("failed to open manifest: %w", err)
	}
	defer f.Close()
	m, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("manifest %s: %w", path, err)
	}
	return m, nil
}

// encode renders the text form.
func (m *Manifest) encode() []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "size %d\n", m.Size)
	for idx, h := range m.Hashes {
		if h != "" {
			fmt.Fprintf(&b, "chunk %d %s\n", idx, h)
		}
	}
	return []byte(b.String())
}

// Write atomically replaces the manifest at path via temp+fsync+rename.
func Write(path string, m *Manifest) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create temp manifest: %w", err)
	}
	if _, err := f.Write(m.encode()); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to write temp manifest: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to sync temp manifest: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to close temp manifest: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename manifest into place: %w", err)
	}
	return nil
}
