package fusefs

import (
	"fmt"
	"sort"
	"sync"

	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/hanwen/go-fuse/v2/fuse/nodefs"

	"github.com/wyvernglobal/junknas/pkg/chunkstore"
	"github.com/wyvernglobal/junknas/pkg/constants"
	"github.com/wyvernglobal/junknas/pkg/manifest"
)

// fileHandle is one open of a logical file. It stages dirty chunks in memory
// and commits them on close: hash, put-if-absent, manifest rewrite, then the
// refcount multiset diff against the snapshot taken at open. Handles are
// single-owner; the kernel serializes requests per handle.
type fileHandle struct {
	nodefs.File

	fs   *FileSystem
	name string

	mu       sync.Mutex
	m        *manifest.Manifest
	orig     []string
	dirty    map[int][]byte
	modified bool
}

func newFileHandle(fs *FileSystem, name string, m *manifest.Manifest) *fileHandle {
	return &fileHandle{
		File:  nodefs.NewDefaultFile(),
		fs:    fs,
		name:  name,
		m:     m,
		orig:  m.HashList(),
		dirty: make(map[int][]byte),
	}
}

// String implements nodefs.File.
func (h *fileHandle) String() string {
	return fmt.Sprintf("junknas(%s)", h.name)
}

// loadChunk materializes the full window for idx into a fresh 1 MiB buffer:
// dirty bytes win, then verified store bytes, then zeros for sparse windows.
// Store chunks shorter than the window read as zero past their length.
func (h *fileHandle) loadChunk(idx int) ([]byte, error) {
	buf := make([]byte, constants.ChunkSize)
	if d, ok := h.dirty[idx]; ok {
		copy(buf, d)
		return buf, nil
	}
	hash := h.m.HashAt(idx)
	if hash == "" {
		return buf, nil
	}
	data, err := h.fs.chunks.Get(hash)
	if err != nil {
		return nil, err
	}
	copy(buf, data)
	return buf, nil
}

// Read implements nodefs.File.
func (h *fileHandle) Read(dest []byte, off int64) (fuse.ReadResult, fuse.Status) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if off < 0 {
		return nil, fuse.EINVAL
	}
	if off >= h.m.Size {
		return fuse.ReadResultData(nil), fuse.OK
	}
	want := int64(len(dest))
	if off+want > h.m.Size {
		want = h.m.Size - off
	}

	n := int64(0)
	for n < want {
		pos := off + n
		idx := int(pos / constants.ChunkSize)
		inOff := pos % constants.ChunkSize
		span := constants.ChunkSize - inOff
		if span > want-n {
			span = want - n
		}

		if d, ok := h.dirty[idx]; ok {
			copy(dest[n:n+span], d[inOff:inOff+span])
		} else if hash := h.m.HashAt(idx); hash != "" {
			data, err := h.fs.chunks.Get(hash)
			if err != nil {
				h.fs.log.WithError(err).WithField("path", h.name).Error("read failed")
				return nil, errnoStatus(err)
			}
			window := make([]byte, constants.ChunkSize)
			copy(window, data)
			copy(dest[n:n+span], window[inOff:inOff+span])
		} else {
			for i := int64(0); i < span; i++ {
				dest[n+i] = 0
			}
		}
		n += span
	}
	return fuse.ReadResultData(dest[:n]), fuse.OK
}

// Write implements nodefs.File. No chunk reaches the store here; everything
// stages in dirty buffers until close.
func (h *fileHandle) Write(data []byte, off int64) (uint32, fuse.Status) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if off < 0 {
		return 0, fuse.EINVAL
	}

	n := int64(0)
	total := int64(len(data))
	for n < total {
		pos := off + n
		idx := int(pos / constants.ChunkSize)
		inOff := pos % constants.ChunkSize
		span := constants.ChunkSize - inOff
		if span > total-n {
			span = total - n
		}

		buf, ok := h.dirty[idx]
		if !ok {
			loaded, err := h.loadChunk(idx)
			if err != nil {
				h.fs.log.WithError(err).WithField("path", h.name).Error("write failed to load chunk")
				return uint32(n), errnoStatus(err)
			}
			buf = loaded
			h.dirty[idx] = buf
		}
		copy(buf[inOff:inOff+span], data[n:n+span])
		n += span
	}

	if end := off + total; end > h.m.Size {
		h.m.Size = end
	}
	h.modified = true
	return uint32(n), fuse.OK
}

// Truncate implements nodefs.File: shrink drops staged and committed state
// past the new window count, grow is a sparse size update.
func (h *fileHandle) Truncate(size uint64) fuse.Status {
	h.mu.Lock()
	defer h.mu.Unlock()

	needed := manifest.NeededChunks(int64(size))
	for idx := range h.dirty {
		if idx >= needed {
			delete(h.dirty, idx)
		}
	}
	h.m.Truncate(int64(size))
	h.modified = true
	return fuse.OK
}

// GetAttr implements nodefs.File so size reflects staged writes before close.
func (h *fileHandle) GetAttr(out *fuse.Attr) fuse.Status {
	h.mu.Lock()
	defer h.mu.Unlock()

	out.Mode = fuse.S_IFREG | 0644
	out.Size = uint64(h.m.Size)
	out.Blksize = constants.ChunkSize
	out.Blocks = (uint64(h.m.Size) + 511) / 512
	return fuse.OK
}

// commit hashes every dirty chunk, stores it put-if-absent, rewrites the
// manifest atomically, and only then applies the refcount diff against the
// open-time snapshot. The manifest rewrite is the linearization point: if it
// fails, refcounts are left untouched.
func (h *fileHandle) commit() fuse.Status {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.modified {
		return fuse.OK
	}

	indices := make([]int, 0, len(h.dirty))
	for idx := range h.dirty {
		indices = append(indices, idx)
	}
	sort.Ints(indices)

	needed := manifest.NeededChunks(h.m.Size)
	for _, idx := range indices {
		if idx >= needed {
			continue
		}
		buf := h.dirty[idx]
		hash := chunkstore.HashBytes(buf)
		if err := h.fs.chunks.Put(hash, buf); err != nil {
			h.fs.log.WithError(err).WithField("path", h.name).Error("chunk commit failed")
			return errnoStatus(err)
		}
		h.m.SetHash(idx, hash)
	}
	h.m.Truncate(h.m.Size)

	if err := manifest.Write(h.fs.metaPath(h.name), h.m); err != nil {
		h.fs.log.WithError(err).WithField("path", h.name).Error("manifest rewrite failed, refcounts untouched")
		return fuse.EIO
	}

	next := h.m.HashList()
	if err := h.fs.refs.ApplyDiff(h.orig, next); err != nil {
		h.fs.log.WithError(err).WithField("path", h.name).Error("refcount diff failed")
		return fuse.EIO
	}

	h.orig = next
	h.dirty = make(map[int][]byte)
	h.modified = false
	return fuse.OK
}

// Flush implements nodefs.File; called on every close of a descriptor.
func (h *fileHandle) Flush() fuse.Status {
	return h.commit()
}

// Fsync implements nodefs.File.
func (h *fileHandle) Fsync(flags int) fuse.Status {
	return h.commit()
}

// Release implements nodefs.File; last-resort commit for handles the kernel
// drops without a flush.
func (h *fileHandle) Release() {
	if st := h.commit(); st != fuse.OK {
		h.fs.log.WithField("path", h.name).WithField("status", st).Error("commit on release failed")
	}
}
