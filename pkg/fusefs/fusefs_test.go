package fusefs

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/wyvernglobal/junknas/pkg/chunkstore"
	"github.com/wyvernglobal/junknas/pkg/constants"
	"github.com/wyvernglobal/junknas/pkg/manifest"
	"github.com/wyvernglobal/junknas/pkg/refindex"
)

func newTestFS(t *testing.T, quota uint64) *FileSystem {
	t.Helper()
	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)
	root := t.TempDir()
	chunks, err := chunkstore.New([]string{root}, quota, log)
	require.NoError(t, err)
	refs, err := refindex.New(root, chunks)
	require.NoError(t, err)
	return New(root, chunks, refs, log)
}

// open-coded handle helpers keep the tests readable.

func createFile(t *testing.T, f *FileSystem, name string) *fileHandle {
	t.Helper()
	h, st := f.Create(name, 0, 0644, nil)
	require.Equal(t, fuse.OK, st)
	return h.(*fileHandle)
}

func openFile(t *testing.T, f *FileSystem, name string) *fileHandle {
	t.Helper()
	h, st := f.Open(name, 0, nil)
	require.Equal(t, fuse.OK, st)
	return h.(*fileHandle)
}

func readAll(t *testing.T, h *fileHandle, off int64, n int) []byte {
	t.Helper()
	dest := make([]byte, n)
	res, st := h.Read(dest, off)
	require.Equal(t, fuse.OK, st)
	data, st := res.Bytes(dest)
	require.Equal(t, fuse.OK, st)
	return data
}

func padHash(data []byte) string {
	buf := make([]byte, constants.ChunkSize)
	copy(buf, data)
	sum := sha256.Sum256(buf)
	return hex.EncodeToString(sum[:])
}

func TestCheckPath(t *testing.T) {
	valid := []string{"", "a.txt", "dir/file", "deep/er/tree"}
	for _, p := range valid {
		require.NoError(t, checkPath(p), "path %q", p)
	}
	invalid := []string{
		"/abs", ".", "..", "a/../b", "./x", ".jnk", "dir/.jnk/x",
		"file.__jnkmeta", "dir/x.__jnkmeta", "x.__jnkmeta.bak",
	}
	for _, p := range invalid {
		require.Error(t, checkPath(p), "path %q", p)
	}
}

func TestCreateWriteReleaseReread(t *testing.T) {
	f := newTestFS(t, 0)
	payload := []byte("hello world")

	h := createFile(t, f, "hello.txt")
	n, st := h.Write(payload, 0)
	require.Equal(t, fuse.OK, st)
	require.Equal(t, uint32(len(payload)), n)
	require.Equal(t, fuse.OK, h.Flush())

	// Exactly one chunk, hashed over the zero-padded window.
	want := padHash(payload)
	require.True(t, f.chunks.Has(want))

	m, err := manifest.Load(f.metaPath("hello.txt"))
	require.NoError(t, err)
	require.Equal(t, int64(len(payload)), m.Size)
	require.Equal(t, []string{want}, m.Hashes)

	cnt, ok, err := f.refs.Count(want)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, cnt)

	// Reopen and re-read.
	h2 := openFile(t, f, "hello.txt")
	require.Equal(t, payload, readAll(t, h2, 0, len(payload)))
}

func TestWriteSpansChunkBoundary(t *testing.T) {
	f := newTestFS(t, 0)
	h := createFile(t, f, "split.bin")

	// Two bytes at the last offset of chunk 0.
	n, st := h.Write([]byte{0xAA, 0xBB}, constants.ChunkSize-1)
	require.Equal(t, fuse.OK, st)
	require.Equal(t, uint32(2), n)
	require.Equal(t, fuse.OK, h.Flush())

	m, err := manifest.Load(f.metaPath("split.bin"))
	require.NoError(t, err)
	require.Equal(t, int64(constants.ChunkSize+1), m.Size)
	require.Len(t, m.Hashes, 2)
	require.NotEmpty(t, m.Hashes[0])
	require.NotEmpty(t, m.Hashes[1])

	h2 := openFile(t, f, "split.bin")
	got := readAll(t, h2, constants.ChunkSize-1, 2)
	require.Equal(t, []byte{0xAA, 0xBB}, got)
}

func TestSparseGrow(t *testing.T) {
	f := newTestFS(t, 0)
	h := createFile(t, f, "sparse")
	require.Equal(t, fuse.OK, h.Truncate(3*constants.ChunkSize))
	require.Equal(t, fuse.OK, h.Flush())

	m, err := manifest.Load(f.metaPath("sparse"))
	require.NoError(t, err)
	require.Equal(t, int64(3*constants.ChunkSize), m.Size)
	require.Empty(t, m.HashList())

	h2 := openFile(t, f, "sparse")
	got := readAll(t, h2, 0, 3*constants.ChunkSize)
	require.Equal(t, make([]byte, 3*constants.ChunkSize), got)
}

func TestTruncateShrinkReleasesChunks(t *testing.T) {
	f := newTestFS(t, 0)
	h := createFile(t, f, "shrink")
	// Distinct windows, so the second chunk is referenced only by index 1.
	payload := append(bytes.Repeat([]byte{1}, constants.ChunkSize), bytes.Repeat([]byte{2}, constants.ChunkSize)...)
	_, st := h.Write(payload, 0)
	require.Equal(t, fuse.OK, st)
	require.Equal(t, fuse.OK, h.Flush())

	m, err := manifest.Load(f.metaPath("shrink"))
	require.NoError(t, err)
	require.Len(t, m.Hashes, 2)
	secondHash := m.Hashes[1]

	h2 := openFile(t, f, "shrink")
	require.Equal(t, fuse.OK, h2.Truncate(uint64(constants.ChunkSize)))
	require.Equal(t, fuse.OK, h2.Flush())

	m, err = manifest.Load(f.metaPath("shrink"))
	require.NoError(t, err)
	require.Equal(t, int64(constants.ChunkSize), m.Size)
	require.Len(t, m.Hashes, 1)
	require.False(t, f.chunks.Has(secondHash))
}

func TestDedupAcrossFiles(t *testing.T) {
	f := newTestFS(t, 0)
	payload := bytes.Repeat([]byte{7}, 2*constants.ChunkSize)

	for _, name := range []string{"a", "b"} {
		h := createFile(t, f, name)
		_, st := h.Write(payload, 0)
		require.Equal(t, fuse.OK, st)
		require.Equal(t, fuse.OK, h.Flush())
	}

	// Identical content: one distinct chunk (both windows identical),
	// refcount counts per (file, index) pair.
	m, err := manifest.Load(f.metaPath("a"))
	require.NoError(t, err)
	require.Equal(t, m.Hashes[0], m.Hashes[1])
	hash := m.Hashes[0]

	cnt, ok, err := f.refs.Count(hash)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 4, cnt)

	// Unlink a: count drops, chunk survives.
	require.Equal(t, fuse.OK, f.Unlink("a", nil))
	cnt, ok, err = f.refs.Count(hash)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 2, cnt)
	require.True(t, f.chunks.Has(hash))

	// Unlink b: chunk deleted.
	require.Equal(t, fuse.OK, f.Unlink("b", nil))
	require.False(t, f.chunks.Has(hash))
	_, err = manifest.Load(f.metaPath("b"))
	require.Error(t, err)
}

func TestIntegrityFaultSurfacesAsEIO(t *testing.T) {
	f := newTestFS(t, 0)
	h := createFile(t, f, "twochunks")
	payload := make([]byte, 2*constants.ChunkSize)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	_, st := h.Write(payload, 0)
	require.Equal(t, fuse.OK, st)
	require.Equal(t, fuse.OK, h.Flush())

	m, err := manifest.Load(f.metaPath("twochunks"))
	require.NoError(t, err)

	// Corrupt the second chunk on disk.
	corrupt := m.Hashes[1]
	p := filepath.Join(f.chunks.Roots()[0], ".jnk", "chunks", "sha256", corrupt[:2], corrupt)
	raw, err := os.ReadFile(p)
	require.NoError(t, err)
	raw[0] ^= 0x01
	require.NoError(t, os.WriteFile(p, raw, 0644))

	h2 := openFile(t, f, "twochunks")

	// The clean chunk still reads.
	got := readAll(t, h2, 0, 1024)
	require.Equal(t, payload[:1024], got)

	// The corrupted one faults.
	dest := make([]byte, 1024)
	_, st = h2.Read(dest, constants.ChunkSize)
	require.Equal(t, fuse.EIO, st)
}

func TestQuotaExceededOnCommit(t *testing.T) {
	f := newTestFS(t, constants.ChunkSize) // room for exactly one chunk
	h := createFile(t, f, "fits")
	_, st := h.Write([]byte("first"), 0)
	require.Equal(t, fuse.OK, st)
	require.Equal(t, fuse.OK, h.Flush())

	h2 := createFile(t, f, "overflow")
	_, st = h2.Write([]byte("second, different"), 0)
	require.Equal(t, fuse.OK, st)
	require.Equal(t, fuse.ToStatus(syscall.ENOSPC), h2.Flush())

	// A duplicate of the stored content still closes fine.
	h3 := createFile(t, f, "dup")
	_, st = h3.Write([]byte("first"), 0)
	require.Equal(t, fuse.OK, st)
	require.Equal(t, fuse.OK, h3.Flush())
}

func TestGetAttrAndListing(t *testing.T) {
	f := newTestFS(t, 0)
	require.Equal(t, fuse.OK, f.Mkdir("docs", 0755, nil))
	h := createFile(t, f, "docs/readme.txt")
	_, st := h.Write([]byte("contents"), 0)
	require.Equal(t, fuse.OK, st)
	require.Equal(t, fuse.OK, h.Flush())

	attr, st := f.GetAttr("docs", nil)
	require.Equal(t, fuse.OK, st)
	require.True(t, attr.IsDir())

	attr, st = f.GetAttr("docs/readme.txt", nil)
	require.Equal(t, fuse.OK, st)
	require.True(t, attr.IsRegular())
	require.Equal(t, uint64(8), attr.Size)
	require.Equal(t, uint32(0644), attr.Mode&07777)

	_, st = f.GetAttr("docs/absent.txt", nil)
	require.Equal(t, fuse.ENOENT, st)

	// Root listing hides .jnk and shows the logical names.
	entries, st := f.OpenDir("", nil)
	require.Equal(t, fuse.OK, st)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name)
	}
	require.Equal(t, []string{"docs"}, names)

	entries, st = f.OpenDir("docs", nil)
	require.Equal(t, fuse.OK, st)
	require.Len(t, entries, 1)
	require.Equal(t, "readme.txt", entries[0].Name)
}

func TestCreateOverDirectoryIsEISDIR(t *testing.T) {
	f := newTestFS(t, 0)
	require.Equal(t, fuse.OK, f.Mkdir("adir", 0755, nil))
	_, st := f.Create("adir", 0, 0644, nil)
	require.Equal(t, fuse.ToStatus(syscall.EISDIR), st)
}

func TestRenameFileMovesManifest(t *testing.T) {
	f := newTestFS(t, 0)
	h := createFile(t, f, "old")
	_, st := h.Write([]byte("data"), 0)
	require.Equal(t, fuse.OK, st)
	require.Equal(t, fuse.OK, h.Flush())

	require.Equal(t, fuse.OK, f.Rename("old", "new", nil))
	_, err := os.Stat(f.metaPath("old"))
	require.True(t, os.IsNotExist(err))
	h2 := openFile(t, f, "new")
	require.Equal(t, []byte("data"), readAll(t, h2, 0, 4))
}

func TestConcurrentHandlesLastReleaseWins(t *testing.T) {
	f := newTestFS(t, 0)
	h := createFile(t, f, "shared")
	_, st := h.Write([]byte("base"), 0)
	require.Equal(t, fuse.OK, st)
	require.Equal(t, fuse.OK, h.Flush())

	h1 := openFile(t, f, "shared")
	h2 := openFile(t, f, "shared")

	_, st = h1.Write([]byte("from h1"), 0)
	require.Equal(t, fuse.OK, st)
	_, st = h2.Write([]byte("h2 wins"), 0)
	require.Equal(t, fuse.OK, st)

	require.Equal(t, fuse.OK, h1.Flush())
	require.Equal(t, fuse.OK, h2.Flush())

	h3 := openFile(t, f, "shared")
	require.Equal(t, []byte("h2 wins"), readAll(t, h3, 0, 7))

	// Only the winning chunk is still referenced.
	m, err := manifest.Load(f.metaPath("shared"))
	require.NoError(t, err)
	cnt, ok, err := f.refs.Count(m.Hashes[0])
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, cnt)
}

func TestStatFsQuotaDerived(t *testing.T) {
	f := newTestFS(t, 10*constants.ChunkSize)
	h := createFile(t, f, "x")
	_, st := h.Write(bytes.Repeat([]byte{9}, constants.ChunkSize), 0)
	require.Equal(t, fuse.OK, st)
	require.Equal(t, fuse.OK, h.Flush())

	out := f.StatFs("")
	require.Equal(t, uint64(10*constants.ChunkSize)/4096, out.Blocks)
	require.Equal(t, uint64(9*constants.ChunkSize)/4096, out.Bfree)
}
