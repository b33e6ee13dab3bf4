package chunkstore

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/wyvernglobal/junknas/pkg/errs"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)
	return log
}

func newTestStore(t *testing.T, nroots int, quota uint64) *Store {
	t.Helper()
	roots := make([]string, nroots)
	for i := range roots {
		roots[i] = filepath.Join(t.TempDir(), "root")
	}
	s, err := New(roots, quota, testLogger())
	require.NoError(t, err)
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	s := newTestStore(t, 1, 0)
	data := []byte("hello world")
	h := HashBytes(data)

	require.False(t, s.Has(h))
	require.NoError(t, s.Put(h, data))
	require.True(t, s.Has(h))

	got, err := s.Get(h)
	require.NoError(t, err)
	require.True(t, bytes.Equal(data, got))
}

func TestPutIfAbsentIsIdempotent(t *testing.T) {
	s := newTestStore(t, 2, 0)
	data := []byte("same bytes")
	h := HashBytes(data)

	require.NoError(t, s.Put(h, data))
	usage := s.Usage()
	require.NoError(t, s.Put(h, data))
	require.Equal(t, usage, s.Usage())

	// Exactly one root holds the file.
	count := 0
	for _, root := range s.Roots() {
		if _, err := os.Stat(path(root, h)); err == nil {
			count++
		}
	}
	require.Equal(t, 1, count)
}

func TestRoundRobinAcrossRoots(t *testing.T) {
	s := newTestStore(t, 2, 0)
	perRoot := make(map[string]int)
	for i := 0; i < 6; i++ {
		data := []byte{byte(i)}
		h := HashBytes(data)
		require.NoError(t, s.Put(h, data))
		for _, root := range s.Roots() {
			if _, err := os.Stat(path(root, h)); err == nil {
				perRoot[root]++
			}
		}
	}
	require.Len(t, perRoot, 2)
	for root, n := range perRoot {
		require.Equal(t, 3, n, "root %s", root)
	}
}

func TestShardLayout(t *testing.T) {
	s := newTestStore(t, 1, 0)
	data := []byte("sharded")
	h := HashBytes(data)
	require.NoError(t, s.Put(h, data))

	want := filepath.Join(s.Roots()[0], ".jnk", "chunks", "sha256", h[:2], h)
	_, err := os.Stat(want)
	require.NoError(t, err)
}

func TestQuota(t *testing.T) {
	one := bytes.Repeat([]byte{1}, 100)
	two := bytes.Repeat([]byte{2}, 100)
	three := bytes.Repeat([]byte{3}, 1)

	s := newTestStore(t, 1, 200)
	require.NoError(t, s.Put(HashBytes(one), one))
	require.NoError(t, s.Put(HashBytes(two), two))

	// Quota exactly filled: the next unique chunk is rejected.
	err := s.Put(HashBytes(three), three)
	require.ErrorIs(t, err, errs.ErrOutOfSpace)

	// A duplicate still succeeds.
	require.NoError(t, s.Put(HashBytes(one), one))
}

func TestUsageRevalidatedOnOpen(t *testing.T) {
	root := filepath.Join(t.TempDir(), "root")
	s, err := New([]string{root}, 0, testLogger())
	require.NoError(t, err)
	data := bytes.Repeat([]byte{7}, 1234)
	require.NoError(t, s.Put(HashBytes(data), data))
	require.Equal(t, uint64(1234), s.Usage())

	reopened, err := New([]string{root}, 0, testLogger())
	require.NoError(t, err)
	require.Equal(t, uint64(1234), reopened.Usage())
}

func TestGetIntegrityFault(t *testing.T) {
	s := newTestStore(t, 1, 0)
	data := []byte("will be corrupted")
	h := HashBytes(data)
	require.NoError(t, s.Put(h, data))

	// Externally flip one byte of the stored chunk.
	p := path(s.Roots()[0], h)
	raw, err := os.ReadFile(p)
	require.NoError(t, err)
	raw[0] ^= 0xff
	require.NoError(t, os.WriteFile(p, raw, 0644))

	_, err = s.Get(h)
	require.ErrorIs(t, err, errs.ErrIntegrity)
}

func TestGetMissing(t *testing.T) {
	s := newTestStore(t, 1, 0)
	_, err := s.Get(HashBytes([]byte("never stored")))
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestDeleteUnlinksEverywhere(t *testing.T) {
	s := newTestStore(t, 2, 0)
	data := []byte("doomed")
	h := HashBytes(data)
	require.NoError(t, s.Put(h, data))
	require.NoError(t, s.Delete(h))
	require.False(t, s.Has(h))
	require.Zero(t, s.Usage())

	// Deleting an absent chunk is a no-op.
	require.NoError(t, s.Delete(h))
}

func TestRejectsMalformedHash(t *testing.T) {
	s := newTestStore(t, 1, 0)
	for _, h := range []string{"", "short", "XY" + HashBytes([]byte("x"))[2:]} {
		require.ErrorIs(t, s.Put(h, []byte("data")), errs.ErrInvalidArgument, "hash %q", h)
		_, err := s.Get(h)
		require.ErrorIs(t, err, errs.ErrInvalidArgument)
		require.False(t, s.Has(h))
	}
}
