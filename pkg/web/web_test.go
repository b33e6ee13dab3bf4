package web

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/wyvernglobal/junknas/pkg/chunkstore"
	"github.com/wyvernglobal/junknas/pkg/config"
	"github.com/wyvernglobal/junknas/pkg/constants"
	"github.com/wyvernglobal/junknas/pkg/manifest"
	"github.com/wyvernglobal/junknas/pkg/mesh"
	"github.com/wyvernglobal/junknas/pkg/refindex"
)

type fixture struct {
	srv    *Server
	ts     *httptest.Server
	cfg    *config.Store
	chunks *chunkstore.Store
	root   string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)

	dir := t.TempDir()
	root := filepath.Join(dir, "data")
	seed := map[string]any{
		"data_dir":    root,
		"mount_point": filepath.Join(dir, "mnt"),
		"wireguard": map[string]any{
			"interface_name": "jnk0",
			"wg_ip":          "10.99.0.1",
			"listen_port":    51820,
			"mtu":            1420,
			"endpoint":       "192.0.2.1:51820",
		},
	}
	data, err := json.Marshal(seed)
	require.NoError(t, err)
	cfgPath := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(cfgPath, data, 0644))

	cfg, err := config.Open(cfgPath, log)
	require.NoError(t, err)
	chunks, err := chunkstore.New([]string{root}, 0, log)
	require.NoError(t, err)
	_, err = refindex.New(root, chunks)
	require.NoError(t, err)
	coord := mesh.New(cfg, nil, nil, log)

	srv := New(cfg, chunks, coord, log)
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)
	return &fixture{srv: srv, ts: ts, cfg: cfg, chunks: chunks, root: root}
}

func (f *fixture) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(f.ts.URL + path)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	return resp, body
}

func (f *fixture) postJSON(t *testing.T, path string, v any) (*http.Response, []byte) {
	t.Helper()
	payload, err := json.Marshal(v)
	require.NoError(t, err)
	resp, err := http.Post(f.ts.URL+path, "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	return resp, body
}

func TestChunkUploadAndDownload(t *testing.T) {
	f := newFixture(t)
	data := []byte("chunk over http")
	hash := chunkstore.HashBytes(data)

	resp, err := http.Post(f.ts.URL+"/chunks/"+hash, "application/octet-stream", bytes.NewReader(data))
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "OK", string(body))

	resp, body = f.get(t, "/chunks/"+hash)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, data, body)
	require.Equal(t, "application/octet-stream", resp.Header.Get("Content-Type"))
	require.Equal(t, hash, resp.Header.Get("X-Chunk-Hash"))

	// A second upload of the same chunk is a no-op success.
	resp, err = http.Post(f.ts.URL+"/chunks/"+hash, "application/octet-stream", bytes.NewReader(data))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestChunkRoutesRejectBadInput(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.get(t, "/chunks/nothex")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	missing := chunkstore.HashBytes([]byte("missing"))
	resp, _ = f.get(t, "/chunks/"+missing)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp2, err := http.Post(f.ts.URL+"/chunks/nothex", "application/octet-stream", strings.NewReader("x"))
	require.NoError(t, err)
	resp2.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp2.StatusCode)
}

// writeManifestFile stores chunks and a manifest directly, the way a FUSE
// release would.
func writeManifestFile(t *testing.T, f *fixture, rel string, content []byte) {
	t.Helper()
	m := manifest.New()
	m.Size = int64(len(content))
	for idx := 0; idx*constants.ChunkSize < len(content); idx++ {
		window := make([]byte, constants.ChunkSize)
		copy(window, content[idx*constants.ChunkSize:])
		h := chunkstore.HashBytes(window)
		require.NoError(t, f.chunks.Put(h, window))
		m.SetHash(idx, h)
	}
	metaPath := filepath.Join(f.root, filepath.FromSlash(rel)) + constants.MetaSuffix
	require.NoError(t, os.MkdirAll(filepath.Dir(metaPath), 0755))
	require.NoError(t, manifest.Write(metaPath, m))
}

func TestBrowseListing(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.MkdirAll(filepath.Join(f.root, "docs"), 0755))
	writeManifestFile(t, f, "docs/guide.txt", []byte("guide text"))

	resp, body := f.get(t, "/")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, resp.Header.Get("Content-Type"), "text/html")
	require.Contains(t, string(body), "docs")
	require.NotContains(t, string(body), ".jnk")

	resp, body = f.get(t, "/browse/docs")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(body), "guide.txt")
	require.NotContains(t, string(body), constants.MetaSuffix)
}

func TestBrowseRejectsTraversal(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.get(t, "/browse/.jnk")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	for _, p := range []string{"..", "a/../b", ".", ".jnk/x", "file.__jnkmeta", "/abs"} {
		_, err := safeRelPath(p)
		require.Error(t, err, "path %q", p)
	}
	for _, p := range []string{"", "a", "a/b.txt"} {
		_, err := safeRelPath(p)
		require.NoError(t, err, "path %q", p)
	}
}

func TestFileStreaming(t *testing.T) {
	f := newFixture(t)
	content := bytes.Repeat([]byte("0123456789abcdef"), 96*1024) // 1.5 MiB
	writeManifestFile(t, f, "big.bin", content)

	resp, body := f.get(t, "/files/big.bin")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, content, body)

	resp, _ = f.get(t, "/files/absent.bin")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestFileStreamingSparse(t *testing.T) {
	f := newFixture(t)
	m := manifest.New()
	m.Size = 2*constants.ChunkSize + 7
	metaPath := filepath.Join(f.root, "sparse") + constants.MetaSuffix
	require.NoError(t, manifest.Write(metaPath, m))

	resp, body := f.get(t, "/files/sparse")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, body, 2*constants.ChunkSize+7)
	require.Equal(t, make([]byte, 2*constants.ChunkSize+7), body)
}

func TestMeshStateAndMerge(t *testing.T) {
	f := newFixture(t)

	resp, body := f.get(t, "/mesh/peers")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var st mesh.State
	require.NoError(t, json.Unmarshal(body, &st))
	require.Equal(t, f.cfg.Snapshot().WireGuard.PublicKey, st.PublicKey)

	incoming := mesh.State{
		PublicKey: "remote-pk",
		WGIP:      "10.99.0.7",
		WebPort:   8680,
		Peers: []config.Peer{
			{PublicKey: "carried-pk", WGIP: "10.99.0.8"},
		},
	}
	resp, body = f.postJSON(t, "/mesh/peers", incoming)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var merged mesh.State
	require.NoError(t, json.Unmarshal(body, &merged))
	keys := map[string]bool{}
	for _, p := range merged.Peers {
		keys[p.PublicKey] = true
	}
	require.True(t, keys["remote-pk"])
	require.True(t, keys["carried-pk"])
}

func TestMeshConfigRoutes(t *testing.T) {
	f := newFixture(t)

	resp, body := f.get(t, "/mesh/config")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var cfg config.Config
	require.NoError(t, json.Unmarshal(body, &cfg))
	require.NotEmpty(t, cfg.WireGuard.PublicKey)

	update := map[string]any{
		"bootstrap_peers": []string{"192.0.2.10:8680"},
		"node_state":      constants.NodeStateEnd,
	}
	resp, body = f.postJSON(t, "/mesh/config", update)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &cfg))
	require.Equal(t, []string{"192.0.2.10:8680"}, cfg.BootstrapPeers)
	require.Equal(t, constants.NodeStateEnd, cfg.NodeState)

	resp, _ = f.postJSON(t, "/mesh/config", map[string]any{"bootstrap_peers": []string{"garbage"}})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMeshStatus(t *testing.T) {
	f := newFixture(t)
	resp, body := f.get(t, "/mesh/status")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var st statusResponse
	require.NoError(t, json.Unmarshal(body, &st))
	require.Equal(t, constants.RoleStandalone, st.Role)
	require.True(t, st.Standalone)
	require.False(t, st.Active)
}

func TestMeshBootstrapMintAndForbidden(t *testing.T) {
	f := newFixture(t)

	resp, body := f.postJSON(t, "/mesh/bootstrap", struct{}{})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var jc mesh.JoinConfig
	require.NoError(t, json.Unmarshal(body, &jc))
	require.True(t, strings.HasPrefix(jc.PeerWGIP, "10.99.0."))
	require.NotEmpty(t, jc.PeerPrivateKey)

	require.NoError(t, f.cfg.SetNodeState(constants.NodeStateEnd))
	resp, _ = f.postJSON(t, "/mesh/bootstrap", struct{}{})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestMeshAlternateRoute(t *testing.T) {
	f := newFixture(t)
	resp, body := f.postJSON(t, "/mesh/bootstrap", struct{}{})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var jc mesh.JoinConfig
	require.NoError(t, json.Unmarshal(body, &jc))

	rotated := chunkstore.HashBytes([]byte("seed")) // not a key; must be rejected
	resp, _ = f.postJSON(t, "/mesh/alternate", mesh.AlternateRequest{WGIP: jc.PeerWGIP, PublicKey: rotated})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.postJSON(t, "/mesh/alternate", mesh.AlternateRequest{
		WGIP:      jc.PeerWGIP,
		PublicKey: f.cfg.Snapshot().WireGuard.PublicKey, // any valid key shape
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMeshSyncRoute(t *testing.T) {
	f := newFixture(t)
	resp, body := f.postJSON(t, "/mesh/sync", struct{}{})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out map[string]int
	require.NoError(t, json.Unmarshal(body, &out))
	require.Equal(t, 0, out["synced"])
}

func TestUIShell(t *testing.T) {
	f := newFixture(t)
	for _, p := range []string{"/mesh", "/mesh/ui"} {
		resp, body := f.get(t, p)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Contains(t, resp.Header.Get("Content-Type"), "text/html")
		require.Contains(t, string(body), `data-can-mint="true"`)
	}

	require.NoError(t, f.cfg.SetNodeState(constants.NodeStateEnd))
	_, body := f.get(t, "/mesh/ui")
	require.Contains(t, string(body), `data-can-mint="false"`)
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	resp, body := f.get(t, "/healthz")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "ok\n", string(body))
}

func TestNotFoundRoute(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.get(t, "/definitely/not/here")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}
