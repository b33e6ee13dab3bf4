package web

import (
	"fmt"
	"html"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"

	"github.com/wyvernglobal/junknas/pkg/chunkstore"
	"github.com/wyvernglobal/junknas/pkg/constants"
	"github.com/wyvernglobal/junknas/pkg/errs"
	"github.com/wyvernglobal/junknas/pkg/manifest"
)

// safeRelPath validates a /browse/ or /files/ remainder: relative, free of
// dot-dot, and outside the reserved namespace.
func safeRelPath(raw string) (string, error) {
	rel := strings.Trim(raw, "/")
	if rel == "" {
		return "", nil
	}
	if strings.HasPrefix(raw, "/") {
		return "", fmt.Errorf("%w: absolute path", errs.ErrInvalidArgument)
	}
	for _, comp := range strings.Split(rel, "/") {
		switch {
		case comp == "" || comp == "." || comp == "..":
			return "", fmt.Errorf("%w: unsafe path component", errs.ErrInvalidArgument)
		case comp == constants.InternalDir:
			return "", fmt.Errorf("%w: reserved path component", errs.ErrInvalidArgument)
		case strings.Contains(comp, constants.MetaSuffix):
			return "", fmt.Errorf("%w: reserved path suffix", errs.ErrInvalidArgument)
		}
	}
	return rel, nil
}

func (s *Server) primaryRoot() string {
	cfg := s.cfg.Snapshot()
	return cfg.PrimaryRoot()
}

// handleBrowse renders a directory listing: subdirectories and the logical
// file names behind the manifests, with human sizes.
func (s *Server) handleBrowse(w http.ResponseWriter, r *http.Request) {
	rel, err := safeRelPath(chi.URLParam(r, "*"))
	if err != nil {
		s.error(w, err)
		return
	}
	dir := filepath.Join(s.primaryRoot(), filepath.FromSlash(rel))

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			s.error(w, fmt.Errorf("%w: %s", errs.ErrNotFound, rel))
			return
		}
		s.error(w, err)
		return
	}

	type row struct {
		name  string
		isDir bool
		size  int64
	}
	rows := make([]row, 0, len(entries))
	for _, e := range entries {
		switch {
		case e.IsDir():
			if e.Name() == constants.InternalDir {
				continue
			}
			rows = append(rows, row{name: e.Name(), isDir: true})
		case strings.HasSuffix(e.Name(), constants.MetaSuffix):
			logical := strings.TrimSuffix(e.Name(), constants.MetaSuffix)
			if logical == "" || strings.HasSuffix(logical, ".tmp") {
				continue
			}
			m, err := manifest.Load(filepath.Join(dir, e.Name()))
			if err != nil {
				continue
			}
			rows = append(rows, row{name: logical, size: m.Size})
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].isDir != rows[j].isDir {
			return rows[i].isDir
		}
		return rows[i].name < rows[j].name
	})

	var b strings.Builder
	title := "/" + rel
	b.WriteString("<!DOCTYPE html>\n<html><head><title>junkNAS " + html.EscapeString(title) + "</title></head><body>\n")
	b.WriteString("<h1>" + html.EscapeString(title) + "</h1>\n<ul>\n")
	if rel != "" {
		parent := ""
		if i := strings.LastIndex(rel, "/"); i >= 0 {
			parent = rel[:i]
		}
		b.WriteString(`<li><a href="/browse/` + html.EscapeString(parent) + `">..</a></li>` + "\n")
	}
	for _, row := range rows {
		child := row.name
		if rel != "" {
			child = rel + "/" + row.name
		}
		if row.isDir {
			b.WriteString(`<li><a href="/browse/` + html.EscapeString(child) + `">` +
				html.EscapeString(row.name) + `/</a></li>` + "\n")
		} else {
			b.WriteString(`<li><a href="/files/` + html.EscapeString(child) + `">` +
				html.EscapeString(row.name) + `</a> (` + humanize.IBytes(uint64(row.size)) + `)</li>` + "\n")
		}
	}
	b.WriteString("</ul>\n</body></html>\n")

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(b.String()))
}

// handleFile streams a file's materialized bytes, chunk by verified chunk.
// Sparse windows stream as zeros.
func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	rel, err := safeRelPath(chi.URLParam(r, "*"))
	if err != nil {
		s.error(w, err)
		return
	}
	if rel == "" {
		s.error(w, fmt.Errorf("%w: missing file path", errs.ErrInvalidArgument))
		return
	}

	metaPath := filepath.Join(s.primaryRoot(), filepath.FromSlash(rel)) + constants.MetaSuffix
	m, err := manifest.Load(metaPath)
	if err != nil {
		s.error(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(m.Size, 10))

	var zeros []byte
	remaining := m.Size
	for idx := 0; remaining > 0; idx++ {
		span := int64(constants.ChunkSize)
		if span > remaining {
			span = remaining
		}
		if hash := m.HashAt(idx); hash != "" {
			data, err := s.chunks.Get(hash)
			if err != nil {
				// Headers are gone; all we can do is cut the stream.
				s.log.WithError(err).WithField("path", rel).Error("file stream aborted")
				return
			}
			window := make([]byte, span)
			copy(window, data)
			if _, err := w.Write(window); err != nil {
				return
			}
		} else {
			if zeros == nil {
				zeros = make([]byte, constants.ChunkSize)
			}
			if _, err := w.Write(zeros[:span]); err != nil {
				return
			}
		}
		remaining -= span
	}
}

// handleChunkGet serves a stored chunk by hash, verified on the way out.
func (s *Server) handleChunkGet(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")
	data, err := s.chunks.Get(hash)
	if err != nil {
		s.error(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("X-Chunk-Hash", hash)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Write(data)
}

// handleChunkPost accepts a chunk upload through the put-if-absent path. A
// Content-Length is required; bad bytes are caught at the read path by hash
// verification, the same trust boundary every store read crosses.
func (s *Server) handleChunkPost(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")
	if !chunkstore.ValidHash(hash) {
		s.error(w, fmt.Errorf("%w: malformed chunk hash", errs.ErrInvalidArgument))
		return
	}
	if r.ContentLength < 0 {
		s.error(w, fmt.Errorf("%w: missing Content-Length", errs.ErrInvalidArgument))
		return
	}
	if r.ContentLength > constants.ChunkSize {
		s.error(w, fmt.Errorf("%w: chunk exceeds %d bytes", errs.ErrInvalidArgument, constants.ChunkSize))
		return
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, constants.ChunkSize+1))
	if err != nil {
		s.error(w, err)
		return
	}
	if int64(len(data)) != r.ContentLength {
		s.error(w, fmt.Errorf("%w: body length does not match Content-Length", errs.ErrInvalidArgument))
		return
	}
	if err := s.chunks.Put(hash, data); err != nil {
		s.error(w, err)
		return
	}
	w.Write([]byte("OK"))
}
