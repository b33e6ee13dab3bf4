// Package web implements the node's HTTP surface: directory and file
// browsing, the chunk transfer API, and the mesh control routes the
// dashboard and peer nodes consume.
package web

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/wyvernglobal/junknas/pkg/chunkstore"
	"github.com/wyvernglobal/junknas/pkg/config"
	"github.com/wyvernglobal/junknas/pkg/errs"
	"github.com/wyvernglobal/junknas/pkg/mesh"
)

// Server is the node's HTTP service.
type Server struct {
	cfg    *config.Store
	chunks *chunkstore.Store
	coord  *mesh.Coordinator
	log    *logrus.Entry

	httpSrv *http.Server
}

// New assembles the server over the node's stores and the mesh coordinator.
func New(cfg *config.Store, chunks *chunkstore.Store, coord *mesh.Coordinator, log *logrus.Logger) *Server {
	return &Server{
		cfg:    cfg,
		chunks: chunks,
		coord:  coord,
		log:    log.WithField("component", "web"),
	}
}

// Routes builds the route table.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/", s.handleBrowse)
	r.Get("/browse/*", s.handleBrowse)
	r.Get("/files/*", s.handleFile)
	r.Get("/chunks/{hash}", s.handleChunkGet)
	r.Post("/chunks/{hash}", s.handleChunkPost)

	r.Route("/mesh", func(r chi.Router) {
		r.Get("/", s.handleUI)
		r.Get("/ui", s.handleUI)
		r.Get("/peers", s.handleMeshState)
		r.Post("/peers", s.handleMeshMerge)
		r.Get("/config", s.handleMeshConfigGet)
		r.Post("/config", s.handleMeshConfigPost)
		r.Get("/status", s.handleMeshStatus)
		r.Post("/bootstrap", s.handleMeshBootstrap)
		r.Post("/join", s.handleMeshJoin)
		r.Post("/alternate", s.handleMeshAlternate)
		r.Post("/sync", s.handleMeshSync)
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("ok\n"))
	})
	return r
}

// requestLogger logs one line per request at debug level.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   ww.Status(),
			"duration": time.Since(start),
			"remote":   r.RemoteAddr,
		}).Debug("request")
	})
}

// Serve runs the server on the given listener until ctx is cancelled.
// Keep-alive is disabled: every request rides its own connection.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	s.httpSrv = &http.Server{
		Handler:        s.Routes(),
		MaxHeaderBytes: 8 << 10,
		ReadTimeout:    30 * time.Second,
	}
	s.httpSrv.SetKeepAlivesEnabled(false)

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpSrv.Serve(l)
	}()
	s.log.WithField("addr", l.Addr().String()).Info("web service started")

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Listen opens the configured listener.
func (s *Server) Listen() (net.Listener, error) {
	port := s.cfg.Snapshot().WebPort
	return net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(port)))
}

// httpStatus maps the runtime's error kinds onto HTTP statuses.
func httpStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, errs.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errs.ErrInvalidArgument), errors.Is(err, errs.ErrPeerFull):
		return http.StatusBadRequest
	case errors.Is(err, errs.ErrForbidden):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) error(w http.ResponseWriter, err error) {
	code := httpStatus(err)
	if code >= 500 {
		s.log.WithError(err).Error("request failed")
	}
	http.Error(w, err.Error(), code)
}
