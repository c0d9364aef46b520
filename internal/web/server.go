package web

import (
	"context"
	"fmt"
	"io/fs"
	"net/http"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"

	"github.com/treecore/trim/internal/debug"
)

// Server wraps the HTTP server and handlers.
type Server struct {
	addr     string
	handlers *Handlers
}

// NewServer creates a server configured for the given address and dependencies.
func NewServer(addr string, deps Deps) (*Server, error) {
	subFS, err := fs.Sub(staticFiles, "static")
	if err != nil {
		return nil, fmt.Errorf("web: static files: %w", err)
	}
	return &Server{
		addr:     addr,
		handlers: NewHandlers(deps, subFS),
	}, nil
}

// Handlers returns the server's handlers.
func (s *Server) Handlers() *Handlers { return s.handlers }

// Mux returns an http.Handler with all routes registered.
func (s *Server) Mux() http.Handler {
	h := s.handlers
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(traceRequests)

	r.Get("/", h.ServeIndex)
	r.Handle("/static/*", http.StripPrefix("/static/", http.FileServer(http.FS(h.staticFS))))
	r.Get("/config", h.HandleConfig)
	r.Get("/status", h.HandleStatus)
	r.Get("/status/stream", h.HandleStatusStream)

	r.Get("/preview.jpg", h.HandlePreviewJPEG)
	r.Get("/preview/stream", h.HandlePreviewStream)
	r.Post("/preview/size", h.HandlePreviewSize)

	r.Post("/capture", h.HandleCapture)
	r.Get("/focus", h.HandleFocus)

	r.Route("/settings", func(r chi.Router) {
		r.Get("/", h.HandleGetSettings)
		r.Patch("/", h.HandlePatchSettings)
	})

	r.Route("/stage", func(r chi.Router) {
		r.Get("/position", h.HandlePosition)
		r.Post("/move", h.HandleMove)
	})

	r.Post("/scan", h.HandleScan)
	r.Delete("/scan", h.HandleCancelScan)

	return r
}

// traceRequests logs every request at trace level. Long-lived streams are
// logged when they end.
func traceRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		debug.Trace("%s %s -> %d (%s)", r.Method, r.URL.Path, ww.Status(), time.Since(start).Round(time.Millisecond))
	})
}

// Run starts the server and blocks until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.Mux()}
	errCh := make(chan error, 1)
	go func() {
		debug.Info("web server listening on %s", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
