package web

import (
	"context"
	"io/fs"
	"net"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"

	"github.com/a3feh/coursebot/internal/debug"
)

const shutdownTimeout = 5 * time.Second

// Deps are the robot-side callbacks the console drives.
type Deps struct {
	Run    RunFunc
	Pose   PoseFunc
	Config ConsoleConfig
	Clock  clock.Clock
}

// Server wraps the HTTP server and handlers.
type Server struct {
	addr     string
	handlers *Handlers
}

// NewServer creates a server configured for the given address and dependencies.
func NewServer(addr string, broadcaster *StatusBroadcaster, deps Deps) (*Server, error) {
	subFS, err := fs.Sub(staticFiles, "static")
	if err != nil {
		return nil, errors.Wrap(err, "web: sub static fs")
	}
	clk := deps.Clock
	if clk == nil {
		clk = clock.New()
	}

	handlers := NewHandlers(broadcaster, deps.Run, deps.Pose, deps.Config, clk, subFS)

	return &Server{
		addr:     addr,
		handlers: handlers,
	}, nil
}

// Mux returns an http.Handler with all routes registered.
func (s *Server) Mux() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /run", s.handlers.HandleRun)
	mux.HandleFunc("POST /stop", s.handlers.HandleStop)
	mux.HandleFunc("GET /config", s.handlers.HandleConfig)
	mux.HandleFunc("GET /pose", s.handlers.HandlePose)
	mux.HandleFunc("GET /status/stream", s.handlers.HandleStatusStream)
	mux.Handle("/static/", http.StripPrefix("/static/", http.FileServer(http.FS(s.handlers.staticFS))))
	mux.HandleFunc("GET /{$}", s.handlers.ServeIndex) // exact match for root only

	return mux
}

// Run listens on the configured address and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return errors.Wrap(err, "web server")
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled, then shuts down gracefully.
// Request contexts derive from ctx, so open status streams end with it, and
// courses started from the console are cancelled and joined before Serve
// returns.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.handlers.setBaseContext(ctx)
	srv := &http.Server{
		Handler:           s.Mux(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	defer s.handlers.Wait()

	errCh := make(chan error, 1)
	go func() {
		debug.Info("web server listening on %s", ln.Addr())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return errors.Wrap(err, "web server")
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			debug.Warn("web server: graceful shutdown incomplete: %v", err)
			return errors.Wrap(srv.Close(), "close web server")
		}
		return nil
	}
}
