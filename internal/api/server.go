package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/broker"
	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/config"
	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/logging"
	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/runtime"
	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/terminal"
	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/workspace"
)

// Registry defines the workspace record operations the API needs
type Registry interface {
	ResolveOrCreate(ctx context.Context, owner workspace.Owner, kind workspace.Kind, image string) (*workspace.Workspace, error)
	Lookup(ctx context.Context, owner workspace.Owner) (*workspace.Workspace, error)
	Require(ctx context.Context, owner workspace.Owner) (*workspace.Workspace, error)
	Delete(ctx context.Context, id string, preserveData bool) (*workspace.Workspace, error)
}

// Provisioner brings a workspace to running
type Provisioner interface {
	EnsureRunning(ctx context.Context, ws *workspace.Workspace) (*workspace.Workspace, error)
}

// Files defines the file and exec operations served through the broker
type Files interface {
	ListTree(ctx context.Context, ws *workspace.Workspace, dir string) ([]*broker.Node, error)
	ReadFile(ctx context.Context, ws *workspace.Workspace, p string) ([]byte, error)
	WriteFile(ctx context.Context, ws *workspace.Workspace, p string, content []byte) error
	Mkdir(ctx context.Context, ws *workspace.Workspace, p string) error
	Delete(ctx context.Context, ws *workspace.Workspace, p string, recursive bool) error
	Rename(ctx context.Context, ws *workspace.Workspace, oldPath, newPath string) error
	Exec(ctx context.Context, ws *workspace.Workspace, command string) (*runtime.ExecResult, error)
	AppStatus(ctx context.Context, ws *workspace.Workspace) (*broker.AppStatus, error)
}

// Sessions runs terminal sessions
type Sessions interface {
	Serve(ctx context.Context, owner workspace.Owner, conn terminal.Conn, size runtime.TermSize) error
	Active() int
}

const maxBodyBytes = 32 << 20

// Server represents the HTTP API server
type Server struct {
	config      config.ServerConfig
	defaultKind workspace.Kind
	maxMessage  int64
	kinds       []string

	registry    Registry
	provisioner Provisioner
	files       Files
	sessions    Sessions

	upgrader  websocket.Upgrader
	logger    *slog.Logger
	startedAt time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithLogger replaces the request logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithBackends lists the enabled backing kinds in /healthz.
func WithBackends(set runtime.Set) Option {
	return func(s *Server) {
		s.kinds = s.kinds[:0]
		for _, k := range workspace.Kinds {
			if _, err := set.For(k); err == nil {
				s.kinds = append(s.kinds, string(k))
			}
		}
	}
}

// New creates a new API server instance
func New(cfg *config.Config, reg Registry, prov Provisioner, files Files, sessions Sessions, opts ...Option) *Server {
	s := &Server{
		config:      cfg.Server,
		defaultKind: workspace.Kind(cfg.Workspace.DefaultKind),
		maxMessage:  cfg.Terminal.MaxMessageSize,
		kinds:       []string{},
		registry:    reg,
		provisioner: prov,
		files:       files,
		sessions:    sessions,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Callers authenticate with the bearer token, not cookies.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger:    logging.Component("api"),
		startedAt: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// Start listens on the configured address and serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.config.Listen, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done, then shuts down gracefully.
// Request contexts derive from ctx so terminal sessions see the shutdown.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.setupRoutes(),
		ReadHeaderTimeout: s.config.ReadHeaderTimeout,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	s.logger.Info("API server starting", "listen", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		timeout := s.config.ShutdownTimeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// setupRoutes configures the HTTP router
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Get("/files/tree", s.handleTree)
		r.Get("/files/content", s.handleReadFile)
		r.Put("/files/content", s.handleSaveFile)
		r.Post("/files/folder", s.handleCreateFolder)
		r.Post("/files/delete", s.handleDelete)
		r.Post("/files/rename", s.handleRename)
		r.Post("/exec", s.handleExec)

		r.Get("/workspace", s.handleWorkspaceInfo)
		r.Post("/workspace", s.handleEnsureWorkspace)
		r.Delete("/workspace", s.handleDeleteWorkspace)

		r.Get("/terminal", s.handleTerminal)
	})

	return r
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
