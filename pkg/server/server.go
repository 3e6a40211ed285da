package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/rs/cors"

	"github.com/nstogner/deskpilot/pkg/browser"
	"github.com/nstogner/deskpilot/pkg/credentials"
	"github.com/nstogner/deskpilot/pkg/runner"
	"github.com/nstogner/deskpilot/pkg/store"
	"github.com/nstogner/deskpilot/pkg/tools"
)

// BrowserProfile is the persistent browser the user can inspect and reset.
type BrowserProfile interface {
	Open(ctx context.Context) error
	OpenURL(ctx context.Context, url string) error
	Reset(ctx context.Context) error
	Status() browser.StatusInfo
	ClearDomainCookies(ctx context.Context, domain string) error
}

// Screenshotter captures the controlled desktop.
type Screenshotter interface {
	Capture(ctx context.Context) (tools.Screenshot, error)
}

// Server serves the API and, optionally, a static UI.
type Server struct {
	runner        *runner.Runner
	conversations store.Manager
	keys          credentials.Store
	browser       BrowserProfile
	screen        Screenshotter
	static        fs.FS
	origins       []string

	srv *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithCredentials enables the credential routes.
func WithCredentials(keys credentials.Store) Option {
	return func(s *Server) { s.keys = keys }
}

// WithBrowser enables the browser profile routes.
func WithBrowser(b BrowserProfile) Option {
	return func(s *Server) { s.browser = b }
}

// WithScreenshotter enables GET /api/screenshot and context screenshots.
func WithScreenshotter(sc Screenshotter) Option {
	return func(s *Server) { s.screen = sc }
}

// WithStatic serves a single page app from fsys.
func WithStatic(fsys fs.FS) Option {
	return func(s *Server) { s.static = fsys }
}

// WithAllowedOrigins restricts CORS. The default allows every origin.
func WithAllowedOrigins(origins ...string) Option {
	return func(s *Server) { s.origins = origins }
}

// New creates a new Server.
func New(r *runner.Runner, conversations store.Manager, opts ...Option) *Server {
	s := &Server{runner: r, conversations: conversations}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/runs", s.handleStartRun)
	mux.HandleFunc("POST /api/runs/stop", s.handleStopRun)
	mux.HandleFunc("GET /api/runs/state", s.handleRunState)
	mux.HandleFunc("GET /api/events", s.handleEvents)

	mux.HandleFunc("GET /api/models", s.handleListModels)

	mux.HandleFunc("POST /api/credentials/key", s.handleSetKey)
	mux.HandleFunc("GET /api/credentials", s.handleKeyStatus)
	mux.HandleFunc("PUT /api/credentials/{service}", s.handleSaveKey)

	mux.HandleFunc("GET /api/conversations", s.handleListConversations)
	mux.HandleFunc("GET /api/conversations/{id}", s.handleGetConversation)
	mux.HandleFunc("DELETE /api/conversations/{id}", s.handleDeleteConversation)

	mux.HandleFunc("POST /api/browser/open", s.handleBrowserOpen)
	mux.HandleFunc("POST /api/browser/open-url", s.handleBrowserOpenURL)
	mux.HandleFunc("POST /api/browser/reset", s.handleBrowserReset)
	mux.HandleFunc("GET /api/browser/status", s.handleBrowserStatus)
	mux.HandleFunc("DELETE /api/browser/cookies/{domain}", s.handleClearCookies)

	mux.HandleFunc("GET /api/screenshot", s.handleScreenshot)

	if s.static != nil {
		mux.HandleFunc("/", s.handleStatic)
	}

	c := cors.New(cors.Options{
		AllowedOrigins: s.origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
	})
	return c.Handler(mux)
}

// Start serves on addr until Shutdown.
func (s *Server) Start(addr string) error {
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("Starting web server", "addr", addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// handleStatic serves files from the static FS with a fallback to
// index.html for client side routes.
func (s *Server) handleStatic(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.URL.Path, "/api") {
		http.NotFound(w, r)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/")
	if path == "" {
		path = "index.html"
	}

	if f, err := s.static.Open(path); err == nil {
		stat, err := f.Stat()
		f.Close()
		if err == nil && !stat.IsDir() {
			http.FileServer(http.FS(s.static)).ServeHTTP(w, r)
			return
		}
	}

	index, err := s.static.Open("index.html")
	if err != nil {
		http.NotFound(w, r)
		return
	}
	defer index.Close()

	rs, ok := index.(io.ReadSeeker)
	if !ok {
		s.errorResponse(w, http.StatusInternalServerError, errors.New("index.html is not seekable"))
		return
	}
	http.ServeContent(w, r, "index.html", time.Time{}, rs)
}

func (s *Server) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) errorResponse(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		slog.Error("API Error", "status", status, "error", err)
	} else {
		slog.Debug("API Error", "status", status, "error", err)
	}
	s.jsonResponse(w, status, map[string]string{"error": err.Error()})
}
