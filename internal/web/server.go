package web

import (
	"bytes"
	"context"
	"crypto/subtle"
	"embed"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"ledbar/internal/automation"
	"ledbar/internal/device"
	"ledbar/internal/engine"
	"ledbar/internal/events"
	"ledbar/internal/store"
)

//go:embed templates/*.html
var templateFS embed.FS

//go:embed static/*
var staticFS embed.FS

// Engine is the command surface of the reconciliation loop.
type Engine interface {
	Settings(ctx context.Context) (*device.Config, error)
	Status(ctx context.Context) (engine.Status, error)
	Manual(ctx context.Context, cmd engine.ManualSet) (engine.Result, error)
	IR(ctx context.Context, cmd engine.IRCode) (engine.Result, error)
	Motion(ctx context.Context) (engine.Result, error)
	Update(ctx context.Context, u engine.Update) (engine.Result, error)
}

// Subscriber delivers engine notifications.
type Subscriber interface {
	OnAll(h events.Handler) func()
}

// History lists recent channel changes, newest first.
type History interface {
	ListHistory(limit int) ([]store.HistoryEntry, error)
}

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAPIKey enables API key authentication.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) {
		s.apiKey = key
	}
}

// WithAllowedOrigins sets allowed WebSocket and CORS origin patterns.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithHistory enables GET /api/history.
func WithHistory(h History) ServerOption {
	return func(s *Server) {
		s.history = h
	}
}

// WithAutomation sets the automation engine and script manager.
func WithAutomation(engine *automation.Engine, mgr *automation.Manager) ServerOption {
	return func(s *Server) {
		s.autoEngine = engine
		s.scriptMgr = mgr
	}
}

// WithVersion sets the application version string shown in the UI.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// WithLogTee streams log records to WebSocket clients.
func WithLogTee(tee *LogTee) ServerOption {
	return func(s *Server) {
		s.logTee = tee
	}
}

// requestTimeout bounds how long a handler waits for the engine loop.
const requestTimeout = 5 * time.Second

// Server is the HTTP server for the web interface.
type Server struct {
	eng            Engine
	index          *template.Template
	hub            *wsHub
	logger         *slog.Logger
	mux            *http.ServeMux
	apiKey         string
	allowedOrigins []string
	history        History
	scriptMgr      *automation.Manager
	autoEngine     *automation.Engine
	logTee         *LogTee
	version        string

	// statusDirty is signalled by bus handlers, which run on the engine
	// goroutine and so must not call back into eng.
	statusDirty chan struct{}
	stop        chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
	unsubEvents func()
}

// NewServer creates a new web server. Events from sub trigger a status push
// to every WebSocket client.
func NewServer(eng Engine, sub Subscriber, logger *slog.Logger, opts ...ServerOption) (*Server, error) {
	index, err := template.ParseFS(templateFS, "templates/index.html")
	if err != nil {
		return nil, fmt.Errorf("parse index template: %w", err)
	}

	s := &Server{
		eng:         eng,
		index:       index,
		logger:      logger,
		mux:         http.NewServeMux(),
		statusDirty: make(chan struct{}, 1),
		stop:        make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.hub = newWSHub(logger)
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.hub.run()
	}()
	go func() {
		defer s.wg.Done()
		s.statusPump()
	}()

	if sub != nil {
		s.unsubEvents = sub.OnAll(func(events.Event) {
			s.markDirty()
		})
	}
	if s.logTee != nil {
		s.logTee.Attach(s.hub.offer)
	}

	s.routes()
	return s, nil
}

// Stop gracefully shuts down the WebSocket hub and waits for goroutines.
func (s *Server) Stop() {
	if s.unsubEvents != nil {
		s.unsubEvents()
	}
	if s.logTee != nil {
		s.logTee.Attach(nil)
	}
	s.stopOnce.Do(func() { close(s.stop) })
	s.hub.stop()
	s.wg.Wait()
}

func (s *Server) routes() {
	s.mux.Handle("GET /static/", http.FileServer(http.FS(staticFS)))

	s.mux.HandleFunc("GET /{$}", s.handleIndex)

	// REST API
	s.mux.HandleFunc("GET /api/settings", s.handleAPIGetSettings)
	s.mux.HandleFunc("PATCH /api/settings", s.handleAPIPatchSettings)
	s.mux.HandleFunc("PUT /api/settings", s.handleAPIPutSettings)
	s.mux.HandleFunc("GET /api/status", s.handleAPIStatus)
	s.mux.HandleFunc("POST /api/channels/{id}", s.handleAPISetChannel)
	s.mux.HandleFunc("POST /api/ir", s.handleAPIIR)
	s.mux.HandleFunc("POST /api/motion", s.handleAPIMotion)
	s.mux.HandleFunc("GET /api/history", s.handleAPIHistory)
	s.mux.HandleFunc("GET /api/version", s.handleAPIVersion)

	// Scripts
	s.mux.HandleFunc("GET /api/scripts", s.handleAPIListScripts)
	s.mux.HandleFunc("GET /api/scripts/{id}", s.handleAPIGetScript)
	s.mux.HandleFunc("POST /api/scripts", s.handleAPICreateScript)
	s.mux.HandleFunc("PUT /api/scripts/{id}", s.handleAPIUpdateScript)
	s.mux.HandleFunc("DELETE /api/scripts/{id}", s.handleAPIDeleteScript)
	s.mux.HandleFunc("POST /api/scripts/{id}/toggle", s.handleAPIToggleScript)
	s.mux.HandleFunc("POST /api/scripts/{id}/run", s.handleAPIRunScript)

	// WebSocket
	s.mux.HandleFunc("GET /ws", s.handleWS)
}

// ServeHTTP checks the request origin and API key before routing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.checkOrigin(w, r) {
		return
	}
	// Pages, static files and the WebSocket stay open: browsers cannot attach
	// custom headers to navigation or upgrade requests.
	if strings.HasPrefix(r.URL.Path, "/api/") && !s.authorized(r) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	s.mux.ServeHTTP(w, r)
}

// checkOrigin answers CORS preflights and rejects cross-origin writes from
// origins outside the allow list. It reports whether routing continues.
func (s *Server) checkOrigin(w http.ResponseWriter, r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.allowedOrigins) == 0 || r.Method == http.MethodGet {
		return true
	}
	if !slices.Contains(s.allowedOrigins, origin) && !slices.Contains(s.allowedOrigins, "*") {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return false
	}

	h := w.Header()
	h.Set("Access-Control-Allow-Origin", origin)
	if r.Method != http.MethodOptions {
		return true
	}
	h.Set("Access-Control-Allow-Methods", "GET, POST, PATCH, PUT, DELETE, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
	h.Set("Access-Control-Max-Age", "3600")
	w.WriteHeader(http.StatusNoContent)
	return false
}

func (s *Server) authorized(r *http.Request) bool {
	if s.apiKey == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(r.Header.Get("X-API-Key")), []byte(s.apiKey)) == 1
}

func (s *Server) markDirty() {
	select {
	case s.statusDirty <- struct{}{}:
	default:
	}
}

// statusPump coalesces change notifications into status pushes.
func (s *Server) statusPump() {
	for {
		select {
		case <-s.stop:
			return
		case <-s.statusDirty:
		}
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		st, err := s.eng.Status(ctx)
		cancel()
		if err != nil {
			s.logger.Debug("status push skipped", "err", err)
			continue
		}
		s.hub.broadcast(updateMessage(st))
	}
}

// statusMessage is the {"action":"update"} frame pushed to the UI.
type statusMessage struct {
	Action string `json:"action"`
	engine.Status
}

func updateMessage(st engine.Status) statusMessage {
	return statusMessage{Action: "update", Status: st}
}

// indexPage feeds templates/index.html.
type indexPage struct {
	PageTitle string
	Status    engine.Status
	Version   string
	APIKey    string
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	st, err := s.eng.Status(ctx)
	if err != nil {
		s.logger.Error("status for index", "err", err)
		http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
		return
	}

	// Render into a buffer so a template error still yields a clean 500.
	var buf bytes.Buffer
	page := indexPage{PageTitle: st.DeviceName, Status: st, Version: s.version, APIKey: s.apiKey}
	if err := s.index.Execute(&buf, page); err != nil {
		s.logger.Error("render index", "err", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if _, err := buf.WriteTo(w); err != nil {
		s.logger.Debug("write index", "err", err)
	}
}

func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}
