package web

import (
	"bytes"
	"crypto/subtle"
	"embed"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"eibdvis/internal/automation"
	"eibdvis/internal/config"
	"eibdvis/internal/gateway"
)

//go:embed templates/*.html
var templateFS embed.FS

//go:embed static/*
var staticFS embed.FS

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAPIKey requires the X-API-Key header on /api/ routes. The frames, the
// send.php form post and /ws stay open because browsers cannot attach the
// header there, so anyone who can reach the server can still write to the bus
// through send.php. Restrict the listen address or put an authenticating proxy
// in front when that matters.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) {
		s.apiKey = key
	}
}

// WithAllowedOrigins sets allowed WebSocket origin patterns.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithAutomation sets the automation engine and script manager.
func WithAutomation(engine *automation.Engine, mgr *automation.Manager) ServerOption {
	return func(s *Server) {
		s.autoEngine = engine
		s.scriptMgr = mgr
	}
}

// WithVersion sets the application version string shown in the send frame.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// Server serves the frameset, its three frames, the JSON API and the
// WebSocket feed.
type Server struct {
	gw             *gateway.Gateway
	cfg            *config.Config
	templates      map[string]*template.Template
	wsHub          *WSHub
	logger         *slog.Logger
	mux            *http.ServeMux
	apiKey         string
	allowedOrigins []string
	scriptMgr      *automation.Manager
	autoEngine     *automation.Engine
	version        string
	wg             sync.WaitGroup
	unsubEvents    func()
}

var (
	markdownRenderer = goldmark.New(goldmark.WithExtensions(extension.GFM))
	notesPolicy      = bluemonday.UGCPolicy()
)

// renderMarkdown turns room notes into sanitized HTML.
func renderMarkdown(src string) template.HTML {
	var buf bytes.Buffer
	if err := markdownRenderer.Convert([]byte(src), &buf); err != nil {
		return template.HTML(template.HTMLEscapeString(src))
	}
	return template.HTML(notesPolicy.SanitizeBytes(buf.Bytes()))
}

func templateFuncs() template.FuncMap {
	return template.FuncMap{
		"markdown": renderMarkdown,
	}
}

// NewServer creates a new web server.
func NewServer(gw *gateway.Gateway, cfg *config.Config, logger *slog.Logger, opts ...ServerOption) (*Server, error) {
	tmpl := make(map[string]*template.Template)

	// The frameset document has no body, so it does not share the frame layout.
	index, err := template.New("index.html").ParseFS(templateFS, "templates/index.html")
	if err != nil {
		return nil, fmt.Errorf("parse index: %w", err)
	}
	tmpl["index.html"] = index

	base, err := template.New("layout.html").Funcs(templateFuncs()).ParseFS(templateFS, "templates/layout.html")
	if err != nil {
		return nil, fmt.Errorf("parse layout: %w", err)
	}
	for _, page := range []string{"list.html", "room.html", "send.html"} {
		cloned, err := base.Clone()
		if err != nil {
			return nil, fmt.Errorf("clone layout for %s: %w", page, err)
		}
		t, err := cloned.ParseFS(templateFS, "templates/"+page)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", page, err)
		}
		tmpl[page] = t
	}

	s := &Server{
		gw:        gw,
		cfg:       cfg,
		templates: tmpl,
		logger:    logger,
		mux:       http.NewServeMux(),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.wsHub = NewWSHub(logger)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.wsHub.Run()
	}()

	s.unsubEvents = gw.Events().OnAll(func(event gateway.Event) {
		s.wsHub.Broadcast(event)
	})

	s.routes()
	return s, nil
}

// Stop gracefully shuts down the WebSocket hub and waits for goroutines.
func (s *Server) Stop() {
	if s.unsubEvents != nil {
		s.unsubEvents()
	}
	s.wsHub.Stop()
	s.wg.Wait()
}

func (s *Server) routes() {
	s.mux.Handle("GET /static/", http.FileServer(http.FS(staticFS)))

	// Frames. The .php names are what existing bookmarks and frame sources use.
	s.mux.HandleFunc("GET /{$}", s.handleIndex)
	s.mux.HandleFunc("GET /index.php", s.handleIndex)
	s.mux.HandleFunc("GET /list.php", s.handleList)
	s.mux.HandleFunc("GET /room.php", s.handleRoom)
	s.mux.HandleFunc("GET /send.php", s.handleSendStatus)
	s.mux.HandleFunc("POST /send.php", s.handleSend)

	// REST API
	s.mux.HandleFunc("GET /api/status", s.handleAPIStatus)
	s.mux.HandleFunc("GET /api/rooms", s.handleAPIListRooms)
	s.mux.HandleFunc("GET /api/rooms/{id}", s.handleAPIGetRoom)
	s.mux.HandleFunc("GET /api/values", s.handleAPIListValues)
	s.mux.HandleFunc("GET /api/groups/{main}/{middle}/{sub}", s.handleAPIGetGroup)
	s.mux.HandleFunc("POST /api/groups/{main}/{middle}/{sub}", s.handleAPIWriteGroup)
	s.mux.HandleFunc("DELETE /api/groups/{main}/{middle}/{sub}", s.handleAPIForgetGroup)
	s.mux.HandleFunc("POST /api/groups/{main}/{middle}/{sub}/read", s.handleAPIReadGroup)

	// Automations
	s.mux.HandleFunc("GET /api/automations", s.handleAPIListAutomations)
	s.mux.HandleFunc("GET /api/automations/{id}", s.handleAPIGetAutomation)
	s.mux.HandleFunc("POST /api/automations", s.handleAPICreateAutomation)
	s.mux.HandleFunc("PUT /api/automations/{id}", s.handleAPIUpdateAutomation)
	s.mux.HandleFunc("DELETE /api/automations/{id}", s.handleAPIDeleteAutomation)
	s.mux.HandleFunc("POST /api/automations/{id}/toggle", s.handleAPIToggleAutomation)
	s.mux.HandleFunc("POST /api/automations/{id}/run", s.handleAPIRunAutomation)

	s.mux.HandleFunc("GET /ws", s.handleWS)
}

// ServeHTTP implements http.Handler, applying auth and CORS middleware.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// CORS: check Origin on mutating requests to prevent CSRF.
	if len(s.allowedOrigins) > 0 {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if r.Method == http.MethodOptions {
				if s.isOriginAllowed(origin) {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
					w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
					w.Header().Set("Access-Control-Max-Age", "3600")
					w.WriteHeader(http.StatusNoContent)
					return
				}
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}

			if r.Method != http.MethodGet {
				if !s.isOriginAllowed(origin) {
					http.Error(w, "Forbidden", http.StatusForbidden)
					return
				}
				w.Header().Set("Access-Control-Allow-Origin", origin)
			}
		}
	}

	if s.apiKey != "" {
		// Frames, static files and the WebSocket stay open: browsers cannot send
		// custom headers on frame navigation, form posts or WS upgrade.
		if strings.HasPrefix(r.URL.Path, "/api/") {
			key := r.Header.Get("X-API-Key")
			if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
		}
	}
	s.mux.ServeHTTP(w, r)
}

// isOriginAllowed checks if the origin matches any allowed origin pattern.
func (s *Server) isOriginAllowed(origin string) bool {
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (s *Server) renderTemplate(w http.ResponseWriter, name string, data map[string]any) {
	s.renderTemplateStatus(w, http.StatusOK, name, data)
}

// renderTemplateStatus renders to a buffer first, so partial write failures
// don't corrupt the response.
func (s *Server) renderTemplateStatus(w http.ResponseWriter, status int, name string, data map[string]any) {
	t, ok := s.templates[name]
	if !ok {
		s.logger.Error("template not found", "name", name)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if data == nil {
		data = make(map[string]any)
	}
	data["Version"] = s.version
	data["Frame"] = strings.TrimSuffix(name, ".html")
	if _, ok := data["Title"]; !ok {
		data["Title"] = s.cfg.Title
	}

	var buf bytes.Buffer
	if err := t.ExecuteTemplate(&buf, name, data); err != nil {
		s.logger.Error("render template", "name", name, "err", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if _, err := w.Write(buf.Bytes()); err != nil {
		s.logger.Debug("write template response", "name", name, "err", err)
	}
}
