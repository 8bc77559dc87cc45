package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/Anipaleja/miniwaf/internal/config"
	"github.com/Anipaleja/miniwaf/internal/denylist"
	"github.com/Anipaleja/miniwaf/internal/firewall"
	"github.com/Anipaleja/miniwaf/internal/metrics"
	"github.com/Anipaleja/miniwaf/internal/scan"
	"github.com/Anipaleja/miniwaf/pkg/geoip"
	"github.com/Anipaleja/miniwaf/pkg/logparser"
)

// Scanner runs passes on demand and remembers the last one.
type Scanner interface {
	RunOnce(ctx context.Context) (*scan.Result, error)
	LastResult() *scan.Result
}

// Components are the parts of the application the API reports on. Every
// field except Scanner and DenyPath is optional.
type Components struct {
	Scanner  Scanner
	DenyPath string
	Firewall *firewall.Manager
	Metrics  *metrics.Collector
	GeoIP    *geoip.Service
	Version  string
}

// Server provides the status API
type Server struct {
	config     config.ServerConfig
	logger     *logrus.Logger
	router     *mux.Router
	httpServer *http.Server
	components Components
	startedAt  time.Time

	// WebSocket
	upgrader  websocket.Upgrader
	clientsMu sync.Mutex
	clients   map[*websocket.Conn]bool
}

// NewServer creates a new status server
func NewServer(cfg config.ServerConfig, components Components, logger *logrus.Logger) *Server {
	server := &Server{
		config:     cfg,
		logger:     logger,
		router:     mux.NewRouter(),
		components: components,
		startedAt:  time.Now(),
		clients:    make(map[*websocket.Conn]bool),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	server.setupRoutes()

	server.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.Port),
		Handler:      server.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return server
}

// setupRoutes sets up all HTTP routes
func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.Use(s.jsonMiddleware)

	api.HandleFunc("/health", s.healthHandler).Methods("GET")
	api.HandleFunc("/status", s.statusHandler).Methods("GET")
	api.HandleFunc("/stats", s.statsHandler).Methods("GET")
	api.HandleFunc("/bans", s.bansHandler).Methods("GET")
	api.HandleFunc("/ip/{ip}", s.ipHandler).Methods("GET")
	api.HandleFunc("/scan", s.scanHandler).Methods("POST")

	// Real-time updates via WebSocket
	s.router.HandleFunc("/ws", s.websocketHandler)

	// Prometheus metrics endpoint
	if s.components.Metrics != nil {
		s.router.Handle("/metrics", s.components.Metrics.Handler())
	}
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Middleware
func (s *Server) jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Debug("Failed to write response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

// API handlers
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"version":   s.components.Version,
		"uptime":    time.Since(s.startedAt).String(),
	})
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"firewall":          s.components.Firewall != nil,
		"metrics":           s.components.Metrics != nil,
		"geoip":             s.components.GeoIP.Enabled(),
		"websocket_clients": s.clientCount(),
		"timestamp":         time.Now().UTC(),
	}

	if s.components.Scanner != nil {
		status["last_run"] = s.components.Scanner.LastResult()
	}
	if s.components.Firewall != nil {
		status["firewall_stats"] = s.components.Firewall.GetStats()
	}

	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	if s.components.Metrics == nil {
		s.writeError(w, http.StatusServiceUnavailable, errors.New("metrics not available"))
		return
	}

	exported, err := s.components.Metrics.ExportMetrics()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"timestamp": time.Now().UTC(),
		"stats":     s.components.Metrics.GetStats(),
		"metrics":   exported,
	})
}

// bansHandler lists the deny configuration, newest last. ?limit keeps the
// most recent entries.
func (s *Server) bansHandler(w http.ResponseWriter, r *http.Request) {
	entries, err := denylist.ReadEntries(s.components.DenyPath)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if entries == nil {
		entries = []denylist.Entry{}
	}

	total := len(entries)
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit < 0 {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", limitStr))
			return
		}
		if limit < total {
			entries = entries[total-limit:]
		}
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"bans":  entries,
		"total": total,
	})
}

func (s *Server) ipHandler(w http.ResponseWriter, r *http.Request) {
	ip := mux.Vars(r)["ip"]

	addr, numeric, err := logparser.ParseIPv4(ip)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	entries, err := denylist.ReadEntries(s.components.DenyPath)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	analysis := map[string]interface{}{
		"ip":      addr.String(),
		"numeric": numeric,
		"denied":  false,
	}
	for _, entry := range entries {
		if entry.Numeric == numeric {
			analysis["denied"] = true
			analysis["line"] = entry.Line
			break
		}
	}

	if s.components.Firewall != nil {
		blocked, rule := s.components.Firewall.IsBlocked(addr.String())
		analysis["firewall_blocked"] = blocked
		if rule != nil {
			analysis["block_reason"] = rule.Reason
		}
	}
	if info, err := s.components.GeoIP.Lookup(addr.String()); err == nil {
		analysis["location"] = info
	}

	s.writeJSON(w, http.StatusOK, analysis)
}

func (s *Server) scanHandler(w http.ResponseWriter, r *http.Request) {
	if s.components.Scanner == nil {
		s.writeError(w, http.StatusServiceUnavailable, errors.New("scanner not available"))
		return
	}

	result, err := s.components.Scanner.RunOnce(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	s.writeJSON(w, http.StatusOK, result)
}

// WebSocket handler for real-time updates
func (s *Server) websocketHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Error("Failed to upgrade WebSocket connection")
		return
	}
	defer conn.Close()

	s.clientsMu.Lock()
	s.clients[conn] = true
	err = conn.WriteJSON(map[string]interface{}{
		"type":      "connected",
		"timestamp": time.Now().UTC(),
	})
	total := len(s.clients)
	s.clientsMu.Unlock()
	if err != nil {
		s.removeClient(conn)
		return
	}
	s.logger.Infof("New WebSocket client connected. Total clients: %d", total)

	// Keep connection alive and handle client disconnect
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			s.removeClient(conn)
			s.logger.Infof("WebSocket client disconnected. Total clients: %d", s.clientCount())
			return
		}
	}
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	delete(s.clients, conn)
	s.clientsMu.Unlock()
}

func (s *Server) clientCount() int {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	return len(s.clients)
}

// BroadcastUpdate broadcasts an update to all WebSocket clients
func (s *Server) BroadcastUpdate(updateType string, data interface{}) {
	message := map[string]interface{}{
		"type":      updateType,
		"data":      data,
		"timestamp": time.Now().UTC(),
	}

	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()

	for client := range s.clients {
		client.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := client.WriteJSON(message); err != nil {
			client.Close()
			delete(s.clients, client)
		}
	}
}

// Start starts the server and blocks until it stops
func (s *Server) Start() error {
	s.logger.Infof("Starting status server on %s", s.httpServer.Addr)

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("status server failed: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down status server")

	s.clientsMu.Lock()
	for client := range s.clients {
		client.Close()
	}
	s.clientsMu.Unlock()

	return s.httpServer.Shutdown(ctx)
}
