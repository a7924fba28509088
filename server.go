package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/oszuidwest/zwfm-multitrack/internal/config"
	"github.com/oszuidwest/zwfm-multitrack/internal/device"
	"github.com/oszuidwest/zwfm-multitrack/internal/server"
	"github.com/oszuidwest/zwfm-multitrack/internal/status"
	"github.com/oszuidwest/zwfm-multitrack/internal/types"
)

// statusInterval is how often WebSocket clients receive a snapshot.
const statusInterval = 1000 * time.Millisecond

// recorder is the part of the running engine the server reads.
type recorder interface {
	RunID() string
	Snapshot() status.Snapshot
	Aggregator() *status.Aggregator
}

// Server serves the read-only status API, live updates and metrics.
type Server struct {
	config      *config.Config
	recorder    recorder
	version     *VersionChecker
	registry    *prometheus.Registry
	started     time.Time
	listDevices func() ([]device.Info, error)
}

// NewServer returns a Server for the given recorder. version may be nil
// when update checks are disabled.
func NewServer(cfg *config.Config, rec recorder, version *VersionChecker) *Server {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		status.NewCollector(rec.Aggregator()),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &Server{
		config:      cfg,
		recorder:    rec,
		version:     version,
		registry:    reg,
		started:     time.Now(),
		listDevices: cfg.ListDevices,
	}
}

// StatusResponse is the body of GET /api/status and of every WebSocket push.
type StatusResponse struct {
	Type     string            `json:"type"`
	Station  string            `json:"station"`
	RunID    string            `json:"run_id"`
	Uptime   string            `json:"uptime"`
	Platform string            `json:"platform"`
	Version  types.VersionInfo `json:"version"`
	Status   status.Snapshot   `json:"status"`
}

// buildStatus returns the current status response.
func (s *Server) buildStatus() StatusResponse {
	resp := StatusResponse{
		Type:     "status",
		Station:  s.config.Station,
		RunID:    s.recorder.RunID(),
		Uptime:   time.Since(s.started).Truncate(time.Second).String(),
		Platform: runtime.GOOS,
		Status:   s.recorder.Snapshot(),
	}
	if s.version != nil {
		resp.Version = s.version.Info()
	} else {
		resp.Version = currentVersionInfo()
	}
	return resp
}

// handleWebSocket pushes status snapshots until the client disconnects.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := server.UpgradeConnection(w, r)
	if err != nil {
		slog.Error("WebSocket upgrade failed", "error", err)
		return
	}
	server.Push(r.Context(), conn, statusInterval, func() any { return s.buildStatus() })
}

// SetupRoutes returns an [http.Handler] configured with all application routes.
func (s *Server) SetupRoutes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/status", s.handleAPIStatus)
	mux.HandleFunc("GET /api/events", s.handleAPIEvents)
	mux.HandleFunc("GET /api/devices", s.handleAPIDevices)
	mux.HandleFunc("POST /api/notifications/webhook/test", s.handleAPITestWebhook)
	mux.HandleFunc("POST /api/notifications/email/test", s.handleAPITestEmail)
	mux.HandleFunc("POST /api/notifications/zabbix/test", s.handleAPITestZabbix)
	mux.HandleFunc("POST /api/upload/test", s.handleAPITestUpload)

	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	return server.SecurityHeaders(mux)
}

// Start begins the HTTP server.
// Returns an *http.Server that can be used for graceful shutdown.
func (s *Server) Start() *http.Server {
	addr := fmt.Sprintf(":%d", s.config.System.Port)
	slog.Info("starting web server", "addr", addr)

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.SetupRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	return srv
}
