package main

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/oszuidwest/zwfm-multitrack/internal/eventlog"
	"github.com/oszuidwest/zwfm-multitrack/internal/notify"
	"github.com/oszuidwest/zwfm-multitrack/internal/recording"
	"github.com/oszuidwest/zwfm-multitrack/internal/server"
	"github.com/oszuidwest/zwfm-multitrack/internal/sink"
	"github.com/oszuidwest/zwfm-multitrack/internal/types"
)

const (
	// defaultEventsLimit is the page size of GET /api/events.
	defaultEventsLimit = 100
	// testTimeout bounds notification and upload tests.
	testTimeout = 30 * time.Second
)

// coalesce returns the first non-zero value.
func coalesce[T comparable](values ...T) T {
	var zero T
	for _, v := range values {
		if v != zero {
			return v
		}
	}
	return zero
}

// writeResult writes the outcome of a connectivity test.
func writeResult(w http.ResponseWriter, err error) {
	if err != nil {
		server.WriteJSON(w, http.StatusOK, map[string]any{"success": false, "error": err.Error()})
		return
	}
	server.WriteJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// handleAPIStatus returns the current recorder status.
// GET /api/status
func (s *Server) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	server.WriteJSON(w, http.StatusOK, s.buildStatus())
}

// EventsResponse is the body of GET /api/events.
type EventsResponse struct {
	Events  []eventlog.Event `json:"events"`
	HasMore bool             `json:"has_more"`
}

// handleAPIEvents returns a page of the event log, newest first.
// GET /api/events?limit=&offset=&type=
func (s *Server) handleAPIEvents(w http.ResponseWriter, r *http.Request) {
	q := server.EventsQuery{Limit: defaultEventsLimit, Type: r.URL.Query().Get("type")}
	for name, dst := range map[string]*int{"limit": &q.Limit, "offset": &q.Offset} {
		raw := r.URL.Query().Get(name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			server.WriteError(w, http.StatusBadRequest, name+" must be an integer")
			return
		}
		*dst = n
	}
	if err := server.Validate(q); err != nil {
		server.WriteValidationErrors(w, err)
		return
	}

	events, hasMore, err := eventlog.ReadLast(s.config.EventLogPath(), q.Limit, q.Offset, eventlog.TypeFilter(q.Type))
	if err != nil {
		server.WriteError(w, http.StatusInternalServerError, "failed to read event log")
		return
	}
	server.WriteJSON(w, http.StatusOK, EventsResponse{Events: events, HasMore: hasMore})
}

// handleAPIDevices lists the capture devices the host offers.
// GET /api/devices
func (s *Server) handleAPIDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.listDevices()
	if err != nil {
		server.WriteError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	server.WriteJSON(w, http.StatusOK, map[string]any{"devices": devices})
}

// handleAPITestWebhook sends a test webhook.
// POST /api/notifications/webhook/test
func (s *Server) handleAPITestWebhook(w http.ResponseWriter, r *http.Request) {
	var req server.WebhookTestRequest
	if !server.DecodeAndValidate(w, r, &req) {
		return
	}

	url := coalesce(req.URL, s.config.Notifications.WebhookURL)
	if url == "" {
		server.WriteJSON(w, http.StatusOK, map[string]any{"success": false, "error": "No webhook URL configured"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), testTimeout)
	defer cancel()
	writeResult(w, notify.SendTestWebhook(ctx, url, s.config.Station))
}

// handleAPITestEmail sends a test email through Microsoft Graph.
// POST /api/notifications/email/test
func (s *Server) handleAPITestEmail(w http.ResponseWriter, r *http.Request) {
	var req server.EmailTestRequest
	if !server.DecodeAndValidate(w, r, &req) {
		return
	}

	// Use request values or fall back to the loaded config
	cfg := s.config.Notifications.Email
	graphCfg := &notify.GraphConfig{
		TenantID:     coalesce(req.TenantID, cfg.TenantID),
		ClientID:     coalesce(req.ClientID, cfg.ClientID),
		ClientSecret: coalesce(req.ClientSecret, cfg.ClientSecret),
		FromAddress:  coalesce(req.FromAddress, cfg.FromAddress),
		Recipients:   coalesce(req.Recipients, cfg.Recipients),
	}
	if !notify.IsConfigured(graphCfg) {
		server.WriteJSON(w, http.StatusOK, map[string]any{"success": false, "error": "Email not fully configured"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), testTimeout)
	defer cancel()
	writeResult(w, notify.SendTestEmail(ctx, graphCfg, s.config.Station))
}

// handleAPITestZabbix sends a test trapper value.
// POST /api/notifications/zabbix/test
func (s *Server) handleAPITestZabbix(w http.ResponseWriter, r *http.Request) {
	var req server.ZabbixTestRequest
	if !server.DecodeAndValidate(w, r, &req) {
		return
	}

	cfg := s.config.Notifications.Zabbix
	zbx := &types.ZabbixConfig{
		Server: coalesce(req.Server, cfg.Server),
		Port:   coalesce(req.Port, cfg.Port),
		Host:   coalesce(req.Host, cfg.Host),
		Key:    coalesce(req.Key, cfg.Key),
	}
	if !notify.ZabbixConfigured(zbx) {
		server.WriteJSON(w, http.StatusOK, map[string]any{"success": false, "error": "Zabbix not fully configured"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), testTimeout)
	defer cancel()
	writeResult(w, notify.SendTestZabbix(ctx, zbx))
}

// handleAPITestUpload writes and removes a test object in the upload bucket.
// POST /api/upload/test
func (s *Server) handleAPITestUpload(w http.ResponseWriter, r *http.Request) {
	var req server.S3TestRequest
	if !server.DecodeAndValidate(w, r, &req) {
		return
	}

	cfg := s.config.Upload
	cfg.Endpoint = coalesce(req.Endpoint, cfg.Endpoint)
	cfg.Bucket = coalesce(req.Bucket, cfg.Bucket)
	cfg.AccessKeyID = coalesce(req.AccessKey, cfg.AccessKeyID)
	cfg.SecretAccessKey = coalesce(req.SecretKey, cfg.SecretAccessKey)
	if !cfg.IsConfigured() {
		server.WriteJSON(w, http.StatusOK, map[string]any{"success": false, "error": "Upload not fully configured"})
		return
	}

	up, err := recording.NewUploader(cfg, s.recorder.RunID(), sink.Format(s.config.Recording.Format), nil)
	if err != nil {
		writeResult(w, err)
		return
	}
	defer up.Stop()
	writeResult(w, up.Check(r.Context()))
}
