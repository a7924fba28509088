// Package notify delivers recording alerts by webhook, Microsoft Graph
// email and Zabbix trapper.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oszuidwest/zwfm-multitrack/internal/recording"
	"github.com/oszuidwest/zwfm-multitrack/internal/status"
	"github.com/oszuidwest/zwfm-multitrack/internal/types"
	"github.com/oszuidwest/zwfm-multitrack/internal/util"
)

// Alert event names used in webhook payloads.
const (
	EventTrackFailed   = "track_failed"
	EventDeviceOffline = "device_offline"
	EventSessionError  = "session_error"
	EventUploadFailed  = "upload_failed"
)

// Config holds the alert destinations. Unconfigured destinations are skipped.
type Config struct {
	StationName string             `json:"station_name" mapstructure:"station_name"`
	WebhookURL  string             `json:"webhook_url,omitempty" mapstructure:"webhook_url"`
	Graph       types.GraphConfig  `json:"graph" mapstructure:"graph"`
	Zabbix      types.ZabbixConfig `json:"zabbix" mapstructure:"zabbix"`
}

// Notifier fans alerts out to every configured destination. Deliveries run
// in the background; Close waits for them.
type Notifier struct {
	cfg   Config
	runID string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// mu protects the cached Graph client.
	mu          sync.Mutex
	graphClient *GraphClient
	endpoints   *graphEndpoints
}

// New returns a Notifier that stamps every alert with runID.
func New(cfg Config, runID string) *Notifier {
	ctx, cancel := context.WithCancel(context.Background())
	return &Notifier{cfg: cfg, runID: runID, ctx: ctx, cancel: cancel}
}

// HandleAlert delivers an aggregator alert.
func (n *Notifier) HandleAlert(al status.Alert) {
	n.dispatch(&WebhookPayload{
		Event:     alertEvent(al),
		Device:    al.Device,
		Track:     al.Track,
		State:     string(al.State),
		Error:     al.Err,
		Timestamp: al.At.UTC().Format(time.RFC3339),
	})
}

// HandleUpload delivers an alert for an abandoned upload. Successful
// uploads are ignored.
func (n *Notifier) HandleUpload(res recording.UploadResult) {
	if res.Err == nil {
		return
	}
	n.dispatch(&WebhookPayload{
		Event:     EventUploadFailed,
		Device:    res.File.Track.Device,
		Track:     res.File.Track.Name(),
		State:     string(types.StateFailed),
		Error:     res.Err.Error(),
		Message:   fmt.Sprintf("upload of %s abandoned", res.File.Path),
		Timestamp: timestampUTC(),
	})
}

func (n *Notifier) dispatch(p *WebhookPayload) {
	p.Station = n.cfg.StationName
	p.RunID = n.runID

	if util.IsConfigured(n.cfg.WebhookURL) {
		n.goNotify("webhook", p, func() error { return sendWebhook(n.ctx, n.cfg.WebhookURL, p) })
	}
	if IsConfigured(&n.cfg.Graph) {
		n.goNotify("email", p, func() error { return n.sendEmail(p) })
	}
	if ZabbixConfigured(&n.cfg.Zabbix) {
		n.goNotify("zabbix", p, func() error { return sendZabbixEvent(n.ctx, &n.cfg.Zabbix, zabbixValue(p)) })
	}
}

func (n *Notifier) goNotify(channel string, p *WebhookPayload, fn func() error) {
	n.wg.Go(func() {
		util.LogNotifyResult(fn, channel, "event", p.Event, "device", p.Device, "track", p.Track)
	})
}

// sendEmail sends an alert using the cached Graph client.
func (n *Notifier) sendEmail(p *WebhookPayload) error {
	client, err := n.client()
	if err != nil {
		return util.WrapError("create Graph client", err)
	}
	recipients := ParseRecipients(n.cfg.Graph.Recipients)
	if err := client.SendMail(n.ctx, recipients, alertSubject(n.cfg.StationName, p), alertBody(p)); err != nil {
		return util.WrapError("send email via Graph", err)
	}
	return nil
}

func (n *Notifier) client() (*GraphClient, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.graphClient != nil {
		return n.graphClient, nil
	}
	ep := defaultEndpoints(n.cfg.Graph.TenantID)
	if n.endpoints != nil {
		ep = *n.endpoints
	}
	client, err := newGraphClient(&n.cfg.Graph, ep)
	if err != nil {
		return nil, err
	}
	n.graphClient = client
	return client, nil
}

// Close waits up to timeout for pending deliveries, then cancels them.
func (n *Notifier) Close(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		slog.Warn("notifications still pending at shutdown, canceling")
		n.cancel()
		<-done
	}
	n.cancel()
}

// alertEvent maps an alert onto its webhook event name.
func alertEvent(al status.Alert) string {
	switch {
	case al.Kind == status.AlertSession:
		return EventSessionError
	case al.State == types.StateFailed:
		return EventTrackFailed
	default:
		return EventDeviceOffline
	}
}

func zabbixValue(p *WebhookPayload) string {
	v := fmt.Sprintf("event=%s device=%q", p.Event, p.Device)
	if p.Track != "" {
		v += fmt.Sprintf(" track=%q", p.Track)
	}
	if p.Error != "" {
		v += fmt.Sprintf(" error=%q", p.Error)
	}
	return v
}
