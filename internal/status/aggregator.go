package status

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oszuidwest/zwfm-multitrack/internal/types"
)

// DefaultStaleAfter is how long a running session may stay quiet before
// its device is reported offline.
const DefaultStaleAfter = 10 * time.Second

// ErrInconsistent is returned by Consistent when a sum disagrees with its parts.
var ErrInconsistent = errors.New("status totals do not match their parts")

// AlertKind says what raised an alert.
type AlertKind string

// Alert kinds.
const (
	// AlertTrack is raised when a track turns offline or failed.
	AlertTrack AlertKind = "track"
	// AlertStale is raised when a running device stops reporting.
	AlertStale AlertKind = "stale"
	// AlertSession is raised when a session ends with an error.
	AlertSession AlertKind = "session"
)

// Alert reports a track or device entering an unhealthy state.
type Alert struct {
	Kind   AlertKind
	Device string
	Track  string // empty for device-level alerts
	State  types.ActiveState
	Err    string
	At     time.Time
}

// DeviceSnapshot is the reported state of one device.
type DeviceSnapshot struct {
	Status   types.ChannelStatus `json:"status"`
	Ended    bool                `json:"ended"`
	LastSeen time.Time           `json:"last_seen"`
}

// Snapshot is a read-only copy of the aggregated state.
type Snapshot struct {
	At      time.Time                      `json:"at"`
	Total   types.ChannelStatus            `json:"total"`
	Devices map[string]DeviceSnapshot      `json:"devices"`
	Tracks  map[string]types.ChannelStatus `json:"tracks"` // keyed by device/track
	Rows    []Row                          `json:"rows"`
}

// Aggregator merges session messages into per-track, per-device and total
// status. Messages are applied by a single Run loop; Snapshot may be
// called concurrently from any goroutine.
type Aggregator struct {
	mu    sync.RWMutex
	total *TotalNode

	staleAfter time.Duration
	tick       time.Duration
	now        func() time.Time
	onAlert    func(Alert)
	logger     *slog.Logger
}

// Option customizes an Aggregator.
type Option func(*Aggregator)

// WithStaleAfter sets the quiet period after which a device is offline.
// Zero disables stale detection.
func WithStaleAfter(d time.Duration) Option {
	return func(a *Aggregator) { a.staleAfter = d }
}

// WithAlertHandler installs a callback for alerts. It runs on the Run
// goroutine outside the lock.
func WithAlertHandler(fn func(Alert)) Option {
	return func(a *Aggregator) { a.onAlert = fn }
}

// WithClock overrides the clock used for stale detection.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Aggregator) { a.logger = l }
}

// NewAggregator returns an empty aggregator.
func NewAggregator(opts ...Option) *Aggregator {
	a := &Aggregator{
		total:      newTotalNode(),
		staleAfter: DefaultStaleAfter,
		tick:       types.DefaultPollInterval,
		now:        time.Now,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Register adds tracks up front so they are reported before their first update.
func (a *Aggregator) Register(tracks ...types.Track) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, t := range tracks {
		dev := a.device(t.Device)
		if _, ok := dev.tracks[t.Name()]; !ok {
			dev.tracks[t.Name()] = newTrackNode(t)
		}
	}
}

// Run applies messages until in is closed. Between messages it checks for
// stale devices every poll interval.
func (a *Aggregator) Run(in <-chan Message) {
	ticker := time.NewTicker(a.tick)
	defer ticker.Stop()
	for {
		select {
		case m, ok := <-in:
			if !ok {
				return
			}
			a.Apply(m)
		case <-ticker.C:
			a.CheckStale()
		}
	}
}

// Apply merges one message.
func (a *Aggregator) Apply(m Message) {
	a.mu.Lock()
	var alerts []Alert
	switch m := m.(type) {
	case StatusUpdate:
		alerts = a.applyUpdate(m)
	case SessionError:
		alerts = a.applyError(m)
	case SessionEnded:
		a.applyEnded(m)
	}
	a.mu.Unlock()
	a.fire(alerts)
}

func (a *Aggregator) device(name string) *DeviceNode {
	d, ok := a.total.devices[name]
	if !ok {
		d = newDeviceNode(name, a.now())
		a.total.devices[name] = d
	}
	return d
}

func (a *Aggregator) applyUpdate(m StatusUpdate) []Alert {
	dev := a.device(m.Device)
	dev.lastSeen = a.stamp(m.At)
	dev.stale = false

	var alerts []Alert
	for name, d := range m.Tracks {
		t := dev.track(name)
		prev := t.status.State
		t.Merge(d)
		dev.Merge(d)
		a.total.Merge(d)
		if s := t.status.State; s != prev && unhealthy(s) {
			alerts = append(alerts, Alert{Kind: AlertTrack, Device: m.Device, Track: name, State: s, Err: t.status.Error, At: dev.lastSeen})
		}
	}
	return alerts
}

func (a *Aggregator) applyError(m SessionError) []Alert {
	dev := a.device(m.Device)
	if m.Err != nil {
		dev.err = m.Err.Error()
	}
	a.logger.Error("session failed", "device", m.Device, "error", m.Err)
	return []Alert{{Kind: AlertSession, Device: m.Device, State: dev.State(), Err: dev.err, At: a.stamp(m.At)}}
}

func (a *Aggregator) applyEnded(m SessionEnded) {
	dev := a.device(m.Device)
	dev.ended = true
	dev.lastSeen = a.stamp(m.At)
	for _, t := range dev.tracks {
		if t.status.State == types.StateActive {
			t.status.State = types.StateInactive
		}
		t.status.Amplitude = nil
	}
	a.logger.Info("session ended", "device", m.Device)
}

// CheckStale marks running devices without recent updates offline.
func (a *Aggregator) CheckStale() {
	if a.staleAfter <= 0 {
		return
	}
	a.mu.Lock()
	now := a.now()
	var alerts []Alert
	for _, dev := range a.total.sortedDevices() {
		if dev.ended || dev.stale || now.Sub(dev.lastSeen) <= a.staleAfter {
			continue
		}
		dev.stale = true
		for _, t := range dev.tracks {
			if t.status.State != types.StateFailed {
				t.status.State = types.StateOffline
			}
		}
		msg := fmt.Sprintf("no status for %s", now.Sub(dev.lastSeen).Truncate(time.Second))
		a.logger.Warn("device is stale", "device", dev.name, "last_seen", dev.lastSeen)
		alerts = append(alerts, Alert{Kind: AlertStale, Device: dev.name, State: types.StateOffline, Err: msg, At: now})
	}
	a.mu.Unlock()
	a.fire(alerts)
}

func (a *Aggregator) fire(alerts []Alert) {
	if a.onAlert == nil {
		return
	}
	for _, al := range alerts {
		a.onAlert(al)
	}
}

func (a *Aggregator) stamp(t time.Time) time.Time {
	if t.IsZero() {
		return a.now()
	}
	return t
}

func unhealthy(s types.ActiveState) bool {
	return s == types.StateOffline || s == types.StateFailed
}

// Snapshot returns a copy of the current state.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()

	snap := Snapshot{
		At:      a.now(),
		Total:   a.total.status.Clone(),
		Devices: make(map[string]DeviceSnapshot, len(a.total.devices)),
		Tracks:  make(map[string]types.ChannelStatus),
		Rows:    a.total.Rows(),
	}
	for name, dev := range a.total.devices {
		st := dev.status.Clone()
		st.State = dev.State()
		st.Error = dev.err
		snap.Devices[name] = DeviceSnapshot{Status: st, Ended: dev.ended, LastSeen: dev.lastSeen}
		for trackName, t := range dev.tracks {
			snap.Tracks[types.TrackKey(name, trackName)] = t.status.Clone()
		}
	}
	return snap
}

// Consistent verifies that every device equals the sum of its tracks and
// the total equals the sum of its devices.
func (a *Aggregator) Consistent() error {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var errs []error
	var devices types.ChannelStatus
	for _, dev := range a.total.sortedDevices() {
		rest := dev.status.Counters()
		for _, t := range dev.tracks {
			rest = rest.Sub(t.status)
		}
		if !rest.IsZero() {
			errs = append(errs, fmt.Errorf("%w: device %q differs by %+v", ErrInconsistent, dev.name, rest))
		}
		devices = devices.Add(dev.status.Counters())
	}
	if rest := a.total.status.Counters().Sub(devices); !rest.IsZero() {
		errs = append(errs, fmt.Errorf("%w: total differs by %+v", ErrInconsistent, rest))
	}
	return errors.Join(errs...)
}
