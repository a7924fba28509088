// Package engine starts one isolated capture session per device and joins
// them into a single recorder run with aggregated status.
package engine

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oszuidwest/zwfm-multitrack/internal/capture"
	"github.com/oszuidwest/zwfm-multitrack/internal/eventlog"
	"github.com/oszuidwest/zwfm-multitrack/internal/recording"
	"github.com/oszuidwest/zwfm-multitrack/internal/sink"
	"github.com/oszuidwest/zwfm-multitrack/internal/status"
	"github.com/oszuidwest/zwfm-multitrack/internal/types"
)

// Sentinel errors for engine operations.
var (
	// ErrNoSessions is returned when Start is called without devices.
	ErrNoSessions = errors.New("no capture sessions configured")
	// ErrDuplicateDevice is returned when two sessions use the same device name.
	ErrDuplicateDevice = errors.New("device configured twice")
)

// Config describes one recorder run.
type Config struct {
	Sessions []capture.SessionConfig
	// StaleAfter is how long a device may stay quiet before the aggregator
	// reports it offline. Zero selects status.DefaultStaleAfter.
	StaleAfter time.Duration
}

// Enqueuer accepts closed files for upload.
type Enqueuer interface {
	Enqueue(ev recording.FileEvent) bool
}

// Options supplies collaborators. Only Opener and Namer are required.
type Options struct {
	Opener   sink.Opener
	Namer    recording.Namer
	RunID    string // generated when empty
	Hooks    recording.Hooks
	Uploader Enqueuer
	Events   *eventlog.Logger
	OnAlert  func(status.Alert)
	Logger   *slog.Logger
}

// Handle controls a running recorder.
type Handle struct {
	runID      string
	channels   []*capture.Channel
	tracks     map[string][]string
	aggregator *status.Aggregator
	events     *eventlog.Logger
	logger     *slog.Logger

	aggDone  chan struct{}
	joinOnce sync.Once
	joinErr  error
}

// Start validates every session before touching any device, then starts
// the aggregator and one capture channel per device. A configuration error
// in any session aborts the whole run.
func Start(ctx context.Context, cfg Config, opts Options) (*Handle, error) {
	if len(cfg.Sessions) == 0 {
		return nil, ErrNoSessions
	}
	if opts.Opener == nil || opts.Namer == nil {
		return nil, errors.New("engine needs an opener and a namer")
	}

	runID := cmp.Or(opts.RunID, uuid.NewString())
	logger := cmp.Or(opts.Logger, slog.Default()).With("run_id", runID)

	sessionOpts := []capture.SessionOption{
		capture.WithSessionLogger(logger),
		capture.WithFileHooks(fileHooks(opts)),
	}

	seen := make(map[string]bool, len(cfg.Sessions))
	sessions := make([]*capture.Session, 0, len(cfg.Sessions))
	for i, sc := range cfg.Sessions {
		s, err := capture.NewSession(sc, opts.Opener, opts.Namer, sessionOpts...)
		if err != nil {
			return nil, fmt.Errorf("session %d: %w", i+1, err)
		}
		if seen[s.Device()] {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateDevice, s.Device())
		}
		seen[s.Device()] = true
		sessions = append(sessions, s)
	}

	h := &Handle{
		runID:   runID,
		tracks:  make(map[string][]string, len(sessions)),
		events:  opts.Events,
		logger:  logger,
		aggDone: make(chan struct{}),
	}
	h.aggregator = status.NewAggregator(
		status.WithStaleAfter(cmp.Or(cfg.StaleAfter, status.DefaultStaleAfter)),
		status.WithAlertHandler(h.alertHandler(opts.OnAlert)),
		status.WithLogger(logger),
	)

	msgs := make(chan status.Message, 4*len(sessions))
	for _, s := range sessions {
		h.aggregator.Register(s.Tracks()...)
		for _, t := range s.Tracks() {
			h.tracks[s.Device()] = append(h.tracks[s.Device()], t.Name())
		}
		h.channels = append(h.channels, capture.NewChannel(s, msgs))
	}

	go func() {
		defer close(h.aggDone)
		h.aggregator.Run(msgs)
	}()

	for _, ch := range h.channels {
		h.logEvent(func(ev *eventlog.Logger) error {
			return ev.LogSession(eventlog.SessionStarted, ch.Device(), h.tracks[ch.Device()], "")
		})
		ch.Start(ctx)
	}

	go func() {
		for _, ch := range h.channels {
			<-ch.Done()
		}
		close(msgs)
	}()

	logger.Info("recorder started", "devices", len(h.channels))
	return h, nil
}

// fileHooks composes the caller's hooks with event logging and upload.
func fileHooks(opts Options) recording.Hooks {
	return recording.Hooks{
		FileOpened: func(ev recording.FileEvent) {
			if opts.Events != nil {
				_ = opts.Events.LogFile(eventlog.FileOpened, ev.Track.Device, ev.Track.Name(), ev.Path, 0, 0, 0)
			}
			if opts.Hooks.FileOpened != nil {
				opts.Hooks.FileOpened(ev)
			}
		},
		FileClosed: func(ev recording.FileEvent) {
			if opts.Events != nil {
				_ = opts.Events.LogFile(eventlog.FileClosed, ev.Track.Device, ev.Track.Name(), ev.Path, ev.Frames, ev.Bytes, ev.Duration)
			}
			if opts.Uploader != nil {
				opts.Uploader.Enqueue(ev)
			}
			if opts.Hooks.FileClosed != nil {
				opts.Hooks.FileClosed(ev)
			}
		},
	}
}

func (h *Handle) alertHandler(next func(status.Alert)) func(status.Alert) {
	return func(al status.Alert) {
		h.logEvent(func(ev *eventlog.Logger) error {
			switch {
			case al.Kind == status.AlertSession:
				return ev.LogSession(eventlog.SessionError, al.Device, nil, al.Err)
			case al.State == types.StateFailed:
				return ev.LogDevice(eventlog.TrackFailed, al.Device, al.Track, string(al.State), al.Err)
			default:
				return ev.LogDevice(eventlog.DeviceOffline, al.Device, al.Track, string(al.State), al.Err)
			}
		})
		if next != nil {
			next(al)
		}
	}
}

func (h *Handle) logEvent(fn func(*eventlog.Logger) error) {
	if h.events == nil {
		return
	}
	if err := fn(h.events); err != nil {
		h.logger.Warn("failed to write event log", "error", err)
	}
}

// RunID returns the identifier of this run.
func (h *Handle) RunID() string {
	return h.runID
}

// Aggregator returns the status aggregator, for metrics collectors.
func (h *Handle) Aggregator() *status.Aggregator {
	return h.aggregator
}

// Snapshot returns the current aggregated status.
func (h *Handle) Snapshot() status.Snapshot {
	return h.aggregator.Snapshot()
}

// Stop asks every session to flush and close its files. It does not wait;
// use Join for that.
func (h *Handle) Stop() {
	for _, ch := range h.channels {
		ch.Stop()
	}
}

// Join waits until every session has ended and the aggregator has applied
// its last message. It returns the sessions' errors joined.
func (h *Handle) Join() error {
	h.joinOnce.Do(func() {
		<-h.aggDone

		var errs []error
		for _, ch := range h.channels {
			err := ch.Err()
			msg := ""
			if err != nil {
				errs = append(errs, err)
				msg = err.Error()
			}
			h.logEvent(func(ev *eventlog.Logger) error {
				return ev.LogSession(eventlog.SessionStopped, ch.Device(), h.tracks[ch.Device()], msg)
			})
		}
		if err := h.aggregator.Consistent(); err != nil {
			h.logger.Error("status totals are inconsistent", "error", err)
		}
		h.joinErr = errors.Join(errs...)
		total := h.aggregator.Snapshot().Total
		h.logger.Info("recorder stopped",
			"files", total.Files,
			"bytes", total.Bytes,
			"recorded", total.RecordedDuration,
			"errors", len(errs))
	})
	return h.joinErr
}

// Done is closed once every session has ended.
func (h *Handle) Done() <-chan struct{} {
	return h.aggDone
}
