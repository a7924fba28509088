// Package capture runs one device's capture session: a real-time callback
// hands frames over a lock-free ring to a worker that demultiplexes them
// into per-track writers.
package capture

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/oszuidwest/zwfm-multitrack/internal/audio"
	"github.com/oszuidwest/zwfm-multitrack/internal/device"
	"github.com/oszuidwest/zwfm-multitrack/internal/recording"
	"github.com/oszuidwest/zwfm-multitrack/internal/sink"
	"github.com/oszuidwest/zwfm-multitrack/internal/types"
	"github.com/oszuidwest/zwfm-multitrack/internal/util"
)

// Sentinel errors for capture sessions.
var (
	// ErrMalformedFrame marks a single dropped frame; capture continues.
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrDeviceOffline is returned when a device stops delivering audio.
	ErrDeviceOffline = errors.New("device stopped delivering audio")
	// ErrPanic is returned when capture code panicked.
	ErrPanic = errors.New("capture panicked")
	// ErrAlreadyStarted is returned when Run is called twice.
	ErrAlreadyStarted = errors.New("session already started")
	// ErrInvalidDevice is returned for devices without channels or sample rate.
	ErrInvalidDevice = errors.New("device reports no channels or sample rate")
)

// FatalError ends a session. Other sessions are unaffected.
type FatalError struct {
	Device string
	Err    error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("device %q: %v", e.Device, e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// SessionConfig describes one device session. Zero values for the
// tuning fields select the defaults from the types package.
type SessionConfig struct {
	Device       device.Device
	SampleFormat types.SampleFormat
	BlockFrames  int                  // frames per callback, 0 lets the backend choose
	Tracks       []types.ChannelRange // empty selects automatic stereo pairing
	Gate         audio.DurationConfigSeconds
	Format       sink.Format
	Subtype      sink.Subtype

	HandoffCapacity int
	PollInterval    time.Duration
	OfflineTimeout  time.Duration
}

// Reporter receives per-track status deltas keyed by track name.
type Reporter func(map[string]types.ChannelStatus)

// SessionOption customizes a Session.
type SessionOption func(*sessionOptions)

type sessionOptions struct {
	logger *slog.Logger
	hooks  recording.Hooks
}

// WithSessionLogger sets the session logger.
func WithSessionLogger(l *slog.Logger) SessionOption {
	return func(o *sessionOptions) { o.logger = l }
}

// WithFileHooks installs file lifecycle hooks on every track writer.
func WithFileHooks(h recording.Hooks) SessionOption {
	return func(o *sessionOptions) { o.hooks = h }
}

type frame struct {
	samples []float64
	at      time.Time
}

// Session captures one device into its track writers.
type Session struct {
	cfg        SessionConfig
	info       device.Info
	demux      *audio.Demux
	writers    []*recording.TrackWriter
	frameLimit int64
	logger     *slog.Logger

	// Shared with the audio callback.
	handoff   *Ring[*frame]
	free      *Ring[*frame]
	accepting atomic.Bool
	overflows atomic.Int64
	malformed atomic.Int64
	panicked  chan error

	stop     chan struct{}
	stopOnce sync.Once
	started  atomic.Bool

	// Owned by the worker.
	stream            device.Stream
	frames            int64
	lastFrame         time.Time
	offline           bool
	reportedOverflows int64
	reportedMalformed int64
}

// NewSession validates cfg and builds the track writers. Configuration
// errors are returned here, before the device is opened.
func NewSession(cfg SessionConfig, opener sink.Opener, namer recording.Namer, opts ...SessionOption) (*Session, error) {
	if cfg.Device == nil {
		return nil, ErrInvalidDevice
	}
	info := cfg.Device.Info()
	if info.Channels <= 0 || info.SampleRate <= 0 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidDevice, info.Name)
	}
	if !cfg.SampleFormat.Valid() {
		return nil, fmt.Errorf("%w: %q", device.ErrUnsupportedFormat, cfg.SampleFormat)
	}
	if err := sink.Validate(cfg.Format, cfg.Subtype); err != nil {
		return nil, err
	}
	frames, err := audio.Scale(cfg.Gate, info.SampleRate)
	if err != nil {
		return nil, err
	}
	gate, err := audio.NewSilenceGate(frames)
	if err != nil {
		return nil, err
	}
	demux, err := audio.NewDemux(info.Channels, cfg.Tracks)
	if err != nil {
		return nil, fmt.Errorf("device %q: %w", info.Name, err)
	}

	cfg.HandoffCapacity = cmp.Or(cfg.HandoffCapacity, types.DefaultHandoffCapacity)
	cfg.PollInterval = cmp.Or(cfg.PollInterval, types.DefaultPollInterval)
	cfg.OfflineTimeout = cmp.Or(cfg.OfflineTimeout, types.DefaultOfflineTimeout)

	o := sessionOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger.With("device", info.Name)

	s := &Session{
		cfg:        cfg,
		info:       info,
		demux:      demux,
		frameLimit: int64(frames.TotalRunTime),
		logger:     logger,
		handoff:    NewRing[*frame](cfg.HandoffCapacity),
		panicked:   make(chan error, 1),
		stop:       make(chan struct{}),
	}

	for _, r := range demux.Ranges() {
		w, err := recording.NewTrackWriter(recording.WriterConfig{
			Track:      types.Track{Device: info.Name, Channels: r},
			SampleRate: info.SampleRate,
			Format:     cfg.Format,
			Subtype:    cfg.Subtype,
			Gate:       gate,
		}, opener, namer, recording.WithHooks(o.hooks), recording.WithLogger(o.logger))
		if err != nil {
			return nil, err
		}
		s.writers = append(s.writers, w)
	}

	// One buffer per handoff slot, so the handoff ring can never be full
	// while a free buffer exists.
	s.free = NewRing[*frame](s.handoff.Cap())
	bufSize := max(cfg.BlockFrames, 1024) * info.Channels
	for range s.handoff.Cap() {
		s.free.TryPush(&frame{samples: make([]float64, 0, bufSize)})
	}
	return s, nil
}

// Device returns the device name.
func (s *Session) Device() string {
	return s.info.Name
}

// Tracks returns the tracks this session records, in channel order.
func (s *Session) Tracks() []types.Track {
	out := make([]types.Track, len(s.writers))
	for i, w := range s.writers {
		out[i] = w.Track()
	}
	return out
}

// Stop asks Run to drain, close every file and return. It is safe to call
// more than once and from any goroutine.
func (s *Session) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Run opens the device and captures until ctx is canceled, Stop is called,
// the total run time is reached or the device fails. Buffered audio is
// always drained through the writers' close path before Run returns, and
// report receives a final status.
func (s *Session) Run(ctx context.Context, report Reporter) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	s.lastFrame = time.Now()
	s.accepting.Store(true)
	stream, err := s.cfg.Device.Open(s.cfg.SampleFormat, s.cfg.BlockFrames, s.callback)
	if err != nil {
		s.accepting.Store(false)
		s.offline = true
		report(s.deltas())
		return &FatalError{Device: s.info.Name, Err: util.WrapError("open device", err)}
	}
	s.stream = stream
	s.logger.Info("capture started",
		"channels", s.info.Channels,
		"sample_rate", s.info.SampleRate,
		"format", s.cfg.SampleFormat,
		"tracks", len(s.writers))

	g, gctx := errgroup.WithContext(ctx)
	consumeCtx, cancel := context.WithCancel(gctx)
	g.Go(func() error {
		select {
		case err := <-stream.Errors():
			return &FatalError{Device: s.info.Name, Err: err}
		case err := <-s.panicked:
			return &FatalError{Device: s.info.Name, Err: err}
		case <-consumeCtx.Done():
			return nil
		}
	})
	g.Go(func() (err error) {
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				err = &FatalError{Device: s.info.Name, Err: fmt.Errorf("%w: %v", ErrPanic, r)}
			}
		}()
		return s.consume(consumeCtx, report)
	})

	runErr := g.Wait()
	if runErr != nil {
		s.offline = true
		s.logger.Error("capture failed", "error", runErr)
	}
	return errors.Join(runErr, s.finish(report))
}

// callback runs on the audio backend's thread. It copies the frame into a
// pooled buffer and never blocks.
func (s *Session) callback(samples []float64, at time.Time) {
	defer func() {
		if r := recover(); r != nil {
			select {
			case s.panicked <- fmt.Errorf("%w in audio callback: %v", ErrPanic, r):
			default:
			}
		}
	}()
	if !s.accepting.Load() {
		return
	}
	if len(samples) == 0 || len(samples)%s.info.Channels != 0 {
		s.malformed.Add(1)
		return
	}
	f, ok := s.free.TryPop()
	if !ok {
		s.overflows.Add(int64(len(samples) / s.info.Channels))
		return
	}
	f.samples = append(f.samples[:0], samples...)
	f.at = at
	if !s.handoff.TryPush(f) {
		s.overflows.Add(int64(len(samples) / s.info.Channels))
	}
}

func (s *Session) consume(ctx context.Context, report Reporter) error {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if s.drain() {
			s.logger.Info("total run time reached", "duration", types.FramesToDuration(s.frames, s.info.SampleRate))
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-s.stop:
			return nil
		case <-s.handoff.Ready():
		case now := <-ticker.C:
			report(s.deltas())
			if silent := now.Sub(s.lastFrame); silent > s.cfg.OfflineTimeout {
				return &FatalError{
					Device: s.info.Name,
					Err:    fmt.Errorf("%w: nothing received for %s", ErrDeviceOffline, silent.Truncate(time.Millisecond)),
				}
			}
		}
	}
}

// drain processes every queued frame and reports whether the total run
// time has been reached.
func (s *Session) drain() bool {
	for {
		f, ok := s.handoff.TryPop()
		if !ok {
			return false
		}
		done := s.process(f)
		s.free.TryPush(f)
		if done {
			return true
		}
	}
}

func (s *Session) process(f *frame) bool {
	s.lastFrame = f.at
	samples := f.samples
	frames := int64(len(samples) / s.info.Channels)
	if s.frameLimit > 0 {
		remaining := s.frameLimit - s.frames
		if remaining <= 0 {
			return true
		}
		if frames > remaining {
			frames = remaining
			samples = samples[:remaining*int64(s.info.Channels)]
		}
	}

	blocks, err := s.demux.Split(samples)
	if err != nil {
		s.malformed.Add(1)
		s.logger.Warn("dropping frame", "error", fmt.Errorf("%w: %w", ErrMalformedFrame, err))
		return false
	}
	s.frames += frames

	for i, w := range s.writers {
		if w.State() == recording.StateFailed {
			continue
		}
		if err := w.Accept(blocks[i]); err != nil && w.State() != recording.StateFailed {
			s.logger.Warn("block rejected", "track", w.Track().Name(), "error", err)
		}
	}
	return s.frameLimit > 0 && s.frames >= s.frameLimit
}

// finish stops the callback, drains what it already queued and closes
// every writer.
func (s *Session) finish(report Reporter) error {
	s.accepting.Store(false)
	var err error
	if cerr := s.stream.Close(); cerr != nil {
		err = util.WrapError("close audio stream", cerr)
	}
	s.drain()
	for _, w := range s.writers {
		// Failures are recorded in the writer's status.
		_ = w.Stop()
	}
	report(s.deltas())
	s.logger.Info("capture stopped",
		"duration", util.FormatDuration(types.FramesToDuration(s.frames, s.info.SampleRate)),
		"overflows", s.overflows.Load(),
		"malformed", s.malformed.Load())
	return err
}

// abort releases the device and files after a panic escaped Run.
func (s *Session) abort() {
	s.accepting.Store(false)
	s.offline = true
	if s.stream != nil {
		safely(s.logger, "close audio stream", func() { _ = s.stream.Close() })
	}
	for _, w := range s.writers {
		safely(s.logger, "stop track", func() { _ = w.Stop() })
	}
}

func safely(logger *slog.Logger, op string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic during cleanup", "op", op, "panic", r)
		}
	}()
	fn()
}

// deltas collects each writer's status change since the last report.
// Frames dropped on overflow are charged to every track.
func (s *Session) deltas() map[string]types.ChannelStatus {
	overflows := s.overflows.Load()
	dropped := overflows - s.reportedOverflows
	s.reportedOverflows = overflows
	if dropped > 0 {
		s.logger.Warn("handoff queue full, frames dropped", "frames", dropped)
	}
	if malformed := s.malformed.Load(); malformed > s.reportedMalformed {
		s.logger.Warn("malformed frames dropped", "count", malformed-s.reportedMalformed)
		s.reportedMalformed = malformed
	}

	out := make(map[string]types.ChannelStatus, len(s.writers))
	for _, w := range s.writers {
		d := w.Delta()
		d.Overflows = dropped
		if s.offline && d.State != types.StateFailed {
			d.State = types.StateOffline
		}
		out[w.Track().Name()] = d
	}
	return out
}
