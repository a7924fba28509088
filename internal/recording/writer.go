package recording

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"slices"
	"time"

	"github.com/oszuidwest/zwfm-multitrack/internal/audio"
	"github.com/oszuidwest/zwfm-multitrack/internal/sink"
	"github.com/oszuidwest/zwfm-multitrack/internal/types"
)

// WriterConfig configures one TrackWriter.
type WriterConfig struct {
	Track      types.Track
	SampleRate int
	Format     sink.Format
	Subtype    sink.Subtype
	Gate       *audio.SilenceGate
}

// TrackWriter gates one track's audio through a SilenceGate into rotated
// files. It is owned by a single capture worker and is not safe for
// concurrent use.
type TrackWriter struct {
	cfg      WriterConfig
	gate     audio.DurationConfigFrames
	opener   sink.Opener
	namer    Namer
	hooks    Hooks
	logger   *slog.Logger
	now      func() time.Time
	channels int

	state State
	queue audio.BlockQueue
	err   error

	file          sink.File
	filePath      string
	fileOpened    time.Time
	fileFrames    int64
	fileBytes     int64
	maxFrames     int64
	bytesPerFrame int64

	// Cumulative counters and the values last handed out by Delta.
	files, reportedFiles   int
	bytes, reportedBytes   int64
	frames, reportedFrames int64
	amplitude              []float64
}

// WriterOption customizes a TrackWriter.
type WriterOption func(*TrackWriter)

// WithHooks installs file lifecycle hooks.
func WithHooks(h Hooks) WriterOption {
	return func(w *TrackWriter) { w.hooks = h }
}

// WithLogger sets the logger; the track is added as an attribute.
func WithLogger(l *slog.Logger) WriterOption {
	return func(w *TrackWriter) { w.logger = l }
}

// WithClock overrides the clock used for file names.
func WithClock(now func() time.Time) WriterOption {
	return func(w *TrackWriter) { w.now = now }
}

// NewTrackWriter returns an idle writer. The longest file is the smaller of
// the gate's LongestFile and the container's byte ceiling.
func NewTrackWriter(cfg WriterConfig, opener sink.Opener, namer Namer, opts ...WriterOption) (*TrackWriter, error) {
	if cfg.Gate == nil {
		return nil, errors.New("track writer needs a silence gate")
	}
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("%w: %d", audio.ErrInvalidSampleRate, cfg.SampleRate)
	}
	channels := cfg.Track.Channels.Count()
	if err := sink.Validate(cfg.Format, cfg.Subtype); err != nil {
		return nil, err
	}

	gate := cfg.Gate.Config()
	maxFrames := int64(gate.LongestFile)
	if ceiling := sink.MaxFrames(cfg.Format, cfg.Subtype, channels); ceiling > 0 {
		if maxFrames == 0 {
			maxFrames = ceiling
		} else {
			maxFrames = min(maxFrames, ceiling)
		}
	}

	w := &TrackWriter{
		cfg:           cfg,
		gate:          gate,
		opener:        opener,
		namer:         namer,
		logger:        slog.Default(),
		now:           time.Now,
		channels:      channels,
		state:         StateIdle,
		maxFrames:     maxFrames,
		bytesPerFrame: int64(sink.BytesPerFrame(cfg.Format, cfg.Subtype, channels)),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With("device", cfg.Track.Device, "track", cfg.Track.Name())
	return w, nil
}

// Track returns the track this writer records.
func (w *TrackWriter) Track() types.Track {
	return w.cfg.Track
}

// State returns the current writer state.
func (w *TrackWriter) State() State {
	return w.state
}

// Err returns the error that failed the writer, if any.
func (w *TrackWriter) Err() error {
	return w.err
}

// MaxFrames returns the rotation threshold in frames, 0 for unlimited.
func (w *TrackWriter) MaxFrames() int64 {
	return w.maxFrames
}

// Accept queues b and acts on the gate's decision.
func (w *TrackWriter) Accept(b *audio.Block) error {
	if w.state == StateFailed {
		return ErrWriterFailed
	}
	if b.Channels() != w.channels {
		return fmt.Errorf("%w: got %d, want %d", sink.ErrChannelMismatch, b.Channels(), w.channels)
	}

	w.amplitude = b.Amplitude()
	w.queue.Append(b)

	switch w.cfg.Gate.Decide(&w.queue, b, w.state == StateRecording) {
	case audio.Open:
		w.queue.ClipFront(w.gate.PreRoll + b.Frames())
		if err := w.openFile(); err != nil {
			return w.fail(err)
		}
		w.state = StateRecording
		return w.flush()
	case audio.Flush:
		return w.flush()
	case audio.Close:
		return w.closeWithPostRoll()
	case audio.Discard:
		w.queue.ClipFront(w.gate.PreRoll)
	case audio.Hold:
	}
	return nil
}

// Stop runs the close path regardless of the signal state and drops any
// remaining buffered silence.
func (w *TrackWriter) Stop() error {
	if w.state == StateFailed {
		return nil
	}
	var err error
	if w.state == StateRecording {
		err = w.closeWithPostRoll()
	}
	w.queue.Clear()
	return err
}

// flush writes every queued block in order.
func (w *TrackWriter) flush() error {
	for _, b := range w.queue.Clear() {
		if err := w.write(b); err != nil {
			return w.fail(err)
		}
	}
	return nil
}

// closeWithPostRoll writes the oldest post-roll worth of queued silence,
// closes the file and keeps the newer silence queued as pre-roll.
func (w *TrackWriter) closeWithPostRoll() error {
	newer := w.queue.ClipBack(w.gate.PostRoll)
	for _, b := range w.queue.Clear() {
		if err := w.write(b); err != nil {
			return w.fail(err)
		}
	}
	if err := w.closeFile(); err != nil {
		return w.fail(err)
	}
	slices.Reverse(newer)
	for _, b := range newer {
		w.queue.Append(b)
	}
	w.state = StateIdle
	return nil
}

// write appends b to the open file, rotating when the file is full.
func (w *TrackWriter) write(b *audio.Block) error {
	for b != nil {
		if w.maxFrames > 0 && w.fileFrames >= w.maxFrames {
			if err := w.rotate(); err != nil {
				return err
			}
		}
		head := b
		b = nil
		if room := w.maxFrames - w.fileFrames; w.maxFrames > 0 && int64(head.Frames()) > room {
			rest, err := head.SliceFrames(int(room), head.Frames())
			if err != nil {
				return err
			}
			if head, err = head.SliceFrames(0, int(room)); err != nil {
				return err
			}
			b = rest
		}
		if err := w.file.Write(head); err != nil {
			return fmt.Errorf("%w: write %s: %w", ErrFileIO, w.filePath, err)
		}
		frames := int64(head.Frames())
		w.fileFrames += frames
		w.fileBytes += frames * w.bytesPerFrame
		w.frames += frames
		w.bytes += frames * w.bytesPerFrame
	}
	return nil
}

func (w *TrackWriter) rotate() error {
	w.logger.Info("rotating file", "file", w.filePath, "frames", w.fileFrames)
	if err := w.closeFile(); err != nil {
		return err
	}
	return w.openFile()
}

// openFile asks the namer for candidates until the sink accepts one.
func (w *TrackWriter) openFile() error {
	opened := w.now()
	var previous string
	for index := 0; ; index++ {
		path := w.namer(w.cfg.Track, opened, index)
		if index > 0 && path == previous {
			return fmt.Errorf("%w: %s", ErrNameCollision, path)
		}
		previous = path

		f, err := w.opener.Open(sink.Params{
			Path:       path,
			Channels:   w.channels,
			SampleRate: w.cfg.SampleRate,
			Format:     w.cfg.Format,
			Subtype:    w.cfg.Subtype,
		})
		if errors.Is(err, fs.ErrExist) {
			w.logger.Debug("file exists, trying next name", "file", path)
			continue
		}
		if err != nil {
			return fmt.Errorf("%w: open %s: %w", ErrFileIO, path, err)
		}

		w.file = f
		w.filePath = path
		w.fileOpened = opened
		w.fileFrames = 0
		w.fileBytes = 0
		w.files++
		w.logger.Info("recording started", "file", path)
		if w.hooks.FileOpened != nil {
			w.hooks.FileOpened(FileEvent{Track: w.cfg.Track, Path: path, Opened: opened})
		}
		return nil
	}
}

func (w *TrackWriter) closeFile() error {
	if w.file == nil {
		return nil
	}
	f, path := w.file, w.filePath
	w.file = nil
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: close %s: %w", ErrFileIO, path, err)
	}

	ev := FileEvent{
		Track:    w.cfg.Track,
		Path:     path,
		Opened:   w.fileOpened,
		Closed:   w.now(),
		Frames:   w.fileFrames,
		Bytes:    w.fileBytes,
		Duration: types.FramesToDuration(w.fileFrames, w.cfg.SampleRate),
	}
	w.logger.Info("recording finished", "file", path, "duration", ev.Duration)
	if w.hooks.FileClosed != nil {
		w.hooks.FileClosed(ev)
	}
	return nil
}

// fail closes any open file on a best-effort basis and parks the writer.
func (w *TrackWriter) fail(err error) error {
	if w.file != nil {
		if closeErr := w.file.Close(); closeErr != nil {
			w.logger.Warn("failed to close file after error", "file", w.filePath, "error", closeErr)
		}
		w.file = nil
	}
	w.queue.Clear()
	w.state = StateFailed
	w.err = err
	w.logger.Error("track failed", "error", err)
	return err
}

// Status returns the cumulative status of the writer.
func (w *TrackWriter) Status() types.ChannelStatus {
	s := types.ChannelStatus{
		Files:            w.files,
		Bytes:            w.bytes,
		RecordedDuration: types.FramesToDuration(w.frames, w.cfg.SampleRate),
		State:            w.state.ActiveState(),
		Amplitude:        slices.Clone(w.amplitude),
	}
	if w.err != nil {
		s.Error = w.err.Error()
	}
	return s
}

// Delta returns the status change since the previous call. Summing every
// Delta reproduces Status exactly.
func (w *TrackWriter) Delta() types.ChannelStatus {
	s := w.Status()
	s.Files -= w.reportedFiles
	s.Bytes -= w.reportedBytes
	s.RecordedDuration -= types.FramesToDuration(w.reportedFrames, w.cfg.SampleRate)
	w.reportedFiles, w.reportedBytes, w.reportedFrames = w.files, w.bytes, w.frames
	return s
}
