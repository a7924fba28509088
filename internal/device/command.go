package device

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/oszuidwest/zwfm-multitrack/internal/types"
	"github.com/oszuidwest/zwfm-multitrack/internal/util"
)

// ErrCaptureExited is delivered on Stream.Errors when the capture process
// stops on its own.
var ErrCaptureExited = errors.New("capture process exited")

const (
	defaultCommandRate     = 48000
	defaultCommandChannels = 2
	defaultCommandBlock    = 1024
)

// capturePlatform describes how the current OS captures raw PCM from a
// child process.
type capturePlatform struct {
	// Command is the executable name (e.g., "arecord", "ffmpeg").
	Command string
	// DefaultInput is used when no input is configured.
	DefaultInput string
	// UsesFFmpeg selects the configured FFmpeg binary over Command.
	UsesFFmpeg bool
	// BuildArgs returns the arguments that write interleaved PCM to stdout.
	BuildArgs func(input string, format types.SampleFormat, rate, channels int) []string
	// List describes how to enumerate inputs.
	List deviceListConfig
}

// deviceListConfig defines how to list audio inputs for a platform.
type deviceListConfig struct {
	Command          []string
	AudioStartMarker string // start of the audio section, empty parses every line
	AudioStopMarker  string // end of the audio section (optional)
	DevicePattern    *regexp.Regexp
	ParseDevice      func(matches []string) *Info
	Fallback         []Info
}

// Command is an input captured by an external process (arecord on Linux,
// FFmpeg elsewhere). It needs no cgo.
type Command struct {
	info       Info
	input      string
	ffmpegPath string
	platform   capturePlatform

	mu   sync.Mutex
	open bool
}

// NewCommand returns a command-captured input. input is the platform
// device identifier and falls back to the platform default. Zero rate or
// channels select 48 kHz stereo.
func NewCommand(name, input string, sampleRate, channels int, ffmpegPath string) (*Command, error) {
	p := platformCapture()
	if input == "" {
		input = p.DefaultInput
	}
	if input == "" {
		inputs := ListCommand()
		if len(inputs) == 0 {
			return nil, fmt.Errorf("%w: no capture input available", ErrNotFound)
		}
		input = inputs[0].ID
	}
	if sampleRate <= 0 {
		sampleRate = defaultCommandRate
	}
	if channels <= 0 {
		channels = defaultCommandChannels
	}
	if name == "" {
		name = input
	}
	return &Command{
		info:       Info{ID: input, Name: name, Channels: channels, SampleRate: sampleRate},
		input:      input,
		ffmpegPath: ffmpegPath,
		platform:   p,
	}, nil
}

// Info implements Device.
func (c *Command) Info() Info {
	return c.info
}

// commandLine returns the executable and arguments for one capture run.
func (c *Command) commandLine(format types.SampleFormat) (string, []string) {
	name := c.platform.Command
	if c.platform.UsesFFmpeg && c.ffmpegPath != "" {
		name = c.ffmpegPath
	}
	return name, c.platform.BuildArgs(c.input, format, c.info.SampleRate, c.info.Channels)
}

// Open implements Device. It starts the capture process and calls cb with
// blocks of blockFrames frames until the stream is closed or the process
// exits. 64-bit float capture is not offered by the capture tools.
func (c *Command) Open(format types.SampleFormat, blockFrames int, cb Callback) (Stream, error) {
	if !SupportsFormat(format) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
	if blockFrames <= 0 {
		blockFrames = defaultCommandBlock
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.open {
		return nil, ErrAlreadyOpen
	}

	name, args := c.commandLine(format)
	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Cancel = func() error {
		return util.GracefulSignal(cmd.Process)
	}
	cmd.WaitDelay = types.ShutdownTimeout

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, util.WrapError("create stdout pipe", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, util.WrapError("start "+name, err)
	}
	slog.Info("starting audio capture", "command", name, "input", c.input, "device", c.info.Name)
	c.open = true

	s := &commandStream{
		cancel: cancel,
		errs:   make(chan error, 1),
		done:   make(chan struct{}),
	}
	go func() {
		defer close(s.done)
		readErr := readFrames(stdout, format, c.info.Channels, blockFrames, cb)
		waitErr := cmd.Wait()

		c.mu.Lock()
		c.open = false
		c.mu.Unlock()

		if s.closing() {
			return
		}
		err := errors.Join(readErr, waitErr)
		if msg := util.ExtractLastError(stderr.String()); msg != "" {
			err = fmt.Errorf("%w: %s", err, msg)
		}
		s.errs <- fmt.Errorf("%w: %w", ErrCaptureExited, err)
	}()
	return s, nil
}

type commandStream struct {
	cancel context.CancelFunc
	errs   chan error
	done   chan struct{}

	mu     sync.Mutex
	closed bool
}

func (s *commandStream) closing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Errors implements Stream.
func (s *commandStream) Errors() <-chan error {
	return s.errs
}

// Close implements Stream. It signals the process and waits for the
// reader, so no callbacks run after it returns.
func (s *commandStream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	<-s.done
	return nil
}

// readFrames reads little-endian PCM in blocks and delivers it normalized
// to ±1.0. A trailing partial frame is dropped. It returns nil at EOF.
func readFrames(r io.Reader, format types.SampleFormat, channels, blockFrames int, cb Callback) error {
	width := format.Bits() / 8
	frameBytes := width * channels
	buf := make([]byte, blockFrames*frameBytes)
	out := make([]float64, blockFrames*channels)

	for {
		n, err := io.ReadFull(r, buf)
		if frames := n / frameBytes; frames > 0 {
			samples := out[:frames*channels]
			decodePCM(buf[:frames*frameBytes], format, samples)
			cb(samples, time.Now())
		}
		switch {
		case err == nil:
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			return nil
		default:
			return util.WrapError("read capture output", err)
		}
	}
}

// decodePCM converts little-endian samples in b into out.
func decodePCM(b []byte, format types.SampleFormat, out []float64) {
	le := binary.LittleEndian
	switch format {
	case types.SampleInt16:
		for i := range out {
			out[i] = float64(int16(le.Uint16(b[2*i:]))) / (1 << 15)
		}
	case types.SampleInt32:
		for i := range out {
			out[i] = float64(int32(le.Uint32(b[4*i:]))) / (1 << 31)
		}
	case types.SampleFloat32:
		for i := range out {
			out[i] = float64(math.Float32frombits(le.Uint32(b[4*i:])))
		}
	}
}

// ListCommand returns the inputs the platform capture tool reports.
func ListCommand() []Info {
	cfg := platformCapture().List
	if len(cfg.Command) == 0 {
		return cfg.Fallback
	}

	cmd := exec.Command(cfg.Command[0], cfg.Command[1:]...)
	output, err := cmd.CombinedOutput()
	if err != nil && len(output) == 0 {
		slog.Error("failed to list audio devices", "error", err)
		return cfg.Fallback
	}
	return parseDeviceList(string(output), cfg)
}

// parseDeviceList extracts inputs from the output of a listing command.
//
//nolint:gocritic // hugeParam: called once per listing
func parseDeviceList(output string, cfg deviceListConfig) []Info {
	var devices []Info
	inAudioSection := cfg.AudioStartMarker == ""

	for line := range strings.SplitSeq(output, "\n") {
		if cfg.AudioStartMarker != "" && strings.Contains(line, cfg.AudioStartMarker) {
			inAudioSection = true
			continue
		}
		if cfg.AudioStopMarker != "" && strings.Contains(line, cfg.AudioStopMarker) {
			inAudioSection = false
			continue
		}
		if !inAudioSection || cfg.DevicePattern == nil {
			continue
		}
		// Skip alternative name lines (Windows DirectShow).
		if strings.Contains(line, "Alternative name") {
			continue
		}

		matches := cfg.DevicePattern.FindStringSubmatch(line)
		if len(matches) > 0 && cfg.ParseDevice != nil {
			if dev := cfg.ParseDevice(matches); dev != nil {
				devices = append(devices, *dev)
			}
		}
	}

	if len(devices) == 0 {
		return cfg.Fallback
	}
	return devices
}
