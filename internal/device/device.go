// Package device abstracts multichannel audio input devices.
package device

import (
	"errors"
	"slices"
	"time"

	"github.com/oszuidwest/zwfm-multitrack/internal/types"
)

var (
	// ErrNotFound is returned when no input device matches a name.
	ErrNotFound = errors.New("audio device not found")
	// ErrUnsupportedFormat is returned when a backend cannot capture a sample format.
	ErrUnsupportedFormat = errors.New("sample format not supported by device backend")
	// ErrNoBackend is returned when the binary was built without a hardware backend.
	ErrNoBackend = errors.New("no hardware audio backend compiled in")
	// ErrAlreadyOpen is returned when opening a device that has a live stream.
	ErrAlreadyOpen = errors.New("device already has an open stream")
)

// CaptureFormats are the sample formats the hardware backends deliver.
// 64-bit float is only produced by the synthetic device.
var CaptureFormats = []types.SampleFormat{types.SampleInt16, types.SampleInt32, types.SampleFloat32}

// SupportsFormat reports whether the hardware backends can capture f.
func SupportsFormat(f types.SampleFormat) bool {
	return slices.Contains(CaptureFormats, f)
}

// Info describes an input device.
type Info struct {
	ID         string `json:"id,omitempty"` // backend input identifier, when it differs from Name
	Name       string `json:"name"`
	Channels   int    `json:"channels"`
	SampleRate int    `json:"sample_rate"`
	Default    bool   `json:"default,omitempty"`
}

// Callback receives one frame of interleaved samples normalized to ±1.0.
// The slice is only valid for the duration of the call. Callbacks run on
// the backend's real-time thread and must not block.
type Callback func(samples []float64, ts time.Time)

// Device is an audio input that can be opened once at a time.
type Device interface {
	Info() Info
	Open(format types.SampleFormat, blockFrames int, cb Callback) (Stream, error)
}

// Stream is an open capture stream.
type Stream interface {
	// Errors delivers fatal stream errors. It may never fire.
	Errors() <-chan error
	// Close stops capture. No callbacks run after Close returns.
	Close() error
}
