//go:build !cgo

package device

import "github.com/oszuidwest/zwfm-multitrack/internal/types"

// Initialize reports that no hardware backend is available.
func Initialize() error { return ErrNoBackend }

// Terminate is a no-op without a hardware backend.
func Terminate() error { return nil }

// List reports that no hardware backend is available.
func List() ([]Info, error) { return nil, ErrNoBackend }

// PortAudio is unavailable in builds without cgo.
type PortAudio struct{}

// Lookup reports that no hardware backend is available.
func Lookup(string, int, int) (*PortAudio, error) { return nil, ErrNoBackend }

// Info implements Device.
func (*PortAudio) Info() Info { return Info{} }

// Open implements Device.
func (*PortAudio) Open(types.SampleFormat, int, Callback) (Stream, error) { return nil, ErrNoBackend }
