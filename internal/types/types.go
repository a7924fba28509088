// Package types provides shared type definitions used across the recorder.
package types

import (
	"cmp"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SampleFormat is the numeric sample type a device session captures in.
type SampleFormat string

// Supported capture sample formats.
const (
	SampleInt16   SampleFormat = "int16"
	SampleInt32   SampleFormat = "int32"
	SampleFloat32 SampleFormat = "float32"
	SampleFloat64 SampleFormat = "float64"
)

// Bits returns the sample width in bits, or 0 for an unknown format.
func (f SampleFormat) Bits() int {
	switch f {
	case SampleInt16:
		return 16
	case SampleInt32, SampleFloat32:
		return 32
	case SampleFloat64:
		return 64
	default:
		return 0
	}
}

// Valid reports whether f is a supported sample format.
func (f SampleFormat) Valid() bool {
	return f.Bits() > 0
}

// MaxTrackChannels is the widest channel range a single track may carry.
const MaxTrackChannels = 2

// ErrInvalidChannelRange is returned for malformed or out-of-bounds channel ranges.
var ErrInvalidChannelRange = errors.New("invalid channel range")

// ChannelRange selects a contiguous group of device channels.
// First and Last are 1-based and inclusive.
type ChannelRange struct {
	First int `json:"first"`
	Last  int `json:"last"`
}

// ParseChannelRange parses "3" or "1-2" into a ChannelRange.
func ParseChannelRange(s string) (ChannelRange, error) {
	s = strings.TrimSpace(s)
	first, last, found := strings.Cut(s, "-")
	a, err := strconv.Atoi(strings.TrimSpace(first))
	if err != nil {
		return ChannelRange{}, fmt.Errorf("%w: %q", ErrInvalidChannelRange, s)
	}
	b := a
	if found {
		if b, err = strconv.Atoi(strings.TrimSpace(last)); err != nil {
			return ChannelRange{}, fmt.Errorf("%w: %q", ErrInvalidChannelRange, s)
		}
	}
	r := ChannelRange{First: a, Last: b}
	if err := r.Validate(0); err != nil {
		return ChannelRange{}, err
	}
	return r, nil
}

// Count returns the number of channels in the range.
func (r ChannelRange) Count() int {
	return r.Last - r.First + 1
}

// Offsets returns the 0-based half-open channel offsets of the range.
func (r ChannelRange) Offsets() (start, end int) {
	return r.First - 1, r.Last
}

// Name returns the display name, "5" for mono and "1-2" for stereo.
func (r ChannelRange) Name() string {
	if r.First == r.Last {
		return strconv.Itoa(r.First)
	}
	return fmt.Sprintf("%d-%d", r.First, r.Last)
}

// String implements fmt.Stringer.
func (r ChannelRange) String() string {
	return r.Name()
}

// Overlaps reports whether r and o share a channel.
func (r ChannelRange) Overlaps(o ChannelRange) bool {
	return r.First <= o.Last && o.First <= r.Last
}

// Validate checks the range shape and, when total is positive, that it fits
// inside a device with total channels.
func (r ChannelRange) Validate(total int) error {
	if r.First < 1 || r.Last < r.First {
		return fmt.Errorf("%w: %s", ErrInvalidChannelRange, r.Name())
	}
	if r.Count() > MaxTrackChannels {
		return fmt.Errorf("%w: %s spans more than %d channels", ErrInvalidChannelRange, r.Name(), MaxTrackChannels)
	}
	if total > 0 && r.Last > total {
		return fmt.Errorf("%w: %s exceeds %d device channels", ErrInvalidChannelRange, r.Name(), total)
	}
	return nil
}

// Track identifies one output track: a channel range of one device.
type Track struct {
	Device   string       `json:"device"`
	Channels ChannelRange `json:"channels"`
}

// Name returns the track's display name.
func (t Track) Name() string {
	return t.Channels.Name()
}

// Key returns a name unique across devices.
func (t Track) Key() string {
	return TrackKey(t.Device, t.Name())
}

// TrackKey joins a device and track name into a unique key.
func TrackKey(device, track string) string {
	return device + "/" + track
}

// CompareTracks orders tracks by device name, then by first channel.
func CompareTracks(a, b Track) int {
	return cmp.Or(cmp.Compare(a.Device, b.Device), cmp.Compare(a.Channels.First, b.Channels.First))
}

// ActiveState represents whether a track is currently writing.
type ActiveState string

const (
	// StateActive indicates a file is open and receiving audio.
	StateActive ActiveState = "active"
	// StateInactive indicates the track is idle and buffering.
	StateInactive ActiveState = "inactive"
	// StateOffline indicates the owning device stopped delivering audio.
	StateOffline ActiveState = "offline"
	// StateFailed indicates the track hit an unrecoverable file error.
	StateFailed ActiveState = "failed"
)

// ChannelStatus is an additive status record for a track, device or total.
// Counts and sums add; State and Amplitude are last-write-wins.
type ChannelStatus struct {
	Files            int           `json:"files"`
	Bytes            int64         `json:"bytes"`
	RecordedDuration time.Duration `json:"recorded_duration"`
	Overflows        int64         `json:"overflows,omitzero"`
	State            ActiveState   `json:"state,omitzero"`
	Amplitude        []float64     `json:"amplitude,omitempty"`
	Error            string        `json:"error,omitzero"`
}

// Add returns s with d merged in.
func (s ChannelStatus) Add(d ChannelStatus) ChannelStatus {
	s.Files += d.Files
	s.Bytes += d.Bytes
	s.RecordedDuration += d.RecordedDuration
	s.Overflows += d.Overflows
	if d.State != "" {
		s.State = d.State
	}
	if d.Amplitude != nil {
		s.Amplitude = append([]float64(nil), d.Amplitude...)
	}
	if d.Error != "" {
		s.Error = d.Error
	}
	return s
}

// Sub returns s with the additive fields of d removed.
// It is the exact inverse of Add on those fields.
func (s ChannelStatus) Sub(d ChannelStatus) ChannelStatus {
	s.Files -= d.Files
	s.Bytes -= d.Bytes
	s.RecordedDuration -= d.RecordedDuration
	s.Overflows -= d.Overflows
	return s
}

// Counters returns s with only the additive fields set.
func (s ChannelStatus) Counters() ChannelStatus {
	return ChannelStatus{
		Files:            s.Files,
		Bytes:            s.Bytes,
		RecordedDuration: s.RecordedDuration,
		Overflows:        s.Overflows,
	}
}

// Clone returns a copy of s that shares no memory with it.
func (s ChannelStatus) Clone() ChannelStatus {
	if s.Amplitude != nil {
		s.Amplitude = append([]float64(nil), s.Amplitude...)
	}
	return s
}

// IsZero reports whether the additive fields are all zero.
func (s ChannelStatus) IsZero() bool {
	return s.Files == 0 && s.Bytes == 0 && s.RecordedDuration == 0 && s.Overflows == 0
}

// FramesToDuration converts a frame count at rate into a duration.
func FramesToDuration(frames int64, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	// Whole seconds first so frames*time.Second cannot overflow on long runs.
	r := int64(rate)
	return time.Duration(frames/r)*time.Second + time.Duration(frames%r)*time.Second/time.Duration(r)
}

const (
	// ShutdownTimeout is the duration to wait for graceful shutdown.
	ShutdownTimeout = 5000 * time.Millisecond
	// DefaultPollInterval is how often sessions report status.
	DefaultPollInterval = 500 * time.Millisecond
	// DefaultOfflineTimeout is how long a device may stay silent before it is offline.
	DefaultOfflineTimeout = 5000 * time.Millisecond
	// DefaultHandoffCapacity is the number of frames buffered between callback and worker.
	DefaultHandoffCapacity = 64
)

// VersionInfo contains version comparison data.
type VersionInfo struct {
	Current     string `json:"current"`              // Current version
	Latest      string `json:"latest,omitempty"`     // Latest available version
	UpdateAvail bool   `json:"update_available"`     // Update is available
	Commit      string `json:"commit,omitempty"`     // Git commit hash
	BuildTime   string `json:"build_time,omitempty"` // Build timestamp
}

// GraphConfig contains Microsoft Graph API settings for email notifications.
type GraphConfig struct {
	TenantID     string `json:"tenant_id,omitempty" mapstructure:"tenant_id"`         // Azure AD tenant ID
	ClientID     string `json:"client_id,omitempty" mapstructure:"client_id"`         // App registration client ID
	ClientSecret string `json:"client_secret,omitempty" mapstructure:"client_secret"` // App registration client secret
	FromAddress  string `json:"from_address,omitempty" mapstructure:"from_address"`   // Shared mailbox address (sender)
	Recipients   string `json:"recipients,omitempty" mapstructure:"recipients"`       // Comma-separated recipients
}

// ZabbixConfig contains Zabbix trapper settings for alerts.
type ZabbixConfig struct {
	Server string `json:"server,omitempty" mapstructure:"server"` // Zabbix server or proxy host
	Port   int    `json:"port,omitempty" mapstructure:"port"`     // Trapper port, defaults to 10051
	Host   string `json:"host,omitempty" mapstructure:"host"`     // Monitored host name in Zabbix
	Key    string `json:"key,omitempty" mapstructure:"key"`       // Trapper item key
}
