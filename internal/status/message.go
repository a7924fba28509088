// Package status merges per-device status messages into running totals and
// exposes them for reporting.
package status

import (
	"time"

	"github.com/oszuidwest/zwfm-multitrack/internal/types"
)

// Message is sent by a device session to the Aggregator. The variants are
// StatusUpdate, SessionError and SessionEnded.
type Message interface {
	Source() string
	message()
}

// StatusUpdate carries per-track status deltas keyed by track name.
type StatusUpdate struct {
	Device string
	At     time.Time
	Tracks map[string]types.ChannelStatus
}

// SessionError reports a session-fatal error. A SessionEnded always follows.
type SessionError struct {
	Device string
	At     time.Time
	Err    error
}

// SessionEnded is the last message a session sends.
type SessionEnded struct {
	Device string
	At     time.Time
}

// Source implements Message.
func (m StatusUpdate) Source() string { return m.Device }

// Source implements Message.
func (m SessionError) Source() string { return m.Device }

// Source implements Message.
func (m SessionEnded) Source() string { return m.Device }

func (StatusUpdate) message() {}
func (SessionError) message() {}
func (SessionEnded) message() {}
