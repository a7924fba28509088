// Package eventlog records session, file, device and upload events in a
// single JSON lines file.
package eventlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"sync"
	"time"
)

// EventType represents the type of event.
type EventType string

// Session event types.
const (
	SessionStarted EventType = "session_started"
	SessionStopped EventType = "session_stopped"
	SessionError   EventType = "session_error"
)

// File event types.
const (
	FileOpened EventType = "file_opened"
	FileClosed EventType = "file_closed"
)

// Device event types.
const (
	DeviceOffline EventType = "device_offline"
	TrackFailed   EventType = "track_failed"
)

// Upload event types.
const (
	UploadCompleted EventType = "upload_completed"
	UploadFailed    EventType = "upload_failed"
)

// Event represents a single log entry with type-specific details.
type Event struct {
	Timestamp time.Time `json:"ts"`
	Type      EventType `json:"type"`
	RunID     string    `json:"run_id,omitempty"`
	Message   string    `json:"msg,omitempty"`
	Details   any       `json:"details,omitempty"`
}

// SessionDetails contains session-specific event details.
type SessionDetails struct {
	Device string   `json:"device,omitempty"`
	Tracks []string `json:"tracks,omitempty"`
	Error  string   `json:"error,omitempty"`
}

// FileDetails contains output file event details.
type FileDetails struct {
	Device     string `json:"device"`
	Track      string `json:"track"`
	Path       string `json:"path"`
	Frames     int64  `json:"frames,omitempty"`
	Bytes      int64  `json:"bytes,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
}

// DeviceDetails contains device and track health details.
type DeviceDetails struct {
	Device string `json:"device"`
	Track  string `json:"track,omitempty"`
	State  string `json:"state,omitempty"`
	Error  string `json:"error,omitempty"`
}

// UploadDetails contains upload event details.
type UploadDetails struct {
	Path  string `json:"path"`
	S3Key string `json:"s3_key,omitempty"`
	Error string `json:"error,omitempty"`
}

// Logger writes events to a JSON lines file. It is safe for concurrent use.
type Logger struct {
	mu       sync.Mutex
	filePath string
	file     *os.File
	encoder  *json.Encoder
	runID    string
}

// DefaultLogPath returns the platform-specific log file path.
func DefaultLogPath() string {
	switch runtime.GOOS {
	case "windows":
		programData := os.Getenv("PROGRAMDATA")
		if programData == "" {
			programData = `C:\ProgramData`
		}
		return filepath.Join(programData, "multitrack", "logs", "events.jsonl")
	default:
		//nolint:gocritic // Intentional absolute path for Unix systems
		return "/var/log/multitrack/events.jsonl"
	}
}

// NewLogger creates a new event logger at the specified path. Every event
// is stamped with runID.
func NewLogger(filePath, runID string) (*Logger, error) {
	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	return &Logger{
		filePath: filePath,
		file:     file,
		encoder:  json.NewEncoder(file),
		runID:    runID,
	}, nil
}

// Log writes an event to the log file.
func (l *Logger) Log(event *Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.RunID == "" {
		event.RunID = l.runID
	}
	return l.encoder.Encode(event)
}

// LogSession logs a session event.
func (l *Logger) LogSession(eventType EventType, device string, tracks []string, errMsg string) error {
	return l.Log(&Event{
		Type: eventType,
		Details: &SessionDetails{
			Device: device,
			Tracks: tracks,
			Error:  errMsg,
		},
	})
}

// LogFile logs an output file event.
func (l *Logger) LogFile(eventType EventType, device, track, path string, frames, bytes int64, duration time.Duration) error {
	return l.Log(&Event{
		Type: eventType,
		Details: &FileDetails{
			Device:     device,
			Track:      track,
			Path:       path,
			Frames:     frames,
			Bytes:      bytes,
			DurationMs: duration.Milliseconds(),
		},
	})
}

// LogDevice logs a device or track health event.
func (l *Logger) LogDevice(eventType EventType, device, track, state, errMsg string) error {
	return l.Log(&Event{
		Type: eventType,
		Details: &DeviceDetails{
			Device: device,
			Track:  track,
			State:  state,
			Error:  errMsg,
		},
	})
}

// LogUpload logs an upload event.
func (l *Logger) LogUpload(eventType EventType, path, s3Key, errMsg string) error {
	return l.Log(&Event{
		Type: eventType,
		Details: &UploadDetails{
			Path:  path,
			S3Key: s3Key,
			Error: errMsg,
		},
	})
}

// Close closes the log file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		err := l.file.Close()
		l.file = nil
		return err
	}
	return nil
}

// Path returns the path to the log file.
func (l *Logger) Path() string {
	return l.filePath
}

// TypeFilter specifies which event types to include when reading.
type TypeFilter string

// Filter constants for ReadLast.
const (
	FilterAll     TypeFilter = ""
	FilterSession TypeFilter = "session"
	FilterFile    TypeFilter = "file"
	FilterDevice  TypeFilter = "device"
	FilterUpload  TypeFilter = "upload"
)

var filterTypes = map[TypeFilter][]EventType{
	FilterSession: {SessionStarted, SessionStopped, SessionError},
	FilterFile:    {FileOpened, FileClosed},
	FilterDevice:  {DeviceOffline, TrackFailed},
	FilterUpload:  {UploadCompleted, UploadFailed},
}

// ValidFilter reports whether f is a known filter.
func ValidFilter(f TypeFilter) bool {
	_, ok := filterTypes[f]
	return ok || f == FilterAll
}

// Matches reports whether t passes the filter.
func (f TypeFilter) Matches(t EventType) bool {
	if f == FilterAll {
		return true
	}
	return slices.Contains(filterTypes[f], t)
}

// MaxReadLimit is the maximum number of events that can be read at once.
const MaxReadLimit = 500

// ReadLast reads events from the log file with pagination support.
// Returns up to n events starting from offset, filtered by type, newest
// first, and whether more events are available.
func ReadLast(filePath string, n, offset int, filter TypeFilter) ([]Event, bool, error) {
	n = min(n, MaxReadLimit)
	if n <= 0 {
		return []Event{}, false, nil
	}

	file, err := os.Open(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return []Event{}, false, nil
		}
		return nil, false, err
	}
	defer file.Close() //nolint:errcheck // Read-only operation, close error not critical

	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, false, err
	}

	events := make([]Event, 0, n)
	skipped := 0
	for i := len(lines) - 1; i >= 0; i-- {
		var event Event
		if err := json.Unmarshal([]byte(lines[i]), &event); err != nil {
			continue // Skip malformed lines
		}
		if !filter.Matches(event.Type) {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		if len(events) == n {
			return events, true, nil
		}
		events = append(events, event)
	}
	return events, false, nil
}
