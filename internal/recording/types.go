// Package recording turns gated track audio into rotated files and ships
// finished files to S3-compatible storage.
package recording

import (
	"errors"
	"time"

	"github.com/oszuidwest/zwfm-multitrack/internal/types"
)

// Sentinel errors for recording operations.
var (
	// ErrFileIO wraps every error raised by the output sink.
	ErrFileIO = errors.New("file i/o error")

	// ErrWriterFailed is returned when feeding a writer that already failed.
	ErrWriterFailed = errors.New("track writer has failed")

	// ErrNameCollision is returned when the namer keeps proposing the same taken path.
	ErrNameCollision = errors.New("namer returned the same taken path twice")

	// ErrS3NotConfigured is returned when creating an uploader without credentials.
	ErrS3NotConfigured = errors.New("s3 is not configured")
)

// State tracks whether a track writer has a file open.
type State string

const (
	// StateIdle indicates no file is open and audio is buffered as pre-roll.
	StateIdle State = "idle"
	// StateRecording indicates a file is open and receiving audio.
	StateRecording State = "recording"
	// StateFailed indicates the writer hit an unrecoverable file error.
	StateFailed State = "failed"
)

// ActiveState maps the writer state onto the status vocabulary.
func (s State) ActiveState() types.ActiveState {
	switch s {
	case StateRecording:
		return types.StateActive
	case StateFailed:
		return types.StateFailed
	default:
		return types.StateInactive
	}
}

// FileEvent describes an output file being opened or closed.
type FileEvent struct {
	Track    types.Track
	Path     string
	Opened   time.Time
	Closed   time.Time     // zero for open events
	Frames   int64         // frames written, close events only
	Bytes    int64         // payload bytes written, close events only
	Duration time.Duration // recorded duration, close events only
}

// Hooks receive file lifecycle events. They run on the capture worker and
// must not block.
type Hooks struct {
	FileOpened func(FileEvent)
	FileClosed func(FileEvent)
}

// S3Config holds S3-compatible storage configuration.
type S3Config struct {
	Endpoint        string `json:"endpoint,omitempty" mapstructure:"endpoint"`                   // Custom S3 endpoint (empty for AWS)
	Bucket          string `json:"bucket,omitempty" mapstructure:"bucket"`                       // S3 bucket name
	AccessKeyID     string `json:"access_key_id,omitempty" mapstructure:"access_key_id"`         // AWS access key ID
	SecretAccessKey string `json:"secret_access_key,omitempty" mapstructure:"secret_access_key"` // AWS secret access key
	Prefix          string `json:"prefix,omitempty" mapstructure:"prefix"`                       // Key prefix, defaults to "recordings"
	DeleteLocal     bool   `json:"delete_local,omitempty" mapstructure:"delete_local"`           // Remove local files after upload
}

// IsConfigured returns true if S3 settings are configured.
func (c *S3Config) IsConfigured() bool {
	return c.Bucket != "" && c.AccessKeyID != "" && c.SecretAccessKey != ""
}
