package recording

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/oszuidwest/zwfm-multitrack/internal/sink"
	"github.com/oszuidwest/zwfm-multitrack/internal/types"
)

// Namer proposes an output path for a track. Index starts at zero and grows
// by one each time the previous candidate already existed.
type Namer func(track types.Track, t time.Time, index int) string

// timestampLayout is the timestamp part of generated filenames.
const timestampLayout = "2006-01-02-15-04-05"

// DefaultNamer lays files out as dir/<device>/<device>-<track>-<time>[-n].<ext>.
func DefaultNamer(dir string, format sink.Format) Namer {
	ext := sink.Extension(format)
	return func(track types.Track, t time.Time, index int) string {
		device := sanitizeFilename(track.Device)
		name := fmt.Sprintf("%s-%s-%s", device, track.Name(), t.Format(timestampLayout))
		if index > 0 {
			name = fmt.Sprintf("%s-%d", name, index)
		}
		return filepath.Join(dir, device, name+"."+ext)
	}
}

// sanitizeFilename removes or replaces characters that are invalid in filenames.
func sanitizeFilename(name string) string {
	result := make([]byte, 0, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '-' || c == '_' {
			result = append(result, c)
		} else if c == ' ' {
			result = append(result, '-')
		}
	}
	if len(result) == 0 {
		return "device"
	}
	return string(result)
}
