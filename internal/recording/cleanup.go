package recording

import (
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/oszuidwest/zwfm-multitrack/internal/sink"
)

// cleanupHour is the local hour at which the daily cleanup runs.
const cleanupHour = 3

// stampPattern matches the timestamp DefaultNamer puts in filenames.
var stampPattern = regexp.MustCompile(`\d{4}-\d{2}-\d{2}-\d{2}-\d{2}-\d{2}`)

// Cleaner deletes recordings older than a retention period from the output
// directory once a day.
type Cleaner struct {
	dir      string
	ext      string
	days     int
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewCleaner returns a cleaner for files of format under dir.
func NewCleaner(dir string, format sink.Format, days int) *Cleaner {
	return &Cleaner{
		dir:    dir,
		ext:    "." + sink.Extension(format),
		days:   days,
		stopCh: make(chan struct{}),
	}
}

// Start runs the daily scheduler in the background.
func (c *Cleaner) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			now := time.Now()
			next := nextCleanup(now)
			slog.Info("cleanup scheduler: next run scheduled", "at", next.Format(time.DateTime))

			timer := time.NewTimer(next.Sub(now))
			select {
			case <-timer.C:
				c.Run(time.Now())
			case <-c.stopCh:
				timer.Stop()
				slog.Info("cleanup scheduler stopped")
				return
			}
		}
	}()
}

// Stop ends the scheduler and waits for a running cleanup to finish.
func (c *Cleaner) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// nextCleanup returns the first cleanup time after now.
func nextCleanup(now time.Time) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), cleanupHour, 0, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// Run deletes every recording whose filename timestamp and modification time
// are both older than the retention period. A file still being written has a
// recent modification time and is kept. Run returns the number of files removed.
func (c *Cleaner) Run(now time.Time) int {
	cutoff := now.AddDate(0, 0, -c.days)
	var deleted int

	err := filepath.WalkDir(c.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			slog.Warn("cleanup: failed to read", "path", path, "error", err)
			return nil
		}
		if d.IsDir() || !strings.EqualFold(filepath.Ext(path), c.ext) {
			return nil
		}
		stamp, ok := stampFromFilename(d.Name())
		if !ok || !stamp.Before(cutoff) {
			return nil
		}
		info, err := d.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			return nil
		}
		if err := os.Remove(path); err != nil {
			slog.Warn("cleanup: failed to delete local file", "path", path, "error", err)
			return nil
		}
		deleted++
		slog.Debug("cleanup: deleted local file", "path", path)
		return nil
	})
	if err != nil {
		slog.Warn("cleanup: walk failed", "dir", c.dir, "error", err)
	}

	if deleted > 0 {
		slog.Info("cleanup: deleted local files", "count", deleted, "retention_days", c.days)
	}
	return deleted
}

// stampFromFilename extracts the recording start time from a filename like
// "Desk-1-2-2026-01-15-14-00-05.wav". The last match wins so device names
// that look like timestamps do not confuse it.
func stampFromFilename(name string) (time.Time, bool) {
	matches := stampPattern.FindAllString(name, -1)
	if len(matches) == 0 {
		return time.Time{}, false
	}
	t, err := time.ParseInLocation(timestampLayout, matches[len(matches)-1], time.Local)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
