package util

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// IsConfigured reports whether all provided values are non-empty.
func IsConfigured(values ...string) bool {
	for _, v := range values {
		if v == "" {
			return false
		}
	}
	return true
}

// ValidatePath rejects empty paths and paths that climb out of their base
// with "..".
func ValidatePath(field, path string) error {
	if path == "" {
		return fmt.Errorf("%s: is required", field)
	}
	for part := range strings.SplitSeq(filepath.ToSlash(path), "/") {
		if part == ".." {
			return fmt.Errorf("%s: path cannot contain '..'", field)
		}
	}
	return nil
}

// CheckPathWritable creates dir if needed and proves it accepts a file by
// writing and removing a test file.
func CheckPathWritable(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return WrapError("create directory", err)
	}

	testFile := filepath.Join(dir, fmt.Sprintf(".multitrack-write-test-%d", time.Now().UnixNano()))
	if err := os.WriteFile(testFile, make([]byte, 1024), 0o644); err != nil {
		_ = os.Remove(testFile) // Best effort cleanup
		return WrapError("write test file", err)
	}
	if err := os.Remove(testFile); err != nil {
		return WrapError("remove test file", err)
	}
	return nil
}
