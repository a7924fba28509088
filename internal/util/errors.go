package util

import (
	"fmt"
	"strings"
)

// maxErrorLineLength is the maximum length for extracted error messages.
const maxErrorLineLength = 200

// stderrNoise marks capture tool warnings that never explain an exit.
var stderrNoise = []string{
	"overrun!!!",            // arecord buffer overrun
	"Last message repeated", // FFmpeg log collapsing
}

// WrapError wraps an error with a descriptive operation context.
func WrapError(operation string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("failed to %s: %w", operation, err)
}

// ExtractLastError returns the last meaningful stderr line of a child
// process, truncated to maxErrorLineLength.
func ExtractLastError(stderr string) string {
	lines := strings.Split(strings.TrimSpace(stderr), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" || isNoise(line) {
			continue
		}
		if len(line) > maxErrorLineLength {
			return line[:maxErrorLineLength] + "..."
		}
		return line
	}
	return ""
}

func isNoise(line string) bool {
	for _, n := range stderrNoise {
		if strings.Contains(line, n) {
			return true
		}
	}
	return false
}
