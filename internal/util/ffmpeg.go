package util

import (
	"cmp"
	"os/exec"
)

// ResolveBinary returns the executable to run for a tool. A custom path
// must exist and be executable; otherwise name is searched in PATH.
// It returns an empty string when nothing is found.
func ResolveBinary(name, customPath string) string {
	path, err := exec.LookPath(cmp.Or(customPath, name))
	if err != nil {
		return ""
	}
	return path
}

// ResolveFFmpegPath returns the FFmpeg binary used for encoding and capture.
func ResolveFFmpegPath(customPath string) string {
	return ResolveBinary("ffmpeg", customPath)
}
