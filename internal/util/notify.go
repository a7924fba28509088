package util

import "log/slog"

// LogNotifyResult runs one alert delivery and logs its outcome with attrs.
// It reports whether the delivery succeeded.
func LogNotifyResult(fn func() error, channel string, attrs ...any) bool {
	attrs = append([]any{"channel", channel}, attrs...)
	if err := fn(); err != nil {
		slog.Error("notification failed", append(attrs, "error", err)...)
		return false
	}
	slog.Info("notification sent", attrs...)
	return true
}
