package util

import "log/slog"

// LogNotifyResult executes a notification function and logs the result per channel.
func LogNotifyResult(fn func() error, channel string) {
	if err := fn(); err != nil {
		slog.Error("notification failed", "channel", channel, "error", err)
		return
	}
	slog.Info("notification sent", "channel", channel)
}
