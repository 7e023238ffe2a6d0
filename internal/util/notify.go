package util

import "log/slog"

// LogNotifyResult runs send and logs whether the notification went out on
// channel.
func LogNotifyResult(send func() error, channel, event string) {
	if err := send(); err != nil {
		slog.Error("notification failed", "channel", channel, "event", event, "error", err)
		return
	}
	slog.Info("notification sent", "channel", channel, "event", event)
}
