package ssdcache

import "log/slog"

// Global logger for all ssdcache instances
var log = slog.Default()

// SetLogger configures the global logger
func SetLogger(l *slog.Logger) {
	log = l
}
