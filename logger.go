package socket

import (
	"io"
	"log/slog"
)

// Logger is the structured logger used by sessions and servers.
// *slog.Logger satisfies it, and it is the default.
//
// Entries are key-value pairs with fixed keys, so one connection can be
// followed across the log:
//
//	session_id   opaque session identifier (Session.ID)
//	addr         remote address of the connection, or a listener address
//	protocol_id  protocol id of the message being handled
//	error        the failure, when there is one
//
// Lifecycle events (started, stopped, rejected) log at Info, per-message
// and per-I/O failures at Debug, panics and bind failures at Error.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

func defaultLogger() Logger {
	return slog.Default()
}

// NopLogger returns a Logger that discards everything.
func NopLogger() Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
