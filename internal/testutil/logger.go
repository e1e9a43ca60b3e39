package testutil

import (
	"testing"

	"github.com/rs/zerolog"
)

// NewTestLogger returns a logger that drops everything.
func NewTestLogger(t testing.TB) zerolog.Logger {
	t.Helper()
	return zerolog.Nop()
}

// NewTestLoggerWithOutput logs at debug level through t.Log, so session and
// storage events show up with go test -v.
func NewTestLoggerWithOutput(t testing.TB) zerolog.Logger {
	return zerolog.New(zerolog.NewTestWriter(t)).
		Level(zerolog.DebugLevel).
		With().
		Timestamp().
		Logger()
}
