// Package errors provides cleanup helpers that log instead of dropping errors.
package errors

import (
	"database/sql"
	"io"
	"os"

	"github.com/rs/zerolog"
)

// DeferClose properly closes an io.Closer with logging.
// Use this in defer statements to avoid suppressing close errors.
func DeferClose(logger zerolog.Logger, closer io.Closer, msg string) {
	if closer == nil {
		return
	}
	if err := closer.Close(); err != nil {
		logger.Warn().Err(err).Msg(msg)
	}
}

// DeferRemove removes path with logging. A missing file is not an error.
func DeferRemove(logger zerolog.Logger, path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		logger.Warn().Err(err).Str("path", path).Msg("failed to remove file")
	}
}

// DeferRollback properly rolls back a transaction with logging.
// Ignores sql.ErrTxDone which is expected after successful commits.
func DeferRollback(logger zerolog.Logger, tx *sql.Tx) {
	if tx == nil {
		return
	}
	if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
		logger.Warn().Err(err).Msg("transaction rollback failed")
	}
}
