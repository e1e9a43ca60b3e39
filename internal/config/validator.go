package config

import (
	"fmt"
	"strings"
	"time"
)

// Validator is the interface for validating configuration.
type Validator interface {
	Validate() error
}

// ValidationError represents a single validation error.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// MultiValidationError represents multiple validation errors.
type MultiValidationError struct {
	Errors []ValidationError
}

// Error implements the error interface.
func (e *MultiValidationError) Error() string {
	if len(e.Errors) == 0 {
		return "no validation errors"
	}

	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}

	var builder strings.Builder
	builder.WriteString(fmt.Sprintf("validation failed with %d errors:\n", len(e.Errors)))
	for i, err := range e.Errors {
		builder.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return builder.String()
}

var logLevels = map[string]bool{
	"trace": true, "debug": true, "info": true, "warn": true, "error": true, "disabled": true,
}

// Validate validates Config.
func (c *Config) Validate() error {
	var errors []ValidationError

	if c.Log.Level != "" && !logLevels[c.Log.Level] {
		errors = append(errors, ValidationError{
			Field:   "log.level",
			Message: fmt.Sprintf("unknown level %q", c.Log.Level),
		})
	}

	s := c.Session
	if s.Interval < time.Second || s.Interval%time.Second != 0 {
		errors = append(errors, ValidationError{
			Field:   "session.interval",
			Message: "interval must be a whole number of seconds, at least 1s",
		})
	}
	if s.MaxDuration < s.Interval {
		errors = append(errors, ValidationError{
			Field:   "session.max_duration",
			Message: "max duration must not be shorter than the interval",
		})
	}
	if s.StopTimeout < 0 {
		errors = append(errors, ValidationError{
			Field:   "session.stop_timeout",
			Message: "stop timeout cannot be negative",
		})
	}

	if c.PidStat.Binary == "" {
		errors = append(errors, ValidationError{
			Field:   "pidstat.binary",
			Message: "pidstat binary is required",
		})
	}
	if c.PerfStat.Binary == "" {
		errors = append(errors, ValidationError{
			Field:   "perfstat.binary",
			Message: "perf binary is required",
		})
	}
	for _, ev := range c.PerfStat.Events {
		if ev == "" || strings.ContainsAny(ev, " ,") {
			errors = append(errors, ValidationError{
				Field:   "perfstat.events",
				Message: fmt.Sprintf("invalid event name %q", ev),
			})
		}
	}

	if c.Storage.Enabled && c.Storage.Path == "" {
		errors = append(errors, ValidationError{
			Field:   "storage.path",
			Message: "storage path is required when storage is enabled",
		})
	}

	if len(errors) > 0 {
		return &MultiValidationError{Errors: errors}
	}
	return nil
}
