package helpers

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
)

// TimeRange bounds a history query. A zero Start or End is open.
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// TimeFlags holds the flag values for time range parsing.
type TimeFlags struct {
	Since string
	From  string
	To    string
}

// AddFlags adds time range flags to a FlagSet.
func (f *TimeFlags) AddFlags(flags *pflag.FlagSet) {
	flags.StringVar(&f.Since, "since", "", "Only runs recorded within this duration (e.g. 30m, 24h)")
	flags.StringVar(&f.From, "from", "", "Only runs recorded at or after this time (RFC3339, date or 'now')")
	flags.StringVar(&f.To, "to", "", "Only runs recorded at or before this time (RFC3339, date or 'now')")
}

// Parse returns the range selected by the flags. --from/--to take
// precedence over --since. With no flag set the range is unbounded.
func (f *TimeFlags) Parse() (*TimeRange, error) {
	return f.parse(time.Now())
}

func (f *TimeFlags) parse(now time.Time) (*TimeRange, error) {
	if f.From != "" || f.To != "" {
		var r TimeRange
		var err error
		if f.From != "" {
			if r.Start, err = parseTime(f.From, now); err != nil {
				return nil, fmt.Errorf("invalid --from time: %w", err)
			}
		}
		if f.To != "" {
			if r.End, err = parseTime(f.To, now); err != nil {
				return nil, fmt.Errorf("invalid --to time: %w", err)
			}
		}
		if !r.Start.IsZero() && !r.End.IsZero() && r.End.Before(r.Start) {
			return nil, fmt.Errorf("end time cannot be before start time")
		}
		return &r, nil
	}

	if f.Since != "" {
		d, err := time.ParseDuration(f.Since)
		if err != nil {
			return nil, fmt.Errorf("invalid --since duration: %w", err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("invalid --since duration: must be positive")
		}
		return &TimeRange{Start: now.Add(-d)}, nil
	}

	return &TimeRange{}, nil
}

func parseTime(s string, now time.Time) (time.Time, error) {
	if s == "now" {
		return now, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported time format (use RFC3339)")
}
