package helpers

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimeFlagsParse(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		flags     TimeFlags
		wantErr   bool
		wantStart time.Time
		wantEnd   time.Time
	}{
		{
			name: "no flags is unbounded",
		},
		{
			name:      "since",
			flags:     TimeFlags{Since: "90m"},
			wantStart: now.Add(-90 * time.Minute),
		},
		{
			name:      "from takes precedence over since",
			flags:     TimeFlags{Since: "1h", From: "2024-01-01T00:00:00Z"},
			wantStart: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			name:    "to only",
			flags:   TimeFlags{To: "now"},
			wantEnd: now,
		},
		{
			name:      "simple dates",
			flags:     TimeFlags{From: "2024-01-01", To: "2024-01-02"},
			wantStart: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			wantEnd:   time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
		},
		{
			name:    "invalid since",
			flags:   TimeFlags{Since: "soon"},
			wantErr: true,
		},
		{
			name:    "negative since",
			flags:   TimeFlags{Since: "-1h"},
			wantErr: true,
		},
		{
			name:    "invalid from",
			flags:   TimeFlags{From: "yesterday"},
			wantErr: true,
		},
		{
			name:    "invalid to",
			flags:   TimeFlags{From: "now", To: "later"},
			wantErr: true,
		},
		{
			name:    "end before start",
			flags:   TimeFlags{From: "2024-01-02T00:00:00Z", To: "2024-01-01T00:00:00Z"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.flags.parse(now)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, tt.wantStart.Equal(got.Start), "start = %v, want %v", got.Start, tt.wantStart)
			assert.True(t, tt.wantEnd.Equal(got.End), "end = %v, want %v", got.End, tt.wantEnd)
		})
	}
}

func TestParseTime(t *testing.T) {
	now := time.Now()

	got, err := parseTime("now", now)
	require.NoError(t, err)
	assert.Equal(t, now, got)

	for _, in := range []string{"2024-01-01T00:00:00Z", "2024-01-01T12:34:56", "2024-01-01"} {
		_, err := parseTime(in, now)
		assert.NoError(t, err, in)
	}
	for _, in := range []string{"", "not-a-time"} {
		_, err := parseTime(in, now)
		assert.Error(t, err, in)
	}
}
