package perfstat

import (
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/coral-mesh/frep/internal/session"
)

// DefaultBinary is the perf executable looked up in PATH.
const DefaultBinary = "perf"

// Sampler launches `perf stat -d` attached to one thread. perf counts until
// it is interrupted or its `sleep` workload ends, then writes the report to
// stderr. Stop requests go to the whole process group so the workload ends
// with perf.
type Sampler struct {
	// Binary overrides the perf executable.
	Binary string
	// Events replaces perf's default events (-e). -d still adds the cache
	// events, and cpu-clock is counted whenever it is missing so the report
	// keeps its CPU utilization.
	Events []string
}

// Command implements session.Sampler. perf stat aggregates over the whole
// run, so interval is unused.
func (s Sampler) Command(target int, _, maxDuration time.Duration) []string {
	binary := s.Binary
	if binary == "" {
		binary = DefaultBinary
	}

	argv := []string{binary, "stat", "-d", "-t", strconv.Itoa(target)}
	if len(s.Events) > 0 {
		events := s.Events
		if !slices.ContainsFunc(events, func(e string) bool { return clockMetrics[e] }) {
			events = append([]string{"cpu-clock"}, events...)
		}
		argv = append(argv, "-e", strings.Join(events, ","))
	}
	return append(argv, "--", "sleep", session.Seconds(maxDuration))
}

// Stream implements session.Sampler. perf stat reports on stderr.
func (Sampler) Stream() session.Stream {
	return session.Stderr
}
