package pidstat

import (
	"strconv"
	"time"

	"github.com/coral-mesh/frep/internal/session"
)

// DefaultBinary is the pidstat executable looked up in PATH.
const DefaultBinary = "pidstat"

// Sampler launches pidstat with per-thread (-t) I/O (-d), page fault and
// memory (-r) and stack (-s) statistics on single lines (-h).
type Sampler struct {
	// Binary overrides the pidstat executable.
	Binary string
	// CPU adds per-thread CPU utilization columns (-u).
	CPU bool
}

// Command implements session.Sampler. pidstat takes a report count rather
// than a duration, so maxDuration is divided by interval.
func (s Sampler) Command(target int, interval, maxDuration time.Duration) []string {
	binary := s.Binary
	if binary == "" {
		binary = DefaultBinary
	}

	flags := "-dtrsh"
	if s.CPU {
		flags = "-udtrsh"
	}

	count := int64(maxDuration / interval)
	if count < 1 {
		count = 1
	}

	return []string{
		binary, flags,
		"-p", strconv.Itoa(target),
		session.Seconds(interval),
		strconv.FormatInt(count, 10),
	}
}

// Stream implements session.Sampler. pidstat reports on stdout.
func (Sampler) Stream() session.Stream {
	return session.Stdout
}
