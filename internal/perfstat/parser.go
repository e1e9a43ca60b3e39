// Package perfstat parses `perf stat` counter reports captured by a
// profiling session and describes how to launch perf as a sampler.
//
// A report looks like:
//
//	 Performance counter stats for thread id '3650':
//
//	          3.219836      cpu-clock (msec)          #    0.003 CPUs utilized
//	         1,634,255      instructions              #    0.79  insn per cycle
//	...
//	       1.002007753 seconds time elapsed
//
// Only lines carrying a "#" annotation become metrics; counters perf could
// not schedule ("<not counted>") are skipped.
package perfstat

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/coral-mesh/frep/internal/fault"
	"github.com/coral-mesh/frep/internal/safe"
)

const headerSearchLines = 5

var (
	// ErrMissingHeader is returned when "Performance counter stats" is not
	// within the first five lines.
	ErrMissingHeader = errors.New("malformed perf stat report: missing header")
	// ErrMissingFooter is returned when the "seconds time elapsed" line is absent.
	ErrMissingFooter = errors.New("malformed perf stat report: missing time elapsed footer")
	// ErrMissingCPUUtilization is returned when no cpu-clock or task-clock
	// line was reported.
	ErrMissingCPUUtilization = errors.New("perf stat report has no CPU utilization")
)

var (
	headerRe  = regexp.MustCompile(`Performance counter stats`)
	footerRe  = regexp.MustCompile(`^\s+([\d.]+) seconds time elapsed`)
	metricRe  = regexp.MustCompile(`^\s+([\d,.]+)\s+(.*)#\s+(.*)$`)
	leadingRe = regexp.MustCompile(`^([\d.]+)`)
)

// clockMetrics are the descriptions perf uses for the line that carries the
// "CPUs utilized" annotation, across perf versions.
var clockMetrics = map[string]bool{
	"cpu-clock (msec)":  true,
	"cpu-clock":         true,
	"msec cpu-clock":    true,
	"task-clock (msec)": true,
	"task-clock":        true,
	"msec task-clock":   true,
}

// ParseFile parses the report at path. See Parse.
func ParseFile(path string, desc *fault.Descriptor) (*Report, error) {
	data, err := safe.ReadFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to read perf stat report: %w", err)
	}
	return Parse(string(data), desc)
}

// Parse extracts the counters of a perf stat report.
//
// The header must appear within the first five lines and the "seconds time
// elapsed" footer must be present; otherwise Parse returns a nil Report and
// ErrMissingHeader or ErrMissingFooter. A report without a clock line is
// rejected with ErrMissingCPUUtilization. Error and Traceback are copied
// from desc.
func Parse(text string, desc *fault.Descriptor) (*Report, error) {
	lines := strings.Split(text, "\n")

	start := -1
	for i := 0; i < len(lines) && i < headerSearchLines; i++ {
		if headerRe.MatchString(lines[i]) {
			start = i + 1
			break
		}
	}
	if start < 0 {
		return nil, ErrMissingHeader
	}

	metrics := make(map[string]float64)
	haveClock := false
	haveFooter := false

	for _, line := range lines[start:] {
		line = strings.TrimRight(line, "\r")

		if m := footerRe.FindStringSubmatch(line); m != nil {
			elapsed, err := strconv.ParseFloat(m[1], 64)
			if err != nil {
				return nil, fmt.Errorf("invalid time elapsed %q: %w", m[1], err)
			}
			metrics[TimeElapsed] = elapsed
			haveFooter = true
			break
		}

		m := metricRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}

		value, err := parseCount(m[1])
		if err != nil {
			return nil, fmt.Errorf("invalid counter value %q: %w", m[1], err)
		}
		name := strings.TrimSpace(m[2])

		// The clock line is only kept under the two derived names.
		if clockMetrics[name] {
			util, ok := leadingFloat(m[3])
			if !ok {
				return nil, fmt.Errorf("%w: unreadable annotation %q", ErrMissingCPUUtilization, strings.TrimSpace(m[3]))
			}
			metrics[CPUUtilization] = util
			metrics[CPUInstructions] = value
			haveClock = true
		} else {
			metrics[name] = value
		}
	}

	if !haveFooter {
		return nil, ErrMissingFooter
	}
	if !haveClock {
		return nil, ErrMissingCPUUtilization
	}

	return &Report{
		Metrics:   metrics,
		Error:     desc.ErrorOf(),
		Traceback: desc.TracebackOf(),
	}, nil
}

// parseCount parses a counter such as "1,634,255" or "3.219836".
func parseCount(s string) (float64, error) {
	return strconv.ParseFloat(strings.ReplaceAll(s, ",", ""), 64)
}

func leadingFloat(s string) (float64, bool) {
	m := leadingRe.FindString(strings.TrimSpace(s))
	if m == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(m, 64)
	return v, err == nil
}
