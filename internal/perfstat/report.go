package perfstat

import (
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/zeebo/xxh3"
)

// Metric names that every clean report carries.
const (
	CPUUtilization       = "CPU-Utilization"
	CPUInstructions      = "CPU-Instructions-executed"
	TimeElapsed          = "time-elapsed"
	cpuClockMetricSuffix = "CPUs utilized"
)

// Report is the outcome of a clean perf stat parse.
//
// Metrics maps each counter description (for example "instructions") to its
// value with thousands separators removed. Three synthetic keys are always
// present: CPUUtilization, CPUInstructions and TimeElapsed (seconds).
type Report struct {
	Metrics   map[string]float64 `json:"metrics" yaml:"metrics"`
	Error     string             `json:"error" yaml:"error"`
	Traceback []string           `json:"traceback" yaml:"traceback"`
}

// Get returns a metric by name.
func (r *Report) Get(name string) (float64, bool) {
	v, ok := r.Metrics[name]
	return v, ok
}

// Utilization returns the number of CPUs the target kept busy on average.
func (r *Report) Utilization() float64 {
	return r.Metrics[CPUUtilization]
}

// Elapsed returns the wall time perf measured.
func (r *Report) Elapsed() time.Duration {
	return time.Duration(r.Metrics[TimeElapsed] * float64(time.Second))
}

// Names returns the metric names in sorted order.
func (r *Report) Names() []string {
	names := make([]string, 0, len(r.Metrics))
	for name := range r.Metrics {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Fingerprint hashes the report content.
func (r *Report) Fingerprint() uint64 {
	h := xxh3.New()
	for _, name := range r.Names() {
		_, _ = h.WriteString(name)
		_, _ = h.WriteString("=")
		_, _ = h.WriteString(strconv.FormatUint(math.Float64bits(r.Metrics[name]), 16))
		_, _ = h.WriteString("\x1f")
	}
	_, _ = h.WriteString("E" + r.Error)
	for _, line := range r.Traceback {
		_, _ = h.WriteString("T" + line)
	}
	return h.Sum64()
}
