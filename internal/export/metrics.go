// Package export converts profiling results into OpenTelemetry metrics and
// writes them as OTLP JSON lines.
package export

import (
	"strings"
	"time"

	"go.opentelemetry.io/collector/pdata/pcommon"
	"go.opentelemetry.io/collector/pdata/pmetric"

	"github.com/coral-mesh/frep/internal/perfstat"
	"github.com/coral-mesh/frep/internal/pidstat"
)

const (
	scopePidStat  = "github.com/coral-mesh/frep/pidstat"
	scopePerfStat = "github.com/coral-mesh/frep/perfstat"
	serviceName   = "frep"
)

// Columns that become data point attributes instead of metrics.
var attributeColumns = map[string]string{
	"Time":    "",
	"UID":     "uid",
	"TGID":    "tgid",
	"TID":     "tid",
	"CPU":     "cpu",
	"Command": "command",
}

var units = map[string]string{
	"VSZ":       "KiBy",
	"RSS":       "KiBy",
	"StkSize":   "KiBy",
	"StkRef":    "KiBy",
	"kB_rd/s":   "KiBy/s",
	"kB_wr/s":   "KiBy/s",
	"kB_ccwr/s": "KiBy/s",
	"minflt/s":  "{fault}/s",
	"majflt/s":  "{fault}/s",
	"iodelay":   "{tick}",
}

// MetricName turns a pidstat column or perf counter description into a
// metric name under prefix: "%MEM" becomes "pct_mem", "kB_rd/s" becomes
// "kb_rd_per_s" and "cpu-clock (msec)" becomes "cpu_clock_msec".
func MetricName(prefix, name string) string {
	r := strings.NewReplacer("%", "pct_", "/", "_per_", "-", "_", " ", "_", "(", "", ")", "")
	n := strings.ToLower(r.Replace(strings.TrimSpace(name)))
	for strings.Contains(n, "__") {
		n = strings.ReplaceAll(n, "__", "_")
	}
	return prefix + "." + strings.Trim(n, "_")
}

func newResourceMetrics(md pmetric.Metrics, label, errText, scope string) pmetric.MetricSlice {
	rm := md.ResourceMetrics().AppendEmpty()
	attrs := rm.Resource().Attributes()
	attrs.PutStr("service.name", serviceName)
	if label != "" {
		attrs.PutStr("frep.label", label)
	}
	if errText != "" {
		attrs.PutStr("frep.error", errText)
	}

	sm := rm.ScopeMetrics().AppendEmpty()
	sm.Scope().SetName(scope)
	return sm.Metrics()
}

// PidStatMetrics converts a pidstat result into one gauge per numeric
// column. Each record becomes a data point stamped with its Time column and
// labelled with its tgid, tid and command.
func PidStatMetrics(label string, res *pidstat.Result) pmetric.Metrics {
	md := pmetric.NewMetrics()
	metrics := newResourceMetrics(md, label, res.Error, scopePidStat)

	gauges := make(map[string]pmetric.NumberDataPointSlice)
	for _, sample := range res.Samples {
		for _, rec := range sample.Records {
			ts := pcommon.Timestamp(0)
			if sec, ok := rec.Int("Time"); ok {
				ts = pcommon.NewTimestampFromTime(time.Unix(sec, 0))
			}

			for _, column := range sample.Columns {
				if _, isAttr := attributeColumns[column]; isAttr {
					continue
				}
				v := rec[column]

				points, ok := gauges[column]
				if !ok {
					m := metrics.AppendEmpty()
					m.SetName(MetricName("pidstat", column))
					if unit, ok := units[column]; ok {
						m.SetUnit(unit)
					} else if strings.HasPrefix(column, "%") {
						m.SetUnit("%")
					}
					points = m.SetEmptyGauge().DataPoints()
					gauges[column] = points
				}

				dp := points.AppendEmpty()
				dp.SetTimestamp(ts)
				switch v.Kind() {
				case pidstat.KindInt:
					dp.SetIntValue(v.Int())
				default:
					dp.SetDoubleValue(v.Float())
				}
				putRecordAttributes(dp.Attributes(), sample.Columns, rec)
			}
		}
	}
	return md
}

func putRecordAttributes(attrs pcommon.Map, columns []string, rec pidstat.Record) {
	for _, column := range columns {
		key := attributeColumns[column]
		if key == "" {
			continue
		}
		v, ok := rec[column]
		if !ok {
			continue
		}
		if v.Kind() == pidstat.KindInt {
			attrs.PutInt(key, v.Int())
		} else {
			attrs.PutStr(key, v.String())
		}
	}
}

// PerfStatMetrics converts a perf stat report into one gauge per counter,
// all stamped with at.
func PerfStatMetrics(label string, rep *perfstat.Report, at time.Time) pmetric.Metrics {
	md := pmetric.NewMetrics()
	metrics := newResourceMetrics(md, label, rep.Error, scopePerfStat)
	ts := pcommon.NewTimestampFromTime(at)

	for _, name := range rep.Names() {
		m := metrics.AppendEmpty()
		m.SetName(MetricName("perfstat", name))
		m.SetDescription(name)
		if name == perfstat.TimeElapsed {
			m.SetUnit("s")
		}
		dp := m.SetEmptyGauge().DataPoints().AppendEmpty()
		dp.SetTimestamp(ts)
		dp.SetDoubleValue(rep.Metrics[name])
	}
	return md
}
