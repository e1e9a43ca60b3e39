package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/coral-mesh/frep/internal/cli/helpers"
	"github.com/coral-mesh/frep/internal/perfstat"
	"github.com/coral-mesh/frep/internal/pidstat"
	"github.com/coral-mesh/frep/internal/profiler"
	"github.com/coral-mesh/frep/internal/storage"
)

var (
	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("205")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9")).
			Bold(true)

	hintStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))
)

var summaryFormats = []helpers.OutputFormat{helpers.FormatTable, helpers.FormatJSON, helpers.FormatYAML}

// threadRow summarizes one pidstat row identity across every sample.
type threadRow struct {
	TGID     int64   `header:"TGID" json:"tgid" yaml:"tgid"`
	TID      int64   `header:"TID" json:"tid" yaml:"tid"`
	Command  string  `header:"COMMAND" json:"command" yaml:"command"`
	Samples  int     `header:"SAMPLES" json:"samples" yaml:"samples"`
	MaxRSS   int64   `header:"MAX RSS (kB)" json:"max_rss_kb" yaml:"max_rss_kb"`
	MaxMem   float64 `header:"MAX %MEM" json:"max_mem_percent" yaml:"max_mem_percent"`
	AvgCPU   float64 `header:"AVG %CPU" json:"avg_cpu_percent" yaml:"avg_cpu_percent"`
	AvgRead  float64 `header:"AVG kB_rd/s" json:"avg_read_kbps" yaml:"avg_read_kbps"`
	AvgWrite float64 `header:"AVG kB_wr/s" json:"avg_write_kbps" yaml:"avg_write_kbps"`
}

type threadKey struct{ tgid, tid int64 }

type threadAcc struct {
	row                 threadRow
	cpu, read, write    float64
	cpuN, readN, writeN int
}

// summarizeThreads folds a pidstat result into one row per process or
// thread, in order of first appearance.
func summarizeThreads(res *pidstat.Result) []threadRow {
	var order []threadKey
	accs := make(map[threadKey]*threadAcc)

	for _, s := range res.Samples {
		for _, rec := range s.Records {
			tgid, _ := rec.Int("TGID")
			tid, _ := rec.Int("TID")
			key := threadKey{tgid, tid}

			acc, ok := accs[key]
			if !ok {
				acc = &threadAcc{row: threadRow{TGID: tgid, TID: tid, Command: rec.Command()}}
				accs[key] = acc
				order = append(order, key)
			}
			acc.row.Samples++
			if rss, ok := rec.Int("RSS"); ok && rss > acc.row.MaxRSS {
				acc.row.MaxRSS = rss
			}
			if mem, ok := rec.Float("%MEM"); ok && mem > acc.row.MaxMem {
				acc.row.MaxMem = mem
			}
			if v, ok := rec.Float("%CPU"); ok {
				acc.cpu += v
				acc.cpuN++
			}
			if v, ok := rec.Float("kB_rd/s"); ok {
				acc.read += v
				acc.readN++
			}
			if v, ok := rec.Float("kB_wr/s"); ok {
				acc.write += v
				acc.writeN++
			}
		}
	}

	rows := make([]threadRow, 0, len(order))
	for _, key := range order {
		acc := accs[key]
		acc.row.AvgCPU = mean(acc.cpu, acc.cpuN)
		acc.row.AvgRead = mean(acc.read, acc.readN)
		acc.row.AvgWrite = mean(acc.write, acc.writeN)
		rows = append(rows, acc.row)
	}
	return rows
}

func mean(sum float64, n int) float64 {
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// metricRow is one perf stat counter.
type metricRow struct {
	Name  string  `header:"METRIC" json:"name" yaml:"name"`
	Value float64 `header:"VALUE" json:"value" yaml:"value"`
}

func metricRows(names []string, get func(string) float64) []metricRow {
	rows := make([]metricRow, 0, len(names))
	for _, name := range names {
		rows = append(rows, metricRow{Name: name, Value: get(name)})
	}
	return rows
}

// runRow is one line of the history listing.
type runRow struct {
	ID         string `header:"RUN ID" json:"id" yaml:"id"`
	Kind       string `header:"KIND" json:"kind" yaml:"kind"`
	Label      string `header:"LABEL" json:"label" yaml:"label"`
	RecordedAt string `header:"RECORDED" json:"recorded_at" yaml:"recorded_at"`
	Rows       int    `header:"ROWS" json:"rows" yaml:"rows"`
	Error      string `header:"ERROR" json:"error" yaml:"error"`
}

func runRows(runs []storage.Run) []runRow {
	rows := make([]runRow, 0, len(runs))
	for _, r := range runs {
		rows = append(rows, runRow{
			ID:         r.ID,
			Kind:       string(r.Kind),
			Label:      r.Label,
			RecordedAt: r.RecordedAt.Local().Format(time.DateTime),
			Rows:       r.Rows,
			Error:      firstLine(r.Error),
		})
	}
	return rows
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// printFault renders the failure a profiled call ended with, if any.
func printFault(w io.Writer, errText string, traceback []string) {
	if errText == "" {
		return
	}
	fmt.Fprintln(w, errorStyle.Render("Profiled call failed: ")+errText)
	for _, frame := range traceback {
		fmt.Fprintln(w, hintStyle.Render("  "+strings.ReplaceAll(frame, "\n", "\n  ")))
	}
}

func printPidStat(w io.Writer, format string, res *pidstat.Result) error {
	if format != string(helpers.FormatTable) {
		return formatTo(w, format, res)
	}

	rows := summarizeThreads(res)
	fmt.Fprintf(w, "%s %s\n\n",
		titleStyle.Render("pidstat"),
		hintStyle.Render(fmt.Sprintf("%d samples, %d processes and threads", len(res.Samples), len(rows))))
	if err := formatTo(w, format, rows); err != nil {
		return err
	}
	printFault(w, res.Error, res.Traceback)
	return nil
}

func printPerfStat(w io.Writer, format string, rep *perfstat.Report) error {
	if format != string(helpers.FormatTable) {
		return formatTo(w, format, rep)
	}

	fmt.Fprintf(w, "%s %s\n\n",
		titleStyle.Render("perf stat"),
		hintStyle.Render(fmt.Sprintf("%.3f CPUs utilized over %s", rep.Utilization(), rep.Elapsed())))
	get := func(name string) float64 {
		v, _ := rep.Get(name)
		return v
	}
	if err := formatTo(w, format, metricRows(rep.Names(), get)); err != nil {
		return err
	}
	printFault(w, rep.Error, rep.Traceback)
	return nil
}

func printTiming(w io.Writer, format string, t *profiler.Timing) error {
	if format != string(helpers.FormatTable) {
		return formatTo(w, format, t)
	}
	fmt.Fprintf(w, "%s %s\n", titleStyle.Render("elapsed"), t.Elapsed)
	printFault(w, t.Error, t.Traceback)
	return nil
}

func formatTo(w io.Writer, format string, data any) error {
	f, err := helpers.NewFormatter(helpers.OutputFormat(format))
	if err != nil {
		return err
	}
	return f.Format(data, w)
}
