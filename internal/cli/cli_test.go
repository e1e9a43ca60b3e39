package cli

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coral-mesh/frep/internal/perfstat"
	"github.com/coral-mesh/frep/internal/pidstat"
	"github.com/coral-mesh/frep/internal/profiler"
	"github.com/coral-mesh/frep/internal/storage"
	"github.com/coral-mesh/frep/internal/testutil"
	"github.com/coral-mesh/frep/pkg/version"
)

const (
	pidstatDump  = "../pidstat/testdata/dump.txt"
	perfstatDump = "../perfstat/testdata/report.txt"
)

// isolate points every frep path at a fresh temp dir.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("FREP_CONFIG", filepath.Join(dir, "config.yaml"))
	t.Setenv("FREP_DB_PATH", filepath.Join(dir, "frep.duckdb"))
	t.Setenv("FREP_DUMP_DIR", dir)
	t.Setenv("FREP_LOG_LEVEL", "error")
	return dir
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	ctx, cancel := testutil.NewTestContext()
	defer cancel()

	cmd := NewRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)

	err := cmd.ExecuteContext(ctx)
	if errOut.Len() > 0 {
		t.Logf("stderr:\n%s", errOut.String())
	}
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "frep version "+version.Get().Version)
	assert.Contains(t, out, "Go version: "+runtime.Version())

	out, err = execute(t, "version", "-o", "json")
	require.NoError(t, err)
	var info version.Info
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.Equal(t, runtime.GOOS+"/"+runtime.GOARCH, info.Platform)
}

func TestParse_PidStatTable(t *testing.T) {
	isolate(t)

	out, err := execute(t, "parse", "pidstat", "--no-store", pidstatDump)
	require.NoError(t, err)
	assert.Contains(t, out, "13 samples, 20 processes and threads")
	assert.Contains(t, out, "MAX RSS (kB)")
	assert.Contains(t, out, "|__blender")
	assert.NotContains(t, out, "Profiled call failed")
}

func TestParse_PerfStatJSON(t *testing.T) {
	isolate(t)

	out, err := execute(t, "parse", "perfstat", "--no-store", "-o", "json", perfstatDump)
	require.NoError(t, err)

	var rep perfstat.Report
	require.NoError(t, json.Unmarshal([]byte(out), &rep))
	assert.InDelta(t, 0.003, rep.Metrics[perfstat.CPUUtilization], 1e-9)
	assert.InDelta(t, 1.002007753, rep.Metrics[perfstat.TimeElapsed], 1e-9)
}

func TestParse_Malformed(t *testing.T) {
	isolate(t)

	_, err := execute(t, "parse", "pidstat", "../pidstat/testdata/dump_missing_end.txt")
	require.ErrorIs(t, err, pidstat.ErrMissingEnd)

	_, err = execute(t, "parse", "pidstat", "-o", "xml", pidstatDump)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported format")
}

func TestParse_StoreHistoryShow(t *testing.T) {
	dir := isolate(t)
	otlp := filepath.Join(dir, "metrics.jsonl")

	for i := 0; i < 2; i++ {
		_, err := execute(t, "parse", "pidstat", "--otlp-file", otlp, pidstatDump)
		require.NoError(t, err)
	}
	_, err := execute(t, "parse", "perfstat", "-l", "encode", perfstatDump)
	require.NoError(t, err)

	out, err := execute(t, "history", "-o", "json")
	require.NoError(t, err)
	var runs []storage.Run
	require.NoError(t, json.Unmarshal([]byte(out), &runs))
	require.Len(t, runs, 2, "the same dump is stored once")

	byKind := map[storage.Kind]storage.Run{}
	for _, r := range runs {
		byKind[r.Kind] = r
	}
	assert.Equal(t, "dump.txt", byKind[storage.KindPidStat].Label)
	assert.Equal(t, 13*20, byKind[storage.KindPidStat].Rows)
	assert.Equal(t, "encode", byKind[storage.KindPerfStat].Label)

	out, err = execute(t, "history", "--kind", "perfstat")
	require.NoError(t, err)
	assert.Contains(t, out, "RUN ID")
	assert.Contains(t, out, byKind[storage.KindPerfStat].ID)
	assert.NotContains(t, out, byKind[storage.KindPidStat].ID)

	out, err = execute(t, "show", byKind[storage.KindPidStat].ID)
	require.NoError(t, err)
	assert.Contains(t, out, "pidstat "+byKind[storage.KindPidStat].ID)
	assert.Contains(t, out, "|__blender")

	out, err = execute(t, "show", byKind[storage.KindPerfStat].ID, "-o", "csv")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "METRIC,VALUE\n"))
	assert.Contains(t, out, perfstat.CPUUtilization+",0.003\n")

	_, err = execute(t, "show", "no-such-run")
	require.ErrorIs(t, err, storage.ErrRunNotFound)

	// Both parses exported, only one was stored.
	assert.Equal(t, 2, countLines(t, otlp))
}

func TestHistory_Empty(t *testing.T) {
	isolate(t)

	out, err := execute(t, "history")
	require.NoError(t, err)
	assert.Contains(t, out, "No runs recorded.")

	out, err = execute(t, "history", "-o", "json")
	require.NoError(t, err)
	assert.JSONEq(t, "[]", out)
}

func TestHistory_InvalidFlags(t *testing.T) {
	isolate(t)

	_, err := execute(t, "history", "--kind", "strace")
	require.Error(t, err)
	_, err = execute(t, "history", "--limit", "-1")
	require.Error(t, err)
	_, err = execute(t, "history", "--since", "yesterday")
	require.Error(t, err)
}

func TestRecord_Workload(t *testing.T) {
	isolate(t)

	_, err := execute(t, "record", "pidstat", "--pid", "1", "--", "true")
	require.ErrorIs(t, err, errTwoWorkloads)

	_, err = execute(t, "record", "perfstat")
	require.ErrorIs(t, err, errNoWorkload)

	_, err = execute(t, "record", "pidstat", "--interval", "1500ms", "--", "true")
	require.Error(t, err, "fractional intervals are rejected before anything starts")
}

func TestRecordTime(t *testing.T) {
	isolate(t)

	out, err := execute(t, "record", "time", "--", "true")
	require.NoError(t, err)
	assert.Contains(t, out, "elapsed")

	out, err = execute(t, "record", "time", "-o", "json", "--", "sh", "-c", "exit 3")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exit status 3")

	var timing profiler.Timing
	require.NoError(t, json.Unmarshal([]byte(out), &timing))
	assert.Contains(t, timing.Error, "exit status 3")
	assert.NotEmpty(t, timing.Traceback)
}

func TestRecordTime_AttachedPid(t *testing.T) {
	isolate(t)

	child := exec.Command("sleep", "0.3")
	require.NoError(t, child.Start())
	reaped := make(chan struct{})
	go func() {
		_ = child.Wait()
		close(reaped)
	}()
	defer func() { <-reaped }()

	out, err := execute(t, "record", "time", "--pid", strconv.Itoa(child.Process.Pid))
	require.NoError(t, err)
	assert.Contains(t, out, "elapsed")
}

func TestRecordPidStat(t *testing.T) {
	dir := isolate(t)
	t.Setenv("FREP_PIDSTAT_BINARY", os.Args[0])
	t.Setenv(testutil.FakeSamplerEnv, string(testutil.FakePidstat))
	otlp := filepath.Join(dir, "metrics.jsonl")

	out, err := execute(t, "record", "pidstat", "-o", "json", "--otlp-file", otlp, "--", "sleep", "1")
	require.NoError(t, err)

	var res struct {
		Samples []struct {
			Records []map[string]any `json:"records"`
		} `json:"samples"`
		Error string `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	require.NotEmpty(t, res.Samples)
	require.Len(t, res.Samples[0].Records, 2)
	assert.Equal(t, "fake", res.Samples[0].Records[0]["Command"])
	assert.Empty(t, res.Error)

	out, err = execute(t, "history", "-o", "json", "-l", "sleep")
	require.NoError(t, err)
	var runs []storage.Run
	require.NoError(t, json.Unmarshal([]byte(out), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, storage.KindPidStat, runs[0].Kind)

	assert.Equal(t, 1, countLines(t, otlp))

	dumps, err := filepath.Glob(filepath.Join(dir, "*.dump"))
	require.NoError(t, err)
	assert.Empty(t, dumps, "dumps are removed unless kept")
}

func TestRecordPerfStat_FailingCommand(t *testing.T) {
	dir := isolate(t)
	t.Setenv("FREP_PERF_BINARY", os.Args[0])
	t.Setenv(testutil.FakeSamplerEnv, string(testutil.FakePerf))

	out, err := execute(t, "record", "perfstat", "--no-store", "--keep-dump",
		"--", "sh", "-c", "sleep 1; exit 4")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exit status 4")

	assert.Contains(t, out, "0.250 CPUs utilized")
	assert.Contains(t, out, "Profiled call failed")

	dumps, err := filepath.Glob(filepath.Join(dir, "*.dump"))
	require.NoError(t, err)
	require.Len(t, dumps, 1)

	out, err = execute(t, "parse", "perfstat", "--no-store", "-o", "yaml", dumps[0])
	require.NoError(t, err)
	assert.Contains(t, out, "CPU-Utilization: 0.25")
}

func TestThreads(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("requires /proc")
	}
	isolate(t)

	pid := os.Getpid()
	out, err := execute(t, "threads", strconv.Itoa(pid), "-o", "json")
	require.NoError(t, err)

	var rows []threadInfoRow
	require.NoError(t, json.Unmarshal([]byte(out), &rows))
	assert.Contains(t, rows, threadInfoRow{TID: pid, Main: true})

	_, err = execute(t, "threads", "abc")
	require.Error(t, err)
}

func TestConfigInitAndShow(t *testing.T) {
	dir := isolate(t)

	out, err := execute(t, "config", "init")
	require.NoError(t, err)
	assert.Contains(t, out, filepath.Join(dir, "config.yaml"))

	_, err = execute(t, "config", "init")
	require.Error(t, err, "existing config is not overwritten")
	_, err = execute(t, "config", "init", "--force")
	require.NoError(t, err)

	out, err = execute(t, "config", "show", "--interval", "2s", "--keep-dump")
	require.NoError(t, err)
	assert.Contains(t, out, "interval: 2s")
	assert.Contains(t, out, "keep_dump: true")
	assert.Contains(t, out, "level: error", "environment overrides the file")

	_, err = execute(t, "config", "show", "--interval", "0s")
	require.Error(t, err)
}

func TestDoctor(t *testing.T) {
	isolate(t)
	bin, err := filepath.Abs(os.Args[0])
	require.NoError(t, err)
	t.Setenv("FREP_PIDSTAT_BINARY", bin)
	t.Setenv("FREP_PERF_BINARY", filepath.Join(t.TempDir(), "perf"))

	// The paranoid level and capabilities depend on the host; only the
	// binary lookups are deterministic.
	out, err := execute(t, "doctor", "-o", "json")
	require.Error(t, err, "missing perf fails the check")

	var rows []checkRow
	require.NoError(t, json.Unmarshal([]byte(out), &rows))
	require.GreaterOrEqual(t, len(rows), 5)
	assert.Equal(t, checkRow{Check: "pidstat", Status: checkOK, Detail: bin}, rows[0])
	assert.Equal(t, "perf", rows[1].Check)
	assert.Equal(t, checkFail, rows[1].Status)
	assert.Equal(t, "user", rows[len(rows)-1].Check)

	_, err = execute(t, "doctor", "-o", "csv")
	require.Error(t, err)
}

func TestSummarizeThreads(t *testing.T) {
	dump := "<pidstat>\n" +
		"# Time TGID TID RSS %MEM kB_rd/s Command\n" +
		" 1 42 - 100 1.0 4.0 app\n" +
		" 1 - 43 100 1.0 4.0 |__app\n" +
		"\n" +
		"# Time TGID TID RSS %MEM kB_rd/s Command\n" +
		" 2 42 - 300 3.0 0.0 app\n" +
		" 2 - 43 200 2.0 2.0 |__app\n" +
		" 2 - 44 50 0.5 0.0 |__worker\n" +
		"</pidstat>\n"

	res, err := pidstat.Parse(strings.NewReader(dump), nil)
	require.NoError(t, err)

	rows := summarizeThreads(res)
	require.Len(t, rows, 3)
	assert.Equal(t, threadRow{TGID: 42, Command: "app", Samples: 2, MaxRSS: 300, MaxMem: 3, AvgRead: 2}, rows[0])
	assert.Equal(t, threadRow{TID: 43, Command: "|__app", Samples: 2, MaxRSS: 200, MaxMem: 2, AvgRead: 3}, rows[1])
	assert.Equal(t, threadRow{TID: 44, Command: "|__worker", Samples: 1, MaxRSS: 50, MaxMem: 0.5}, rows[2])
}

func countLines(t *testing.T, path string) int {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	n := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16<<20)
	for sc.Scan() {
		n++
	}
	require.NoError(t, sc.Err())
	return n
}
