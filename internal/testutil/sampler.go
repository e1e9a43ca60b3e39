package testutil

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/coral-mesh/frep/internal/session"
)

const fakeSamplerArg = "frep-fake-sampler"

// FakeSamplerEnv, when set to a FakeMode, makes the test binary act as a
// sampler whatever its arguments are. Pointing the pidstat or perf binary at
// os.Args[0] with this variable set exercises code that builds the real
// sampler command line.
const FakeSamplerEnv = "FREP_FAKE_SAMPLER"

// FakeMode selects the behaviour of a FakeSampler process.
type FakeMode string

const (
	// FakePidstat prints pidstat groups until interrupted.
	FakePidstat FakeMode = "pidstat"
	// FakeExit prints one pidstat group and exits on its own.
	FakeExit FakeMode = "exit"
	// FakeStubborn prints pidstat groups and ignores interrupts.
	FakeStubborn FakeMode = "stubborn"
	// FakePerf prints a perf stat report on stderr when interrupted.
	FakePerf FakeMode = "perf"
	// FakeCrash exits non-zero without printing anything.
	FakeCrash FakeMode = "crash"
)

// FakeSampler re-executes the test binary as a sampler. Packages using it
// must call RunFakeSampler at the top of TestMain.
type FakeSampler struct {
	Mode FakeMode
}

// Command implements session.Sampler.
func (f FakeSampler) Command(target int, interval, _ time.Duration) []string {
	return []string{os.Args[0], fakeSamplerArg, string(f.Mode), strconv.Itoa(target), session.Seconds(interval)}
}

// Stream implements session.Sampler.
func (f FakeSampler) Stream() session.Stream {
	if f.Mode == FakePerf {
		return session.Stderr
	}
	return session.Stdout
}

// RunFakeSampler turns the current process into a fake sampler when it was
// started by FakeSampler. Otherwise it returns immediately.
func RunFakeSampler() {
	if mode := os.Getenv(FakeSamplerEnv); mode != "" {
		os.Exit(fakeSampler(FakeMode(mode), targetFlag(os.Args[1:])))
	}
	if len(os.Args) < 3 || os.Args[1] != fakeSamplerArg {
		return
	}
	target := "0"
	if len(os.Args) > 3 {
		target = os.Args[3]
	}
	os.Exit(fakeSampler(FakeMode(os.Args[2]), target))
}

// targetFlag finds the pid after pidstat's -p or perf's -t.
func targetFlag(args []string) string {
	for i := 0; i+1 < len(args); i++ {
		if args[i] == "-p" || args[i] == "-t" {
			return args[i+1]
		}
	}
	return "0"
}

func fakeSampler(mode FakeMode, target string) int {
	stop := make(chan os.Signal, 1)
	if mode == FakeStubborn {
		signal.Ignore(os.Interrupt)
	} else {
		signal.Notify(stop, os.Interrupt)
	}

	switch mode {
	case FakeCrash:
		return 3
	case FakePerf:
		// A blank line tells WaitForOutput that the sampler is up.
		fmt.Fprintln(os.Stderr)
		fmt.Fprintln(os.Stdout, "perf: attached")
		<-stop
		fmt.Fprint(os.Stderr, perfReport(target))
		return 0
	}

	out := os.Stdout
	fmt.Fprintf(out, "Linux 6.1.0-frep (fake) \t01/01/2024 \t_x86_64_\t(4 CPU)\n\n")

	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for now := int64(1700000000); ; now++ {
		writeGroup(out, now, target)
		if mode == FakeExit {
			return 0
		}
		select {
		case <-stop:
			fmt.Fprintln(out, "Average: interrupted")
			return 0
		case <-tick.C:
		}
	}
}

func writeGroup(w io.Writer, now int64, target string) {
	fmt.Fprintf(w, "#      Time   UID      TGID       TID    %%MEM  Command\n")
	fmt.Fprintf(w, " %d  1000  %8s         0    0.10  fake\n", now, target)
	fmt.Fprintf(w, " %d  1000         0  %8s    0.10  |__fake\n", now, target)
	fmt.Fprintln(w)
}

func perfReport(target string) string {
	return strings.Join([]string{
		"",
		" Performance counter stats for thread id '" + target + "':",
		"",
		"          2.500000      cpu-clock (msec)          #    0.250 CPUs utilized          ",
		"         1,000,000      instructions              #    0.50  insn per cycle         ",
		"",
		"       0.010000000 seconds time elapsed",
		"",
	}, "\n")
}

// WaitForOutput blocks until the dump at path holds more than the BEGIN
// marker, so a following stop request reaches a sampler that is running.
func WaitForOutput(t *testing.T, path string) {
	t.Helper()

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if info, err := os.Stat(path); err == nil && info.Size() > int64(len(session.BeginMarker)+1) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("sampler wrote nothing to %s", path)
}
