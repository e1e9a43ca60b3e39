package cli

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/coral-mesh/frep/internal/cli/helpers"
	"github.com/coral-mesh/frep/internal/config"
	"github.com/coral-mesh/frep/internal/export"
	"github.com/coral-mesh/frep/internal/instrument"
	"github.com/coral-mesh/frep/internal/perfstat"
	"github.com/coral-mesh/frep/internal/pidstat"
	"github.com/coral-mesh/frep/internal/profiler"
	"github.com/coral-mesh/frep/internal/session"
	"github.com/coral-mesh/frep/internal/storage"
)

func newRecordCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Profile a command or a running process",
		Long: `Start a sampler against a process, run until the work ends, then parse
and report what the sampler printed.

Either pass a command after "--", which frep starts and profiles until it
exits, or attach to a running process with --pid and stop with Ctrl-C.`,
	}

	cmd.AddCommand(newRecordPidStatCmd())
	cmd.AddCommand(newRecordPerfStatCmd())
	cmd.AddCommand(newRecordTimeCmd())

	return cmd
}

type recordFlags struct {
	pid    int
	label  string
	format string
}

func (f *recordFlags) register(cmd *cobra.Command, sampler bool) {
	cmd.Flags().IntVarP(&f.pid, "pid", "p", 0, "Attach to a running process or thread instead of starting a command")
	helpers.AddFormatFlag(cmd, &f.format, helpers.FormatTable, summaryFormats)
	if !sampler {
		return
	}
	helpers.AddLabelFlag(cmd, &f.label, "Label stored with the run (default: the command name)")
	config.RegisterSessionFlags(cmd.Flags())
	config.RegisterOutputFlags(cmd.Flags())
}

// recorder binds one result type to its profiler, destinations and printer.
type recorder[R any] struct {
	newProfiler func(e *env, target int, sink session.SinkFunc[R]) instrument.Profiler
	storeSink   func(s *storage.Store, ctx context.Context, label string) session.SinkFunc[R]
	exportSink  func(x *export.FileExporter, ctx context.Context, label string) session.SinkFunc[R]
	print       func(w io.Writer, format string, result R) error
}

var pidstatRecorder = recorder[*pidstat.Result]{
	newProfiler: func(e *env, target int, sink session.SinkFunc[*pidstat.Result]) instrument.Profiler {
		sampler := pidstat.Sampler{Binary: e.cfg.PidStat.Binary, CPU: e.cfg.PidStat.CPU}
		return profiler.PidStat(e.profilerOptions(target), sampler, sink)
	},
	storeSink:  (*storage.Store).PidStatSink,
	exportSink: (*export.FileExporter).PidStatSink,
	print:      printPidStat,
}

var perfstatRecorder = recorder[*perfstat.Report]{
	newProfiler: func(e *env, target int, sink session.SinkFunc[*perfstat.Report]) instrument.Profiler {
		sampler := perfstat.Sampler{Binary: e.cfg.PerfStat.Binary, Events: e.cfg.PerfStat.Events}
		return profiler.PerfStat(e.profilerOptions(target), sampler, sink)
	},
	storeSink:  (*storage.Store).PerfStatSink,
	exportSink: (*export.FileExporter).PerfStatSink,
	print:      printPerfStat,
}

func newRecordPidStatCmd() *cobra.Command {
	var flags recordFlags
	cmd := &cobra.Command{
		Use:   "pidstat [flags] (--pid PID | -- COMMAND [ARGS...])",
		Short: "Sample per-thread memory, page faults and I/O with pidstat",
		Example: `  frep record pidstat -- ./render scene.blend
  frep record pidstat --interval 2s --keep-dump -l nightly -- make test
  frep record pidstat --pid 4242 -o json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRecord(cmd, args, &flags, pidstatRecorder)
		},
	}
	flags.register(cmd, true)
	return cmd
}

func newRecordPerfStatCmd() *cobra.Command {
	var flags recordFlags
	cmd := &cobra.Command{
		Use:   "perfstat [flags] (--pid PID | -- COMMAND [ARGS...])",
		Short: "Count CPU events with perf stat",
		Example: `  frep record perfstat -- ./encode input.wav
  FREP_PERF_EVENTS=cycles,instructions frep record perfstat --pid 4242`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRecord(cmd, args, &flags, perfstatRecorder)
		},
	}
	flags.register(cmd, true)
	return cmd
}

func newRecordTimeCmd() *cobra.Command {
	var flags recordFlags
	cmd := &cobra.Command{
		Use:   "time [flags] (--pid PID | -- COMMAND [ARGS...])",
		Short: "Measure wall time only, without a sampler",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := helpers.ValidateFormat(flags.format, summaryFormats); err != nil {
				return err
			}

			var timing *profiler.Timing
			timer := profiler.NewTimer(func(t *profiler.Timing) { timing = t })

			runErr := profileWorkload(cmd, args, flags.pid, timer)
			if timing != nil {
				if err := printTiming(cmd.OutOrStdout(), flags.format, timing); err != nil {
					return errors.Join(runErr, err)
				}
			}
			return runErr
		},
	}
	flags.register(cmd, false)
	return cmd
}

func runRecord[R any](cmd *cobra.Command, args []string, flags *recordFlags, rec recorder[R]) error {
	if err := helpers.ValidateFormat(flags.format, summaryFormats); err != nil {
		return err
	}

	e, err := newEnv(cmd)
	if err != nil {
		return err
	}
	if err := e.openOutputs(); err != nil {
		return err
	}
	defer e.close()

	label := flags.label
	if label == "" && len(args) > 0 {
		label = args[0]
	}

	ctx := cmd.Context()
	var (
		result R
		parsed bool
	)
	sinks := []session.SinkFunc[R]{func(r R, err error) {
		if err != nil {
			e.logger.Error().Err(err).Msg("Failed to parse sampler output")
			return
		}
		result, parsed = r, true
	}}
	if e.store != nil {
		sinks = append(sinks, rec.storeSink(e.store, ctx, label))
	}
	if e.exporter != nil {
		sinks = append(sinks, rec.exportSink(e.exporter, ctx, label))
	}

	profile := func(target int) instrument.Profiler {
		return rec.newProfiler(e, target, profiler.Fanout(sinks...))
	}
	runErr := profileWorkloadWith(cmd, args, flags.pid, profile)
	if parsed {
		if err := rec.print(cmd.OutOrStdout(), flags.format, result); err != nil {
			return errors.Join(runErr, err)
		}
	}
	return runErr
}

func profileWorkload(cmd *cobra.Command, args []string, pid int, p instrument.Profiler) error {
	return profileWorkloadWith(cmd, args, pid, func(int) instrument.Profiler { return p })
}

// profileWorkloadWith starts or attaches to the workload and guards its
// lifetime with the profiler built for its pid. SIGINT and SIGTERM end an
// attached workload; a child command gets them from the terminal itself.
func profileWorkloadWith(cmd *cobra.Command, args []string, pid int, profile func(target int) instrument.Profiler) error {
	ctx := cmd.Context()

	w, err := startWorkload(ctx, pid, args, cmd.OutOrStdout(), cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer w.release()

	waitCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	return instrument.Guard(ctx, profile(w.pid), func(context.Context) error {
		return w.wait(waitCtx)
	})
}
