package export

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/collector/pdata/pmetric"

	"github.com/coral-mesh/frep/internal/perfstat"
	"github.com/coral-mesh/frep/internal/pidstat"
	"github.com/coral-mesh/frep/internal/session"
)

// FileExporter appends OTLP JSON encoded metrics to a file, one export per line.
type FileExporter struct {
	path      string
	logger    zerolog.Logger
	marshaler pmetric.JSONMarshaler
	now       func() time.Time

	mu sync.Mutex
}

// NewFileExporter writes to path, creating it on first export.
func NewFileExporter(path string, logger zerolog.Logger) *FileExporter {
	return &FileExporter{
		path:   path,
		logger: logger.With().Str("component", "otlp_file_exporter").Logger(),
		now:    time.Now,
	}
}

// Export appends md as one line.
func (e *FileExporter) Export(_ context.Context, md pmetric.Metrics) error {
	data, err := e.marshaler.MarshalMetrics(md)
	if err != nil {
		return fmt.Errorf("failed to encode metrics: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	// #nosec G304 -- the export path comes from configuration.
	f, err := os.OpenFile(e.path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open export file: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write export file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close export file: %w", err)
	}

	e.logger.Debug().Int("data_points", md.DataPointCount()).Str("path", e.path).Msg("Exported metrics")
	return nil
}

// PidStatSink exports every parsed dump. Failures are logged.
func (e *FileExporter) PidStatSink(ctx context.Context, label string) session.SinkFunc[*pidstat.Result] {
	return func(res *pidstat.Result, err error) {
		if err != nil || res == nil {
			return
		}
		if err := e.Export(ctx, PidStatMetrics(label, res)); err != nil {
			e.logger.Error().Err(err).Msg("Failed to export pidstat result")
		}
	}
}

// PerfStatSink exports every parsed report. Failures are logged.
func (e *FileExporter) PerfStatSink(ctx context.Context, label string) session.SinkFunc[*perfstat.Report] {
	return func(rep *perfstat.Report, err error) {
		if err != nil || rep == nil {
			return
		}
		if err := e.Export(ctx, PerfStatMetrics(label, rep, e.now())); err != nil {
			e.logger.Error().Err(err).Msg("Failed to export perf stat report")
		}
	}
}
