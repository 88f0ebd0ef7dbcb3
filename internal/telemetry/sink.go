// Package telemetry provides the observability sink for pipeline stage
// reports. Sinks are fire-and-forget: they never affect pipeline control
// flow.
package telemetry

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// StageReport describes one stage invocation.
type StageReport struct {
	Stage       string
	InputCount  int
	OutputCount int
	Latency     time.Duration
	Err         error
}

// Removed returns how many messages the stage dropped.
func (r StageReport) Removed() int {
	return r.InputCount - r.OutputCount
}

// Sink receives stage reports.
type Sink interface {
	Observe(ctx context.Context, report StageReport)
}

// LogSink emits stage reports as structured log events.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink creates a LogSink writing to the given logger.
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Observe implements Sink.
func (s *LogSink) Observe(ctx context.Context, report StageReport) {
	evt := s.logger.Debug()
	if report.Err != nil {
		evt = s.logger.Warn().Err(report.Err)
	}
	evt.
		Str("stage", report.Stage).
		Int("input", report.InputCount).
		Int("output", report.OutputCount).
		Int("removed", report.Removed()).
		Dur("latency", report.Latency).
		Msg("pipeline stage completed")
}

// Compile-time interface check
var _ Sink = (*LogSink)(nil)
