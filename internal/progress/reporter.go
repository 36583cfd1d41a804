// Package progress provides structured event logging and run-progress
// coordination for a benchmark run: phase transitions, service lifecycle
// events, and periodic completion percentage reporting.
package progress

import (
	"io"
	"log/slog"
	"os"
)

// Reporter emits structured JSON events for one run, each tagged with the
// run ID.
type Reporter struct {
	logger *slog.Logger
	runID  string
}

// NewReporter creates a Reporter with JSON output to stdout.
func NewReporter(runID string) *Reporter {
	return NewReporterWithWriter(runID, os.Stdout)
}

// NewReporterWithWriter creates a Reporter with JSON output to an
// arbitrary writer, useful for tests.
func NewReporterWithWriter(runID string, w io.Writer) *Reporter {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelInfo})
	return &Reporter{
		logger: slog.New(handler).With("run_id", runID),
		runID:  runID,
	}
}

// LogPhaseTransition logs a controller phase change.
// event: "phase_transition"
func (r *Reporter) LogPhaseTransition(from, to string) {
	r.logger.Info("phase_transition", "from_phase", from, "to_phase", to)
}

// LogServiceRegistered logs a service's REGISTER announcement.
// event: "service_registered"
func (r *Reporter) LogServiceRegistered(serviceID, serviceType string) {
	r.logger.Info("service_registered", "service_id", serviceID, "service_type", serviceType)
}

// LogServiceHeartbeatLost logs a fatal heartbeat timeout for a service.
// event: "service_heartbeat_lost"
func (r *Reporter) LogServiceHeartbeatLost(serviceID, serviceType string, lastSeenMs, timeoutMs int64) {
	r.logger.Error("service_heartbeat_lost",
		"service_id", serviceID,
		"service_type", serviceType,
		"last_seen_ms", lastSeenMs,
		"timeout_ms", timeoutMs,
	)
}

// LogRunProgress logs the fraction of the run completed so far.
// event: "run_progress"
func (r *Reporter) LogRunProgress(recordsCompleted, recordsTotal int, elapsedMs int64) {
	r.logger.Info("run_progress",
		"records_completed", recordsCompleted,
		"records_total", recordsTotal,
		"elapsed_ms", elapsedMs,
	)
}

// LogFinalResults logs the terminal summary of a completed run.
// event: "final_results"
func (r *Reporter) LogFinalResults(runID string, requestCount, errorCount int) {
	r.logger.Info("final_results", "run_id", runID, "request_count", requestCount, "error_count", errorCount)
}
