package telemetry

import (
	"github.com/sdss/archon/internal/archon"
	"github.com/sdss/archon/internal/logging"
)

// StdoutReporter logs controller telemetry events through a Logger.
type StdoutReporter struct {
	logger logging.Logger
}

// NewStdoutReporter builds a stdout reporter with the provided logger.
func NewStdoutReporter(logger logging.Logger) StdoutReporter {
	if logger == nil {
		logger = logging.Default()
	}
	return StdoutReporter{logger: logger}
}

func (r StdoutReporter) Report(event Event, status archon.Status, message string, debug *DebugInfo) Sample {
	fields := []logging.Field{
		{Key: "subsystem", Value: "telemetry"},
		{Key: "event", Value: string(event)},
		{Key: "status", Value: status.String()},
	}
	if message != "" {
		fields = append(fields, logging.Field{Key: "message", Value: message})
	}
	if event == EventExposureError {
		r.logger.Warn("controller telemetry", fields...)
	} else {
		r.logger.Info("controller telemetry", fields...)
	}
	return Sample{Event: event, Status: status.String(), Message: message}
}
