// Package zap adapts go.uber.org/zap to the pipeline log.Logger interface.
//
// When the context carries an active OpenTelemetry span, trace_id and
// span_id fields are appended automatically so log lines correlate with
// distributed traces.
package zap
