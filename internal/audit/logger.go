// Package audit provides structured JSON audit logging for all specgate
// events. Free-text fields are sanitized against terminal escape injection
// and passed through the secret redaction engine before they are written,
// so the audit trail itself can never leak project secrets.
package audit

import (
	"io"
	"os"
	"strings"
	"time"
	"unicode"

	"github.com/rs/zerolog"

	"github.com/specgate-dev/specgate/internal/redact"
)

// sanitizeString strips control characters and ANSI escape sequences from a
// string before logging. Prevents terminal escape injection via crafted
// spec names or process output (e.g. \x1b[2J to clear the screen when
// tailing the audit log).
func sanitizeString(s string) string {
	// Fast path: most strings have no control characters.
	clean := true
	for _, r := range s {
		if r != '\t' && r != '\n' && (unicode.IsControl(r) || r == '\x1b') {
			clean = false
			break
		}
	}
	if clean {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))
	inEscape := false
	for _, r := range s {
		if inEscape {
			// ANSI escape sequences end with a letter (A-Z, a-z).
			if (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z') {
				inEscape = false
			}
			continue
		}
		if r == '\x1b' {
			inEscape = true
			continue
		}
		if r != '\t' && r != '\n' && unicode.IsControl(r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// EventType describes the kind of audit event.
type EventType string

// Event type constants for structured audit log entries.
const (
	EventToolCall         EventType = "tool_call"
	EventToolDenied       EventType = "tool_denied"
	EventRunStarted       EventType = "run_started"
	EventRunFinished      EventType = "run_finished"
	EventRunFailed        EventType = "run_failed"
	EventBusyRejected     EventType = "busy_rejected"
	EventTraversalBlocked EventType = "traversal_blocked"
	EventAuthFailure      EventType = "auth_failure"
	EventRequestRejected  EventType = "request_rejected"
	EventConfigReload     EventType = "config_reload"
	EventInternalError    EventType = "internal_error"
)

// Logger handles structured audit logging using zerolog.
type Logger struct {
	zl           zerolog.Logger
	includeCalls bool
	redactor     *redact.Engine
	fileHandle   *os.File // non-nil if logging to file
}

// New creates a new audit logger. The caller should call Close when done.
// In stdio mode the log must go to stderr (or a file): stdout carries the
// protocol stream.
func New(format, output, filePath string, includeCalls bool, redactor *redact.Engine) (*Logger, error) {
	var writers []io.Writer

	if output == "stderr" || output == "both" {
		if format == "text" {
			writers = append(writers, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
		} else {
			writers = append(writers, os.Stderr)
		}
	}

	var fileHandle *os.File
	if output == "file" || output == "both" {
		f, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600) //nolint:gosec // G304: path validated by config layer
		if err != nil {
			return nil, err
		}
		writers = append(writers, f)
		fileHandle = f
	}

	if len(writers) == 0 {
		writers = append(writers, os.Stderr)
	}

	var w io.Writer
	if len(writers) == 1 {
		w = writers[0]
	} else {
		w = zerolog.MultiLevelWriter(writers...)
	}

	zl := zerolog.New(w).With().
		Timestamp().
		Str("component", "specgate").
		Logger()

	if redactor == nil {
		redactor = redact.New()
	}

	return &Logger{
		zl:           zl,
		includeCalls: includeCalls,
		redactor:     redactor,
		fileHandle:   fileHandle,
	}, nil
}

// NewNop returns a no-op logger that discards all events.
func NewNop() *Logger {
	return &Logger{
		zl:       zerolog.Nop(),
		redactor: redact.New(),
	}
}

// scrub applies both sanitization passes to a free-text field.
func (l *Logger) scrub(s string) string {
	return l.redactor.Redact(sanitizeString(s))
}

// LogToolCall logs a completed, successful tool invocation.
func (l *Logger) LogToolCall(tool, target, requestID string, duration time.Duration) {
	if !l.includeCalls {
		return
	}
	l.zl.Info().
		Str("event", string(EventToolCall)).
		Str("tool", l.scrub(tool)).
		Str("target", l.scrub(target)).
		Str("request_id", requestID).
		Dur("duration_ms", duration).
		Msg("tool call completed")
}

// LogToolDenied logs a tool invocation rejected before doing any work.
func (l *Logger) LogToolDenied(tool, target, reason, requestID string) {
	l.zl.Warn().
		Str("event", string(EventToolDenied)).
		Str("tool", l.scrub(tool)).
		Str("target", l.scrub(target)).
		Str("reason", l.scrub(reason)).
		Str("request_id", requestID).
		Msg("tool call denied")
}

// LogRunStarted logs admission of a test execution.
func (l *Logger) LogRunStarted(runID, spec string) {
	l.zl.Info().
		Str("event", string(EventRunStarted)).
		Str("run_id", runID).
		Str("spec", l.scrub(spec)).
		Msg("run started")
}

// LogRunFinished logs the terminal state of a test execution.
func (l *Logger) LogRunFinished(runID, spec string, exitCode int, timedOut bool, duration time.Duration, capturedBytes int) {
	l.zl.Info().
		Str("event", string(EventRunFinished)).
		Str("run_id", runID).
		Str("spec", l.scrub(spec)).
		Int("exit_code", exitCode).
		Bool("timed_out", timedOut).
		Dur("duration_ms", duration).
		Int("captured_bytes", capturedBytes).
		Msg("run finished")
}

// LogRunFailed logs the terminal state of an admitted execution that never
// produced a process exit (spawn failure). Every run_started event is
// paired with either run_finished or run_failed.
func (l *Logger) LogRunFailed(runID, spec, reason string) {
	l.zl.Error().
		Str("event", string(EventRunFailed)).
		Str("run_id", runID).
		Str("spec", l.scrub(spec)).
		Str("reason", l.scrub(reason)).
		Msg("run failed to start")
}

// LogBusyRejected logs a run request rejected because a run is in flight.
func (l *Logger) LogBusyRejected(spec string) {
	l.zl.Warn().
		Str("event", string(EventBusyRejected)).
		Str("spec", l.scrub(spec)).
		Msg("run rejected, execution slot busy")
}

// LogTraversalBlocked logs a containment violation. Only the candidate as
// supplied is logged, never the resolved internal path.
func (l *Logger) LogTraversalBlocked(tool, candidate, requestID string) {
	l.zl.Warn().
		Str("event", string(EventTraversalBlocked)).
		Str("tool", l.scrub(tool)).
		Str("candidate", l.scrub(candidate)).
		Str("request_id", requestID).
		Msg("path containment violation")
}

// LogAuthFailure logs a failed bearer authentication attempt.
func (l *Logger) LogAuthFailure(remoteAddr, reason string) {
	l.zl.Warn().
		Str("event", string(EventAuthFailure)).
		Str("remote_addr", remoteAddr).
		Str("reason", reason).
		Msg("authentication failed")
}

// LogRequestRejected logs a request stopped by the transport guard before
// authentication (host mismatch, origin present, oversized body).
func (l *Logger) LogRequestRejected(remoteAddr, stage, detail string) {
	l.zl.Warn().
		Str("event", string(EventRequestRejected)).
		Str("remote_addr", remoteAddr).
		Str("stage", stage).
		Str("detail", l.scrub(detail)).
		Msg("request rejected")
}

// LogConfigReload logs a configuration reload event.
func (l *Logger) LogConfigReload(status, detail string) {
	l.zl.Info().
		Str("event", string(EventConfigReload)).
		Str("status", status).
		Str("detail", l.scrub(detail)).
		Msg("configuration reloaded")
}

// LogInternalError logs a non-fatal failure in a supporting component.
func (l *Logger) LogInternalError(component, detail string) {
	l.zl.Error().
		Str("event", string(EventInternalError)).
		Str("subsystem", component).
		Str("detail", l.scrub(detail)).
		Msg("internal error")
}

// LogStartup logs that the server has started.
func (l *Logger) LogStartup(mode, root string) {
	l.zl.Info().
		Str("event", "startup").
		Str("mode", mode).
		Str("project_root", root).
		Msg("specgate started")
}

// LogShutdown logs that the server is stopping.
func (l *Logger) LogShutdown(reason string) {
	l.zl.Info().
		Str("event", "shutdown").
		Str("reason", reason).
		Msg("specgate stopping")
}

// Close releases the log file handle, if any.
func (l *Logger) Close() error {
	if l.fileHandle != nil {
		return l.fileHandle.Close()
	}
	return nil
}
