package servicestart

import (
	"fmt"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Severity is how a caller should treat an outcome.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
)

// String returns the lowercase severity name
func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	default:
		return fmt.Sprintf("severity(%d)", int(s))
	}
}

// MarshalText renders the severity by name in JSON payloads
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a severity name
func (s *Severity) UnmarshalText(text []byte) error {
	switch string(text) {
	case "info":
		*s = SeverityInfo
	case "warning":
		*s = SeverityWarning
	case "error":
		*s = SeverityError
	default:
		return fmt.Errorf("unknown severity %q", text)
	}
	return nil
}

// Level maps the severity onto the zap level used to log it
func (s Severity) Level() zapcore.Level {
	switch s {
	case SeverityWarning:
		return zapcore.WarnLevel
	case SeverityError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Kind identifies the terminal condition a request ended in.
type Kind string

const (
	KindAlreadyRunning    Kind = "already_running"
	KindStartOrdered      Kind = "start_ordered"
	KindStarted           Kind = "started"
	KindStartFailed       Kind = "start_failed"
	KindStoppedAfterStart Kind = "stopped_after_start"
	KindProbeFailed       Kind = "probe_failed"
	KindCancelled         Kind = "cancelled"
	KindTimedOut          Kind = "timed_out"
	KindSimulated         Kind = "simulated"
)

// Tolerance holds the two independent classification flags.
type Tolerance struct {
	IgnoreAlreadyRunning  bool
	TreatFailureAsWarning bool
}

// Condition is the raw input to Classify.
type Condition struct {
	Kind    Kind
	Service string
	Err     error         // cause for StartFailed and ProbeFailed
	Waited  time.Duration // elapsed polling time for TimedOut
}

// Outcome is the classified result of a request.
type Outcome struct {
	Kind     Kind
	Severity Severity
	Service  string
	Message  string
	Err      error

	// Probes counts status checks made while waiting, excluding the
	// initial check.
	Probes int
}

// Succeeded reports whether the outcome should let a pipeline continue.
// Warnings count as success.
func (o Outcome) Succeeded() bool {
	return o.Severity != SeverityError
}

// Classify maps a condition and the tolerance flags to a severity and a
// message. It has no side effects.
func Classify(c Condition, t Tolerance) (Severity, string) {
	failure := SeverityError
	if t.TreatFailureAsWarning {
		failure = SeverityWarning
	}

	switch c.Kind {
	case KindAlreadyRunning:
		msg := fmt.Sprintf("Service %s is already running.", c.Service)
		if t.IgnoreAlreadyRunning {
			return SeverityInfo, msg
		}
		return SeverityError, msg
	case KindStartFailed:
		return failure, fmt.Sprintf("Service %s could not be started: %v", c.Service, c.Err)
	case KindStoppedAfterStart:
		return failure, fmt.Sprintf("Service %s stopped immediately after starting.", c.Service)
	case KindStarted:
		return SeverityInfo, "Service started."
	case KindStartOrdered:
		return SeverityInfo, fmt.Sprintf("Service %s ordered to start.", c.Service)
	case KindTimedOut:
		return failure, fmt.Sprintf("Timed out after %s waiting for service %s to start.", c.Waited, c.Service)
	case KindCancelled:
		return SeverityError, fmt.Sprintf("Cancelled while waiting for service %s to start.", c.Service)
	case KindSimulated:
		return SeverityInfo, fmt.Sprintf("Simulation mode: service %s would be started.", c.Service)
	case KindProbeFailed:
		return SeverityError, fmt.Sprintf("Unable to query status of service %s: %v", c.Service, c.Err)
	default:
		return SeverityError, fmt.Sprintf("Service %s ended in unrecognized condition %q.", c.Service, c.Kind)
	}
}

// LogOutcome writes the outcome's message at its severity.
func LogOutcome(logger *zap.Logger, o Outcome) {
	ce := logger.Check(o.Severity.Level(), o.Message)
	if ce == nil {
		return
	}

	fields := []zap.Field{
		zap.String("service", o.Service),
		zap.String("outcome", string(o.Kind)),
	}
	if o.Probes > 0 {
		fields = append(fields, zap.Int("probes", o.Probes))
	}
	if o.Err != nil {
		fields = append(fields, zap.Error(o.Err))
	}
	ce.Write(fields...)
}
