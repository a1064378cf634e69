package tasks

import (
	"fmt"
	"time"

	"github.com/stone-age-io/svcstart/internal/config"
	"github.com/stone-age-io/svcstart/internal/servicestart"
)

// StartRequest is the wire form of a start request shared by the NATS and
// HTTP transports. Nil flags fall back to the configured defaults.
type StartRequest struct {
	ServiceName                 string   `json:"service_name"`
	StartupArgs                 []string `json:"startup_args,omitempty"`
	WaitForStart                *bool    `json:"wait_for_start,omitempty"`
	IgnoreAlreadyStartedError   *bool    `json:"ignore_already_started_error,omitempty"`
	TreatUnableToStartAsWarning *bool    `json:"treat_unable_to_start_as_warning,omitempty"`
	DryRun                      bool     `json:"dry_run,omitempty"`
	WaitTimeout                 string   `json:"wait_timeout,omitempty"` // Go duration, e.g. "90s"
}

// StartResponse reports the outcome of a start request
type StartResponse struct {
	Status      string                `json:"status"`
	RequestID   string                `json:"request_id"`
	ServiceName string                `json:"service_name"`
	Outcome     servicestart.Kind     `json:"outcome"`
	Severity    servicestart.Severity `json:"severity"`
	Message     string                `json:"message"`
	Probes      int                   `json:"probes"`
	Timestamp   string                `json:"timestamp"`
}

// Resolve builds a servicestart.Request, filling unset flags from defaults
func (r StartRequest) Resolve(defaults config.StartConfig) (servicestart.Request, error) {
	req := servicestart.Request{
		ServiceName:           r.ServiceName,
		Args:                  r.StartupArgs,
		WaitForRunning:        pick(r.WaitForStart, defaults.WaitForStart),
		IgnoreAlreadyRunning:  pick(r.IgnoreAlreadyStartedError, defaults.IgnoreAlreadyStartedError),
		TreatFailureAsWarning: pick(r.TreatUnableToStartAsWarning, defaults.TreatUnableToStartAsWarning),
		DryRun:                r.DryRun,
		WaitTimeout:           defaults.WaitTimeout,
	}

	if r.WaitTimeout != "" {
		d, err := time.ParseDuration(r.WaitTimeout)
		if err != nil {
			return servicestart.Request{}, fmt.Errorf("invalid wait_timeout %q: %w", r.WaitTimeout, err)
		}
		req.WaitTimeout = d
	}

	if err := req.Validate(); err != nil {
		return servicestart.Request{}, err
	}
	return req, nil
}

// NewStartResponse renders an outcome for the transports. Info and Warning
// outcomes report success.
func NewStartResponse(requestID string, o servicestart.Outcome) StartResponse {
	status := "success"
	if !o.Succeeded() {
		status = "error"
	}
	return StartResponse{
		Status:      status,
		RequestID:   requestID,
		ServiceName: o.Service,
		Outcome:     o.Kind,
		Severity:    o.Severity,
		Message:     o.Message,
		Probes:      o.Probes,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	}
}

func pick(v *bool, fallback bool) bool {
	if v == nil {
		return fallback
	}
	return *v
}
