package servicestart

import (
	"fmt"
	"strings"
	"time"
)

// Request describes a single start operation.
type Request struct {
	ServiceName string
	Args        []string

	// WaitForRunning polls the service after a successful start until it
	// reports Running or Stopped.
	WaitForRunning bool

	// IgnoreAlreadyRunning downgrades "already running" from Error to Info.
	IgnoreAlreadyRunning bool

	// TreatFailureAsWarning downgrades start failures and "stopped after
	// starting" from Error to Warning.
	TreatFailureAsWarning bool

	// DryRun reports what would happen without touching the host.
	DryRun bool

	// WaitTimeout bounds the polling phase. Zero waits indefinitely.
	WaitTimeout time.Duration
}

// NewRequest returns a request with the default flags: wait for the service
// to start, and treat every failure as an error.
func NewRequest(name string, args ...string) Request {
	return Request{
		ServiceName:    name,
		Args:           args,
		WaitForRunning: true,
	}
}

// Validate checks the fields the starter itself depends on.
// The service name is otherwise opaque and left to the service manager.
func (r Request) Validate() error {
	if strings.TrimSpace(r.ServiceName) == "" {
		return fmt.Errorf("service name is required")
	}
	if r.WaitTimeout < 0 {
		return fmt.Errorf("wait timeout must not be negative")
	}
	return nil
}

// Tolerance returns the two classification flags.
func (r Request) Tolerance() Tolerance {
	return Tolerance{
		IgnoreAlreadyRunning:  r.IgnoreAlreadyRunning,
		TreatFailureAsWarning: r.TreatFailureAsWarning,
	}
}

func (r Request) clone() Request {
	if r.Args != nil {
		r.Args = append([]string(nil), r.Args...)
	}
	return r
}
