package servicestart

import (
	"context"
	"errors"
	"fmt"
)

// Status is the platform-agnostic lifecycle state of a service.
// Backends map their native states onto these values.
type Status string

const (
	StatusStopped      Status = "Stopped"
	StatusStartPending Status = "StartPending"
	StatusRunning      Status = "Running"
	StatusStopPending  Status = "StopPending"
	StatusPaused       Status = "Paused"
	StatusUnknown      Status = "Unknown"
)

// Common errors returned by host backends
var (
	// ErrServiceNotFound indicates the service manager has no service by that name
	ErrServiceNotFound = errors.New("service not found")

	// ErrHostUnreachable indicates the service manager could not be contacted
	ErrHostUnreachable = errors.New("service manager unreachable")

	// ErrArgsUnsupported indicates the backend cannot pass startup arguments
	ErrArgsUnsupported = errors.New("startup arguments not supported by this service manager")
)

// Host opens scoped handles to services on a target host.
type Host interface {
	// Open acquires a handle to the named service. Callers must Close it.
	Open(ctx context.Context, name string) (Handle, error)
}

// Handle is an open reference to a single service.
type Handle interface {
	// Status reads the current lifecycle state.
	Status(ctx context.Context) (Status, error)

	// Start asks the service manager to transition the service toward
	// Running. It does not wait and does not retry.
	Start(ctx context.Context, args []string) error

	// Close releases any host-side resources held by the handle.
	Close() error
}

// StartError wraps a failed start invocation.
type StartError struct {
	Service string
	Err     error
}

// Error returns a formatted error message
func (e *StartError) Error() string {
	return fmt.Sprintf("start service %q: %v", e.Service, e.Err)
}

// Unwrap returns the underlying error for error chain inspection
func (e *StartError) Unwrap() error {
	return e.Err
}
