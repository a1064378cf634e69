//go:build !windows && !linux && !freebsd

package tasks

import (
	"context"
	"fmt"
	"runtime"

	"github.com/stone-age-io/svcstart/internal/servicestart"
)

// unsupportedHost is a stub for unsupported platforms
type unsupportedHost struct{}

// NewHost returns a backend that rejects every request
func NewHost() servicestart.Host {
	return unsupportedHost{}
}

func (unsupportedHost) Open(_ context.Context, name string) (servicestart.Handle, error) {
	return nil, fmt.Errorf("service control not supported on %s: %w", runtime.GOOS, servicestart.ErrHostUnreachable)
}
