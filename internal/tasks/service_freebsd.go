//go:build freebsd

package tasks

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/stone-age-io/svcstart/internal/servicestart"
)

// rcHost controls rc.d services through service(8)
type rcHost struct {
	run commandRunner
}

// NewHost returns the rc.d backend
func NewHost() servicestart.Host {
	return &rcHost{run: runCommand}
}

func (h *rcHost) Open(ctx context.Context, name string) (servicestart.Handle, error) {
	handle := &rcHandle{host: h, name: name}
	// A status query doubles as the existence check
	if _, err := handle.Status(ctx); err != nil {
		return nil, err
	}
	return handle, nil
}

type rcHandle struct {
	host *rcHost
	name string
}

// Status queries rc.d for service status
func (s *rcHandle) Status(ctx context.Context) (servicestart.Status, error) {
	stdout, stderr, err := s.host.run(ctx, "service", s.name, "status")
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return servicestart.StatusUnknown, fmt.Errorf("service status failed: %w: %w", servicestart.ErrHostUnreachable, err)
		}
		exitCode = exitErr.ExitCode()
	}

	return parseRcStatus(exitCode, stdout, stderr, s.name)
}

func (s *rcHandle) Start(ctx context.Context, args []string) error {
	if len(args) > 0 {
		return fmt.Errorf("rc.d service %s: %w", s.name, servicestart.ErrArgsUnsupported)
	}

	_, stderr, err := s.host.run(ctx, "service", s.name, "start")
	if err != nil {
		return fmt.Errorf("service %s start failed: %w: %s", s.name, err, strings.TrimSpace(stderr))
	}
	return nil
}

func (s *rcHandle) Close() error {
	return nil
}

// parseRcStatus interprets `service <name> status`.
// Exit code 0 = running, 1 = not running
func parseRcStatus(exitCode int, stdout, stderr, name string) (servicestart.Status, error) {
	output := strings.TrimSpace(stdout)

	switch {
	case exitCode == 0:
		return servicestart.StatusRunning, nil
	case strings.Contains(output, "not running") || strings.Contains(output, "is not enabled"):
		return servicestart.StatusStopped, nil
	case strings.Contains(strings.ToLower(stderr), "not found") ||
		strings.Contains(strings.ToLower(output), "not exist") ||
		strings.Contains(strings.ToLower(stderr), "does not exist"):
		return servicestart.StatusUnknown, fmt.Errorf("rc.d service %s: %w", name, servicestart.ErrServiceNotFound)
	default:
		// rc.d scripts exit non-zero when the daemon is not running
		return servicestart.StatusStopped, nil
	}
}
