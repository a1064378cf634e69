//go:build linux

package tasks

import (
	"context"
	"fmt"
	"strings"

	"github.com/stone-age-io/svcstart/internal/servicestart"
)

// systemdHost controls systemd units through systemctl
type systemdHost struct {
	run commandRunner
}

// NewHost returns the systemd backend
func NewHost() servicestart.Host {
	return &systemdHost{run: runCommand}
}

// Open verifies the unit is loaded. systemctl holds no handle, so the
// returned handle only remembers the unit name.
func (h *systemdHost) Open(ctx context.Context, name string) (servicestart.Handle, error) {
	props, err := h.show(ctx, name)
	if err != nil {
		return nil, err
	}
	if props["LoadState"] == "not-found" {
		return nil, fmt.Errorf("unit %s: %w", name, servicestart.ErrServiceNotFound)
	}
	return &systemdHandle{host: h, name: name}, nil
}

// show queries systemd for the unit's state properties
func (h *systemdHost) show(ctx context.Context, name string) (map[string]string, error) {
	// Use systemctl show for machine-readable output
	stdout, stderr, err := h.run(ctx, "systemctl", "show", name, "--property=ActiveState,SubState,LoadState")
	if err != nil {
		if strings.Contains(stderr, "not loaded") || strings.Contains(stderr, "not found") {
			return nil, fmt.Errorf("unit %s: %w", name, servicestart.ErrServiceNotFound)
		}
		return nil, fmt.Errorf("systemctl show failed: %w: %s: %w", servicestart.ErrHostUnreachable, strings.TrimSpace(stderr), err)
	}
	return parseShowOutput(stdout), nil
}

type systemdHandle struct {
	host *systemdHost
	name string
}

func (s *systemdHandle) Status(ctx context.Context) (servicestart.Status, error) {
	props, err := s.host.show(ctx, s.name)
	if err != nil {
		return servicestart.StatusUnknown, err
	}

	status := mapSystemdState(props["ActiveState"])
	if status != servicestart.StatusStopped {
		return status, nil
	}

	// A queued start job leaves the unit inactive until systemd runs it
	pending, err := s.host.startJobPending(ctx, s.name)
	if err != nil {
		return servicestart.StatusUnknown, err
	}
	if pending {
		return servicestart.StatusStartPending, nil
	}
	return status, nil
}

// startJobPending reports whether a start job for the unit is queued
func (h *systemdHost) startJobPending(ctx context.Context, name string) (bool, error) {
	stdout, stderr, err := h.run(ctx, "systemctl", "list-jobs", "--no-legend")
	if err != nil {
		return false, fmt.Errorf("systemctl list-jobs failed: %w: %s: %w", servicestart.ErrHostUnreachable, strings.TrimSpace(stderr), err)
	}
	return hasStartJob(stdout, name), nil
}

// hasStartJob scans list-jobs rows (JOB UNIT TYPE STATE) for a start job on
// the unit. Names without a suffix refer to the .service unit.
func hasStartJob(output, name string) bool {
	unit := name
	if !strings.Contains(unit, ".") {
		unit += ".service"
	}
	for _, line := range strings.Split(output, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		if fields[1] == unit && fields[2] == "start" {
			return true
		}
	}
	return false
}

// Start queues the start job without waiting for it. Until systemd runs the
// job, Status reports StartPending.
func (s *systemdHandle) Start(ctx context.Context, args []string) error {
	if len(args) > 0 {
		return fmt.Errorf("systemd unit %s: %w", s.name, servicestart.ErrArgsUnsupported)
	}

	_, stderr, err := s.host.run(ctx, "systemctl", "start", "--no-block", s.name)
	if err != nil {
		return fmt.Errorf("systemctl start %s failed: %w: %s", s.name, err, strings.TrimSpace(stderr))
	}
	return nil
}

func (s *systemdHandle) Close() error {
	return nil
}

// parseShowOutput splits systemctl show key=value lines
func parseShowOutput(output string) map[string]string {
	props := make(map[string]string)
	for _, line := range strings.Split(output, "\n") {
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		props[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
	}
	return props
}

// mapSystemdState converts systemd ActiveState to standard status
func mapSystemdState(activeState string) servicestart.Status {
	switch activeState {
	case "active", "reloading":
		// Other active substates (e.g., exited) still count as running
		return servicestart.StatusRunning
	case "inactive", "failed":
		// A unit that failed during activation has stopped
		return servicestart.StatusStopped
	case "activating":
		return servicestart.StatusStartPending
	case "deactivating":
		return servicestart.StatusStopPending
	default:
		return servicestart.StatusUnknown
	}
}
