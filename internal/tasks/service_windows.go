//go:build windows

package tasks

import (
	"context"
	"errors"
	"fmt"

	"github.com/stone-age-io/svcstart/internal/servicestart"
	"golang.org/x/sys/windows"
	"golang.org/x/sys/windows/svc"
	"golang.org/x/sys/windows/svc/mgr"
)

// scmHost controls Windows services using the Windows Service Control Manager API
type scmHost struct{}

// NewHost returns the Service Control Manager backend
func NewHost() servicestart.Host {
	return scmHost{}
}

// Open connects to the SCM and opens the service. Both handles stay open
// until Close.
func (scmHost) Open(_ context.Context, name string) (servicestart.Handle, error) {
	// Connect to service manager
	m, err := mgr.Connect()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to service manager: %w: %w", servicestart.ErrHostUnreachable, err)
	}

	// Open service
	s, err := m.OpenService(name)
	if err != nil {
		m.Disconnect()
		if errors.Is(err, windows.ERROR_SERVICE_DOES_NOT_EXIST) {
			return nil, fmt.Errorf("service %s: %w", name, servicestart.ErrServiceNotFound)
		}
		return nil, fmt.Errorf("failed to open service %s: %w", name, err)
	}

	return &scmHandle{mgr: m, svc: s}, nil
}

type scmHandle struct {
	mgr *mgr.Mgr
	svc *mgr.Service
}

func (h *scmHandle) Status(_ context.Context) (servicestart.Status, error) {
	status, err := h.svc.Query()
	if err != nil {
		return servicestart.StatusUnknown, fmt.Errorf("failed to query service: %w", err)
	}
	return mapWindowsServiceState(status.State), nil
}

// Start passes args to the service's ServiceMain
func (h *scmHandle) Start(_ context.Context, args []string) error {
	if err := h.svc.Start(args...); err != nil {
		return fmt.Errorf("failed to start service: %w", err)
	}
	return nil
}

func (h *scmHandle) Close() error {
	return errors.Join(h.svc.Close(), h.mgr.Disconnect())
}

// mapWindowsServiceState converts Windows service state to standard status
func mapWindowsServiceState(state svc.State) servicestart.Status {
	switch state {
	case svc.Running:
		return servicestart.StatusRunning
	case svc.Stopped:
		return servicestart.StatusStopped
	case svc.StartPending:
		return servicestart.StatusStartPending
	case svc.StopPending:
		return servicestart.StatusStopPending
	case svc.Paused, svc.PausePending, svc.ContinuePending:
		return servicestart.StatusPaused
	default:
		return servicestart.StatusUnknown
	}
}
