package tasks

import (
	"context"
	"errors"

	"github.com/stone-age-io/svcstart/internal/servicestart"
	"go.uber.org/zap"
)

// ServiceStatus represents the status of a system service
// This structure is shared across all platforms (Windows, Linux, FreeBSD)
type ServiceStatus struct {
	Name   string `json:"name"`
	Status string `json:"status"` // A servicestart.Status or one of the constants below
}

// Report-only statuses for services the probe could not read
const (
	// ServiceStatusError indicates the status query itself failed
	ServiceStatusError = "Error"

	// ServiceStatusNotInstalled indicates the service is not installed on the system
	ServiceStatusNotInstalled = "NotInstalled"
)

// Platform-specific host backends (NewHost):
// - Windows: internal/tasks/service_windows.go
// - Linux:   internal/tasks/service_linux.go
// - FreeBSD: internal/tasks/service_freebsd.go
// - Stub:    internal/tasks/service_stub.go (for unsupported platforms)

// GetServiceStatuses retrieves status for all configured services
func (e *Executor) GetServiceStatuses(ctx context.Context, services []string) []ServiceStatus {
	statuses := make([]ServiceStatus, 0, len(services))

	for _, name := range services {
		status, err := e.probeStatus(ctx, name)
		switch {
		case errors.Is(err, servicestart.ErrServiceNotFound):
			statuses = append(statuses, ServiceStatus{Name: name, Status: ServiceStatusNotInstalled})
		case err != nil:
			e.logger.Warn("Failed to get service status",
				zap.String("service", name),
				zap.Error(err))
			statuses = append(statuses, ServiceStatus{Name: name, Status: ServiceStatusError})
		default:
			statuses = append(statuses, ServiceStatus{Name: name, Status: string(status)})
		}
	}

	return statuses
}

// probeStatus opens a handle, reads the status once, and releases the handle
func (e *Executor) probeStatus(ctx context.Context, name string) (servicestart.Status, error) {
	handle, err := e.host.Open(ctx, name)
	if err != nil {
		return servicestart.StatusUnknown, err
	}
	defer handle.Close()

	return handle.Status(ctx)
}

// isServiceAllowed checks if a service is in the allowed list
func isServiceAllowed(name string, allowedServices []string) bool {
	for _, allowed := range allowedServices {
		if name == allowed {
			return true
		}
	}
	return false
}
