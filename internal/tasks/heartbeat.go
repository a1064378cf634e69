package tasks

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/host"
	"go.uber.org/zap"
)

// Heartbeat is the periodic liveness message published to telemetry
type Heartbeat struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	Hostname    string `json:"hostname,omitempty"`
	OS          string `json:"os,omitempty"`
	Platform    string `json:"platform,omitempty"`
	HostUptime  uint64 `json:"host_uptime_seconds,omitempty"`
	AgentUptime int64  `json:"agent_uptime_seconds"`
	Timestamp   string `json:"timestamp"`
}

// hostInfoTimeout bounds the gopsutil host query
const hostInfoTimeout = 2 * time.Second

// CreateHeartbeat builds a heartbeat message. Host details are best effort.
func (e *Executor) CreateHeartbeat(version string) *Heartbeat {
	hb := &Heartbeat{
		Status:  "alive",
		Version: version,
	}

	ctx, cancel := context.WithTimeout(context.Background(), hostInfoTimeout)
	defer cancel()

	info, err := host.InfoWithContext(ctx)
	if err != nil {
		e.logger.Debug("Failed to read host info for heartbeat", zap.Error(err))
	} else {
		hb.Hostname = info.Hostname
		hb.OS = info.OS
		hb.Platform = info.Platform
		hb.HostUptime = info.Uptime
	}

	e.stats.mu.RLock()
	hb.AgentUptime = int64(time.Since(e.stats.startTime).Seconds())
	e.stats.mu.RUnlock()

	hb.Timestamp = time.Now().UTC().Format(time.RFC3339)
	return hb
}
