package tasks

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"
	"sync"
	"time"

	"github.com/stone-age-io/svcstart/internal/servicestart"
	"go.uber.org/zap"
)

// ErrServiceNotAllowed is returned for services outside the allow list
var ErrServiceNotAllowed = errors.New("service not in allowed list")

// Executor handles all task execution for both scheduled tasks and commands
type Executor struct {
	logger    *zap.Logger
	host      servicestart.Host
	starter   *servicestart.Starter
	metrics   *Metrics
	stats     *ExecutorStats
	taskStats *TaskStats
	ctx       context.Context // Root context; cancelled on shutdown
}

// ExecutorStats tracks executor statistics for self-monitoring
type ExecutorStats struct {
	mu                sync.RWMutex
	startTime         time.Time
	commandsProcessed int64
	commandsErrored   int64
	lastError         string
	lastErrorTime     time.Time
}

// TaskStats tracks scheduled task execution for monitoring
type TaskStats struct {
	mu sync.RWMutex

	lastHeartbeat    time.Time
	lastServiceCheck time.Time

	heartbeatCount    int64
	serviceCheckCount int64
}

// AgentMetrics represents agent self-monitoring metrics
type AgentMetrics struct {
	MemoryUsageMB     float64 `json:"memory_usage_mb"`
	Goroutines        int     `json:"goroutines"`
	UptimeSeconds     int64   `json:"uptime_seconds"`
	CommandsProcessed int64   `json:"commands_processed"`
	CommandsErrored   int64   `json:"commands_errored"`
	LastError         string  `json:"last_error,omitempty"`
	LastErrorTime     string  `json:"last_error_time,omitempty"`
}

// TaskHealthMetrics represents scheduled task health
type TaskHealthMetrics struct {
	LastHeartbeat    string `json:"last_heartbeat,omitempty"`
	LastServiceCheck string `json:"last_service_check,omitempty"`

	HeartbeatCount    int64 `json:"heartbeat_count"`
	ServiceCheckCount int64 `json:"service_check_count"`
}

// NewExecutor creates a new task executor
// host: nil selects the platform backend (NewHost)
// metrics: nil creates a private registry
func NewExecutor(ctx context.Context, logger *zap.Logger, host servicestart.Host, metrics *Metrics) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if host == nil {
		host = NewHost()
	}
	if metrics == nil {
		metrics = NewMetrics()
	}

	return &Executor{
		logger:    logger,
		host:      host,
		starter:   servicestart.New(host, servicestart.WithLogger(logger.Named("starter"))),
		metrics:   metrics,
		stats:     &ExecutorStats{startTime: time.Now()},
		taskStats: &TaskStats{},
		ctx:       ctx,
	}
}

// Metrics returns the executor's Prometheus collectors
func (e *Executor) Metrics() *Metrics {
	return e.metrics
}

// StartService runs a start request for a whitelisted service. The returned
// error is only set when the request is rejected before it runs; every
// other failure is reported through the Outcome.
func (e *Executor) StartService(ctx context.Context, req servicestart.Request, allowedServices []string) (servicestart.Outcome, error) {
	// Validate service is in whitelist
	if !isServiceAllowed(req.ServiceName, allowedServices) {
		err := fmt.Errorf("%w: %s", ErrServiceNotAllowed, req.ServiceName)
		e.RecordCommandError(err)
		return servicestart.Outcome{}, err
	}

	// Requests stop waiting when the agent shuts down
	ctx, cancel := mergeDone(ctx, e.ctx)
	defer cancel()

	begin := time.Now()
	outcome := e.starter.Run(ctx, req)
	e.metrics.ObserveOutcome(outcome, time.Since(begin))

	servicestart.LogOutcome(e.logger, outcome)

	if outcome.Succeeded() {
		e.RecordCommandSuccess()
	} else {
		err := outcome.Err
		if err == nil {
			err = errors.New(outcome.Message)
		}
		e.RecordCommandError(err)
	}

	return outcome, nil
}

// mergeDone returns a context cancelled when either ctx or root is done
func mergeDone(ctx, root context.Context) (context.Context, context.CancelFunc) {
	merged, cancel := context.WithCancel(ctx)
	if root == nil {
		return merged, cancel
	}
	stop := context.AfterFunc(root, cancel)
	return merged, func() {
		stop()
		cancel()
	}
}

// GetAgentMetrics returns current agent performance metrics
func (e *Executor) GetAgentMetrics() *AgentMetrics {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	e.stats.mu.RLock()
	defer e.stats.mu.RUnlock()

	metrics := &AgentMetrics{
		// Use mem.Sys for total OS memory (the full process footprint)
		MemoryUsageMB:     math.Round(float64(mem.Sys)/1024/1024*100) / 100,
		Goroutines:        runtime.NumGoroutine(),
		UptimeSeconds:     int64(time.Since(e.stats.startTime).Seconds()),
		CommandsProcessed: e.stats.commandsProcessed,
		CommandsErrored:   e.stats.commandsErrored,
	}

	if !e.stats.lastErrorTime.IsZero() {
		metrics.LastError = e.stats.lastError
		metrics.LastErrorTime = e.stats.lastErrorTime.Format(time.RFC3339)
	}

	return metrics
}

// GetTaskMetrics returns scheduled task execution metrics
func (e *Executor) GetTaskMetrics() *TaskHealthMetrics {
	e.taskStats.mu.RLock()
	defer e.taskStats.mu.RUnlock()

	metrics := &TaskHealthMetrics{
		HeartbeatCount:    e.taskStats.heartbeatCount,
		ServiceCheckCount: e.taskStats.serviceCheckCount,
	}

	// Only include timestamps if tasks have executed
	if !e.taskStats.lastHeartbeat.IsZero() {
		metrics.LastHeartbeat = e.taskStats.lastHeartbeat.Format(time.RFC3339)
	}
	if !e.taskStats.lastServiceCheck.IsZero() {
		metrics.LastServiceCheck = e.taskStats.lastServiceCheck.Format(time.RFC3339)
	}

	return metrics
}

// RecordHeartbeat records a heartbeat execution
func (e *Executor) RecordHeartbeat() {
	e.taskStats.mu.Lock()
	defer e.taskStats.mu.Unlock()
	e.taskStats.lastHeartbeat = time.Now()
	e.taskStats.heartbeatCount++
}

// RecordServiceCheck records a service check execution
func (e *Executor) RecordServiceCheck() {
	e.taskStats.mu.Lock()
	defer e.taskStats.mu.Unlock()
	e.taskStats.lastServiceCheck = time.Now()
	e.taskStats.serviceCheckCount++
}

// RecordCommandSuccess increments success counter
func (e *Executor) RecordCommandSuccess() {
	e.stats.mu.Lock()
	defer e.stats.mu.Unlock()
	e.stats.commandsProcessed++
}

// RecordCommandError increments error counter and stores last error
func (e *Executor) RecordCommandError(err error) {
	e.stats.mu.Lock()
	defer e.stats.mu.Unlock()

	e.stats.commandsErrored++
	e.stats.commandsProcessed++ // Still counts as processed
	e.stats.lastError = err.Error()
	e.stats.lastErrorTime = time.Now()
}
