package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/stone-age-io/svcstart/internal/config"
	"github.com/stone-age-io/svcstart/internal/tasks"
	"go.uber.org/zap"
)

// Subscriber registers core NATS handlers
type Subscriber interface {
	Subscribe(subject string, handler nats.MsgHandler) (*nats.Subscription, error)
}

// ConnectionState reports whether the transport is connected
type ConnectionState interface {
	IsConnected() bool
}

// CommandHandlers manages all command subscriptions and handlers
type CommandHandlers struct {
	logger        *zap.Logger
	live          *config.Live
	deviceID      string
	subjectPrefix string
	taskExecutor  *tasks.Executor
	conn          ConnectionState
	version       string
}

// NewCommandHandlers creates a new command handler manager
func NewCommandHandlers(logger *zap.Logger, live *config.Live, executor *tasks.Executor, conn ConnectionState, version string) *CommandHandlers {
	cfg := live.Config()
	return &CommandHandlers{
		logger:        logger,
		live:          live,
		deviceID:      cfg.DeviceID,
		subjectPrefix: cfg.SubjectPrefix,
		taskExecutor:  executor,
		conn:          conn,
		version:       version,
	}
}

// handleWithRecovery wraps a command handler with panic recovery
// This prevents a panic in one command handler from crashing the entire agent
func (h *CommandHandlers) handleWithRecovery(name string, handler nats.MsgHandler) nats.MsgHandler {
	return func(msg *nats.Msg) {
		defer func() {
			if r := recover(); r != nil {
				// Log the panic with stack trace
				h.logger.Error("Panic recovered in command handler",
					zap.String("handler", name),
					zap.String("subject", msg.Subject),
					zap.Any("panic", r),
					zap.String("stack", string(debug.Stack())))

				h.taskExecutor.RecordCommandError(fmt.Errorf("handler %s panicked: %v", name, r))
				h.respond(msg, newErrorResponse(fmt.Sprintf("Internal error: handler panicked: %v", r)))
			}
		}()

		// Execute the actual handler
		handler(msg)
	}
}

// subject builds a command subject for this device
func (h *CommandHandlers) subject(suffix string) string {
	return fmt.Sprintf("%s.%s.%s", h.subjectPrefix, h.deviceID, suffix)
}

// SubscribeAll subscribes to all command subjects for this device
func (h *CommandHandlers) SubscribeAll(client Subscriber) error {
	commands := []struct {
		name    string
		subject string
		handler nats.MsgHandler
	}{
		{"ping", "cmd.ping", h.handlePing},
		{"service.start", "cmd.service.start", h.handleServiceStart},
		{"service.status", "cmd.service.status", h.handleServiceStatus},
		{"health", "cmd.health", h.handleHealth},
		{"metrics", "cmd.metrics", h.handleMetrics},
	}

	for _, c := range commands {
		if _, err := client.Subscribe(h.subject(c.subject), h.handleWithRecovery(c.name, c.handler)); err != nil {
			return err
		}
	}

	return nil
}

// Response structures

type pingResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

type serviceStatusResponse struct {
	Status    string                `json:"status"`
	Services  []tasks.ServiceStatus `json:"services"`
	Timestamp string                `json:"timestamp"`
}

type healthResponse struct {
	Status        string                   `json:"status"`
	Version       string                   `json:"version"`
	NATSConnected bool                     `json:"nats_connected"`
	AgentMetrics  *tasks.AgentMetrics      `json:"agent_metrics"`
	TaskMetrics   *tasks.TaskHealthMetrics `json:"task_metrics"`
	Timestamp     string                   `json:"timestamp"`
}

type metricsResponse struct {
	Status    string `json:"status"`
	Format    string `json:"format"`
	Metrics   string `json:"metrics"`
	Timestamp string `json:"timestamp"`
}

type errorResponse struct {
	Status    string `json:"status"`
	RequestID string `json:"request_id,omitempty"`
	Error     string `json:"error"`
	Timestamp string `json:"timestamp"`
}

func newErrorResponse(msg string) errorResponse {
	return errorResponse{
		Status:    "error",
		Error:     msg,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// handlePing responds to ping commands
func (h *CommandHandlers) handlePing(msg *nats.Msg) {
	h.logger.Debug("Received ping command")

	h.respond(msg, pingResponse{
		Status:    "pong",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// handleServiceStart runs a start request. The reply is sent once the
// request reaches a terminal outcome, so the caller's request timeout must
// cover the wait phase.
func (h *CommandHandlers) handleServiceStart(msg *nats.Msg) {
	h.logger.Debug("Received service start command")
	h.respond(msg, h.startService(msg.Data))
}

// startService decodes and executes a start request, returning the reply body
func (h *CommandHandlers) startService(data []byte) any {
	requestID := uuid.NewString()

	var sr tasks.StartRequest
	if err := json.Unmarshal(data, &sr); err != nil {
		h.logger.Error("Failed to parse service start request", zap.Error(err))
		h.taskExecutor.RecordCommandError(err)
		resp := newErrorResponse("Invalid request format")
		resp.RequestID = requestID
		return resp
	}

	cfg := h.live.Config()
	req, err := sr.Resolve(cfg.Start)
	if err != nil {
		h.logger.Error("Rejected service start request",
			zap.String("request_id", requestID),
			zap.Error(err))
		h.taskExecutor.RecordCommandError(err)
		resp := newErrorResponse(err.Error())
		resp.RequestID = requestID
		return resp
	}

	h.logger.Info("Processing service start",
		zap.String("request_id", requestID),
		zap.String("service", req.ServiceName),
		zap.Bool("wait", req.WaitForRunning),
		zap.Bool("dry_run", req.DryRun))

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Commands.Timeout)
	defer cancel()

	outcome, err := h.taskExecutor.StartService(ctx, req, h.live.AllowedServices())
	if err != nil {
		// Only whitelist rejections reach here; the executor already counted it
		h.logger.Warn("Service start rejected",
			zap.String("request_id", requestID),
			zap.String("service", req.ServiceName),
			zap.Error(err))
		resp := newErrorResponse(err.Error())
		resp.RequestID = requestID
		return resp
	}

	return tasks.NewStartResponse(requestID, outcome)
}

// handleServiceStatus reports the status of the configured services
func (h *CommandHandlers) handleServiceStatus(msg *nats.Msg) {
	h.logger.Debug("Received service status command")

	ctx, cancel := context.WithTimeout(context.Background(), h.live.Config().Commands.Timeout)
	defer cancel()

	statuses := h.taskExecutor.GetServiceStatuses(ctx, h.live.ReportedServices())
	h.taskExecutor.Metrics().ObserveStatuses(statuses)
	h.taskExecutor.RecordCommandSuccess()

	h.respond(msg, serviceStatusResponse{
		Status:    "success",
		Services:  statuses,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// handleHealth returns agent health and performance metrics
func (h *CommandHandlers) handleHealth(msg *nats.Msg) {
	h.logger.Debug("Received health check command")

	metrics := h.taskExecutor.GetAgentMetrics()

	h.respond(msg, healthResponse{
		Status:        "healthy",
		Version:       h.version,
		NATSConnected: h.conn != nil && h.conn.IsConnected(),
		AgentMetrics:  metrics,
		TaskMetrics:   h.taskExecutor.GetTaskMetrics(),
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
	})

	h.logger.Debug("Sent health response",
		zap.Float64("memory_mb", metrics.MemoryUsageMB),
		zap.Int("goroutines", metrics.Goroutines))
}

// handleMetrics returns the Prometheus text exposition of the agent registry
func (h *CommandHandlers) handleMetrics(msg *nats.Msg) {
	h.logger.Debug("Received metrics command")

	text, err := h.taskExecutor.Metrics().Exposition()
	if err != nil {
		h.logger.Error("Failed to render metrics", zap.Error(err))
		h.taskExecutor.RecordCommandError(err)
		h.respond(msg, newErrorResponse(err.Error()))
		return
	}

	h.respond(msg, metricsResponse{
		Status:    "success",
		Format:    "prometheus-text",
		Metrics:   string(text),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// respond marshals v and replies to msg
func (h *CommandHandlers) respond(msg *nats.Msg, v any) {
	responseBytes, err := json.Marshal(v)
	if err != nil {
		h.logger.Error("Failed to marshal response", zap.Error(err))
		responseBytes, _ = json.Marshal(newErrorResponse("Internal error: failed to encode response"))
	}
	if err := msg.Respond(responseBytes); err != nil && !errors.Is(err, nats.ErrMsgNoReply) {
		h.logger.Warn("Failed to send response",
			zap.String("subject", msg.Subject),
			zap.Error(err))
	}
}
