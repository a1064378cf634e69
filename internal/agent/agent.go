package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/stone-age-io/svcstart/internal/api"
	"github.com/stone-age-io/svcstart/internal/bootstrap"
	"github.com/stone-age-io/svcstart/internal/config"
	natsclient "github.com/stone-age-io/svcstart/internal/nats"
	"github.com/stone-age-io/svcstart/internal/scheduler"
	"github.com/stone-age-io/svcstart/internal/tasks"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
	"vawter.tech/stopper"
)

const (
	stopGrace             = 5 * time.Second
	finalHeartbeatTimeout = 2 * time.Second
)

// Agent represents the main agent
type Agent struct {
	source    *config.Source
	live      *config.Live
	logger    *zap.Logger
	nats      *natsclient.Client
	executor  *tasks.Executor
	scheduler *scheduler.Scheduler
	handlers  *natsclient.CommandHandlers
	api       *api.Server
	version   string
	ctx       context.Context
	cancel    context.CancelFunc
}

// New creates a new agent instance
func New(configPath string, version string) (*Agent, error) {
	source, err := config.Open(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	live := source.Live()
	cfg := live.Config()

	logger, err := initLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	logger.Info("Starting svcstart agent",
		zap.String("version", version),
		zap.String("device_id", cfg.DeviceID))

	if cfg.NATS.Auth.Type == "pocketbase" {
		if err := bootstrap.FetchCredentials(context.Background(), cfg, logger); err != nil {
			return nil, fmt.Errorf("failed to bootstrap credentials: %w", err)
		}
		// The .creds file now exists
		cfg.NATS.Auth.Type = "creds"
	}

	ctx, cancel := context.WithCancel(context.Background())

	executor := tasks.NewExecutor(ctx, logger, nil, nil)

	logger.Info("Connecting to NATS...")
	natsClient, err := natsclient.NewClient(&cfg.NATS, logger)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	handlers := natsclient.NewCommandHandlers(logger, live, executor, natsClient, version)

	logger.Info("Subscribing to commands...")
	if err := handlers.SubscribeAll(natsClient); err != nil {
		cancel()
		natsClient.Close()
		return nil, fmt.Errorf("failed to subscribe to commands: %w", err)
	}

	sched, err := scheduler.New(ctx, logger, natsClient, executor, live, version)
	if err != nil {
		cancel()
		natsClient.Close()
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	a := &Agent{
		source:    source,
		live:      live,
		logger:    logger,
		nats:      natsClient,
		executor:  executor,
		scheduler: sched,
		handlers:  handlers,
		version:   version,
		ctx:       ctx,
		cancel:    cancel,
	}

	if cfg.API.Enabled {
		a.api = api.New(logger.Named("api"), executor, live, version)
	}

	// Only a fully built agent follows allowed_services edits
	source.Watch(logger)

	return a, nil
}

// Run starts the agent and blocks until ctx is done or a component fails
func (a *Agent) Run(ctx context.Context) error {
	cfg := a.live.Config()
	sctx := stopper.WithContext(a.ctx)

	sctx.Go(func(sctx *stopper.Context) error {
		a.scheduler.Start()
		<-sctx.Stopping()
		return a.scheduler.Shutdown()
	})

	if a.api != nil {
		sctx.Go(func(sctx *stopper.Context) error {
			return a.api.Run(stoppingContext(sctx), cfg.API.Listen)
		})
	}

	a.logger.Info("Agent running",
		zap.String("device_id", cfg.DeviceID),
		zap.String("version", a.version))

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("Received shutdown signal")
	case <-sctx.Stopping():
		a.logger.Warn("Agent component stopped unexpectedly")
	}

	sctx.Stop(stopGrace)
	if err := sctx.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		a.logger.Error("Agent component failed", zap.Error(err))
		runErr = err
	}

	if err := a.Shutdown(); err != nil {
		return err
	}
	return runErr
}

// stoppingContext is cancelled once the stopper starts stopping
func stoppingContext(sctx *stopper.Context) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-sctx.Stopping()
		cancel()
	}()
	return ctx
}

// Shutdown gracefully shuts down the agent
func (a *Agent) Shutdown() error {
	a.logger.Info("Shutting down agent gracefully")

	a.source.Stop()
	a.publishFinalHeartbeat()

	// Abort in-flight start waits
	a.cancel()

	drainCtx, drainCancel := context.WithTimeout(context.Background(), a.live.Config().NATS.DrainTimeout)
	defer drainCancel()

	if err := a.nats.Drain(drainCtx); err != nil {
		a.logger.Error("Error draining NATS", zap.Error(err))
	}

	a.logger.Info("Agent shutdown complete")
	_ = a.logger.Sync()
	return nil
}

// publishFinalHeartbeat reports status "stopping" so consumers do not wait
// for a heartbeat timeout
func (a *Agent) publishFinalHeartbeat() {
	cfg := a.live.Config()
	if !cfg.Tasks.Heartbeat.Enabled || !a.nats.IsConnected() {
		return
	}

	hb := a.executor.CreateHeartbeat(a.version)
	hb.Status = "stopping"
	data, err := json.Marshal(hb)
	if err != nil {
		return
	}

	subject := fmt.Sprintf("%s.%s.heartbeat", cfg.SubjectPrefix, cfg.DeviceID)
	if err := a.nats.PublishTelemetrySync(subject, data, finalHeartbeatTimeout); err != nil {
		a.logger.Warn("Failed to publish final heartbeat", zap.Error(err))
	}
}

// initLogger creates and configures the logger with log rotation
func initLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	fileEncoder := zapcore.NewJSONEncoder(encoderConfig)

	fileWriter := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB, // megabytes
		MaxBackups: cfg.MaxBackups,
		MaxAge:     28, // days
		Compress:   true,
	}

	consoleEncoder := zapcore.NewConsoleEncoder(encoderConfig)

	// File with rotation plus console
	core := zapcore.NewTee(
		zapcore.NewCore(fileEncoder, zapcore.AddSync(fileWriter), level),
		zapcore.NewCore(consoleEncoder, zapcore.AddSync(os.Stdout), level),
	)

	return zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)), nil
}
