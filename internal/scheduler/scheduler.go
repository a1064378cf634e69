package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/stone-age-io/svcstart/internal/config"
	"github.com/stone-age-io/svcstart/internal/tasks"
	"go.uber.org/zap"
)

// Publisher sends telemetry. Implemented by the NATS client.
type Publisher interface {
	PublishTelemetry(subject string, data []byte) error
}

// Scheduler runs the periodic telemetry jobs
type Scheduler struct {
	sched     gocron.Scheduler
	logger    *zap.Logger
	publisher Publisher
	executor  *tasks.Executor
	live      *config.Live
	version   string
	ctx       context.Context
}

// servicesReport is published on telemetry.services
type servicesReport struct {
	DeviceID  string                `json:"device_id"`
	Services  []tasks.ServiceStatus `json:"services"`
	Timestamp string                `json:"timestamp"`
}

// New creates the scheduler and registers the enabled jobs. Jobs do not
// run until Start.
func New(ctx context.Context, logger *zap.Logger, publisher Publisher, executor *tasks.Executor, live *config.Live, version string, opts ...gocron.SchedulerOption) (*Scheduler, error) {
	opts = append([]gocron.SchedulerOption{gocron.WithLogger(newGocronLogger(logger))}, opts...)
	sched, err := gocron.NewScheduler(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	s := &Scheduler{
		sched:     sched,
		logger:    logger,
		publisher: publisher,
		executor:  executor,
		live:      live,
		version:   version,
		ctx:       ctx,
	}

	cfg := live.Config()

	if cfg.Tasks.Heartbeat.Enabled {
		if err := s.addJob("heartbeat", cfg.Tasks.Heartbeat.Interval, s.runHeartbeat); err != nil {
			return nil, err
		}
	}

	if cfg.Tasks.ServiceCheck.Enabled {
		if err := s.addJob("service_check", cfg.Tasks.ServiceCheck.Interval, s.runServiceCheck); err != nil {
			return nil, err
		}
	}

	return s, nil
}

// addJob registers fn to run every interval, starting immediately.
// Overlapping runs are skipped rather than queued.
func (s *Scheduler) addJob(name string, interval time.Duration, fn func()) error {
	_, err := s.sched.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(fn),
		gocron.WithName(name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		return fmt.Errorf("failed to schedule %s: %w", name, err)
	}

	s.logger.Info("Scheduled task",
		zap.String("task", name),
		zap.Duration("interval", interval))
	return nil
}

// Start begins executing scheduled jobs
func (s *Scheduler) Start() {
	s.sched.Start()
}

// Shutdown stops the scheduler and waits for running jobs
func (s *Scheduler) Shutdown() error {
	return s.sched.Shutdown()
}

// JobNames returns the names of the registered jobs
func (s *Scheduler) JobNames() []string {
	jobs := s.sched.Jobs()
	names := make([]string, 0, len(jobs))
	for _, j := range jobs {
		names = append(names, j.Name())
	}
	return names
}

func (s *Scheduler) subject(suffix string) string {
	cfg := s.live.Config()
	return fmt.Sprintf("%s.%s.%s", cfg.SubjectPrefix, cfg.DeviceID, suffix)
}

// runHeartbeat publishes a heartbeat message
func (s *Scheduler) runHeartbeat() {
	hb := s.executor.CreateHeartbeat(s.version)

	data, err := json.Marshal(hb)
	if err != nil {
		s.logger.Error("Failed to marshal heartbeat", zap.Error(err))
		return
	}

	if err := s.publisher.PublishTelemetry(s.subject("heartbeat"), data); err != nil {
		s.logger.Warn("Failed to publish heartbeat", zap.Error(err))
		return
	}

	s.executor.RecordHeartbeat()
}

// runServiceCheck reports the status of the watched services
func (s *Scheduler) runServiceCheck() {
	services := s.live.ReportedServices()
	if len(services) == 0 {
		s.logger.Debug("No services to check")
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.live.Config().Commands.Timeout)
	defer cancel()

	statuses := s.executor.GetServiceStatuses(ctx, services)
	s.executor.Metrics().ObserveStatuses(statuses)

	report := servicesReport{
		DeviceID:  s.live.Config().DeviceID,
		Services:  statuses,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	data, err := json.Marshal(report)
	if err != nil {
		s.logger.Error("Failed to marshal service report", zap.Error(err))
		return
	}

	if err := s.publisher.PublishTelemetry(s.subject("telemetry.services"), data); err != nil {
		s.logger.Warn("Failed to publish service report", zap.Error(err))
		return
	}

	s.executor.RecordServiceCheck()
}
