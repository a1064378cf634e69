package main

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"

	"github.com/kardianos/service"
	"github.com/stone-age-io/svcstart/internal/agent"
)

const serviceName = "svcstart"

// program adapts the agent to kardianos/service
type program struct {
	configPath string
	agent      *agent.Agent
	cancel     context.CancelFunc
	done       chan error
	logger     service.Logger
}

// Start must not block; the agent runs in its own goroutine
func (p *program) Start(s service.Service) error {
	a, err := agent.New(p.configPath, version)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.agent = a
	p.cancel = cancel
	p.done = make(chan error, 1)

	go func() {
		err := a.Run(ctx)
		if err != nil && p.logger != nil {
			_ = p.logger.Error(err)
		}
		p.done <- err
	}()
	return nil
}

func (p *program) Stop(s service.Service) error {
	if p.cancel == nil {
		return nil
	}
	p.cancel()
	return <-p.done
}

func serviceConfig(configPath string) (*service.Config, error) {
	abs, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path: %w", err)
	}
	return &service.Config{
		Name:        serviceName,
		DisplayName: "svcstart agent",
		Description: "Starts whitelisted services on request and reports their status over NATS.",
		Arguments:   []string{"agent", "--config", abs},
	}, nil
}

// newAgentService wraps the agent for foreground or service-manager runs
func newAgentService(configPath string) (service.Service, error) {
	cfg, err := serviceConfig(configPath)
	if err != nil {
		return nil, err
	}

	prg := &program{configPath: configPath}
	svc, err := service.New(prg, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create service: %w", err)
	}

	if !service.Interactive() {
		if logger, err := svc.Logger(nil); err == nil {
			prg.logger = logger
		}
	}
	return svc, nil
}

func validAction(action string) bool {
	return slices.Contains(service.ControlAction[:], action)
}

// controlAgentService runs install, uninstall, start, stop or restart
func controlAgentService(configPath, action string) error {
	svc, err := newAgentService(configPath)
	if err != nil {
		return err
	}
	if err := service.Control(svc, action); err != nil {
		return fmt.Errorf("failed to %s service: %w", action, err)
	}
	return nil
}
