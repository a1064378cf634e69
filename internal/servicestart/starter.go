// Package servicestart starts a named service on a host, optionally waits for
// it to settle, and classifies the result into a severity-tagged Outcome.
package servicestart

import (
	"context"
	"fmt"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// Starter runs start requests against a single host.
type Starter struct {
	host   Host
	clock  clockwork.Clock
	logger *zap.Logger
}

// Option configures a Starter
type Option func(*Starter)

// WithClock replaces the wall clock used between status checks
func WithClock(clock clockwork.Clock) Option {
	return func(s *Starter) {
		s.clock = clock
	}
}

// WithLogger sets the logger that receives progress messages
func WithLogger(logger *zap.Logger) Option {
	return func(s *Starter) {
		s.logger = logger
	}
}

// New creates a Starter bound to host
func New(host Host, opts ...Option) *Starter {
	s := &Starter{
		host:   host,
		clock:  clockwork.NewRealClock(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run executes req and returns its classified outcome. Every failure,
// including an invalid request, is reported through the Outcome.
func (s *Starter) Run(ctx context.Context, req Request) Outcome {
	req = req.clone()
	tol := req.Tolerance()
	log := s.logger.With(zap.String("service", req.ServiceName))

	if err := req.Validate(); err != nil {
		out := classify(Condition{Kind: KindStartFailed, Service: req.ServiceName, Err: err}, tol, 0)
		// A malformed request is never downgraded by the failure tolerance
		out.Severity = SeverityError
		return out
	}

	if req.DryRun {
		return classify(Condition{Kind: KindSimulated, Service: req.ServiceName}, tol, 0)
	}

	handle, err := s.host.Open(ctx, req.ServiceName)
	if err != nil {
		return classify(Condition{Kind: KindProbeFailed, Service: req.ServiceName, Err: err}, tol, 0)
	}
	defer func() {
		if err := handle.Close(); err != nil {
			log.Warn("Failed to release service handle", zap.Error(err))
		}
	}()

	status, err := handle.Status(ctx)
	if err != nil {
		return classify(Condition{Kind: KindProbeFailed, Service: req.ServiceName, Err: err}, tol, 0)
	}
	log.Debug("Initial service status", zap.String("status", string(status)))

	if status == StatusRunning || status == StatusStartPending {
		return classify(Condition{Kind: KindAlreadyRunning, Service: req.ServiceName}, tol, 0)
	}

	log.Info(fmt.Sprintf("Starting service %s...", req.ServiceName), zap.Strings("args", req.Args))
	if err := handle.Start(ctx, req.Args); err != nil {
		startErr := &StartError{Service: req.ServiceName, Err: err}
		out := classify(Condition{Kind: KindStartFailed, Service: req.ServiceName, Err: err}, tol, 0)
		out.Err = startErr
		return out
	}

	if !req.WaitForRunning {
		return classify(Condition{Kind: KindStartOrdered, Service: req.ServiceName}, tol, 0)
	}

	log.Info("Waiting for service to start...")
	p := newPoller(handle, s.clock, req.WaitTimeout, log)
	kind := p.wait(ctx)

	return classify(Condition{
		Kind:    kind,
		Service: req.ServiceName,
		Err:     p.lastErr,
		Waited:  p.waited,
	}, tol, p.probes)
}

func classify(c Condition, t Tolerance, probes int) Outcome {
	severity, msg := Classify(c, t)
	return Outcome{
		Kind:     c.Kind,
		Severity: severity,
		Service:  c.Service,
		Message:  msg,
		Err:      c.Err,
		Probes:   probes,
	}
}
