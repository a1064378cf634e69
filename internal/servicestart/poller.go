package servicestart

import (
	"context"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/looplab/fsm"
	"go.uber.org/zap"
)

// PollInterval is the fixed delay between status checks while waiting.
const PollInterval = 3 * time.Second

const (
	statePolling     = "polling"
	stateRunning     = "running"
	stateStopped     = "stopped"
	stateProbeFailed = "probe_failed"
	stateCancelled   = "cancelled"
	stateTimedOut    = "timed_out"

	eventObserveRunning = "observe_running"
	eventObserveStopped = "observe_stopped"
	eventFailProbe      = "fail_probe"
	eventCancel         = "cancel"
	eventExpire         = "expire"
)

// terminalKinds maps each terminal poller state to its outcome kind
var terminalKinds = map[string]Kind{
	stateRunning:     KindStarted,
	stateStopped:     KindStoppedAfterStart,
	stateProbeFailed: KindProbeFailed,
	stateCancelled:   KindCancelled,
	stateTimedOut:    KindTimedOut,
}

// poller re-queries a started service until it settles.
type poller struct {
	handle   Handle
	clock    clockwork.Clock
	interval time.Duration
	timeout  time.Duration
	logger   *zap.Logger
	machine  *fsm.FSM

	probes  int
	waited  time.Duration
	lastErr error
}

func newPoller(handle Handle, clock clockwork.Clock, timeout time.Duration, logger *zap.Logger) *poller {
	p := &poller{
		handle:   handle,
		clock:    clock,
		interval: PollInterval,
		timeout:  timeout,
		logger:   logger,
	}

	p.machine = fsm.NewFSM(
		statePolling,
		fsm.Events{
			{Name: eventObserveRunning, Src: []string{statePolling}, Dst: stateRunning},
			{Name: eventObserveStopped, Src: []string{statePolling}, Dst: stateStopped},
			{Name: eventFailProbe, Src: []string{statePolling}, Dst: stateProbeFailed},
			{Name: eventCancel, Src: []string{statePolling}, Dst: stateCancelled},
			{Name: eventExpire, Src: []string{statePolling}, Dst: stateTimedOut},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				p.logger.Debug("Poller state changed",
					zap.String("from", e.Src),
					zap.String("to", e.Dst),
					zap.Int("probes", p.probes))
			},
		},
	)

	return p
}

// wait polls until the machine leaves the polling state and returns the
// kind of terminal condition reached.
func (p *poller) wait(ctx context.Context) Kind {
	start := p.clock.Now()
	defer func() { p.waited = p.clock.Since(start) }()

	for p.machine.Is(statePolling) {
		status, err := p.handle.Status(ctx)
		p.probes++

		switch {
		case err != nil && ctx.Err() != nil:
			p.fire(ctx, contextEvent(ctx))
		case err != nil:
			p.lastErr = err
			p.fire(ctx, eventFailProbe)
		case status == StatusRunning:
			p.fire(ctx, eventObserveRunning)
		case status == StatusStopped:
			p.fire(ctx, eventObserveStopped)
		case p.timeout > 0 && p.clock.Since(start) >= p.timeout:
			p.fire(ctx, eventExpire)
		default:
			p.logger.Debug("Service not settled yet",
				zap.String("status", string(status)),
				zap.Duration("next_check", p.interval))
			select {
			case <-ctx.Done():
				p.fire(ctx, contextEvent(ctx))
			case <-p.clock.After(p.interval):
			}
		}
	}

	return terminalKinds[p.machine.Current()]
}

// fire applies a terminal transition. Transitions run detached from ctx so a
// cancelled request can still record that it was cancelled.
func (p *poller) fire(ctx context.Context, event string) {
	if err := p.machine.Event(context.WithoutCancel(ctx), event); err != nil {
		// Only reachable if the event table above is wrong; force an exit.
		p.logger.Error("Poller transition rejected",
			zap.String("event", event),
			zap.String("state", p.machine.Current()),
			zap.Error(err))
		p.machine.SetState(stateProbeFailed)
		p.lastErr = err
	}
}

func contextEvent(ctx context.Context) string {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return eventExpire
	}
	return eventCancel
}
