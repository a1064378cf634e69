package nats

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stone-age-io/svcstart/internal/config"
	"github.com/stone-age-io/svcstart/internal/servicestart"
	"github.com/stone-age-io/svcstart/internal/tasks"
	"go.uber.org/zap"
)

// stubHost reports scripted statuses for known services and starts them instantly
type stubHost struct {
	known map[string]servicestart.Status
}

func (h *stubHost) Open(_ context.Context, name string) (servicestart.Handle, error) {
	if _, ok := h.known[name]; !ok {
		return nil, servicestart.ErrServiceNotFound
	}
	return &stubHandle{host: h, name: name}, nil
}

type stubHandle struct {
	host *stubHost
	name string
}

func (s *stubHandle) Status(context.Context) (servicestart.Status, error) {
	return s.host.known[s.name], nil
}

func (s *stubHandle) Start(context.Context, []string) error {
	s.host.known[s.name] = servicestart.StatusRunning
	return nil
}

func (s *stubHandle) Close() error { return nil }

// recordingSubscriber captures subscribed subjects
type recordingSubscriber struct {
	subjects []string
	failOn   string
}

func (r *recordingSubscriber) Subscribe(subject string, _ nats.MsgHandler) (*nats.Subscription, error) {
	if subject == r.failOn {
		return nil, errors.New("subscribe refused")
	}
	r.subjects = append(r.subjects, subject)
	return &nats.Subscription{}, nil
}

func newTestHandlers(t *testing.T, known map[string]servicestart.Status) *CommandHandlers {
	t.Helper()
	cfg := &config.Config{
		DeviceID:      "edge-01",
		SubjectPrefix: "agents",
		Commands: config.CommandsConfig{
			Timeout:         30 * time.Second,
			AllowedServices: []string{"nginx", "HDARS"},
		},
		Start: config.StartConfig{WaitForStart: true},
	}
	executor := tasks.NewExecutor(context.Background(), zap.NewNop(), &stubHost{known: known}, nil)
	return NewCommandHandlers(zap.NewNop(), config.NewLive(cfg), executor, nil, "test")
}

func TestSubscribeAll(t *testing.T) {
	h := newTestHandlers(t, nil)
	sub := &recordingSubscriber{}

	if err := h.SubscribeAll(sub); err != nil {
		t.Fatalf("SubscribeAll() error: %v", err)
	}

	want := []string{
		"agents.edge-01.cmd.ping",
		"agents.edge-01.cmd.service.start",
		"agents.edge-01.cmd.service.status",
		"agents.edge-01.cmd.health",
		"agents.edge-01.cmd.metrics",
	}
	if len(sub.subjects) != len(want) {
		t.Fatalf("subscribed %v, want %v", sub.subjects, want)
	}
	for i := range want {
		if sub.subjects[i] != want[i] {
			t.Errorf("subject[%d] = %q, want %q", i, sub.subjects[i], want[i])
		}
	}
}

func TestSubscribeAllStopsOnError(t *testing.T) {
	h := newTestHandlers(t, nil)
	sub := &recordingSubscriber{failOn: "agents.edge-01.cmd.service.start"}

	if err := h.SubscribeAll(sub); err == nil {
		t.Fatal("SubscribeAll() should fail when a subscription is refused")
	}
	if len(sub.subjects) != 1 {
		t.Errorf("subscribed %v before failure, want only ping", sub.subjects)
	}
}

func TestStartService(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		wantStatus  string
		wantOutcome servicestart.Kind
		wantError   string
	}{
		{
			name:        "start stopped service",
			body:        `{"service_name":"HDARS"}`,
			wantStatus:  "success",
			wantOutcome: servicestart.KindStarted,
		},
		{
			name:        "already running without ignore",
			body:        `{"service_name":"nginx"}`,
			wantStatus:  "error",
			wantOutcome: servicestart.KindAlreadyRunning,
		},
		{
			name:        "already running with ignore",
			body:        `{"service_name":"nginx","ignore_already_started_error":true}`,
			wantStatus:  "success",
			wantOutcome: servicestart.KindAlreadyRunning,
		},
		{
			name:        "dry run",
			body:        `{"service_name":"HDARS","dry_run":true}`,
			wantStatus:  "success",
			wantOutcome: servicestart.KindSimulated,
		},
		{
			name:      "not whitelisted",
			body:      `{"service_name":"sshd"}`,
			wantError: "not in allowed list",
		},
		{
			name:      "malformed json",
			body:      `{"service_name":`,
			wantError: "Invalid request format",
		},
		{
			name:      "bad wait timeout",
			body:      `{"service_name":"HDARS","wait_timeout":"forever"}`,
			wantError: "invalid wait_timeout",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandlers(t, map[string]servicestart.Status{
				"nginx": servicestart.StatusRunning,
				"HDARS": servicestart.StatusStopped,
			})

			got := h.startService([]byte(tt.body))

			if tt.wantError != "" {
				resp, ok := got.(errorResponse)
				if !ok {
					t.Fatalf("startService() = %T, want errorResponse", got)
				}
				if resp.RequestID == "" {
					t.Error("error response has no request_id")
				}
				if !strings.Contains(resp.Error, tt.wantError) {
					t.Errorf("error = %q, want containing %q", resp.Error, tt.wantError)
				}
				return
			}

			resp, ok := got.(tasks.StartResponse)
			if !ok {
				t.Fatalf("startService() = %T (%+v), want StartResponse", got, got)
			}
			if resp.Status != tt.wantStatus {
				t.Errorf("status = %q, want %q", resp.Status, tt.wantStatus)
			}
			if resp.Outcome != tt.wantOutcome {
				t.Errorf("outcome = %q, want %q", resp.Outcome, tt.wantOutcome)
			}
			if resp.RequestID == "" {
				t.Error("response has no request_id")
			}
		})
	}
}

func TestHandleWithRecovery(t *testing.T) {
	h := newTestHandlers(t, nil)

	wrapped := h.handleWithRecovery("boom", func(*nats.Msg) {
		panic("handler exploded")
	})

	// Must not propagate the panic
	wrapped(&nats.Msg{Subject: "agents.edge-01.cmd.ping"})

	if got := h.taskExecutor.GetAgentMetrics().CommandsErrored; got != 1 {
		t.Errorf("CommandsErrored = %d, want 1 after recovered panic", got)
	}
}
