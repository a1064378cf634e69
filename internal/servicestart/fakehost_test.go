package servicestart

import (
	"context"
	"sync"
)

// scriptedHost replays a fixed sequence of status results. The first entry
// answers the initial check; once the script is exhausted the last entry
// repeats.
type scriptedHost struct {
	mu sync.Mutex

	statuses   []Status
	initialErr error // returned by the first status check
	probeErr   error // returned by every later status check
	openErr    error
	startErr   error

	opens     int
	closes    int
	probes    int
	starts    int
	startArgs []string
}

func newScriptedHost(statuses ...Status) *scriptedHost {
	return &scriptedHost{statuses: statuses}
}

func (h *scriptedHost) Open(_ context.Context, _ string) (Handle, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.openErr != nil {
		return nil, h.openErr
	}
	h.opens++
	return &scriptedHandle{host: h}, nil
}

func (h *scriptedHost) counts() (opens, closes, probes, starts int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.opens, h.closes, h.probes, h.starts
}

type scriptedHandle struct {
	host *scriptedHost
}

func (s *scriptedHandle) Status(_ context.Context) (Status, error) {
	h := s.host
	h.mu.Lock()
	defer h.mu.Unlock()

	idx := h.probes
	h.probes++
	if h.initialErr != nil && idx == 0 {
		return StatusUnknown, h.initialErr
	}
	if h.probeErr != nil && idx > 0 {
		return StatusUnknown, h.probeErr
	}
	if len(h.statuses) == 0 {
		return StatusUnknown, nil
	}
	if idx >= len(h.statuses) {
		idx = len(h.statuses) - 1
	}
	return h.statuses[idx], nil
}

func (s *scriptedHandle) Start(_ context.Context, args []string) error {
	h := s.host
	h.mu.Lock()
	defer h.mu.Unlock()
	h.starts++
	h.startArgs = args
	return h.startErr
}

func (s *scriptedHandle) Close() error {
	h := s.host
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closes++
	return nil
}
