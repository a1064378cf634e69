package tasks

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestCreateHeartbeat(t *testing.T) {
	executor := NewExecutor(context.Background(), nil, &mapHost{}, nil)

	hb := executor.CreateHeartbeat("1.0.0")

	if hb.Version != "1.0.0" || hb.Status != "alive" {
		t.Errorf("CreateHeartbeat() = %+v, want version 1.0.0 and status alive", hb)
	}
	if hb.AgentUptime < 0 {
		t.Errorf("agent uptime = %d, want non-negative", hb.AgentUptime)
	}

	ts, err := time.Parse(time.RFC3339, hb.Timestamp)
	if err != nil {
		t.Fatalf("timestamp %q is not RFC3339: %v", hb.Timestamp, err)
	}
	if ts.Location() != time.UTC {
		t.Errorf("timestamp zone = %v, want UTC", ts.Location())
	}
	if age := time.Since(ts); age > 2*time.Second || age < -time.Second {
		t.Errorf("timestamp is %v away from now", age)
	}
}

func TestHeartbeatPayload(t *testing.T) {
	hb := Heartbeat{Status: "stopping", Version: "2.0.0", AgentUptime: 42, Timestamp: "2026-01-02T03:04:05Z"}

	data, err := json.Marshal(hb)
	if err != nil {
		t.Fatal(err)
	}

	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"status", "version", "agent_uptime_seconds", "timestamp"} {
		if _, ok := fields[key]; !ok {
			t.Errorf("payload missing %q: %s", key, data)
		}
	}
	// Host details are omitted when gopsutil could not read them
	if _, ok := fields["hostname"]; ok {
		t.Errorf("empty hostname should be omitted: %s", data)
	}
}
