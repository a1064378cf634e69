package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestValidate(t *testing.T) {
	dir := t.TempDir()
	certFile := filepath.Join(dir, "cert.pem")
	keyFile := filepath.Join(dir, "key.pem")
	caFile := filepath.Join(dir, "ca.pem")
	for _, f := range []string{certFile, keyFile, caFile} {
		if err := os.WriteFile(f, []byte("pem"), 0644); err != nil {
			t.Fatal(err)
		}
	}
	missing := filepath.Join(dir, "missing.pem")

	tests := []struct {
		name    string
		mutate  func(c *Config)
		errText string // empty means valid
	}{
		{name: "baseline", mutate: func(c *Config) {}},

		// device_id
		{name: "device id with dashes and underscores", mutate: func(c *Config) { c.DeviceID = "edge_01-a" }},
		{name: "device id uuid", mutate: func(c *Config) { c.DeviceID = "550e8400-e29b-41d4-a716-446655440000" }},
		{name: "device id empty", mutate: func(c *Config) { c.DeviceID = "" }, errText: "device_id is required"},
		{name: "device id with dot", mutate: func(c *Config) { c.DeviceID = "edge.01" }, errText: "alphanumeric"},
		{name: "device id with space", mutate: func(c *Config) { c.DeviceID = "edge 01" }, errText: "alphanumeric"},

		// subject_prefix
		{name: "hierarchical prefix", mutate: func(c *Config) { c.SubjectPrefix = "acme.site-1.agents" }},
		{name: "prefix empty", mutate: func(c *Config) { c.SubjectPrefix = "" }, errText: "subject_prefix is required"},
		{name: "prefix too long", mutate: func(c *Config) { c.SubjectPrefix = strings.Repeat("a", 51) }, errText: "50 characters"},
		{name: "prefix wildcard", mutate: func(c *Config) { c.SubjectPrefix = "agents.>" }, errText: "invalid subject_prefix"},

		// nats auth
		{name: "token auth", mutate: func(c *Config) { c.NATS.Auth = AuthConfig{Type: "token", Token: "t"} }},
		{name: "token missing", mutate: func(c *Config) { c.NATS.Auth = AuthConfig{Type: "token"} }, errText: "token is required"},
		{name: "userpass missing password", mutate: func(c *Config) { c.NATS.Auth = AuthConfig{Type: "userpass", Username: "u"} }, errText: "username and password"},
		{name: "creds auth", mutate: func(c *Config) { c.NATS.Auth = AuthConfig{Type: "creds", CredsFile: "a.creds"} }},
		{name: "creds without file", mutate: func(c *Config) { c.NATS.Auth = AuthConfig{Type: "creds"} }, errText: "creds_file is required"},
		{
			name: "pocketbase without url",
			mutate: func(c *Config) {
				c.NATS.Auth = AuthConfig{Type: "pocketbase", CredsFile: "a.creds", PocketBase: PocketBaseConfig{Identity: "i", PasswordEnv: "P"}}
			},
			errText: "url, identity and password_env",
		},
		{name: "unknown auth", mutate: func(c *Config) { c.NATS.Auth = AuthConfig{Type: "kerberos"} }, errText: "invalid auth type"},
		{name: "no servers", mutate: func(c *Config) { c.NATS.URLs = nil }, errText: "at least one server"},

		// tls
		{name: "tls with all files", mutate: func(c *Config) {
			c.NATS.TLS = TLSConfig{Enabled: true, CertFile: certFile, KeyFile: keyFile, CAFile: caFile}
		}},
		{name: "tls cert without key", mutate: func(c *Config) {
			c.NATS.TLS = TLSConfig{Enabled: true, CertFile: certFile}
		}, errText: "key_file is required"},
		{name: "tls ca missing", mutate: func(c *Config) {
			c.NATS.TLS = TLSConfig{Enabled: true, CAFile: missing}
		}, errText: "TLS CA file not found"},
		{name: "tls disabled ignores files", mutate: func(c *Config) {
			c.NATS.TLS = TLSConfig{CertFile: missing}
		}},

		// tasks
		{name: "heartbeat too short", mutate: func(c *Config) { c.Tasks.Heartbeat.Interval = 5 * time.Second }, errText: "at least 10 seconds"},
		{name: "service check too short", mutate: func(c *Config) { c.Tasks.ServiceCheck.Interval = 20 * time.Second }, errText: "at least 30 seconds"},
		{name: "heartbeat slower than service check", mutate: func(c *Config) { c.Tasks.Heartbeat.Interval = 10 * time.Minute }, errText: "must not exceed service check interval"},
		{name: "disabled heartbeat skips interval checks", mutate: func(c *Config) {
			c.Tasks.Heartbeat = HeartbeatConfig{Enabled: false, Interval: time.Second}
		}},

		// commands
		{name: "minimum command timeout", mutate: func(c *Config) { c.Commands.Timeout = 5 * time.Second }},
		{name: "command timeout too short", mutate: func(c *Config) { c.Commands.Timeout = time.Second }, errText: "at least 5 seconds"},
		{name: "command timeout too long", mutate: func(c *Config) { c.Commands.Timeout = 6 * time.Minute }, errText: "must not exceed 5 minutes"},
		{name: "empty allowed service", mutate: func(c *Config) { c.Commands.AllowedServices = []string{"web", " "} }, errText: "empty names"},

		// start defaults, api, logging
		{name: "negative wait timeout", mutate: func(c *Config) { c.Start.WaitTimeout = -time.Second }, errText: "must not be negative"},
		{name: "api without listen", mutate: func(c *Config) { c.API = APIConfig{Enabled: true} }, errText: "api.listen"},
		{name: "bad log level", mutate: func(c *Config) { c.Logging.Level = "loud" }, errText: "invalid logging.level"},
		{name: "no log file", mutate: func(c *Config) { c.Logging.File = "" }, errText: "logging.file is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := validate(cfg)
			if tt.errText == "" {
				if err != nil {
					t.Errorf("validate() unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.errText) {
				t.Errorf("validate() error = %v, want error containing %q", err, tt.errText)
			}
		})
	}
}

func TestValidateSubjectPrefix(t *testing.T) {
	valid := []string{"agents", "my-agents", "acme.prod.agents", "a1.b_2.c-3"}
	invalid := []string{".agents", "agents.", "acme..agents", ".", "agents.*", "my agents", "acme/agents"}

	for _, p := range valid {
		if err := validateSubjectPrefix(p); err != nil {
			t.Errorf("validateSubjectPrefix(%q) = %v, want nil", p, err)
		}
	}
	for _, p := range invalid {
		if err := validateSubjectPrefix(p); err == nil {
			t.Errorf("validateSubjectPrefix(%q) = nil, want error", p)
		}
	}
}

// TestLoad tests reading a file with defaults applied
func TestLoad(t *testing.T) {
	path := writeConfig(t, `
device_id: edge-01
commands:
  allowed_services:
    - nginx
    - postgresql
logging:
  file: agent.log
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.DeviceID != "edge-01" {
		t.Errorf("DeviceID = %q, want edge-01", cfg.DeviceID)
	}
	if cfg.SubjectPrefix != "agents" {
		t.Errorf("SubjectPrefix default = %q, want agents", cfg.SubjectPrefix)
	}
	if !cfg.Start.WaitForStart {
		t.Error("Start.WaitForStart default should be true")
	}
	if cfg.Start.WaitTimeout != 0 {
		t.Errorf("Start.WaitTimeout default = %v, want unbounded", cfg.Start.WaitTimeout)
	}
	if cfg.Commands.Timeout != 2*time.Minute {
		t.Errorf("Commands.Timeout default = %v, want 2m", cfg.Commands.Timeout)
	}
	if len(cfg.Commands.AllowedServices) != 2 || cfg.Commands.AllowedServices[1] != "postgresql" {
		t.Errorf("AllowedServices = %v", cfg.Commands.AllowedServices)
	}
}

// TestLoadEnvOverride tests SVCSTART_ environment overrides
func TestLoadEnvOverride(t *testing.T) {
	path := writeConfig(t, `
device_id: edge-01
logging:
  file: agent.log
`)
	t.Setenv("SVCSTART_DEVICE_ID", "edge-02")
	t.Setenv("SVCSTART_START_WAIT_TIMEOUT", "45s")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.DeviceID != "edge-02" {
		t.Errorf("DeviceID = %q, want edge-02 from environment", cfg.DeviceID)
	}
	if cfg.Start.WaitTimeout != 45*time.Second {
		t.Errorf("Start.WaitTimeout = %v, want 45s from environment", cfg.Start.WaitTimeout)
	}
}

// TestLoadInvalid tests that validation errors surface from Load
func TestLoadInvalid(t *testing.T) {
	path := writeConfig(t, `
device_id: "bad id"
logging:
  file: agent.log
`)

	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "invalid configuration") {
		t.Errorf("Load() error = %v, want invalid configuration", err)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Load() of missing file should fail")
	}
}

// TestWatchReloadsAllowedServices tests hot reload of the allow list
func TestWatchReloadsAllowedServices(t *testing.T) {
	path := writeConfig(t, `
device_id: edge-01
commands:
  allowed_services: [nginx]
logging:
  file: agent.log
`)

	source, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	source.Watch(zap.NewNop())
	defer source.Stop()
	live := source.Live()
	if got := live.AllowedServices(); len(got) != 1 || got[0] != "nginx" {
		t.Fatalf("AllowedServices() = %v, want [nginx]", got)
	}

	update := `
device_id: edge-01
commands:
  allowed_services: [nginx, redis]
logging:
  file: agent.log
`
	if err := os.WriteFile(path, []byte(update), 0644); err != nil {
		t.Fatalf("failed to rewrite config: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if len(live.AllowedServices()) == 2 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Errorf("AllowedServices() = %v after reload, want [nginx redis]", live.AllowedServices())
}

// TestSourceFollowsFileOnlyWhileWatched tests that edits are ignored before
// Watch and after Stop
func TestSourceFollowsFileOnlyWhileWatched(t *testing.T) {
	config := func(services string) string {
		return "device_id: edge-01\ncommands:\n  allowed_services: [" + services + "]\nlogging:\n  file: agent.log\n"
	}
	rewrite := func(path, content string) {
		t.Helper()
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatalf("failed to rewrite config: %v", err)
		}
	}
	waitFor := func(live *Live, n int) bool {
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			if len(live.AllowedServices()) == n {
				return true
			}
			time.Sleep(50 * time.Millisecond)
		}
		return false
	}

	path := writeConfig(t, config("nginx"))
	source, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	live := source.Live()

	rewrite(path, config("nginx, redis"))
	time.Sleep(300 * time.Millisecond)
	if got := live.AllowedServices(); len(got) != 1 {
		t.Fatalf("AllowedServices() = %v before Watch, want [nginx]", got)
	}

	source.Watch(zap.NewNop())
	rewrite(path, config("nginx, redis, postgres"))
	if !waitFor(live, 3) {
		t.Fatalf("AllowedServices() = %v after reload, want 3 services", live.AllowedServices())
	}

	source.Stop()
	rewrite(path, config("nginx"))
	time.Sleep(300 * time.Millisecond)
	if got := live.AllowedServices(); len(got) != 3 {
		t.Errorf("AllowedServices() = %v after Stop, want 3 services", got)
	}
}

// TestLiveReportedServices tests the fallback from the check list to the allow list
func TestLiveReportedServices(t *testing.T) {
	cfg := validConfig()
	cfg.Commands.AllowedServices = []string{"nginx"}
	live := NewLive(cfg)

	if got := live.ReportedServices(); len(got) != 1 || got[0] != "nginx" {
		t.Errorf("ReportedServices() = %v, want allow list", got)
	}

	// Updates must not alias the caller's slice
	services := []string{"nginx", "redis"}
	live.UpdateAllowedServices(services)
	services[0] = "tampered"
	if live.AllowedServices()[0] != "nginx" {
		t.Error("UpdateAllowedServices() kept a reference to the caller's slice")
	}

	cfg.Tasks.ServiceCheck.Services = []string{"postgresql"}
	if got := live.ReportedServices(); len(got) != 1 || got[0] != "postgresql" {
		t.Errorf("ReportedServices() = %v, want explicit check list", got)
	}
}

// validConfig returns a configuration that passes validation
func validConfig() *Config {
	return &Config{
		DeviceID:      "test-device",
		SubjectPrefix: "agents",
		NATS: NATSConfig{
			URLs: []string{"nats://localhost:4222"},
			Auth: AuthConfig{Type: "none"},
		},
		Tasks: TasksConfig{
			Heartbeat:    HeartbeatConfig{Enabled: true, Interval: 1 * time.Minute},
			ServiceCheck: ServiceCheckConfig{Enabled: true, Interval: 5 * time.Minute},
		},
		Commands: CommandsConfig{
			Timeout: 30 * time.Second,
		},
		Start: StartConfig{WaitForStart: true},
		Logging: LoggingConfig{
			Level:      "info",
			File:       "test.log",
			MaxSizeMB:  100,
			MaxBackups: 3,
		},
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}
