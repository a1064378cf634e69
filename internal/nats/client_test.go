package nats

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stone-age-io/svcstart/internal/config"
	"go.uber.org/zap"
)

func TestAuthOption(t *testing.T) {
	tests := []struct {
		name       string
		auth       config.AuthConfig
		wantOption bool
		wantErr    bool
	}{
		{name: "none", auth: config.AuthConfig{Type: "none"}},
		{name: "token", auth: config.AuthConfig{Type: "token", Token: "t"}, wantOption: true},
		{name: "userpass", auth: config.AuthConfig{Type: "userpass", Username: "u", Password: "p"}, wantOption: true},
		{name: "creds", auth: config.AuthConfig{Type: "creds", CredsFile: "agent.creds"}, wantOption: true},
		{name: "bootstrapped pocketbase", auth: config.AuthConfig{Type: "pocketbase", CredsFile: "agent.creds"}, wantOption: true},
		{name: "unknown", auth: config.AuthConfig{Type: "ldap"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opt, err := authOption(&tt.auth, zap.NewNop())
			if (err != nil) != tt.wantErr {
				t.Fatalf("authOption() error = %v, wantErr %v", err, tt.wantErr)
			}
			if (opt != nil) != tt.wantOption {
				t.Errorf("authOption() option present = %v, want %v", opt != nil, tt.wantOption)
			}
		})
	}
}

func TestNewTLSConfig(t *testing.T) {
	cfg, err := newTLSConfig(&config.TLSConfig{Enabled: true, InsecureSkipVerify: true}, zap.NewNop())
	if err != nil {
		t.Fatalf("newTLSConfig() error: %v", err)
	}
	if !cfg.InsecureSkipVerify {
		t.Error("InsecureSkipVerify not carried over")
	}
	if cfg.RootCAs != nil || len(cfg.Certificates) != 0 {
		t.Error("no CA or client cert expected without files")
	}

	badCA := filepath.Join(t.TempDir(), "ca.pem")
	if err := os.WriteFile(badCA, []byte("not a certificate"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := newTLSConfig(&config.TLSConfig{Enabled: true, CAFile: badCA}, zap.NewNop()); err == nil {
		t.Error("newTLSConfig() should reject an unparsable CA file")
	}

	if _, err := newTLSConfig(&config.TLSConfig{Enabled: true, CAFile: badCA + ".missing"}, zap.NewNop()); err == nil {
		t.Error("newTLSConfig() should fail on a missing CA file")
	}
}

func TestClientName(t *testing.T) {
	if got := clientName(&config.NATSConfig{}); got != "svcstart" {
		t.Errorf("clientName() = %q, want default svcstart", got)
	}
	if got := clientName(&config.NATSConfig{Name: "edge-01-agent"}); got != "edge-01-agent" {
		t.Errorf("clientName() = %q, want configured name", got)
	}
}
