package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// EnvPrefix is the prefix for environment overrides, e.g. SVCSTART_DEVICE_ID
const EnvPrefix = "SVCSTART"

// Config represents the complete agent configuration
type Config struct {
	DeviceID      string         `mapstructure:"device_id"`
	SubjectPrefix string         `mapstructure:"subject_prefix"`
	NATS          NATSConfig     `mapstructure:"nats"`
	API           APIConfig      `mapstructure:"api"`
	Tasks         TasksConfig    `mapstructure:"tasks"`
	Commands      CommandsConfig `mapstructure:"commands"`
	Start         StartConfig    `mapstructure:"start"`
	Logging       LoggingConfig  `mapstructure:"logging"`
}

// NATSConfig contains NATS connection settings
type NATSConfig struct {
	Name          string        `mapstructure:"name"`
	URLs          []string      `mapstructure:"urls"`
	Auth          AuthConfig    `mapstructure:"auth"`
	TLS           TLSConfig     `mapstructure:"tls"`
	MaxReconnects int           `mapstructure:"max_reconnects"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
	DrainTimeout  time.Duration `mapstructure:"drain_timeout"`
}

// AuthConfig selects one of none, token, userpass, creds or pocketbase
type AuthConfig struct {
	Type       string           `mapstructure:"type"`
	Token      string           `mapstructure:"token"`
	Username   string           `mapstructure:"username"`
	Password   string           `mapstructure:"password"`
	CredsFile  string           `mapstructure:"creds_file"`
	PocketBase PocketBaseConfig `mapstructure:"pocketbase"`
}

// PocketBaseConfig describes where to fetch a .creds file on first start
type PocketBaseConfig struct {
	URL            string `mapstructure:"url"`
	AuthCollection string `mapstructure:"auth_collection"`
	Identity       string `mapstructure:"identity"`
	PasswordEnv    string `mapstructure:"password_env"`
	Collection     string `mapstructure:"collection"`
	DeviceIDField  string `mapstructure:"device_id_field"`
	CredsField     string `mapstructure:"creds_field"`
}

// TLSConfig contains TLS settings for the NATS connection
type TLSConfig struct {
	Enabled            bool   `mapstructure:"enabled"`
	CertFile           string `mapstructure:"cert_file"`
	KeyFile            string `mapstructure:"key_file"`
	CAFile             string `mapstructure:"ca_file"`
	InsecureSkipVerify bool   `mapstructure:"insecure_skip_verify"`
}

// APIConfig controls the local HTTP API
type APIConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// TasksConfig contains scheduled task settings
type TasksConfig struct {
	Heartbeat    HeartbeatConfig    `mapstructure:"heartbeat"`
	ServiceCheck ServiceCheckConfig `mapstructure:"service_check"`
}

// HeartbeatConfig controls the heartbeat publisher
type HeartbeatConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

// ServiceCheckConfig controls the periodic service status report.
// An empty Services list reports the allowed services.
type ServiceCheckConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
	Services []string      `mapstructure:"services"`
}

// CommandsConfig contains remote command settings
type CommandsConfig struct {
	Timeout         time.Duration `mapstructure:"timeout"`
	AllowedServices []string      `mapstructure:"allowed_services"`
}

// StartConfig holds defaults applied to start requests that leave a field unset
type StartConfig struct {
	WaitForStart                bool          `mapstructure:"wait_for_start"`
	IgnoreAlreadyStartedError   bool          `mapstructure:"ignore_already_started_error"`
	TreatUnableToStartAsWarning bool          `mapstructure:"treat_unable_to_start_as_warning"`
	WaitTimeout                 time.Duration `mapstructure:"wait_timeout"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

// Load reads, defaults and validates the configuration file at path
func Load(path string) (*Config, error) {
	_, cfg, err := read(path)
	return cfg, err
}

// Source is a configuration file read once at startup. After Watch, edits
// to commands.allowed_services reach its Live; other keys require a restart.
type Source struct {
	v       *viper.Viper
	live    *Live
	stopped atomic.Bool
}

// Open reads the configuration file without watching it
func Open(path string) (*Source, error) {
	v, cfg, err := read(path)
	if err != nil {
		return nil, err
	}
	return &Source{v: v, live: NewLive(cfg)}, nil
}

// Live returns the running configuration
func (s *Source) Live() *Live {
	return s.live
}

// Watch starts following the file for allow list changes
func (s *Source) Watch(logger *zap.Logger) {
	s.v.OnConfigChange(func(e fsnotify.Event) {
		if s.stopped.Load() {
			return
		}
		next, err := decode(s.v)
		if err != nil {
			logger.Warn("Ignoring invalid config change",
				zap.String("file", e.Name),
				zap.Error(err))
			return
		}
		s.live.UpdateAllowedServices(next.Commands.AllowedServices)
		logger.Info("Reloaded allowed services",
			zap.String("file", e.Name),
			zap.Strings("allowed_services", next.Commands.AllowedServices))
	})
	s.v.WatchConfig()
}

// Stop detaches reloads from the Live. viper offers no way to end its
// watcher goroutine, so it lives until the process exits.
func (s *Source) Stop() {
	s.stopped.Store(true)
}

func read(path string) (*viper.Viper, *Config, error) {
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	cfg, err := decode(v)
	if err != nil {
		return nil, nil, err
	}
	return v, cfg, nil
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// setDefaults registers a default for every key so env overrides resolve
func setDefaults(v *viper.Viper) {
	v.SetDefault("subject_prefix", "agents")

	v.SetDefault("nats.name", "svcstart")
	v.SetDefault("nats.urls", []string{"nats://localhost:4222"})
	v.SetDefault("nats.auth.type", "none")
	v.SetDefault("nats.auth.pocketbase.auth_collection", "users")
	v.SetDefault("nats.auth.pocketbase.password_env", "SVCSTART_PB_PASSWORD")
	v.SetDefault("nats.auth.pocketbase.collection", "nats_credentials")
	v.SetDefault("nats.auth.pocketbase.device_id_field", "device_id")
	v.SetDefault("nats.auth.pocketbase.creds_field", "creds")
	v.SetDefault("nats.tls.enabled", false)
	v.SetDefault("nats.max_reconnects", -1)
	v.SetDefault("nats.reconnect_wait", 2*time.Second)
	v.SetDefault("nats.drain_timeout", 30*time.Second)

	v.SetDefault("api.enabled", false)
	v.SetDefault("api.listen", "127.0.0.1:8089")

	v.SetDefault("tasks.heartbeat.enabled", true)
	v.SetDefault("tasks.heartbeat.interval", 1*time.Minute)
	v.SetDefault("tasks.service_check.enabled", true)
	v.SetDefault("tasks.service_check.interval", 5*time.Minute)
	v.SetDefault("tasks.service_check.services", []string{})

	v.SetDefault("commands.timeout", 2*time.Minute)
	v.SetDefault("commands.allowed_services", []string{})

	v.SetDefault("start.wait_for_start", true)
	v.SetDefault("start.ignore_already_started_error", false)
	v.SetDefault("start.treat_unable_to_start_as_warning", false)
	v.SetDefault("start.wait_timeout", time.Duration(0))

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 3)

	applyPlatformDefaults(v)
}

var (
	deviceIDPattern    = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	subjectTokenRegexp = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

// validate checks the configuration for errors
func validate(cfg *Config) error {
	if cfg.DeviceID == "" {
		return fmt.Errorf("device_id is required")
	}
	if !deviceIDPattern.MatchString(cfg.DeviceID) {
		return fmt.Errorf("device_id must contain only alphanumeric characters, dashes, and underscores")
	}

	if cfg.SubjectPrefix == "" {
		return fmt.Errorf("subject_prefix is required")
	}
	if len(cfg.SubjectPrefix) > 50 {
		return fmt.Errorf("subject_prefix must not exceed 50 characters")
	}
	if err := validateSubjectPrefix(cfg.SubjectPrefix); err != nil {
		return fmt.Errorf("invalid subject_prefix: %w", err)
	}

	if err := validateNATS(&cfg.NATS); err != nil {
		return err
	}

	if cfg.API.Enabled && cfg.API.Listen == "" {
		return fmt.Errorf("api.listen is required when the API is enabled")
	}

	if err := validateTasks(&cfg.Tasks); err != nil {
		return err
	}

	if cfg.Commands.Timeout < 5*time.Second {
		return fmt.Errorf("commands.timeout must be at least 5 seconds")
	}
	if cfg.Commands.Timeout > 5*time.Minute {
		return fmt.Errorf("commands.timeout must not exceed 5 minutes")
	}
	for _, name := range cfg.Commands.AllowedServices {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("commands.allowed_services must not contain empty names")
		}
	}

	if cfg.Start.WaitTimeout < 0 {
		return fmt.Errorf("start.wait_timeout must not be negative")
	}

	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Logging.Level)); err != nil {
		return fmt.Errorf("invalid logging.level %q", cfg.Logging.Level)
	}
	if cfg.Logging.File == "" {
		return fmt.Errorf("logging.file is required")
	}
	if cfg.Logging.MaxSizeMB <= 0 {
		return fmt.Errorf("logging.max_size_mb must be positive")
	}

	return nil
}

// validateSubjectPrefix checks each dot-separated token of a NATS subject prefix
func validateSubjectPrefix(prefix string) error {
	if strings.HasPrefix(prefix, ".") || strings.HasSuffix(prefix, ".") {
		return fmt.Errorf("cannot start or end with a dot")
	}
	if strings.Contains(prefix, "..") {
		return fmt.Errorf("consecutive dots not allowed")
	}
	for _, token := range strings.Split(prefix, ".") {
		if !subjectTokenRegexp.MatchString(token) {
			return fmt.Errorf("token %q contains invalid characters (allowed: alphanumeric, dash, underscore)", token)
		}
	}
	return nil
}

func validateNATS(cfg *NATSConfig) error {
	if len(cfg.URLs) == 0 {
		return fmt.Errorf("nats.urls must contain at least one server")
	}

	switch cfg.Auth.Type {
	case "none":
	case "token":
		if cfg.Auth.Token == "" {
			return fmt.Errorf("nats.auth.token is required for token auth")
		}
	case "userpass":
		if cfg.Auth.Username == "" || cfg.Auth.Password == "" {
			return fmt.Errorf("nats.auth username and password are required for userpass auth")
		}
	case "creds":
		if cfg.Auth.CredsFile == "" {
			return fmt.Errorf("nats.auth.creds_file is required for creds auth")
		}
	case "pocketbase":
		if cfg.Auth.CredsFile == "" {
			return fmt.Errorf("nats.auth.creds_file is required for pocketbase auth")
		}
		pb := cfg.Auth.PocketBase
		if pb.URL == "" || pb.Identity == "" || pb.PasswordEnv == "" {
			return fmt.Errorf("nats.auth.pocketbase url, identity and password_env are required")
		}
	default:
		return fmt.Errorf("invalid auth type: %s (must be none, token, userpass, creds or pocketbase)", cfg.Auth.Type)
	}

	if cfg.TLS.Enabled {
		if cfg.TLS.CertFile != "" && cfg.TLS.KeyFile == "" {
			return fmt.Errorf("nats.tls.key_file is required when cert_file is set")
		}
		if cfg.TLS.KeyFile != "" && cfg.TLS.CertFile == "" {
			return fmt.Errorf("nats.tls.cert_file is required when key_file is set")
		}
		if cfg.TLS.CertFile != "" {
			if _, err := os.Stat(cfg.TLS.CertFile); err != nil {
				return fmt.Errorf("TLS certificate file not found: %s", cfg.TLS.CertFile)
			}
		}
		if cfg.TLS.KeyFile != "" {
			if _, err := os.Stat(cfg.TLS.KeyFile); err != nil {
				return fmt.Errorf("TLS key file not found: %s", cfg.TLS.KeyFile)
			}
		}
		if cfg.TLS.CAFile != "" {
			if _, err := os.Stat(cfg.TLS.CAFile); err != nil {
				return fmt.Errorf("TLS CA file not found: %s", cfg.TLS.CAFile)
			}
		}
	}

	return nil
}

func validateTasks(cfg *TasksConfig) error {
	if cfg.Heartbeat.Enabled && cfg.Heartbeat.Interval < 10*time.Second {
		return fmt.Errorf("tasks.heartbeat.interval must be at least 10 seconds")
	}
	if cfg.ServiceCheck.Enabled && cfg.ServiceCheck.Interval < 30*time.Second {
		return fmt.Errorf("tasks.service_check.interval must be at least 30 seconds")
	}

	// Heartbeat must be at least as frequent as the service report
	if cfg.Heartbeat.Enabled && cfg.ServiceCheck.Enabled &&
		cfg.Heartbeat.Interval > cfg.ServiceCheck.Interval {
		return fmt.Errorf("heartbeat interval (%v) must not exceed service check interval (%v)",
			cfg.Heartbeat.Interval, cfg.ServiceCheck.Interval)
	}

	return nil
}

// Live holds the running configuration. Only the allowed service list
// changes after startup.
type Live struct {
	cfg     *Config
	allowed atomic.Pointer[[]string]
}

// NewLive wraps a loaded configuration
func NewLive(cfg *Config) *Live {
	l := &Live{cfg: cfg}
	l.UpdateAllowedServices(cfg.Commands.AllowedServices)
	return l
}

// Config returns the configuration loaded at startup
func (l *Live) Config() *Config {
	return l.cfg
}

// AllowedServices returns the current allow list
func (l *Live) AllowedServices() []string {
	return *l.allowed.Load()
}

// UpdateAllowedServices replaces the allow list
func (l *Live) UpdateAllowedServices(services []string) {
	list := append([]string(nil), services...)
	l.allowed.Store(&list)
}

// ReportedServices returns the services the status report covers
func (l *Live) ReportedServices() []string {
	if len(l.cfg.Tasks.ServiceCheck.Services) > 0 {
		return l.cfg.Tasks.ServiceCheck.Services
	}
	return l.AllowedServices()
}
