package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Path is the location of the configuration file. An empty Path searches
// ./config.yaml and ./config/config.yaml.
type Path string

// Config represents the application configuration
type Config struct {
	Server      ServerConfig        `mapstructure:"server"`
	Sandbox     SandboxConfig       `mapstructure:"sandbox"`
	Security    SecurityConfig      `mapstructure:"security"`
	RateLimits  RateLimitConfig     `mapstructure:"rate_limits"`
	Scheduler   SchedulerConfig     `mapstructure:"scheduler"`
	Languages   map[string]Language `mapstructure:"languages"`
	RecipesFile string              `mapstructure:"recipes_file"`
	Logging     LoggingConfig       `mapstructure:"logging"`
	Events      EventsConfig        `mapstructure:"events"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Transport string `mapstructure:"transport"`
	HTTPPort  int    `mapstructure:"http_port"`
	// OpsPort serves health and Prometheus metrics; 0 disables it.
	OpsPort int `mapstructure:"ops_port"`
}

// SandboxConfig holds sandbox backend configuration
type SandboxConfig struct {
	Backend          string        `mapstructure:"backend"`
	Binary           string        `mapstructure:"binary"`
	DockerHost       string        `mapstructure:"docker_host"`
	Workdir          string        `mapstructure:"workdir"`
	User             string        `mapstructure:"user"`
	PidsLimit        int64         `mapstructure:"pids_limit"`
	TmpfsSizeMB      int           `mapstructure:"tmpfs_size_mb"`
	KeepAlive        []string      `mapstructure:"keepalive"`
	StatsInterval    time.Duration `mapstructure:"stats_interval"`
	ProvisionTimeout time.Duration `mapstructure:"provision_timeout"`
	// PullTimeout bounds fetching a missing image, apart from provisioning.
	PullTimeout     time.Duration `mapstructure:"pull_timeout"`
	PullOnStart     bool          `mapstructure:"pull_on_start"`
	TeardownTimeout time.Duration `mapstructure:"teardown_timeout"`
	ReapOnStart     bool          `mapstructure:"reap_on_start"`
}

// SecurityConfig holds the execution policy
type SecurityConfig struct {
	AllowedLanguages  []string                   `mapstructure:"allowed_languages"`
	MaxExecutionTime  time.Duration              `mapstructure:"max_execution_time"`
	MaxMemoryMB       int                        `mapstructure:"max_memory_mb"`
	MaxCPUs           float64                    `mapstructure:"max_cpus"`
	MaxConcurrentJobs int                        `mapstructure:"max_concurrent_jobs"`
	NetworkAccess     bool                       `mapstructure:"network_access"`
	MaxCodeSize       int                        `mapstructure:"max_code_size"`
	MaxOutputSize     int                        `mapstructure:"max_output_size"`
	MaxInputFiles     int                        `mapstructure:"max_input_files"`
	MaxInputBytes     int64                      `mapstructure:"max_input_bytes"`
	AllowedEnv        []string                   `mapstructure:"allowed_env"`
	MaxEnvValueLength int                        `mapstructure:"max_env_value_length"`
	SetupTimeout      time.Duration              `mapstructure:"setup_timeout"`
	CompileTimeout    time.Duration              `mapstructure:"compile_timeout"`
	DeadlineGrace     time.Duration              `mapstructure:"deadline_grace"`
	BlockedPatterns   map[string][]PatternConfig `mapstructure:"blocked_patterns"`
	// ReplaceDefaultPatterns drops the built-in pattern list of every
	// language that appears in BlockedPatterns.
	ReplaceDefaultPatterns bool `mapstructure:"replace_default_patterns"`
}

// PatternConfig is one forbidden source pattern
type PatternConfig struct {
	Class   string `mapstructure:"class"`
	Pattern string `mapstructure:"pattern"`
}

// RateLimitConfig holds sliding-window admission limits
type RateLimitConfig struct {
	PerUser       int           `mapstructure:"per_user"`
	PerProject    int           `mapstructure:"per_project"`
	Window        time.Duration `mapstructure:"window"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// SchedulerConfig holds queue and result retention configuration
type SchedulerConfig struct {
	ResultRetention  time.Duration `mapstructure:"result_retention"`
	EvictionInterval time.Duration `mapstructure:"eviction_interval"`
	TickInterval     time.Duration `mapstructure:"tick_interval"`
	BacklogThreshold int           `mapstructure:"backlog_threshold"`
	ShutdownTimeout  time.Duration `mapstructure:"shutdown_timeout"`
	LogBufferBytes   int           `mapstructure:"log_buffer_bytes"`
}

// Language holds per-language overrides applied on top of the recipe
type Language struct {
	Image       string            `mapstructure:"image"`
	Environment map[string]string `mapstructure:"environment"`
}

// LoggingConfig holds logger configuration
type LoggingConfig struct {
	Mode  string `mapstructure:"mode"`
	Level string `mapstructure:"level"`
}

// EventsConfig holds the Kafka result stream configuration. No brokers
// disables publishing.
type EventsConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// DefaultAllowedEnv is the environment allow-list applied to caller variables.
var DefaultAllowedEnv = []string{
	"NODE_ENV", "PYTHONPATH", "PYTHONHASHSEED", "DEBUG", "LANG", "LC_ALL", "TZ",
	"GOFLAGS", "GOMAXPROCS", "JAVA_OPTS", "RUST_BACKTRACE",
}

// New loads and validates the application configuration
func New(path Path) (*Config, error) {
	return Load(string(path))
}

// Load reads configuration from path (or the default search locations),
// applies defaults and RUNBOX_* environment overrides, and validates it.
func Load(path string) (*Config, error) {
	v := newViper(path)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || path != "" {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// If config file not found, continue with defaults
	}

	return decode(v)
}

// Watch re-reads the configuration file whenever it changes and hands the
// result to onChange. It requires an existing configuration file.
func Watch(path Path, onChange func(*Config, error)) error {
	v := newViper(string(path))
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("watch config: %w", err)
	}

	v.OnConfigChange(func(fsnotify.Event) {
		onChange(decode(v))
	})
	v.WatchConfig()
	return nil
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	v.SetEnvPrefix("RUNBOX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.transport", "stdio")
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.ops_port", 9090)

	v.SetDefault("sandbox.backend", "docker")
	v.SetDefault("sandbox.binary", "")
	v.SetDefault("sandbox.docker_host", "")
	v.SetDefault("sandbox.workdir", "/workspace")
	v.SetDefault("sandbox.user", "65534:65534")
	v.SetDefault("sandbox.pids_limit", 64)
	v.SetDefault("sandbox.tmpfs_size_mb", 64)
	v.SetDefault("sandbox.keepalive", []string{"tail", "-f", "/dev/null"})
	v.SetDefault("sandbox.stats_interval", "250ms")
	v.SetDefault("sandbox.provision_timeout", "30s")
	v.SetDefault("sandbox.pull_timeout", "10m")
	v.SetDefault("sandbox.pull_on_start", true)
	v.SetDefault("sandbox.teardown_timeout", "15s")
	v.SetDefault("sandbox.reap_on_start", true)

	v.SetDefault("security.allowed_languages", []string{"python", "javascript", "java", "go", "cpp", "c", "rust"})
	v.SetDefault("security.max_execution_time", "30s")
	v.SetDefault("security.max_memory_mb", 512)
	v.SetDefault("security.max_cpus", 1.0)
	v.SetDefault("security.max_concurrent_jobs", 10)
	v.SetDefault("security.network_access", false)
	v.SetDefault("security.max_code_size", 100*1024)
	v.SetDefault("security.max_output_size", 10*1024)
	v.SetDefault("security.max_input_files", 50)
	v.SetDefault("security.max_input_bytes", 5*1024*1024)
	v.SetDefault("security.allowed_env", DefaultAllowedEnv)
	v.SetDefault("security.max_env_value_length", 1000)
	v.SetDefault("security.setup_timeout", "60s")
	v.SetDefault("security.compile_timeout", "30s")
	v.SetDefault("security.deadline_grace", "15s")
	v.SetDefault("security.replace_default_patterns", false)

	v.SetDefault("rate_limits.per_user", 10)
	v.SetDefault("rate_limits.per_project", 50)
	v.SetDefault("rate_limits.window", "1m")
	v.SetDefault("rate_limits.sweep_interval", "1m")

	v.SetDefault("scheduler.result_retention", "1h")
	v.SetDefault("scheduler.eviction_interval", "5m")
	v.SetDefault("scheduler.tick_interval", "1s")
	v.SetDefault("scheduler.backlog_threshold", 20)
	v.SetDefault("scheduler.shutdown_timeout", "30s")
	v.SetDefault("scheduler.log_buffer_bytes", 64*1024)

	v.SetDefault("recipes_file", "")

	v.SetDefault("logging.mode", "production")
	v.SetDefault("logging.level", "info")

	v.SetDefault("events.brokers", []string{})
	v.SetDefault("events.topic", "runbox.results")
}

func decode(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Validate configuration
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}

	return &config, nil
}

// validate ensures the configuration is valid
//
//nolint:gocyclo // flat list of independent checks
func (c *Config) validate() error {
	if c.Server.Transport != "stdio" && c.Server.Transport != "http" {
		return fmt.Errorf("invalid server.transport: %s, must be 'stdio' or 'http'", c.Server.Transport)
	}
	if c.Server.Transport == "http" && (c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535) {
		return fmt.Errorf("invalid server.http_port: %d", c.Server.HTTPPort)
	}
	if c.Server.OpsPort < 0 || c.Server.OpsPort > 65535 {
		return fmt.Errorf("invalid server.ops_port: %d", c.Server.OpsPort)
	}

	supportedBackends := map[string]bool{
		"docker":     true,
		"docker-cli": true,
		"podman":     true,
	}
	if !supportedBackends[c.Sandbox.Backend] {
		return fmt.Errorf("unsupported sandbox.backend: %s", c.Sandbox.Backend)
	}
	if !strings.HasPrefix(c.Sandbox.Workdir, "/") {
		return fmt.Errorf("sandbox.workdir must be absolute, got: %q", c.Sandbox.Workdir)
	}
	if c.Sandbox.User == "" || c.Sandbox.User == "0" || strings.HasPrefix(c.Sandbox.User, "0:") || c.Sandbox.User == "root" {
		return fmt.Errorf("sandbox.user must be a non-root identity, got: %q", c.Sandbox.User)
	}

	s := c.Security
	if s.MaxExecutionTime <= 0 {
		return fmt.Errorf("security.max_execution_time must be positive, got: %s", s.MaxExecutionTime)
	}
	if s.MaxMemoryMB <= 0 {
		return fmt.Errorf("security.max_memory_mb must be positive, got: %d", s.MaxMemoryMB)
	}
	if s.MaxCPUs <= 0 {
		return fmt.Errorf("security.max_cpus must be positive, got: %g", s.MaxCPUs)
	}
	if s.MaxConcurrentJobs <= 0 {
		return fmt.Errorf("security.max_concurrent_jobs must be positive, got: %d", s.MaxConcurrentJobs)
	}
	if s.MaxCodeSize <= 0 {
		return fmt.Errorf("security.max_code_size must be positive, got: %d", s.MaxCodeSize)
	}
	if s.MaxOutputSize <= 0 {
		return fmt.Errorf("security.max_output_size must be positive, got: %d", s.MaxOutputSize)
	}
	if s.SetupTimeout <= 0 || s.CompileTimeout <= 0 {
		return fmt.Errorf("security.setup_timeout and security.compile_timeout must be positive")
	}
	for lang, patterns := range s.BlockedPatterns {
		for i, p := range patterns {
			if p.Class == "" {
				return fmt.Errorf("security.blocked_patterns.%s[%d]: missing class", lang, i)
			}
			if _, err := regexp.Compile(p.Pattern); err != nil {
				return fmt.Errorf("security.blocked_patterns.%s[%d]: invalid pattern: %w", lang, i, err)
			}
		}
	}

	if c.RateLimits.PerUser < 0 || c.RateLimits.PerProject < 0 {
		return fmt.Errorf("rate_limits.per_user and rate_limits.per_project must not be negative")
	}
	if c.RateLimits.Window <= 0 {
		return fmt.Errorf("rate_limits.window must be positive, got: %s", c.RateLimits.Window)
	}

	if c.Scheduler.ResultRetention <= 0 {
		return fmt.Errorf("scheduler.result_retention must be positive, got: %s", c.Scheduler.ResultRetention)
	}

	if c.Logging.Mode != "production" && c.Logging.Mode != "development" {
		return fmt.Errorf("invalid logging.mode: %s, must be 'production' or 'development'", c.Logging.Mode)
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true, "dpanic": true, "panic": true, "fatal": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s", c.Logging.Level)
	}

	if len(c.Events.Brokers) > 0 && c.Events.Topic == "" {
		return fmt.Errorf("events.topic is required when events.brokers is set")
	}

	return nil
}
