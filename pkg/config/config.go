package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Config is the top-level configuration struct for the engine.
// Tags are used by Viper to map YAML keys to struct fields and by the
// validator to reject unusable values before anything starts.
type Config struct {
	LogLevel    string            `mapstructure:"log_level" validate:"oneof=debug info warn error fatal panic"`
	LogFormat   string            `mapstructure:"log_format" validate:"oneof=json console"`
	APIPort     string            `mapstructure:"api_port" validate:"required,numeric"`
	Jobs        []JobConfig       `mapstructure:"jobs" validate:"dive"`
	Ingest      IngestConfig      `mapstructure:"ingest"`
	Retention   RetentionConfig   `mapstructure:"retention"`
	Graph       GraphConfig       `mapstructure:"graph"`
	Correlation CorrelationConfig `mapstructure:"correlation"`
	Analysis    AnalysisConfig    `mapstructure:"analysis"`
	Response    ResponseConfig    `mapstructure:"response"`
	Actions     ActionsConfig     `mapstructure:"actions"`
	Experience  ExperienceConfig  `mapstructure:"experience"`
}

// JobConfig defines one periodic job run by the scheduler.
type JobConfig struct {
	Name     string `mapstructure:"name" validate:"required"`
	Enabled  bool   `mapstructure:"enabled"`
	Interval string `mapstructure:"interval"`
}

// IngestConfig covers the raw alert feed and the intake queue.
type IngestConfig struct {
	NatsURL       string `mapstructure:"nats_url"`
	Subject       string `mapstructure:"subject"`
	Queue         string `mapstructure:"queue"`
	QueueSize     int    `mapstructure:"queue_size" validate:"gt=0"`
	DedupCapacity int    `mapstructure:"dedup_capacity" validate:"gt=0"`
}

// RetentionConfig bounds how long events, nodes and edges are kept.
type RetentionConfig struct {
	Window      time.Duration `mapstructure:"window" validate:"gt=0"`
	ArchivePath string        `mapstructure:"archive_path"`
}

type GraphConfig struct {
	Neo4j Neo4jConfig `mapstructure:"neo4j"`
}

// Neo4jConfig enables the optional graph mirror when URI is set.
type Neo4jConfig struct {
	URI        string `mapstructure:"uri"`
	Username   string `mapstructure:"username"`
	Password   string `mapstructure:"password"`
	Database   string `mapstructure:"database"`
	BufferSize int    `mapstructure:"buffer_size" validate:"gte=0"`
}

// CorrelationConfig holds the local correlation and filtering tunables.
type CorrelationConfig struct {
	Window              time.Duration `mapstructure:"window" validate:"gt=0"`
	SeverityFloor       string        `mapstructure:"severity_floor" validate:"oneof=info low medium high critical"`
	TriggerSeverity     string        `mapstructure:"trigger_severity" validate:"oneof=info low medium high critical"`
	MinLocalScore       float64       `mapstructure:"min_local_score" validate:"gte=0,lte=1"`
	ShellNames          []string      `mapstructure:"shell_names"`
	NetworkServices     []string      `mapstructure:"network_services"`
	SensitivePaths      []string      `mapstructure:"sensitive_paths"`
	StagingPaths        []string      `mapstructure:"staging_paths"`
	SuspiciousPorts     []string      `mapstructure:"suspicious_ports"`
	Suppress            []string      `mapstructure:"suppress"`
	RulesFile           string        `mapstructure:"rules_file"`
	HistorySize         int           `mapstructure:"history_size" validate:"gt=0"`
	ExperienceDecay     float64       `mapstructure:"experience_decay" validate:"gt=0,lt=1"`
	ExperienceReinforce float64       `mapstructure:"experience_reinforce" validate:"gt=0,lte=1"`
	MinWeight           float64       `mapstructure:"min_weight" validate:"gte=0,lte=1"`
	FailedRetention     time.Duration `mapstructure:"failed_retention" validate:"gte=0"`
}

// AnalysisConfig configures the external risk scorer client.
type AnalysisConfig struct {
	Endpoint       string        `mapstructure:"endpoint" validate:"omitempty,url"`
	APIKey         string        `mapstructure:"api_key"`
	QueueSize      int           `mapstructure:"queue_size" validate:"gt=0"`
	BatchSize      int           `mapstructure:"batch_size" validate:"gt=0"`
	BatchWindow    time.Duration `mapstructure:"batch_window" validate:"gt=0"`
	Workers        int           `mapstructure:"workers" validate:"gt=0"`
	Timeout        time.Duration `mapstructure:"timeout" validate:"gt=0"`
	MaxAttempts    int           `mapstructure:"max_attempts" validate:"gt=0"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff" validate:"gt=0"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff" validate:"gt=0"`
}

// ResponseConfig configures task creation, approval gates and execution.
type ResponseConfig struct {
	Threshold        float64         `mapstructure:"threshold" validate:"gte=0,lte=1"`
	AutoApproveScore float64         `mapstructure:"auto_approve_score" validate:"gte=0"`
	AutoExecute      map[string]bool `mapstructure:"auto_execute"`
	Workers          int             `mapstructure:"workers" validate:"gt=0"`
	ActionTimeout    time.Duration   `mapstructure:"action_timeout" validate:"gt=0"`
	VerifyTimeout    time.Duration   `mapstructure:"verify_timeout" validate:"gt=0"`
	VerifyDelay      time.Duration   `mapstructure:"verify_delay" validate:"gte=0"`
	MaxAttempts      int             `mapstructure:"max_attempts" validate:"gt=0"`
	ActionsPerSecond float64         `mapstructure:"actions_per_second" validate:"gt=0"`
	ActionBurst      int             `mapstructure:"action_burst" validate:"gt=0"`
	// Rollback undoes failed or ineffective remediations where the action
	// supports it.
	Rollback bool `mapstructure:"rollback"`
	// TaskRetention is how long finished tasks are kept. Zero keeps them.
	TaskRetention time.Duration `mapstructure:"task_retention" validate:"gte=0"`
}

// ActionsConfig holds the global configuration for all defensive actions.
type ActionsConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	QuarantineDir string `mapstructure:"quarantine_dir"`
}

// ExperienceConfig selects the outcome log backend.
type ExperienceConfig struct {
	PostgresURL  string `mapstructure:"postgres_url"`
	NotifyBuffer int    `mapstructure:"notify_buffer" validate:"gt=0"`
}

var validate = validator.New()

// GetJobConfig returns the configuration for the named job, or nil.
func (c *Config) GetJobConfig(name string) *JobConfig {
	for i := range c.Jobs {
		if c.Jobs[i].Name == name {
			return &c.Jobs[i]
		}
	}
	return nil
}

// Validate checks struct constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config") // config.yaml
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/vigil/")
	}

	setDefaults(v)

	v.SetEnvPrefix("VIGIL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("api_port", "8080")
	v.SetDefault("jobs", []map[string]interface{}{
		{"name": "correlation_sweep", "enabled": true, "interval": "1s"},
		{"name": "retention_eviction", "enabled": true, "interval": "1m"},
		{"name": "metrics_refresh", "enabled": true, "interval": "15s"},
		{"name": "history_prune", "enabled": true, "interval": "10m"},
	})

	v.SetDefault("ingest.subject", "falco.alerts")
	v.SetDefault("ingest.queue", "vigil")
	v.SetDefault("ingest.queue_size", 4096)
	v.SetDefault("ingest.dedup_capacity", 100000)

	v.SetDefault("retention.window", "1h")

	v.SetDefault("graph.neo4j.database", "neo4j")
	v.SetDefault("graph.neo4j.buffer_size", 1024)

	v.SetDefault("correlation.window", "5m")
	v.SetDefault("correlation.severity_floor", "low")
	v.SetDefault("correlation.trigger_severity", "critical")
	v.SetDefault("correlation.min_local_score", 0.0)
	v.SetDefault("correlation.shell_names", []string{"sh", "bash", "dash", "zsh", "ksh", "ash", "fish"})
	v.SetDefault("correlation.network_services", []string{"nginx", "httpd", "apache2", "sshd", "node", "java", "php-fpm"})
	v.SetDefault("correlation.sensitive_paths", []string{"/etc/shadow", "/etc/passwd", "/etc/sudoers", "/root/.ssh/", "/etc/ssh/", "/var/run/docker.sock"})
	v.SetDefault("correlation.staging_paths", []string{"/tmp/", "/dev/shm/", "/var/tmp/"})
	v.SetDefault("correlation.suspicious_ports", []string{"4444", "1337", "31337", "6667"})
	v.SetDefault("correlation.history_size", 10000)
	v.SetDefault("correlation.experience_decay", 0.2)
	v.SetDefault("correlation.experience_reinforce", 0.2)
	v.SetDefault("correlation.min_weight", 0.05)
	v.SetDefault("correlation.failed_retention", "24h")

	v.SetDefault("analysis.queue_size", 1000)
	v.SetDefault("analysis.batch_size", 10)
	v.SetDefault("analysis.batch_window", "2s")
	v.SetDefault("analysis.workers", 4)
	v.SetDefault("analysis.timeout", "10s")
	v.SetDefault("analysis.max_attempts", 3)
	v.SetDefault("analysis.initial_backoff", "500ms")
	v.SetDefault("analysis.max_backoff", "10s")

	v.SetDefault("response.threshold", 0.8)
	v.SetDefault("response.auto_execute", map[string]bool{"kill_process": false, "block_ip": false, "quarantine_file": false})
	v.SetDefault("response.auto_approve_score", 1.1) // above any score: disabled
	v.SetDefault("response.workers", 4)
	v.SetDefault("response.action_timeout", "30s")
	v.SetDefault("response.verify_timeout", "10s")
	v.SetDefault("response.verify_delay", "0s")
	v.SetDefault("response.max_attempts", 1)
	v.SetDefault("response.actions_per_second", 2.0)
	v.SetDefault("response.action_burst", 5)
	v.SetDefault("response.rollback", false)
	v.SetDefault("response.task_retention", "24h")

	v.SetDefault("actions.enabled", false) // Actions disabled by default
	v.SetDefault("actions.quarantine_dir", "/var/lib/vigil/quarantine")

	v.SetDefault("experience.notify_buffer", 256)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadConfig reads the configuration from a YAML file and environment
// variables (VIGIL_ prefix). An empty path searches for config.yaml in the
// current directory and /etc/vigil/; a missing file falls back to defaults.
func LoadConfig(path string) (*Config, error) {
	v := newViper(path)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			log.Info().Msg("Config file not found, using defaults and environment variables.")
		} else {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	return decode(v)
}

// Watch loads the configuration at path and calls onChange with every valid
// revision written to the file afterwards. Invalid revisions are logged and
// ignored so the running engine keeps its last good configuration.
func Watch(path string, onChange func(*Config)) (*Config, error) {
	if path == "" {
		return nil, errors.New("config watch requires an explicit file path")
	}
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		next, err := decode(v)
		if err != nil {
			log.Error().Err(err).Str("file", e.Name).Msg("Ignoring invalid configuration change")
			return
		}
		log.Info().Str("file", e.Name).Msg("Configuration reloaded")
		onChange(next)
	})
	v.WatchConfig()

	return cfg, nil
}
