package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/hemostat/internal/alert"
	"github.com/hemostat/internal/analyzer"
	"github.com/hemostat/internal/monitor"
	"github.com/hemostat/internal/responder"
	"github.com/hemostat/internal/scanner"
)

// Config is the full process configuration. Values come from config.yaml,
// overridden by HEMOSTAT_* environment variables.
type Config struct {
	Log struct {
		Level  string
		Format string
	}
	Redis struct {
		Addr     string
		Password string
		DB       int
	}
	Database struct {
		Path                   string
		ArchiveIntervalSeconds int `mapstructure:"archive_interval_seconds"`
	}
	Server struct {
		Port            int
		JWTSecret       string `mapstructure:"jwt_secret"`
		TokenTTLMinutes int    `mapstructure:"token_ttl_minutes"`
	}
	Monitor struct {
		PollIntervalSeconds int     `mapstructure:"poll_interval_seconds"`
		CPUThreshold        float64 `mapstructure:"cpu_threshold"`
		MemoryThreshold     float64 `mapstructure:"memory_threshold"`
		RestartLimit        int     `mapstructure:"restart_limit"`
	}
	Analyzer struct {
		ConfidenceThreshold  float64 `mapstructure:"confidence_threshold"`
		ModelEnabled         bool    `mapstructure:"model_enabled"`
		ModelFallbackEnabled bool    `mapstructure:"model_fallback_enabled"`
		ModelDeadlineMS      int     `mapstructure:"model_deadline_ms"`
		ModelBaseURL         string  `mapstructure:"model_base_url"`
		ModelAPIKey          string  `mapstructure:"model_api_key"`
		ModelName            string  `mapstructure:"model_name"`
	}
	Responder struct {
		CooldownSeconds      int   `mapstructure:"cooldown_seconds"`
		CircuitWindowSeconds int   `mapstructure:"circuit_window_seconds"`
		MaxRetriesPerWindow  int   `mapstructure:"max_retries_per_window"`
		DryRun               bool  `mapstructure:"dry_run"`
		MaxParallelActions   int64 `mapstructure:"max_parallel_actions"`
		ActionDeadlineMS     int   `mapstructure:"action_deadline_ms"`
		EnforceExecAllowlist bool  `mapstructure:"enforce_exec_allowlist"`
	}
	Alert struct {
		NotificationsEnabled bool   `mapstructure:"notifications_enabled"`
		DedupeTTLSeconds     int    `mapstructure:"dedupe_ttl_seconds"`
		WebhookURL           string `mapstructure:"webhook_url"`
		MaxEventsPerKind     int64  `mapstructure:"max_events_per_kind"`
		EventsTTLSeconds     int    `mapstructure:"events_ttl_seconds"`
		Email                struct {
			SMTPHost string `mapstructure:"smtp_host"`
			SMTPPort int    `mapstructure:"smtp_port"`
			Username string
			Password string
			From     string
			To       []string
		}
	}
	Scanner struct {
		Enabled         bool
		EngineURL       string   `mapstructure:"engine_url"`
		Targets         []string `mapstructure:"targets"`
		IntervalSeconds int      `mapstructure:"interval_seconds"`
	}
	DrainDeadlineMS int `mapstructure:"drain_deadline_ms"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("database.path", "data/hemostat.db")
	v.SetDefault("database.archive_interval_seconds", 60)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.token_ttl_minutes", 1440)
	v.SetDefault("monitor.poll_interval_seconds", 30)
	v.SetDefault("monitor.cpu_threshold", 85)
	v.SetDefault("monitor.memory_threshold", 80)
	v.SetDefault("monitor.restart_limit", 5)
	v.SetDefault("analyzer.confidence_threshold", 0.7)
	v.SetDefault("analyzer.model_enabled", false)
	v.SetDefault("analyzer.model_fallback_enabled", true)
	v.SetDefault("analyzer.model_deadline_ms", 10000)
	v.SetDefault("analyzer.model_name", "gpt-4")
	v.SetDefault("responder.cooldown_seconds", 3600)
	v.SetDefault("responder.circuit_window_seconds", 3600)
	v.SetDefault("responder.max_retries_per_window", 3)
	v.SetDefault("responder.dry_run", false)
	v.SetDefault("responder.max_parallel_actions", 4)
	v.SetDefault("responder.action_deadline_ms", 30000)
	v.SetDefault("responder.enforce_exec_allowlist", true)
	v.SetDefault("alert.notifications_enabled", true)
	v.SetDefault("alert.dedupe_ttl_seconds", 60)
	v.SetDefault("alert.max_events_per_kind", 100)
	v.SetDefault("alert.events_ttl_seconds", 3600)
	v.SetDefault("scanner.enabled", false)
	v.SetDefault("scanner.engine_url", "http://localhost:8090")
	v.SetDefault("scanner.interval_seconds", 3600)
	v.SetDefault("drain_deadline_ms", 10000)
}

// Load reads config.yaml from path (or the working directory when empty) and
// applies HEMOSTAT_* environment overrides. A missing file yields defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
	}
	v.SetEnvPrefix("HEMOSTAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }
func millis(n int) time.Duration  { return time.Duration(n) * time.Millisecond }

func (c *Config) MonitorConfig() monitor.Config {
	mc := monitor.DefaultConfig()
	mc.PollInterval = seconds(c.Monitor.PollIntervalSeconds)
	mc.CPUThreshold = c.Monitor.CPUThreshold
	mc.MemoryThreshold = c.Monitor.MemoryThreshold
	mc.RestartLimit = c.Monitor.RestartLimit
	return mc
}

func (c *Config) AnalyzerConfig() analyzer.Config {
	ac := analyzer.DefaultConfig()
	ac.ConfidenceThreshold = c.Analyzer.ConfidenceThreshold
	ac.FallbackEnabled = c.Analyzer.ModelFallbackEnabled
	return ac
}

func (c *Config) ModelConfig() analyzer.ModelConfig {
	mc := analyzer.DefaultModelConfig()
	mc.APIKey = c.Analyzer.ModelAPIKey
	mc.BaseURL = c.Analyzer.ModelBaseURL
	mc.Model = c.Analyzer.ModelName
	mc.Deadline = millis(c.Analyzer.ModelDeadlineMS)
	return mc
}

func (c *Config) ResponderConfig() responder.Config {
	rc := responder.DefaultConfig()
	rc.Cooldown = seconds(c.Responder.CooldownSeconds)
	rc.CircuitWindow = seconds(c.Responder.CircuitWindowSeconds)
	rc.MaxRetriesPerWindow = c.Responder.MaxRetriesPerWindow
	rc.DryRun = c.Responder.DryRun
	rc.MaxParallelActions = c.Responder.MaxParallelActions
	rc.ActionDeadline = millis(c.Responder.ActionDeadlineMS)
	rc.EnforceExecAllowlist = c.Responder.EnforceExecAllowlist
	// State records must outlive both the cooldown and the circuit window.
	rc.StateTTL = rc.Cooldown
	if rc.CircuitWindow > rc.StateTTL {
		rc.StateTTL = rc.CircuitWindow
	}
	rc.StateTTL += 5 * time.Minute
	return rc
}

func (c *Config) AlertConfig() alert.Config {
	ac := alert.DefaultConfig()
	ac.Enabled = c.Alert.NotificationsEnabled
	ac.MaxEvents = c.Alert.MaxEventsPerKind
	ac.EventTTL = seconds(c.Alert.EventsTTLSeconds)
	ac.DedupeTTL = seconds(c.Alert.DedupeTTLSeconds)
	return ac
}

func (c *Config) ScannerConfig() scanner.Config {
	sc := scanner.DefaultConfig()
	sc.Targets = c.Scanner.Targets
	sc.Interval = seconds(c.Scanner.IntervalSeconds)
	return sc
}

func (c *Config) DrainDeadline() time.Duration { return millis(c.DrainDeadlineMS) }
