// Package config loads and validates browsing-digest configuration via Viper.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/browsing-digest/internal/retry"
	"github.com/JakeFAU/browsing-digest/internal/telemetry"
	"github.com/JakeFAU/browsing-digest/internal/worker"
)

// Backend kinds.
const (
	BrokerPubSub = "pubsub"
	BrokerKafka  = "kafka"
	BrokerMemory = "memory"

	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
	StoreMemory   = "memory"

	FetcherColly    = "colly"
	FetcherHeadless = "headless"
	FetcherAuto     = "auto"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Broker     BrokerConfig     `mapstructure:"broker"`
	History    HistoryConfig    `mapstructure:"history"`
	Store      StoreConfig      `mapstructure:"store"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	Fetcher    FetcherConfig    `mapstructure:"fetcher"`
	Summarizer SummarizerConfig `mapstructure:"summarizer"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
}

// BrokerConfig selects and addresses the queue backend.
type BrokerConfig struct {
	Kind            string        `mapstructure:"kind"`
	Host            string        `mapstructure:"host"`
	Queue           string        `mapstructure:"queue"`
	Subscription    string        `mapstructure:"subscription"`
	ProjectID       string        `mapstructure:"project_id"`
	ConnectAttempts int           `mapstructure:"connect_attempts"`
	ConnectDelay    time.Duration `mapstructure:"connect_delay"`
	DialTimeout     time.Duration `mapstructure:"dial_timeout"`
	// Partitions is the partition count for a kafka topic the broker creates.
	Partitions int `mapstructure:"partitions"`
}

// HistoryConfig locates the browsing history database.
type HistoryConfig struct {
	DaysBack int    `mapstructure:"days_back"`
	Path     string `mapstructure:"path"`
}

// StoreConfig selects the summary store.
type StoreConfig struct {
	Kind     string `mapstructure:"kind"`
	Path     string `mapstructure:"path"`
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// WorkerConfig governs the consume loop.
type WorkerConfig struct {
	Count            int           `mapstructure:"count"`
	BatchSize        int           `mapstructure:"batch_size"`
	SkipExisting     bool          `mapstructure:"skip_existing"`
	AckAfterFlush    bool          `mapstructure:"ack_after_flush"`
	RequeueTimeouts  bool          `mapstructure:"requeue_timeouts"`
	SummarizeTimeout time.Duration `mapstructure:"summarize_timeout"`
	ShutdownTimeout  time.Duration `mapstructure:"shutdown_timeout"`
	FlushAttempts    int           `mapstructure:"flush_attempts"`
	FlushDelay       time.Duration `mapstructure:"flush_delay"`
}

// FetcherConfig configures page retrieval.
type FetcherConfig struct {
	Kind           string        `mapstructure:"kind"`
	Timeout        time.Duration `mapstructure:"timeout"`
	UserAgent      string        `mapstructure:"user_agent"`
	RenderTimeout  time.Duration `mapstructure:"render_timeout"`
	MinTextChars   int           `mapstructure:"min_text_chars"`
	RateLimitRPS   float64       `mapstructure:"rate_limit_rps"`
	RateLimitBurst int           `mapstructure:"rate_limit_burst"`
	BlockedHosts   []string      `mapstructure:"blocked_hosts"`
}

// SummarizerConfig addresses the text-generation model.
type SummarizerConfig struct {
	URL           string        `mapstructure:"url"`
	Model         string        `mapstructure:"model"`
	Prompt        string        `mapstructure:"prompt"`
	Timeout       time.Duration `mapstructure:"timeout"`
	MaxInputChars int           `mapstructure:"max_input_chars"`
}

// MetricsConfig controls the ops HTTP listener. An empty Addr disables it.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TracingConfig selects the span exporter. ProjectID falls back to
// broker.project_id.
type TracingConfig struct {
	Exporter  string `mapstructure:"exporter"`
	ProjectID string `mapstructure:"project_id"`
}

// legacyEnv lists environment variables honored besides the DIGEST_ prefixed ones.
var legacyEnv = map[string][]string{
	"broker.host":       {"BROKER_HOST", "RABBITMQ_HOST"},
	"history.days_back": {"DAYS_BACK"},
	"history.path":      {"HISTORY_PATH"},
	"store.path":        {"DB_PATH"},
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("DIGEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	for key, names := range legacyEnv {
		prefixed := "DIGEST_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(append([]string{key, prefixed}, names...)...); err != nil {
			return Config{}, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// DefaultHistoryPath returns the Safari history location for the current user.
func DefaultHistoryPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, "Library", "Safari", "History.db")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("broker.kind", BrokerPubSub)
	v.SetDefault("broker.host", "localhost:8085")
	v.SetDefault("broker.queue", "urls")
	v.SetDefault("broker.subscription", "workers")
	v.SetDefault("broker.project_id", "browsing-digest")
	v.SetDefault("broker.connect_attempts", 10)
	v.SetDefault("broker.connect_delay", 5*time.Second)
	v.SetDefault("broker.dial_timeout", 10*time.Second)
	v.SetDefault("broker.partitions", 4)
	v.SetDefault("history.days_back", 1)
	v.SetDefault("history.path", DefaultHistoryPath())
	v.SetDefault("store.kind", StoreSQLite)
	v.SetDefault("store.path", "summaries.db")
	v.SetDefault("store.max_conns", 4)
	v.SetDefault("worker.count", 1)
	v.SetDefault("worker.batch_size", 10)
	v.SetDefault("worker.skip_existing", false)
	v.SetDefault("worker.ack_after_flush", false)
	v.SetDefault("worker.requeue_timeouts", false)
	v.SetDefault("worker.summarize_timeout", 60*time.Second)
	v.SetDefault("worker.shutdown_timeout", 30*time.Second)
	v.SetDefault("worker.flush_attempts", 3)
	v.SetDefault("worker.flush_delay", 2*time.Second)
	v.SetDefault("fetcher.kind", FetcherColly)
	v.SetDefault("fetcher.timeout", 5*time.Second)
	v.SetDefault("fetcher.user_agent", "Mozilla/5.0")
	v.SetDefault("fetcher.render_timeout", 20*time.Second)
	v.SetDefault("fetcher.min_text_chars", 200)
	v.SetDefault("fetcher.rate_limit_rps", 0)
	v.SetDefault("fetcher.rate_limit_burst", 1)
	v.SetDefault("fetcher.blocked_hosts", []string{"localhost", "127.0.0.1"})
	v.SetDefault("summarizer.url", "http://localhost:11434/api/generate")
	v.SetDefault("summarizer.model", "granite3.2:2b")
	v.SetDefault("summarizer.timeout", 60*time.Second)
	v.SetDefault("summarizer.max_input_chars", 12000)
	v.SetDefault("metrics.addr", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("tracing.exporter", telemetry.ExporterNone)
	v.SetDefault("tracing.project_id", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	switch c.Broker.Kind {
	case BrokerPubSub, BrokerKafka, BrokerMemory:
	default:
		return fmt.Errorf("broker.kind must be one of pubsub, kafka, memory; got %q", c.Broker.Kind)
	}
	if c.Broker.Queue == "" {
		return fmt.Errorf("broker.queue must be set")
	}
	if c.Broker.Kind == BrokerKafka && c.Broker.Host == "" {
		return fmt.Errorf("broker.host must be set for kafka")
	}
	if c.Broker.ConnectAttempts <= 0 {
		return fmt.Errorf("broker.connect_attempts must be > 0")
	}
	if c.Broker.ConnectDelay < 0 {
		return fmt.Errorf("broker.connect_delay must be >= 0")
	}
	if c.Broker.Partitions < 0 {
		return fmt.Errorf("broker.partitions must be >= 0")
	}
	if c.History.DaysBack < 0 {
		return fmt.Errorf("history.days_back must be >= 0")
	}
	switch c.Store.Kind {
	case StoreSQLite:
		if c.Store.Path == "" {
			return fmt.Errorf("store.path must be set for sqlite")
		}
	case StorePostgres:
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn must be set for postgres")
		}
	case StoreMemory:
	default:
		return fmt.Errorf("store.kind must be one of sqlite, postgres, memory; got %q", c.Store.Kind)
	}
	if c.Worker.Count <= 0 {
		return fmt.Errorf("worker.count must be > 0")
	}
	if c.Worker.BatchSize <= 0 {
		return fmt.Errorf("worker.batch_size must be > 0")
	}
	if c.Worker.FlushAttempts <= 0 {
		return fmt.Errorf("worker.flush_attempts must be > 0")
	}
	if c.Worker.SummarizeTimeout <= 0 || c.Worker.ShutdownTimeout <= 0 {
		return fmt.Errorf("worker timeouts must be > 0")
	}
	switch c.Fetcher.Kind {
	case FetcherColly, FetcherHeadless, FetcherAuto:
	default:
		return fmt.Errorf("fetcher.kind must be one of colly, headless, auto; got %q", c.Fetcher.Kind)
	}
	if c.Fetcher.Timeout <= 0 {
		return fmt.Errorf("fetcher.timeout must be > 0")
	}
	if c.Summarizer.URL == "" || c.Summarizer.Model == "" {
		return fmt.Errorf("summarizer.url and summarizer.model must be set")
	}
	switch c.Tracing.Exporter {
	case "", telemetry.ExporterNone, telemetry.ExporterStdout, telemetry.ExporterGCP:
	default:
		return fmt.Errorf("tracing.exporter must be one of none, stdout, gcp; got %q", c.Tracing.Exporter)
	}
	return nil
}

// BrokerPartitions is the partition count used when creating a kafka topic.
// It never drops below worker.count so every consumer in the group is assigned
// a partition.
func (c Config) BrokerPartitions() int {
	return max(c.Broker.Partitions, c.Worker.Count, 1)
}

// TracingOptions converts the tracing section into telemetry.Options.
func (c Config) TracingOptions(serviceName string) telemetry.Options {
	project := c.Tracing.ProjectID
	if project == "" {
		project = c.Broker.ProjectID
	}
	return telemetry.Options{
		ServiceName: serviceName,
		Exporter:    c.Tracing.Exporter,
		ProjectID:   project,
	}
}

// ConnectPolicy returns the broker reconnect strategy.
func (c Config) ConnectPolicy() retry.Policy {
	return retry.Fixed(c.Broker.ConnectAttempts, c.Broker.ConnectDelay)
}

// FetchTimeout bounds one whole fetch, including a headless render when the
// fetcher may promote pages.
func (c Config) FetchTimeout() time.Duration {
	if c.Fetcher.Kind == FetcherColly {
		return c.Fetcher.Timeout
	}
	return c.Fetcher.Timeout + c.Fetcher.RenderTimeout
}

// WorkerSettings converts the worker section into worker.Config.
func (c Config) WorkerSettings() worker.Config {
	policy := worker.DropAll
	if c.Worker.RequeueTimeouts {
		policy = worker.RequeueTimeouts
	}
	return worker.Config{
		BatchSize:        c.Worker.BatchSize,
		SkipExisting:     c.Worker.SkipExisting,
		AckAfterFlush:    c.Worker.AckAfterFlush,
		FetchTimeout:     c.FetchTimeout(),
		SummarizeTimeout: c.Worker.SummarizeTimeout,
		ShutdownTimeout:  c.Worker.ShutdownTimeout,
		FlushPolicy:      retry.Fixed(c.Worker.FlushAttempts, c.Worker.FlushDelay),
		FailurePolicy:    policy,
	}
}
