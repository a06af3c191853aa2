// Package config loads process settings from an optional config file and
// CONVSIM_* environment variables over built-in defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const EnvPrefix = "CONVSIM"

type Config struct {
	HTTP      HTTPConfig
	Log       LogConfig
	Cache     CacheConfig
	Redis     RedisConfig
	NATS      NATSConfig
	Store     StoreConfig
	Lock      LockConfig
	Scheduler SchedulerConfig
	Responder ResponderConfig
	Platform  ClientConfig
	Flows     FlowsConfig
	OpenAI    OpenAIConfig
	Anthropic AnthropicConfig
	Archive   ArchiveConfig
	MinIO     MinIOConfig
	Policy    PolicyConfig
	Tracing   TracingConfig
}

type HTTPConfig struct {
	Addr            string
	ShutdownTimeout time.Duration
	// Task admissions allowed per minute. Zero disables the limit.
	AdmitRateLimitPerMin       int
	AdmitGlobalRateLimitPerMin int
}

type LogConfig struct {
	Level  string
	Format string
}

type CacheConfig struct {
	Backend    string // memory|redis|nats
	ScanBudget time.Duration
	EntityTTL  time.Duration
}

type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	Timeout   time.Duration
}

type NATSConfig struct {
	URL    string
	Bucket string
}

type StoreConfig struct {
	Backend string // memory|sqlite|postgres
	DSN     string
}

type LockConfig struct {
	Attempts   int
	RetryDelay time.Duration
	TTL        time.Duration
	CounterTTL time.Duration
}

type SchedulerConfig struct {
	MaxAccountTasks       int
	MaxConversationsLimit int
	MaxQueuing            int
	MaxTurns              int
	MinWarmUpDelay        time.Duration
	MaxWarmUpDelay        time.Duration
	CreationDelay         time.Duration
	PumpInterval          time.Duration
}

type ResponderConfig struct {
	Interval          time.Duration
	Jitter            float64
	MaxConcurrency    int
	PostSurveyTimeout time.Duration
	MaxStrikes        int
	BackoffBase       time.Duration
	BackoffMax        time.Duration
}

type ClientConfig struct {
	BaseURL  string
	Timeout  time.Duration
	Attempts int
}

type FlowsConfig struct {
	Backend string // http|openai|anthropic
	// RoutingFile maps flows and stages to models for the LLM backends.
	RoutingFile string
	ClientConfig
}

type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

type AnthropicConfig struct {
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int64
}

type ArchiveConfig struct {
	Backend string // none|local|minio
	Root    string
}

type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type PolicyConfig struct {
	File string
	// Watch reloads File when it changes.
	Watch bool
}

type TracingConfig struct {
	Exporter    string
	Endpoint    string
	Headers     string
	Insecure    bool
	Sampler     string
	SamplerRate float64
	Environment string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.shutdown_timeout", "15s")
	v.SetDefault("http.admit_rate_limit_per_min", 0)
	v.SetDefault("http.admit_global_rate_limit_per_min", 0)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.scan_budget", "1s")
	v.SetDefault("cache.entity_ttl", "24h")
	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "convsim:")
	v.SetDefault("redis.timeout", "3s")
	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("nats.bucket", "convsim")

	v.SetDefault("store.backend", "memory")
	v.SetDefault("store.dsn", "")

	v.SetDefault("lock.attempts", 10)
	v.SetDefault("lock.retry_delay", "50ms")
	v.SetDefault("lock.ttl", "1s")
	v.SetDefault("counter.ttl", "6h")

	v.SetDefault("max_account_tasks", 5)
	v.SetDefault("max_conversations_limit", 500)
	v.SetDefault("max_queuing", 10)
	v.SetDefault("conversation.max_turns", 20)
	v.SetDefault("min_warm_up_delay", "2s")
	v.SetDefault("max_warm_up_delay", "5s")
	v.SetDefault("batch.creation_delay", "100ms")
	v.SetDefault("scheduler.pump_interval", "5s")

	v.SetDefault("message_responder_interval_ms", 1000)
	v.SetDefault("responder.jitter", 0.2)
	v.SetDefault("max_conversation_concurrency", 10)
	v.SetDefault("responder.post_survey_timeout", "2m")
	v.SetDefault("responder.max_strikes", 3)
	v.SetDefault("responder.backoff_base", "1s")
	v.SetDefault("responder.backoff_max", "30s")

	v.SetDefault("platform.base_url", "http://127.0.0.1:9090")
	v.SetDefault("platform.timeout", "10s")
	v.SetDefault("platform.attempts", 3)
	v.SetDefault("flows.backend", "http")
	v.SetDefault("flows.base_url", "http://127.0.0.1:9091")
	v.SetDefault("flows.timeout", "60s")
	v.SetDefault("flows.attempts", 3)
	v.SetDefault("flows.routing_file", "")
	v.SetDefault("openai.api_key", "")
	v.SetDefault("openai.base_url", "")
	v.SetDefault("openai.model", "gpt-4o-mini")
	v.SetDefault("anthropic.api_key", "")
	v.SetDefault("anthropic.base_url", "")
	v.SetDefault("anthropic.model", "")
	v.SetDefault("anthropic.max_tokens", 1024)

	v.SetDefault("archive.backend", "none")
	v.SetDefault("archive.root", "/tmp/convsim-transcripts")
	v.SetDefault("minio.endpoint", "")
	v.SetDefault("minio.access_key", "")
	v.SetDefault("minio.secret_key", "")
	v.SetDefault("minio.bucket", "convsim-transcripts")
	v.SetDefault("minio.use_ssl", false)

	v.SetDefault("policy.file", "")
	v.SetDefault("policy.watch", true)

	v.SetDefault("otel.exporter", "none")
	v.SetDefault("otel.endpoint", "")
	v.SetDefault("otel.headers", "")
	v.SetDefault("otel.insecure", false)
	v.SetDefault("otel.sampler", "parentbased_always_on")
	v.SetDefault("otel.sampler_rate", 1.0)
	v.SetDefault("otel.environment", "dev")
}

// New returns a viper instance with defaults and environment binding. Keys
// map to variables by upper-casing and replacing dots, so "redis.addr" is
// read from CONVSIM_REDIS_ADDR.
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads path when given, then applies the environment. A missing path
// is an error; no path means defaults and environment only.
func Load(path string) (Config, error) {
	v := New()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}
	return FromViper(v)
}

func FromViper(v *viper.Viper) (Config, error) {
	cfg := Config{
		HTTP: HTTPConfig{
			Addr:            v.GetString("http.addr"),
			ShutdownTimeout: v.GetDuration("http.shutdown_timeout"),

			AdmitRateLimitPerMin:       v.GetInt("http.admit_rate_limit_per_min"),
			AdmitGlobalRateLimitPerMin: v.GetInt("http.admit_global_rate_limit_per_min"),
		},
		Log: LogConfig{Level: v.GetString("log.level"), Format: v.GetString("log.format")},
		Cache: CacheConfig{
			Backend:    strings.ToLower(v.GetString("cache.backend")),
			ScanBudget: v.GetDuration("cache.scan_budget"),
			EntityTTL:  v.GetDuration("cache.entity_ttl"),
		},
		Redis: RedisConfig{
			Addr:      v.GetString("redis.addr"),
			Password:  v.GetString("redis.password"),
			DB:        v.GetInt("redis.db"),
			KeyPrefix: v.GetString("redis.key_prefix"),
			Timeout:   v.GetDuration("redis.timeout"),
		},
		NATS:  NATSConfig{URL: v.GetString("nats.url"), Bucket: v.GetString("nats.bucket")},
		Store: StoreConfig{Backend: strings.ToLower(v.GetString("store.backend")), DSN: v.GetString("store.dsn")},
		Lock: LockConfig{
			Attempts:   v.GetInt("lock.attempts"),
			RetryDelay: v.GetDuration("lock.retry_delay"),
			TTL:        v.GetDuration("lock.ttl"),
			CounterTTL: v.GetDuration("counter.ttl"),
		},
		Scheduler: SchedulerConfig{
			MaxAccountTasks:       v.GetInt("max_account_tasks"),
			MaxConversationsLimit: v.GetInt("max_conversations_limit"),
			MaxQueuing:            v.GetInt("max_queuing"),
			MaxTurns:              v.GetInt("conversation.max_turns"),
			MinWarmUpDelay:        v.GetDuration("min_warm_up_delay"),
			MaxWarmUpDelay:        v.GetDuration("max_warm_up_delay"),
			CreationDelay:         v.GetDuration("batch.creation_delay"),
			PumpInterval:          v.GetDuration("scheduler.pump_interval"),
		},
		Responder: ResponderConfig{
			Interval:          time.Duration(v.GetInt("message_responder_interval_ms")) * time.Millisecond,
			Jitter:            v.GetFloat64("responder.jitter"),
			MaxConcurrency:    v.GetInt("max_conversation_concurrency"),
			PostSurveyTimeout: v.GetDuration("responder.post_survey_timeout"),
			MaxStrikes:        v.GetInt("responder.max_strikes"),
			BackoffBase:       v.GetDuration("responder.backoff_base"),
			BackoffMax:        v.GetDuration("responder.backoff_max"),
		},
		Platform: ClientConfig{
			BaseURL:  v.GetString("platform.base_url"),
			Timeout:  v.GetDuration("platform.timeout"),
			Attempts: v.GetInt("platform.attempts"),
		},
		Flows: FlowsConfig{
			Backend:     strings.ToLower(v.GetString("flows.backend")),
			RoutingFile: v.GetString("flows.routing_file"),
			ClientConfig: ClientConfig{
				BaseURL:  v.GetString("flows.base_url"),
				Timeout:  v.GetDuration("flows.timeout"),
				Attempts: v.GetInt("flows.attempts"),
			},
		},
		OpenAI: OpenAIConfig{
			APIKey:  v.GetString("openai.api_key"),
			BaseURL: v.GetString("openai.base_url"),
			Model:   v.GetString("openai.model"),
		},
		Anthropic: AnthropicConfig{
			APIKey:    v.GetString("anthropic.api_key"),
			BaseURL:   v.GetString("anthropic.base_url"),
			Model:     v.GetString("anthropic.model"),
			MaxTokens: v.GetInt64("anthropic.max_tokens"),
		},
		Archive: ArchiveConfig{Backend: strings.ToLower(v.GetString("archive.backend")), Root: v.GetString("archive.root")},
		MinIO: MinIOConfig{
			Endpoint:  v.GetString("minio.endpoint"),
			AccessKey: v.GetString("minio.access_key"),
			SecretKey: v.GetString("minio.secret_key"),
			Bucket:    v.GetString("minio.bucket"),
			UseSSL:    v.GetBool("minio.use_ssl"),
		},
		Policy: PolicyConfig{File: v.GetString("policy.file"), Watch: v.GetBool("policy.watch")},
		Tracing: TracingConfig{
			Exporter:    v.GetString("otel.exporter"),
			Endpoint:    v.GetString("otel.endpoint"),
			Headers:     v.GetString("otel.headers"),
			Insecure:    v.GetBool("otel.insecure"),
			Sampler:     v.GetString("otel.sampler"),
			SamplerRate: v.GetFloat64("otel.sampler_rate"),
			Environment: v.GetString("otel.environment"),
		},
	}
	return cfg, cfg.Validate()
}

var ErrInvalid = errors.New("config: invalid")

func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
		}
	}
	check(oneOf(c.Cache.Backend, "memory", "redis", "nats"), "cache.backend %q", c.Cache.Backend)
	check(oneOf(c.Store.Backend, "memory", "sqlite", "postgres"), "store.backend %q", c.Store.Backend)
	check(c.Store.Backend == "memory" || c.Store.DSN != "", "store.dsn required for %s", c.Store.Backend)
	check(oneOf(c.Flows.Backend, "http", "openai", "anthropic"), "flows.backend %q", c.Flows.Backend)
	check(c.Flows.Backend != "openai" || c.OpenAI.APIKey != "", "openai.api_key required for flows.backend=openai")
	check(c.Flows.Backend != "anthropic" || c.Anthropic.APIKey != "", "anthropic.api_key required for flows.backend=anthropic")
	check(oneOf(c.Archive.Backend, "none", "local", "minio"), "archive.backend %q", c.Archive.Backend)
	check(c.Archive.Backend != "minio" || c.MinIO.Endpoint != "", "minio.endpoint required for archive.backend=minio")
	check(c.Scheduler.MinWarmUpDelay <= c.Scheduler.MaxWarmUpDelay, "min_warm_up_delay %s exceeds max_warm_up_delay %s", c.Scheduler.MinWarmUpDelay, c.Scheduler.MaxWarmUpDelay)
	check(c.Responder.Interval > 0, "message_responder_interval_ms must be positive")
	return errors.Join(errs...)
}

func oneOf(v string, allowed ...string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}
