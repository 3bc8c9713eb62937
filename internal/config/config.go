package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// EnvPrefix prefixes every environment override, e.g. CATALOG_STORE_DRIVER.
const EnvPrefix = "CATALOG"

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Redis     RedisConfig     `yaml:"redis" mapstructure:"redis"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Auth      AuthConfig      `yaml:"auth" mapstructure:"auth"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
	Extract   ExtractConfig   `yaml:"extract" mapstructure:"extract"`
	Breaker   BreakerConfig   `yaml:"breaker" mapstructure:"breaker"`
	Retry     RetryConfig     `yaml:"retry" mapstructure:"retry"`
	Router    RouterConfig    `yaml:"router" mapstructure:"router"`
	Normalize NormalizeConfig `yaml:"normalize" mapstructure:"normalize"`
	Job       JobConfig       `yaml:"job" mapstructure:"job"`
	Replay    ReplayConfig    `yaml:"replay" mapstructure:"replay"`
	Anthropic AnthropicConfig `yaml:"anthropic" mapstructure:"anthropic"`
	Rewrite   RewriteConfig   `yaml:"rewrite" mapstructure:"rewrite"`
	Publish   PublishConfig   `yaml:"publish" mapstructure:"publish"`
	Import    ImportConfig    `yaml:"import" mapstructure:"import"`
}

// StoreConfig configures the durable backend: memory, sqlite or postgres.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
	Prepare     bool   `yaml:"prepare" mapstructure:"prepare"`
}

// RedisConfig moves replay and idempotency state to Redis when Addr is set.
type RedisConfig struct {
	Addr      string `yaml:"addr" mapstructure:"addr"`
	Password  string `yaml:"password" mapstructure:"password"`
	DB        int    `yaml:"db" mapstructure:"db"`
	KeyPrefix string `yaml:"key_prefix" mapstructure:"key_prefix"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port            int           `yaml:"port" mapstructure:"port"`
	CORSOrigins     []string      `yaml:"cors_origins" mapstructure:"cors_origins"`
	ReadTimeout     time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
	// PreviewWait bounds how long a preview request waits for its job.
	PreviewWait time.Duration `yaml:"preview_wait" mapstructure:"preview_wait"`
}

// AuthConfig holds bearer token verification settings.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" mapstructure:"jwt_secret"`
	Issuer    string `yaml:"issuer" mapstructure:"issuer"`
	Audience  string `yaml:"audience" mapstructure:"audience"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// ExtractConfig configures the extraction cascade.
type ExtractConfig struct {
	StructuredTimeout time.Duration `yaml:"structured_timeout" mapstructure:"structured_timeout"`
	RenderTimeout     time.Duration `yaml:"render_timeout" mapstructure:"render_timeout"`
	RawTimeout        time.Duration `yaml:"raw_timeout" mapstructure:"raw_timeout"`
	MaxScrolls        int           `yaml:"max_scrolls" mapstructure:"max_scrolls"`
	PageBudget        time.Duration `yaml:"page_budget" mapstructure:"page_budget"`
	RawRPS            float64       `yaml:"raw_rps" mapstructure:"raw_rps"`
	RawBurst          int           `yaml:"raw_burst" mapstructure:"raw_burst"`
	// ProfilesPath replaces the embedded selector profiles.
	ProfilesPath string       `yaml:"profiles_path" mapstructure:"profiles_path"`
	Chrome       ChromeConfig `yaml:"chrome" mapstructure:"chrome"`
}

// ChromeConfig configures the headless browser used for rendering.
type ChromeConfig struct {
	Enabled   bool   `yaml:"enabled" mapstructure:"enabled"`
	RemoteURL string `yaml:"remote_url" mapstructure:"remote_url"`
	NoSandbox bool   `yaml:"no_sandbox" mapstructure:"no_sandbox"`
}

// BreakerConfig configures per (strategy, host) circuit breakers.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	Cooldown         time.Duration `yaml:"cooldown" mapstructure:"cooldown"`
	HalfOpenProbes   int           `yaml:"half_open_probes" mapstructure:"half_open_probes"`
}

// RetryConfig configures retries of transient HTTP failures.
type RetryConfig struct {
	MaxAttempts    int           `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff" mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff" mapstructure:"max_backoff"`
}

// RouterConfig configures the legacy/cascade rollout.
type RouterConfig struct {
	CascadePercent  int      `yaml:"cascade_percent" mapstructure:"cascade_percent"`
	PinnedPlatforms []string `yaml:"pinned_platforms" mapstructure:"pinned_platforms"`
	Window          string   `yaml:"window" mapstructure:"window"`
}

// NormalizeConfig configures the normalizer and the usability gate.
type NormalizeConfig struct {
	MinCompleteness  int    `yaml:"min_completeness" mapstructure:"min_completeness"`
	PlaceholderImage string `yaml:"placeholder_image" mapstructure:"placeholder_image"`
}

// JobConfig configures background job execution.
type JobConfig struct {
	Deadline time.Duration `yaml:"deadline" mapstructure:"deadline"`
}

// ReplayConfig configures request id retention.
type ReplayConfig struct {
	Retention time.Duration `yaml:"retention" mapstructure:"retention"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	BaseURL   string `yaml:"base_url" mapstructure:"base_url"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// RewriteConfig configures description rewriting.
type RewriteConfig struct {
	Enabled        bool          `yaml:"enabled" mapstructure:"enabled"`
	Timeout        time.Duration `yaml:"timeout" mapstructure:"timeout"`
	MaxInputRunes  int           `yaml:"max_input_runes" mapstructure:"max_input_runes"`
	MaxOutputRunes int           `yaml:"max_output_runes" mapstructure:"max_output_runes"`
}

// PublishConfig lists downstream publish channels.
type PublishConfig struct {
	Channels []ChannelConfig `yaml:"channels" mapstructure:"channels"`
}

// ChannelConfig configures one publish channel.
type ChannelConfig struct {
	Name    string        `yaml:"name" mapstructure:"name"`
	Type    string        `yaml:"type" mapstructure:"type"`
	URL     string        `yaml:"url" mapstructure:"url"`
	Secret  string        `yaml:"secret" mapstructure:"secret"`
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout"`
}

// ImportConfig configures the batch import command.
type ImportConfig struct {
	Concurrency int `yaml:"concurrency" mapstructure:"concurrency"`
}

// Load reads configuration from ./config.yaml (optional) and the environment.
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile reads configuration from path, or from ./config.yaml when path
// is empty, and the environment.
func LoadFile(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "file:catalog-import.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 1)
	v.SetDefault("redis.key_prefix", "catalog-import:")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.preview_wait", "90s")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("extract.structured_timeout", "8s")
	v.SetDefault("extract.render_timeout", "25s")
	v.SetDefault("extract.raw_timeout", "12s")
	v.SetDefault("extract.max_scrolls", 6)
	v.SetDefault("extract.page_budget", "15s")
	v.SetDefault("extract.raw_rps", 2.0)
	v.SetDefault("extract.raw_burst", 2)
	v.SetDefault("breaker.failure_threshold", 3)
	v.SetDefault("breaker.cooldown", "5m")
	v.SetDefault("breaker.half_open_probes", 1)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff", "250ms")
	v.SetDefault("retry.max_backoff", "2s")
	v.SetDefault("router.cascade_percent", 0)
	v.SetDefault("router.window", "default")
	v.SetDefault("normalize.min_completeness", 40)
	v.SetDefault("job.deadline", "2m")
	v.SetDefault("replay.retention", "720h")
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 1024)
	v.SetDefault("rewrite.timeout", "20s")
	v.SetDefault("rewrite.max_input_runes", 6000)
	v.SetDefault("rewrite.max_output_runes", 4000)
	v.SetDefault("import.concurrency", 4)
}

// Validate checks the settings a command mode depends on. Modes: serve,
// import, migrate, purge.
func (c *Config) Validate(mode string) error {
	var errs []string
	add := func(format string, args ...any) { errs = append(errs, fmt.Sprintf(format, args...)) }

	switch c.Store.Driver {
	case "memory", "sqlite", "postgres":
	default:
		add("store.driver must be one of memory, sqlite, postgres (got %q)", c.Store.Driver)
	}
	if c.Store.Driver != "memory" && c.Store.DatabaseURL == "" {
		add("store.database_url is required for %s", c.Store.Driver)
	}

	switch mode {
	case "serve", "import":
		if mode == "serve" {
			if c.Server.Port <= 0 || c.Server.Port > 65535 {
				add("server.port must be between 1 and 65535")
			}
			if c.Auth.JWTSecret == "" {
				add("auth.jwt_secret is required")
			}
		}
		if mode == "import" && (c.Import.Concurrency < 1 || c.Import.Concurrency > 64) {
			add("import.concurrency must be between 1 and 64")
		}
		if c.Router.CascadePercent < 0 || c.Router.CascadePercent > 100 {
			add("router.cascade_percent must be between 0 and 100")
		}
		if c.Normalize.MinCompleteness < 0 || c.Normalize.MinCompleteness > 100 {
			add("normalize.min_completeness must be between 0 and 100")
		}
		if c.Rewrite.Enabled && c.Anthropic.Key == "" {
			add("anthropic.key is required when rewrite.enabled")
		}
		seen := make(map[string]bool)
		for _, ch := range c.Publish.Channels {
			if ch.Name == "" {
				add("publish.channels: name is required")
				continue
			}
			if seen[ch.Name] {
				add("publish.channels: duplicate name %s", ch.Name)
			}
			seen[ch.Name] = true
		}
	case "migrate", "purge":
		if c.Store.Driver == "memory" {
			add("%s needs a durable store.driver", mode)
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
