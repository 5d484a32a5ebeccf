package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
)

const (
	DefaultConfigPath      = "config.toml"
	DefaultHost            = "0.0.0.0"
	DefaultPort            = 8080
	DefaultBodyLimit       = "1M"
	DefaultAPIBaseURL      = "https://api.dingtalk.com"
	DefaultOAPIBaseURL     = "https://oapi.dingtalk.com"
	DefaultSpaceName       = "Knowledge"
	DefaultUploadsDir      = "uploads"
	DefaultRedisPrefix     = "knowbot:"
	DefaultMaxConcurrency  = 8
	DefaultMaxFileBytes    = 20 << 20
	DefaultCallTimeout     = 10 * time.Second
	DefaultPipelineTimeout = 2 * time.Minute
	DefaultResponseTimeout = 4 * time.Second
	DefaultDedupeTTL       = 24 * time.Hour
)

type Config struct {
	Log      LogConfig      `toml:"log"`
	Server   ServerConfig   `toml:"server"`
	DingTalk DingTalkConfig `toml:"dingtalk"`
	Pipeline PipelineConfig `toml:"pipeline"`
	Storage  StorageConfig  `toml:"storage"`
	Redis    RedisConfig    `toml:"redis"`
	Stream   StreamConfig   `toml:"stream"`
}

type LogConfig struct {
	Level  string `toml:"level" validate:"oneof=debug info warn error"`
	Format string `toml:"format" validate:"oneof=text json"`
}

type ServerConfig struct {
	Host      string `toml:"host"`
	Port      int    `toml:"port" validate:"min=1,max=65535"`
	BodyLimit string `toml:"body_limit" validate:"required"`
}

// Addr is the listen address in host:port form.
func (c ServerConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

type DingTalkConfig struct {
	AppKey        string `toml:"app_key" validate:"required"`
	AppSecret     string `toml:"app_secret" validate:"required"`
	CallbackToken string `toml:"callback_token"`
	AESKey        string `toml:"aes_key" validate:"omitempty,len=43"`
	CorpID        string `toml:"corp_id"`
	AgentID       string `toml:"agent_id"`
	AssistantID   string `toml:"assistant_id" validate:"required"`
	// DriveSpaceID pins every upload to one space instead of per-member spaces.
	DriveSpaceID string  `toml:"drive_space_id"`
	SpaceName    string  `toml:"space_name"`
	APIBaseURL   string  `toml:"api_base_url" validate:"required,url"`
	OAPIBaseURL  string  `toml:"oapi_base_url" validate:"required,url"`
	QPS          float64 `toml:"qps" validate:"gte=0"`
	Burst        int     `toml:"burst" validate:"gte=0"`
}

// OwnerKey is the receiver id sealed into callback ciphertexts: the corp id
// for internal apps, otherwise the app key.
func (c DingTalkConfig) OwnerKey() string {
	if corp := strings.TrimSpace(c.CorpID); corp != "" {
		return corp
	}
	return strings.TrimSpace(c.AppKey)
}

// CallbackEnabled reports whether encrypted HTTP callbacks can be served.
func (c DingTalkConfig) CallbackEnabled() bool {
	return strings.TrimSpace(c.CallbackToken) != "" && strings.TrimSpace(c.AESKey) != ""
}

type PipelineConfig struct {
	MaxConcurrency  int64         `toml:"max_concurrency" validate:"min=1"`
	MaxFileBytes    int64         `toml:"max_file_bytes" validate:"min=1"`
	CallTimeout     time.Duration `toml:"call_timeout" validate:"gt=0"`
	PipelineTimeout time.Duration `toml:"pipeline_timeout" validate:"gt=0"`
	ResponseTimeout time.Duration `toml:"response_timeout" validate:"gt=0"`
	DedupeTTL       time.Duration `toml:"dedupe_ttl" validate:"gt=0"`
	Retry           RetryConfig   `toml:"retry"`
}

// RetryConfig holds the retry ceiling of every pipeline step.
type RetryConfig struct {
	Identity StepRetry `toml:"identity"`
	Space    StepRetry `toml:"space"`
	Download StepRetry `toml:"download"`
	Upload   StepRetry `toml:"upload"`
	Preview  StepRetry `toml:"preview"`
	Register StepRetry `toml:"register"`
}

type StepRetry struct {
	MaxAttempts    int           `toml:"max_attempts" validate:"min=1,max=20"`
	InitialBackoff time.Duration `toml:"initial_backoff" validate:"gt=0"`
	MaxBackoff     time.Duration `toml:"max_backoff" validate:"gtefield=InitialBackoff"`
	Multiplier     float64       `toml:"multiplier" validate:"gte=1"`
}

type StorageConfig struct {
	UploadsDir string `toml:"uploads_dir"`
	// PublicBaseURL enables the local fallback when drive upload fails.
	PublicBaseURL string `toml:"public_base_url" validate:"omitempty,url"`
}

type RedisConfig struct {
	// Addr enables the shared idempotency store; empty keeps it in memory.
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db" validate:"gte=0"`
	Prefix   string `toml:"prefix"`
}

type StreamConfig struct {
	Enabled      bool          `toml:"enabled"`
	ReconnectMin time.Duration `toml:"reconnect_min"`
	ReconnectMax time.Duration `toml:"reconnect_max"`
	IdleTimeout  time.Duration `toml:"idle_timeout"`
}

// Default returns the configuration used for keys absent from the file.
func Default() Config {
	return Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Host:      DefaultHost,
			Port:      DefaultPort,
			BodyLimit: DefaultBodyLimit,
		},
		DingTalk: DingTalkConfig{
			SpaceName:   DefaultSpaceName,
			APIBaseURL:  DefaultAPIBaseURL,
			OAPIBaseURL: DefaultOAPIBaseURL,
			QPS:         20,
			Burst:       20,
		},
		Pipeline: PipelineConfig{
			MaxConcurrency:  DefaultMaxConcurrency,
			MaxFileBytes:    DefaultMaxFileBytes,
			CallTimeout:     DefaultCallTimeout,
			PipelineTimeout: DefaultPipelineTimeout,
			ResponseTimeout: DefaultResponseTimeout,
			DedupeTTL:       DefaultDedupeTTL,
			Retry: RetryConfig{
				Identity: StepRetry{MaxAttempts: 3, InitialBackoff: 500 * time.Millisecond, MaxBackoff: 4 * time.Second, Multiplier: 2},
				Space:    StepRetry{MaxAttempts: 3, InitialBackoff: 500 * time.Millisecond, MaxBackoff: 4 * time.Second, Multiplier: 2},
				Download: StepRetry{MaxAttempts: 3, InitialBackoff: time.Second, MaxBackoff: 5 * time.Second, Multiplier: 2},
				Upload:   StepRetry{MaxAttempts: 2, InitialBackoff: time.Second, MaxBackoff: 5 * time.Second, Multiplier: 2},
				Preview:  StepRetry{MaxAttempts: 4, InitialBackoff: time.Second, MaxBackoff: 3 * time.Second, Multiplier: 1.5},
				Register: StepRetry{MaxAttempts: 3, InitialBackoff: time.Second, MaxBackoff: 8 * time.Second, Multiplier: 2},
			},
		},
		Storage: StorageConfig{
			UploadsDir: DefaultUploadsDir,
		},
		Redis: RedisConfig{
			Prefix: DefaultRedisPrefix,
		},
		Stream: StreamConfig{
			ReconnectMin: time.Second,
			ReconnectMax: time.Minute,
			IdleTimeout:  2 * time.Minute,
		},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. A missing file is not an error.
func Load(path string) (Config, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()

	if path == "" {
		path = DefaultConfigPath
	}

	if _, err := os.Stat(path); err != nil {
		if !os.IsNotExist(err) {
			return cfg, err
		}
	} else if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("decode %s: %w", path, err)
	}

	if err := applyEnv(&cfg, lookup); err != nil {
		return cfg, err
	}
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

var envStrings = []struct {
	name   string
	target func(*Config) *string
}{
	{"DINGTALK_APP_KEY", func(c *Config) *string { return &c.DingTalk.AppKey }},
	{"DINGTALK_APP_SECRET", func(c *Config) *string { return &c.DingTalk.AppSecret }},
	{"DINGTALK_CALLBACK_TOKEN", func(c *Config) *string { return &c.DingTalk.CallbackToken }},
	{"DINGTALK_AES_KEY", func(c *Config) *string { return &c.DingTalk.AESKey }},
	{"DINGTALK_CORP_ID", func(c *Config) *string { return &c.DingTalk.CorpID }},
	{"ASSISTANT_ID", func(c *Config) *string { return &c.DingTalk.AssistantID }},
	{"AGENT_ID", func(c *Config) *string { return &c.DingTalk.AgentID }},
	{"DRIVE_SPACE_ID", func(c *Config) *string { return &c.DingTalk.DriveSpaceID }},
	{"PUBLIC_BASE_URL", func(c *Config) *string { return &c.Storage.PublicBaseURL }},
	{"HOST", func(c *Config) *string { return &c.Server.Host }},
	{"REDIS_ADDR", func(c *Config) *string { return &c.Redis.Addr }},
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	for _, env := range envStrings {
		if value, ok := lookup(env.name); ok && strings.TrimSpace(value) != "" {
			*env.target(cfg) = strings.TrimSpace(value)
		}
	}
	if value, ok := lookup("PORT"); ok && strings.TrimSpace(value) != "" {
		port, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return fmt.Errorf("invalid PORT %q: %w", value, err)
		}
		cfg.Server.Port = port
	}
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and cross-field requirements.
func Validate(cfg Config) error {
	if err := validate.Struct(cfg); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			msgs := make([]string, 0, len(fieldErrs))
			for _, fe := range fieldErrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if !cfg.Stream.Enabled && !cfg.DingTalk.CallbackEnabled() {
		return errors.New("invalid config: callback_token and aes_key are required unless stream mode is enabled")
	}
	if cfg.Stream.Enabled && cfg.Stream.ReconnectMax < cfg.Stream.ReconnectMin {
		return errors.New("invalid config: stream.reconnect_max must not be below stream.reconnect_min")
	}
	return nil
}
