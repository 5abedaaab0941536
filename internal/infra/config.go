package infra

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config — корневая структура конфигурации SDK и утилит.
type Config struct {
	SDK      Options        `mapstructure:"sdk"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Logger   LoggerConfig   `mapstructure:"logger"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Fallback FallbackConfig `mapstructure:"fallback"`
}

// Options описывает поведение клиента: адреса, таймауты, логирование событий.
type Options struct {
	SDKKey string `mapstructure:"sdk_key"`

	APIHost         string `mapstructure:"api_host"`
	EventHost       string `mapstructure:"event_host"`
	InitializeURL   string `mapstructure:"initialize_url"`    // Явный override, отключает fallback
	EventLoggingURL string `mapstructure:"event_logging_url"` // Явный override, отключает fallback

	InitTimeout         time.Duration `mapstructure:"init_timeout"`
	RequestTimeout      time.Duration `mapstructure:"request_timeout"`
	EventLoggingEnabled bool          `mapstructure:"event_logging_enabled"`
	DisableCompression  bool          `mapstructure:"disable_compression"`
	DisableHashing      bool          `mapstructure:"disable_hashing"`

	FlushInterval time.Duration `mapstructure:"flush_interval"`
	MaxQueueSize  int           `mapstructure:"max_queue_size"`

	// Лимит байт на сохраненные неотправленные батчи.
	// Профиль "constrained" соответствует слабым устройствам (100KB).
	FailedLogProfile  string `mapstructure:"failed_log_profile"`
	MaxFailedLogBytes int    `mapstructure:"max_failed_log_bytes"`

	OverrideStableID string `mapstructure:"override_stable_id"`
}

// FallbackConfig настраивает поиск запасных доменов через DNS-over-HTTPS.
type FallbackConfig struct {
	Domain      string        `mapstructure:"domain"`
	DoHEndpoint string        `mapstructure:"doh_endpoint"`
	TTL         time.Duration `mapstructure:"ttl"`
	Cooldown    time.Duration `mapstructure:"cooldown"`
}

// StorageConfig выбирает backend для персистентного KV-хранилища.
type StorageConfig struct {
	Backend  string `mapstructure:"backend"` // memory, file, redis, postgres
	FilePath string `mapstructure:"file_path"`

	RedisURL    string `mapstructure:"redis_url"`
	DatabaseURL string `mapstructure:"database_url"`
	MaxConns    int32  `mapstructure:"max_conns"`
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

// MetricsConfig — адрес, на котором CLI отдает /metrics.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

const (
	FailedLogProfileDefault     = "default"
	FailedLogProfileConstrained = "constrained"

	DefaultMaxFailedLogBytes     = 1_000_000
	ConstrainedMaxFailedLogBytes = 100_000
)

var ErrMissingSDKKey = errors.New("sdk key is required")

// LoadConfig инициализирует конфигурацию, объединяя значения из файла и ENV.
// configPath может быть пустым — тогда ищем flagkit.yaml в ./ и ./configs.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("flagkit")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}

	// FLAGKIT_SDK_SDK_KEY перекроет sdk.sdk_key
	v.SetEnvPrefix("flagkit")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Если файла нет — работаем на ENV и дефолтах
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	cfg.SDK = cfg.SDK.WithDefaults()
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := DefaultOptions()
	v.SetDefault("sdk.api_host", d.APIHost)
	v.SetDefault("sdk.event_host", d.EventHost)
	v.SetDefault("sdk.init_timeout", d.InitTimeout)
	v.SetDefault("sdk.request_timeout", d.RequestTimeout)
	v.SetDefault("sdk.event_logging_enabled", d.EventLoggingEnabled)
	v.SetDefault("sdk.flush_interval", d.FlushInterval)
	v.SetDefault("sdk.max_queue_size", d.MaxQueueSize)
	v.SetDefault("sdk.failed_log_profile", d.FailedLogProfile)

	f := DefaultFallbackConfig()
	v.SetDefault("fallback.domain", f.Domain)
	v.SetDefault("fallback.doh_endpoint", f.DoHEndpoint)
	v.SetDefault("fallback.ttl", f.TTL)
	v.SetDefault("fallback.cooldown", f.Cooldown)

	v.SetDefault("storage.backend", "file")
	v.SetDefault("storage.file_path", "flagkit-cache.json")
	v.SetDefault("storage.max_conns", 4)
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
	v.SetDefault("metrics.addr", ":9090")
}

// DefaultOptions — значения по умолчанию для программной сборки клиента.
func DefaultOptions() Options {
	return Options{
		APIHost:             "https://api.flagkit.dev",
		EventHost:           "https://events.flagkit.dev",
		InitTimeout:         3 * time.Second,
		RequestTimeout:      10 * time.Second,
		EventLoggingEnabled: true,
		FlushInterval:       60 * time.Second,
		MaxQueueSize:        50,
		FailedLogProfile:    FailedLogProfileDefault,
	}
}

func DefaultFallbackConfig() FallbackConfig {
	return FallbackConfig{
		Domain:      "flagkit-assets.org",
		DoHEndpoint: "https://cloudflare-dns.com/dns-query",
		TTL:         7 * 24 * time.Hour,
		Cooldown:    4 * time.Hour,
	}
}

// WithDefaults заполняет нулевые поля. EventLoggingEnabled не трогаем:
// false — осознанное административное отключение.
func (o Options) WithDefaults() Options {
	d := DefaultOptions()
	if o.APIHost == "" {
		o.APIHost = d.APIHost
	}
	if o.EventHost == "" {
		o.EventHost = d.EventHost
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = d.RequestTimeout
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = d.FlushInterval
	}
	if o.MaxQueueSize <= 0 {
		o.MaxQueueSize = d.MaxQueueSize
	}
	if o.FailedLogProfile == "" {
		o.FailedLogProfile = d.FailedLogProfile
	}
	if o.MaxFailedLogBytes <= 0 {
		o.MaxFailedLogBytes = DefaultMaxFailedLogBytes
		if o.FailedLogProfile == FailedLogProfileConstrained {
			o.MaxFailedLogBytes = ConstrainedMaxFailedLogBytes
		}
	}
	return o
}

// Validate проверяет обязательные поля перед сборкой сессии.
func (o Options) Validate() error {
	if strings.TrimSpace(o.SDKKey) == "" {
		return ErrMissingSDKKey
	}
	return nil
}

// WithDefaults для FallbackConfig.
func (f FallbackConfig) WithDefaults() FallbackConfig {
	d := DefaultFallbackConfig()
	if f.Domain == "" {
		f.Domain = d.Domain
	}
	if f.DoHEndpoint == "" {
		f.DoHEndpoint = d.DoHEndpoint
	}
	if f.TTL <= 0 {
		f.TTL = d.TTL
	}
	if f.Cooldown <= 0 {
		f.Cooldown = d.Cooldown
	}
	return f
}
