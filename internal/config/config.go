package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Registry   RegistryConfig   `yaml:"registry" mapstructure:"registry"`
	Export     ExportConfig     `yaml:"export" mapstructure:"export"`
	Ingest     IngestConfig     `yaml:"ingest" mapstructure:"ingest"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string     `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string     `yaml:"database_url" mapstructure:"database_url"`
	Pool        PoolConfig `yaml:"pool" mapstructure:"pool"`
}

// PoolConfig sizes the postgres connection pool.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// ServerConfig configures the API server.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
	IngestRPS   float64  `yaml:"ingest_rps" mapstructure:"ingest_rps"`
	IngestBurst int      `yaml:"ingest_burst" mapstructure:"ingest_burst"`
}

// RegistryConfig configures the metric catalog.
type RegistryConfig struct {
	CatalogPath string `yaml:"catalog_path" mapstructure:"catalog_path"`
}

// ExportConfig configures the export job pool.
type ExportConfig struct {
	Workers          int    `yaml:"workers" mapstructure:"workers"`
	TimeoutSecs      int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	ReapIntervalSecs int    `yaml:"reap_interval_secs" mapstructure:"reap_interval_secs"`
	Currency         string `yaml:"currency" mapstructure:"currency"`
}

// IngestConfig configures remote fact-batch fetching.
type IngestConfig struct {
	HTTPTimeoutSecs int `yaml:"http_timeout_secs" mapstructure:"http_timeout_secs"`
	Retries         int `yaml:"retries" mapstructure:"retries"`
}

// MonitoringConfig configures the operational checker and alerting.
type MonitoringConfig struct {
	LookbackHours        int     `yaml:"lookback_hours" mapstructure:"lookback_hours"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("FINHUB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "finhub.db")
	v.SetDefault("store.pool.max_conns", 10)
	v.SetDefault("store.pool.min_conns", 2)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.ingest_rps", 5)
	v.SetDefault("server.ingest_burst", 10)
	v.SetDefault("registry.catalog_path", "")
	v.SetDefault("export.workers", 2)
	v.SetDefault("export.timeout_secs", 120)
	v.SetDefault("export.reap_interval_secs", 15)
	v.SetDefault("export.currency", "EUR")
	v.SetDefault("ingest.http_timeout_secs", 30)
	v.SetDefault("ingest.retries", 3)
	v.SetDefault("monitoring.lookback_hours", 24)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.failure_rate_threshold", 0.25)
	v.SetDefault("monitoring.webhook_url", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings a command mode depends on.
func (c *Config) Validate(mode string) error {
	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		return eris.Errorf("config: unsupported store driver %q", c.Store.Driver)
	}
	if c.Store.Driver == "postgres" && c.Store.DatabaseURL == "" {
		return eris.New("config: postgres driver requires store.database_url")
	}

	switch mode {
	case "serve":
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			return eris.Errorf("config: invalid server port %d", c.Server.Port)
		}
		if c.Export.Workers < 1 {
			return eris.Errorf("config: export.workers must be at least 1, got %d", c.Export.Workers)
		}
		if c.Export.TimeoutSecs < 1 {
			return eris.Errorf("config: export.timeout_secs must be at least 1, got %d", c.Export.TimeoutSecs)
		}
	case "ingest":
		if c.Ingest.HTTPTimeoutSecs < 1 {
			return eris.Errorf("config: ingest.http_timeout_secs must be at least 1, got %d", c.Ingest.HTTPTimeoutSecs)
		}
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
