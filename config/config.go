package config

import (
	"log/slog"
	"net"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/spf13/viper"
)

const (
	EnvDev     = "dev"
	EnvStaging = "staging"
	EnvProd    = "prod"
)

const (
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
)

type ServerConfig struct {
	Address     string `mapstructure:"address"`
	Environment string `mapstructure:"environment"`
}

// ProxyConfig tunes the connection engine. Byte sizes are per connection,
// watermarks bound the outbound buffer before reads are paused.
type ProxyConfig struct {
	ReadChunkBytes int    `mapstructure:"read_chunk_bytes"`
	MaxHeaderBytes int    `mapstructure:"max_header_bytes"`
	HighWaterBytes int    `mapstructure:"high_water_bytes"`
	LowWaterBytes  int    `mapstructure:"low_water_bytes"`
	MaxConnections int    `mapstructure:"max_connections"`
	Backlog        int    `mapstructure:"backlog"`
	IdleTimeout    string `mapstructure:"idle_timeout"`
	RequestTimeout string `mapstructure:"request_timeout"`
}

type StrategyConfig struct {
	Type string `mapstructure:"type"`
}

type BackendConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
	Buffer  int    `mapstructure:"buffer"`
}

type Config struct {
	Server   ServerConfig    `mapstructure:"server"`
	Proxy    ProxyConfig     `mapstructure:"proxy"`
	Strategy StrategyConfig  `mapstructure:"strategy"`
	Backends []BackendConfig `mapstructure:"backends"`
	Logging  LoggingConfig   `mapstructure:"logging"`
	Metrics  MetricsConfig   `mapstructure:"metrics"`
}

func Load() (*Config, error) {
	viper.SetDefault("server.environment", EnvDev)
	viper.SetDefault("server.address", "127.0.0.1:9000")
	viper.SetDefault("proxy.read_chunk_bytes", 4096)
	viper.SetDefault("proxy.max_header_bytes", 8192)
	viper.SetDefault("proxy.high_water_bytes", 256*1024)
	viper.SetDefault("proxy.low_water_bytes", 64*1024)
	viper.SetDefault("proxy.max_connections", 1024)
	viper.SetDefault("proxy.backlog", 150)
	viper.SetDefault("proxy.idle_timeout", "60s")
	viper.SetDefault("proxy.request_timeout", "30s")
	viper.SetDefault("strategy.type", "round-robin")
	viper.SetDefault("logging.level", LogLevelInfo)
	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.address", "127.0.0.1:9100")
	viper.SetDefault("metrics.buffer", 1024)

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./config")
	viper.AddConfigPath(".")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Error("failed to read config file", slog.String("error", err.Error()))
			return nil, err
		}
		slog.Error("config file not found, using defaults and environment variables")
	} else {
		slog.Info("loaded config file", slog.String("file", viper.ConfigFileUsed()))
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		slog.Error("failed to unmarshal config", slog.String("error", err.Error()))
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.String("error", err.Error()))
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Server,
			validation.Required,
			validation.By(func(value interface{}) error {
				sc, ok := value.(ServerConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a ServerConfig")
				}
				return validation.ValidateStruct(&sc,
					validation.Field(&sc.Environment,
						validation.Required,
						validation.In(EnvDev, EnvStaging, EnvProd),
					),
					validation.Field(&sc.Address,
						validation.Required,
						validation.By(validateHostPort),
					),
				)
			}),
		),
		validation.Field(&c.Proxy,
			validation.Required,
			validation.By(validateProxyConfig),
		),
		validation.Field(&c.Logging,
			validation.Required,
			validation.By(func(value interface{}) error {
				lc, ok := value.(LoggingConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a LoggingConfig")
				}
				return validation.ValidateStruct(&lc,
					validation.Field(&lc.Level,
						validation.Required,
						validation.In(LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError),
					),
				)
			}),
		),
		validation.Field(&c.Backends,
			validation.Required,
			validation.Length(1, 0),
			validation.Each(validation.By(validateBackendConfig)),
		),
		validation.Field(&c.Strategy,
			validation.Required,
			validation.By(func(value interface{}) error {
				sc, ok := value.(StrategyConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a StrategyConfig")
				}
				return validation.ValidateStruct(&sc,
					validation.Field(&sc.Type,
						validation.Required,
						validation.In("round-robin", "random"),
					),
				)
			}),
		),
		validation.Field(&c.Metrics,
			validation.By(validateMetricsConfig),
		),
	)
}

func validateProxyConfig(value interface{}) error {
	pc, ok := value.(ProxyConfig)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a ProxyConfig")
	}
	if err := validation.ValidateStruct(&pc,
		validation.Field(&pc.ReadChunkBytes, validation.Required, validation.Min(1)),
		validation.Field(&pc.MaxHeaderBytes, validation.Required, validation.Min(1)),
		validation.Field(&pc.HighWaterBytes, validation.Required, validation.Min(1)),
		validation.Field(&pc.LowWaterBytes, validation.Required, validation.Min(1)),
		validation.Field(&pc.MaxConnections, validation.Required, validation.Min(1)),
		validation.Field(&pc.Backlog, validation.Required, validation.Min(1)),
		validation.Field(&pc.IdleTimeout, validation.Required, validation.By(validateDuration)),
		validation.Field(&pc.RequestTimeout, validation.Required, validation.By(validateDuration)),
	); err != nil {
		return err
	}

	if pc.LowWaterBytes >= pc.HighWaterBytes {
		return validation.NewError("validation_invalid_watermarks", "low_water_bytes must be below high_water_bytes")
	}

	return nil
}

func validateMetricsConfig(value interface{}) error {
	mc, ok := value.(MetricsConfig)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a MetricsConfig")
	}
	if !mc.Enabled {
		return nil
	}
	return validation.ValidateStruct(&mc,
		validation.Field(&mc.Address, validation.Required, validation.By(validateHostPort)),
		validation.Field(&mc.Buffer, validation.Required, validation.Min(1)),
	)
}

func validateHostPort(value interface{}) error {
	addr, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return validation.NewError("validation_invalid_hostport", "must be in host:port format")
	}

	if port == "" {
		return validation.NewError("validation_invalid_port", "port cannot be empty")
	}

	if host != "" {
		if err := is.Host.Validate(host); err != nil {
			return validation.NewError("validation_invalid_host", "invalid host")
		}
	}

	return nil
}

func validateDuration(value interface{}) error {
	durationStr, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}

	if _, err := time.ParseDuration(durationStr); err != nil {
		return validation.NewError("validation_invalid_duration", "must be a valid duration (e.g., 2s, 5m, 1h)")
	}

	return nil
}

func validateBackendConfig(value interface{}) error {
	backend, ok := value.(BackendConfig)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a BackendConfig")
	}

	if backend.Host == "" {
		return validation.NewError("validation_empty_host", "backend host cannot be empty")
	}

	if err := is.Host.Validate(backend.Host); err != nil {
		return validation.NewError("validation_invalid_host", "invalid backend host")
	}

	if backend.Port < 1 || backend.Port > 65535 {
		return validation.NewError("validation_invalid_port", "backend port must be between 1 and 65535")
	}

	return nil
}
