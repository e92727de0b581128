package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/liamcoop/detect/internal/logger"
)

// EnvPrefix is prepended to every environment override, e.g. DETECT_SERVER_PORT
const EnvPrefix = "DETECT"

// Config holds all configuration for the detect binaries
type Config struct {
	Server struct {
		Port           int           `mapstructure:"port" validate:"min=1,max=65535"`
		RequestTimeout time.Duration `mapstructure:"request_timeout" validate:"gte=0"`
		RateLimit      struct {
			RPS   float64 `mapstructure:"rps" validate:"gte=0"` // 0 disables the limiter
			Burst int     `mapstructure:"burst" validate:"gte=0"`
		} `mapstructure:"rate_limit"`
	} `mapstructure:"server"`

	Database struct {
		URL     string `mapstructure:"url"`
		Migrate bool   `mapstructure:"migrate"` // apply migrations on server start
	} `mapstructure:"database"`

	Rules struct {
		AllowedRoots []string      `mapstructure:"allowed_roots" validate:"dive,required"`
		Builtin      bool          `mapstructure:"builtin"`
		Workers      int           `mapstructure:"workers" validate:"gte=0"` // 0 means GOMAXPROCS
		RegexTimeout time.Duration `mapstructure:"regex_timeout" validate:"gt=0"`
	} `mapstructure:"rules"`

	Cache struct {
		Kind string        `mapstructure:"kind" validate:"oneof=memory lru"`
		TTL  time.Duration `mapstructure:"ttl" validate:"gte=0"`
		Size int           `mapstructure:"size" validate:"gte=0"`
	} `mapstructure:"cache"`

	Log struct {
		Level string `mapstructure:"level" validate:"loglevel"`
	} `mapstructure:"log"`
}

// SetDefaults registers every key with its default value. Keys must be known
// to viper for environment overrides to reach Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", 30*time.Second)
	v.SetDefault("server.rate_limit.rps", 100.0)
	v.SetDefault("server.rate_limit.burst", 200)

	v.SetDefault("database.url", "")
	v.SetDefault("database.migrate", false)

	v.SetDefault("rules.allowed_roots", []string{})
	v.SetDefault("rules.builtin", false)
	v.SetDefault("rules.workers", 0)
	v.SetDefault("rules.regex_timeout", 100*time.Millisecond)

	v.SetDefault("cache.kind", "memory")
	v.SetDefault("cache.ttl", time.Duration(0))
	v.SetDefault("cache.size", 64)

	v.SetDefault("log.level", "INFO")
}

func bindEnv(v *viper.Viper) error {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// the unprefixed names predate the prefix and stay supported
	if err := v.BindEnv("database.url", EnvPrefix+"_DATABASE_URL", "DATABASE_URL"); err != nil {
		return err
	}
	if err := v.BindEnv("server.port", EnvPrefix+"_SERVER_PORT", "PORT"); err != nil {
		return err
	}
	return v.BindEnv("log.level", EnvPrefix+"_LOG_LEVEL", "LOG_LEVEL")
}

// Load reads configuration from defaults, an optional YAML file and the environment,
// in increasing order of precedence. Flags bound on v beforehand win over all three.
// An empty file searches for detect.yaml in the working directory and /etc/detect;
// a missing file is not an error then.
func Load(v *viper.Viper, file string) (*Config, error) {
	SetDefaults(v)
	if err := bindEnv(v); err != nil {
		return nil, fmt.Errorf("failed to bind environment: %w", err)
	}

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("detect")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/detect")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("loglevel", func(fl validator.FieldLevel) bool {
		_, err := logger.ParseLevel(fl.Field().String())
		return err == nil
	})
	return v
}

// Validate checks field constraints
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// HasDatabase reports whether namespace roots can be served
func (c *Config) HasDatabase() bool {
	return c.Database.URL != ""
}
