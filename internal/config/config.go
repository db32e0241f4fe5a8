// Package config loads settings from defaults, an optional file and VAZY_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/and161185/vazy-sync/internal/logging"
	"github.com/and161185/vazy-sync/internal/model"
)

// EnvPrefix prefixes every environment variable: VAZY_REMOTE_DSN, VAZY_LOG_LEVEL, ...
const EnvPrefix = "VAZY"

// Config is the whole runtime configuration.
type Config struct {
	LocalPath     string         `mapstructure:"local_path"`
	RemoteDSN     string         `mapstructure:"remote_dsn"`
	Token         string         `mapstructure:"token"`
	JWTKey        string         `mapstructure:"jwt_key"`
	DrainSchedule string         `mapstructure:"drain_schedule"`
	Locale        string         `mapstructure:"locale"`
	Timezone      string         `mapstructure:"timezone"`
	Blob          Blob           `mapstructure:"blob"`
	Log           logging.Config `mapstructure:"log"`
}

// Blob configures the photo store.
type Blob struct {
	Dir     string `mapstructure:"dir"`
	BaseURL string `mapstructure:"base_url"`
	SignKey string `mapstructure:"sign_key"`
}

// Dir is the per-user configuration directory.
func Dir() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, "vazy")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "vazy")
}

// Defaults registers every key so that environment variables are seen by Unmarshal.
func Defaults(v *viper.Viper) {
	dir := Dir()
	v.SetDefault("local_path", filepath.Join(dir, "vazy.db"))
	v.SetDefault("remote_dsn", "")
	v.SetDefault("token", "")
	v.SetDefault("jwt_key", "")
	v.SetDefault("drain_schedule", "@every 30s")
	v.SetDefault("locale", "fr")
	v.SetDefault("timezone", model.DefaultTimezone)
	v.SetDefault("blob.dir", filepath.Join(dir, "blobs"))
	v.SetDefault("blob.base_url", "file://"+filepath.ToSlash(filepath.Join(dir, "blobs")))
	v.SetDefault("blob.sign_key", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
	v.SetDefault("log.compress", false)
}

// Load reads the configuration. file may be empty; a missing explicit file is an error.
func Load(v *viper.Viper, file string) (Config, error) {
	Defaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate checks values that have no usable default.
func (c Config) Validate() error {
	var errList []error
	if c.LocalPath == "" {
		errList = append(errList, errors.New("local_path is required"))
	}
	if c.DrainSchedule == "" {
		errList = append(errList, errors.New("drain_schedule is required"))
	}
	if c.Blob.Dir != "" && c.Blob.BaseURL == "" {
		errList = append(errList, errors.New("blob.base_url is required with blob.dir"))
	}
	if err := errors.Join(errList...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}
