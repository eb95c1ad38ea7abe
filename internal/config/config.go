// Package config loads server configuration from an optional config file and
// environment variables.
package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		return fld.Tag.Get("mapstructure")
	})
	return v
}

// Config holds all server configuration.
type Config struct {
	// Server
	ListenAddr   string `mapstructure:"listen_addr" validate:"required"`
	MetricsAddr  string `mapstructure:"metrics_addr"`
	WebDAVPrefix string `mapstructure:"webdav_prefix" validate:"required,startswith=/"`

	// Logging
	LogLevel  string `mapstructure:"log_level" validate:"oneof=debug info warn error"`
	LogFormat string `mapstructure:"log_format" validate:"oneof=json console"`
	LogOutput string `mapstructure:"log_output"`

	// Database
	DatabaseURL string `mapstructure:"database_url" validate:"required"`

	// Storage backend ("local" or "s3")
	StorageBackend   string `mapstructure:"storage_backend" validate:"oneof=local s3"`
	LocalStoragePath string `mapstructure:"local_storage_path"`

	// S3 storage
	S3Endpoint  string `mapstructure:"s3_endpoint"`
	S3Bucket    string `mapstructure:"s3_bucket"`
	S3AccessKey string `mapstructure:"s3_access_key"`
	S3SecretKey string `mapstructure:"s3_secret_key"`
	S3Region    string `mapstructure:"s3_region"`
	S3UseSSL    bool   `mapstructure:"s3_use_ssl"`

	// TLS (optional, if both set the server uses HTTPS)
	TLSCertFile string `mapstructure:"tls_cert_file"`
	TLSKeyFile  string `mapstructure:"tls_key_file"`

	// Auth
	JWTSecret    string        `mapstructure:"jwt_secret" validate:"required,min=16"`
	AuthCacheTTL time.Duration `mapstructure:"auth_cache_ttl" validate:"gte=0"`

	// Uploads
	MaxUploadSize int64 `mapstructure:"max_upload_size" validate:"gt=0"`
}

var defaults = map[string]any{
	"listen_addr":        ":8080",
	"metrics_addr":       ":9090",
	"webdav_prefix":      "/webdav",
	"log_level":          "info",
	"log_format":         "json",
	"log_output":         "stdout",
	"database_url":       "",
	"storage_backend":    "local",
	"local_storage_path": "/data/storage",
	"s3_endpoint":        "http://localhost:9000",
	"s3_bucket":          "sharedav",
	"s3_access_key":      "minioadmin",
	"s3_secret_key":      "minioadmin",
	"s3_region":          "us-east-1",
	"s3_use_ssl":         false,
	"tls_cert_file":      "",
	"tls_key_file":       "",
	"jwt_secret":         "",
	"auth_cache_ttl":     time.Minute,
	"max_upload_size":    int64(100 * 1024 * 1024), // 100MB
}

// Load reads configuration with defaults, an optional config file and
// environment variables (LISTEN_ADDR, DATABASE_URL, ...), in increasing
// order of precedence.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	for key, val := range defaults {
		v.SetDefault(key, val)
		// Bare upper-case names, e.g. DATABASE_URL.
		if err := v.BindEnv(key, strings.ToUpper(key)); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks struct tags and cross-field rules.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}
	if cfg.StorageBackend == "local" && cfg.LocalStoragePath == "" {
		return fmt.Errorf("LOCAL_STORAGE_PATH is required for the local storage backend")
	}
	if cfg.StorageBackend == "s3" && cfg.S3Bucket == "" {
		return fmt.Errorf("S3_BUCKET is required for the s3 storage backend")
	}
	if (cfg.TLSCertFile == "") != (cfg.TLSKeyFile == "") {
		return fmt.Errorf("TLS_CERT_FILE and TLS_KEY_FILE must be set together")
	}
	return nil
}

// TLSEnabled reports whether both TLS files are configured.
func (c *Config) TLSEnabled() bool {
	return c.TLSCertFile != "" && c.TLSKeyFile != ""
}

func formatValidationError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		e := verrs[0]
		return fmt.Errorf("%s is invalid: failed '%s' rule (value: %v)",
			strings.ToUpper(e.Field()), e.Tag(), e.Value())
	}
	return err
}
