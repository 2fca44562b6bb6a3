// Package config loads the service and CLI settings from the environment.
// Values from .env and .env.local are used when the variable is not already
// set in the process environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/otcheredev/ris-dicom-trolley/internal/models"
)

func init() {
	// godotenv.Load never overrides variables that are already set
	for _, file := range []string{".env", ".env.local"} {
		if _, err := os.Stat(file); err == nil {
			if err := godotenv.Load(file); err != nil {
				fmt.Fprintf(os.Stderr, "warning: failed to load %s: %v\n", file, err)
			}
		}
	}
}

// Config holds all settings of the server and the CLI
type Config struct {
	Server   ServerConfig
	Log      LogConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Cache    CacheConfig
	CORS     CORSConfig
	Metrics  MetricsConfig
	Tracing  TracingConfig
	Download DownloadConfig
	Storage  StorageConfig
	NATS     NATSConfig
	Source   SourceConfig
}

type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

type LogConfig struct {
	Level  string
	Format string
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	LogLevel string
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// CacheConfig controls the query result cache. Type is "memory" or "redis".
type CacheConfig struct {
	Enabled         bool
	Type            string
	TTL             time.Duration
	CleanupInterval time.Duration
}

type CORSConfig struct {
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
}

type MetricsConfig struct {
	Enabled bool
}

type TracingConfig struct {
	Enabled     bool
	ServiceName string
}

// DownloadConfig sets how downloads run. Workers of 0 or 1 download one item at a time.
type DownloadConfig struct {
	Workers  int
	Root     string
	SpoolDir string
}

// StorageConfig selects the sink datasets are written to: "dir", "flat" or "s3"
type StorageConfig struct {
	Backend     string
	S3Endpoint  string
	S3Region    string
	S3Bucket    string
	S3AccessKey string
	S3SecretKey string
}

type NATSConfig struct {
	URL string
}

// SourceConfig describes the single PACS the CLI talks to
type SourceConfig struct {
	Type             string
	Endpoint         string
	Port             int
	BasePath         string
	AETitle          string
	RetrieveType     string
	RetrieveURL      string
	RequestPerSeries bool
	IgnoreErrors     string
	Username         string
	Password         string
	APIKey           string
}

// Load reads the configuration from the environment, applying defaults for
// unset variables. Malformed numbers, booleans and durations are errors.
func Load() (*Config, error) {
	e := &env{}

	cfg := &Config{
		Server: ServerConfig{
			Host:            e.str("SERVER_HOST", "0.0.0.0"),
			Port:            e.int("SERVER_PORT", 8080),
			ReadTimeout:     e.duration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    e.duration("SERVER_WRITE_TIMEOUT", 10*time.Minute),
			ShutdownTimeout: e.duration("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Log: LogConfig{
			Level:  e.str("LOG_LEVEL", "info"),
			Format: e.str("LOG_FORMAT", "json"),
		},
		Database: DatabaseConfig{
			Host:     e.str("DB_HOST", "localhost"),
			Port:     e.int("DB_PORT", 5432),
			User:     e.str("DB_USER", "postgres"),
			Password: e.str("DB_PASSWORD", ""),
			DBName:   e.str("DB_NAME", "dicom_trolley"),
			SSLMode:  e.str("DB_SSLMODE", "disable"),
			LogLevel: e.str("DB_LOG_LEVEL", "warn"),
		},
		Redis: RedisConfig{
			Host:     e.str("REDIS_HOST", "localhost"),
			Port:     e.int("REDIS_PORT", 6379),
			Password: e.str("REDIS_PASSWORD", ""),
			DB:       e.int("REDIS_DB", 0),
		},
		Cache: CacheConfig{
			Enabled:         e.bool("CACHE_ENABLED", true),
			Type:            e.str("CACHE_TYPE", "memory"),
			TTL:             e.duration("CACHE_TTL", 10*time.Minute),
			CleanupInterval: e.duration("CACHE_CLEANUP_INTERVAL", time.Minute),
		},
		CORS: CORSConfig{
			AllowedOrigins: e.list("CORS_ALLOWED_ORIGINS", []string{"*"}),
			AllowedMethods: e.list("CORS_ALLOWED_METHODS", []string{"GET", "POST", "DELETE", "OPTIONS"}),
			AllowedHeaders: e.list("CORS_ALLOWED_HEADERS", []string{"Accept", "Content-Type", "X-Tenant-ID"}),
		},
		Metrics: MetricsConfig{
			Enabled: e.bool("METRICS_ENABLED", true),
		},
		Tracing: TracingConfig{
			Enabled:     e.bool("TRACING_ENABLED", false),
			ServiceName: e.str("TRACING_SERVICE_NAME", "dicom-trolley"),
		},
		Download: DownloadConfig{
			Workers:  e.int("DOWNLOAD_WORKERS", 4),
			Root:     e.str("DOWNLOAD_ROOT", "./data"),
			SpoolDir: e.str("DOWNLOAD_SPOOL_DIR", ""),
		},
		Storage: StorageConfig{
			Backend:     e.str("STORAGE_BACKEND", "dir"),
			S3Endpoint:  e.str("S3_ENDPOINT", ""),
			S3Region:    e.str("S3_REGION", "us-east-1"),
			S3Bucket:    e.str("S3_BUCKET", ""),
			S3AccessKey: e.str("S3_ACCESS_KEY", ""),
			S3SecretKey: e.str("S3_SECRET_KEY", ""),
		},
		NATS: NATSConfig{
			URL: e.str("NATS_URL", ""),
		},
		Source: SourceConfig{
			Type:             e.str("SOURCE_TYPE", string(models.PACSTypeDICOMWeb)),
			Endpoint:         e.str("SOURCE_ENDPOINT", ""),
			Port:             e.int("SOURCE_PORT", 8042),
			BasePath:         e.str("SOURCE_BASE_PATH", ""),
			AETitle:          e.str("SOURCE_AE_TITLE", ""),
			RetrieveType:     e.str("SOURCE_RETRIEVE_TYPE", string(models.RetrieveWADORS)),
			RetrieveURL:      e.str("SOURCE_RETRIEVE_URL", ""),
			RequestPerSeries: e.bool("SOURCE_REQUEST_PER_SERIES", false),
			IgnoreErrors:     e.str("SOURCE_IGNORE_ERRORS", ""),
			Username:         e.str("SOURCE_USERNAME", ""),
			Password:         e.str("SOURCE_PASSWORD", ""),
			APIKey:           e.str("SOURCE_API_KEY", ""),
		},
	}

	if err := errors.Join(e.errs...); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings shared by the server and the CLI
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid SERVER_PORT %d", c.Server.Port)
	}
	switch c.Cache.Type {
	case "memory", "redis":
	default:
		return fmt.Errorf("invalid CACHE_TYPE %q (expected memory or redis)", c.Cache.Type)
	}
	if c.Cache.TTL < 0 {
		return fmt.Errorf("CACHE_TTL must not be negative")
	}
	if c.Download.Workers < 0 {
		return fmt.Errorf("DOWNLOAD_WORKERS must not be negative")
	}
	switch c.Storage.Backend {
	case "dir", "flat":
		if c.Download.Root == "" {
			return fmt.Errorf("DOWNLOAD_ROOT is required for %s storage", c.Storage.Backend)
		}
	case "s3":
		if c.Storage.S3Bucket == "" {
			return fmt.Errorf("S3_BUCKET is required for s3 storage")
		}
	default:
		return fmt.Errorf("invalid STORAGE_BACKEND %q (expected dir, flat or s3)", c.Storage.Backend)
	}
	return nil
}

// PACSConfig builds the configuration of the CLI source
func (s SourceConfig) PACSConfig() (models.PACSConfig, error) {
	cfg := models.PACSConfig{
		Name:             "default",
		Type:             models.PACSType(s.Type),
		Endpoint:         s.Endpoint,
		Port:             s.Port,
		BasePath:         s.BasePath,
		AETitle:          s.AETitle,
		RetrieveType:     models.RetrieveType(s.RetrieveType),
		RetrieveURL:      s.RetrieveURL,
		RequestPerSeries: s.RequestPerSeries,
		IgnoreErrors:     s.IgnoreErrors,
		Username:         s.Username,
		PasswordHash:     s.Password,
		APIKey:           s.APIKey,
		IsActive:         true,
		IsPrimary:        true,
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid SOURCE_* settings: %w", err)
	}
	return cfg, nil
}

// env reads typed variables and collects parse errors
type env struct {
	errs []error
}

func (e *env) str(key, fallback string) string {
	if v, exists := os.LookupEnv(key); exists && v != "" {
		return v
	}
	return fallback
}

func (e *env) int(key string, fallback int) int {
	v, exists := os.LookupEnv(key)
	if !exists || v == "" {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("invalid %s %q: %w", key, v, err))
		return fallback
	}
	return n
}

func (e *env) bool(key string, fallback bool) bool {
	v, exists := os.LookupEnv(key)
	if !exists || v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("invalid %s %q: %w", key, v, err))
		return fallback
	}
	return b
}

func (e *env) duration(key string, fallback time.Duration) time.Duration {
	v, exists := os.LookupEnv(key)
	if !exists || v == "" {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("invalid %s %q: %w", key, v, err))
		return fallback
	}
	return d
}

func (e *env) list(key string, fallback []string) []string {
	v, exists := os.LookupEnv(key)
	if !exists || v == "" {
		return fallback
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
