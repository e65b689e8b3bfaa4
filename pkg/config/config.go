// Package config loads and validates the registry configuration from
// defaults, an optional YAML file, and environment variables, in that
// precedence order.
package config

import (
	"encoding/json"
	"time"
)

// SensitiveString holds secrets that must never leak through logs or JSON.
// String and MarshalJSON redact; Value returns the real content.
type SensitiveString string

func (s SensitiveString) String() string {
	if s == "" {
		return ""
	}
	return "[REDACTED]"
}

// Value returns the underlying secret.
func (s SensitiveString) Value() string { return string(s) }

func (s SensitiveString) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Config is the full registry configuration.
type Config struct {
	Server   ServerConfig   `koanf:"server"   validate:"required"`
	Database DatabaseConfig `koanf:"database" validate:"required"`
	Storage  StorageConfig  `koanf:"storage"  validate:"required"`
	Publish  PublishConfig  `koanf:"publish"`
	Webhooks WebhookConfig  `koanf:"webhooks"`
	Upstream UpstreamConfig `koanf:"upstream"`
	Auth     AuthConfig     `koanf:"auth"`
}

// ServerConfig contains HTTP server configuration. BaseURL is the externally
// reachable address used for Location headers and filesystem download URLs.
type ServerConfig struct {
	Host    string `koanf:"host"     env:"SERVER_HOST"`
	Port    int    `koanf:"port"     env:"SERVER_PORT"     validate:"min=1,max=65535"`
	BaseURL string `koanf:"base_url" env:"SERVER_BASE_URL" validate:"required"`
}

// DatabaseConfig selects and parameterizes the metadata backend. A non-empty
// ConnString wins over the individual postgres fields; Path is the SQLite
// database file.
type DatabaseConfig struct {
	Driver      string          `koanf:"driver"       env:"DB_DRIVER" validate:"required,oneof=postgres sqlite"`
	ConnString  string          `koanf:"conn_string"  env:"DB_CONN_STRING"`
	Host        string          `koanf:"host"         env:"DB_HOST"`
	Port        string          `koanf:"port"         env:"DB_PORT"`
	User        string          `koanf:"user"         env:"DB_USER"`
	Password    SensitiveString `koanf:"password"     env:"DB_PASSWORD" sensitive:"true"`
	DBName      string          `koanf:"name"         env:"DB_NAME"`
	SSLMode     string          `koanf:"ssl_mode"     env:"DB_SSL_MODE"`
	Path        string          `koanf:"path"         env:"DB_PATH"`
	AutoMigrate bool            `koanf:"auto_migrate" env:"DB_AUTO_MIGRATE"`
}

// StorageConfig selects the archive backend shared by the primary store and
// the upstream cache store.
type StorageConfig struct {
	Backend string          `koanf:"backend" validate:"required,oneof=fs s3"`
	FS      FSStorageConfig `koanf:"fs"`
	S3      S3StorageConfig `koanf:"s3"`
}

// FSStorageConfig roots the two filesystem stores. CacheRoot must differ
// from Root so cache clearing cannot touch first-party archives.
type FSStorageConfig struct {
	Root      string `koanf:"root"       env:"STORAGE_FS_ROOT"`
	CacheRoot string `koanf:"cache_root" env:"STORAGE_FS_CACHE_ROOT"`
}

// S3StorageConfig parameterizes the S3-compatible stores. CachePrefix keys
// the isolated upstream-cache root inside the same bucket.
type S3StorageConfig struct {
	Endpoint    string          `koanf:"endpoint"     env:"STORAGE_S3_ENDPOINT"`
	Region      string          `koanf:"region"       env:"STORAGE_S3_REGION"`
	Bucket      string          `koanf:"bucket"       env:"STORAGE_S3_BUCKET"`
	AccessKey   string          `koanf:"access_key"   env:"STORAGE_S3_ACCESS_KEY"`
	SecretKey   SensitiveString `koanf:"secret_key"   env:"STORAGE_S3_SECRET_KEY" sensitive:"true"`
	UseSSL      bool            `koanf:"use_ssl"      env:"STORAGE_S3_USE_SSL"`
	Prefix      string          `koanf:"prefix"       env:"STORAGE_S3_PREFIX"`
	CachePrefix string          `koanf:"cache_prefix" env:"STORAGE_S3_CACHE_PREFIX"`
	URLTTL      time.Duration   `koanf:"url_ttl"      env:"STORAGE_S3_URL_TTL"`
}

// PublishConfig tunes the upload session workflow.
type PublishConfig struct {
	SessionTTL      time.Duration `koanf:"session_ttl"       env:"PUBLISH_SESSION_TTL"`
	MaxArchiveBytes int64         `koanf:"max_archive_bytes" env:"PUBLISH_MAX_ARCHIVE_BYTES" validate:"min=1"`
	RetainCompleted time.Duration `koanf:"retain_completed"  env:"PUBLISH_RETAIN_COMPLETED"`
	SweepInterval   time.Duration `koanf:"sweep_interval"    env:"PUBLISH_SWEEP_INTERVAL"`
}

// WebhookConfig tunes outbound event delivery.
type WebhookConfig struct {
	Timeout time.Duration `koanf:"timeout" env:"WEBHOOKS_TIMEOUT"`
}

// UpstreamConfig enables the fetch-through mirror of a remote registry.
type UpstreamConfig struct {
	Enabled   bool          `koanf:"enabled"    env:"UPSTREAM_ENABLED"`
	URL       string        `koanf:"url"        env:"UPSTREAM_URL"`
	DocTTL    time.Duration `koanf:"doc_ttl"    env:"UPSTREAM_DOC_TTL"`
	CacheSize int           `koanf:"cache_size" env:"UPSTREAM_CACHE_SIZE" validate:"min=1"`
}

// AuthConfig tunes sessions and password hashing.
type AuthConfig struct {
	UserSessionTTL  time.Duration `koanf:"user_session_ttl"  env:"AUTH_USER_SESSION_TTL"`
	AdminSessionTTL time.Duration `koanf:"admin_session_ttl" env:"AUTH_ADMIN_SESSION_TTL"`
	BcryptCost      int           `koanf:"bcrypt_cost"       env:"AUTH_BCRYPT_COST"`
}

// Default returns the configuration used when nothing overrides it: a local
// SQLite registry storing archives on disk.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:    "0.0.0.0",
			Port:    8080,
			BaseURL: "http://localhost:8080",
		},
		Database: DatabaseConfig{
			Driver:      "sqlite",
			Path:        "pubkeep.db",
			Host:        "localhost",
			Port:        "5432",
			User:        "pubkeep",
			DBName:      "pubkeep",
			SSLMode:     "disable",
			AutoMigrate: true,
		},
		Storage: StorageConfig{
			Backend: "fs",
			FS: FSStorageConfig{
				Root:      "data/archives",
				CacheRoot: "data/cache-archives",
			},
			S3: S3StorageConfig{
				Region:      "us-east-1",
				UseSSL:      true,
				CachePrefix: "upstream-cache",
				URLTTL:      15 * time.Minute,
			},
		},
		Publish: PublishConfig{
			SessionTTL:      time.Hour,
			MaxArchiveBytes: 100 << 20,
			RetainCompleted: 24 * time.Hour,
			SweepInterval:   10 * time.Minute,
		},
		Webhooks: WebhookConfig{
			Timeout: 10 * time.Second,
		},
		Upstream: UpstreamConfig{
			Enabled:   false,
			URL:       "https://pub.dev",
			DocTTL:    5 * time.Minute,
			CacheSize: 1024,
		},
		Auth: AuthConfig{
			UserSessionTTL:  24 * time.Hour,
			AdminSessionTTL: 8 * time.Hour,
		},
	}
}
