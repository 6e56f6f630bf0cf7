// Package config loads identityd settings from IDENTITY_* environment
// variables.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Store backends understood by identityd.
const (
	StoreFS        = "fs"
	StoreSQLite    = "sqlite"
	StorePostgres  = "postgres"
	StoreDatastore = "datastore"
)

// Hash algorithms understood by identityd.
const (
	HashBcrypt   = "bcrypt"
	HashArgon2id = "argon2id"
)

type Config struct {
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	HTTP    HTTPConfig    `envPrefix:"HTTP_"`
	GRPC    GRPCConfig    `envPrefix:"GRPC_"`
	Store   StoreConfig   `envPrefix:"STORE_"`
	Hash    HashConfig    `envPrefix:"HASH_"`
	Session SessionConfig `envPrefix:"SESSION_"`
	JWT     JWTConfig     `envPrefix:"JWT_"`
	Google  OAuthConfig   `envPrefix:"GOOGLE_"`
	GitHub  OAuthConfig   `envPrefix:"GITHUB_"`
	MinIO   MinIOConfig   `envPrefix:"MINIO_"`
}

type HTTPConfig struct {
	Addr            string        `env:"ADDR"             envDefault:":8080"`
	ReadTimeout     time.Duration `env:"READ_TIMEOUT"     envDefault:"15s"`
	WriteTimeout    time.Duration `env:"WRITE_TIMEOUT"    envDefault:"30s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
	AfterLoginURL   string        `env:"AFTER_LOGIN_URL"  envDefault:"/"`
}

type GRPCConfig struct {
	// Addr is empty when the gRPC listener is disabled.
	Addr string `env:"ADDR"`
}

type StoreConfig struct {
	Backend   string `env:"BACKEND"    envDefault:"fs"`
	Path      string `env:"PATH"       envDefault:"./data"`
	DSN       string `env:"DSN"`
	ProjectID string `env:"PROJECT_ID"`
	Namespace string `env:"NAMESPACE"`
}

type HashConfig struct {
	Algorithm   string `env:"ALGORITHM"   envDefault:"bcrypt"`
	BcryptCost  int    `env:"BCRYPT_COST" envDefault:"10"`
	Time        uint32 `env:"TIME"        envDefault:"3"`
	MemoryKiB   uint32 `env:"MEMORY_KIB"  envDefault:"65536"`
	Threads     uint8  `env:"THREADS"     envDefault:"2"`
	Concurrency int64  `env:"CONCURRENCY" envDefault:"4"`
	MinLength   int    `env:"MIN_LENGTH"  envDefault:"0"`
}

type SessionConfig struct {
	Lifetime     time.Duration `env:"LIFETIME"      envDefault:"168h"`
	CookieName   string        `env:"COOKIE_NAME"   envDefault:"identity_session"`
	CookieSecure bool          `env:"COOKIE_SECURE" envDefault:"false"`
}

type JWTConfig struct {
	SecretKey string        `env:"SECRET_KEY"`
	Issuer    string        `env:"ISSUER"     envDefault:"identityd"`
	TTL       time.Duration `env:"TTL"        envDefault:"24h"`
}

type OAuthConfig struct {
	ClientID     string `env:"CLIENT_ID"`
	ClientSecret string `env:"CLIENT_SECRET"`
	CallbackURL  string `env:"CALLBACK_URL"`
}

// Enabled reports whether the provider has client credentials.
func (c OAuthConfig) Enabled() bool {
	return c.ClientID != "" && c.ClientSecret != ""
}

type MinIOConfig struct {
	// Endpoint is empty when profile pictures are disabled.
	Endpoint      string `env:"ENDPOINT"`
	AccessKey     string `env:"ACCESS_KEY"`
	SecretKey     string `env:"SECRET_KEY"`
	UseSSL        bool   `env:"USE_SSL"         envDefault:"false"`
	Bucket        string `env:"BUCKET"          envDefault:"profile-pictures"`
	PublicBaseURL string `env:"PUBLIC_BASE_URL"`
}

// Load parses the environment into a Config and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "IDENTITY_"}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints the tags cannot express.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case StoreFS, StoreSQLite:
		if strings.TrimSpace(c.Store.Path) == "" {
			return fmt.Errorf("IDENTITY_STORE_PATH is required for the %s backend", c.Store.Backend)
		}
	case StorePostgres:
		if c.Store.DSN == "" {
			return fmt.Errorf("IDENTITY_STORE_DSN is required for the postgres backend")
		}
	case StoreDatastore:
		if c.Store.ProjectID == "" {
			return fmt.Errorf("IDENTITY_STORE_PROJECT_ID is required for the datastore backend")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	switch c.Hash.Algorithm {
	case HashBcrypt, HashArgon2id:
	default:
		return fmt.Errorf("unknown hash algorithm %q", c.Hash.Algorithm)
	}
	if c.Hash.Concurrency < 1 {
		return fmt.Errorf("IDENTITY_HASH_CONCURRENCY must be at least 1")
	}
	return nil
}

// SlogLevel maps LogLevel onto slog, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}
