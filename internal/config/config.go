// Package config loads service configuration from the environment, plus an
// optional TOML file selecting the object-store backend.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	HTTPAddr    string
	ServiceURL  string
	ServiceType string
	BucketName  string

	// ServicePassword unlocks the private material in _service_info.
	ServicePassword string

	// SecretKey and SecretConfig are bootstrap-only: the object-store
	// credentials encrypted under the admin password held in SecretKey.
	SecretKey    string
	SecretConfig string

	KeyUpdateDays     int
	SessionMaxAgeMins int
	AuthFreshnessMins int
	MutexLeaseSecs    int

	LogLevel string

	Store StoreConfig
	Peers PeerConfig
}

// PeerConfig names the trusted peers a service calls at runtime. UIDs refer
// to entries in the service's own trusted-peer table; the peers must have
// been trusted (via the admin CLI) before the daemon starts.
type PeerConfig struct {
	IdentityUID   string `toml:"identity_uid,omitempty"`
	AccountingUID string `toml:"accounting_uid,omitempty"`
	StorageUID    string `toml:"storage_uid,omitempty"`
	ComputeUID    string `toml:"compute_uid,omitempty"`

	// AccountUID is the broker's own account at the accounting service, the
	// one its downstream cheques draw on.
	AccountUID string `toml:"account_uid,omitempty"`

	// The broker signs cheque authorisations with a logged-in session of its
	// service user. The cert is the session's private signing key, wrapped
	// with the service password.
	SessionCertFile string `toml:"session_cert_file,omitempty"`
	SessionUserUID  string `toml:"session_user_uid,omitempty"`
	SessionUID      string `toml:"session_uid,omitempty"`
}

// StoreConfig is a tagged union: Type selects the backend and which of the
// remaining fields matter.
type StoreConfig struct {
	Type string `toml:"type"` // "memory", "redis", "s3" or "postgres"

	RedisAddr     string `toml:"redis_addr,omitempty"`
	RedisPassword string `toml:"redis_password,omitempty"`
	RedisDB       int    `toml:"redis_db,omitempty"`

	S3Bucket    string `toml:"s3_bucket,omitempty"`
	S3Prefix    string `toml:"s3_prefix,omitempty"`
	S3Region    string `toml:"s3_region,omitempty"`
	S3Endpoint  string `toml:"s3_endpoint,omitempty"`
	S3AccessKey string `toml:"s3_access_key,omitempty"`
	S3SecretKey string `toml:"s3_secret_key,omitempty"`

	PostgresDSN string `toml:"postgres_dsn,omitempty"`
}

type fileConfig struct {
	Store StoreConfig `toml:"store"`
	Peers PeerConfig  `toml:"peers"`
}

func FromEnv() (Config, error) {
	cfg := Config{
		HTTPAddr:          envDefault("HTTP_ADDR", ":8080"),
		ServiceURL:        os.Getenv("SERVICE_URL"),
		ServiceType:       os.Getenv("SERVICE_TYPE"),
		BucketName:        envDefault("SERVICE_BUCKET", "acquire"),
		ServicePassword:   os.Getenv("SERVICE_PASSWORD"),
		SecretKey:         os.Getenv("SECRET_KEY"),
		SecretConfig:      os.Getenv("SECRET_CONFIG"),
		KeyUpdateDays:     envIntDefault("KEY_UPDATE_DAYS", 7),
		SessionMaxAgeMins: envIntDefault("SESSION_MAX_AGE_MINUTES", 2*24*60),
		AuthFreshnessMins: envIntDefault("AUTH_FRESHNESS_MINUTES", 15),
		MutexLeaseSecs:    envIntDefault("MUTEX_LEASE_SECONDS", 10),
		LogLevel:          envDefault("LOG_LEVEL", "info"),
		Store:             StoreConfig{Type: envDefault("STORE_TYPE", "memory")},
		Peers: PeerConfig{
			IdentityUID:     os.Getenv("PEER_IDENTITY_UID"),
			AccountingUID:   os.Getenv("PEER_ACCOUNTING_UID"),
			StorageUID:      os.Getenv("PEER_STORAGE_UID"),
			ComputeUID:      os.Getenv("PEER_COMPUTE_UID"),
			AccountUID:      os.Getenv("PEER_ACCOUNT_UID"),
			SessionCertFile: os.Getenv("SESSION_CERT_FILE"),
			SessionUserUID:  os.Getenv("SESSION_USER_UID"),
			SessionUID:      os.Getenv("SESSION_UID"),
		},
	}

	if path := os.Getenv("ACQUIRE_CONFIG"); path != "" {
		var fc fileConfig
		if _, err := toml.DecodeFile(path, &fc); err != nil {
			return Config{}, fmt.Errorf("reading %s: %w", path, err)
		}
		if fc.Store.Type != "" {
			cfg.Store = fc.Store
		}
		if fc.Peers != (PeerConfig{}) {
			cfg.Peers = fc.Peers
		}
	}
	return cfg, nil
}

func (c Config) KeyUpdateInterval() time.Duration {
	if c.KeyUpdateDays <= 0 {
		return 7 * 24 * time.Hour
	}
	return time.Duration(c.KeyUpdateDays) * 24 * time.Hour
}

func (c Config) SessionMaxAge() time.Duration {
	return time.Duration(c.SessionMaxAgeMins) * time.Minute
}

func (c Config) AuthFreshness() time.Duration {
	return time.Duration(c.AuthFreshnessMins) * time.Minute
}

func (c Config) MutexLease() time.Duration {
	return time.Duration(c.MutexLeaseSecs) * time.Second
}

func envDefault(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func envIntDefault(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parsed, err := strconv.Atoi(v)
	if err != nil || parsed <= 0 {
		return def
	}
	return parsed
}
