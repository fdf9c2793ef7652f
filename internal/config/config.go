// Package config carries both configuration layers: the immutable
// bootstrap settings read at process start, and the persistent dynamic
// settings operators can change at runtime through the admin API.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

var envKeyReplacer = strings.NewReplacer(".", "_")

// Config holds all boot-time settings. Values come from defaults, an
// optional canaria.yaml, and CANARIA_* environment variables.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	DB        DBConfig        `mapstructure:"db"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Signing   SigningConfig   `mapstructure:"signing"`
	Feeds     FeedsConfig     `mapstructure:"feeds"`
	Backup    BackupConfig    `mapstructure:"backup"`
	Relay     RelayConfig     `mapstructure:"relay"`
	WebSocket WebSocketConfig `mapstructure:"websocket"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

type ServerConfig struct {
	ListenAddr      string        `mapstructure:"listen_addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DBConfig struct {
	Path string `mapstructure:"path"`
}

type AuthConfig struct {
	AdminSecret  string `mapstructure:"admin_secret"`
	IngestSecret string `mapstructure:"ingest_secret"`
}

type SigningConfig struct {
	KeyB64 string `mapstructure:"key_b64"`
	KeyJWK string `mapstructure:"key_jwk"`
}

// FeedConfig configures one upstream connector. HistoryURL is the
// optional HTTP endpoint for the startup backfill; empty skips it.
type FeedConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	URL           string `mapstructure:"url"`
	HistoryURL    string `mapstructure:"history_url"`
	BackfillLimit int    `mapstructure:"backfill_limit"`
}

type FeedsConfig struct {
	JMA FeedConfig `mapstructure:"jma"`
	P2P FeedConfig `mapstructure:"p2p"`
}

type BackupConfig struct {
	S3Bucket    string `mapstructure:"s3_bucket"`
	S3Prefix    string `mapstructure:"s3_prefix"`
	S3Region    string `mapstructure:"s3_region"`
	S3AccessKey string `mapstructure:"s3_access_key"`
	S3SecretKey string `mapstructure:"s3_secret_key"`
}

type RelayConfig struct {
	NATSURL string `mapstructure:"nats_url"`
}

type WebSocketConfig struct {
	JWTSecret       string  `mapstructure:"jwt_secret"`
	ConnectionRate  float64 `mapstructure:"connection_rate"`
	ConnectionBurst int     `mapstructure:"connection_burst"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads bootstrap configuration. A .env file is honored first so
// local runs behave like deployed ones.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()

	v.SetDefault("server.listen_addr", ":8080")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.idle_timeout", 120*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("db.path", "canaria.db")

	v.SetDefault("auth.admin_secret", "")
	v.SetDefault("auth.ingest_secret", "")

	v.SetDefault("signing.key_b64", "")
	v.SetDefault("signing.key_jwk", "")

	v.SetDefault("feeds.jma.enabled", true)
	v.SetDefault("feeds.jma.url", "wss://ws-api.wolfx.jp/jma_eew")
	v.SetDefault("feeds.jma.history_url", "")
	v.SetDefault("feeds.jma.backfill_limit", 20)
	v.SetDefault("feeds.p2p.enabled", true)
	v.SetDefault("feeds.p2p.url", "wss://api.p2pquake.net/v2/ws")
	v.SetDefault("feeds.p2p.history_url", "https://api.p2pquake.net/v2/history?codes=551&limit=20")
	v.SetDefault("feeds.p2p.backfill_limit", 20)

	v.SetDefault("backup.s3_bucket", "")
	v.SetDefault("backup.s3_prefix", "")
	v.SetDefault("backup.s3_region", "ap-northeast-1")
	v.SetDefault("backup.s3_access_key", "")
	v.SetDefault("backup.s3_secret_key", "")

	v.SetDefault("relay.nats_url", "")

	v.SetDefault("websocket.jwt_secret", "")
	v.SetDefault("websocket.connection_rate", 5)
	v.SetDefault("websocket.connection_burst", 10)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetConfigName("canaria")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetEnvPrefix("CANARIA")
	v.SetEnvKeyReplacer(envKeyReplacer)
	v.AutomaticEnv()

	// Deployment-time secrets keep their short, unprefixed names.
	_ = v.BindEnv("auth.admin_secret", "CANARIA_AUTH_ADMIN_SECRET", "ADMIN_SECRET")
	_ = v.BindEnv("auth.ingest_secret", "CANARIA_AUTH_INGEST_SECRET", "INGEST_SECRET")
	_ = v.BindEnv("signing.key_b64", "CANARIA_SIGNING_KEY_B64", "SIGNING_KEY_B64")
	_ = v.BindEnv("signing.key_jwk", "CANARIA_SIGNING_KEY_JWK", "SIGNING_KEY_JWK")
	_ = v.BindEnv("backup.s3_bucket", "CANARIA_BACKUP_S3_BUCKET", "S3_BUCKET")
	_ = v.BindEnv("backup.s3_prefix", "CANARIA_BACKUP_S3_PREFIX", "S3_PREFIX")
	_ = v.BindEnv("backup.s3_region", "CANARIA_BACKUP_S3_REGION", "S3_REGION", "AWS_REGION")
	_ = v.BindEnv("backup.s3_access_key", "CANARIA_BACKUP_S3_ACCESS_KEY", "S3_ACCESS_KEY")
	_ = v.BindEnv("backup.s3_secret_key", "CANARIA_BACKUP_S3_SECRET_KEY", "S3_SECRET_KEY")
	_ = v.BindEnv("relay.nats_url", "CANARIA_RELAY_NATS_URL", "NATS_URL")
	_ = v.BindEnv("websocket.jwt_secret", "CANARIA_WEBSOCKET_JWT_SECRET", "WS_JWT_SECRET")

	// Config file is optional.
	_ = v.ReadInConfig()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values the process cannot run with.
func (c *Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr is required")
	}
	if c.DB.Path == "" {
		return fmt.Errorf("db.path is required")
	}
	if c.Feeds.JMA.Enabled && c.Feeds.JMA.URL == "" {
		return fmt.Errorf("feeds.jma.url is required when the feed is enabled")
	}
	if c.Feeds.P2P.Enabled && c.Feeds.P2P.URL == "" {
		return fmt.Errorf("feeds.p2p.url is required when the feed is enabled")
	}
	if c.WebSocket.ConnectionRate <= 0 {
		c.WebSocket.ConnectionRate = 5
	}
	if c.WebSocket.ConnectionBurst <= 0 {
		c.WebSocket.ConnectionBurst = 10
	}
	return nil
}
