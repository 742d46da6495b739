package config

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	filePath := os.Getenv(envKey + "_FILE")
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	os.Setenv(envKey, strings.TrimSpace(string(data)))
}

type Config struct {
	Server    ServerConfig
	Redis     RedisConfig
	JWT       JWTConfig
	OIDC      OIDCConfig
	RateLimit RateLimitConfig
	Credits   CreditsConfig
	Storage   StorageConfig
	Render    RenderConfig
	Encoder   EncoderConfig
	Tracker   TrackerConfig
}

type ServerConfig struct {
	Port        string
	Env         string
	LogLevel    string
	PublicURL   string
	InternalKey string
	Concurrency int
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type JWTConfig struct {
	Secret string
}

type OIDCConfig struct {
	Issuer   string
	ClientID string
}

type RateLimitConfig struct {
	RenderPerHour int
}

type CreditsConfig struct {
	Enabled        bool
	DefaultBalance int
	RemediationURL string
}

type StorageConfig struct {
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	PublicURL       string
	URLExpiry       time.Duration
}

// RenderConfig drives headless sessions
type RenderConfig struct {
	PlayerURL      string
	BrowserURL     string
	DefaultFPS     int
	Width          int
	Height         int
	ConnectTimeout time.Duration
	ConnectRetries int
	PageTimeout    time.Duration
}

type EncoderConfig struct {
	FFmpegPath string
	WorkDir    string
}

// TrackerConfig configures the rendertrack client
type TrackerConfig struct {
	APIURL       string
	Token        string
	Store        string // "file" or "redis"
	StorePath    string
	Namespace    string
	PollInterval time.Duration
}

func Load() (*Config, error) {
	// Read Docker Swarm secrets from _FILE env vars before Viper binds
	readSecret("REDIS_PASSWORD")
	readSecret("JWT_SECRET")
	readSecret("STORAGE_ACCESS_KEY_ID")
	readSecret("STORAGE_SECRET_ACCESS_KEY")
	readSecret("INTERNAL_KEY")
	readSecret("CUTLINE_TOKEN")

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	viper.AutomaticEnv()

	_ = viper.BindEnv("server.port", "SERVER_PORT")
	_ = viper.BindEnv("server.env", "SERVER_ENV")
	_ = viper.BindEnv("server.log_level", "LOG_LEVEL")
	_ = viper.BindEnv("server.public_url", "PUBLIC_URL")
	_ = viper.BindEnv("server.internal_key", "INTERNAL_KEY")
	_ = viper.BindEnv("server.concurrency", "WORKER_CONCURRENCY")
	_ = viper.BindEnv("redis.addr", "REDIS_ADDR")
	_ = viper.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = viper.BindEnv("redis.db", "REDIS_DB")
	_ = viper.BindEnv("jwt.secret", "JWT_SECRET")
	_ = viper.BindEnv("oidc.issuer", "OIDC_ISSUER")
	_ = viper.BindEnv("oidc.client_id", "OIDC_CLIENT_ID")
	_ = viper.BindEnv("credits.enabled", "CREDITS_ENABLED")
	_ = viper.BindEnv("credits.default_balance", "CREDITS_DEFAULT_BALANCE")
	_ = viper.BindEnv("credits.remediation_url", "CREDITS_REMEDIATION_URL")
	_ = viper.BindEnv("storage.endpoint", "STORAGE_ENDPOINT")
	_ = viper.BindEnv("storage.region", "STORAGE_REGION")
	_ = viper.BindEnv("storage.access_key_id", "STORAGE_ACCESS_KEY_ID")
	_ = viper.BindEnv("storage.secret_access_key", "STORAGE_SECRET_ACCESS_KEY")
	_ = viper.BindEnv("storage.bucket_name", "STORAGE_BUCKET")
	_ = viper.BindEnv("storage.public_url", "STORAGE_PUBLIC_URL")
	_ = viper.BindEnv("render.player_url", "RENDER_PLAYER_URL")
	_ = viper.BindEnv("render.browser_url", "RENDER_BROWSER_URL")
	_ = viper.BindEnv("render.connect_timeout", "RENDER_CONNECT_TIMEOUT")
	_ = viper.BindEnv("render.connect_retries", "RENDER_CONNECT_RETRIES")
	_ = viper.BindEnv("encoder.ffmpeg_path", "FFMPEG_PATH")
	_ = viper.BindEnv("encoder.work_dir", "ENCODER_WORK_DIR")
	_ = viper.BindEnv("tracker.api_url", "CUTLINE_API_URL")
	_ = viper.BindEnv("tracker.token", "CUTLINE_TOKEN")
	_ = viper.BindEnv("tracker.store", "CUTLINE_STORE")
	_ = viper.BindEnv("tracker.store_path", "CUTLINE_STORE_PATH")

	// Defaults
	viper.SetDefault("server.port", "8000")
	viper.SetDefault("server.env", "development")
	viper.SetDefault("server.log_level", "info")
	viper.SetDefault("server.public_url", "http://localhost:8000")
	viper.SetDefault("server.concurrency", 4)
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("jwt.secret", "change-me-in-production")
	viper.SetDefault("ratelimit.render_per_hour", 20)
	viper.SetDefault("credits.enabled", false)
	viper.SetDefault("credits.default_balance", 1000)
	viper.SetDefault("credits.remediation_url", "/settings/billing")
	viper.SetDefault("storage.region", "auto")
	viper.SetDefault("storage.url_expiry", "1h")
	viper.SetDefault("render.player_url", "http://localhost:5173/render")
	viper.SetDefault("render.default_fps", 30)
	viper.SetDefault("render.width", 1920)
	viper.SetDefault("render.height", 1080)
	viper.SetDefault("render.connect_timeout", "10s")
	viper.SetDefault("render.connect_retries", 3)
	viper.SetDefault("render.page_timeout", "30s")
	viper.SetDefault("encoder.ffmpeg_path", "ffmpeg")
	viper.SetDefault("encoder.work_dir", os.TempDir())
	viper.SetDefault("tracker.api_url", "http://localhost:8000")
	viper.SetDefault("tracker.store", "file")
	viper.SetDefault("tracker.store_path", defaultStorePath())
	viper.SetDefault("tracker.namespace", "cutline")
	viper.SetDefault("tracker.poll_interval", "2s")

	// Try to read config file (optional)
	_ = viper.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			Port:        viper.GetString("server.port"),
			Env:         viper.GetString("server.env"),
			LogLevel:    viper.GetString("server.log_level"),
			PublicURL:   strings.TrimRight(viper.GetString("server.public_url"), "/"),
			InternalKey: viper.GetString("server.internal_key"),
			Concurrency: viper.GetInt("server.concurrency"),
		},
		Redis: RedisConfig{
			Addr:     viper.GetString("redis.addr"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		},
		JWT: JWTConfig{
			Secret: viper.GetString("jwt.secret"),
		},
		OIDC: OIDCConfig{
			Issuer:   viper.GetString("oidc.issuer"),
			ClientID: viper.GetString("oidc.client_id"),
		},
		RateLimit: RateLimitConfig{
			RenderPerHour: viper.GetInt("ratelimit.render_per_hour"),
		},
		Credits: CreditsConfig{
			Enabled:        viper.GetBool("credits.enabled"),
			DefaultBalance: viper.GetInt("credits.default_balance"),
			RemediationURL: viper.GetString("credits.remediation_url"),
		},
		Storage: StorageConfig{
			Endpoint:        viper.GetString("storage.endpoint"),
			Region:          viper.GetString("storage.region"),
			AccessKeyID:     viper.GetString("storage.access_key_id"),
			SecretAccessKey: viper.GetString("storage.secret_access_key"),
			BucketName:      viper.GetString("storage.bucket_name"),
			PublicURL:       strings.TrimRight(viper.GetString("storage.public_url"), "/"),
			URLExpiry:       viper.GetDuration("storage.url_expiry"),
		},
		Render: RenderConfig{
			PlayerURL:      viper.GetString("render.player_url"),
			BrowserURL:     viper.GetString("render.browser_url"),
			DefaultFPS:     viper.GetInt("render.default_fps"),
			Width:          viper.GetInt("render.width"),
			Height:         viper.GetInt("render.height"),
			ConnectTimeout: viper.GetDuration("render.connect_timeout"),
			ConnectRetries: viper.GetInt("render.connect_retries"),
			PageTimeout:    viper.GetDuration("render.page_timeout"),
		},
		Encoder: EncoderConfig{
			FFmpegPath: viper.GetString("encoder.ffmpeg_path"),
			WorkDir:    viper.GetString("encoder.work_dir"),
		},
		Tracker: TrackerConfig{
			APIURL:       strings.TrimRight(viper.GetString("tracker.api_url"), "/"),
			Token:        viper.GetString("tracker.token"),
			Store:        viper.GetString("tracker.store"),
			StorePath:    viper.GetString("tracker.store_path"),
			Namespace:    viper.GetString("tracker.namespace"),
			PollInterval: viper.GetDuration("tracker.poll_interval"),
		},
	}

	return cfg, nil
}

func defaultStorePath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "cutline-jobs.json"
	}
	return dir + "/cutline/jobs.json"
}
