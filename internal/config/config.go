package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds runtime configuration for the API server and the convert CLI.
type Config struct {
	Env               string
	HTTPPort          string
	LogLevel          string
	ShutdownTimeout   time.Duration
	Workers           int
	WorkDir           string
	MaxUploadBytes    int64
	DebugHistoryLimit int
	ChainSeparators   []string
	CORSOrigins       []string

	RedisAddr         string
	RedisPassword     string
	RedisDB           int
	RateLimitCapacity int
	RateLimitRefill   float64

	PostgresDSN      string
	HistoryRetention time.Duration

	ResultDir         string
	ResultS3Bucket    string
	ResultS3Region    string
	ResultS3Endpoint  string
	ResultS3PathStyle bool

	SofficeBin  string
	FFmpegBin   string
	MagickBin   string
	SevenZipBin string
}

var envKeys = map[string]string{
	"env":                   "APP_ENV",
	"http_port":             "HTTP_PORT",
	"log_level":             "LOG_LEVEL",
	"shutdown_timeout":      "SHUTDOWN_TIMEOUT",
	"workers":               "CONVERSION_WORKERS",
	"work_dir":              "WORK_DIR",
	"max_upload_bytes":      "MAX_UPLOAD_BYTES",
	"debug_history_limit":   "DEBUG_HISTORY_LIMIT",
	"chain_separators":      "CHAIN_SEPARATORS",
	"cors_origins":          "CORS_ORIGINS",
	"redis.addr":            "REDIS_ADDR",
	"redis.password":        "REDIS_PASSWORD",
	"redis.db":              "REDIS_DB",
	"ratelimit.capacity":    "RATE_LIMIT_CAPACITY",
	"ratelimit.refill":      "RATE_LIMIT_REFILL_PER_SEC",
	"postgres.dsn":          "POSTGRES_DSN",
	"postgres.retention":    "HISTORY_RETENTION",
	"results.dir":           "RESULT_DIR",
	"results.s3_bucket":     "RESULT_S3_BUCKET",
	"results.s3_region":     "RESULT_S3_REGION",
	"results.s3_endpoint":   "RESULT_S3_ENDPOINT",
	"results.s3_path_style": "RESULT_S3_PATH_STYLE",
	"tools.soffice":         "SOFFICE_BIN",
	"tools.ffmpeg":          "FFMPEG_BIN",
	"tools.magick":          "MAGICK_BIN",
	"tools.sevenzip":        "SEVENZIP_BIN",
}

// Load reads defaults, an optional config.yaml and environment overrides.
func Load() (Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	for key, env := range envKeys {
		_ = v.BindEnv(key, env)
	}

	v.SetDefault("env", "dev")
	v.SetDefault("http_port", "8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("shutdown_timeout", "30s")
	v.SetDefault("workers", 2)
	v.SetDefault("work_dir", "")
	v.SetDefault("max_upload_bytes", 200<<20)
	v.SetDefault("debug_history_limit", 100)
	v.SetDefault("chain_separators", "-> => > , |")
	v.SetDefault("cors_origins", "*")
	v.SetDefault("redis.db", 0)
	v.SetDefault("ratelimit.capacity", 30)
	v.SetDefault("ratelimit.refill", 0.5)
	v.SetDefault("postgres.retention", "720h")
	v.SetDefault("results.s3_region", "us-east-1")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	cfg := Config{
		Env:               v.GetString("env"),
		HTTPPort:          v.GetString("http_port"),
		LogLevel:          v.GetString("log_level"),
		ShutdownTimeout:   v.GetDuration("shutdown_timeout"),
		Workers:           v.GetInt("workers"),
		WorkDir:           v.GetString("work_dir"),
		MaxUploadBytes:    v.GetInt64("max_upload_bytes"),
		DebugHistoryLimit: v.GetInt("debug_history_limit"),
		ChainSeparators:   strings.Fields(v.GetString("chain_separators")),
		CORSOrigins:       splitList(v.GetString("cors_origins")),

		RedisAddr:         v.GetString("redis.addr"),
		RedisPassword:     v.GetString("redis.password"),
		RedisDB:           v.GetInt("redis.db"),
		RateLimitCapacity: v.GetInt("ratelimit.capacity"),
		RateLimitRefill:   v.GetFloat64("ratelimit.refill"),

		PostgresDSN:      v.GetString("postgres.dsn"),
		HistoryRetention: v.GetDuration("postgres.retention"),

		ResultDir:         v.GetString("results.dir"),
		ResultS3Bucket:    v.GetString("results.s3_bucket"),
		ResultS3Region:    v.GetString("results.s3_region"),
		ResultS3Endpoint:  v.GetString("results.s3_endpoint"),
		ResultS3PathStyle: v.GetBool("results.s3_path_style"),

		SofficeBin:  v.GetString("tools.soffice"),
		FFmpegBin:   v.GetString("tools.ffmpeg"),
		MagickBin:   v.GetString("tools.magick"),
		SevenZipBin: v.GetString("tools.sevenzip"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the service cannot run with.
func (c Config) Validate() error {
	if c.Workers < 1 {
		return fmt.Errorf("CONVERSION_WORKERS must be at least 1, got %d", c.Workers)
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("MAX_UPLOAD_BYTES must be positive, got %d", c.MaxUploadBytes)
	}
	if c.RedisAddr != "" && (c.RateLimitCapacity < 1 || c.RateLimitRefill <= 0) {
		return errors.New("rate limiting needs a positive RATE_LIMIT_CAPACITY and RATE_LIMIT_REFILL_PER_SEC")
	}
	if len(c.ChainSeparators) == 0 {
		return errors.New("CHAIN_SEPARATORS must name at least one token")
	}
	return nil
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
