package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config location.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port          string `yaml:"port"`
	LogLevel      string `yaml:"logLevel"`
	DatabaseURL   string `yaml:"databaseURL"`
	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`

	CursorSecret string `yaml:"cursorSecret"`
	CursorTTLMS  int64  `yaml:"cursorTtlMs"`

	SkewWindowMS        int64 `yaml:"skewWindowMs"`
	SignedURLTTLSeconds int   `yaml:"signedUrlTtlSeconds"`

	ExportTTLMS                int64    `yaml:"exportTtlMs"`
	ExportMaxRows              int      `yaml:"exportMaxRows"`
	ExportMaxBytes             int64    `yaml:"exportMaxBytes"`
	ExportWorkers              int      `yaml:"exportWorkers"`
	ExportMaxConcurrentPerUser int      `yaml:"exportMaxConcurrentPerUser"`
	ExportAllowlist            []string `yaml:"exportAllowlist"`
	ExportQueueEnabled         bool     `yaml:"exportQueueEnabled"`
	ExportQueueStream          string   `yaml:"exportQueueStream"`

	EventsRateLimitPerMinute int      `yaml:"eventsRateLimitPerMinute"`
	ReadsRateLimitPerMinute  int      `yaml:"readsRateLimitPerMinute"`
	TrustedProxyCIDRs        []string `yaml:"trustedProxyCidrs"`

	// storageMode selects the object store: "minio" or "file".
	StorageMode     string `yaml:"storageMode"`
	MinioEndpoint   string `yaml:"minioEndpoint"`
	MinioAccessKey  string `yaml:"minioAccessKey"`
	MinioSecretKey  string `yaml:"minioSecretKey"`
	MinioBucket     string `yaml:"minioBucket"`
	MinioUseSSL     bool   `yaml:"minioUseSSL"`
	FileStoragePath string `yaml:"fileStoragePath"`
	FileBaseURL     string `yaml:"fileBaseURL"`

	// authMode selects identity resolution: "token" (bearer JWT) or
	// "header" (dev-only X-User-Id).
	AuthMode      string `yaml:"authMode"`
	TokenSecret   string `yaml:"tokenSecret"`
	TokenIssuer   string `yaml:"tokenIssuer"`
	TokenAudience string `yaml:"tokenAudience"`

	DevSeed bool `yaml:"devSeed"`
}

// Load reads config from path (defaults to config.yaml).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	applyEnv(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *FileConfig) {
	if v := os.Getenv("TRIAGEDECK_PORT"); v != "" {
		cfg.Port = strings.TrimSpace(v)
	}
	if v := os.Getenv("TRIAGEDECK_LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.TrimSpace(v)
	}
	if v := os.Getenv("TRIAGEDECK_DB_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("TRIAGEDECK_CURSOR_SECRET"); v != "" {
		cfg.CursorSecret = v
	}
	if v := os.Getenv("TRIAGEDECK_CURSOR_TTL_MS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.CursorTTLMS = n
		}
	}
	if v := os.Getenv("TRIAGEDECK_SKEW_WINDOW_MS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.SkewWindowMS = n
		}
	}
	if v := os.Getenv("TRIAGEDECK_SIGNED_URL_TTL_S"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SignedURLTTLSeconds = n
		}
	}
	if v := os.Getenv("TRIAGEDECK_EXPORT_TTL_MS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.ExportTTLMS = n
		}
	}
	if v := os.Getenv("TRIAGEDECK_EXPORT_MAX_ROWS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ExportMaxRows = n
		}
	}
	if v := os.Getenv("TRIAGEDECK_EXPORT_MAX_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.ExportMaxBytes = n
		}
	}
	if v := os.Getenv("TRIAGEDECK_EXPORT_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ExportWorkers = n
		}
	}
	if v := os.Getenv("TRIAGEDECK_EXPORT_MAX_CONCURRENT_PER_USER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ExportMaxConcurrentPerUser = n
		}
	}
	if v := os.Getenv("TRIAGEDECK_EXPORT_ALLOWLIST"); v != "" {
		cfg.ExportAllowlist = splitCSV(v)
	}
	if v := os.Getenv("TRIAGEDECK_EVENTS_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.EventsRateLimitPerMinute = n
		}
	}
	if v := os.Getenv("TRIAGEDECK_READS_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ReadsRateLimitPerMinute = n
		}
	}
	if v := os.Getenv("TRIAGEDECK_TRUSTED_PROXY_CIDRS"); v != "" {
		cfg.TrustedProxyCIDRs = splitCSV(v)
	}
	if v := os.Getenv("TRIAGEDECK_STORAGE_MODE"); v != "" {
		cfg.StorageMode = strings.TrimSpace(v)
	}
	if v := os.Getenv("MINIO_ENDPOINT"); v != "" {
		cfg.MinioEndpoint = v
	}
	if v := os.Getenv("MINIO_ACCESS_KEY"); v != "" {
		cfg.MinioAccessKey = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		cfg.MinioSecretKey = v
	}
	if v := os.Getenv("MINIO_BUCKET"); v != "" {
		cfg.MinioBucket = v
	}
	if v := os.Getenv("TRIAGEDECK_AUTH_MODE"); v != "" {
		cfg.AuthMode = strings.TrimSpace(v)
	}
	if v := os.Getenv("TRIAGEDECK_TOKEN_SECRET"); v != "" {
		cfg.TokenSecret = v
	}
	if v := os.Getenv("TRIAGEDECK_DEV_SEED"); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			cfg.DevSeed = b
		}
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if cfg.DatabaseURL == "" {
		return errors.New("config: databaseURL is required (set in config.yaml or TRIAGEDECK_DB_URL)")
	}
	if strings.TrimSpace(cfg.RedisAddr) == "" {
		return errors.New("config: redisAddr is required for distributed rate limiting")
	}
	if strings.TrimSpace(cfg.CursorSecret) == "" {
		return errors.New("config: cursorSecret is required (set in config.yaml or TRIAGEDECK_CURSOR_SECRET)")
	}
	switch cfg.StorageMode {
	case "", "file":
		if strings.TrimSpace(cfg.FileStoragePath) == "" {
			return errors.New("config: fileStoragePath is required for file storage mode")
		}
	case "minio":
		if cfg.MinioEndpoint == "" || cfg.MinioAccessKey == "" || cfg.MinioSecretKey == "" || cfg.MinioBucket == "" {
			return errors.New("config: minio endpoint, access key, secret key, and bucket are required")
		}
	default:
		return fmt.Errorf("config: unknown storageMode %q", cfg.StorageMode)
	}
	switch cfg.AuthMode {
	case "", "header":
	case "token":
		if strings.TrimSpace(cfg.TokenSecret) == "" {
			return errors.New("config: tokenSecret is required for token auth mode")
		}
	default:
		return fmt.Errorf("config: unknown authMode %q", cfg.AuthMode)
	}
	if cfg.EventsRateLimitPerMinute < 0 || cfg.ReadsRateLimitPerMinute < 0 {
		return errors.New("config: rate limits must be >= 0")
	}
	if cfg.SignedURLTTLSeconds != 0 && (cfg.SignedURLTTLSeconds < 300 || cfg.SignedURLTTLSeconds > 3600) {
		return errors.New("config: signedUrlTtlSeconds must be between 300 and 3600")
	}
	return nil
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}
