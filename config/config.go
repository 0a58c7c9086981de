package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Minio   MinioConfig   `yaml:"minio"`
	Mineru  MineruConfig  `yaml:"mineru"`
	Store   StoreConfig   `yaml:"store"`
	Checker CheckerConfig `yaml:"checker"`
	Auth    AuthConfig    `yaml:"auth"`
	Log     LogConfig     `yaml:"log"`
}

type ServerConfig struct {
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	RateLimit      int      `yaml:"rate_limit"` // requests per minute per client, 0 disables
}

type MinioConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// MineruConfig configures the OCR fallback.
type MineruConfig struct {
	APIURL         string `yaml:"api_url"`
	APIToken       string `yaml:"api_token"`
	ModelVersion   string `yaml:"model_version"`
	TimeoutSeconds int    `yaml:"timeout_seconds"` // per HTTP call
	PollSeconds    int    `yaml:"poll_seconds"`
	MaxPolls       int    `yaml:"max_polls"`
}

type StoreConfig struct {
	Driver        string `yaml:"driver"` // sqlite or memory
	Path          string `yaml:"path"`
	Table         string `yaml:"table"`
	RetentionDays int    `yaml:"retention_days"`
	SweepMinutes  int    `yaml:"sweep_minutes"`
}

type CheckerConfig struct {
	ManifestPath       string `yaml:"manifest_path"`
	ManifestTTLMinutes int    `yaml:"manifest_ttl_minutes"` // 0 keeps the cache until cleared
	WatchManifests     bool   `yaml:"watch_manifests"`
	KeyPrefix          string `yaml:"key_prefix"`
	PresignSeconds     int    `yaml:"presign_seconds"`
	DefaultMaxMB       int    `yaml:"default_max_mb"`
	DefaultMaxPages    int    `yaml:"default_max_pages"`
	EnableOCR          bool   `yaml:"enable_ocr"`
	Workers            int    `yaml:"workers"`
}

type AuthConfig struct {
	JWTSecret        string `yaml:"jwt_secret"`
	TokenExpireHours int    `yaml:"token_expire_hours"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Retention is how long an idle submission survives.
func (c StoreConfig) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// PresignExpiry is the lifetime of an upload credential.
func (c CheckerConfig) PresignExpiry() time.Duration {
	return time.Duration(c.PresignSeconds) * time.Second
}

// ManifestTTL is zero when the manifest cache never expires on its own.
func (c CheckerConfig) ManifestTTL() time.Duration {
	return time.Duration(c.ManifestTTLMinutes) * time.Minute
}

// Load reads the YAML file at path (if present), then applies .env and
// environment overrides and fills defaults.
func Load(path string) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
		// environment-only deployments have no file
	default:
		return nil, err
	}

	// .env is optional
	_ = godotenv.Load()

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.setDefaults()
	return &cfg, nil
}

func (c *Config) setDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"*"}
	}
	if c.Minio.Region == "" {
		c.Minio.Region = "us-east-1"
	}
	if c.Mineru.ModelVersion == "" {
		c.Mineru.ModelVersion = "vlm"
	}
	if c.Mineru.TimeoutSeconds == 0 {
		c.Mineru.TimeoutSeconds = 60
	}
	if c.Mineru.PollSeconds == 0 {
		c.Mineru.PollSeconds = 5
	}
	if c.Mineru.MaxPolls == 0 {
		c.Mineru.MaxPolls = 60
	}
	if c.Store.Driver == "" {
		c.Store.Driver = "sqlite"
	}
	if c.Store.Path == "" {
		c.Store.Path = "data"
	}
	if c.Store.Table == "" {
		c.Store.Table = "submissions"
	}
	if c.Store.RetentionDays == 0 {
		c.Store.RetentionDays = 2
	}
	if c.Store.SweepMinutes == 0 {
		c.Store.SweepMinutes = 10
	}
	if c.Checker.ManifestPath == "" {
		c.Checker.ManifestPath = "config/doc_manifests"
	}
	if c.Checker.KeyPrefix == "" {
		c.Checker.KeyPrefix = "submissions"
	}
	if c.Checker.PresignSeconds == 0 {
		c.Checker.PresignSeconds = 900
	}
	if c.Checker.DefaultMaxMB == 0 {
		c.Checker.DefaultMaxMB = 25
	}
	if c.Checker.DefaultMaxPages == 0 {
		c.Checker.DefaultMaxPages = 50
	}
	if c.Checker.Workers == 0 {
		c.Checker.Workers = 4
	}
	if c.Auth.TokenExpireHours == 0 {
		c.Auth.TokenExpireHours = 24 * 365
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

func (c *Config) applyEnv() error {
	setString(&c.Minio.Bucket, "DOC_CHECKER_BUCKET")
	setString(&c.Minio.Endpoint, "MINIO_ENDPOINT")
	setString(&c.Minio.AccessKey, "MINIO_ACCESS_KEY")
	setString(&c.Minio.SecretKey, "MINIO_SECRET_KEY")
	setString(&c.Minio.Region, "AWS_DEFAULT_REGION")
	setString(&c.Minio.Region, "AWS_REGION")
	setString(&c.Store.Table, "DOC_CHECKER_TABLE")
	setString(&c.Checker.ManifestPath, "DOC_CHECKER_MANIFEST_PATH")
	setString(&c.Mineru.APIToken, "MINERU_API_TOKEN")
	setString(&c.Auth.JWTSecret, "DOC_CHECKER_JWT_SECRET")

	if v, ok := lookup("DOC_CHECKER_ALLOWED_ORIGINS"); ok {
		var origins []string
		for _, item := range strings.Split(v, ",") {
			if item = strings.TrimSpace(item); item != "" {
				origins = append(origins, item)
			}
		}
		c.Server.AllowedOrigins = origins
	}

	for _, iv := range []struct {
		dst *int
		key string
	}{
		{&c.Checker.PresignSeconds, "DOC_CHECKER_PRESIGN_SECONDS"},
		{&c.Store.RetentionDays, "DOC_CHECKER_TTL_DAYS"},
		{&c.Checker.DefaultMaxMB, "DOC_CHECKER_DEFAULT_MAX_MB"},
		{&c.Checker.DefaultMaxPages, "DOC_CHECKER_DEFAULT_MAX_PAGES"},
	} {
		if err := setInt(iv.dst, iv.key); err != nil {
			return err
		}
	}

	if v, ok := lookup("DOC_CHECKER_ENABLE_OCR"); ok {
		switch strings.ToLower(v) {
		case "true", "1", "yes":
			c.Checker.EnableOCR = true
		default:
			c.Checker.EnableOCR = false
		}
	}
	return nil
}

func lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func setString(dst *string, key string) {
	if v, ok := lookup(key); ok {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v, ok := lookup(key)
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}
