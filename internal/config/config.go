package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds the stashdoc API configuration.
type Config struct {
	HTTP         HTTPConfig         `yaml:"http"`
	ObjectStore  ObjectStoreConfig  `yaml:"object_store"`
	Metadata     MetadataConfig     `yaml:"metadata"`
	KeywordIndex KeywordIndexConfig `yaml:"keyword_index"`
	VectorIndex  VectorIndexConfig  `yaml:"vector_index"`
	Embedding    EmbeddingConfig    `yaml:"embedding"`
	Upload       UploadConfig       `yaml:"upload"`
	Search       SearchConfig       `yaml:"search"`
	Auth         AuthConfig         `yaml:"auth"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error (default: determined by env)
}

// AuthConfig holds API authentication settings.
type AuthConfig struct {
	APIKeys []string `yaml:"api_keys"`
}

// HTTPConfig holds HTTP server settings.
type HTTPConfig struct {
	Port            int `yaml:"port"`
	ReadTimeoutSec  int `yaml:"read_timeout_sec"`
	WriteTimeoutSec int `yaml:"write_timeout_sec"`
	ShutdownSec     int `yaml:"shutdown_timeout_sec"`
}

// ObjectStoreConfig holds MinIO/S3 settings.
type ObjectStoreConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// MetadataConfig holds PostgreSQL settings.
type MetadataConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"ssl_mode"`
}

// KeywordIndexConfig holds RediSearch settings.
type KeywordIndexConfig struct {
	Addrs    []string `yaml:"addrs"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
}

// VectorIndexConfig holds Qdrant settings.
type VectorIndexConfig struct {
	URL        string `yaml:"url"`
	APIKey     string `yaml:"api_key"`
	Collection string `yaml:"collection"`
	TimeoutSec int    `yaml:"timeout_sec"`
}

// EmbeddingConfig holds embedding provider settings.
type EmbeddingConfig struct {
	APIKey     string `yaml:"api_key"`
	BaseURL    string `yaml:"base_url"`
	Model      string `yaml:"model"`
	Dimensions int    `yaml:"dimensions"`
}

// UploadConfig holds coordinator policy settings.
type UploadConfig struct {
	// StrictTags makes any tag failure abort and roll back the upload.
	// The default policy logs the failed tag and continues.
	StrictTags           bool `yaml:"strict_tags"`
	TimeoutSec           int  `yaml:"timeout_sec"`
	RollbackMaxRetries   int  `yaml:"rollback_max_retries"`
	RollbackBaseDelayMS  int  `yaml:"rollback_base_delay_ms"`
	TransactionHistory   int  `yaml:"transaction_history"`
	PresignedURLTTLHours int  `yaml:"presigned_url_ttl_hours"`
}

// SearchConfig holds aggregator settings.
type SearchConfig struct {
	ScoreFloor   float64 `yaml:"score_floor"`
	DefaultLimit int     `yaml:"default_limit"`
	MaxLimit     int     `yaml:"max_limit"`
}

// Load reads configuration from a YAML file by environment name (local, dev, prod).
func Load(env string) (Config, error) {
	configPath := findConfigPath(env)

	data, err := os.ReadFile(filepath.Clean(configPath))
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", configPath, err)
	}

	// Substitute env variables of the form ${VAR}
	data = expandEnvVars(data)

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// MustLoad loads configuration or panics.
func MustLoad(env string) Config {
	cfg, err := Load(env)
	if err != nil {
		panic(err)
	}
	return cfg
}

// GetEnv returns the current environment from the ENV variable, defaulting to "local".
func GetEnv() string {
	if env := os.Getenv("ENV"); env != "" {
		return env
	}
	return "local"
}

// ApplyDefaults fills empty fields with default values.
func (c *Config) ApplyDefaults() {
	if c.HTTP.ReadTimeoutSec <= 0 {
		c.HTTP.ReadTimeoutSec = 10
	}
	if c.HTTP.WriteTimeoutSec <= 0 {
		c.HTTP.WriteTimeoutSec = 30
	}
	if c.HTTP.ShutdownSec <= 0 {
		c.HTTP.ShutdownSec = 10
	}
	if c.Metadata.Port <= 0 {
		c.Metadata.Port = 5432
	}
	if c.VectorIndex.Collection == "" {
		c.VectorIndex.Collection = "stashdoc-uploads"
	}
	if c.VectorIndex.TimeoutSec <= 0 {
		c.VectorIndex.TimeoutSec = 15
	}
	if c.Embedding.Dimensions <= 0 {
		c.Embedding.Dimensions = 768
	}
	if c.Upload.TimeoutSec <= 0 {
		c.Upload.TimeoutSec = 60
	}
	if c.Upload.RollbackMaxRetries <= 0 {
		c.Upload.RollbackMaxRetries = 3
	}
	if c.Upload.RollbackBaseDelayMS <= 0 {
		c.Upload.RollbackBaseDelayMS = 100
	}
	if c.Upload.TransactionHistory <= 0 {
		c.Upload.TransactionHistory = 256
	}
	if c.Upload.PresignedURLTTLHours <= 0 {
		c.Upload.PresignedURLTTLHours = 24
	}
	if c.Search.ScoreFloor <= 0 {
		c.Search.ScoreFloor = 0.5
	}
	if c.Search.DefaultLimit <= 0 {
		c.Search.DefaultLimit = 10
	}
	if c.Search.MaxLimit <= 0 {
		c.Search.MaxLimit = 100
	}
}

// Validate checks the configuration for correctness.
func (c *Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port must be between 1 and 65535, got %d", c.HTTP.Port)
	}
	if c.ObjectStore.Endpoint == "" {
		return fmt.Errorf("object_store.endpoint is required")
	}
	if c.ObjectStore.Bucket == "" {
		return fmt.Errorf("object_store.bucket is required")
	}
	if c.Metadata.Host == "" {
		return fmt.Errorf("metadata.host is required")
	}
	if len(c.KeywordIndex.Addrs) == 0 {
		return fmt.Errorf("keyword_index.addrs is required")
	}
	if c.VectorIndex.URL == "" {
		return fmt.Errorf("vector_index.url is required")
	}
	if c.Embedding.Model == "" {
		return fmt.Errorf("embedding.model is required")
	}
	return nil
}

// findConfigPath locates the config file.
func findConfigPath(env string) string {
	filename := fmt.Sprintf("%s.yaml", env)

	// 1. Check ./config/
	if path := filepath.Join("config", filename); fileExists(path) {
		return path
	}

	// 2. Check relative to the source file
	_, b, _, _ := runtime.Caller(0)
	projectRoot := filepath.Dir(filepath.Dir(filepath.Dir(b))) // internal/config -> project root
	if path := filepath.Join(projectRoot, "config", filename); fileExists(path) {
		return path
	}

	// 3. Fallback to ./config/
	return filepath.Join("config", filename)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// expandEnvVars replaces ${VAR} and ${VAR:-default} with environment variable values.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

func expandEnvVars(data []byte) []byte {
	return envVarRegex.ReplaceAllFunc(data, func(match []byte) []byte {
		expr := string(match[2 : len(match)-1]) // strip ${ and }
		varName, defaultVal, hasDefault := strings.Cut(expr, ":-")
		val := os.Getenv(varName)
		if val == "" && hasDefault {
			val = defaultVal
		}
		return []byte(val)
	})
}
