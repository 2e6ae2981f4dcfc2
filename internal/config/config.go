package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/Aman-CERP/vitalkb/internal/logging"
)

// FileName is the project-local config file.
const FileName = "vitalkb.yaml"

// EnvPrefix prefixes every environment override.
const EnvPrefix = "VITALKB_"

// Store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Lock kinds.
const (
	LockKeyed = "keyed"
	LockFile  = "file"
	LockRedis = "redis"
)

// Config represents the complete vitalkb configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" json:"store"`
	Embeddings EmbeddingsConfig `yaml:"embeddings" json:"embeddings"`
	Chunking   ChunkingConfig   `yaml:"chunking" json:"chunking"`
	Retrieval  RetrievalConfig  `yaml:"retrieval" json:"retrieval"`
	Pipeline   PipelineConfig   `yaml:"pipeline" json:"pipeline"`
	Locks      LocksConfig      `yaml:"locks" json:"locks"`
	Logging    logging.Config   `yaml:"logging" json:"logging"`
}

// StoreConfig selects the chunk store.
type StoreConfig struct {
	// Driver is "sqlite" (default) or "postgres".
	Driver string `yaml:"driver" json:"driver"`
	// Path is the SQLite database file. Empty keeps the store in memory.
	Path string `yaml:"path" json:"path"`
	// DSN is the Postgres connection string.
	DSN string `yaml:"dsn" json:"-"`
	// Dimensions is the embedding vector width the store accepts.
	Dimensions int `yaml:"dimensions" json:"dimensions"`
}

// EmbeddingsConfig configures the embedding provider.
type EmbeddingsConfig struct {
	Provider  string        `yaml:"provider" json:"provider"`
	Host      string        `yaml:"host" json:"host"` // empty uses the provider default
	Model     string        `yaml:"model" json:"model"`
	APIKey    string        `yaml:"api_key" json:"-"`
	BatchSize int           `yaml:"batch_size" json:"batch_size"`
	CacheSize int           `yaml:"cache_size" json:"cache_size"`
	Timeout   time.Duration `yaml:"timeout" json:"timeout"`
}

// ChunkingConfig sets chunk size and overlap in characters.
type ChunkingConfig struct {
	Size    int `yaml:"size" json:"size"`
	Overlap int `yaml:"overlap" json:"overlap"`
}

// RetrievalConfig configures hybrid search.
type RetrievalConfig struct {
	Limit        int     `yaml:"limit" json:"limit"`
	MaxLimit     int     `yaml:"max_limit" json:"max_limit"`
	Threshold    float64 `yaml:"threshold" json:"threshold"`
	TextWeight   float64 `yaml:"text_weight" json:"text_weight"`
	VectorWeight float64 `yaml:"vector_weight" json:"vector_weight"`
}

// PipelineConfig configures bulk reprocessing.
type PipelineConfig struct {
	Workers int `yaml:"workers" json:"workers"`
}

// LocksConfig selects how writes to one source are serialized.
type LocksConfig struct {
	Kind string `yaml:"kind" json:"kind"`
	// Dir holds lock files for the "file" kind.
	Dir           string        `yaml:"dir" json:"dir"`
	RedisAddr     string        `yaml:"redis_addr" json:"redis_addr"`
	RedisPassword string        `yaml:"redis_password" json:"-"`
	RedisDB       int           `yaml:"redis_db" json:"redis_db"`
	TTL           time.Duration `yaml:"ttl" json:"ttl"`
}

// NewConfig returns a Config with defaults applied.
func NewConfig() *Config {
	return &Config{
		Store: StoreConfig{
			Driver:     DriverSQLite,
			Path:       filepath.Join(DataDir(), "vitalkb.db"),
			Dimensions: 768,
		},
		Embeddings: EmbeddingsConfig{
			Provider:  "ollama",
			BatchSize: 32,
			CacheSize: 1000,
			Timeout:   60 * time.Second,
		},
		Chunking: ChunkingConfig{
			Size:    1200,
			Overlap: 200,
		},
		Retrieval: RetrievalConfig{
			Limit:        10,
			MaxLimit:     50,
			Threshold:    0.5,
			TextWeight:   0.5,
			VectorWeight: 0.5,
		},
		Pipeline: PipelineConfig{
			Workers: 4,
		},
		Locks: LocksConfig{
			Kind:      LockKeyed,
			Dir:       filepath.Join(DataDir(), "locks"),
			RedisAddr: "localhost:6379",
			TTL:       2 * time.Minute,
		},
		Logging: logging.DefaultConfig(),
	}
}

// DataDir returns ~/.vitalkb, or a temp directory when home is unknown.
func DataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".vitalkb")
	}
	return filepath.Join(home, ".vitalkb")
}

// GetUserConfigPath returns the user config file, honouring XDG_CONFIG_HOME.
func GetUserConfigPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "vitalkb", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "vitalkb", "config.yaml")
}

// Load builds the configuration: defaults, then the first config file found,
// then a .env file in the working directory, then VITALKB_* variables.
// An explicit path must exist; otherwise ./vitalkb.yaml and the user config
// are tried in order.
func Load(path string) (*Config, error) {
	cfg := NewConfig()

	file, err := resolveFile(path)
	if err != nil {
		return nil, err
	}
	if file != "" {
		if err := cfg.loadYAML(file); err != nil {
			return nil, err
		}
	}

	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}
	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func resolveFile(path string) (string, error) {
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return "", fmt.Errorf("config file %s: %w", path, err)
		}
		return path, nil
	}
	for _, candidate := range []string{FileName, GetUserConfigPath()} {
		if candidate == "" {
			continue
		}
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", nil
}

// loadYAML decodes onto the current values so absent keys keep their defaults.
func (c *Config) loadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// loadDotEnv loads path into the environment without overriding variables
// that are already set. A missing file is not an error.
func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// applyEnvOverrides applies VITALKB_* variables. They have the highest priority.
func (c *Config) applyEnvOverrides() error {
	strs := map[string]*string{
		"STORE_DRIVER":        &c.Store.Driver,
		"STORE_PATH":          &c.Store.Path,
		"DATABASE_URL":        &c.Store.DSN,
		"EMBEDDINGS_PROVIDER": &c.Embeddings.Provider,
		"EMBEDDINGS_HOST":     &c.Embeddings.Host,
		"EMBEDDINGS_MODEL":    &c.Embeddings.Model,
		"EMBEDDINGS_API_KEY":  &c.Embeddings.APIKey,
		"LOCK_KIND":           &c.Locks.Kind,
		"LOCK_DIR":            &c.Locks.Dir,
		"REDIS_ADDR":          &c.Locks.RedisAddr,
		"REDIS_PASSWORD":      &c.Locks.RedisPassword,
		"LOG_LEVEL":           &c.Logging.Level,
		"LOG_FILE":            &c.Logging.FilePath,
	}
	for name, dst := range strs {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok && v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		"STORE_DIMENSIONS": &c.Store.Dimensions,
		"BATCH_SIZE":       &c.Embeddings.BatchSize,
		"CACHE_SIZE":       &c.Embeddings.CacheSize,
		"CHUNK_SIZE":       &c.Chunking.Size,
		"CHUNK_OVERLAP":    &c.Chunking.Overlap,
		"SEARCH_LIMIT":     &c.Retrieval.Limit,
		"WORKERS":          &c.Pipeline.Workers,
		"REDIS_DB":         &c.Locks.RedisDB,
	}
	for name, dst := range ints {
		v, ok := os.LookupEnv(EnvPrefix + name)
		if !ok || v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s%s: invalid integer %q", EnvPrefix, name, v)
		}
		*dst = n
	}

	floats := map[string]*float64{
		"SEARCH_THRESHOLD": &c.Retrieval.Threshold,
		"TEXT_WEIGHT":      &c.Retrieval.TextWeight,
		"VECTOR_WEIGHT":    &c.Retrieval.VectorWeight,
	}
	for name, dst := range floats {
		v, ok := os.LookupEnv(EnvPrefix + name)
		if !ok || v == "" {
			continue
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%s%s: invalid number %q", EnvPrefix, name, v)
		}
		*dst = f
	}

	if v := os.Getenv(EnvPrefix + "EMBEDDINGS_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%sEMBEDDINGS_TIMEOUT: %w", EnvPrefix, err)
		}
		c.Embeddings.Timeout = d
	}
	return nil
}

// Validate validates the configuration and returns an error if invalid.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Store.Driver) {
	case DriverSQLite:
	case DriverPostgres:
		if c.Store.DSN == "" {
			return errors.New("store.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("store.driver must be 'sqlite' or 'postgres', got %s", c.Store.Driver)
	}
	if c.Store.Dimensions <= 0 {
		return fmt.Errorf("store.dimensions must be positive, got %d", c.Store.Dimensions)
	}

	validProviders := map[string]bool{"": true, "ollama": true, "openai": true, "static": true}
	if !validProviders[strings.ToLower(c.Embeddings.Provider)] {
		return fmt.Errorf("embeddings.provider must be 'ollama', 'openai' or 'static', got %s", c.Embeddings.Provider)
	}
	if c.Embeddings.BatchSize < 0 || c.Embeddings.CacheSize < 0 {
		return errors.New("embeddings.batch_size and embeddings.cache_size must be non-negative")
	}

	if c.Chunking.Size <= 0 {
		return fmt.Errorf("chunking.size must be positive, got %d", c.Chunking.Size)
	}
	if c.Chunking.Overlap < 0 || c.Chunking.Overlap >= c.Chunking.Size {
		return fmt.Errorf("chunking.overlap must be in [0, size), got %d", c.Chunking.Overlap)
	}

	r := c.Retrieval
	if r.Limit <= 0 || r.MaxLimit <= 0 || r.Limit > r.MaxLimit {
		return fmt.Errorf("retrieval.limit must be in [1, max_limit], got %d (max %d)", r.Limit, r.MaxLimit)
	}
	if r.Threshold < 0 || r.Threshold > 1 {
		return fmt.Errorf("retrieval.threshold must be between 0 and 1, got %f", r.Threshold)
	}
	if r.TextWeight < 0 || r.VectorWeight < 0 {
		return errors.New("retrieval weights must be non-negative")
	}
	if math.Abs(r.TextWeight+r.VectorWeight-1.0) > 0.01 {
		return fmt.Errorf("retrieval.text_weight + retrieval.vector_weight must equal 1.0, got %.2f", r.TextWeight+r.VectorWeight)
	}

	if c.Pipeline.Workers <= 0 {
		return fmt.Errorf("pipeline.workers must be positive, got %d", c.Pipeline.Workers)
	}

	switch strings.ToLower(c.Locks.Kind) {
	case LockKeyed:
	case LockFile:
		if c.Locks.Dir == "" {
			return errors.New("locks.dir is required for file locks")
		}
	case LockRedis:
		if c.Locks.RedisAddr == "" {
			return errors.New("locks.redis_addr is required for redis locks")
		}
	default:
		return fmt.Errorf("locks.kind must be 'keyed', 'file' or 'redis', got %s", c.Locks.Kind)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("logging.level must be 'debug', 'info', 'warn', or 'error', got %s", c.Logging.Level)
	}
	return nil
}

// WriteYAML writes the configuration to a YAML file.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
