// Package config loads evermem configuration from environment variables
// with the EVERMEM_ prefix, optionally overlaid by a YAML file. Every
// knob has a default so a bare `evermem` invocation works against a
// local SQLite database with no cloud secondary.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the evermem service.
type Config struct {
	Storage       StorageConfig       `yaml:"storage"`
	Embedding     EmbeddingConfig     `yaml:"embedding"`
	Cloud         CloudConfig         `yaml:"cloud"`
	Postgres      PostgresConfig      `yaml:"postgres"`
	Sync          SyncConfig          `yaml:"sync"`
	Consolidation ConsolidationConfig `yaml:"consolidation"`
	Backup        BackupConfig        `yaml:"backup"`
	Log           LogConfig           `yaml:"log"`
}

// StorageConfig configures the primary embedded backend.
type StorageConfig struct {
	// BasePath is the data directory; the primary database lives at
	// <BasePath>/evermem.db with its WAL/shm sidecars.
	BasePath   string `yaml:"base_path"`
	DBFilename string `yaml:"db_filename"`

	// MaxContentLength caps stored content length; 0 means unlimited.
	// Content over the cap is auto-split into sibling chunk memories
	// when AutoSplit is on.
	MaxContentLength int  `yaml:"max_content_length"`
	AutoSplit        bool `yaml:"auto_split"`
	ChunkOverlap     int  `yaml:"chunk_overlap"`

	// Hybrid search score blend. Weights are normalized at query time.
	HybridKeywordWeight  float64 `yaml:"hybrid_keyword_weight"`
	HybridSemanticWeight float64 `yaml:"hybrid_semantic_weight"`

	// IntegrityInterval is how often the integrity monitor runs
	// PRAGMA integrity_check on a short-lived connection.
	IntegrityInterval time.Duration `yaml:"integrity_interval"`

	// TombstoneRetentionDays controls how long soft-deleted rows are
	// kept before PurgeDeleted removes them.
	TombstoneRetentionDays int `yaml:"tombstone_retention_days"`
}

// DBPath returns the full path of the primary database file.
func (s StorageConfig) DBPath() string {
	return filepath.Join(s.BasePath, s.DBFilename)
}

// EmbeddingConfig selects and configures the embedding provider.
type EmbeddingConfig struct {
	// Provider is one of "ollama", "openai", or "static" (deterministic
	// offline vectors, used by tests and air-gapped deployments).
	Provider string `yaml:"provider"`

	OllamaURL string `yaml:"ollama_url"`

	// OpenAIBaseURL points at any /v1/embeddings-compatible endpoint.
	OpenAIBaseURL string `yaml:"openai_base_url"`
	OpenAIAPIKey  string `yaml:"openai_api_key"`

	Model     string `yaml:"model"`
	Dimension int    `yaml:"dimension"`
	CacheSize int    `yaml:"cache_size"`
}

// CloudConfig configures the cloud secondary backend. Disabled unless
// both BaseURL and APIToken are set.
type CloudConfig struct {
	Enabled     bool   `yaml:"enabled"`
	BaseURL     string `yaml:"base_url"`
	APIToken    string `yaml:"api_token"`
	AccountID   string `yaml:"account_id"`
	VectorIndex string `yaml:"vector_index"`
	DatabaseID  string `yaml:"database_id"`
	Bucket      string `yaml:"bucket"`

	// LargeContentThreshold: content at or above this many bytes is
	// written to the blob store and referenced by URI in the row.
	LargeContentThreshold int `yaml:"large_content_threshold"`

	MaxRetries int           `yaml:"max_retries"`
	BaseDelay  time.Duration `yaml:"base_delay"`

	// Capacity guard inputs: the provider's vector limit and the
	// fractions of it that trigger a warning and a hard stop.
	MaxVectors        int     `yaml:"max_vectors"`
	WarningThreshold  float64 `yaml:"warning_threshold"`
	CriticalThreshold float64 `yaml:"critical_threshold"`
	MaxMetadataBytes  int     `yaml:"max_metadata_bytes"`
}

// PostgresConfig configures the optional Postgres/pgvector secondary.
type PostgresConfig struct {
	Enabled bool   `yaml:"enabled"`
	DSN     string `yaml:"dsn"`
}

// SyncConfig tunes the hybrid engine's background sync service.
type SyncConfig struct {
	QueueSize     int           `yaml:"queue_size"`
	BatchSize     int           `yaml:"batch_size"`
	DrainInterval time.Duration `yaml:"drain_interval"`
	SyncInterval  time.Duration `yaml:"sync_interval"`
	MaxRetries    int           `yaml:"max_retries"`

	InitialSyncDelay    time.Duration `yaml:"initial_sync_delay"`
	InitialSyncPageSize int           `yaml:"initial_sync_page_size"`
	MaxEmptyBatches     int           `yaml:"max_empty_batches"`
	MinCheckCount       int           `yaml:"min_check_count"`

	DriftEnabled   bool          `yaml:"drift_enabled"`
	DriftInterval  time.Duration `yaml:"drift_interval"`
	DriftBatchSize int           `yaml:"drift_batch_size"`
}

// ConsolidationConfig tunes the dream-inspired maintenance pipeline.
type ConsolidationConfig struct {
	// AssociationStorage is one of "memories", "dual", or "graph".
	AssociationStorage string `yaml:"association_storage"`

	Incremental bool `yaml:"incremental"`
	BatchSize   int  `yaml:"batch_size"`

	MinSimilarity float64 `yaml:"min_similarity"`
	MaxSimilarity float64 `yaml:"max_similarity"`
	PairSampleCap int     `yaml:"pair_sample_cap"`

	// Clustering is one of "dbscan", "hierarchical", or "simple".
	Clustering     string `yaml:"clustering"`
	MinClusterSize int    `yaml:"min_cluster_size"`

	MaxSummaryLength int `yaml:"max_summary_length"`

	ForgettingEnabled   bool    `yaml:"forgetting_enabled"`
	RelevanceThreshold  float64 `yaml:"relevance_threshold"`
	AccessThresholdDays int     `yaml:"access_threshold_days"`
	ArchivePath         string  `yaml:"archive_path"`

	QualityBoostEnabled  bool    `yaml:"quality_boost_enabled"`
	QualityBoostFactor   float64 `yaml:"quality_boost_factor"`
	QualityBoostMinConns int     `yaml:"quality_boost_min_connections"`
}

// BackupConfig configures the periodic snapshot service.
type BackupConfig struct {
	Enabled          bool          `yaml:"enabled"`
	Interval         time.Duration `yaml:"interval"`
	Path             string        `yaml:"path"`
	Verify           bool          `yaml:"verify"`
	RetentionHourly  int           `yaml:"retention_hourly"`
	RetentionDaily   int           `yaml:"retention_daily"`
	RetentionWeekly  int           `yaml:"retention_weekly"`
	RetentionMonthly int           `yaml:"retention_monthly"`
}

// LogConfig configures the service log file; when Path is empty logs go
// to stderr without rotation.
type LogConfig struct {
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Load builds the configuration from environment variables. When
// yamlPath is non-empty the file is read and overlays the env-derived
// values (file wins).
func Load(yamlPath string) (*Config, error) {
	cfg := fromEnv()

	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", yamlPath, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", yamlPath, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that cannot produce a working system.
// These are fatal at initialization, not per-request errors.
func (c *Config) Validate() error {
	if c.Storage.BasePath == "" {
		return fmt.Errorf("config: storage base path is required")
	}
	if c.Storage.MaxContentLength > 0 && c.Storage.ChunkOverlap >= c.Storage.MaxContentLength {
		return fmt.Errorf("config: chunk overlap %d must be smaller than max content length %d",
			c.Storage.ChunkOverlap, c.Storage.MaxContentLength)
	}
	switch c.Embedding.Provider {
	case "ollama", "openai", "static":
	default:
		return fmt.Errorf("config: unknown embedding provider %q", c.Embedding.Provider)
	}
	if c.Embedding.Provider == "openai" && c.Embedding.OpenAIAPIKey == "" {
		return fmt.Errorf("config: openai embedding provider requires EVERMEM_OPENAI_API_KEY")
	}
	if c.Cloud.Enabled {
		if c.Cloud.BaseURL == "" || c.Cloud.APIToken == "" {
			return fmt.Errorf("config: cloud secondary requires base URL and API token")
		}
		if c.Cloud.WarningThreshold >= c.Cloud.CriticalThreshold {
			return fmt.Errorf("config: cloud warning threshold %.2f must be below critical threshold %.2f",
				c.Cloud.WarningThreshold, c.Cloud.CriticalThreshold)
		}
	}
	if c.Cloud.Enabled && c.Postgres.Enabled {
		return fmt.Errorf("config: cloud and postgres secondaries are mutually exclusive")
	}
	switch c.Consolidation.AssociationStorage {
	case "memories", "dual", "graph":
	default:
		return fmt.Errorf("config: association storage must be memories, dual, or graph, got %q",
			c.Consolidation.AssociationStorage)
	}
	switch c.Consolidation.Clustering {
	case "dbscan", "hierarchical", "simple":
	default:
		return fmt.Errorf("config: clustering algorithm must be dbscan, hierarchical, or simple, got %q",
			c.Consolidation.Clustering)
	}
	if c.Consolidation.MinSimilarity > c.Consolidation.MaxSimilarity {
		return fmt.Errorf("config: consolidation min similarity %.2f exceeds max %.2f",
			c.Consolidation.MinSimilarity, c.Consolidation.MaxSimilarity)
	}
	return nil
}

// fromEnv constructs a Config from EVERMEM_-prefixed environment
// variables with defaults.
func fromEnv() *Config {
	basePath := getEnv("EVERMEM_BASE_PATH", "./data")
	return &Config{
		Storage: StorageConfig{
			BasePath:               basePath,
			DBFilename:             getEnv("EVERMEM_DB_FILENAME", "evermem.db"),
			MaxContentLength:       getEnvInt("EVERMEM_MAX_CONTENT_LENGTH", 0),
			AutoSplit:              getEnvBool("EVERMEM_AUTO_SPLIT", true),
			ChunkOverlap:           getEnvInt("EVERMEM_CHUNK_OVERLAP", 50),
			HybridKeywordWeight:    getEnvFloat("EVERMEM_HYBRID_KEYWORD_WEIGHT", 0.3),
			HybridSemanticWeight:   getEnvFloat("EVERMEM_HYBRID_SEMANTIC_WEIGHT", 0.7),
			IntegrityInterval:      getEnvDuration("EVERMEM_INTEGRITY_INTERVAL", 30*time.Minute),
			TombstoneRetentionDays: getEnvInt("EVERMEM_TOMBSTONE_RETENTION_DAYS", 30),
		},
		Embedding: EmbeddingConfig{
			Provider:      getEnv("EVERMEM_EMBEDDING_PROVIDER", "ollama"),
			OllamaURL:     getEnv("EVERMEM_OLLAMA_URL", "http://localhost:11434"),
			OpenAIBaseURL: getEnv("EVERMEM_OPENAI_BASE_URL", "https://api.openai.com"),
			OpenAIAPIKey:  getEnv("EVERMEM_OPENAI_API_KEY", ""),
			Model:         getEnv("EVERMEM_EMBEDDING_MODEL", "nomic-embed-text"),
			Dimension:     getEnvInt("EVERMEM_EMBEDDING_DIMENSION", 768),
			CacheSize:     getEnvInt("EVERMEM_EMBEDDING_CACHE_SIZE", 4096),
		},
		Cloud: CloudConfig{
			Enabled:               getEnvBool("EVERMEM_CLOUD_ENABLED", false),
			BaseURL:               getEnv("EVERMEM_CLOUD_BASE_URL", ""),
			APIToken:              getEnv("EVERMEM_CLOUD_API_TOKEN", ""),
			AccountID:             getEnv("EVERMEM_CLOUD_ACCOUNT_ID", ""),
			VectorIndex:           getEnv("EVERMEM_CLOUD_VECTOR_INDEX", "evermem-index"),
			DatabaseID:            getEnv("EVERMEM_CLOUD_DATABASE_ID", "evermem-db"),
			Bucket:                getEnv("EVERMEM_CLOUD_BUCKET", "evermem-content"),
			LargeContentThreshold: getEnvInt("EVERMEM_CLOUD_LARGE_CONTENT_THRESHOLD", 131072),
			MaxRetries:            getEnvInt("EVERMEM_CLOUD_MAX_RETRIES", 3),
			BaseDelay:             getEnvDuration("EVERMEM_CLOUD_BASE_DELAY", time.Second),
			MaxVectors:            getEnvInt("EVERMEM_CLOUD_MAX_VECTORS", 5_000_000),
			WarningThreshold:      getEnvFloat("EVERMEM_CLOUD_WARNING_THRESHOLD", 0.8),
			CriticalThreshold:     getEnvFloat("EVERMEM_CLOUD_CRITICAL_THRESHOLD", 0.95),
			MaxMetadataBytes:      getEnvInt("EVERMEM_CLOUD_MAX_METADATA_BYTES", 10240),
		},
		Postgres: PostgresConfig{
			Enabled: getEnvBool("EVERMEM_POSTGRES_ENABLED", false),
			DSN:     getEnv("EVERMEM_POSTGRES_DSN", ""),
		},
		Sync: SyncConfig{
			QueueSize:           getEnvInt("EVERMEM_SYNC_QUEUE_SIZE", 1000),
			BatchSize:           getEnvInt("EVERMEM_SYNC_BATCH_SIZE", 50),
			DrainInterval:       getEnvDuration("EVERMEM_SYNC_DRAIN_INTERVAL", 5*time.Second),
			SyncInterval:        getEnvDuration("EVERMEM_SYNC_INTERVAL", 300*time.Second),
			MaxRetries:          getEnvInt("EVERMEM_SYNC_MAX_RETRIES", 5),
			InitialSyncDelay:    getEnvDuration("EVERMEM_INITIAL_SYNC_DELAY", 10*time.Second),
			InitialSyncPageSize: getEnvInt("EVERMEM_INITIAL_SYNC_PAGE_SIZE", 100),
			MaxEmptyBatches:     getEnvInt("EVERMEM_SYNC_MAX_EMPTY_BATCHES", 20),
			MinCheckCount:       getEnvInt("EVERMEM_SYNC_MIN_CHECK_COUNT", 1000),
			DriftEnabled:        getEnvBool("EVERMEM_DRIFT_ENABLED", false),
			DriftInterval:       getEnvDuration("EVERMEM_DRIFT_INTERVAL", time.Hour),
			DriftBatchSize:      getEnvInt("EVERMEM_DRIFT_BATCH_SIZE", 50),
		},
		Consolidation: ConsolidationConfig{
			AssociationStorage:   getEnv("EVERMEM_ASSOCIATION_STORAGE", "memories"),
			Incremental:          getEnvBool("EVERMEM_CONSOLIDATION_INCREMENTAL", false),
			BatchSize:            getEnvInt("EVERMEM_CONSOLIDATION_BATCH_SIZE", 500),
			MinSimilarity:        getEnvFloat("EVERMEM_ASSOCIATION_MIN_SIMILARITY", 0.3),
			MaxSimilarity:        getEnvFloat("EVERMEM_ASSOCIATION_MAX_SIMILARITY", 0.7),
			PairSampleCap:        getEnvInt("EVERMEM_ASSOCIATION_PAIR_SAMPLE_CAP", 10000),
			Clustering:           getEnv("EVERMEM_CLUSTERING_ALGORITHM", "dbscan"),
			MinClusterSize:       getEnvInt("EVERMEM_MIN_CLUSTER_SIZE", 5),
			MaxSummaryLength:     getEnvInt("EVERMEM_MAX_SUMMARY_LENGTH", 500),
			ForgettingEnabled:    getEnvBool("EVERMEM_FORGETTING_ENABLED", true),
			RelevanceThreshold:   getEnvFloat("EVERMEM_FORGETTING_RELEVANCE_THRESHOLD", 0.1),
			AccessThresholdDays:  getEnvInt("EVERMEM_FORGETTING_ACCESS_THRESHOLD_DAYS", 90),
			ArchivePath:          getEnv("EVERMEM_ARCHIVE_PATH", filepath.Join(basePath, "archive")),
			QualityBoostEnabled:  getEnvBool("EVERMEM_QUALITY_BOOST_ENABLED", true),
			QualityBoostFactor:   getEnvFloat("EVERMEM_QUALITY_BOOST_FACTOR", 1.1),
			QualityBoostMinConns: getEnvInt("EVERMEM_QUALITY_BOOST_MIN_CONNECTIONS", 5),
		},
		Backup: BackupConfig{
			Enabled:          getEnvBool("EVERMEM_BACKUP_ENABLED", false),
			Interval:         getEnvDuration("EVERMEM_BACKUP_INTERVAL", 24*time.Hour),
			Path:             getEnv("EVERMEM_BACKUP_PATH", filepath.Join(basePath, "backups")),
			Verify:           getEnvBool("EVERMEM_BACKUP_VERIFY", true),
			RetentionHourly:  getEnvInt("EVERMEM_BACKUP_RETENTION_HOURLY", 24),
			RetentionDaily:   getEnvInt("EVERMEM_BACKUP_RETENTION_DAILY", 7),
			RetentionWeekly:  getEnvInt("EVERMEM_BACKUP_RETENTION_WEEKLY", 4),
			RetentionMonthly: getEnvInt("EVERMEM_BACKUP_RETENTION_MONTHLY", 12),
		},
		Log: LogConfig{
			Path:       getEnv("EVERMEM_LOG_PATH", ""),
			MaxSizeMB:  getEnvInt("EVERMEM_LOG_MAX_SIZE_MB", 50),
			MaxBackups: getEnvInt("EVERMEM_LOG_MAX_BACKUPS", 5),
			MaxAgeDays: getEnvInt("EVERMEM_LOG_MAX_AGE_DAYS", 30),
		},
	}
}

// getEnv retrieves a string environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns a
// default value when unset or unparseable.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvFloat retrieves a float environment variable or returns a
// default value when unset or unparseable.
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvBool retrieves a boolean environment variable or returns a
// default value. It recognizes true/1/yes and false/0/no.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch value {
		case "true", "1", "yes", "True", "TRUE", "Yes", "YES":
			return true
		case "false", "0", "no", "False", "FALSE", "No", "NO":
			return false
		}
	}
	return defaultValue
}

// getEnvDuration retrieves a duration ("5s", "30m") environment
// variable. Bare integers are interpreted as seconds so existing
// deployments that export EVERMEM_SYNC_INTERVAL=300 keep working.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}
