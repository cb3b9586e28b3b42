// Package config handles loading and parsing of VaultGrid configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/vaultgrid/vaultgrid/internal/logging"
)

// Config is the top-level configuration for VaultGrid.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Logging  LoggingConfig  `yaml:"logging"`
	Catalog  CatalogConfig  `yaml:"catalog"`
	Storage  StorageConfig  `yaml:"storage"`
	Lock     LockConfig     `yaml:"lock"`
	Finalize FinalizeConfig `yaml:"finalize"`
	Hooks    HooksConfig    `yaml:"hooks"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// ServerConfig holds admin HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// Zone is the grid zone name reported in sessions and hook contexts.
	Zone string `yaml:"zone"`
	// ShutdownTimeout is the graceful shutdown timeout in seconds.
	ShutdownTimeout int `yaml:"shutdown_timeout"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// CatalogConfig selects and configures the catalog engine.
type CatalogConfig struct {
	// Engine is one of "sqlite", "memory", "local", "dynamodb", "firestore",
	// "cosmos".
	Engine    string          `yaml:"engine"`
	SQLite    SQLiteConfig    `yaml:"sqlite"`
	Local     LocalCatalog    `yaml:"local"`
	DynamoDB  DynamoDBConfig  `yaml:"dynamodb"`
	Firestore FirestoreConfig `yaml:"firestore"`
	Cosmos    CosmosConfig    `yaml:"cosmos"`
}

// SQLiteConfig holds SQLite catalog settings.
type SQLiteConfig struct {
	// Path is the filesystem path for the SQLite database file.
	Path string `yaml:"path"`
}

// LocalCatalog holds JSONL journal catalog settings.
type LocalCatalog struct {
	RootDir          string `yaml:"root_dir"`
	CompactOnStartup bool   `yaml:"compact_on_startup"`
}

// DynamoDBConfig holds DynamoDB catalog settings.
type DynamoDBConfig struct {
	Table       string `yaml:"table"`
	Region      string `yaml:"region"`
	EndpointURL string `yaml:"endpoint_url"`
}

// FirestoreConfig holds Firestore catalog settings.
type FirestoreConfig struct {
	ProjectID       string `yaml:"project_id"`
	Collection      string `yaml:"collection"`
	CredentialsFile string `yaml:"credentials_file"`
}

// CosmosConfig holds Cosmos DB catalog settings.
type CosmosConfig struct {
	Endpoint  string `yaml:"endpoint"`
	MasterKey string `yaml:"master_key"`
	Database  string `yaml:"database"`
	Container string `yaml:"container"`
}

// StorageConfig lists the named storage resources.
type StorageConfig struct {
	Resources []ResourceConfig `yaml:"resources"`
}

// ResourceConfig configures one storage resource. Only the section matching
// Type is read.
type ResourceConfig struct {
	Name string `yaml:"name"`
	// Type is one of "local", "memory", "sqlite", "aws", "gcp", "azure".
	Type   string         `yaml:"type"`
	Local  LocalResource  `yaml:"local"`
	Memory MemoryResource `yaml:"memory"`
	SQLite SQLiteConfig   `yaml:"sqlite"`
	AWS    AWSResource    `yaml:"aws"`
	GCP    GCPResource    `yaml:"gcp"`
	Azure  AzureResource  `yaml:"azure"`
}

// LocalResource holds local filesystem resource settings.
type LocalResource struct {
	// RootDir is the vault directory.
	RootDir string `yaml:"root_dir"`
}

// MemoryResource holds in-memory resource settings.
type MemoryResource struct {
	MaxSizeBytes int64 `yaml:"max_size_bytes"`
	// UnknownSizes makes the resource report sizes as unknown, like an
	// archive tier.
	UnknownSizes bool   `yaml:"unknown_sizes"`
	SnapshotPath string `yaml:"snapshot_path"`
	// SnapshotIntervalSeconds is the period between background snapshots.
	SnapshotIntervalSeconds int `yaml:"snapshot_interval_seconds"`
}

// AWSResource holds S3 resource settings.
type AWSResource struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Prefix          string `yaml:"prefix"`
	EndpointURL     string `yaml:"endpoint_url"`
	UsePathStyle    bool   `yaml:"use_path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// GCPResource holds GCS resource settings.
type GCPResource struct {
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`
}

// AzureResource holds Azure Blob resource settings.
type AzureResource struct {
	Container string `yaml:"container"`
	// Account is used to construct the account URL
	// https://{account}.blob.core.windows.net when AccountURL is empty.
	Account            string `yaml:"account"`
	AccountURL         string `yaml:"account_url"`
	Prefix             string `yaml:"prefix"`
	ConnectionString   string `yaml:"connection_string"`
	UseManagedIdentity bool   `yaml:"use_managed_identity"`
}

// LockConfig selects the logical object lock backend.
type LockConfig struct {
	// Backend is "memory" or "redis".
	Backend string      `yaml:"backend"`
	Redis   RedisConfig `yaml:"redis"`
}

// RedisConfig holds Redis lock settings.
type RedisConfig struct {
	Addrs    []string `yaml:"addrs"`
	Password string   `yaml:"password"`
	DB       int      `yaml:"db"`
	Prefix   string   `yaml:"prefix"`
}

// FinalizeConfig tunes the finalize path.
type FinalizeConfig struct {
	// ChecksumScheme is the default digest scheme: "sha2", "md5" or "xxh64".
	ChecksumScheme string `yaml:"checksum_scheme"`
	// VerifySize applies when a request does not carry verifyBySize.
	VerifySize bool `yaml:"verify_size"`
	// StaleSiblingsOnWrite marks good siblings stale after a write commits.
	StaleSiblingsOnWrite *bool `yaml:"stale_siblings_on_write"`
	// RecoveryJournalDir holds the stale-publish failure journal. Empty
	// keeps failures in memory only.
	RecoveryJournalDir string `yaml:"recovery_journal_dir"`
}

// HooksConfig enables built-in policy hooks.
type HooksConfig struct {
	// AuditLog registers the audit log hook under every standard hook name.
	AuditLog bool `yaml:"audit_log"`
	// WebhookURL, when set, receives every standard hook as a JSON POST.
	WebhookURL string `yaml:"webhook_url"`
	// WebhookTimeoutSeconds bounds each webhook request.
	WebhookTimeoutSeconds int `yaml:"webhook_timeout_seconds"`
}

// MetricsConfig holds Prometheus settings.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Load reads a YAML configuration file from the given path and returns
// a parsed Config. It applies sensible defaults for unset values.
// If the primary path fails, it falls back to vaultgrid.example.yaml
// in the same directory or parent directory.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		fallbackPaths := []string{
			filepath.Join(filepath.Dir(path), "vaultgrid.example.yaml"),
			filepath.Join(filepath.Dir(path), "..", "vaultgrid.example.yaml"),
		}
		var fallbackErr error
		for _, fp := range fallbackPaths {
			data, fallbackErr = os.ReadFile(fp)
			if fallbackErr == nil {
				break
			}
		}
		if fallbackErr != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := defaultConfig()
	applyDefaults(cfg)
	return cfg
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            9247,
			Zone:            "tempZone",
			ShutdownTimeout: 30,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Catalog: CatalogConfig{
			Engine: "sqlite",
			SQLite: SQLiteConfig{
				Path: "./data/catalog.db",
			},
		},
		Lock: LockConfig{
			Backend: "memory",
		},
		Finalize: FinalizeConfig{
			ChecksumScheme: "sha2",
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// applyDefaults fills in any fields that are still at their zero value
// after YAML unmarshaling.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9247
	}
	if cfg.Server.Zone == "" {
		cfg.Server.Zone = "tempZone"
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Catalog.Engine == "" {
		cfg.Catalog.Engine = "sqlite"
	}
	if cfg.Catalog.SQLite.Path == "" {
		cfg.Catalog.SQLite.Path = "./data/catalog.db"
	}
	if cfg.Catalog.Local.RootDir == "" {
		cfg.Catalog.Local.RootDir = "./data/catalog"
	}
	if cfg.Catalog.DynamoDB.Table == "" {
		cfg.Catalog.DynamoDB.Table = "vaultgrid-catalog"
	}
	if cfg.Catalog.DynamoDB.Region == "" {
		cfg.Catalog.DynamoDB.Region = "us-east-1"
	}
	if cfg.Catalog.Firestore.Collection == "" {
		cfg.Catalog.Firestore.Collection = "vaultgrid"
	}
	if cfg.Catalog.Cosmos.Database == "" {
		cfg.Catalog.Cosmos.Database = "vaultgrid"
	}
	if cfg.Catalog.Cosmos.Container == "" {
		cfg.Catalog.Cosmos.Container = "catalog"
	}
	if len(cfg.Storage.Resources) == 0 {
		cfg.Storage.Resources = []ResourceConfig{{
			Name:  "demoResc",
			Type:  "local",
			Local: LocalResource{RootDir: "./data/vault"},
		}}
	}
	for i := range cfg.Storage.Resources {
		r := &cfg.Storage.Resources[i]
		if r.Type == "" {
			r.Type = "local"
		}
		if r.Type == "local" && r.Local.RootDir == "" {
			r.Local.RootDir = filepath.Join("./data/vault", r.Name)
		}
		if r.Type == "aws" && r.AWS.Region == "" {
			r.AWS.Region = "us-east-1"
		}
		if r.Type == "azure" && r.Azure.AccountURL == "" && r.Azure.Account != "" {
			r.Azure.AccountURL = fmt.Sprintf("https://%s.blob.core.windows.net", r.Azure.Account)
		}
	}
	if cfg.Lock.Backend == "" {
		cfg.Lock.Backend = "memory"
	}
	if cfg.Lock.Redis.Prefix == "" {
		cfg.Lock.Redis.Prefix = "vaultgrid"
	}
	if cfg.Finalize.ChecksumScheme == "" {
		cfg.Finalize.ChecksumScheme = "sha2"
	}
	if cfg.Finalize.StaleSiblingsOnWrite == nil {
		on := true
		cfg.Finalize.StaleSiblingsOnWrite = &on
	}
	if cfg.Hooks.WebhookTimeoutSeconds == 0 {
		cfg.Hooks.WebhookTimeoutSeconds = 10
	}
}

// Validate reports settings that cannot work together.
func (c *Config) Validate() error {
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	if !logging.ValidFormat(c.Logging.Format) {
		return fmt.Errorf("logging.format: unknown format %q", c.Logging.Format)
	}
	seen := make(map[string]bool, len(c.Storage.Resources))
	for _, r := range c.Storage.Resources {
		if r.Name == "" {
			return fmt.Errorf("storage.resources: every resource needs a name")
		}
		if seen[r.Name] {
			return fmt.Errorf("storage.resources: duplicate resource %q", r.Name)
		}
		seen[r.Name] = true

		switch r.Type {
		case "local", "memory":
		case "sqlite":
			if r.SQLite.Path == "" {
				return fmt.Errorf("storage resource %q: sqlite.path is required", r.Name)
			}
		case "aws":
			if r.AWS.Bucket == "" {
				return fmt.Errorf("storage resource %q: aws.bucket is required", r.Name)
			}
		case "gcp":
			if r.GCP.Bucket == "" {
				return fmt.Errorf("storage resource %q: gcp.bucket is required", r.Name)
			}
		case "azure":
			if r.Azure.Container == "" {
				return fmt.Errorf("storage resource %q: azure.container is required", r.Name)
			}
			if r.Azure.AccountURL == "" && r.Azure.ConnectionString == "" {
				return fmt.Errorf("storage resource %q: azure.account, account_url or connection_string is required", r.Name)
			}
		default:
			return fmt.Errorf("storage resource %q: unknown type %q", r.Name, r.Type)
		}
	}

	switch c.Catalog.Engine {
	case "sqlite", "memory", "local", "dynamodb", "cosmos":
	case "firestore":
		if c.Catalog.Firestore.ProjectID == "" {
			return fmt.Errorf("catalog.firestore.project_id is required for the firestore engine")
		}
	default:
		return fmt.Errorf("unknown catalog engine %q", c.Catalog.Engine)
	}
	if c.Catalog.Engine == "cosmos" && c.Catalog.Cosmos.Endpoint == "" {
		return fmt.Errorf("catalog.cosmos.endpoint is required for the cosmos engine")
	}

	switch c.Lock.Backend {
	case "memory":
	case "redis":
		if len(c.Lock.Redis.Addrs) == 0 {
			return fmt.Errorf("lock.redis.addrs is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown lock backend %q", c.Lock.Backend)
	}
	return nil
}
