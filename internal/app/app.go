// Package app assembles a Finalizer and its collaborators from configuration.
package app

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/vaultgrid/vaultgrid/internal/catalog"
	"github.com/vaultgrid/vaultgrid/internal/checksum"
	"github.com/vaultgrid/vaultgrid/internal/config"
	"github.com/vaultgrid/vaultgrid/internal/finalize"
	"github.com/vaultgrid/vaultgrid/internal/hooks"
	"github.com/vaultgrid/vaultgrid/internal/lock"
	"github.com/vaultgrid/vaultgrid/internal/storage"
)

// App holds everything built from a Config.
type App struct {
	Catalog   catalog.Catalog
	Resources *storage.Registry
	Locks     lock.Locker
	Hooks     *hooks.Registry
	Finalizer *finalize.Finalizer

	closers []io.Closer
}

// Build constructs the catalog, storage resources, lock backend, hooks and
// finalizer described by cfg. On error everything already opened is closed.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{}
	if err := a.build(ctx, cfg); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, cfg *config.Config) error {
	cat, err := NewCatalog(ctx, cfg.Catalog)
	if err != nil {
		return err
	}
	a.Catalog = cat
	a.closers = append(a.closers, cat)

	a.Resources = storage.NewRegistry()
	for _, rc := range cfg.Storage.Resources {
		res, err := NewResource(ctx, rc)
		if err != nil {
			return err
		}
		a.Resources.Add(res)
		if c, ok := res.(io.Closer); ok {
			a.closers = append(a.closers, c)
		}
	}

	locks, err := NewLocker(ctx, cfg.Lock)
	if err != nil {
		return err
	}
	a.Locks = locks
	if c, ok := locks.(io.Closer); ok {
		a.closers = append(a.closers, c)
	}

	a.Hooks = NewHooks(cfg.Hooks)

	scheme, err := checksum.ParseScheme(cfg.Finalize.ChecksumScheme)
	if err != nil {
		return fmt.Errorf("finalize.checksum_scheme: %w", err)
	}
	journal, err := finalize.NewJournal(cfg.Finalize.RecoveryJournalDir)
	if err != nil {
		return err
	}

	staleSiblings := true
	if cfg.Finalize.StaleSiblingsOnWrite != nil {
		staleSiblings = *cfg.Finalize.StaleSiblingsOnWrite
	}
	a.Finalizer = finalize.New(finalize.Deps{
		Catalog:   a.Catalog,
		Resources: a.Resources,
		Checksums: checksum.NewEngine(a.Resources, scheme),
		Locks:     a.Locks,
		Hooks:     a.Hooks,
		Journal:   journal,
	}, finalize.Options{
		VerifySize:           cfg.Finalize.VerifySize,
		StaleSiblingsOnWrite: staleSiblings,
	})
	return nil
}

// Close releases every backend in reverse construction order.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return stderrors.Join(errs...)
}

// NewCatalog opens the configured catalog engine.
func NewCatalog(ctx context.Context, cfg config.CatalogConfig) (catalog.Catalog, error) {
	switch cfg.Engine {
	case "memory":
		slog.Info("Using in-memory catalog")
		return catalog.NewMemoryCatalog(), nil
	case "local":
		slog.Info("Using local JSONL catalog", "root_dir", cfg.Local.RootDir)
		return catalog.NewLocalCatalog(cfg.Local.RootDir, cfg.Local.CompactOnStartup)
	case "dynamodb":
		slog.Info("Using DynamoDB catalog", "table", cfg.DynamoDB.Table, "region", cfg.DynamoDB.Region)
		return catalog.NewDynamoDBCatalog(ctx, catalog.DynamoDBOptions{
			Table:       cfg.DynamoDB.Table,
			Region:      cfg.DynamoDB.Region,
			EndpointURL: cfg.DynamoDB.EndpointURL,
		})
	case "firestore":
		slog.Info("Using Firestore catalog", "project", cfg.Firestore.ProjectID, "collection", cfg.Firestore.Collection)
		return catalog.NewFirestoreCatalog(ctx, catalog.FirestoreOptions{
			ProjectID:       cfg.Firestore.ProjectID,
			Collection:      cfg.Firestore.Collection,
			CredentialsFile: cfg.Firestore.CredentialsFile,
		})
	case "cosmos":
		slog.Info("Using Cosmos DB catalog", "database", cfg.Cosmos.Database, "container", cfg.Cosmos.Container)
		return catalog.NewCosmosCatalog(catalog.CosmosOptions{
			Endpoint:  cfg.Cosmos.Endpoint,
			MasterKey: cfg.Cosmos.MasterKey,
			Database:  cfg.Cosmos.Database,
			Container: cfg.Cosmos.Container,
		})
	case "sqlite", "":
		if dir := filepath.Dir(cfg.SQLite.Path); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("creating catalog directory: %w", err)
			}
		}
		slog.Info("Using SQLite catalog", "path", cfg.SQLite.Path)
		return catalog.NewSQLiteCatalog(cfg.SQLite.Path)
	}
	return nil, fmt.Errorf("unknown catalog engine %q", cfg.Engine)
}

// NewResource constructs one storage resource.
func NewResource(ctx context.Context, rc config.ResourceConfig) (storage.Resource, error) {
	switch rc.Type {
	case "local", "":
		res, err := storage.NewLocalResource(rc.Name, rc.Local.RootDir)
		if err != nil {
			return nil, fmt.Errorf("resource %q: %w", rc.Name, err)
		}
		if err := res.CleanTempFiles(); err != nil {
			slog.Warn("Failed to clean temp files", "resource", rc.Name, "error", err)
		}
		slog.Info("Registered local resource", "resource", rc.Name, "root_dir", rc.Local.RootDir)
		return res, nil
	case "memory":
		res, err := storage.NewMemoryResource(rc.Name, storage.MemoryOptions{
			MaxSizeBytes:     rc.Memory.MaxSizeBytes,
			UnknownSizes:     rc.Memory.UnknownSizes,
			SnapshotPath:     rc.Memory.SnapshotPath,
			SnapshotInterval: time.Duration(rc.Memory.SnapshotIntervalSeconds) * time.Second,
		})
		if err != nil {
			return nil, fmt.Errorf("resource %q: %w", rc.Name, err)
		}
		slog.Info("Registered memory resource", "resource", rc.Name, "unknown_sizes", rc.Memory.UnknownSizes)
		return res, nil
	case "sqlite":
		res, err := storage.NewSQLiteResource(rc.Name, rc.SQLite.Path)
		if err != nil {
			return nil, fmt.Errorf("resource %q: %w", rc.Name, err)
		}
		slog.Info("Registered SQLite resource", "resource", rc.Name, "path", rc.SQLite.Path)
		return res, nil
	case "aws":
		res, err := storage.NewS3Resource(ctx, rc.Name, storage.S3Options{
			Bucket:          rc.AWS.Bucket,
			Region:          rc.AWS.Region,
			Prefix:          rc.AWS.Prefix,
			EndpointURL:     rc.AWS.EndpointURL,
			UsePathStyle:    rc.AWS.UsePathStyle,
			AccessKeyID:     rc.AWS.AccessKeyID,
			SecretAccessKey: rc.AWS.SecretAccessKey,
		})
		if err != nil {
			return nil, fmt.Errorf("resource %q: %w", rc.Name, err)
		}
		slog.Info("Registered S3 resource", "resource", rc.Name, "bucket", rc.AWS.Bucket, "region", rc.AWS.Region)
		return res, nil
	case "gcp":
		res, err := storage.NewGCSResource(ctx, rc.Name, rc.GCP.Bucket, rc.GCP.Prefix)
		if err != nil {
			return nil, fmt.Errorf("resource %q: %w", rc.Name, err)
		}
		slog.Info("Registered GCS resource", "resource", rc.Name, "bucket", rc.GCP.Bucket)
		return res, nil
	case "azure":
		res, err := storage.NewAzureResource(ctx, rc.Name, storage.AzureOptions{
			Container:          rc.Azure.Container,
			AccountURL:         rc.Azure.AccountURL,
			Prefix:             rc.Azure.Prefix,
			ConnectionString:   rc.Azure.ConnectionString,
			UseManagedIdentity: rc.Azure.UseManagedIdentity,
		})
		if err != nil {
			return nil, fmt.Errorf("resource %q: %w", rc.Name, err)
		}
		slog.Info("Registered Azure resource", "resource", rc.Name, "container", rc.Azure.Container)
		return res, nil
	}
	return nil, fmt.Errorf("resource %q: unknown type %q", rc.Name, rc.Type)
}

// NewLocker constructs the logical object lock backend.
func NewLocker(ctx context.Context, cfg config.LockConfig) (lock.Locker, error) {
	switch cfg.Backend {
	case "memory", "":
		return lock.NewMemoryLocker(), nil
	case "redis":
		l, err := lock.NewRedisLocker(ctx, lock.RedisOptions{
			Addrs:    cfg.Redis.Addrs,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		})
		if err != nil {
			return nil, err
		}
		slog.Info("Using Redis object locks", "addrs", cfg.Redis.Addrs)
		return l, nil
	}
	return nil, fmt.Errorf("unknown lock backend %q", cfg.Backend)
}

// standardHooks are the names the built-in hooks are registered under.
var standardHooks = []string{hooks.DataObjClosePost, hooks.DataObjPutPost, hooks.DataObjRepairPost}

// NewHooks builds the hook registry from cfg.
func NewHooks(cfg config.HooksConfig) *hooks.Registry {
	reg := hooks.NewRegistry()
	if cfg.AuditLog {
		audit := hooks.AuditLog()
		for _, name := range standardHooks {
			reg.Register(name, audit)
		}
	}
	if cfg.WebhookURL != "" {
		client := &http.Client{Timeout: time.Duration(cfg.WebhookTimeoutSeconds) * time.Second}
		hook := hooks.Webhook(cfg.WebhookURL, client)
		for _, name := range standardHooks {
			reg.Register(name, hook)
		}
	}
	return reg
}
