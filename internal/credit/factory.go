package credit

import (
	"context"
	"errors"
	"fmt"

	"goledger/config"
	"goledger/internal/pricing"
	"goledger/internal/storage"
)

// Result holds the initialized credit manager and its dependencies.
// The caller is responsible for calling Close() to release resources.
type Result struct {
	Manager *Manager
	Store   Store
	Storage storage.Storage
}

// Close releases all resources held by the credit system.
// Safe to call multiple times.
func (r *Result) Close() error {
	var errs []error
	if r.Store != nil {
		if err := r.Store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("store close: %w", err))
		}
	}
	if r.Storage != nil {
		if err := r.Storage.Close(); err != nil {
			errs = append(errs, fmt.Errorf("storage close: %w", err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("close errors: %w", errors.Join(errs...))
	}
	return nil
}

// New creates a credit manager from configuration.
// Returns a Result containing the manager and storage for lifecycle
// management. The caller must call Result.Close() during shutdown.
func New(ctx context.Context, cfg *config.Config, calc *pricing.Calculator) (*Result, error) {
	store, err := storage.New(ctx, buildStorageConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to create storage: %w", err)
	}

	creditStore, err := createStore(store)
	if err != nil {
		store.Close()
		return nil, err
	}

	return &Result{
		Manager: NewManager(creditStore, creditStore, creditStore, calc),
		Store:   creditStore,
		Storage: store,
	}, nil
}

// buildStorageConfig creates a storage.Config from the application config.
func buildStorageConfig(cfg *config.Config) storage.Config {
	storageCfg := storage.Config{
		Type: cfg.Storage.Type,
		SQLite: storage.SQLiteConfig{
			Path: cfg.Storage.SQLite.Path,
		},
		PostgreSQL: storage.PostgreSQLConfig{
			URL:      cfg.Storage.PostgreSQL.URL,
			MaxConns: cfg.Storage.PostgreSQL.MaxConns,
		},
		MongoDB: storage.MongoDBConfig{
			URL:      cfg.Storage.MongoDB.URL,
			Database: cfg.Storage.MongoDB.Database,
		},
	}

	if storageCfg.Type == "" {
		storageCfg.Type = storage.TypeSQLite
	}
	if storageCfg.SQLite.Path == "" {
		storageCfg.SQLite.Path = "data/goledger.db"
	}
	if storageCfg.MongoDB.Database == "" {
		storageCfg.MongoDB.Database = "goledger"
	}

	return storageCfg
}

// createStore creates the appropriate Store for the given storage backend.
func createStore(store storage.Storage) (Store, error) {
	switch store.Type() {
	case storage.TypeMemory:
		return NewMemoryStore(), nil

	case storage.TypeSQLite:
		return NewSQLiteStore(store.SQLiteDB())

	case storage.TypePostgreSQL:
		pool := store.PostgreSQLPool()
		if pool == nil {
			return nil, fmt.Errorf("PostgreSQL pool is nil")
		}
		return NewPostgreSQLStore(pool)

	case storage.TypeMongoDB:
		db := store.MongoDatabase()
		if db == nil {
			return nil, fmt.Errorf("MongoDB database is nil")
		}
		return NewMongoDBStore(db)

	default:
		return nil, fmt.Errorf("unknown storage type: %s", store.Type())
	}
}
