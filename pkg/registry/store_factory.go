package registry

import (
	"fmt"
	"log/slog"
	"path/filepath"
)

// StoreConfig holds the parameters needed to create a Store backend.
type StoreConfig struct {
	Backend    string          `json:"backend"     env:"TOOLGATE_STORE_BACKEND"` // "memory", "sqlite", "postgres"
	DataDir    string          `json:"data_dir"    env:"TOOLGATE_DATA_DIR"`      // Base data directory (used for SQLite path default)
	SQLitePath string          `json:"sqlite_path" env:"TOOLGATE_SQLITE_PATH"`   // Explicit SQLite path (overrides DataDir default)
	Postgres   *PostgresConfig `json:"postgres"`                                 // PostgreSQL connection config
}

// NewStore creates the appropriate Store implementation based on config.
//
// Backends:
//   - "memory": in-process, non-durable (dev/test only)
//   - "sqlite": single-file durable store (single-node production)
//   - "postgres": PostgreSQL durable store (multi-node production)
func NewStore(cfg StoreConfig, logger *slog.Logger) (Store, error) {
	switch cfg.Backend {
	case "", "memory":
		logger.Info("registry store: using in-memory backend (non-durable)")
		return NewMemoryStore(), nil

	case "sqlite":
		dbPath := cfg.SQLitePath
		if dbPath == "" {
			if cfg.DataDir == "" {
				return nil, fmt.Errorf("sqlite store requires sqlite_path or data_dir")
			}
			dbPath = filepath.Join(cfg.DataDir, "toolgate.db")
		}
		logger.Info("registry store: using SQLite backend", "path", dbPath)
		return NewSQLiteStore(dbPath)

	case "postgres":
		if cfg.Postgres == nil {
			return nil, fmt.Errorf("postgres store requires postgres config")
		}
		logger.Info("registry store: using PostgreSQL backend", "host", cfg.Postgres.Host, "database", cfg.Postgres.Database)
		return NewPostgresStore(*cfg.Postgres)

	default:
		return nil, fmt.Errorf("unknown registry store backend: %q (supported: memory, sqlite, postgres)", cfg.Backend)
	}
}
