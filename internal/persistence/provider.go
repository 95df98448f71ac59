// Package persistence wires the relational store used by the session and
// artifact repositories.
package persistence

import (
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"github.com/kandev/workspace/internal/common/config"
	"github.com/kandev/workspace/internal/common/logger"
	"github.com/kandev/workspace/internal/db"
	"github.com/kandev/workspace/internal/db/dialect"
)

// Provide creates the database connection used by repositories. It returns
// the connection, the driver name (for dialect helpers), and a cleanup func.
func Provide(cfg *config.Config, log *logger.Logger) (*sql.DB, string, func() error, error) {
	switch cfg.Database.Driver {
	case "sqlite":
		dbConn, err := db.OpenSQLite(cfg.Database.Path)
		if err != nil {
			return nil, "", nil, fmt.Errorf("failed to open sqlite database: %w", err)
		}
		if log != nil {
			log.Info("Database initialized",
				zap.String("db_driver", cfg.Database.Driver),
				zap.String("db_path", cfg.Database.Path))
		}
		cleanup := func() error {
			// Run PRAGMA optimize before closing to update query planner
			// statistics. This is the SQLite-recommended way to maintain
			// stats and is safe to call on every close.
			_, _ = dbConn.Exec("PRAGMA optimize")
			return dbConn.Close()
		}
		return dbConn, dialect.SQLite3, cleanup, nil
	case "postgres":
		dbConn, err := db.OpenPostgres(cfg.Database.DSN(), cfg.Database.MaxConns, cfg.Database.MinConns)
		if err != nil {
			return nil, "", nil, fmt.Errorf("failed to open postgres database: %w", err)
		}
		if log != nil {
			log.Info("Database initialized",
				zap.String("db_driver", cfg.Database.Driver),
				zap.String("db_host", cfg.Database.Host))
		}
		return dbConn, dialect.PGX, dbConn.Close, nil
	default:
		return nil, "", nil, fmt.Errorf("unsupported database driver: %s", cfg.Database.Driver)
	}
}
