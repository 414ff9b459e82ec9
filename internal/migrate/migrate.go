// Package migrate applies embedded SQL migrations on startup.
package migrate

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"

	"github.com/and161185/ipakeeper/migrations"
)

// Supported drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// SQLiteDSN returns the connection string used for a job database file.
func SQLiteDSN(path string) string {
	return path + "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000"
}

// Up opens dsn with the driver's database/sql name and runs all pending migrations.
func Up(ctx context.Context, driver, dsn string, log *zap.Logger) error {
	name, err := sqlDriver(driver)
	if err != nil {
		return err
	}
	db, err := sql.Open(name, dsn)
	if err != nil {
		return err
	}
	defer db.Close()
	return UpDB(ctx, db, driver, log)
}

// UpDB runs all pending migrations for driver against an open database.
func UpDB(ctx context.Context, db *sql.DB, driver string, log *zap.Logger) error {
	var (
		dialect goose.Dialect
		dir     string
	)
	switch driver {
	case DriverPostgres:
		dialect, dir = goose.DialectPostgres, "postgres"
	case DriverSQLite:
		dialect, dir = goose.DialectSQLite3, "sqlite"
	default:
		return fmt.Errorf("unsupported driver %q", driver)
	}
	sub, err := fs.Sub(migrations.FS, dir)
	if err != nil {
		return err
	}
	p, err := goose.NewProvider(dialect, db, sub)
	if err != nil {
		return fmt.Errorf("goose provider: %w", err)
	}
	results, err := p.Up(ctx)
	if err != nil {
		return fmt.Errorf("migrate up: %w", err)
	}
	if log != nil {
		for _, r := range results {
			log.Info("migration applied", zap.String("driver", driver), zap.Int64("version", r.Source.Version))
		}
	}
	return nil
}

func sqlDriver(driver string) (string, error) {
	switch driver {
	case DriverPostgres:
		return "pgx", nil
	case DriverSQLite:
		return "sqlite3", nil
	default:
		return "", fmt.Errorf("unsupported driver %q", driver)
	}
}
