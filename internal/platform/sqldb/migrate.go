package sqldb

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pressly/goose/v3"
)

//go:embed migrations
var migrationsFS embed.FS

// migrationTableName is the goose version table.
const migrationTableName = "schema_migrations"

// goose keeps its dialect and logger in package state.
var gooseMu sync.Mutex

// slogGooseLogger adapts goose's logger to slog.
type slogGooseLogger struct {
	log *slog.Logger
}

// Printf implements goose.Logger.
func (l slogGooseLogger) Printf(format string, v ...any) {
	l.log.Info(fmt.Sprintf(format, v...))
}

// Fatalf implements goose.Logger. It logs without exiting; the migration
// error is returned to the caller instead.
func (l slogGooseLogger) Fatalf(format string, v ...any) {
	l.log.Error(fmt.Sprintf(format, v...))
}

// Migrate applies every pending migration for the dialect.
func Migrate(ctx context.Context, db *sql.DB, d Dialect, log *slog.Logger) error {
	return runGoose(ctx, db, d, log, "up")
}

// MigrationStatus logs the applied state of every migration.
func MigrationStatus(ctx context.Context, db *sql.DB, d Dialect, log *slog.Logger) error {
	return runGoose(ctx, db, d, log, "status")
}

// Rollback reverts the most recent migration.
func Rollback(ctx context.Context, db *sql.DB, d Dialect, log *slog.Logger) error {
	return runGoose(ctx, db, d, log, "down")
}

func runGoose(ctx context.Context, db *sql.DB, d Dialect, log *slog.Logger, command string) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	log = log.With("component", "migrations", "dialect", d.name, "command", command)
	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(slogGooseLogger{log: log})
	goose.SetTableName(migrationTableName)
	if err := goose.SetDialect(d.goose); err != nil {
		return fmt.Errorf("failed to set migration dialect: %w", err)
	}

	dir := "migrations/" + d.name
	var err error
	switch command {
	case "up":
		err = goose.UpContext(ctx, db, dir)
	case "down":
		err = goose.DownContext(ctx, db, dir)
	case "status":
		err = goose.StatusContext(ctx, db, dir)
	default:
		err = fmt.Errorf("unknown migration command %q", command)
	}
	if err != nil {
		return fmt.Errorf("migration %s failed: %w", command, err)
	}

	version, err := goose.GetDBVersionContext(ctx, db)
	if err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	log.Info("migrations finished", "version", version)
	return nil
}
