package postgres

import (
	"context"
	"embed"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrate applies every pending schema migration.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	goose.SetLogger(&gooseLogger{})
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}

	db := stdlib.OpenDBFromPool(pool)
	defer func() { _ = db.Close() }()

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// gooseLogger routes goose output through the global zap logger.
type gooseLogger struct{}

func (gooseLogger) Printf(format string, v ...any) { zap.S().Infof(format, v...) }
func (gooseLogger) Fatalf(format string, v ...any) { zap.S().Fatalf(format, v...) }
