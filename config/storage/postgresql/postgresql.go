// Package postgres provides the PostgreSQL connection pool that stores deployment history.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/Masterminds/squirrel"
	"github.com/crabzie/fog-fleet/config/storage/postgresql/migrations"
	config "github.com/crabzie/fog-fleet/config/utils"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/tracelog"
	"go.uber.org/zap"
)

/**
 * DB is a wrapper for PostgreSQL database connection
 * that uses pgxpool as database driver.
 * It also holds a reference to squirrel.StatementBuilderType
 * which is used to build SQL queries that compatible with PostgreSQL syntax
 */
type DB struct {
	*pgxpool.Pool
	QueryBuilder *squirrel.StatementBuilderType
	url          string
}

// zapTracer adapts a zap logger to the pgx tracelog.Logger interface
type zapTracer struct {
	log *zap.Logger
}

func (t *zapTracer) Log(ctx context.Context, level tracelog.LogLevel, msg string, data map[string]any) {
	fields := make([]zap.Field, 0, len(data))
	for k, v := range data {
		fields = append(fields, zap.Any(k, v))
	}
	switch level {
	case tracelog.LogLevelTrace, tracelog.LogLevelDebug, tracelog.LogLevelInfo:
		t.log.Debug(msg, fields...)
	case tracelog.LogLevelWarn:
		t.log.Warn(msg, fields...)
	case tracelog.LogLevelError:
		t.log.Error(msg, fields...)
	default:
		t.log.Debug(msg, append(fields, zap.Stringer("pgx_level", level))...)
	}
}

// SetPoolConfig takes a database connection url & a logger instance,
// it returns pgxpool.Config instance & an error,
// it sets pgxpool.Config values like consuming the logger to trace db querie's
// & setting MaxConns, it can fail if it can't parse the config from url
func setPoolConfig(url string, logger *zap.Logger) (*pgxpool.Config, error) {
	dbCfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, err
	}
	dbCfg.MaxConns = 2
	dbCfg.ConnConfig.Tracer = &tracelog.TraceLog{
		Logger:   &zapTracer{log: logger.Named("pgx")},
		LogLevel: tracelog.LogLevelInfo,
	}
	dbCfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeExec
	dbCfg.ConnConfig.StatementCacheCapacity = 0

	return dbCfg, nil
}

// URL builds the connection url from config
func URL(config *config.DB) string {
	return fmt.Sprintf("%s://%s:%s@%s:%s/%s?sslmode=disable",
		config.Connection,
		config.User,
		config.Password,
		config.Host,
		config.Port,
		config.Name,
	)
}

// New creates a new PostgreSQL database instance
func New(ctx context.Context, config *config.DB, logger *zap.Logger) (*DB, error) {
	url := URL(config)

	// Load db config
	dbCfg, err := setPoolConfig(url, logger)
	if err != nil {
		return nil, err
	}

	// create concurrent connection pool
	db, err := pgxpool.NewWithConfig(ctx, dbCfg)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, err
	}

	psql := squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)

	return &DB{
		db,
		&psql,
		url,
	}, nil
}

// Migrate runs the database migration
func (db *DB) Migrate() error {
	driver, err := iofs.New(migrations.MigrationsFS, ".")
	if err != nil {
		return err
	}

	migrations, err := migrate.NewWithSourceInstance("iofs", driver, db.url)
	if err != nil {
		return err
	}
	defer migrations.Close()

	if err := migrations.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}

	return nil
}

// DBHealth Check DB health
func (db *DB) DBHealth(ctx context.Context) error {
	if err := db.Ping(ctx); err != nil {
		return err
	}
	return nil
}

// ErrorCode returns the SQLSTATE of err, or "" when it is not a server error
func ErrorCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// Close closes the database connection
func (db *DB) Close() {
	db.Pool.Close()
}
