package postgres

import (
	"context"
	"fmt"

	"github.com/crabzie/fog-fleet/internal/core/domain"
	"github.com/crabzie/fog-fleet/internal/core/port"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

type databaseChecker struct {
	db  *pgxpool.Pool
	log *zap.Logger
}

// NewDatabaseChecker returns a ServiceChecker that pings the history database
func NewDatabaseChecker(db *pgxpool.Pool, log *zap.Logger) port.ServiceChecker {
	return &databaseChecker{db: db, log: log}
}

func (c *databaseChecker) Name() string {
	return "db"
}

func (c *databaseChecker) Check(ctx context.Context) error {
	if err := c.db.Ping(ctx); err != nil {
		c.log.Debug("Database ping failed", zap.Error(err))
		return fmt.Errorf("%w: db: %v", domain.ErrExternalServiceUnavailable, err)
	}
	return nil
}
