// Package redis checks the control node cache the workers write results to.
package redis

import (
	"context"
	"fmt"

	"github.com/crabzie/fog-fleet/internal/core/domain"
	"github.com/crabzie/fog-fleet/internal/core/port"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type cacheChecker struct {
	client redis.UniversalClient
	log    *zap.Logger
}

// NewCacheChecker returns a ServiceChecker that PINGs the cache
func NewCacheChecker(client redis.UniversalClient, log *zap.Logger) port.ServiceChecker {
	return &cacheChecker{
		client: client,
		log:    log,
	}
}

func (c *cacheChecker) Name() string {
	return "cache"
}

func (c *cacheChecker) Check(ctx context.Context) error {
	pong, err := c.client.Ping(ctx).Result()
	if err != nil {
		c.log.Debug("Cache ping failed", zap.Error(err))
		return fmt.Errorf("%w: cache: %v", domain.ErrExternalServiceUnavailable, err)
	}
	if pong != "PONG" {
		return fmt.Errorf("%w: cache answered %q", domain.ErrExternalServiceUnavailable, pong)
	}
	return nil
}
