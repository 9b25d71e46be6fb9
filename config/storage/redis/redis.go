// Package redis provides the Redis client for the control node cache.
package redis

import (
	"context"
	"time"

	config "github.com/crabzie/fog-fleet/config/utils"

	redigo "github.com/redis/go-redis/v9"
)

type Redis struct {
	Client redigo.UniversalClient
}

// New creates a new instance of Redis. The connection is not tested here so a
// cache outage shows up in the monitor instead of preventing it from starting.
func New(config *config.Redis) *Redis {
	client := redigo.NewUniversalClient(&redigo.UniversalOptions{
		Addrs:           []string{config.Addr},
		Password:        config.Password,
		DB:              0,
		MaxRetries:      1,
		MinRetryBackoff: 100 * time.Millisecond,
		MaxRetryBackoff: 1 * time.Second,
		DialTimeout:     2 * time.Second,
		ReadTimeout:     2 * time.Second,
		WriteTimeout:    2 * time.Second,
		PoolSize:        2,
		ConnMaxIdleTime: 5 * time.Minute,
	})
	return &Redis{Client: client}
}

// Ping checks the server answers
func (r *Redis) Ping(ctx context.Context) error {
	return r.Client.Ping(ctx).Err()
}

// Close closes the client
func (r *Redis) Close() error {
	return r.Client.Close()
}
