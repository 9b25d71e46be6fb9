// Package rabbitmq reads queue depth and consumer count from the RabbitMQ management HTTP API.
package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	config "github.com/crabzie/fog-fleet/config/utils"
	"github.com/crabzie/fog-fleet/internal/core/domain"
	"github.com/crabzie/fog-fleet/internal/core/port"
	"go.uber.org/zap"
)

type managementClient struct {
	baseURL  string
	vhost    string
	queue    string
	user     string
	password string
	client   *http.Client
	log      *zap.Logger
}

// NewManagementClient returns a QueueInspector backed by GET /api/queues/<vhost>/<queue>
func NewManagementClient(cfg *config.Broker, timeout time.Duration, log *zap.Logger) port.QueueInspector {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &managementClient{
		baseURL:  strings.TrimSuffix(cfg.ManagementURL, "/"),
		vhost:    cfg.VHost,
		queue:    cfg.Queue,
		user:     cfg.User,
		password: cfg.Password,
		client:   &http.Client{Timeout: timeout},
		log:      log,
	}
}

// queueResponse is the subset of the management API queue object we read.
// Pointers tell a zero count from a missing field.
type queueResponse struct {
	Name      string `json:"name"`
	Messages  *int   `json:"messages"`
	Consumers *int   `json:"consumers"`
}

// Inspect never returns counters it could not read; callers render nil as "?"
func (c *managementClient) Inspect(ctx context.Context) (domain.QueueSnapshot, error) {
	snap := domain.QueueSnapshot{Queue: c.queue}

	q, err := c.fetch(ctx)
	if err != nil {
		c.log.Warn("Queue query failed, showing placeholders",
			zap.String("queue", c.queue),
			zap.Error(err))
		snap.Err = err
		return snap, err
	}
	snap.Messages = q.Messages
	snap.Consumers = q.Consumers
	return snap, nil
}

func (c *managementClient) fetch(ctx context.Context) (*queueResponse, error) {
	reqURL := fmt.Sprintf("%s/api/queues/%s/%s", c.baseURL, url.PathEscape(c.vhost), url.PathEscape(c.queue))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.SetBasicAuth(c.user, c.password)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: HTTP request failed: %v", domain.ErrExternalServiceUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: management API returned status %d: %s",
			domain.ErrExternalServiceUnavailable, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var q queueResponse
	if err := json.NewDecoder(resp.Body).Decode(&q); err != nil {
		return nil, fmt.Errorf("%w: JSON decode failed: %v", domain.ErrExternalServiceUnavailable, err)
	}
	return &q, nil
}
