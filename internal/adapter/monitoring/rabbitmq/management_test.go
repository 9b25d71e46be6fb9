package rabbitmq

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	config "github.com/crabzie/fog-fleet/config/utils"
	"github.com/crabzie/fog-fleet/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func brokerConfig(url string) *config.Broker {
	return &config.Broker{
		ManagementURL: url,
		VHost:         "/",
		Queue:         "inference_tasks",
		User:          "guest",
		Password:      "secret",
	}
}

func TestInspect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/queues/%2F/inference_tasks", r.URL.EscapedPath())
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "guest", user)
		assert.Equal(t, "secret", pass)
		w.Write([]byte(`{"name":"inference_tasks","messages":12,"consumers":0,"vhost":"/"}`))
	}))
	defer srv.Close()

	snap, err := NewManagementClient(brokerConfig(srv.URL), time.Second, zaptest.NewLogger(t)).Inspect(context.Background())
	require.NoError(t, err)
	require.NotNil(t, snap.Messages)
	require.NotNil(t, snap.Consumers)
	assert.Equal(t, 12, *snap.Messages)
	assert.Equal(t, 0, *snap.Consumers)
	assert.Equal(t, "inference_tasks", snap.Queue)
}

func TestInspectNonJSONGivesPlaceholders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>login</html>"))
	}))
	defer srv.Close()

	snap, err := NewManagementClient(brokerConfig(srv.URL), time.Second, zaptest.NewLogger(t)).Inspect(context.Background())
	assert.ErrorIs(t, err, domain.ErrExternalServiceUnavailable)
	assert.Nil(t, snap.Messages)
	assert.Nil(t, snap.Consumers)
	assert.Error(t, snap.Err)
}

func TestInspectUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"not_authorised"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := NewManagementClient(brokerConfig(srv.URL), time.Second, zaptest.NewLogger(t)).Inspect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

func TestInspectHangingServerTimesOut(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	start := time.Now()
	_, err := NewManagementClient(brokerConfig(srv.URL), 200*time.Millisecond, zaptest.NewLogger(t)).Inspect(context.Background())
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}
