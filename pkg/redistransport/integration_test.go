//go:build integration

package redistransport

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/dyluth/objectproxy/pkg/proxy"
	"github.com/dyluth/objectproxy/pkg/record"
	"github.com/dyluth/objectproxy/pkg/store"
)

// setupRedis starts a Redis container for testing.
func setupRedis(t *testing.T) string {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	redisC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "failed to start Redis container")
	t.Cleanup(func() {
		if err := redisC.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate Redis container: %v", err)
		}
	})

	host, err := redisC.Host(ctx)
	require.NoError(t, err)
	port, err := redisC.MappedPort(ctx, "6379")
	require.NoError(t, err)

	return fmt.Sprintf("redis://%s:%s", host, port.Port())
}

// TestIntegration_TwoProxiesShareUpdates runs two proxies against one real
// Redis: a write through one reaches the other's cache by push.
func TestIntegration_TwoProxiesShareUpdates(t *testing.T) {
	redisURL := setupRedis(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	opts, err := redis.ParseURL(redisURL)
	require.NoError(t, err)

	newProxy := func() *proxy.Proxy {
		client, err := store.NewClient(opts, "it")
		require.NoError(t, err)
		t.Cleanup(func() { client.Close() })

		p, err := proxy.New(New(client, nil), proxy.WithSchemas("layer"))
		require.NoError(t, err)
		t.Cleanup(func() { p.Close() })
		require.NoError(t, p.Start(ctx))
		return p
	}

	admin, err := store.NewClient(opts, "it")
	require.NoError(t, err)
	defer admin.Close()
	require.NoError(t, admin.Ping(ctx))
	require.NoError(t, admin.RegisterSchema(ctx, &store.Schema{Name: "layer"}))

	writer := newProxy()
	reader := newProxy()

	created, err := writer.Create("layer", map[string]any{"name": "Roads", "visible": true}).Wait(ctx)
	require.NoError(t, err)

	got, err := reader.GetObject("layer", created.UUID, true, nil).Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, true, got.Fields["visible"])

	_, err = writer.Mutate("layer", created.UUID, map[string]any{"visible": false}).Wait(ctx)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		r, ok := reader.Cached("layer", created.UUID)
		return ok && r.Fields["visible"] == false
	}, 5*time.Second, 20*time.Millisecond)

	_, err = writer.Delete("layer", created.UUID).Wait(ctx)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, ok := reader.Cached("layer", created.UUID)
		return !ok
	}, 5*time.Second, 20*time.Millisecond)

	_, err = reader.GetObject("layer", created.UUID, true, record.Filter(nil)).Wait(ctx)
	assert.True(t, proxy.IsNotFound(err))
}
