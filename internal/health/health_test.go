package health

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/objectproxy/pkg/proxy"
	"github.com/dyluth/objectproxy/pkg/store"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestHealthCheck_MethodNotAllowed(t *testing.T) {
	server := NewServer(nil, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/healthz", nil)
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestHealthCheck(t *testing.T) {
	t.Run("healthy when Redis responds", func(t *testing.T) {
		mr := miniredis.RunT(t)
		client, err := store.NewClient(&redis.Options{Addr: mr.Addr()}, "test")
		require.NoError(t, err)
		defer client.Close()

		w := httptest.NewRecorder()
		NewServer(client, nil, nil).Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

		var response Response
		require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, Response{Status: "healthy", Redis: "connected"}, response)
		assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	})

	t.Run("unhealthy when ping fails", func(t *testing.T) {
		server := NewServer(pingFunc(func(context.Context) error { return errors.New("connection refused") }), nil, nil)

		w := httptest.NewRecorder()
		server.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

		var response Response
		require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.Equal(t, "unhealthy", response.Status)
		assert.Equal(t, "disconnected", response.Redis)
		assert.Equal(t, "connection refused", response.Error)
	})
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	p, err := proxy.New(nopTransport{}, proxy.WithMetrics(reg), proxy.WithInstance("health-test"))
	require.NoError(t, err)
	defer p.Close()

	server := NewServer(pingFunc(func(context.Context) error { return nil }), reg, nil)
	require.NoError(t, server.Start("127.0.0.1:0"))
	defer server.Shutdown(context.Background())

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get("http://" + server.Addr() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "objectproxy_coordinator_pending_requests")
	assert.Contains(t, string(body), `instance="health-test"`)
}

func TestShutdownBeforeStart(t *testing.T) {
	server := NewServer(nil, nil, nil)
	assert.Empty(t, server.Addr())
	assert.NoError(t, server.Shutdown(context.Background()))
}

type nopTransport struct{}

func (nopTransport) Send(ctx context.Context, req *proxy.Request) (*proxy.Response, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (nopTransport) Subscribe(ctx context.Context) (proxy.PushSubscription, error) {
	return nil, errors.New("push not supported")
}
