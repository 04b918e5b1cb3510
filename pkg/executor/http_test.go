package executor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stepflow/pkg/resilience"
)

func newHTTPExecutor() *HTTPExecutor {
	return NewHTTPExecutor(resilience.NewRegistry(resilience.DefaultCircuitBreakerConfig()))
}

func TestHTTPExecuteDecodesJSONBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "bearer-token", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"order_id": 42, "state": "confirmed"}`))
	}))
	defer srv.Close()

	out, err := newHTTPExecutor().Execute(context.Background(), map[string]any{
		"url":     srv.URL + "/orders",
		"method":  "post",
		"headers": map[string]any{"Authorization": "bearer-token"},
		"body":    map[string]any{"sku": "A-1"},
	})
	require.NoError(t, err)

	assert.Equal(t, 200, out["status_code"])
	body, ok := out["body"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(42), body["order_id"])
}

func TestHTTPExecuteKeepsRawNonJSONBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("pong"))
	}))
	defer srv.Close()

	out, err := newHTTPExecutor().Execute(context.Background(), map[string]any{"url": srv.URL})
	require.NoError(t, err)
	assert.Equal(t, "pong", out["body"])
}

func TestHTTPExecuteClientErrorIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	out, err := newHTTPExecutor().Execute(context.Background(), map[string]any{"url": srv.URL})
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
	assert.Equal(t, 404, out["status_code"])
}

func TestHTTPExecuteTooManyRequestsIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := newHTTPExecutor().Execute(context.Background(), map[string]any{"url": srv.URL})
	require.Error(t, err)
	assert.False(t, IsPermanent(err))
}

func TestHTTPExecuteServerErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := newHTTPExecutor().Execute(context.Background(), map[string]any{"url": srv.URL})
	require.Error(t, err)
	assert.False(t, IsPermanent(err))
}

func TestHTTPExecuteInvalidURLIsPermanent(t *testing.T) {
	_, err := newHTTPExecutor().Execute(context.Background(), map[string]any{"url": "not a url"})
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
}

func TestHTTPExecuteBreakerOpensAfterRepeatedFailures(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	e := newHTTPExecutor()
	input := map[string]any{"url": srv.URL}

	threshold := resilience.DefaultCircuitBreakerConfig().FailureThreshold
	for i := 0; i < threshold; i++ {
		_, err := e.Execute(context.Background(), input)
		require.Error(t, err)
	}

	// Breaker is open now; the upstream is no longer hit.
	before := hits.Load()
	_, err := e.Execute(context.Background(), input)
	require.ErrorIs(t, err, resilience.ErrCircuitOpen)
	assert.Equal(t, before, hits.Load())
}
