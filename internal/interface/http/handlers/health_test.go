package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pingerFunc func(ctx context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestCompositeHealthChecker(t *testing.T) {
	hc := NewCompositeHealthChecker("test")
	hc.AddCheck("storage", NewPingCheck(pingerFunc(func(context.Context) error { return nil })))
	hc.AddOptionalCheck("cache", func(context.Context) error { return errors.New("redis down") })

	status := hc.Check(context.Background())

	assert.False(t, status.Healthy)
	assert.True(t, status.Ready)
	assert.Equal(t, "test", status.Version)
	assert.Equal(t, "Some checks failed: cache", status.Message)
	require.Len(t, status.Checks, 2)
	assert.True(t, status.Checks["storage"].Healthy)
	assert.False(t, status.Checks["cache"].Critical)
	assert.Equal(t, "redis down", status.Checks["cache"].Message)
}

func TestCompositeHealthChecker_CriticalFailure(t *testing.T) {
	hc := NewCompositeHealthChecker("test")
	hc.AddCheck("storage", func(context.Context) error { return errors.New("db down") })
	hc.AddCheck("catalog", func(context.Context) error { return nil })

	status := hc.Check(context.Background())
	assert.False(t, status.Healthy)
	assert.False(t, status.Ready)

	hc.RemoveCheck("storage")
	status = hc.Check(context.Background())
	assert.True(t, status.Healthy)
	assert.Equal(t, "All checks passed", status.Message)
}

func TestCompositeHealthChecker_Timeout(t *testing.T) {
	hc := NewCompositeHealthChecker("test")
	hc.SetTimeout(20 * time.Millisecond)
	hc.AddCheck("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	status := hc.Check(context.Background())
	assert.False(t, status.Ready)
	assert.Contains(t, status.Checks["slow"].Message, "deadline exceeded")
}

func TestCompositeHealthChecker_Empty(t *testing.T) {
	status := NewCompositeHealthChecker("").Check(context.Background())
	assert.True(t, status.Healthy)
	assert.True(t, status.Ready)
	assert.Equal(t, "No health checks registered", status.Message)
}

func TestSecurityHeadersMiddleware(t *testing.T) {
	h := SecurityHeadersMiddleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
}

func TestRequestSizeLimitMiddleware(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })

	limited := RequestSizeLimitMiddleware(4)(ok)
	rec := httptest.NewRecorder()
	limited.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("too long")))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	unlimited := RequestSizeLimitMiddleware(0)(ok)
	rec = httptest.NewRecorder()
	unlimited.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("too long")))
	assert.Equal(t, http.StatusOK, rec.Code)
}
