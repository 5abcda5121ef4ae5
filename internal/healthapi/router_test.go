package healthapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/aldctl/control-core/internal/paramcache"
	"github.com/aldctl/control-core/internal/paramlog"
	"github.com/aldctl/control-core/internal/plc"
	"github.com/aldctl/control-core/internal/store"
	"github.com/stretchr/testify/require"
)

func newTestLogger(t *testing.T) (*paramlog.Logger, *store.MemoryStore) {
	t.Helper()
	s := store.NewMemoryStore("m1")
	cache := paramcache.New(s)
	require.NoError(t, cache.Refresh(context.Background()))
	p := plc.NewSimulatedPLC()
	require.NoError(t, p.Initialize(context.Background()))
	return paramlog.New(s, p, cache, "m1", 2), s
}

func TestHealthz_AlwaysOK(t *testing.T) {
	logger, s := newTestLogger(t)
	r := NewRouter(s, logger)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestReadyz_OKWhenStoreReachable(t *testing.T) {
	logger, s := newTestLogger(t)
	r := NewRouter(s, logger)

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsLogger_ReturnsEmptyHistoryInitially(t *testing.T) {
	logger, s := newTestLogger(t)
	r := NewRouter(s, logger)

	req := httptest.NewRequest(http.MethodGet, "/metrics/logger", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, "[]", rec.Body.String())
}
