package breaker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/luxfor/reqshield/internal/config"
	"github.com/luxfor/reqshield/internal/store"
)

var errStoreDown = errors.New("store down")

type failingStore struct{}

func (failingStore) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, errStoreDown
}
func (failingStore) Put(context.Context, string, []byte, time.Duration) error { return errStoreDown }
func (failingStore) Forget(context.Context, string) (bool, error)             { return false, errStoreDown }
func (failingStore) Increment(context.Context, string) (int64, error)         { return 0, errStoreDown }
func (failingStore) Close(context.Context) error                              { return nil }

func newTestBreaker(t *testing.T, cfg config.BreakerConfig, kv store.Store) *Breaker {
	t.Helper()
	b, err := New(kv, cfg, nil, nil)
	require.NoError(t, err)
	return b
}

func loadRecord(t *testing.T, kv store.Store, scope string) Record {
	t.Helper()
	payload, ok, err := kv.Get(context.Background(), recordKeyPrefix+scope)
	require.NoError(t, err)
	require.True(t, ok, "record for scope %q not persisted", scope)
	var rec Record
	require.NoError(t, json.Unmarshal(payload, &rec))
	return rec
}

func saveRecord(t *testing.T, kv store.Store, scope string, rec Record) {
	t.Helper()
	payload, err := json.Marshal(rec)
	require.NoError(t, err)
	require.NoError(t, kv.Put(context.Background(), recordKeyPrefix+scope, payload, time.Hour))
}

func statusOrigin(status *atomic.Int64) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
	})
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	kv := store.NewMemory()
	b := newTestBreaker(t, testBreakerConfig(), kv)

	var originStatus atomic.Int64
	originStatus.Store(502)
	handler := b.Middleware(statusOrigin(&originStatus))

	// Three consecutive failures reach the threshold.
	for i := 0; i < 3; i++ {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, httptest.NewRequest("GET", "/api/orders", nil))
		require.Equal(t, 502, rr.Code, "requests pass through while closed")
		require.Equal(t, string(StateClosed), rr.Header().Get(HeaderCircuitState))
	}

	rec := loadRecord(t, kv, "GET /api/orders")
	require.Equal(t, StateOpen, rec.State)

	// The next request is rejected without reaching the origin.
	originStatus.Store(200)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest("GET", "/api/orders", nil))
	require.Equal(t, 503, rr.Code)
	require.Equal(t, string(StateOpen), rr.Header().Get(HeaderCircuitState))
	require.NotEmpty(t, rr.Header().Get("Retry-After"))

	var payload FallbackData
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &payload))
	require.Equal(t, string(StateOpen), payload.State)
}

func TestBreakerScopesAreIndependent(t *testing.T) {
	kv := store.NewMemory()
	b := newTestBreaker(t, testBreakerConfig(), kv)

	var originStatus atomic.Int64
	originStatus.Store(500)
	handler := b.Middleware(statusOrigin(&originStatus))

	for i := 0; i < 3; i++ {
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/api/orders", nil))
	}

	originStatus.Store(200)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest("GET", "/api/users", nil))
	require.Equal(t, 200, rr.Code, "an open circuit on one endpoint must not affect another")
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	kv := store.NewMemory()
	b := newTestBreaker(t, testBreakerConfig(), kv)
	scope := "GET /api/orders"

	// An open record past the timeout admits the next request as a trial.
	opened := time.Now().UTC().Add(-2 * time.Minute)
	saveRecord(t, kv, scope, Record{State: StateOpen, FailureCount: 3, OpenedAt: &opened})

	var originStatus atomic.Int64
	originStatus.Store(200)
	handler := b.Middleware(statusOrigin(&originStatus))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest("GET", scope[4:], nil))
	require.Equal(t, 200, rr.Code)
	require.Equal(t, string(StateHalfOpen), rr.Header().Get(HeaderCircuitState))

	rec := loadRecord(t, kv, scope)
	require.Equal(t, StateClosed, rec.State)
	require.Equal(t, 0, rec.FailureCount)
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	kv := store.NewMemory()
	b := newTestBreaker(t, testBreakerConfig(), kv)
	scope := "GET /api/orders"

	opened := time.Now().UTC().Add(-2 * time.Minute)
	saveRecord(t, kv, scope, Record{State: StateOpen, FailureCount: 3, OpenedAt: &opened})

	var originStatus atomic.Int64
	originStatus.Store(502)
	handler := b.Middleware(statusOrigin(&originStatus))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest("GET", scope[4:], nil))
	require.Equal(t, 502, rr.Code, "the trial itself reaches the origin")

	rec := loadRecord(t, kv, scope)
	require.Equal(t, StateOpen, rec.State)
	require.NotNil(t, rec.OpenedAt)
	require.True(t, rec.OpenedAt.After(opened), "a failed trial restarts the timeout")

	// Immediately after reopening, requests are rejected again.
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest("GET", scope[4:], nil))
	require.Equal(t, 503, rr.Code)
}

func TestBreakerPanicCountsAsFailure(t *testing.T) {
	kv := store.NewMemory()
	b := newTestBreaker(t, testBreakerConfig(), kv)

	handler := b.Middleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("origin blew up")
	}))

	require.Panics(t, func() {
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/api/orders", nil))
	})

	rec := loadRecord(t, kv, "GET /api/orders")
	require.Equal(t, 1, rec.FailureCount)
}

func TestBreakerFailsOpenOnStoreOutage(t *testing.T) {
	b := newTestBreaker(t, testBreakerConfig(), failingStore{})

	var originStatus atomic.Int64
	originStatus.Store(200)
	handler := b.Middleware(statusOrigin(&originStatus))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest("GET", "/api/orders", nil))
	require.Equal(t, 200, rr.Code)
	require.Equal(t, string(StateClosed), rr.Header().Get(HeaderCircuitState))
}

func TestBreakerDisabledPassesThrough(t *testing.T) {
	cfg := testBreakerConfig()
	cfg.Enabled = false
	b := newTestBreaker(t, cfg, store.NewMemory())

	called := false
	handler := b.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(200)
	}))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest("GET", "/api/orders", nil))
	require.True(t, called)
	require.Empty(t, rr.Header().Get(HeaderCircuitState))
}

func TestBreakerCustomFallback(t *testing.T) {
	kv := store.NewMemory()
	cfg := testBreakerConfig()
	cfg.FallbackStatus = 429
	cfg.FallbackTemplate = `down, retry in {{ .RetryAfter }}s`
	b := newTestBreaker(t, cfg, kv)
	scope := "GET /api/orders"

	// Half a second of slack keeps the computed Retry-After stable.
	opened := time.Now().UTC().Add(-9500 * time.Millisecond)
	saveRecord(t, kv, scope, Record{State: StateOpen, FailureCount: 3, OpenedAt: &opened})

	rr := httptest.NewRecorder()
	b.Middleware(statusOrigin(new(atomic.Int64))).ServeHTTP(rr, httptest.NewRequest("GET", scope[4:], nil))
	require.Equal(t, 429, rr.Code)
	require.Equal(t, "down, retry in 50s", rr.Body.String())
	require.Equal(t, "text/plain; charset=utf-8", rr.Header().Get("Content-Type"))
}

func TestBreakerAdvisoryCounters(t *testing.T) {
	kv := store.NewMemory()
	b := newTestBreaker(t, testBreakerConfig(), kv)

	var originStatus atomic.Int64
	originStatus.Store(500)
	handler := b.Middleware(statusOrigin(&originStatus))

	for i := 0; i < 3; i++ {
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/api/orders", nil))
	}
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/api/orders", nil))

	ctx := context.Background()
	failures, err := kv.Increment(ctx, counterKeyPrefix+"GET /api/orders:"+counterFailures)
	require.NoError(t, err)
	require.Equal(t, int64(4), failures, "three observed failures plus this probe increment")

	rejections, err := kv.Increment(ctx, counterKeyPrefix+"GET /api/orders:"+counterRejections)
	require.NoError(t, err)
	require.Equal(t, int64(2), rejections)

	opens, err := kv.Increment(ctx, counterKeyPrefix+"GET /api/orders:"+counterOpens)
	require.NoError(t, err)
	require.Equal(t, int64(2), opens)
}

func TestScopeModes(t *testing.T) {
	kv := store.NewMemory()

	segCfg := testBreakerConfig()
	segCfg.Scope = config.ScopeSegment
	seg := newTestBreaker(t, segCfg, kv)
	require.Equal(t, "api", seg.Scope(httptest.NewRequest("GET", "/api/orders/42", nil)))
	require.Equal(t, "health", seg.Scope(httptest.NewRequest("GET", "/health", nil)))
	require.Equal(t, "/", seg.Scope(httptest.NewRequest("GET", "/", nil)))

	routeCfg := testBreakerConfig()
	routeCfg.Scope = config.ScopeRoute
	routeCfg.Routes = []string{"/api/orders", "/api/users"}
	route := newTestBreaker(t, routeCfg, kv)
	require.Equal(t, "/api/orders", route.Scope(httptest.NewRequest("GET", "/api/orders/42", nil)))
	require.Equal(t, "/api/reports", route.Scope(httptest.NewRequest("GET", "/api/reports", nil)),
		"unrouted paths fall back to the full path")

	endpoint := newTestBreaker(t, testBreakerConfig(), kv)
	require.Equal(t, "GET /api/orders", endpoint.Scope(httptest.NewRequest("GET", "/api/orders", nil)))
	require.Equal(t, "DELETE /api/orders", endpoint.Scope(httptest.NewRequest("DELETE", "/api/orders", nil)))
}
