package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/luxfor/reqshield/internal/breaker"
	"github.com/luxfor/reqshield/internal/httpcache"
	"github.com/luxfor/reqshield/internal/metrics"
)

// NewHandler assembles the gateway's request surface: the metrics and
// liveness endpoints plus the protection chain in front of the origin. The
// cache sits outermost so hits short-circuit before circuit admission; the
// breaker wraps the origin call so it observes every outcome that actually
// reached upstream.
func NewHandler(cache *httpcache.Engine, brk *breaker.Breaker, origin http.Handler, recorder *metrics.Recorder) http.Handler {
	chain := origin
	if brk != nil {
		chain = brk.Middleware(chain)
	}
	if cache != nil {
		chain = cache.Middleware(chain)
	}
	chain = instrument(chain, recorder)

	mux := http.NewServeMux()
	mux.Handle("/metrics", recorder.Handler())
	mux.HandleFunc("/healthz", serveHealth)
	mux.Handle("/", chain)
	return mux
}

// serveHealth is the liveness probe: the process is up and routing.
func serveHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// instrument records the terminal status, cache disposition, and latency of
// every request that traversed the protection chain.
func instrument(next http.Handler, recorder *metrics.Recorder) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ow := &observingWriter{inner: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(ow, r)
		cacheStatus := w.Header().Get(httpcache.HeaderCacheStatus)
		recorder.ObserveRequest(r.Method, cacheStatus, ow.status, time.Since(start))
	})
}

type observingWriter struct {
	inner       http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *observingWriter) Header() http.Header {
	return w.inner.Header()
}

func (w *observingWriter) WriteHeader(status int) {
	if !w.wroteHeader {
		w.status = status
		w.wroteHeader = true
	}
	w.inner.WriteHeader(status)
}

func (w *observingWriter) Write(p []byte) (int, error) {
	if !w.wroteHeader {
		w.wroteHeader = true
	}
	return w.inner.Write(p)
}
