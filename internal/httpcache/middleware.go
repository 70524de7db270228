package httpcache

import (
	"bytes"
	"net/http"
	"strconv"
	"time"
)

// Cache status header values surfaced to clients and the middleware chain.
const (
	HeaderCacheStatus = "X-Cache"
	StatusHit         = "HIT"
	StatusMiss        = "MISS"
	StatusBypass      = "BYPASS"
)

// Middleware applies the cache engine around the next handler. Eligible reads
// are served from cache or recorded and stored; mutation verbs run the origin
// first and then invalidate; everything else passes straight through.
func (e *Engine) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		desc := DescribeRequest(r, e.cfg)

		if e.IsMutation(r.Method) {
			w.Header().Set(HeaderCacheStatus, StatusBypass)
			next.ServeHTTP(w, r)
			e.Invalidate(r.Context(), desc)
			return
		}

		if !e.Eligible(desc, r.Header.Get("Cache-Control")) {
			w.Header().Set(HeaderCacheStatus, StatusBypass)
			next.ServeHTTP(w, r)
			return
		}

		if entry, ok := e.Lookup(r.Context(), desc); ok {
			for name, value := range entry.Headers {
				w.Header().Set(name, value)
			}
			w.Header().Set(HeaderCacheStatus, StatusHit)
			w.Header().Set("Age", strconv.Itoa(int(entry.Age(time.Now().UTC())/time.Second)))
			w.WriteHeader(entry.StatusCode)
			_, _ = w.Write(entry.Body)
			return
		}

		recorder := newResponseRecorder(w)
		next.ServeHTTP(recorder, r)
		recorder.emit(StatusMiss)
		e.Store(r.Context(), desc, recorder.status, recorder.headerSnapshot(), recorder.body.Bytes())
	})
}

// responseRecorder buffers the downstream response so the cache status header
// can be injected before the first byte reaches the client and the body can
// be stored afterwards.
type responseRecorder struct {
	inner   http.ResponseWriter
	header  http.Header
	status  int
	body    bytes.Buffer
	wroteHeader bool
}

func newResponseRecorder(inner http.ResponseWriter) *responseRecorder {
	return &responseRecorder{
		inner:  inner,
		header: make(http.Header),
		status: http.StatusOK,
	}
}

func (r *responseRecorder) Header() http.Header {
	return r.header
}

func (r *responseRecorder) WriteHeader(status int) {
	if r.wroteHeader {
		return
	}
	r.status = status
	r.wroteHeader = true
}

func (r *responseRecorder) Write(p []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	return r.body.Write(p)
}

// emit flushes the buffered response to the real writer with the cache status
// attached.
func (r *responseRecorder) emit(cacheStatus string) {
	dest := r.inner.Header()
	for name, values := range r.header {
		for _, value := range values {
			dest.Add(name, value)
		}
	}
	dest.Set(HeaderCacheStatus, cacheStatus)
	r.inner.WriteHeader(r.status)
	_, _ = r.inner.Write(r.body.Bytes())
}

// headerSnapshot flattens the recorded headers into the single-value map the
// cache entry persists.
func (r *responseRecorder) headerSnapshot() map[string]string {
	if len(r.header) == 0 {
		return nil
	}
	out := make(map[string]string, len(r.header))
	for name, values := range r.header {
		if len(values) > 0 {
			out[name] = values[0]
		}
	}
	return out
}
