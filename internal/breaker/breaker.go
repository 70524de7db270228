package breaker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/luxfor/reqshield/internal/config"
	"github.com/luxfor/reqshield/internal/metrics"
	"github.com/luxfor/reqshield/internal/store"
)

// HeaderCircuitState carries the evaluated circuit state to the client.
const HeaderCircuitState = "X-Circuit-State"

const (
	recordKeyPrefix  = "circuit:state:"
	counterKeyPrefix = "circuit:metrics:"

	// recordTTL bounds the store's memory for scopes that stop receiving
	// traffic. Records are otherwise never deleted.
	recordTTL = 24 * time.Hour
)

// Advisory outcome counter names, incremented per scope in the store.
const (
	counterFailures   = "failures"
	counterSuccesses  = "successes"
	counterOpens      = "opens"
	counterCloses     = "closes"
	counterRejections = "rejections"
)

// Breaker admits or rejects requests per scope based on a store-persisted
// circuit record. All coordination goes through the store; concurrent
// gateway instances sharing a store share circuit state.
type Breaker struct {
	store      store.Store
	cfg        config.BreakerConfig
	classifier *Classifier
	fallback   *Fallback
	logger     *slog.Logger
	metrics    *metrics.Recorder
	timeout    time.Duration
}

// New wires the breaker from validated configuration, compiling the failure
// predicate and fallback template up front.
func New(kv store.Store, cfg config.BreakerConfig, logger *slog.Logger, recorder *metrics.Recorder) (*Breaker, error) {
	if logger == nil {
		logger = slog.Default()
	}
	classifier, err := NewClassifier(cfg)
	if err != nil {
		return nil, err
	}
	fallback, err := NewFallback(cfg.FallbackTemplate)
	if err != nil {
		return nil, err
	}
	return &Breaker{
		store:      kv,
		cfg:        cfg,
		classifier: classifier,
		fallback:   fallback,
		logger:     logger.With(slog.String("component", "breaker")),
		metrics:    recorder,
		timeout:    time.Duration(cfg.TimeoutSeconds) * time.Second,
	}, nil
}

// Scope derives the circuit scope key for a request according to the
// configured mode.
func (b *Breaker) Scope(r *http.Request) string {
	switch strings.ToLower(b.cfg.Scope) {
	case config.ScopeSegment:
		trimmed := strings.Trim(r.URL.Path, "/")
		if trimmed == "" {
			return "/"
		}
		if idx := strings.IndexByte(trimmed, '/'); idx >= 0 {
			return trimmed[:idx]
		}
		return trimmed
	case config.ScopeRoute:
		for _, prefix := range b.cfg.Routes {
			if strings.HasPrefix(r.URL.Path, prefix) {
				return prefix
			}
		}
		return r.URL.Path
	default:
		return r.Method + " " + r.URL.Path
	}
}

// Middleware wraps the next handler with circuit admission. When the breaker
// is disabled it is a pass-through.
func (b *Breaker) Middleware(next http.Handler) http.Handler {
	if !b.cfg.Enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		scope := b.Scope(r)
		now := time.Now().UTC()

		rec, storeHealthy := b.load(ctx, scope)
		rec, admission, changed := Admit(rec, now, b.timeout)
		if changed && storeHealthy {
			b.save(ctx, scope, rec)
			b.transition(ctx, scope, StateOpen, rec.State)
		}

		if admission == Reject {
			b.reject(ctx, w, scope, rec, now)
			return
		}

		w.Header().Set(HeaderCircuitState, string(rec.State))

		sw := &statusWriter{inner: w, status: http.StatusOK}
		start := time.Now()
		defer func() {
			if p := recover(); p != nil {
				// The panic is a failure observation but is re-raised
				// unmodified; the breaker never swallows origin errors.
				b.observe(ctx, scope, rec, Observation{Latency: time.Since(start), Panicked: true}, storeHealthy)
				panic(p)
			}
		}()
		next.ServeHTTP(sw, r)
		b.observe(ctx, scope, rec, Observation{Status: sw.status, Latency: time.Since(start)}, storeHealthy)
	})
}

// observe classifies the outcome, folds it into the record, and persists the
// result. Slow responses are detected retroactively: the latency is only
// known once the origin call completes.
func (b *Breaker) observe(ctx context.Context, scope string, rec Record, obs Observation, storeHealthy bool) {
	failure := b.classifier.Failure(obs)

	outcome := counterSuccesses
	if failure {
		outcome = counterFailures
	}
	b.count(ctx, scope, outcome)
	b.metrics.ObserveOutcome(scope, outcome)

	prev := rec.State
	updated, changed := Observe(rec, failure, b.cfg.FailureThreshold, time.Now().UTC())
	if !changed {
		return
	}
	if storeHealthy {
		b.save(ctx, scope, updated)
	}
	if prev != updated.State {
		b.transition(ctx, scope, prev, updated.State)
	}
}

// reject fails the request fast with the configured fallback payload.
func (b *Breaker) reject(ctx context.Context, w http.ResponseWriter, scope string, rec Record, now time.Time) {
	retryAfter := RetryAfter(rec, now, b.timeout)
	data := FallbackData{
		State:      string(rec.State),
		RetryAfter: retryAfter,
	}
	if rec.OpenedAt != nil {
		data.OpenedAt = *rec.OpenedAt
	}
	body, contentType, err := b.fallback.Render(data)
	if err != nil {
		b.logger.Error("fallback render failed", slog.String("scope", scope), slog.Any("error", err))
		body = []byte(`{"state":"open"}`)
		contentType = "application/json"
	}

	b.count(ctx, scope, counterRejections)
	b.metrics.ObserveRejection(scope)

	w.Header().Set("Content-Type", contentType)
	w.Header().Set(HeaderCircuitState, string(StateOpen))
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	status := b.cfg.FallbackStatus
	if status == 0 {
		status = http.StatusServiceUnavailable
	}
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// load reads the scope's record, creating one lazily for unseen scopes. An
// unavailable store fails open: admission proceeds as if the circuit were
// closed rather than letting a store outage take down all traffic.
func (b *Breaker) load(ctx context.Context, scope string) (Record, bool) {
	payload, ok, err := b.store.Get(ctx, recordKeyPrefix+scope)
	if err != nil {
		b.logger.Warn("circuit record read failed, failing open",
			slog.String("scope", scope), slog.Any("error", err))
		return NewRecord(), false
	}
	if !ok {
		return NewRecord(), true
	}
	var rec Record
	if err := json.Unmarshal(payload, &rec); err != nil {
		b.logger.Warn("circuit record corrupt, failing open",
			slog.String("scope", scope), slog.Any("error", err))
		return NewRecord(), false
	}
	return rec, true
}

func (b *Breaker) save(ctx context.Context, scope string, rec Record) {
	payload, err := json.Marshal(rec)
	if err == nil {
		err = b.store.Put(ctx, recordKeyPrefix+scope, payload, recordTTL)
	}
	if err != nil {
		b.logger.Warn("circuit record write failed",
			slog.String("scope", scope), slog.Any("error", err))
	}
}

// count bumps the advisory per-scope outcome counter. Failures are logged at
// debug only; the counters are observability aids, not correctness inputs.
func (b *Breaker) count(ctx context.Context, scope, outcome string) {
	key := fmt.Sprintf("%s%s:%s", counterKeyPrefix, scope, outcome)
	if _, err := b.store.Increment(ctx, key); err != nil {
		b.logger.Debug("circuit counter increment failed",
			slog.String("scope", scope), slog.String("outcome", outcome), slog.Any("error", err))
	}
}

func (b *Breaker) transition(ctx context.Context, scope string, from, to State) {
	b.metrics.ObserveTransition(scope, string(from), string(to))
	switch to {
	case StateOpen:
		b.count(ctx, scope, counterOpens)
	case StateClosed:
		b.count(ctx, scope, counterCloses)
	}
	b.logger.Info("circuit state changed",
		slog.String("scope", scope), slog.String("from", string(from)), slog.String("to", string(to)))
}

// statusWriter captures the downstream status code for outcome
// classification without buffering the body.
type statusWriter struct {
	inner       http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) Header() http.Header {
	return w.inner.Header()
}

func (w *statusWriter) WriteHeader(status int) {
	if !w.wroteHeader {
		w.status = status
		w.wroteHeader = true
	}
	w.inner.WriteHeader(status)
}

func (w *statusWriter) Write(p []byte) (int, error) {
	if !w.wroteHeader {
		w.wroteHeader = true
	}
	return w.inner.Write(p)
}
