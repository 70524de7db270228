package httpcache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/luxfor/reqshield/internal/config"
	"github.com/luxfor/reqshield/internal/metrics"
	"github.com/luxfor/reqshield/internal/store"
)

const (
	entryKeyPrefix = "cache:entry:"
	tagKeyPrefix   = "cache:tag:"
)

// Engine orchestrates response cache lookup, storage, and tag-driven
// invalidation over the shared store. It never fails a request: every store
// error degrades to miss-or-skip behavior and is logged.
type Engine struct {
	store   store.Store
	deriver *Deriver
	cfg     config.CacheConfig
	logger  *slog.Logger
	metrics *metrics.Recorder

	mutations map[string]struct{}
	types     []string
}

// NewEngine wires the cache engine from validated configuration.
func NewEngine(kv store.Store, cfg config.CacheConfig, logger *slog.Logger, recorder *metrics.Recorder) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	mutations := make(map[string]struct{}, len(cfg.MutationMethods))
	for _, method := range cfg.MutationMethods {
		mutations[strings.ToUpper(strings.TrimSpace(method))] = struct{}{}
	}
	types := make([]string, 0, len(cfg.ContentTypes))
	for _, ct := range cfg.ContentTypes {
		types = append(types, strings.ToLower(strings.TrimSpace(ct)))
	}
	return &Engine{
		store:     kv,
		deriver:   NewDeriver(cfg),
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "cache_engine")),
		metrics:   recorder,
		mutations: mutations,
		types:     types,
	}
}

// IsMutation reports whether the method belongs to the configured
// mutation-verb set and therefore triggers invalidation.
func (e *Engine) IsMutation(method string) bool {
	_, ok := e.mutations[strings.ToUpper(method)]
	return ok
}

// Eligible applies the caching gate: caching enabled, method GET, caller
// unauthenticated unless authenticated caching is allowed, and no client
// no-cache/no-store directive.
func (e *Engine) Eligible(desc Descriptor, cacheControl string) bool {
	if !e.cfg.Enabled {
		return false
	}
	if desc.Method != http.MethodGet {
		return false
	}
	if desc.Identity != "" && !e.cfg.CacheAuthenticated {
		return false
	}
	if ParseRequestDirective(cacheControl).Bypass() {
		return false
	}
	return true
}

// Lookup reads the cached entry for the descriptor's key. Store errors are
// logged and reported as a miss so an unavailable store never fails traffic.
func (e *Engine) Lookup(ctx context.Context, desc Descriptor) (Entry, bool) {
	start := time.Now()
	entry, ok, err := e.read(ctx, desc.Key())
	result := metrics.CacheResultMiss
	switch {
	case err != nil:
		result = metrics.CacheResultError
		e.logger.Warn("cache lookup failed, treating as miss",
			slog.String("path", desc.Path), slog.Any("error", err))
	case ok:
		result = metrics.CacheResultHit
	}
	e.metrics.ObserveCache(metrics.CacheOperationLookup, result, time.Since(start))
	return entry, ok && err == nil
}

// Store persists a successful response under the descriptor's key, then
// appends the key into every derived tag's index. Only 2xx responses with an
// allow-listed content type are stored. The entry write and the index updates
// are not atomic; invalidation treats a dangling index member as a no-op.
func (e *Engine) Store(ctx context.Context, desc Descriptor, statusCode int, headers map[string]string, body []byte) {
	if statusCode < 200 || statusCode > 299 {
		return
	}
	if !e.cacheableType(headers) {
		return
	}

	route, hasRoute := e.routeFor(desc.Path)
	ttl := time.Duration(e.cfg.TTLSeconds) * time.Second
	if hasRoute && route.TTLSeconds > 0 {
		ttl = time.Duration(route.TTLSeconds) * time.Second
	}
	if ttl <= 0 {
		return
	}

	var custom []string
	if hasRoute {
		custom = route.Tags
	}
	var tags []string
	if e.cfg.DynamicTags {
		tags = e.deriver.Tags(desc.Path, custom...)
	} else {
		tags = e.deriver.Tags("", custom...)
	}

	now := time.Now().UTC()
	entry := Entry{
		Key:        desc.Key(),
		Body:       body,
		StatusCode: statusCode,
		Headers:    SubsetHeaders(headers),
		Tags:       tags,
		CreatedAt:  now,
	}

	start := time.Now()
	payload, err := json.Marshal(entry)
	if err == nil {
		err = e.store.Put(ctx, entryKeyPrefix+entry.Key, payload, ttl)
	}
	result := metrics.CacheResultStored
	if err != nil {
		result = metrics.CacheResultError
		e.logger.Warn("cache store failed, proceeding without caching",
			slog.String("path", desc.Path), slog.Any("error", err))
	}
	e.metrics.ObserveCache(metrics.CacheOperationStore, result, time.Since(start))
	if err != nil {
		return
	}

	expiry := now.Add(ttl)
	for _, tag := range tags {
		if err := e.indexKey(ctx, tag, entry.Key, expiry); err != nil {
			e.logger.Warn("tag index update failed",
				slog.String("tag", tag), slog.Any("error", err))
		}
	}
}

// Invalidate flushes every cached entry referenced by the tag set a GET to
// this path would derive, deleting each tag index afterwards. When no tag
// held any keys it falls back to deleting the single cache key an equivalent
// GET would use, which covers untagged entries. Returns the number of entries
// removed.
func (e *Engine) Invalidate(ctx context.Context, desc Descriptor) int {
	route, hasRoute := e.routeFor(desc.Path)
	var custom []string
	if hasRoute {
		custom = route.Tags
	}
	var tags []string
	if e.cfg.DynamicTags {
		tags = e.deriver.Tags(desc.Path, custom...)
	} else {
		tags = e.deriver.Tags("", custom...)
	}

	start := time.Now()
	flushed := 0
	failed := false
	for _, tag := range tags {
		count, err := e.flushTag(ctx, tag)
		if err != nil {
			failed = true
			e.logger.Warn("tag flush failed",
				slog.String("tag", tag), slog.Any("error", err))
			continue
		}
		flushed += count
	}

	if flushed == 0 {
		// Same-path fallback: a GET and a mutation of the same path share a
		// key, so deleting it covers resources cached without tags.
		if _, err := e.store.Forget(ctx, entryKeyPrefix+desc.Key()); err != nil {
			failed = true
			e.logger.Warn("cache invalidate fallback failed",
				slog.String("path", desc.Path), slog.Any("error", err))
		}
	}

	result := metrics.CacheResultFlushed
	if failed {
		result = metrics.CacheResultError
	}
	e.metrics.ObserveCache(metrics.CacheOperationInvalidate, result, time.Since(start))
	return flushed
}

// flushTag deletes every still-referenced entry in the tag's index, then the
// index itself. Missing entries are counted out, not errored: the index is
// allowed to point at keys the store already expired.
func (e *Engine) flushTag(ctx context.Context, tag string) (int, error) {
	indexKey := tagKeyPrefix + tag
	idx, ok, err := e.readIndex(ctx, indexKey)
	if err != nil {
		return 0, err
	}
	if !ok || len(idx) == 0 {
		return 0, nil
	}

	flushed := 0
	for key := range idx {
		removed, err := e.store.Forget(ctx, entryKeyPrefix+key)
		if err != nil {
			return flushed, fmt.Errorf("httpcache: forget entry: %w", err)
		}
		if removed {
			flushed++
		}
	}
	if _, err := e.store.Forget(ctx, indexKey); err != nil {
		return flushed, fmt.Errorf("httpcache: forget index: %w", err)
	}
	return flushed, nil
}

// indexKey appends one cache key with its expiry into a tag's index, pruning
// expired members while the index is rewritten anyway.
func (e *Engine) indexKey(ctx context.Context, tag, key string, expiry time.Time) error {
	indexKey := tagKeyPrefix + tag
	idx, ok, err := e.readIndex(ctx, indexKey)
	if err != nil {
		return err
	}
	if !ok {
		idx = make(TagIndex, 1)
	}
	now := time.Now()
	idx.Prune(now)
	idx[key] = expiry.Unix()

	payload, err := json.Marshal(idx)
	if err != nil {
		return fmt.Errorf("httpcache: marshal index: %w", err)
	}
	if err := e.store.Put(ctx, indexKey, payload, idx.Horizon(now)); err != nil {
		return fmt.Errorf("httpcache: put index: %w", err)
	}
	return nil
}

func (e *Engine) read(ctx context.Context, key string) (Entry, bool, error) {
	payload, ok, err := e.store.Get(ctx, entryKeyPrefix+key)
	if err != nil {
		return Entry{}, false, fmt.Errorf("httpcache: get entry: %w", err)
	}
	if !ok {
		return Entry{}, false, nil
	}
	var entry Entry
	if err := json.Unmarshal(payload, &entry); err != nil {
		return Entry{}, false, fmt.Errorf("httpcache: unmarshal entry: %w", err)
	}
	return entry, true, nil
}

func (e *Engine) readIndex(ctx context.Context, indexKey string) (TagIndex, bool, error) {
	payload, ok, err := e.store.Get(ctx, indexKey)
	if err != nil {
		return nil, false, fmt.Errorf("httpcache: get index: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	var idx TagIndex
	if err := json.Unmarshal(payload, &idx); err != nil {
		return nil, false, fmt.Errorf("httpcache: unmarshal index: %w", err)
	}
	return idx, true, nil
}

func (e *Engine) cacheableType(headers map[string]string) bool {
	if len(e.types) == 0 {
		return true
	}
	var contentType string
	for key, value := range headers {
		if strings.EqualFold(key, "Content-Type") {
			contentType = value
			break
		}
	}
	contentType = strings.ToLower(strings.TrimSpace(contentType))
	if idx := strings.IndexByte(contentType, ';'); idx >= 0 {
		contentType = strings.TrimSpace(contentType[:idx])
	}
	for _, allowed := range e.types {
		if contentType == allowed {
			return true
		}
	}
	return false
}

func (e *Engine) routeFor(path string) (config.RouteCache, bool) {
	for _, route := range e.cfg.Routes {
		if strings.HasPrefix(path, route.Prefix) {
			return route, true
		}
	}
	return config.RouteCache{}, false
}
