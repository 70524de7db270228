package httpcache

import (
	"strings"
	"time"
)

// Entry is one cached response. The body is opaque: the cache never parses or
// mutates it. Only an allow-listed header subset is retained.
type Entry struct {
	Key        string            `json:"key"`
	Body       []byte            `json:"body"`
	StatusCode int               `json:"statusCode"`
	Headers    map[string]string `json:"headers,omitempty"`
	Tags       []string          `json:"tags,omitempty"`
	CreatedAt  time.Time         `json:"createdAt"`
}

// Age reports how long ago the entry was stored, floored at zero.
func (e Entry) Age(now time.Time) time.Duration {
	age := now.Sub(e.CreatedAt)
	if age < 0 {
		return 0
	}
	return age
}

// headerAllowList is the subset of response headers worth replaying from
// cache: content negotiation results and conditional-request validators.
var headerAllowList = []string{
	"Content-Type",
	"Content-Encoding",
	"Content-Language",
	"ETag",
	"Last-Modified",
}

// SubsetHeaders filters a header map down to the replayable allow-list.
func SubsetHeaders(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string)
	for _, name := range headerAllowList {
		for key, value := range in {
			if strings.EqualFold(key, name) {
				out[name] = value
			}
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// TagIndex maps cache key to expiry unix seconds for one tag. The store has
// no native tag groups, so the engine maintains these indexes itself. Staleness
// is bounded by the recorded expiry; pruning happens on every read or rewrite.
type TagIndex map[string]int64

// Prune drops members whose recorded expiry has passed and reports whether
// anything was removed.
func (idx TagIndex) Prune(now time.Time) bool {
	cutoff := now.Unix()
	pruned := false
	for key, expiry := range idx {
		if expiry <= cutoff {
			delete(idx, key)
			pruned = true
		}
	}
	return pruned
}

// Horizon returns the latest member expiry, used as the index entry's own TTL
// so an index cannot outlive all of its members by more than lazy pruning.
func (idx TagIndex) Horizon(now time.Time) time.Duration {
	var latest int64
	for _, expiry := range idx {
		if expiry > latest {
			latest = expiry
		}
	}
	if latest == 0 {
		return 0
	}
	horizon := time.Unix(latest, 0).Sub(now)
	if horizon < 0 {
		return 0
	}
	return horizon
}
