// Package httpcache implements the response cache: deterministic key and tag
// derivation from request identity, a store-backed cache engine with per-tag
// key indexes, and the middleware that applies both to inbound traffic.
package httpcache

import (
	"fmt"
	"hash/fnv"
	"net/http"
	"sort"
	"strings"

	"github.com/luxfor/reqshield/internal/config"
)

// guestIdentity marks unauthenticated callers in the key material so enabling
// per-user segmentation later cannot collide with an existing anonymous key.
const guestIdentity = "guest"

// Descriptor is the canonical request identity the deriver hashes. The method
// is carried for eligibility and invalidation decisions but deliberately kept
// out of the key material: a mutation to a path must map to the same key as a
// read of that path so the invalidation fallback can find it.
type Descriptor struct {
	Method   string
	Path     string
	Query    string
	Identity string
	// PerUser segments the key by identity. Identity itself is always
	// captured when configured: the eligibility gate needs to know the
	// caller is authenticated even when keys are shared.
	PerUser bool
	Vary    map[string]string
}

// DescribeRequest projects an http.Request into a Descriptor using the
// configured identity header and vary-header allow-list.
func DescribeRequest(r *http.Request, cfg config.CacheConfig) Descriptor {
	desc := Descriptor{
		Method:  r.Method,
		Path:    r.URL.Path,
		Query:   r.URL.RawQuery,
		PerUser: cfg.PerUser,
	}
	if cfg.IdentityHeader != "" {
		desc.Identity = strings.TrimSpace(r.Header.Get(cfg.IdentityHeader))
	}
	if len(cfg.VaryHeaders) > 0 {
		desc.Vary = make(map[string]string, len(cfg.VaryHeaders))
		for _, name := range cfg.VaryHeaders {
			if value := r.Header.Get(name); value != "" {
				desc.Vary[strings.ToLower(name)] = value
			}
		}
	}
	return desc
}

// Key computes the fixed-length fingerprint for the descriptor using FNV-1a
// over a canonical concatenation: path, query, identity (or the guest
// marker), then vary headers sorted by name for determinism.
func (d Descriptor) Key() string {
	h := fnv.New64a()

	_, _ = h.Write([]byte(d.Path))
	_, _ = h.Write([]byte("|"))
	_, _ = h.Write([]byte(d.Query))
	_, _ = h.Write([]byte("|"))

	identity := guestIdentity
	if d.PerUser && d.Identity != "" {
		identity = d.Identity
	}
	_, _ = h.Write([]byte(identity))
	_, _ = h.Write([]byte("|"))

	if len(d.Vary) > 0 {
		names := make([]string, 0, len(d.Vary))
		for name := range d.Vary {
			names = append(names, name)
		}
		sort.Strings(names)

		pairs := make([]string, 0, len(names))
		for _, name := range names {
			pairs = append(pairs, name+":"+d.Vary[name])
		}
		_, _ = h.Write([]byte(strings.Join(pairs, "|")))
	}

	return fmt.Sprintf("%016x", h.Sum64())
}
