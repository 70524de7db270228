package httpcache

import (
	"strings"

	"github.com/luxfor/reqshield/internal/config"
)

// idPlaceholder substitutes resource identifiers in normalized tags so one
// tag covers a whole collection regardless of which member was addressed.
const idPlaceholder = "{id}"

// Deriver turns request paths into invalidation tag sets. Raw tags support
// exact-resource invalidation; normalized tags (identifiers replaced with a
// placeholder) support collection-wide invalidation without a second pass
// over stored data.
type Deriver struct {
	ignore    map[string]struct{}
	maxDepth  int
	normalize bool
}

// NewDeriver builds a Deriver from the cache configuration.
func NewDeriver(cfg config.CacheConfig) *Deriver {
	ignore := make(map[string]struct{}, len(cfg.IgnoreSegments))
	for _, segment := range cfg.IgnoreSegments {
		ignore[strings.ToLower(strings.TrimSpace(segment))] = struct{}{}
	}
	depth := cfg.MaxTagDepth
	if depth < 1 {
		depth = 5
	}
	return &Deriver{
		ignore:    ignore,
		maxDepth:  depth,
		normalize: cfg.NormalizeIdentifiers,
	}
}

// Tags derives the de-duplicated tag set for a path, unioned with any custom
// tags the matching route supplies. Mutations and reads of the same path
// produce the same set.
func (d *Deriver) Tags(path string, custom ...string) []string {
	segments := d.segments(path)

	var tags []string
	seen := make(map[string]struct{})
	add := func(tag string) {
		if tag == "" {
			return
		}
		if _, ok := seen[tag]; ok {
			return
		}
		seen[tag] = struct{}{}
		tags = append(tags, tag)
	}

	if len(segments) > 0 {
		// Root tags carry the same segment under two prefixes so callers can
		// express intent (single path vs. whole collection) without the
		// invalidation machinery treating them differently.
		add("path:" + segments[0])
		add("collection:" + segments[0])

		for i := 1; i <= len(segments); i++ {
			add(strings.Join(segments[:i], ":"))
		}

		if d.normalize {
			normalized := make([]string, len(segments))
			for i, segment := range segments {
				if isIdentifier(segment) {
					normalized[i] = idPlaceholder
				} else {
					normalized[i] = segment
				}
			}
			for i := 1; i <= len(normalized); i++ {
				add(strings.Join(normalized[:i], ":"))
			}
			add(strings.Join(segments, "/"))
			add(strings.Join(normalized, "/"))
		} else {
			add(strings.Join(segments, "/"))
		}
	}

	for _, tag := range custom {
		add(strings.TrimSpace(tag))
	}
	return tags
}

// segments splits the path, drops ignored leading markers, lower-cases what
// remains, and truncates to the configured depth.
func (d *Deriver) segments(path string) []string {
	var segments []string
	for _, raw := range strings.Split(path, "/") {
		if raw == "" {
			continue
		}
		lowered := strings.ToLower(raw)
		if _, ok := d.ignore[lowered]; ok {
			continue
		}
		segments = append(segments, lowered)
		if len(segments) == d.maxDepth {
			break
		}
	}
	return segments
}

// isIdentifier reports whether a path segment addresses a single resource:
// numeric IDs, 24/32/40-character hex digests, RFC 4122 UUIDs, and ULIDs.
func isIdentifier(segment string) bool {
	if segment == "" {
		return false
	}
	if isNumeric(segment) {
		return true
	}
	switch len(segment) {
	case 24, 32, 40:
		if isHex(segment) {
			return true
		}
	}
	if isUUID(segment) {
		return true
	}
	return isULID(segment)
}

func isNumeric(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func isHex(s string) bool {
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		case r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}

func isUUID(s string) bool {
	if len(s) != 36 {
		return false
	}
	for i, r := range s {
		switch i {
		case 8, 13, 18, 23:
			if r != '-' {
				return false
			}
		default:
			if !isHex(string(r)) {
				return false
			}
		}
	}
	return true
}

// isULID matches 26-character Crockford base-32 strings (no I, L, O, or U).
func isULID(s string) bool {
	if len(s) != 26 {
		return false
	}
	for _, r := range strings.ToUpper(s) {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'A' && r <= 'Z':
			if r == 'I' || r == 'L' || r == 'O' || r == 'U' {
				return false
			}
		default:
			return false
		}
	}
	return true
}
