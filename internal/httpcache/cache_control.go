package httpcache

import (
	"strings"
)

// RequestDirective holds the Cache-Control request directives the eligibility
// gate cares about. Unknown directives are silently ignored.
type RequestDirective struct {
	NoCache bool
	NoStore bool
}

// ParseRequestDirective parses a Cache-Control request header.
//
// Format: Cache-Control: directive1, directive2=value, directive3
func ParseRequestDirective(header string) RequestDirective {
	directive := RequestDirective{}
	if header == "" {
		return directive
	}

	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if idx := strings.IndexByte(part, '='); idx >= 0 {
			part = part[:idx]
		}
		switch strings.ToLower(strings.TrimSpace(part)) {
		case "no-cache":
			directive.NoCache = true
		case "no-store":
			directive.NoStore = true
		}
	}
	return directive
}

// Bypass reports whether the request forbids serving or storing a cached
// response.
func (d RequestDirective) Bypass() bool {
	return d.NoCache || d.NoStore
}
