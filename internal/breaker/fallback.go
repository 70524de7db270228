package breaker

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"
	"time"

	sprig "github.com/Masterminds/sprig/v3"
)

// FallbackData is the payload context handed to the fallback generator for a
// rejected request.
type FallbackData struct {
	State      string    `json:"state"`
	OpenedAt   time.Time `json:"opened_at"`
	RetryAfter int       `json:"retry_after"`
}

// Fallback produces the response body served while a circuit is open. The
// default is a structured JSON payload; operators can override it with a
// sprig-enabled template.
type Fallback struct {
	tmpl *template.Template
}

// NewFallback compiles the optional custom template once at startup. An empty
// source keeps the default JSON payload.
func NewFallback(source string) (*Fallback, error) {
	trimmed := strings.TrimSpace(source)
	if trimmed == "" {
		return &Fallback{}, nil
	}
	tmpl, err := template.New("fallback").
		Funcs(sprig.TxtFuncMap()).
		Option("missingkey=zero").
		Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("breaker: compile fallback template: %w", err)
	}
	return &Fallback{tmpl: tmpl}, nil
}

// Render produces the body and content type for a rejection.
func (f *Fallback) Render(data FallbackData) ([]byte, string, error) {
	if f.tmpl == nil {
		payload, err := json.Marshal(data)
		if err != nil {
			return nil, "", fmt.Errorf("breaker: marshal fallback: %w", err)
		}
		return payload, "application/json", nil
	}
	var buf bytes.Buffer
	if err := f.tmpl.Execute(&buf, data); err != nil {
		return nil, "", fmt.Errorf("breaker: render fallback: %w", err)
	}
	return buf.Bytes(), "text/plain; charset=utf-8", nil
}
