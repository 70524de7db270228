package breaker

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/luxfor/reqshield/internal/config"
)

// Observation is what the classifier sees after a request completes: the
// response status, the measured latency, and whether the handler panicked.
type Observation struct {
	Status   int
	Latency  time.Duration
	Panicked bool
}

// Classifier decides whether an observation counts as a failure against the
// scope. The static rule is: status in the configured failure set, latency
// over the slow threshold, or a panic. A configured CEL predicate replaces
// the static rule entirely.
type Classifier struct {
	statuses  map[int]struct{}
	slow      time.Duration
	predicate cel.Program
	source    string
}

// NewClassifier compiles the classification rule once at startup.
func NewClassifier(cfg config.BreakerConfig) (*Classifier, error) {
	c := &Classifier{
		statuses: make(map[int]struct{}, len(cfg.FailureStatuses)),
		slow:     time.Duration(cfg.SlowMs) * time.Millisecond,
	}
	for _, status := range cfg.FailureStatuses {
		c.statuses[status] = struct{}{}
	}

	expression := strings.TrimSpace(cfg.FailurePredicate)
	if expression == "" {
		return c, nil
	}

	env, err := cel.NewEnv(
		cel.Variable("status", cel.IntType),
		cel.Variable("latency_ms", cel.IntType),
		cel.Variable("panicked", cel.BoolType),
	)
	if err != nil {
		return nil, fmt.Errorf("breaker: build predicate environment: %w", err)
	}
	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("breaker: compile predicate %q: %w", expression, issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("breaker: predicate %q must return a boolean", expression)
	}
	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("breaker: build predicate program: %w", err)
	}
	c.predicate = program
	c.source = expression
	return c, nil
}

// Failure classifies one observation. Predicate evaluation errors degrade to
// the static rule so a bad expression cannot silence real failures.
func (c *Classifier) Failure(obs Observation) bool {
	if c.predicate != nil {
		val, _, err := c.predicate.Eval(map[string]any{
			"status":     obs.Status,
			"latency_ms": obs.Latency.Milliseconds(),
			"panicked":   obs.Panicked,
		})
		if err == nil {
			if b, ok := val.(types.Bool); ok {
				return bool(b)
			}
		}
	}
	if obs.Panicked {
		return true
	}
	if _, ok := c.statuses[obs.Status]; ok {
		return true
	}
	return c.slow > 0 && obs.Latency > c.slow
}
