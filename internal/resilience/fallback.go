package resilience

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/SDCalvo/godot-llm-agent-framework-sub000/internal/observe"
)

// ErrAllFailed is returned when every backend in a [FallbackGroup] fails or
// sits behind an open breaker.
var ErrAllFailed = errors.New("all backends failed")

// FallbackConfig configures a [FallbackGroup].
type FallbackConfig struct {
	// CircuitBreaker is the template for the per-backend breaker. Its Name is
	// overwritten with each backend's name.
	CircuitBreaker CircuitBreakerConfig

	// Metrics receives per-backend request measurements. Optional.
	Metrics *observe.Metrics
}

// backendEntry pairs one backend with its dedicated breaker.
type backendEntry[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup chains a primary and zero or more fallback backends of the
// same type. A call routes to the first entry whose breaker admits it and
// that does not fail; failing entries advance the call to the next.
//
// Entries must be registered before the group serves calls. Calls themselves
// are safe to run concurrently.
type FallbackGroup[T any] struct {
	entries []backendEntry[T]
	cfg     FallbackConfig
}

// NewFallbackGroup creates a group with primary as the preferred backend.
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	fg := &FallbackGroup[T]{cfg: cfg}
	fg.add(primaryName, primary)
	return fg
}

// AddFallback appends a backend. Fallbacks are tried in registration order,
// after the primary.
func (fg *FallbackGroup[T]) AddFallback(name string, fallback T) {
	fg.add(name, fallback)
}

func (fg *FallbackGroup[T]) add(name string, value T) {
	cbCfg := fg.cfg.CircuitBreaker
	cbCfg.Name = name
	fg.entries = append(fg.entries, backendEntry[T]{
		name:    name,
		value:   value,
		breaker: NewCircuitBreaker(cbCfg),
	})
}

// ExecuteWithResult tries fn against each backend in order until one
// succeeds, passing fn the entry's registered name so callers can attribute
// the call. Open breakers are skipped; when every entry fails, the last
// error is returned wrapped in [ErrAllFailed].
//
// A package-level function because Go methods cannot add type parameters.
func ExecuteWithResult[T any, R any](fg *FallbackGroup[T], fn func(name string, backend T) (R, error)) (R, error) {
	var (
		lastErr error
		zero    R
	)
	for i := range fg.entries {
		entry := &fg.entries[i]
		var result R
		err := entry.breaker.Execute(func() error {
			var innerErr error
			result, innerErr = fn(entry.name, entry.value)
			return innerErr
		})
		if err == nil {
			return result, nil
		}
		lastErr = err
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("skipping backend, breaker open", "backend", entry.name)
		} else {
			slog.Warn("backend failed, trying next", "backend", entry.name, "error", err)
		}
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}
