// Package resilience keeps turns flowing when a model backend degrades.
//
// A [CircuitBreaker] watches consecutive backend faults and stops submitting
// to a backend that keeps failing, probing it again after a cooldown. A
// [FallbackGroup] chains backends so an open breaker or a failing call routes
// work to the next healthy entry. [TransportFallback] packages both behind
// the transport interface, with turn and stream continuations pinned to the
// backend that owns them.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/SDCalvo/godot-llm-agent-framework-sub000/pkg/types"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] while the breaker is
// open and the cooldown has not yet elapsed.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is a circuit breaker's position.
type State int

const (
	// StateClosed submits every call to the backend.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until the reset timeout
	// elapses.
	StateOpen

	// StateHalfOpen admits a bounded number of probe calls to test whether
	// the backend has recovered.
	StateHalfOpen
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// IsBackendFault reports whether err indicates an unhealthy backend rather
// than a problem with the request itself. Classified turn failures count only
// when the backend misbehaved: transport_error, http_error, and rate_limited
// trip the breaker, while caller mistakes such as invalid_messages or
// unknown_tool, and cooperative interruption, leave it untouched.
// Unclassified errors count as backend faults.
func IsBackendFault(err error) bool {
	var terr *types.Error
	if !errors.As(err, &terr) {
		return true
	}
	switch terr.Kind {
	case types.KindTransportError, types.KindHTTPError, types.KindRateLimited:
		return true
	}
	return false
}

// CircuitBreakerConfig configures a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name labels the guarded backend in logs.
	Name string

	// MaxFailures is the number of consecutive counted faults that opens the
	// breaker. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before admitting
	// probes. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax bounds probe calls while half-open. Default: 3.
	HalfOpenMax int

	// TripOn decides which errors count against the backend. Errors it
	// rejects are still returned to the caller but do not move the breaker.
	// Nil counts every error.
	TripOn func(error) bool
}

// CircuitBreaker guards one backend with the usual three-state machine:
// closed while healthy, open after too many consecutive faults, half-open
// while probing for recovery. Which errors count as faults is decided by the
// configured TripOn classifier, so a backend is never benched for its
// callers' mistakes.
//
// Safe for concurrent use.
type CircuitBreaker struct {
	backend  string
	maxFault int
	cooldown time.Duration
	probeMax int
	tripOn   func(error) bool

	mu         sync.Mutex
	state      State
	faults     int // consecutive counted faults while closed
	lastFault  time.Time
	probes     int // probe calls admitted this half-open round
	probeFault bool
}

// NewCircuitBreaker creates a breaker from cfg, applying defaults for unset
// fields.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	if cfg.TripOn == nil {
		cfg.TripOn = func(error) bool { return true }
	}
	return &CircuitBreaker{
		backend:  cfg.Name,
		maxFault: cfg.MaxFailures,
		cooldown: cfg.ResetTimeout,
		probeMax: cfg.HalfOpenMax,
		tripOn:   cfg.TripOn,
		state:    StateClosed,
	}
}

// Execute runs call if the breaker admits it, then settles the breaker from
// the outcome. While open it returns [ErrCircuitOpen] without invoking call;
// once the cooldown elapses the next call becomes a probe.
func (cb *CircuitBreaker) Execute(call func() error) error {
	probing, err := cb.admit()
	if err != nil {
		return err
	}

	err = call()
	cb.settle(err, probing)
	return err
}

// admit decides whether a call may proceed, moving open → half-open when the
// cooldown has elapsed. It reports whether the admitted call is a probe.
func (cb *CircuitBreaker) admit() (probing bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen {
		if time.Since(cb.lastFault) < cb.cooldown {
			return false, ErrCircuitOpen
		}
		cb.state = StateHalfOpen
		cb.probes = 0
		cb.probeFault = false
		slog.Info("backend breaker probing", "backend", cb.backend)
	}
	if cb.state == StateHalfOpen {
		if cb.probes >= cb.probeMax {
			return false, ErrCircuitOpen
		}
		cb.probes++
		return true, nil
	}
	return false, nil
}

// settle records the call outcome. Errors the classifier rejects are
// neutral: returned to the caller, invisible to the breaker.
func (cb *CircuitBreaker) settle(err error, probing bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch {
	case err != nil && cb.tripOn(err):
		cb.lastFault = time.Now()
		if probing {
			// The backend failed its probe; bench it for another cooldown.
			cb.probeFault = true
			cb.state = StateOpen
			slog.Warn("backend breaker re-opened", "backend", cb.backend)
			return
		}
		cb.faults++
		if cb.state == StateClosed && cb.faults >= cb.maxFault {
			cb.state = StateOpen
			slog.Warn("backend breaker opened",
				"backend", cb.backend, "consecutive_faults", cb.faults)
		}

	case err == nil:
		if probing {
			if cb.probes >= cb.probeMax && !cb.probeFault {
				cb.state = StateClosed
				cb.faults = 0
				slog.Info("backend breaker closed", "backend", cb.backend)
			}
			return
		}
		cb.faults = 0

	default:
		// A neutral error consumed a probe slot without telling us anything
		// about the backend; give the slot back.
		if probing {
			cb.probes--
		}
	}
}

// State returns the breaker's effective state: an open breaker whose cooldown
// has elapsed reports half-open, since its next call would be a probe.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && time.Since(cb.lastFault) >= cb.cooldown {
		return StateHalfOpen
	}
	return cb.state
}

// Reset force-closes the breaker and clears its fault accounting.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.faults = 0
	cb.probes = 0
	cb.probeFault = false
}
