package retry

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/prefsync/prefsync/internal/bus"
	"github.com/prefsync/prefsync/internal/clock"
)

const (
	DefaultMaxAttempts      = 3
	DefaultBaseDelay        = 500 * time.Millisecond
	DefaultMaxDelay         = 30 * time.Second
	DefaultFailureThreshold = 5
	DefaultCooldown         = 30 * time.Second
	DefaultMaxCooldown      = 5 * time.Minute
)

// BlockReason tells the caller why an attempt was refused.
type BlockReason string

const (
	BlockNone        BlockReason = ""
	BlockCircuitOpen BlockReason = "circuit open"
)

// Config tunes the engine.
type Config struct {
	MaxAttempts      int
	BaseDelay        time.Duration
	MaxDelay         time.Duration
	FailureThreshold int
	Cooldown         time.Duration
	MaxCooldown      time.Duration
	Clock            clock.Clock
	Bus              *bus.Bus
	Logger           zerolog.Logger
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.Cooldown <= 0 {
		c.Cooldown = DefaultCooldown
	}
	if c.MaxCooldown <= 0 {
		c.MaxCooldown = DefaultMaxCooldown
	}
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
	if c.Bus == nil {
		c.Bus = bus.New()
	}
	return c
}

// Engine owns retry policy and one circuit per failure domain.
type Engine struct {
	cfg    Config
	clock  clock.Clock
	events *bus.Bus
	logger zerolog.Logger

	mu       sync.Mutex
	circuits map[string]*circuit
}

func NewEngine(cfg Config) *Engine {
	cfg = cfg.withDefaults()
	return &Engine{
		cfg:      cfg,
		clock:    cfg.Clock,
		events:   cfg.Bus,
		logger:   cfg.Logger.With().Str("service", "retry").Logger(),
		circuits: map[string]*circuit{},
	}
}

// Allow gates an attempt on the domain's circuit before any I/O.
func (e *Engine) Allow(domain string) (bool, BlockReason) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c := e.circuitLocked(domain)
	prev := c.state
	if !c.allow(e.clock.Now()) {
		return false, BlockCircuitOpen
	}
	if prev == StateOpen && c.state == StateHalfOpen {
		e.events.Publish(bus.EventCircuitHalfOpen, domain)
		e.logger.Info().Str("domain", domain).Msg("circuit half-open, probing")
	}
	return true, BlockNone
}

// ShouldRetry decides whether a failed attempt is tried again: the
// error must be retryable, the attempt bound not yet reached, and the
// domain's circuit must admit another attempt.
func (e *Engine) ShouldRetry(domain string, err error, attemptNumber int) bool {
	cls := Classify(err)
	if !cls.Retryable {
		return false
	}
	if attemptNumber >= e.cfg.MaxAttempts {
		return false
	}
	ok, _ := e.Allow(domain)
	return ok
}

// NextDelay returns the backoff before the given attempt number:
// exponential from the base, capped at the maximum.
func (e *Engine) NextDelay(attemptNumber int) time.Duration {
	if attemptNumber < 1 {
		attemptNumber = 1
	}
	delay := e.cfg.BaseDelay
	for i := 1; i < attemptNumber; i++ {
		delay *= 2
		if delay >= e.cfg.MaxDelay {
			return e.cfg.MaxDelay
		}
	}
	if delay > e.cfg.MaxDelay {
		return e.cfg.MaxDelay
	}
	return delay
}

// MaxAttempts returns the configured attempt bound.
func (e *Engine) MaxAttempts() int {
	return e.cfg.MaxAttempts
}

// RecordOutcome feeds an attempt result into the domain's circuit.
func (e *Engine) RecordOutcome(domain string, success bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c := e.circuitLocked(domain)
	if success {
		if c.recordSuccess(e.cfg.Cooldown) {
			e.events.Publish(bus.EventCircuitClosed, domain)
			e.logger.Info().Str("domain", domain).Msg("circuit closed")
		}
		return
	}
	if c.recordFailure(e.clock.Now(), e.cfg.FailureThreshold, e.cfg.MaxCooldown) {
		e.events.Publish(bus.EventCircuitOpened, domain)
		e.logger.Warn().
			Str("domain", domain).
			Int("consecutive_failures", c.consecutiveFailures).
			Dur("cooldown", c.cooldown).
			Msg("circuit opened")
	}
}

// Snapshot lists all known circuits, sorted by domain.
func (e *Engine) Snapshot() []CircuitSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]CircuitSnapshot, 0, len(e.circuits))
	for domain, c := range e.circuits {
		out = append(out, CircuitSnapshot{
			Domain:              domain,
			State:               c.state,
			ConsecutiveFailures: c.consecutiveFailures,
			OpenedAt:            c.openedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Domain < out[j].Domain })
	return out
}

func (e *Engine) circuitLocked(domain string) *circuit {
	c, ok := e.circuits[domain]
	if !ok {
		c = &circuit{state: StateClosed, cooldown: e.cfg.Cooldown}
		e.circuits[domain] = c
	}
	return c
}
