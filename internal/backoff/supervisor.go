package backoff

import (
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// DefaultUnit is the base delay when Config.Unit is zero.
const DefaultUnit = time.Second

// ErrGaveUp is returned by Schedule once MaxAttempts attempts have been made.
var ErrGaveUp = errors.New("reconnect attempts exhausted")

// Config configures a Supervisor.
type Config struct {
	Unit        time.Duration // delay of the second attempt
	MaxDelay    time.Duration // 0 means uncapped
	MaxAttempts int           // 0 means unbounded
}

// Supervisor owns the reconnect attempt counter and at most one pending
// reconnect timer.
type Supervisor struct {
	cfg       Config
	reconnect func(attempt int)
	logger    *slog.Logger

	mu      sync.Mutex
	policy  *backoff.ExponentialBackOff
	attempt int
	timer   *time.Timer
	gen     uint64
}

// New creates a Supervisor that calls reconnect from its own goroutine when
// a scheduled delay elapses.
func New(cfg Config, reconnect func(attempt int), logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Unit <= 0 {
		cfg.Unit = DefaultUnit
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = cfg.Unit
	policy.Multiplier = 2
	policy.RandomizationFactor = 0
	policy.MaxElapsedTime = 0
	policy.MaxInterval = time.Duration(math.MaxInt64)
	if cfg.MaxDelay > 0 {
		policy.MaxInterval = cfg.MaxDelay
	}
	policy.Reset()

	return &Supervisor{
		cfg:       cfg,
		reconnect: reconnect,
		logger:    logger,
		policy:    policy,
	}
}

// Schedule increments the attempt counter and arms the timer for it,
// replacing any pending timer. It returns the attempt number and the delay
// before reconnect runs.
func (s *Supervisor) Schedule() (attempt int, delay time.Duration, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cfg.MaxAttempts > 0 && s.attempt >= s.cfg.MaxAttempts {
		s.stopLocked()
		return s.attempt, 0, ErrGaveUp
	}

	s.attempt++
	delay = s.delayLocked()

	s.stopLocked()
	gen := s.gen
	attempt = s.attempt
	s.timer = time.AfterFunc(delay, func() { s.fire(gen, attempt) })

	s.logger.Debug("reconnect scheduled", "attempt", attempt, "delay", delay)
	return attempt, delay, nil
}

// Cancel stops any pending timer and resets the counter. Safe to call from
// any goroutine, any number of times.
func (s *Supervisor) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopLocked()
	s.resetLocked()
}

// Succeeded resets the counter after a connection opened.
func (s *Supervisor) Succeeded() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopLocked()
	s.resetLocked()
}

// Attempt returns the current attempt number; 0 means not attempting.
func (s *Supervisor) Attempt() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempt
}

// Pending reports whether a reconnect timer is armed.
func (s *Supervisor) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timer != nil
}

func (s *Supervisor) delayLocked() time.Duration {
	if s.attempt <= 1 {
		return 0
	}
	return s.policy.NextBackOff()
}

func (s *Supervisor) fire(gen uint64, attempt int) {
	s.mu.Lock()
	if gen != s.gen || s.timer == nil {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.mu.Unlock()

	s.reconnect(attempt)
}

func (s *Supervisor) stopLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.gen++
}

func (s *Supervisor) resetLocked() {
	s.attempt = 0
	s.policy.Reset()
}
