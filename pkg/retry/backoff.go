package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

// Config defines retry behavior
type Config struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	Multiplier    float64
	JitterEnabled bool
	// Retryable decides whether a failed attempt may be repeated. Nil retries everything
	// except permanent errors and context cancellation.
	Retryable func(error) bool
}

// DefaultConfig returns the settings used for RPC calls against a public node.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:   4,
		InitialDelay:  500 * time.Millisecond,
		MaxDelay:      10 * time.Second,
		Multiplier:    2.0,
		JitterEnabled: true,
	}
}

// Phase is the state of a retried operation.
type Phase int

const (
	Attempting Phase = iota
	Succeeded
	Failed
)

func (p Phase) String() string {
	switch p {
	case Attempting:
		return "attempting"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// State is one step of the retry state machine: Attempting(N), Succeeded or Failed(Err).
type State struct {
	Phase   Phase
	Attempt int
	Err     error
}

// Start is the initial state of every retried operation.
func Start() State {
	return State{Phase: Attempting, Attempt: 1}
}

// Next transitions s on the outcome of attempt s.Attempt.
func (cfg Config) Next(s State, err error) State {
	if s.Phase != Attempting {
		return s
	}
	if err == nil {
		return State{Phase: Succeeded, Attempt: s.Attempt}
	}
	if !cfg.retryable(err) || s.Attempt >= cfg.maxAttempts() {
		return State{Phase: Failed, Attempt: s.Attempt, Err: err}
	}
	return State{Phase: Attempting, Attempt: s.Attempt + 1, Err: err}
}

func (cfg Config) maxAttempts() int {
	if cfg.MaxAttempts <= 0 {
		return 1
	}
	return cfg.MaxAttempts
}

func (cfg Config) retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var p *permanentError
	if errors.As(err, &p) {
		return false
	}
	if cfg.Retryable != nil {
		return cfg.Retryable(err)
	}
	return true
}

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err so that Do gives up immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do runs fn until it succeeds, fails permanently or exhausts cfg.MaxAttempts.
func Do(ctx context.Context, cfg Config, logger *zap.Logger, operation string, fn func(context.Context) error) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := Start()
	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("retry cancelled: %w", err)
		}

		prev := s
		s = cfg.Next(s, fn(ctx))
		switch s.Phase {
		case Succeeded:
			if s.Attempt > 1 {
				logger.Info("Operation succeeded after retries",
					zap.String("operation", operation),
					zap.Int("attempts", s.Attempt))
			}
			return nil
		case Failed:
			if s.Attempt > 1 {
				return fmt.Errorf("%s failed after %d attempts: %w", operation, s.Attempt, s.Err)
			}
			return s.Err
		}

		delay := Backoff(cfg, prev.Attempt, jitterSample(cfg))
		logger.Warn("Operation failed, retrying",
			zap.String("operation", operation),
			zap.Int("attempt", prev.Attempt),
			zap.Int("max_attempts", cfg.maxAttempts()),
			zap.Duration("retry_in", delay),
			zap.Error(s.Err))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry cancelled: %w", ctx.Err())
		case <-timer.C:
		}
	}
}

func jitterSample(cfg Config) float64 {
	if !cfg.JitterEnabled {
		return 0.5
	}
	return rand.Float64()
}

// Backoff returns the wait after the given failed attempt. It is a pure function of attempt
// and the jitter sample r in [0,1); r = 0.5 yields the un-jittered delay.
func Backoff(cfg Config, attempt int, r float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := cfg.Multiplier
	if mult < 1 {
		mult = 1
	}
	delay := float64(cfg.InitialDelay) * math.Pow(mult, float64(attempt-1))

	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}

	// +/-15% spread so parallel workers do not retry in lockstep
	if cfg.JitterEnabled {
		delay = delay + (r-0.5)*0.3*delay
	}

	return time.Duration(delay)
}
