package reliability

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"
)

// ExecutorConfig carries the retry tunables.
type ExecutorConfig struct {
	MaxAttempts       int
	BaseDelay         time.Duration
	RateLimitCooldown time.Duration
}

// Executor wraps a network operation with bounded retries, consulting the
// shared breaker before each attempt and the shared limiter before each
// request. All call sites share one executor per run; retry policy is not
// duplicated per script.
type Executor struct {
	limiter *RateLimiter
	breaker *CircuitBreaker
	clock   clock.Clock
	cfg     ExecutorConfig
	logger  *slog.Logger
}

// NewExecutor wires the shared limiter and breaker into a retry policy.
// A nil clock falls back to the wall clock.
func NewExecutor(limiter *RateLimiter, breaker *CircuitBreaker, cfg ExecutorConfig, clk clock.Clock, logger *slog.Logger) *Executor {
	if clk == nil {
		clk = clock.WallClock
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		limiter: limiter,
		breaker: breaker,
		clock:   clk,
		cfg:     cfg,
		logger:  logger,
	}
}

// Execute runs op with exponential backoff on transient failures. HTTP 429
// triggers a single longer cooldown wait that does not consume the attempt
// budget; permanent 4xx failures and an open circuit fail immediately. The
// breaker admits the whole call once, up front, so a half-open probe can
// retry without tripping over its own admission, and is reported exactly
// one outcome per call: a definitive 4xx counts as contact with the
// upstream, not as a failure.
func (e *Executor) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	if err := e.breaker.Allow(); err != nil {
		return err
	}

	rateWaited := false
	for {
		err := e.attempt(ctx, op)
		if err == nil {
			e.breaker.Success()
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		if IsRateLimited(err) && !rateWaited {
			rateWaited = true
			e.logger.Warn("rate limited by upstream, waiting cooldown",
				"cooldown", e.cfg.RateLimitCooldown)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-e.clock.After(e.cfg.RateLimitCooldown):
			}
			continue
		}
		if IsPermanent(err) {
			// The upstream answered. A stale or missing record is a
			// per-record outcome, not systemic unavailability.
			e.breaker.Success()
			return err
		}
		e.breaker.Failure()
		return err
	}
}

// attempt drives one bounded retry loop over op.
func (e *Executor) attempt(ctx context.Context, op func(ctx context.Context) error) error {
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			if err := e.limiter.Acquire(ctx); err != nil {
				return err
			}
			return op(ctx)
		},
		IsFatalError: func(err error) bool {
			if ctx.Err() != nil {
				return true
			}
			return Classify(err) != KindTransient
		},
		NotifyFunc: func(err error, attempt int) {
			e.logger.Debug("retrying operation", "attempt", attempt, "error", err)
		},
		Attempts:    e.cfg.MaxAttempts,
		Delay:       e.cfg.BaseDelay,
		BackoffFunc: retry.DoubleDelay,
		Clock:       e.clock,
		Stop:        ctx.Done(),
	})
	if retry.IsAttemptsExceeded(err) {
		return retry.LastError(err)
	}
	if retry.IsRetryStopped(err) {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
	}
	return err
}
