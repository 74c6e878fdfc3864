package engine

import (
	"context"
	"sync"
	"time"

	"github.com/WingsGo/sqlite-cdc/internal/checkpoint"
	"github.com/WingsGo/sqlite-cdc/internal/config"
	"github.com/WingsGo/sqlite-cdc/internal/target"
	"github.com/WingsGo/sqlite-cdc/internal/util/metrics"
	"github.com/cenkalti/backoff/v4"
)

// targetBreaker wraps one target.Writer so that a target exceeding its
// configured retry budget is isolated — marked unhealthy and retried on
// its own timer — while the other targets keep receiving batches.
// Grounded on the wrap-don't-touch-the-others shape of
// internal/source/logical/chaos.go's WithChaos, applied to failure
// isolation instead of fault injection.
type targetBreaker struct {
	name   string
	writer target.Writer
	policy config.RetryPolicy

	mu        sync.Mutex
	unhealthy bool
	halted    bool // permanent: a Data error under on_data_error=halt
	retryAt   time.Time
	lastErr   error
	retries   int
}

func newTargetBreaker(name string, w target.Writer, policy config.RetryPolicy) *targetBreaker {
	return &targetBreaker{name: name, writer: w, policy: policy}
}

// healthy reports whether the breaker should currently accept batches.
// An unhealthy breaker becomes eligible again once retryAt has passed,
// so it gets one more chance rather than staying isolated forever.
func (b *targetBreaker) healthy() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.halted {
		return false
	}
	if !b.unhealthy {
		return true
	}
	return !time.Now().Before(b.retryAt)
}

// applyWithRetry applies ops to the target, retrying Transient
// failures with exponential backoff per spec.md §7
// (backoff_factor * 2^attempt, capped at max_delay) via
// cenkalti/backoff/v4. A Data error (classifyApplyError) is never
// retried — per spec.md §7 it is recorded and either skipped (the
// caller may still advance past it) or the target halts, depending on
// policy.OnDataError. It returns the error's class alongside the error
// itself so the caller can tell a skippable Data error apart from one
// that should isolate the target.
func (b *targetBreaker) applyWithRetry(ctx context.Context, table string, primaryKey []string, ops []target.Op) (ErrorClass, error) {
	// Matches spec.md §7's retry formula, backoff_factor * 2^attempt
	// capped at max_delay: InitialInterval holds backoff_factor as a
	// duration and Multiplier is fixed at 2, so cenkalti/backoff/v4's
	// interval sequence (InitialInterval * Multiplier^attempt) is
	// exactly that formula.
	backoffFactor := b.policy.BackoffFactor
	if backoffFactor <= 0 {
		backoffFactor = 1
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Duration(backoffFactor * float64(time.Second))
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	if maxDelay, err := time.ParseDuration(b.policy.MaxDelay); err == nil && maxDelay > 0 {
		bo.MaxInterval = maxDelay
	}
	bo.MaxElapsedTime = 0 // bounded by max_retries below, not wall-clock

	maxRetries := b.policy.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 5
	}

	var attempt int
	var class ErrorClass
	operation := func() error {
		err := b.writer.ApplyBatch(ctx, table, primaryKey, ops)
		if err == nil {
			return nil
		}
		class = classifyApplyError(err)
		if class == ErrorClassData {
			return backoff.Permanent(err)
		}
		attempt++
		return err
	}

	err := backoff.Retry(operation, backoff.WithMaxRetries(bo, uint64(maxRetries)))
	if attempt > 0 {
		metrics.WriterRetries.WithLabelValues(b.name).Add(float64(attempt))
	}

	if err == nil {
		b.recordOutcome(nil, attempt)
		return class, nil
	}

	if class == ErrorClassData && b.policy.OnDataError != "halt" {
		// skip: the caller records the error and moves on; this target
		// stays healthy and its checkpoint still advances.
		return class, err
	}
	if class == ErrorClassData {
		b.halt(err)
	} else {
		b.recordOutcome(err, attempt)
	}
	return class, err
}

func (b *targetBreaker) recordOutcome(err error, attempts int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		b.unhealthy = false
		b.retries = 0
		b.lastErr = nil
		return
	}
	b.retries += attempts
	b.lastErr = err
	b.unhealthy = true
	b.retryAt = time.Now().Add(time.Duration(b.policy.MaxRetries+1) * time.Second)
}

// halt permanently isolates the target after a Data error under
// on_data_error=halt, per spec.md §7. Unlike a Transient-exhaustion
// isolation, halted is never cleared by retryAt elapsing; it lasts
// until the process restarts (e.g. after an operator fixes the target
// schema or the offending mapping).
func (b *targetBreaker) halt(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.halted = true
	b.lastErr = err
}

func (b *targetBreaker) isHalted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.halted
}

func (b *targetBreaker) status() checkpoint.ErrorEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	e := checkpoint.ErrorEntry{Target: b.name, RetryCount: b.retries}
	if b.lastErr != nil {
		e.Message = b.lastErr.Error()
	}
	return e
}

