package ratelimit

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// RetryConfig holds configuration for the retry policy.
type RetryConfig struct {
	MaxAttempts    int           // total attempts including the first
	BaseDelay      time.Duration // delay before the second attempt
	MaxDelay       time.Duration // cap on a single delay
	Multiplier     float64       // growth factor between delays
	JitterRange    float64       // 0.0 to 1.0, fraction of the delay
	AttemptTimeout time.Duration // per-attempt deadline, 0 for none
}

// DefaultRetryConfig returns the defaults used when nothing is configured.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    4,
		BaseDelay:      500 * time.Millisecond,
		MaxDelay:       15 * time.Second,
		Multiplier:     2.0,
		JitterRange:    0.2,
		AttemptTimeout: 20 * time.Second,
	}
}

// Retryer retries transient failures with exponential backoff and jitter.
type Retryer struct {
	config    RetryConfig
	retryable func(error) bool
	logger    logrus.FieldLogger
	sleep     func(ctx context.Context, d time.Duration) error

	mu  sync.Mutex
	rng *rand.Rand
}

// NewRetryer creates a retryer. Only errors accepted by retryable are retried;
// everything else is returned after the first attempt.
func NewRetryer(config RetryConfig, retryable func(error) bool, logger logrus.FieldLogger) *Retryer {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	if config.BaseDelay <= 0 {
		config.BaseDelay = 500 * time.Millisecond
	}
	if config.MaxDelay < config.BaseDelay {
		config.MaxDelay = config.BaseDelay
	}
	if config.Multiplier < 1.0 {
		config.Multiplier = 2.0
	}
	if config.JitterRange < 0 || config.JitterRange > 1.0 {
		config.JitterRange = 0.2
	}
	if retryable == nil {
		retryable = func(error) bool { return false }
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Retryer{
		config:    config,
		retryable: retryable,
		logger:    logger,
		sleep:     sleepCtx,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Config returns the effective configuration.
func (r *Retryer) Config() RetryConfig { return r.config }

// Do calls fn until it succeeds, fails with a non-retryable error,
// attempts run out or ctx is done. Each attempt gets its own deadline.
func (r *Retryer) Do(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return fmt.Errorf("%s: %w (last error: %v)", name, err, lastErr)
			}
			return err
		}

		err := r.attempt(ctx, fn)
		if err == nil {
			if attempt > 1 {
				r.logger.WithField("call", name).Infof("succeeded on attempt %d", attempt)
			}
			return nil
		}
		lastErr = err

		if !r.retryable(err) {
			return err
		}
		if attempt == r.config.MaxAttempts {
			break
		}

		delay := r.delay(attempt)
		r.logger.WithFields(logrus.Fields{"call": name, "attempt": attempt}).
			Warnf("transient failure: %v; retrying in %v", err, delay)
		if err := r.sleep(ctx, delay); err != nil {
			return fmt.Errorf("%s: %w (last error: %v)", name, err, lastErr)
		}
	}
	return fmt.Errorf("%s: %d attempts exhausted: %w", name, r.config.MaxAttempts, lastErr)
}

func (r *Retryer) attempt(ctx context.Context, fn func(ctx context.Context) error) error {
	if r.config.AttemptTimeout <= 0 {
		return fn(ctx)
	}
	actx, cancel := context.WithTimeout(ctx, r.config.AttemptTimeout)
	defer cancel()
	return fn(actx)
}

// delay is BaseDelay * Multiplier^(attempt-1), capped at MaxDelay, with jitter.
func (r *Retryer) delay(attempt int) time.Duration {
	d := float64(r.config.BaseDelay) * math.Pow(r.config.Multiplier, float64(attempt-1))
	if d > float64(r.config.MaxDelay) {
		d = float64(r.config.MaxDelay)
	}

	if r.config.JitterRange > 0 {
		r.mu.Lock()
		jitter := (r.rng.Float64()*2 - 1) * r.config.JitterRange * d
		r.mu.Unlock()
		d += jitter
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
