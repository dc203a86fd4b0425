// Package retry runs an operation until it succeeds, retries are
// exhausted, or the error is marked permanent.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// Config controls attempt count and backoff between attempts.
type Config struct {
	// MaxAttempts counts the first attempt too. Values below 1 mean 1.
	MaxAttempts int
	// InitialDelay is the sleep after the first failure.
	InitialDelay time.Duration
	// MaxDelay caps the backoff.
	MaxDelay time.Duration
	// Factor multiplies the delay after each failure.
	Factor float64
	// Jitter randomizes each sleep within [0.5, 1.5] of the base delay.
	Jitter bool
}

// Exponential builds a config with doubling backoff and jitter.
func Exponential(maxAttempts int, initial, max time.Duration) Config {
	return Config{
		MaxAttempts:  maxAttempts,
		InitialDelay: initial,
		MaxDelay:     max,
		Factor:       2.0,
		Jitter:       true,
	}
}

// Linear builds a config with a fixed delay between attempts.
func Linear(maxAttempts int, delay time.Duration) Config {
	return Config{
		MaxAttempts:  maxAttempts,
		InitialDelay: delay,
		MaxDelay:     delay,
		Factor:       1.0,
	}
}

// Result reports how a retried operation ended.
type Result struct {
	// Attempts is how many times the operation ran.
	Attempts int
	// Err is the final error, nil on success.
	Err error
	// Duration is wall time across all attempts and sleeps.
	Duration time.Duration
}

// Do runs op until it returns nil, the error is permanent, attempts run
// out, or ctx is done. Sleeps between attempts honor ctx cancellation.
func Do(ctx context.Context, cfg Config, op func() error) Result {
	start := time.Now()
	var result Result

	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = 100 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 10 * time.Second
	}
	if cfg.Factor <= 0 {
		cfg.Factor = 2.0
	}

	delay := cfg.InitialDelay
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			result.Err = ctx.Err()
			break
		}

		result.Attempts = attempt
		err := op()
		if err == nil {
			result.Err = nil
			break
		}
		result.Err = err

		if IsPermanent(err) || attempt == cfg.MaxAttempts {
			break
		}

		sleep := delay
		if cfg.Jitter {
			sleep = time.Duration(float64(delay) * (0.5 + rand.Float64())) // #nosec G404 -- backoff jitter
		}
		select {
		case <-ctx.Done():
			result.Err = ctx.Err()
			result.Duration = time.Since(start)
			return result
		case <-time.After(sleep):
		}

		delay = time.Duration(float64(delay) * cfg.Factor)
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}

	result.Duration = time.Since(start)
	return result
}

// PermanentError stops retrying when returned from an operation.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent marks err as not worth retrying. Permanent(nil) is nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err carries a PermanentError anywhere in
// its chain.
func IsPermanent(err error) bool {
	var perm *PermanentError
	return errors.As(err, &perm)
}
