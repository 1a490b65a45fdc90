package gstpipe

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// ReconnectConfig contains configuration for exponential backoff reconnection.
type ReconnectConfig struct {
	MaxRetries    int           // Maximum number of reconnection attempts (default: 5)
	RetryDelay    time.Duration // Initial retry delay (default: 1 second)
	MaxRetryDelay time.Duration // Maximum retry delay cap (default: 30 seconds)
}

// DefaultReconnectConfig returns default reconnection configuration.
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		MaxRetries:    5,
		RetryDelay:    1 * time.Second,
		MaxRetryDelay: 30 * time.Second,
	}
}

// ConnectFunc attempts to (re)establish the pipeline.
type ConnectFunc func(ctx context.Context) error

// Reconnect calls connect until it succeeds, waiting with exponential
// backoff between attempts.
//
// Backoff schedule with the default config:
//   - Attempt 1: 1 second
//   - Attempt 2: 2 seconds
//   - Attempt 3: 4 seconds
//   - Attempt 4: 8 seconds
//   - Attempt 5: 16 seconds
//   - After 5 failures: give up
//
// Every attempt increments attempts. Returns an error if max retries are
// exceeded or ctx is cancelled.
func Reconnect(ctx context.Context, connect ConnectFunc, cfg ReconnectConfig, attempts *uint32) error {
	for retry := 1; ; retry++ {
		if retry > cfg.MaxRetries {
			return fmt.Errorf("gstpipe: max retries exceeded (%d attempts)", cfg.MaxRetries)
		}

		delay := Backoff(retry, cfg)
		slog.Warn("gstpipe: reconnecting",
			"attempt", retry,
			"max_retries", cfg.MaxRetries,
			"delay", delay,
		)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			slog.Info("gstpipe: context cancelled during backoff")
			return ctx.Err()
		}

		atomic.AddUint32(attempts, 1)
		err := connect(ctx)
		if err == nil {
			slog.Info("gstpipe: reconnected", "attempt", retry)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		slog.Error("gstpipe: reconnect attempt failed", "attempt", retry, "error", err)
	}
}

// Backoff returns the delay before the given attempt (1-based).
//
// Formula: delay = retryDelay * 2^(attempt-1), capped at maxRetryDelay.
func Backoff(attempt int, cfg ReconnectConfig) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 31 {
		return cfg.MaxRetryDelay
	}
	delay := cfg.RetryDelay * time.Duration(1<<uint(attempt-1))
	if delay > cfg.MaxRetryDelay || delay <= 0 {
		delay = cfg.MaxRetryDelay
	}
	return delay
}
