// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package faults

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Backoff configures the upstream retry loop.
//
// Upstream retries are independent of validation retries: a backend that
// flaps does not consume synthesis attempts.
type Backoff struct {
	// MaxRetries is the number of retries after the first call.
	MaxRetries int

	// InitialDelay is the wait before the first retry. Doubles each time.
	InitialDelay time.Duration
}

// DefaultBackoff is 3 retries at 1s, 2s and 4s.
func DefaultBackoff() Backoff {
	return Backoff{MaxRetries: 3, InitialDelay: 1 * time.Second}
}

// Retry calls fn until it succeeds, returns a non-retryable error, or the
// retries are exhausted.
//
// # Description
//
// Only errors for which RetryableOf reports true are retried. Each retry
// is recorded as a "retry_attempt" event on the span found in ctx. The
// wait between attempts honours ctx cancellation.
//
// # Outputs
//
//   - error: nil on success, the last error otherwise. Exhaustion wraps the
//     last error so KindOf still reports KindUpstream.
func Retry(ctx context.Context, b Backoff, op string, fn func(ctx context.Context) error) error {
	span := trace.SpanFromContext(ctx)
	delay := b.InitialDelay
	var lastErr error

	for attempt := 0; attempt <= b.MaxRetries; attempt++ {
		if attempt > 0 {
			span.AddEvent("retry_attempt", trace.WithAttributes(
				attribute.String("op", op),
				attribute.Int("attempt", attempt),
				attribute.String("delay", delay.String()),
			))
			slog.Info("Retrying upstream call",
				"op", op,
				"attempt", attempt,
				"delay", delay,
				"lastError", lastErr,
			)

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !RetryableOf(err) {
			return err
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", op, b.MaxRetries+1, lastErr)
}
