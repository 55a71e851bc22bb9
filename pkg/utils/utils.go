// Package utils provides utility functions for the regime engine.
package utils

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// GenerateID generates a unique ID with optional prefix.
func GenerateID(prefix string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	if prefix != "" {
		return fmt.Sprintf("%s_%s", prefix, id)
	}
	return id
}

// GenerateDecisionID generates a unique decision ID.
func GenerateDecisionID() string {
	return GenerateID("dec")
}

// NormalizeInstrument trims and uppercases an instrument identifier.
func NormalizeInstrument(id string) string {
	return strings.ToUpper(strings.TrimSpace(id))
}

// RoundToTickSize rounds a price to the nearest tick size.
func RoundToTickSize(price, tickSize decimal.Decimal) decimal.Decimal {
	if tickSize.IsZero() || tickSize.IsNegative() {
		return price
	}
	return price.Div(tickSize).Round(0).Mul(tickSize)
}

// RoundPrice rounds a float price to the tick grid using decimal arithmetic.
func RoundPrice(price, tickSize float64) float64 {
	if tickSize <= 0 || !IsFinite(price) {
		return price
	}
	rounded := RoundToTickSize(decimal.NewFromFloat(price), decimal.NewFromFloat(tickSize))
	return rounded.InexactFloat64()
}

// IsFinite reports whether v is neither NaN nor infinite.
func IsFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Clamp clamps a value between lo and hi.
func Clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// SafeDiv returns a/b, or 0 when b is zero or the result is not finite.
func SafeDiv(a, b float64) float64 {
	if b == 0 {
		return 0
	}
	r := a / b
	if !IsFinite(r) {
		return 0
	}
	return r
}

// RetryConfig contains retry configuration.
type RetryConfig struct {
	MaxAttempts  uint64
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultRetryConfig returns default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2.0,
	}
}

// Retry retries a function with exponential backoff until it succeeds, the
// attempts are exhausted or ctx is done.
func Retry[T any](ctx context.Context, config RetryConfig, fn func() (T, error)) (T, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = config.InitialDelay
	eb.MaxInterval = config.MaxDelay
	eb.Multiplier = config.Multiplier
	eb.MaxElapsedTime = 0

	var policy backoff.BackOff = eb
	if config.MaxAttempts > 0 {
		policy = backoff.WithMaxRetries(eb, config.MaxAttempts-1)
	}

	result, err := backoff.RetryWithData(fn, backoff.WithContext(policy, ctx))
	if err != nil {
		return result, fmt.Errorf("after %d attempts: %w", config.MaxAttempts, err)
	}
	return result, nil
}
