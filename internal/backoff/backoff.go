// Package backoff computes jittered exponential delays for poll loops.
package backoff

import (
	"context"
	"crypto/rand"
	"fmt"
	"math"
	"math/big"
	"time"
)

// Exponential doubles the delay per attempt up to a ceiling, with jitter.
type Exponential struct {
	base time.Duration
	max  time.Duration
}

// New builds an Exponential policy. Non-positive values fall back to 250ms and 5s.
func New(base, maxDelay time.Duration) *Exponential {
	if base <= 0 {
		base = 250 * time.Millisecond
	}
	if maxDelay < base {
		maxDelay = 5 * time.Second
	}
	return &Exponential{base: base, max: maxDelay}
}

// Delay returns the wait before retry number attempt (0-based): half of the
// capped exponential value plus up to the other half as jitter.
func (p *Exponential) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := float64(p.base) * math.Pow(2, float64(attempt))
	if delay > float64(p.max) {
		delay = float64(p.max)
	}
	half := time.Duration(delay / 2)
	return half + randomJitter(half)
}

// Wait sleeps for Delay(attempt) or until ctx ends.
func (p *Exponential) Wait(ctx context.Context, attempt int) error {
	timer := time.NewTimer(p.Delay(attempt))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("backoff canceled: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
