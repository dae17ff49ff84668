// Copyright 2018 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package retry

import (
	"math/rand"
	"time"
)

// Stop indicates that no more retries should be made.
const Stop time.Duration = -1

// Backoff is a policy for how long to wait between retries. An
// implementation returns the interval to wait before the next attempt,
// or Stop to give up.
type Backoff interface {
	// Next gets the duration to wait before retrying the operation or |Stop|
	// to indicate that no further retries should be made.
	Next() time.Duration

	// Reset resets to initial state.
	Reset()
}

// ZeroBackoff is a fixed policy whose back-off time is always zero, meaning
// that the operation is retried immediately without waiting.
type ZeroBackoff struct{}

// Reset implements Backoff.
func (b *ZeroBackoff) Reset() {}

// Next implements Backoff.
func (b *ZeroBackoff) Next() time.Duration { return 0 }

// ConstantBackoff is a policy that always returns the same backoff delay.
type ConstantBackoff struct {
	interval time.Duration
}

// Reset implements Backoff.
func (b *ConstantBackoff) Reset() {}

// Next implements Backoff.
func (b *ConstantBackoff) Next() time.Duration { return b.interval }

// NewConstantBackoff returns a policy that always waits the given duration
// between retries.
func NewConstantBackoff(d time.Duration) *ConstantBackoff {
	return &ConstantBackoff{interval: d}
}

type maxAttemptsBackoff struct {
	backOff     Backoff
	maxAttempts uint64
	numAttempts uint64
}

// WithMaxAttempts wraps a back-off which will stop after |maxAttempts|
// iterations. A maxAttempts of zero retries indefinitely.
func WithMaxAttempts(backOff Backoff, maxAttempts uint64) Backoff {
	return &maxAttemptsBackoff{backOff: backOff, maxAttempts: maxAttempts}
}

// Next implements Backoff.
func (b *maxAttemptsBackoff) Next() time.Duration {
	if b.maxAttempts > 0 {
		b.numAttempts++
		if b.numAttempts >= b.maxAttempts {
			return Stop
		}
	}
	return b.backOff.Next()
}

// Reset implements Backoff.
func (b *maxAttemptsBackoff) Reset() {
	b.numAttempts = 0
	b.backOff.Reset()
}

type maxDurationBackoff struct {
	backOff     Backoff
	maxDuration time.Duration
	startTime   time.Time
	c           clock
}

// WithMaxDuration wraps a back-off which will stop attempting retries after
// |maxDuration| has elapsed since the first attempt.
func WithMaxDuration(backOff Backoff, maxDuration time.Duration) Backoff {
	return &maxDurationBackoff{backOff: backOff, maxDuration: maxDuration, c: &systemClock{}}
}

// Next implements Backoff.
func (b *maxDurationBackoff) Next() time.Duration {
	if b.c.Now().Sub(b.startTime) < b.maxDuration {
		return b.backOff.Next()
	}
	return Stop
}

// Reset implements Backoff.
func (b *maxDurationBackoff) Reset() {
	b.startTime = b.c.Now()
	b.backOff.Reset()
}

// ExponentialBackoff is a policy that exponentially increases the backoff
// delay, with randomization, up to a maximum interval.
type ExponentialBackoff struct {
	initialInterval     time.Duration
	maxInterval         time.Duration
	multiplier          float64
	randomizationFactor float64
	currentInterval     time.Duration
}

// NewExponentialBackoff returns an exponential back-off policy starting at
// |initialInterval| and multiplying by |multiplier| on each attempt, capped
// at |maxInterval|. Each returned interval is randomized by up to half of
// its nominal value in either direction.
func NewExponentialBackoff(initialInterval, maxInterval time.Duration, multiplier float64) *ExponentialBackoff {
	return &ExponentialBackoff{
		initialInterval:     initialInterval,
		maxInterval:         maxInterval,
		multiplier:          multiplier,
		randomizationFactor: 0.5,
		currentInterval:     initialInterval,
	}
}

// Next implements Backoff.
func (b *ExponentialBackoff) Next() time.Duration {
	if b.currentInterval >= b.maxInterval {
		return b.maxInterval
	}
	delta := b.randomizationFactor * float64(b.currentInterval)
	minInterval := float64(b.currentInterval) - delta
	maxInterval := float64(b.currentInterval) + delta
	next := time.Duration(minInterval + rand.Float64()*(maxInterval-minInterval))
	b.currentInterval = time.Duration(float64(b.currentInterval) * b.multiplier)
	return next
}

// Reset implements Backoff.
func (b *ExponentialBackoff) Reset() {
	b.currentInterval = b.initialInterval
}

// NoRetries returns a back-off policy that does not permit any retries: the
// operation runs once and its result stands.
func NoRetries() Backoff {
	return WithMaxAttempts(&ZeroBackoff{}, 1)
}
