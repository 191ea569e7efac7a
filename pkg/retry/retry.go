/*
Copyright 2019 The Machine Controller Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package retry consolidates the engine's retry policies into a single
// builder ("retry policies are scattered across the codebase;
// consolidate them"). Call sites that previously hand-rolled
// wait.PollImmediate loops (as the AWS provider does throughout
// pkg/cloudprovider/provider/aws/provider.go) now build one of these and
// call Do.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Shape names the backoff curve.
type Shape string

const (
	Fixed       Shape = "fixed"
	Fibonacci   Shape = "fibonacci"
	Exponential Shape = "exponential"
)

// Policy is the engine-wide retry builder. Zero value is not usable; use
// NewPolicy.
type Policy struct {
	shape      Shape
	interval   time.Duration
	maxRetries uint64
	jitter     bool
}

// NewPolicy builds a Policy. interval is the base delay for Fixed/Fibonacci
// and the initial delay for Exponential.
func NewPolicy(shape Shape, interval time.Duration, maxRetries uint64, jitter bool) Policy {
	return Policy{shape: shape, interval: interval, maxRetries: maxRetries, jitter: jitter}
}

// LoginPolicy is the C5 Image Mirror Pipeline's registry-login retry: up to
// four Fibonacci-spaced retries after the first attempt.
func LoginPolicy() Policy {
	return NewPolicy(Fibonacci, 2*time.Second, 4, true)
}

// MirrorPolicy is the C5 pull+tag+push retry: up to three fixed-interval
// retries after the first attempt, five seconds apart.
func MirrorPolicy() Policy {
	return NewPolicy(Fixed, 5*time.Second, 3, false)
}

// ProbePolicy is used for registry-existence HEAD probes: fixed backoff,
// up to five retries after the first attempt, two seconds apart.
func ProbePolicy() Policy {
	return NewPolicy(Fixed, 2*time.Second, 5, false)
}

func (p Policy) backoffFor(ctx context.Context) backoff.BackOff {
	var b backoff.BackOff
	switch p.shape {
	case Fibonacci:
		b = newFibonacci(p.interval)
	case Exponential:
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = p.interval
		if !p.jitter {
			eb.RandomizationFactor = 0
		}
		b = eb
	default:
		cb := backoff.NewConstantBackOff(p.interval)
		b = cb
	}
	if p.maxRetries > 0 {
		b = backoff.WithMaxRetries(b, p.maxRetries)
	}
	return backoff.WithContext(b, ctx)
}

// Do runs fn, retrying per the policy's shape while fn returns a non-nil,
// retryable error. A *backoff.PermanentError wrapping err short-circuits
// retries immediately, matching machine-controller's terminal-vs-transient split.
func (p Policy) Do(ctx context.Context, fn func() error) error {
	return backoff.Retry(fn, p.backoffFor(ctx))
}

// Permanent marks err as non-retryable regardless of the policy in force.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// fibonacci implements backoff.BackOff with Fibonacci-spaced intervals,
// since cenkalti/backoff/v4 ships only constant and exponential curves.
type fibonacci struct {
	unit   time.Duration
	a, b   time.Duration
}

func newFibonacci(unit time.Duration) *fibonacci {
	return &fibonacci{unit: unit, a: 0, b: unit}
}

func (f *fibonacci) NextBackOff() time.Duration {
	next := f.a + f.b
	f.a = f.b
	f.b = next
	return next
}

func (f *fibonacci) Reset() {
	f.a = 0
	f.b = f.unit
}
