// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package backoff retries categorized operations on top of cenkalti/backoff.
package backoff

import (
	"context"
	"time"

	cbackoff "github.com/cenkalti/backoff"
	"go.uber.org/zap"
)

// Config describes an exponential retry policy.
type Config struct {
	// InitialInterval is the first delay. Zero retries immediately.
	InitialInterval time.Duration
	// MaxInterval caps a single delay.
	MaxInterval time.Duration
	// MaxRetries bounds the retries after the first attempt. Zero means no retries.
	MaxRetries uint64
}

// NewExponential returns an exponential policy without an elapsed time limit.
func NewExponential(initial, maxInterval time.Duration) *cbackoff.ExponentialBackOff {
	b := cbackoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = maxInterval
	b.MaxElapsedTime = 0
	b.Reset()

	return b
}

// Delay returns the delay before attempt n (1-based) of the policy, without jitter.
func (c Config) Delay(attempt int) time.Duration {
	if attempt <= 1 || c.InitialInterval <= 0 {
		return c.InitialInterval
	}

	d := c.InitialInterval

	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * cbackoff.DefaultMultiplier)
		if c.MaxInterval > 0 && d >= c.MaxInterval {
			return c.MaxInterval
		}
	}

	return d
}

// Retry runs op until it succeeds, returns a permanent or ignored error, the
// policy is exhausted or ctx ends. Uncategorized errors count as transient.
// The last error of op is returned, unwrapped from its category.
func Retry(ctx context.Context, cfg Config, log *zap.SugaredLogger, op func() error) error {
	policy := cbackoff.WithContext(
		cbackoff.WithMaxRetries(NewExponential(cfg.InitialInterval, cfg.MaxInterval), cfg.MaxRetries),
		ctx,
	)

	attempt := 0

	err := cbackoff.RetryNotify(func() error {
		attempt++

		if err := ctx.Err(); err != nil {
			return cbackoff.Permanent(err)
		}

		err := CategorizeError(op())

		switch {
		case err == nil, IsIgnoredError(err):
			return nil
		case IsPermanentError(err):
			return cbackoff.Permanent(err)
		default:
			return err
		}
	}, policy, func(err error, next time.Duration) {
		if log != nil {
			log.Debugw("retrying_operation", "attempt", attempt, "next_in", next, "error", err)
		}
	})
	if err == nil {
		return nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	if ce, ok := err.(*CategorizedError); ok { //nolint:errorlint // only the outermost category wrapper is stripped
		return ce.Err
	}

	return err
}
