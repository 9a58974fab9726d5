/*
Copyright 2017 The Kubernetes Authors.

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

package hostapi

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// retryableCall runs op at most maxAttempts times in total, retrying while
// shouldRetry holds on the returned error. The wait between attempts is the server's
// Retry-After hint (zero when absent) plus the exponential schedule,
// composed here once rather than as an ad hoc loop at every call site.
func retryableCall(ctx context.Context, maxAttempts uint64, base time.Duration, shouldRetry func(error) bool, op func() (time.Duration, error)) error {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = base
	expo.Multiplier = 2
	expo.RandomizationFactor = 0
	expo.MaxElapsedTime = 0
	policy := backoff.WithMaxRetries(expo, maxAttempts)

	attempts := uint64(0)
	var lastErr error
	err := backoff.Retry(func() error {
		attempts++
		retryAfter, opErr := op()
		lastErr = opErr
		if opErr == nil {
			return nil
		}
		if attempts >= maxAttempts || !shouldRetry(opErr) {
			return backoff.Permanent(opErr)
		}
		if retryAfter > 0 {
			// The backoff policy sleeps its exponential slot after this
			// callback returns; the server's requested wait is served on
			// top of it, not instead of it.
			time.Sleep(retryAfter)
		}
		return opErr
	}, backoff.WithContext(policy, ctx))

	if err != nil {
		return lastErr
	}
	return nil
}

// retryTransient applies the general transient-error policy: up to 5
// attempts against timeouts, 5xx and rate limiting, reraising the last
// error.
func retryTransient(ctx context.Context, op func() (retryAfter time.Duration, err error)) error {
	return retryableCall(ctx, 5, 200*time.Millisecond, IsTransient, op)
}

// retryBaseNotYetVisible applies the eventual-consistency policy for
// merging into a just-created ref: up to 4 attempts with exponential
// backoff while the platform still reports "Base does not exist".
func retryBaseNotYetVisible(ctx context.Context, op func() error) error {
	return retryableCall(ctx, 4, 100*time.Millisecond, IsBaseNotYetVisible, func() (time.Duration, error) {
		return 0, op()
	})
}
