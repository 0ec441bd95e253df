/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package resiliency

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Calls the factory function until it succeeds, the back-off policy gives up, or the context is done.
// If the context deadline is what ended the attempts, the last attempt error is returned as well.
func RetryGet[T any](ctx context.Context, b backoff.BackOff, factory func() (T, error)) (T, error) {
	var lastAttemptErr error

	retval, err := backoff.RetryNotifyWithData(
		factory,
		backoff.WithContext(b, ctx),
		func(err error, _ time.Duration) {
			lastAttemptErr = err
		},
	)

	switch {
	case err != nil && errors.Is(err, context.DeadlineExceeded) && lastAttemptErr != nil:
		return *new(T), errors.Join(lastAttemptErr, err)
	case err != nil:
		return *new(T), err
	default:
		return retval, nil
	}
}

// Returns a back-off policy that makes at most the given number of attempts, spaced by a constant interval.
// An attempt count of one (or less) means a single attempt with no retry.
func LimitedAttempts(attempts int, interval time.Duration) backoff.BackOff {
	if attempts <= 1 {
		return &backoff.StopBackOff{}
	}
	return backoff.WithMaxRetries(backoff.NewConstantBackOff(interval), uint64(attempts-1))
}

// Marks an error as permanent, so that no further retries are attempted.
func Permanent(err error) error {
	return backoff.Permanent(err)
}
