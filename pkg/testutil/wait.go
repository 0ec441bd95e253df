/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package testutil

import (
	"context"
	"testing"
	"time"
)

const defaultPollInterval = 10 * time.Millisecond

// Receives a single value from the channel, failing the test if the context is done first.
func Receive[T any](t *testing.T, ctx context.Context, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-ctx.Done():
		t.Fatalf("timed out waiting for a value: %v", ctx.Err())
		return *new(T)
	}
}

// Polls the condition until it returns true, failing the test if the context is done first.
func Eventually(t *testing.T, ctx context.Context, condition func() bool, msg string) {
	t.Helper()
	ticker := time.NewTicker(defaultPollInterval)
	defer ticker.Stop()
	for {
		if condition() {
			return
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			t.Fatalf("condition not met: %s: %v", msg, ctx.Err())
			return
		}
	}
}
