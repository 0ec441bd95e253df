/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package resiliency

import (
	"context"
	"sync"
	"time"
)

// DebounceLast delays calls to a function until no new calls have arrived for the debounce delay.
// All callers that arrive while a call is pending share its result; the function receives the argument
// of the last caller. Calls to the function never overlap.
type DebounceLast[T any, R any] struct {
	delay  time.Duration
	runner func(T) (R, error)

	lock    sync.Mutex
	pending *debounceRun[T, R]

	// Serializes runner invocations.
	runLock sync.Mutex
}

type debounceRun[T any, R any] struct {
	arg       T
	threshold time.Time
	done      chan struct{}
	value     R
	err       error
}

func NewDebounceLast[T any, R any](runner func(T) (R, error), delay time.Duration) *DebounceLast[T, R] {
	return &DebounceLast[T, R]{
		delay:  delay,
		runner: runner,
	}
}

// Run schedules a call and waits for its result. The context of the caller that starts a new pending call
// bounds the wait for all callers that join it.
func (d *DebounceLast[T, R]) Run(ctx context.Context, arg T) (R, error) {
	d.lock.Lock()
	run := d.pending
	if run == nil {
		run = &debounceRun[T, R]{done: make(chan struct{})}
		d.pending = run
		go d.waitAndRun(ctx, run)
	}
	run.arg = arg
	run.threshold = time.Now().Add(d.delay)
	d.lock.Unlock()

	select {
	case <-run.done:
		return run.value, run.err
	case <-ctx.Done():
		return *new(R), ctx.Err()
	}
}

func (d *DebounceLast[T, R]) waitAndRun(ctx context.Context, run *debounceRun[T, R]) {
	timer := time.NewTimer(d.delay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			d.lock.Lock()
			if d.pending == run {
				d.pending = nil
			}
			d.lock.Unlock()
			run.err = ctx.Err()
			close(run.done)
			return

		case <-timer.C:
			d.lock.Lock()
			if remaining := time.Until(run.threshold); remaining > 0 {
				d.lock.Unlock()
				timer.Reset(remaining)
				continue
			}
			// Callers arriving from now on start a new pending call.
			d.pending = nil
			arg := run.arg
			d.lock.Unlock()

			d.runLock.Lock()
			run.value, run.err = d.runner(arg)
			d.runLock.Unlock()
			close(run.done)
			return
		}
	}
}
