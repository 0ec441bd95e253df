/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package concurrency

import "context"

// ContextAwareLock is a mutual exclusion lock whose acquisition can be abandoned
// when the caller's context is done.
type ContextAwareLock struct {
	token chan struct{}
}

func NewContextAwareLock() *ContextAwareLock {
	return &ContextAwareLock{token: make(chan struct{}, 1)}
}

// Lock blocks until the lock is acquired or the context is done.
// A done context always wins, even if the lock became available at the same moment.
func (cl *ContextAwareLock) Lock(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	select {
	case cl.token <- struct{}{}:
		if err := ctx.Err(); err != nil {
			cl.Unlock()
			return err
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Unlock releases the lock. Unlocking an unlocked lock does nothing.
func (cl *ContextAwareLock) Unlock() {
	select {
	case <-cl.token:
	default:
	}
}

// WithLock runs f while holding the lock.
func (cl *ContextAwareLock) WithLock(ctx context.Context, f func() error) error {
	if err := cl.Lock(ctx); err != nil {
		return err
	}
	defer cl.Unlock()
	return f()
}
