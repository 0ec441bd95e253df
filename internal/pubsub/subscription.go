/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package pubsub

import (
	"sync"
	"sync/atomic"
)

type HandleT uint32

const (
	InvalidHandle HandleT = 0
)

var (
	nextHandle atomic.Uint32
)

// Subscription delivers notifications to a single sink channel until it is cancelled.
type Subscription[NotificationT any] struct {
	handle HandleT
	sink   chan<- NotificationT
	owner  *SubscriptionSet[NotificationT]
	lock   sync.Mutex
}

func newSubscription[NotificationT any](owner *SubscriptionSet[NotificationT], sink chan<- NotificationT) *Subscription[NotificationT] {
	return &Subscription[NotificationT]{
		handle: HandleT(nextHandle.Add(1)),
		sink:   sink,
		owner:  owner,
	}
}

func (s *Subscription[NotificationT]) Handle() HandleT {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.handle
}

// Cancel stops the delivery of notifications and closes the sink channel.
// Calling Cancel more than once is a no-op.
func (s *Subscription[NotificationT]) Cancel() {
	s.lock.Lock()
	handle := s.handle
	if handle != InvalidHandle {
		s.handle = InvalidHandle
		close(s.sink)
		s.sink = nil
	}
	s.lock.Unlock()

	// Called after the subscription lock is released to keep lock ordering set -> subscription.
	if handle != InvalidHandle {
		s.owner.onSubscriptionCancelled(handle)
	}
}

func (s *Subscription[NotificationT]) Cancelled() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.handle == InvalidHandle
}

// The sink must be able to accept the notification without excessive blocking:
// notifications are delivered on the goroutine that raised them.
func (s *Subscription[NotificationT]) notify(n NotificationT) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.sink == nil {
		return
	}
	s.sink <- n
}
