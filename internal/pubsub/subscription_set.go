/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package pubsub

import (
	"maps"
	"slices"
	"sync"
)

// SubscriptionSet fans a stream of notifications out to every current subscriber.
type SubscriptionSet[NotificationT any] struct {
	subscriptions map[HandleT]*Subscription[NotificationT]
	closed        bool
	mutex         sync.Mutex
}

func NewSubscriptionSet[NotificationT any]() *SubscriptionSet[NotificationT] {
	return &SubscriptionSet[NotificationT]{
		subscriptions: make(map[HandleT]*Subscription[NotificationT]),
	}
}

// Subscribe adds a subscriber. If the set has already been closed by CancelAll(),
// the returned subscription is cancelled immediately and its sink is closed.
func (ss *SubscriptionSet[NotificationT]) Subscribe(sink chan<- NotificationT) *Subscription[NotificationT] {
	sub := newSubscription(ss, sink)

	ss.mutex.Lock()
	closed := ss.closed
	if !closed {
		ss.subscriptions[sub.handle] = sub
	}
	ss.mutex.Unlock()

	if closed {
		sub.Cancel()
	}
	return sub
}

// Notify delivers the notification to all subscribers, in no particular order.
func (ss *SubscriptionSet[NotificationT]) Notify(n NotificationT) {
	ss.mutex.Lock()
	currentSubs := slices.Collect(maps.Values(ss.subscriptions))
	ss.mutex.Unlock()

	for _, sub := range currentSubs {
		sub.notify(n)
	}
}

// CancelAll cancels every subscription. Later subscriptions are cancelled as soon as they are made.
func (ss *SubscriptionSet[NotificationT]) CancelAll() {
	ss.mutex.Lock()
	ss.closed = true
	currentSubs := slices.Collect(maps.Values(ss.subscriptions))
	clear(ss.subscriptions)
	ss.mutex.Unlock()

	for _, sub := range currentSubs {
		sub.Cancel()
	}
}

func (ss *SubscriptionSet[NotificationT]) Len() int {
	ss.mutex.Lock()
	defer ss.mutex.Unlock()
	return len(ss.subscriptions)
}

func (ss *SubscriptionSet[NotificationT]) onSubscriptionCancelled(handle HandleT) {
	ss.mutex.Lock()
	defer ss.mutex.Unlock()
	delete(ss.subscriptions, handle) // No-op if the handle is not in the set.
}
