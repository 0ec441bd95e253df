/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package remotedebug

import (
	"fmt"

	"github.com/microsoft/builddbg/internal/breakpoints"
	"github.com/microsoft/builddbg/internal/pubsub"
)

type NotificationKind int

const (
	NotificationCreated NotificationKind = iota
	NotificationResumed
	NotificationSuspended
	NotificationTerminated
)

func (k NotificationKind) String() string {
	switch k {
	case NotificationCreated:
		return "created"
	case NotificationResumed:
		return "resumed"
	case NotificationSuspended:
		return "suspended"
	case NotificationTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// NotificationDetail says why the target was resumed or suspended.
type NotificationDetail int

const (
	DetailUnspecified NotificationDetail = iota
	DetailClientRequest
	DetailStepOver
	DetailStepInto
	DetailStepEnd
	DetailBreakpoint
)

func (d NotificationDetail) String() string {
	switch d {
	case DetailClientRequest:
		return "client request"
	case DetailStepOver:
		return "step over"
	case DetailStepInto:
		return "step into"
	case DetailStepEnd:
		return "step end"
	case DetailBreakpoint:
		return "breakpoint"
	default:
		return "unspecified"
	}
}

// Notification describes a lifecycle change of a debug target.
type Notification struct {
	Kind   NotificationKind
	Detail NotificationDetail
	Source Element

	// Breakpoints hit by the suspension, captured when it happened.
	Breakpoints []breakpoints.Breakpoint
}

func (n Notification) String() string {
	return fmt.Sprintf("%s (%s)", n.Kind, n.Detail)
}

// Subscribe registers a channel that receives the target lifecycle notifications.
// Notifications are sent from the event reader goroutine (or from the goroutine issuing a command),
// so the channel must be buffered generously or drained promptly.
// The channel is closed when the subscription is cancelled.
func (t *Target) Subscribe(sink chan<- Notification) *pubsub.Subscription[Notification] {
	return t.notifications.Subscribe(sink)
}

func (t *Target) notify(kind NotificationKind, detail NotificationDetail, source Element) {
	t.publish(Notification{Kind: kind, Detail: detail, Source: source})
}

func (t *Target) publish(n Notification) {
	t.log.V(1).Info("Debug target notification", "notification", n.String())
	t.notifications.Notify(n)
}
