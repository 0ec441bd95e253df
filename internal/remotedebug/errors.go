/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package remotedebug

import (
	"errors"
)

var (
	// ErrNotConnected is returned when a command is sent before the request connection is established.
	ErrNotConnected = errors.New("request connection is not established")

	// ErrChannelClosed is returned when a command is sent after the request connection has been closed.
	ErrChannelClosed = errors.New("request connection is closed")

	// ErrRequestTimeout is returned when the build engine does not answer a stack or properties request in time.
	ErrRequestTimeout = errors.New("request timeout")

	// ErrTargetTerminated is returned by operations on (or waits interrupted by) a terminated target.
	ErrTargetTerminated = errors.New("debug target is terminated")

	// ErrSessionClosed is returned when the session is used after shutdown.
	ErrSessionClosed = errors.New("debug session is closed")
)

// IsConnectionError returns true if the error indicates that the command could not be delivered
// because the request connection is missing or closed.
func IsConnectionError(err error) bool {
	return errors.Is(err, ErrNotConnected) ||
		errors.Is(err, ErrChannelClosed)
}

// IsQueryError returns true if a stack frame or variable query failed without an answer from the build engine.
func IsQueryError(err error) bool {
	return errors.Is(err, ErrRequestTimeout) ||
		errors.Is(err, ErrTargetTerminated)
}

// ErrNotSuspended is returned by operations that require a suspended target.
var ErrNotSuspended = errors.New("debug target is not suspended")
