/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

// Package process provides handles to the build engine process: one for a process started
// by this program, and one for an already running process found by its PID.
package process

import (
	"errors"
)

const (
	// A valid exit code of a process is a non-negative number. We use UnknownExitCode to indicate that we have not obtained the exit code yet.
	UnknownExitCode int32 = -1

	// UnknownPID is used when the process has not been started (or failed to start).
	UnknownPID int32 = -1
)

var (
	// Essentially the same as ps.ErrorProcessNotRunning, but we do not want to
	// expose the ps package outside of this package.
	ErrorProcessNotFound = errors.New("process does not exist")
)

// Handle is a reference to a running (or finished) process that can be queried and force-terminated.
type Handle interface {
	Pid() int32

	// HasExited reports whether the process is known to have finished.
	HasExited() bool

	// Terminate kills the process. Terminating a process that has already exited is not an error.
	Terminate() error
}
