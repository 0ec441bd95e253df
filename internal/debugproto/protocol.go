/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

// Package debugproto implements the line-oriented wire format spoken between the debug bridge
// and a build engine running in debug mode.
//
// Every message is a single newline-terminated line of ASCII text. Fields inside a line are
// separated by Delimiter. The bridge sends commands (RESUME, add,<path>,<line> ...) over the
// request connection and receives events (build_started, suspended,breakpoint,<path>,<line>,
// stack,... and so on) over the event connection.
package debugproto

import (
	"strconv"
	"strings"
)

// Delimiter separates fields within a single protocol line.
const Delimiter = ","

// Commands sent from the bridge to the build engine.
const (
	CommandResume   = "RESUME"
	CommandSuspend  = "SUSPEND"
	CommandStepOver = "STEP_OVER"
	CommandStepInto = "STEP_INTO"

	// Requests a STACK event describing the current call stack.
	CommandStack = "stack"

	// Requests a PROPERTIES event with properties defined since the last request.
	CommandProperties = "prop"

	addBreakpointPrefix    = "add"
	removeBreakpointPrefix = "remove"
)

// Event verbs received from the build engine. Events are matched by prefix.
const (
	verbBuildStarted  = "build_started"
	verbBuildFinished = "build_finished"
	verbSuspended     = "suspended"
	verbResumed       = "resumed"
	verbTerminated    = "terminated"
	verbStack         = "stack"
	verbProperties    = "prop"

	detailClient     = "client"
	detailStep       = "step"
	detailBreakpoint = "breakpoint"
)

// EncodeAddBreakpoint returns the command that installs a line breakpoint in the build engine.
func EncodeAddBreakpoint(absolutePath string, lineNumber int) string {
	return addBreakpointPrefix + Delimiter + absolutePath + Delimiter + strconv.Itoa(lineNumber)
}

// EncodeRemoveBreakpoint returns the command that removes a line breakpoint.
// The line number follows the verb directly, with no delimiter in between.
func EncodeRemoveBreakpoint(lineNumber int) string {
	return removeBreakpointPrefix + strconv.Itoa(lineNumber)
}

// DecodeAddBreakpoint parses a command produced by EncodeAddBreakpoint.
// The path may itself contain the delimiter; the line number is always the last field.
func DecodeAddBreakpoint(command string) (string, int, error) {
	rest, found := strings.CutPrefix(command, addBreakpointPrefix+Delimiter)
	if !found {
		return "", 0, newDecodeError(command, 0, "not an add breakpoint command")
	}

	sep := strings.LastIndex(rest, Delimiter)
	if sep < 0 {
		return "", 0, newDecodeError(command, 1, "missing line number")
	}

	lineNumber, convErr := strconv.Atoi(rest[sep+1:])
	if convErr != nil {
		return "", 0, wrapDecodeError(command, 2, "invalid line number", convErr)
	}

	return rest[:sep], lineNumber, nil
}

// DecodeRemoveBreakpoint parses a command produced by EncodeRemoveBreakpoint.
func DecodeRemoveBreakpoint(command string) (int, error) {
	rest, found := strings.CutPrefix(command, removeBreakpointPrefix)
	if !found {
		return 0, newDecodeError(command, 0, "not a remove breakpoint command")
	}

	lineNumber, convErr := strconv.Atoi(rest)
	if convErr != nil {
		return 0, wrapDecodeError(command, 0, "invalid line number", convErr)
	}

	return lineNumber, nil
}

// IsBreakpointCommand reports whether the command adds or removes a breakpoint.
func IsBreakpointCommand(command string) bool {
	return strings.HasPrefix(command, addBreakpointPrefix+Delimiter) || strings.HasPrefix(command, removeBreakpointPrefix)
}
