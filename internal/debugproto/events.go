/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package debugproto

import (
	"strconv"
	"strings"
)

// EventKind identifies the verb of an event line.
type EventKind int

const (
	// EventUnknown is a line that does not start with any recognized verb.
	EventUnknown EventKind = iota
	EventBuildStarted
	EventBuildFinished
	EventSuspended
	EventResumed
	EventTerminated
	EventStack
	EventProperties
)

// String returns a string representation of the event kind.
func (k EventKind) String() string {
	switch k {
	case EventBuildStarted:
		return "build_started"
	case EventBuildFinished:
		return "build_finished"
	case EventSuspended:
		return "suspended"
	case EventResumed:
		return "resumed"
	case EventTerminated:
		return "terminated"
	case EventStack:
		return "stack"
	case EventProperties:
		return "properties"
	default:
		return "unknown"
	}
}

// EventDetail qualifies suspended and resumed events.
type EventDetail int

const (
	DetailNone EventDetail = iota
	DetailClientRequest
	DetailStep
	DetailBreakpoint
)

// String returns a string representation of the event detail.
func (d EventDetail) String() string {
	switch d {
	case DetailClientRequest:
		return "client"
	case DetailStep:
		return "step"
	case DetailBreakpoint:
		return "breakpoint"
	default:
		return "none"
	}
}

// Event is a classified event line.
type Event struct {
	Kind   EventKind
	Detail EventDetail

	// BreakpointPath and BreakpointLine carry the location of a breakpoint hit.
	// They are only set for suspended events with DetailBreakpoint.
	BreakpointPath string
	BreakpointLine int

	// Line is the raw line the event was parsed from.
	// STACK and PROPERTIES payloads are decoded from it on demand.
	Line string
}

// ParseEvent classifies an event line by its verb prefix.
// An error is returned only when the verb is recognized but its payload is malformed;
// the returned Event still carries the recognized kind and detail in that case.
func ParseEvent(line string) (Event, error) {
	evt := Event{Line: line}

	switch {
	case strings.HasPrefix(line, verbBuildStarted):
		evt.Kind = EventBuildStarted

	case strings.HasPrefix(line, verbBuildFinished):
		evt.Kind = EventBuildFinished

	case strings.HasPrefix(line, verbSuspended):
		evt.Kind = EventSuspended
		return parseSuspended(evt)

	case strings.HasPrefix(line, verbResumed):
		evt.Kind = EventResumed
		if strings.HasSuffix(line, detailStep) {
			evt.Detail = DetailStep
		} else if strings.HasSuffix(line, detailClient) {
			evt.Detail = DetailClientRequest
		}

	case strings.HasPrefix(line, verbTerminated):
		evt.Kind = EventTerminated

	case strings.HasPrefix(line, verbStack):
		evt.Kind = EventStack

	case strings.HasPrefix(line, verbProperties):
		evt.Kind = EventProperties

	default:
		evt.Kind = EventUnknown
	}

	return evt, nil
}

func parseSuspended(evt Event) (Event, error) {
	line := evt.Line

	// The breakpoint payload ends with a line number, so it never collides with the suffix checks,
	// but checking it first keeps paths such as /work/step from being misread.
	if payload, isBreakpoint := strings.CutPrefix(line, verbSuspended+Delimiter+detailBreakpoint+Delimiter); isBreakpoint {
		evt.Detail = DetailBreakpoint

		sep := strings.LastIndex(payload, Delimiter)
		if sep < 0 {
			return evt, newDecodeError(line, 2, "breakpoint location is missing a line number")
		}

		lineNumber, convErr := strconv.Atoi(payload[sep+1:])
		if convErr != nil {
			return evt, wrapDecodeError(line, 3, "invalid breakpoint line number", convErr)
		}

		evt.BreakpointPath = payload[:sep]
		evt.BreakpointLine = lineNumber
		return evt, nil
	}

	switch {
	case strings.HasSuffix(line, detailClient):
		evt.Detail = DetailClientRequest
	case strings.HasSuffix(line, detailStep):
		evt.Detail = DetailStep
	case strings.Contains(line, detailBreakpoint):
		// "suspended,breakpoint" without a location
		evt.Detail = DetailBreakpoint
	}

	return evt, nil
}
