/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

// Package breakpoints holds the set of line breakpoints known to the debugger and notifies
// interested parties (debug targets) when breakpoints are added, removed, or changed.
package breakpoints

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
)

var (
	// ErrInvalidLocation is returned when a breakpoint location cannot be read,
	// for example because the breakpoint has no file or a non-positive line number.
	ErrInvalidLocation = errors.New("invalid breakpoint location")
)

// Location is the file and line a breakpoint is attached to.
type Location struct {
	// Absolute path of the file.
	Path string

	// 1-based line number.
	Line int
}

func (l Location) String() string {
	return fmt.Sprintf("%s:%d", l.Path, l.Line)
}

// Breakpoint is a line breakpoint as seen by a debug target.
// Location and enablement reads may fail; callers should treat a failure as "breakpoint does not apply".
type Breakpoint interface {
	// ModelIdentifier names the debug model the breakpoint belongs to.
	ModelIdentifier() string

	Location() (Location, error)
	IsEnabled() (bool, error)

	// IsRunToLine reports whether the breakpoint is a transient one used to implement "run to line".
	IsRunToLine() bool
}

// LineBreakpoint is the Breakpoint implementation used by the registry.
type LineBreakpoint struct {
	modelID   string
	runToLine bool

	lock     sync.Mutex
	location Location
	enabled  bool
}

// NewLineBreakpoint creates an enabled breakpoint at the given file and line.
// Relative paths are made absolute.
func NewLineBreakpoint(modelID string, path string, line int) *LineBreakpoint {
	return &LineBreakpoint{
		modelID:  modelID,
		location: Location{Path: absPath(path), Line: line},
		enabled:  true,
	}
}

// NewRunToLineBreakpoint creates a transient breakpoint. It is never added to a registry.
func NewRunToLineBreakpoint(modelID string, path string, line int) *LineBreakpoint {
	bp := NewLineBreakpoint(modelID, path, line)
	bp.runToLine = true
	return bp
}

func (bp *LineBreakpoint) ModelIdentifier() string {
	return bp.modelID
}

func (bp *LineBreakpoint) Location() (Location, error) {
	bp.lock.Lock()
	defer bp.lock.Unlock()

	if bp.location.Path == "" || bp.location.Line <= 0 {
		return Location{}, fmt.Errorf("%w: '%s'", ErrInvalidLocation, bp.location)
	}
	return bp.location, nil
}

func (bp *LineBreakpoint) IsEnabled() (bool, error) {
	bp.lock.Lock()
	defer bp.lock.Unlock()
	return bp.enabled, nil
}

func (bp *LineBreakpoint) IsRunToLine() bool {
	return bp.runToLine
}

// Returns true if the enablement has changed.
func (bp *LineBreakpoint) setEnabled(enabled bool) bool {
	bp.lock.Lock()
	defer bp.lock.Unlock()
	changed := bp.enabled != enabled
	bp.enabled = enabled
	return changed
}

func (bp *LineBreakpoint) String() string {
	bp.lock.Lock()
	defer bp.lock.Unlock()
	return bp.location.String()
}

func absPath(path string) string {
	if path == "" {
		return ""
	}
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return filepath.Clean(path)
}

var _ Breakpoint = (*LineBreakpoint)(nil)
