/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package breakpoints

import (
	"slices"
	"sync"

	"github.com/go-logr/logr"
)

// Listener receives breakpoint registry changes.
// Callbacks run on the goroutine that changed the registry, after the registry lock has been released.
type Listener interface {
	BreakpointAdded(bp Breakpoint)
	BreakpointRemoved(bp Breakpoint)
	BreakpointChanged(bp Breakpoint)
}

type changeKind int

const (
	changeAdded changeKind = iota
	changeRemoved
	changeChanged
)

type change struct {
	kind changeKind
	bp   Breakpoint
}

// Registry is the goroutine-safe set of breakpoints shared by all debug targets.
type Registry struct {
	lock        sync.Mutex
	breakpoints []Breakpoint
	listeners   []Listener
	log         logr.Logger
}

func NewRegistry(log logr.Logger) *Registry {
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	return &Registry{log: log}
}

// Breakpoints returns a snapshot of the registered breakpoints, in registration order.
func (r *Registry) Breakpoints() []Breakpoint {
	r.lock.Lock()
	defer r.lock.Unlock()
	return slices.Clone(r.breakpoints)
}

// Add registers a breakpoint. Adding a breakpoint that is already registered is a no-op.
func (r *Registry) Add(bp Breakpoint) {
	r.lock.Lock()
	if slices.Contains(r.breakpoints, bp) {
		r.lock.Unlock()
		return
	}
	r.breakpoints = append(r.breakpoints, bp)
	r.lock.Unlock()

	r.fire(change{changeAdded, bp})
}

// Remove unregisters a breakpoint. Removing an unknown breakpoint is a no-op.
func (r *Registry) Remove(bp Breakpoint) {
	r.lock.Lock()
	i := slices.Index(r.breakpoints, bp)
	if i < 0 {
		r.lock.Unlock()
		return
	}
	r.breakpoints = slices.Delete(r.breakpoints, i, i+1)
	r.lock.Unlock()

	r.fire(change{changeRemoved, bp})
}

// SetEnabled changes the enablement of a registered breakpoint and notifies listeners if it changed.
func (r *Registry) SetEnabled(bp *LineBreakpoint, enabled bool) {
	r.lock.Lock()
	registered := slices.Contains(r.breakpoints, Breakpoint(bp))
	r.lock.Unlock()

	if bp.setEnabled(enabled) && registered {
		r.fire(change{changeChanged, bp})
	}
}

// ReplaceFile makes the set of breakpoints registered for the given model and file equal to the passed lines.
// Breakpoints on lines that remain are kept (and keep their enablement), breakpoints on other lines are removed,
// and new breakpoints are created for lines not yet covered. The returned slice matches the order of lines.
func (r *Registry) ReplaceFile(modelID string, path string, lines []int) []*LineBreakpoint {
	path = absPath(path)
	result := make([]*LineBreakpoint, len(lines))
	var changes []change

	r.lock.Lock()
	existing := map[int]*LineBreakpoint{}
	kept := r.breakpoints[:0:0]
	for _, bp := range r.breakpoints {
		lbp, isLine := bp.(*LineBreakpoint)
		if !isLine || lbp.modelID != modelID {
			kept = append(kept, bp)
			continue
		}
		loc, locErr := lbp.Location()
		if locErr != nil || loc.Path != path {
			kept = append(kept, bp)
			continue
		}
		if slices.Contains(lines, loc.Line) {
			if _, dup := existing[loc.Line]; !dup {
				existing[loc.Line] = lbp
				kept = append(kept, bp)
				continue
			}
		}
		changes = append(changes, change{changeRemoved, bp})
	}

	for i, line := range lines {
		if lbp, found := existing[line]; found {
			result[i] = lbp
			continue
		}
		lbp := NewLineBreakpoint(modelID, path, line)
		existing[line] = lbp
		kept = append(kept, lbp)
		changes = append(changes, change{changeAdded, lbp})
		result[i] = lbp
	}
	r.breakpoints = kept
	r.lock.Unlock()

	r.fire(changes...)
	return result
}

// AddListener registers a listener. Adding the same listener twice is a no-op.
func (r *Registry) AddListener(l Listener) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if !slices.Contains(r.listeners, l) {
		r.listeners = append(r.listeners, l)
	}
}

func (r *Registry) RemoveListener(l Listener) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.listeners = slices.DeleteFunc(r.listeners, func(other Listener) bool { return other == l })
}

func (r *Registry) fire(changes ...change) {
	if len(changes) == 0 {
		return
	}

	r.lock.Lock()
	listeners := slices.Clone(r.listeners)
	r.lock.Unlock()

	for _, c := range changes {
		r.log.V(1).Info("Breakpoint registry changed", "change", c.kind, "breakpoint", c.bp)
		for _, l := range listeners {
			switch c.kind {
			case changeAdded:
				l.BreakpointAdded(c.bp)
			case changeRemoved:
				l.BreakpointRemoved(c.bp)
			case changeChanged:
				l.BreakpointChanged(c.bp)
			}
		}
	}
}

func (k changeKind) String() string {
	switch k {
	case changeAdded:
		return "added"
	case changeRemoved:
		return "removed"
	default:
		return "changed"
	}
}
