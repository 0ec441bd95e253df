/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package remotedebug

import (
	"context"
	"fmt"
	"sync"

	"github.com/microsoft/builddbg/internal/debugproto"
)

// StackFrame is one entry of the build call stack (a target or task being executed).
// Frames are reused across refreshes when their file does not change, so a frame held
// by a caller may see its id, name, and line updated by the event reader.
type StackFrame struct {
	thread *Thread

	lock       sync.RWMutex
	id         int
	name       string
	filePath   string
	lineNumber int
}

func newStackFrame(th *Thread, g debugproto.StackGroup) *StackFrame {
	return &StackFrame{
		thread:     th,
		id:         g.ID,
		name:       g.Name,
		filePath:   g.FilePath,
		lineNumber: g.LineNumber,
	}
}

// update mutates the frame in place. The file path is unchanged by definition.
func (f *StackFrame) update(g debugproto.StackGroup) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.id = g.ID
	f.name = g.Name
	f.lineNumber = g.LineNumber
}

// ID is the position of the frame in the stack, in the order sent by the build engine.
func (f *StackFrame) ID() int {
	f.lock.RLock()
	defer f.lock.RUnlock()
	return f.id
}

func (f *StackFrame) Name() string {
	f.lock.RLock()
	defer f.lock.RUnlock()
	return f.name
}

func (f *StackFrame) FilePath() string {
	f.lock.RLock()
	defer f.lock.RUnlock()
	return f.filePath
}

func (f *StackFrame) LineNumber() int {
	f.lock.RLock()
	defer f.lock.RUnlock()
	return f.lineNumber
}

func (f *StackFrame) Thread() *Thread {
	return f.thread
}

func (f *StackFrame) Target() *Target {
	return f.thread.target
}

func (f *StackFrame) ModelIdentifier() string {
	return ModelIdentifier
}

// Variables returns the system, user, and runtime property groups visible from this frame.
// All frames share the same groups.
func (f *StackFrame) Variables(ctx context.Context) ([]*PropertyGroup, error) {
	return f.thread.target.properties.variables(ctx)
}

func (f *StackFrame) String() string {
	f.lock.RLock()
	defer f.lock.RUnlock()
	return fmt.Sprintf("%s [%s:%d]", f.name, f.filePath, f.lineNumber)
}
