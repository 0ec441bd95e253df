/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package remotedebug

import (
	"context"
	"slices"
	"sync"

	"github.com/microsoft/builddbg/internal/breakpoints"
	"github.com/microsoft/builddbg/internal/debugproto"
)

const threadName = "build"

// Thread is the single thread of execution of a build.
type Thread struct {
	target *Target

	lock sync.Mutex

	// Live frames, index 0 first as sent by the build engine. Empty while running.
	frames []*StackFrame

	// Frames of the previous suspension, kept so the next stack dump can reuse them.
	oldFrames []*StackFrame

	stepping bool

	// Breakpoints the thread is suspended at. Empty unless suspended at a breakpoint.
	breakpoints []breakpoints.Breakpoint

	// Set while a stack request is outstanding, so that concurrent queries share one request.
	stackRequested bool

	// Closed (and replaced) every time a stack dump has been applied.
	framesReady chan struct{}
}

func newThread(target *Target) *Thread {
	return &Thread{
		target:      target,
		framesReady: make(chan struct{}),
	}
}

func (th *Thread) Name() string {
	return threadName
}

func (th *Thread) Target() *Target {
	return th.target
}

func (th *Thread) ModelIdentifier() string {
	return ModelIdentifier
}

// StackFrames returns the current call stack.
//
// If the target is not suspended the result is empty. If the stack is already known it is returned
// immediately; otherwise a stack dump is requested from the build engine and the call blocks until it arrives,
// the query timeout elapses (ErrRequestTimeout), the target terminates (ErrTargetTerminated), or ctx is done.
func (th *Thread) StackFrames(ctx context.Context) ([]*StackFrame, error) {
	if !th.target.IsSuspended() {
		return nil, nil
	}

	th.lock.Lock()
	if len(th.frames) > 0 {
		frames := slices.Clone(th.frames)
		th.lock.Unlock()
		return frames, nil
	}
	// The channel is captured before the request goes out, so an answer that arrives
	// before we start waiting is not missed.
	ready := th.framesReady
	send := !th.stackRequested
	th.stackRequested = true
	th.lock.Unlock()

	queryErr := th.target.query(ctx, debugproto.CommandStack, ready, send, func() {
		th.lock.Lock()
		th.stackRequested = false
		th.lock.Unlock()
	})
	if queryErr != nil {
		return nil, queryErr
	}

	th.lock.Lock()
	defer th.lock.Unlock()
	return slices.Clone(th.frames), nil
}

// TopStackFrame returns the first frame of the current stack, or nil if there is none.
func (th *Thread) TopStackFrame(ctx context.Context) (*StackFrame, error) {
	frames, err := th.StackFrames(ctx)
	if err != nil || len(frames) == 0 {
		return nil, err
	}
	return frames[0], nil
}

// HasStackFrames reports whether a stack is currently known, without requesting one.
func (th *Thread) HasStackFrames() bool {
	th.lock.Lock()
	defer th.lock.Unlock()
	return len(th.frames) > 0
}

// Breakpoints returns the breakpoints the thread is suspended at.
func (th *Thread) Breakpoints() []breakpoints.Breakpoint {
	th.lock.Lock()
	defer th.lock.Unlock()
	return slices.Clone(th.breakpoints)
}

func (th *Thread) IsStepping() bool {
	th.lock.Lock()
	defer th.lock.Unlock()
	return th.stepping
}

func (th *Thread) IsSuspended() bool {
	return th.target.IsSuspended()
}

func (th *Thread) Resume(ctx context.Context) error {
	return th.target.Resume(ctx)
}

func (th *Thread) Suspend(ctx context.Context) error {
	return th.target.Suspend(ctx)
}

func (th *Thread) StepOver(ctx context.Context) error {
	return th.target.StepOver(ctx)
}

func (th *Thread) StepInto(ctx context.Context) error {
	return th.target.StepInto(ctx)
}

func (th *Thread) Terminate() error {
	return th.target.Terminate()
}

// resumed moves the live frames to the reuse pool and forgets suspension details.
func (th *Thread) resumed(stepping bool) {
	th.lock.Lock()
	defer th.lock.Unlock()

	// A remote "resumed" event usually follows a local resume; the pool must survive the second call.
	if len(th.frames) > 0 {
		th.oldFrames = th.frames
	}
	th.frames = nil
	th.stackRequested = false
	if stepping {
		th.stepping = true
	}
	th.breakpoints = nil
}

func (th *Thread) suspended(bps []breakpoints.Breakpoint) {
	th.lock.Lock()
	defer th.lock.Unlock()
	th.stepping = false
	th.breakpoints = bps
}

// applyStack rebuilds the live frame list from a stack dump. A frame from the reuse pool is kept
// (and updated in place) when the file at its position did not change; otherwise a new frame is made.
func (th *Thread) applyStack(groups []debugproto.StackGroup) {
	th.lock.Lock()
	defer th.lock.Unlock()

	pool := th.oldFrames
	if len(pool) == 0 {
		// Unsolicited dump while the stack is already known.
		pool = th.frames
	}

	frames := make([]*StackFrame, 0, len(groups))
	for i, g := range groups {
		if i < len(pool) && pool[i].FilePath() == g.FilePath {
			reused := pool[i]
			reused.update(g)
			frames = append(frames, reused)
		} else {
			frames = append(frames, newStackFrame(th, g))
		}
	}

	th.frames = frames
	th.oldFrames = nil
	th.stackRequested = false
	close(th.framesReady)
	th.framesReady = make(chan struct{})
}

func (th *Thread) clear() {
	th.lock.Lock()
	defer th.lock.Unlock()
	th.frames = nil
	th.oldFrames = nil
	th.breakpoints = nil
	th.stepping = false
}
