/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package remotedebug

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/microsoft/builddbg/internal/debugproto"
	"github.com/microsoft/builddbg/pkg/testutil"
)

type framesResult struct {
	frames []*StackFrame
	err    error
}

func queryFrames(ctx context.Context, th *Thread) <-chan framesResult {
	resultCh := make(chan framesResult, 1)
	go func() {
		frames, err := th.StackFrames(ctx)
		resultCh <- framesResult{frames, err}
	}()
	return resultCh
}

func suspendedSession(t *testing.T, ctx context.Context, config SessionConfig) *testSession {
	ts := startTestSession(t, ctx, config)
	startBuild(t, ctx, ts)
	ts.engine.emit(t, "suspended,client")
	ts.waitFor(t, ctx, NotificationSuspended)
	return ts
}

func TestStackFramesBlockUntilStackArrives(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, testTimeout)
	defer cancel()

	ts := suspendedSession(t, ctx, SessionConfig{})
	thread := ts.Target().Thread()
	assert.False(t, thread.HasStackFrames())

	resultCh := queryFrames(ctx, thread)
	ts.engine.expectCommand(t, ctx, "stack")
	ts.engine.emit(t, "stack,compile,javac,/a/b.xml,3,,init,/a/b.xml,1")

	result := testutil.Receive(t, ctx, resultCh)
	require.NoError(t, result.err)
	require.Len(t, result.frames, 2)
	assert.Equal(t, 0, result.frames[0].ID())
	assert.Equal(t, "compile: javac", result.frames[0].Name())
	assert.Equal(t, 3, result.frames[0].LineNumber())
	assert.Equal(t, 1, result.frames[1].ID())
	assert.Equal(t, "init", result.frames[1].Name())
	assert.Same(t, ts.Target(), result.frames[1].Target())

	// Frames are known now; no further request is made.
	again, againErr := thread.StackFrames(ctx)
	require.NoError(t, againErr)
	assert.Equal(t, result.frames, again)
	ts.engine.expectNoCommand(t, 100*time.Millisecond)

	top, topErr := thread.TopStackFrame(ctx)
	require.NoError(t, topErr)
	assert.Same(t, result.frames[0], top)
}

func TestConcurrentStackQueriesShareOneRequest(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, testTimeout)
	defer cancel()

	ts := suspendedSession(t, ctx, SessionConfig{})
	thread := ts.Target().Thread()

	first := queryFrames(ctx, thread)
	ts.engine.expectCommand(t, ctx, "stack")
	second := queryFrames(ctx, thread)
	ts.engine.expectNoCommand(t, 100*time.Millisecond)

	ts.engine.emit(t, "stack,t,task,/a/b.xml,9")
	r1 := testutil.Receive(t, ctx, first)
	r2 := testutil.Receive(t, ctx, second)
	require.NoError(t, r1.err)
	require.NoError(t, r2.err)
	require.Len(t, r1.frames, 1)
	assert.Same(t, r1.frames[0], r2.frames[0])
}

func TestStackFramesWhileRunningAreEmpty(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, testTimeout)
	defer cancel()

	ts := startTestSession(t, ctx, SessionConfig{})
	startBuild(t, ctx, ts)

	frames, err := ts.Target().Thread().StackFrames(ctx)
	require.NoError(t, err)
	assert.Empty(t, frames)
	ts.engine.expectNoCommand(t, 100*time.Millisecond)
}

func TestStackQueryTimesOut(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, testTimeout)
	defer cancel()

	ts := suspendedSession(t, ctx, SessionConfig{TargetConfig: TargetConfig{QueryTimeout: 200 * time.Millisecond}})

	resultCh := queryFrames(ctx, ts.Target().Thread())
	ts.engine.expectCommand(t, ctx, "stack")

	result := testutil.Receive(t, ctx, resultCh)
	assert.ErrorIs(t, result.err, ErrRequestTimeout)
	assert.True(t, IsQueryError(result.err))

	// The next query asks again.
	_ = queryFrames(ctx, ts.Target().Thread())
	ts.engine.expectCommand(t, ctx, "stack")
}

func TestStackQueryEndsWhenTargetTerminates(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, testTimeout)
	defer cancel()

	ts := suspendedSession(t, ctx, SessionConfig{})

	resultCh := queryFrames(ctx, ts.Target().Thread())
	ts.engine.expectCommand(t, ctx, "stack")
	ts.engine.emit(t, "terminated")

	result := testutil.Receive(t, ctx, resultCh)
	assert.ErrorIs(t, result.err, ErrTargetTerminated)
}

func TestStackQueryHonorsContext(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, testTimeout)
	defer cancel()

	ts := suspendedSession(t, ctx, SessionConfig{})

	queryCtx, queryCancel := context.WithCancel(ctx)
	resultCh := queryFrames(queryCtx, ts.Target().Thread())
	ts.engine.expectCommand(t, ctx, "stack")
	queryCancel()

	result := testutil.Receive(t, ctx, resultCh)
	assert.ErrorIs(t, result.err, context.Canceled)
}

func TestFramesAreReusedWhenFileIsUnchanged(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, testTimeout)
	defer cancel()

	ts := suspendedSession(t, ctx, SessionConfig{})
	target := ts.Target()
	thread := target.Thread()

	resultCh := queryFrames(ctx, thread)
	ts.engine.expectCommand(t, ctx, "stack")
	ts.engine.emit(t, "stack,t1,a,/f1.xml,1,t2,b,/f2.xml,2")
	first := testutil.Receive(t, ctx, resultCh)
	require.NoError(t, first.err)
	require.Len(t, first.frames, 2)
	frameA, frameB := first.frames[0], first.frames[1]

	require.NoError(t, target.Resume(ctx))
	ts.engine.expectCommand(t, ctx, "RESUME")
	assert.False(t, thread.HasStackFrames())

	ts.engine.emit(t, "resumed,client", "suspended,step")
	ts.waitFor(t, ctx, NotificationSuspended)

	resultCh = queryFrames(ctx, thread)
	ts.engine.expectCommand(t, ctx, "stack")
	ts.engine.emit(t, "stack,t1,c,/f1.xml,5,t3,d,/f3.xml,6")
	second := testutil.Receive(t, ctx, resultCh)
	require.NoError(t, second.err)
	require.Len(t, second.frames, 2)

	assert.Same(t, frameA, second.frames[0], "frame with unchanged file must be reused")
	assert.Equal(t, "t1: c", frameA.Name())
	assert.Equal(t, 5, frameA.LineNumber())
	assert.Equal(t, 0, frameA.ID())

	assert.NotSame(t, frameB, second.frames[1], "frame with a different file must be replaced")
	assert.Equal(t, "/f3.xml", second.frames[1].FilePath())
	assert.Equal(t, "/f2.xml", frameB.FilePath())
}

func TestApplyStackReusesByPosition(t *testing.T) {
	t.Parallel()

	target := newTarget(TargetConfig{Logger: testutil.NewLogForTesting(t.Name())}, nil)
	th := target.Thread()

	th.applyStack([]debugproto.StackGroup{
		{ID: 0, Name: "a", FilePath: "/f1.xml", LineNumber: 1},
		{ID: 1, Name: "b", FilePath: "/f2.xml", LineNumber: 2},
		{ID: 2, Name: "c", FilePath: "/f3.xml", LineNumber: 3},
	})
	old := th.frames
	th.resumed(false)

	th.applyStack([]debugproto.StackGroup{
		{ID: 0, Name: "x", FilePath: "/f9.xml", LineNumber: 1},
		{ID: 1, Name: "y", FilePath: "/f2.xml", LineNumber: 7},
	})

	require.Len(t, th.frames, 2)
	assert.NotSame(t, old[0], th.frames[0])
	assert.Same(t, old[1], th.frames[1])
	assert.Equal(t, 7, th.frames[1].LineNumber())
	assert.Empty(t, th.oldFrames, "leftover pool entries are discarded")
}
