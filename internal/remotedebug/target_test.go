/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package remotedebug

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/microsoft/builddbg/internal/breakpoints"
	"github.com/microsoft/builddbg/internal/launch"
	"github.com/microsoft/builddbg/pkg/testutil"
)

const buildFile = "/a/b.xml"

func newTestRegistry(t *testing.T) *breakpoints.Registry {
	return breakpoints.NewRegistry(testutil.NewLogForTesting(t.Name()))
}

// startBuild emits build_started and waits until the engine has been told to resume.
func startBuild(t *testing.T, ctx context.Context, ts *testSession, expectedInstalls ...string) {
	ts.engine.emit(t, "build_started")
	for _, cmd := range expectedInstalls {
		ts.engine.expectCommand(t, ctx, cmd)
	}
	ts.engine.expectCommand(t, ctx, "RESUME")
	ts.waitFor(t, ctx, NotificationCreated)
}

func TestBuildStartInstallsSupportedBreakpoints(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, testTimeout)
	defer cancel()

	registry := newTestRegistry(t)
	registry.Add(breakpoints.NewLineBreakpoint(ModelIdentifier, buildFile, 12))
	disabled := breakpoints.NewLineBreakpoint(ModelIdentifier, buildFile, 20)
	registry.Add(disabled)
	registry.SetEnabled(disabled, false)
	registry.Add(breakpoints.NewLineBreakpoint(ModelIdentifier, "/a/other.xml", 5))
	registry.Add(breakpoints.NewLineBreakpoint("another.model", buildFile, 7))

	ts := startTestSession(t, ctx, SessionConfig{TargetConfig: TargetConfig{
		Launch:   launch.New(buildFile, nil),
		Registry: registry,
	}})
	assert.Equal(t, StateUnstarted, ts.Target().State())
	assert.Empty(t, ts.Target().Threads())

	startBuild(t, ctx, ts, "add,/a/b.xml,12")
	assert.Equal(t, StateRunning, ts.Target().State())
	assert.Len(t, ts.Target().Threads(), 1)
	assert.True(t, ts.Target().CanSuspend())
	assert.False(t, ts.Target().CanResume())
	ts.engine.expectNoCommand(t, 100*time.Millisecond)
}

func TestSupportFilterResolvesBuildFileOnEveryCall(t *testing.T) {
	t.Parallel()

	l := launch.New(`{{ var "dir" }}/build.xml`, map[string]string{"dir": "/one"})
	target := newTarget(TargetConfig{Launch: l, Logger: testutil.NewLogForTesting(t.Name())}, nil)

	bp := breakpoints.NewLineBreakpoint(ModelIdentifier, "/two/build.xml", 3)
	assert.False(t, target.SupportsBreakpoint(bp))

	l.SetVariable("dir", "/two")
	assert.True(t, target.SupportsBreakpoint(bp))

	assert.False(t, target.SupportsBreakpoint(breakpoints.NewLineBreakpoint("another.model", "/two/build.xml", 3)))
	assert.False(t, target.SupportsBreakpoint(breakpoints.NewLineBreakpoint(ModelIdentifier, "/two/build.xml", 0)))
}

func TestSuspendAtRegisteredBreakpoint(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, testTimeout)
	defer cancel()

	registry := newTestRegistry(t)
	bp := breakpoints.NewLineBreakpoint(ModelIdentifier, buildFile, 12)
	registry.Add(breakpoints.NewLineBreakpoint(ModelIdentifier, buildFile, 40))
	registry.Add(bp)

	ts := startTestSession(t, ctx, SessionConfig{TargetConfig: TargetConfig{
		Launch:   launch.New(buildFile, nil),
		Registry: registry,
	}})
	startBuild(t, ctx, ts, "add,/a/b.xml,40", "add,/a/b.xml,12")

	ts.engine.emit(t, "suspended,breakpoint,/a/b.xml,12")
	n := ts.waitFor(t, ctx, NotificationSuspended)
	assert.Equal(t, DetailBreakpoint, n.Detail)
	assert.Equal(t, []breakpoints.Breakpoint{bp}, n.Breakpoints)

	assert.Equal(t, StateSuspended, ts.Target().State())
	assert.Equal(t, []breakpoints.Breakpoint{bp}, ts.Target().Thread().Breakpoints())
	assert.True(t, ts.Target().CanResume())
	assert.True(t, ts.Target().CanStep())
}

func TestSuspendAtUnknownLocationAttachesNothing(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, testTimeout)
	defer cancel()

	registry := newTestRegistry(t)
	registry.Add(breakpoints.NewLineBreakpoint(ModelIdentifier, buildFile, 12))

	ts := startTestSession(t, ctx, SessionConfig{TargetConfig: TargetConfig{
		Launch:   launch.New(buildFile, nil),
		Registry: registry,
	}})
	startBuild(t, ctx, ts, "add,/a/b.xml,12")

	ts.engine.emit(t, "suspended,breakpoint,/a/b.xml,13")
	n := ts.waitFor(t, ctx, NotificationSuspended)
	assert.Equal(t, DetailBreakpoint, n.Detail)
	assert.Empty(t, ts.Target().Thread().Breakpoints())
}

func TestSuspendMatchesBreakpointOnUncleanPath(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, testTimeout)
	defer cancel()

	registry := newTestRegistry(t)
	bp := breakpoints.NewLineBreakpoint(ModelIdentifier, buildFile, 12)
	registry.Add(bp)

	ts := startTestSession(t, ctx, SessionConfig{TargetConfig: TargetConfig{
		Launch:   launch.New(buildFile, nil),
		Registry: registry,
	}})
	startBuild(t, ctx, ts, "add,/a/b.xml,12")

	ts.engine.emit(t, "suspended,breakpoint,/a/./c/../b.xml,12")
	n := ts.waitFor(t, ctx, NotificationSuspended)
	assert.Equal(t, []breakpoints.Breakpoint{bp}, n.Breakpoints)
	assert.Equal(t, []breakpoints.Breakpoint{bp}, ts.Target().Thread().Breakpoints())
}

func TestResumeAndStepCommands(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, testTimeout)
	defer cancel()

	ts := startTestSession(t, ctx, SessionConfig{})
	startBuild(t, ctx, ts)
	target := ts.Target()
	thread := target.Thread()

	ts.engine.emit(t, "suspended,client")
	n := ts.waitFor(t, ctx, NotificationSuspended)
	assert.Equal(t, DetailClientRequest, n.Detail)

	require.NoError(t, thread.StepOver(ctx))
	ts.engine.expectCommand(t, ctx, "STEP_OVER")
	n = ts.waitFor(t, ctx, NotificationResumed)
	assert.Equal(t, DetailStepOver, n.Detail)
	assert.True(t, thread.IsStepping())
	assert.Equal(t, StateSuspended, target.State(), "state changes only when the engine confirms")

	// The confirmation of a local step is not announced a second time.
	ts.engine.emit(t, "resumed,step", "suspended,step")
	n = testutil.Receive(t, ctx, ts.notifications)
	assert.Equal(t, NotificationSuspended, n.Kind)
	assert.Equal(t, DetailStepEnd, n.Detail)
	assert.False(t, thread.IsStepping())

	require.NoError(t, target.StepInto(ctx))
	ts.engine.expectCommand(t, ctx, "STEP_INTO")
	n = ts.waitFor(t, ctx, NotificationResumed)
	assert.Equal(t, DetailStepInto, n.Detail)

	require.NoError(t, target.Resume(ctx))
	ts.engine.expectCommand(t, ctx, "RESUME")

	require.NoError(t, target.Suspend(ctx))
	ts.engine.expectCommand(t, ctx, "SUSPEND")
}

func TestEngineInitiatedResumeIsAnnounced(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, testTimeout)
	defer cancel()

	ts := startTestSession(t, ctx, SessionConfig{})
	startBuild(t, ctx, ts)
	target := ts.Target()

	ts.engine.emit(t, "suspended,client")
	ts.waitFor(t, ctx, NotificationSuspended)

	require.NoError(t, target.Resume(ctx))
	ts.engine.expectCommand(t, ctx, "RESUME")
	n := testutil.Receive(t, ctx, ts.notifications)
	assert.Equal(t, NotificationResumed, n.Kind)

	ts.engine.emit(t, "resumed,client", "suspended,client", "resumed,client", "suspended,client")
	want := []NotificationKind{NotificationSuspended, NotificationResumed, NotificationSuspended}
	for _, kind := range want {
		n = testutil.Receive(t, ctx, ts.notifications)
		assert.Equal(t, kind, n.Kind)
	}
	assert.Equal(t, StateSuspended, target.State())
}

func TestCommandBeforeBuildStartFails(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, testTimeout)
	defer cancel()

	ts := startTestSession(t, ctx, SessionConfig{})
	resumeErr := ts.Target().Resume(ctx)
	require.Error(t, resumeErr)
	assert.ErrorIs(t, resumeErr, ErrNotConnected)
	assert.True(t, IsConnectionError(resumeErr))
}

func TestRunToLine(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, testTimeout)
	defer cancel()

	ts := startTestSession(t, ctx, SessionConfig{TargetConfig: TargetConfig{
		Launch:   launch.New(buildFile, nil),
		Registry: newTestRegistry(t),
	}})
	startBuild(t, ctx, ts)

	assert.ErrorIs(t, ts.Target().RunToLine(ctx, buildFile, 30), ErrNotSuspended)

	ts.engine.emit(t, "suspended,client")
	ts.waitFor(t, ctx, NotificationSuspended)

	require.NoError(t, ts.Target().RunToLine(ctx, buildFile, 30))
	ts.engine.expectCommand(t, ctx, "add,/a/b.xml,30")
	ts.engine.expectCommand(t, ctx, "RESUME")

	ts.engine.emit(t, "resumed,client", "suspended,breakpoint,/a/b.xml,30")
	n := ts.waitFor(t, ctx, NotificationSuspended)
	assert.Equal(t, DetailBreakpoint, n.Detail)
	ts.engine.expectCommand(t, ctx, "remove30")

	bps := ts.Target().Thread().Breakpoints()
	require.Len(t, bps, 1)
	assert.True(t, bps[0].IsRunToLine())
}

func TestRegistryChangesAreForwarded(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, testTimeout)
	defer cancel()

	registry := newTestRegistry(t)
	ts := startTestSession(t, ctx, SessionConfig{TargetConfig: TargetConfig{
		Launch:   launch.New(buildFile, nil),
		Registry: registry,
	}})
	startBuild(t, ctx, ts)

	bp := breakpoints.NewLineBreakpoint(ModelIdentifier, buildFile, 30)
	registry.Add(bp)
	ts.engine.expectCommand(t, ctx, "add,/a/b.xml,30")

	registry.SetEnabled(bp, false)
	ts.engine.expectCommand(t, ctx, "remove30")

	registry.SetEnabled(bp, true)
	ts.engine.expectCommand(t, ctx, "add,/a/b.xml,30")

	registry.Remove(bp)
	ts.engine.expectCommand(t, ctx, "remove30")

	// Breakpoints in other files are not forwarded.
	registry.Add(breakpoints.NewLineBreakpoint(ModelIdentifier, "/a/other.xml", 1))
	ts.engine.expectNoCommand(t, 100*time.Millisecond)

	// Terminated targets stop listening.
	require.NoError(t, ts.Target().Terminate())
	registry.Add(breakpoints.NewLineBreakpoint(ModelIdentifier, buildFile, 50))
	ts.engine.expectNoCommand(t, 100*time.Millisecond)
}

func TestTerminateTwiceNotifiesOnce(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, testTimeout)
	defer cancel()

	process := &fakeProcess{}
	ts := startTestSession(t, ctx, SessionConfig{TargetConfig: TargetConfig{Process: process}})
	startBuild(t, ctx, ts)

	require.NoError(t, ts.Target().Terminate())
	require.NoError(t, ts.Target().Terminate())

	terminatedCount := 0
	for n := range ts.notifications {
		if n.Kind == NotificationTerminated {
			terminatedCount++
		}
	}
	assert.Equal(t, 1, terminatedCount)
	assert.Equal(t, StateTerminated, ts.Target().State())
	assert.Equal(t, int32(1), process.terminateCalls.Load())
	assert.False(t, ts.Target().CanTerminate())
	assert.Empty(t, ts.Target().Threads())
	assert.ErrorIs(t, ts.Target().Resume(ctx), ErrTargetTerminated)

	testutil.Receive(t, ctx, ts.Done())
	assert.NoError(t, testutil.Receive(t, ctx, ts.runErr))
}

func TestTerminatedIsAbsorbing(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, testTimeout)
	defer cancel()

	target := newTarget(TargetConfig{Logger: testutil.NewLogForTesting(t.Name())}, nil)
	require.NoError(t, target.Terminate())

	for _, line := range []string{"build_started", "suspended,client", "resumed,client", "terminated"} {
		target.handleEvent(ctx, line)
		assert.Equal(t, StateTerminated, target.State(), line)
	}
}

func TestBuildFinishedTerminates(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, testTimeout)
	defer cancel()

	ts := startTestSession(t, ctx, SessionConfig{})
	startBuild(t, ctx, ts)

	ts.engine.emit(t, "build_finished")
	ts.waitFor(t, ctx, NotificationTerminated)
	assert.Equal(t, StateTerminated, ts.Target().State())
	assert.NoError(t, testutil.Receive(t, ctx, ts.runErr))
}

func TestPeerDisconnectShutsDownSession(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, testTimeout)
	defer cancel()

	ts := startTestSession(t, ctx, SessionConfig{})
	startBuild(t, ctx, ts)

	require.NoError(t, ts.engine.events.Close())
	ts.waitFor(t, ctx, NotificationTerminated)
	assert.NoError(t, testutil.Receive(t, ctx, ts.runErr))
	testutil.Receive(t, ctx, ts.Done())
	assert.True(t, ts.Target().IsTerminated())
	assert.Nil(t, ts.EventAddress())
}

func TestShutdownRacesTerminate(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, testTimeout)
	defer cancel()

	process := &fakeProcess{}
	ts := startTestSession(t, ctx, SessionConfig{TargetConfig: TargetConfig{Process: process}})
	startBuild(t, ctx, ts)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(3)
		go func() {
			defer wg.Done()
			_ = ts.Shutdown()
		}()
		go func() {
			defer wg.Done()
			_ = ts.Target().Terminate()
		}()
		go func() {
			defer wg.Done()
			_ = ts.engine.events.Close()
		}()
	}
	wg.Wait()

	terminatedCount := 0
	for n := range ts.notifications {
		if n.Kind == NotificationTerminated {
			terminatedCount++
		}
	}
	assert.Equal(t, 1, terminatedCount)
	assert.Equal(t, int32(1), process.terminateCalls.Load())
	assert.NoError(t, testutil.Receive(t, ctx, ts.runErr))
}

func TestCancelledContextShutsDownSession(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, testTimeout)
	defer cancel()

	runCtx, runCancel := context.WithCancel(ctx)
	ts := startTestSession(t, runCtx, SessionConfig{})
	startBuild(t, ctx, ts)

	runCancel()
	assert.NoError(t, testutil.Receive(t, ctx, ts.runErr))
	assert.True(t, ts.Target().IsTerminated())
}

// blockingProcess holds Terminate() until released.
type blockingProcess struct {
	terminating chan struct{}
	release     chan struct{}
	exited      atomic.Bool
}

func (p *blockingProcess) HasExited() bool {
	return p.exited.Load()
}

func (p *blockingProcess) Terminate() error {
	close(p.terminating)
	<-p.release
	p.exited.Store(true)
	return nil
}

func TestShutdownWaitsForTeardownInProgress(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, testTimeout)
	defer cancel()

	process := &blockingProcess{terminating: make(chan struct{}), release: make(chan struct{})}
	ts := startTestSession(t, ctx, SessionConfig{TargetConfig: TargetConfig{Process: process}})
	startBuild(t, ctx, ts)

	firstDone := make(chan error, 1)
	go func() { firstDone <- ts.Shutdown() }()
	testutil.Receive(t, ctx, process.terminating)

	secondDone := make(chan error, 1)
	go func() { secondDone <- ts.Shutdown() }()

	select {
	case <-secondDone:
		t.Fatal("Shutdown returned before the teardown completed")
	case <-ts.runErr:
		t.Fatal("Run returned before the teardown completed")
	case <-time.After(100 * time.Millisecond):
	}

	close(process.release)
	assert.NoError(t, testutil.Receive(t, ctx, firstDone))
	assert.NoError(t, testutil.Receive(t, ctx, secondDone))
	assert.NoError(t, testutil.Receive(t, ctx, ts.runErr))
	assert.True(t, ts.Target().IsTerminated())
	assert.True(t, process.HasExited())
}

func TestUnknownLinesGoToFallbackHandler(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, testTimeout)
	defer cancel()

	unknown := make(chan string, 4)
	ts := startTestSession(t, ctx, SessionConfig{TargetConfig: TargetConfig{
		UnknownLineHandler: func(line string) { unknown <- line },
	}})

	ts.engine.emit(t, "hello world", "")
	assert.Equal(t, "hello world", testutil.Receive(t, ctx, unknown))
	assert.Equal(t, "", testutil.Receive(t, ctx, unknown))
}
