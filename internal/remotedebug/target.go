/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package remotedebug

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/microsoft/builddbg/internal/breakpoints"
	"github.com/microsoft/builddbg/internal/debugproto"
	"github.com/microsoft/builddbg/internal/pubsub"
)

const (
	DefaultQueryTimeout = 30 * time.Second
	defaultTargetName   = "build"
)

// BreakpointRegistry is the source of breakpoints for a target.
type BreakpointRegistry interface {
	Breakpoints() []breakpoints.Breakpoint
	AddListener(l breakpoints.Listener)
	RemoveListener(l breakpoints.Listener)
}

// ProcessHandle is the build engine process.
type ProcessHandle interface {
	HasExited() bool
	Terminate() error
}

// Launch provides the build file location the target is debugging.
// The location is resolved on every call, so it may change during the session.
type Launch interface {
	BuildFileLocation() (string, error)
}

// State is the execution state of a debug target.
type State int

const (
	StateUnstarted State = iota
	StateRunning
	StateSuspended
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateUnstarted:
		return "unstarted"
	case StateRunning:
		return "running"
	case StateSuspended:
		return "suspended"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// commandSender delivers commands to the build engine.
type commandSender interface {
	Connect(ctx context.Context) error
	Send(ctx context.Context, command string) error
}

type TargetConfig struct {
	// Display name of the target. Defaults to "build".
	Name string

	// All of the collaborators are optional.
	Launch   Launch
	Process  ProcessHandle
	Registry BreakpointRegistry

	// How long to wait for the build engine to answer a stack or properties request. Defaults to DefaultQueryTimeout.
	QueryTimeout time.Duration

	// Called (on the event reader goroutine) with every event line that is not recognized.
	// By default such lines are logged.
	UnknownLineHandler func(line string)

	// Used to trace stack and properties queries. Defaults to the global tracer provider.
	TracerProvider trace.TracerProvider

	Logger logr.Logger
}

// Target is the debug model of one build execution. It turns the events sent by the build engine
// into state transitions, and caller requests into commands.
//
// Apart from Terminate(), all state transitions, stack frame updates, and property updates happen
// on the event reader goroutine. Queries and commands may be issued from any goroutine.
type Target struct {
	id           uuid.UUID
	name         string
	launch       Launch
	process      ProcessHandle
	registry     BreakpointRegistry
	queryTimeout time.Duration
	onUnknown    func(line string)
	log          logr.Logger
	tracer       trace.Tracer

	requests      commandSender
	thread        *Thread
	properties    *propertySet
	notifications *pubsub.SubscriptionSet[Notification]

	// Called once after the target terminates. Set before the target starts receiving events.
	onTerminated func()

	// Closed when the target terminates.
	terminatedCh chan struct{}

	lock sync.Mutex

	// Protected by lock.
	state            State
	listening        bool
	pendingRunToLine *breakpoints.LineBreakpoint

	// Set when a resume command has been announced locally and the engine has not confirmed it yet.
	resumeAnnounced bool
}

func newTarget(config TargetConfig, requests commandSender) *Target {
	log := config.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}

	t := &Target{
		id:            uuid.New(),
		name:          config.Name,
		launch:        config.Launch,
		process:       config.Process,
		registry:      config.Registry,
		queryTimeout:  config.QueryTimeout,
		onUnknown:     config.UnknownLineHandler,
		tracer:        newTracer(config.TracerProvider),
		requests:      requests,
		notifications: pubsub.NewSubscriptionSet[Notification](),
		state:         StateUnstarted,
		terminatedCh:  make(chan struct{}),
	}
	if t.name == "" {
		t.name = defaultTargetName
	}
	if t.queryTimeout <= 0 {
		t.queryTimeout = DefaultQueryTimeout
	}
	t.log = log.WithValues("sessionID", t.id.String())
	t.thread = newThread(t)
	t.properties = newPropertySet(t)
	return t
}

func (t *Target) Name() string {
	return t.name
}

// SessionID uniquely identifies this debug session in logs.
func (t *Target) SessionID() string {
	return t.id.String()
}

func (t *Target) Target() *Target {
	return t
}

func (t *Target) ModelIdentifier() string {
	return ModelIdentifier
}

func (t *Target) State() State {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.state
}

func (t *Target) IsSuspended() bool {
	return t.State() == StateSuspended
}

func (t *Target) IsTerminated() bool {
	return t.State() == StateTerminated
}

// Thread returns the build thread. It is available for the lifetime of the target,
// but has no frames once the target has terminated.
func (t *Target) Thread() *Thread {
	return t.thread
}

// Threads returns the threads of a started target: the build thread, or nothing once terminated.
func (t *Target) Threads() []*Thread {
	switch t.State() {
	case StateRunning, StateSuspended:
		return []*Thread{t.thread}
	default:
		return nil
	}
}

// Variables returns the system, user, and runtime property groups, fetching updates from the build engine
// if the build has run since they were last fetched. Blocks with the same contract as Thread.StackFrames().
func (t *Target) Variables(ctx context.Context) ([]*PropertyGroup, error) {
	return t.properties.variables(ctx)
}

// Done returns a channel that is closed when the target terminates.
func (t *Target) Done() <-chan struct{} {
	return t.terminatedCh
}

func (t *Target) CanResume() bool {
	return t.IsSuspended()
}

func (t *Target) CanSuspend() bool {
	return t.State() == StateRunning
}

func (t *Target) CanStep() bool {
	return t.IsSuspended()
}

func (t *Target) CanTerminate() bool {
	return !t.IsTerminated()
}

// Resume asks the build engine to continue. The target state changes when the engine confirms.
func (t *Target) Resume(ctx context.Context) error {
	return t.resume(ctx, debugproto.CommandResume, DetailClientRequest, false)
}

func (t *Target) StepOver(ctx context.Context) error {
	return t.resume(ctx, debugproto.CommandStepOver, DetailStepOver, true)
}

func (t *Target) StepInto(ctx context.Context) error {
	return t.resume(ctx, debugproto.CommandStepInto, DetailStepInto, true)
}

// Suspend asks the build engine to pause. The target state changes when the engine confirms.
func (t *Target) Suspend(ctx context.Context) error {
	if t.IsTerminated() {
		return ErrTargetTerminated
	}
	return t.send(ctx, debugproto.CommandSuspend)
}

// RunToLine resumes the build until it reaches the given line (or any other breakpoint).
// A transient breakpoint is installed for the line and removed at the next suspension.
func (t *Target) RunToLine(ctx context.Context, path string, line int) error {
	if !t.IsSuspended() {
		return ErrNotSuspended
	}

	bp := breakpoints.NewRunToLineBreakpoint(ModelIdentifier, path, line)
	loc, locErr := bp.Location()
	if locErr != nil {
		return locErr
	}

	if sendErr := t.send(ctx, debugproto.EncodeAddBreakpoint(loc.Path, loc.Line)); sendErr != nil {
		return sendErr
	}

	t.lock.Lock()
	t.pendingRunToLine = bp
	t.lock.Unlock()

	return t.Resume(ctx)
}

// Terminate ends the debug session and kills the build engine process.
// Terminating an already terminated target is a no-op.
func (t *Target) Terminate() error {
	return t.terminate()
}

func (t *Target) resume(ctx context.Context, command string, detail NotificationDetail, stepping bool) error {
	if t.IsTerminated() {
		return ErrTargetTerminated
	}

	t.lock.Lock()
	t.resumeAnnounced = true
	t.lock.Unlock()

	t.thread.resumed(stepping)
	t.properties.markForRefresh()
	t.notify(NotificationResumed, detail, t.thread)

	sendErr := t.send(ctx, command)
	if sendErr != nil {
		t.lock.Lock()
		t.resumeAnnounced = false
		t.lock.Unlock()
	}
	return sendErr
}

func (t *Target) send(ctx context.Context, command string) error {
	if t.requests == nil {
		return ErrNotConnected
	}
	return t.requests.Send(ctx, command)
}

// await blocks until ready is closed, bounded by the query timeout, target termination, and ctx.
func (t *Target) await(ctx context.Context, ready <-chan struct{}) error {
	timer := time.NewTimer(t.queryTimeout)
	defer timer.Stop()

	select {
	case <-ready:
		return nil
	case <-t.terminatedCh:
		return ErrTargetTerminated
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("%w: the build engine did not answer within %s", ErrRequestTimeout, t.queryTimeout)
	}
}

// handleEvent processes a single event line. Runs on the event reader goroutine.
func (t *Target) handleEvent(ctx context.Context, line string) {
	t.log.V(1).Info("Received event", "event", line)

	evt, parseErr := debugproto.ParseEvent(line)
	if parseErr != nil {
		t.log.Error(parseErr, "Event could not be fully decoded", "event", line)
	}

	switch evt.Kind {
	case debugproto.EventBuildStarted:
		t.started(ctx)

	case debugproto.EventSuspended:
		t.suspended(ctx, evt)

	case debugproto.EventResumed:
		t.resumed(evt)

	case debugproto.EventBuildFinished, debugproto.EventTerminated:
		if err := t.terminate(); err != nil {
			t.log.Error(err, "Could not terminate the build engine process")
		}

	case debugproto.EventStack:
		groups, decodeErr := debugproto.DecodeStack(line)
		if decodeErr != nil {
			t.log.Error(decodeErr, "Stack dump could not be decoded", "event", line)
			return
		}
		t.thread.applyStack(groups)

	case debugproto.EventProperties:
		msg, decodeErr := debugproto.DecodeProperties(line)
		if decodeErr != nil {
			t.log.Error(decodeErr, "Properties could not be decoded", "event", line)
			return
		}
		if msg.Skipped > 0 {
			t.log.V(1).Info("Properties with an unknown type were ignored", "count", msg.Skipped)
		}
		t.properties.apply(msg)

	default:
		if t.onUnknown != nil {
			t.onUnknown(line)
		} else {
			t.log.V(1).Info("Ignoring unrecognized event", "event", line)
		}
	}
}

func (t *Target) started(ctx context.Context) {
	t.lock.Lock()
	if t.state != StateUnstarted {
		t.lock.Unlock()
		return
	}
	t.state = StateRunning
	t.lock.Unlock()

	t.log.Info("Build started", "name", t.name)
	t.notify(NotificationCreated, DetailUnspecified, t)

	if t.requests != nil {
		if connectErr := t.requests.Connect(ctx); connectErr != nil {
			t.log.Error(connectErr, "Build engine cannot be controlled, terminating the debug session")
			_ = t.terminate()
			return
		}
	}

	t.installBreakpoints(ctx)

	// The build engine waits for the first RESUME before running the build.
	if sendErr := t.send(ctx, debugproto.CommandResume); sendErr != nil {
		t.log.Error(sendErr, "Could not start the build")
	}
}

func (t *Target) installBreakpoints(ctx context.Context) {
	if t.registry == nil {
		return
	}

	for _, bp := range t.registry.Breakpoints() {
		if !t.SupportsBreakpoint(bp) {
			continue
		}
		enabled, enabledErr := bp.IsEnabled()
		if enabledErr != nil {
			t.log.Info("Warning: breakpoint enablement could not be read", "error", enabledErr.Error())
			continue
		}
		if enabled {
			t.sendBreakpointCommand(ctx, bp, true)
		}
	}

	t.lock.Lock()
	terminated := t.state == StateTerminated
	if !terminated {
		t.listening = true
	}
	t.lock.Unlock()

	if !terminated {
		t.registry.AddListener(t)
	}
}

func (t *Target) suspended(ctx context.Context, evt debugproto.Event) {
	t.lock.Lock()
	if t.state == StateTerminated {
		t.lock.Unlock()
		return
	}
	t.state = StateSuspended
	runToLine := t.pendingRunToLine
	t.pendingRunToLine = nil
	t.resumeAnnounced = false
	t.lock.Unlock()

	detail := DetailUnspecified
	var hit []breakpoints.Breakpoint

	switch evt.Detail {
	case debugproto.DetailClientRequest:
		detail = DetailClientRequest
	case debugproto.DetailStep:
		detail = DetailStepEnd
	case debugproto.DetailBreakpoint:
		detail = DetailBreakpoint
		if bp := t.findBreakpoint(evt.BreakpointPath, evt.BreakpointLine, runToLine); bp != nil {
			hit = []breakpoints.Breakpoint{bp}
		}
	}

	if runToLine != nil {
		t.removeRunToLine(ctx, runToLine)
	}

	t.thread.suspended(hit)
	t.publish(Notification{Kind: NotificationSuspended, Detail: detail, Source: t.thread, Breakpoints: hit})
}

func (t *Target) resumed(evt debugproto.Event) {
	t.lock.Lock()
	if t.state == StateTerminated {
		t.lock.Unlock()
		return
	}
	t.state = StateRunning
	announced := t.resumeAnnounced
	t.resumeAnnounced = false
	t.lock.Unlock()

	detail := DetailUnspecified
	stepping := false
	switch evt.Detail {
	case debugproto.DetailStep:
		detail = DetailStepOver
		stepping = true
	case debugproto.DetailClientRequest:
		detail = DetailClientRequest
	}

	t.thread.resumed(stepping)
	t.properties.markForRefresh()

	// Subscribers already heard about a local resume.
	if !announced {
		t.notify(NotificationResumed, detail, t.thread)
	}
}

// terminate moves the target to the terminated state. Only the first call has any effect.
func (t *Target) terminate() error {
	t.lock.Lock()
	if t.state == StateTerminated {
		t.lock.Unlock()
		return nil
	}
	t.state = StateTerminated
	listening := t.listening
	t.listening = false
	t.pendingRunToLine = nil
	close(t.terminatedCh)
	t.lock.Unlock()

	t.log.Info("Build terminated", "name", t.name)
	t.thread.clear()

	if listening && t.registry != nil {
		t.registry.RemoveListener(t)
	}

	var processErr error
	if t.process != nil && !t.process.HasExited() {
		processErr = t.process.Terminate()
	}

	t.notify(NotificationTerminated, DetailUnspecified, t)
	t.notifications.CancelAll()

	if t.onTerminated != nil {
		t.onTerminated()
	}

	return processErr
}

// SupportsBreakpoint reports whether the breakpoint belongs to this target: it must be a build script
// breakpoint set in the build file being debugged. The build file location is resolved on every call.
func (t *Target) SupportsBreakpoint(bp breakpoints.Breakpoint) bool {
	if bp.ModelIdentifier() != ModelIdentifier || t.launch == nil {
		return false
	}

	loc, locErr := bp.Location()
	if locErr != nil {
		t.log.Info("Warning: breakpoint location could not be read", "error", locErr.Error())
		return false
	}

	buildFile, buildFileErr := t.launch.BuildFileLocation()
	if buildFileErr != nil {
		t.log.Info("Warning: build file location could not be resolved", "error", buildFileErr.Error())
		return false
	}

	return filepath.Clean(loc.Path) == filepath.Clean(buildFile)
}

// findBreakpoint returns the first supported breakpoint at exactly the given location.
func (t *Target) findBreakpoint(path string, line int, runToLine *breakpoints.LineBreakpoint) breakpoints.Breakpoint {
	var candidates []breakpoints.Breakpoint
	if t.registry != nil {
		candidates = t.registry.Breakpoints()
	}
	if runToLine != nil {
		candidates = append(candidates, runToLine)
	}

	path = filepath.Clean(path)
	for _, bp := range candidates {
		if !bp.IsRunToLine() && !t.SupportsBreakpoint(bp) {
			continue
		}
		loc, locErr := bp.Location()
		if locErr != nil {
			continue
		}
		if loc.Line == line && filepath.Clean(loc.Path) == path {
			return bp
		}
	}
	return nil
}

// The remove command addresses a line only, so the transient breakpoint is kept
// if a registered breakpoint is installed on the same line.
func (t *Target) removeRunToLine(ctx context.Context, bp *breakpoints.LineBreakpoint) {
	loc, locErr := bp.Location()
	if locErr != nil {
		return
	}

	if t.registry != nil {
		for _, other := range t.registry.Breakpoints() {
			otherLoc, otherErr := other.Location()
			if otherErr != nil || otherLoc.Line != loc.Line || !t.SupportsBreakpoint(other) {
				continue
			}
			if enabled, _ := other.IsEnabled(); enabled {
				return
			}
		}
	}

	if sendErr := t.send(ctx, debugproto.EncodeRemoveBreakpoint(loc.Line)); sendErr != nil {
		t.log.Error(sendErr, "Could not remove run-to-line breakpoint", "line", loc.Line)
	}
}

func (t *Target) sendBreakpointCommand(ctx context.Context, bp breakpoints.Breakpoint, install bool) {
	loc, locErr := bp.Location()
	if locErr != nil {
		t.log.Info("Warning: breakpoint location could not be read", "error", locErr.Error())
		return
	}

	var command string
	if install {
		command = debugproto.EncodeAddBreakpoint(loc.Path, loc.Line)
	} else {
		command = debugproto.EncodeRemoveBreakpoint(loc.Line)
	}

	if sendErr := t.send(ctx, command); sendErr != nil {
		t.log.Error(sendErr, "Could not update breakpoint in the build engine", "breakpoint", loc.String())
	}
}

func (t *Target) isListening() bool {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.listening
}

// Registry listener callbacks. They run on whatever goroutine changed the registry.

func (t *Target) BreakpointAdded(bp breakpoints.Breakpoint) {
	if !t.isListening() || !t.SupportsBreakpoint(bp) {
		return
	}
	enabled, enabledErr := bp.IsEnabled()
	if enabledErr != nil {
		t.log.Info("Warning: breakpoint enablement could not be read", "error", enabledErr.Error())
		return
	}
	if !enabled {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), t.queryTimeout)
	defer cancel()
	t.sendBreakpointCommand(ctx, bp, true)
}

func (t *Target) BreakpointRemoved(bp breakpoints.Breakpoint) {
	if !t.isListening() || !t.SupportsBreakpoint(bp) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), t.queryTimeout)
	defer cancel()
	t.sendBreakpointCommand(ctx, bp, false)
}

func (t *Target) BreakpointChanged(bp breakpoints.Breakpoint) {
	if !t.isListening() || !t.SupportsBreakpoint(bp) {
		return
	}
	enabled, enabledErr := bp.IsEnabled()
	if enabledErr != nil {
		t.log.Info("Warning: breakpoint enablement could not be read", "error", enabledErr.Error())
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), t.queryTimeout)
	defer cancel()
	t.sendBreakpointCommand(ctx, bp, enabled)
}

var _ breakpoints.Listener = (*Target)(nil)
