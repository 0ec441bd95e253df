/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package dapserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/go-logr/logr"
	"github.com/google/go-dap"
	"github.com/smallnest/chanx"

	"github.com/microsoft/builddbg/internal/breakpoints"
	"github.com/microsoft/builddbg/internal/remotedebug"
)

const (
	// The build engine runs a single build thread.
	buildThreadID = 1

	notificationChanInitialCapacity = 8
)

// Property groups are exposed as scopes. Variable references are the index in this list plus one.
var scopeGroups = []string{
	remotedebug.SystemPropertiesGroup,
	remotedebug.UserPropertiesGroup,
	remotedebug.RuntimePropertiesGroup,
}

type ServerConfig struct {
	Target   *remotedebug.Target
	Registry *breakpoints.Registry
	Logger   logr.Logger
}

// Server exposes a single debug target to an IDE over the Debug Adapter Protocol.
type Server struct {
	target   *remotedebug.Target
	registry *breakpoints.Registry
	log      logr.Logger

	transport Transport
	seq       int
	sendLock  sync.Mutex

	// Maps DAP frame IDs to the frames last returned by a stackTrace request.
	frames map[int]*remotedebug.StackFrame
	// Stable DAP breakpoint IDs for registry breakpoints.
	breakpointIDs    map[*breakpoints.LineBreakpoint]int
	nextBreakpointID int
	lock             sync.Mutex
}

func NewServer(config ServerConfig) *Server {
	log := config.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}

	return &Server{
		target:        config.Target,
		registry:      config.Registry,
		log:           log.WithValues("sessionID", config.Target.SessionID()),
		frames:        map[int]*remotedebug.StackFrame{},
		breakpointIDs: map[*breakpoints.LineBreakpoint]int{},
	}
}

// Serve handles DAP requests arriving on the transport until the IDE disconnects,
// the transport fails, or the context is cancelled. The transport is closed when Serve returns.
func (s *Server) Serve(ctx context.Context, transport Transport) error {
	s.transport = transport
	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stopClose := context.AfterFunc(serveCtx, func() { _ = transport.Close() })
	defer stopClose()

	// The unbounded channel must keep draining until the subscription is cancelled,
	// so it is not tied to serveCtx. Cancelling the subscription closes its input and stops it.
	chanCtx, chanCancel := context.WithCancel(context.WithoutCancel(ctx))
	defer chanCancel()
	notifications := chanx.NewUnboundedChan[remotedebug.Notification](chanCtx, notificationChanInitialCapacity)
	sub := s.target.Subscribe(notifications.In)

	var eventsDone sync.WaitGroup
	eventsDone.Add(1)
	go func() {
		defer eventsDone.Done()
		s.forwardNotifications(notifications.Out)
	}()

	serveErr := s.readRequests(serveCtx)

	sub.Cancel()
	eventsDone.Wait()
	closeErr := transport.Close()

	if serveErr != nil {
		return serveErr
	}
	return closeErr
}

func (s *Server) readRequests(ctx context.Context) error {
	for {
		msg, readErr := s.transport.ReadMessage()
		if readErr != nil {
			if ctx.Err() != nil || errors.Is(readErr, ErrTransportClosed) || errors.Is(readErr, io.EOF) {
				return nil
			}

			// Requests go-dap does not know about are answered with an error, the session goes on.
			var fieldErr *dap.DecodeProtocolMessageFieldError
			if errors.As(readErr, &fieldErr) && fieldErr.SubType == "Request" && fieldErr.FieldName == "command" {
				req := &dap.Request{
					ProtocolMessage: dap.ProtocolMessage{Seq: fieldErr.Seq},
					Command:         fieldErr.FieldValue,
				}
				if sendErr := s.send(newErrorResponse(req, fmt.Errorf("unsupported request '%s'", req.Command))); sendErr != nil {
					return sendErr
				}
				continue
			}
			return readErr
		}

		req, isRequest := msg.(dap.RequestMessage)
		if !isRequest {
			s.log.V(1).Info("Ignoring unexpected DAP message", "message", fmt.Sprintf("%T", msg))
			continue
		}

		disconnect, handleErr := s.handleRequest(ctx, req)
		if handleErr != nil {
			return handleErr
		}
		if disconnect {
			return nil
		}
	}
}

// handleRequest answers a single request. It reports whether the IDE has disconnected.
func (s *Server) handleRequest(ctx context.Context, msg dap.RequestMessage) (bool, error) {
	req := msg.GetRequest()
	s.log.V(1).Info("DAP request", "command", req.Command, "seq", req.Seq)

	var resp dap.Message
	var postResponse []dap.Message
	disconnect := false

	switch r := msg.(type) {
	case *dap.InitializeRequest:
		resp = &dap.InitializeResponse{
			Response: newResponse(req),
			Body: dap.Capabilities{
				SupportsConfigurationDoneRequest: true,
				SupportsTerminateRequest:         true,
			},
		}
		postResponse = append(postResponse, &dap.InitializedEvent{Event: newEvent("initialized")})

	case *dap.LaunchRequest:
		// The build engine is started by the command line, not by the IDE.
		resp = &dap.LaunchResponse{Response: newResponse(req)}

	case *dap.AttachRequest:
		resp = &dap.AttachResponse{Response: newResponse(req)}

	case *dap.ConfigurationDoneRequest:
		resp = &dap.ConfigurationDoneResponse{Response: newResponse(req)}

	case *dap.SetBreakpointsRequest:
		resp = s.setBreakpoints(r)

	case *dap.ThreadsRequest:
		threads := []dap.Thread{}
		for _, th := range s.target.Threads() {
			threads = append(threads, dap.Thread{Id: buildThreadID, Name: th.Name()})
		}
		resp = &dap.ThreadsResponse{
			Response: newResponse(req),
			Body:     dap.ThreadsResponseBody{Threads: threads},
		}

	case *dap.StackTraceRequest:
		resp = s.stackTrace(ctx, r)

	case *dap.ScopesRequest:
		resp = s.scopes(r)

	case *dap.VariablesRequest:
		resp = s.variables(ctx, r)

	case *dap.ContinueRequest:
		if err := s.target.Resume(ctx); err != nil {
			resp = newErrorResponse(req, err)
		} else {
			resp = &dap.ContinueResponse{
				Response: newResponse(req),
				Body:     dap.ContinueResponseBody{AllThreadsContinued: true},
			}
		}

	case *dap.NextRequest:
		if err := s.target.StepOver(ctx); err != nil {
			resp = newErrorResponse(req, err)
		} else {
			resp = &dap.NextResponse{Response: newResponse(req)}
		}

	case *dap.StepInRequest:
		if err := s.target.StepInto(ctx); err != nil {
			resp = newErrorResponse(req, err)
		} else {
			resp = &dap.StepInResponse{Response: newResponse(req)}
		}

	case *dap.PauseRequest:
		if err := s.target.Suspend(ctx); err != nil {
			resp = newErrorResponse(req, err)
		} else {
			resp = &dap.PauseResponse{Response: newResponse(req)}
		}

	case *dap.TerminateRequest:
		if err := s.target.Terminate(); err != nil {
			resp = newErrorResponse(req, err)
		} else {
			resp = &dap.TerminateResponse{Response: newResponse(req)}
		}

	case *dap.DisconnectRequest:
		// The bridge owns the build, so disconnecting always ends it.
		if err := s.target.Terminate(); err != nil {
			s.log.Error(err, "Failed to terminate the debug target on disconnect")
		}
		resp = &dap.DisconnectResponse{Response: newResponse(req)}
		disconnect = true

	default:
		resp = newErrorResponse(req, fmt.Errorf("unsupported request '%s'", req.Command))
	}

	if sendErr := s.send(resp); sendErr != nil {
		return disconnect, sendErr
	}
	for _, m := range postResponse {
		if sendErr := s.send(m); sendErr != nil {
			return disconnect, sendErr
		}
	}
	return disconnect, nil
}

func (s *Server) setBreakpoints(r *dap.SetBreakpointsRequest) dap.Message {
	path := r.Arguments.Source.Path
	if path == "" {
		return newErrorResponse(&r.Request, fmt.Errorf("breakpoint source has no path"))
	}

	lines := make([]int, 0, len(r.Arguments.Breakpoints))
	for _, sbp := range r.Arguments.Breakpoints {
		lines = append(lines, sbp.Line)
	}
	if len(r.Arguments.Breakpoints) == 0 {
		lines = append(lines, r.Arguments.Lines...)
	}

	bps := s.registry.ReplaceFile(remotedebug.ModelIdentifier, path, lines)

	s.lock.Lock()
	defer s.lock.Unlock()

	result := make([]dap.Breakpoint, 0, len(bps))
	for _, bp := range bps {
		loc, locErr := bp.Location()
		dbp := dap.Breakpoint{
			Id:       s.breakpointIDLocked(bp),
			Verified: locErr == nil && s.target.SupportsBreakpoint(bp),
			Line:     loc.Line,
			Source:   &dap.Source{Path: loc.Path},
		}
		if locErr != nil {
			dbp.Message = locErr.Error()
		} else if !dbp.Verified {
			dbp.Message = "breakpoints can only be set in the build file being debugged"
		}
		result = append(result, dbp)
	}

	return &dap.SetBreakpointsResponse{
		Response: newResponse(&r.Request),
		Body:     dap.SetBreakpointsResponseBody{Breakpoints: result},
	}
}

// Must be called with s.lock held.
func (s *Server) breakpointIDLocked(bp *breakpoints.LineBreakpoint) int {
	if id, found := s.breakpointIDs[bp]; found {
		return id
	}
	s.nextBreakpointID++
	s.breakpointIDs[bp] = s.nextBreakpointID
	return s.nextBreakpointID
}

func (s *Server) stackTrace(ctx context.Context, r *dap.StackTraceRequest) dap.Message {
	frames, err := s.target.Thread().StackFrames(ctx)
	if err != nil {
		return newErrorResponse(&r.Request, err)
	}

	total := len(frames)
	start := min(max(r.Arguments.StartFrame, 0), total)
	end := total
	if r.Arguments.Levels > 0 {
		end = min(start+r.Arguments.Levels, total)
	}

	s.lock.Lock()
	clear(s.frames)
	dapFrames := make([]dap.StackFrame, 0, end-start)
	for _, f := range frames[start:end] {
		id := f.ID() + 1
		s.frames[id] = f
		dapFrames = append(dapFrames, dap.StackFrame{
			Id:     id,
			Name:   f.Name(),
			Source: &dap.Source{Path: f.FilePath()},
			Line:   f.LineNumber(),
			Column: 1,
		})
	}
	s.lock.Unlock()

	return &dap.StackTraceResponse{
		Response: newResponse(&r.Request),
		Body: dap.StackTraceResponseBody{
			StackFrames: dapFrames,
			TotalFrames: total,
		},
	}
}

func (s *Server) scopes(r *dap.ScopesRequest) dap.Message {
	s.lock.Lock()
	_, found := s.frames[r.Arguments.FrameId]
	s.lock.Unlock()
	if !found {
		return newErrorResponse(&r.Request, fmt.Errorf("unknown stack frame %d", r.Arguments.FrameId))
	}

	scopes := make([]dap.Scope, 0, len(scopeGroups))
	for i, name := range scopeGroups {
		scopes = append(scopes, dap.Scope{
			Name:               name,
			VariablesReference: i + 1,
		})
	}

	return &dap.ScopesResponse{
		Response: newResponse(&r.Request),
		Body:     dap.ScopesResponseBody{Scopes: scopes},
	}
}

func (s *Server) variables(ctx context.Context, r *dap.VariablesRequest) dap.Message {
	ref := r.Arguments.VariablesReference
	if ref < 1 || ref > len(scopeGroups) {
		return newErrorResponse(&r.Request, fmt.Errorf("unknown variables reference %d", ref))
	}

	groups, err := s.target.Variables(ctx)
	if err != nil {
		return newErrorResponse(&r.Request, err)
	}

	variables := []dap.Variable{}
	for _, g := range groups {
		if g.Name() != scopeGroups[ref-1] {
			continue
		}
		for _, p := range g.Properties() {
			variables = append(variables, dap.Variable{
				Name:  p.Name(),
				Value: p.Value(),
			})
		}
	}

	return &dap.VariablesResponse{
		Response: newResponse(&r.Request),
		Body:     dap.VariablesResponseBody{Variables: variables},
	}
}

func (s *Server) forwardNotifications(notifications <-chan remotedebug.Notification) {
	for n := range notifications {
		for _, evt := range s.eventsFor(n) {
			if sendErr := s.send(evt); sendErr != nil {
				s.log.V(1).Info("Could not send DAP event", "event", evt.GetEvent().Event, "error", sendErr.Error())
			}
		}
	}
}

func (s *Server) eventsFor(n remotedebug.Notification) []dap.EventMessage {
	switch n.Kind {
	case remotedebug.NotificationCreated:
		return []dap.EventMessage{&dap.ThreadEvent{
			Event: newEvent("thread"),
			Body:  dap.ThreadEventBody{Reason: "started", ThreadId: buildThreadID},
		}}

	case remotedebug.NotificationSuspended:
		evt := &dap.StoppedEvent{
			Event: newEvent("stopped"),
			Body: dap.StoppedEventBody{
				Reason:            stoppedReason(n.Detail),
				ThreadId:          buildThreadID,
				AllThreadsStopped: true,
			},
		}
		if n.Detail == remotedebug.DetailBreakpoint {
			evt.Body.HitBreakpointIds = s.hitBreakpointIDs(n.Breakpoints)
		}
		return []dap.EventMessage{evt}

	case remotedebug.NotificationResumed:
		return []dap.EventMessage{&dap.ContinuedEvent{
			Event: newEvent("continued"),
			Body:  dap.ContinuedEventBody{ThreadId: buildThreadID, AllThreadsContinued: true},
		}}

	case remotedebug.NotificationTerminated:
		return []dap.EventMessage{
			&dap.ThreadEvent{
				Event: newEvent("thread"),
				Body:  dap.ThreadEventBody{Reason: "exited", ThreadId: buildThreadID},
			},
			&dap.TerminatedEvent{Event: newEvent("terminated")},
		}

	default:
		return nil
	}
}

func (s *Server) hitBreakpointIDs(hit []breakpoints.Breakpoint) []int {
	s.lock.Lock()
	defer s.lock.Unlock()

	var ids []int
	for _, bp := range hit {
		if lbp, isLine := bp.(*breakpoints.LineBreakpoint); isLine {
			if id, found := s.breakpointIDs[lbp]; found {
				ids = append(ids, id)
			}
		}
	}
	return ids
}

func stoppedReason(detail remotedebug.NotificationDetail) string {
	switch detail {
	case remotedebug.DetailBreakpoint:
		return "breakpoint"
	case remotedebug.DetailStepEnd:
		return "step"
	default:
		return "pause"
	}
}

// send assigns the next sequence number and writes the message.
// Sequence numbers are assigned under the send lock so they reach the IDE in order.
func (s *Server) send(msg dap.Message) error {
	s.sendLock.Lock()
	defer s.sendLock.Unlock()

	s.seq++
	switch m := msg.(type) {
	case dap.ResponseMessage:
		m.GetResponse().Seq = s.seq
	case dap.EventMessage:
		m.GetEvent().Seq = s.seq
	}
	return s.transport.WriteMessage(msg)
}

func newResponse(req *dap.Request) dap.Response {
	return dap.Response{
		ProtocolMessage: dap.ProtocolMessage{Type: "response"},
		Command:         req.Command,
		RequestSeq:      req.Seq,
		Success:         true,
	}
}

func newErrorResponse(req *dap.Request, err error) *dap.ErrorResponse {
	resp := newResponse(req)
	resp.Success = false
	resp.Message = err.Error()
	return &dap.ErrorResponse{
		Response: resp,
		Body: dap.ErrorResponseBody{
			Error: &dap.ErrorMessage{Id: errorCode(err), Format: err.Error()},
		},
	}
}

func newEvent(name string) dap.Event {
	return dap.Event{
		ProtocolMessage: dap.ProtocolMessage{Type: "event"},
		Event:           name,
	}
}

const (
	errorCodeGeneric = 1000 + iota
	errorCodeConnection
	errorCodeQuery
)

func errorCode(err error) int {
	switch {
	case remotedebug.IsConnectionError(err):
		return errorCodeConnection
	case remotedebug.IsQueryError(err):
		return errorCodeQuery
	default:
		return errorCodeGeneric
	}
}
