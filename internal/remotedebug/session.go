/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package remotedebug

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/go-logr/logr"

	"github.com/microsoft/builddbg/pkg/osutil"
)

const (
	// Overrides the default stack/properties query timeout (in seconds).
	BUILDDBG_QUERY_TIMEOUT_SECONDS = "BUILDDBG_QUERY_TIMEOUT_SECONDS"

	// Overrides the default number of attempts made to connect to the build engine request port.
	BUILDDBG_DIAL_ATTEMPTS = "BUILDDBG_DIAL_ATTEMPTS"

	defaultDialAttempts = 1
)

// SessionConfig contains the configuration for a debug session.
type SessionConfig struct {
	TargetConfig

	// EventAddress is the local address to listen on for the build engine event connection.
	// Use port 0 to pick a free port; the chosen address is available from Session.EventAddress().
	EventAddress string

	// RequestAddress is the address of the build engine request port. It is dialed when the build starts.
	RequestAddress string

	// DialAttempts is the maximum number of attempts to connect to the request port.
	// Defaults to BUILDDBG_DIAL_ATTEMPTS, or 1 (no retry).
	DialAttempts int
}

// Applies environment overrides and defaults to unset fields.
func (c *SessionConfig) setDefaults() {
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = osutil.EnvVarSecondsWithDefault(BUILDDBG_QUERY_TIMEOUT_SECONDS, DefaultQueryTimeout)
	}
	if c.DialAttempts <= 0 {
		c.DialAttempts = osutil.EnvVarIntValWithDefault(BUILDDBG_DIAL_ATTEMPTS, defaultDialAttempts)
	}
}

// Session owns the connections to a build engine running in debug mode, and the target they drive.
//
// The build engine connects to the event address; a single connection is accepted and read by one
// goroutine (Run). When that connection ends, or Shutdown() is called, the session is torn down:
// connections are closed and the target is terminated.
type Session struct {
	target   *Target
	requests *RequestChannel
	log      logr.Logger
	done     chan struct{}

	// Closed when the teardown, including target termination, has completed.
	teardownDone chan struct{}

	lock     sync.Mutex
	listener net.Listener
	conn     net.Conn
	closed   bool
	running  bool
}

// NewSession starts listening on the event address and creates the session target.
func NewSession(config SessionConfig) (*Session, error) {
	config.setDefaults()

	log := config.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}

	listener, listenErr := net.Listen("tcp", config.EventAddress)
	if listenErr != nil {
		return nil, fmt.Errorf("failed to listen for build engine events on %s: %w", config.EventAddress, listenErr)
	}

	requests := NewRequestChannel(config.RequestAddress, config.DialAttempts, log.WithName("requests"))
	target := newTarget(config.TargetConfig, requests)

	s := &Session{
		target:   target,
		requests: requests,
		log:      target.log,
		done:     make(chan struct{}),
		listener: listener,

		teardownDone: make(chan struct{}),
	}
	// Runs inside target.terminate(), so it must not wait for the teardown to complete.
	target.onTerminated = func() {
		if shutdownErr := s.shutdown(false); shutdownErr != nil {
			s.log.V(1).Info("Debug session shutdown reported an error", "error", shutdownErr.Error())
		}
	}

	s.log.V(1).Info("Waiting for build engine to connect", "eventAddress", listener.Addr().String(), "requestAddress", config.RequestAddress)
	return s, nil
}

func (s *Session) Target() *Target {
	return s.target
}

// EventAddress returns the address the session listens on for the event connection.
func (s *Session) EventAddress() net.Addr {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Done returns a channel that is closed when the session has been shut down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Run accepts the event connection and processes events until the connection ends, ctx is cancelled,
// or the session is shut down. The session is always shut down when Run returns.
// Run may be called only once.
func (s *Session) Run(ctx context.Context) error {
	s.lock.Lock()
	if s.closed {
		s.lock.Unlock()
		return ErrSessionClosed
	}
	if s.running {
		s.lock.Unlock()
		return fmt.Errorf("debug session is already running")
	}
	s.running = true
	listener := s.listener
	s.lock.Unlock()

	stopShutdownOnCancel := context.AfterFunc(ctx, func() {
		s.log.V(1).Info("Context cancelled, shutting down")
		_ = s.Shutdown()
	})
	defer stopShutdownOnCancel()

	conn, acceptErr := listener.Accept()
	if acceptErr != nil {
		shutdownErr := s.Shutdown()
		if errors.Is(acceptErr, net.ErrClosed) {
			// Shut down while waiting for the build engine.
			return shutdownErr
		}
		return errors.Join(fmt.Errorf("failed to accept build engine event connection: %w", acceptErr), shutdownErr)
	}

	s.lock.Lock()
	if s.closed {
		s.lock.Unlock()
		_ = conn.Close()
		return s.Shutdown()
	}
	s.conn = conn
	s.lock.Unlock()

	s.log.V(1).Info("Build engine connected", "remoteAddress", conn.RemoteAddr().String())

	readErr := newEventReader(conn, s.log).readEvents(ctx, s.target.handleEvent)
	if errors.Is(readErr, net.ErrClosed) {
		// The connection was closed by Shutdown().
		readErr = nil
	} else if readErr != nil {
		s.log.Error(readErr, "Event connection failed")
	} else {
		s.log.V(1).Info("Build engine closed the event connection")
	}

	return errors.Join(readErr, s.Shutdown())
}

// Shutdown closes the connections and terminates the target.
// It is safe to call Shutdown more than once, from any goroutine. Calls after the first do nothing
// but wait until the teardown started by the first call has completed.
func (s *Session) Shutdown() error {
	return s.shutdown(true)
}

// terminateTarget is false when the target is already terminating and has called back into the session.
func (s *Session) shutdown(terminateTarget bool) error {
	s.lock.Lock()
	if s.closed {
		s.lock.Unlock()
		if terminateTarget {
			<-s.teardownDone
		}
		return nil
	}
	s.closed = true
	listener, conn := s.listener, s.conn
	s.listener, s.conn = nil, nil
	s.lock.Unlock()

	var errs []error
	if conn != nil {
		if closeErr := conn.Close(); closeErr != nil && !errors.Is(closeErr, net.ErrClosed) {
			errs = append(errs, fmt.Errorf("failed to close event connection: %w", closeErr))
		}
	}
	if closeErr := s.requests.Close(); closeErr != nil && !errors.Is(closeErr, net.ErrClosed) {
		errs = append(errs, fmt.Errorf("failed to close request connection: %w", closeErr))
	}
	if listener != nil {
		if closeErr := listener.Close(); closeErr != nil && !errors.Is(closeErr, net.ErrClosed) {
			errs = append(errs, fmt.Errorf("failed to close event listener: %w", closeErr))
		}
	}
	close(s.done)

	if terminateTarget {
		if terminateErr := s.target.terminate(); terminateErr != nil {
			errs = append(errs, terminateErr)
		}
	}

	close(s.teardownDone)
	s.log.V(1).Info("Debug session shut down")
	return errors.Join(errs...)
}
