/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package remotedebug

import (
	"bufio"
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/net/nettest"

	"github.com/microsoft/builddbg/pkg/testutil"
)

const testTimeout = 20 * time.Second

// mockEngine plays the build engine side of the protocol: it accepts the request connection
// (recording every command) and connects to the session event port to emit events.
type mockEngine struct {
	requestListener net.Listener
	commands        chan string
	events          net.Conn
}

func newMockEngine(t *testing.T) *mockEngine {
	listener, listenErr := nettest.NewLocalListener("tcp")
	require.NoError(t, listenErr)

	m := &mockEngine{
		requestListener: listener,
		commands:        make(chan string, 100),
	}

	go func() {
		conn, acceptErr := listener.Accept()
		if acceptErr != nil {
			return
		}
		defer conn.Close()
		scanner := bufio.NewScanner(conn)
		for scanner.Scan() {
			m.commands <- scanner.Text()
		}
	}()

	t.Cleanup(func() {
		_ = listener.Close()
		if m.events != nil {
			_ = m.events.Close()
		}
	})
	return m
}

func (m *mockEngine) connect(t *testing.T, eventAddress net.Addr) {
	conn, dialErr := net.Dial("tcp", eventAddress.String())
	require.NoError(t, dialErr)
	m.events = conn
}

func (m *mockEngine) emit(t *testing.T, lines ...string) {
	for _, line := range lines {
		_, writeErr := m.events.Write([]byte(line + "\n"))
		require.NoError(t, writeErr)
	}
}

func (m *mockEngine) expectCommand(t *testing.T, ctx context.Context, want string) {
	t.Helper()
	got := testutil.Receive(t, ctx, m.commands)
	require.Equal(t, want, got)
}

func (m *mockEngine) expectNoCommand(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case cmd := <-m.commands:
		t.Fatalf("unexpected command: %s", cmd)
	case <-time.After(wait):
	}
}

type testSession struct {
	*Session
	engine        *mockEngine
	notifications chan Notification
	runErr        chan error
}

// startTestSession creates a session, connects a mock engine to it, and subscribes to notifications.
// The build has not started yet.
func startTestSession(t *testing.T, ctx context.Context, config SessionConfig) *testSession {
	engine := newMockEngine(t)

	config.EventAddress = "127.0.0.1:0"
	config.RequestAddress = engine.requestListener.Addr().String()
	if config.Logger.GetSink() == nil {
		config.Logger = testutil.NewLogForTesting(t.Name())
	}

	s, sessionErr := NewSession(config)
	require.NoError(t, sessionErr)

	ts := &testSession{
		Session:       s,
		engine:        engine,
		notifications: make(chan Notification, 64),
		runErr:        make(chan error, 1),
	}
	s.Target().Subscribe(ts.notifications)

	eventAddress := s.EventAddress()
	go func() {
		ts.runErr <- s.Run(ctx)
	}()
	engine.connect(t, eventAddress)

	t.Cleanup(func() {
		_ = s.Shutdown()
	})
	return ts
}

// waitFor returns the next notification of the given kind, skipping others.
func (ts *testSession) waitFor(t *testing.T, ctx context.Context, kind NotificationKind) Notification {
	t.Helper()
	for {
		var n Notification
		var isOpen bool
		select {
		case n, isOpen = <-ts.notifications:
		case <-ctx.Done():
			t.Fatalf("timed out waiting for %s notification", kind)
		}
		if !isOpen {
			t.Fatalf("notifications ended before %s notification", kind)
		}
		if n.Kind == kind {
			return n
		}
	}
}

type fakeProcess struct {
	terminateCalls atomic.Int32
}

func (p *fakeProcess) HasExited() bool {
	return p.terminateCalls.Load() > 0
}

func (p *fakeProcess) Terminate() error {
	p.terminateCalls.Add(1)
	return nil
}
