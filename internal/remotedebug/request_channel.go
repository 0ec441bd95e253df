/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package remotedebug

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/microsoft/builddbg/pkg/concurrency"
	"github.com/microsoft/builddbg/pkg/resiliency"
)

const defaultDialInterval = 200 * time.Millisecond

// RequestChannel is the outbound connection used to send commands to the build engine.
// The connection is dialed by this side. Every command is written as a single line while holding
// a connection-scoped lock, so concurrent senders never interleave partial lines.
type RequestChannel struct {
	address      string
	dialAttempts int
	dialInterval time.Duration
	log          logr.Logger

	// writeLock serializes writers. It is context-aware so a sender can give up waiting.
	writeLock *concurrency.ContextAwareLock

	// stateLock protects conn, writer, and closed.
	stateLock sync.Mutex
	conn      net.Conn
	writer    *bufio.Writer
	closed    bool
}

func NewRequestChannel(address string, dialAttempts int, log logr.Logger) *RequestChannel {
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	return &RequestChannel{
		address:      address,
		dialAttempts: dialAttempts,
		dialInterval: defaultDialInterval,
		log:          log,
		writeLock:    concurrency.NewContextAwareLock(),
	}
}

// Connect dials the request address. Dialing is attempted at most dialAttempts times.
// Calling Connect on a connected channel is a no-op.
func (rc *RequestChannel) Connect(ctx context.Context) error {
	rc.stateLock.Lock()
	closed, connected := rc.closed, rc.conn != nil
	rc.stateLock.Unlock()
	if closed {
		return ErrChannelClosed
	}
	if connected {
		return nil
	}

	var d net.Dialer
	attempt := 0
	conn, dialErr := resiliency.RetryGet(ctx, resiliency.LimitedAttempts(rc.dialAttempts, rc.dialInterval), func() (net.Conn, error) {
		attempt++
		c, err := d.DialContext(ctx, "tcp", rc.address)
		if err != nil {
			rc.log.V(1).Info("Could not connect to build engine request port", "address", rc.address, "attempt", attempt, "error", err.Error())
		}
		return c, err
	})
	if dialErr != nil {
		return fmt.Errorf("failed to connect to build engine request port %s: %w", rc.address, dialErr)
	}

	rc.stateLock.Lock()
	defer rc.stateLock.Unlock()
	if rc.closed {
		_ = conn.Close()
		return ErrChannelClosed
	}
	if rc.conn != nil {
		// Lost a race with another Connect() call.
		_ = conn.Close()
		return nil
	}
	rc.conn = conn
	rc.writer = bufio.NewWriter(conn)
	rc.log.V(1).Info("Connected to build engine request port", "address", rc.address)
	return nil
}

// Send writes a single command line. It fails immediately if the channel is not connected;
// commands are never queued or retried.
func (rc *RequestChannel) Send(ctx context.Context, command string) error {
	sendErr := rc.writeLock.WithLock(ctx, func() error {
		rc.stateLock.Lock()
		conn, writer, closed := rc.conn, rc.writer, rc.closed
		rc.stateLock.Unlock()

		switch {
		case closed:
			return ErrChannelClosed
		case conn == nil:
			return ErrNotConnected
		}

		if deadline, hasDeadline := ctx.Deadline(); hasDeadline {
			_ = conn.SetWriteDeadline(deadline)
			defer func() { _ = conn.SetWriteDeadline(time.Time{}) }()
		}

		if _, writeErr := writer.WriteString(command + "\n"); writeErr != nil {
			return writeErr
		}
		return writer.Flush()
	})
	if sendErr != nil {
		return fmt.Errorf("could not send command '%s': %w", command, sendErr)
	}

	rc.log.V(1).Info("Sent command", "command", command)
	return nil
}

// IsConnected reports whether the channel has an open connection.
func (rc *RequestChannel) IsConnected() bool {
	rc.stateLock.Lock()
	defer rc.stateLock.Unlock()
	return rc.conn != nil && !rc.closed
}

// Close closes the connection. Senders blocked on a write are released with an error.
// Calling Close more than once is a no-op.
func (rc *RequestChannel) Close() error {
	rc.stateLock.Lock()
	defer rc.stateLock.Unlock()

	if rc.closed {
		return nil
	}
	rc.closed = true

	conn := rc.conn
	rc.conn = nil
	rc.writer = nil
	if conn == nil {
		return nil
	}
	return conn.Close()
}
