// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package dapserver

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/google/go-dap"
)

var ErrTransportClosed = errors.New("transport is closed")

// Transport carries DAP messages between the IDE and the server.
// WriteMessage may be called from multiple goroutines; ReadMessage is called from one goroutine only.
type Transport interface {
	// ReadMessage blocks until the next complete DAP message is available.
	ReadMessage() (dap.Message, error)

	WriteMessage(msg dap.Message) error

	// Close releases the underlying streams. Blocked reads and writes return with an error.
	Close() error
}

type streamTransport struct {
	reader  *bufio.Reader
	writer  *bufio.Writer
	closers []io.Closer

	writeLock sync.Mutex

	closed    bool
	stateLock sync.Mutex
}

// NewConnTransport creates a Transport that reads and writes DAP messages over a network connection.
func NewConnTransport(conn net.Conn) Transport {
	return &streamTransport{
		reader:  bufio.NewReader(conn),
		writer:  bufio.NewWriter(conn),
		closers: []io.Closer{conn},
	}
}

// NewStdioTransport creates a Transport over a pair of streams, typically the process stdin and stdout.
func NewStdioTransport(stdin io.ReadCloser, stdout io.WriteCloser) Transport {
	return &streamTransport{
		reader:  bufio.NewReader(stdin),
		writer:  bufio.NewWriter(stdout),
		closers: []io.Closer{stdin, stdout},
	}
}

func (t *streamTransport) isClosed() bool {
	t.stateLock.Lock()
	defer t.stateLock.Unlock()
	return t.closed
}

func (t *streamTransport) ReadMessage() (dap.Message, error) {
	if t.isClosed() {
		return nil, ErrTransportClosed
	}

	msg, readErr := dap.ReadProtocolMessage(t.reader)
	if readErr != nil {
		if t.isClosed() {
			return nil, ErrTransportClosed
		}
		return nil, fmt.Errorf("failed to read DAP message: %w", readErr)
	}

	return msg, nil
}

func (t *streamTransport) WriteMessage(msg dap.Message) error {
	if t.isClosed() {
		return ErrTransportClosed
	}

	t.writeLock.Lock()
	defer t.writeLock.Unlock()

	if writeErr := dap.WriteProtocolMessage(t.writer, msg); writeErr != nil {
		return fmt.Errorf("failed to write DAP message: %w", writeErr)
	}
	if flushErr := t.writer.Flush(); flushErr != nil {
		return fmt.Errorf("failed to flush DAP message: %w", flushErr)
	}

	return nil
}

func (t *streamTransport) Close() error {
	t.stateLock.Lock()
	defer t.stateLock.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true

	var closeErr error
	for _, c := range t.closers {
		closeErr = errors.Join(closeErr, c.Close())
	}
	return closeErr
}
