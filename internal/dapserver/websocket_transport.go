// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package dapserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/go-dap"
	"github.com/gorilla/websocket"
)

const (
	webSocketCloseTimeout      = 100 * time.Millisecond
	webSocketReadHeaderTimeout = 10 * time.Second
)

// websocketTransport carries one DAP message per WebSocket text message.
// Messages are plain JSON, without the Content-Length header used on streams.
type websocketTransport struct {
	conn      *websocket.Conn
	writeLock sync.Mutex
	closed    atomic.Bool
}

func NewWebSocketTransport(conn *websocket.Conn) Transport {
	return &websocketTransport{conn: conn}
}

func (t *websocketTransport) ReadMessage() (dap.Message, error) {
	for {
		msgType, data, readErr := t.conn.ReadMessage()
		if readErr != nil {
			if t.closed.Load() {
				return nil, ErrTransportClosed
			}
			if websocket.IsCloseError(readErr, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, io.EOF
			}
			return nil, fmt.Errorf("failed to read DAP message: %w", readErr)
		}

		// Ping, pong and close frames are handled by the websocket library.
		if msgType != websocket.TextMessage {
			continue
		}

		msg, decodeErr := dap.DecodeProtocolMessage(data)
		if decodeErr != nil {
			return nil, fmt.Errorf("failed to decode DAP message: %w", decodeErr)
		}
		return msg, nil
	}
}

func (t *websocketTransport) WriteMessage(msg dap.Message) error {
	if t.closed.Load() {
		return ErrTransportClosed
	}

	payload, marshalErr := json.Marshal(msg)
	if marshalErr != nil {
		return fmt.Errorf("failed to encode DAP message: %w", marshalErr)
	}

	t.writeLock.Lock()
	defer t.writeLock.Unlock()
	if writeErr := t.conn.WriteMessage(websocket.TextMessage, payload); writeErr != nil {
		return fmt.Errorf("failed to write DAP message: %w", writeErr)
	}
	return nil
}

func (t *websocketTransport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}

	// Best effort, the peer may be gone already.
	_ = t.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(webSocketCloseTimeout),
	)
	return t.conn.Close()
}

// AcceptWebSocket serves HTTP on the listener until an IDE connects with a WebSocket upgrade request,
// and returns a Transport for that connection. Only one connection is accepted.
// The listener is closed when AcceptWebSocket returns.
func AcceptWebSocket(ctx context.Context, listener net.Listener, log logr.Logger) (Transport, error) {
	if log.GetSink() == nil {
		log = logr.Discard()
	}

	conns := make(chan *websocket.Conn, 1)
	var accepted atomic.Bool
	upgrader := websocket.Upgrader{}

	server := &http.Server{
		ReadHeaderTimeout: webSocketReadHeaderTimeout,
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !accepted.CompareAndSwap(false, true) {
				http.Error(w, "a debug client is already connected", http.StatusConflict)
				return
			}

			conn, upgradeErr := upgrader.Upgrade(w, r, nil)
			if upgradeErr != nil {
				// The upgrader has already responded with an error status.
				log.V(1).Info("WebSocket upgrade failed", "remoteAddress", r.RemoteAddr, "error", upgradeErr.Error())
				accepted.Store(false)
				return
			}
			conns <- conn
		}),
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Serve(listener) }()
	// Hijacked connections are not closed by the server.
	defer server.Close()

	select {
	case conn := <-conns:
		log.V(1).Info("IDE connected over WebSocket", "remoteAddress", conn.RemoteAddr().String())
		return NewWebSocketTransport(conn), nil

	case <-ctx.Done():
		select {
		case conn := <-conns:
			_ = conn.Close()
		default:
		}
		return nil, ctx.Err()

	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			err = net.ErrClosed
		}
		return nil, fmt.Errorf("failed to accept DAP WebSocket connection: %w", err)
	}
}
