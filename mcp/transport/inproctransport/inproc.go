// Package inproctransport provides a pair of in-memory transports whose Send
// delivers to the peer's message handler. It backs protocol and client tests
// and embedded tool servers that live in the same process.
package inproctransport

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/opencellcw/ulf-warden-sub003/mcp/transport"
)

// Transport is one half of an in-process pair.
type Transport struct {
	mu             sync.RWMutex
	peer           *Transport
	messageHandler func(ctx context.Context, message *transport.BaseJsonRpcMessage)
	errorHandler   func(error)
	closeHandler   func()
	closed         bool
}

// Pair creates two connected transports. Messages sent on one are delivered
// synchronously to the other's message handler.
func Pair() (*Transport, *Transport) {
	a := &Transport{}
	b := &Transport{}
	a.peer = b
	b.peer = a
	return a, b
}

func (t *Transport) Start(ctx context.Context) error {
	return nil
}

// Send delivers the message to the peer. Delivery is synchronous; the peer's
// handler runs on the caller's goroutine.
func (t *Transport) Send(ctx context.Context, message *transport.BaseJsonRpcMessage) error {
	t.mu.RLock()
	closed := t.closed
	t.mu.RUnlock()
	if closed {
		return errors.New("transport is closed")
	}

	t.peer.mu.RLock()
	handler := t.peer.messageHandler
	t.peer.mu.RUnlock()
	if handler == nil {
		return errors.New("peer has no message handler")
	}
	handler(ctx, message)
	return nil
}

// Close closes this half and notifies both close handlers.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	closeHandler := t.closeHandler
	t.mu.Unlock()

	if closeHandler != nil {
		closeHandler()
	}

	t.peer.mu.Lock()
	peerClosed := t.peer.closed
	t.peer.closed = true
	peerCloseHandler := t.peer.closeHandler
	t.peer.mu.Unlock()

	if !peerClosed && peerCloseHandler != nil {
		peerCloseHandler()
	}
	return nil
}

func (t *Transport) SetCloseHandler(handler func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closeHandler = handler
}

func (t *Transport) SetErrorHandler(handler func(error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.errorHandler = handler
}

func (t *Transport) SetMessageHandler(handler func(ctx context.Context, message *transport.BaseJsonRpcMessage)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.messageHandler = handler
}

var _ transport.Transport = (*Transport)(nil)
