// Package protocol implements the client side of JSON-RPC framing on top of
// a pluggable transport: request/response correlation, per-request timeouts,
// cancellation notifications and one-way notifications. All methods are safe
// for concurrent use; responses are matched to requests through per-ID
// channels so concurrent callers never block one another.
package protocol

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/xlog"

	"github.com/opencellcw/ulf-warden-sub003/mcp/transport"
)

var logger = xlog.NewPackageLogger("github.com/opencellcw/ulf-warden-sub003", "protocol")

// DefaultRequestTimeout bounds a request when the caller supplies none.
const DefaultRequestTimeout = 60 * time.Second

// RequestOptions contains options that can be given per request.
type RequestOptions struct {
	// Timeout bounds this request. Defaults to DefaultRequestTimeout.
	Timeout time.Duration
}

// Protocol correlates JSON-RPC requests with their responses over a
// transport.
type Protocol struct {
	mu        sync.RWMutex
	transport transport.Transport

	requestMessageID transport.RequestId
	// Maps message ID to the channel awaiting its response.
	responseHandlers map[transport.RequestId]chan *responseEnvelope
	// Maps method name to notification handler.
	notificationHandlers map[string]func(notification *transport.BaseJSONRPCNotification)

	// OnClose is invoked when the connection is closed for any reason.
	OnClose func()
	// OnError is invoked for out-of-band transport errors.
	OnError func(error)
}

type responseEnvelope struct {
	result json.RawMessage
	err    error
}

// New creates a Protocol instance not yet attached to a transport.
func New() *Protocol {
	return &Protocol{
		responseHandlers:     make(map[transport.RequestId]chan *responseEnvelope),
		notificationHandlers: make(map[string]func(*transport.BaseJSONRPCNotification)),
	}
}

// Connect attaches to the transport, starts it and begins listening.
func (p *Protocol) Connect(ctx context.Context, tr transport.Transport) error {
	p.mu.Lock()
	p.transport = tr
	p.mu.Unlock()

	tr.SetCloseHandler(p.handleClose)
	tr.SetErrorHandler(p.handleError)
	tr.SetMessageHandler(func(ctx context.Context, message *transport.BaseJsonRpcMessage) {
		switch message.Type {
		case transport.BaseMessageTypeJSONRPCResponseType:
			p.handleResponse(message.JsonRpcResponse, nil)
		case transport.BaseMessageTypeJSONRPCErrorType:
			p.handleResponse(nil, message.JsonRpcError)
		case transport.BaseMessageTypeJSONRPCNotificationType:
			p.handleNotification(message.JsonRpcNotification)
		case transport.BaseMessageTypeJSONRPCRequestType:
			// Server-initiated requests are not part of the invocation
			// surface; answer with method-not-found so well-behaved servers
			// can move on.
			p.rejectRequest(ctx, message.JsonRpcRequest)
		}
	})

	return tr.Start(ctx)
}

// Close closes the underlying transport.
func (p *Protocol) Close() error {
	p.mu.RLock()
	tr := p.transport
	p.mu.RUnlock()
	if tr != nil {
		return tr.Close()
	}
	return nil
}

// Request sends a request and waits for the matching response.
func (p *Protocol) Request(ctx context.Context, method string, params any, opts *RequestOptions) (json.RawMessage, error) {
	p.mu.Lock()
	tr := p.transport
	if tr == nil {
		p.mu.Unlock()
		return nil, errors.New("not connected")
	}
	id := p.requestMessageID
	p.requestMessageID++
	ch := make(chan *responseEnvelope, 1)
	p.responseHandlers[id] = ch
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.responseHandlers, id)
		p.mu.Unlock()
	}()

	timeout := DefaultRequestTimeout
	if opts != nil && opts.Timeout > 0 {
		timeout = opts.Timeout
	}

	marshalled, err := json.Marshal(params)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal params")
	}

	request := &transport.BaseJSONRPCRequest{
		Jsonrpc: "2.0",
		Method:  method,
		Params:  marshalled,
		Id:      id,
	}
	if err := tr.Send(ctx, transport.NewBaseMessageRequest(request)); err != nil {
		return nil, errors.Wrap(err, "failed to send request")
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case envelope := <-ch:
		if envelope.err != nil {
			return nil, envelope.err
		}
		return envelope.result, nil
	case <-ctx.Done():
		p.sendCancelled(id, ctx.Err().Error())
		return nil, ctx.Err()
	case <-timer.C:
		p.sendCancelled(id, "request timeout")
		return nil, errors.Errorf("request timeout after %v", timeout)
	}
}

// Notification emits a one-way message that does not expect a response.
func (p *Protocol) Notification(ctx context.Context, method string, params any) error {
	p.mu.RLock()
	tr := p.transport
	p.mu.RUnlock()
	if tr == nil {
		return errors.New("not connected")
	}

	marshalled, err := json.Marshal(params)
	if err != nil {
		return errors.Wrap(err, "failed to marshal notification params")
	}

	notification := &transport.BaseJSONRPCNotification{
		Jsonrpc: "2.0",
		Method:  method,
		Params:  marshalled,
	}
	return tr.Send(ctx, transport.NewBaseMessageNotification(notification))
}

// SetNotificationHandler registers a handler for the given method.
func (p *Protocol) SetNotificationHandler(method string, handler func(notification *transport.BaseJSONRPCNotification)) {
	p.mu.Lock()
	p.notificationHandlers[method] = handler
	p.mu.Unlock()
}

func (p *Protocol) handleResponse(response *transport.BaseJSONRPCResponse, errResp *transport.BaseJSONRPCError) {
	var id transport.RequestId
	var result json.RawMessage
	var err error

	if errResp != nil {
		id = errResp.Id
		err = errors.Errorf("RPC error %d: %s", errResp.Error.Code, errResp.Error.Message)
	} else {
		id = response.Id
		result = response.Result
	}

	p.mu.RLock()
	ch := p.responseHandlers[id]
	p.mu.RUnlock()

	if ch != nil {
		ch <- &responseEnvelope{result: result, err: err}
	}
}

func (p *Protocol) handleNotification(notification *transport.BaseJSONRPCNotification) {
	logger.KV(xlog.DEBUG, "method", notification.Method)

	p.mu.RLock()
	handler := p.notificationHandlers[notification.Method]
	p.mu.RUnlock()

	if handler != nil {
		handler(notification)
	}
}

func (p *Protocol) handleClose() {
	p.mu.Lock()
	for id, ch := range p.responseHandlers {
		select {
		case ch <- &responseEnvelope{err: errors.New("connection closed")}:
		default:
		}
		delete(p.responseHandlers, id)
	}
	onClose := p.OnClose
	p.mu.Unlock()

	if onClose != nil {
		onClose()
	}
}

func (p *Protocol) handleError(err error) {
	if p.OnError != nil {
		p.OnError(err)
	}
}

func (p *Protocol) rejectRequest(ctx context.Context, request *transport.BaseJSONRPCRequest) {
	p.mu.RLock()
	tr := p.transport
	p.mu.RUnlock()
	if tr == nil {
		return
	}

	response := &transport.BaseJSONRPCError{
		Jsonrpc: "2.0",
		Id:      request.Id,
		Error: transport.BaseJSONRPCErrorInner{
			Code:    -32601,
			Message: "method not found: " + request.Method,
		},
	}
	if err := tr.Send(ctx, transport.NewBaseMessageError(response)); err != nil {
		p.handleError(errors.Wrap(err, "failed to reject request"))
	}
}

func (p *Protocol) sendCancelled(id transport.RequestId, reason string) {
	params := map[string]any{
		"requestId": id,
		"reason":    reason,
	}
	if err := p.Notification(context.Background(), "notifications/cancelled", params); err != nil {
		p.handleError(err)
	}
}
