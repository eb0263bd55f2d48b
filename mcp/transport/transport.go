// Package transport defines the JSON-RPC message framing and the transport
// abstraction shared by the stdio and SSE transports. Both transports expose
// the same surface to the protocol layer, so the connection manager treats
// them identically.
package transport

import (
	"context"
	"encoding/json"
)

// RequestId is a JSON-RPC request identifier.
type RequestId int64

// JsonRpcBody is any marshalable result payload.
type JsonRpcBody any

// BaseJSONRPCRequest is an outgoing or incoming request with an ID.
type BaseJSONRPCRequest struct {
	Jsonrpc string          `json:"jsonrpc"`
	Id      RequestId       `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// BaseJSONRPCNotification is a one-way message without an ID.
type BaseJSONRPCNotification struct {
	Jsonrpc string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// BaseJSONRPCResponse is a successful response correlated by ID.
type BaseJSONRPCResponse struct {
	Jsonrpc string          `json:"jsonrpc"`
	Id      RequestId       `json:"id"`
	Result  json.RawMessage `json:"result"`
}

// BaseJSONRPCErrorInner carries the error payload of an error response.
type BaseJSONRPCErrorInner struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// BaseJSONRPCError is an error response correlated by ID.
type BaseJSONRPCError struct {
	Jsonrpc string                `json:"jsonrpc"`
	Id      RequestId             `json:"id"`
	Error   BaseJSONRPCErrorInner `json:"error"`
}

// BaseMessageType discriminates the variants of BaseJsonRpcMessage.
type BaseMessageType string

const (
	BaseMessageTypeJSONRPCRequestType      BaseMessageType = "request"
	BaseMessageTypeJSONRPCNotificationType BaseMessageType = "notification"
	BaseMessageTypeJSONRPCResponseType     BaseMessageType = "response"
	BaseMessageTypeJSONRPCErrorType        BaseMessageType = "error"
)

// BaseJsonRpcMessage is a tagged union over the four JSON-RPC message kinds.
type BaseJsonRpcMessage struct {
	Type                BaseMessageType
	JsonRpcRequest      *BaseJSONRPCRequest
	JsonRpcNotification *BaseJSONRPCNotification
	JsonRpcResponse     *BaseJSONRPCResponse
	JsonRpcError        *BaseJSONRPCError
}

// NewBaseMessageRequest wraps a request.
func NewBaseMessageRequest(request *BaseJSONRPCRequest) *BaseJsonRpcMessage {
	return &BaseJsonRpcMessage{
		Type:           BaseMessageTypeJSONRPCRequestType,
		JsonRpcRequest: request,
	}
}

// NewBaseMessageNotification wraps a notification.
func NewBaseMessageNotification(notification *BaseJSONRPCNotification) *BaseJsonRpcMessage {
	return &BaseJsonRpcMessage{
		Type:                BaseMessageTypeJSONRPCNotificationType,
		JsonRpcNotification: notification,
	}
}

// NewBaseMessageResponse wraps a response.
func NewBaseMessageResponse(response *BaseJSONRPCResponse) *BaseJsonRpcMessage {
	return &BaseJsonRpcMessage{
		Type:            BaseMessageTypeJSONRPCResponseType,
		JsonRpcResponse: response,
	}
}

// NewBaseMessageError wraps an error response.
func NewBaseMessageError(errResp *BaseJSONRPCError) *BaseJsonRpcMessage {
	return &BaseJsonRpcMessage{
		Type:         BaseMessageTypeJSONRPCErrorType,
		JsonRpcError: errResp,
	}
}

// MarshalJSON emits the wrapped message without the envelope.
func (m *BaseJsonRpcMessage) MarshalJSON() ([]byte, error) {
	switch m.Type {
	case BaseMessageTypeJSONRPCRequestType:
		return json.Marshal(m.JsonRpcRequest)
	case BaseMessageTypeJSONRPCNotificationType:
		return json.Marshal(m.JsonRpcNotification)
	case BaseMessageTypeJSONRPCResponseType:
		return json.Marshal(m.JsonRpcResponse)
	default:
		return json.Marshal(m.JsonRpcError)
	}
}

// Deserialize decodes a raw JSON-RPC frame into the tagged union. The variant
// is decided structurally: presence of a method selects request/notification,
// presence of an error object selects the error variant.
func Deserialize(body []byte) (*BaseJsonRpcMessage, error) {
	var probe struct {
		Id     *RequestId      `json:"id"`
		Method string          `json:"method"`
		Error  json.RawMessage `json:"error"`
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return nil, err
	}

	switch {
	case probe.Method != "" && probe.Id != nil:
		var request BaseJSONRPCRequest
		if err := json.Unmarshal(body, &request); err != nil {
			return nil, err
		}
		return NewBaseMessageRequest(&request), nil
	case probe.Method != "":
		var notification BaseJSONRPCNotification
		if err := json.Unmarshal(body, &notification); err != nil {
			return nil, err
		}
		return NewBaseMessageNotification(&notification), nil
	case len(probe.Error) > 0:
		var errResp BaseJSONRPCError
		if err := json.Unmarshal(body, &errResp); err != nil {
			return nil, err
		}
		return NewBaseMessageError(&errResp), nil
	default:
		var response BaseJSONRPCResponse
		if err := json.Unmarshal(body, &response); err != nil {
			return nil, err
		}
		return NewBaseMessageResponse(&response), nil
	}
}

// Transport is a bidirectional JSON-RPC message channel. Implementations own
// their underlying session exclusively; callers interact only through Send
// and the registered handlers.
type Transport interface {
	// Start begins processing messages, including any connection handshake.
	Start(ctx context.Context) error

	// Send delivers one JSON-RPC message.
	Send(ctx context.Context, message *BaseJsonRpcMessage) error

	// Close tears down the session. Close is idempotent.
	Close() error

	// SetCloseHandler sets the callback for when the connection is closed for
	// any reason. It is invoked when Close is called as well.
	SetCloseHandler(handler func())

	// SetErrorHandler sets the callback for out-of-band errors. Errors are
	// not necessarily fatal.
	SetErrorHandler(handler func(error))

	// SetMessageHandler sets the callback for received messages.
	SetMessageHandler(handler func(ctx context.Context, message *BaseJsonRpcMessage))
}
