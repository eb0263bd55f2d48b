package mcp_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencellcw/ulf-warden-sub003/mcp"
	"github.com/opencellcw/ulf-warden-sub003/mcp/transport"
	"github.com/opencellcw/ulf-warden-sub003/mcp/transport/inproctransport"
)

// fakeServer implements the server side of the handshake and tool methods on
// the peer half of an in-process pair.
type fakeServer struct {
	tr *inproctransport.Transport

	listPages [][]mcp.ToolDefinition
	callFunc  func(name string, args json.RawMessage) (*mcp.CallResult, error)

	initialized  bool
	initializeFn func(params json.RawMessage) error
}

func newFakeServer(tr *inproctransport.Transport) *fakeServer {
	s := &fakeServer{tr: tr}
	tr.SetMessageHandler(func(ctx context.Context, message *transport.BaseJsonRpcMessage) {
		switch message.Type {
		case transport.BaseMessageTypeJSONRPCRequestType:
			go s.handle(message.JsonRpcRequest)
		case transport.BaseMessageTypeJSONRPCNotificationType:
			if message.JsonRpcNotification.Method == "notifications/initialized" {
				s.initialized = true
			}
		}
	})
	return s
}

func (s *fakeServer) respond(id transport.RequestId, result any) {
	raw, _ := json.Marshal(result)
	_ = s.tr.Send(context.Background(), transport.NewBaseMessageResponse(&transport.BaseJSONRPCResponse{
		Jsonrpc: "2.0",
		Id:      id,
		Result:  raw,
	}))
}

func (s *fakeServer) respondError(id transport.RequestId, code int, msg string) {
	_ = s.tr.Send(context.Background(), transport.NewBaseMessageError(&transport.BaseJSONRPCError{
		Jsonrpc: "2.0",
		Id:      id,
		Error:   transport.BaseJSONRPCErrorInner{Code: code, Message: msg},
	}))
}

func (s *fakeServer) handle(req *transport.BaseJSONRPCRequest) {
	switch req.Method {
	case "initialize":
		if s.initializeFn != nil {
			if err := s.initializeFn(req.Params); err != nil {
				s.respondError(req.Id, -32600, err.Error())
				return
			}
		}
		s.respond(req.Id, map[string]any{
			"protocolVersion": mcp.ProtocolVersion,
			"serverInfo":      mcp.ServerInfo{Name: "fake-server", Version: "1.0"},
		})
	case "tools/list":
		var params struct {
			Cursor string `json:"cursor"`
		}
		_ = json.Unmarshal(req.Params, &params)
		page := 0
		if params.Cursor != "" {
			_, _ = fmt.Sscanf(params.Cursor, "page-%d", &page)
		}
		resp := map[string]any{"tools": s.listPages[page]}
		if page+1 < len(s.listPages) {
			resp["nextCursor"] = fmt.Sprintf("page-%d", page+1)
		}
		s.respond(req.Id, resp)
	case "tools/call":
		var params struct {
			Name      string          `json:"name"`
			Arguments json.RawMessage `json:"arguments"`
		}
		_ = json.Unmarshal(req.Params, &params)
		result, err := s.callFunc(params.Name, params.Arguments)
		if err != nil {
			s.respondError(req.Id, -32603, err.Error())
			return
		}
		s.respond(req.Id, result)
	case "ping":
		s.respond(req.Id, map[string]any{})
	default:
		s.respondError(req.Id, -32601, "method not found")
	}
}

func newConnectedClient(t *testing.T) (*mcp.Client, *fakeServer) {
	t.Helper()
	clientTr, serverTr := inproctransport.Pair()
	server := newFakeServer(serverTr)

	client, err := mcp.NewClient(context.Background(), clientTr, mcp.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client, server
}

func TestHandshake(t *testing.T) {
	client, server := newConnectedClient(t)

	assert.Equal(t, "fake-server", client.Server().Name)
	assert.Equal(t, "1.0", client.Server().Version)
	assert.True(t, server.initialized)
}

func TestHandshakeFailureClosesTransport(t *testing.T) {
	clientTr, serverTr := inproctransport.Pair()
	server := newFakeServer(serverTr)
	server.initializeFn = func(params json.RawMessage) error {
		return fmt.Errorf("unsupported protocol version")
	}

	_, err := mcp.NewClient(context.Background(), clientTr, mcp.Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "initialize handshake failed")
}

func TestListToolsPagination(t *testing.T) {
	client, server := newConnectedClient(t)
	server.listPages = [][]mcp.ToolDefinition{
		{
			{Name: "read_file", InputSchema: json.RawMessage(`{"type":"object"}`)},
			{Name: "write_file"},
		},
		{
			{Name: "web_fetch"},
		},
	}

	tools, err := client.ListTools(context.Background())
	require.NoError(t, err)
	require.Len(t, tools, 3)
	assert.Equal(t, "read_file", tools[0].Name)
	assert.Equal(t, "web_fetch", tools[2].Name)
}

func TestCallTool(t *testing.T) {
	client, server := newConnectedClient(t)
	server.callFunc = func(name string, args json.RawMessage) (*mcp.CallResult, error) {
		assert.Equal(t, "read_file", name)
		assert.JSONEq(t, `{"path":"/tmp/x"}`, string(args))
		return &mcp.CallResult{
			Content: []mcp.Content{{Type: "text", Text: "contents"}},
		}, nil
	}

	result, err := client.CallTool(context.Background(), "read_file", json.RawMessage(`{"path":"/tmp/x"}`))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, "contents", result.Text())
}

func TestCallToolServerError(t *testing.T) {
	client, server := newConnectedClient(t)
	server.callFunc = func(name string, args json.RawMessage) (*mcp.CallResult, error) {
		return &mcp.CallResult{
			IsError: true,
			Content: []mcp.Content{{Type: "text", Text: "tool exploded"}},
		}, nil
	}

	result, err := client.CallTool(context.Background(), "read_file", nil)
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Equal(t, "tool exploded", result.Text())
}

func TestPing(t *testing.T) {
	client, _ := newConnectedClient(t)
	assert.NoError(t, client.Ping(context.Background()))
}

func TestClosedClientRejectsCalls(t *testing.T) {
	client, _ := newConnectedClient(t)
	require.NoError(t, client.Close())
	// Close is idempotent
	require.NoError(t, client.Close())

	_, err := client.ListTools(context.Background())
	assert.EqualError(t, err, "client has been closed")
	_, err = client.CallTool(context.Background(), "x", nil)
	assert.EqualError(t, err, "client has been closed")
	assert.EqualError(t, client.Ping(context.Background()), "client has been closed")
}

func TestResultText(t *testing.T) {
	r := &mcp.CallResult{
		Content: []mcp.Content{
			{Type: "text", Text: " first "},
			{Type: "image", Data: "abcd", MimeType: "image/png"},
			{Type: "text", Text: "second"},
			{Type: "text", Text: "   "},
		},
	}
	assert.Equal(t, "first\nsecond", r.Text())
}
