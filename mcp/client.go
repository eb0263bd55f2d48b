// Package mcp implements the client for external tool servers speaking the
// Model Context Protocol: the initialize handshake, capability discovery,
// tool invocation and liveness probing. The client is transport-agnostic;
// both the stdio subprocess and SSE remote-stream transports expose the same
// operations to the connection manager.
package mcp

import (
	"context"
	"encoding/json"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/opencellcw/ulf-warden-sub003/mcp/internal/protocol"
	"github.com/opencellcw/ulf-warden-sub003/mcp/transport"
)

// ProtocolVersion is the protocol release this client speaks. Servers may
// accept a range of versions.
const ProtocolVersion = "2024-11-05"

// ClientInfo describes the calling application during the handshake.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ServerInfo is the server metadata captured during the handshake.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Options control client construction.
type Options struct {
	ClientInfo      ClientInfo
	ProtocolVersion string
	// RequestTimeout bounds each request.
	// Defaults to protocol.DefaultRequestTimeout.
	RequestTimeout time.Duration
}

// ToolDefinition mirrors the subset of the tool schema the invocation core
// requires.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// Content is a single typed item of a tool invocation result. Type decides
// which fields carry the payload: "text" uses Text; "image" and "audio" use
// Data/MimeType or URI; "resource" and "resource_link" use Resource or URI.
type Content struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	Data     string          `json:"data,omitempty"`
	MimeType string          `json:"mimeType,omitempty"`
	URI      string          `json:"uri,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
}

// CallResult is the structured output of a tool invocation. IsError marks a
// failure the server reported after running the tool, as opposed to a
// transport-level fault.
type CallResult struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
}

// Text concatenates the text items of the result, joined with newlines.
func (r *CallResult) Text() string {
	var segments []string
	for _, item := range r.Content {
		if item.Type != "text" {
			continue
		}
		if trimmed := strings.TrimSpace(item.Text); trimmed != "" {
			segments = append(segments, trimmed)
		}
	}
	return strings.Join(segments, "\n")
}

// Client speaks the protocol over one transport session.
type Client struct {
	proto      *protocol.Protocol
	info       ClientInfo
	protoVer   string
	timeout    time.Duration
	serverInfo ServerInfo
	closed     atomic.Bool
}

// NewClient connects the transport and performs the initialize handshake.
// The transport is closed if the handshake fails.
func NewClient(ctx context.Context, tr transport.Transport, opts Options) (*Client, error) {
	if tr == nil {
		return nil, errors.New("transport is required")
	}

	info := opts.ClientInfo
	if info.Name == "" {
		info.Name = "ulf-warden"
	}
	if info.Version == "" {
		info.Version = "dev"
	}
	protoVer := opts.ProtocolVersion
	if protoVer == "" {
		protoVer = ProtocolVersion
	}

	c := &Client{
		proto:    protocol.New(),
		info:     info,
		protoVer: protoVer,
		timeout:  opts.RequestTimeout,
	}

	if err := c.proto.Connect(ctx, tr); err != nil {
		return nil, errors.Wrap(err, "failed to connect transport")
	}
	if err := c.initialize(ctx); err != nil {
		_ = c.proto.Close()
		return nil, err
	}
	return c, nil
}

// Server returns the handshake metadata of the remote server.
func (c *Client) Server() ServerInfo {
	return c.serverInfo
}

// SetOnClose registers a callback invoked when the session ends for any
// reason, including the server going away.
func (c *Client) SetOnClose(fn func()) {
	c.proto.OnClose = fn
}

// Close releases the transport session. Close is idempotent.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.proto.Close()
}

// ListTools retrieves the complete list of tools offered by the server,
// transparently following pagination cursors.
func (c *Client) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	if err := c.ensureOpen(); err != nil {
		return nil, err
	}

	var (
		cursor string
		tools  []ToolDefinition
	)
	for {
		params := map[string]any{}
		if cursor != "" {
			params["cursor"] = cursor
		}

		var resp struct {
			Tools      []ToolDefinition `json:"tools"`
			NextCursor string           `json:"nextCursor,omitempty"`
		}
		if err := c.request(ctx, "tools/list", params, &resp); err != nil {
			return nil, err
		}

		tools = append(tools, resp.Tools...)
		if resp.NextCursor == "" {
			return tools, nil
		}
		cursor = resp.NextCursor
	}
}

// CallTool invokes a named tool with raw JSON arguments.
func (c *Client) CallTool(ctx context.Context, name string, arguments json.RawMessage) (*CallResult, error) {
	if err := c.ensureOpen(); err != nil {
		return nil, err
	}
	if name == "" {
		return nil, errors.New("tool name is required")
	}

	params := map[string]any{
		"name": name,
	}
	if len(arguments) > 0 {
		params["arguments"] = arguments
	}

	var result CallResult
	if err := c.request(ctx, "tools/call", params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Ping probes server liveness.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.ensureOpen(); err != nil {
		return err
	}
	return c.request(ctx, "ping", map[string]any{}, &struct{}{})
}

func (c *Client) initialize(ctx context.Context) error {
	params := map[string]any{
		"protocolVersion": c.protoVer,
		"clientInfo":      c.info,
		"capabilities": map[string]any{
			"tools": map[string]any{},
		},
	}

	var resp struct {
		ProtocolVersion string     `json:"protocolVersion"`
		ServerInfo      ServerInfo `json:"serverInfo"`
	}
	if err := c.request(ctx, "initialize", params, &resp); err != nil {
		return errors.WithMessage(err, "initialize handshake failed")
	}
	c.serverInfo = resp.ServerInfo

	return c.proto.Notification(ctx, "notifications/initialized", map[string]any{})
}

func (c *Client) request(ctx context.Context, method string, params any, out any) error {
	var opts *protocol.RequestOptions
	if c.timeout > 0 {
		opts = &protocol.RequestOptions{Timeout: c.timeout}
	}

	raw, err := c.proto.Request(ctx, method, params, opts)
	if err != nil {
		return err
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return errors.Wrapf(err, "failed to decode %s result", method)
		}
	}
	return nil
}

func (c *Client) ensureOpen() error {
	if c.closed.Load() {
		return errors.New("client has been closed")
	}
	return nil
}
