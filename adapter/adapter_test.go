package adapter_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/opencellcw/ulf-warden-sub003/adapter"
	"github.com/opencellcw/ulf-warden-sub003/invocation"
	"github.com/opencellcw/ulf-warden-sub003/manager"
	"github.com/opencellcw/ulf-warden-sub003/mcp"
	"github.com/opencellcw/ulf-warden-sub003/mocks/mockadapter"
	"github.com/opencellcw/ulf-warden-sub003/mocks/mocktools"
	"github.com/opencellcw/ulf-warden-sub003/ratelimit"
	"github.com/opencellcw/ulf-warden-sub003/registry"
	"github.com/opencellcw/ulf-warden-sub003/retry"
)

// echoTool is a minimal local tool used as the in-process execution path.
type echoTool struct {
	err error
}

func (t *echoTool) Name() string        { return "echo" }
func (t *echoTool) Description() string { return "Echoes the message back" }

func (t *echoTool) Parameters() any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"message": map[string]any{"type": "string"},
		},
		"required": []string{"message"},
	}
}

func (t *echoTool) Call(ctx context.Context, input string) (string, error) {
	if t.err != nil {
		return "", t.err
	}
	var req struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal([]byte(input), &req); err != nil {
		return "", err
	}
	return req.Message, nil
}

// fakeRemote implements adapter.RemoteInvoker with pluggable behavior.
type fakeRemote struct {
	invoke func(ctx context.Context, serverID, tool string, arguments json.RawMessage) (*mcp.CallResult, error)
	status []manager.ServerStatus
}

func (f *fakeRemote) Invoke(ctx context.Context, serverID, tool string, arguments json.RawMessage) (*mcp.CallResult, error) {
	return f.invoke(ctx, serverID, tool, arguments)
}

func (f *fakeRemote) Status() []manager.ServerStatus {
	return f.status
}

// recordingCallback captures the lifecycle events in order.
type recordingCallback struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingCallback) record(ev string) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recordingCallback) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recordingCallback) OnInvokeStart(ctx context.Context, id, callerID, capability, input string) {
	r.record("start:" + capability)
}

func (r *recordingCallback) OnInvokeEnd(ctx context.Context, id, callerID, capability string, res *invocation.Result) {
	r.record(fmt.Sprintf("end:%s:%s", capability, res.Status))
}

func (r *recordingCallback) OnCapabilityNotFound(ctx context.Context, callerID, capability string) {
	r.record("not_found:" + capability)
}

func (r *recordingCallback) OnRateLimited(ctx context.Context, callerID, capability string, retryAfter time.Duration) {
	r.record("rate_limited:" + capability)
}

type fixture struct {
	adapter  *adapter.Adapter
	registry *registry.Registry
	limiter  *ratelimit.Limiter
	remote   *fakeRemote
	recorder *recordingCallback
}

func newFixture(t *testing.T, limitCfg ratelimit.Config) *fixture {
	t.Helper()
	if limitCfg.Capacity == 0 {
		limitCfg = ratelimit.Config{Capacity: 100, RefillRate: 100}
	}

	f := &fixture{
		registry: registry.New(),
		limiter:  ratelimit.New(limitCfg),
		remote:   &fakeRemote{},
		recorder: &recordingCallback{},
	}
	t.Cleanup(f.limiter.Close)

	engine := retry.New(retry.WithSleep(func(ctx context.Context, d time.Duration) error {
		return nil
	}))
	f.adapter = adapter.New(f.registry, f.limiter, engine, f.remote,
		adapter.WithCallback(f.recorder))
	return f
}

func (f *fixture) registerRemote(serverID, tool string) {
	f.registry.Register(registry.Capability{
		Name:    serverID + ":" + tool,
		Origin:  registry.RemoteOrigin(serverID),
		Enabled: true,
	})
}

func TestInvokeLocalTool(t *testing.T) {
	f := newFixture(t, ratelimit.Config{})
	require.NoError(t, f.adapter.RegisterLocalTool(&echoTool{}, "internal"))

	res := f.adapter.Invoke(context.Background(), adapter.Request{
		CallerID:   "agent-1",
		Capability: "echo",
		Arguments:  json.RawMessage(`{"message":"hello"}`),
	})

	assert.Equal(t, invocation.StatusSuccess, res.Status)
	assert.NotEmpty(t, res.ID)
	assert.Equal(t, 1, res.Attempts)
	require.Len(t, res.Content, 1)
	assert.Equal(t, invocation.BlockText, res.Content[0].Kind)
	assert.Equal(t, "hello", res.Content[0].Text)

	assert.Equal(t, []string{"start:echo", "end:echo:success"}, f.recorder.Events())

	c, ok := f.registry.Lookup("echo")
	require.True(t, ok)
	assert.Equal(t, []string{"internal"}, c.SecurityTags)
}

func TestInvokeUnknownCapability(t *testing.T) {
	f := newFixture(t, ratelimit.Config{})

	res := f.adapter.Invoke(context.Background(), adapter.Request{
		CallerID:   "agent-1",
		Capability: "nope",
	})

	assert.Equal(t, invocation.StatusFailure, res.Status)
	assert.Equal(t, invocation.KindNotFound, res.ErrorKind)
	assert.NotEmpty(t, res.ID)
	assert.Equal(t, []string{"not_found:nope", "end:nope:failure"}, f.recorder.Events())
}

func TestInvokeDisabledCapability(t *testing.T) {
	f := newFixture(t, ratelimit.Config{})
	require.NoError(t, f.adapter.RegisterLocalTool(&echoTool{}))
	require.True(t, f.adapter.SetCapabilityEnabled("echo", false))

	res := f.adapter.Invoke(context.Background(), adapter.Request{
		CallerID:   "agent-1",
		Capability: "echo",
		Arguments:  json.RawMessage(`{"message":"hi"}`),
	})

	assert.Equal(t, invocation.KindNotFound, res.ErrorKind)
}

func TestInvokeInvalidArguments(t *testing.T) {
	f := newFixture(t, ratelimit.Config{})
	require.NoError(t, f.adapter.RegisterLocalTool(&echoTool{}))

	t.Run("wrong type", func(t *testing.T) {
		res := f.adapter.Invoke(context.Background(), adapter.Request{
			CallerID:   "agent-1",
			Capability: "echo",
			Arguments:  json.RawMessage(`{"message":42}`),
		})
		assert.Equal(t, invocation.StatusFailure, res.Status)
		assert.Equal(t, invocation.KindInvalidArguments, res.ErrorKind)
		assert.Zero(t, res.Attempts)
	})

	t.Run("missing required field", func(t *testing.T) {
		res := f.adapter.Invoke(context.Background(), adapter.Request{
			CallerID:   "agent-1",
			Capability: "echo",
		})
		assert.Equal(t, invocation.KindInvalidArguments, res.ErrorKind)
	})

	t.Run("malformed json", func(t *testing.T) {
		res := f.adapter.Invoke(context.Background(), adapter.Request{
			CallerID:   "agent-1",
			Capability: "echo",
			Arguments:  json.RawMessage(`{not json`),
		})
		assert.Equal(t, invocation.KindInvalidArguments, res.ErrorKind)
	})
}

func TestInvokeRateLimited(t *testing.T) {
	f := newFixture(t, ratelimit.Config{Capacity: 1, RefillRate: 0.5})
	require.NoError(t, f.adapter.RegisterLocalTool(&echoTool{}))

	args := json.RawMessage(`{"message":"hi"}`)
	first := f.adapter.Invoke(context.Background(), adapter.Request{
		CallerID: "agent-1", Capability: "echo", Arguments: args,
	})
	require.Equal(t, invocation.StatusSuccess, first.Status)

	second := f.adapter.Invoke(context.Background(), adapter.Request{
		CallerID: "agent-1", Capability: "echo", Arguments: args,
	})
	assert.Equal(t, invocation.StatusFailure, second.Status)
	assert.Equal(t, invocation.KindRateLimited, second.ErrorKind)
	assert.Greater(t, second.RetryAfter, time.Duration(0))
	assert.Contains(t, f.recorder.Events(), "rate_limited:echo")

	// An unrelated caller has its own bucket.
	third := f.adapter.Invoke(context.Background(), adapter.Request{
		CallerID: "agent-2", Capability: "echo", Arguments: args,
	})
	assert.Equal(t, invocation.StatusSuccess, third.Status)
}

func TestInvokeRemote(t *testing.T) {
	f := newFixture(t, ratelimit.Config{})
	f.registerRemote("files", "read_file")

	f.remote.invoke = func(ctx context.Context, serverID, tool string, arguments json.RawMessage) (*mcp.CallResult, error) {
		assert.Equal(t, "files", serverID)
		assert.Equal(t, "read_file", tool)
		assert.JSONEq(t, `{"path":"/etc/hosts"}`, string(arguments))
		return &mcp.CallResult{Content: []mcp.Content{
			{Type: "text", Text: "localhost"},
			{Type: "image", Data: "aWNvbg==", MimeType: "image/png"},
		}}, nil
	}

	res := f.adapter.Invoke(context.Background(), adapter.Request{
		CallerID:   "agent-1",
		Capability: "files:read_file",
		Arguments:  json.RawMessage(`{"path":"/etc/hosts"}`),
	})

	require.Equal(t, invocation.StatusSuccess, res.Status)
	require.Len(t, res.Content, 2)
	assert.Equal(t, invocation.BlockText, res.Content[0].Kind)
	assert.Equal(t, "localhost", res.Content[0].Text)
	assert.Equal(t, invocation.BlockBinary, res.Content[1].Kind)
	assert.Equal(t, "data:image/png;base64,aWNvbg==", res.Content[1].URI)
}

func TestInvokeRemoteRetried(t *testing.T) {
	f := newFixture(t, ratelimit.Config{})
	f.registerRemote("search", "web_fetch")
	f.adapter.RegisterPolicy("search:web_fetch", retry.Policy{
		MaxAttempts:       3,
		InitialDelay:      time.Millisecond,
		BackoffMultiplier: 2,
		Idempotent:        true,
	})

	calls := 0
	f.remote.invoke = func(ctx context.Context, serverID, tool string, arguments json.RawMessage) (*mcp.CallResult, error) {
		calls++
		if calls < 3 {
			return nil, invocation.NewError(invocation.KindTransport, "connection reset")
		}
		return &mcp.CallResult{Content: []mcp.Content{{Type: "text", Text: "done"}}}, nil
	}

	res := f.adapter.Invoke(context.Background(), adapter.Request{
		CallerID:   "agent-1",
		Capability: "search:web_fetch",
	})

	assert.Equal(t, invocation.StatusSuccess, res.Status)
	assert.Equal(t, 3, res.Attempts)
}

func TestInvokeLocalToolError(t *testing.T) {
	f := newFixture(t, ratelimit.Config{})

	t.Run("untyped error becomes internal", func(t *testing.T) {
		require.NoError(t, f.adapter.RegisterLocalTool(&echoTool{err: errors.New("boom")}))
		res := f.adapter.Invoke(context.Background(), adapter.Request{
			CallerID:   "agent-1",
			Capability: "echo",
			Arguments:  json.RawMessage(`{"message":"hi"}`),
		})
		assert.Equal(t, invocation.StatusFailure, res.Status)
		assert.Equal(t, invocation.KindInternal, res.ErrorKind)
		assert.Contains(t, res.Error, "boom")
	})

	t.Run("typed error is preserved", func(t *testing.T) {
		typed := invocation.NewError(invocation.KindInvalidArguments, "path outside root")
		require.NoError(t, f.adapter.RegisterLocalTool(&echoTool{err: typed}))
		res := f.adapter.Invoke(context.Background(), adapter.Request{
			CallerID:   "agent-1",
			Capability: "echo",
			Arguments:  json.RawMessage(`{"message":"hi"}`),
		})
		assert.Equal(t, invocation.KindInvalidArguments, res.ErrorKind)
	})
}

func TestNormalizeContent(t *testing.T) {
	blocks := adapter.NormalizeContent([]mcp.Content{
		{Type: "text", Text: "hello"},
		{Type: "image", URI: "https://cdn.internal/a.png", MimeType: "image/png"},
		{Type: "audio", Data: "c291bmQ=", MimeType: "audio/wav"},
		{Type: "resource", Resource: json.RawMessage(`{"uri":"file:///tmp/x"}`)},
		{Type: "chart", Text: "unknown"},
	})

	require.Len(t, blocks, 5)
	assert.Equal(t, invocation.BlockText, blocks[0].Kind)
	assert.Equal(t, "hello", blocks[0].Text)

	assert.Equal(t, invocation.BlockBinary, blocks[1].Kind)
	assert.Equal(t, "https://cdn.internal/a.png", blocks[1].URI)

	assert.Equal(t, invocation.BlockBinary, blocks[2].Kind)
	assert.Equal(t, "data:audio/wav;base64,c291bmQ=", blocks[2].URI)

	assert.Equal(t, invocation.BlockResource, blocks[3].Kind)
	assert.JSONEq(t, `{"uri":"file:///tmp/x"}`, string(blocks[3].Resource))

	// Unknown declared types are carried as structured payloads.
	assert.Equal(t, invocation.BlockResource, blocks[4].Kind)
	assert.Contains(t, string(blocks[4].Resource), "chart")
}

func TestInvokeWithMocks(t *testing.T) {
	ctrl := gomock.NewController(t)

	mockTool := mocktools.NewMockITool(ctrl)
	mockTool.EXPECT().Name().Return("summarize").AnyTimes()
	mockTool.EXPECT().Description().Return("Summarizes the given text").AnyTimes()
	mockTool.EXPECT().Parameters().Return(map[string]any{"type": "object"}).AnyTimes()
	mockTool.EXPECT().Call(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, input string) (string, error) {
			assert.JSONEq(t, `{"text":"long document"}`, input)
			return "short summary", nil
		})

	remote := mockadapter.NewMockRemoteInvoker(ctrl)
	remote.EXPECT().Invoke(gomock.Any(), "files", "read_file", gomock.Any()).Return(
		&mcp.CallResult{Content: []mcp.Content{{Type: "text", Text: "contents"}}}, nil)

	reg := registry.New()
	limiter := ratelimit.New(ratelimit.Config{Capacity: 100, RefillRate: 100})
	defer limiter.Close()
	engine := retry.New(retry.WithSleep(func(ctx context.Context, d time.Duration) error {
		return nil
	}))
	a := adapter.New(reg, limiter, engine, remote)
	require.NoError(t, a.RegisterLocalTool(mockTool))
	reg.Register(registry.Capability{
		Name:    "files:read_file",
		Origin:  registry.RemoteOrigin("files"),
		Enabled: true,
	})

	res := a.Invoke(context.Background(), adapter.Request{
		CallerID:   "agent-1",
		Capability: "summarize",
		Arguments:  json.RawMessage(`{"text":"long document"}`),
	})
	require.Equal(t, invocation.StatusSuccess, res.Status)
	assert.Equal(t, "short summary", res.Content[0].Text)

	res = a.Invoke(context.Background(), adapter.Request{
		CallerID:   "agent-1",
		Capability: "files:read_file",
		Arguments:  json.RawMessage(`{"path":"README.md"}`),
	})
	require.Equal(t, invocation.StatusSuccess, res.Status)
	assert.Equal(t, "contents", res.Content[0].Text)
}

func TestListCapabilities(t *testing.T) {
	f := newFixture(t, ratelimit.Config{})
	require.NoError(t, f.adapter.RegisterLocalTool(&echoTool{}))
	f.registerRemote("files", "read_file")

	all := f.adapter.ListCapabilities(registry.Filter{})
	require.Len(t, all, 2)

	origin := registry.LocalOrigin()
	local := f.adapter.ListCapabilities(registry.Filter{Origin: &origin})
	require.Len(t, local, 1)
	assert.Equal(t, "echo", local[0].Name)
}

func TestGetStatus(t *testing.T) {
	f := newFixture(t, ratelimit.Config{})
	require.NoError(t, f.adapter.RegisterLocalTool(&echoTool{}))
	f.remote.status = []manager.ServerStatus{
		{ID: "files", State: manager.StateConnected, CapabilityCount: 3},
	}

	f.adapter.Invoke(context.Background(), adapter.Request{
		CallerID: "agent-1", Capability: "echo", Arguments: json.RawMessage(`{"message":"hi"}`),
	})

	status := f.adapter.GetStatus()
	assert.Equal(t, 1, status.Capabilities)
	require.Len(t, status.Servers, 1)
	assert.Equal(t, "files", status.Servers[0].ID)
	assert.Equal(t, uint64(1), status.RateLimit.Admitted)
	assert.Equal(t, 1, status.RateLimit.ActiveBuckets)
}
