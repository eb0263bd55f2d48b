// Package adapter is the dispatch facade in front of the capability registry,
// rate limiter, retry engine and connection manager. Callers hand it a
// capability name and raw JSON arguments; it resolves the capability, admits
// the call, runs it with the capability's retry policy and returns a
// normalized result. Invocation failures are always returned inside the
// result, never as an error from Invoke.
package adapter

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/xlog"
	"github.com/google/uuid"
	"github.com/xeipuuv/gojsonschema"

	"github.com/opencellcw/ulf-warden-sub003/callbacks"
	"github.com/opencellcw/ulf-warden-sub003/invocation"
	"github.com/opencellcw/ulf-warden-sub003/manager"
	"github.com/opencellcw/ulf-warden-sub003/mcp"
	"github.com/opencellcw/ulf-warden-sub003/pkg/metricskey"
	"github.com/opencellcw/ulf-warden-sub003/ratelimit"
	"github.com/opencellcw/ulf-warden-sub003/registry"
	"github.com/opencellcw/ulf-warden-sub003/retry"
	"github.com/opencellcw/ulf-warden-sub003/tools"
)

var logger = xlog.NewPackageLogger("github.com/opencellcw/ulf-warden-sub003", "adapter")

//go:generate mockgen -source=adapter.go -destination=../mocks/mockadapter/adapter_mock.gen.go -package mockadapter

// RemoteInvoker is the connection-manager surface the adapter depends on.
// The concrete implementation is manager.Manager.
type RemoteInvoker interface {
	Invoke(ctx context.Context, serverID, tool string, arguments json.RawMessage) (*mcp.CallResult, error)
	Status() []manager.ServerStatus
}

// Request identifies one invocation.
type Request struct {
	// CallerID keys the rate bucket, e.g. an agent or session identifier.
	CallerID string `json:"callerId"`
	// Capability is the registered capability name.
	Capability string `json:"capability"`
	// Arguments is the raw JSON argument object.
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// Status is the adapter-wide health snapshot.
type Status struct {
	Servers      []manager.ServerStatus `json:"servers"`
	Capabilities int                    `json:"capabilities"`
	RateLimit    ratelimit.Summary      `json:"rateLimit"`
}

// Adapter dispatches invocations to local tools or remote servers.
type Adapter struct {
	registry *registry.Registry
	limiter  *ratelimit.Limiter
	engine   *retry.Engine
	remote   RemoteInvoker
	callback callbacks.Callback

	mu    sync.RWMutex
	local map[string]tools.ITool
}

// Option modifies the adapter construction.
type Option func(*Adapter)

// WithCallback sets the lifecycle observer.
func WithCallback(cb callbacks.Callback) Option {
	return func(a *Adapter) { a.callback = cb }
}

// New creates an adapter over the given components.
func New(reg *registry.Registry, limiter *ratelimit.Limiter, engine *retry.Engine, remote RemoteInvoker, opts ...Option) *Adapter {
	a := &Adapter{
		registry: reg,
		limiter:  limiter,
		engine:   engine,
		remote:   remote,
		callback: callbacks.NewNoop(),
		local:    make(map[string]tools.ITool),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// RegisterLocalTool registers an in-process tool as an invocable capability.
// The input schema is derived from the tool's parameter definition.
func (a *Adapter) RegisterLocalTool(tool tools.ITool, securityTags ...string) error {
	schema, err := json.Marshal(tool.Parameters())
	if err != nil {
		return errors.WithMessagef(err, "failed to marshal parameters for tool %s", tool.Name())
	}

	a.mu.Lock()
	a.local[tool.Name()] = tool
	a.mu.Unlock()

	a.registry.Register(registry.Capability{
		Name:         tool.Name(),
		Description:  tool.Description(),
		InputSchema:  schema,
		Origin:       registry.LocalOrigin(),
		Enabled:      true,
		SecurityTags: securityTags,
	})
	logger.KV(xlog.INFO, "tool", tool.Name(), "origin", "local")
	return nil
}

// RegisterPolicy sets the retry policy for a capability.
func (a *Adapter) RegisterPolicy(capability string, p retry.Policy) {
	a.engine.RegisterPolicy(capability, p)
}

// ListCapabilities returns the capabilities matching the filter, sorted by
// name.
func (a *Adapter) ListCapabilities(filter registry.Filter) []registry.Capability {
	return a.registry.List(filter)
}

// SetCapabilityEnabled flips a capability's enabled flag.
func (a *Adapter) SetCapabilityEnabled(name string, enabled bool) bool {
	return a.registry.SetEnabled(name, enabled)
}

// GetStatus reports server connections, capability count and limiter totals.
func (a *Adapter) GetStatus() Status {
	s := Status{
		Capabilities: len(a.registry.List(registry.Filter{})),
		RateLimit:    a.limiter.Summary(),
	}
	if a.remote != nil {
		s.Servers = a.remote.Status()
	}
	return s
}

// Invoke runs one capability call end to end: lookup, argument validation,
// admission, retried execution, normalization. The returned result always has
// a correlation ID; the error return is reserved for misuse of the adapter
// itself and is nil for every invocation failure.
func (a *Adapter) Invoke(ctx context.Context, req Request) *invocation.Result {
	id := uuid.NewString()
	started := time.Now()

	c, ok := a.registry.Lookup(req.Capability)
	if !ok || !c.Enabled {
		a.callback.OnCapabilityNotFound(ctx, req.CallerID, req.Capability)
		metricskey.StatsToolInvocationsNotFound.IncrCounter(1, req.Capability)
		return a.finish(ctx, id, req, invocation.Failure(
			invocation.NewError(invocation.KindNotFound, "unknown capability: %s", req.Capability), 0))
	}

	if err := validateArguments(c.InputSchema, req.Arguments); err != nil {
		return a.finish(ctx, id, req, invocation.Failure(err, 0))
	}

	if decision := a.limiter.TryAdmit(req.CallerID, c.Name); !decision.Admitted {
		a.callback.OnRateLimited(ctx, req.CallerID, c.Name, decision.RetryAfter)
		return a.finish(ctx, id, req, invocation.Failure(
			invocation.NewError(invocation.KindRateLimited, "rate limit exceeded for caller %s", req.CallerID).
				WithRetryAfter(decision.RetryAfter), 0))
	}

	a.callback.OnInvokeStart(ctx, id, req.CallerID, c.Name, string(req.Arguments))

	attemptFn, err := a.attemptFunc(c, req.Arguments)
	if err != nil {
		return a.finish(ctx, id, req, invocation.Failure(err, 0))
	}

	res := a.engine.Execute(ctx, c.Name, attemptFn)
	res.ID = id

	metricskey.PerfToolInvocation.MeasureSince(started, c.Name)
	return a.finish(ctx, id, req, res)
}

func (a *Adapter) finish(ctx context.Context, id string, req Request, res *invocation.Result) *invocation.Result {
	res.ID = id
	if res.Status == invocation.StatusSuccess {
		metricskey.StatsToolInvocationsSucceeded.IncrCounter(1, req.Capability)
	} else {
		metricskey.StatsToolInvocationsFailed.IncrCounter(1, req.Capability, string(res.ErrorKind))
	}
	a.callback.OnInvokeEnd(ctx, id, req.CallerID, req.Capability, res)
	return res
}

// attemptFunc binds the capability to its execution path. Local tools run
// in-process; remote capabilities go through the connection manager.
func (a *Adapter) attemptFunc(c registry.Capability, args json.RawMessage) (retry.AttemptFunc, error) {
	switch c.Origin.Kind {
	case registry.OriginLocal:
		a.mu.RLock()
		tool := a.local[c.Name]
		a.mu.RUnlock()
		if tool == nil {
			return nil, invocation.NewError(invocation.KindInternal, "local tool %s has no implementation", c.Name)
		}
		return func(ctx context.Context) ([]invocation.ContentBlock, error) {
			out, err := tool.Call(ctx, string(args))
			if err != nil {
				if kind := invocation.KindOf(err); kind != invocation.KindInternal {
					return nil, err
				}
				return nil, invocation.WrapError(invocation.KindInternal, err, "local tool failed")
			}
			return []invocation.ContentBlock{invocation.TextBlock(out)}, nil
		}, nil

	case registry.OriginRemote:
		if a.remote == nil {
			return nil, invocation.NewError(invocation.KindInternal, "no connection manager configured")
		}
		// Strip the server namespace to recover the remote tool name.
		name := strings.TrimPrefix(c.Name, c.Origin.ServerID+":")
		return func(ctx context.Context) ([]invocation.ContentBlock, error) {
			result, err := a.remote.Invoke(ctx, c.Origin.ServerID, name, args)
			if err != nil {
				return nil, err
			}
			return NormalizeContent(result.Content), nil
		}, nil

	default:
		return nil, invocation.NewError(invocation.KindInternal, "unknown origin kind: %s", c.Origin.Kind)
	}
}

// NormalizeContent maps protocol content items onto result blocks, preserving
// order. Classification follows the declared content type only; payload text
// is never inspected.
func NormalizeContent(items []mcp.Content) []invocation.ContentBlock {
	blocks := make([]invocation.ContentBlock, 0, len(items))
	for _, item := range items {
		switch item.Type {
		case "text":
			blocks = append(blocks, invocation.TextBlock(item.Text))
		case "image", "audio":
			uri := item.URI
			if uri == "" && item.Data != "" {
				uri = "data:" + item.MimeType + ";base64," + item.Data
			}
			blocks = append(blocks, invocation.BinaryBlock(uri, item.MimeType))
		case "resource":
			blocks = append(blocks, invocation.ResourceBlock(item.Resource))
		default:
			// Unknown declared types are carried as structured payloads so
			// nothing the server sent is silently dropped.
			raw, _ := json.Marshal(item)
			blocks = append(blocks, invocation.ResourceBlock(raw))
		}
	}
	return blocks
}

// validateArguments checks the raw arguments against the capability's JSON
// Schema. A capability without a schema accepts any document.
func validateArguments(schema, args json.RawMessage) error {
	if len(schema) == 0 {
		return nil
	}
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(schema),
		gojsonschema.NewBytesLoader(args),
	)
	if err != nil {
		return invocation.WrapError(invocation.KindInvalidArguments, err, "arguments are not valid JSON")
	}
	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			details = append(details, desc.String())
		}
		return invocation.NewError(invocation.KindInvalidArguments, "invalid arguments: %s", strings.Join(details, "; "))
	}
	return nil
}
