// Package manager owns the connections to external tool servers. It runs one
// background task per configured server that walks the connection lifecycle:
// connect, discover capabilities into the registry, probe health on a fixed
// interval, degrade on probe failures, disconnect and reconnect with jittered
// backoff, and tear down cleanly on shutdown. Connection failures are never
// fatal to the process; they degrade one server only.
package manager

import (
	"context"
	"encoding/json"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/xlog"

	"github.com/opencellcw/ulf-warden-sub003/config"
	"github.com/opencellcw/ulf-warden-sub003/invocation"
	"github.com/opencellcw/ulf-warden-sub003/mcp"
	"github.com/opencellcw/ulf-warden-sub003/mcp/transport/ssetransport"
	"github.com/opencellcw/ulf-warden-sub003/mcp/transport/stdiotransport"
	"github.com/opencellcw/ulf-warden-sub003/pkg/metricskey"
	"github.com/opencellcw/ulf-warden-sub003/registry"
)

var logger = xlog.NewPackageLogger("github.com/opencellcw/ulf-warden-sub003", "manager")

// State is the lifecycle state of one server connection.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDegraded     State = "degraded"
	StateShuttingDown State = "shutting_down"
)

const (
	DefaultProbeInterval    = 30 * time.Second
	DefaultMaxProbeFailures = 3
	DefaultMinBackoff       = time.Second
	DefaultMaxBackoff       = time.Minute
	DefaultShutdownGrace    = 10 * time.Second
)

//go:generate mockgen -source=manager.go -destination=../mocks/mockmanager/manager_mock.gen.go -package mockmanager

// Client is the server session surface the manager depends on. The concrete
// implementation is mcp.Client; tests substitute fakes through WithDialer.
type Client interface {
	ListTools(ctx context.Context) ([]mcp.ToolDefinition, error)
	CallTool(ctx context.Context, name string, arguments json.RawMessage) (*mcp.CallResult, error)
	Ping(ctx context.Context) error
	Close() error
}

// Dialer establishes one session to a configured server.
type Dialer func(ctx context.Context, server config.Server) (Client, error)

// DefaultDialer builds the transport matching the server's configured kind
// and performs the protocol handshake. ${VAR} placeholders in the server
// environment and headers are resolved here, once per connection.
func DefaultDialer(ctx context.Context, server config.Server) (Client, error) {
	switch server.Transport {
	case config.TransportLocalProcess:
		tr := stdiotransport.New(stdiotransport.Config{
			Command: server.Command,
			Args:    server.Args,
			Dir:     server.Dir,
			Env:     server.ResolvedEnv(),
		})
		return mcp.NewClient(ctx, tr, mcp.Options{})
	case config.TransportRemoteStream:
		tr := ssetransport.New(ssetransport.Config{
			URL:     server.Endpoint,
			Headers: server.ResolvedHeaders(),
		})
		return mcp.NewClient(ctx, tr, mcp.Options{})
	default:
		return nil, errors.Errorf("unsupported transport: %s", server.Transport)
	}
}

// ServerStatus is a point-in-time connection snapshot.
type ServerStatus struct {
	ID                  string    `json:"id"`
	State               State     `json:"state"`
	CapabilityCount     int       `json:"capabilityCount"`
	LastHealthCheckAt   time.Time `json:"lastHealthCheckAt,omitempty"`
	ConsecutiveFailures int       `json:"consecutiveFailures,omitempty"`
}

// conn is one server connection. The transport session is owned exclusively
// by the connection's run goroutine; invocations reach it only through the
// client's request/response path.
type conn struct {
	cfg config.Server

	mu                  sync.RWMutex
	state               State
	client              Client
	closedCh            chan struct{}
	lastHealthCheckAt   time.Time
	consecutiveFailures int
}

func (c *conn) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *conn) setConnected(client Client) {
	c.mu.Lock()
	c.state = StateConnected
	c.client = client
	c.consecutiveFailures = 0
	c.mu.Unlock()
}

func (c *conn) snapshot() (State, Client) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state, c.client
}

// Manager maintains the set of server connections and keeps the capability
// registry synchronized with what each server actually offers.
type Manager struct {
	registry *registry.Registry
	dialer   Dialer

	probeInterval    time.Duration
	maxProbeFailures int
	minBackoff       time.Duration
	maxBackoff       time.Duration
	shutdownGrace    time.Duration

	conns map[string]*conn

	wg        sync.WaitGroup
	cancel    context.CancelFunc
	startOnce sync.Once
}

// Option modifies the manager construction.
type Option func(*Manager)

// WithDialer replaces the session factory, for tests.
func WithDialer(d Dialer) Option {
	return func(m *Manager) { m.dialer = d }
}

// WithProbeInterval sets the health probe period.
func WithProbeInterval(d time.Duration) Option {
	return func(m *Manager) { m.probeInterval = d }
}

// WithMaxProbeFailures sets how many consecutive probe failures disconnect a
// degraded server.
func WithMaxProbeFailures(n int) Option {
	return func(m *Manager) { m.maxProbeFailures = n }
}

// WithReconnectBackoff bounds the jittered reconnection backoff.
func WithReconnectBackoff(min, max time.Duration) Option {
	return func(m *Manager) {
		m.minBackoff = min
		m.maxBackoff = max
	}
}

// WithShutdownGrace bounds the wait for connection teardown on shutdown.
func WithShutdownGrace(d time.Duration) Option {
	return func(m *Manager) { m.shutdownGrace = d }
}

// New creates a manager for the enabled servers. Disabled servers are never
// connected.
func New(reg *registry.Registry, servers []config.Server, opts ...Option) *Manager {
	m := &Manager{
		registry:         reg,
		dialer:           DefaultDialer,
		probeInterval:    DefaultProbeInterval,
		maxProbeFailures: DefaultMaxProbeFailures,
		minBackoff:       DefaultMinBackoff,
		maxBackoff:       DefaultMaxBackoff,
		shutdownGrace:    DefaultShutdownGrace,
		conns:            make(map[string]*conn),
	}
	for _, opt := range opts {
		opt(m)
	}

	for _, s := range servers {
		if !s.Enabled {
			logger.KV(xlog.INFO, "server", s.ID, "status", "disabled")
			continue
		}
		m.conns[s.ID] = &conn{
			cfg:   s,
			state: StateDisconnected,
		}
	}
	return m
}

// FromConfig creates a manager with lifecycle settings from configuration.
func FromConfig(reg *registry.Registry, cfg *config.Config, opts ...Option) *Manager {
	var fromCfg []Option
	if d := cfg.Manager.ProbeInterval.Std(); d > 0 {
		fromCfg = append(fromCfg, WithProbeInterval(d))
	}
	if n := cfg.Manager.MaxProbeFailures; n > 0 {
		fromCfg = append(fromCfg, WithMaxProbeFailures(n))
	}
	if min, max := cfg.Manager.ReconnectMinBackoff.Std(), cfg.Manager.ReconnectMaxBackoff.Std(); min > 0 && max > 0 {
		fromCfg = append(fromCfg, WithReconnectBackoff(min, max))
	}
	if d := cfg.Manager.ShutdownGrace.Std(); d > 0 {
		fromCfg = append(fromCfg, WithShutdownGrace(d))
	}
	return New(reg, cfg.Servers, append(fromCfg, opts...)...)
}

// Start launches one connection task per enabled server. Start is idempotent.
func (m *Manager) Start(ctx context.Context) {
	m.startOnce.Do(func() {
		runCtx, cancel := context.WithCancel(ctx)
		m.cancel = cancel

		for _, c := range m.conns {
			m.wg.Add(1)
			go func(c *conn) {
				defer m.wg.Done()
				m.run(runCtx, c)
			}(c)
		}
	})
}

// Shutdown stops all connection tasks and waits for teardown, bounded by the
// grace period.
func (m *Manager) Shutdown() error {
	if m.cancel != nil {
		m.cancel()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(m.shutdownGrace):
		return errors.New("shutdown grace period expired")
	}
}

// Invoke performs one remote tool call on the named server. Errors are typed
// for the retry engine: transport faults, deadline expiry and server-reported
// execution failures are distinguished.
func (m *Manager) Invoke(ctx context.Context, serverID, tool string, arguments json.RawMessage) (*mcp.CallResult, error) {
	c := m.conns[serverID]
	if c == nil {
		return nil, invocation.NewError(invocation.KindTransport, "unknown server: %s", serverID)
	}

	state, client := c.snapshot()
	if client == nil || (state != StateConnected && state != StateDegraded) {
		return nil, invocation.NewError(invocation.KindTransport, "server %s is %s", serverID, state)
	}

	result, err := client.CallTool(ctx, tool, arguments)
	if err != nil {
		if ctx.Err() != nil {
			return nil, invocation.WrapError(invocation.KindTimeout, ctx.Err(), "remote call deadline expired")
		}
		return nil, invocation.WrapError(invocation.KindTransport, err, "remote call failed")
	}
	if result.IsError {
		ierr := invocation.NewError(invocation.KindRemoteExecution, "server %s tool %s failed: %s", serverID, tool, result.Text())
		if resultRetryable(result) {
			ierr = ierr.WithRetryable()
		}
		return nil, ierr
	}
	return result, nil
}

// Status reports a snapshot of every managed connection, sorted by ID.
func (m *Manager) Status() []ServerStatus {
	statuses := make([]ServerStatus, 0, len(m.conns))
	for id, c := range m.conns {
		c.mu.RLock()
		statuses = append(statuses, ServerStatus{
			ID:                  id,
			State:               c.state,
			CapabilityCount:     m.registry.CountByOrigin(registry.RemoteOrigin(id)),
			LastHealthCheckAt:   c.lastHealthCheckAt,
			ConsecutiveFailures: c.consecutiveFailures,
		})
		c.mu.RUnlock()
	}
	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].ID < statuses[j].ID
	})
	return statuses
}

// run drives one connection through its lifecycle until shutdown.
func (m *Manager) run(ctx context.Context, c *conn) {
	origin := registry.RemoteOrigin(c.cfg.ID)
	backoff := m.minBackoff

	for ctx.Err() == nil {
		c.setState(StateConnecting)

		client, err := m.connect(ctx, c)
		if err != nil {
			c.setState(StateDisconnected)
			if ctx.Err() != nil {
				return
			}
			logger.KV(xlog.WARNING, "server", c.cfg.ID, "err", err.Error(), "backoff", backoff.String())
			if !sleepJittered(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff, m.maxBackoff)
			continue
		}

		c.setConnected(client)
		// A vanished session (e.g. the server process was killed) is
		// observable before the next probe fires; treat it like an exhausted
		// probe budget.
		closedCh := make(chan struct{})
		if notifier, ok := client.(interface{ SetOnClose(func()) }); ok {
			var once sync.Once
			notifier.SetOnClose(func() {
				once.Do(func() { close(closedCh) })
			})
		}
		c.mu.Lock()
		c.closedCh = closedCh
		c.mu.Unlock()

		metricskey.StatsServerConnected.IncrCounter(1, c.cfg.ID)
		logger.KV(xlog.INFO, "server", c.cfg.ID, "state", StateConnected)
		backoff = m.minBackoff

		m.probeLoop(ctx, c)

		// Tear the session down fully before anything else: one live
		// transport session per connection at most.
		_ = client.Close()
		m.registry.UnregisterAllFrom(origin)
		metricskey.StatsServerDisconnected.IncrCounter(1, c.cfg.ID)

		c.setState(StateDisconnected)
		if ctx.Err() != nil {
			return
		}
		logger.KV(xlog.WARNING, "server", c.cfg.ID, "state", StateDisconnected, "reconnect_in", backoff.String())
		if !sleepJittered(ctx, backoff) {
			return
		}
		backoff = nextBackoff(backoff, m.maxBackoff)
	}
}

// connect establishes the session and registers the discovered capabilities
// atomically.
func (m *Manager) connect(ctx context.Context, c *conn) (Client, error) {
	client, err := m.dialer(ctx, c.cfg)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to connect")
	}

	started := time.Now()
	tools, err := client.ListTools(ctx)
	if err != nil {
		_ = client.Close()
		return nil, errors.WithMessage(err, "capability discovery failed")
	}
	metricskey.PerfServerDiscovery.MeasureSince(started, c.cfg.ID)

	caps := make([]registry.Capability, 0, len(tools))
	for _, t := range tools {
		caps = append(caps, registry.Capability{
			Name:         c.cfg.ID + ":" + t.Name,
			Description:  t.Description,
			InputSchema:  t.InputSchema,
			Enabled:      true,
			SecurityTags: c.cfg.SecurityTags,
		})
	}
	m.registry.ReplaceOrigin(registry.RemoteOrigin(c.cfg.ID), caps)

	logger.KV(xlog.INFO, "server", c.cfg.ID, "capabilities", len(caps))
	return client, nil
}

// probeLoop pings the server on the probe interval. It returns when the
// failure threshold is reached or the context is cancelled; the caller owns
// the teardown.
func (m *Manager) probeLoop(ctx context.Context, c *conn) {
	ticker := time.NewTicker(m.probeInterval)
	defer ticker.Stop()

	c.mu.RLock()
	closedCh := c.closedCh
	c.mu.RUnlock()

	for {
		select {
		case <-ctx.Done():
			c.setState(StateShuttingDown)
			return
		case <-closedCh:
			c.mu.Lock()
			c.consecutiveFailures++
			c.state = StateDegraded
			c.mu.Unlock()
			logger.KV(xlog.WARNING, "server", c.cfg.ID, "reason", "session closed")
			return
		case <-ticker.C:
			probeCtx, cancel := context.WithTimeout(ctx, m.probeInterval)
			_, client := c.snapshot()
			err := client.Ping(probeCtx)
			cancel()

			c.mu.Lock()
			c.lastHealthCheckAt = time.Now()
			if err != nil {
				c.consecutiveFailures++
				c.state = StateDegraded
				failures := c.consecutiveFailures
				c.mu.Unlock()

				metricskey.StatsServerProbesFailed.IncrCounter(1, c.cfg.ID)
				logger.KV(xlog.WARNING,
					"server", c.cfg.ID,
					"state", StateDegraded,
					"consecutive_failures", failures,
				)
				if failures >= m.maxProbeFailures {
					return
				}
			} else {
				c.consecutiveFailures = 0
				c.state = StateConnected
				c.mu.Unlock()
			}
		}
	}
}

// resultRetryable reports whether the server annotated the failed result as
// transient via the _meta.retryable flag.
func resultRetryable(result *mcp.CallResult) bool {
	for _, item := range result.Content {
		if item.Type != "resource" || len(item.Resource) == 0 {
			continue
		}
		var meta struct {
			Retryable bool `json:"retryable"`
		}
		if json.Unmarshal(item.Resource, &meta) == nil && meta.Retryable {
			return true
		}
	}
	return false
}

// sleepJittered waits for d plus up to half of d again, honoring ctx; the
// jitter avoids thundering reconnects. Returns false when ctx expired.
func sleepJittered(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	wait := d + rand.N(d/2+1)
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		next = max
	}
	return next
}
