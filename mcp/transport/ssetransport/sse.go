// Package ssetransport connects to a remote tool server over a persistent
// HTTP event stream. Server-to-client messages arrive as SSE "message"
// events; client-to-server requests are POSTed to the companion endpoint the
// server announces in its initial "endpoint" event.
package ssetransport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/xlog"

	"github.com/opencellcw/ulf-warden-sub003/mcp/transport"
)

var logger = xlog.NewPackageLogger("github.com/opencellcw/ulf-warden-sub003", "ssetransport")

// DefaultHandshakeTimeout bounds the wait for the server's endpoint event.
const DefaultHandshakeTimeout = 30 * time.Second

// Config describes the remote stream connection. Header values must already
// be resolved; interpolation happens at connection construction, not here.
type Config struct {
	// URL is the event-stream endpoint.
	URL     string
	Headers map[string]string

	// Client defaults to http.DefaultClient.
	Client *http.Client
	// HandshakeTimeout bounds the wait for the endpoint announcement.
	HandshakeTimeout time.Duration
}

// Transport is an SSE client transport. The event stream is owned exclusively
// by this transport's read pump.
type Transport struct {
	cfg Config

	mu             sync.RWMutex
	messageHandler func(ctx context.Context, message *transport.BaseJsonRpcMessage)
	errorHandler   func(error)
	closeHandler   func()

	postURL   string
	body      io.ReadCloser
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// New creates a transport for the configured stream URL.
func New(cfg Config) *Transport {
	if cfg.Client == nil {
		cfg.Client = http.DefaultClient
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	return &Transport{cfg: cfg}
}

// Start opens the event stream and blocks until the server announces the
// request endpoint, then launches the read pump.
func (t *Transport) Start(ctx context.Context) error {
	streamCtx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, t.cfg.URL, nil)
	if err != nil {
		cancel()
		return errors.Wrap(err, "failed to create stream request")
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	for k, v := range t.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := t.cfg.Client.Do(req)
	if err != nil {
		cancel()
		return errors.Wrap(err, "failed to open event stream")
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return errors.Errorf("unexpected stream status: %d", resp.StatusCode)
	}
	t.body = resp.Body

	endpointCh := make(chan string, 1)
	go t.readLoop(streamCtx, resp.Body, endpointCh)

	select {
	case endpoint := <-endpointCh:
		resolved, err := t.resolveEndpoint(endpoint)
		if err != nil {
			_ = t.Close()
			return err
		}
		t.mu.Lock()
		t.postURL = resolved
		t.mu.Unlock()
		logger.KV(xlog.DEBUG, "stream", t.cfg.URL, "endpoint", resolved)
		return nil
	case <-time.After(t.cfg.HandshakeTimeout):
		_ = t.Close()
		return errors.New("timed out waiting for endpoint event")
	case <-ctx.Done():
		_ = t.Close()
		return ctx.Err()
	}
}

// Send POSTs one JSON-RPC message to the announced endpoint.
func (t *Transport) Send(ctx context.Context, message *transport.BaseJsonRpcMessage) error {
	t.mu.RLock()
	endpoint := t.postURL
	t.mu.RUnlock()
	if endpoint == "" {
		return errors.New("transport not started")
	}

	data, err := json.Marshal(message)
	if err != nil {
		return errors.Wrap(err, "failed to marshal message")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return errors.Wrap(err, "failed to create request")
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range t.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := t.cfg.Client.Do(req)
	if err != nil {
		return errors.Wrap(err, "failed to send message")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return errors.Errorf("server rejected message: %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// Close terminates the event stream. Close is idempotent.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		if t.cancel != nil {
			t.cancel()
		}
		if t.body != nil {
			_ = t.body.Close()
		}

		t.mu.RLock()
		handler := t.closeHandler
		t.mu.RUnlock()
		if handler != nil {
			handler()
		}
	})
	return nil
}

// SetCloseHandler implements Transport.SetCloseHandler
func (t *Transport) SetCloseHandler(handler func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closeHandler = handler
}

// SetErrorHandler implements Transport.SetErrorHandler
func (t *Transport) SetErrorHandler(handler func(error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.errorHandler = handler
}

// SetMessageHandler implements Transport.SetMessageHandler
func (t *Transport) SetMessageHandler(handler func(ctx context.Context, message *transport.BaseJsonRpcMessage)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.messageHandler = handler
}

// readLoop parses the event stream. Events are "event:"/"data:" line groups
// separated by a blank line.
func (t *Transport) readLoop(ctx context.Context, body io.Reader, endpointCh chan<- string) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var event, data string
	dispatch := func() {
		if data == "" {
			return
		}
		switch event {
		case "endpoint":
			select {
			case endpointCh <- data:
			default:
			}
		case "", "message":
			message, err := transport.Deserialize([]byte(data))
			if err != nil {
				t.reportError(errors.Wrap(err, "failed to decode event"))
				return
			}
			t.mu.RLock()
			handler := t.messageHandler
			t.mu.RUnlock()
			if handler != nil {
				handler(ctx, message)
			}
		}
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			dispatch()
			event, data = "", ""
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data != "" {
				data += "\n"
			}
			data += strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		case strings.HasPrefix(line, ":"):
			// comment / keep-alive
		}
	}
	dispatch()

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		t.reportError(errors.Wrap(err, "event stream terminated"))
	}

	_ = t.Close()
}

func (t *Transport) resolveEndpoint(endpoint string) (string, error) {
	base, err := url.Parse(t.cfg.URL)
	if err != nil {
		return "", errors.Wrap(err, "invalid stream url")
	}
	ref, err := url.Parse(endpoint)
	if err != nil {
		return "", errors.Wrap(err, "invalid endpoint url")
	}
	return base.ResolveReference(ref).String(), nil
}

func (t *Transport) reportError(err error) {
	t.mu.RLock()
	handler := t.errorHandler
	t.mu.RUnlock()
	if handler != nil {
		handler(err)
	}
}
