// Package stdiotransport starts a tool server as a subprocess and exchanges
// newline-delimited JSON-RPC messages over its standard input and output.
package stdiotransport

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/xlog"

	"github.com/opencellcw/ulf-warden-sub003/mcp/transport"
)

var logger = xlog.NewPackageLogger("github.com/opencellcw/ulf-warden-sub003", "stdiotransport")

// maxLineSize bounds a single JSON-RPC frame read from the server.
const maxLineSize = 4 * 1024 * 1024

// Config describes how to spawn the server process. Env values must already
// be resolved; interpolation happens at connection construction, not here.
type Config struct {
	Command string
	Args    []string
	Dir     string
	Env     []string

	// Stderr receives the process standard error stream.
	// Defaults to os.Stderr.
	Stderr io.Writer
}

// Transport is a stdio subprocess transport. The process and its pipes are
// owned exclusively by this transport; one live session at most.
type Transport struct {
	cfg Config

	mu             sync.RWMutex
	messageHandler func(ctx context.Context, message *transport.BaseJsonRpcMessage)
	errorHandler   func(error)
	closeHandler   func()

	writeMu sync.Mutex
	writer  io.Writer
	reader  io.Reader

	cmd       *exec.Cmd
	stdin     io.WriteCloser
	closeOnce sync.Once
}

// New creates a transport that will spawn the configured command on Start.
func New(cfg Config) *Transport {
	return &Transport{cfg: cfg}
}

// NewPipe creates a transport bound to an existing reader/writer pair instead
// of a subprocess. Used for in-process servers and tests.
func NewPipe(r io.Reader, w io.Writer) *Transport {
	return &Transport{reader: r, writer: w}
}

// Start spawns the process, wires the pipes and begins the read pump.
func (t *Transport) Start(ctx context.Context) error {
	if t.reader == nil {
		if t.cfg.Command == "" {
			return errors.New("stdio command is required")
		}

		cmd := exec.Command(t.cfg.Command, t.cfg.Args...)
		cmd.Dir = t.cfg.Dir
		if len(t.cfg.Env) > 0 {
			cmd.Env = append(os.Environ(), t.cfg.Env...)
		}
		if t.cfg.Stderr != nil {
			cmd.Stderr = t.cfg.Stderr
		} else {
			cmd.Stderr = os.Stderr
		}

		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return errors.Wrap(err, "stdout pipe")
		}
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return errors.Wrap(err, "stdin pipe")
		}
		if err := cmd.Start(); err != nil {
			return errors.Wrap(err, "start command")
		}

		t.cmd = cmd
		t.stdin = stdin
		t.reader = stdout
		t.writer = stdin

		logger.KV(xlog.DEBUG, "command", t.cfg.Command, "pid", cmd.Process.Pid)
	}

	go t.readLoop(ctx)
	return nil
}

// Send writes one newline-delimited JSON-RPC frame.
func (t *Transport) Send(ctx context.Context, message *transport.BaseJsonRpcMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(message)
	if err != nil {
		return errors.Wrap(err, "failed to marshal message")
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if t.writer == nil {
		return errors.New("transport not started")
	}
	if _, err := t.writer.Write(append(data, '\n')); err != nil {
		return errors.Wrap(err, "failed to write frame")
	}
	return nil
}

// Close terminates the process and releases the pipes. Close is idempotent.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		if t.stdin != nil {
			err = t.stdin.Close()
		}
		if t.cmd != nil && t.cmd.Process != nil {
			_ = t.cmd.Process.Kill()
			_ = t.cmd.Wait()
		}

		t.mu.RLock()
		handler := t.closeHandler
		t.mu.RUnlock()
		if handler != nil {
			handler()
		}
	})
	return err
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

func (t *Transport) readLoop(ctx context.Context) {
	scanner := bufio.NewScanner(t.reader)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		message, err := transport.Deserialize(line)
		if err != nil {
			t.reportError(errors.Wrap(err, "failed to decode frame"))
			continue
		}

		t.mu.RLock()
		handler := t.messageHandler
		t.mu.RUnlock()
		if handler != nil {
			handler(ctx, message)
		}
	}

	if err := scanner.Err(); err != nil {
		t.reportError(errors.Wrap(err, "read loop terminated"))
	}

	// The process closed its stdout; the session is over.
	_ = t.Close()
}

func (t *Transport) reportError(err error) {
	t.mu.RLock()
	handler := t.errorHandler
	t.mu.RUnlock()
	if handler != nil {
		handler(err)
	}
}
