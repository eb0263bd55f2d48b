// Package callbacks provides observers for the invocation lifecycle. The
// adapter emits one event per phase; callbacks here print them, log them, or
// fan them out to multiple handlers.
package callbacks

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/effective-security/xlog"

	"github.com/opencellcw/ulf-warden-sub003/invocation"
)

// Callback observes the lifecycle of one invocation.
type Callback interface {
	// OnInvokeStart fires after admission, before the first attempt.
	OnInvokeStart(ctx context.Context, id, callerID, capability, input string)
	// OnInvokeEnd fires with the normalized result, success or failure.
	OnInvokeEnd(ctx context.Context, id, callerID, capability string, res *invocation.Result)
	// OnCapabilityNotFound fires when the capability is unknown or disabled.
	OnCapabilityNotFound(ctx context.Context, callerID, capability string)
	// OnRateLimited fires when admission is denied.
	OnRateLimited(ctx context.Context, callerID, capability string, retryAfter time.Duration)
}

// ensure that the callbacks implement the correct interfaces
var (
	_ Callback = (*Noop)(nil)
	_ Callback = (*Printer)(nil)
	_ Callback = (*PackageLogger)(nil)
	_ Callback = (*Fanout)(nil)
)

// Mode defines the mode for callback printing
type Mode int

const (
	// ModeDefault is the default mode for callback printing
	ModeDefault Mode = iota
	// ModeVerbose is the verbose mode for callback printing
	ModeVerbose
)

// Fanout is a callback handler that forwards the events to multiple callbacks.
type Fanout struct {
	callbacks []Callback
}

func NewFanout(callbacks ...Callback) *Fanout {
	return &Fanout{callbacks: callbacks}
}

func (l *Fanout) Add(callback Callback) {
	l.callbacks = append(l.callbacks, callback)
}

func (l *Fanout) OnInvokeStart(ctx context.Context, id, callerID, capability, input string) {
	for _, callback := range l.callbacks {
		callback.OnInvokeStart(ctx, id, callerID, capability, input)
	}
}

func (l *Fanout) OnInvokeEnd(ctx context.Context, id, callerID, capability string, res *invocation.Result) {
	for _, callback := range l.callbacks {
		callback.OnInvokeEnd(ctx, id, callerID, capability, res)
	}
}

func (l *Fanout) OnCapabilityNotFound(ctx context.Context, callerID, capability string) {
	for _, callback := range l.callbacks {
		callback.OnCapabilityNotFound(ctx, callerID, capability)
	}
}

func (l *Fanout) OnRateLimited(ctx context.Context, callerID, capability string, retryAfter time.Duration) {
	for _, callback := range l.callbacks {
		callback.OnRateLimited(ctx, callerID, capability, retryAfter)
	}
}

// Noop does nothing.
type Noop struct{}

func NewNoop() *Noop {
	return &Noop{}
}

func (l *Noop) OnInvokeStart(ctx context.Context, id, callerID, capability, input string) {}
func (l *Noop) OnInvokeEnd(ctx context.Context, id, callerID, capability string, res *invocation.Result) {
}
func (l *Noop) OnCapabilityNotFound(ctx context.Context, callerID, capability string) {}
func (l *Noop) OnRateLimited(ctx context.Context, callerID, capability string, retryAfter time.Duration) {
}

// Printer is a callback handler that prints to the Writer.
type Printer struct {
	Out  io.Writer
	Mode Mode

	lock sync.Mutex
}

func NewPrinter(out io.Writer, mode Mode) *Printer {
	return &Printer{Out: out, Mode: mode}
}

func (l *Printer) OnInvokeStart(ctx context.Context, id, callerID, capability, input string) {
	l.lock.Lock()
	defer l.lock.Unlock()
	fmt.Fprintf(l.Out, "Invoke Start: %s (%s)\n", capability, callerID)
	if l.Mode == ModeVerbose {
		fmt.Fprintf(l.Out, "Input: %s\n", input)
	}
}

func (l *Printer) OnInvokeEnd(ctx context.Context, id, callerID, capability string, res *invocation.Result) {
	l.lock.Lock()
	defer l.lock.Unlock()
	if res.Status == invocation.StatusSuccess {
		fmt.Fprintf(l.Out, "Invoke End: %s (%s): %d attempts\n", capability, callerID, res.Attempts)
		if l.Mode == ModeVerbose {
			for _, block := range res.Content {
				if block.Kind == invocation.BlockText {
					fmt.Fprintln(l.Out, block.Text)
				}
			}
		}
	} else {
		// res.Error already carries the kind prefix.
		fmt.Fprintf(l.Out, "Invoke Failed: %s (%s): %s\n", capability, callerID, res.Error)
	}
}

func (l *Printer) OnCapabilityNotFound(ctx context.Context, callerID, capability string) {
	l.lock.Lock()
	defer l.lock.Unlock()
	fmt.Fprintf(l.Out, "Capability Not Found: %s (%s)\n", capability, callerID)
}

func (l *Printer) OnRateLimited(ctx context.Context, callerID, capability string, retryAfter time.Duration) {
	l.lock.Lock()
	defer l.lock.Unlock()
	fmt.Fprintf(l.Out, "Rate Limited: %s (%s): retry after %s\n", capability, callerID, retryAfter)
}

// PackageLogger is a callback handler that prints to the logger.
type PackageLogger struct {
	logger *xlog.PackageLogger
}

func NewPackageLogger(logger *xlog.PackageLogger) *PackageLogger {
	return &PackageLogger{logger: logger}
}

func (l *PackageLogger) OnInvokeStart(ctx context.Context, id, callerID, capability, input string) {
	l.logger.ContextKV(ctx, xlog.DEBUG,
		"event", "invoke_start",
		"id", id,
		"caller", callerID,
		"capability", capability,
		"input", input,
	)
}

func (l *PackageLogger) OnInvokeEnd(ctx context.Context, id, callerID, capability string, res *invocation.Result) {
	if res.Status == invocation.StatusSuccess {
		l.logger.ContextKV(ctx, xlog.DEBUG,
			"event", "invoke_end",
			"id", id,
			"caller", callerID,
			"capability", capability,
			"attempts", res.Attempts,
		)
		return
	}
	l.logger.ContextKV(ctx, xlog.ERROR,
		"event", "invoke_failed",
		"id", id,
		"caller", callerID,
		"capability", capability,
		"kind", res.ErrorKind,
		"attempts", res.Attempts,
		"err", res.Error,
	)
}

func (l *PackageLogger) OnCapabilityNotFound(ctx context.Context, callerID, capability string) {
	l.logger.ContextKV(ctx, xlog.DEBUG,
		"event", "capability_not_found",
		"caller", callerID,
		"capability", capability,
	)
}

func (l *PackageLogger) OnRateLimited(ctx context.Context, callerID, capability string, retryAfter time.Duration) {
	l.logger.ContextKV(ctx, xlog.DEBUG,
		"event", "rate_limited",
		"caller", callerID,
		"capability", capability,
		"retry_after", retryAfter.String(),
	)
}
