// Package invocation defines the result envelope and error taxonomy shared by
// the registry, retry engine, connection manager and tool adapter. Every tool
// call, local or remote, resolves to a Result; failures are carried as typed
// errors so retry decisions can be made on the error kind rather than on
// string matching.
package invocation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
)

// ErrorKind classifies an invocation failure.
type ErrorKind string

const (
	// KindNotFound indicates an unknown or disabled capability.
	KindNotFound ErrorKind = "not_found"
	// KindInvalidArguments indicates the arguments failed schema validation.
	KindInvalidArguments ErrorKind = "invalid_arguments"
	// KindRateLimited indicates the caller's rate bucket is exhausted.
	KindRateLimited ErrorKind = "rate_limited"
	// KindTimeout indicates a deadline expired while waiting on a transport
	// response or a backoff sleep.
	KindTimeout ErrorKind = "timeout"
	// KindTransport indicates a connection-level failure.
	KindTransport ErrorKind = "transport_error"
	// KindRemoteExecution indicates the remote server ran the capability and
	// reported failure.
	KindRemoteExecution ErrorKind = "remote_execution_error"
	// KindInternal is the catch-all for untyped failures.
	KindInternal ErrorKind = "internal_error"
)

// Error is a typed invocation failure. Retryable is advisory and only
// consulted for KindRemoteExecution; transport and timeout errors are
// gated by the capability's idempotency declaration alone.
type Error struct {
	Kind       ErrorKind
	Retryable  bool
	RetryAfter time.Duration
	msg        string
	cause      error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.msg, e.cause.Error())
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.msg)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// NewError creates a typed failure with a formatted message.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{
		Kind: kind,
		msg:  fmt.Sprintf(format, args...),
	}
}

// WrapError annotates an underlying error with a kind.
// A nil err returns nil.
func WrapError(kind ErrorKind, err error, msg string) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Kind:  kind,
		msg:   msg,
		cause: err,
	}
}

// WithRetryable marks the error as retryable for policies that additionally
// tag remote execution errors.
func (e *Error) WithRetryable() *Error {
	e.Retryable = true
	return e
}

// WithRetryAfter attaches the estimated wait before the call may succeed.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.RetryAfter = d
	return e
}

// KindOf extracts the error kind. Context expiry maps to KindTimeout;
// anything untyped is KindInternal.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var ie *Error
	if errors.As(err, &ie) {
		return ie.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTimeout
	}
	return KindInternal
}

// IsRetryableTagged reports whether the error was explicitly tagged retryable.
func IsRetryableTagged(err error) bool {
	var ie *Error
	if errors.As(err, &ie) {
		return ie.Retryable
	}
	return false
}

// RetryAfterOf extracts the retry-after hint, if any.
func RetryAfterOf(err error) time.Duration {
	var ie *Error
	if errors.As(err, &ie) {
		return ie.RetryAfter
	}
	return 0
}

// BlockKind tags one unit of invocation output.
type BlockKind string

const (
	// BlockText is plain text output.
	BlockText BlockKind = "text"
	// BlockBinary references binary or media content by URI rather than
	// embedding it.
	BlockBinary BlockKind = "binary_ref"
	// BlockResource is a structured payload kept as raw JSON.
	BlockResource BlockKind = "resource"
)

// ContentBlock is a tagged union over the supported output kinds. The Kind
// field decides which of the remaining fields are meaningful; classification
// is always structural, coming from the declared content type of the
// producing side, never inferred from the payload text.
type ContentBlock struct {
	Kind     BlockKind       `json:"kind"`
	Text     string          `json:"text,omitempty"`
	URI      string          `json:"uri,omitempty"`
	MimeType string          `json:"mimeType,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
}

// TextBlock creates a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Kind: BlockText, Text: text}
}

// BinaryBlock creates a binary reference block.
func BinaryBlock(uri, mimeType string) ContentBlock {
	return ContentBlock{Kind: BlockBinary, URI: uri, MimeType: mimeType}
}

// ResourceBlock creates a structured resource block.
func ResourceBlock(raw json.RawMessage) ContentBlock {
	return ContentBlock{Kind: BlockResource, Resource: raw}
}

// Status reports the overall outcome of an invocation.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// Result is the normalized invocation envelope returned to the agent loop.
// Failures are always expressed here, never as faults across the adapter
// boundary.
type Result struct {
	// ID correlates the result with log and callback events.
	ID     string `json:"id,omitempty"`
	Status Status `json:"status"`
	// Content is the ordered sequence of output blocks. Present on success
	// only.
	Content []ContentBlock `json:"content,omitempty"`
	// ErrorKind and Error are present iff Status is StatusFailure.
	ErrorKind ErrorKind `json:"errorKind,omitempty"`
	Error     string    `json:"error,omitempty"`
	// RetryAfter is the estimated wait suggested for rate-limited failures.
	RetryAfter time.Duration `json:"retryAfter,omitempty"`
	// Attempts is the number of attempts actually made.
	Attempts int `json:"attempts"`
}

// Success creates a successful result with the given blocks.
func Success(blocks []ContentBlock, attempts int) *Result {
	return &Result{
		Status:   StatusSuccess,
		Content:  blocks,
		Attempts: attempts,
	}
}

// Failure creates a failed result from an error, extracting the kind and
// any retry-after hint.
func Failure(err error, attempts int) *Result {
	return &Result{
		Status:     StatusFailure,
		ErrorKind:  KindOf(err),
		Error:      err.Error(),
		RetryAfter: RetryAfterOf(err),
		Attempts:   attempts,
	}
}
