// Package ai talks to the external language-model backend. The client issues
// completion requests with a bounded retry policy and normalizes the two
// response shapes (single reply vs. ordered segments) into one Reply type.
// The optional fallback responder covers best-effort deployments where an
// upstream outage degrades to canned persona replies instead of an error.
package ai

import (
	"context"
	"errors"
	"fmt"
)

// Turn is one prior message in the conversation history sent upstream.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Reply is a normalized completion: one or more ordered segments. A reply
// with a single segment is delivered as one message; two or more trigger the
// staged multi-message delivery path.
type Reply struct {
	Segments []string
}

// Multi reports whether the reply must be delivered as multiple messages.
func (r Reply) Multi() bool { return len(r.Segments) > 1 }

// Error kinds for upstream failures.
const (
	KindUnavailable   = "unavailable"    // network error, timeout, non-2xx status
	KindProtocolError = "protocol_error" // 2xx but malformed or success:false
)

// UpstreamError is a failed completion attempt. Only the final attempt's
// failure is surfaced by the client.
type UpstreamError struct {
	Kind string
	Err  error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("ai: upstream %s: %v", e.Kind, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// IsUnavailable reports whether err is an upstream availability failure.
func IsUnavailable(err error) bool {
	var ue *UpstreamError
	return errors.As(err, &ue) && ue.Kind == KindUnavailable
}

// IsProtocolError reports whether err is an upstream protocol failure.
func IsProtocolError(err error) bool {
	var ue *UpstreamError
	return errors.As(err, &ue) && ue.Kind == KindProtocolError
}

// Completer is the upstream dependency as the delivery orchestrator sees it.
type Completer interface {
	Complete(ctx context.Context, systemPrompt string, history []Turn, userText string) (Reply, error)
}
