package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// ErrorKind is the flat classification callers branch on.
type ErrorKind int

const (
	KindProvider ErrorKind = iota
	KindNetwork
	KindAuth
	KindRateLimit
	KindInvalidRequest
	KindModelNotFound
	KindContentFilter
	KindTokenLimit
	KindConfig
	KindTimeout
)

var kindNames = map[ErrorKind]string{
	KindProvider:       "provider",
	KindNetwork:        "network",
	KindAuth:           "auth",
	KindRateLimit:      "rate_limit",
	KindInvalidRequest: "invalid_request",
	KindModelNotFound:  "model_not_found",
	KindContentFilter:  "content_filter",
	KindTokenLimit:     "token_limit",
	KindConfig:         "config",
	KindTimeout:        "timeout",
}

func (k ErrorKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Retryable reports whether an error of this kind may succeed on a later attempt.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindNetwork, KindTimeout, KindProvider, KindRateLimit:
		return true
	default:
		return false
	}
}

// Error is the error type returned by every provider.
type Error struct {
	Kind     ErrorKind
	Provider ProviderType
	Message  string
	Err      error
}

// NewError creates an Error. err may be nil.
func NewError(kind ErrorKind, provider ProviderType, message string, err error) *Error {
	return &Error{Kind: kind, Provider: provider, Message: message, Err: err}
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Provider != "" {
		b.WriteString(string(e.Provider))
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by kind, so errors.Is(err, &Error{Kind: KindAuth}) works.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && (t.Provider == "" || t.Provider == e.Provider)
}

// KindOf extracts the kind of err. Unclassified errors are KindProvider.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindProvider
}

// IsRetryable reports whether err should be retried.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	return KindOf(err).Retryable()
}

// StreamingUnsupported is returned by providers that cannot stream.
func StreamingUnsupported(provider ProviderType) *Error {
	return NewError(KindConfig, provider, "streaming is not supported by this provider", nil)
}

// kindForStatus maps an HTTP status code to an error kind.
func kindForStatus(status int) ErrorKind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuth
	case status == http.StatusTooManyRequests:
		return KindRateLimit
	case status == http.StatusNotFound:
		return KindModelNotFound
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return KindTimeout
	case status == http.StatusRequestEntityTooLarge:
		return KindTokenLimit
	case status >= 400 && status < 500:
		return KindInvalidRequest
	default:
		return KindProvider
	}
}

// classifyTransportError converts an error from an HTTP round trip or SDK call.
// ctx is the call context, used to tell a deadline from a caller cancellation.
func classifyTransportError(ctx context.Context, provider ProviderType, err error) *Error {
	var existing *Error
	if errors.As(err, &existing) {
		return existing
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return NewError(KindTimeout, provider, "request timed out", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return NewError(KindTimeout, provider, "request timed out", err)
		}
		return NewError(KindNetwork, provider, "backend unreachable", err)
	}
	if errors.Is(err, context.Canceled) {
		return NewError(KindNetwork, provider, "request cancelled", err)
	}
	return NewError(classifyMessage(err.Error()), provider, "request failed", err)
}

// classifyMessage inspects SDK error text for status codes and well-known phrases.
// The SDKs used here do not expose typed errors for every failure.
func classifyMessage(msg string) ErrorKind {
	m := strings.ToLower(msg)
	switch {
	case strings.Contains(m, "401"), strings.Contains(m, "403"),
		strings.Contains(m, "unauthorized"), strings.Contains(m, "invalid api key"),
		strings.Contains(m, "invalid x-api-key"), strings.Contains(m, "authentication"),
		strings.Contains(m, "permission denied"):
		return KindAuth
	case strings.Contains(m, "429"), strings.Contains(m, "rate limit"),
		strings.Contains(m, "rate_limit"), strings.Contains(m, "resource_exhausted"),
		strings.Contains(m, "quota"):
		return KindRateLimit
	case strings.Contains(m, "context length"), strings.Contains(m, "context_length_exceeded"),
		strings.Contains(m, "maximum context"), strings.Contains(m, "too many tokens"):
		return KindTokenLimit
	case strings.Contains(m, "content_filter"), strings.Contains(m, "content policy"),
		strings.Contains(m, "safety"):
		return KindContentFilter
	case strings.Contains(m, "model_not_found"), strings.Contains(m, "model not found"),
		strings.Contains(m, "404"), strings.Contains(m, "not_found"):
		return KindModelNotFound
	case strings.Contains(m, "400"), strings.Contains(m, "invalid_request"),
		strings.Contains(m, "invalid argument"), strings.Contains(m, "invalid_argument"):
		return KindInvalidRequest
	case strings.Contains(m, "timeout"), strings.Contains(m, "deadline exceeded"):
		return KindTimeout
	case strings.Contains(m, "connection refused"), strings.Contains(m, "no such host"),
		strings.Contains(m, "connection reset"), strings.Contains(m, "eof"):
		return KindNetwork
	default:
		return KindProvider
	}
}
