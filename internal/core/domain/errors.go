package domain

import (
	"errors"
	"fmt"
	"time"
)

// ErrNoCapacity is the tracker's single failure mode: every subscription is
// disabled, saturated, or cooling down.
var ErrNoCapacity = errors.New("no subscription capacity available")

// ErrorKind is the wire-level error taxonomy for proxy-originated errors.
// Upstream-originated bodies are never rewritten into these.
type ErrorKind string

const (
	ErrKindOverloaded      ErrorKind = "overloaded"
	ErrKindRateLimit       ErrorKind = "rate_limit"
	ErrKindRequestTooLarge ErrorKind = "request_too_large"
	ErrKindTimeout         ErrorKind = "timeout"
	ErrKindProxyError      ErrorKind = "proxy_error"
	ErrKindUnauthorized    ErrorKind = "unauthorized"
	ErrKindNotReady        ErrorKind = "not_ready"
)

// ErrorEnvelope is the JSON body for every proxy-originated error.
type ErrorEnvelope struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Type    ErrorKind `json:"type"`
	Message string    `json:"message"`
}

func NewErrorEnvelope(kind ErrorKind, message string) ErrorEnvelope {
	return ErrorEnvelope{Error: ErrorDetail{Type: kind, Message: message}}
}

// ProxyError wraps an upstream transport failure with request context for
// logging.
type ProxyError struct {
	Err          error
	RequestID    string
	Subscription string
	Method       string
	Path         string
	StatusCode   int
	Latency      time.Duration
}

func (e *ProxyError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("proxy request failed [%s] %s %s via %s: HTTP %d after %v: %v",
			e.RequestID, e.Method, e.Path, e.Subscription, e.StatusCode, e.Latency, e.Err)
	}
	return fmt.Sprintf("proxy request failed [%s] %s %s via %s: %v after %v",
		e.RequestID, e.Method, e.Path, e.Subscription, e.Err, e.Latency)
}

func (e *ProxyError) Unwrap() error {
	return e.Err
}

type ConfigValidationError struct {
	Field  string
	Value  interface{}
	Reason string
}

func (e *ConfigValidationError) Error() string {
	return fmt.Sprintf("invalid configuration for %s=%v: %s", e.Field, e.Value, e.Reason)
}
