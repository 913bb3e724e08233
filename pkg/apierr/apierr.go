// Package apierr provides the gateway's error taxonomy (kinds, not Go type
// names — see Kind) together with the OpenAI-compatible JSON envelope and
// fasthttp response helpers used to surface them at the HTTP boundary.
package apierr

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/valyala/fasthttp"
)

// Kind is the error taxonomy from the dispatch engine's design: a closed set
// of failure categories, each with a fixed HTTP status and propagation rule.
type Kind string

const (
	KindClient         Kind = "client_error"
	KindAuth           Kind = "auth_error"
	KindRateLimit      Kind = "rate_limit_error"
	KindProvider       Kind = "provider_error"
	KindCircuitOpen    Kind = "circuit_open"
	KindConfiguration  Kind = "configuration_error"
	KindProtocol       Kind = "protocol_error"
	KindAllProviders   Kind = "all_providers_failed"
	KindOverloaded     Kind = "overloaded"
	KindInternal       Kind = "internal_error"
)

// status maps each Kind to its HTTP status code per spec §6/§7.
var status = map[Kind]int{
	KindClient:        fasthttp.StatusBadRequest,
	KindAuth:          fasthttp.StatusUnauthorized,
	KindRateLimit:     fasthttp.StatusTooManyRequests,
	KindProvider:      fasthttp.StatusBadGateway,
	KindCircuitOpen:   fasthttp.StatusServiceUnavailable,
	KindConfiguration: fasthttp.StatusBadGateway,
	KindProtocol:      fasthttp.StatusBadGateway,
	KindAllProviders:  fasthttp.StatusBadGateway,
	KindOverloaded:    fasthttp.StatusServiceUnavailable,
	KindInternal:      fasthttp.StatusInternalServerError,
}

// Error is the engine-internal error value carrying a Kind, a client-safe
// message, a stable Code, and optional structured Details (e.g. per-provider
// causes for AllProvidersFailed). Internal causes are wrapped via Unwrap but
// never serialized to the client — see Write.
type Error struct {
	Kind    Kind
	Message string
	Code    string
	Details map[string]any
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// HTTPStatus returns the status code for this error's Kind.
func (e *Error) HTTPStatus() int {
	if s, ok := status[e.Kind]; ok {
		return s
	}
	return fasthttp.StatusInternalServerError
}

// New constructs an *Error.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Wrap constructs an *Error that wraps an internal cause; the cause is never
// surfaced to the client, only logged server-side.
func Wrap(kind Kind, code, message string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, cause: cause}
}

// WithDetails attaches structured detail fields and returns the same error
// for chaining.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// As reports whether err (or something it wraps) is an *Error, matching the
// standard errors.As contract.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// envelope is the wire format: {"error": {"message","type","code","details?"}}.
type envelope struct {
	Error wireError `json:"error"`
}

type wireError struct {
	Message string         `json:"message"`
	Type    string         `json:"type"`
	Code    string         `json:"code"`
	Details map[string]any `json:"details,omitempty"`
}

// Write serializes err to the fasthttp response, choosing status from its
// Kind when err is an *Error, or 500/internal_error otherwise (never leaking
// the underlying cause or a stack trace to the client).
func Write(ctx *fasthttp.RequestCtx, err error) {
	e, ok := As(err)
	if !ok {
		e = New(KindInternal, "internal_error", "internal server error")
	}
	ctx.SetStatusCode(e.HTTPStatus())
	ctx.SetContentType("application/json")
	if e.Kind == KindRateLimit {
		if ra, ok := e.Details["retry_after_seconds"]; ok {
			ctx.Response.Header.Set("Retry-After", fmt.Sprintf("%v", ra))
		} else {
			ctx.Response.Header.Set("Retry-After", "60")
		}
	}
	body, _ := json.Marshal(envelope{Error: wireError{
		Message: e.Message,
		Type:    string(e.Kind),
		Code:    e.Code,
		Details: e.Details,
	}})
	ctx.SetBody(body)
}
