// Package rpcerr defines the client-facing error taxonomy every component
// in the adapter maps its failures into before they reach a transport.
//
// Every failure path is an explicit typed value produced by the component
// that detected it (validation, admission, upstream classification);
// nothing unwinds across layers as a bare error, and retries stay confined
// to the upstream client — this package never retries anything itself.
package rpcerr

import "fmt"

// Kind is the closed set of client-facing error categories from the
// adapter's error handling design. Each carries a stable JSON-RPC code.
type Kind string

const (
	KindInvalidParams          Kind = "invalid-params"
	KindUnauthorised           Kind = "unauthorised"
	KindForbidden              Kind = "forbidden"
	KindRateLimited            Kind = "rate-limited"
	KindNotFound               Kind = "not-found"
	KindConflict               Kind = "conflict"
	KindUpstreamUnavailable    Kind = "upstream-unavailable"
	KindUpstreamRejected       Kind = "upstream-rejected"
	KindCredentialUnavailable  Kind = "credential-unavailable"
	KindTimeout                Kind = "timeout"
	KindInternal               Kind = "internal"
	KindMethodNotFound         Kind = "method-not-found"
	KindParseError             Kind = "parse-error"
)

// codes maps each Kind to its stable JSON-RPC numeric code. invalid-params,
// internal, method-not-found, and parse-error reuse the JSON-RPC 2.0
// reserved codes; the rest live in the -32000..-32099 "server error" band.
var codes = map[Kind]int{
	KindInvalidParams:         -32602,
	KindUnauthorised:          -32001,
	KindForbidden:             -32002,
	KindRateLimited:           -32005,
	KindNotFound:              -32004,
	KindConflict:              -32009,
	KindUpstreamUnavailable:   -32010,
	KindUpstreamRejected:      -32011,
	KindCredentialUnavailable: -32012,
	KindTimeout:               -32013,
	KindInternal:              -32603,
	KindMethodNotFound:        -32601,
	KindParseError:            -32700,
}

// retryable reports which kinds a caller may legitimately retry, per the
// error handling design's "retryable" column.
var retryable = map[Kind]bool{
	KindRateLimited:           true,
	KindUpstreamUnavailable:   true,
	KindCredentialUnavailable: true,
	KindTimeout:               true,
}

// Data carries the optional structured detail attached to upstream-derived
// errors. Fields are omitted (left zero) when not relevant to the error.
type Data struct {
	UpstreamStatus  int    `json:"upstream-status,omitempty"`
	UpstreamMessage string `json:"upstream-message,omitempty"`
	RequestID       string `json:"request-id,omitempty"`
	RetryAfter      int    `json:"retry-after,omitempty"`
	Field           string `json:"field,omitempty"`
}

// Error is the typed error value every component surfaces. It never embeds
// secrets; SanitizeError-style callers should log full detail separately.
type Error struct {
	Kind    Kind
	Message string
	Data    *Data
	cause   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the underlying cause, if any, for errors.Is/As chains.
func (e *Error) Unwrap() error { return e.cause }

// Code returns the stable JSON-RPC numeric code for the error's Kind.
func (e *Error) Code() int { return codes[e.Kind] }

// Retryable reports whether a caller may retry after this error.
func (e *Error) Retryable() bool { return retryable[e.Kind] }

// New constructs an Error of the given kind with a message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs an Error of the given kind that preserves cause for
// logging and errors.Is/As, without leaking cause's text to clients unless
// the caller explicitly includes it in message.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
}

// WithData attaches structured detail and returns the receiver for chaining.
func (e *Error) WithData(d Data) *Error {
	e.Data = &d
	return e
}

// InvalidParam is a convenience constructor for validation failures that
// must name the offending field per the adapter's validation contract.
func InvalidParam(field, format string, args ...any) *Error {
	return New(KindInvalidParams, format, args...).WithData(Data{Field: field})
}

// As extracts an *Error from err, returning nil if err is not one.
func As(err error) *Error {
	var e *Error
	if ok := asError(err, &e); ok {
		return e
	}
	return nil
}

func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
