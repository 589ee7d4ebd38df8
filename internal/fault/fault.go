// internal/fault/fault.go

// Package fault classifies device API outcomes so callers can tell a retryable
// network failure from a bad request, a refused request or a garbled response.
package fault

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind is the class of a failure
type Kind int

const (
	// Validation: bad caller input, never sent to the device
	Validation Kind = iota + 1
	// Transport: no response was obtained (refused, timeout, DNS, cancelled)
	Transport
	// Protocol: a response arrived with a non-success status
	Protocol
	// Decode: success status, but the body does not match the expected shape
	Decode
)

func (k Kind) String() string {
	switch k {
	case Validation:
		return "validation"
	case Transport:
		return "transport"
	case Protocol:
		return "protocol"
	case Decode:
		return "decode"
	}
	return "unknown"
}

// Sentinels for errors.Is; any *Error of the matching kind is equal to them
var (
	ErrValidation = &Error{Kind: Validation}
	ErrTransport  = &Error{Kind: Transport}
	ErrProtocol   = &Error{Kind: Protocol}
	ErrDecode     = &Error{Kind: Decode}
)

// Error is a classified failure of one device operation
type Error struct {
	Op         string // e.g. "get manifest"
	Kind       Kind
	StatusCode int    // Protocol only
	Detail     string // response snippet or validation message
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	b.WriteString(" error")
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (HTTP %d)", e.StatusCode)
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the kind sentinels
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.StatusCode == 0 && t.Err == nil && t.Detail == "" && t.Kind == e.Kind
}

// Outcome is what a single request produced, before interpretation
type Outcome struct {
	Err        error  // set when no response was obtained
	StatusCode int    // HTTP status when a response was obtained
	Body       []byte // leading bytes of a failed response body
	DecodeErr  error  // set when a 2xx body could not be decoded
}

// Classify maps an outcome onto the taxonomy. It returns nil for a clean
// success and is pure: the same outcome always yields the same kind.
func Classify(op string, o Outcome) error {
	switch {
	case o.Err != nil:
		return &Error{Op: op, Kind: Transport, Err: o.Err}
	case o.StatusCode != 0 && (o.StatusCode < 200 || o.StatusCode > 299):
		return &Error{
			Op:         op,
			Kind:       Protocol,
			StatusCode: o.StatusCode,
			Detail:     strings.TrimSpace(string(o.Body)),
		}
	case o.DecodeErr != nil:
		return &Error{Op: op, Kind: Decode, Err: o.DecodeErr}
	}
	return nil
}

// Invalid builds a validation error
func Invalid(op, format string, args ...any) error {
	return &Error{Op: op, Kind: Validation, Detail: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of a classified error, or 0 if err is not one
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// StatusCode returns the HTTP status carried by a protocol error
func StatusCode(err error) int {
	var e *Error
	if errors.As(err, &e) && e.Kind == Protocol {
		return e.StatusCode
	}
	return 0
}

// IsNotFound reports whether the device answered 404
func IsNotFound(err error) bool {
	return StatusCode(err) == http.StatusNotFound
}

// Retryable reports whether repeating the same call could succeed.
// Validation and decode failures never are.
func Retryable(err error) bool {
	switch KindOf(err) {
	case Transport:
		return true
	case Protocol:
		code := StatusCode(err)
		return code == http.StatusRequestTimeout ||
			code == http.StatusTooManyRequests ||
			code >= 500
	}
	return false
}
