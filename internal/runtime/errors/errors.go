// Package errors defines the error taxonomy shared by clients, the schema
// registry and the dispatch loop. Every error can be reduced to a Kind, which
// maps onto an HTTP-like status code and a metrics category.
package errors

import (
	"context"
	sterrors "errors"
	"fmt"
	"net/http"
)

var (
	ErrServiceRequired = sterrors.New("msgbridge: service is required")
	ErrHandlerRequired = sterrors.New("msgbridge: message handler is required")
	ErrClientRequired  = sterrors.New("msgbridge: client is required")
	ErrTopicRequired   = sterrors.New("msgbridge: topic is required")
	ErrTopicsRequired  = sterrors.New("msgbridge: at least one topic is required")
	ErrConfigRequired  = sterrors.New("msgbridge: configuration is required")
	ErrLoggerRequired  = sterrors.New("msgbridge: logger is required")
	ErrClientClosed    = sterrors.New("msgbridge: client is closed")
)

// Kind classifies a failure.
type Kind int

const (
	// ImATeaPot is the catch-all for unclassified failures.
	ImATeaPot Kind = iota
	BadRequest
	Unauthorized
	NotFound
	Gone
	ServerError
	BadGateway
	ServiceUnavailable
	// Timeout is only produced by request/reply.
	Timeout
)

var kindNames = map[Kind]string{
	ImATeaPot:          "im_a_teapot",
	BadRequest:         "bad_request",
	Unauthorized:       "unauthorized",
	NotFound:           "not_found",
	Gone:               "gone",
	ServerError:        "server_error",
	BadGateway:         "bad_gateway",
	ServiceUnavailable: "service_unavailable",
	Timeout:            "timeout",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return kindNames[ImATeaPot]
}

// StatusCode returns the HTTP status code matching the kind.
func (k Kind) StatusCode() int {
	switch k {
	case BadRequest:
		return http.StatusBadRequest
	case Unauthorized:
		return http.StatusUnauthorized
	case NotFound:
		return http.StatusNotFound
	case Gone:
		return http.StatusGone
	case ServerError:
		return http.StatusInternalServerError
	case BadGateway:
		return http.StatusBadGateway
	case ServiceUnavailable:
		return http.StatusServiceUnavailable
	case Timeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusTeapot
	}
}

// Category is the metrics tag used when counting failures of this kind.
type Category string

const (
	CategoryProcessing    Category = "processing"
	CategoryExternal      Category = "external"
	CategoryRuntime       Category = "runtime"
	CategoryParsing       Category = "parsing"
	CategoryAuthorization Category = "authorization"
	CategoryNotFound      Category = "not-found"
	CategoryDeprecated    Category = "deprecated"
	CategoryOther         Category = "other"
)

// Category maps the kind onto its metrics category.
func (k Kind) Category() Category {
	switch k {
	case BadRequest:
		return CategoryParsing
	case Unauthorized:
		return CategoryAuthorization
	case NotFound:
		return CategoryNotFound
	case Gone:
		return CategoryDeprecated
	case ServerError:
		return CategoryRuntime
	case BadGateway, ServiceUnavailable:
		return CategoryExternal
	case Timeout:
		return CategoryProcessing
	default:
		return CategoryOther
	}
}

// KindFromStatus maps an HTTP status code back onto a Kind.
func KindFromStatus(code int) Kind {
	switch code {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return BadRequest
	case http.StatusUnauthorized, http.StatusForbidden:
		return Unauthorized
	case http.StatusNotFound:
		return NotFound
	case http.StatusGone:
		return Gone
	case http.StatusInternalServerError:
		return ServerError
	case http.StatusBadGateway:
		return BadGateway
	case http.StatusServiceUnavailable:
		return ServiceUnavailable
	case http.StatusGatewayTimeout, http.StatusRequestTimeout:
		return Timeout
	default:
		return ImATeaPot
	}
}

// Error is a classified failure. Op names the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("msgbridge: %s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("msgbridge: %s: %v", e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("msgbridge: %s: %s", e.Op, e.Kind)
	default:
		return "msgbridge: " + e.Kind.String()
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Op == "" || t.Op == e.Op) && t.Err == nil
}

// New creates an Error of kind with a plain message.
func New(kind Kind, op, msg string) error {
	return &Error{Kind: kind, Op: op, Err: sterrors.New(msg)}
}

// Wrap classifies err as kind. It returns nil when err is nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the Kind from err. Deadline errors count as Timeout and
// everything unclassified as ImATeaPot.
func KindOf(err error) Kind {
	if err == nil {
		return ImATeaPot
	}
	var e *Error
	if sterrors.As(err, &e) {
		return e.Kind
	}
	if sterrors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}
	if sterrors.Is(err, ErrClientClosed) {
		return ServiceUnavailable
	}
	return ImATeaPot
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// ConfigValidationError wraps configuration validation failures.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return "msgbridge: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error {
	return e.Err
}

// NewConfigValidationError wraps err, returning nil for a nil err.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}
