package model

import (
	"cmp"
	"errors"
	"strconv"
	"strings"
)

var (
	// ErrStreamingUnsupported indicates the model provider does not implement
	// streaming for the requested model/parameters.
	ErrStreamingUnsupported = errors.New("model: streaming not supported")

	// ErrRateLimited indicates the provider throttled the request.
	ErrRateLimited = errors.New("model: rate limited")
)

// ProviderErrorKind classifies provider failures into a small set of categories
// suitable for retry and UX decisions.
type ProviderErrorKind string

const (
	// ProviderErrorKindAuth indicates authentication/authorization failures.
	ProviderErrorKindAuth ProviderErrorKind = "auth"

	// ProviderErrorKindInvalidRequest indicates the request is invalid and retrying
	// without changing the request will not succeed.
	ProviderErrorKindInvalidRequest ProviderErrorKind = "invalid_request"

	// ProviderErrorKindRateLimited indicates the provider is throttling requests.
	ProviderErrorKindRateLimited ProviderErrorKind = "rate_limited"

	// ProviderErrorKindUnavailable indicates a transient provider failure (5xx,
	// network issues) where a retry may succeed.
	ProviderErrorKindUnavailable ProviderErrorKind = "unavailable"

	// ProviderErrorKindUnknown indicates an unclassified provider failure.
	ProviderErrorKindUnknown ProviderErrorKind = "unknown"
)

type (
	// ProviderFailure describes a failed provider call as reported by an
	// adapter. Provider is required. When Kind is empty it is derived from
	// Status.
	ProviderFailure struct {
		Provider  string
		Operation string
		Status    int
		Kind      ProviderErrorKind
		Code      string
		Message   string
		RequestID string
		Cause     error
	}

	// ProviderError is the error returned by adapters for failed provider
	// calls. It gives callers the same structured view whichever provider
	// failed.
	ProviderError struct {
		f ProviderFailure
	}
)

// NewProviderErrorFromStatus builds a ProviderError from f, classifying the
// failure from its HTTP status unless f.Kind is set.
func NewProviderErrorFromStatus(f ProviderFailure) *ProviderError {
	if f.Provider == "" {
		panic("model: provider is required")
	}
	if f.Kind == "" {
		f.Kind = KindForStatus(f.Status)
	}
	return &ProviderError{f: f}
}

// KindForStatus maps an HTTP status code to a provider error kind.
func KindForStatus(status int) ProviderErrorKind {
	switch {
	case status == 400 || status == 404 || status == 413 || status == 422:
		return ProviderErrorKindInvalidRequest
	case status == 401 || status == 403:
		return ProviderErrorKindAuth
	case status == 429:
		return ProviderErrorKindRateLimited
	case status >= 500 && status <= 599:
		return ProviderErrorKindUnavailable
	}
	return ProviderErrorKindUnknown
}

func (e *ProviderError) Provider() string { return e.f.Provider }

// Operation returns the provider operation name, for example "converse".
func (e *ProviderError) Operation() string { return e.f.Operation }

// HTTPStatus returns the HTTP status code or 0 when unknown.
func (e *ProviderError) HTTPStatus() int { return e.f.Status }

func (e *ProviderError) Kind() ProviderErrorKind { return e.f.Kind }

func (e *ProviderError) Code() string { return e.f.Code }

func (e *ProviderError) Message() string { return e.f.Message }

func (e *ProviderError) RequestID() string { return e.f.RequestID }

// Retryable reports whether the same request may succeed later: throttled
// and unavailable providers are retryable, everything else is not.
func (e *ProviderError) Retryable() bool {
	return e.f.Kind == ProviderErrorKindRateLimited || e.f.Kind == ProviderErrorKindUnavailable
}

// Error renders "<provider> <kind> [<status> ](<operation>): [<code>: ]<message>".
func (e *ProviderError) Error() string {
	var b strings.Builder
	b.WriteString(e.f.Provider + " " + string(e.f.Kind) + " ")
	if e.f.Status > 0 {
		b.WriteString(strconv.Itoa(e.f.Status) + " ")
	}
	op := cmp.Or(e.f.Operation, "request")
	b.WriteString("(" + op + "): ")
	if e.f.Code != "" {
		b.WriteString(e.f.Code + ": ")
	}
	msg := e.f.Message
	if msg == "" && e.f.Cause != nil {
		msg = e.f.Cause.Error()
	}
	b.WriteString(cmp.Or(msg, "provider error"))
	return b.String()
}

// Unwrap returns the underlying provider error to preserve the original error chain.
func (e *ProviderError) Unwrap() error { return e.f.Cause }

// Is reports rate limited provider errors as ErrRateLimited so callers can use
// errors.Is regardless of how the adapter wrapped the failure.
func (e *ProviderError) Is(target error) bool {
	return target == ErrRateLimited && e.f.Kind == ProviderErrorKindRateLimited
}

// AsProviderError returns the first ProviderError in err's chain, if any.
func AsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
