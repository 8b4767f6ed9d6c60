package loader

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies why a load failed
type Kind int

const (
	// KindUnknown is used for errors that carry no classification
	KindUnknown Kind = iota

	// KindNotFound means the document is absent from the backing store. Never retried.
	KindNotFound

	// KindRequestRejected means the origin refused the request (bad request or auth failure)
	KindRequestRejected

	// KindServerUnavailable covers 5xx responses and transport failures once retries are spent
	KindServerUnavailable

	// KindConfigurationInvalid is returned when a loader is constructed with invalid settings
	KindConfigurationInvalid

	// KindProviderFailure means the dynamic header provider failed for the request
	KindProviderFailure

	// KindIO is a local read failure (filesystem, embedded, database)
	KindIO

	// KindHTTP is any other unexpected HTTP status
	KindHTTP

	// KindTooLarge means the document exceeded the configured size limit
	KindTooLarge

	// KindCanceled means the caller's context ended before the load finished
	KindCanceled

	// KindUnavailable is returned by loaders that cannot serve anything
	KindUnavailable
)

// Sentinels, one per kind, usable with errors.Is
var (
	ErrNotFound             = errors.New("document not found")
	ErrRequestRejected      = errors.New("request rejected")
	ErrServerUnavailable    = errors.New("server unavailable")
	ErrConfigurationInvalid = errors.New("invalid configuration")
	ErrProviderFailure      = errors.New("header provider failed")
	ErrIO                   = errors.New("i/o failure")
	ErrHTTP                 = errors.New("unexpected http status")
	ErrTooLarge             = errors.New("document too large")
	ErrCanceled             = errors.New("load canceled")
	ErrUnavailable          = errors.New("loader unavailable")
)

var kindSentinels = map[Kind]error{
	KindNotFound:             ErrNotFound,
	KindRequestRejected:      ErrRequestRejected,
	KindServerUnavailable:    ErrServerUnavailable,
	KindConfigurationInvalid: ErrConfigurationInvalid,
	KindProviderFailure:      ErrProviderFailure,
	KindIO:                   ErrIO,
	KindHTTP:                 ErrHTTP,
	KindTooLarge:             ErrTooLarge,
	KindCanceled:             ErrCanceled,
	KindUnavailable:          ErrUnavailable,
}

// String returns the sentinel message for the kind
func (k Kind) String() string {
	if s, ok := kindSentinels[k]; ok {
		return s.Error()
	}
	return "unknown error"
}

// Error is the failure returned by every loader in this module.
// It identifies the document key, how many attempts were made and the
// underlying cause.
type Error struct {
	Kind Kind

	// Key is the document identifier the caller asked for
	Key string

	// Attempts is the number of fetch attempts made; zero for loaders that never retry
	Attempts int

	// StatusCode is the last HTTP status seen, if any
	StatusCode int

	// Err is the underlying cause, may be nil
	Err error
}

// Error implements error
func (e *Error) Error() string {
	var b strings.Builder
	if e.Key == "" {
		b.WriteString(e.Kind.String())
	} else {
		fmt.Fprintf(&b, "failed to load %q: %s", e.Key, e.Kind)
	}
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (HTTP %d)", e.StatusCode)
	}
	if e.Attempts > 0 {
		fmt.Fprintf(&b, " after %d attempt(s)", e.Attempts)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel for this error's kind
func (e *Error) Is(target error) bool {
	s, ok := kindSentinels[e.Kind]
	return ok && s == target
}

// NewError creates an Error of the given kind for key
func NewError(kind Kind, key string, err error) *Error {
	return &Error{Kind: kind, Key: key, Err: err}
}

// NotFound returns a KindNotFound error for key
func NotFound(key string, err error) *Error {
	return NewError(KindNotFound, key, err)
}

// IOFailure returns a KindIO error for key
func IOFailure(key string, err error) *Error {
	return NewError(KindIO, key, err)
}

// KindOf extracts the Kind of err, or KindUnknown if err is not an *Error
func KindOf(err error) Kind {
	var le *Error
	if errors.As(err, &le) {
		return le.Kind
	}
	return KindUnknown
}

// IsNotFound reports whether err means the document does not exist
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
