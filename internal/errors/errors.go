package errors

import (
	"errors"
	"fmt"
	"time"
)

// Base error types
var (
	ErrNotFound       = errors.New("not found")
	ErrAlreadyRunning = errors.New("collection already running")
	ErrDisabled       = errors.New("service disabled")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrTimeout        = errors.New("timeout")
	ErrInvalidInput   = errors.New("invalid input")
	ErrUnavailable    = errors.New("store unavailable")
)

// Kind categorizes an error for retry decisions and HTTP mapping.
type Kind string

const (
	KindValidation  Kind = "validation"
	KindAuth        Kind = "auth"
	KindNetwork     Kind = "network"
	KindTimeout     Kind = "timeout"
	KindIntegrity   Kind = "integrity"
	KindUnavailable Kind = "unavailable"
	KindBusy        Kind = "busy"
	KindDisabled    Kind = "disabled"
	KindNotFound    Kind = "not_found"
	KindCancelled   Kind = "cancelled"
	KindInternal    Kind = "internal"
)

// AuthReason narrows KindAuth failures from the upstream portal.
type AuthReason string

const (
	AuthInvalid     AuthReason = "invalid"
	AuthLocked      AuthReason = "locked"
	AuthNetwork     AuthReason = "network"
	AuthTimeout     AuthReason = "timeout"
	AuthTagMismatch AuthReason = "tag_mismatch"
)

// CollectError is the structured error for collection and store operations.
type CollectError struct {
	Kind       Kind
	Op         string // operation that failed (e.g. "upsert_blacklist", "regtech_login")
	Service    string // source/service name where applicable
	Reason     AuthReason
	Err        error
	StatusCode int // upstream HTTP status if applicable
	Timestamp  time.Time
	Retryable  bool
}

func (e *CollectError) Error() string {
	if e.Service != "" {
		return fmt.Sprintf("%s failed on %s: %v", e.Op, e.Service, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *CollectError) Unwrap() error {
	return e.Err
}

// Is maps base sentinel errors onto kinds so callers can use errors.Is.
func (e *CollectError) Is(target error) bool {
	if target == nil {
		return false
	}
	switch target {
	case ErrNotFound:
		return e.Kind == KindNotFound
	case ErrUnauthorized:
		return e.Kind == KindAuth
	case ErrTimeout:
		return e.Kind == KindTimeout
	case ErrAlreadyRunning:
		return e.Kind == KindBusy
	case ErrDisabled:
		return e.Kind == KindDisabled
	case ErrInvalidInput:
		return e.Kind == KindValidation
	case ErrUnavailable:
		return e.Kind == KindUnavailable
	}
	return errors.Is(e.Err, target)
}

// New creates a CollectError with retryability derived from the kind.
func New(kind Kind, op, service string, err error) *CollectError {
	return &CollectError{
		Kind:      kind,
		Op:        op,
		Service:   service,
		Err:       err,
		Timestamp: time.Now(),
		Retryable: retryableKind(kind),
	}
}

// WithReason attaches an auth failure reason and refines retryability:
// a locked portal account never recovers on retry, while network and
// timeout login failures usually do.
func (e *CollectError) WithReason(r AuthReason) *CollectError {
	e.Reason = r
	switch r {
	case AuthLocked:
		e.Retryable = false
	case AuthNetwork, AuthTimeout:
		e.Retryable = true
	}
	return e
}

// WithStatusCode attaches an upstream HTTP status and refines retryability.
func (e *CollectError) WithStatusCode(code int) *CollectError {
	e.StatusCode = code
	if code >= 500 || code == 429 || code == 408 {
		e.Retryable = true
	} else if code >= 400 && code < 500 {
		e.Retryable = false
	}
	return e
}

func retryableKind(kind Kind) bool {
	switch kind {
	case KindNetwork, KindTimeout, KindUnavailable, KindBusy:
		return true
	default:
		return false
	}
}

// Wrap helpers keep call sites short.

func Auth(op, service string, reason AuthReason, err error) error {
	return New(KindAuth, op, service, err).WithReason(reason)
}

func Network(op, service string, err error) error {
	return New(KindNetwork, op, service, err)
}

func Timeout(op, service string, err error) error {
	return New(KindTimeout, op, service, err)
}

func Validation(op string, err error) error {
	return New(KindValidation, op, "", err)
}

func Integrity(op string, err error) error {
	return New(KindIntegrity, op, "", err)
}

func Busy(service string) error {
	return New(KindBusy, "trigger", service, ErrAlreadyRunning)
}

func Disabled(service string) error {
	return New(KindDisabled, "trigger", service, ErrDisabled)
}

func NotFound(op, what string) error {
	return New(KindNotFound, op, "", fmt.Errorf("%s: %w", what, ErrNotFound))
}

// KindOf extracts the kind from an error chain, defaulting to internal.
func KindOf(err error) Kind {
	var ce *CollectError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrAlreadyRunning):
		return KindBusy
	case errors.Is(err, ErrTimeout):
		return KindTimeout
	case errors.Is(err, ErrInvalidInput):
		return KindValidation
	}
	return KindInternal
}

// IsRetryable reports whether an operation should be retried with backoff.
func IsRetryable(err error) bool {
	var ce *CollectError
	if errors.As(err, &ce) {
		return ce.Retryable
	}
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrUnavailable)
}

// IsAuth reports whether the chain contains an upstream auth failure.
func IsAuth(err error) bool {
	if err == nil {
		return false
	}
	var ce *CollectError
	if errors.As(err, &ce) {
		if ce.Kind == KindAuth {
			return true
		}
		if ce.StatusCode == 401 || ce.StatusCode == 403 {
			return true
		}
	}
	return errors.Is(err, ErrUnauthorized)
}
