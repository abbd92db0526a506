package federation

import (
	"errors"
	"fmt"
)

// Kind is the federation core's error taxonomy (§7).
type Kind string

const (
	KindNotFound             Kind = "not_found"
	KindBadRequest           Kind = "bad_request"
	KindUnauthorised         Kind = "unauthorised"
	KindUnsupportedMediaType Kind = "unsupported_media_type"
	KindMissingHost          Kind = "missing_host"
	KindTransient            Kind = "transient"
	KindCrypto               Kind = "crypto"
	KindStorage              Kind = "storage"
)

// Error wraps a Kind and, usually, a cause. Constructed with one of the
// NewXxx helpers below; callers inspect it with errors.As or Is().
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error with the same Kind, so
// errors.Is(err, &Error{Kind: KindTransient}) matches any wrapped *Error of
// that Kind; KindOf extracts the Kind directly.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return other.Kind == e.Kind
	}
	return false
}

func newErr(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: cause}
}

func NewNotFound(msg string, cause error) *Error      { return newErr(KindNotFound, msg, cause) }
func NewBadRequest(msg string, cause error) *Error     { return newErr(KindBadRequest, msg, cause) }
func NewUnauthorised(msg string, cause error) *Error   { return newErr(KindUnauthorised, msg, cause) }
func NewUnsupportedMediaType(msg string, cause error) *Error {
	return newErr(KindUnsupportedMediaType, msg, cause)
}
func NewMissingHost(msg string, cause error) *Error { return newErr(KindMissingHost, msg, cause) }
func NewTransient(msg string, cause error) *Error   { return newErr(KindTransient, msg, cause) }
func NewCrypto(msg string, cause error) *Error      { return newErr(KindCrypto, msg, cause) }
func NewStorage(msg string, cause error) *Error     { return newErr(KindStorage, msg, cause) }

// KindOf extracts the Kind of err if it (or something it wraps) is an
// *Error, and ok=false otherwise.
func KindOf(err error) (Kind, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind, true
	}
	return "", false
}

// IsRetryable reports whether err should cause a delivery job to be
// re-enqueued with backoff rather than dropped (§4.9, §7).
func IsRetryable(err error) bool {
	kind, ok := KindOf(err)
	if !ok {
		return false
	}
	return kind == KindTransient
}
