package types

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies every failure that reaches the filesystem layer.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindNotFound
	KindTransient
	KindPermanent
	KindRateLimited
	KindReadOnly
)

func (k ErrorKind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindRateLimited:
		return "rate_limited"
	case KindReadOnly:
		return "read_only"
	default:
		return "unknown"
	}
}

var (
	ErrNotFound    = errors.New("not found")
	ErrTransient   = errors.New("transient remote failure")
	ErrPermanent   = errors.New("permanent remote failure")
	ErrRateLimited = errors.New("rate limited")
	ErrReadOnly    = errors.New("read-only filesystem")
)

var kindSentinels = map[ErrorKind]error{
	KindNotFound:    ErrNotFound,
	KindTransient:   ErrTransient,
	KindPermanent:   ErrPermanent,
	KindRateLimited: ErrRateLimited,
	KindReadOnly:    ErrReadOnly,
}

// FSError is a classified failure. Op names the component operation that
// failed and Key the resource it was acting on.
type FSError struct {
	Kind       ErrorKind
	Op         string
	Key        string
	RetryAfter time.Duration
	Err        error
}

func (e *FSError) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Key != "" {
		msg += " (" + e.Key + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FSError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrPermanent) and friends match on kind.
func (e *FSError) Is(target error) bool {
	s, ok := kindSentinels[e.Kind]
	return ok && s == target
}

// NewError builds a classified error.
func NewError(kind ErrorKind, op, key string, err error) *FSError {
	return &FSError{Kind: kind, Op: op, Key: key, Err: err}
}

// KindOf returns the kind of a classified error, KindUnknown otherwise.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	var fe *FSError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	for kind, s := range kindSentinels {
		if errors.Is(err, s) {
			return kind
		}
	}
	return KindUnknown
}

// Retryable reports whether a failure of this kind may succeed on retry.
func (k ErrorKind) Retryable() bool {
	return k == KindTransient || k == KindRateLimited
}

// Wrap re-labels an already classified error with a new op and key while
// keeping its kind. Unclassified errors become Transient.
func Wrap(op, key string, err error) error {
	if err == nil {
		return nil
	}
	var fe *FSError
	if errors.As(err, &fe) {
		if fe.Op == op && fe.Key == key {
			return fe
		}
		return &FSError{Kind: fe.Kind, Op: op, Key: key, RetryAfter: fe.RetryAfter, Err: fe}
	}
	return &FSError{Kind: KindTransient, Op: op, Key: key, Err: fmt.Errorf("unclassified: %w", err)}
}
