package backend

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a poll/auth failure for the supervisor's state machine.
type Kind int

const (
	// KindTransient covers network errors and timeouts. Retried with backoff.
	KindTransient Kind = iota
	// KindAuthExpired means the session or second factor is no longer valid.
	// Requires external re-credentialing; never retried automatically.
	KindAuthExpired
	// KindFatal means the account is misconfigured or unsupported.
	// The account is disabled until the configuration changes.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindAuthExpired:
		return "auth_expired"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is a classified backend failure.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func Transient(op string, err error) error {
	return &Error{Kind: KindTransient, Op: op, Err: err}
}

func AuthExpired(op string, err error) error {
	return &Error{Kind: KindAuthExpired, Op: op, Err: err}
}

func Fatal(op string, err error) error {
	return &Error{Kind: KindFatal, Op: op, Err: err}
}

// KindOf classifies any error. Unclassified errors and context deadlines count
// as transient: retrying with backoff is the safe default for an unattended
// daemon.
func KindOf(err error) Kind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	return KindTransient
}

func IsAuthExpired(err error) bool { return err != nil && KindOf(err) == KindAuthExpired }
func IsFatal(err error) bool       { return err != nil && KindOf(err) == KindFatal }
func IsTransient(err error) bool   { return err != nil && KindOf(err) == KindTransient }
