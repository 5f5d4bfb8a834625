// Package errs defines the error kinds shared by the channel fabric, the protocol
// handler and the HTTP API.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error for handling purposes
type Kind int

const (
	KindUnknown Kind = iota
	KindNotFound
	KindAlreadyExists
	KindAuthFailed
	KindRateLimited
	KindPayloadTooLarge
	KindPresenceLimitExceeded
	KindBrokerUnavailable
	KindAggregateTimeout
	KindInvalidChannel
	KindShuttingDown
	KindInternal
)

var kindNames = map[Kind]string{
	KindUnknown:               "unknown",
	KindNotFound:              "not_found",
	KindAlreadyExists:         "already_exists",
	KindAuthFailed:            "auth_failed",
	KindRateLimited:           "rate_limited",
	KindPayloadTooLarge:       "payload_too_large",
	KindPresenceLimitExceeded: "presence_limit_exceeded",
	KindBrokerUnavailable:     "broker_unavailable",
	KindAggregateTimeout:      "aggregate_timeout",
	KindInvalidChannel:        "invalid_channel",
	KindShuttingDown:          "shutting_down",
	KindInternal:              "internal",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

var (
	ErrNotFound              = &Error{Kind: KindNotFound}
	ErrAlreadyExists         = &Error{Kind: KindAlreadyExists}
	ErrAuthFailed            = &Error{Kind: KindAuthFailed}
	ErrRateLimited           = &Error{Kind: KindRateLimited}
	ErrPayloadTooLarge       = &Error{Kind: KindPayloadTooLarge}
	ErrPresenceLimitExceeded = &Error{Kind: KindPresenceLimitExceeded}
	ErrBrokerUnavailable     = &Error{Kind: KindBrokerUnavailable}
	ErrAggregateTimeout      = &Error{Kind: KindAggregateTimeout}
	ErrInvalidChannel        = &Error{Kind: KindInvalidChannel}
	ErrShuttingDown          = &Error{Kind: KindShuttingDown}
	ErrInternal              = &Error{Kind: KindInternal}
)

// Error carries a Kind, the operation that failed and an optional cause.
// Two *Error values match under errors.Is when their kinds are equal.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Msg != "" {
		msg = e.Msg
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New builds a kinded error with a formatted message.
func New(kind Kind, op string, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and operation to err. A nil err stays nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
