package survey

import (
	"errors"
	"fmt"
)

// Kind classifies why a collection attempt or command failed.
type Kind string

const (
	NoFreshLocation     Kind = "NoFreshLocation"
	ProbeUnavailable    Kind = "ProbeUnavailable"
	ProbeBusy           Kind = "ProbeBusy"
	TargetUnknown       Kind = "TargetUnknown"
	StoreFailure        Kind = "StoreFailure"
	Busy                Kind = "Busy"
	ChannelDisconnected Kind = "ChannelDisconnected"

	// NoTarget is returned when a collection is requested before a target node is selected.
	NoTarget   Kind = "NoTarget"
	BadRequest Kind = "BadRequest"
	Internal   Kind = "Internal"
)

// Error is a classified failure that is reported back to the operator.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Errorf builds a classified error with a formatted message.
func Errorf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under kind.
func Wrap(kind Kind, err error, msg string) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// KindOf returns the kind of err, or Internal if err is not classified.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Message returns the operator facing message of err.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Err != nil {
			return fmt.Sprintf("%s: %s", e.Message, e.Err)
		}
		return e.Message
	}
	return err.Error()
}
