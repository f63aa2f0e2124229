package connection

import (
	"context"
	"fmt"

	"github.com/juju/errors"
	"github.com/use-go/onvif/v2"
)

// Error kinds. Every error returned by Manager.Call and Manager.Initialize
// matches exactly one of them with errors.Is.
const (
	ErrConfiguration      = errors.ConstError("configuration error")
	ErrNotConnected       = errors.ConstError("not connected")
	ErrUnsupportedService = errors.ConstError("unsupported service")
	ErrMethodNotFound     = errors.ConstError("method not found")
	ErrTimeout            = errors.ConstError("call timed out")
	ErrRemote             = errors.ConstError("remote error")
	ErrParse              = errors.ConstError("parse error")
)

// Error carries the kind of a failed call together with the method and
// device address it belongs to.
type Error struct {
	Kind    errors.ConstError
	Method  string
	Address string
	Err     error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Method, e.Kind)
	if e.Address != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Address)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the kind and the generic juju error type it corresponds to.
func (e *Error) Is(target error) bool {
	c, ok := target.(errors.ConstError)
	if !ok {
		return false
	}
	if c == e.Kind {
		return true
	}
	switch e.Kind {
	case ErrConfiguration:
		return c == errors.NotValid
	case ErrNotConnected:
		return c == errors.NotYetAvailable
	case ErrUnsupportedService:
		return c == errors.NotSupported
	case ErrMethodNotFound:
		return c == errors.NotImplemented
	case ErrTimeout:
		return c == errors.Timeout
	}
	return false
}

func newError(kind errors.ConstError, method, address string, err error) *Error {
	return &Error{Kind: kind, Method: method, Address: address, Err: err}
}

// classify maps an error from the protocol client to an error kind.
func classify(err error) errors.ConstError {
	if e, ok := errors.AsType[*Error](err); ok {
		return e.Kind
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled), errors.Is(err, errors.Timeout):
		return ErrTimeout
	case errors.Is(err, ErrParse), errors.Is(err, errors.NotValid):
		return ErrParse
	case errors.Is(err, errors.NotSupported):
		return ErrUnsupportedService
	}
	return ErrRemote
}

// IsFault reports whether err carries a SOAP fault from the device.
func IsFault(err error) bool {
	return errors.HasType[*onvif.FaultError](err)
}
