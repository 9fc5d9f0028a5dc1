package service

import (
	"errors"

	"github.com/markus-lassfolk/celldata/pkg/slots"
)

// Code is the error code reported over IPC
type Code int32

const (
	CodeSuccess Code = iota
	CodeInvalidParameter
	CodeServiceUnavailable
	CodePermissionDenied
	CodeInvalidSlot
	CodeFailed
	CodeNotReady
)

func (c Code) String() string {
	switch c {
	case CodeSuccess:
		return "success"
	case CodeInvalidParameter:
		return "invalid_parameter"
	case CodeServiceUnavailable:
		return "service_unavailable"
	case CodePermissionDenied:
		return "permission_denied"
	case CodeInvalidSlot:
		return "invalid_slot"
	case CodeFailed:
		return "failed"
	case CodeNotReady:
		return "not_ready"
	default:
		return "unknown"
	}
}

var (
	ErrInvalidParameter   = errors.New("invalid parameter")
	ErrServiceUnavailable = errors.New("service unavailable")
	ErrPermissionDenied   = errors.New("permission denied")
	ErrInvalidSlot        = slots.ErrInvalidSlot
	ErrFailed             = errors.New("operation failed")
	ErrNotReady           = errors.New("not ready")
)

// CodeOf maps err onto the IPC code space. A nil error is CodeSuccess and
// an unknown error is CodeFailed.
func CodeOf(err error) Code {
	switch {
	case err == nil:
		return CodeSuccess
	case errors.Is(err, ErrInvalidParameter):
		return CodeInvalidParameter
	case errors.Is(err, ErrServiceUnavailable):
		return CodeServiceUnavailable
	case errors.Is(err, ErrPermissionDenied):
		return CodePermissionDenied
	case errors.Is(err, ErrInvalidSlot):
		return CodeInvalidSlot
	case errors.Is(err, ErrNotReady):
		return CodeNotReady
	default:
		return CodeFailed
	}
}

// ErrorOf is the inverse of CodeOf
func ErrorOf(c Code) error {
	switch c {
	case CodeSuccess:
		return nil
	case CodeInvalidParameter:
		return ErrInvalidParameter
	case CodeServiceUnavailable:
		return ErrServiceUnavailable
	case CodePermissionDenied:
		return ErrPermissionDenied
	case CodeInvalidSlot:
		return ErrInvalidSlot
	case CodeNotReady:
		return ErrNotReady
	default:
		return ErrFailed
	}
}
