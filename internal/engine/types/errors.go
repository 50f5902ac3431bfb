package types

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies a transfer failure.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindInvalidArgument
	KindNotFound
	KindNetwork
	KindServer
	KindRangeUnsupported
	KindDisk
	KindCancelled
	KindIntegrity
)

func (k ErrorKind) String() string {
	switch k {
	case KindInvalidArgument:
		return "InvalidArgument"
	case KindNotFound:
		return "NotFound"
	case KindNetwork:
		return "NetworkError"
	case KindServer:
		return "ServerError"
	case KindRangeUnsupported:
		return "RangeUnsupported"
	case KindDisk:
		return "DiskError"
	case KindCancelled:
		return "Cancelled"
	case KindIntegrity:
		return "IntegrityError"
	default:
		return "Unknown"
	}
}

// ParseErrorKind is the inverse of ErrorKind.String. Unrecognised names
// map to KindUnknown.
func ParseErrorKind(name string) ErrorKind {
	for k := KindInvalidArgument; k <= KindIntegrity; k++ {
		if k.String() == name {
			return k
		}
	}
	return KindUnknown
}

// TransferError is the structured error carried by chunk results and
// completion values.
type TransferError struct {
	Kind       ErrorKind
	Message    string
	StatusCode int           // HTTP status, when the failure came from a response
	Retryable  bool          // whether the coordinator may retry the chunk
	RetryAfter time.Duration // server-requested wait, zero if none
	Err        error
}

func (e *TransferError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.String()
	} else {
		msg = e.Kind.String() + ": " + msg
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *TransferError) Unwrap() error { return e.Err }

// Is matches another *TransferError of the same kind, so the sentinel values
// below work with errors.Is.
func (e *TransferError) Is(target error) bool {
	t, ok := target.(*TransferError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Message == "" && t.Err == nil
}

// Sentinels for errors.Is checks.
var (
	ErrInvalidArgument  = &TransferError{Kind: KindInvalidArgument}
	ErrNotFound         = &TransferError{Kind: KindNotFound}
	ErrNetwork          = &TransferError{Kind: KindNetwork}
	ErrServer           = &TransferError{Kind: KindServer}
	ErrRangeUnsupported = &TransferError{Kind: KindRangeUnsupported}
	ErrDisk             = &TransferError{Kind: KindDisk}
	ErrCancelled        = &TransferError{Kind: KindCancelled}
	ErrIntegrity        = &TransferError{Kind: KindIntegrity}
)

// NewError builds a non-retryable TransferError.
func NewError(kind ErrorKind, err error, format string, args ...any) *TransferError {
	return &TransferError{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// NewRetryableError builds a TransferError the coordinator will retry.
func NewRetryableError(kind ErrorKind, err error, format string, args ...any) *TransferError {
	return &TransferError{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err, Retryable: true}
}

// KindOf reports the kind of err, or KindUnknown when err carries none.
func KindOf(err error) ErrorKind {
	var te *TransferError
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindUnknown
}

// IsRetryable reports whether err is a retryable TransferError.
func IsRetryable(err error) bool {
	var te *TransferError
	if errors.As(err, &te) {
		return te.Retryable
	}
	return false
}
