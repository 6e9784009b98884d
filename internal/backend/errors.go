package backend

import (
	"errors"
	"fmt"
)

// Decode status codes reported by native runtimes.
const (
	DecodeInvalidBatch int32 = -1
	DecodeNoKVSlot     int32 = 1
	DecodeAborted      int32 = 2
)

// DecodeError wraps a non-zero decode status.
type DecodeError struct {
	Code   int32
	Reason string
}

func (e *DecodeError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("decode failed with status %d", e.Code)
	}
	return fmt.Sprintf("decode failed with status %d: %s", e.Code, e.Reason)
}

// NoKVSlot reports whether the failure was caused by a full KV memory.
func (e *DecodeError) NoKVSlot() bool { return e.Code == DecodeNoKVSlot }

// IsDecodeError reports whether err wraps a *DecodeError.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}

// dependencyUnavailableError signals a runtime compiled out of this build or
// missing its shared library.
type dependencyUnavailableError struct{ msg string }

func (e dependencyUnavailableError) Error() string { return e.msg }

// ErrDependencyUnavailable constructs a dependencyUnavailableError.
func ErrDependencyUnavailable(msg string) error { return dependencyUnavailableError{msg: msg} }

// IsDependencyUnavailable reports whether err indicates a missing runtime dependency.
func IsDependencyUnavailable(err error) bool {
	var de dependencyUnavailableError
	return errors.As(err, &de)
}

type unknownBackendError struct{ name string }

func (e unknownBackendError) Error() string { return fmt.Sprintf("backend %q not registered", e.name) }

// IsUnknownBackend reports whether err names a backend missing from the registry.
func IsUnknownBackend(err error) bool {
	var ue unknownBackendError
	return errors.As(err, &ue)
}

// ErrClosed is returned by handles used after Close.
var ErrClosed = errors.New("backend: handle closed")
