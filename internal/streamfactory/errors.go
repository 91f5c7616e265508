package streamfactory

import (
	"errors"
	"syscall"
)

var (
	// ErrPollError is returned when the poll primitive reports an error event
	// for any handle. The registry is left untouched.
	ErrPollError = errors.New("poll reported an error event")
	// ErrShutdown is returned once the factory has been shut down.
	ErrShutdown = errors.New("stream factory shut down")
	// ErrNoEndpoints is returned when the loop is entered with an empty registry.
	ErrNoEndpoints = errors.New("no diagnostic ports registered")
)

// ErrorFunc receives diagnostic reports for recoverable failures. code is the
// platform errno when one is available, otherwise -1. It never influences
// control flow.
type ErrorFunc func(message string, code int)

// ErrorCode extracts the platform error code carried by err, or -1.
func ErrorCode(err error) int {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return int(errno)
	}
	return -1
}

func report(onError ErrorFunc, message string, err error) {
	if onError == nil {
		return
	}
	if err != nil {
		message = message + ": " + err.Error()
	}
	onError(message, ErrorCode(err))
}
