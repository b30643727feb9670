package core

import (
	"errors"
	"fmt"
)

// Error represents a coded runtime error
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// Errno is a POSIX-style status code returned by thread operations.
// Values follow the WASI errno numbering.
type Errno int32

const (
	EAGAIN  Errno = 6  // resource unavailable, try again
	EDEADLK Errno = 16 // operation would deadlock
	EINVAL  Errno = 28 // invalid argument
	ENOSYS  Errno = 52 // function not supported
	EPERM   Errno = 63 // operation not permitted
	ESRCH   Errno = 71 // no such thread
)

var errnoNames = map[Errno]string{
	EAGAIN:  "resource temporarily unavailable",
	EDEADLK: "resource deadlock would occur",
	EINVAL:  "invalid argument",
	ENOSYS:  "function not implemented",
	EPERM:   "operation not permitted",
	ESRCH:   "no such thread",
}

func (e Errno) Error() string {
	if s, ok := errnoNames[e]; ok {
		return s
	}
	return fmt.Sprintf("errno %d", int32(e))
}

// Temporary reports whether the caller may retry the operation.
func (e Errno) Temporary() bool {
	return e == EAGAIN
}

// StatusOf converts err into the integer status carried on the wire.
// nil maps to 0; errors that are not an Errno map to EINVAL.
func StatusOf(err error) int32 {
	if err == nil {
		return 0
	}
	var errno Errno
	if errors.As(err, &errno) {
		return int32(errno)
	}
	return int32(EINVAL)
}

// FromStatus is the inverse of StatusOf.
func FromStatus(status int32) error {
	if status == 0 {
		return nil
	}
	return Errno(status)
}
