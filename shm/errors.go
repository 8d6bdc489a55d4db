package shm

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

var (
	// ErrSegmentNotInitialized indicates that the segment has never been
	// written to by a ClockBound daemon (generation is 0).
	ErrSegmentNotInitialized = errors.New("segment not initialized")

	// ErrSegmentMalformed indicates that the segment content does not match
	// the expected layout, or that a consistent snapshot could not be
	// obtained within the retry budget.
	ErrSegmentMalformed = errors.New("segment malformed")

	// ErrSegmentVersionNotSupported indicates that the segment carries a
	// layout version this implementation does not understand.
	ErrSegmentVersionNotSupported = errors.New("segment version not supported")

	// ErrCausalityBreach indicates that a snapshot claims to have been taken
	// after the clock reads that followed it.
	ErrCausalityBreach = errors.New("causality breach")
)

// SyscallError reports a failed system call together with its origin.
type SyscallError struct {
	Op    string
	Errno unix.Errno
}

func (e *SyscallError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Errno.Error())
}

func (e *SyscallError) Unwrap() error { return e.Errno }

func syscallError(op string, err error) error {
	var errno unix.Errno
	if errors.As(err, &errno) {
		return &SyscallError{Op: op, Errno: errno}
	}
	return fmt.Errorf("%s: %w", op, err)
}
