package allocator

import (
	cerrors "github.com/cockroachdb/errors"
	"github.com/pkg/errors"
)

// The error kinds signaled by allocators in this package. Every error returned from an Allocator
// method matches exactly one of ErrInvalidArgument, ErrCapacityExceeded, ErrReleasedAllocator,
// ErrLifoViolation, or ErrInternal via errors.Is. Failures that arise from normal resource
// exhaustion (capacity caps, released allocators) also match the compact ErrOutOfMemory kind, for
// callers that do not care about the distinction. Argument bugs never match ErrOutOfMemory.
var (
	// ErrInvalidArgument covers argument bugs: zero or negative sizes, bad alignments, null or
	// foreign pointers, double frees, misaligned pointers, and invalid marks.
	ErrInvalidArgument error = errors.New("invalid argument")
	// ErrOutOfMemory is the compact out-of-memory kind shared by ErrCapacityExceeded and
	// ErrReleasedAllocator.
	ErrOutOfMemory error = errors.New("out of memory")
	// ErrCapacityExceeded is returned when an allocation would exceed a hard capacity cap or a
	// non-growable allocator is full.
	ErrCapacityExceeded error = errors.Wrap(ErrOutOfMemory, "capacity exceeded")
	// ErrReleasedAllocator is returned from any operation other than Reset after Release.
	ErrReleasedAllocator error = errors.Wrap(ErrOutOfMemory, "allocator has released its memory")
	// ErrLifoViolation is returned by the stack allocator when a free does not match the most
	// recent live allocation.
	ErrLifoViolation error = errors.New("deallocation out of LIFO order")
	// ErrInternal indicates bookkeeping inconsistency within an allocator. It should not be
	// possible to observe this kind when the implementation is functioning correctly.
	ErrInternal error = errors.New("inconsistent allocator state")
)

func invalidArgumentf(name string, format string, args ...interface{}) error {
	return cerrors.Wrapf(ErrInvalidArgument, name+": "+format, args...)
}

func capacityExceededf(name string, format string, args ...interface{}) error {
	return cerrors.Wrapf(ErrCapacityExceeded, name+": "+format, args...)
}

func releasedError(name string) error {
	return cerrors.Wrapf(ErrReleasedAllocator, "%s", name)
}

func lifoViolationf(name string, format string, args ...interface{}) error {
	return cerrors.Wrapf(ErrLifoViolation, name+": "+format, args...)
}

func internalErrorf(name string, format string, args ...interface{}) error {
	return cerrors.Wrapf(ErrInternal, name+": "+format, args...)
}
