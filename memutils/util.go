package memutils

import (
	cerrors "github.com/cockroachdb/errors"
)

const (
	// PointerSize is the size in bytes of a pointer on the platforms this library supports. It is
	// also the default alignment applied by allocators when the consumer does not request one.
	PointerSize = 8

	// MinAlignment is the smallest explicit alignment an allocator will accept.
	MinAlignment uint = 4
	// MaxAlignment is the largest explicit alignment an allocator will accept.
	MaxAlignment uint = 16
)

type Number interface {
	~int | ~uint
}

func CheckPow2[T Number](number T, name string) error {
	if number == 0 || number&(number-1) != 0 {
		return cerrors.Wrapf(PowerOfTwoError, "%s is %d", name, number)
	}
	return nil
}

// CheckAlignment verifies that an explicit alignment request is a power of two within
// [MinAlignment, MaxAlignment].
func CheckAlignment(alignment uint, name string) error {
	if err := CheckPow2(alignment, name); err != nil {
		return err
	}
	if alignment < MinAlignment || alignment > MaxAlignment {
		return cerrors.Wrapf(AlignmentRangeError, "%s is %d, supported range is [%d, %d]",
			name, alignment, MinAlignment, MaxAlignment)
	}
	return nil
}

func AlignUp(value int, alignment uint) int {
	return (value + int(alignment) - 1) & int(^(alignment - 1))
}

func AlignDown(value int, alignment uint) int {
	return value & int(^(alignment - 1))
}

// NextPow2 returns the smallest power of two that is >= value. value must be positive.
func NextPow2(value int) int {
	power := 1
	for power < value {
		power <<= 1
	}
	return power
}
