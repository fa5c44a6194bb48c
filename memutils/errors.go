package memutils

import "github.com/pkg/errors"

// PowerOfTwoError is the error returned from CheckPow2 or other methods if the number being tested
// is not a power of two
var PowerOfTwoError error = errors.New("number must be a power of two")

// AlignmentRangeError is the error returned from CheckAlignment when an explicit alignment falls
// outside the range this library supports
var AlignmentRangeError error = errors.New("alignment out of supported range")
