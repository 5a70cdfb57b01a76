package shader

import "errors"

var (
	ErrEmpty         = errors.New("shader: bytecode is empty")
	ErrTooSmall      = errors.New("shader: bytecode too small for a container header")
	ErrBadSignature  = errors.New("shader: missing container signature")
	ErrSizeMismatch  = errors.New("shader: container size does not match buffer size")
	ErrNoParts       = errors.New("shader: container has no parts")
	ErrBadPartOffset = errors.New("shader: part offset out of range")
	ErrMissingEntry  = errors.New("shader: stage has no entry point")
)
