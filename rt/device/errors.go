package device

import (
	"errors"
	"fmt"
)

var (
	ErrDeviceLost      = errors.New("device lost")
	ErrTimeout         = errors.New("fence wait timed out")
	ErrOutOfMemory     = errors.New("out of device memory")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotReady        = errors.New("not ready")
	ErrFault           = errors.New("unexpected device fault")
	ErrReleased        = errors.New("resource already released")
)

// Kind classifies a failure by how the caller must react to it.
type Kind int

const (
	KindNone Kind = iota
	// KindDeviceFatal latches; all GPU work is skipped until re-initialization.
	KindDeviceFatal
	// KindBuildRecoverable abandons the current attempt and keeps the previous state.
	KindBuildRecoverable
	// KindTransientSkip skips a stage without side effects.
	KindTransientSkip
	// KindInvariant is a programming error rejected with a diagnostic.
	KindInvariant
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindDeviceFatal:
		return "device-fatal"
	case KindBuildRecoverable:
		return "build-recoverable"
	case KindTransientSkip:
		return "transient-skip"
	case KindInvariant:
		return "invariant"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Error is a classified failure at a device or subsystem boundary.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

func Fatal(op string, err error) error       { return newError(KindDeviceFatal, op, err) }
func Recoverable(op string, err error) error { return newError(KindBuildRecoverable, op, err) }
func Skip(op string, err error) error        { return newError(KindTransientSkip, op, err) }
func Invariant(op string, err error) error   { return newError(KindInvariant, op, err) }

// KindOf reports the kind of the outermost classified error in err's chain.
// Unclassified non-nil errors are treated as device-fatal.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindDeviceFatal
}

func IsFatal(err error) bool { return KindOf(err) == KindDeviceFatal }
func IsSkip(err error) bool  { return KindOf(err) == KindTransientSkip }
