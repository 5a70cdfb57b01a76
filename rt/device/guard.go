package device

import "fmt"

// Guard runs fn and converts a panic inside it into a device-fatal error.
func Guard(op string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = Fatal(op, fmt.Errorf("%w: panic: %v", ErrFault, r))
		}
	}()
	return fn()
}

// GuardValue is Guard for calls that return a value.
func GuardValue[T any](op string, fn func() (T, error)) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			var zero T
			v = zero
			err = Fatal(op, fmt.Errorf("%w: panic: %v", ErrFault, r))
		}
	}()
	return fn()
}
