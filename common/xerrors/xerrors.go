// Package xerrors implements module-scoped error values: errors are
// identified by a module name plus a small numeric code instead of
// sentinel comparison alone.
package xerrors

import "fmt"

// Error is a module-scoped error.
type Error struct {
	module  string
	code    int
	message string
}

// New creates a new module-scoped error. Each package should declare its
// own module name and assign ascending codes to its sentinel errors.
func New(module string, code int, message string) *Error {
	return &Error{module: module, code: code, message: message}
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.message
}

// Module returns the owning module name.
func (e *Error) Module() string {
	return e.module
}

// Code returns the module-relative error code.
func (e *Error) Code() int {
	return e.code
}

// Is reports whether target is the same module-scoped error (module and
// code match); this lets sentinels declared with New be compared with
// errors.Is even after wrapping with %w.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.module == other.module && e.code == other.code
}

// Wrap annotates err with additional context while preserving Is-comparability
// against the original sentinel via errors.Is/errors.As chains.
func Wrap(err error, format string, args ...interface{}) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
