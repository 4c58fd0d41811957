package domain

import "errors"

var (
	ErrNotFound       = errors.New("not found")
	ErrValidation     = errors.New("validation error")
	ErrTransaction    = errors.New("transaction error")
	ErrAuthentication = errors.New("authentication error")
	ErrNetwork        = errors.New("Network connection lost")
	ErrConcurrency    = errors.New("concurrency error")
	ErrConflict       = errors.New("conflict")
)

// IsFatal reports whether err should abort a whole synchronization instead of a single record.
func IsFatal(err error) bool {
	return errors.Is(err, ErrNetwork) || errors.Is(err, ErrAuthentication)
}
