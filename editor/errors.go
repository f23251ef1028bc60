package editor

import (
	"errors"
	"fmt"
)

var (
	ErrNoSession       = errors.New("no editor session")
	ErrUnauthenticated = errors.New("authentication required")
	ErrSaveInProgress  = errors.New("save already in progress")
)

// ValidationError reports input the controller refused before doing any
// work. Err, when set, is one of the sentinel errors above.
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}
