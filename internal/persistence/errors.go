package persistence

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound reports that no row matched the requested key.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists reports an insert whose key is already taken.
	ErrAlreadyExists = errors.New("already exists")
	// ErrInvalid reports a record rejected before it reached the database.
	ErrInvalid = errors.New("invalid record")
)

// Outcome tags the result of a store operation.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeNotFound
	OutcomeTransientError
	OutcomeConflict
	OutcomeInvalid
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeNotFound:
		return "not_found"
	case OutcomeTransientError:
		return "transient_error"
	case OutcomeConflict:
		return "conflict"
	case OutcomeInvalid:
		return "invalid"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// TransientError wraps a database failure observed during a store operation.
// The store stays usable; a retry may succeed.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Classify maps an operation error to its Outcome.
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.Is(err, ErrNotFound):
		return OutcomeNotFound
	case errors.Is(err, ErrAlreadyExists):
		return OutcomeConflict
	case errors.Is(err, ErrInvalid):
		return OutcomeInvalid
	default:
		return OutcomeTransientError
	}
}

// IsTransient reports whether err carries a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

func transient(op string, err error) error {
	if err == nil {
		return nil
	}
	var te *TransientError
	if errors.As(err, &te) {
		return err
	}
	return &TransientError{Op: op, Err: err}
}
