// Package sparql holds the error taxonomy shared by the query engine.
//
// ErrQuantumExhausted and ErrTOPKLimitReached are control-flow signals: the
// engine recovers from them by draining buffered solutions and saving the
// pipeline. The other errors are surfaced to the client.
package sparql

import (
	"errors"
	"fmt"
)

var (
	// ErrQuantumExhausted is raised by a scan when the time budget is spent
	ErrQuantumExhausted = errors.New("quantum exhausted")

	// ErrTOPKLimitReached is raised when a TOP-K structure is full for this quantum
	ErrTOPKLimitReached = errors.New("top-k limit reached")

	// ErrTooManyResults is raised when a page holds the maximum number of solutions
	ErrTooManyResults = errors.New("too many results")

	// ErrDeleteInsertConflict is returned when an update deletes a triple that
	// no longer exists
	ErrDeleteInsertConflict = errors.New("delete/insert conflict")

	// ErrUnsupportedSPARQL is matched by every UnsupportedError
	ErrUnsupportedSPARQL = errors.New("unsupported SPARQL")
)

// UnsupportedError reports a query construct with no physical operator
type UnsupportedError struct {
	Feature string
}

func (e *UnsupportedError) Error() string {
	return fmt.Sprintf("unsupported SPARQL feature: %s", e.Feature)
}

// Is makes errors.Is(err, ErrUnsupportedSPARQL) true for every UnsupportedError
func (e *UnsupportedError) Is(target error) bool {
	return target == ErrUnsupportedSPARQL
}

// Unsupported creates an UnsupportedError
func Unsupported(format string, args ...any) error {
	return &UnsupportedError{Feature: fmt.Sprintf(format, args...)}
}

// IsSignal reports whether err is a control-flow signal that suspends a
// query instead of failing it.
func IsSignal(err error) bool {
	return errors.Is(err, ErrQuantumExhausted) || errors.Is(err, ErrTOPKLimitReached)
}
