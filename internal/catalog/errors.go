package catalog

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for common catalog conditions. The RPC layer maps these to
// its wire-level error kinds.
var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates a unique constraint violation or conflicting state.
	ErrConflict = errors.New("conflict")

	// ErrBadRequest indicates invalid caller-supplied values.
	ErrBadRequest = errors.New("bad request")

	// ErrMissingStopTime indicates session assignment hit an observation
	// without a recorded stop time.
	ErrMissingStopTime = errors.New("observation has no recorded stop time")
)

// wrapDBError wraps a database error with operation context, converting
// sql.ErrNoRows to ErrNotFound and constraint violations to ErrConflict.
func wrapDBError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	if isConstraintError(err) {
		return fmt.Errorf("%s: %s: %w", op, err, ErrConflict)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// isConstraintError detects sqlite constraint failures without depending on
// driver-specific error types.
func isConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "constraint")
}

// isNotFound checks if an error is or wraps ErrNotFound.
func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// isConflict checks if an error is or wraps ErrConflict.
func isConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}
