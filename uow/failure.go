package uow

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// FailureCode classifies why a unit of work aborted.
type FailureCode string

const (
	// FailureConflict covers serialization failures and deadlocks; the
	// operation can be retried as a whole.
	FailureConflict FailureCode = "conflict"
	// FailureConstraint covers integrity constraint violations; retrying
	// the same input will fail again.
	FailureConstraint FailureCode = "constraint"
	// FailureUnexpected covers everything else.
	FailureUnexpected FailureCode = "unexpected"
)

const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgIntegrityViolation   = "23"
)

// Failure is the typed error returned by UnitOfWork.Execute. Callers branch
// on Code; Unwrap exposes the underlying cause.
type Failure struct {
	Code FailureCode
	Err  error
}

func (failure *Failure) Error() string {
	return fmt.Sprintf("unit of work failed (%s): %v", failure.Code, failure.Err)
}

func (failure *Failure) Unwrap() error {
	return failure.Err
}

// Classify wraps err into a Failure with the matching code. An err that is
// already a Failure passes through unchanged.
func Classify(err error) *Failure {
	if err == nil {
		return nil
	}

	var failure *Failure
	if errors.As(err, &failure) {
		return failure
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == pgSerializationFailure || pgErr.Code == pgDeadlockDetected:
			return &Failure{Code: FailureConflict, Err: err}
		case strings.HasPrefix(pgErr.Code, pgIntegrityViolation):
			return &Failure{Code: FailureConstraint, Err: err}
		}
	}

	return &Failure{Code: FailureUnexpected, Err: err}
}
