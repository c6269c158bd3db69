package polls

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Expected outcomes of poll operations. Callers match them with errors.Is.
var (
	ErrNotFound         = errors.New("poll or option not found")
	ErrExpired          = errors.New("poll is closed")
	ErrDuplicateVote    = errors.New("voter has already voted on this poll")
	ErrValidation       = errors.New("invalid input")
	ErrForbidden        = errors.New("not allowed")
	ErrTransientStorage = errors.New("storage temporarily unavailable")
	ErrUnknown          = errors.New("unknown storage failure")
)

// PostgreSQL SQLSTATE codes translated by ClassifyStorageError.
const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
	pgCheckViolation      = "23514"
	pgNotNullViolation    = "23502"
	pgInvalidText         = "22P02"
	pgSerializationFail   = "40001"
	pgDeadlockDetected    = "40P01"
	pgTooManyConnections  = "53300"
	pgAdminShutdown       = "57P01"
	pgCannotConnectNow    = "57P03"

	// voteUniquePrefix names the partial unique indexes enforcing one vote per voter per poll.
	voteUniquePrefix = "uq_votes_"
)

// ValidationError wraps ErrValidation with a message suitable for clients.
func ValidationError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// ClassifyStorageError is the single translation point from driver errors to the error taxonomy.
// Errors that already carry a taxonomy sentinel pass through unchanged.
func ClassifyStorageError(err error) error {
	if err == nil {
		return nil
	}
	for _, known := range []error{ErrNotFound, ErrExpired, ErrDuplicateVote, ErrValidation, ErrForbidden, ErrTransientStorage, ErrUnknown} {
		if errors.Is(err, known) {
			return err
		}
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			if strings.HasPrefix(pgErr.ConstraintName, voteUniquePrefix) {
				return fmt.Errorf("%w (%s)", ErrDuplicateVote, pgErr.ConstraintName)
			}
			return fmt.Errorf("%w: %s already exists", ErrValidation, pgErr.ConstraintName)
		case pgForeignKeyViolation:
			return fmt.Errorf("%w (%s)", ErrNotFound, pgErr.ConstraintName)
		case pgCheckViolation, pgNotNullViolation, pgInvalidText:
			return fmt.Errorf("%w: %s", ErrValidation, pgErr.Message)
		case pgSerializationFail, pgDeadlockDetected, pgTooManyConnections, pgAdminShutdown, pgCannotConnectNow:
			return fmt.Errorf("%w: %s", ErrTransientStorage, pgErr.Message)
		}
		return fmt.Errorf("%w: %s %s", ErrUnknown, pgErr.Code, pgErr.Message)
	}
	if errors.Is(err, context.DeadlineExceeded) || pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return fmt.Errorf("%w: %v", ErrTransientStorage, err)
	}
	// dial failures surface wrapped in the driver's unexported connect error
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return fmt.Errorf("%w: %v", ErrTransientStorage, err)
	}
	return fmt.Errorf("%w: %v", ErrUnknown, err)
}

// Kind returns a short machine-readable name for an error of the taxonomy.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrDuplicateVote):
		return "duplicate_vote"
	case errors.Is(err, ErrValidation):
		return "validation_error"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrTransientStorage):
		return "transient_storage_error"
	default:
		return "unknown"
	}
}
