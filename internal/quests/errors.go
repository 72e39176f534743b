package quests

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrInvalidDefinition indicates a quest definition failed validation.
	ErrInvalidDefinition = errors.New("quests: invalid definition")
	// ErrForbidden indicates the actor may not perform the operation.
	ErrForbidden = errors.New("quests: forbidden")
	// ErrQuestNotFound indicates the quest does not exist.
	ErrQuestNotFound = errors.New("quests: quest not found")
	// ErrTemplateNotFound indicates the template does not exist.
	ErrTemplateNotFound = errors.New("quests: template not found")
	// ErrInvalidActivity indicates an activity is missing its actor or kind.
	ErrInvalidActivity = errors.New("quests: invalid activity")
	// ErrPartialFailure marks an activity where at least one candidate quest failed.
	ErrPartialFailure = errors.New("quests: some quests failed to update")

	errMissingDatabase = errors.New("database handle is required")
	errMissingCatalog  = errors.New("catalog is required")
	errMissingGroups   = errors.New("group directory is required")
	errMissingLedger   = errors.New("reward ledger is required")
)

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// ErrorCode returns the service error code carried by err, or "".
func ErrorCode(err error) string {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr.Code()
	}
	return ""
}

const (
	sqlStateSerializationFailure = "40001"
	sqlStateDeadlockDetected     = "40P01"
	sqlStateLockNotAvailable     = "55P03"
)

// IsRetryable reports whether err is a transient contention failure that rolled back cleanly.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case sqlStateSerializationFailure, sqlStateDeadlockDetected, sqlStateLockNotAvailable:
			return true
		}
		return false
	}
	message := strings.ToLower(err.Error())
	return strings.Contains(message, "database is locked") ||
		strings.Contains(message, "database table is locked") ||
		strings.Contains(message, "sqlite_busy")
}
