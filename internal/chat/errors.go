package chat

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

// Storage error taxonomy. Repository methods only ever surface these kinds
// (wrapped with the failing operation), so callers branch with errors.Is.
var (
	// ErrUnavailable means the store could not be reached or is not migrated.
	// Callers may degrade to ephemeral handling.
	ErrUnavailable = errors.New("chat: storage unavailable")
	ErrNotFound    = errors.New("chat: not found")
	ErrConstraint  = errors.New("chat: constraint violation")
	ErrDuplicate   = fmt.Errorf("%w: duplicate key", ErrConstraint)
	ErrForeignKey  = fmt.Errorf("%w: missing reference", ErrConstraint)

	// ErrUserNotFound is not retryable: the owning user row does not exist.
	ErrUserNotFound = errors.New("chat: referenced user does not exist")
	ErrForbidden    = errors.New("chat: session belongs to another user")
)

// StorageError keeps the driver error for logs while exposing the kind.
type StorageError struct {
	Op   string
	Kind error
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *StorageError) Unwrap() []error { return []error{e.Kind, e.Err} }

func IsUnavailable(err error) bool { return errors.Is(err, ErrUnavailable) }

// classify maps driver level failures onto the taxonomy. Unknown errors are
// returned wrapped but unclassified.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	kind := kindOf(err)
	if kind == nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return &StorageError{Op: op, Kind: kind, Err: err}
}

func kindOf(err error) error {
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return ErrDuplicate
	case errors.Is(err, gorm.ErrForeignKeyViolated):
		return ErrForeignKey
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case 1062:
			return ErrDuplicate
		case 1216, 1452:
			return ErrForeignKey
		case 1045, 1049, 1146, 1040, 1053:
			// access denied, unknown db, missing table, too many connections, shutdown
			return ErrUnavailable
		}
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "23505":
			return ErrDuplicate
		case pgErr.Code == "23503":
			return ErrForeignKey
		case pgErr.Code == "42P01", pgErr.Code == "3D000", pgErr.Code == "53300",
			strings.HasPrefix(pgErr.Code, "08"), strings.HasPrefix(pgErr.Code, "57P"):
			return ErrUnavailable
		}
	}
	var pgConnErr *pgconn.ConnectError
	if errors.As(err, &pgConnErr) || pgconn.Timeout(err) {
		return ErrUnavailable
	}

	var netErr net.Error
	switch {
	case errors.As(err, &netErr),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, driver.ErrBadConn),
		errors.Is(err, sql.ErrConnDone),
		errors.Is(err, mysql.ErrInvalidConn):
		return ErrUnavailable
	}

	// sqlite and closed pools only report through the message text
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "unique constraint failed"):
		return ErrDuplicate
	case strings.Contains(msg, "foreign key constraint failed"):
		return ErrForeignKey
	case strings.Contains(msg, "database is closed"),
		strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "no such table"),
		strings.Contains(msg, "does not exist"):
		return ErrUnavailable
	}
	return nil
}
