package repository

import (
	"errors"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrUniqueViolation     = errors.New("UniqueViolation")
	ErrForeignKeyViolation = errors.New("ForeignKeyViolation")
)

// ConstraintError is a statement rejected by an integrity constraint. It matches
// ErrUniqueViolation or ErrForeignKeyViolation with errors.Is.
type ConstraintError struct {
	Kind    error
	Message string
	Err     error
}

func (e *ConstraintError) Error() string { return e.Kind.Error() + " : " + e.Message }

func (e *ConstraintError) Is(target error) bool { return target == e.Kind }

func (e *ConstraintError) Unwrap() error { return e.Err }

// MapError classifies driver errors into constraint violations. Other errors are returned
// unchanged.
func MapError(err error) error {
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return &ConstraintError{Kind: ErrUniqueViolation, Message: pgErr.Message, Err: err}
		case "23503":
			return &ConstraintError{Kind: ErrForeignKeyViolation, Message: pgErr.Message, Err: err}
		}
		return err
	}

	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		switch liteErr.ExtendedCode {
		case sqlite3.ErrConstraintUnique, sqlite3.ErrConstraintPrimaryKey:
			return &ConstraintError{Kind: ErrUniqueViolation, Message: liteErr.Error(), Err: err}
		case sqlite3.ErrConstraintForeignKey:
			return &ConstraintError{Kind: ErrForeignKeyViolation, Message: liteErr.Error(), Err: err}
		}
		return err
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case 1062:
			return &ConstraintError{Kind: ErrUniqueViolation, Message: myErr.Message, Err: err}
		case 1451, 1452:
			return &ConstraintError{Kind: ErrForeignKeyViolation, Message: myErr.Message, Err: err}
		}
	}
	return err
}
