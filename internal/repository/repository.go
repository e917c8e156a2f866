package repository

import (
	"context"
	"database/sql"
	"errors"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("record not found")

// Querier is the subset of database/sql shared by *sql.DB and
// *sql.Tx. Repository methods that must participate in a caller's
// transaction accept a Querier instead of using the pooled handle.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}
