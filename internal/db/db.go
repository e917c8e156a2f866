package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hashfleet/hashfleet/pkg/debug"
	_ "github.com/lib/pq"
)

// DB wraps *sql.DB so repositories share one connection handle type.
type DB struct {
	*sql.DB
}

// Connect opens a PostgreSQL connection pool and verifies it.
func Connect(ctx context.Context, databaseURL string) (*DB, error) {
	sqlDB, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	debug.Info("Database connection established")
	return &DB{DB: sqlDB}, nil
}

// WithTx runs fn inside a transaction, committing on success and
// rolling back on error or panic.
func (d *DB) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := d.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			debug.Error("Rollback failed after error: %v (original: %v)", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
