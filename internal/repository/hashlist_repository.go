package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hashfleet/hashfleet/internal/db"
	"github.com/hashfleet/hashfleet/internal/models"
	"github.com/google/uuid"
)

// HashListRepository handles database operations for hashlists and
// their items.
type HashListRepository struct {
	db *db.DB
}

// NewHashListRepository creates a new hashlist repository
func NewHashListRepository(db *db.DB) *HashListRepository {
	return &HashListRepository{db: db}
}

// GetByID returns the hashlist with the given id, or ErrNotFound.
func (r *HashListRepository) GetByID(ctx context.Context, q Querier, id int64) (*models.HashList, error) {
	if q == nil {
		q = r.db
	}
	query := `
		SELECT id, name, project_id, hash_type, total_hashes, cracked_hashes, created_at, updated_at
		FROM hashlists
		WHERE id = $1
	`

	var list models.HashList
	err := q.QueryRowContext(ctx, query, id).Scan(
		&list.ID, &list.Name, &list.ProjectID, &list.HashType,
		&list.TotalHashes, &list.CrackedHashes, &list.CreatedAt, &list.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get hashlist: %w", err)
	}
	return &list, nil
}

// GetItemByValue looks up one hash item by its value within a
// hashlist, or ErrNotFound.
func (r *HashListRepository) GetItemByValue(ctx context.Context, q Querier, hashlistID int64, hashValue string) (*models.HashItem, error) {
	if q == nil {
		q = r.db
	}
	query := `
		SELECT id, hashlist_id, hash_value, plain_text, is_cracked, cracked_at
		FROM hash_items
		WHERE hashlist_id = $1 AND hash_value = $2
	`

	var item models.HashItem
	err := q.QueryRowContext(ctx, query, hashlistID, hashValue).Scan(
		&item.ID, &item.HashlistID, &item.HashValue,
		&item.PlainText, &item.IsCracked, &item.CrackedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get hash item: %w", err)
	}
	return &item, nil
}

// MarkItemCracked sets plain_text and is_cracked on the item, but only
// if it is not cracked yet. Returns false when another submission won
// the race; the caller treats that as an idempotent duplicate.
func (r *HashListRepository) MarkItemCracked(ctx context.Context, q Querier, itemID uuid.UUID, plaintext string, crackedAt time.Time) (bool, error) {
	if q == nil {
		q = r.db
	}
	query := `
		UPDATE hash_items
		SET plain_text = $1, is_cracked = true, cracked_at = $2
		WHERE id = $3 AND NOT is_cracked
	`

	result, err := q.ExecContext(ctx, query, plaintext, crackedAt, itemID)
	if err != nil {
		return false, fmt.Errorf("failed to mark hash item cracked: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n == 1, nil
}

// IncrementCracked bumps the hashlist's cracked counter atomically and
// returns the remaining uncracked count after this increment. The last
// submission to observe zero performs the completion cascade.
func (r *HashListRepository) IncrementCracked(ctx context.Context, q Querier, hashlistID int64) (int, error) {
	if q == nil {
		q = r.db
	}
	query := `
		UPDATE hashlists
		SET cracked_hashes = cracked_hashes + 1, updated_at = now()
		WHERE id = $1
		RETURNING total_hashes - cracked_hashes
	`

	var remaining int
	err := q.QueryRowContext(ctx, query, hashlistID).Scan(&remaining)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to increment cracked count: %w", err)
	}
	return remaining, nil
}

// ListValues returns the hash values of a hashlist, cracked or
// uncracked only, one of the two agent download payloads.
func (r *HashListRepository) ListValues(ctx context.Context, hashlistID int64, cracked bool) ([]string, error) {
	query := `
		SELECT hash_value
		FROM hash_items
		WHERE hashlist_id = $1 AND is_cracked = $2
		ORDER BY hash_value
	`

	rows, err := r.db.QueryContext(ctx, query, hashlistID, cracked)
	if err != nil {
		return nil, fmt.Errorf("failed to query hash values: %w", err)
	}
	defer rows.Close()

	var values []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("failed to scan hash value: %w", err)
		}
		values = append(values, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating hash values: %w", err)
	}
	return values, nil
}

// ListCrackedValuesSince returns hash values cracked at or after the
// given time, used to warm the duplicate-submission filter on startup.
func (r *HashListRepository) ListCrackedValuesSince(ctx context.Context, since time.Time) ([]string, error) {
	query := `
		SELECT hash_value
		FROM hash_items
		WHERE is_cracked AND cracked_at >= $1
	`

	rows, err := r.db.QueryContext(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query cracked values: %w", err)
	}
	defer rows.Close()

	var values []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("failed to scan cracked value: %w", err)
		}
		values = append(values, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating cracked values: %w", err)
	}
	return values, nil
}
