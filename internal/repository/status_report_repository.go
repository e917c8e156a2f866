package repository

import (
	"context"
	"fmt"

	"github.com/hashfleet/hashfleet/internal/db"
	"github.com/hashfleet/hashfleet/internal/models"
	"github.com/google/uuid"
)

// StatusReportRepository handles the append-only status report log.
type StatusReportRepository struct {
	db *db.DB
}

// NewStatusReportRepository creates a new status report repository
func NewStatusReportRepository(db *db.DB) *StatusReportRepository {
	return &StatusReportRepository{db: db}
}

// Create appends a status report for a task.
func (r *StatusReportRepository) Create(ctx context.Context, report *models.StatusReport) error {
	query := `
		INSERT INTO status_reports (task_id, progress, guess_preview, devices, reported_at)
		VALUES ($1, $2, $3, $4, now())
		RETURNING id, reported_at
	`

	err := r.db.QueryRowContext(ctx, query,
		report.TaskID, report.Progress, report.GuessPreview, report.Devices,
	).Scan(&report.ID, &report.ReportedAt)
	if err != nil {
		return fmt.Errorf("failed to create status report: %w", err)
	}
	return nil
}

// LatestPerTask returns each task's most recent status report for an
// attack, for speed and ETA estimation.
func (r *StatusReportRepository) LatestPerTask(ctx context.Context, attackID uuid.UUID) ([]*models.StatusReport, error) {
	query := `
		SELECT DISTINCT ON (s.task_id)
			s.id, s.task_id, s.progress, s.guess_preview, s.devices, s.reported_at
		FROM status_reports s
		JOIN tasks t ON t.id = s.task_id
		WHERE t.attack_id = $1
		ORDER BY s.task_id, s.reported_at DESC
	`

	rows, err := r.db.QueryContext(ctx, query, attackID)
	if err != nil {
		return nil, fmt.Errorf("failed to query latest status reports: %w", err)
	}
	defer rows.Close()

	var reports []*models.StatusReport
	for rows.Next() {
		var report models.StatusReport
		if err := rows.Scan(
			&report.ID, &report.TaskID, &report.Progress,
			&report.GuessPreview, &report.Devices, &report.ReportedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan status report: %w", err)
		}
		reports = append(reports, &report)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating status reports: %w", err)
	}
	return reports, nil
}
