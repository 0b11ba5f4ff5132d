package checks_repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"amazonpay-gateway/internal/domain"
)

type checksRepository struct {
	db *sql.DB
}

func NewChecksRepository(db *sql.DB) ChecksRepository {
	return &checksRepository{db: db}
}

func (r *checksRepository) ScheduleOnce(ctx context.Context, task *domain.ScheduledTask) error {
	query := `
		INSERT INTO scheduled_tasks (id, task_name, payload, run_at, attempts, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := r.db.ExecContext(ctx, query,
		task.ID,
		task.TaskName,
		task.Payload,
		task.RunAt,
		task.Attempts,
		task.Status,
		task.CreatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return domain.ErrTaskAlreadyScheduled
		}
		return fmt.Errorf("failed to schedule task: %w", err)
	}
	return nil
}

func (r *checksRepository) HasScheduled(ctx context.Context, taskName string, payload []byte) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM scheduled_tasks
			WHERE task_name = $1 AND payload = $2 AND status = $3
		)
	`
	var exists bool
	err := r.db.QueryRowContext(ctx, query, taskName, payload, domain.TaskStatusPending).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check for scheduled task: %w", err)
	}
	return exists, nil
}

func (r *checksRepository) ClaimDue(ctx context.Context, now time.Time, limit int) ([]domain.ScheduledTask, error) {
	// Status moves to RUNNING in the same statement that locks the rows, so
	// the claim holds even though each poller runs in autocommit mode.
	query := `
		UPDATE scheduled_tasks
		SET status = $1
		WHERE id IN (
			SELECT id FROM scheduled_tasks
			WHERE status = $2 AND run_at <= $3
			ORDER BY run_at ASC
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, task_name, payload, run_at, attempts, status, created_at
	`
	rows, err := r.db.QueryContext(ctx, query, domain.TaskStatusRunning, domain.TaskStatusPending, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim due tasks: %w", err)
	}
	defer rows.Close()

	var tasks []domain.ScheduledTask
	for rows.Next() {
		task := domain.ScheduledTask{}
		err := rows.Scan(
			&task.ID,
			&task.TaskName,
			&task.Payload,
			&task.RunAt,
			&task.Attempts,
			&task.Status,
			&task.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, task)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}

	return tasks, nil
}

func (r *checksRepository) SetStatus(ctx context.Context, id string, status domain.TaskStatus) error {
	query := `UPDATE scheduled_tasks SET status = $1 WHERE id = $2`
	res, err := r.db.ExecContext(ctx, query, status, id)
	if err != nil {
		return fmt.Errorf("failed to set task status: %w", err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected for task status: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("task %s not found", id)
	}
	return nil
}

func (r *checksRepository) Reschedule(ctx context.Context, id string, runAt time.Time) error {
	query := `
		UPDATE scheduled_tasks
		SET run_at = $1, attempts = attempts + 1, status = $2
		WHERE id = $3 AND status = $4
	`
	res, err := r.db.ExecContext(ctx, query, runAt, domain.TaskStatusPending, id, domain.TaskStatusRunning)
	if err != nil {
		return fmt.Errorf("failed to reschedule task: %w", err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected for reschedule: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("task %s is not claimed", id)
	}
	return nil
}
