package checks_repo

import (
	"context"
	"time"

	"amazonpay-gateway/internal/domain"
)

// ChecksRepository stores one-shot delayed tasks for the scheduler.
type ChecksRepository interface {
	// ScheduleOnce inserts a pending task. Returns domain.ErrTaskAlreadyScheduled
	// when a pending task with the same name and payload already exists.
	ScheduleOnce(ctx context.Context, task *domain.ScheduledTask) error
	// HasScheduled reports whether a pending task with the same name and
	// payload is already queued.
	HasScheduled(ctx context.Context, taskName string, payload []byte) (bool, error)
	// ClaimDue moves pending tasks whose run time has passed to RUNNING and
	// returns them. The claim is a single statement, so concurrent pollers
	// never pick up the same task.
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]domain.ScheduledTask, error)
	// SetStatus finalizes a task as completed or failed.
	SetStatus(ctx context.Context, id string, status domain.TaskStatus) error
	// Reschedule pushes a claimed task back to the queue with a new run time
	// and bumps its attempt counter.
	Reschedule(ctx context.Context, id string, runAt time.Time) error
}
