package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"amazonpay-gateway/internal/domain"
)

type statusChange struct {
	id     string
	status domain.TaskStatus
}

type fakeChecksRepo struct {
	due         []domain.ScheduledTask
	dueErr      error
	scheduled   []*domain.ScheduledTask
	scheduleErr error
	statuses    []statusChange
	rescheduled map[string]time.Time
}

func newFakeChecksRepo(due ...domain.ScheduledTask) *fakeChecksRepo {
	return &fakeChecksRepo{due: due, rescheduled: make(map[string]time.Time)}
}

func (r *fakeChecksRepo) ScheduleOnce(_ context.Context, task *domain.ScheduledTask) error {
	if r.scheduleErr != nil {
		return r.scheduleErr
	}
	r.scheduled = append(r.scheduled, task)
	return nil
}

func (r *fakeChecksRepo) HasScheduled(_ context.Context, taskName string, payload []byte) (bool, error) {
	for _, task := range r.scheduled {
		if task.TaskName == taskName && string(task.Payload) == string(payload) {
			return true, nil
		}
	}
	return false, nil
}

func (r *fakeChecksRepo) ClaimDue(_ context.Context, _ time.Time, _ int) ([]domain.ScheduledTask, error) {
	if r.dueErr != nil {
		return nil, r.dueErr
	}
	claimed := make([]domain.ScheduledTask, len(r.due))
	for i, task := range r.due {
		task.Status = domain.TaskStatusRunning
		claimed[i] = task
	}
	return claimed, nil
}

func (r *fakeChecksRepo) SetStatus(_ context.Context, id string, status domain.TaskStatus) error {
	r.statuses = append(r.statuses, statusChange{id: id, status: status})
	return nil
}

func (r *fakeChecksRepo) Reschedule(_ context.Context, id string, runAt time.Time) error {
	r.rescheduled[id] = runAt
	return nil
}

func testScheduler(repo *fakeChecksRepo) *Scheduler {
	return NewScheduler(repo, Config{
		PollInterval: time.Second,
		PollTimeout:  time.Second,
		BaseDelay:    time.Hour,
		MaxDelay:     6 * time.Hour,
		MaxAttempts:  5,
	}, zap.NewNop())
}

func task(id string, attempts int) domain.ScheduledTask {
	return domain.ScheduledTask{
		ID:       id,
		TaskName: "check",
		Payload:  []byte(`{}`),
		Attempts: attempts,
		Status:   domain.TaskStatusPending,
	}
}

func TestRunDueCompletesTask(t *testing.T) {
	repo := newFakeChecksRepo(task("t1", 0))
	s := testScheduler(repo)

	var handled []string
	s.Register("check", func(_ context.Context, task domain.ScheduledTask) error {
		handled = append(handled, task.ID)
		return nil
	})

	s.runDue(context.Background(), time.Now())

	assert.Equal(t, []string{"t1"}, handled)
	require.Len(t, repo.statuses, 1)
	assert.Equal(t, statusChange{id: "t1", status: domain.TaskStatusCompleted}, repo.statuses[0])
	assert.Empty(t, repo.rescheduled)
}

func TestRunDueReschedulesFailedTaskWithBackoff(t *testing.T) {
	repo := newFakeChecksRepo(task("t1", 1))
	s := testScheduler(repo)
	s.Register("check", func(_ context.Context, _ domain.ScheduledTask) error {
		return errors.New("still pending")
	})

	before := time.Now()
	s.runDue(context.Background(), before)

	assert.Empty(t, repo.statuses)
	runAt, ok := repo.rescheduled["t1"]
	require.True(t, ok)

	// One prior attempt doubles the base delay.
	assert.WithinDuration(t, before.Add(2*time.Hour), runAt, time.Minute)
}

func TestRunDueMarksTaskFailedAfterMaxAttempts(t *testing.T) {
	repo := newFakeChecksRepo(task("t1", 4))
	s := testScheduler(repo)
	s.Register("check", func(_ context.Context, _ domain.ScheduledTask) error {
		return errors.New("still pending")
	})

	s.runDue(context.Background(), time.Now())

	require.Len(t, repo.statuses, 1)
	assert.Equal(t, statusChange{id: "t1", status: domain.TaskStatusFailed}, repo.statuses[0])
	assert.Empty(t, repo.rescheduled)
}

func TestRunDueFailsUnhandledTask(t *testing.T) {
	repo := newFakeChecksRepo(task("t1", 0))
	s := testScheduler(repo)

	s.runDue(context.Background(), time.Now())

	require.Len(t, repo.statuses, 1)
	assert.Equal(t, domain.TaskStatusFailed, repo.statuses[0].status)
}

func TestBackoffCapsAtMaxDelay(t *testing.T) {
	s := testScheduler(newFakeChecksRepo())

	assert.Equal(t, time.Hour, s.backoff(0))
	assert.Equal(t, 2*time.Hour, s.backoff(1))
	assert.Equal(t, 4*time.Hour, s.backoff(2))
	assert.Equal(t, 6*time.Hour, s.backoff(3))
	assert.Equal(t, 6*time.Hour, s.backoff(10))
	assert.Equal(t, 6*time.Hour, s.backoff(63))
}

func TestScheduleOncePopulatesTask(t *testing.T) {
	repo := newFakeChecksRepo()
	s := testScheduler(repo)

	runAt := time.Now().Add(time.Hour)
	require.NoError(t, s.ScheduleOnce(context.Background(), runAt, "check", []byte(`{"order_id":"o1"}`)))

	require.Len(t, repo.scheduled, 1)
	scheduled := repo.scheduled[0]
	assert.NotEmpty(t, scheduled.ID)
	assert.Equal(t, "check", scheduled.TaskName)
	assert.Equal(t, domain.TaskStatusPending, scheduled.Status)
	assert.Equal(t, runAt, scheduled.RunAt)

	has, err := s.HasScheduled(context.Background(), "check", []byte(`{"order_id":"o1"}`))
	require.NoError(t, err)
	assert.True(t, has)
}

func TestStartStopDispatchesDueTasks(t *testing.T) {
	repo := newFakeChecksRepo(task("t1", 0))
	s := NewScheduler(repo, Config{
		PollInterval: 10 * time.Millisecond,
		PollTimeout:  time.Second,
		BaseDelay:    time.Hour,
		MaxDelay:     6 * time.Hour,
		MaxAttempts:  5,
	}, zap.NewNop())

	done := make(chan struct{})
	s.Register("check", func(_ context.Context, _ domain.ScheduledTask) error {
		select {
		case <-done:
		default:
			close(done)
		}
		return nil
	})

	s.Start(context.Background())
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task was not dispatched")
	}
	s.Stop()
}
