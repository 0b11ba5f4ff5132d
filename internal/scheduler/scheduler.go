package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"amazonpay-gateway/internal/domain"
	"amazonpay-gateway/internal/repository/checks_repo"
	"amazonpay-gateway/internal/util"
)

// Callback handles one due task. A non-nil error causes the task to be
// rescheduled with backoff until the attempt limit is reached.
type Callback func(ctx context.Context, task domain.ScheduledTask) error

type Config struct {
	PollInterval time.Duration
	PollTimeout  time.Duration
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	MaxAttempts  int
}

// Scheduler polls the scheduled_tasks table and dispatches due tasks to
// registered handlers. Due tasks are claimed atomically (status flips to
// RUNNING in the same statement that locks the rows), so multiple gateway
// instances can poll the same table without double-running a task.
type Scheduler struct {
	repo         checks_repo.ChecksRepository
	cfg          Config
	handlers     map[string]Callback
	logger       *zap.Logger
	shutdown     chan struct{}
	shutdownOnce sync.Once
	done         chan struct{}
}

func NewScheduler(repo checks_repo.ChecksRepository, cfg Config, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		repo:     repo,
		cfg:      cfg,
		handlers: make(map[string]Callback),
		logger:   logger,
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Register binds a handler to a task name. All handlers must be registered
// before Start.
func (s *Scheduler) Register(taskName string, cb Callback) {
	s.handlers[taskName] = cb
}

// ScheduleOnce queues a task to run at the given time. A pending task with
// the same name and payload already in the queue yields
// domain.ErrTaskAlreadyScheduled.
func (s *Scheduler) ScheduleOnce(ctx context.Context, runAt time.Time, taskName string, payload []byte) error {
	task := &domain.ScheduledTask{
		ID:        util.GenerateUUID(),
		TaskName:  taskName,
		Payload:   payload,
		RunAt:     runAt,
		Status:    domain.TaskStatusPending,
		CreatedAt: time.Now(),
	}
	return s.repo.ScheduleOnce(ctx, task)
}

func (s *Scheduler) HasScheduled(ctx context.Context, taskName string, payload []byte) (bool, error) {
	return s.repo.HasScheduled(ctx, taskName, payload)
}

func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info("Starting task scheduler...")
	ticker := time.NewTicker(s.cfg.PollInterval)

	go func() {
		defer close(s.done)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.runDue(ctx, time.Now())
			case <-s.shutdown:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (s *Scheduler) Stop() {
	s.shutdownOnce.Do(func() {
		s.logger.Info("Signaling task scheduler to stop...")
		close(s.shutdown)
	})
	<-s.done
	s.logger.Info("Task scheduler stopped.")
}

func (s *Scheduler) runDue(ctx context.Context, now time.Time) {
	queryCtx, cancel := context.WithTimeout(ctx, s.cfg.PollTimeout)
	tasks, err := s.repo.ClaimDue(queryCtx, now, 10)
	cancel()
	if err != nil {
		s.logger.Error("Failed to claim due tasks", zap.Error(err))
		return
	}

	if len(tasks) == 0 {
		return
	}

	s.logger.Info("Found due tasks", zap.Int("count", len(tasks)))

	for _, task := range tasks {
		s.runTask(ctx, task)
	}
}

func (s *Scheduler) runTask(ctx context.Context, task domain.ScheduledTask) {
	handler, ok := s.handlers[task.TaskName]
	if !ok {
		s.logger.Error("No handler registered for task",
			zap.String("task_id", task.ID),
			zap.String("task_name", task.TaskName))
		if err := s.repo.SetStatus(ctx, task.ID, domain.TaskStatusFailed); err != nil {
			s.logger.Error("Failed to mark unhandled task as failed", zap.String("task_id", task.ID), zap.Error(err))
		}
		return
	}

	err := handler(ctx, task)
	if err == nil {
		if err := s.repo.SetStatus(ctx, task.ID, domain.TaskStatusCompleted); err != nil {
			s.logger.Error("Failed to mark task as completed", zap.String("task_id", task.ID), zap.Error(err))
		}
		return
	}

	if errors.Is(err, context.Canceled) {
		return
	}

	nextAttempt := task.Attempts + 1
	if nextAttempt >= s.cfg.MaxAttempts {
		s.logger.Error("Task exhausted all attempts, marking as failed",
			zap.String("task_id", task.ID),
			zap.String("task_name", task.TaskName),
			zap.Int("attempts", nextAttempt),
			zap.Error(err))
		if err := s.repo.SetStatus(ctx, task.ID, domain.TaskStatusFailed); err != nil {
			s.logger.Error("Failed to mark task as failed", zap.String("task_id", task.ID), zap.Error(err))
		}
		return
	}

	runAt := time.Now().Add(s.backoff(task.Attempts))
	s.logger.Warn("Task failed, rescheduling",
		zap.String("task_id", task.ID),
		zap.String("task_name", task.TaskName),
		zap.Int("attempt", nextAttempt),
		zap.Time("run_at", runAt),
		zap.Error(err))
	if err := s.repo.Reschedule(ctx, task.ID, runAt); err != nil {
		s.logger.Error("Failed to reschedule task", zap.String("task_id", task.ID), zap.Error(err))
	}
}

// backoff doubles the base delay per prior attempt, capped at MaxDelay.
func (s *Scheduler) backoff(attempts int) time.Duration {
	delay := s.cfg.BaseDelay << uint(attempts)
	if delay > s.cfg.MaxDelay || delay <= 0 {
		delay = s.cfg.MaxDelay
	}
	return delay
}
