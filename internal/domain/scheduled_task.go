package domain

import (
	"errors"
	"time"
)

var ErrTaskAlreadyScheduled = errors.New("task already scheduled for this payload")

type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "PENDING"
	TaskStatusRunning   TaskStatus = "RUNNING"
	TaskStatusCompleted TaskStatus = "COMPLETED"
	TaskStatusFailed    TaskStatus = "FAILED"
)

// ScheduledTask is a one-shot delayed task. A pending async authorization
// check is the only task kind the gateway schedules today; Payload carries
// its order and authorization IDs.
type ScheduledTask struct {
	ID        string
	TaskName  string
	Payload   []byte
	RunAt     time.Time
	Attempts  int
	Status    TaskStatus
	CreatedAt time.Time
}
