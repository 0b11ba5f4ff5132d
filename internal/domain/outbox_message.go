package domain

import "time"

type OutboxMessageStatus string

const (
	OutboxStatusPending OutboxMessageStatus = "PENDING"
	OutboxStatusSent    OutboxMessageStatus = "SENT"
	OutboxStatusFailed  OutboxMessageStatus = "FAILED"
)

// OutboxMessage is a payment status event waiting to be published to Kafka.
// Key carries the order ID so all events for one order land on one partition.
type OutboxMessage struct {
	ID        string
	Key       string
	Payload   []byte
	Status    OutboxMessageStatus
	CreatedAt time.Time
	SentAt    *time.Time
}
