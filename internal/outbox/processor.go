package outbox

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"amazonpay-gateway/internal/domain"
	kafkaInfra "amazonpay-gateway/internal/infrastructure/kafka"
	"amazonpay-gateway/internal/repository/outbox_repo"
)

// maxPublishAttempts bounds how often one message is retried before it is
// marked failed and dropped from the pending set.
const maxPublishAttempts = 5

// Processor relays pending outbox messages to Kafka. Order status changes are
// written to the outbox in the same transaction as the order update, so
// publishing here cannot lose an event even if the gateway crashes between
// the two.
type Processor struct {
	outboxRepo      outbox_repo.OutboxRepository
	kafkaProducer   kafkaInfra.Producer
	pollInterval    time.Duration
	pollTimeout     time.Duration
	logger          *zap.Logger
	shutdown        chan struct{}
	shutdownOnce    sync.Once
	done            chan struct{}
	publishAttempts map[string]int
}

func NewProcessor(
	outboxRepo outbox_repo.OutboxRepository,
	kafkaProducer kafkaInfra.Producer,
	pollInterval time.Duration,
	pollTimeout time.Duration,
	logger *zap.Logger,
) *Processor {
	return &Processor{
		outboxRepo:      outboxRepo,
		kafkaProducer:   kafkaProducer,
		pollInterval:    pollInterval,
		pollTimeout:     pollTimeout,
		logger:          logger,
		shutdown:        make(chan struct{}),
		done:            make(chan struct{}),
		publishAttempts: make(map[string]int),
	}
}

func (p *Processor) Start(ctx context.Context) {
	p.logger.Info("Starting outbox processor...")
	ticker := time.NewTicker(p.pollInterval)

	go func() {
		defer close(p.done)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.processOutboxMessages(ctx)
			case <-p.shutdown:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (p *Processor) Stop() {
	p.shutdownOnce.Do(func() {
		p.logger.Info("Signaling outbox processor to stop...")
		close(p.shutdown)
	})
	<-p.done
	p.logger.Info("Outbox processor stopped.")
}

func (p *Processor) processOutboxMessages(ctx context.Context) {
	p.logger.Debug("Polling for outbox messages...")

	dbQueryCtx, cancel := context.WithTimeout(ctx, p.pollTimeout)
	defer cancel()

	messages, err := p.outboxRepo.GetPendingMessages(dbQueryCtx, 10)
	if err != nil {
		p.logger.Error("Failed to get pending outbox messages", zap.Error(err))
		return
	}

	if len(messages) == 0 {
		p.logger.Debug("No pending outbox messages found.")
		return
	}

	p.logger.Info("Found pending outbox messages", zap.Int("count", len(messages)))

	var sent, failed []string
	for _, msg := range messages {
		if err := p.kafkaProducer.Produce(ctx, msg.Key, msg.Payload); err != nil {
			p.publishAttempts[msg.ID]++
			if p.publishAttempts[msg.ID] >= maxPublishAttempts {
				p.logger.Error("Giving up on outbox message after repeated publish failures",
					zap.String("message_id", msg.ID),
					zap.Int("attempts", p.publishAttempts[msg.ID]),
					zap.Error(err))
				failed = append(failed, msg.ID)
				delete(p.publishAttempts, msg.ID)
				continue
			}
			p.logger.Error("Failed to send message to Kafka",
				zap.String("message_id", msg.ID),
				zap.Int("attempt", p.publishAttempts[msg.ID]),
				zap.Error(err))
			continue
		}
		delete(p.publishAttempts, msg.ID)
		p.logger.Info("Message sent to Kafka successfully", zap.String("message_id", msg.ID))
		sent = append(sent, msg.ID)
	}

	if len(failed) > 0 {
		if err := p.outboxRepo.MarkMessagesAsFailed(ctx, failed); err != nil {
			p.logger.Error("Failed to mark outbox messages as failed", zap.Error(err))
		}
	}

	if len(sent) == 0 {
		return
	}

	if err := p.outboxRepo.MarkMessagesAsSent(ctx, sent); err != nil {
		p.logger.Error("Failed to mark outbox messages as sent", zap.Error(err))
		return
	}

	p.logger.Info("Outbox messages processed", zap.Int("count", len(sent)))
}

// OrderStatusEvent is the payload published whenever an order changes status
// during the payment lifecycle.
type OrderStatusEvent struct {
	OrderID     string    `json:"order_id"`
	OrderNumber string    `json:"order_number"`
	Status      string    `json:"status"`
	Note        string    `json:"note,omitempty"`
	ReferenceID string    `json:"reference_id,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

func PrepareOrderStatusPayload(order *domain.Order, referenceID, note string, eventTime time.Time) ([]byte, error) {
	event := OrderStatusEvent{
		OrderID:     order.ID,
		OrderNumber: order.Number,
		Status:      string(order.Status),
		Note:        note,
		ReferenceID: referenceID,
		Timestamp:   eventTime,
	}
	return json.Marshal(event)
}
