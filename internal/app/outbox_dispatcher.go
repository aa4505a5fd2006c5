package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/transfa/treasury-service/internal/config"
	"github.com/transfa/treasury-service/internal/domain"
	"github.com/transfa/treasury-service/internal/store"
	"github.com/transfa/treasury-service/pkg/rabbitmq"
	"golang.org/x/time/rate"
)

const (
	maxRetryDelay = 300 * time.Second
)

// OutboxSink delivers one outbox message to an external system.
type OutboxSink interface {
	Name() string
	Deliver(ctx context.Context, message domain.OutboxMessage) error
}

// OutboxDispatcher claims due outbox messages and hands each to every sink. A message is
// published only when all sinks succeed; otherwise it is retried with exponential backoff
// until it runs out of attempts and is parked as dead.
type OutboxDispatcher struct {
	repo         store.Repository
	sinks        []OutboxSink
	batchSize    int
	pollInterval time.Duration
	staleAfter   time.Duration
	maxAttempts  int
	limiter      *rate.Limiter
}

func NewOutboxDispatcher(repo store.Repository, cfg config.Config, sinks ...OutboxSink) *OutboxDispatcher {
	perSecond := cfg.OutboxRatePerSecond
	if perSecond <= 0 {
		perSecond = 20
	}
	d := &OutboxDispatcher{
		repo:         repo,
		sinks:        sinks,
		batchSize:    cfg.OutboxBatchSize,
		pollInterval: cfg.OutboxPollInterval(),
		staleAfter:   cfg.OutboxStaleAfter(),
		maxAttempts:  cfg.OutboxMaxAttempts,
		limiter:      rate.NewLimiter(rate.Limit(perSecond), perSecond),
	}
	if d.batchSize <= 0 {
		d.batchSize = 50
	}
	if d.pollInterval <= 0 {
		d.pollInterval = 2 * time.Second
	}
	if d.staleAfter <= 0 {
		d.staleAfter = 2 * time.Minute
	}
	if d.maxAttempts <= 0 {
		d.maxAttempts = 12
	}
	return d
}

func (d *OutboxDispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.FlushOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("level=warn component=outbox msg=\"outbox flush error\" err=%v", err)
			}
		}
	}
}

// FlushOnce processes one batch and returns how many messages were published.
func (d *OutboxDispatcher) FlushOnce(ctx context.Context) (int, error) {
	messages, err := d.repo.ClaimOutboxMessages(ctx, d.batchSize, d.staleAfter)
	if err != nil {
		return 0, err
	}

	published := 0
	for _, message := range messages {
		if err := d.limiter.Wait(ctx); err != nil {
			return published, err
		}
		if err := d.deliver(ctx, message); err != nil {
			dead := message.Attempts >= d.maxAttempts
			retryAfter := retryDelay(message.Attempts)
			outboxDeliveriesTotal.WithLabelValues(message.EventType, "failed").Inc()
			if dead {
				log.Printf("level=error component=outbox msg=\"outbox message exhausted retries\" id=%s event_type=%s attempts=%d err=%v", message.ID, message.EventType, message.Attempts, err)
			} else {
				log.Printf("level=warn component=outbox msg=\"outbox delivery failed; will retry\" id=%s event_type=%s attempts=%d retry_after=%s err=%v", message.ID, message.EventType, message.Attempts, retryAfter, err)
			}
			if markErr := d.repo.MarkOutboxFailed(ctx, message.ID, retryAfter, err.Error(), dead); markErr != nil {
				log.Printf("level=error component=outbox msg=\"failed to mark outbox message failed\" id=%s err=%v", message.ID, markErr)
			}
			continue
		}
		if err := d.repo.MarkOutboxPublished(ctx, message.ID); err != nil {
			log.Printf("level=error component=outbox msg=\"failed to mark outbox message published\" id=%s err=%v", message.ID, err)
			continue
		}
		outboxDeliveriesTotal.WithLabelValues(message.EventType, "published").Inc()
		published++
	}
	return published, nil
}

func (d *OutboxDispatcher) deliver(ctx context.Context, message domain.OutboxMessage) error {
	var failures []string
	for _, sink := range d.sinks {
		if err := sink.Deliver(ctx, message); err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", sink.Name(), err))
		}
	}
	if len(failures) > 0 {
		return errors.New(strings.Join(failures, "; "))
	}
	return nil
}

// retryDelay is 1s doubled per previous attempt, capped at five minutes.
func retryDelay(attempt int) time.Duration {
	if attempt < 1 {
		return time.Second
	}
	delay := time.Second << minInt(attempt-1, 9)
	if delay > maxRetryDelay {
		return maxRetryDelay
	}
	return delay
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// EventSink publishes outbox messages to the RabbitMQ event exchange, routed by event type.
type EventSink struct {
	publisher rabbitmq.Publisher
	exchange  string
}

func NewEventSink(publisher rabbitmq.Publisher, exchange string) *EventSink {
	return &EventSink{publisher: publisher, exchange: exchange}
}

func (s *EventSink) Name() string { return "rabbitmq" }

func (s *EventSink) Deliver(ctx context.Context, message domain.OutboxMessage) error {
	return s.publisher.Publish(ctx, s.exchange, message.EventType, message.Payload)
}

// BridgeNotifier is the subset of the bridge client used for outbound notifications.
type BridgeNotifier interface {
	SendLockNotification(ctx context.Context, payload json.RawMessage) error
	MarkMintComplete(ctx context.Context, lockID string, payload json.RawMessage) error
}

// BridgeSink forwards lock and mint lifecycle events to the minting bridge.
type BridgeSink struct {
	client BridgeNotifier
}

func NewBridgeSink(client BridgeNotifier) *BridgeSink {
	return &BridgeSink{client: client}
}

func (s *BridgeSink) Name() string { return "bridge" }

func (s *BridgeSink) Deliver(ctx context.Context, message domain.OutboxMessage) error {
	switch message.EventType {
	case domain.EventLockCreated, domain.EventLockApproved, domain.EventLockCancelled, domain.EventMintAuthorized:
		return s.client.SendLockNotification(ctx, message.Payload)
	case domain.EventMintCompleted:
		var notification domain.MintNotification
		if err := json.Unmarshal(message.Payload, &notification); err != nil {
			return fmt.Errorf("decode mint notification: %w", err)
		}
		return s.client.MarkMintComplete(ctx, notification.LockID, message.Payload)
	default:
		return nil
	}
}
