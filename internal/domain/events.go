package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Outbox event types. They double as RabbitMQ routing keys.
const (
	EventLockCreated            = "lock.created"
	EventLockApproved           = "lock.approved"
	EventLockCancelled          = "lock.cancelled"
	EventMintAuthorized         = "mint.authorized"
	EventMintCompleted          = "mint.completed"
	EventMintExpired            = "mint.expired"
	EventMintCancelled          = "mint.cancelled"
	EventCertificationCompleted = "certification.completed"
	EventCertificationFailed    = "certification.failed"
)

// Outbox message states.
const (
	OutboxPending    = "pending"
	OutboxProcessing = "processing"
	OutboxPublished  = "published"
	OutboxDead       = "dead"
)

// OutboxMessage is an integration intent recorded atomically with the state change
// that produced it and delivered later with retries.
type OutboxMessage struct {
	ID            uuid.UUID       `json:"id"`
	EventType     string          `json:"event_type"`
	AggregateID   string          `json:"aggregate_id"`
	Payload       json.RawMessage `json:"payload"`
	Attempts      int             `json:"attempts"`
	Status        string          `json:"status"`
	NextAttemptAt time.Time       `json:"next_attempt_at"`
	LastError     string          `json:"last_error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// NewOutboxMessage marshals payload into a pending message.
func NewOutboxMessage(eventType, aggregateID string, payload interface{}, now time.Time) (OutboxMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return OutboxMessage{}, err
	}
	return OutboxMessage{
		ID:            uuid.New(),
		EventType:     eventType,
		AggregateID:   aggregateID,
		Payload:       body,
		Status:        OutboxPending,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// LockNotification is the payload sent to the bridge for lock lifecycle events.
type LockNotification struct {
	LockID            string    `json:"lock_id"`
	AuthorizationCode string    `json:"authorization_code,omitempty"`
	BankID            string    `json:"bank_id"`
	VaultID           string    `json:"vault_id"`
	AmountUSD         string    `json:"amount_usd"`
	TokenAmount       string    `json:"token_amount"`
	Beneficiary       string    `json:"beneficiary"`
	Status            string    `json:"status"`
	Reason            string    `json:"reason,omitempty"`
	ExpiresAt         time.Time `json:"expires_at"`
	OccurredAt        time.Time `json:"occurred_at"`
}

// MintNotification is the payload sent to the bridge for authorization events.
type MintNotification struct {
	AuthorizationCode string    `json:"authorization_code"`
	LockID            string    `json:"lock_id"`
	Amount            string    `json:"amount"`
	Status            string    `json:"status"`
	TxHash            string    `json:"tx_hash,omitempty"`
	ContractAddress   string    `json:"contract_address,omitempty"`
	PublicationCode   string    `json:"publication_code,omitempty"`
	ExpiresAt         time.Time `json:"expires_at"`
	OccurredAt        time.Time `json:"occurred_at"`
}

// CertificationNotification is the payload for workflow outcome events.
type CertificationNotification struct {
	CertificationID   uuid.UUID `json:"certification_id"`
	Status            string    `json:"status"`
	LockID            string    `json:"lock_id,omitempty"`
	AuthorizationCode string    `json:"authorization_code,omitempty"`
	ArtifactHash      string    `json:"artifact_hash,omitempty"`
	FailureReason     string    `json:"failure_reason,omitempty"`
	OccurredAt        time.Time `json:"occurred_at"`
}
