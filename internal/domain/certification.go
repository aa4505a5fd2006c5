package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// CertificationStatus is the terminal-or-running state of a workflow run.
type CertificationStatus string

const (
	CertificationPending    CertificationStatus = "pending"
	CertificationProcessing CertificationStatus = "processing"
	CertificationCompleted  CertificationStatus = "completed"
	CertificationFailed     CertificationStatus = "failed"
	CertificationCancelled  CertificationStatus = "cancelled"
)

// CertificationRecord aggregates one request-to-completion pass of the workflow.
type CertificationRecord struct {
	ID                uuid.UUID                `json:"id"`
	SourceAccountID   string                   `json:"source_account_id"`
	BankID            string                   `json:"bank_id"`
	Beneficiary       string                   `json:"beneficiary"`
	Amount            decimal.Decimal          `json:"amount"`
	BalanceBefore     decimal.Decimal          `json:"balance_before"`
	BalanceAfter      decimal.Decimal          `json:"balance_after"`
	VaultID           string                   `json:"vault_id,omitempty"`
	LockID            string                   `json:"lock_id,omitempty"`
	AuthorizationCode string                   `json:"authorization_code,omitempty"`
	ArtifactHash      string                   `json:"artifact_hash,omitempty"`
	Progress          int                      `json:"progress"`
	Events            []CertificationEvent     `json:"events"`
	Signatures        []CertificationSignature `json:"signatures"`
	Status            CertificationStatus      `json:"status"`
	FailureReason     string                   `json:"failure_reason,omitempty"`
	CreatedAt         time.Time                `json:"created_at"`
	UpdatedAt         time.Time                `json:"updated_at"`
}

// CertificationEvent is one named, timestamped step entry.
type CertificationEvent struct {
	Name   string    `json:"name"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}

// CertificationSignature is a role-tagged attestation over the record digest.
type CertificationSignature struct {
	Role    string    `json:"role"`
	Address string    `json:"address"`
	Hash    string    `json:"hash"`
	At      time.Time `json:"timestamp"`
}

// Clone returns a deep copy of the record.
func (c *CertificationRecord) Clone() *CertificationRecord {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Events = append([]CertificationEvent(nil), c.Events...)
	cp.Signatures = append([]CertificationSignature(nil), c.Signatures...)
	return &cp
}

// StartCertificationRequest carries the inputs of a workflow run.
type StartCertificationRequest struct {
	SourceAccountID string          `json:"source_account_id"`
	BankID          string          `json:"bank_id"`
	Beneficiary     string          `json:"beneficiary"`
	Amount          decimal.Decimal `json:"amount"`
	TokenAmount     decimal.Decimal `json:"token_amount"`
	ExpiryDays      int             `json:"expiry_days"`
}
