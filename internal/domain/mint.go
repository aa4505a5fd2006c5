package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// AuthorizationStatus is the lifecycle state of a mint authorization.
type AuthorizationStatus string

const (
	AuthorizationPendingMint AuthorizationStatus = "pending_mint"
	AuthorizationMinting     AuthorizationStatus = "minting"
	AuthorizationCompleted   AuthorizationStatus = "completed"
	AuthorizationExpired     AuthorizationStatus = "expired"
	AuthorizationCancelled   AuthorizationStatus = "cancelled"
)

// Open reports whether the authorization can still make progress.
func (s AuthorizationStatus) Open() bool {
	return s == AuthorizationPendingMint || s == AuthorizationMinting
}

// MintAuthorization is a short-lived, single-use code linking a consumed lock to a mint.
type MintAuthorization struct {
	Code            string              `json:"authorization_code"`
	LockID          string              `json:"lock_id"`
	Amount          decimal.Decimal     `json:"amount"`
	Beneficiary     string              `json:"beneficiary"`
	ExpiresAt       time.Time           `json:"expires_at"`
	Status          AuthorizationStatus `json:"status"`
	RedeemedAmount  decimal.Decimal     `json:"redeemed_amount"`
	TxHash          string              `json:"tx_hash,omitempty"`
	ContractAddress string              `json:"contract_address,omitempty"`
	PublicationCode string              `json:"publication_code,omitempty"`
	Version         int64               `json:"version"`
	CreatedAt       time.Time           `json:"created_at"`
	UpdatedAt       time.Time           `json:"updated_at"`
}

// Expired reports whether the authorization deadline has passed at now.
func (a *MintAuthorization) Expired(now time.Time) bool {
	return !now.Before(a.ExpiresAt)
}

// Clone returns a copy that is safe to mutate.
func (a *MintAuthorization) Clone() *MintAuthorization {
	if a == nil {
		return nil
	}
	cp := *a
	return &cp
}

// RedeemResult is returned by a successful redemption.
type RedeemResult struct {
	LockID        string             `json:"lock_id"`
	Authorization *MintAuthorization `json:"authorization"`
}

// CompleteMintParams carries the external mint reference.
type CompleteMintParams struct {
	TxHash          string `json:"tx_hash"`
	ContractAddress string `json:"contract_address"`
}

// MintCompletedEvent is the bridge notification that an external mint landed on chain.
type MintCompletedEvent struct {
	EventID           string `json:"event_id"`
	AuthorizationCode string `json:"authorization_code"`
	TxHash            string `json:"tx_hash"`
	ContractAddress   string `json:"contract_address"`
	MintedAmount      string `json:"minted_amount,omitempty"`
}
