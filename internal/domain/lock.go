/**
 * @description
 * This file defines the lock model: a time-bounded reservation of vault funds that is
 * requested by a counterparty bank, approved by treasury, and finally consumed into a
 * mint authorization.
 *
 * @notes
 * - Amounts use shopspring/decimal so USD and token quantities never go through float64.
 * - Status transitions are declared once in `lockTransitions`; every writer checks
 *   `CanTransitionTo` before mutating a lock.
 */

package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// LockStatus is the lifecycle state of a lock.
type LockStatus string

const (
	// LockStatusNone is the zero value. It is never stored.
	LockStatusNone         LockStatus = "NONE"
	LockStatusRequested    LockStatus = "REQUESTED"
	LockStatusLocked       LockStatus = "LOCKED"
	LockStatusAwaitingMint LockStatus = "AWAITING_MINT"
	LockStatusConsumed     LockStatus = "CONSUMED"
	LockStatusCanceled     LockStatus = "CANCELED"
)

var lockTransitions = map[LockStatus][]LockStatus{
	LockStatusRequested:    {LockStatusLocked, LockStatusCanceled},
	LockStatusLocked:       {LockStatusAwaitingMint, LockStatusCanceled},
	LockStatusAwaitingMint: {LockStatusConsumed, LockStatusCanceled},
}

// CanTransitionTo reports whether a lock in status s may move to next.
func (s LockStatus) CanTransitionTo(next LockStatus) bool {
	for _, allowed := range lockTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s LockStatus) Terminal() bool {
	return len(lockTransitions[s]) == 0
}

// ParseLockStatus normalizes a status filter from the API. Unknown values map to NONE.
func ParseLockStatus(raw string) LockStatus {
	switch LockStatus(raw) {
	case LockStatusRequested, LockStatusLocked, LockStatusAwaitingMint, LockStatusConsumed, LockStatusCanceled:
		return LockStatus(raw)
	default:
		return LockStatusNone
	}
}

// Lock represents one custody lock record.
type Lock struct {
	ID                string          `json:"lock_id"`
	BankID            string          `json:"bank_id"`
	VaultID           string          `json:"vault_id"`
	AmountUSD         decimal.Decimal `json:"amount_usd"`
	RequestedAmount   decimal.Decimal `json:"requested_amount"`
	ApprovedAmount    decimal.Decimal `json:"approved_amount"`
	Beneficiary       string          `json:"beneficiary"`
	ExpiresAt         time.Time       `json:"expires_at"`
	Status            LockStatus      `json:"status"`
	AuthorizationCode string          `json:"authorization_code,omitempty"`
	CancelReason      string          `json:"cancel_reason,omitempty"`
	Events            []LockEvent     `json:"events"`
	Version           int64           `json:"version"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// LockEvent is an informal audit entry appended on every transition.
type LockEvent struct {
	Type   string    `json:"type"`
	Actor  string    `json:"actor,omitempty"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}

// Expired reports whether the lock deadline has passed at now.
func (l *Lock) Expired(now time.Time) bool {
	return !l.ExpiresAt.IsZero() && !now.Before(l.ExpiresAt)
}

// Clone returns a deep copy so callers can mutate without touching stored state.
func (l *Lock) Clone() *Lock {
	if l == nil {
		return nil
	}
	cp := *l
	cp.Events = append([]LockEvent(nil), l.Events...)
	return &cp
}

// RequestLockParams carries the inputs of a lock request.
type RequestLockParams struct {
	BankID          string          `json:"bank_id"`
	VaultID         string          `json:"vault_id"`
	AmountUSD       decimal.Decimal `json:"amount_usd"`
	RequestedAmount decimal.Decimal `json:"requested_amount"`
	ExpiryDays      int             `json:"expiry_days"`
	Beneficiary     string          `json:"beneficiary"`
}

// LockFilter narrows lock listings.
type LockFilter struct {
	Status LockStatus
	Limit  int
}
