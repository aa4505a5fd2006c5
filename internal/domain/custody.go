package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Vault is a balance-holding custody record for one owner.
type Vault struct {
	ID             string          `json:"vault_id"`
	Owner          string          `json:"owner"`
	MetadataDigest string          `json:"metadata_digest"`
	Total          decimal.Decimal `json:"total_balance"`
	Available      decimal.Decimal `json:"available_balance"`
	Locked         decimal.Decimal `json:"locked_balance"`
	Closed         bool            `json:"closed"`
	Version        int64           `json:"version"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// CanApplyLockedDelta reports whether Locked+delta stays within [0, Total].
func (v *Vault) CanApplyLockedDelta(delta decimal.Decimal) bool {
	next := v.Locked.Add(delta)
	return !next.IsNegative() && next.LessThanOrEqual(v.Total)
}

// CreateVaultParams carries the inputs of a vault creation.
type CreateVaultParams struct {
	Owner          string          `json:"owner"`
	InitialBalance decimal.Decimal `json:"initial_balance"`
	Metadata       string          `json:"metadata,omitempty"`
}

// CustodyAccount is a source-of-funds account. Availability is tracked here, not on vaults.
type CustodyAccount struct {
	ID        string          `json:"account_id"`
	Name      string          `json:"name"`
	Currency  string          `json:"currency"`
	Balance   decimal.Decimal `json:"balance"`
	Reserved  decimal.Decimal `json:"reserved"`
	Version   int64           `json:"version"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Available is the unreserved part of the balance.
func (a *CustodyAccount) Available() decimal.Decimal {
	return a.Balance.Sub(a.Reserved)
}

// CreateCustodyAccountParams carries the inputs of an account creation.
type CreateCustodyAccountParams struct {
	Name     string          `json:"name"`
	Currency string          `json:"currency"`
	Balance  decimal.Decimal `json:"balance"`
}

// Bank is a counterparty bank allowed to request locks.
type Bank struct {
	ID            string    `json:"bank_id"`
	Name          string    `json:"name"`
	SWIFT         string    `json:"swift,omitempty"`
	SignerAddress string    `json:"signer_address,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}
