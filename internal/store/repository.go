/**
 * @description
 * This file defines the `Repository` interface, the single persistence contract of the
 * treasury-service. Both the PostgreSQL and the in-memory implementations satisfy it, so
 * the application layer never knows which backend owns the collections.
 *
 * @notes
 * - Lock, authorization and vault changes that must succeed or fail together go through
 *   `Apply`, which performs version compare-and-swap and the bounded vault delta in one unit.
 * - Outbox messages ride along in the same unit so an integration intent is never recorded
 *   without the state change that produced it (and vice versa).
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/transfa/treasury-service/internal/domain"
)

var (
	ErrBankNotFound           = errors.New("bank not found")
	ErrAccountNotFound        = errors.New("custody account not found")
	ErrVaultNotFound          = errors.New("vault not found")
	ErrLockNotFound           = errors.New("lock not found")
	ErrAuthorizationNotFound  = errors.New("authorization not found")
	ErrCertificationNotFound  = errors.New("certification not found")
	ErrOutboxMessageNotFound  = errors.New("outbox message not found")
	ErrAlreadyExists          = errors.New("record already exists")
	ErrVersionConflict        = errors.New("record was modified concurrently")
	ErrInsufficientFunds      = errors.New("insufficient funds")
	ErrVaultBalanceViolation  = errors.New("vault locked balance would leave [0, total]")
	ErrInvalidReservationSize = errors.New("reservation amount must be positive")
)

// Repository defines the set of methods for interacting with the persistent state.
type Repository interface {
	// Banks
	CreateBank(ctx context.Context, bank *domain.Bank) error
	FindBankByID(ctx context.Context, bankID string) (*domain.Bank, error)
	ListBanks(ctx context.Context) ([]domain.Bank, error)

	// Custody accounts
	CreateCustodyAccount(ctx context.Context, account *domain.CustodyAccount) error
	FindCustodyAccountByID(ctx context.Context, accountID string) (*domain.CustodyAccount, error)
	ListCustodyAccounts(ctx context.Context) ([]domain.CustodyAccount, error)
	ReserveFunds(ctx context.Context, accountID string, amount decimal.Decimal) (*domain.CustodyAccount, error)
	ReleaseReservation(ctx context.Context, accountID string, amount decimal.Decimal) (*domain.CustodyAccount, error)

	// Vaults
	CreateVault(ctx context.Context, vault *domain.Vault) error
	FindVaultByID(ctx context.Context, vaultID string) (*domain.Vault, error)
	ListVaults(ctx context.Context) ([]domain.Vault, error)
	CloseVault(ctx context.Context, vaultID string) (*domain.Vault, error)

	// Locks and mint authorizations
	FindLockByID(ctx context.Context, lockID string) (*domain.Lock, error)
	FindLockByAuthorizationCode(ctx context.Context, code string) (*domain.Lock, error)
	ListLocks(ctx context.Context, filter domain.LockFilter) ([]domain.Lock, error)
	FindAuthorizationByCode(ctx context.Context, code string) (*domain.MintAuthorization, error)
	ListOpenAuthorizationsExpiredBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.MintAuthorization, error)
	Apply(ctx context.Context, m Mutation) error

	// Certification records
	CreateCertification(ctx context.Context, record *domain.CertificationRecord) error
	UpdateCertification(ctx context.Context, record *domain.CertificationRecord) error
	FindCertificationByID(ctx context.Context, id uuid.UUID) (*domain.CertificationRecord, error)
	ListCertifications(ctx context.Context, limit int) ([]domain.CertificationRecord, error)

	// Outbox
	EnqueueOutbox(ctx context.Context, messages ...domain.OutboxMessage) error
	ClaimOutboxMessages(ctx context.Context, limit int, staleAfter time.Duration) ([]domain.OutboxMessage, error)
	MarkOutboxPublished(ctx context.Context, id uuid.UUID) error
	MarkOutboxFailed(ctx context.Context, id uuid.UUID, retryAfter time.Duration, lastError string, dead bool) error

	// Reset wipes every collection. Only exposed for sandbox deployments.
	Reset(ctx context.Context) error
}

// Mutation is one atomic unit of lock/authorization/vault/outbox changes.
type Mutation struct {
	Lock          *LockWrite
	Authorization *AuthorizationWrite
	VaultDelta    *VaultDelta
	Outbox        []domain.OutboxMessage
}

// LockWrite inserts the lock when ExpectedVersion is 0, otherwise updates it only if the
// stored version still equals ExpectedVersion. On success Lock.Version is advanced.
type LockWrite struct {
	Lock            *domain.Lock
	ExpectedVersion int64
}

// AuthorizationWrite has the same insert/compare-and-swap semantics as LockWrite.
type AuthorizationWrite struct {
	Authorization   *domain.MintAuthorization
	ExpectedVersion int64
}

// VaultDelta adjusts the locked balance of a vault. The result must stay within [0, Total].
type VaultDelta struct {
	VaultID string
	Locked  decimal.Decimal
}

// LockListLimit caps unbounded listings.
const LockListLimit = 500

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > LockListLimit {
		return LockListLimit
	}
	return limit
}
