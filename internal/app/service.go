/**
 * @description
 * This file contains the core business logic for the treasury-service. The `Service`
 * struct is the only mutation surface for banks, custody accounts, vaults, locks, mint
 * authorizations and certification records.
 *
 * Key features:
 * - Every lock/authorization mutation runs under a per-record mutex and is written with a
 *   version compare-and-swap, so concurrent callers never interleave on one record.
 * - Integration side effects are not performed inline. They are recorded as outbox messages
 *   in the same unit as the state change and delivered later by the OutboxDispatcher.
 *
 * @dependencies
 * - github.com/shopspring/decimal: For all money arithmetic.
 * - github.com/ethereum/go-ethereum: For keccak256 digests and address handling.
 * - internal/domain, internal/store: For domain models and data access.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/transfa/treasury-service/internal/config"
	"github.com/transfa/treasury-service/internal/domain"
	"github.com/transfa/treasury-service/internal/store"
)

const (
	defaultAuthorizationTTL = 24 * time.Hour
	defaultLockExpiryDays   = 7
	expirySweepBatchSize    = 100
	systemActor             = "system"
)

// RedeemAttempt identifies one redemption attempt.
type RedeemAttempt struct {
	LockID string
	Code   string
}

// RateLimiter limits redeem attempts per lock within a window.
type RateLimiter interface {
	ConsumeRedeemAttempt(ctx context.Context, attempt RedeemAttempt, limit int, window time.Duration) (count int, retryAfterSeconds int, err error)
}

// Service provides the core business logic of the treasury.
type Service struct {
	repo    store.Repository
	limiter RateLimiter
	config  config.Config
	keys    *keyedMutex
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
	runs    sync.WaitGroup
}

// NewService creates a new treasury service instance. limiter may be nil.
func NewService(repo store.Repository, limiter RateLimiter, cfg config.Config) *Service {
	return &Service{
		repo:    repo,
		limiter: limiter,
		config:  cfg,
		keys:    newKeyedMutex(),
		now:     time.Now,
		sleep:   sleepContext,
	}
}

// SetClock overrides the service clock. Used by tests and sandbox tooling.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Wait blocks until every asynchronous certification run has finished.
func (s *Service) Wait() {
	s.runs.Wait()
}

func (s *Service) clock() time.Time {
	return s.now().UTC()
}

func (s *Service) authorizationTTL() time.Duration {
	if ttl := s.config.AuthorizationTTL(); ttl > 0 {
		return ttl
	}
	return defaultAuthorizationTTL
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type actorKey struct{}

// ContextWithActor records who is performing the operation. The value ends up on lock events.
func ContextWithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

func actorFromContext(ctx context.Context) string {
	if actor, ok := ctx.Value(actorKey{}).(string); ok && strings.TrimSpace(actor) != "" {
		return actor
	}
	return systemActor
}

// CreateBank registers a counterparty bank.
func (s *Service) CreateBank(ctx context.Context, name, swift, signerAddress string) (*domain.Bank, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, validationError("bank name is required")
	}
	signerAddress = strings.TrimSpace(signerAddress)
	if signerAddress != "" {
		if !common.IsHexAddress(signerAddress) {
			return nil, validationError("signer address %q is not a valid address", signerAddress)
		}
		signerAddress = common.HexToAddress(signerAddress).Hex()
	}

	now := s.clock()
	bank := &domain.Bank{
		ID:            newBankID(now),
		Name:          name,
		SWIFT:         strings.ToUpper(strings.TrimSpace(swift)),
		SignerAddress: signerAddress,
		CreatedAt:     now,
	}
	if err := s.repo.CreateBank(ctx, bank); err != nil {
		return nil, fmt.Errorf("failed to create bank: %w", err)
	}
	log.Printf("level=info component=service msg=\"bank created\" bank_id=%s", bank.ID)
	return bank, nil
}

func (s *Service) ListBanks(ctx context.Context) ([]domain.Bank, error) {
	return s.repo.ListBanks(ctx)
}

// CreateCustodyAccount opens a source-of-funds account.
func (s *Service) CreateCustodyAccount(ctx context.Context, params domain.CreateCustodyAccountParams) (*domain.CustodyAccount, error) {
	name := strings.TrimSpace(params.Name)
	if name == "" {
		return nil, validationError("account name is required")
	}
	if params.Balance.IsNegative() {
		return nil, validationError("balance must not be negative")
	}
	currency := strings.ToUpper(strings.TrimSpace(params.Currency))
	if currency == "" {
		currency = "USD"
	}

	now := s.clock()
	account := &domain.CustodyAccount{
		ID:        newAccountID(now),
		Name:      name,
		Currency:  currency,
		Balance:   params.Balance,
		Reserved:  decimal.Zero,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.CreateCustodyAccount(ctx, account); err != nil {
		return nil, fmt.Errorf("failed to create custody account: %w", err)
	}
	return account, nil
}

func (s *Service) GetCustodyAccount(ctx context.Context, accountID string) (*domain.CustodyAccount, error) {
	return s.repo.FindCustodyAccountByID(ctx, strings.TrimSpace(accountID))
}

func (s *Service) ListCustodyAccounts(ctx context.Context) ([]domain.CustodyAccount, error) {
	return s.repo.ListCustodyAccounts(ctx)
}

// CreateVault opens a custody vault with its full balance available.
func (s *Service) CreateVault(ctx context.Context, params domain.CreateVaultParams) (*domain.Vault, error) {
	owner := strings.TrimSpace(params.Owner)
	if owner == "" {
		return nil, validationError("vault owner is required")
	}
	if !params.InitialBalance.IsPositive() {
		return nil, validationError("initial balance must be positive")
	}

	now := s.clock()
	vault := &domain.Vault{
		ID:             newVaultID(now),
		Owner:          owner,
		MetadataDigest: vaultDigest(owner, params.Metadata, now),
		Total:          params.InitialBalance,
		Available:      params.InitialBalance,
		Locked:         decimal.Zero,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.repo.CreateVault(ctx, vault); err != nil {
		return nil, fmt.Errorf("failed to create vault: %w", err)
	}
	log.Printf("level=info component=service msg=\"vault created\" vault_id=%s total=%s", vault.ID, vault.Total)
	return vault, nil
}

func vaultDigest(owner, metadata string, at time.Time) string {
	return crypto.Keccak256Hash([]byte(owner), []byte(metadata), []byte(at.Format(time.RFC3339Nano))).Hex()
}

func (s *Service) GetVault(ctx context.Context, vaultID string) (*domain.Vault, error) {
	return s.repo.FindVaultByID(ctx, strings.TrimSpace(vaultID))
}

func (s *Service) ListVaults(ctx context.Context) ([]domain.Vault, error) {
	return s.repo.ListVaults(ctx)
}

// Reset wipes every collection. It is refused unless sandbox reset is enabled.
func (s *Service) Reset(ctx context.Context) error {
	if !s.config.AllowSandboxReset {
		return ErrSandboxResetDisabled
	}
	if err := s.repo.Reset(ctx); err != nil {
		return fmt.Errorf("failed to reset state: %w", err)
	}
	log.Printf("level=warn component=service msg=\"sandbox state cleared\" actor=%s", actorFromContext(ctx))
	return nil
}

// IsStateConflict reports whether err means the record was not in a state that allows the operation.
func IsStateConflict(err error) bool {
	return errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrAuthorizationNotRedeemable) ||
		errors.Is(err, store.ErrVersionConflict)
}
