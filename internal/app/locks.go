package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/transfa/treasury-service/internal/domain"
	"github.com/transfa/treasury-service/internal/store"
)

// RequestLock creates a REQUESTED lock against a known bank and vault.
func (s *Service) RequestLock(ctx context.Context, params domain.RequestLockParams) (*domain.Lock, error) {
	bankID := strings.TrimSpace(params.BankID)
	vaultID := strings.TrimSpace(params.VaultID)
	switch {
	case bankID == "":
		return nil, validationError("bank reference is required")
	case vaultID == "":
		return nil, validationError("vault reference is required")
	case !params.AmountUSD.IsPositive():
		return nil, validationError("amount_usd must be positive")
	case !params.RequestedAmount.IsPositive():
		return nil, validationError("requested_amount must be positive")
	case params.ExpiryDays < 1:
		return nil, validationError("expiry_days must be at least 1")
	}

	if _, err := s.repo.FindBankByID(ctx, bankID); err != nil {
		if errors.Is(err, store.ErrBankNotFound) {
			return nil, notFound(err)
		}
		return nil, fmt.Errorf("failed to load bank: %w", err)
	}
	vault, err := s.repo.FindVaultByID(ctx, vaultID)
	if err != nil {
		if errors.Is(err, store.ErrVaultNotFound) {
			return nil, notFound(err)
		}
		return nil, fmt.Errorf("failed to load vault: %w", err)
	}
	if vault.Closed {
		return nil, validationError("vault %s is closed", vault.ID)
	}

	now := s.clock()
	lock := &domain.Lock{
		ID:              newLockID(now),
		BankID:          bankID,
		VaultID:         vaultID,
		AmountUSD:       params.AmountUSD,
		RequestedAmount: params.RequestedAmount,
		Beneficiary:     strings.TrimSpace(params.Beneficiary),
		ExpiresAt:       now.AddDate(0, 0, params.ExpiryDays),
		Status:          domain.LockStatusRequested,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	lock.Events = append(lock.Events, domain.LockEvent{Type: "requested", Actor: actorFromContext(ctx), At: now})

	msg, err := domain.NewOutboxMessage(domain.EventLockCreated, lock.ID, lockNotification(lock, now), now)
	if err != nil {
		return nil, err
	}
	if err := s.repo.Apply(ctx, store.Mutation{
		Lock:   &store.LockWrite{Lock: lock, ExpectedVersion: 0},
		Outbox: []domain.OutboxMessage{msg},
	}); err != nil {
		return nil, fmt.Errorf("failed to create lock: %w", err)
	}

	lockTransitionsTotal.WithLabelValues(string(lock.Status)).Inc()
	log.Printf("level=info component=service msg=\"lock requested\" lock_id=%s bank_id=%s vault_id=%s amount_usd=%s", lock.ID, lock.BankID, lock.VaultID, lock.AmountUSD)
	return lock, nil
}

// ApproveLock moves a REQUESTED lock to LOCKED and reserves its USD amount in the vault.
func (s *Service) ApproveLock(ctx context.Context, lockID string) (*domain.Lock, error) {
	lockID = strings.TrimSpace(lockID)
	unlock := s.keys.Lock(lockID)
	defer unlock()

	lock, err := s.loadLock(ctx, lockID)
	if err != nil {
		return nil, err
	}
	if lock.Status != domain.LockStatusRequested || !lock.Status.CanTransitionTo(domain.LockStatusLocked) {
		return nil, transitionError("lock", lock.ID, lock.Status, domain.LockStatusLocked)
	}

	now := s.clock()
	expected := lock.Version
	lock.Status = domain.LockStatusLocked
	lock.ApprovedAmount = lock.RequestedAmount
	lock.UpdatedAt = now
	lock.Events = append(lock.Events, domain.LockEvent{Type: "approved", Actor: actorFromContext(ctx), At: now})

	msg, err := domain.NewOutboxMessage(domain.EventLockApproved, lock.ID, lockNotification(lock, now), now)
	if err != nil {
		return nil, err
	}
	if err := s.repo.Apply(ctx, store.Mutation{
		Lock:       &store.LockWrite{Lock: lock, ExpectedVersion: expected},
		VaultDelta: &store.VaultDelta{VaultID: lock.VaultID, Locked: lock.AmountUSD},
		Outbox:     []domain.OutboxMessage{msg},
	}); err != nil {
		return nil, fmt.Errorf("failed to approve lock %s: %w", lock.ID, err)
	}

	lockTransitionsTotal.WithLabelValues(string(lock.Status)).Inc()
	log.Printf("level=info component=service msg=\"lock approved\" lock_id=%s approved_amount=%s", lock.ID, lock.ApprovedAmount)
	return lock, nil
}

// ConsumeLock moves a LOCKED lock to AWAITING_MINT and issues its mint authorization.
// Expiry is only evaluated here.
func (s *Service) ConsumeLock(ctx context.Context, lockID string) (*domain.MintAuthorization, error) {
	lockID = strings.TrimSpace(lockID)
	unlock := s.keys.Lock(lockID)
	defer unlock()

	lock, err := s.loadLock(ctx, lockID)
	if err != nil {
		return nil, err
	}
	if lock.Status != domain.LockStatusLocked {
		return nil, transitionError("lock", lock.ID, lock.Status, domain.LockStatusAwaitingMint)
	}
	now := s.clock()
	if lock.Expired(now) {
		return nil, fmt.Errorf("%w: lock %s expired at %s", ErrLockExpired, lock.ID, lock.ExpiresAt.Format(time.RFC3339))
	}

	auth := s.IssueAuthorizationCode(lock, now)
	expected := lock.Version
	lock.Status = domain.LockStatusAwaitingMint
	lock.AuthorizationCode = auth.Code
	lock.UpdatedAt = now
	lock.Events = append(lock.Events, domain.LockEvent{Type: "consumed", Actor: actorFromContext(ctx), Detail: auth.Code, At: now})

	msg, err := domain.NewOutboxMessage(domain.EventMintAuthorized, lock.ID, lockNotification(lock, now), now)
	if err != nil {
		return nil, err
	}
	if err := s.repo.Apply(ctx, store.Mutation{
		Lock:          &store.LockWrite{Lock: lock, ExpectedVersion: expected},
		Authorization: &store.AuthorizationWrite{Authorization: auth, ExpectedVersion: 0},
		Outbox:        []domain.OutboxMessage{msg},
	}); err != nil {
		return nil, fmt.Errorf("failed to consume lock %s: %w", lock.ID, err)
	}

	lockTransitionsTotal.WithLabelValues(string(lock.Status)).Inc()
	authorizationTransitionsTotal.WithLabelValues(string(auth.Status)).Inc()
	log.Printf("level=info component=service msg=\"lock consumed\" lock_id=%s authorization_code=%s expires_at=%s", lock.ID, auth.Code, auth.ExpiresAt.Format(time.RFC3339))
	return auth, nil
}

// IssueAuthorizationCode builds a pending authorization for lock. It is persisted by the caller.
func (s *Service) IssueAuthorizationCode(lock *domain.Lock, now time.Time) *domain.MintAuthorization {
	return &domain.MintAuthorization{
		Code:        newAuthorizationCode(now),
		LockID:      lock.ID,
		Amount:      lock.ApprovedAmount,
		Beneficiary: lock.Beneficiary,
		ExpiresAt:   now.Add(s.authorizationTTL()),
		Status:      domain.AuthorizationPendingMint,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// CancelLock cancels a REQUESTED or LOCKED lock. A LOCKED lock releases its vault reservation.
func (s *Service) CancelLock(ctx context.Context, lockID, reason string) (*domain.Lock, error) {
	lockID = strings.TrimSpace(lockID)
	unlock := s.keys.Lock(lockID)
	defer unlock()

	lock, err := s.loadLock(ctx, lockID)
	if err != nil {
		return nil, err
	}
	if lock.Status != domain.LockStatusRequested && lock.Status != domain.LockStatusLocked {
		return nil, transitionError("lock", lock.ID, lock.Status, domain.LockStatusCanceled)
	}

	now := s.clock()
	wasLocked := lock.Status == domain.LockStatusLocked
	expected := lock.Version
	lock.Status = domain.LockStatusCanceled
	lock.CancelReason = strings.TrimSpace(reason)
	lock.UpdatedAt = now
	lock.Events = append(lock.Events, domain.LockEvent{Type: "cancelled", Actor: actorFromContext(ctx), Detail: lock.CancelReason, At: now})

	msg, err := domain.NewOutboxMessage(domain.EventLockCancelled, lock.ID, lockNotification(lock, now), now)
	if err != nil {
		return nil, err
	}
	mutation := store.Mutation{
		Lock:   &store.LockWrite{Lock: lock, ExpectedVersion: expected},
		Outbox: []domain.OutboxMessage{msg},
	}
	if wasLocked {
		mutation.VaultDelta = &store.VaultDelta{VaultID: lock.VaultID, Locked: lock.AmountUSD.Neg()}
	}
	if err := s.repo.Apply(ctx, mutation); err != nil {
		return nil, fmt.Errorf("failed to cancel lock %s: %w", lock.ID, err)
	}

	lockTransitionsTotal.WithLabelValues(string(lock.Status)).Inc()
	log.Printf("level=info component=service msg=\"lock cancelled\" lock_id=%s released=%t reason=%q", lock.ID, wasLocked, lock.CancelReason)
	return lock, nil
}

func (s *Service) GetLock(ctx context.Context, lockID string) (*domain.Lock, error) {
	return s.repo.FindLockByID(ctx, strings.TrimSpace(lockID))
}

func (s *Service) GetLockByAuthorizationCode(ctx context.Context, code string) (*domain.Lock, error) {
	return s.repo.FindLockByAuthorizationCode(ctx, strings.TrimSpace(code))
}

func (s *Service) ListLocks(ctx context.Context, filter domain.LockFilter) ([]domain.Lock, error) {
	return s.repo.ListLocks(ctx, filter)
}

func (s *Service) loadLock(ctx context.Context, lockID string) (*domain.Lock, error) {
	if lockID == "" {
		return nil, validationError("lock id is required")
	}
	lock, err := s.repo.FindLockByID(ctx, lockID)
	if err != nil {
		if errors.Is(err, store.ErrLockNotFound) {
			return nil, notFound(err)
		}
		return nil, fmt.Errorf("failed to load lock %s: %w", lockID, err)
	}
	return lock, nil
}

func lockNotification(lock *domain.Lock, now time.Time) domain.LockNotification {
	return domain.LockNotification{
		LockID:            lock.ID,
		AuthorizationCode: lock.AuthorizationCode,
		BankID:            lock.BankID,
		VaultID:           lock.VaultID,
		AmountUSD:         lock.AmountUSD.String(),
		TokenAmount:       lock.RequestedAmount.String(),
		Beneficiary:       lock.Beneficiary,
		Status:            string(lock.Status),
		Reason:            lock.CancelReason,
		ExpiresAt:         lock.ExpiresAt,
		OccurredAt:        now,
	}
}
