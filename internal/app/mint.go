package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"
	"github.com/transfa/treasury-service/internal/domain"
	"github.com/transfa/treasury-service/internal/store"
)

const (
	redeemRateLimitScope  = "authorization_redeem"
	redeemRateLimitWindow = time.Minute
)

// RedeemAuthorizationCode exchanges a pending authorization for the right to mint up to
// its amount. An expired code is marked expired, its lock released, and the call fails.
func (s *Service) RedeemAuthorizationCode(ctx context.Context, code string, submitted decimal.Decimal) (*domain.RedeemResult, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, validationError("authorization code is required")
	}
	known, err := s.GetAuthorization(ctx, code)
	if err != nil {
		return nil, err
	}
	if err := s.consumeRedeemAttempt(ctx, RedeemAttempt{LockID: known.LockID, Code: known.Code}); err != nil {
		return nil, err
	}

	auth, unlock, err := s.lockAuthorization(ctx, code)
	if err != nil {
		return nil, err
	}
	defer unlock()

	now := s.clock()
	if auth.Status != domain.AuthorizationPendingMint {
		return nil, fmt.Errorf("%w: authorization %s is %s", ErrAuthorizationNotRedeemable, auth.Code, auth.Status)
	}
	if auth.Expired(now) {
		if err := s.expireAuthorizationLocked(ctx, auth, now); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: authorization %s expired at %s", ErrAuthorizationExpired, auth.Code, auth.ExpiresAt.Format(time.RFC3339))
	}
	if !submitted.IsPositive() {
		return nil, validationError("amount must be positive")
	}
	if submitted.GreaterThan(auth.Amount) {
		return nil, validationError("amount %s exceeds authorized amount %s", submitted, auth.Amount)
	}

	expected := auth.Version
	auth.Status = domain.AuthorizationMinting
	auth.RedeemedAmount = submitted
	auth.UpdatedAt = now
	if err := s.repo.Apply(ctx, store.Mutation{
		Authorization: &store.AuthorizationWrite{Authorization: auth, ExpectedVersion: expected},
	}); err != nil {
		return nil, fmt.Errorf("failed to redeem authorization %s: %w", auth.Code, err)
	}

	authorizationTransitionsTotal.WithLabelValues(string(auth.Status)).Inc()
	log.Printf("level=info component=service msg=\"authorization redeemed\" authorization_code=%s lock_id=%s amount=%s", auth.Code, auth.LockID, submitted)
	return &domain.RedeemResult{LockID: auth.LockID, Authorization: auth}, nil
}

// CompleteMint records the on-chain mint for a redeemed authorization and consumes its lock.
// A repeated completion with the same transaction hash returns the stored record.
func (s *Service) CompleteMint(ctx context.Context, code string, params domain.CompleteMintParams) (*domain.MintAuthorization, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, validationError("authorization code is required")
	}

	auth, unlock, err := s.lockAuthorization(ctx, code)
	if err != nil {
		return nil, err
	}
	defer unlock()

	txHash := strings.TrimSpace(params.TxHash)
	if auth.Status == domain.AuthorizationCompleted && txHash != "" && strings.EqualFold(auth.TxHash, txHash) {
		return auth, nil
	}
	if auth.Status != domain.AuthorizationMinting {
		return nil, fmt.Errorf("%w: authorization %s is %s", ErrAuthorizationNotRedeemable, auth.Code, auth.Status)
	}

	now := s.clock()
	if auth.Expired(now) {
		if err := s.expireAuthorizationLocked(ctx, auth, now); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: authorization %s expired at %s", ErrAuthorizationExpired, auth.Code, auth.ExpiresAt.Format(time.RFC3339))
	}
	if !isTxHash(txHash) {
		return nil, validationError("tx_hash must be a 0x-prefixed 32 byte hex string")
	}
	contract, err := s.checkContractAddress(params.ContractAddress)
	if err != nil {
		return nil, err
	}

	lock, err := s.loadLock(ctx, auth.LockID)
	if err != nil {
		return nil, err
	}
	if !lock.Status.CanTransitionTo(domain.LockStatusConsumed) {
		return nil, transitionError("lock", lock.ID, lock.Status, domain.LockStatusConsumed)
	}

	expectedAuth := auth.Version
	auth.Status = domain.AuthorizationCompleted
	auth.TxHash = strings.ToLower(txHash)
	auth.ContractAddress = contract
	auth.PublicationCode = newPublicationCode(now)
	auth.UpdatedAt = now

	expectedLock := lock.Version
	lock.Status = domain.LockStatusConsumed
	lock.UpdatedAt = now
	lock.Events = append(lock.Events, domain.LockEvent{Type: "minted", Actor: actorFromContext(ctx), Detail: auth.TxHash, At: now})

	msg, err := domain.NewOutboxMessage(domain.EventMintCompleted, auth.Code, mintNotification(auth, now), now)
	if err != nil {
		return nil, err
	}
	if err := s.repo.Apply(ctx, store.Mutation{
		Lock:          &store.LockWrite{Lock: lock, ExpectedVersion: expectedLock},
		Authorization: &store.AuthorizationWrite{Authorization: auth, ExpectedVersion: expectedAuth},
		Outbox:        []domain.OutboxMessage{msg},
	}); err != nil {
		return nil, fmt.Errorf("failed to complete mint for %s: %w", auth.Code, err)
	}

	authorizationTransitionsTotal.WithLabelValues(string(auth.Status)).Inc()
	lockTransitionsTotal.WithLabelValues(string(lock.Status)).Inc()
	log.Printf("level=info component=service msg=\"mint completed\" authorization_code=%s lock_id=%s tx_hash=%s publication_code=%s", auth.Code, lock.ID, auth.TxHash, auth.PublicationCode)
	return auth, nil
}

// CancelAuthorization withdraws a pending authorization and cancels its lock.
func (s *Service) CancelAuthorization(ctx context.Context, code, reason string) (*domain.MintAuthorization, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, validationError("authorization code is required")
	}

	auth, unlock, err := s.lockAuthorization(ctx, code)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if auth.Status != domain.AuthorizationPendingMint {
		return nil, fmt.Errorf("%w: authorization %s is %s", ErrAuthorizationNotRedeemable, auth.Code, auth.Status)
	}
	if strings.TrimSpace(reason) == "" {
		reason = "authorization cancelled"
	}
	if err := s.closeAuthorizationLocked(ctx, auth, domain.AuthorizationCancelled, domain.EventMintCancelled, strings.TrimSpace(reason), s.clock()); err != nil {
		return nil, err
	}
	return auth, nil
}

// ExpireAuthorizations marks every open authorization past its deadline as expired and
// releases the vault reservation of its lock. It returns how many were expired.
func (s *Service) ExpireAuthorizations(ctx context.Context) (int, error) {
	now := s.clock()
	candidates, err := s.repo.ListOpenAuthorizationsExpiredBefore(ctx, now, expirySweepBatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list expired authorizations: %w", err)
	}

	expired := 0
	for _, candidate := range candidates {
		if err := ctx.Err(); err != nil {
			return expired, err
		}
		auth, unlock, err := s.lockAuthorization(ctx, candidate.Code)
		if err != nil {
			log.Printf("level=warn component=service msg=\"expiry sweep could not load authorization\" authorization_code=%s err=%v", candidate.Code, err)
			continue
		}
		if auth.Status.Open() && auth.Expired(now) {
			if err := s.expireAuthorizationLocked(ctx, auth, now); err != nil {
				log.Printf("level=warn component=service msg=\"expiry sweep failed\" authorization_code=%s err=%v", auth.Code, err)
			} else {
				expired++
			}
		}
		unlock()
	}
	return expired, nil
}

// ValidateAuthorizationCode returns the authorization when it can still be redeemed. It never mutates state.
func (s *Service) ValidateAuthorizationCode(ctx context.Context, code string) (*domain.MintAuthorization, error) {
	auth, err := s.GetAuthorization(ctx, code)
	if err != nil {
		return nil, err
	}
	if auth.Status != domain.AuthorizationPendingMint {
		return nil, fmt.Errorf("%w: authorization %s is %s", ErrAuthorizationNotRedeemable, auth.Code, auth.Status)
	}
	if auth.Expired(s.clock()) {
		return nil, fmt.Errorf("%w: authorization %s expired at %s", ErrAuthorizationExpired, auth.Code, auth.ExpiresAt.Format(time.RFC3339))
	}
	return auth, nil
}

func (s *Service) GetAuthorization(ctx context.Context, code string) (*domain.MintAuthorization, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, validationError("authorization code is required")
	}
	auth, err := s.repo.FindAuthorizationByCode(ctx, code)
	if err != nil {
		if errors.Is(err, store.ErrAuthorizationNotFound) {
			return nil, notFound(err)
		}
		return nil, fmt.Errorf("failed to load authorization %s: %w", code, err)
	}
	return auth, nil
}

// lockAuthorization resolves code to its lock id, takes the per-lock mutex and re-reads the
// authorization under it. The caller must invoke the returned unlock.
func (s *Service) lockAuthorization(ctx context.Context, code string) (*domain.MintAuthorization, func(), error) {
	first, err := s.GetAuthorization(ctx, code)
	if err != nil {
		return nil, nil, err
	}
	unlock := s.keys.Lock(first.LockID)
	auth, err := s.GetAuthorization(ctx, code)
	if err != nil {
		unlock()
		return nil, nil, err
	}
	return auth, unlock, nil
}

func (s *Service) expireAuthorizationLocked(ctx context.Context, auth *domain.MintAuthorization, now time.Time) error {
	return s.closeAuthorizationLocked(ctx, auth, domain.AuthorizationExpired, domain.EventMintExpired, "authorization expired", now)
}

// closeAuthorizationLocked moves an open authorization to a terminal failure status and
// cancels its AWAITING_MINT lock, releasing the vault reservation in the same unit.
func (s *Service) closeAuthorizationLocked(ctx context.Context, auth *domain.MintAuthorization, status domain.AuthorizationStatus, eventType, reason string, now time.Time) error {
	lock, err := s.loadLock(ctx, auth.LockID)
	if err != nil {
		return err
	}

	expectedAuth := auth.Version
	auth.Status = status
	auth.UpdatedAt = now

	mintMsg, err := domain.NewOutboxMessage(eventType, auth.Code, mintNotification(auth, now), now)
	if err != nil {
		return err
	}
	mutation := store.Mutation{
		Authorization: &store.AuthorizationWrite{Authorization: auth, ExpectedVersion: expectedAuth},
		Outbox:        []domain.OutboxMessage{mintMsg},
	}

	if lock.Status == domain.LockStatusAwaitingMint {
		expectedLock := lock.Version
		lock.Status = domain.LockStatusCanceled
		lock.CancelReason = reason
		lock.UpdatedAt = now
		lock.Events = append(lock.Events, domain.LockEvent{Type: "cancelled", Actor: actorFromContext(ctx), Detail: reason, At: now})
		lockMsg, err := domain.NewOutboxMessage(domain.EventLockCancelled, lock.ID, lockNotification(lock, now), now)
		if err != nil {
			return err
		}
		mutation.Lock = &store.LockWrite{Lock: lock, ExpectedVersion: expectedLock}
		mutation.VaultDelta = &store.VaultDelta{VaultID: lock.VaultID, Locked: lock.AmountUSD.Neg()}
		mutation.Outbox = append(mutation.Outbox, lockMsg)
	}

	if err := s.repo.Apply(ctx, mutation); err != nil {
		return fmt.Errorf("failed to mark authorization %s %s: %w", auth.Code, status, err)
	}

	authorizationTransitionsTotal.WithLabelValues(string(status)).Inc()
	if mutation.Lock != nil {
		lockTransitionsTotal.WithLabelValues(string(domain.LockStatusCanceled)).Inc()
	}
	log.Printf("level=info component=service msg=\"authorization closed\" authorization_code=%s status=%s lock_id=%s", auth.Code, status, lock.ID)
	return nil
}

func (s *Service) consumeRedeemAttempt(ctx context.Context, attempt RedeemAttempt) error {
	if s.limiter == nil || s.config.RedeemRateLimitPerMinute <= 0 {
		return nil
	}
	count, retryAfter, err := s.limiter.ConsumeRedeemAttempt(ctx, attempt, s.config.RedeemRateLimitPerMinute, redeemRateLimitWindow)
	if err != nil {
		log.Printf("level=warn component=service msg=\"redeem rate limiter unavailable; allowing attempt\" authorization_code=%s lock_id=%s err=%v", attempt.Code, attempt.LockID, err)
		return nil
	}
	if count > s.config.RedeemRateLimitPerMinute {
		return &RateLimitedError{RetryAfterSeconds: retryAfter}
	}
	return nil
}

// checkContractAddress compares the submitted contract with the configured one ignoring case.
// Without a configured contract any well-formed address is accepted.
func (s *Service) checkContractAddress(submitted string) (string, error) {
	submitted = strings.TrimSpace(submitted)
	expected := strings.TrimSpace(s.config.ExpectedContractAddress)
	if expected != "" && !strings.EqualFold(submitted, expected) {
		return "", fmt.Errorf("%w: got %q", ErrContractMismatch, submitted)
	}
	if !common.IsHexAddress(submitted) {
		if expected != "" {
			return expected, nil
		}
		return "", validationError("contract_address %q is not a valid address", submitted)
	}
	return common.HexToAddress(submitted).Hex(), nil
}

func isTxHash(value string) bool {
	raw, err := hexutil.Decode(value)
	return err == nil && len(raw) == common.HashLength
}

func mintNotification(auth *domain.MintAuthorization, now time.Time) domain.MintNotification {
	return domain.MintNotification{
		AuthorizationCode: auth.Code,
		LockID:            auth.LockID,
		Amount:            auth.Amount.String(),
		Status:            string(auth.Status),
		TxHash:            auth.TxHash,
		ContractAddress:   auth.ContractAddress,
		PublicationCode:   auth.PublicationCode,
		ExpiresAt:         auth.ExpiresAt,
		OccurredAt:        now,
	}
}
