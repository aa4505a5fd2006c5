/**
 * @description
 * Scheduled job implementations for the treasury-service.
 */
package app

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/transfa/treasury-service/internal/domain"
	"github.com/transfa/treasury-service/pkg/bridgeclient"
)

const jobTimeout = 2 * time.Minute

// AuthorizationJobs defines the service operations the jobs drive.
type AuthorizationJobs interface {
	ExpireAuthorizations(ctx context.Context) (int, error)
	GetAuthorization(ctx context.Context, code string) (*domain.MintAuthorization, error)
	SettleBridgeMint(ctx context.Context, event domain.MintCompletedEvent) (*domain.MintAuthorization, error)
}

// BridgeReader defines the bridge lookups used for reconciliation.
type BridgeReader interface {
	ListMintedLocks(ctx context.Context) ([]bridgeclient.LockRecord, error)
	FetchLockByCode(ctx context.Context, code string) (*bridgeclient.LockRecord, error)
	ValidateAuthorizationCode(ctx context.Context, code string) (*bridgeclient.MintRequest, error)
}

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	svc    AuthorizationJobs
	bridge BridgeReader
	logger *slog.Logger
}

// NewJobs creates a new Jobs runner. bridge may be nil when no bridge is configured.
func NewJobs(svc AuthorizationJobs, bridge BridgeReader, logger *slog.Logger) *Jobs {
	return &Jobs{svc: svc, bridge: bridge, logger: logger}
}

// ExpireAuthorizations releases locks whose mint authorization outlived its TTL.
func (j *Jobs) ExpireAuthorizations() {
	j.logger.Info("starting authorization expiry job")
	ctx, cancel := context.WithTimeout(ContextWithActor(context.Background(), "scheduler"), jobTimeout)
	defer cancel()

	expired, err := j.svc.ExpireAuthorizations(ctx)
	if err != nil {
		j.logger.Error("authorization expiry job failed", "expired", expired, "error", err)
		return
	}
	j.logger.Info("authorization expiry job finished", "expired", expired)
}

// ReconcileBridgeMints settles authorizations the bridge reports as minted but whose
// completion event never reached us.
func (j *Jobs) ReconcileBridgeMints() {
	if j.bridge == nil {
		return
	}
	j.logger.Info("starting bridge mint reconciliation job")
	ctx, cancel := context.WithTimeout(ContextWithActor(context.Background(), "scheduler"), jobTimeout)
	defer cancel()

	locks, err := j.bridge.ListMintedLocks(ctx)
	if err != nil {
		j.logger.Error("failed to list minted locks from bridge", "error", err)
		return
	}
	if len(locks) == 0 {
		j.logger.Info("no minted locks reported by bridge")
		return
	}

	settled := 0
	for _, lock := range locks {
		code := strings.TrimSpace(lock.AuthorizationCode)
		if code == "" {
			continue
		}
		auth, err := j.svc.GetAuthorization(ctx, code)
		if err != nil {
			j.logger.Warn("bridge reported unknown authorization", "authorization_code", code, "lock_id", lock.LockID, "error", err)
			continue
		}
		if !auth.Status.Open() {
			continue
		}

		event, err := j.mintEventFor(ctx, code)
		if err != nil {
			j.logger.Warn("bridge mint details unavailable", "authorization_code", code, "error", err)
			continue
		}
		if _, err := j.svc.SettleBridgeMint(ctx, event); err != nil {
			j.logger.Error("failed to settle bridge mint", "authorization_code", code, "error", err)
			continue
		}
		settled++
	}
	j.logger.Info("bridge mint reconciliation job finished", "reported", len(locks), "settled", settled)
}

// mintEventFor prefers the bridge's lock record and falls back to its mint request, which
// carries the mint details earlier in the bridge's own lifecycle.
func (j *Jobs) mintEventFor(ctx context.Context, code string) (domain.MintCompletedEvent, error) {
	event := domain.MintCompletedEvent{EventID: "reconcile:" + code, AuthorizationCode: code}

	lock, err := j.bridge.FetchLockByCode(ctx, code)
	if err != nil && !errors.Is(err, bridgeclient.ErrNotFound) {
		return event, err
	}
	if lock != nil && lock.MintTxHash != "" && lock.ContractAddress != "" {
		event.TxHash = lock.MintTxHash
		event.ContractAddress = lock.ContractAddress
		return event, nil
	}

	request, err := j.bridge.ValidateAuthorizationCode(ctx, code)
	if err != nil {
		return event, err
	}
	if request.MintTxHash == "" || request.ContractAddress == "" {
		return event, errors.New("bridge has no mint transaction for authorization")
	}
	event.TxHash = request.MintTxHash
	event.ContractAddress = request.ContractAddress
	event.MintedAmount = request.RequestedAmount
	return event, nil
}
