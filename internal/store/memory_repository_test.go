package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/transfa/treasury-service/internal/domain"
)

func seedVault(t *testing.T, repo *MemoryRepository, total int64) *domain.Vault {
	t.Helper()
	vault := &domain.Vault{ID: "VAULT-1", Owner: "treasury", Total: decimal.NewFromInt(total), Available: decimal.NewFromInt(total)}
	if err := repo.CreateVault(context.Background(), vault); err != nil {
		t.Fatalf("create vault: %v", err)
	}
	return vault
}

func TestApplyInsertsThenCompareAndSwaps(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	lock := &domain.Lock{ID: "LOCK-1", Status: domain.LockStatusRequested}

	if err := repo.Apply(ctx, Mutation{Lock: &LockWrite{Lock: lock}}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if lock.Version != 1 {
		t.Fatalf("expected version 1 after insert, got %d", lock.Version)
	}
	if err := repo.Apply(ctx, Mutation{Lock: &LockWrite{Lock: &domain.Lock{ID: "LOCK-1"}}}); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected duplicate insert to fail, got %v", err)
	}

	first := lock.Clone()
	first.Status = domain.LockStatusLocked
	if err := repo.Apply(ctx, Mutation{Lock: &LockWrite{Lock: first, ExpectedVersion: 1}}); err != nil {
		t.Fatalf("update: %v", err)
	}

	stale := lock.Clone()
	stale.Status = domain.LockStatusCanceled
	if err := repo.Apply(ctx, Mutation{Lock: &LockWrite{Lock: stale, ExpectedVersion: 1}}); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}

	stored, err := repo.FindLockByID(ctx, "LOCK-1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if stored.Status != domain.LockStatusLocked || stored.Version != 2 {
		t.Fatalf("unexpected stored lock: status=%s version=%d", stored.Status, stored.Version)
	}
}

func TestApplyIsAllOrNothing(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	seedVault(t, repo, 100)
	lock := &domain.Lock{ID: "LOCK-1", VaultID: "VAULT-1", Status: domain.LockStatusRequested}
	msg, _ := domain.NewOutboxMessage(domain.EventLockApproved, lock.ID, map[string]string{}, time.Now())

	err := repo.Apply(ctx, Mutation{
		Lock:       &LockWrite{Lock: lock},
		VaultDelta: &VaultDelta{VaultID: "VAULT-1", Locked: decimal.NewFromInt(101)},
		Outbox:     []domain.OutboxMessage{msg},
	})
	if !errors.Is(err, ErrVaultBalanceViolation) {
		t.Fatalf("expected vault bound violation, got %v", err)
	}
	if _, err := repo.FindLockByID(ctx, lock.ID); !errors.Is(err, ErrLockNotFound) {
		t.Fatalf("lock must not be written when the vault delta fails, got %v", err)
	}
	if len(repo.OutboxMessages()) != 0 {
		t.Fatal("outbox must not be written when the mutation fails")
	}
}

func TestApplyVaultDeltaBounds(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	seedVault(t, repo, 100)

	if err := repo.Apply(ctx, Mutation{VaultDelta: &VaultDelta{VaultID: "VAULT-1", Locked: decimal.NewFromInt(100)}}); err != nil {
		t.Fatalf("reserve full total: %v", err)
	}
	if err := repo.Apply(ctx, Mutation{VaultDelta: &VaultDelta{VaultID: "VAULT-1", Locked: decimal.NewFromInt(-101)}}); !errors.Is(err, ErrVaultBalanceViolation) {
		t.Fatalf("expected negative locked balance to be refused, got %v", err)
	}
	if _, err := repo.CloseVault(ctx, "VAULT-1"); !errors.Is(err, ErrVaultBalanceViolation) {
		t.Fatalf("expected close with locked funds to be refused, got %v", err)
	}
	if err := repo.Apply(ctx, Mutation{VaultDelta: &VaultDelta{VaultID: "VAULT-1", Locked: decimal.NewFromInt(-100)}}); err != nil {
		t.Fatalf("release: %v", err)
	}
	closed, err := repo.CloseVault(ctx, "VAULT-1")
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if !closed.Closed || !closed.Total.IsZero() {
		t.Fatalf("unexpected closed vault: %+v", closed)
	}
}

func TestReserveAndReleaseFunds(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	account := &domain.CustodyAccount{ID: "ACCT-1", Balance: decimal.NewFromInt(50)}
	if err := repo.CreateCustodyAccount(ctx, account); err != nil {
		t.Fatalf("create account: %v", err)
	}

	if _, err := repo.ReserveFunds(ctx, "ACCT-1", decimal.NewFromInt(51)); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
	if _, err := repo.ReserveFunds(ctx, "ACCT-1", decimal.Zero); !errors.Is(err, ErrInvalidReservationSize) {
		t.Fatalf("expected invalid size, got %v", err)
	}
	reserved, err := repo.ReserveFunds(ctx, "ACCT-1", decimal.NewFromInt(30))
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if !reserved.Available().Equal(decimal.NewFromInt(20)) {
		t.Fatalf("expected 20 available, got %s", reserved.Available())
	}
	if _, err := repo.ReleaseReservation(ctx, "ACCT-1", decimal.NewFromInt(31)); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected over-release to fail, got %v", err)
	}
	released, err := repo.ReleaseReservation(ctx, "ACCT-1", decimal.NewFromInt(30))
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if !released.Reserved.IsZero() {
		t.Fatalf("expected no reservation, got %s", released.Reserved)
	}
}

func TestClaimOutboxMessagesReclaimsStaleProcessing(t *testing.T) {
	repo := NewMemoryRepository()
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	repo.SetClock(func() time.Time { return now })
	ctx := context.Background()
	msg, _ := domain.NewOutboxMessage(domain.EventLockCreated, "LOCK-1", map[string]string{}, now)
	if err := repo.EnqueueOutbox(ctx, msg); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	claimed, err := repo.ClaimOutboxMessages(ctx, 10, time.Minute)
	if err != nil || len(claimed) != 1 || claimed[0].Attempts != 1 {
		t.Fatalf("expected one claimed message, got %+v (err=%v)", claimed, err)
	}
	again, _ := repo.ClaimOutboxMessages(ctx, 10, time.Minute)
	if len(again) != 0 {
		t.Fatalf("processing message must not be claimed twice, got %d", len(again))
	}

	now = now.Add(2 * time.Minute)
	stale, _ := repo.ClaimOutboxMessages(ctx, 10, time.Minute)
	if len(stale) != 1 || stale[0].Attempts != 2 {
		t.Fatalf("expected stale message to be reclaimed, got %+v", stale)
	}

	if err := repo.MarkOutboxPublished(ctx, msg.ID); err != nil {
		t.Fatalf("mark published: %v", err)
	}
	now = now.Add(time.Hour)
	if done, _ := repo.ClaimOutboxMessages(ctx, 10, time.Minute); len(done) != 0 {
		t.Fatalf("published message must not be claimed, got %d", len(done))
	}
}

func TestListOpenAuthorizationsExpiredBefore(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	cutoff := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	auths := []*domain.MintAuthorization{
		{Code: "AUTH-A", LockID: "L1", Status: domain.AuthorizationPendingMint, ExpiresAt: cutoff.Add(-time.Hour)},
		{Code: "AUTH-B", LockID: "L2", Status: domain.AuthorizationMinting, ExpiresAt: cutoff},
		{Code: "AUTH-C", LockID: "L3", Status: domain.AuthorizationPendingMint, ExpiresAt: cutoff.Add(time.Hour)},
		{Code: "AUTH-D", LockID: "L4", Status: domain.AuthorizationCompleted, ExpiresAt: cutoff.Add(-time.Hour)},
	}
	for _, auth := range auths {
		if err := repo.Apply(ctx, Mutation{Authorization: &AuthorizationWrite{Authorization: auth}}); err != nil {
			t.Fatalf("insert %s: %v", auth.Code, err)
		}
	}

	expired, err := repo.ListOpenAuthorizationsExpiredBefore(ctx, cutoff, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(expired) != 2 || expired[0].Code != "AUTH-A" || expired[1].Code != "AUTH-B" {
		t.Fatalf("unexpected expired set: %+v", expired)
	}
}
