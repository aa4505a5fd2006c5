package app

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/transfa/treasury-service/internal/config"
	"github.com/transfa/treasury-service/internal/domain"
	"github.com/transfa/treasury-service/internal/store"
)

const (
	testContract = "0x5FbDB2315678afecb367f032d93F642f64180aa3"
	testTxHash   = "0x8f3c1d2e4b5a69788796a5b4c3d2e1f00112233445566778899aabbccddeeff0"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type treasuryFixture struct {
	svc   *Service
	repo  *store.MemoryRepository
	clock *testClock
	bank  *domain.Bank
	vault *domain.Vault
}

func newTreasuryFixture(t *testing.T, mutate ...func(*config.Config)) *treasuryFixture {
	t.Helper()
	cfg := config.Config{
		ExpectedContractAddress: testContract,
		AuthorizationTTLHours:   24,
	}
	for _, fn := range mutate {
		fn(&cfg)
	}

	clock := newTestClock()
	repo := store.NewMemoryRepository()
	repo.SetClock(clock.Now)
	svc := NewService(repo, nil, cfg)
	svc.SetClock(clock.Now)
	svc.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }

	ctx := context.Background()
	bank, err := svc.CreateBank(ctx, "First Reserve", "frsvus33", "")
	if err != nil {
		t.Fatalf("create bank: %v", err)
	}
	vault, err := svc.CreateVault(ctx, domain.CreateVaultParams{Owner: "treasury", InitialBalance: decimal.NewFromInt(1000)})
	if err != nil {
		t.Fatalf("create vault: %v", err)
	}
	return &treasuryFixture{svc: svc, repo: repo, clock: clock, bank: bank, vault: vault}
}

func (f *treasuryFixture) requestLock(t *testing.T, amount int64) *domain.Lock {
	t.Helper()
	lock, err := f.svc.RequestLock(context.Background(), domain.RequestLockParams{
		BankID:          f.bank.ID,
		VaultID:         f.vault.ID,
		AmountUSD:       decimal.NewFromInt(amount),
		RequestedAmount: decimal.NewFromInt(amount),
		ExpiryDays:      7,
		Beneficiary:     "0x000000000000000000000000000000000000bEEF",
	})
	if err != nil {
		t.Fatalf("request lock: %v", err)
	}
	return lock
}

func (f *treasuryFixture) lockedLock(t *testing.T, amount int64) *domain.Lock {
	t.Helper()
	lock := f.requestLock(t, amount)
	approved, err := f.svc.ApproveLock(context.Background(), lock.ID)
	if err != nil {
		t.Fatalf("approve lock: %v", err)
	}
	return approved
}

func (f *treasuryFixture) issuedAuthorization(t *testing.T, amount int64) *domain.MintAuthorization {
	t.Helper()
	lock := f.lockedLock(t, amount)
	auth, err := f.svc.ConsumeLock(context.Background(), lock.ID)
	if err != nil {
		t.Fatalf("consume lock: %v", err)
	}
	return auth
}

func (f *treasuryFixture) vaultLocked(t *testing.T) decimal.Decimal {
	t.Helper()
	vault, err := f.repo.FindVaultByID(context.Background(), f.vault.ID)
	if err != nil {
		t.Fatalf("find vault: %v", err)
	}
	return vault.Locked
}

func (f *treasuryFixture) outboxTypes() map[string]int {
	counts := make(map[string]int)
	for _, msg := range f.repo.OutboxMessages() {
		counts[msg.EventType]++
	}
	return counts
}
