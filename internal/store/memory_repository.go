package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/transfa/treasury-service/internal/domain"
)

// MemoryRepository keeps every collection in process memory. It backs sandbox runs
// (STORAGE_DRIVER=memory) and the service tests.
type MemoryRepository struct {
	mu             sync.RWMutex
	now            func() time.Time
	banks          map[string]domain.Bank
	accounts       map[string]domain.CustodyAccount
	vaults         map[string]domain.Vault
	locks          map[string]*domain.Lock
	authorizations map[string]*domain.MintAuthorization
	certifications map[uuid.UUID]*domain.CertificationRecord
	outbox         map[uuid.UUID]domain.OutboxMessage
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	r := &MemoryRepository{now: time.Now}
	r.resetLocked()
	return r
}

// SetClock overrides the clock used for outbox scheduling.
func (r *MemoryRepository) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

func (r *MemoryRepository) resetLocked() {
	r.banks = make(map[string]domain.Bank)
	r.accounts = make(map[string]domain.CustodyAccount)
	r.vaults = make(map[string]domain.Vault)
	r.locks = make(map[string]*domain.Lock)
	r.authorizations = make(map[string]*domain.MintAuthorization)
	r.certifications = make(map[uuid.UUID]*domain.CertificationRecord)
	r.outbox = make(map[uuid.UUID]domain.OutboxMessage)
}

func (r *MemoryRepository) Reset(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resetLocked()
	return nil
}

func (r *MemoryRepository) CreateBank(ctx context.Context, bank *domain.Bank) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.banks[bank.ID]; ok {
		return ErrAlreadyExists
	}
	r.banks[bank.ID] = *bank
	return nil
}

func (r *MemoryRepository) FindBankByID(ctx context.Context, bankID string) (*domain.Bank, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	bank, ok := r.banks[bankID]
	if !ok {
		return nil, ErrBankNotFound
	}
	return &bank, nil
}

func (r *MemoryRepository) ListBanks(ctx context.Context) ([]domain.Bank, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Bank, 0, len(r.banks))
	for _, bank := range r.banks {
		out = append(out, bank)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *MemoryRepository) CreateCustodyAccount(ctx context.Context, account *domain.CustodyAccount) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.accounts[account.ID]; ok {
		return ErrAlreadyExists
	}
	account.Version = 1
	r.accounts[account.ID] = *account
	return nil
}

func (r *MemoryRepository) FindCustodyAccountByID(ctx context.Context, accountID string) (*domain.CustodyAccount, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	account, ok := r.accounts[accountID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return &account, nil
}

func (r *MemoryRepository) ListCustodyAccounts(ctx context.Context) ([]domain.CustodyAccount, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.CustodyAccount, 0, len(r.accounts))
	for _, account := range r.accounts {
		out = append(out, account)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *MemoryRepository) ReserveFunds(ctx context.Context, accountID string, amount decimal.Decimal) (*domain.CustodyAccount, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidReservationSize
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	account, ok := r.accounts[accountID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	if account.Available().LessThan(amount) {
		return nil, ErrInsufficientFunds
	}
	account.Reserved = account.Reserved.Add(amount)
	account.Version++
	account.UpdatedAt = r.now().UTC()
	r.accounts[accountID] = account
	return &account, nil
}

func (r *MemoryRepository) ReleaseReservation(ctx context.Context, accountID string, amount decimal.Decimal) (*domain.CustodyAccount, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidReservationSize
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	account, ok := r.accounts[accountID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	if account.Reserved.LessThan(amount) {
		return nil, ErrInsufficientFunds
	}
	account.Reserved = account.Reserved.Sub(amount)
	account.Version++
	account.UpdatedAt = r.now().UTC()
	r.accounts[accountID] = account
	return &account, nil
}

func (r *MemoryRepository) CreateVault(ctx context.Context, vault *domain.Vault) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.vaults[vault.ID]; ok {
		return ErrAlreadyExists
	}
	vault.Version = 1
	r.vaults[vault.ID] = *vault
	return nil
}

func (r *MemoryRepository) FindVaultByID(ctx context.Context, vaultID string) (*domain.Vault, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	vault, ok := r.vaults[vaultID]
	if !ok {
		return nil, ErrVaultNotFound
	}
	return &vault, nil
}

func (r *MemoryRepository) ListVaults(ctx context.Context) ([]domain.Vault, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Vault, 0, len(r.vaults))
	for _, vault := range r.vaults {
		out = append(out, vault)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *MemoryRepository) CloseVault(ctx context.Context, vaultID string) (*domain.Vault, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	vault, ok := r.vaults[vaultID]
	if !ok {
		return nil, ErrVaultNotFound
	}
	if !vault.Locked.IsZero() {
		return nil, ErrVaultBalanceViolation
	}
	vault.Closed = true
	vault.Total = decimal.Zero
	vault.Available = decimal.Zero
	vault.Version++
	vault.UpdatedAt = r.now().UTC()
	r.vaults[vaultID] = vault
	return &vault, nil
}

func (r *MemoryRepository) FindLockByID(ctx context.Context, lockID string) (*domain.Lock, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	lock, ok := r.locks[lockID]
	if !ok {
		return nil, ErrLockNotFound
	}
	return lock.Clone(), nil
}

func (r *MemoryRepository) FindLockByAuthorizationCode(ctx context.Context, code string) (*domain.Lock, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	auth, ok := r.authorizations[code]
	if !ok {
		return nil, ErrLockNotFound
	}
	lock, ok := r.locks[auth.LockID]
	if !ok {
		return nil, ErrLockNotFound
	}
	return lock.Clone(), nil
}

func (r *MemoryRepository) ListLocks(ctx context.Context, filter domain.LockFilter) ([]domain.Lock, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Lock, 0, len(r.locks))
	for _, lock := range r.locks {
		if filter.Status != "" && filter.Status != domain.LockStatusNone && lock.Status != filter.Status {
			continue
		}
		out = append(out, *lock.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit := normalizeLimit(filter.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepository) FindAuthorizationByCode(ctx context.Context, code string) (*domain.MintAuthorization, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	auth, ok := r.authorizations[strings.TrimSpace(code)]
	if !ok {
		return nil, ErrAuthorizationNotFound
	}
	return auth.Clone(), nil
}

func (r *MemoryRepository) ListOpenAuthorizationsExpiredBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.MintAuthorization, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.MintAuthorization, 0)
	for _, auth := range r.authorizations {
		if auth.Status.Open() && !cutoff.Before(auth.ExpiresAt) {
			out = append(out, *auth.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit = normalizeLimit(limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Apply validates every part of the mutation before writing any of it.
func (r *MemoryRepository) Apply(ctx context.Context, m Mutation) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if m.Lock != nil {
		stored, exists := r.locks[m.Lock.Lock.ID]
		switch {
		case m.Lock.ExpectedVersion == 0 && exists:
			return ErrAlreadyExists
		case m.Lock.ExpectedVersion != 0 && !exists:
			return ErrLockNotFound
		case exists && stored.Version != m.Lock.ExpectedVersion:
			return ErrVersionConflict
		}
	}
	if m.Authorization != nil {
		stored, exists := r.authorizations[m.Authorization.Authorization.Code]
		switch {
		case m.Authorization.ExpectedVersion == 0 && exists:
			return ErrAlreadyExists
		case m.Authorization.ExpectedVersion != 0 && !exists:
			return ErrAuthorizationNotFound
		case exists && stored.Version != m.Authorization.ExpectedVersion:
			return ErrVersionConflict
		}
	}
	var vault domain.Vault
	if m.VaultDelta != nil {
		var ok bool
		vault, ok = r.vaults[m.VaultDelta.VaultID]
		if !ok {
			return ErrVaultNotFound
		}
		if !vault.CanApplyLockedDelta(m.VaultDelta.Locked) {
			return ErrVaultBalanceViolation
		}
	}

	now := r.now().UTC()
	if m.Lock != nil {
		m.Lock.Lock.Version = m.Lock.ExpectedVersion + 1
		r.locks[m.Lock.Lock.ID] = m.Lock.Lock.Clone()
	}
	if m.Authorization != nil {
		m.Authorization.Authorization.Version = m.Authorization.ExpectedVersion + 1
		r.authorizations[m.Authorization.Authorization.Code] = m.Authorization.Authorization.Clone()
	}
	if m.VaultDelta != nil {
		vault.Locked = vault.Locked.Add(m.VaultDelta.Locked)
		vault.Version++
		vault.UpdatedAt = now
		r.vaults[vault.ID] = vault
	}
	for _, msg := range m.Outbox {
		r.outbox[msg.ID] = msg
	}
	return nil
}

func (r *MemoryRepository) CreateCertification(ctx context.Context, record *domain.CertificationRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.certifications[record.ID]; ok {
		return ErrAlreadyExists
	}
	r.certifications[record.ID] = record.Clone()
	return nil
}

func (r *MemoryRepository) UpdateCertification(ctx context.Context, record *domain.CertificationRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.certifications[record.ID]; !ok {
		return ErrCertificationNotFound
	}
	r.certifications[record.ID] = record.Clone()
	return nil
}

func (r *MemoryRepository) FindCertificationByID(ctx context.Context, id uuid.UUID) (*domain.CertificationRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	record, ok := r.certifications[id]
	if !ok {
		return nil, ErrCertificationNotFound
	}
	return record.Clone(), nil
}

func (r *MemoryRepository) ListCertifications(ctx context.Context, limit int) ([]domain.CertificationRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.CertificationRecord, 0, len(r.certifications))
	for _, record := range r.certifications {
		out = append(out, *record.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit = normalizeLimit(limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepository) EnqueueOutbox(ctx context.Context, messages ...domain.OutboxMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, msg := range messages {
		r.outbox[msg.ID] = msg
	}
	return nil
}

// ClaimOutboxMessages marks due messages as processing. Messages stuck in processing for
// longer than staleAfter are claimed again.
func (r *MemoryRepository) ClaimOutboxMessages(ctx context.Context, limit int, staleAfter time.Duration) ([]domain.OutboxMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now().UTC()
	due := make([]domain.OutboxMessage, 0)
	for _, msg := range r.outbox {
		switch msg.Status {
		case domain.OutboxPending:
			if msg.NextAttemptAt.After(now) {
				continue
			}
		case domain.OutboxProcessing:
			if now.Sub(msg.UpdatedAt) < staleAfter {
				continue
			}
		default:
			continue
		}
		due = append(due, msg)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].CreatedAt.Before(due[j].CreatedAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	for i := range due {
		due[i].Status = domain.OutboxProcessing
		due[i].Attempts++
		due[i].UpdatedAt = now
		r.outbox[due[i].ID] = due[i]
	}
	return due, nil
}

func (r *MemoryRepository) MarkOutboxPublished(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	msg, ok := r.outbox[id]
	if !ok {
		return ErrOutboxMessageNotFound
	}
	msg.Status = domain.OutboxPublished
	msg.LastError = ""
	msg.UpdatedAt = r.now().UTC()
	r.outbox[id] = msg
	return nil
}

func (r *MemoryRepository) MarkOutboxFailed(ctx context.Context, id uuid.UUID, retryAfter time.Duration, lastError string, dead bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	msg, ok := r.outbox[id]
	if !ok {
		return ErrOutboxMessageNotFound
	}
	now := r.now().UTC()
	msg.Status = domain.OutboxPending
	if dead {
		msg.Status = domain.OutboxDead
	}
	msg.LastError = lastError
	msg.NextAttemptAt = now.Add(retryAfter)
	msg.UpdatedAt = now
	r.outbox[id] = msg
	return nil
}

// OutboxMessages returns a snapshot of the outbox, oldest first.
func (r *MemoryRepository) OutboxMessages() []domain.OutboxMessage {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.OutboxMessage, 0, len(r.outbox))
	for _, msg := range r.outbox {
		out = append(out, msg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
