/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * It contains all the SQL used to persist banks, custody accounts, vaults, locks,
 * mint authorizations, certification records and the integration outbox.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - github.com/shopspring/decimal: NUMERIC columns scan into decimal.Decimal.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/transfa/treasury-service/internal/domain"
)

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isCheckViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23514"
}

// rowScanner is satisfied by both pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (r *PostgresRepository) CreateBank(ctx context.Context, bank *domain.Bank) error {
	query := `INSERT INTO banks (id, name, swift, signer_address, created_at) VALUES ($1, $2, $3, $4, $5)`
	_, err := r.db.Exec(ctx, query, bank.ID, bank.Name, bank.SWIFT, bank.SignerAddress, bank.CreatedAt)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

func (r *PostgresRepository) FindBankByID(ctx context.Context, bankID string) (*domain.Bank, error) {
	var bank domain.Bank
	query := `SELECT id, name, swift, signer_address, created_at FROM banks WHERE id = $1`
	err := r.db.QueryRow(ctx, query, bankID).Scan(&bank.ID, &bank.Name, &bank.SWIFT, &bank.SignerAddress, &bank.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrBankNotFound
		}
		return nil, err
	}
	return &bank, nil
}

func (r *PostgresRepository) ListBanks(ctx context.Context) ([]domain.Bank, error) {
	rows, err := r.db.Query(ctx, `SELECT id, name, swift, signer_address, created_at FROM banks ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	banks := make([]domain.Bank, 0)
	for rows.Next() {
		var bank domain.Bank
		if err := rows.Scan(&bank.ID, &bank.Name, &bank.SWIFT, &bank.SignerAddress, &bank.CreatedAt); err != nil {
			return nil, err
		}
		banks = append(banks, bank)
	}
	return banks, rows.Err()
}

const custodyAccountColumns = `id, name, currency, balance, reserved, version, created_at, updated_at`

func scanCustodyAccount(row rowScanner) (*domain.CustodyAccount, error) {
	var account domain.CustodyAccount
	err := row.Scan(
		&account.ID,
		&account.Name,
		&account.Currency,
		&account.Balance,
		&account.Reserved,
		&account.Version,
		&account.CreatedAt,
		&account.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &account, nil
}

func (r *PostgresRepository) CreateCustodyAccount(ctx context.Context, account *domain.CustodyAccount) error {
	query := `
		INSERT INTO custody_accounts (id, name, currency, balance, reserved, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 1, $6, $6)
	`
	_, err := r.db.Exec(ctx, query, account.ID, account.Name, account.Currency, account.Balance, account.Reserved, account.CreatedAt)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	if err == nil {
		account.Version = 1
	}
	return err
}

func (r *PostgresRepository) FindCustodyAccountByID(ctx context.Context, accountID string) (*domain.CustodyAccount, error) {
	query := `SELECT ` + custodyAccountColumns + ` FROM custody_accounts WHERE id = $1`
	account, err := scanCustodyAccount(r.db.QueryRow(ctx, query, accountID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return account, nil
}

func (r *PostgresRepository) ListCustodyAccounts(ctx context.Context) ([]domain.CustodyAccount, error) {
	rows, err := r.db.Query(ctx, `SELECT `+custodyAccountColumns+` FROM custody_accounts ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	accounts := make([]domain.CustodyAccount, 0)
	for rows.Next() {
		account, err := scanCustodyAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *account)
	}
	return accounts, rows.Err()
}

// ReserveFunds moves amount into the reserved bucket in a single conditional UPDATE.
func (r *PostgresRepository) ReserveFunds(ctx context.Context, accountID string, amount decimal.Decimal) (*domain.CustodyAccount, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidReservationSize
	}
	query := `
		UPDATE custody_accounts
		SET reserved = reserved + $2, version = version + 1, updated_at = NOW()
		WHERE id = $1 AND balance - reserved >= $2
		RETURNING ` + custodyAccountColumns
	account, err := scanCustodyAccount(r.db.QueryRow(ctx, query, accountID, amount))
	if err != nil {
		if err == pgx.ErrNoRows {
			if _, findErr := r.FindCustodyAccountByID(ctx, accountID); findErr != nil {
				return nil, findErr
			}
			return nil, ErrInsufficientFunds
		}
		return nil, err
	}
	return account, nil
}

func (r *PostgresRepository) ReleaseReservation(ctx context.Context, accountID string, amount decimal.Decimal) (*domain.CustodyAccount, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidReservationSize
	}
	query := `
		UPDATE custody_accounts
		SET reserved = reserved - $2, version = version + 1, updated_at = NOW()
		WHERE id = $1 AND reserved >= $2
		RETURNING ` + custodyAccountColumns
	account, err := scanCustodyAccount(r.db.QueryRow(ctx, query, accountID, amount))
	if err != nil {
		if err == pgx.ErrNoRows {
			if _, findErr := r.FindCustodyAccountByID(ctx, accountID); findErr != nil {
				return nil, findErr
			}
			return nil, ErrInsufficientFunds
		}
		return nil, err
	}
	return account, nil
}

const vaultColumns = `id, owner, metadata_digest, total, available, locked, closed, version, created_at, updated_at`

func scanVault(row rowScanner) (*domain.Vault, error) {
	var vault domain.Vault
	err := row.Scan(
		&vault.ID,
		&vault.Owner,
		&vault.MetadataDigest,
		&vault.Total,
		&vault.Available,
		&vault.Locked,
		&vault.Closed,
		&vault.Version,
		&vault.CreatedAt,
		&vault.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &vault, nil
}

func (r *PostgresRepository) CreateVault(ctx context.Context, vault *domain.Vault) error {
	query := `
		INSERT INTO vaults (id, owner, metadata_digest, total, available, locked, closed, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, 1, $7, $7)
	`
	_, err := r.db.Exec(ctx, query, vault.ID, vault.Owner, vault.MetadataDigest, vault.Total, vault.Available, vault.Locked, vault.CreatedAt)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	if err == nil {
		vault.Version = 1
	}
	return err
}

func (r *PostgresRepository) FindVaultByID(ctx context.Context, vaultID string) (*domain.Vault, error) {
	vault, err := scanVault(r.db.QueryRow(ctx, `SELECT `+vaultColumns+` FROM vaults WHERE id = $1`, vaultID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrVaultNotFound
		}
		return nil, err
	}
	return vault, nil
}

func (r *PostgresRepository) ListVaults(ctx context.Context) ([]domain.Vault, error) {
	rows, err := r.db.Query(ctx, `SELECT `+vaultColumns+` FROM vaults ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	vaults := make([]domain.Vault, 0)
	for rows.Next() {
		vault, err := scanVault(rows)
		if err != nil {
			return nil, err
		}
		vaults = append(vaults, *vault)
	}
	return vaults, rows.Err()
}

func (r *PostgresRepository) CloseVault(ctx context.Context, vaultID string) (*domain.Vault, error) {
	query := `
		UPDATE vaults
		SET closed = TRUE, total = 0, available = 0, version = version + 1, updated_at = NOW()
		WHERE id = $1 AND locked = 0
		RETURNING ` + vaultColumns
	vault, err := scanVault(r.db.QueryRow(ctx, query, vaultID))
	if err != nil {
		if err == pgx.ErrNoRows {
			if _, findErr := r.FindVaultByID(ctx, vaultID); findErr != nil {
				return nil, findErr
			}
			return nil, ErrVaultBalanceViolation
		}
		return nil, err
	}
	return vault, nil
}

const lockColumns = `id, bank_id, vault_id, amount_usd, requested_amount, approved_amount, beneficiary,
	expires_at, status, authorization_code, cancel_reason, events, version, created_at, updated_at`

func scanLock(row rowScanner) (*domain.Lock, error) {
	var (
		lock   domain.Lock
		status string
		events []byte
	)
	err := row.Scan(
		&lock.ID,
		&lock.BankID,
		&lock.VaultID,
		&lock.AmountUSD,
		&lock.RequestedAmount,
		&lock.ApprovedAmount,
		&lock.Beneficiary,
		&lock.ExpiresAt,
		&status,
		&lock.AuthorizationCode,
		&lock.CancelReason,
		&events,
		&lock.Version,
		&lock.CreatedAt,
		&lock.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	lock.Status = domain.LockStatus(status)
	if len(events) > 0 {
		if err := json.Unmarshal(events, &lock.Events); err != nil {
			return nil, fmt.Errorf("decode lock events: %w", err)
		}
	}
	return &lock, nil
}

func (r *PostgresRepository) FindLockByID(ctx context.Context, lockID string) (*domain.Lock, error) {
	lock, err := scanLock(r.db.QueryRow(ctx, `SELECT `+lockColumns+` FROM locks WHERE id = $1`, lockID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrLockNotFound
		}
		return nil, err
	}
	return lock, nil
}

func (r *PostgresRepository) FindLockByAuthorizationCode(ctx context.Context, code string) (*domain.Lock, error) {
	query := `
		SELECT ` + lockColumns + `
		FROM locks
		WHERE id = (SELECT lock_id FROM mint_authorizations WHERE code = $1)
	`
	lock, err := scanLock(r.db.QueryRow(ctx, query, code))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrLockNotFound
		}
		return nil, err
	}
	return lock, nil
}

func (r *PostgresRepository) ListLocks(ctx context.Context, filter domain.LockFilter) ([]domain.Lock, error) {
	var (
		rows pgx.Rows
		err  error
	)
	limit := normalizeLimit(filter.Limit)
	if filter.Status == "" || filter.Status == domain.LockStatusNone {
		rows, err = r.db.Query(ctx, `SELECT `+lockColumns+` FROM locks ORDER BY created_at DESC LIMIT $1`, limit)
	} else {
		rows, err = r.db.Query(ctx, `SELECT `+lockColumns+` FROM locks WHERE status = $1 ORDER BY created_at DESC LIMIT $2`, string(filter.Status), limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	locks := make([]domain.Lock, 0)
	for rows.Next() {
		lock, err := scanLock(rows)
		if err != nil {
			return nil, err
		}
		locks = append(locks, *lock)
	}
	return locks, rows.Err()
}

const authorizationColumns = `code, lock_id, amount, beneficiary, expires_at, status, redeemed_amount,
	tx_hash, contract_address, publication_code, version, created_at, updated_at`

func scanAuthorization(row rowScanner) (*domain.MintAuthorization, error) {
	var (
		auth   domain.MintAuthorization
		status string
	)
	err := row.Scan(
		&auth.Code,
		&auth.LockID,
		&auth.Amount,
		&auth.Beneficiary,
		&auth.ExpiresAt,
		&status,
		&auth.RedeemedAmount,
		&auth.TxHash,
		&auth.ContractAddress,
		&auth.PublicationCode,
		&auth.Version,
		&auth.CreatedAt,
		&auth.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	auth.Status = domain.AuthorizationStatus(status)
	return &auth, nil
}

func (r *PostgresRepository) FindAuthorizationByCode(ctx context.Context, code string) (*domain.MintAuthorization, error) {
	auth, err := scanAuthorization(r.db.QueryRow(ctx, `SELECT `+authorizationColumns+` FROM mint_authorizations WHERE code = $1`, code))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrAuthorizationNotFound
		}
		return nil, err
	}
	return auth, nil
}

func (r *PostgresRepository) ListOpenAuthorizationsExpiredBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.MintAuthorization, error) {
	query := `
		SELECT ` + authorizationColumns + `
		FROM mint_authorizations
		WHERE status IN ('pending_mint', 'minting') AND expires_at <= $1
		ORDER BY expires_at
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, query, cutoff, normalizeLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	auths := make([]domain.MintAuthorization, 0)
	for rows.Next() {
		auth, err := scanAuthorization(rows)
		if err != nil {
			return nil, err
		}
		auths = append(auths, *auth)
	}
	return auths, rows.Err()
}

// Apply executes the mutation in one transaction. Version checks are part of the UPDATE
// predicates so a concurrent writer makes the statement affect zero rows.
func (r *PostgresRepository) Apply(ctx context.Context, m Mutation) error {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if m.Lock != nil {
		if err := writeLockTx(ctx, tx, m.Lock); err != nil {
			return err
		}
	}
	if m.Authorization != nil {
		if err := writeAuthorizationTx(ctx, tx, m.Authorization); err != nil {
			return err
		}
	}
	if m.VaultDelta != nil {
		if err := applyVaultDeltaTx(ctx, tx, m.VaultDelta); err != nil {
			return err
		}
	}
	for _, msg := range m.Outbox {
		if err := enqueueOutboxTx(ctx, tx, msg); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}
	if m.Lock != nil {
		m.Lock.Lock.Version = m.Lock.ExpectedVersion + 1
	}
	if m.Authorization != nil {
		m.Authorization.Authorization.Version = m.Authorization.ExpectedVersion + 1
	}
	return nil
}

func writeLockTx(ctx context.Context, tx pgx.Tx, w *LockWrite) error {
	lock := w.Lock
	events, err := json.Marshal(lock.Events)
	if err != nil {
		return fmt.Errorf("encode lock events: %w", err)
	}

	if w.ExpectedVersion == 0 {
		query := `
			INSERT INTO locks (id, bank_id, vault_id, amount_usd, requested_amount, approved_amount, beneficiary,
				expires_at, status, authorization_code, cancel_reason, events, version, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, 1, $13, $14)
		`
		_, err := tx.Exec(ctx, query,
			lock.ID, lock.BankID, lock.VaultID, lock.AmountUSD, lock.RequestedAmount, lock.ApprovedAmount,
			lock.Beneficiary, lock.ExpiresAt, string(lock.Status), lock.AuthorizationCode, lock.CancelReason,
			events, lock.CreatedAt, lock.UpdatedAt,
		)
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return err
	}

	query := `
		UPDATE locks
		SET approved_amount = $3, status = $4, authorization_code = $5, cancel_reason = $6,
			events = $7, version = version + 1, updated_at = $8
		WHERE id = $1 AND version = $2
	`
	tag, err := tx.Exec(ctx, query,
		lock.ID, w.ExpectedVersion, lock.ApprovedAmount, string(lock.Status), lock.AuthorizationCode,
		lock.CancelReason, events, lock.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM locks WHERE id = $1)`, lock.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrLockNotFound
		}
		return ErrVersionConflict
	}
	return nil
}

func writeAuthorizationTx(ctx context.Context, tx pgx.Tx, w *AuthorizationWrite) error {
	auth := w.Authorization
	if w.ExpectedVersion == 0 {
		query := `
			INSERT INTO mint_authorizations (code, lock_id, amount, beneficiary, expires_at, status, redeemed_amount,
				tx_hash, contract_address, publication_code, version, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 1, $11, $12)
		`
		_, err := tx.Exec(ctx, query,
			auth.Code, auth.LockID, auth.Amount, auth.Beneficiary, auth.ExpiresAt, string(auth.Status),
			auth.RedeemedAmount, auth.TxHash, auth.ContractAddress, auth.PublicationCode, auth.CreatedAt, auth.UpdatedAt,
		)
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return err
	}

	query := `
		UPDATE mint_authorizations
		SET status = $3, redeemed_amount = $4, tx_hash = $5, contract_address = $6, publication_code = $7,
			version = version + 1, updated_at = $8
		WHERE code = $1 AND version = $2
	`
	tag, err := tx.Exec(ctx, query,
		auth.Code, w.ExpectedVersion, string(auth.Status), auth.RedeemedAmount, auth.TxHash,
		auth.ContractAddress, auth.PublicationCode, auth.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM mint_authorizations WHERE code = $1)`, auth.Code).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrAuthorizationNotFound
		}
		return ErrVersionConflict
	}
	return nil
}

func applyVaultDeltaTx(ctx context.Context, tx pgx.Tx, delta *VaultDelta) error {
	query := `
		UPDATE vaults
		SET locked = locked + $2, version = version + 1, updated_at = NOW()
		WHERE id = $1 AND locked + $2 >= 0 AND locked + $2 <= total
	`
	tag, err := tx.Exec(ctx, query, delta.VaultID, delta.Locked)
	if err != nil {
		if isCheckViolation(err) {
			return ErrVaultBalanceViolation
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM vaults WHERE id = $1)`, delta.VaultID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrVaultNotFound
		}
		return ErrVaultBalanceViolation
	}
	return nil
}

func enqueueOutboxTx(ctx context.Context, tx pgx.Tx, msg domain.OutboxMessage) error {
	query := `
		INSERT INTO outbox_messages (id, event_type, aggregate_id, payload, attempts, status, next_attempt_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4::jsonb, 0, $5, $6, $7, $7)
	`
	_, err := tx.Exec(ctx, query, msg.ID, msg.EventType, msg.AggregateID, string(msg.Payload), msg.Status, msg.NextAttemptAt, msg.CreatedAt)
	return err
}

const certificationColumns = `id, source_account_id, bank_id, beneficiary, amount, balance_before, balance_after,
	vault_id, lock_id, authorization_code, artifact_hash, progress, events, signatures, status, failure_reason,
	created_at, updated_at`

func scanCertification(row rowScanner) (*domain.CertificationRecord, error) {
	var (
		record     domain.CertificationRecord
		events     []byte
		signatures []byte
		status     string
	)
	err := row.Scan(
		&record.ID,
		&record.SourceAccountID,
		&record.BankID,
		&record.Beneficiary,
		&record.Amount,
		&record.BalanceBefore,
		&record.BalanceAfter,
		&record.VaultID,
		&record.LockID,
		&record.AuthorizationCode,
		&record.ArtifactHash,
		&record.Progress,
		&events,
		&signatures,
		&status,
		&record.FailureReason,
		&record.CreatedAt,
		&record.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	record.Status = domain.CertificationStatus(status)
	if len(events) > 0 {
		if err := json.Unmarshal(events, &record.Events); err != nil {
			return nil, fmt.Errorf("decode certification events: %w", err)
		}
	}
	if len(signatures) > 0 {
		if err := json.Unmarshal(signatures, &record.Signatures); err != nil {
			return nil, fmt.Errorf("decode certification signatures: %w", err)
		}
	}
	return &record, nil
}

func (r *PostgresRepository) CreateCertification(ctx context.Context, record *domain.CertificationRecord) error {
	events, signatures, err := encodeCertificationJSON(record)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO certifications (id, source_account_id, bank_id, beneficiary, amount, balance_before, balance_after,
			vault_id, lock_id, authorization_code, artifact_hash, progress, events, signatures, status, failure_reason,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13::jsonb, $14::jsonb, $15, $16, $17, $18)
	`
	_, err = r.db.Exec(ctx, query,
		record.ID, record.SourceAccountID, record.BankID, record.Beneficiary, record.Amount, record.BalanceBefore,
		record.BalanceAfter, record.VaultID, record.LockID, record.AuthorizationCode, record.ArtifactHash,
		record.Progress, events, signatures, string(record.Status), record.FailureReason, record.CreatedAt, record.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

func (r *PostgresRepository) UpdateCertification(ctx context.Context, record *domain.CertificationRecord) error {
	events, signatures, err := encodeCertificationJSON(record)
	if err != nil {
		return err
	}
	query := `
		UPDATE certifications
		SET balance_before = $2, balance_after = $3, vault_id = $4, lock_id = $5, authorization_code = $6,
			artifact_hash = $7, progress = $8, events = $9::jsonb, signatures = $10::jsonb, status = $11,
			failure_reason = $12, updated_at = $13
		WHERE id = $1
	`
	tag, err := r.db.Exec(ctx, query,
		record.ID, record.BalanceBefore, record.BalanceAfter, record.VaultID, record.LockID, record.AuthorizationCode,
		record.ArtifactHash, record.Progress, events, signatures, string(record.Status), record.FailureReason, record.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrCertificationNotFound
	}
	return nil
}

func encodeCertificationJSON(record *domain.CertificationRecord) (string, string, error) {
	events := record.Events
	if events == nil {
		events = []domain.CertificationEvent{}
	}
	signatures := record.Signatures
	if signatures == nil {
		signatures = []domain.CertificationSignature{}
	}
	eventsJSON, err := json.Marshal(events)
	if err != nil {
		return "", "", fmt.Errorf("encode certification events: %w", err)
	}
	signaturesJSON, err := json.Marshal(signatures)
	if err != nil {
		return "", "", fmt.Errorf("encode certification signatures: %w", err)
	}
	return string(eventsJSON), string(signaturesJSON), nil
}

func (r *PostgresRepository) FindCertificationByID(ctx context.Context, id uuid.UUID) (*domain.CertificationRecord, error) {
	record, err := scanCertification(r.db.QueryRow(ctx, `SELECT `+certificationColumns+` FROM certifications WHERE id = $1`, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrCertificationNotFound
		}
		return nil, err
	}
	return record, nil
}

func (r *PostgresRepository) ListCertifications(ctx context.Context, limit int) ([]domain.CertificationRecord, error) {
	rows, err := r.db.Query(ctx, `SELECT `+certificationColumns+` FROM certifications ORDER BY created_at DESC LIMIT $1`, normalizeLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]domain.CertificationRecord, 0)
	for rows.Next() {
		record, err := scanCertification(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *record)
	}
	return records, rows.Err()
}

func (r *PostgresRepository) EnqueueOutbox(ctx context.Context, messages ...domain.OutboxMessage) error {
	if len(messages) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	for _, msg := range messages {
		if err := enqueueOutboxTx(ctx, tx, msg); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// ClaimOutboxMessages locks due rows with SKIP LOCKED so several dispatchers can share the table.
func (r *PostgresRepository) ClaimOutboxMessages(ctx context.Context, limit int, staleAfter time.Duration) ([]domain.OutboxMessage, error) {
	staleSeconds := int(staleAfter.Seconds())
	if staleSeconds <= 0 {
		staleSeconds = 120
	}
	query := `
		WITH due AS (
			SELECT id
			FROM outbox_messages
			WHERE (status = 'pending' AND next_attempt_at <= NOW())
				OR (status = 'processing' AND updated_at <= NOW() - ($2::int * INTERVAL '1 second'))
			ORDER BY created_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE outbox_messages o
		SET status = 'processing', attempts = o.attempts + 1, updated_at = NOW()
		FROM due
		WHERE o.id = due.id
		RETURNING o.id, o.event_type, o.aggregate_id, o.payload, o.attempts, o.status, o.next_attempt_at,
			o.last_error, o.created_at, o.updated_at
	`
	rows, err := r.db.Query(ctx, query, limit, staleSeconds)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]domain.OutboxMessage, 0)
	for rows.Next() {
		var msg domain.OutboxMessage
		var payload []byte
		if err := rows.Scan(
			&msg.ID,
			&msg.EventType,
			&msg.AggregateID,
			&payload,
			&msg.Attempts,
			&msg.Status,
			&msg.NextAttemptAt,
			&msg.LastError,
			&msg.CreatedAt,
			&msg.UpdatedAt,
		); err != nil {
			return nil, err
		}
		msg.Payload = json.RawMessage(payload)
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func (r *PostgresRepository) MarkOutboxPublished(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `UPDATE outbox_messages SET status = 'published', last_error = '', updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrOutboxMessageNotFound
	}
	return nil
}

func (r *PostgresRepository) MarkOutboxFailed(ctx context.Context, id uuid.UUID, retryAfter time.Duration, lastError string, dead bool) error {
	status := domain.OutboxPending
	if dead {
		status = domain.OutboxDead
	}
	query := `
		UPDATE outbox_messages
		SET status = $2, last_error = $3, next_attempt_at = NOW() + ($4::bigint * INTERVAL '1 millisecond'), updated_at = NOW()
		WHERE id = $1
	`
	tag, err := r.db.Exec(ctx, query, id, status, lastError, retryAfter.Milliseconds())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrOutboxMessageNotFound
	}
	return nil
}

// Reset truncates every table. Only reachable when sandbox reset is enabled.
func (r *PostgresRepository) Reset(ctx context.Context) error {
	_, err := r.db.Exec(ctx, `TRUNCATE outbox_messages, certifications, mint_authorizations, locks, vaults, custody_accounts, banks`)
	return err
}
