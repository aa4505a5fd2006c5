/**
 * @description
 * This file implements the certification workflow as a compensating saga. Each step has a
 * forward action and, where it changed state, an undo. When a step fails the record is
 * marked failed and the undo of every completed step runs in reverse order.
 *
 * @notes
 * - The record is persisted after every step so observers can follow progress.
 * - Compensation errors are recorded on the record and logged; they never stop the
 *   remaining compensations.
 * - Signatures are keccak256 attestations over the record digest, not chain signatures.
 */

package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/transfa/treasury-service/internal/domain"
	"github.com/transfa/treasury-service/internal/store"
)

const compensationTimeout = 30 * time.Second

// SignerRoles is the fixed order in which certification signatures are collected.
var SignerRoles = []string{"treasury_officer", "compliance_officer", "custodian"}

type certificationRun struct {
	record  *domain.CertificationRecord
	request domain.StartCertificationRequest
	lock    *domain.Lock
}

type sagaStep struct {
	name     string
	progress int
	run      func(ctx context.Context, run *certificationRun) error
	undo     func(ctx context.Context, run *certificationRun) error
}

func (s *Service) certificationSteps() []sagaStep {
	return []sagaStep{
		{name: "initiate", progress: 10, run: s.stepInitiate},
		{name: "reserve_funds", progress: 25, run: s.stepReserveFunds, undo: s.undoReserveFunds},
		{name: "create_vault", progress: 40, run: s.stepCreateVault, undo: s.undoCreateVault},
		{name: "create_lock", progress: 55, run: s.stepCreateLock, undo: s.undoCreateLock},
		{name: "collect_signatures", progress: 70, run: s.stepCollectSignatures},
		{name: "finalize", progress: 85, run: s.stepFinalize, undo: s.undoFinalize},
		{name: "generate_artifact", progress: 100, run: s.stepGenerateArtifact},
	}
}

// StartCertification persists a pending record and runs the workflow in the background after
// one step delay. Until the run claims it the record can still be cancelled.
func (s *Service) StartCertification(ctx context.Context, req domain.StartCertificationRequest) (*domain.CertificationRecord, error) {
	run, err := s.newCertificationRun(ctx, req)
	if err != nil {
		return nil, err
	}
	snapshot := run.record.Clone()

	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		runCtx := context.WithoutCancel(ctx)
		if err := s.sleep(runCtx, s.config.CertificationStepDelay()); err != nil {
			return
		}
		_ = s.executeCertification(runCtx, run)
	}()
	return snapshot, nil
}

// RunCertification runs the workflow to completion and returns the final record. The error
// is the failing step's error; the record is returned in both cases.
func (s *Service) RunCertification(ctx context.Context, req domain.StartCertificationRequest) (*domain.CertificationRecord, error) {
	run, err := s.newCertificationRun(ctx, req)
	if err != nil {
		return nil, err
	}
	runErr := s.executeCertification(ctx, run)
	return run.record.Clone(), runErr
}

func (s *Service) GetCertification(ctx context.Context, id uuid.UUID) (*domain.CertificationRecord, error) {
	return s.repo.FindCertificationByID(ctx, id)
}

func (s *Service) ListCertifications(ctx context.Context, limit int) ([]domain.CertificationRecord, error) {
	return s.repo.ListCertifications(ctx, limit)
}

// CancelCertification cancels a record whose run has not claimed it yet. Running
// workflows cannot be cancelled.
func (s *Service) CancelCertification(ctx context.Context, id uuid.UUID) (*domain.CertificationRecord, error) {
	unlock := s.keys.Lock(id.String())
	defer unlock()

	record, err := s.repo.FindCertificationByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if record.Status != domain.CertificationPending {
		return nil, transitionError("certification", record.ID.String(), record.Status, domain.CertificationCancelled)
	}
	now := s.clock()
	record.Status = domain.CertificationCancelled
	record.Events = append(record.Events, domain.CertificationEvent{Name: "cancelled", At: now})
	record.UpdatedAt = now
	if err := s.repo.UpdateCertification(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to cancel certification %s: %w", id, err)
	}
	return record, nil
}

func (s *Service) newCertificationRun(ctx context.Context, req domain.StartCertificationRequest) (*certificationRun, error) {
	req.SourceAccountID = strings.TrimSpace(req.SourceAccountID)
	req.BankID = strings.TrimSpace(req.BankID)
	req.Beneficiary = strings.TrimSpace(req.Beneficiary)
	switch {
	case req.SourceAccountID == "":
		return nil, validationError("source_account_id is required")
	case req.BankID == "":
		return nil, validationError("bank_id is required")
	case req.Beneficiary == "":
		return nil, validationError("beneficiary is required")
	case !req.Amount.IsPositive():
		return nil, validationError("amount must be positive")
	case req.TokenAmount.IsNegative():
		return nil, validationError("token_amount must not be negative")
	case req.ExpiryDays < 0:
		return nil, validationError("expiry_days must not be negative")
	}
	if req.TokenAmount.IsZero() {
		req.TokenAmount = req.Amount
	}
	if req.ExpiryDays == 0 {
		req.ExpiryDays = defaultLockExpiryDays
	}

	now := s.clock()
	record := &domain.CertificationRecord{
		ID:              uuid.New(),
		SourceAccountID: req.SourceAccountID,
		BankID:          req.BankID,
		Beneficiary:     req.Beneficiary,
		Amount:          req.Amount,
		BalanceBefore:   decimal.Zero,
		BalanceAfter:    decimal.Zero,
		Status:          domain.CertificationPending,
		Events:          []domain.CertificationEvent{},
		Signatures:      []domain.CertificationSignature{},
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.repo.CreateCertification(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to create certification: %w", err)
	}
	log.Printf("level=info component=workflow msg=\"certification queued\" certification_id=%s source_account_id=%s amount=%s", record.ID, record.SourceAccountID, record.Amount)
	return &certificationRun{record: record, request: req}, nil
}

// claimCertification moves a pending record to processing. A record cancelled before its
// run started is left as it is.
func (s *Service) claimCertification(ctx context.Context, run *certificationRun) error {
	unlock := s.keys.Lock(run.record.ID.String())
	defer unlock()

	stored, err := s.repo.FindCertificationByID(ctx, run.record.ID)
	if err != nil {
		return err
	}
	if stored.Status != domain.CertificationPending {
		return transitionError("certification", stored.ID.String(), stored.Status, domain.CertificationProcessing)
	}
	run.record.Status = domain.CertificationProcessing
	run.record.UpdatedAt = s.clock()
	if err := s.repo.UpdateCertification(ctx, run.record); err != nil {
		return fmt.Errorf("failed to start certification %s: %w", run.record.ID, err)
	}
	return nil
}

func (s *Service) executeCertification(ctx context.Context, run *certificationRun) error {
	if err := s.claimCertification(ctx, run); err != nil {
		log.Printf("level=info component=workflow msg=\"certification not started\" certification_id=%s err=%v", run.record.ID, err)
		return err
	}

	steps := s.certificationSteps()
	for i, step := range steps {
		if i > 0 {
			if err := s.sleep(ctx, s.config.CertificationStepDelay()); err != nil {
				return s.failCertification(ctx, run, steps[:i], step.name, err)
			}
		}

		started := time.Now()
		err := step.run(ctx, run)
		certificationStepSeconds.WithLabelValues(step.name).Observe(time.Since(started).Seconds())
		if err != nil {
			return s.failCertification(ctx, run, steps[:i], step.name, err)
		}

		now := s.clock()
		run.record.Progress = step.progress
		run.record.Events = append(run.record.Events, domain.CertificationEvent{Name: step.name, At: now})
		run.record.UpdatedAt = now
		if step.progress == 100 {
			run.record.Status = domain.CertificationCompleted
		}
		if err := s.repo.UpdateCertification(ctx, run.record); err != nil {
			return s.failCertification(ctx, run, steps[:i+1], step.name, fmt.Errorf("failed to persist progress: %w", err))
		}
	}

	s.enqueueCertificationOutcome(ctx, run.record, domain.EventCertificationCompleted)
	certificationRunsTotal.WithLabelValues(string(domain.CertificationCompleted)).Inc()
	log.Printf("level=info component=workflow msg=\"certification completed\" certification_id=%s artifact_hash=%s", run.record.ID, run.record.ArtifactHash)
	return nil
}

// failCertification marks the record failed and undoes completed steps in reverse order.
func (s *Service) failCertification(ctx context.Context, run *certificationRun, completed []sagaStep, failedStep string, cause error) error {
	// Compensation must run even when the workflow context is already cancelled.
	compCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
	defer cancel()

	now := s.clock()
	run.record.Status = domain.CertificationFailed
	run.record.FailureReason = fmt.Sprintf("%s: %v", failedStep, cause)
	run.record.Events = append(run.record.Events, domain.CertificationEvent{Name: "failed", Detail: run.record.FailureReason, At: now})
	run.record.UpdatedAt = now
	if err := s.repo.UpdateCertification(compCtx, run.record); err != nil {
		log.Printf("level=error component=workflow msg=\"failed to persist certification failure\" certification_id=%s err=%v", run.record.ID, err)
	}
	log.Printf("level=warn component=workflow msg=\"certification step failed; compensating\" certification_id=%s step=%s err=%v", run.record.ID, failedStep, cause)

	for i := len(completed) - 1; i >= 0; i-- {
		step := completed[i]
		if step.undo == nil {
			continue
		}
		detail := "ok"
		if err := step.undo(compCtx, run); err != nil {
			detail = err.Error()
			log.Printf("level=error component=workflow msg=\"compensation failed\" certification_id=%s step=%s err=%v", run.record.ID, step.name, err)
		}
		run.record.Events = append(run.record.Events, domain.CertificationEvent{Name: "compensate:" + step.name, Detail: detail, At: s.clock()})
	}

	run.record.UpdatedAt = s.clock()
	if err := s.repo.UpdateCertification(compCtx, run.record); err != nil {
		log.Printf("level=error component=workflow msg=\"failed to persist compensation log\" certification_id=%s err=%v", run.record.ID, err)
	}
	s.enqueueCertificationOutcome(compCtx, run.record, domain.EventCertificationFailed)
	certificationRunsTotal.WithLabelValues(string(domain.CertificationFailed)).Inc()
	return fmt.Errorf("certification %s failed at %s: %w", run.record.ID, failedStep, cause)
}

func (s *Service) enqueueCertificationOutcome(ctx context.Context, record *domain.CertificationRecord, eventType string) {
	now := s.clock()
	msg, err := domain.NewOutboxMessage(eventType, record.ID.String(), domain.CertificationNotification{
		CertificationID:   record.ID,
		Status:            string(record.Status),
		LockID:            record.LockID,
		AuthorizationCode: record.AuthorizationCode,
		ArtifactHash:      record.ArtifactHash,
		FailureReason:     record.FailureReason,
		OccurredAt:        now,
	}, now)
	if err == nil {
		err = s.repo.EnqueueOutbox(ctx, msg)
	}
	if err != nil {
		log.Printf("level=error component=workflow msg=\"failed to enqueue certification outcome\" certification_id=%s event=%s err=%v", record.ID, eventType, err)
	}
}

func (s *Service) stepInitiate(ctx context.Context, run *certificationRun) error {
	account, err := s.repo.FindCustodyAccountByID(ctx, run.request.SourceAccountID)
	if err != nil {
		if errors.Is(err, store.ErrAccountNotFound) {
			return notFound(err)
		}
		return err
	}
	if _, err := s.repo.FindBankByID(ctx, run.request.BankID); err != nil {
		if errors.Is(err, store.ErrBankNotFound) {
			return notFound(err)
		}
		return err
	}
	if account.Available().LessThan(run.request.Amount) {
		return fmt.Errorf("%w: available %s, requested %s", store.ErrInsufficientFunds, account.Available(), run.request.Amount)
	}
	run.record.BalanceBefore = account.Available()
	return nil
}

func (s *Service) stepReserveFunds(ctx context.Context, run *certificationRun) error {
	_, err := s.repo.ReserveFunds(ctx, run.request.SourceAccountID, run.request.Amount)
	return err
}

func (s *Service) undoReserveFunds(ctx context.Context, run *certificationRun) error {
	_, err := s.repo.ReleaseReservation(ctx, run.request.SourceAccountID, run.request.Amount)
	return err
}

func (s *Service) stepCreateVault(ctx context.Context, run *certificationRun) error {
	vault, err := s.CreateVault(ctx, domain.CreateVaultParams{
		Owner:          run.request.Beneficiary,
		InitialBalance: run.request.Amount,
		Metadata:       run.record.ID.String(),
	})
	if err != nil {
		return err
	}
	run.record.VaultID = vault.ID
	return nil
}

func (s *Service) undoCreateVault(ctx context.Context, run *certificationRun) error {
	_, err := s.repo.CloseVault(ctx, run.record.VaultID)
	return err
}

func (s *Service) stepCreateLock(ctx context.Context, run *certificationRun) error {
	lock, err := s.RequestLock(ctx, domain.RequestLockParams{
		BankID:          run.request.BankID,
		VaultID:         run.record.VaultID,
		AmountUSD:       run.request.Amount,
		RequestedAmount: run.request.TokenAmount,
		ExpiryDays:      run.request.ExpiryDays,
		Beneficiary:     run.request.Beneficiary,
	})
	if err != nil {
		return err
	}
	run.record.LockID = lock.ID

	approved, err := s.ApproveLock(ctx, lock.ID)
	if err != nil {
		if _, cancelErr := s.CancelLock(ctx, lock.ID, "certification approval failed"); cancelErr != nil {
			log.Printf("level=error component=workflow msg=\"failed to cancel unapproved lock\" lock_id=%s err=%v", lock.ID, cancelErr)
		}
		return err
	}
	run.lock = approved
	return nil
}

func (s *Service) undoCreateLock(ctx context.Context, run *certificationRun) error {
	lock, err := s.repo.FindLockByID(ctx, run.record.LockID)
	if err != nil {
		return err
	}
	if lock.Status != domain.LockStatusRequested && lock.Status != domain.LockStatusLocked {
		return nil
	}
	_, err = s.CancelLock(ctx, lock.ID, "certification compensated")
	return err
}

func (s *Service) stepCollectSignatures(ctx context.Context, run *certificationRun) error {
	digest := certificationDigest(run.record)
	addresses := s.config.SignerAddresses()
	now := s.clock()
	signatures := make([]domain.CertificationSignature, 0, len(SignerRoles))
	for _, role := range SignerRoles {
		address := addresses[role]
		if address == "" {
			address = roleAddress(role)
		}
		address = common.HexToAddress(address).Hex()
		signatures = append(signatures, domain.CertificationSignature{
			Role:    role,
			Address: address,
			Hash:    crypto.Keccak256Hash(digest.Bytes(), []byte(role), common.HexToAddress(address).Bytes()).Hex(),
			At:      now,
		})
	}
	run.record.Signatures = signatures
	return nil
}

func (s *Service) stepFinalize(ctx context.Context, run *certificationRun) error {
	auth, err := s.ConsumeLock(ctx, run.record.LockID)
	if err != nil {
		return err
	}
	run.record.AuthorizationCode = auth.Code
	return nil
}

func (s *Service) undoFinalize(ctx context.Context, run *certificationRun) error {
	auth, err := s.repo.FindAuthorizationByCode(ctx, run.record.AuthorizationCode)
	if err != nil {
		return err
	}
	if auth.Status != domain.AuthorizationPendingMint {
		return nil
	}
	_, err = s.CancelAuthorization(ctx, auth.Code, "certification compensated")
	return err
}

func (s *Service) stepGenerateArtifact(ctx context.Context, run *certificationRun) error {
	account, err := s.repo.FindCustodyAccountByID(ctx, run.request.SourceAccountID)
	if err != nil {
		return err
	}
	run.record.BalanceAfter = account.Available()

	hash, err := artifactHash(run.record)
	if err != nil {
		return err
	}
	run.record.ArtifactHash = hash
	return nil
}

// certificationDigest binds the signatures to the record's economic content.
func certificationDigest(record *domain.CertificationRecord) common.Hash {
	return crypto.Keccak256Hash(
		[]byte(record.ID.String()),
		[]byte(record.SourceAccountID),
		[]byte(record.BankID),
		[]byte(record.VaultID),
		[]byte(record.LockID),
		[]byte(record.Amount.String()),
	)
}

// artifactHash is keccak256 over the canonical JSON of the record without its own hash.
func artifactHash(record *domain.CertificationRecord) (string, error) {
	cp := record.Clone()
	cp.ArtifactHash = ""
	cp.Status = domain.CertificationCompleted
	cp.Progress = 100
	body, err := json.Marshal(cp)
	if err != nil {
		return "", fmt.Errorf("failed to encode certification artifact: %w", err)
	}
	return crypto.Keccak256Hash(body).Hex(), nil
}

// roleAddress derives a stable placeholder address for a role without a configured signer.
func roleAddress(role string) string {
	return common.BytesToAddress(crypto.Keccak256([]byte("treasury-signer:" + role))).Hex()
}
