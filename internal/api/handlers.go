/**
 * @description
 * This file contains the HTTP handlers for the treasury-service's API endpoints.
 * Handlers parse incoming requests, call the application service, and map service
 * errors onto HTTP status codes.
 *
 * @dependencies
 * - internal/app, internal/domain, internal/store: For service logic, models, and custom errors.
 */

package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	"github.com/shopspring/decimal"
	"github.com/transfa/treasury-service/internal/app"
	"github.com/transfa/treasury-service/internal/domain"
	"github.com/transfa/treasury-service/internal/store"
)

const defaultWebhookDedupSize = 4096

// Handlers holds the application service that handlers will use.
type Handlers struct {
	service       *app.Service
	webhookSecret string
	seenEvents    *lru.Cache
}

// NewHandlers creates the handler set. dedupSize bounds how many webhook event ids are remembered.
func NewHandlers(service *app.Service, webhookSecret string, dedupSize int) (*Handlers, error) {
	if dedupSize <= 0 {
		dedupSize = defaultWebhookDedupSize
	}
	seen, err := lru.New(dedupSize)
	if err != nil {
		return nil, err
	}
	return &Handlers{
		service:       service,
		webhookSecret: strings.TrimSpace(webhookSecret),
		seenEvents:    seen,
	}, nil
}

type createBankRequest struct {
	Name          string `json:"name"`
	SWIFT         string `json:"swift"`
	SignerAddress string `json:"signer_address"`
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

type redeemRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

func (h *Handlers) CreateBankHandler(w http.ResponseWriter, r *http.Request) {
	var req createBankRequest
	if !h.decode(w, r, &req) {
		return
	}
	bank, err := h.service.CreateBank(r.Context(), req.Name, req.SWIFT, req.SignerAddress)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, bank)
}

func (h *Handlers) ListBanksHandler(w http.ResponseWriter, r *http.Request) {
	banks, err := h.service.ListBanks(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, banks)
}

func (h *Handlers) CreateCustodyAccountHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateCustodyAccountParams
	if !h.decode(w, r, &req) {
		return
	}
	account, err := h.service.CreateCustodyAccount(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, account)
}

func (h *Handlers) ListCustodyAccountsHandler(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.service.ListCustodyAccounts(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, accounts)
}

func (h *Handlers) GetCustodyAccountHandler(w http.ResponseWriter, r *http.Request) {
	account, err := h.service.GetCustodyAccount(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, account)
}

func (h *Handlers) CreateVaultHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateVaultParams
	if !h.decode(w, r, &req) {
		return
	}
	vault, err := h.service.CreateVault(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, vault)
}

func (h *Handlers) ListVaultsHandler(w http.ResponseWriter, r *http.Request) {
	vaults, err := h.service.ListVaults(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, vaults)
}

func (h *Handlers) GetVaultHandler(w http.ResponseWriter, r *http.Request) {
	vault, err := h.service.GetVault(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, vault)
}

// RequestLockHandler creates a REQUESTED lock.
func (h *Handlers) RequestLockHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.RequestLockParams
	if !h.decode(w, r, &req) {
		return
	}
	lock, err := h.service.RequestLock(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, lock)
}

func (h *Handlers) ApproveLockHandler(w http.ResponseWriter, r *http.Request) {
	lock, err := h.service.ApproveLock(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, lock)
}

// ConsumeLockHandler issues the mint authorization for a LOCKED lock.
func (h *Handlers) ConsumeLockHandler(w http.ResponseWriter, r *http.Request) {
	auth, err := h.service.ConsumeLock(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, auth)
}

func (h *Handlers) CancelLockHandler(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if !h.decodeOptional(w, r, &req) {
		return
	}
	lock, err := h.service.CancelLock(r.Context(), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, lock)
}

func (h *Handlers) GetLockHandler(w http.ResponseWriter, r *http.Request) {
	lock, err := h.service.GetLock(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, lock)
}

func (h *Handlers) GetLockByCodeHandler(w http.ResponseWriter, r *http.Request) {
	lock, err := h.service.GetLockByAuthorizationCode(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, lock)
}

// ListLocksHandler lists locks, optionally filtered by ?status= and bounded by ?limit=.
func (h *Handlers) ListLocksHandler(w http.ResponseWriter, r *http.Request) {
	filter := domain.LockFilter{Limit: parseLimit(r)}
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		filter.Status = domain.ParseLockStatus(strings.ToUpper(raw))
		if filter.Status == domain.LockStatusNone {
			h.writeError(w, http.StatusBadRequest, "unknown lock status")
			return
		}
	}
	h.listLocks(w, r, filter)
}

func (h *Handlers) listLocksByStatus(status domain.LockStatus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.listLocks(w, r, domain.LockFilter{Status: status, Limit: parseLimit(r)})
	}
}

func (h *Handlers) listLocks(w http.ResponseWriter, r *http.Request, filter domain.LockFilter) {
	locks, err := h.service.ListLocks(r.Context(), filter)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, locks)
}

// ValidateAuthorizationHandler reports whether a code can still be redeemed.
func (h *Handlers) ValidateAuthorizationHandler(w http.ResponseWriter, r *http.Request) {
	auth, err := h.service.ValidateAuthorizationCode(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, auth)
}

func (h *Handlers) RedeemAuthorizationHandler(w http.ResponseWriter, r *http.Request) {
	var req redeemRequest
	if !h.decode(w, r, &req) {
		return
	}
	result, err := h.service.RedeemAuthorizationCode(r.Context(), chi.URLParam(r, "code"), req.Amount)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

func (h *Handlers) CompleteMintHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.CompleteMintParams
	if !h.decode(w, r, &req) {
		return
	}
	auth, err := h.service.CompleteMint(r.Context(), chi.URLParam(r, "code"), req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, auth)
}

func (h *Handlers) CancelAuthorizationHandler(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if !h.decodeOptional(w, r, &req) {
		return
	}
	auth, err := h.service.CancelAuthorization(r.Context(), chi.URLParam(r, "code"), req.Reason)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, auth)
}

// StartCertificationHandler accepts a workflow run; progress is polled via GET.
func (h *Handlers) StartCertificationHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.StartCertificationRequest
	if !h.decode(w, r, &req) {
		return
	}
	record, err := h.service.StartCertification(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, record)
}

func (h *Handlers) ListCertificationsHandler(w http.ResponseWriter, r *http.Request) {
	records, err := h.service.ListCertifications(r.Context(), parseLimit(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, records)
}

func (h *Handlers) GetCertificationHandler(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid certification id")
		return
	}
	record, err := h.service.GetCertification(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, record)
}

// CancelCertificationHandler cancels a certification whose run has not started.
func (h *Handlers) CancelCertificationHandler(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid certification id")
		return
	}
	record, err := h.service.CancelCertification(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, record)
}

// ClearAllHandler wipes sandbox state.
func (h *Handlers) ClearAllHandler(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Reset(r.Context()); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

// decodeOptional accepts an empty body.
func (h *Handlers) decodeOptional(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	return h.decode(w, r, dst)
}

func parseLimit(r *http.Request) int {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit < 0 {
		return 0
	}
	return limit
}

var notFoundErrors = []error{
	store.ErrBankNotFound,
	store.ErrAccountNotFound,
	store.ErrVaultNotFound,
	store.ErrLockNotFound,
	store.ErrAuthorizationNotFound,
	store.ErrCertificationNotFound,
}

// statusForError maps the service error taxonomy onto HTTP status codes.
func statusForError(err error) int {
	for _, target := range notFoundErrors {
		if errors.Is(err, target) {
			return http.StatusNotFound
		}
	}
	switch {
	case errors.Is(err, app.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, app.ErrValidation), errors.Is(err, store.ErrInvalidReservationSize):
		return http.StatusBadRequest
	case errors.Is(err, app.ErrContractMismatch):
		return http.StatusUnprocessableEntity
	case errors.Is(err, app.ErrLockExpired), errors.Is(err, app.ErrAuthorizationExpired):
		return http.StatusGone
	case app.IsStateConflict(err),
		errors.Is(err, store.ErrVaultBalanceViolation),
		errors.Is(err, store.ErrInsufficientFunds),
		errors.Is(err, store.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, app.ErrSandboxResetDisabled):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handlers) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusForError(err)
	var limited *app.RateLimitedError
	if errors.As(err, &limited) {
		w.Header().Set("Retry-After", strconv.Itoa(limited.RetryAfterSeconds))
	}
	if status == http.StatusInternalServerError {
		log.Printf("level=error component=api msg=\"request failed\" method=%s path=%s err=%v", r.Method, r.URL.Path, err)
		h.writeError(w, status, "Internal server error")
		return
	}
	h.writeError(w, status, err.Error())
}

// writeJSON is a helper for writing JSON responses.
func (h *Handlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *Handlers) writeError(w http.ResponseWriter, status int, message string) {
	writeErrorJSON(w, status, message)
}

func writeErrorJSON(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
