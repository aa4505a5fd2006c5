package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/transfa/treasury-service/internal/app"
	"github.com/transfa/treasury-service/internal/config"
	"github.com/transfa/treasury-service/internal/domain"
	"github.com/transfa/treasury-service/internal/store"
	"github.com/transfa/treasury-service/pkg/bridgeclient"
)

const (
	testAPIKey        = "internal-test-key"
	testJWTSecret     = "operator-test-secret"
	testWebhookSecret = "webhook-test-secret"
	testContract      = "0x5FbDB2315678afecb367f032d93F642f64180aa3"
	testTxHash        = "0x8f3c1d2e4b5a69788796a5b4c3d2e1f00112233445566778899aabbccddeeff0"
)

type apiFixture struct {
	server  *httptest.Server
	service *app.Service
	repo    store.Repository
}

func newAPIFixture(t *testing.T, mutate ...func(*config.Config)) *apiFixture {
	t.Helper()
	return newLimitedAPIFixture(t, nil, mutate...)
}

func newLimitedAPIFixture(t *testing.T, limiter app.RateLimiter, mutate ...func(*config.Config)) *apiFixture {
	t.Helper()
	cfg := config.Config{ExpectedContractAddress: testContract, AuthorizationTTLHours: 24, RedeemRateLimitPerMinute: 5}
	for _, fn := range mutate {
		fn(&cfg)
	}
	repo := store.NewMemoryRepository()
	service := app.NewService(repo, limiter, cfg)
	handlers, err := NewHandlers(service, testWebhookSecret, 16)
	require.NoError(t, err)

	server := httptest.NewServer(NewRouter(handlers, AuthConfig{InternalAPIKey: testAPIKey, JWTSecret: testJWTSecret}, []string{"http://localhost:3000"}))
	t.Cleanup(server.Close)
	return &apiFixture{server: server, service: service, repo: repo}
}

func (f *apiFixture) do(t *testing.T, method, path string, body interface{}, headers map[string]string) (int, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, f.server.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, buf.Bytes()
}

func (f *apiFixture) operator(t *testing.T, method, path string, body interface{}) (int, []byte) {
	t.Helper()
	return f.do(t, method, path, body, map[string]string{InternalAPIKeyHeader: testAPIKey})
}

func decodeInto(t *testing.T, raw []byte, dst interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(raw, dst), string(raw))
}

func (f *apiFixture) seedLock(t *testing.T) domain.Lock {
	t.Helper()
	status, raw := f.operator(t, http.MethodPost, "/api/banks", map[string]string{"name": "First Reserve"})
	require.Equal(t, http.StatusCreated, status, string(raw))
	var bank domain.Bank
	decodeInto(t, raw, &bank)

	status, raw = f.operator(t, http.MethodPost, "/api/vaults", map[string]interface{}{"owner": "treasury", "initial_balance": "1000"})
	require.Equal(t, http.StatusCreated, status, string(raw))
	var vault domain.Vault
	decodeInto(t, raw, &vault)

	status, raw = f.operator(t, http.MethodPost, "/api/locks", map[string]interface{}{
		"bank_id":          bank.ID,
		"vault_id":         vault.ID,
		"amount_usd":       "250",
		"requested_amount": "250",
		"expiry_days":      7,
		"beneficiary":      "0x000000000000000000000000000000000000bEEF",
	})
	require.Equal(t, http.StatusCreated, status, string(raw))
	var lock domain.Lock
	decodeInto(t, raw, &lock)
	return lock
}

func TestHealthEndpoints(t *testing.T) {
	f := newAPIFixture(t)
	for _, path := range []string{"/health", "/api/health"} {
		status, body := f.do(t, http.MethodGet, path, nil, nil)
		assert.Equal(t, http.StatusOK, status)
		assert.Equal(t, "healthy", string(body))
	}
	status, _ := f.do(t, http.MethodGet, "/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, status)
}

func TestMutatingRoutesRequireAuthentication(t *testing.T) {
	f := newAPIFixture(t)

	status, _ := f.do(t, http.MethodPost, "/api/banks", map[string]string{"name": "x"}, nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = f.do(t, http.MethodPost, "/api/banks", map[string]string{"name": "x"}, map[string]string{InternalAPIKeyHeader: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = f.do(t, http.MethodPost, "/api/banks", map[string]string{"name": "x"}, map[string]string{"Authorization": "Bearer not-a-jwt"})
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = f.do(t, http.MethodGet, "/api/banks", nil, nil)
	assert.Equal(t, http.StatusOK, status, "read routes are public")
}

func TestOperatorJWTBecomesLockActor(t *testing.T) {
	f := newAPIFixture(t)
	lock := f.seedLock(t)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "alice@treasury",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(testJWTSecret))
	require.NoError(t, err)

	status, raw := f.do(t, http.MethodPost, "/api/locks/"+lock.ID+"/approve", nil, map[string]string{"Authorization": "Bearer " + signed})
	require.Equal(t, http.StatusOK, status, string(raw))
	var approved domain.Lock
	decodeInto(t, raw, &approved)
	assert.Equal(t, domain.LockStatusLocked, approved.Status)
	assert.Equal(t, "alice@treasury", approved.Events[len(approved.Events)-1].Actor)
}

func TestLockAndMintFlowOverHTTP(t *testing.T) {
	f := newAPIFixture(t)
	lock := f.seedLock(t)

	status, _ := f.operator(t, http.MethodPost, "/api/locks/"+lock.ID+"/approve", nil)
	require.Equal(t, http.StatusOK, status)
	status, _ = f.operator(t, http.MethodPost, "/api/locks/"+lock.ID+"/approve", nil)
	assert.Equal(t, http.StatusConflict, status, "double approve")

	status, raw := f.operator(t, http.MethodPost, "/api/locks/"+lock.ID+"/consume", nil)
	require.Equal(t, http.StatusCreated, status, string(raw))
	var auth domain.MintAuthorization
	decodeInto(t, raw, &auth)

	status, _ = f.do(t, http.MethodGet, "/api/authorizations/"+auth.Code, nil, nil)
	assert.Equal(t, http.StatusOK, status)
	status, _ = f.do(t, http.MethodGet, "/api/locks/by-code/"+auth.Code, nil, nil)
	assert.Equal(t, http.StatusOK, status)

	status, _ = f.operator(t, http.MethodPost, "/api/authorizations/"+auth.Code+"/redeem", map[string]string{"amount": "251"})
	assert.Equal(t, http.StatusBadRequest, status)
	status, raw = f.operator(t, http.MethodPost, "/api/authorizations/"+auth.Code+"/redeem", map[string]string{"amount": "250"})
	require.Equal(t, http.StatusOK, status, string(raw))
	status, _ = f.operator(t, http.MethodPost, "/api/authorizations/"+auth.Code+"/redeem", map[string]string{"amount": "250"})
	assert.Equal(t, http.StatusConflict, status, "second redeem")

	status, _ = f.operator(t, http.MethodPost, "/api/authorizations/"+auth.Code+"/complete", domain.CompleteMintParams{
		TxHash: testTxHash, ContractAddress: "0x0000000000000000000000000000000000000001",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, status)

	status, raw = f.operator(t, http.MethodPost, "/api/authorizations/"+auth.Code+"/complete", domain.CompleteMintParams{
		TxHash: testTxHash, ContractAddress: strings.ToLower(testContract),
	})
	require.Equal(t, http.StatusOK, status, string(raw))

	status, raw = f.do(t, http.MethodGet, "/api/locks/minted", nil, nil)
	require.Equal(t, http.StatusOK, status)
	var minted []domain.Lock
	decodeInto(t, raw, &minted)
	require.Len(t, minted, 1)
	assert.Equal(t, lock.ID, minted[0].ID)

	status, _ = f.do(t, http.MethodGet, "/api/authorizations/"+auth.Code, nil, nil)
	assert.Equal(t, http.StatusConflict, status, "completed code is no longer valid")
}

func TestUnknownRecordsReturnNotFound(t *testing.T) {
	f := newAPIFixture(t)

	status, _ := f.operator(t, http.MethodPost, "/api/locks/LOCK-NOPE/approve", nil)
	assert.Equal(t, http.StatusNotFound, status)
	status, _ = f.do(t, http.MethodGet, "/api/locks/LOCK-NOPE", nil, nil)
	assert.Equal(t, http.StatusNotFound, status)
	status, _ = f.do(t, http.MethodGet, "/api/authorizations/AUTH-NOPE", nil, nil)
	assert.Equal(t, http.StatusNotFound, status)
	status, _ = f.do(t, http.MethodGet, "/api/certifications/not-a-uuid", nil, nil)
	assert.Equal(t, http.StatusBadRequest, status)
	status, _ = f.do(t, http.MethodGet, "/api/locks?status=bogus", nil, nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestClearAll(t *testing.T) {
	disabled := newAPIFixture(t)
	status, _ := disabled.operator(t, http.MethodPost, "/api/clear-all", nil)
	assert.Equal(t, http.StatusForbidden, status)

	enabled := newAPIFixture(t, func(cfg *config.Config) { cfg.AllowSandboxReset = true })
	enabled.seedLock(t)
	status, _ = enabled.operator(t, http.MethodPost, "/api/clear-all", nil)
	assert.Equal(t, http.StatusOK, status)

	_, raw := enabled.do(t, http.MethodGet, "/api/locks", nil, nil)
	var locks []domain.Lock
	decodeInto(t, raw, &locks)
	assert.Empty(t, locks)
}

func signedWebhook(t *testing.T, f *apiFixture, secret string, event bridgeWebhookEvent) int {
	t.Helper()
	body, err := json.Marshal(event)
	require.NoError(t, err)
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)

	req, err := http.NewRequest(http.MethodPost, f.server.URL+"/api/webhooks/receive", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set(bridgeclient.TimestampHeader, timestamp)
	req.Header.Set(bridgeclient.SignatureHeader, bridgeclient.Sign(secret, timestamp, body))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	return resp.StatusCode
}

func TestBridgeWebhookSettlesMintOnce(t *testing.T) {
	f := newAPIFixture(t)
	lock := f.seedLock(t)
	status, _ := f.operator(t, http.MethodPost, "/api/locks/"+lock.ID+"/approve", nil)
	require.Equal(t, http.StatusOK, status)
	_, raw := f.operator(t, http.MethodPost, "/api/locks/"+lock.ID+"/consume", nil)
	var auth domain.MintAuthorization
	decodeInto(t, raw, &auth)

	event := bridgeWebhookEvent{
		ID:   "evt-100",
		Type: webhookEventMinted,
		Data: domain.MintCompletedEvent{AuthorizationCode: auth.Code, TxHash: testTxHash, ContractAddress: testContract},
	}

	assert.Equal(t, http.StatusUnauthorized, signedWebhook(t, f, "wrong-secret", event))
	assert.Equal(t, http.StatusOK, signedWebhook(t, f, testWebhookSecret, event))
	assert.Equal(t, http.StatusOK, signedWebhook(t, f, testWebhookSecret, event), "duplicate delivery is acknowledged")

	stored, err := f.service.GetLock(context.Background(), lock.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.LockStatusConsumed, stored.Status)
	assert.Equal(t, "bridge", stored.Events[len(stored.Events)-1].Actor)
}

// blockingLimiter rejects the first `blocked` redeem attempts as over the limit.
type blockingLimiter struct {
	blocked int
}

func (l *blockingLimiter) ConsumeRedeemAttempt(_ context.Context, _ app.RedeemAttempt, limit int, _ time.Duration) (int, int, error) {
	if l.blocked > 0 {
		l.blocked--
		return limit + 1, 30, nil
	}
	return 1, 60, nil
}

func TestBridgeWebhookRetriesTransientFailures(t *testing.T) {
	f := newLimitedAPIFixture(t, &blockingLimiter{blocked: 1})
	lock := f.seedLock(t)
	status, _ := f.operator(t, http.MethodPost, "/api/locks/"+lock.ID+"/approve", nil)
	require.Equal(t, http.StatusOK, status)
	_, raw := f.operator(t, http.MethodPost, "/api/locks/"+lock.ID+"/consume", nil)
	var auth domain.MintAuthorization
	decodeInto(t, raw, &auth)

	event := bridgeWebhookEvent{
		ID:   "evt-300",
		Type: webhookEventMinted,
		Data: domain.MintCompletedEvent{AuthorizationCode: auth.Code, TxHash: testTxHash, ContractAddress: testContract},
	}

	assert.Equal(t, http.StatusTooManyRequests, signedWebhook(t, f, testWebhookSecret, event))
	stored, err := f.service.GetAuthorization(context.Background(), auth.Code)
	require.NoError(t, err)
	assert.Equal(t, domain.AuthorizationPendingMint, stored.Status)

	assert.Equal(t, http.StatusOK, signedWebhook(t, f, testWebhookSecret, event), "retry after a transient failure is processed")
	settled, err := f.service.GetLock(context.Background(), lock.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.LockStatusConsumed, settled.Status)
}

func TestBridgeWebhookRemembersPermanentRejections(t *testing.T) {
	f := newAPIFixture(t)
	lock := f.seedLock(t)
	status, _ := f.operator(t, http.MethodPost, "/api/locks/"+lock.ID+"/approve", nil)
	require.Equal(t, http.StatusOK, status)
	_, raw := f.operator(t, http.MethodPost, "/api/locks/"+lock.ID+"/consume", nil)
	var auth domain.MintAuthorization
	decodeInto(t, raw, &auth)

	event := bridgeWebhookEvent{
		ID:   "evt-301",
		Type: webhookEventMinted,
		Data: domain.MintCompletedEvent{
			AuthorizationCode: auth.Code,
			TxHash:            testTxHash,
			ContractAddress:   "0x000000000000000000000000000000000000dEaD",
		},
	}

	assert.Equal(t, http.StatusUnprocessableEntity, signedWebhook(t, f, testWebhookSecret, event))
	assert.Equal(t, http.StatusOK, signedWebhook(t, f, testWebhookSecret, event), "rejected event is not replayed")

	stored, err := f.service.GetAuthorization(context.Background(), auth.Code)
	require.NoError(t, err)
	assert.Equal(t, domain.AuthorizationPendingMint, stored.Status)
}

func TestCancelCertificationOverHTTP(t *testing.T) {
	f := newAPIFixture(t)
	pending := &domain.CertificationRecord{
		ID:     uuid.New(),
		Status: domain.CertificationPending,
		Amount: decimal.NewFromInt(5),
	}
	require.NoError(t, f.repo.CreateCertification(context.Background(), pending))
	path := "/api/certifications/" + pending.ID.String() + "/cancel"

	status, _ := f.do(t, http.MethodPost, path, nil, nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, raw := f.operator(t, http.MethodPost, path, nil)
	require.Equal(t, http.StatusOK, status, string(raw))
	var cancelled domain.CertificationRecord
	decodeInto(t, raw, &cancelled)
	assert.Equal(t, domain.CertificationCancelled, cancelled.Status)

	status, _ = f.operator(t, http.MethodPost, path, nil)
	assert.Equal(t, http.StatusConflict, status)
	status, _ = f.operator(t, http.MethodPost, "/api/certifications/"+uuid.NewString()+"/cancel", nil)
	assert.Equal(t, http.StatusNotFound, status)
	status, _ = f.operator(t, http.MethodPost, "/api/certifications/not-a-uuid/cancel", nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestFreshTimestamp(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	assert.True(t, freshTimestamp(strconv.FormatInt(now.Unix()-60, 10), now))
	assert.False(t, freshTimestamp(strconv.FormatInt(now.Unix()-600, 10), now))
	assert.False(t, freshTimestamp("yesterday", now))
}

func TestStatusForError(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{err: fmt.Errorf("%w: %w", app.ErrValidation, store.ErrLockNotFound), want: http.StatusNotFound},
		{err: app.ErrValidation, want: http.StatusBadRequest},
		{err: app.ErrInvalidTransition, want: http.StatusConflict},
		{err: store.ErrVersionConflict, want: http.StatusConflict},
		{err: store.ErrVaultBalanceViolation, want: http.StatusConflict},
		{err: app.ErrAuthorizationExpired, want: http.StatusGone},
		{err: app.ErrLockExpired, want: http.StatusGone},
		{err: app.ErrContractMismatch, want: http.StatusUnprocessableEntity},
		{err: &app.RateLimitedError{RetryAfterSeconds: 3}, want: http.StatusTooManyRequests},
		{err: errors.New("boom"), want: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusForError(tt.err), tt.err.Error())
	}
}
