package app

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/transfa/treasury-service/internal/config"
	"github.com/transfa/treasury-service/internal/domain"
)

type rateLimiterStub struct {
	count      int
	retryAfter int
	err        error
	calls      int
	last       RedeemAttempt
}

func (s *rateLimiterStub) ConsumeRedeemAttempt(ctx context.Context, attempt RedeemAttempt, limit int, window time.Duration) (int, int, error) {
	s.calls++
	s.last = attempt
	return s.count, s.retryAfter, s.err
}

func TestRedeemAuthorizationCode(t *testing.T) {
	f := newTreasuryFixture(t)
	auth := f.issuedAuthorization(t, 500)

	result, err := f.svc.RedeemAuthorizationCode(context.Background(), auth.Code, decimal.NewFromInt(400))
	require.NoError(t, err)
	assert.Equal(t, auth.LockID, result.LockID)
	assert.Equal(t, domain.AuthorizationMinting, result.Authorization.Status)
	assert.True(t, result.Authorization.RedeemedAmount.Equal(decimal.NewFromInt(400)))

	_, err = f.svc.RedeemAuthorizationCode(context.Background(), auth.Code, decimal.NewFromInt(1))
	assert.ErrorIs(t, err, ErrAuthorizationNotRedeemable)
}

func TestRedeemRejectsAmountsOutsideAuthorization(t *testing.T) {
	f := newTreasuryFixture(t)
	auth := f.issuedAuthorization(t, 500)

	for _, amount := range []decimal.Decimal{decimal.NewFromInt(501), decimal.Zero, decimal.NewFromInt(-1)} {
		_, err := f.svc.RedeemAuthorizationCode(context.Background(), auth.Code, amount)
		assert.ErrorIs(t, err, ErrValidation, "amount %s", amount)
	}

	stored, err := f.svc.GetAuthorization(context.Background(), auth.Code)
	require.NoError(t, err)
	assert.Equal(t, domain.AuthorizationPendingMint, stored.Status)
}

func TestRedeemExpiredAuthorizationReleasesLock(t *testing.T) {
	f := newTreasuryFixture(t)
	auth := f.issuedAuthorization(t, 300)
	require.True(t, f.vaultLocked(t).Equal(decimal.NewFromInt(300)))

	f.clock.Advance(24*time.Hour + time.Second)
	_, err := f.svc.RedeemAuthorizationCode(context.Background(), auth.Code, decimal.NewFromInt(300))
	assert.ErrorIs(t, err, ErrAuthorizationExpired)

	stored, err := f.svc.GetAuthorization(context.Background(), auth.Code)
	require.NoError(t, err)
	assert.Equal(t, domain.AuthorizationExpired, stored.Status)

	lock, err := f.svc.GetLock(context.Background(), auth.LockID)
	require.NoError(t, err)
	assert.Equal(t, domain.LockStatusCanceled, lock.Status)
	assert.True(t, f.vaultLocked(t).IsZero())
	assert.Equal(t, 1, f.outboxTypes()[domain.EventMintExpired])

	_, err = f.svc.RedeemAuthorizationCode(context.Background(), auth.Code, decimal.NewFromInt(300))
	assert.ErrorIs(t, err, ErrAuthorizationNotRedeemable)
}

func TestRedeemUnknownCode(t *testing.T) {
	f := newTreasuryFixture(t)

	_, err := f.svc.RedeemAuthorizationCode(context.Background(), "AUTH-UNKNOWN", decimal.NewFromInt(1))
	assert.ErrorIs(t, err, ErrValidation)
}

func TestCompleteMintMatchesContractIgnoringCase(t *testing.T) {
	f := newTreasuryFixture(t)
	auth := f.issuedAuthorization(t, 120)
	_, err := f.svc.RedeemAuthorizationCode(context.Background(), auth.Code, decimal.NewFromInt(120))
	require.NoError(t, err)

	completed, err := f.svc.CompleteMint(context.Background(), auth.Code, domain.CompleteMintParams{
		TxHash:          "0x" + strings.ToUpper(testTxHash[2:]),
		ContractAddress: strings.ToLower(testContract),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.AuthorizationCompleted, completed.Status)
	assert.Equal(t, testContract, completed.ContractAddress)
	assert.True(t, strings.HasPrefix(completed.PublicationCode, "PUB-"))

	lock, err := f.svc.GetLock(context.Background(), auth.LockID)
	require.NoError(t, err)
	assert.Equal(t, domain.LockStatusConsumed, lock.Status)
	assert.True(t, f.vaultLocked(t).Equal(decimal.NewFromInt(120)), "minted reserve stays locked")

	again, err := f.svc.CompleteMint(context.Background(), auth.Code, domain.CompleteMintParams{
		TxHash:          testTxHash,
		ContractAddress: testContract,
	})
	require.NoError(t, err)
	assert.Equal(t, completed.PublicationCode, again.PublicationCode)
	assert.Equal(t, 1, f.outboxTypes()[domain.EventMintCompleted])
}

func TestCompleteMintRejectsWrongContract(t *testing.T) {
	f := newTreasuryFixture(t)
	auth := f.issuedAuthorization(t, 120)
	_, err := f.svc.RedeemAuthorizationCode(context.Background(), auth.Code, decimal.NewFromInt(120))
	require.NoError(t, err)

	_, err = f.svc.CompleteMint(context.Background(), auth.Code, domain.CompleteMintParams{
		TxHash:          testTxHash,
		ContractAddress: "0x0000000000000000000000000000000000000001",
	})
	assert.ErrorIs(t, err, ErrContractMismatch)

	stored, err := f.svc.GetAuthorization(context.Background(), auth.Code)
	require.NoError(t, err)
	assert.Equal(t, domain.AuthorizationMinting, stored.Status)
}

func TestCompleteMintValidation(t *testing.T) {
	f := newTreasuryFixture(t)
	auth := f.issuedAuthorization(t, 60)

	_, err := f.svc.CompleteMint(context.Background(), auth.Code, domain.CompleteMintParams{TxHash: testTxHash, ContractAddress: testContract})
	assert.ErrorIs(t, err, ErrAuthorizationNotRedeemable, "completion requires a redeemed authorization")

	_, err = f.svc.RedeemAuthorizationCode(context.Background(), auth.Code, decimal.NewFromInt(60))
	require.NoError(t, err)

	_, err = f.svc.CompleteMint(context.Background(), auth.Code, domain.CompleteMintParams{TxHash: "0x1234", ContractAddress: testContract})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestCompleteMintWithoutConfiguredContract(t *testing.T) {
	f := newTreasuryFixture(t, func(cfg *config.Config) { cfg.ExpectedContractAddress = "" })
	auth := f.issuedAuthorization(t, 60)
	_, err := f.svc.RedeemAuthorizationCode(context.Background(), auth.Code, decimal.NewFromInt(60))
	require.NoError(t, err)

	_, err = f.svc.CompleteMint(context.Background(), auth.Code, domain.CompleteMintParams{TxHash: testTxHash, ContractAddress: "not-an-address"})
	assert.ErrorIs(t, err, ErrValidation)

	completed, err := f.svc.CompleteMint(context.Background(), auth.Code, domain.CompleteMintParams{TxHash: testTxHash, ContractAddress: strings.ToLower(testContract)})
	require.NoError(t, err)
	assert.Equal(t, testContract, completed.ContractAddress)
}

func TestCompleteMintAfterExpiry(t *testing.T) {
	f := newTreasuryFixture(t)
	auth := f.issuedAuthorization(t, 60)
	_, err := f.svc.RedeemAuthorizationCode(context.Background(), auth.Code, decimal.NewFromInt(60))
	require.NoError(t, err)

	f.clock.Advance(25 * time.Hour)
	_, err = f.svc.CompleteMint(context.Background(), auth.Code, domain.CompleteMintParams{TxHash: testTxHash, ContractAddress: testContract})
	assert.ErrorIs(t, err, ErrAuthorizationExpired)
	assert.True(t, f.vaultLocked(t).IsZero())
}

func TestCancelAuthorizationReleasesLock(t *testing.T) {
	f := newTreasuryFixture(t)
	auth := f.issuedAuthorization(t, 90)

	cancelled, err := f.svc.CancelAuthorization(context.Background(), auth.Code, "")
	require.NoError(t, err)
	assert.Equal(t, domain.AuthorizationCancelled, cancelled.Status)

	lock, err := f.svc.GetLock(context.Background(), auth.LockID)
	require.NoError(t, err)
	assert.Equal(t, domain.LockStatusCanceled, lock.Status)
	assert.Equal(t, "authorization cancelled", lock.CancelReason)
	assert.True(t, f.vaultLocked(t).IsZero())

	_, err = f.svc.CancelAuthorization(context.Background(), auth.Code, "")
	assert.ErrorIs(t, err, ErrAuthorizationNotRedeemable)
}

func TestExpireAuthorizationsSweep(t *testing.T) {
	f := newTreasuryFixture(t)
	first := f.issuedAuthorization(t, 10)
	second := f.issuedAuthorization(t, 20)
	_, err := f.svc.RedeemAuthorizationCode(context.Background(), second.Code, decimal.NewFromInt(20))
	require.NoError(t, err)

	expired, err := f.svc.ExpireAuthorizations(context.Background())
	require.NoError(t, err)
	assert.Zero(t, expired)

	f.clock.Advance(48 * time.Hour)
	third := f.issuedAuthorization(t, 30)

	expired, err = f.svc.ExpireAuthorizations(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, expired)

	for _, code := range []string{first.Code, second.Code} {
		stored, err := f.svc.GetAuthorization(context.Background(), code)
		require.NoError(t, err)
		assert.Equal(t, domain.AuthorizationExpired, stored.Status)
	}
	fresh, err := f.svc.GetAuthorization(context.Background(), third.Code)
	require.NoError(t, err)
	assert.Equal(t, domain.AuthorizationPendingMint, fresh.Status)
	assert.True(t, f.vaultLocked(t).Equal(decimal.NewFromInt(30)))
}

func TestValidateAuthorizationCodeDoesNotMutate(t *testing.T) {
	f := newTreasuryFixture(t)
	auth := f.issuedAuthorization(t, 10)

	valid, err := f.svc.ValidateAuthorizationCode(context.Background(), auth.Code)
	require.NoError(t, err)
	assert.Equal(t, auth.Version, valid.Version)

	f.clock.Advance(25 * time.Hour)
	_, err = f.svc.ValidateAuthorizationCode(context.Background(), auth.Code)
	assert.ErrorIs(t, err, ErrAuthorizationExpired)

	stored, err := f.svc.GetAuthorization(context.Background(), auth.Code)
	require.NoError(t, err)
	assert.Equal(t, domain.AuthorizationPendingMint, stored.Status, "validation is read-only")
}

func TestRedeemRateLimit(t *testing.T) {
	t.Run("over the limit", func(t *testing.T) {
		f := newTreasuryFixture(t, func(cfg *config.Config) { cfg.RedeemRateLimitPerMinute = 3 })
		limiter := &rateLimiterStub{count: 4, retryAfter: 42}
		f.svc.limiter = limiter
		auth := f.issuedAuthorization(t, 10)

		_, err := f.svc.RedeemAuthorizationCode(context.Background(), auth.Code, decimal.NewFromInt(10))
		require.ErrorIs(t, err, ErrRateLimited)
		var limited *RateLimitedError
		require.True(t, errors.As(err, &limited))
		assert.Equal(t, 42, limited.RetryAfterSeconds)
		assert.Equal(t, RedeemAttempt{LockID: auth.LockID, Code: auth.Code}, limiter.last)
	})

	t.Run("limiter outage allows the attempt", func(t *testing.T) {
		f := newTreasuryFixture(t, func(cfg *config.Config) { cfg.RedeemRateLimitPerMinute = 3 })
		f.svc.limiter = &rateLimiterStub{err: errors.New("redis down")}
		auth := f.issuedAuthorization(t, 10)

		_, err := f.svc.RedeemAuthorizationCode(context.Background(), auth.Code, decimal.NewFromInt(10))
		assert.NoError(t, err)
	})

	t.Run("disabled limit skips the limiter", func(t *testing.T) {
		f := newTreasuryFixture(t)
		limiter := &rateLimiterStub{count: 100}
		f.svc.limiter = limiter
		auth := f.issuedAuthorization(t, 10)

		_, err := f.svc.RedeemAuthorizationCode(context.Background(), auth.Code, decimal.NewFromInt(10))
		assert.NoError(t, err)
		assert.Zero(t, limiter.calls)
	})
}

func TestSettleBridgeMintRedeemsPendingAuthorization(t *testing.T) {
	f := newTreasuryFixture(t)
	auth := f.issuedAuthorization(t, 75)

	settled, err := f.svc.SettleBridgeMint(context.Background(), domain.MintCompletedEvent{
		EventID:           "evt-1",
		AuthorizationCode: auth.Code,
		TxHash:            testTxHash,
		ContractAddress:   testContract,
		MintedAmount:      "70",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.AuthorizationCompleted, settled.Status)
	assert.True(t, settled.RedeemedAmount.Equal(decimal.NewFromInt(70)))

	_, err = f.svc.SettleBridgeMint(context.Background(), domain.MintCompletedEvent{
		AuthorizationCode: auth.Code,
		TxHash:            testTxHash,
		ContractAddress:   testContract,
	})
	assert.NoError(t, err, "replayed settlement is idempotent")
}

func TestSettleBridgeMintRejectsBadReferenceWithoutRedeeming(t *testing.T) {
	tests := []struct {
		name     string
		txHash   string
		contract string
		wantErr  error
	}{
		{name: "wrong contract", txHash: testTxHash, contract: "0x0000000000000000000000000000000000000001", wantErr: ErrContractMismatch},
		{name: "malformed tx hash", txHash: "0x1234", contract: testContract, wantErr: ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newTreasuryFixture(t)
			auth := f.issuedAuthorization(t, 75)

			_, err := f.svc.SettleBridgeMint(context.Background(), domain.MintCompletedEvent{
				AuthorizationCode: auth.Code,
				TxHash:            tt.txHash,
				ContractAddress:   tt.contract,
			})
			require.ErrorIs(t, err, tt.wantErr)

			stored, err := f.svc.GetAuthorization(context.Background(), auth.Code)
			require.NoError(t, err)
			assert.Equal(t, domain.AuthorizationPendingMint, stored.Status)
			assert.True(t, stored.RedeemedAmount.IsZero())

			cancelled, err := f.svc.CancelAuthorization(context.Background(), auth.Code, "bridge reported a bad mint")
			require.NoError(t, err)
			assert.Equal(t, domain.AuthorizationCancelled, cancelled.Status)
			assert.True(t, f.vaultLocked(t).IsZero())
		})
	}
}
