package ledger

import (
	"context"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/fatflowers/billing/internal/app/service/account"
	"github.com/fatflowers/billing/internal/app/service/auditlog"
	"github.com/fatflowers/billing/internal/models"
	"github.com/fatflowers/billing/internal/platform/db"
	"github.com/fatflowers/billing/pkg/config"
	"github.com/fatflowers/billing/pkg/types"
)

func testConfig() *config.Config {
	return &config.Config{
		Billing: config.BillingConfig{
			FreeUsesPerAccount:    3,
			PaidUsesPerPurchase:   50,
			PricePerPurchaseMinor: 500,
			DefaultCurrency:       "USD",
			VerifyBalanceMinor:    true,
		},
	}
}

type testEnv struct {
	conns    *db.Conns
	accounts *account.Service
	ledger   *Service
	cfg      *config.Config
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, gdb.AutoMigrate(
		&models.Account{}, &models.Charge{}, &models.Credit{},
		&models.CreditCheck{}, &models.ProductInventory{},
		&models.ProductUsageLog{}, &models.Payment{},
	))

	conns := &db.Conns{Primary: gdb, Read: gdb}
	cfg := testConfig()
	log := zap.NewNop().Sugar()
	accounts := account.New(conns, cfg, log)
	audit := auditlog.New(gdb, log)
	return &testEnv{
		conns:    conns,
		accounts: accounts,
		ledger:   New(conns, cfg, accounts, audit, log),
		cfg:      cfg,
	}
}

func testIdentity(ext string) types.AccountIdentity {
	return types.AccountIdentity{OAuthProvider: "oauth:google", ExternalID: ext}
}

func (e *testEnv) mustAccount(t *testing.T, ext string, mutate func(*models.Account)) *models.Account {
	t.Helper()
	acc, _, err := e.accounts.GetOrCreate(context.Background(), testIdentity(ext), nil)
	require.NoError(t, err)
	if mutate != nil {
		mutate(acc)
		require.NoError(t, e.conns.Primary.Save(acc).Error)
	}
	return acc
}

func TestChargeUsesFreePoolFirst(t *testing.T) {
	env := newTestEnv(t)
	env.mustAccount(t, "u1", func(a *models.Account) {
		a.PaidCredits = 100
	})

	res, err := env.ledger.Charge(context.Background(), &ChargeRequest{
		Identity:    testIdentity("u1"),
		AmountMinor: 5,
		Description: "agent message",
	})
	require.NoError(t, err)

	assert.Equal(t, types.CreditPoolFree, res.Pool)
	assert.Equal(t, int64(2), res.FreeUsesRemaining)
	assert.Equal(t, int64(100), res.PaidCredits, "paid pool untouched while free uses remain")
	// Balance snapshots always record the paid balance; a free-pool charge
	// leaves them equal.
	assert.Equal(t, int64(100), res.Charge.BalanceBefore)
	assert.Equal(t, int64(100), res.Charge.BalanceAfter)
}

func TestChargeFreshAccountSnapshotsPaidBalance(t *testing.T) {
	env := newTestEnv(t)
	env.mustAccount(t, "u1", nil)

	res, err := env.ledger.Charge(context.Background(), &ChargeRequest{
		Identity:    testIdentity("u1"),
		AmountMinor: 100,
		Description: "agent message",
	})
	require.NoError(t, err)

	assert.Equal(t, types.CreditPoolFree, res.Pool)
	assert.Equal(t, int64(2), res.FreeUsesRemaining)
	assert.Equal(t, int64(0), res.Charge.BalanceBefore)
	assert.Equal(t, int64(0), res.Charge.BalanceAfter)
}

func TestChargeFallsBackToPaidPool(t *testing.T) {
	env := newTestEnv(t)
	env.mustAccount(t, "u1", func(a *models.Account) {
		a.FreeUsesRemaining = 0
		a.PaidCredits = 10
	})

	res, err := env.ledger.Charge(context.Background(), &ChargeRequest{
		Identity:    testIdentity("u1"),
		AmountMinor: 1,
		Description: "agent message",
	})
	require.NoError(t, err)

	assert.Equal(t, types.CreditPoolPaid, res.Pool)
	assert.Equal(t, int64(9), res.PaidCredits)
	assert.Equal(t, int64(10), res.Charge.BalanceBefore)
	assert.Equal(t, int64(9), res.Charge.BalanceAfter)
}

func TestChargeExactPaidBalanceSucceeds(t *testing.T) {
	env := newTestEnv(t)
	env.mustAccount(t, "u1", func(a *models.Account) {
		a.FreeUsesRemaining = 0
		a.PaidCredits = 10
	})

	res, err := env.ledger.Charge(context.Background(), &ChargeRequest{
		Identity:    testIdentity("u1"),
		AmountMinor: 10,
	})
	require.NoError(t, err)
	assert.Equal(t, types.CreditPoolPaid, res.Pool)
	assert.Equal(t, int64(0), res.PaidCredits)
	assert.Equal(t, int64(10), res.Charge.BalanceBefore)
	assert.Equal(t, int64(0), res.Charge.BalanceAfter)

	// The drained account denies the next charge and stays untouched.
	_, err = env.ledger.Charge(context.Background(), &ChargeRequest{
		Identity:    testIdentity("u1"),
		AmountMinor: 1,
	})
	assert.ErrorIs(t, err, ErrInsufficientCredits)

	acc, err := env.accounts.FindByIdentity(context.Background(), testIdentity("u1"))
	require.NoError(t, err)
	assert.Equal(t, int64(0), acc.PaidCredits)
	assert.Equal(t, int64(1), acc.TotalUses)
}

func TestChargeInsufficientCredits(t *testing.T) {
	env := newTestEnv(t)
	env.mustAccount(t, "u1", func(a *models.Account) {
		a.FreeUsesRemaining = 0
		a.PaidCredits = 3
	})

	_, err := env.ledger.Charge(context.Background(), &ChargeRequest{
		Identity:    testIdentity("u1"),
		AmountMinor: 5,
	})
	assert.ErrorIs(t, err, ErrInsufficientCredits)

	// Nothing was deducted.
	acc, err := env.accounts.FindByIdentity(context.Background(), testIdentity("u1"))
	require.NoError(t, err)
	assert.Equal(t, int64(3), acc.PaidCredits)
	assert.Equal(t, int64(0), acc.TotalUses)
}

func TestChargeAccountNotFound(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.ledger.Charge(context.Background(), &ChargeRequest{
		Identity:    testIdentity("ghost"),
		AmountMinor: 1,
	})
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestChargeSuspendedAndClosed(t *testing.T) {
	env := newTestEnv(t)
	env.mustAccount(t, "sus", func(a *models.Account) {
		a.Status = types.AccountStatusSuspended
	})
	env.mustAccount(t, "closed", func(a *models.Account) {
		a.Status = types.AccountStatusClosed
	})

	_, err := env.ledger.Charge(context.Background(), &ChargeRequest{
		Identity: testIdentity("sus"), AmountMinor: 1,
	})
	assert.ErrorIs(t, err, ErrAccountSuspended)

	_, err = env.ledger.Charge(context.Background(), &ChargeRequest{
		Identity: testIdentity("closed"), AmountMinor: 1,
	})
	assert.ErrorIs(t, err, ErrAccountClosed)
}

func TestChargeIdempotencyReplay(t *testing.T) {
	env := newTestEnv(t)
	env.mustAccount(t, "u1", nil)

	first, err := env.ledger.Charge(context.Background(), &ChargeRequest{
		Identity:       testIdentity("u1"),
		AmountMinor:    1,
		IdempotencyKey: "msg-42",
	})
	require.NoError(t, err)

	_, err = env.ledger.Charge(context.Background(), &ChargeRequest{
		Identity:       testIdentity("u1"),
		AmountMinor:    1,
		IdempotencyKey: "msg-42",
	})
	replay, ok := AsReplay(err)
	require.True(t, ok, "second charge with same key must be a replay, got %v", err)
	assert.Equal(t, first.Charge.ID, replay.ExistingChargeID)

	// The replay deducted nothing.
	acc, err := env.accounts.FindByIdentity(context.Background(), testIdentity("u1"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), acc.FreeUsesRemaining)
	assert.Equal(t, int64(1), acc.TotalUses)
}

func TestChargeValidation(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.ledger.Charge(context.Background(), &ChargeRequest{
		Identity:    types.AccountIdentity{OAuthProvider: "google", ExternalID: "u1"},
		AmountMinor: 1,
	})
	assert.ErrorIs(t, err, types.ErrInvalidOAuthProvider)

	_, err = env.ledger.Charge(context.Background(), &ChargeRequest{
		Identity:    testIdentity("u1"),
		AmountMinor: 0,
	})
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestChargeRejectsCurrencyMismatch(t *testing.T) {
	env := newTestEnv(t)
	env.mustAccount(t, "u1", nil)

	_, err := env.ledger.Charge(context.Background(), &ChargeRequest{
		Identity:    testIdentity("u1"),
		AmountMinor: 1,
		Currency:    "EUR",
	})
	assert.ErrorIs(t, err, ErrCurrencyMismatch)

	// Nothing was deducted.
	acc, err := env.accounts.FindByIdentity(context.Background(), testIdentity("u1"))
	require.NoError(t, err)
	assert.Equal(t, int64(3), acc.FreeUsesRemaining)
	assert.Equal(t, int64(0), acc.TotalUses)

	// The account's own currency passes.
	_, err = env.ledger.Charge(context.Background(), &ChargeRequest{
		Identity:    testIdentity("u1"),
		AmountMinor: 1,
		Currency:    "USD",
	})
	assert.NoError(t, err)
}

func TestCreditRejectsCurrencyMismatch(t *testing.T) {
	env := newTestEnv(t)
	env.mustAccount(t, "u1", nil)

	_, err := env.ledger.Credit(context.Background(), &CreditRequest{
		Identity:        testIdentity("u1"),
		AmountMinor:     50,
		TransactionType: types.TransactionTypePurchase,
		Currency:        "EUR",
	})
	assert.ErrorIs(t, err, ErrCurrencyMismatch)

	acc, err := env.accounts.FindByIdentity(context.Background(), testIdentity("u1"))
	require.NoError(t, err)
	assert.Equal(t, int64(0), acc.PaidCredits)
}

func TestCreditAutoCreatesAccount(t *testing.T) {
	env := newTestEnv(t)

	res, err := env.ledger.Credit(context.Background(), &CreditRequest{
		Identity:        testIdentity("newcomer"),
		AmountMinor:     50,
		TransactionType: types.TransactionTypePurchase,
	})
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Equal(t, int64(50), res.PaidCredits)
	assert.Equal(t, int64(0), res.Credit.BalanceBefore)
	assert.Equal(t, int64(50), res.Credit.BalanceAfter)

	acc, err := env.accounts.FindByIdentity(context.Background(), testIdentity("newcomer"))
	require.NoError(t, err)
	assert.Equal(t, env.cfg.Billing.FreeUsesPerAccount, acc.FreeUsesRemaining)
}

func TestCreditAllowedOnSuspendedAccount(t *testing.T) {
	env := newTestEnv(t)
	env.mustAccount(t, "sus", func(a *models.Account) {
		a.Status = types.AccountStatusSuspended
	})

	res, err := env.ledger.Credit(context.Background(), &CreditRequest{
		Identity:        testIdentity("sus"),
		AmountMinor:     50,
		TransactionType: types.TransactionTypeRefund,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(50), res.PaidCredits)
}

func TestCreditIdempotencyReplay(t *testing.T) {
	env := newTestEnv(t)

	first, err := env.ledger.Credit(context.Background(), &CreditRequest{
		Identity:        testIdentity("u1"),
		AmountMinor:     50,
		TransactionType: types.TransactionTypePurchase,
		IdempotencyKey:  "stripe:pi_123",
	})
	require.NoError(t, err)

	_, err = env.ledger.Credit(context.Background(), &CreditRequest{
		Identity:        testIdentity("u1"),
		AmountMinor:     50,
		TransactionType: types.TransactionTypePurchase,
		IdempotencyKey:  "stripe:pi_123",
	})
	replay, ok := AsReplay(err)
	require.True(t, ok)
	assert.Equal(t, first.Credit.ID, replay.ExistingCreditID)

	acc, err := env.accounts.FindByIdentity(context.Background(), testIdentity("u1"))
	require.NoError(t, err)
	assert.Equal(t, int64(50), acc.PaidCredits, "replayed credit must not double-grant")
}

func TestHistoryReturnsBothSides(t *testing.T) {
	env := newTestEnv(t)
	env.mustAccount(t, "u1", nil)

	_, err := env.ledger.Credit(context.Background(), &CreditRequest{
		Identity:        testIdentity("u1"),
		AmountMinor:     50,
		TransactionType: types.TransactionTypePurchase,
	})
	require.NoError(t, err)
	_, err = env.ledger.Charge(context.Background(), &ChargeRequest{
		Identity:    testIdentity("u1"),
		AmountMinor: 1,
	})
	require.NoError(t, err)

	h, err := env.ledger.History(context.Background(), testIdentity("u1"), 10)
	require.NoError(t, err)
	assert.Len(t, h.Charges, 1)
	assert.Len(t, h.Credits, 1)
	require.NotNil(t, h.Account)
}

func TestScanChargesFilters(t *testing.T) {
	env := newTestEnv(t)
	acc := env.mustAccount(t, "u1", nil)
	env.mustAccount(t, "u2", nil)

	for _, ext := range []string{"u1", "u1", "u2"} {
		_, err := env.ledger.Charge(context.Background(), &ChargeRequest{
			Identity:    testIdentity(ext),
			AmountMinor: 1,
		})
		require.NoError(t, err)
	}

	res, err := env.ledger.ScanCharges(context.Background(), &ScanChargesRequest{
		Filters: []*types.CommonFilter{
			{Field: "account_id", Operator: types.CommonFilterOperatorEq, Values: []any{acc.ID}},
		},
		Size: 10,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Total)
	assert.Len(t, res.Charges, 2)
}
