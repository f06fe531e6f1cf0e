package payment

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stripe "github.com/stripe/stripe-go/v81"
	"go.uber.org/zap"
	"google.golang.org/api/androidpublisher/v3"
	"gorm.io/gorm"

	"github.com/fatflowers/billing/internal/app/service/account"
	"github.com/fatflowers/billing/internal/app/service/auditlog"
	"github.com/fatflowers/billing/internal/app/service/ledger"
	"github.com/fatflowers/billing/internal/models"
	"github.com/fatflowers/billing/internal/platform/db"
	"github.com/fatflowers/billing/pkg/config"
	"github.com/fatflowers/billing/pkg/types"
)

type testEnv struct {
	conns    *db.Conns
	accounts *account.Service
	ledger   *ledger.Service
	rec      *Reconciler
	cfg      *config.Config
}

func newTestEnv(t *testing.T, play playClient) *testEnv {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, gdb.AutoMigrate(
		&models.Account{}, &models.Charge{}, &models.Credit{},
		&models.CreditCheck{}, &models.Payment{},
	))

	cfg := &config.Config{
		Billing: config.BillingConfig{
			FreeUsesPerAccount:    3,
			PaidUsesPerPurchase:   50,
			PricePerPurchaseMinor: 500,
			DefaultCurrency:       "USD",
			VerifyBalanceMinor:    true,
		},
		GooglePlay: config.GooglePlayConfig{PackageName: "com.example.app"},
	}
	conns := &db.Conns{Primary: gdb, Read: gdb}
	log := zap.NewNop().Sugar()
	accounts := account.New(conns, cfg, log)
	audit := auditlog.New(gdb, log)
	ledgerSvc := ledger.New(conns, cfg, accounts, audit, log)

	stripeP := NewStripeProvider(cfg, log)
	playP := &GooglePlayProvider{cfg: cfg, client: play, log: log}
	return &testEnv{
		conns:    conns,
		accounts: accounts,
		ledger:   ledgerSvc,
		rec:      NewReconciler(conns, cfg, ledgerSvc, stripeP, playP, log),
		cfg:      cfg,
	}
}

func succeededEvent(t *testing.T, eventID, intentID string, amount int64) stripe.Event {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"id":       intentID,
		"amount":   amount,
		"currency": "usd",
		"metadata": map[string]string{
			"oauth_provider": "oauth:google",
			"external_id":    "u1",
		},
	})
	require.NoError(t, err)
	return stripe.Event{
		ID:   eventID,
		Type: stripe.EventTypePaymentIntentSucceeded,
		Data: &stripe.EventData{Raw: raw},
	}
}

func TestStripeSucceededGrantsCreditPack(t *testing.T) {
	env := newTestEnv(t, nil)

	err := env.rec.ApplyStripeEvent(context.Background(), succeededEvent(t, "evt_1", "pi_1", 500))
	require.NoError(t, err)

	acc, err := env.accounts.FindByIdentity(context.Background(),
		types.AccountIdentity{OAuthProvider: "oauth:google", ExternalID: "u1"})
	require.NoError(t, err, "account is created by the credit")
	assert.Equal(t, int64(50), acc.PaidCredits)

	var row models.Payment
	require.NoError(t, env.conns.Primary.
		Where("provider = ? AND external_id = ?", types.PaymentProviderStripe, "pi_1").
		First(&row).Error)
	assert.Equal(t, types.PaymentStatusSucceeded, row.Status)
	require.NotNil(t, row.CreditID)
	require.NotNil(t, row.LastEventID)
	assert.Equal(t, "evt_1", *row.LastEventID)
}

func TestStripeReplayedEventCreditsOnce(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	require.NoError(t, env.rec.ApplyStripeEvent(ctx, succeededEvent(t, "evt_1", "pi_1", 500)))
	// Same intent delivered twice more, once under a new event id.
	require.NoError(t, env.rec.ApplyStripeEvent(ctx, succeededEvent(t, "evt_1", "pi_1", 500)))
	require.NoError(t, env.rec.ApplyStripeEvent(ctx, succeededEvent(t, "evt_2", "pi_1", 500)))

	acc, err := env.accounts.FindByIdentity(ctx,
		types.AccountIdentity{OAuthProvider: "oauth:google", ExternalID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, int64(50), acc.PaidCredits, "replays must not double-credit")

	var credits int64
	env.conns.Primary.Model(&models.Credit{}).Count(&credits)
	assert.Equal(t, int64(1), credits)
}

func TestStripePaymentFailed(t *testing.T) {
	env := newTestEnv(t, nil)

	raw, err := json.Marshal(map[string]any{"id": "pi_9", "amount": 500, "currency": "usd"})
	require.NoError(t, err)
	require.NoError(t, env.rec.ApplyStripeEvent(context.Background(), stripe.Event{
		ID:   "evt_f",
		Type: stripe.EventTypePaymentIntentPaymentFailed,
		Data: &stripe.EventData{Raw: raw},
	}))

	var row models.Payment
	require.NoError(t, env.conns.Primary.
		Where("external_id = ?", "pi_9").First(&row).Error)
	assert.Equal(t, types.PaymentStatusFailed, row.Status)
	assert.Nil(t, row.CreditID)
}

func TestStripeRefundRetainsCredits(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	require.NoError(t, env.rec.ApplyStripeEvent(ctx, succeededEvent(t, "evt_1", "pi_1", 500)))

	raw, err := json.Marshal(map[string]any{
		"id":             "ch_1",
		"payment_intent": map[string]any{"id": "pi_1"},
	})
	require.NoError(t, err)
	require.NoError(t, env.rec.ApplyStripeEvent(ctx, stripe.Event{
		ID:   "evt_r",
		Type: stripe.EventTypeChargeRefunded,
		Data: &stripe.EventData{Raw: raw},
	}))

	var row models.Payment
	require.NoError(t, env.conns.Primary.
		Where("external_id = ?", "pi_1").First(&row).Error)
	assert.True(t, row.Refunded)
	assert.Equal(t, types.PaymentStatusRefunded, row.Status)

	// No clawback.
	acc, err := env.accounts.FindByIdentity(ctx,
		types.AccountIdentity{OAuthProvider: "oauth:google", ExternalID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, int64(50), acc.PaidCredits)
}

func TestStripeUnknownEventIgnored(t *testing.T) {
	env := newTestEnv(t, nil)
	err := env.rec.ApplyStripeEvent(context.Background(), stripe.Event{
		ID:   "evt_x",
		Type: stripe.EventType("customer.created"),
		Data: &stripe.EventData{Raw: json.RawMessage(`{}`)},
	})
	assert.NoError(t, err)
}

func TestStatusByIDAcceptsRowAndExternalID(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	require.NoError(t, env.rec.ApplyStripeEvent(ctx, succeededEvent(t, "evt_1", "pi_1", 500)))

	var stored models.Payment
	require.NoError(t, env.conns.Primary.
		Where("external_id = ?", "pi_1").First(&stored).Error)

	byID, err := env.rec.StatusByID(ctx, stored.ID)
	require.NoError(t, err)
	assert.Equal(t, stored.ID, byID.ID)

	byExternal, err := env.rec.StatusByID(ctx, "pi_1")
	require.NoError(t, err)
	assert.Equal(t, stored.ID, byExternal.ID)

	_, err = env.rec.StatusByID(ctx, "nope")
	assert.ErrorIs(t, err, ErrPaymentNotFound)
}

func TestRecordIntentCreatesPendingRow(t *testing.T) {
	env := newTestEnv(t, nil)

	row, err := env.rec.RecordIntent(context.Background(), types.PaymentProviderStripe, &Intent{
		ExternalID:  "pi_new",
		AmountMinor: 500,
		Currency:    "usd",
	})
	require.NoError(t, err)
	assert.Equal(t, types.PaymentStatusProcessing, row.Status)
	assert.Nil(t, row.CreditID)

	// Idempotent: same intent recorded again returns the same row.
	again, err := env.rec.RecordIntent(context.Background(), types.PaymentProviderStripe, &Intent{
		ExternalID: "pi_new",
	})
	require.NoError(t, err)
	assert.Equal(t, row.ID, again.ID)
}

type fakePlayClient struct {
	purchase  *androidpublisher.ProductPurchase
	verifyErr error
	acked     int
}

func (f *fakePlayClient) VerifyProduct(ctx context.Context, packageName, productID, token string) (*androidpublisher.ProductPurchase, error) {
	if f.verifyErr != nil {
		return nil, f.verifyErr
	}
	return f.purchase, nil
}

func (f *fakePlayClient) AcknowledgeProduct(ctx context.Context, packageName, productID, token, developerPayload string) error {
	f.acked++
	return nil
}

func TestPlayPurchaseGrantsOnce(t *testing.T) {
	fake := &fakePlayClient{purchase: &androidpublisher.ProductPurchase{
		PurchaseState:        0,
		AcknowledgementState: 0,
		OrderId:              "order-1",
	}}
	env := newTestEnv(t, fake)
	ctx := context.Background()

	req := &PlayVerifyRequest{
		Identity:      types.AccountIdentity{OAuthProvider: "oauth:google", ExternalID: "u1"},
		ProductID:     "credit_pack",
		PurchaseToken: "tok-1",
	}
	row, err := env.rec.VerifyPlayPurchase(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, types.PaymentStatusSucceeded, row.Status)
	assert.Equal(t, 1, fake.acked)

	// The client retries with the same token.
	_, err = env.rec.VerifyPlayPurchase(ctx, req)
	require.NoError(t, err)

	acc, err := env.accounts.FindByIdentity(ctx, req.Identity)
	require.NoError(t, err)
	assert.Equal(t, int64(50), acc.PaidCredits)
}

func TestPlayPendingPurchaseRejected(t *testing.T) {
	fake := &fakePlayClient{purchase: &androidpublisher.ProductPurchase{PurchaseState: 2}}
	env := newTestEnv(t, fake)

	_, err := env.rec.VerifyPlayPurchase(context.Background(), &PlayVerifyRequest{
		Identity:      types.AccountIdentity{OAuthProvider: "oauth:google", ExternalID: "u1"},
		ProductID:     "credit_pack",
		PurchaseToken: "tok-2",
	})
	assert.ErrorIs(t, err, ErrPurchaseNotCompleted)
}

func TestPlayProviderUnavailable(t *testing.T) {
	fake := &fakePlayClient{verifyErr: errors.New("api down")}
	env := newTestEnv(t, fake)

	_, err := env.rec.VerifyPlayPurchase(context.Background(), &PlayVerifyRequest{
		Identity:      types.AccountIdentity{OAuthProvider: "oauth:google", ExternalID: "u1"},
		ProductID:     "credit_pack",
		PurchaseToken: "tok-3",
	})
	assert.ErrorIs(t, err, ErrProviderUnavailable)
}
