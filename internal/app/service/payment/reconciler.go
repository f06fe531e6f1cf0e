package payment

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	stripe "github.com/stripe/stripe-go/v81"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/fatflowers/billing/internal/app/service/ledger"
	"github.com/fatflowers/billing/internal/models"
	"github.com/fatflowers/billing/internal/platform/db"
	"github.com/fatflowers/billing/pkg/config"
	"github.com/fatflowers/billing/pkg/logctx"
	"github.com/fatflowers/billing/pkg/metrics"
	"github.com/fatflowers/billing/pkg/tool"
	"github.com/fatflowers/billing/pkg/types"
)

// Reconciler drives payment records through their lifecycle from provider
// events. Crediting is keyed on the provider's external id, so replayed
// webhooks and double-submitted tokens converge on a single credit.
type Reconciler struct {
	conns  *db.Conns
	cfg    *config.Config
	ledger *ledger.Service
	stripe *StripeProvider
	play   *GooglePlayProvider
	log    *zap.SugaredLogger
}

func NewReconciler(conns *db.Conns, cfg *config.Config, ledgerSvc *ledger.Service, stripeP *StripeProvider, play *GooglePlayProvider, log *zap.SugaredLogger) *Reconciler {
	return &Reconciler{conns: conns, cfg: cfg, ledger: ledgerSvc, stripe: stripeP, play: play, log: log}
}

// HandleStripeWebhook verifies the signature and applies the event.
func (r *Reconciler) HandleStripeWebhook(ctx context.Context, payload []byte, signature string) error {
	event, err := r.stripe.VerifyWebhook(payload, signature)
	if err != nil {
		return err
	}
	return r.ApplyStripeEvent(ctx, event)
}

// ApplyStripeEvent dispatches one verified Stripe event. Unrecognised event
// types are acknowledged and dropped so Stripe stops retrying them.
func (r *Reconciler) ApplyStripeEvent(ctx context.Context, event stripe.Event) error {
	metrics.WebhookEventsTotal.WithLabelValues(string(types.PaymentProviderStripe), string(event.Type)).Inc()
	log := logctx.FromCtx(ctx, r.log)

	switch event.Type {
	case stripe.EventTypePaymentIntentSucceeded:
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return err
		}
		identity := identityFromMetadata(pi.Metadata)
		_, err := r.fulfill(ctx, &fulfillment{
			Provider:    types.PaymentProviderStripe,
			ExternalID:  pi.ID,
			EventID:     event.ID,
			Identity:    identity,
			AmountMinor: pi.Amount,
			Currency:    string(pi.Currency),
		})
		return err

	case stripe.EventTypePaymentIntentPaymentFailed:
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return err
		}
		return r.markStatus(ctx, types.PaymentProviderStripe, pi.ID, event.ID, types.PaymentStatusFailed, pi.Amount, string(pi.Currency))

	case stripe.EventTypePaymentIntentCanceled:
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return err
		}
		return r.markStatus(ctx, types.PaymentProviderStripe, pi.ID, event.ID, types.PaymentStatusCanceled, pi.Amount, string(pi.Currency))

	case stripe.EventTypeChargeRefunded:
		var ch stripe.Charge
		if err := json.Unmarshal(event.Data.Raw, &ch); err != nil {
			return err
		}
		if ch.PaymentIntent == nil {
			log.Warnw("stripe: refund event without payment intent", "event_id", event.ID)
			return nil
		}
		return r.markRefunded(ctx, types.PaymentProviderStripe, ch.PaymentIntent.ID, event.ID)

	default:
		log.Debugw("stripe: ignoring event", "type", event.Type, "event_id", event.ID)
		return nil
	}
}

type fulfillment struct {
	Provider      types.PaymentProvider
	ExternalID    string
	EventID       string
	Identity      types.AccountIdentity
	AmountMinor   int64
	Currency      string
	CustomerEmail *string
}

// fulfill records a successful payment and grants the configured credit
// pack exactly once per external id.
func (r *Reconciler) fulfill(ctx context.Context, f *fulfillment) (*models.Payment, error) {
	log := logctx.FromCtx(ctx, r.log)

	row, err := r.findOrCreate(ctx, f)
	if err != nil {
		return nil, err
	}
	if row.CreditID != nil {
		// Replayed event for an already fulfilled payment.
		log.Infow("payment already fulfilled", "provider", f.Provider, "external_id", f.ExternalID)
		return row, nil
	}

	idempotencyKey := string(f.Provider) + ":" + f.ExternalID
	creditRes, err := r.ledger.Credit(ctx, &ledger.CreditRequest{
		Identity:              f.Identity,
		AmountMinor:           r.cfg.Billing.PaidUsesPerPurchase,
		Description:           "credit pack purchase",
		TransactionType:       types.TransactionTypePurchase,
		ExternalTransactionID: f.ExternalID,
		IdempotencyKey:        idempotencyKey,
		CustomerEmail:         f.CustomerEmail,
	})

	var creditID string
	if replay, ok := ledger.AsReplay(err); ok {
		creditID = replay.ExistingCreditID
	} else if err != nil {
		return nil, err
	} else {
		creditID = creditRes.Credit.ID
	}

	updates := map[string]any{
		"status":        types.PaymentStatusSucceeded,
		"credit_id":     creditID,
		"last_event_id": f.EventID,
	}
	if err := r.conns.Primary.WithContext(ctx).
		Model(&models.Payment{}).Where("id = ?", row.ID).
		Updates(updates).Error; err != nil {
		return nil, err
	}
	row.Status = types.PaymentStatusSucceeded
	row.CreditID = &creditID

	log.Infow("payment fulfilled",
		"provider", f.Provider, "external_id", f.ExternalID, "credit_id", creditID)
	return row, nil
}

func (r *Reconciler) findOrCreate(ctx context.Context, f *fulfillment) (*models.Payment, error) {
	var row models.Payment
	err := r.conns.Primary.WithContext(ctx).
		Where("provider = ? AND external_id = ?", f.Provider, f.ExternalID).
		First(&row).Error
	if err == nil {
		return &row, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	row = models.Payment{
		ID:          tool.GenerateUUIDV7(),
		Provider:    f.Provider,
		ExternalID:  f.ExternalID,
		AmountMinor: f.AmountMinor,
		Currency:    f.Currency,
		Status:      types.PaymentStatusProcessing,
	}
	err = r.conns.Primary.WithContext(ctx).Create(&row).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		// Concurrent webhook delivery created it first.
		var existing models.Payment
		if ferr := r.conns.Primary.WithContext(ctx).
			Where("provider = ? AND external_id = ?", f.Provider, f.ExternalID).
			First(&existing).Error; ferr == nil {
			return &existing, nil
		}
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (r *Reconciler) markStatus(ctx context.Context, provider types.PaymentProvider, externalID, eventID string, status types.PaymentStatus, amountMinor int64, currency string) error {
	row, err := r.findOrCreate(ctx, &fulfillment{
		Provider:    provider,
		ExternalID:  externalID,
		AmountMinor: amountMinor,
		Currency:    currency,
	})
	if err != nil {
		return err
	}
	if row.CreditID != nil {
		// A terminal failure event after fulfilment is provider noise.
		logctx.FromCtx(ctx, r.log).Warnw("ignoring status event for fulfilled payment",
			"provider", provider, "external_id", externalID, "status", status)
		return nil
	}
	return r.conns.Primary.WithContext(ctx).
		Model(&models.Payment{}).Where("id = ?", row.ID).
		Updates(map[string]any{"status": status, "last_event_id": eventID}).Error
}

// markRefunded records the refund. Credits already granted remain spent or
// spendable; there is no clawback.
func (r *Reconciler) markRefunded(ctx context.Context, provider types.PaymentProvider, externalID, eventID string) error {
	var row models.Payment
	err := r.conns.Primary.WithContext(ctx).
		Where("provider = ? AND external_id = ?", provider, externalID).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		logctx.FromCtx(ctx, r.log).Warnw("refund for unknown payment",
			"provider", provider, "external_id", externalID)
		return nil
	}
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if err := r.conns.Primary.WithContext(ctx).
		Model(&models.Payment{}).Where("id = ?", row.ID).
		Updates(map[string]any{
			"status":        types.PaymentStatusRefunded,
			"refunded":      true,
			"refunded_at":   now,
			"last_event_id": eventID,
		}).Error; err != nil {
		return err
	}
	logctx.FromCtx(ctx, r.log).Infow("payment refunded, credits retained",
		"provider", provider, "external_id", externalID)
	return nil
}

type PlayVerifyRequest struct {
	Identity      types.AccountIdentity
	ProductID     string
	PurchaseToken string
}

// VerifyPlayPurchase validates a Play purchase token and grants the credit
// pack. Safe to call repeatedly with the same token.
func (r *Reconciler) VerifyPlayPurchase(ctx context.Context, req *PlayVerifyRequest) (*models.Payment, error) {
	if err := req.Identity.Validate(); err != nil {
		return nil, err
	}
	purchase, err := r.play.VerifyPurchase(ctx, req.ProductID, req.PurchaseToken)
	if err != nil {
		return nil, err
	}
	metrics.WebhookEventsTotal.WithLabelValues(string(types.PaymentProviderGooglePlay), "purchase_verified").Inc()

	return r.fulfill(ctx, &fulfillment{
		Provider:    types.PaymentProviderGooglePlay,
		ExternalID:  req.PurchaseToken,
		EventID:     purchase.OrderID,
		Identity:    req.Identity,
		AmountMinor: r.cfg.Billing.PricePerPurchaseMinor,
		Currency:    r.cfg.Billing.DefaultCurrency,
	})
}

// RecordIntent stores a pending payment row for a freshly created intent so
// the client has a payment id to poll before any webhook lands.
func (r *Reconciler) RecordIntent(ctx context.Context, provider types.PaymentProvider, intent *Intent) (*models.Payment, error) {
	return r.findOrCreate(ctx, &fulfillment{
		Provider:    provider,
		ExternalID:  intent.ExternalID,
		AmountMinor: intent.AmountMinor,
		Currency:    intent.Currency,
	})
}

// StatusByID reports a payment by its record id, accepting the provider's
// external id as well since intent creation hands the client that one.
func (r *Reconciler) StatusByID(ctx context.Context, paymentID string) (*models.Payment, error) {
	var row models.Payment
	err := r.conns.Read.WithContext(ctx).
		Where("id = ?", paymentID).First(&row).Error
	if err == nil {
		return &row, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	err = r.conns.Read.WithContext(ctx).
		Where("external_id = ?", paymentID).First(&row).Error
	if err == nil {
		return &row, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	// A Stripe intent id with no webhook landed yet: ask Stripe directly.
	if strings.HasPrefix(paymentID, "pi_") {
		return r.Status(ctx, types.PaymentProviderStripe, paymentID)
	}
	return nil, ErrPaymentNotFound
}

// Status reports the payment record for a provider object, falling back to
// a live provider query when no webhook has landed yet.
func (r *Reconciler) Status(ctx context.Context, provider types.PaymentProvider, externalID string) (*models.Payment, error) {
	var row models.Payment
	err := r.conns.Read.WithContext(ctx).
		Where("provider = ? AND external_id = ?", provider, externalID).
		First(&row).Error
	if err == nil {
		return &row, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	if provider == types.PaymentProviderStripe {
		intent, err := r.stripe.GetIntent(ctx, externalID)
		if err != nil {
			return nil, err
		}
		return &models.Payment{
			Provider:    provider,
			ExternalID:  externalID,
			AmountMinor: intent.AmountMinor,
			Currency:    intent.Currency,
			Status:      intent.Status,
		}, nil
	}
	return nil, ErrPaymentNotFound
}
