package payment

import (
	"context"
	"errors"
	"strings"

	stripe "github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/paymentintent"
	"github.com/stripe/stripe-go/v81/webhook"
	"go.uber.org/zap"

	"github.com/fatflowers/billing/pkg/config"
	"github.com/fatflowers/billing/pkg/types"
)

// Identity metadata keys set on every payment intent, read back by the
// reconciler to resolve the account.
const (
	metaOAuthProvider = "oauth_provider"
	metaExternalID    = "external_id"
	metaWAID          = "wa_id"
	metaTenantID      = "tenant_id"
)

// StripeProvider creates payment intents and verifies webhook signatures.
type StripeProvider struct {
	cfg *config.Config
	log *zap.SugaredLogger
}

func NewStripeProvider(cfg *config.Config, log *zap.SugaredLogger) *StripeProvider {
	stripe.Key = cfg.Stripe.APIKey
	return &StripeProvider{cfg: cfg, log: log}
}

func (p *StripeProvider) Name() types.PaymentProvider {
	return types.PaymentProviderStripe
}

func (p *StripeProvider) CreateIntent(ctx context.Context, req *IntentRequest) (*Intent, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(req.AmountMinor),
		Currency: stripe.String(strings.ToLower(req.Currency)),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	params.AddMetadata(metaOAuthProvider, req.Identity.OAuthProvider)
	params.AddMetadata(metaExternalID, req.Identity.ExternalID)
	if req.Identity.WAID != nil {
		params.AddMetadata(metaWAID, *req.Identity.WAID)
	}
	if req.Identity.TenantID != nil {
		params.AddMetadata(metaTenantID, *req.Identity.TenantID)
	}
	if req.CustomerEmail != nil {
		params.ReceiptEmail = stripe.String(*req.CustomerEmail)
	}

	pi, err := paymentintent.New(params)
	if err != nil {
		p.log.Errorw("stripe: create payment intent failed", "err", err)
		return nil, ErrProviderUnavailable
	}
	return stripeIntent(pi), nil
}

func (p *StripeProvider) GetIntent(ctx context.Context, externalID string) (*Intent, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	pi, err := paymentintent.Get(externalID, params)
	if err != nil {
		var serr *stripe.Error
		if errors.As(err, &serr) && serr.HTTPStatusCode == 404 {
			return nil, ErrPaymentNotFound
		}
		p.log.Errorw("stripe: get payment intent failed", "err", err, "intent_id", externalID)
		return nil, ErrProviderUnavailable
	}
	return stripeIntent(pi), nil
}

// VerifyWebhook checks the Stripe-Signature header against the endpoint
// secret and returns the parsed event.
func (p *StripeProvider) VerifyWebhook(payload []byte, signature string) (stripe.Event, error) {
	event, err := webhook.ConstructEvent(payload, signature, p.cfg.Stripe.WebhookSecret)
	if err != nil {
		return stripe.Event{}, ErrSignatureInvalid
	}
	return event, nil
}

func stripeIntent(pi *stripe.PaymentIntent) *Intent {
	return &Intent{
		ExternalID:   pi.ID,
		ClientSecret: pi.ClientSecret,
		AmountMinor:  pi.Amount,
		Currency:     strings.ToUpper(string(pi.Currency)),
		Status:       stripeStatus(pi.Status),
	}
}

func stripeStatus(s stripe.PaymentIntentStatus) types.PaymentStatus {
	switch s {
	case stripe.PaymentIntentStatusSucceeded:
		return types.PaymentStatusSucceeded
	case stripe.PaymentIntentStatusProcessing:
		return types.PaymentStatusProcessing
	case stripe.PaymentIntentStatusCanceled:
		return types.PaymentStatusCanceled
	default:
		return types.PaymentStatusRequiresPaymentMethod
	}
}

// identityFromMetadata rebuilds the account identity stored on the intent.
func identityFromMetadata(meta map[string]string) types.AccountIdentity {
	id := types.AccountIdentity{
		OAuthProvider: meta[metaOAuthProvider],
		ExternalID:    meta[metaExternalID],
	}
	if v, ok := meta[metaWAID]; ok && v != "" {
		id.WAID = &v
	}
	if v, ok := meta[metaTenantID]; ok && v != "" {
		id.TenantID = &v
	}
	return id
}
