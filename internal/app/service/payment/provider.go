package payment

import (
	"context"
	"errors"

	"github.com/fatflowers/billing/pkg/types"
)

var (
	ErrProviderUnavailable  = errors.New("payment provider unavailable")
	ErrSignatureInvalid     = errors.New("webhook signature verification failed")
	ErrPurchaseNotCompleted = errors.New("purchase is not in a completed state")
	ErrPaymentNotFound      = errors.New("payment not found")
)

// IntentRequest asks a provider to open a payment for one credit pack.
type IntentRequest struct {
	Identity      types.AccountIdentity
	AmountMinor   int64
	Currency      string
	CustomerEmail *string
}

// Intent is the provider-neutral view of a payment object.
type Intent struct {
	ExternalID   string              `json:"external_id"`
	ClientSecret string              `json:"client_secret,omitempty"`
	AmountMinor  int64               `json:"amount_minor"`
	Currency     string              `json:"currency"`
	Status       types.PaymentStatus `json:"status"`
}

// Provider is one payment backend. Fulfilment is driven by the reconciler,
// not by these calls.
type Provider interface {
	Name() types.PaymentProvider
	CreateIntent(ctx context.Context, req *IntentRequest) (*Intent, error)
	GetIntent(ctx context.Context, externalID string) (*Intent, error)
}
