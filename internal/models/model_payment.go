package models

import (
	"time"

	"github.com/fatflowers/billing/pkg/types"
)

// Payment tracks a provider-side payment object through its lifecycle.
// Keyed by (provider, external_id) so webhook retries converge on one row.
type Payment struct {
	ID       string                `gorm:"column:id;primary_key;type:uuid" json:"id"`
	Provider types.PaymentProvider `gorm:"column:provider;type:varchar(32);not null;uniqueIndex:uq_payments_provider_external,priority:1" json:"provider"`
	// ExternalID is the provider's identifier: Stripe payment intent id,
	// Google Play purchase token.
	ExternalID string `gorm:"column:external_id;type:varchar(255);not null;uniqueIndex:uq_payments_provider_external,priority:2" json:"external_id"`

	// AccountID is resolved from provider metadata; nil until the account
	// is known.
	AccountID *string `gorm:"column:account_id;type:uuid;index" json:"account_id,omitempty"`

	AmountMinor int64               `gorm:"column:amount_minor;type:bigint;not null" json:"amount_minor"`
	Currency    string              `gorm:"column:currency;type:varchar(3);not null" json:"currency"`
	Status      types.PaymentStatus `gorm:"column:status;type:varchar(32);not null;index" json:"status"`

	// CreditID links to the ledger credit written when the payment
	// succeeded. Set at most once.
	CreditID *string `gorm:"column:credit_id;type:uuid" json:"credit_id,omitempty"`

	// LastEventID is the most recent provider event applied to this row.
	LastEventID *string `gorm:"column:last_event_id;type:varchar(255)" json:"last_event_id,omitempty"`

	// Refunded marks that the provider reported a refund. Credits already
	// granted are not clawed back.
	Refunded   bool       `gorm:"column:refunded;not null;default:false" json:"refunded"`
	RefundedAt *time.Time `gorm:"column:refunded_at" json:"refunded_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Payment) TableName() string {
	return "payments"
}
