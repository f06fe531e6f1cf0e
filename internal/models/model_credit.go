package models

import (
	"time"

	"github.com/fatflowers/billing/pkg/types"
)

// Credit is an immutable grant of paid credits. Like charges, rows are
// insert-only.
type Credit struct {
	ID        string `gorm:"column:id;primary_key;type:uuid" json:"credit_id"`
	AccountID string `gorm:"column:account_id;type:uuid;not null;index;uniqueIndex:uq_credits_idempotency,priority:1" json:"account_id"`

	AmountMinor int64  `gorm:"column:amount_minor;type:bigint;not null;check:amount_minor > 0" json:"amount_minor"`
	Currency    string `gorm:"column:currency;type:varchar(3);not null" json:"currency"`
	Description string `gorm:"column:description;type:varchar(512);not null" json:"description"`

	TransactionType types.TransactionType `gorm:"column:transaction_type;type:varchar(16);not null;check:transaction_type IN ('purchase','refund','grant','transfer')" json:"transaction_type"`

	// ExternalTransactionID ties the credit to a payment-provider object
	// (Stripe payment intent, Play purchase token).
	ExternalTransactionID *string `gorm:"column:external_transaction_id;type:varchar(255);index" json:"external_transaction_id,omitempty"`

	BalanceBefore int64 `gorm:"column:balance_before;type:bigint;not null" json:"balance_before"`
	BalanceAfter  int64 `gorm:"column:balance_after;type:bigint;not null" json:"balance_after"`

	IdempotencyKey *string `gorm:"column:idempotency_key;type:varchar(255);uniqueIndex:uq_credits_idempotency,priority:2" json:"idempotency_key,omitempty"`

	CreatedAt time.Time `gorm:"index" json:"created_at"`
}

func (Credit) TableName() string {
	return "credits"
}
