package models

import (
	"time"

	"gorm.io/datatypes"

	"github.com/fatflowers/billing/pkg/types"
)

// Charge is an immutable debit record. Rows are insert-only; corrections
// are expressed as compensating credits, never updates.
type Charge struct {
	ID        string `gorm:"column:id;primary_key;type:uuid" json:"charge_id"`
	AccountID string `gorm:"column:account_id;type:uuid;not null;index;uniqueIndex:uq_charges_idempotency,priority:1" json:"account_id"`

	AmountMinor int64  `gorm:"column:amount_minor;type:bigint;not null;check:amount_minor > 0" json:"amount_minor"`
	Currency    string `gorm:"column:currency;type:varchar(3);not null" json:"currency"`
	Description string `gorm:"column:description;type:varchar(512);not null" json:"description"`

	// Balance snapshots taken inside the charging transaction while the
	// account row is locked.
	BalanceBefore int64 `gorm:"column:balance_before;type:bigint;not null" json:"balance_before"`
	BalanceAfter  int64 `gorm:"column:balance_after;type:bigint;not null" json:"balance_after"`

	// Pool records which bucket the charge drew from (free or paid).
	Pool types.CreditPool `gorm:"column:pool;type:varchar(16);not null" json:"pool"`

	IdempotencyKey *string                               `gorm:"column:idempotency_key;type:varchar(255);uniqueIndex:uq_charges_idempotency,priority:2" json:"idempotency_key,omitempty"`
	Metadata       datatypes.JSONType[types.ChargeMetadata] `gorm:"column:metadata" json:"metadata"`

	CreatedAt time.Time `gorm:"index" json:"created_at"`
}

func (Charge) TableName() string {
	return "charges"
}
