package models

import (
	"time"

	"github.com/fatflowers/billing/pkg/types"
)

// ProductUsageLog records a single product-scoped consumption and the pool
// it resolved to, with before/after snapshots of the product bucket.
type ProductUsageLog struct {
	ID        string `gorm:"column:id;primary_key;type:uuid" json:"id"`
	AccountID string `gorm:"column:account_id;type:uuid;not null;index;uniqueIndex:uq_product_usage_idempotency,priority:1" json:"account_id"`

	ProductType string           `gorm:"column:product_type;type:varchar(64);not null;index" json:"product_type"`
	Pool        types.CreditPool `gorm:"column:pool;type:varchar(16);not null" json:"pool"`

	// CostMinor is what the usage deducted: 1 for product pools, the
	// product price for the main-pool fallback.
	CostMinor int64 `gorm:"column:cost_minor;type:bigint;not null" json:"cost_minor"`

	FreeBefore int64 `gorm:"column:free_before;type:bigint;not null" json:"free_before"`
	FreeAfter  int64 `gorm:"column:free_after;type:bigint;not null" json:"free_after"`
	PaidBefore int64 `gorm:"column:paid_before;type:bigint;not null" json:"paid_before"`
	PaidAfter  int64 `gorm:"column:paid_after;type:bigint;not null" json:"paid_after"`

	IdempotencyKey *string `gorm:"column:idempotency_key;type:varchar(255);uniqueIndex:uq_product_usage_idempotency,priority:2" json:"idempotency_key,omitempty"`
	RequestID      *string `gorm:"column:request_id;type:varchar(255)" json:"request_id,omitempty"`

	CreatedAt time.Time `gorm:"index" json:"created_at"`
}

func (ProductUsageLog) TableName() string {
	return "product_usage_logs"
}
