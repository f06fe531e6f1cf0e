package models

import (
	"time"
)

// ProductInventory is a per-account, per-product credit bucket, separate
// from the account's main pools. One row per (account, product).
type ProductInventory struct {
	ID        string `gorm:"column:id;primary_key;type:uuid" json:"id"`
	AccountID string `gorm:"column:account_id;type:uuid;not null;uniqueIndex:uq_product_inventory_account_product,priority:1" json:"account_id"`

	ProductType string `gorm:"column:product_type;type:varchar(64);not null;uniqueIndex:uq_product_inventory_account_product,priority:2" json:"product_type"`

	FreeRemaining int64 `gorm:"column:free_remaining;type:bigint;not null;default:0;check:free_remaining >= 0" json:"free_remaining"`
	PaidCredits   int64 `gorm:"column:paid_credits;type:bigint;not null;default:0;check:paid_credits >= 0" json:"paid_credits"`
	TotalUses     int64 `gorm:"column:total_uses;type:bigint;not null;default:0" json:"total_uses"`

	LastDailyRefresh *time.Time `gorm:"column:last_daily_refresh" json:"last_daily_refresh,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (ProductInventory) TableName() string {
	return "product_inventory"
}
