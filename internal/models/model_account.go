package models

import (
	"time"

	"github.com/fatflowers/billing/pkg/types"
)

// Account is the unit of credit ownership. Identity is the composite
// (oauth_provider, external_id); wa_id and tenant_id are carried but not
// part of the lookup key.
type Account struct {
	ID            string  `gorm:"column:id;primary_key;type:uuid" json:"account_id"`
	OAuthProvider string  `gorm:"column:oauth_provider;type:varchar(64);not null;uniqueIndex:uq_accounts_identity,priority:1;index:idx_accounts_oauth_external,priority:1" json:"oauth_provider"`
	ExternalID    string  `gorm:"column:external_id;type:varchar(255);not null;uniqueIndex:uq_accounts_identity,priority:2;index:idx_accounts_oauth_external,priority:2" json:"external_id"`
	WAID          *string `gorm:"column:wa_id;type:varchar(255)" json:"wa_id,omitempty"`
	TenantID      *string `gorm:"column:tenant_id;type:varchar(255)" json:"tenant_id,omitempty"`

	// BalanceMinor is reserved for future currency-denominated billing and
	// is held at zero by the current pricing policy.
	BalanceMinor      int64 `gorm:"column:balance_minor;type:bigint;not null;default:0;check:balance_minor >= 0" json:"balance_minor"`
	PaidCredits       int64 `gorm:"column:paid_credits;type:bigint;not null;default:0;check:paid_credits >= 0" json:"paid_credits"`
	FreeUsesRemaining int64 `gorm:"column:free_uses_remaining;type:bigint;not null;default:0;check:free_uses_remaining >= 0" json:"free_uses_remaining"`
	TotalUses         int64 `gorm:"column:total_uses;type:bigint;not null;default:0;check:total_uses >= 0" json:"total_uses"`

	Currency string              `gorm:"column:currency;type:varchar(3);not null;default:'USD'" json:"currency"`
	PlanName string              `gorm:"column:plan_name;type:varchar(64);not null;default:'free'" json:"plan_name"`
	Status   types.AccountStatus `gorm:"column:status;type:varchar(16);not null;default:'active';index;check:status IN ('active','suspended','closed')" json:"status"`

	// Profile fields propagated from the caller; persisted when first
	// supplied, no behavioural meaning in the ledger.
	CustomerEmail        *string    `gorm:"column:customer_email;type:varchar(255)" json:"customer_email,omitempty"`
	MarketingOptIn       bool       `gorm:"column:marketing_opt_in;not null;default:false" json:"marketing_opt_in"`
	MarketingOptInAt     *time.Time `gorm:"column:marketing_opt_in_at" json:"marketing_opt_in_at,omitempty"`
	MarketingOptInSource *string    `gorm:"column:marketing_opt_in_source;type:varchar(64)" json:"marketing_opt_in_source,omitempty"`
	UserRole             *string    `gorm:"column:user_role;type:varchar(64)" json:"user_role,omitempty"`
	AgentID              *string    `gorm:"column:agent_id;type:varchar(255)" json:"agent_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `gorm:"index" json:"updated_at"`
}

func (Account) TableName() string {
	return "accounts"
}

func (a *Account) Active() bool {
	return a != nil && a.Status == types.AccountStatusActive
}

// Identity reconstructs the composite identity of the account.
func (a *Account) Identity() types.AccountIdentity {
	return types.AccountIdentity{
		OAuthProvider: a.OAuthProvider,
		ExternalID:    a.ExternalID,
		WAID:          a.WAID,
		TenantID:      a.TenantID,
	}
}
