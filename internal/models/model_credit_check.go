package models

import (
	"time"

	"github.com/fatflowers/billing/pkg/types"
)

// CreditCheck is an audit row for every authorisation decision. Written
// asynchronously; a lost row never blocks or fails the decision itself.
type CreditCheck struct {
	ID string `gorm:"column:id;primary_key;type:uuid" json:"id"`

	// AccountID is nil when the check ran against an unknown identity.
	AccountID     *string `gorm:"column:account_id;type:uuid;index" json:"account_id,omitempty"`
	OAuthProvider string  `gorm:"column:oauth_provider;type:varchar(64);not null" json:"oauth_provider"`
	ExternalID    string  `gorm:"column:external_id;type:varchar(255);not null" json:"external_id"`

	HasCredit        bool             `gorm:"column:has_credit;not null" json:"has_credit"`
	Pool             types.CreditPool `gorm:"column:pool;type:varchar(16);not null" json:"pool"`
	CreditsRemaining *int64           `gorm:"column:credits_remaining;type:bigint" json:"credits_remaining,omitempty"`
	PlanName         *string          `gorm:"column:plan_name;type:varchar(64)" json:"plan_name,omitempty"`
	DenialReason     *string          `gorm:"column:denial_reason;type:varchar(64)" json:"denial_reason,omitempty"`

	// Caller context, for tracing a decision back to the conversation.
	AgentID   *string `gorm:"column:agent_id;type:varchar(255)" json:"agent_id,omitempty"`
	ChannelID *string `gorm:"column:channel_id;type:varchar(255)" json:"channel_id,omitempty"`
	RequestID *string `gorm:"column:request_id;type:varchar(255)" json:"request_id,omitempty"`

	CreatedAt time.Time `gorm:"index" json:"created_at"`
}

func (CreditCheck) TableName() string {
	return "credit_checks"
}
