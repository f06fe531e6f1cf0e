package ledger

import (
	"context"

	"github.com/fatflowers/billing/internal/app/service/account"
	"github.com/fatflowers/billing/internal/models"
	"github.com/fatflowers/billing/pkg/metrics"
	"github.com/fatflowers/billing/pkg/types"
)

const (
	ReasonAccountSuspended    = "account_suspended"
	ReasonAccountClosed       = "account_closed"
	ReasonInsufficientCredits = "insufficient_credits"
)

type CheckRequest struct {
	Identity      types.AccountIdentity
	CustomerEmail *string

	// Caller context recorded in the audit row.
	AgentID   *string
	ChannelID *string
	RequestID *string
}

// CheckResult is the authorisation decision. When the answer is no and a
// top-up would fix it, the purchase fields tell the caller what a pack
// costs and delivers.
type CheckResult struct {
	HasCredit         bool             `json:"has_credit"`
	Pool              types.CreditPool `json:"pool"`
	CreditsRemaining  int64            `json:"credits_remaining"`
	FreeUsesRemaining int64            `json:"free_uses_remaining"`
	TotalUses         int64            `json:"total_uses"`
	PlanName          string           `json:"plan_name,omitempty"`

	PurchaseRequired   bool   `json:"purchase_required"`
	PurchasePriceMinor *int64 `json:"purchase_price_minor,omitempty"`
	PurchaseUses       *int64 `json:"purchase_uses,omitempty"`
	Currency           string `json:"currency,omitempty"`

	Reason string `json:"reason,omitempty"`
}

// CheckCredit is the authorisation decision: could the account absorb a
// charge right now, and from which pool. The paid pool authorises whenever
// any credit remains; only the charge itself enforces the exact amount.
// A fresh identity gets its account created here with the seeded free uses;
// balances are never touched. The audit row is written asynchronously.
func (s *Service) CheckCredit(ctx context.Context, req *CheckRequest) (*CheckResult, error) {
	if err := req.Identity.Validate(); err != nil {
		return nil, err
	}

	acc, created, err := s.accounts.GetOrCreate(ctx, req.Identity, &account.CreateOptions{
		CustomerEmail: req.CustomerEmail,
	})
	if err != nil {
		return nil, err
	}
	if !created {
		s.syncCustomerEmail(ctx, acc, req.CustomerEmail)
	}

	result := s.decide(acc)

	check := &models.CreditCheck{
		OAuthProvider: req.Identity.OAuthProvider,
		ExternalID:    req.Identity.ExternalID,
		HasCredit:     result.HasCredit,
		Pool:          result.Pool,
		AgentID:       req.AgentID,
		ChannelID:     req.ChannelID,
		RequestID:     req.RequestID,
	}
	check.AccountID = &acc.ID
	remaining := result.CreditsRemaining
	check.CreditsRemaining = &remaining
	plan := acc.PlanName
	check.PlanName = &plan
	if result.Reason != "" {
		reason := result.Reason
		check.DenialReason = &reason
	}
	s.audit.Save(ctx, check)

	outcome := "allowed"
	if !result.HasCredit {
		outcome = result.Reason
	}
	metrics.CreditCheckDecisions.WithLabelValues(outcome).Inc()
	return result, nil
}

func (s *Service) decide(acc *models.Account) *CheckResult {
	withHint := func(r *CheckResult) *CheckResult {
		r.PurchaseRequired = true
		price := s.cfg.Billing.PricePerPurchaseMinor
		uses := s.cfg.Billing.PaidUsesPerPurchase
		r.PurchasePriceMinor = &price
		r.PurchaseUses = &uses
		r.Currency = s.cfg.Billing.DefaultCurrency
		return r
	}

	base := &CheckResult{
		Pool:              types.CreditPoolNone,
		FreeUsesRemaining: acc.FreeUsesRemaining,
		TotalUses:         acc.TotalUses,
		PlanName:          acc.PlanName,
	}

	switch acc.Status {
	case types.AccountStatusSuspended:
		base.Reason = ReasonAccountSuspended
		return base
	case types.AccountStatusClosed:
		base.Reason = ReasonAccountClosed
		return base
	}

	if acc.FreeUsesRemaining > 0 {
		base.HasCredit = true
		base.Pool = types.CreditPoolFree
		base.CreditsRemaining = acc.FreeUsesRemaining
		return base
	}
	if acc.PaidCredits > 0 {
		base.HasCredit = true
		base.Pool = types.CreditPoolPaid
		base.CreditsRemaining = acc.PaidCredits
		return base
	}

	base.Reason = ReasonInsufficientCredits
	return withHint(base)
}
