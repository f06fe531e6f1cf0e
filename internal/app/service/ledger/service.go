package ledger

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/fatflowers/billing/internal/app/service/account"
	"github.com/fatflowers/billing/internal/app/service/auditlog"
	"github.com/fatflowers/billing/internal/models"
	"github.com/fatflowers/billing/internal/platform/db"
	"github.com/fatflowers/billing/pkg/config"
	"github.com/fatflowers/billing/pkg/logctx"
	"github.com/fatflowers/billing/pkg/metrics"
	"github.com/fatflowers/billing/pkg/tool"
	"github.com/fatflowers/billing/pkg/types"
)

var (
	ErrInvalidAmount          = errors.New("amount_minor must be positive")
	ErrInvalidTransactionType = errors.New("invalid transaction_type")
	ErrCurrencyMismatch       = errors.New("currency does not match account currency")
)

// Service owns the charge and credit protocols. Every mutation runs inside
// a single transaction holding a row lock on the account, and is verified
// by a re-read before commit.
type Service struct {
	conns    *db.Conns
	cfg      *config.Config
	accounts *account.Service
	audit    *auditlog.Service
	log      *zap.SugaredLogger
}

func New(conns *db.Conns, cfg *config.Config, accounts *account.Service, audit *auditlog.Service, log *zap.SugaredLogger) *Service {
	return &Service{conns: conns, cfg: cfg, accounts: accounts, audit: audit, log: log}
}

// syncCustomerEmail keeps a caller-supplied email on the account profile.
// Best effort; a failed profile write never fails the ledger operation.
func (s *Service) syncCustomerEmail(ctx context.Context, acc *models.Account, email *string) {
	if email == nil || *email == "" {
		return
	}
	if acc.CustomerEmail != nil && *acc.CustomerEmail == *email {
		return
	}
	if _, err := s.accounts.UpdateMetadata(ctx, acc.Identity(), &account.MetadataPatch{
		CustomerEmail: email,
	}); err != nil {
		logctx.FromCtx(ctx, s.log).Warnw("customer email sync failed",
			"account_id", acc.ID, "error", err)
	}
}

// lockForUpdate adds SELECT ... FOR UPDATE on dialects that support it.
// SQLite serialises writers on its own, so tests run the same code path.
func lockForUpdate(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "postgres" {
		return tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return tx
}

type ChargeRequest struct {
	Identity       types.AccountIdentity
	AmountMinor    int64
	Currency       string // empty means the account's currency
	Description    string
	IdempotencyKey string
	Metadata       types.ChargeMetadata
	CustomerEmail  *string
}

type ChargeResult struct {
	Charge            *models.Charge
	Pool              types.CreditPool
	FreeUsesRemaining int64
	PaidCredits       int64
}

// Charge debits one use from the account: one free use when any remain,
// otherwise AmountMinor paid credits. Fails the whole transaction rather
// than leave the ledger and the account row disagreeing.
func (s *Service) Charge(ctx context.Context, req *ChargeRequest) (*ChargeResult, error) {
	if err := req.Identity.Validate(); err != nil {
		return nil, err
	}
	if req.AmountMinor <= 0 {
		return nil, ErrInvalidAmount
	}
	if err := types.ValidateIdempotencyKey(req.IdempotencyKey); err != nil {
		return nil, err
	}

	acc, err := s.accounts.FindByIdentity(ctx, req.Identity)
	if errors.Is(err, account.ErrNotFound) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	s.syncCustomerEmail(ctx, acc, req.CustomerEmail)

	// Cheap replay pre-check before taking the row lock. The in-transaction
	// check below is the authoritative one.
	if req.IdempotencyKey != "" {
		var existing models.Charge
		err := s.conns.Read.WithContext(ctx).
			Where("account_id = ? AND idempotency_key = ?", acc.ID, req.IdempotencyKey).
			First(&existing).Error
		if err == nil {
			return nil, &IdempotencyReplayError{ExistingChargeID: existing.ID}
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}

	var result *ChargeResult
	err = s.conns.Primary.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var locked models.Account
		if err := lockForUpdate(tx).Where("id = ?", acc.ID).First(&locked).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrAccountNotFound
			}
			return err
		}

		switch locked.Status {
		case types.AccountStatusSuspended:
			return ErrAccountSuspended
		case types.AccountStatusClosed:
			return ErrAccountClosed
		}

		if req.IdempotencyKey != "" {
			var existing models.Charge
			err := tx.Where("account_id = ? AND idempotency_key = ?", locked.ID, req.IdempotencyKey).
				First(&existing).Error
			if err == nil {
				return &IdempotencyReplayError{ExistingChargeID: existing.ID}
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
		}

		if req.Currency != "" && req.Currency != locked.Currency {
			return ErrCurrencyMismatch
		}

		balanceMinorBefore := locked.BalanceMinor
		// balance_before/after always snapshot the paid balance, whichever
		// pool absorbs the charge; a free-pool charge leaves them equal.
		balanceBefore := locked.PaidCredits
		var pool types.CreditPool
		switch {
		case locked.FreeUsesRemaining > 0:
			pool = types.CreditPoolFree
			locked.FreeUsesRemaining--
		case locked.PaidCredits >= req.AmountMinor:
			pool = types.CreditPoolPaid
			locked.PaidCredits -= req.AmountMinor
		default:
			return ErrInsufficientCredits
		}
		balanceAfter := locked.PaidCredits
		locked.TotalUses++

		if err := tx.Model(&models.Account{}).Where("id = ?", locked.ID).Updates(map[string]any{
			"free_uses_remaining": locked.FreeUsesRemaining,
			"paid_credits":        locked.PaidCredits,
			"total_uses":          locked.TotalUses,
		}).Error; err != nil {
			return err
		}

		charge := &models.Charge{
			ID:            tool.GenerateUUIDV7(),
			AccountID:     locked.ID,
			AmountMinor:   req.AmountMinor,
			Currency:      locked.Currency,
			Description:   req.Description,
			BalanceBefore: balanceBefore,
			BalanceAfter:  balanceAfter,
			Pool:          pool,
			Metadata:      datatypes.NewJSONType(req.Metadata),
		}
		if req.IdempotencyKey != "" {
			key := req.IdempotencyKey
			charge.IdempotencyKey = &key
		}
		if err := tx.Create(charge).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				var existing models.Charge
				if ferr := tx.Where("account_id = ? AND idempotency_key = ?", locked.ID, req.IdempotencyKey).
					First(&existing).Error; ferr == nil {
					return &IdempotencyReplayError{ExistingChargeID: existing.ID}
				}
			}
			return err
		}

		if err := s.verifyAccountWrite(tx, &locked, balanceMinorBefore); err != nil {
			return err
		}

		result = &ChargeResult{
			Charge:            charge,
			Pool:              pool,
			FreeUsesRemaining: locked.FreeUsesRemaining,
			PaidCredits:       locked.PaidCredits,
		}
		return nil
	})
	if err != nil {
		var verr *WriteVerificationError
		if errors.As(err, &verr) {
			metrics.WriteVerificationFailures.Inc()
			logctx.FromCtx(ctx, s.log).Errorw("charge rolled back by write verification",
				"account_id", verr.AccountID, "field", verr.Field)
		}
		return nil, err
	}

	metrics.ChargesTotal.WithLabelValues(string(result.Pool)).Inc()
	logctx.FromCtx(ctx, s.log).Infow("charge committed",
		"account_id", acc.ID, "charge_id", result.Charge.ID,
		"pool", result.Pool, "amount_minor", req.AmountMinor)
	return result, nil
}

type CreditRequest struct {
	Identity              types.AccountIdentity
	AmountMinor           int64
	Currency              string // empty means the account's currency
	Description           string
	TransactionType       types.TransactionType
	ExternalTransactionID string
	IdempotencyKey        string
	CustomerEmail         *string
}

type CreditResult struct {
	Credit      *models.Credit
	PaidCredits int64
	Created     bool // account was created by this credit
}

// Credit grants paid credits. The account is created when missing, and
// suspended or closed accounts still accept credits so refunds and disputes
// can settle.
func (s *Service) Credit(ctx context.Context, req *CreditRequest) (*CreditResult, error) {
	if err := req.Identity.Validate(); err != nil {
		return nil, err
	}
	if req.AmountMinor <= 0 {
		return nil, ErrInvalidAmount
	}
	if !req.TransactionType.Valid() {
		return nil, ErrInvalidTransactionType
	}
	if err := types.ValidateIdempotencyKey(req.IdempotencyKey); err != nil {
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

	if req.IdempotencyKey != "" {
		var existing models.Credit
		err := s.conns.Read.WithContext(ctx).
			Where("account_id = ? AND idempotency_key = ?", acc.ID, req.IdempotencyKey).
			First(&existing).Error
		if err == nil {
			return nil, &IdempotencyReplayError{ExistingCreditID: existing.ID}
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}

	var result *CreditResult
	err = s.conns.Primary.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var locked models.Account
		if err := lockForUpdate(tx).Where("id = ?", acc.ID).First(&locked).Error; err != nil {
			return err
		}

		if req.Currency != "" && req.Currency != locked.Currency {
			return ErrCurrencyMismatch
		}

		if req.IdempotencyKey != "" {
			var existing models.Credit
			err := tx.Where("account_id = ? AND idempotency_key = ?", locked.ID, req.IdempotencyKey).
				First(&existing).Error
			if err == nil {
				return &IdempotencyReplayError{ExistingCreditID: existing.ID}
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
		}

		balanceMinorBefore := locked.BalanceMinor
		balanceBefore := locked.PaidCredits
		locked.PaidCredits += req.AmountMinor

		if err := tx.Model(&models.Account{}).Where("id = ?", locked.ID).
			Update("paid_credits", locked.PaidCredits).Error; err != nil {
			return err
		}

		credit := &models.Credit{
			ID:              tool.GenerateUUIDV7(),
			AccountID:       locked.ID,
			AmountMinor:     req.AmountMinor,
			Currency:        locked.Currency,
			Description:     req.Description,
			TransactionType: req.TransactionType,
			BalanceBefore:   balanceBefore,
			BalanceAfter:    locked.PaidCredits,
		}
		if req.ExternalTransactionID != "" {
			ext := req.ExternalTransactionID
			credit.ExternalTransactionID = &ext
		}
		if req.IdempotencyKey != "" {
			key := req.IdempotencyKey
			credit.IdempotencyKey = &key
		}
		if err := tx.Create(credit).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				var existing models.Credit
				if ferr := tx.Where("account_id = ? AND idempotency_key = ?", locked.ID, req.IdempotencyKey).
					First(&existing).Error; ferr == nil {
					return &IdempotencyReplayError{ExistingCreditID: existing.ID}
				}
			}
			return err
		}

		if err := s.verifyAccountWrite(tx, &locked, balanceMinorBefore); err != nil {
			return err
		}

		result = &CreditResult{Credit: credit, PaidCredits: locked.PaidCredits, Created: created}
		return nil
	})
	if err != nil {
		var verr *WriteVerificationError
		if errors.As(err, &verr) {
			metrics.WriteVerificationFailures.Inc()
			logctx.FromCtx(ctx, s.log).Errorw("credit rolled back by write verification",
				"account_id", verr.AccountID, "field", verr.Field)
		}
		return nil, err
	}

	metrics.CreditsTotal.WithLabelValues(string(req.TransactionType)).Inc()
	logctx.FromCtx(ctx, s.log).Infow("credit committed",
		"account_id", acc.ID, "credit_id", result.Credit.ID,
		"transaction_type", req.TransactionType, "amount_minor", req.AmountMinor)
	return result, nil
}

// verifyAccountWrite re-reads the account inside the transaction and checks
// the pools hold exactly the values just written. A mismatch aborts the
// transaction.
func (s *Service) verifyAccountWrite(tx *gorm.DB, expected *models.Account, balanceMinorBefore int64) error {
	var actual models.Account
	if err := tx.Where("id = ?", expected.ID).First(&actual).Error; err != nil {
		return err
	}
	if actual.FreeUsesRemaining != expected.FreeUsesRemaining {
		return &WriteVerificationError{AccountID: expected.ID, Field: "free_uses_remaining",
			Expected: expected.FreeUsesRemaining, Actual: actual.FreeUsesRemaining}
	}
	if actual.PaidCredits != expected.PaidCredits {
		return &WriteVerificationError{AccountID: expected.ID, Field: "paid_credits",
			Expected: expected.PaidCredits, Actual: actual.PaidCredits}
	}
	if s.cfg.Billing.VerifyBalanceMinor && actual.BalanceMinor != balanceMinorBefore {
		return &WriteVerificationError{AccountID: expected.ID, Field: "balance_minor",
			Expected: balanceMinorBefore, Actual: actual.BalanceMinor}
	}
	return nil
}
