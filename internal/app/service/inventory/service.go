package inventory

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/fatflowers/billing/internal/app/service/account"
	"github.com/fatflowers/billing/internal/app/service/ledger"
	"github.com/fatflowers/billing/internal/models"
	"github.com/fatflowers/billing/internal/platform/db"
	"github.com/fatflowers/billing/pkg/config"
	"github.com/fatflowers/billing/pkg/logctx"
	"github.com/fatflowers/billing/pkg/metrics"
	"github.com/fatflowers/billing/pkg/tool"
	"github.com/fatflowers/billing/pkg/types"
)

var ErrUnknownProduct = errors.New("unknown product type")

// UsageReplayError means a product usage with the same (account,
// idempotency_key) was already recorded.
type UsageReplayError struct {
	ExistingUsageID string
}

func (e *UsageReplayError) Error() string {
	return fmt.Sprintf("idempotency key already used by product usage %s", e.ExistingUsageID)
}

// Service manages per-product credit buckets. A product use drains the
// product's free pool, then its paid pool, then falls back to the account's
// main paid credits at the product's price.
type Service struct {
	conns    *db.Conns
	cfg      *config.Config
	accounts *account.Service
	log      *zap.SugaredLogger
}

func New(conns *db.Conns, cfg *config.Config, accounts *account.Service, log *zap.SugaredLogger) *Service {
	return &Service{conns: conns, cfg: cfg, accounts: accounts, log: log}
}

func lockForUpdate(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "postgres" {
		return tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return tx
}

// getOrCreateLocked fetches the inventory row under the transaction's lock,
// seeding a new row from config when missing. The account row is already
// locked, which serialises concurrent seeding of the same bucket.
func (s *Service) getOrCreateLocked(tx *gorm.DB, accountID, productType string, pcfg *config.ProductConfig) (*models.ProductInventory, error) {
	var inv models.ProductInventory
	err := lockForUpdate(tx).
		Where("account_id = ? AND product_type = ?", accountID, productType).
		First(&inv).Error
	if err == nil {
		return &inv, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	inv = models.ProductInventory{
		ID:            tool.GenerateUUIDV7(),
		AccountID:     accountID,
		ProductType:   productType,
		FreeRemaining: pcfg.FreeInitial,
	}
	if err := tx.Create(&inv).Error; err != nil {
		return nil, err
	}
	return &inv, nil
}

type UseRequest struct {
	Identity    types.AccountIdentity
	ProductType string
	// AmountMinor is the cost charged when the use falls through to the
	// account's main paid pool. Zero means the product's configured price.
	AmountMinor    int64
	IdempotencyKey string
	RequestID      *string
}

type UseResult struct {
	Usage         *models.ProductUsageLog
	Pool          types.CreditPool
	FreeRemaining int64
	PaidCredits   int64
	// MainPaidCredits is the account's main pool after a fallback deduction.
	MainPaidCredits int64
}

// Use consumes one product use. Pool order: product free, product paid,
// then the account's main paid credits at the fallback cost.
func (s *Service) Use(ctx context.Context, req *UseRequest) (*UseResult, error) {
	if err := req.Identity.Validate(); err != nil {
		return nil, err
	}
	if err := types.ValidateIdempotencyKey(req.IdempotencyKey); err != nil {
		return nil, err
	}
	pcfg := s.cfg.GetProductConfig(req.ProductType)
	if pcfg == nil {
		return nil, ErrUnknownProduct
	}
	if req.AmountMinor < 0 {
		return nil, ledger.ErrInvalidAmount
	}
	fallbackCost := req.AmountMinor
	if fallbackCost == 0 {
		fallbackCost = pcfg.PriceMinor
	}

	acc, err := s.accounts.FindByIdentity(ctx, req.Identity)
	if errors.Is(err, account.ErrNotFound) {
		return nil, ledger.ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}

	if req.IdempotencyKey != "" {
		var existing models.ProductUsageLog
		err := s.conns.Read.WithContext(ctx).
			Where("account_id = ? AND idempotency_key = ?", acc.ID, req.IdempotencyKey).
			First(&existing).Error
		if err == nil {
			return nil, &UsageReplayError{ExistingUsageID: existing.ID}
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}

	var result *UseResult
	err = s.conns.Primary.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Account row first, then inventory row. Same order everywhere.
		var locked models.Account
		if err := lockForUpdate(tx).Where("id = ?", acc.ID).First(&locked).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ledger.ErrAccountNotFound
			}
			return err
		}
		switch locked.Status {
		case types.AccountStatusSuspended:
			return ledger.ErrAccountSuspended
		case types.AccountStatusClosed:
			return ledger.ErrAccountClosed
		}

		inv, err := s.getOrCreateLocked(tx, locked.ID, req.ProductType, pcfg)
		if err != nil {
			return err
		}

		if req.IdempotencyKey != "" {
			var existing models.ProductUsageLog
			err := tx.Where("account_id = ? AND idempotency_key = ?", locked.ID, req.IdempotencyKey).
				First(&existing).Error
			if err == nil {
				return &UsageReplayError{ExistingUsageID: existing.ID}
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
		}

		freeBefore, paidBefore := inv.FreeRemaining, inv.PaidCredits
		var (
			pool      types.CreditPool
			costMinor int64
		)
		switch {
		case inv.FreeRemaining > 0:
			pool = types.CreditPoolProductFree
			costMinor = 1
			inv.FreeRemaining--
		case inv.PaidCredits > 0:
			pool = types.CreditPoolProductPaid
			costMinor = 1
			inv.PaidCredits--
		case locked.PaidCredits >= fallbackCost:
			pool = types.CreditPoolPaid
			costMinor = fallbackCost
			locked.PaidCredits -= fallbackCost
		default:
			return ledger.ErrInsufficientCredits
		}
		inv.TotalUses++

		if err := tx.Model(&models.ProductInventory{}).Where("id = ?", inv.ID).Updates(map[string]any{
			"free_remaining": inv.FreeRemaining,
			"paid_credits":   inv.PaidCredits,
			"total_uses":     inv.TotalUses,
		}).Error; err != nil {
			return err
		}

		// Main-pool fallback is also a ledger charge, so transaction
		// history stays complete.
		if pool == types.CreditPoolPaid {
			locked.TotalUses++
			if err := tx.Model(&models.Account{}).Where("id = ?", locked.ID).Updates(map[string]any{
				"paid_credits": locked.PaidCredits,
				"total_uses":   locked.TotalUses,
			}).Error; err != nil {
				return err
			}
			charge := &models.Charge{
				ID:            tool.GenerateUUIDV7(),
				AccountID:     locked.ID,
				AmountMinor:   fallbackCost,
				Currency:      locked.Currency,
				Description:   "product:" + req.ProductType,
				BalanceBefore: locked.PaidCredits + fallbackCost,
				BalanceAfter:  locked.PaidCredits,
				Pool:          types.CreditPoolPaid,
				Metadata:      datatypes.NewJSONType(types.ChargeMetadata{}),
			}
			if req.IdempotencyKey != "" {
				key := req.IdempotencyKey
				charge.IdempotencyKey = &key
			}
			if err := tx.Create(charge).Error; err != nil {
				return err
			}
		}

		usage := &models.ProductUsageLog{
			ID:          tool.GenerateUUIDV7(),
			AccountID:   locked.ID,
			ProductType: req.ProductType,
			Pool:        pool,
			CostMinor:   costMinor,
			FreeBefore:  freeBefore,
			FreeAfter:   inv.FreeRemaining,
			PaidBefore:  paidBefore,
			PaidAfter:   inv.PaidCredits,
			RequestID:   req.RequestID,
		}
		if req.IdempotencyKey != "" {
			key := req.IdempotencyKey
			usage.IdempotencyKey = &key
		}
		if err := tx.Create(usage).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				var existing models.ProductUsageLog
				if ferr := tx.Where("account_id = ? AND idempotency_key = ?", locked.ID, req.IdempotencyKey).
					First(&existing).Error; ferr == nil {
					return &UsageReplayError{ExistingUsageID: existing.ID}
				}
			}
			return err
		}

		if err := s.verifyInventoryWrite(tx, inv); err != nil {
			return err
		}

		result = &UseResult{
			Usage:           usage,
			Pool:            pool,
			FreeRemaining:   inv.FreeRemaining,
			PaidCredits:     inv.PaidCredits,
			MainPaidCredits: locked.PaidCredits,
		}
		return nil
	})
	if err != nil {
		var verr *ledger.WriteVerificationError
		if errors.As(err, &verr) {
			metrics.WriteVerificationFailures.Inc()
		}
		return nil, err
	}

	metrics.ChargesTotal.WithLabelValues(string(result.Pool)).Inc()
	logctx.FromCtx(ctx, s.log).Infow("product usage committed",
		"account_id", acc.ID, "product_type", req.ProductType, "pool", result.Pool)
	return result, nil
}

func (s *Service) verifyInventoryWrite(tx *gorm.DB, expected *models.ProductInventory) error {
	var actual models.ProductInventory
	if err := tx.Where("id = ?", expected.ID).First(&actual).Error; err != nil {
		return err
	}
	if actual.FreeRemaining != expected.FreeRemaining {
		return &ledger.WriteVerificationError{AccountID: expected.AccountID, Field: "free_remaining",
			Expected: expected.FreeRemaining, Actual: actual.FreeRemaining}
	}
	if actual.PaidCredits != expected.PaidCredits {
		return &ledger.WriteVerificationError{AccountID: expected.AccountID, Field: "paid_credits",
			Expected: expected.PaidCredits, Actual: actual.PaidCredits}
	}
	return nil
}

// Grant adds paid credits to a product bucket, creating it when missing.
func (s *Service) Grant(ctx context.Context, id types.AccountIdentity, productType string, credits int64) (*models.ProductInventory, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	if credits <= 0 {
		return nil, ledger.ErrInvalidAmount
	}
	pcfg := s.cfg.GetProductConfig(productType)
	if pcfg == nil {
		return nil, ErrUnknownProduct
	}

	acc, _, err := s.accounts.GetOrCreate(ctx, id, nil)
	if err != nil {
		return nil, err
	}

	var out *models.ProductInventory
	err = s.conns.Primary.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var locked models.Account
		if err := lockForUpdate(tx).Where("id = ?", acc.ID).First(&locked).Error; err != nil {
			return err
		}
		inv, err := s.getOrCreateLocked(tx, locked.ID, productType, pcfg)
		if err != nil {
			return err
		}
		inv.PaidCredits += credits
		if err := tx.Model(&models.ProductInventory{}).Where("id = ?", inv.ID).
			Update("paid_credits", inv.PaidCredits).Error; err != nil {
			return err
		}
		out = inv
		return nil
	})
	if err != nil {
		return nil, err
	}
	logctx.FromCtx(ctx, s.log).Infow("product credits granted",
		"account_id", acc.ID, "product_type", productType, "credits", credits)
	return out, nil
}

// Status reports the product buckets for an account, including configured
// products the account has never touched.
func (s *Service) Status(ctx context.Context, id types.AccountIdentity) ([]*models.ProductInventory, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	acc, err := s.accounts.FindByIdentity(ctx, id)
	if errors.Is(err, account.ErrNotFound) {
		return nil, ledger.ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}

	var rows []*models.ProductInventory
	if err := s.conns.Read.WithContext(ctx).
		Where("account_id = ?", acc.ID).
		Find(&rows).Error; err != nil {
		return nil, err
	}

	seen := map[string]bool{}
	for _, r := range rows {
		seen[r.ProductType] = true
	}
	for _, p := range s.cfg.Products {
		if !seen[p.Type] {
			rows = append(rows, &models.ProductInventory{
				AccountID:     acc.ID,
				ProductType:   p.Type,
				FreeRemaining: p.FreeInitial,
			})
		}
	}
	return rows, nil
}

var Module = fx.Options(
	fx.Provide(New),
)
