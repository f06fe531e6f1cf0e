package account

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/fatflowers/billing/internal/models"
	"github.com/fatflowers/billing/internal/platform/db"
	"github.com/fatflowers/billing/pkg/config"
	"github.com/fatflowers/billing/pkg/logctx"
	"github.com/fatflowers/billing/pkg/tool"
	"github.com/fatflowers/billing/pkg/types"
)

var (
	ErrNotFound      = errors.New("account not found")
	ErrInvalidStatus = errors.New("invalid account status")
)

// Service is the account registry: identity resolution, creation with
// seeded free uses, and profile metadata updates.
type Service struct {
	conns *db.Conns
	cfg   *config.Config
	log   *zap.SugaredLogger
}

func New(conns *db.Conns, cfg *config.Config, log *zap.SugaredLogger) *Service {
	return &Service{conns: conns, cfg: cfg, log: log}
}

// FindByIdentity resolves an account by (oauth_provider, external_id).
// Returns ErrNotFound when no row exists.
func (s *Service) FindByIdentity(ctx context.Context, id types.AccountIdentity) (*models.Account, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	var acc models.Account
	err := s.conns.Read.WithContext(ctx).
		Where("oauth_provider = ? AND external_id = ?", id.OAuthProvider, id.ExternalID).
		First(&acc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &acc, nil
}

// GetByID fetches an account by primary key.
func (s *Service) GetByID(ctx context.Context, accountID string) (*models.Account, error) {
	var acc models.Account
	err := s.conns.Read.WithContext(ctx).Where("id = ?", accountID).First(&acc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &acc, nil
}

// CreateOptions carries optional profile fields supplied at creation time.
type CreateOptions struct {
	CustomerEmail *string
	PlanName      string
	AgentID       *string
}

// GetOrCreate resolves the identity, creating the account with the
// configured free-use seed when it does not exist. The bool reports whether
// a new row was created. A duplicate-key error from a concurrent creator is
// resolved by re-reading.
func (s *Service) GetOrCreate(ctx context.Context, id types.AccountIdentity, opts *CreateOptions) (*models.Account, bool, error) {
	acc, err := s.FindByIdentity(ctx, id)
	if err == nil {
		return acc, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	acc = &models.Account{
		ID:                tool.GenerateUUIDV7(),
		OAuthProvider:     id.OAuthProvider,
		ExternalID:        id.ExternalID,
		WAID:              id.WAID,
		TenantID:          id.TenantID,
		FreeUsesRemaining: s.cfg.Billing.FreeUsesPerAccount,
		Currency:          s.cfg.Billing.DefaultCurrency,
		PlanName:          "free",
		Status:            types.AccountStatusActive,
	}
	if opts != nil {
		acc.CustomerEmail = opts.CustomerEmail
		acc.AgentID = opts.AgentID
		if opts.PlanName != "" {
			acc.PlanName = opts.PlanName
		}
	}

	err = s.conns.Primary.WithContext(ctx).Create(acc).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		// Lost the race to another creator; their row wins.
		existing, ferr := s.FindByIdentity(ctx, id)
		if ferr != nil {
			return nil, false, ferr
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	logctx.FromCtx(ctx, s.log).Infow("account created",
		"account_id", acc.ID, "oauth_provider", acc.OAuthProvider)
	return acc, true, nil
}

// MetadataPatch updates profile fields. Nil pointers leave the field as is.
type MetadataPatch struct {
	CustomerEmail        *string
	MarketingOptIn       *bool
	MarketingOptInSource *string
	UserRole             *string
	AgentID              *string
	WAID                 *string
	TenantID             *string
}

// UpdateMetadata applies a profile patch to an existing account.
func (s *Service) UpdateMetadata(ctx context.Context, id types.AccountIdentity, patch *MetadataPatch) (*models.Account, error) {
	acc, err := s.FindByIdentity(ctx, id)
	if err != nil {
		return nil, err
	}
	if patch == nil {
		return acc, nil
	}

	updates := map[string]any{}
	if patch.CustomerEmail != nil {
		updates["customer_email"] = *patch.CustomerEmail
	}
	if patch.MarketingOptIn != nil {
		updates["marketing_opt_in"] = *patch.MarketingOptIn
		if *patch.MarketingOptIn {
			now := time.Now().UTC()
			updates["marketing_opt_in_at"] = now
			if patch.MarketingOptInSource != nil {
				updates["marketing_opt_in_source"] = *patch.MarketingOptInSource
			}
		}
	}
	if patch.UserRole != nil {
		updates["user_role"] = *patch.UserRole
	}
	if patch.AgentID != nil {
		updates["agent_id"] = *patch.AgentID
	}
	if patch.WAID != nil {
		updates["wa_id"] = *patch.WAID
	}
	if patch.TenantID != nil {
		updates["tenant_id"] = *patch.TenantID
	}
	if len(updates) == 0 {
		return acc, nil
	}

	if err := s.conns.Primary.WithContext(ctx).
		Model(&models.Account{}).
		Where("id = ?", acc.ID).
		Updates(updates).Error; err != nil {
		return nil, err
	}
	return s.GetByID(ctx, acc.ID)
}

// SetStatus transitions an account between active, suspended and closed.
func (s *Service) SetStatus(ctx context.Context, id types.AccountIdentity, status types.AccountStatus) (*models.Account, error) {
	switch status {
	case types.AccountStatusActive, types.AccountStatusSuspended, types.AccountStatusClosed:
	default:
		return nil, ErrInvalidStatus
	}
	acc, err := s.FindByIdentity(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.conns.Primary.WithContext(ctx).
		Model(&models.Account{}).
		Where("id = ?", acc.ID).
		Update("status", status).Error; err != nil {
		return nil, err
	}
	logctx.FromCtx(ctx, s.log).Infow("account status changed",
		"account_id", acc.ID, "status", status)
	return s.GetByID(ctx, acc.ID)
}
