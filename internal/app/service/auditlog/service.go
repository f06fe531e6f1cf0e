package auditlog

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/fatflowers/billing/internal/models"
	"github.com/fatflowers/billing/pkg/logctx"
	"github.com/fatflowers/billing/pkg/metrics"
	"github.com/fatflowers/billing/pkg/tool"
)

// Service persists credit-check audit rows off the request path. A failed
// write is logged and dropped; it never affects the decision that produced it.
type Service struct {
	db  *gorm.DB
	log *zap.SugaredLogger
}

func New(db *gorm.DB, log *zap.SugaredLogger) *Service { return &Service{db: db, log: log} }

// Save asynchronously persists a credit check record. Nil input is ignored.
func (s *Service) Save(ctx context.Context, check *models.CreditCheck) {
	go func() {
		if check == nil {
			return
		}
		if check.ID == "" {
			check.ID = tool.GenerateUUIDV7()
		}
		if err := s.db.Create(check).Error; err != nil {
			logctx.FromCtx(ctx, s.log).Errorf("failed to save credit check log: %v", err)
			return
		}
		metrics.CreditChecksLogged.Inc()
	}()
}

// Recent returns the latest audit rows for one account, newest first.
func (s *Service) Recent(ctx context.Context, accountID string, limit int) ([]*models.CreditCheck, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	var rows []*models.CreditCheck
	err := s.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

var Module = fx.Options(
	fx.Provide(New),
)
