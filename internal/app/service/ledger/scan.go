package ledger

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm/clause"

	"github.com/fatflowers/billing/internal/app/service/account"
	"github.com/fatflowers/billing/internal/models"
	"github.com/fatflowers/billing/pkg/types"
)

// filtersAnd combines multiple CommonFilter into a single clause.Expression
type filtersAnd struct{ filters []*types.CommonFilter }

func (w filtersAnd) Build(builder clause.Builder) {
	if len(w.filters) == 0 {
		builder.WriteString("1=1")
		return
	}
	exprs := make([]clause.Expression, 0, len(w.filters))
	for _, f := range w.filters {
		exprs = append(exprs, f)
	}
	clause.And(exprs...).Build(builder)
}

type TransactionHistory struct {
	Account *models.Account  `json:"account"`
	Charges []*models.Charge `json:"charges"`
	Credits []*models.Credit `json:"credits"`
}

// History returns the account's recent charges and credits, newest first.
func (s *Service) History(ctx context.Context, id types.AccountIdentity, limit int) (*TransactionHistory, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	acc, err := s.accounts.FindByIdentity(ctx, id)
	if errors.Is(err, account.ErrNotFound) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}

	h := &TransactionHistory{Account: acc}
	if err := s.conns.Read.WithContext(ctx).
		Where("account_id = ?", acc.ID).
		Order("created_at DESC").Limit(limit).
		Find(&h.Charges).Error; err != nil {
		return nil, err
	}
	if err := s.conns.Read.WithContext(ctx).
		Where("account_id = ?", acc.ID).
		Order("created_at DESC").Limit(limit).
		Find(&h.Credits).Error; err != nil {
		return nil, err
	}
	return h, nil
}

type ScanChargesRequest struct {
	Filters []*types.CommonFilter `json:"filters"`
	From    int                   `json:"from"`
	Size    int                   `json:"size"`
}

type ScanChargesResponse struct {
	Total   int64            `json:"total"`
	Charges []*models.Charge `json:"charges"`
}

// ScanCharges implements paginated admin listing with filters.
func (s *Service) ScanCharges(ctx context.Context, req *ScanChargesRequest) (*ScanChargesResponse, error) {
	if req == nil {
		return nil, fmt.Errorf("nil request")
	}
	if req.Size <= 0 {
		req.Size = 10
	}
	if req.From < 0 {
		req.From = 0
	}

	tx := s.conns.Read.WithContext(ctx).Model(&models.Charge{})
	if len(req.Filters) > 0 {
		tx = tx.Where(clause.Where{Exprs: []clause.Expression{filtersAnd{filters: req.Filters}}})
	}

	var total int64
	if err := tx.Count(&total).Error; err != nil {
		return nil, err
	}

	var charges []*models.Charge
	if err := tx.Order("created_at DESC").Offset(req.From).Limit(req.Size).Find(&charges).Error; err != nil {
		return nil, err
	}
	return &ScanChargesResponse{Total: total, Charges: charges}, nil
}
