package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/fatflowers/billing/internal/app/service/ledger"
	"github.com/fatflowers/billing/pkg/types"
)

type checkCreditReq struct {
	identityPayload
	CustomerEmail *string `json:"customer_email"`
	AgentID       *string `json:"agent_id"`
	ChannelID     *string `json:"channel_id"`
	RequestID     *string `json:"request_id"`
}

// @Summary      Check credit
// @Description  Read-only authorisation decision: would a charge succeed now
// @Tags         Billing
// @Accept       json
// @Produce      json
// @Param        request body checkCreditReq true "Credit check request"
// @Success      200  {object}  ledger.CheckResult
// @Router       /v1/billing/credits/check [post]
func ApiCheckCredit(svc *ledger.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req checkCreditReq
		if err := c.ShouldBindJSON(&req); err != nil {
			writeBindError(c, err)
			return
		}
		res, err := svc.CheckCredit(c.Request.Context(), &ledger.CheckRequest{
			Identity:      req.identity(),
			CustomerEmail: req.CustomerEmail,
			AgentID:       req.AgentID,
			ChannelID:     req.ChannelID,
			RequestID:     req.RequestID,
		})
		if err != nil {
			writeServiceError(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

type chargeReq struct {
	identityPayload
	AmountMinor    int64                `json:"amount_minor" binding:"required"`
	Currency       string               `json:"currency"`
	Description    string               `json:"description"`
	IdempotencyKey string               `json:"idempotency_key"`
	Metadata       types.ChargeMetadata `json:"metadata"`
	CustomerEmail  *string              `json:"customer_email"`
}

type chargeResp struct {
	ChargeID          string           `json:"charge_id"`
	Pool              types.CreditPool `json:"pool"`
	AmountMinor       int64            `json:"amount_minor"`
	BalanceBefore     int64            `json:"balance_before"`
	BalanceAfter      int64            `json:"balance_after"`
	FreeUsesRemaining int64            `json:"free_uses_remaining"`
	PaidCredits       int64            `json:"paid_credits"`
}

// @Summary      Charge an account
// @Description  Debits one use: a free use when any remain, otherwise paid credits
// @Tags         Billing
// @Accept       json
// @Produce      json
// @Param        request body chargeReq true "Charge request"
// @Success      201  {object}  chargeResp
// @Router       /v1/billing/charges [post]
func ApiCharge(svc *ledger.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req chargeReq
		if err := c.ShouldBindJSON(&req); err != nil {
			writeBindError(c, err)
			return
		}
		res, err := svc.Charge(c.Request.Context(), &ledger.ChargeRequest{
			Identity:       req.identity(),
			AmountMinor:    req.AmountMinor,
			Currency:       req.Currency,
			Description:    req.Description,
			IdempotencyKey: req.IdempotencyKey,
			Metadata:       req.Metadata,
			CustomerEmail:  req.CustomerEmail,
		})
		if err != nil {
			writeServiceError(c, err)
			return
		}
		c.JSON(http.StatusCreated, chargeResp{
			ChargeID:          res.Charge.ID,
			Pool:              res.Pool,
			AmountMinor:       res.Charge.AmountMinor,
			BalanceBefore:     res.Charge.BalanceBefore,
			BalanceAfter:      res.Charge.BalanceAfter,
			FreeUsesRemaining: res.FreeUsesRemaining,
			PaidCredits:       res.PaidCredits,
		})
	}
}

type creditReq struct {
	identityPayload
	AmountMinor           int64   `json:"amount_minor" binding:"required"`
	Currency              string  `json:"currency"`
	Description           string  `json:"description"`
	TransactionType       string  `json:"transaction_type" binding:"required"`
	ExternalTransactionID string  `json:"external_transaction_id"`
	IdempotencyKey        string  `json:"idempotency_key"`
	CustomerEmail         *string `json:"customer_email"`
}

type creditResp struct {
	CreditID       string `json:"credit_id"`
	AmountMinor    int64  `json:"amount_minor"`
	BalanceBefore  int64  `json:"balance_before"`
	BalanceAfter   int64  `json:"balance_after"`
	PaidCredits    int64  `json:"paid_credits"`
	AccountCreated bool   `json:"account_created"`
}

// @Summary      Credit an account
// @Description  Grants paid credits; the account is created when missing
// @Tags         Billing
// @Accept       json
// @Produce      json
// @Param        request body creditReq true "Credit request"
// @Success      201  {object}  creditResp
// @Router       /v1/billing/credits [post]
func ApiCredit(svc *ledger.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req creditReq
		if err := c.ShouldBindJSON(&req); err != nil {
			writeBindError(c, err)
			return
		}
		res, err := svc.Credit(c.Request.Context(), &ledger.CreditRequest{
			Identity:              req.identity(),
			AmountMinor:           req.AmountMinor,
			Currency:              req.Currency,
			Description:           req.Description,
			TransactionType:       types.TransactionType(req.TransactionType),
			ExternalTransactionID: req.ExternalTransactionID,
			IdempotencyKey:        req.IdempotencyKey,
			CustomerEmail:         req.CustomerEmail,
		})
		if err != nil {
			writeServiceError(c, err)
			return
		}
		c.JSON(http.StatusCreated, creditResp{
			CreditID:       res.Credit.ID,
			AmountMinor:    res.Credit.AmountMinor,
			BalanceBefore:  res.Credit.BalanceBefore,
			BalanceAfter:   res.Credit.BalanceAfter,
			PaidCredits:    res.PaidCredits,
			AccountCreated: res.Created,
		})
	}
}

// @Summary      Transaction history
// @Description  Recent charges and credits for an account, newest first
// @Tags         Billing
// @Produce      json
// @Param        oauth_provider query string true "OAuth provider"
// @Param        external_id query string true "External id"
// @Success      200  {object}  ledger.TransactionHistory
// @Router       /v1/billing/transactions [get]
func ApiTransactionHistory(svc *ledger.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
		res, err := svc.History(c.Request.Context(), identityFromQuery(c), limit)
		if err != nil {
			writeServiceError(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

// @Summary      Transaction history by identity path
// @Description  Recent charges and credits for an account addressed by path
// @Tags         Billing
// @Produce      json
// @Param        provider path string true "OAuth provider"
// @Param        external_id path string true "External id"
// @Success      200  {object}  ledger.TransactionHistory
// @Router       /v1/billing/accounts/{provider}/{external_id}/transactions [get]
func ApiTransactionHistoryByPath(svc *ledger.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
		id := types.AccountIdentity{
			OAuthProvider: c.Param("provider"),
			ExternalID:    c.Param("external_id"),
		}
		res, err := svc.History(c.Request.Context(), id, limit)
		if err != nil {
			writeServiceError(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

// @Summary      Scan charges
// @Description  Paginated admin listing of charges with field filters
// @Tags         Admin
// @Accept       json
// @Produce      json
// @Param        request body ledger.ScanChargesRequest true "Scan request"
// @Success      200  {object}  ledger.ScanChargesResponse
// @Router       /v1/admin/charges/scan [post]
func ApiScanCharges(svc *ledger.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ledger.ScanChargesRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			writeBindError(c, err)
			return
		}
		res, err := svc.ScanCharges(c.Request.Context(), &req)
		if err != nil {
			writeServiceError(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

func RegisterBillingRoutes(r gin.IRouter, svc *ledger.Service) {
	r.POST("/credits/check", ApiCheckCredit(svc))
	r.POST("/charges", ApiCharge(svc))
	r.POST("/credits", ApiCredit(svc))
	r.GET("/transactions", ApiTransactionHistory(svc))
	r.GET("/accounts/:provider/:external_id/transactions", ApiTransactionHistoryByPath(svc))
}

func RegisterAdminRoutes(r gin.IRouter, svc *ledger.Service) {
	r.POST("/charges/scan", ApiScanCharges(svc))
}
