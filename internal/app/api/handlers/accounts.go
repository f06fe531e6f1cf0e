package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/fatflowers/billing/internal/app/service/account"
	"github.com/fatflowers/billing/pkg/types"
)

type upsertAccountReq struct {
	identityPayload
	CustomerEmail *string `json:"customer_email"`
	PlanName      string  `json:"plan_name"`
	AgentID       *string `json:"agent_id"`
}

type upsertAccountResp struct {
	AccountID         string `json:"account_id"`
	Created           bool   `json:"created"`
	FreeUsesRemaining int64  `json:"free_uses_remaining"`
	PaidCredits       int64  `json:"paid_credits"`
	PlanName          string `json:"plan_name"`
	Status            string `json:"status"`
}

// @Summary      Upsert account
// @Description  Resolves the identity, creating the account with seeded free uses when missing
// @Tags         Accounts
// @Accept       json
// @Produce      json
// @Param        request body upsertAccountReq true "Account identity"
// @Success      201  {object}  upsertAccountResp
// @Router       /v1/billing/accounts [post]
func ApiUpsertAccount(svc *account.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req upsertAccountReq
		if err := c.ShouldBindJSON(&req); err != nil {
			writeBindError(c, err)
			return
		}
		acc, created, err := svc.GetOrCreate(c.Request.Context(), req.identity(), &account.CreateOptions{
			CustomerEmail: req.CustomerEmail,
			PlanName:      req.PlanName,
			AgentID:       req.AgentID,
		})
		if err != nil {
			writeServiceError(c, err)
			return
		}
		c.JSON(http.StatusCreated, upsertAccountResp{
			AccountID:         acc.ID,
			Created:           created,
			FreeUsesRemaining: acc.FreeUsesRemaining,
			PaidCredits:       acc.PaidCredits,
			PlanName:          acc.PlanName,
			Status:            string(acc.Status),
		})
	}
}

// @Summary      Get account
// @Description  Resolves an account by composite identity
// @Tags         Accounts
// @Produce      json
// @Param        provider path string true "OAuth provider"
// @Param        external_id path string true "External id"
// @Success      200  {object}  models.Account
// @Router       /v1/billing/accounts/{provider}/{external_id} [get]
func ApiGetAccount(svc *account.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := types.AccountIdentity{
			OAuthProvider: c.Param("provider"),
			ExternalID:    c.Param("external_id"),
		}
		acc, err := svc.FindByIdentity(c.Request.Context(), id)
		if err != nil {
			writeServiceError(c, err)
			return
		}
		c.JSON(http.StatusOK, acc)
	}
}

type updateMetadataReq struct {
	identityPayload
	CustomerEmail        *string `json:"customer_email"`
	MarketingOptIn       *bool   `json:"marketing_opt_in"`
	MarketingOptInSource *string `json:"marketing_opt_in_source"`
	UserRole             *string `json:"user_role"`
	AgentID              *string `json:"agent_id"`
}

// @Summary      Update account metadata
// @Description  Applies a profile patch; omitted fields are left unchanged
// @Tags         Accounts
// @Accept       json
// @Produce      json
// @Param        request body updateMetadataReq true "Metadata patch"
// @Success      200  {object}  models.Account
// @Router       /v1/billing/accounts/metadata [post]
func ApiUpdateMetadata(svc *account.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req updateMetadataReq
		if err := c.ShouldBindJSON(&req); err != nil {
			writeBindError(c, err)
			return
		}
		acc, err := svc.UpdateMetadata(c.Request.Context(), req.identity(), &account.MetadataPatch{
			CustomerEmail:        req.CustomerEmail,
			MarketingOptIn:       req.MarketingOptIn,
			MarketingOptInSource: req.MarketingOptInSource,
			UserRole:             req.UserRole,
			AgentID:              req.AgentID,
			WAID:                 req.WAID,
			TenantID:             req.TenantID,
		})
		if err != nil {
			writeServiceError(c, err)
			return
		}
		c.JSON(http.StatusOK, acc)
	}
}

type setStatusReq struct {
	identityPayload
	Status string `json:"status" binding:"required"`
}

// @Summary      Set account status
// @Description  Transitions the account between active, suspended and closed
// @Tags         Accounts
// @Accept       json
// @Produce      json
// @Param        request body setStatusReq true "Status change"
// @Success      200  {object}  models.Account
// @Router       /v1/billing/accounts/status [post]
func ApiSetStatus(svc *account.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req setStatusReq
		if err := c.ShouldBindJSON(&req); err != nil {
			writeBindError(c, err)
			return
		}
		acc, err := svc.SetStatus(c.Request.Context(), req.identity(), types.AccountStatus(req.Status))
		if err != nil {
			writeServiceError(c, err)
			return
		}
		c.JSON(http.StatusOK, acc)
	}
}

func RegisterAccountRoutes(r gin.IRouter, svc *account.Service) {
	r.POST("", ApiUpsertAccount(svc))
	r.POST("/metadata", ApiUpdateMetadata(svc))
	r.POST("/status", ApiSetStatus(svc))
	r.GET("/:provider/:external_id", ApiGetAccount(svc))
}
