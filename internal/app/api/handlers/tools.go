package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/samber/lo"

	"github.com/fatflowers/billing/internal/app/service/inventory"
	"github.com/fatflowers/billing/internal/models"
	"github.com/fatflowers/billing/pkg/types"
)

type toolChargeReq struct {
	identityPayload
	ProductType    string  `json:"product_type" binding:"required"`
	AmountMinor    int64   `json:"amount_minor"`
	IdempotencyKey string  `json:"idempotency_key"`
	RequestID      *string `json:"request_id"`
}

type toolChargeResp struct {
	UsageID         string           `json:"usage_id"`
	Pool            types.CreditPool `json:"pool"`
	CostMinor       int64            `json:"cost_minor"`
	FreeRemaining   int64            `json:"free_remaining"`
	PaidCredits     int64            `json:"paid_credits"`
	MainPaidCredits int64            `json:"main_paid_credits"`
}

// @Summary      Charge a product use
// @Description  Consumes one product use: product free pool, product paid pool, then main paid credits
// @Tags         Tools
// @Accept       json
// @Produce      json
// @Param        request body toolChargeReq true "Tool charge request"
// @Success      201  {object}  toolChargeResp
// @Router       /v1/tools/charge [post]
func ApiToolCharge(svc *inventory.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req toolChargeReq
		if err := c.ShouldBindJSON(&req); err != nil {
			writeBindError(c, err)
			return
		}
		res, err := svc.Use(c.Request.Context(), &inventory.UseRequest{
			Identity:       req.identity(),
			ProductType:    req.ProductType,
			AmountMinor:    req.AmountMinor,
			IdempotencyKey: req.IdempotencyKey,
			RequestID:      req.RequestID,
		})
		if err != nil {
			writeServiceError(c, err)
			return
		}
		c.JSON(http.StatusCreated, toolChargeResp{
			UsageID:         res.Usage.ID,
			Pool:            res.Pool,
			CostMinor:       res.Usage.CostMinor,
			FreeRemaining:   res.FreeRemaining,
			PaidCredits:     res.PaidCredits,
			MainPaidCredits: res.MainPaidCredits,
		})
	}
}

type toolGrantReq struct {
	identityPayload
	ProductType string `json:"product_type" binding:"required"`
	Credits     int64  `json:"credits" binding:"required"`
}

// @Summary      Grant product credits
// @Description  Adds paid credits to one product bucket
// @Tags         Tools
// @Accept       json
// @Produce      json
// @Param        request body toolGrantReq true "Grant request"
// @Success      200  {object}  toolBucket
// @Router       /v1/tools/grant [post]
func ApiToolGrant(svc *inventory.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req toolGrantReq
		if err := c.ShouldBindJSON(&req); err != nil {
			writeBindError(c, err)
			return
		}
		inv, err := svc.Grant(c.Request.Context(), req.identity(), req.ProductType, req.Credits)
		if err != nil {
			writeServiceError(c, err)
			return
		}
		c.JSON(http.StatusOK, bucketView(inv))
	}
}

type toolBucket struct {
	ProductType   string `json:"product_type"`
	FreeRemaining int64  `json:"free_remaining"`
	PaidCredits   int64  `json:"paid_credits"`
	TotalUses     int64  `json:"total_uses"`
}

func bucketView(inv *models.ProductInventory) toolBucket {
	return toolBucket{
		ProductType:   inv.ProductType,
		FreeRemaining: inv.FreeRemaining,
		PaidCredits:   inv.PaidCredits,
		TotalUses:     inv.TotalUses,
	}
}

// @Summary      Product bucket status
// @Description  Lists every product bucket for the account, including untouched ones at their configured seed
// @Tags         Tools
// @Produce      json
// @Param        oauth_provider query string true "OAuth provider"
// @Param        external_id query string true "External id"
// @Success      200  {object}  map[string][]toolBucket
// @Router       /v1/tools/status [get]
func ApiToolStatus(svc *inventory.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		rows, err := svc.Status(c.Request.Context(), identityFromQuery(c))
		if err != nil {
			writeServiceError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"products": lo.Map(rows, func(inv *models.ProductInventory, _ int) toolBucket {
			return bucketView(inv)
		})})
	}
}

// @Summary      Product balance
// @Description  Reports one product bucket for the account
// @Tags         Tools
// @Produce      json
// @Param        product_type path string true "Product type"
// @Param        oauth_provider query string true "OAuth provider"
// @Param        external_id query string true "External id"
// @Success      200  {object}  toolBucket
// @Router       /v1/tools/balance/{product_type} [get]
func ApiToolBalance(svc *inventory.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		rows, err := svc.Status(c.Request.Context(), identityFromQuery(c))
		if err != nil {
			writeServiceError(c, err)
			return
		}
		inv, ok := lo.Find(rows, func(inv *models.ProductInventory) bool {
			return inv.ProductType == c.Param("product_type")
		})
		if !ok {
			writeServiceError(c, inventory.ErrUnknownProduct)
			return
		}
		c.JSON(http.StatusOK, bucketView(inv))
	}
}

func RegisterToolRoutes(r gin.IRouter, svc *inventory.Service) {
	r.POST("/charge", ApiToolCharge(svc))
	r.POST("/grant", ApiToolGrant(svc))
	r.GET("/status", ApiToolStatus(svc))
	r.GET("/balance/:product_type", ApiToolBalance(svc))
}
