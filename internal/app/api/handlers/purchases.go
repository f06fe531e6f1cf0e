package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/fatflowers/billing/internal/app/service/payment"
	"github.com/fatflowers/billing/pkg/config"
)

type createPurchaseReq struct {
	identityPayload
	CustomerEmail *string `json:"customer_email"`
}

type createPurchaseResp struct {
	PaymentID    string `json:"payment_id"`
	ExternalID   string `json:"external_id"`
	ClientSecret string `json:"client_secret,omitempty"`
	AmountMinor  int64  `json:"amount_minor"`
	Currency     string `json:"currency"`
	Credits      int64  `json:"credits"`
}

// @Summary      Create purchase
// @Description  Opens a payment for one credit pack at the configured price
// @Tags         Purchases
// @Accept       json
// @Produce      json
// @Param        request body createPurchaseReq true "Purchase request"
// @Success      201  {object}  createPurchaseResp
// @Router       /v1/billing/purchases [post]
func ApiCreatePurchase(provider payment.Provider, rec *payment.Reconciler, cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createPurchaseReq
		if err := c.ShouldBindJSON(&req); err != nil {
			writeBindError(c, err)
			return
		}
		id := req.identity()
		if err := id.Validate(); err != nil {
			writeServiceError(c, err)
			return
		}
		intent, err := provider.CreateIntent(c.Request.Context(), &payment.IntentRequest{
			Identity:      id,
			AmountMinor:   cfg.Billing.PricePerPurchaseMinor,
			Currency:      cfg.Billing.DefaultCurrency,
			CustomerEmail: req.CustomerEmail,
		})
		if err != nil {
			writeServiceError(c, err)
			return
		}
		row, err := rec.RecordIntent(c.Request.Context(), provider.Name(), intent)
		if err != nil {
			writeServiceError(c, err)
			return
		}
		c.JSON(http.StatusCreated, createPurchaseResp{
			PaymentID:    row.ID,
			ExternalID:   intent.ExternalID,
			ClientSecret: intent.ClientSecret,
			AmountMinor:  intent.AmountMinor,
			Currency:     intent.Currency,
			Credits:      cfg.Billing.PaidUsesPerPurchase,
		})
	}
}

// @Summary      Purchase status
// @Description  Reports the payment record, falling back to a live provider query
// @Tags         Purchases
// @Produce      json
// @Param        payment_id path string true "Payment id or provider object id"
// @Success      200  {object}  models.Payment
// @Router       /v1/billing/purchases/{payment_id} [get]
func ApiPurchaseStatus(rec *payment.Reconciler) gin.HandlerFunc {
	return func(c *gin.Context) {
		row, err := rec.StatusByID(c.Request.Context(), c.Param("payment_id"))
		if err != nil {
			writeServiceError(c, err)
			return
		}
		c.JSON(http.StatusOK, row)
	}
}

type playVerifyReq struct {
	identityPayload
	ProductID     string `json:"product_id" binding:"required"`
	PurchaseToken string `json:"purchase_token" binding:"required"`
}

// @Summary      Verify Google Play purchase
// @Description  Validates a purchase token with Google and grants the credit pack once
// @Tags         Purchases
// @Accept       json
// @Produce      json
// @Param        request body playVerifyReq true "Verify request"
// @Success      200  {object}  models.Payment
// @Router       /v1/billing/purchases/google/verify [post]
func ApiVerifyPlayPurchase(rec *payment.Reconciler) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req playVerifyReq
		if err := c.ShouldBindJSON(&req); err != nil {
			writeBindError(c, err)
			return
		}
		row, err := rec.VerifyPlayPurchase(c.Request.Context(), &payment.PlayVerifyRequest{
			Identity:      req.identity(),
			ProductID:     req.ProductID,
			PurchaseToken: req.PurchaseToken,
		})
		if err != nil {
			writeServiceError(c, err)
			return
		}
		c.JSON(http.StatusOK, row)
	}
}

func RegisterPurchaseRoutes(r gin.IRouter, provider payment.Provider, rec *payment.Reconciler, cfg *config.Config) {
	r.POST("", ApiCreatePurchase(provider, rec, cfg))
	r.POST("/google/verify", ApiVerifyPlayPurchase(rec))
	r.GET("/:payment_id", ApiPurchaseStatus(rec))
}
