package handlers

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/fatflowers/billing/internal/app/service/payment"
	"github.com/fatflowers/billing/pkg/response"
	"github.com/fatflowers/billing/pkg/types"
)

// maxWebhookBody caps the request body read from the provider.
const maxWebhookBody = 1 << 20

// @Summary      Provider webhook
// @Description  Verifies the provider signature and applies the event
// @Tags         Webhooks
// @Accept       json
// @Produce      json
// @Param        provider path string true "Payment provider"
// @Success      200  {object}  map[string]string
// @Router       /v1/billing/webhooks/{provider} [post]
func ApiProviderWebhook(rec *payment.Reconciler) gin.HandlerFunc {
	return func(c *gin.Context) {
		if types.PaymentProvider(c.Param("provider")) != types.PaymentProviderStripe {
			response.Error(c, http.StatusNotFound, response.KindNotFound, "unknown webhook provider")
			return
		}
		payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
		if err != nil {
			response.Error(c, http.StatusBadRequest, response.KindValidation, "unreadable body")
			return
		}
		signature := c.GetHeader("Stripe-Signature")
		if err := rec.HandleStripeWebhook(c.Request.Context(), payload, signature); err != nil {
			writeServiceError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"received": "true"})
	}
}

func RegisterWebhookRoutes(r gin.IRouter, rec *payment.Reconciler) {
	r.POST("/:provider", ApiProviderWebhook(rec))
}
