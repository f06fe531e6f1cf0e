package handlers

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/fatflowers/billing/internal/app/service/account"
	"github.com/fatflowers/billing/internal/app/service/inventory"
	"github.com/fatflowers/billing/internal/app/service/ledger"
	"github.com/fatflowers/billing/internal/app/service/payment"
	"github.com/fatflowers/billing/pkg/response"
	"github.com/fatflowers/billing/pkg/types"
)

// writeServiceError maps service errors onto HTTP status codes and the
// error envelope. Idempotency replays carry the existing row id in a header
// so callers can fetch what they already created.
func writeServiceError(c *gin.Context, err error) {
	if replay, ok := ledger.AsReplay(err); ok {
		headers := map[string]string{}
		if replay.ExistingChargeID != "" {
			headers["X-Existing-Charge-ID"] = replay.ExistingChargeID
		}
		if replay.ExistingCreditID != "" {
			headers["X-Existing-Credit-ID"] = replay.ExistingCreditID
		}
		response.ErrorWithHeaders(c, http.StatusConflict, response.KindIdempotencyReplay, err.Error(), headers)
		return
	}

	var usageReplay *inventory.UsageReplayError
	if errors.As(err, &usageReplay) {
		response.ErrorWithHeaders(c, http.StatusConflict, response.KindIdempotencyReplay, err.Error(),
			map[string]string{"X-Existing-Usage-ID": usageReplay.ExistingUsageID})
		return
	}

	var verification *ledger.WriteVerificationError
	if errors.As(err, &verification) {
		response.Error(c, http.StatusInternalServerError, response.KindWriteVerification, err.Error())
		return
	}

	switch {
	case errors.Is(err, ledger.ErrAccountNotFound), errors.Is(err, account.ErrNotFound):
		response.Error(c, http.StatusNotFound, response.KindAccountNotFound, err.Error())
	case errors.Is(err, payment.ErrPaymentNotFound):
		response.Error(c, http.StatusNotFound, response.KindNotFound, err.Error())
	case errors.Is(err, ledger.ErrAccountSuspended):
		response.Error(c, http.StatusForbidden, response.KindAccountSuspended, err.Error())
	case errors.Is(err, ledger.ErrAccountClosed):
		response.Error(c, http.StatusForbidden, response.KindAccountClosed, err.Error())
	case errors.Is(err, ledger.ErrInsufficientCredits):
		response.Error(c, http.StatusPaymentRequired, response.KindInsufficientCredits, err.Error())
	case errors.Is(err, types.ErrInvalidOAuthProvider),
		errors.Is(err, types.ErrEmptyExternalID),
		errors.Is(err, types.ErrIdempotencyKeyTooLong),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrInvalidTransactionType),
		errors.Is(err, account.ErrInvalidStatus),
		errors.Is(err, inventory.ErrUnknownProduct):
		response.Error(c, http.StatusUnprocessableEntity, response.KindValidation, err.Error())
	case errors.Is(err, payment.ErrPurchaseNotCompleted):
		response.Error(c, http.StatusUnprocessableEntity, response.KindPaymentProvider, err.Error())
	case errors.Is(err, payment.ErrSignatureInvalid):
		response.Error(c, http.StatusBadRequest, response.KindSignatureInvalid, err.Error())
	case errors.Is(err, payment.ErrProviderUnavailable):
		response.Error(c, http.StatusServiceUnavailable, response.KindPaymentProvider, err.Error())
	case errors.Is(err, ledger.ErrCurrencyMismatch):
		response.Error(c, http.StatusInternalServerError, response.KindDataIntegrity, err.Error())
	case errors.Is(err, driver.ErrBadConn),
		errors.Is(err, sql.ErrConnDone),
		errors.Is(err, context.DeadlineExceeded):
		// Connection-class failures: the database is unreachable or the pool
		// is exhausted, not a fault in the request.
		response.Error(c, http.StatusServiceUnavailable, response.KindServiceUnavailable, "service unavailable")
	default:
		response.Error(c, http.StatusInternalServerError, response.KindInternal, "internal error")
	}
}

func writeBindError(c *gin.Context, err error) {
	response.Error(c, http.StatusUnprocessableEntity, response.KindValidation, err.Error())
}

// identityPayload is the identity block shared by most request bodies.
type identityPayload struct {
	OAuthProvider string  `json:"oauth_provider" binding:"required"`
	ExternalID    string  `json:"external_id" binding:"required"`
	WAID          *string `json:"wa_id"`
	TenantID      *string `json:"tenant_id"`
}

func (p identityPayload) identity() types.AccountIdentity {
	return types.AccountIdentity{
		OAuthProvider: p.OAuthProvider,
		ExternalID:    p.ExternalID,
		WAID:          p.WAID,
		TenantID:      p.TenantID,
	}
}

// identityFromQuery reads the identity from query parameters on GET routes.
func identityFromQuery(c *gin.Context) types.AccountIdentity {
	id := types.AccountIdentity{
		OAuthProvider: c.Query("oauth_provider"),
		ExternalID:    c.Query("external_id"),
	}
	if v := c.Query("wa_id"); v != "" {
		id.WAID = &v
	}
	if v := c.Query("tenant_id"); v != "" {
		id.TenantID = &v
	}
	return id
}
