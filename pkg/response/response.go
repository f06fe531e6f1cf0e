package response

import (
	"github.com/gin-gonic/gin"
)

// ErrorKind is the wire name of a billing error category. The HTTP layer is
// the only place these are paired with status codes.
type ErrorKind string

const (
	KindValidation          ErrorKind = "validation_error"
	KindAccountNotFound     ErrorKind = "account_not_found"
	KindAccountSuspended    ErrorKind = "account_suspended"
	KindAccountClosed       ErrorKind = "account_closed"
	KindInsufficientCredits ErrorKind = "insufficient_credits"
	KindIdempotencyReplay   ErrorKind = "idempotency_replay"
	KindWriteVerification   ErrorKind = "write_verification_failure"
	KindDataIntegrity       ErrorKind = "data_integrity_violation"
	KindPaymentProvider     ErrorKind = "payment_provider_error"
	KindSignatureInvalid    ErrorKind = "signature_invalid"
	KindServiceUnavailable  ErrorKind = "service_unavailable"
	KindNotFound            ErrorKind = "not_found"
	KindInternal            ErrorKind = "internal_error"
)

// ErrorBody is the JSON envelope returned on every non-2xx response.
type ErrorBody struct {
	Error   ErrorKind `json:"error"`
	Message string    `json:"message"`
}

// Error writes an error envelope with the given status code.
func Error(c *gin.Context, status int, kind ErrorKind, message string) {
	c.JSON(status, ErrorBody{Error: kind, Message: message})
}

// ErrorWithHeaders writes an error envelope after setting response headers.
// Used for idempotency replays that carry X-Existing-*-ID hints.
func ErrorWithHeaders(c *gin.Context, status int, kind ErrorKind, message string, headers map[string]string) {
	for k, v := range headers {
		c.Header(k, v)
	}
	c.JSON(status, ErrorBody{Error: kind, Message: message})
}
