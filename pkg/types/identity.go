package types

import (
	"errors"
	"fmt"
	"strings"
)

const oauthProviderPrefix = "oauth:"

// maxIdempotencyKeyLen bounds caller-supplied idempotency keys.
const maxIdempotencyKeyLen = 255

var (
	ErrInvalidOAuthProvider  = errors.New(`oauth_provider must start with "oauth:"`)
	ErrEmptyExternalID       = errors.New("external_id cannot be empty")
	ErrIdempotencyKeyTooLong = fmt.Errorf("idempotency_key exceeds %d characters", maxIdempotencyKeyLen)
)

// AccountIdentity is the composite key identifying a ledger principal.
// Accounts are matched on (oauth_provider, external_id); wa_id and
// tenant_id are persisted but ignored for lookup.
type AccountIdentity struct {
	OAuthProvider string  `json:"oauth_provider"`
	ExternalID    string  `json:"external_id"`
	WAID          *string `json:"wa_id,omitempty"`
	TenantID      *string `json:"tenant_id,omitempty"`
}

func (id AccountIdentity) Validate() error {
	if !strings.HasPrefix(id.OAuthProvider, oauthProviderPrefix) {
		return ErrInvalidOAuthProvider
	}
	if id.ExternalID == "" {
		return ErrEmptyExternalID
	}
	return nil
}

func (id AccountIdentity) String() string {
	return id.OAuthProvider + "/" + id.ExternalID
}

// ValidateIdempotencyKey checks an optional caller-supplied key. An empty
// key is allowed; the operation is simply not replay-safe.
func ValidateIdempotencyKey(key string) error {
	if len(key) > maxIdempotencyKeyLen {
		return ErrIdempotencyKeyTooLong
	}
	return nil
}
