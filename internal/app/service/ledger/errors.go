package ledger

import (
	"errors"
	"fmt"
)

var (
	ErrAccountNotFound     = errors.New("account not found")
	ErrAccountSuspended    = errors.New("account is suspended")
	ErrAccountClosed       = errors.New("account is closed")
	ErrInsufficientCredits = errors.New("insufficient credits")
)

// WriteVerificationError means the post-write re-read inside the transaction
// did not match the expected pool values. The transaction is rolled back.
type WriteVerificationError struct {
	AccountID string
	Field     string
	Expected  int64
	Actual    int64
}

func (e *WriteVerificationError) Error() string {
	return fmt.Sprintf("write verification failed for account %s: %s expected %d, got %d",
		e.AccountID, e.Field, e.Expected, e.Actual)
}

// IdempotencyReplayError is returned when a charge or credit with the same
// (account, idempotency_key) already exists. The existing row is attached so
// the caller can point at it.
type IdempotencyReplayError struct {
	ExistingChargeID string
	ExistingCreditID string
}

func (e *IdempotencyReplayError) Error() string {
	if e.ExistingChargeID != "" {
		return fmt.Sprintf("idempotency key already used by charge %s", e.ExistingChargeID)
	}
	return fmt.Sprintf("idempotency key already used by credit %s", e.ExistingCreditID)
}

// AsReplay unwraps err into an IdempotencyReplayError, if it is one.
func AsReplay(err error) (*IdempotencyReplayError, bool) {
	var replay *IdempotencyReplayError
	if errors.As(err, &replay) {
		return replay, true
	}
	return nil, false
}
