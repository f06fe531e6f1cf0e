package types

type AccountStatus string

const (
	AccountStatusActive    AccountStatus = "active"
	AccountStatusSuspended AccountStatus = "suspended"
	AccountStatusClosed    AccountStatus = "closed"
)

type TransactionType string

const (
	TransactionTypePurchase TransactionType = "purchase"
	TransactionTypeRefund   TransactionType = "refund"
	TransactionTypeGrant    TransactionType = "grant"
	TransactionTypeTransfer TransactionType = "transfer"
)

func (t TransactionType) Valid() bool {
	switch t {
	case TransactionTypePurchase, TransactionTypeRefund, TransactionTypeGrant, TransactionTypeTransfer:
		return true
	}
	return false
}

type PaymentProvider string

const (
	PaymentProviderStripe     PaymentProvider = "stripe"
	PaymentProviderGooglePlay PaymentProvider = "google_play"
)

type PaymentStatus string

const (
	PaymentStatusRequiresPaymentMethod PaymentStatus = "requires_payment_method"
	PaymentStatusProcessing            PaymentStatus = "processing"
	PaymentStatusSucceeded             PaymentStatus = "succeeded"
	PaymentStatusCanceled              PaymentStatus = "canceled"
	PaymentStatusFailed                PaymentStatus = "failed"
	PaymentStatusRefunded              PaymentStatus = "refunded"
)

// CreditPool names the pool an authorisation decision or charge drew from.
type CreditPool string

const (
	CreditPoolFree        CreditPool = "free"
	CreditPoolPaid        CreditPool = "paid"
	CreditPoolProductFree CreditPool = "product_free"
	CreditPoolProductPaid CreditPool = "product_paid"
	CreditPoolNone        CreditPool = "none"
)

// ChargeMetadata is caller context persisted alongside a charge.
type ChargeMetadata struct {
	MessageID string `json:"message_id,omitempty"`
	AgentID   string `json:"agent_id,omitempty"`
	ChannelID string `json:"channel_id,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}
