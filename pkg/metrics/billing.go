package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Ledger and webhook counters, registered on the default registry so they
// ride the same /metrics listener as the HTTP metrics.
var (
	ChargesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "billing_charges_total",
		Help: "Committed charges partitioned by the pool they drew from.",
	}, []string{"pool"})

	CreditsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "billing_credits_total",
		Help: "Committed credits partitioned by transaction type.",
	}, []string{"transaction_type"})

	CreditCheckDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "billing_credit_check_decisions_total",
		Help: "Authorisation decisions partitioned by outcome.",
	}, []string{"result"})

	CreditChecksLogged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "billing_credit_checks_logged_total",
		Help: "Credit check audit rows successfully persisted.",
	})

	WriteVerificationFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "billing_write_verification_failures_total",
		Help: "Ledger transactions rolled back by post-write verification.",
	})

	WebhookEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "billing_webhook_events_total",
		Help: "Payment provider webhook events partitioned by provider and type.",
	}, []string{"provider", "event"})
)
