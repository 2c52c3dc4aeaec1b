package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AuthorizationCodesIssued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "idbroker_authorization_codes_issued_total",
			Help: "Total number of authorization codes issued",
		},
	)

	// TokensIssued counts access tokens minted, by grant type
	TokensIssued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "idbroker_tokens_issued_total",
			Help: "Total number of access tokens issued",
		},
		[]string{"grant_type"},
	)

	// WebhookDeliveries counts delivery attempts by outcome (delivered, failed, exhausted)
	WebhookDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "idbroker_webhook_deliveries_total",
			Help: "Total number of webhook delivery attempts",
		},
		[]string{"result"},
	)

	Logins = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "idbroker_logins_total",
			Help: "Total number of end-user logins by provider and result",
		},
		[]string{"provider", "result"},
	)
)
