// Package metrics exposes the Prometheus instrumentation for the protocol
// engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	NoncesIssued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "certrelay_nonces_issued_total",
		Help: "Nonces minted and handed to clients.",
	})
	NoncesRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "certrelay_nonces_rejected_total",
		Help: "Requests rejected with badNonce.",
	})
	AccountsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "certrelay_accounts_created_total",
		Help: "New accounts registered.",
	})
	OrdersCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "certrelay_orders_created_total",
		Help: "Orders created.",
	})
	OrdersFinalized = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "certrelay_orders_finalized_total",
		Help: "Finalize outcomes by resulting order status.",
	}, []string{"result"})
	ChallengeAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "certrelay_challenge_attempts_total",
		Help: "Challenge validation rounds by challenge type and result.",
	}, []string{"type", "result"})
	ProblemsReturned = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "certrelay_problems_returned_total",
		Help: "Problem documents returned to clients by problem type.",
	}, []string{"type"})
)

// Handler returns the scrape endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
