// Package metrics holds the process-wide Prometheus collectors shared by the
// Delegator and Executor binaries, exposed at GET /metrics.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// DelegationsTotal counts delegations that reached a terminal state, by
	// role and outcome. Only the Executor engine records it, with role
	// "executor" and outcome "completed", "error" (cancellations included)
	// or "refused".
	DelegationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "awcp_delegations_total",
		Help: "Delegations that reached a terminal outcome, by role and outcome.",
	}, []string{"role", "outcome"})

	// ActiveDelegations tracks delegations currently starting or running, by
	// role.
	ActiveDelegations = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "awcp_active_delegations",
		Help: "Delegations currently in a non-terminal state, by role.",
	}, []string{"role"})
)

func init() {
	prometheus.MustRegister(DelegationsTotal, ActiveDelegations)
}
