// Package metrics holds the agent's Prometheus collectors.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "requests_created",
		Help: "Number of requests created",
	})

	RequestsFilled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "requests_filled",
		Help: "Number of requests filled",
	})

	RequestsFilledByAgent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "requests_filled_by_agent",
		Help: "Number of requests filled by this agent",
	})

	ChainRPCWorking = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chain_rpc_working",
			Help: "Chain RPC status (1=working, 0=down)",
		},
		[]string{"chain_id"},
	)

	TransactionsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_transactions_sent_total",
			Help: "Transactions submitted by the agent",
		},
		[]string{"chain_id", "kind", "outcome"},
	)

	RelayerJobs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_relayer_jobs_total",
			Help: "Relayer jobs completed",
		},
		[]string{"kind", "outcome"},
	)
)

// SetRPCWorking records the RPC health of a chain.
func SetRPCWorking(chainID uint64, working bool) {
	v := 0.0
	if working {
		v = 1
	}
	ChainRPCWorking.WithLabelValues(strconv.FormatUint(chainID, 10)).Set(v)
}
