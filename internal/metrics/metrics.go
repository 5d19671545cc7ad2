package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	ChildSAEstablished = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "secgw",
		Subsystem: "ike",
		Name:      "child_sa_established_total",
		Help:      "Number of CHILD_SAs successfully installed",
	})

	ChildSAFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "secgw",
		Subsystem: "ike",
		Name:      "child_sa_failed_total",
		Help:      "Number of CHILD_SA negotiations that failed",
	})

	ChildSARetries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "secgw",
		Subsystem: "ike",
		Name:      "child_sa_retries_total",
		Help:      "Number of scheduled or inline CHILD_SA retries",
	})

	NotifyErrorsReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "secgw",
		Subsystem: "ike",
		Name:      "notify_errors_received_total",
		Help:      "Child scoped error notifies received from peers",
	}, []string{"type"})
)

func init() {
	prometheus.MustRegister(
		ChildSAEstablished,
		ChildSAFailed,
		ChildSARetries,
		NotifyErrorsReceived,
	)
}
