// Package metrics exposes the two counters the deployment's dashboards
// graph: service uptime in seconds and total request invocations.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	UpTime          prometheus.Counter
	InvocationCount prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		UpTime: factory.NewCounter(prometheus.CounterOpts{
			Name: "up_time",
			Help: "Time that the service is UP. (Seconds)",
		}),
		InvocationCount: factory.NewCounter(prometheus.CounterOpts{
			Name: "invocation_count",
			Help: "Request Count.",
		}),
	}
}

// StartUptimeCounter increments the uptime counter once per second until the
// context is cancelled.
func (m *Metrics) StartUptimeCounter(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.UpTime.Inc()
		}
	}
}
