package webhook

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/arjunvm/nifty_iceberg/internal/killswitch"
)

// killSwitchSource is the service the kill_switch_active gauge reads. It is
// installed by NewServer; the gauge is registered at init, before any server
// exists.
var killSwitchSource atomic.Pointer[killswitch.Service]

var (
	webhooksReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webhook_signals_received_total",
		Help: "Webhook signals received, by action.",
	}, []string{"action"})

	webhooksDuplicate = promauto.NewCounter(prometheus.CounterOpts{
		Name: "webhook_signals_duplicate_total",
		Help: "Webhook signals dropped as duplicates.",
	})

	webhooksRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webhook_signals_rejected_total",
		Help: "Webhook signals rejected before execution, by cause.",
	}, []string{"cause"})

	executionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "order_executions_total",
		Help: "Signal executions, by final status.",
	}, []string{"status"})

	killSwitchActive = promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "kill_switch_active",
		Help: "1 when the emergency kill switch is triggered, 0 otherwise.",
	}, func() float64 {
		if svc := killSwitchSource.Load(); svc != nil && svc.Active() {
			return 1
		}
		return 0
	})
)
