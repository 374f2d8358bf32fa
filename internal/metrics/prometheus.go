package metrics

import (
	"fmt"
	"math/big"

	"github.com/cryptofl/roundledger/internal/model"
	"github.com/prometheus/client_golang/prometheus"
)

const metricNamespace = "roundledger"

// Prometheus mirrors appended round records as counters
type Prometheus struct {
	rounds               prometheus.Counter
	roundFailures        prometheus.Counter
	participantFailures  prometheus.Counter
	gasCost              prometheus.Counter
	notificationFailures *prometheus.CounterVec
	currentRound         prometheus.Gauge
}

// NewPrometheus creates the counters and registers them on reg
func NewPrometheus(reg prometheus.Registerer) (*Prometheus, error) {
	p := &Prometheus{
		rounds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricNamespace,
			Name:      "rounds_total",
			Help:      "Round records appended, including the initial publication",
		}),
		roundFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricNamespace,
			Name:      "round_failures_total",
			Help:      "Round records carrying at least one error",
		}),
		participantFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricNamespace,
			Name:      "participant_failures_total",
			Help:      "Participants excluded from aggregation",
		}),
		gasCost: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricNamespace,
			Name:      "gas_cost_wei_total",
			Help:      "Gas paid for round notifications, in wei",
		}),
		notificationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricNamespace,
			Name:      "notification_errors_total",
			Help:      "Failed ledger notifications per target",
		}, []string{"target"}),
		currentRound: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricNamespace,
			Name:      "current_round",
			Help:      "Last recorded round number",
		}),
	}

	for _, c := range []prometheus.Collector{
		p.rounds, p.roundFailures, p.participantFailures, p.gasCost, p.notificationFailures, p.currentRound,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register metric: %w", err)
		}
	}
	return p, nil
}

func (p *Prometheus) Observe(record model.RoundRecord) {
	p.rounds.Inc()
	if record.Failed() {
		p.roundFailures.Inc()
	}
	p.participantFailures.Add(float64(record.Failures))
	if record.GasCostWei != nil && record.GasCostWei.Sign() > 0 {
		wei, _ := new(big.Float).SetInt(record.GasCostWei).Float64()
		p.gasCost.Add(wei)
	}
	p.currentRound.Set(float64(record.Round))
}

func (p *Prometheus) NotificationFailed(target string) {
	p.notificationFailures.WithLabelValues(target).Inc()
}
