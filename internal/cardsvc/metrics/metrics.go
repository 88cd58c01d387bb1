package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder is what the card service reports into.
type Recorder interface {
	RecordVerify(outcome string)
	RecordGenerated(count int)
	RecordGenerateFailures(count int)
	RecordSweep(updated, failed int)
	RecordBackgroundFailure(op string)
	RecordEvent(eventType string)
}

var _ Recorder = (*Metrics)(nil)

type Metrics struct {
	VerifyTotal             *prometheus.CounterVec
	CardsGeneratedTotal     prometheus.Counter
	GenerateFailuresTotal   prometheus.Counter
	SweepExpiredTotal       prometheus.Counter
	SweepFailuresTotal      prometheus.Counter
	BackgroundFailuresTotal *prometheus.CounterVec
	EventsTotal             *prometheus.CounterVec
}

var (
	defaultMetrics *Metrics
	once           sync.Once
)

// Init registers the collectors on the default registry once per process.
func Init() *Metrics {
	once.Do(func() {
		defaultMetrics = &Metrics{
			VerifyTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "cardkey_verify_total",
					Help: "Card verifications by outcome",
				},
				[]string{"outcome"},
			),
			CardsGeneratedTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "cardkey_cards_generated_total",
				Help: "Cards created by batch generation",
			}),
			GenerateFailuresTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "cardkey_generate_failures_total",
				Help: "Card inserts that failed during batch generation",
			}),
			SweepExpiredTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "cardkey_sweep_expired_total",
				Help: "Cards moved to expired by the sweeper",
			}),
			SweepFailuresTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "cardkey_sweep_failures_total",
				Help: "Per-card update failures during a sweep",
			}),
			BackgroundFailuresTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "cardkey_background_write_failures_total",
					Help: "Fire-and-forget store writes that failed",
				},
				[]string{"op"},
			),
			EventsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "cardkey_events_published_total",
					Help: "Card lifecycle events handed to the publisher",
				},
				[]string{"type"},
			),
		}
	})
	return defaultMetrics
}

func (m *Metrics) RecordVerify(outcome string) {
	m.VerifyTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordGenerated(count int) {
	m.CardsGeneratedTotal.Add(float64(count))
}

func (m *Metrics) RecordGenerateFailures(count int) {
	m.GenerateFailuresTotal.Add(float64(count))
}

func (m *Metrics) RecordSweep(updated, failed int) {
	m.SweepExpiredTotal.Add(float64(updated))
	m.SweepFailuresTotal.Add(float64(failed))
}

func (m *Metrics) RecordBackgroundFailure(op string) {
	m.BackgroundFailuresTotal.WithLabelValues(op).Inc()
}

func (m *Metrics) RecordEvent(eventType string) {
	m.EventsTotal.WithLabelValues(eventType).Inc()
}
