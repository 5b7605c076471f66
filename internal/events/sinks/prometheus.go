package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/scrapecache/internal/events"
)

// PrometheusSink counts events by kind and records fetch latency by outcome.
type PrometheusSink struct {
	eventsTotal   *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec
	jobsInFlight  prometheus.Gauge
}

// NewPrometheusSink registers the sink's collectors against reg.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scrapecache_events_total",
			Help: "Lifecycle events observed by the hub, partitioned by kind.",
		}, []string{"kind"}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scrapecache_event_fetch_duration_seconds",
			Help:    "Fetch duration reported by fetch_done and fetch_failed events.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"outcome"}),
		jobsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scrapecache_jobs_in_flight",
			Help: "Jobs queued or processing according to the event stream.",
		}),
	}
	for _, c := range []prometheus.Collector{s.eventsTotal, s.fetchDuration, s.jobsInFlight} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register event collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors for every event in the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		s.eventsTotal.WithLabelValues(string(evt.Kind)).Inc()
		switch evt.Kind {
		case events.KindFetchDone:
			s.observeFetch("success", evt.DurationMs)
		case events.KindFetchFailed:
			s.observeFetch("failure", evt.DurationMs)
		case events.KindJobQueued:
			s.jobsInFlight.Inc()
		case events.KindJobCompleted, events.KindJobFailed:
			s.jobsInFlight.Dec()
		}
	}
	return nil
}

func (s *PrometheusSink) observeFetch(outcome string, ms int64) {
	if ms > 0 {
		s.fetchDuration.WithLabelValues(outcome).Observe(float64(ms) / 1000)
	}
}

// Close is a no-op.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
