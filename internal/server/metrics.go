package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Request outcomes, used as the "outcome" label.
const (
	outcomeAccepted     = "accepted"
	outcomeInvalidJSON  = "invalid_json"
	outcomeInvalidBody  = "invalid_payload"
	outcomeEmpty        = "empty"
	outcomeRateLimited  = "rate_limited"
	outcomeUnknownProj  = "unknown_project"
	outcomeForbidden    = "forbidden_origin"
	outcomeStorageError = "storage_error"
	outcomeInternal     = "internal_error"
)

type metrics struct {
	requests *prometheus.CounterVec
	events   *prometheus.CounterVec
}

func newMetrics(registry prometheus.Registerer) *metrics {
	factory := promauto.With(registry)
	return &metrics{
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vitaltrace",
			Subsystem: "ingest",
			Name:      "requests_total",
			Help:      "Ingest requests by outcome.",
		}, []string{"outcome"}),
		events: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vitaltrace",
			Subsystem: "ingest",
			Name:      "events_total",
			Help:      "Events handed to storage, by kind (web_vital or custom).",
		}, []string{"kind"}),
	}
}
