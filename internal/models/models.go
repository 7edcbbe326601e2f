package models

import "time"

type Metric string

const (
	MetricLCP  Metric = "LCP"
	MetricINP  Metric = "INP"
	MetricCLS  Metric = "CLS"
	MetricFCP  Metric = "FCP"
	MetricTTFB Metric = "TTFB"
)

// Metrics lists every metric the pipeline accepts.
var Metrics = []Metric{MetricLCP, MetricINP, MetricCLS, MetricFCP, MetricTTFB}

type Rating string

const (
	RatingGood             Rating = "good"
	RatingNeedsImprovement Rating = "needs-improvement"
	RatingPoor             Rating = "poor"
)

// WebVitalEvent is a single Core Web Vitals sample as it travels on the wire.
type WebVitalEvent struct {
	SessionID  string   `json:"sessionId" validate:"required"`
	Route      string   `json:"route" validate:"required"`
	Path       string   `json:"path" validate:"required"`
	Metric     Metric   `json:"metric" validate:"required,oneof=LCP INP CLS FCP TTFB"`
	Value      *float64 `json:"value" validate:"required,gte=0"`
	Rating     Rating   `json:"rating" validate:"required,oneof=good needs-improvement poor"`
	RecordedAt string   `json:"recordedAt" validate:"required,datetime=2006-01-02T15:04:05Z07:00"`
}

// NewValue returns v as a WebVitalEvent.Value. A nil Value means the sample
// carried no measurement.
func NewValue(v float64) *float64 {
	return &v
}

// CustomEvent is an explicit user or business action. It carries no metric.
type CustomEvent struct {
	Name       string `json:"name" validate:"required,max=128"`
	SessionID  string `json:"sessionId" validate:"required"`
	Route      string `json:"route" validate:"required"`
	Path       string `json:"path" validate:"required"`
	RecordedAt string `json:"recordedAt" validate:"required,datetime=2006-01-02T15:04:05Z07:00"`
}

// IngestBatch is the POST /api/ingest payload. Empty collections are omitted.
type IngestBatch struct {
	ProjectID    string          `json:"projectId" validate:"required,uuid"`
	Events       []WebVitalEvent `json:"events,omitempty" validate:"omitempty,max=500,dive"`
	CustomEvents []CustomEvent   `json:"customEvents,omitempty" validate:"omitempty,max=500,dive"`
}

// Empty reports whether the batch carries no events of either kind.
func (b IngestBatch) Empty() bool {
	return len(b.Events) == 0 && len(b.CustomEvents) == 0
}

type Project struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	AllowedOrigins []string `json:"allowedOrigins"`
}

// WebVitalRow is a validated event bound to the project and server receive time.
type WebVitalRow struct {
	ProjectID  string
	ReceivedAt time.Time
	WebVitalEvent
}

type CustomEventRow struct {
	ProjectID  string
	ReceivedAt time.Time
	CustomEvent
}

// FormatTime renders t the way browsers serialize Date.toISOString.
func FormatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z07:00")
}
