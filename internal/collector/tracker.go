package collector

import (
	"sync"

	"github.com/google/uuid"

	"github.com/vincentbai/vitaltrace/internal/models"
)

// Tracker stamps samples with the current session, route and path. Every
// route change starts a new session.
type Tracker struct {
	queue *Queue

	mu          sync.Mutex
	sessionID   string
	route       string
	path        string
	unsubscribe func()
}

// NewTracker starts a session at route and path. A nil navigator keeps the
// first session for the tracker's life.
func NewTracker(queue *Queue, navigator Navigator, route, path string) *Tracker {
	t := &Tracker{queue: queue}
	t.rotate(route, path)
	if navigator != nil {
		t.unsubscribe = navigator.OnRouteChange(t.rotate)
	}
	return t
}

func (t *Tracker) rotate(route, path string) {
	sessionID := uuid.NewString()

	t.mu.Lock()
	t.sessionID = sessionID
	t.route = route
	t.path = path
	t.mu.Unlock()

	t.queue.PrimeCwvSamplingDecision(sessionID)
}

func (t *Tracker) SessionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionID
}

// RecordVital enqueues a measurement rated against the standard thresholds.
// It reports whether the queue accepted it.
func (t *Tracker) RecordVital(metric models.Metric, value float64) bool {
	if !metric.Valid() {
		return false
	}
	t.mu.Lock()
	event := models.WebVitalEvent{
		SessionID:  t.sessionID,
		Route:      t.route,
		Path:       t.path,
		Metric:     metric,
		Value:      models.NewValue(value),
		Rating:     models.RatingFor(metric, value),
		RecordedAt: models.FormatTime(t.queue.clock.Now()),
	}
	t.mu.Unlock()
	return t.queue.EnqueueCwvEvent(event)
}

func (t *Tracker) RecordCustom(name string) bool {
	if name == "" {
		return false
	}
	t.mu.Lock()
	event := models.CustomEvent{
		Name:       name,
		SessionID:  t.sessionID,
		Route:      t.route,
		Path:       t.path,
		RecordedAt: models.FormatTime(t.queue.clock.Now()),
	}
	t.mu.Unlock()
	return t.queue.EnqueueCustomEvent(event)
}

// Close detaches the tracker from its navigator.
func (t *Tracker) Close() {
	t.mu.Lock()
	unsubscribe := t.unsubscribe
	t.unsubscribe = nil
	t.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
}
