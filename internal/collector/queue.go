// Package collector batches Core Web Vitals samples and custom events on the
// client and delivers them to the ingest endpoint.
package collector

import (
	"context"
	"encoding/json"
	"math"
	"math/rand/v2"
	"net/http"
	"net/url"
	"sync"
	"time"

	"cdr.dev/slog"
	"github.com/cenkalti/backoff/v4"
	"github.com/coder/quartz"
	"golang.org/x/xerrors"

	"github.com/vincentbai/vitaltrace/internal/models"
)

// Reason names what triggered a flush.
type Reason string

const (
	ReasonDebounce Reason = "debounce"
	ReasonManual   Reason = "manual"
	ReasonUnload   Reason = "unload"

	reasonRetry Reason = "retry"
)

const (
	DefaultDebounceDelay  = 500 * time.Millisecond
	DefaultRetryBaseDelay = 100 * time.Millisecond
	DefaultMaxRetries     = 3
)

// Config is supplied by the host once the endpoint and project are known.
type Config struct {
	Endpoint  string
	ProjectID string
	// SampleRate is the fraction of sessions whose CWV samples are kept.
	// Zero means 1.0.
	SampleRate float64
	// AbortTimeout bounds each standard-path request. Zero disables it.
	AbortTimeout time.Duration
}

func (c Config) validate() error {
	if c.Endpoint == "" {
		return xerrors.New("endpoint is required")
	}
	u, err := url.Parse(c.Endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return xerrors.Errorf("endpoint %q is not an absolute URL", c.Endpoint)
	}
	if c.ProjectID == "" {
		return xerrors.New("project id is required")
	}
	if c.SampleRate < 0 || c.SampleRate > 1 || math.IsNaN(c.SampleRate) {
		return xerrors.Errorf("sample rate %v outside [0, 1]", c.SampleRate)
	}
	if c.AbortTimeout < 0 {
		return xerrors.New("abort timeout must not be negative")
	}
	return nil
}

type Options struct {
	Logger     slog.Logger
	Clock      quartz.Clock
	HTTPClient Doer
	// Beacon defaults to an HTTPBeacon over HTTPClient.
	Beacon    Beacon
	Lifecycle Lifecycle
	// Rand returns a value in [0, 1).
	Rand func() float64

	DebounceDelay  time.Duration
	RetryBaseDelay time.Duration
	MaxRetries     int
}

// Queue holds pending samples and runs at most one delivery chain at a time.
// A chain is the initial attempt for a snapshot plus its retries.
type Queue struct {
	logger    slog.Logger
	clock     quartz.Clock
	doer      Doer
	beacon    Beacon
	lifecycle Lifecycle
	rand      func() float64
	debounce  time.Duration
	backoff   backoff.BackOff

	mu           sync.Mutex
	cfg          Config
	configured   bool
	sampleRate   float64
	sampling     samplingCache
	cwv          []models.WebVitalEvent
	custom       []models.CustomEvent
	started      bool
	stopped      bool
	unsubscribe  func()
	debounceTime *quartz.Timer
	retryTimer   *quartz.Timer

	isFlushing       bool
	pendingFlush     bool
	trackingDisabled bool
	// chain numbers delivery chains so a stale retry can tell it lost its turn.
	chain uint64
	// inflight is the snapshot the current chain delivers.
	inflight models.IngestBatch
}

func New(options Options) *Queue {
	if options.Clock == nil {
		options.Clock = quartz.NewReal()
	}
	if options.HTTPClient == nil {
		options.HTTPClient = &http.Client{}
	}
	if options.Beacon == nil {
		options.Beacon = &HTTPBeacon{Client: options.HTTPClient, Logger: options.Logger}
	}
	if options.Rand == nil {
		options.Rand = rand.Float64
	}
	if options.DebounceDelay <= 0 {
		options.DebounceDelay = DefaultDebounceDelay
	}
	if options.RetryBaseDelay <= 0 {
		options.RetryBaseDelay = DefaultRetryBaseDelay
	}
	if options.MaxRetries <= 0 {
		options.MaxRetries = DefaultMaxRetries
	}

	exp := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(options.RetryBaseDelay),
		backoff.WithRandomizationFactor(0),
		backoff.WithMultiplier(2),
		backoff.WithMaxInterval(options.RetryBaseDelay<<options.MaxRetries),
		backoff.WithMaxElapsedTime(0),
	)

	return &Queue{
		logger:     options.Logger.Named("collector"),
		clock:      options.Clock,
		doer:       options.HTTPClient,
		beacon:     options.Beacon,
		lifecycle:  options.Lifecycle,
		rand:       options.Rand,
		debounce:   options.DebounceDelay,
		backoff:    backoff.WithMaxRetries(exp, uint64(options.MaxRetries)),
		sampleRate: 1,
	}
}

// Configure sets the delivery target. Content queued before the first
// configuration is scheduled for delivery.
func (q *Queue) Configure(cfg Config) error {
	if err := cfg.validate(); err != nil {
		return xerrors.Errorf("configure collector: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	first := !q.configured
	q.cfg = cfg
	q.configured = true
	q.sampleRate = 1
	if cfg.SampleRate > 0 {
		q.sampleRate = cfg.SampleRate
	}
	if first && !q.emptyLocked() {
		q.scheduleFlushLocked()
	}
	return nil
}

// Start subscribes to page lifecycle events. Calling it again is a no-op.
func (q *Queue) Start() {
	q.mu.Lock()
	q.stopped = false
	if q.started || q.lifecycle == nil {
		q.started = true
		q.mu.Unlock()
		return
	}
	q.started = true
	q.mu.Unlock()

	unsubscribe := q.lifecycle.Subscribe(q.handlePageEvent)

	q.mu.Lock()
	q.unsubscribe = unsubscribe
	q.mu.Unlock()
}

// Stop detaches lifecycle listeners and cancels scheduled timers. An
// in-flight request is left to finish, but a failure no longer schedules
// retries. It never flushes.
func (q *Queue) Stop() {
	q.mu.Lock()
	unsubscribe := q.unsubscribe
	q.unsubscribe = nil
	q.started = false
	q.stopped = true
	q.stopDebounceLocked()
	if q.retryTimer != nil {
		// The chain cannot continue, so its snapshot goes back to the front.
		q.requeueLocked(q.inflight)
		q.finishChainLocked()
	}
	q.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
}

// Close stops the queue and makes a final manual flush unless a chain is
// already in flight. Queued beacons are awaited.
func (q *Queue) Close(ctx context.Context) {
	q.Stop()

	q.mu.Lock()
	flushing := q.isFlushing
	q.mu.Unlock()
	if !flushing {
		q.Flush(ctx, ReasonManual)
	}

	if w, ok := q.beacon.(interface{ Wait() }); ok {
		w.Wait()
	}
}

// EnqueueCwvEvent queues a sample if its session is sampled in. It reports
// whether the sample was accepted.
func (q *Queue) EnqueueCwvEvent(event models.WebVitalEvent) bool {
	if event.Value == nil || math.IsNaN(*event.Value) || math.IsInf(*event.Value, 0) {
		return false
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.trackingDisabled {
		return false
	}
	if !q.sampling.decide(event.SessionID, q.sampleRate, q.rand) {
		return false
	}
	q.cwv = append(q.cwv, event)
	q.scheduleFlushLocked()
	return true
}

// EnqueueCustomEvent queues a custom event. Custom events are never sampled.
func (q *Queue) EnqueueCustomEvent(event models.CustomEvent) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.trackingDisabled {
		return false
	}
	q.custom = append(q.custom, event)
	q.scheduleFlushLocked()
	return true
}

// PrimeCwvSamplingDecision establishes the sampling decision for sessionID
// before any sample arrives.
func (q *Queue) PrimeCwvSamplingDecision(sessionID string) {
	if sessionID == "" {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.sampling.decide(sessionID, q.sampleRate, q.rand)
}

// TrackingDisabled reports whether the circuit breaker has tripped.
func (q *Queue) TrackingDisabled() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.trackingDisabled
}

// Pending returns the number of queued, not yet snapshotted, events.
func (q *Queue) Pending() (cwv, custom int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.cwv), len(q.custom)
}

// Flush delivers queued content. It does nothing when the queue is empty,
// unconfigured, or disabled. A flush requested while a chain is in flight is
// deferred until that chain succeeds, except for unload, which sends the
// live content by beacon without waiting.
func (q *Queue) Flush(ctx context.Context, reason Reason) {
	q.mu.Lock()
	if q.trackingDisabled || !q.configured || q.emptyLocked() {
		q.mu.Unlock()
		return
	}

	if q.isFlushing {
		if reason != ReasonUnload {
			q.pendingFlush = true
			q.mu.Unlock()
			return
		}
		batch := q.snapshotLocked()
		cfg := q.cfg
		q.mu.Unlock()

		body, err := json.Marshal(batch)
		if err == nil && q.beacon.SendBeacon(ingestURL(cfg.Endpoint), body) {
			return
		}
		q.mu.Lock()
		q.requeueLocked(batch)
		q.pendingFlush = true
		q.mu.Unlock()
		return
	}

	q.stopDebounceLocked()
	batch := q.snapshotLocked()
	q.inflight = batch
	q.isFlushing = true
	q.pendingFlush = false
	q.chain++
	q.backoff.Reset()
	cfg := q.cfg
	q.mu.Unlock()

	q.attempt(ctx, cfg, batch, reason)
}

func (q *Queue) attempt(ctx context.Context, cfg Config, batch models.IngestBatch, reason Reason) {
	body, err := json.Marshal(batch)
	if err != nil {
		// Not retryable; drop the snapshot and free the chain.
		q.logger.Error(ctx, "encode batch", slog.Error(err))
		q.mu.Lock()
		q.finishChainLocked()
		q.mu.Unlock()
		return
	}

	target := ingestURL(cfg.Endpoint)
	if reason == ReasonUnload && q.beacon.SendBeacon(target, body) {
		q.logger.Debug(ctx, "batch sent by beacon", slog.F("bytes", len(body)))
		q.succeeded()
		return
	}

	err = postBatch(ctx, q.doer, target, body, cfg.AbortTimeout)
	if err == nil {
		q.logger.Debug(ctx, "batch delivered",
			slog.F("reason", reason),
			slog.F("events", len(batch.Events)),
			slog.F("custom_events", len(batch.CustomEvents)),
		)
		q.succeeded()
		return
	}
	q.failed(ctx, batch, reason, err)
}

func (q *Queue) succeeded() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.finishChainLocked()
	if !q.trackingDisabled && !q.emptyLocked() {
		q.scheduleFlushLocked()
	}
}

func (q *Queue) failed(ctx context.Context, batch models.IngestBatch, reason Reason, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.trackingDisabled || !q.isFlushing {
		return
	}
	if reason == ReasonUnload {
		q.tripLocked(ctx, err)
		return
	}
	if q.stopped {
		q.logger.Debug(ctx, "batch delivery failed after stop, requeued", slog.Error(err))
		q.requeueLocked(batch)
		q.finishChainLocked()
		return
	}
	next := q.backoff.NextBackOff()
	if next == backoff.Stop {
		q.tripLocked(ctx, err)
		return
	}

	q.logger.Warn(ctx, "batch delivery failed, retrying",
		slog.F("reason", reason),
		slog.F("retry_in", next),
		slog.Error(err),
	)
	chain := q.chain
	q.retryTimer = q.clock.AfterFunc(next, func() {
		q.retry(chain, batch)
	}, "collector", "retry")
}

func (q *Queue) retry(chain uint64, batch models.IngestBatch) {
	q.mu.Lock()
	if q.trackingDisabled || !q.isFlushing || q.chain != chain {
		q.mu.Unlock()
		return
	}
	q.retryTimer = nil
	cfg := q.cfg
	q.mu.Unlock()

	q.attempt(context.Background(), cfg, batch, reasonRetry)
}

// tripLocked opens the circuit breaker for the rest of the queue's life.
func (q *Queue) tripLocked(ctx context.Context, err error) {
	q.logger.Warn(ctx, "batch delivery failed, tracking disabled", slog.Error(err))
	q.trackingDisabled = true
	q.cwv = nil
	q.custom = nil
	q.stopDebounceLocked()
	q.finishChainLocked()
}

func (q *Queue) finishChainLocked() {
	if q.retryTimer != nil {
		q.retryTimer.Stop()
		q.retryTimer = nil
	}
	q.inflight = models.IngestBatch{}
	q.isFlushing = false
	q.pendingFlush = false
}

func (q *Queue) scheduleFlushLocked() {
	if q.trackingDisabled || q.stopped {
		return
	}
	if q.isFlushing {
		q.pendingFlush = true
		return
	}
	if !q.configured {
		return
	}
	q.stopDebounceLocked()
	q.debounceTime = q.clock.AfterFunc(q.debounce, func() {
		q.Flush(context.Background(), ReasonDebounce)
	}, "collector", "debounce")
}

func (q *Queue) stopDebounceLocked() {
	if q.debounceTime != nil {
		q.debounceTime.Stop()
		q.debounceTime = nil
	}
}

func (q *Queue) emptyLocked() bool {
	return len(q.cwv) == 0 && len(q.custom) == 0
}

// snapshotLocked moves the live collections into a batch.
func (q *Queue) snapshotLocked() models.IngestBatch {
	batch := models.IngestBatch{
		ProjectID:    q.cfg.ProjectID,
		Events:       q.cwv,
		CustomEvents: q.custom,
	}
	q.cwv = nil
	q.custom = nil
	return batch
}

// requeueLocked puts batch back ahead of anything queued since.
func (q *Queue) requeueLocked(batch models.IngestBatch) {
	if len(batch.Events) > 0 {
		q.cwv = append(append([]models.WebVitalEvent{}, batch.Events...), q.cwv...)
	}
	if len(batch.CustomEvents) > 0 {
		q.custom = append(append([]models.CustomEvent{}, batch.CustomEvents...), q.custom...)
	}
}

func (q *Queue) handlePageEvent(event PageEvent) {
	if !event.unloading() {
		return
	}
	q.Flush(context.Background(), ReasonUnload)
}
