package collector_test

import (
	"context"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"cdr.dev/slog/sloggers/slogtest"
	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vincentbai/vitaltrace/internal/collector"
	"github.com/vincentbai/vitaltrace/internal/models"
	"github.com/vincentbai/vitaltrace/internal/testutil"
)

const (
	testEndpoint  = "https://ingest.example.com"
	testProjectID = "4f0c7a8e-6d4b-4a57-9a55-8f1d2c3b4a5e"
)

type sentRequest struct {
	at    time.Time
	url   string
	batch models.IngestBatch
}

// fakeDoer records requests and answers with status. A non-nil block hook
// runs before answering.
type fakeDoer struct {
	clock quartz.Clock

	mu       sync.Mutex
	status   int
	block    func()
	requests []sentRequest
}

func (f *fakeDoer) Do(req *http.Request) (*http.Response, error) {
	body, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, err
	}
	var batch models.IngestBatch
	if err := json.Unmarshal(body, &batch); err != nil {
		return nil, err
	}

	f.mu.Lock()
	f.requests = append(f.requests, sentRequest{at: f.clock.Now(), url: req.URL.String(), batch: batch})
	status, block := f.status, f.block
	f.mu.Unlock()

	if block != nil {
		block()
	}
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader("")),
		Request:    req,
	}, nil
}

func (f *fakeDoer) setStatus(status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = status
}

func (f *fakeDoer) sent() []sentRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentRequest(nil), f.requests...)
}

type fakeBeacon struct {
	mu     sync.Mutex
	accept bool
	calls  []models.IngestBatch
}

func (f *fakeBeacon) SendBeacon(_ string, body []byte) bool {
	var batch models.IngestBatch
	_ = json.Unmarshal(body, &batch)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, batch)
	return f.accept
}

func (f *fakeBeacon) sent() []models.IngestBatch {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.IngestBatch(nil), f.calls...)
}

type harness struct {
	queue   *collector.Queue
	clock   *quartz.Mock
	doer    *fakeDoer
	beacon  *fakeBeacon
	emitter *collector.Emitter
}

type harnessOption func(*collector.Options)

func withRand(fn func() float64) harnessOption {
	return func(o *collector.Options) { o.Rand = fn }
}

func setupQueue(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	clock := quartz.NewMock(t)
	h := &harness{
		clock:   clock,
		doer:    &fakeDoer{clock: clock, status: http.StatusNoContent},
		beacon:  &fakeBeacon{accept: true},
		emitter: collector.NewEmitter(),
	}
	options := collector.Options{
		Logger:     slogtest.Make(t, &slogtest.Options{IgnoreErrors: true}),
		Clock:      clock,
		HTTPClient: h.doer,
		Beacon:     h.beacon,
		Lifecycle:  h.emitter,
	}
	for _, opt := range opts {
		opt(&options)
	}
	h.queue = collector.New(options)
	h.queue.Start()
	t.Cleanup(h.queue.Stop)
	return h
}

func (h *harness) configure(t *testing.T) {
	t.Helper()
	require.NoError(t, h.queue.Configure(collector.Config{Endpoint: testEndpoint, ProjectID: testProjectID}))
}

func (h *harness) advance(t *testing.T, d time.Duration) {
	t.Helper()
	ctx := testutil.Context(t, testutil.WaitShort)
	h.clock.Advance(d).MustWait(ctx)
}

func vital(session string, metric models.Metric) models.WebVitalEvent {
	return models.WebVitalEvent{
		SessionID:  session,
		Route:      "/products/[id]",
		Path:       "/products/42",
		Metric:     metric,
		Value:      models.NewValue(1200),
		Rating:     models.RatingGood,
		RecordedAt: "2024-05-01T12:00:00.000Z",
	}
}

func custom(session, name string) models.CustomEvent {
	return models.CustomEvent{
		Name:       name,
		SessionID:  session,
		Route:      "/checkout",
		Path:       "/checkout",
		RecordedAt: "2024-05-01T12:00:00.000Z",
	}
}

// draws returns a Rand that yields values in order and counts calls.
func draws(values ...float64) (func() float64, *int) {
	var n int
	return func() float64 {
		v := values[n%len(values)]
		n++
		return v
	}, &n
}

func TestSamplingIsCoherentPerSession(t *testing.T) {
	t.Parallel()
	rnd, calls := draws(0.9, 0.1, 0.3)
	h := setupQueue(t, withRand(rnd))
	require.NoError(t, h.queue.Configure(collector.Config{
		Endpoint:   testEndpoint,
		ProjectID:  testProjectID,
		SampleRate: 0.5,
	}))

	for i := 0; i < 5; i++ {
		assert.False(t, h.queue.EnqueueCwvEvent(vital("out", models.MetricLCP)))
	}
	assert.Equal(t, 1, *calls)

	for i := 0; i < 5; i++ {
		assert.True(t, h.queue.EnqueueCwvEvent(vital("in", models.MetricINP)))
	}
	assert.Equal(t, 2, *calls)

	// Custom events bypass sampling.
	assert.True(t, h.queue.EnqueueCustomEvent(custom("out", "add_to_cart")))

	cwv, customs := h.queue.Pending()
	assert.Equal(t, 5, cwv)
	assert.Equal(t, 1, customs)
}

func TestSamplingPrimedDecisionIsReused(t *testing.T) {
	t.Parallel()
	rnd, calls := draws(0.2)
	h := setupQueue(t, withRand(rnd))

	h.queue.PrimeCwvSamplingDecision("s1")
	h.queue.PrimeCwvSamplingDecision("s1")
	require.Equal(t, 1, *calls)

	require.True(t, h.queue.EnqueueCwvEvent(vital("s1", models.MetricCLS)))
	require.Equal(t, 1, *calls)
}

func TestSamplingCacheHoldsOneSession(t *testing.T) {
	t.Parallel()
	rnd, calls := draws(0.1)
	h := setupQueue(t, withRand(rnd))

	h.queue.EnqueueCwvEvent(vital("a", models.MetricLCP))
	h.queue.EnqueueCwvEvent(vital("b", models.MetricLCP))
	h.queue.EnqueueCwvEvent(vital("a", models.MetricLCP))
	require.Equal(t, 3, *calls, "a new session evicts the previous decision")
}

func TestSamplingWithoutSessionDrawsEachTime(t *testing.T) {
	t.Parallel()
	rnd, calls := draws(0.1)
	h := setupQueue(t, withRand(rnd))

	h.queue.EnqueueCwvEvent(vital("", models.MetricTTFB))
	h.queue.EnqueueCwvEvent(vital("", models.MetricTTFB))
	require.Equal(t, 2, *calls)
}

func TestReconfigureWithoutSampleRateSamplesEverything(t *testing.T) {
	t.Parallel()
	rnd, _ := draws(0.7)
	h := setupQueue(t, withRand(rnd))
	require.NoError(t, h.queue.Configure(collector.Config{
		Endpoint:   testEndpoint,
		ProjectID:  testProjectID,
		SampleRate: 0.5,
	}))
	require.False(t, h.queue.EnqueueCwvEvent(vital("s1", models.MetricLCP)))

	h.configure(t)
	require.True(t, h.queue.EnqueueCwvEvent(vital("s2", models.MetricLCP)))
}

func TestEnqueueRejectsNonFiniteValues(t *testing.T) {
	t.Parallel()
	h := setupQueue(t)
	ev := vital("s1", models.MetricCLS)
	ev.Value = models.NewValue(math.NaN())
	require.False(t, h.queue.EnqueueCwvEvent(ev))
}

func TestDebounceCoalescesEnqueues(t *testing.T) {
	t.Parallel()
	h := setupQueue(t)
	h.configure(t)

	h.queue.EnqueueCwvEvent(vital("s1", models.MetricLCP))
	h.advance(t, 200*time.Millisecond)
	h.queue.EnqueueCwvEvent(vital("s1", models.MetricFCP))
	h.advance(t, 200*time.Millisecond)
	h.queue.EnqueueCustomEvent(custom("s1", "signup"))
	require.Empty(t, h.doer.sent())

	h.advance(t, collector.DefaultDebounceDelay)
	sent := h.doer.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, testEndpoint+"/api/ingest", sent[0].url)
	assert.Equal(t, testProjectID, sent[0].batch.ProjectID)
	assert.Len(t, sent[0].batch.Events, 2)
	assert.Len(t, sent[0].batch.CustomEvents, 1)

	cwv, customs := h.queue.Pending()
	assert.Zero(t, cwv)
	assert.Zero(t, customs)
}

func TestBackoffSchedule(t *testing.T) {
	t.Parallel()
	h := setupQueue(t)
	h.configure(t)
	h.doer.setStatus(http.StatusServiceUnavailable)

	h.queue.EnqueueCwvEvent(vital("s1", models.MetricLCP))
	h.advance(t, collector.DefaultDebounceDelay)
	h.advance(t, 100*time.Millisecond)
	h.advance(t, 200*time.Millisecond)
	h.advance(t, 400*time.Millisecond)
	// Nothing else is scheduled.
	h.advance(t, time.Minute)

	sent := h.doer.sent()
	require.Len(t, sent, 4)
	offsets := make([]time.Duration, 0, len(sent))
	for _, req := range sent {
		offsets = append(offsets, req.at.Sub(sent[0].at))
		assert.Equal(t, sent[0].batch, req.batch, "retries resend the same snapshot")
	}
	assert.Equal(t, []time.Duration{0, 100 * time.Millisecond, 300 * time.Millisecond, 700 * time.Millisecond}, offsets)
	assert.True(t, h.queue.TrackingDisabled())
}

func TestCircuitBreakerStopsTracking(t *testing.T) {
	t.Parallel()
	h := setupQueue(t)
	h.configure(t)
	h.doer.setStatus(http.StatusBadRequest)

	h.queue.EnqueueCwvEvent(vital("s1", models.MetricLCP))
	h.advance(t, collector.DefaultDebounceDelay)
	h.queue.EnqueueCustomEvent(custom("s1", "queued-during-retry"))
	h.advance(t, 100*time.Millisecond)
	h.advance(t, 200*time.Millisecond)
	h.advance(t, 400*time.Millisecond)
	require.True(t, h.queue.TrackingDisabled())

	cwv, customs := h.queue.Pending()
	assert.Zero(t, cwv)
	assert.Zero(t, customs, "live collections are dropped")

	assert.False(t, h.queue.EnqueueCwvEvent(vital("s1", models.MetricINP)))
	assert.False(t, h.queue.EnqueueCustomEvent(custom("s1", "after")))
	h.queue.Flush(context.Background(), collector.ReasonManual)
	h.emitter.EmitPage(collector.PageHide)
	h.advance(t, time.Minute)

	assert.Len(t, h.doer.sent(), 4)
	assert.Empty(t, h.beacon.sent())
}

func TestRetryDoesNotMergeNewerEvents(t *testing.T) {
	t.Parallel()
	h := setupQueue(t)
	h.configure(t)
	h.doer.setStatus(http.StatusInternalServerError)

	h.queue.EnqueueCwvEvent(vital("s1", models.MetricLCP))
	h.advance(t, collector.DefaultDebounceDelay)
	require.Len(t, h.doer.sent(), 1)

	h.queue.EnqueueCustomEvent(custom("s1", "later"))
	h.doer.setStatus(http.StatusNoContent)
	h.advance(t, 100*time.Millisecond)

	sent := h.doer.sent()
	require.Len(t, sent, 2)
	assert.Len(t, sent[1].batch.Events, 1)
	assert.Empty(t, sent[1].batch.CustomEvents)

	// The newer event goes out in its own debounced flush.
	h.advance(t, collector.DefaultDebounceDelay)
	sent = h.doer.sent()
	require.Len(t, sent, 3)
	assert.Empty(t, sent[2].batch.Events)
	require.Len(t, sent[2].batch.CustomEvents, 1)
	assert.Equal(t, "later", sent[2].batch.CustomEvents[0].Name)
	assert.False(t, h.queue.TrackingDisabled())
}

func TestUnloadUsesBeacon(t *testing.T) {
	t.Parallel()
	h := setupQueue(t)
	h.configure(t)

	h.queue.EnqueueCwvEvent(vital("s1", models.MetricCLS))
	h.emitter.EmitPage(collector.PageHide)
	h.advance(t, time.Minute)

	require.Len(t, h.beacon.sent(), 1)
	assert.Len(t, h.beacon.sent()[0].Events, 1)
	assert.Empty(t, h.doer.sent())
}

func TestUnloadEvents(t *testing.T) {
	t.Parallel()
	for _, tt := range []struct {
		event   collector.PageEvent
		beacons int
	}{
		{collector.PageHide, 1},
		{collector.BeforeUnload, 1},
		{collector.VisibilityHidden, 1},
		{collector.VisibilityVisible, 0},
	} {
		t.Run(tt.event.String(), func(t *testing.T) {
			t.Parallel()
			h := setupQueue(t)
			h.configure(t)
			h.queue.EnqueueCustomEvent(custom("s1", "x"))
			h.emitter.EmitPage(tt.event)
			assert.Len(t, h.beacon.sent(), tt.beacons)
		})
	}
}

func TestUnloadFallsBackToRequest(t *testing.T) {
	t.Parallel()
	h := setupQueue(t)
	h.configure(t)
	h.beacon.accept = false

	h.queue.EnqueueCwvEvent(vital("s1", models.MetricLCP))
	h.emitter.EmitPage(collector.BeforeUnload)

	assert.Len(t, h.beacon.sent(), 1)
	assert.Len(t, h.doer.sent(), 1)
	assert.False(t, h.queue.TrackingDisabled())
}

func TestUnloadFailureTripsImmediately(t *testing.T) {
	t.Parallel()
	h := setupQueue(t)
	h.configure(t)
	h.beacon.accept = false
	h.doer.setStatus(http.StatusBadGateway)

	h.queue.EnqueueCwvEvent(vital("s1", models.MetricLCP))
	h.emitter.EmitPage(collector.PageHide)
	h.advance(t, time.Minute)

	assert.Len(t, h.doer.sent(), 1, "no retries after unload")
	assert.True(t, h.queue.TrackingDisabled())
}

func TestEmptyFlushDoesNothing(t *testing.T) {
	t.Parallel()
	h := setupQueue(t)
	h.configure(t)

	h.queue.Flush(context.Background(), collector.ReasonManual)
	h.queue.Flush(context.Background(), collector.ReasonDebounce)
	h.emitter.EmitPage(collector.PageHide)
	h.advance(t, time.Minute)

	assert.Empty(t, h.doer.sent())
	assert.Empty(t, h.beacon.sent())
}

func TestUnconfiguredQueueRetainsContent(t *testing.T) {
	t.Parallel()
	h := setupQueue(t)

	h.queue.EnqueueCwvEvent(vital("s1", models.MetricLCP))
	h.queue.Flush(context.Background(), collector.ReasonManual)
	h.emitter.EmitPage(collector.PageHide)
	h.advance(t, time.Minute)
	require.Empty(t, h.doer.sent())
	require.Empty(t, h.beacon.sent())

	cwv, _ := h.queue.Pending()
	require.Equal(t, 1, cwv)

	h.configure(t)
	h.advance(t, collector.DefaultDebounceDelay)
	require.Len(t, h.doer.sent(), 1)
}

func TestConfigureRejectsInvalidConfig(t *testing.T) {
	t.Parallel()
	for _, tt := range []struct {
		name string
		cfg  collector.Config
	}{
		{"missing endpoint", collector.Config{ProjectID: testProjectID}},
		{"relative endpoint", collector.Config{Endpoint: "/ingest", ProjectID: testProjectID}},
		{"missing project", collector.Config{Endpoint: testEndpoint}},
		{"rate above one", collector.Config{Endpoint: testEndpoint, ProjectID: testProjectID, SampleRate: 1.5}},
		{"negative rate", collector.Config{Endpoint: testEndpoint, ProjectID: testProjectID, SampleRate: -0.1}},
		{"negative timeout", collector.Config{Endpoint: testEndpoint, ProjectID: testProjectID, AbortTimeout: -time.Second}},
	} {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			q := collector.New(collector.Options{Clock: quartz.NewMock(t)})
			require.Error(t, q.Configure(tt.cfg))
		})
	}
}

func TestStopCancelsScheduledFlush(t *testing.T) {
	t.Parallel()
	h := setupQueue(t)
	h.configure(t)

	h.queue.EnqueueCwvEvent(vital("s1", models.MetricLCP))
	h.queue.Stop()
	h.advance(t, time.Minute)
	require.Empty(t, h.doer.sent())

	page, _ := h.emitter.Subscribers()
	require.Zero(t, page)
	h.emitter.EmitPage(collector.PageHide)
	require.Empty(t, h.beacon.sent())

	cwv, _ := h.queue.Pending()
	require.Equal(t, 1, cwv)
}

func TestStopDuringRetryRequeuesSnapshot(t *testing.T) {
	t.Parallel()
	h := setupQueue(t)
	h.configure(t)
	h.doer.setStatus(http.StatusServiceUnavailable)

	h.queue.EnqueueCwvEvent(vital("s1", models.MetricLCP))
	h.advance(t, collector.DefaultDebounceDelay)
	h.queue.EnqueueCustomEvent(custom("s1", "later"))
	h.queue.Stop()
	h.advance(t, time.Minute)
	require.Len(t, h.doer.sent(), 1)

	cwv, customs := h.queue.Pending()
	require.Equal(t, 1, cwv)
	require.Equal(t, 1, customs)
}

func TestStopDuringRequestCancelsRetries(t *testing.T) {
	t.Parallel()
	h := setupQueue(t)
	h.configure(t)
	h.doer.setStatus(http.StatusServiceUnavailable)

	entered := make(chan struct{})
	release := make(chan struct{})
	h.doer.block = func() {
		entered <- struct{}{}
		<-release
	}

	h.queue.EnqueueCwvEvent(vital("s1", models.MetricLCP))
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.queue.Flush(context.Background(), collector.ReasonManual)
	}()
	ctx := testutil.Context(t, testutil.WaitShort)
	testutil.RequireReceive(ctx, t, entered)

	h.queue.Stop()
	close(release)
	select {
	case <-done:
	case <-ctx.Done():
		t.Fatal("flush did not return")
	}

	for _, d := range []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond} {
		h.advance(t, d)
	}
	require.Len(t, h.doer.sent(), 1)
	require.False(t, h.queue.TrackingDisabled())

	cwv, _ := h.queue.Pending()
	require.Equal(t, 1, cwv, "the failed snapshot is queued again")
}

func TestStartIsIdempotent(t *testing.T) {
	t.Parallel()
	h := setupQueue(t)
	h.queue.Start()
	h.queue.Start()
	page, _ := h.emitter.Subscribers()
	require.Equal(t, 1, page)
}

func TestCloseFlushes(t *testing.T) {
	t.Parallel()
	h := setupQueue(t)
	h.configure(t)

	h.queue.EnqueueCustomEvent(custom("s1", "bye"))
	h.queue.Close(testutil.Context(t, testutil.WaitShort))

	require.Len(t, h.doer.sent(), 1)
	page, _ := h.emitter.Subscribers()
	require.Zero(t, page)
}

func TestUnloadWhileInFlight(t *testing.T) {
	t.Parallel()
	for _, tt := range []struct {
		name         string
		beaconAccept bool
		requests     int
	}{
		{"beacon sends live content", true, 1},
		{"refused beacon keeps content queued", false, 2},
	} {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := setupQueue(t)
			h.configure(t)
			h.beacon.accept = tt.beaconAccept

			entered := make(chan struct{})
			release := make(chan struct{})
			h.doer.block = func() {
				entered <- struct{}{}
				<-release
			}

			h.queue.EnqueueCwvEvent(vital("s1", models.MetricLCP))
			done := make(chan struct{})
			go func() {
				defer close(done)
				h.queue.Flush(context.Background(), collector.ReasonManual)
			}()
			ctx := testutil.Context(t, testutil.WaitShort)
			testutil.RequireReceive(ctx, t, entered)

			h.queue.EnqueueCustomEvent(custom("s1", "during"))
			h.emitter.EmitPage(collector.PageHide)
			require.Len(t, h.beacon.sent(), 1)
			require.Len(t, h.beacon.sent()[0].CustomEvents, 1)

			h.doer.mu.Lock()
			h.doer.block = nil
			h.doer.mu.Unlock()
			close(release)
			select {
			case <-done:
			case <-ctx.Done():
				t.Fatal("flush did not return")
			}

			if !tt.beaconAccept {
				h.advance(t, collector.DefaultDebounceDelay)
			}
			sent := h.doer.sent()
			require.Len(t, sent, tt.requests)
			require.Len(t, sent[0].batch.Events, 1)
			require.Empty(t, sent[0].batch.CustomEvents)
			if !tt.beaconAccept {
				require.Len(t, sent[1].batch.CustomEvents, 1)
			}
		})
	}
}
