package collector

import (
	"context"
	"encoding/json"
	"sync"

	"golang.org/x/xerrors"

	"github.com/vincentbai/vitaltrace/internal/models"
)

// LegacyBatchSize is the number of samples BatchReporter holds before sending.
const LegacyBatchSize = 10

// BatchReporter is the per-metric reporter that predates Queue. It sends as
// soon as LegacyBatchSize samples are buffered and has no timer, sampling, or
// retry.
type BatchReporter struct {
	doer Doer
	cfg  Config

	mu     sync.Mutex
	events []models.WebVitalEvent
}

func NewBatchReporter(doer Doer, cfg Config) (*BatchReporter, error) {
	if err := cfg.validate(); err != nil {
		return nil, xerrors.Errorf("batch reporter: %w", err)
	}
	return &BatchReporter{
		doer:   doer,
		cfg:    cfg,
		events: make([]models.WebVitalEvent, 0, LegacyBatchSize),
	}, nil
}

// Report buffers event and sends the buffer once it is full.
func (b *BatchReporter) Report(ctx context.Context, event models.WebVitalEvent) error {
	if b.add(event) {
		return b.Flush(ctx)
	}
	return nil
}

func (b *BatchReporter) add(event models.WebVitalEvent) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
	return len(b.events) >= LegacyBatchSize
}

// drain swaps out the buffered events.
func (b *BatchReporter) drain() []models.WebVitalEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.events) == 0 {
		return nil
	}
	events := b.events
	b.events = make([]models.WebVitalEvent, 0, LegacyBatchSize)
	return events
}

// Flush sends whatever is buffered. An empty buffer is a no-op.
func (b *BatchReporter) Flush(ctx context.Context) error {
	events := b.drain()
	if len(events) == 0 {
		return nil
	}
	body, err := json.Marshal(models.IngestBatch{ProjectID: b.cfg.ProjectID, Events: events})
	if err != nil {
		return xerrors.Errorf("encode batch: %w", err)
	}
	return postBatch(ctx, b.doer, ingestURL(b.cfg.Endpoint), body, b.cfg.AbortTimeout)
}

// Buffered returns the number of samples waiting to be sent.
func (b *BatchReporter) Buffered() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}
