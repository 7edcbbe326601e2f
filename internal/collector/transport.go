package collector

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"cdr.dev/slog"
	"golang.org/x/xerrors"
)

// Doer issues HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Beacon is a best-effort send that survives page unload. SendBeacon reports
// whether the payload was queued for delivery, not whether it arrived. A
// false return means the beacon is unsupported or refused the payload.
type Beacon interface {
	SendBeacon(url string, body []byte) bool
}

// StatusError is returned for any non-2xx ingest response.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("ingest responded %d %s", e.StatusCode, http.StatusText(e.StatusCode))
}

func ingestURL(endpoint string) string {
	return strings.TrimRight(endpoint, "/") + "/api/ingest"
}

// postBatch sends body and treats every non-2xx status as a failure. A
// positive abortTimeout cancels the request once exceeded.
func postBatch(ctx context.Context, doer Doer, url string, body []byte, abortTimeout time.Duration) error {
	if abortTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, abortTimeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return xerrors.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := doer.Do(req)
	if err != nil {
		return xerrors.Errorf("post batch: %w", err)
	}
	defer resp.Body.Close()
	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{StatusCode: resp.StatusCode}
	}
	return nil
}

// maxBeaconBytes mirrors the browser sendBeacon quota.
const maxBeaconBytes = 64 << 10

// HTTPBeacon queues a fire-and-forget POST on a background goroutine.
type HTTPBeacon struct {
	Client Doer
	Logger slog.Logger

	wg sync.WaitGroup
}

func (b *HTTPBeacon) SendBeacon(url string, body []byte) bool {
	if b.Client == nil || len(body) > maxBeaconBytes {
		return false
	}
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return false
	}
	// Beacons cannot set arbitrary content types without a preflight.
	req.Header.Set("Content-Type", "text/plain;charset=UTF-8")

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		resp, err := b.Client.Do(req)
		if err != nil {
			b.Logger.Debug(context.Background(), "beacon failed", slog.Error(err))
			return
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	return true
}

// Wait blocks until every queued beacon has completed.
func (b *HTTPBeacon) Wait() {
	b.wg.Wait()
}
