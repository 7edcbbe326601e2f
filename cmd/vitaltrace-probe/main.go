// Command vitaltrace-probe drives the client collector against a running
// ingest server with synthetic sessions.
package main

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cdr.dev/slog"
	"cdr.dev/slog/sloggers/sloghuman"
	"github.com/spf13/pflag"
	"golang.org/x/xerrors"

	"github.com/vincentbai/vitaltrace/internal/collector"
	"github.com/vincentbai/vitaltrace/internal/models"
)

// typical holds a plausible centre for each metric's synthetic values.
var typical = map[models.Metric]float64{
	models.MetricLCP:  2400,
	models.MetricINP:  180,
	models.MetricCLS:  0.08,
	models.MetricFCP:  1500,
	models.MetricTTFB: 600,
}

var routes = [][2]string{
	{"/", "/"},
	{"/products/[id]", "/products/42"},
	{"/products/[id]", "/products/7"},
	{"/checkout", "/checkout"},
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "vitaltrace-probe:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	flags := pflag.NewFlagSet("vitaltrace-probe", pflag.ContinueOnError)
	endpoint := flags.String("endpoint", "http://127.0.0.1:8123", "ingest server base URL")
	projectID := flags.String("project", "", "project id")
	sessions := flags.Int("sessions", 5, "number of synthetic sessions (route changes)")
	sampleRate := flags.Float64("sample-rate", 1, "CWV session sample rate")
	pause := flags.Duration("pause", 200*time.Millisecond, "pause between sessions")
	verbose := flags.BoolP("verbose", "v", false, "debug logging")
	if err := flags.Parse(args); err != nil {
		return xerrors.Errorf("parse flags: %w", err)
	}

	logger := slog.Make(sloghuman.Sink(os.Stderr))
	if *verbose {
		logger = logger.Leveled(slog.LevelDebug)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	lifecycle := collector.NewEmitter()
	queue := collector.New(collector.Options{
		Logger:     logger,
		HTTPClient: client,
		Lifecycle:  lifecycle,
	})
	if err := queue.Configure(collector.Config{
		Endpoint:     *endpoint,
		ProjectID:    *projectID,
		SampleRate:   *sampleRate,
		AbortTimeout: 5 * time.Second,
	}); err != nil {
		return err
	}
	queue.Start()

	tracker := collector.NewTracker(queue, lifecycle, routes[0][0], routes[0][1])
	defer tracker.Close()

	var accepted, dropped int
	for i := 0; i < *sessions; i++ {
		if i > 0 {
			route := routes[i%len(routes)]
			lifecycle.Navigate(route[0], route[1])
		}
		for _, metric := range models.Metrics {
			value := typical[metric] * (0.5 + rand.Float64())
			if tracker.RecordVital(metric, value) {
				accepted++
			} else {
				dropped++
			}
		}
		tracker.RecordCustom("probe_view")

		select {
		case <-ctx.Done():
			// Interrupted: behave like a page going away.
			lifecycle.EmitPage(collector.PageHide)
			queue.Close(context.Background())
			return nil
		case <-time.After(*pause):
		}
	}

	queue.Close(ctx)
	logger.Info(ctx, "probe finished",
		slog.F("sessions", *sessions),
		slog.F("vitals_accepted", accepted),
		slog.F("vitals_sampled_out", dropped),
		slog.F("tracking_disabled", queue.TrackingDisabled()),
	)
	if queue.TrackingDisabled() {
		return xerrors.New("delivery failed, collector disabled itself")
	}
	return nil
}
