// Package orchestrator drives the scheduled scan loop: inventory
// collection, per-image scanning, and notification dispatch.
package orchestrator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/erinolivia/trivy-scheduler/internal/dockerhost"
	"github.com/erinolivia/trivy-scheduler/internal/inventory"
	"github.com/erinolivia/trivy-scheduler/internal/notify"
	"github.com/erinolivia/trivy-scheduler/internal/scanner"
)

// Scanner classifies one image. Satisfied by *scanner.Trivy.
type Scanner interface {
	Scan(ctx context.Context, img inventory.Image) scanner.Outcome
}

// Notifier dispatches one notification. Satisfied by *notify.Notifier.
type Notifier interface {
	Notify(ctx context.Context, img inventory.Image) error
}

type Orchestrator struct {
	config     *Config
	schedule   cron.Schedule
	aggregator *inventory.Aggregator
	scanner    Scanner
	notifier   Notifier
	logger     *slog.Logger
	ready      atomic.Bool
	closers    []io.Closer
}

// New validates configuration and wires up the run pipeline. A bad
// cron expression or host endpoint is fatal here, before the loop
// begins; nothing else is.
func New(config *Config, logger *slog.Logger) (*Orchestrator, error) {
	schedule, err := cron.ParseStandard(config.Schedule)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", config.Schedule, err)
	}

	listers := make([]inventory.Lister, 0, len(config.Hosts))
	closers := make([]io.Closer, 0, len(config.Hosts))
	for _, host := range config.Hosts {
		client, err := dockerhost.New(host)
		if err != nil {
			closeAll(closers)
			return nil, err
		}
		listers = append(listers, client)
		closers = append(closers, client)
	}

	return &Orchestrator{
		config:     config,
		schedule:   schedule,
		aggregator: inventory.NewAggregator(listers, config.HostTimeout, logger),
		scanner: scanner.New(scanner.Config{
			Binary:    config.ScannerBinary,
			ReportDir: config.ReportDir,
			Template:  config.ReportTemplate,
			Timeout:   config.ScanTimeout,
		}, logger),
		notifier: notify.New(notify.Config{
			Binary:   config.SenderBinary,
			URL:      config.NotifyURL,
			Template: config.NotifyTemplate,
			Timeout:  config.NotifyTimeout,
		}, logger),
		logger:  logger,
		closers: closers,
	}, nil
}

// Run drives the schedule loop until the context is cancelled or a
// termination signal arrives. A run in progress finishes its current
// external invocation before the loop exits.
func (o *Orchestrator) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	if o.config.HealthAddr != "" {
		go o.runHealthServer(ctx)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		o.runScheduleLoop(ctx)
	}()

	select {
	case sig := <-sigCh:
		o.logger.Info("received signal, shutting down", "signal", sig.String())
	case <-ctx.Done():
	}

	cancel()
	<-done
	closeAll(o.closers)
	return nil
}

// runScheduleLoop triggers one complete run per matching tick. Runs
// are serialized: the next tick is computed from the completion time
// of the previous run, so ticks that fire while a run is in progress
// are absorbed rather than queued.
func (o *Orchestrator) runScheduleLoop(ctx context.Context) {
	for {
		next := o.schedule.Next(time.Now())
		o.logger.Info("next run scheduled", "at", next)

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		summary := o.runOnce(ctx)
		o.ready.Store(true)
		o.logger.Info("run complete",
			"hosts", summary.Hosts,
			"host_failures", summary.HostFailures,
			"images", summary.Images,
			"clean", summary.Clean,
			"vulnerable", summary.Vulnerable,
			"scan_failures", summary.ScanFailures,
			"notify_failures", summary.NotifyFailures,
		)
	}
}

// RunSummary describes one completed run.
type RunSummary struct {
	Hosts          int
	HostFailures   int
	Images         int
	Clean          int
	Vulnerable     int
	ScanFailures   int
	NotifyFailures int
}

// runOnce executes one complete run: inventory, scans, notifications.
// Per-host, per-image, and per-notification failures are absorbed at
// their own level; only cancellation stops the run early.
func (o *Orchestrator) runOnce(ctx context.Context) RunSummary {
	result := o.aggregator.Collect(ctx)

	summary := RunSummary{
		Hosts:        result.Hosts,
		HostFailures: len(result.HostErrors),
		Images:       result.Images.Len(),
	}

	if result.AllHostsFailed() {
		o.logger.Warn("every host query failed, inventory is empty", "hosts", result.Hosts)
	}

	for _, img := range result.Images.Images() {
		if ctx.Err() != nil {
			break
		}

		o.logger.Info("scanning image", "image", img.Name, "digest", img.Digest)
		switch o.scanner.Scan(ctx, img) {
		case scanner.OutcomeClean:
			summary.Clean++
		case scanner.OutcomeVulnerable:
			summary.Vulnerable++
			o.logger.Info("vulnerabilities found", "image", img.Name, "digest", img.Digest)
			if err := o.notifier.Notify(ctx, img); err != nil {
				summary.NotifyFailures++
			}
		case scanner.OutcomeError:
			summary.ScanFailures++
		}
	}

	if summary.Vulnerable == 0 {
		o.logger.Info("no vulnerabilities found", "images", summary.Images)
	}

	return summary
}

func (o *Orchestrator) runHealthServer(ctx context.Context) {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if o.ready.Load() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
		}
	})

	srv := &http.Server{
		Addr:    o.config.HealthAddr,
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	o.logger.Info("health server starting", "addr", o.config.HealthAddr)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		o.logger.Error("health server error", "error", err)
	}
}

func closeAll(closers []io.Closer) {
	for _, c := range closers {
		_ = c.Close()
	}
}
