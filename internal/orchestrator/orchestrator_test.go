package orchestrator

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/erinolivia/trivy-scheduler/internal/inventory"
	"github.com/erinolivia/trivy-scheduler/internal/scanner"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() *Config {
	return &Config{
		Schedule:  "0 3 * * *",
		NotifyURL: "discord://token@channel",
		Hosts:     []string{"unix:///var/run/docker.sock"},
	}
}

func TestNew_InvalidSchedule(t *testing.T) {
	tests := []string{
		"not a schedule",
		"* * *",
		"61 * * * *",
		"",
	}

	for _, expr := range tests {
		t.Run(expr, func(t *testing.T) {
			cfg := testConfig()
			cfg.Schedule = expr
			if _, err := New(cfg, discardLogger()); err == nil {
				t.Errorf("New() with schedule %q should fail", expr)
			}
		})
	}
}

func TestNew_InvalidHostEndpoint(t *testing.T) {
	cfg := testConfig()
	cfg.Hosts = []string{"unix:///var/run/docker.sock", "no-scheme-here"}

	if _, err := New(cfg, discardLogger()); err == nil {
		t.Error("New() with a schemeless host endpoint should fail")
	}
}

func TestNextRun_Deterministic(t *testing.T) {
	orch, err := New(testConfig(), discardLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	now := time.Date(2024, 6, 1, 12, 30, 0, 0, time.UTC)
	first := orch.schedule.Next(now)
	second := orch.schedule.Next(now)

	if !first.Equal(second) {
		t.Errorf("Next() not deterministic: %v vs %v", first, second)
	}
	if !first.After(now) {
		t.Errorf("Next() = %v, want strictly after %v", first, now)
	}

	want := time.Date(2024, 6, 2, 3, 0, 0, 0, time.UTC)
	if !first.Equal(want) {
		t.Errorf("Next() = %v, want %v", first, want)
	}
}

type fakeLister struct {
	name   string
	images []inventory.Image
	err    error
}

func (f *fakeLister) Name() string { return f.name }

func (f *fakeLister) ListImages(ctx context.Context) ([]inventory.Image, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.images, nil
}

type fakeScanner struct {
	outcomes map[string]scanner.Outcome // keyed by digest
	delay    time.Duration

	mu      sync.Mutex
	scanned []inventory.Image
}

func (f *fakeScanner) Scan(ctx context.Context, img inventory.Image) scanner.Outcome {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	f.scanned = append(f.scanned, img)
	f.mu.Unlock()
	return f.outcomes[img.Digest]
}

type fakeNotifier struct {
	err error

	mu   sync.Mutex
	sent []inventory.Image
}

func (f *fakeNotifier) Notify(ctx context.Context, img inventory.Image) error {
	f.mu.Lock()
	f.sent = append(f.sent, img)
	f.mu.Unlock()
	return f.err
}

func newTestOrchestrator(listers []inventory.Lister, scn Scanner, ntf Notifier) *Orchestrator {
	logger := discardLogger()
	return &Orchestrator{
		config:     testConfig(),
		schedule:   cron.Every(time.Second),
		aggregator: inventory.NewAggregator(listers, 0, logger),
		scanner:    scn,
		notifier:   ntf,
		logger:     logger,
	}
}

// Two hosts report the same digest under different names: the run scans
// it once and sends exactly one notification.
func TestRunOnce_EndToEnd(t *testing.T) {
	hostA := &fakeLister{name: "tcp://a:2375", images: []inventory.Image{
		inventory.NewImage("svc:v1", "sha256:d1"),
	}}
	hostB := &fakeLister{name: "tcp://b:2375", images: []inventory.Image{
		inventory.NewImage("svc:v2", "sha256:d1"),
	}}

	scn := &fakeScanner{outcomes: map[string]scanner.Outcome{"d1": scanner.OutcomeVulnerable}}
	ntf := &fakeNotifier{}

	orch := newTestOrchestrator([]inventory.Lister{hostA, hostB}, scn, ntf)
	summary := orch.runOnce(context.Background())

	if summary.Images != 1 {
		t.Errorf("Images = %d, want 1", summary.Images)
	}
	if summary.Vulnerable != 1 {
		t.Errorf("Vulnerable = %d, want 1", summary.Vulnerable)
	}
	if len(scn.scanned) != 1 {
		t.Fatalf("scanned %d images, want 1", len(scn.scanned))
	}
	if len(ntf.sent) != 1 {
		t.Fatalf("sent %d notifications, want 1", len(ntf.sent))
	}
	if ntf.sent[0].Digest != "d1" {
		t.Errorf("notified digest = %q, want d1", ntf.sent[0].Digest)
	}
	if ntf.sent[0].Name != "svc:v1" {
		t.Errorf("notified name = %q, want first-seen svc:v1", ntf.sent[0].Name)
	}
}

func TestRunOnce_MixedOutcomes(t *testing.T) {
	host := &fakeLister{name: "tcp://a:2375", images: []inventory.Image{
		inventory.NewImage("clean:1", "sha256:c1"),
		inventory.NewImage("vuln:1", "sha256:v1"),
		inventory.NewImage("broken:1", "sha256:e1"),
	}}

	scn := &fakeScanner{outcomes: map[string]scanner.Outcome{
		"c1": scanner.OutcomeClean,
		"v1": scanner.OutcomeVulnerable,
		"e1": scanner.OutcomeError,
	}}
	ntf := &fakeNotifier{}

	orch := newTestOrchestrator([]inventory.Lister{host}, scn, ntf)
	summary := orch.runOnce(context.Background())

	if summary.Clean != 1 || summary.Vulnerable != 1 || summary.ScanFailures != 1 {
		t.Errorf("summary = %+v, want clean=1 vulnerable=1 scan_failures=1", summary)
	}
	if len(ntf.sent) != 1 {
		t.Errorf("sent %d notifications, want 1 (scan errors never notify)", len(ntf.sent))
	}
}

// A failed notification is accounted for but does not abort the run or
// block later notifications.
func TestRunOnce_NotifyFailureIsolated(t *testing.T) {
	host := &fakeLister{name: "tcp://a:2375", images: []inventory.Image{
		inventory.NewImage("a:1", "sha256:d1"),
		inventory.NewImage("b:1", "sha256:d2"),
	}}

	scn := &fakeScanner{outcomes: map[string]scanner.Outcome{
		"d1": scanner.OutcomeVulnerable,
		"d2": scanner.OutcomeVulnerable,
	}}
	ntf := &fakeNotifier{err: context.DeadlineExceeded}

	orch := newTestOrchestrator([]inventory.Lister{host}, scn, ntf)
	summary := orch.runOnce(context.Background())

	if summary.NotifyFailures != 2 {
		t.Errorf("NotifyFailures = %d, want 2", summary.NotifyFailures)
	}
	if len(ntf.sent) != 2 {
		t.Errorf("attempted %d notifications, want 2", len(ntf.sent))
	}
}

// Runs never overlap: the next tick is computed only after the previous
// run completes, so a slow run absorbs the ticks it missed.
func TestScheduleLoop_RunsAreSerialized(t *testing.T) {
	host := &fakeLister{name: "tcp://a:2375", images: []inventory.Image{
		inventory.NewImage("app:latest", "sha256:d1"),
	}}

	var active, maxActive, runs int32
	scn := &scanFunc{fn: func(ctx context.Context, img inventory.Image) scanner.Outcome {
		cur := atomic.AddInt32(&active, 1)
		for {
			prev := atomic.LoadInt32(&maxActive)
			if cur <= prev || atomic.CompareAndSwapInt32(&maxActive, prev, cur) {
				break
			}
		}
		time.Sleep(1500 * time.Millisecond)
		atomic.AddInt32(&active, -1)
		atomic.AddInt32(&runs, 1)
		return scanner.OutcomeClean
	}}

	orch := newTestOrchestrator([]inventory.Lister{host}, scn, &fakeNotifier{})

	ctx, cancel := context.WithTimeout(context.Background(), 4*time.Second)
	defer cancel()
	orch.runScheduleLoop(ctx)

	if got := atomic.LoadInt32(&maxActive); got != 1 {
		t.Errorf("max concurrent runs = %d, want 1", got)
	}
	if got := atomic.LoadInt32(&runs); got < 1 {
		t.Errorf("completed runs = %d, want at least 1", got)
	}
}

type scanFunc struct {
	fn func(ctx context.Context, img inventory.Image) scanner.Outcome
}

func (s *scanFunc) Scan(ctx context.Context, img inventory.Image) scanner.Outcome {
	return s.fn(ctx, img)
}
