// Package scanner invokes the external trivy binary and classifies its
// result. The orchestrator never interprets findings itself; trivy is
// configured to exit non-zero when findings exist and the exit code is
// the whole contract.
package scanner

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/distribution/reference"

	"github.com/erinolivia/trivy-scheduler/internal/inventory"
)

// Outcome classifies one image scan.
type Outcome int

const (
	// OutcomeClean means trivy exited zero: no findings above its threshold.
	OutcomeClean Outcome = iota
	// OutcomeVulnerable means trivy exited non-zero with findings.
	OutcomeVulnerable
	// OutcomeError means the scan never produced a verdict: launch
	// failure, timeout, or an unusable image reference. Never treated
	// as vulnerable.
	OutcomeError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeClean:
		return "clean"
	case OutcomeVulnerable:
		return "vulnerable"
	default:
		return "error"
	}
}

const (
	// envPrefix selects which of our own environment variables are
	// forwarded into the scanner subprocess.
	envPrefix = "TRIVY"
	// ownPrefix is the orchestrator's own configuration namespace; it
	// happens to share the scanner prefix and must not leak through.
	ownPrefix = "TRIVY_SCHEDULER_"

	templateVar     = "TRIVY_TEMPLATE"
	reportExtension = ".html"
)

// Config controls how trivy is invoked.
type Config struct {
	// Binary is the scanner executable, "trivy" unless overridden.
	Binary string
	// ReportDir receives one report file per scanned image, named by
	// the image's content digest.
	ReportDir string
	// Template is the value of TRIVY_TEMPLATE injected into the
	// scanner environment, e.g. "@templates/html.tpl".
	Template string
	// Timeout bounds one scanner invocation. Zero means no bound.
	Timeout time.Duration
	// Stdout receives the scanner's standard output for operator
	// visibility. Defaults to os.Stdout.
	Stdout io.Writer
}

// Trivy runs the external scanner for one image at a time.
type Trivy struct {
	cfg     Config
	logger  *slog.Logger
	environ func() []string
}

func New(cfg Config, logger *slog.Logger) *Trivy {
	if cfg.Binary == "" {
		cfg.Binary = "trivy"
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}
	return &Trivy{
		cfg:     cfg,
		logger:  logger,
		environ: os.Environ,
	}
}

// Scan invokes trivy for one image and classifies the result by exit
// code: zero is clean, non-zero is vulnerable. Failing to launch the
// scanner at all, or hitting the invocation timeout, yields
// OutcomeError so a broken scanner is never reported as a finding.
func (t *Trivy) Scan(ctx context.Context, img inventory.Image) Outcome {
	if _, err := reference.ParseNormalizedNamed(img.Name); err != nil {
		t.logger.Error("unusable image reference", "image", img.Name, "digest", img.Digest, "error", err)
		return OutcomeError
	}

	if t.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.cfg.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, t.cfg.Binary,
		"image",
		"--format", "template",
		"--exit-code", "1",
		"--output", t.ReportPath(img),
		img.Name,
	)
	cmd.Env = t.buildEnv()
	cmd.Stdout = t.cfg.Stdout
	cmd.Stderr = os.Stderr

	err := cmd.Run()
	switch {
	case err == nil:
		return OutcomeClean
	case ctx.Err() != nil:
		t.logger.Error("scan aborted", "image", img.Name, "digest", img.Digest, "error", ctx.Err())
		return OutcomeError
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return OutcomeVulnerable
		}
		t.logger.Error("scan failed to launch", "image", img.Name, "digest", img.Digest, "error", err)
		return OutcomeError
	}
}

// ReportPath is where the scan report for an image is written. Digests
// are unique per image, so paths never collide.
func (t *Trivy) ReportPath(img inventory.Image) string {
	return filepath.Join(t.cfg.ReportDir, img.Digest+reportExtension)
}

// buildEnv constructs the subprocess environment from scratch: the
// fixed template variable, overlaid with any TRIVY-prefixed variables
// from our own environment so operators can pass scanner configuration
// through. Our own TRIVY_SCHEDULER_* namespace is excluded, as is
// everything else.
func (t *Trivy) buildEnv() []string {
	vars := map[string]string{templateVar: t.cfg.Template}

	for _, kv := range t.environ() {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, envPrefix) || strings.HasPrefix(name, ownPrefix) {
			continue
		}
		vars[name] = value
	}

	env := make([]string, 0, len(vars))
	for name, value := range vars {
		env = append(env, name+"="+value)
	}
	sort.Strings(env)
	return env
}
