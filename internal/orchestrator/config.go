package orchestrator

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/erinolivia/trivy-scheduler/internal/notify"
)

// Config holds all orchestrator configuration. The CLI surface mirrors
// the flags operators already know; ancillary knobs can also be set
// through TRIVY_SCHEDULER_* environment variables, with flags taking
// precedence.
type Config struct {
	// Schedule is the cron expression that triggers runs.
	Schedule string

	// Hosts are the container-runtime endpoints to inventory. A value
	// prefixed unix:// is a local daemon socket, otherwise a daemon URL.
	Hosts []string

	// Notification
	NotifyURL      string
	NotifyTemplate string

	// Scanner
	ScannerBinary  string
	ReportDir      string
	ReportTemplate string

	// Sender
	SenderBinary string

	// Per-invocation bounds so a hung external process cannot stall
	// the scheduler indefinitely.
	HostTimeout   time.Duration
	ScanTimeout   time.Duration
	NotifyTimeout time.Duration

	// Logging
	LogFormat string // json, text
	LogLevel  string // debug, info, warn, error

	// Health server; empty disables it.
	HealthAddr string

	// Version (set by main)
	Version string
}

// LoadConfig builds configuration from defaults, environment variables,
// and the given command-line arguments, in that order of precedence.
func LoadConfig(args []string) (*Config, error) {
	cfg := &Config{
		// Defaults
		NotifyTemplate: notify.DefaultTemplate,
		ScannerBinary:  "trivy",
		ReportDir:      "/output",
		ReportTemplate: "@templates/html.tpl",
		SenderBinary:   "shoutrrr",
		HostTimeout:    30 * time.Second,
		ScanTimeout:    10 * time.Minute,
		NotifyTimeout:  30 * time.Second,
		LogFormat:      "json",
		LogLevel:       "info",
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	fs := pflag.NewFlagSet("trivy-scheduler", pflag.ContinueOnError)
	fs.StringVarP(&cfg.Schedule, "schedule", "s", cfg.Schedule, "when to run the scanner, in cron format")
	fs.StringVarP(&cfg.NotifyURL, "notify-url", "u", cfg.NotifyURL, "shoutrrr URL to send messages to")
	fs.StringVarP(&cfg.NotifyTemplate, "notify-template", "t", cfg.NotifyTemplate,
		"message to send when vulnerabilities are found; '{name}' and '{id}' are replaced with details of the vulnerable image")
	fs.StringArrayVarP(&cfg.Hosts, "hosts", "H", cfg.Hosts,
		"container-runtime host endpoint (repeatable); unix:// for a local socket, otherwise a daemon URL")
	fs.StringVar(&cfg.ReportDir, "report-dir", cfg.ReportDir, "directory scan reports are written to")
	fs.StringVar(&cfg.HealthAddr, "health-addr", cfg.HealthAddr, "listen address for health endpoints (empty disables)")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log format (json, text)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.DurationVar(&cfg.HostTimeout, "host-timeout", cfg.HostTimeout, "timeout for one host inventory query")
	fs.DurationVar(&cfg.ScanTimeout, "scan-timeout", cfg.ScanTimeout, "timeout for one scanner invocation")
	fs.DurationVar(&cfg.NotifyTimeout, "notify-timeout", cfg.NotifyTimeout, "timeout for one notification dispatch")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("TRIVY_SCHEDULER_SCANNER_BINARY"); v != "" {
		c.ScannerBinary = v
	}
	if v := os.Getenv("TRIVY_SCHEDULER_SENDER_BINARY"); v != "" {
		c.SenderBinary = v
	}
	if v := os.Getenv("TRIVY_SCHEDULER_REPORT_DIR"); v != "" {
		c.ReportDir = v
	}
	if v := os.Getenv("TRIVY_SCHEDULER_REPORT_TEMPLATE"); v != "" {
		c.ReportTemplate = v
	}
	if v := os.Getenv("TRIVY_SCHEDULER_LOG_FORMAT"); v != "" {
		c.LogFormat = v
	}
	if v := os.Getenv("TRIVY_SCHEDULER_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("TRIVY_SCHEDULER_HEALTH_ADDR"); v != "" {
		c.HealthAddr = v
	}

	for _, d := range []struct {
		name string
		dst  *time.Duration
	}{
		{"TRIVY_SCHEDULER_HOST_TIMEOUT", &c.HostTimeout},
		{"TRIVY_SCHEDULER_SCAN_TIMEOUT", &c.ScanTimeout},
		{"TRIVY_SCHEDULER_NOTIFY_TIMEOUT", &c.NotifyTimeout},
	} {
		v := os.Getenv(d.name)
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", d.name, err)
		}
		*d.dst = parsed
	}

	return nil
}

func (c *Config) validate() error {
	if c.Schedule == "" {
		return fmt.Errorf("--schedule is required")
	}
	if c.NotifyURL == "" {
		return fmt.Errorf("--notify-url is required")
	}
	if len(c.Hosts) == 0 {
		return fmt.Errorf("at least one --hosts endpoint is required")
	}
	return nil
}
