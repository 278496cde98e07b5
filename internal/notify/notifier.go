// Package notify renders notification messages for vulnerable images
// and dispatches them through the external shoutrrr sender.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/erinolivia/trivy-scheduler/internal/inventory"
)

// DefaultTemplate is the message sent when no template is configured.
const DefaultTemplate = "Vulnerabilities found in image '{name}'"

// RenderTemplate substitutes the {name} and {id} placeholders with the
// image's display name and content digest. Substitution is literal;
// other braces in the template are left untouched.
func RenderTemplate(template string, img inventory.Image) string {
	message := strings.ReplaceAll(template, "{name}", img.Name)
	return strings.ReplaceAll(message, "{id}", img.Digest)
}

// Config controls notification dispatch.
type Config struct {
	// Binary is the sender executable, "shoutrrr" unless overridden.
	Binary string
	// URL is the destination passed to the sender for every message.
	URL string
	// Template is the message template with {name}/{id} placeholders.
	Template string
	// Timeout bounds one sender invocation. Zero means no bound.
	Timeout time.Duration
}

// Notifier dispatches one notification per vulnerable image. Each
// dispatch is independent; a failure never blocks the next one.
type Notifier struct {
	cfg    Config
	logger *slog.Logger
}

func New(cfg Config, logger *slog.Logger) *Notifier {
	if cfg.Binary == "" {
		cfg.Binary = "shoutrrr"
	}
	if cfg.Template == "" {
		cfg.Template = DefaultTemplate
	}
	return &Notifier{cfg: cfg, logger: logger}
}

// Notify renders the configured template for an image and invokes the
// sender. The returned error is for accounting; callers log and move on.
func (n *Notifier) Notify(ctx context.Context, img inventory.Image) error {
	message := RenderTemplate(n.cfg.Template, img)

	if n.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.cfg.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, n.cfg.Binary,
		"send",
		"--url", n.cfg.URL,
		"--message", message,
	)

	if err := cmd.Run(); err != nil {
		n.logger.Error("notification dispatch failed", "image", img.Name, "digest", img.Digest, "error", err)
		return fmt.Errorf("send notification for %s: %w", img.Name, err)
	}

	n.logger.Info("notification sent", "image", img.Name, "digest", img.Digest)
	return nil
}
