// Package notify sends the outbound alert for new contact submissions.
package notify

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"example.com/portfolio-ingest/internal/domain"
)

// Notifier delivers a contact alert. Delivery is best-effort: callers log
// the error and move on.
type Notifier interface {
	NotifyContact(ctx context.Context, c domain.Contact) error
}

// Config holds provider credentials. Any empty credential disables sending.
type Config struct {
	APIKey   string
	From     string
	To       string
	Endpoint string
	// PerSecond caps outbound provider calls. Zero uses the default.
	PerSecond float64
}

func (c Config) complete() bool {
	return c.APIKey != "" && c.From != "" && c.To != ""
}

// New returns a Resend notifier when credentials are complete and a
// log-only notifier otherwise.
func New(cfg Config, logger *zap.Logger) Notifier {
	if !cfg.complete() {
		return Disabled{Logger: logger}
	}
	opts := []ResendOption{}
	if cfg.Endpoint != "" {
		opts = append(opts, WithEndpoint(cfg.Endpoint))
	}
	if cfg.PerSecond > 0 {
		opts = append(opts, WithRate(cfg.PerSecond, 1))
	}
	return NewResend(cfg.APIKey, cfg.From, cfg.To, opts...)
}

// Disabled logs that no alert was sent.
type Disabled struct {
	Logger *zap.Logger
}

func (d Disabled) NotifyContact(_ context.Context, c domain.Contact) error {
	if d.Logger != nil {
		d.Logger.Warn("email not sent: notifier credentials missing", zap.Int64("contact_id", c.ID))
	}
	return nil
}

// Subject and Body render the alert text.
func Subject(c domain.Contact) string {
	return "New contact: " + c.Name
}

func Body(c domain.Contact) string {
	return fmt.Sprintf("Name: %s\nEmail: %s\nSegment: %s\n\n%s", c.Name, c.Email, c.Segment, c.Message)
}
