package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"example.com/portfolio-ingest/internal/domain"
)

const (
	DefaultResendEndpoint = "https://api.resend.com/emails"
	defaultPerSecond      = 2
	maxErrorBody          = 512
)

// Resend posts alerts to the Resend email API.
type Resend struct {
	apiKey   string
	from     string
	to       string
	endpoint string
	client   *http.Client
	limiter  *rate.Limiter
}

type ResendOption func(*Resend)

func WithEndpoint(endpoint string) ResendOption {
	return func(r *Resend) { r.endpoint = endpoint }
}

func WithHTTPClient(c *http.Client) ResendOption {
	return func(r *Resend) { r.client = c }
}

// WithRate caps outbound calls to perSecond with the given burst.
func WithRate(perSecond float64, burst int) ResendOption {
	return func(r *Resend) { r.limiter = rate.NewLimiter(rate.Limit(perSecond), burst) }
}

func NewResend(apiKey, from, to string, opts ...ResendOption) *Resend {
	r := &Resend{
		apiKey:   apiKey,
		from:     from,
		to:       to,
		endpoint: DefaultResendEndpoint,
		client:   &http.Client{Timeout: 10 * time.Second},
		limiter:  rate.NewLimiter(defaultPerSecond, 1),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type resendRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	Text    string   `json:"text"`
	ReplyTo string   `json:"reply_to,omitempty"`
}

func (r *Resend) NotifyContact(ctx context.Context, c domain.Contact) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("resend throttle: %w", err)
	}

	payload, err := json.Marshal(resendRequest{
		From:    r.from,
		To:      []string{r.to},
		Subject: Subject(c),
		Text:    Body(c),
		ReplyTo: c.Email,
	})
	if err != nil {
		return fmt.Errorf("encode resend request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build resend request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+r.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("resend request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("resend responded %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
