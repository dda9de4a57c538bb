// Package ingest orchestrates contact and metric submissions: validate,
// rate-check, persist, then hand side effects to the dispatcher.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"example.com/portfolio-ingest/internal/dedupe"
	"example.com/portfolio-ingest/internal/domain"
	"example.com/portfolio-ingest/internal/events"
	"example.com/portfolio-ingest/internal/notify"
	"example.com/portfolio-ingest/internal/observability"
	"example.com/portfolio-ingest/internal/ratelimit"
	"example.com/portfolio-ingest/internal/storage"
)

// ErrInvalidPayload is returned for rejected bodies; it is domain's sentinel.
var ErrInvalidPayload = domain.ErrInvalidPayload

// ErrRateLimited is matched by every RateLimitError.
var ErrRateLimited = errors.New("rate limited")

// RateLimitError carries the admission decision that rejected the request.
type RateLimitError struct {
	Family   string
	Decision ratelimit.Decision
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited: %s %d/%d", e.Family, e.Decision.Count, e.Decision.Limit)
}

func (e *RateLimitError) Is(target error) bool { return target == ErrRateLimited }

// ContactSubmittedEvent is the internal metric written after a stored contact.
const ContactSubmittedEvent = "contact_api_submit"

// Store is the persistence the pipeline needs.
type Store interface {
	// InsertContact returns c as stored, with ID and CreatedAt set.
	InsertContact(ctx context.Context, c domain.Contact) (domain.Contact, error)
	InsertMetric(ctx context.Context, m domain.Metric) error
	InsertMetricDeduped(ctx context.Context, m domain.Metric, scope dedupe.Scope) (int64, error)
}

// Client identifies the caller for rate limiting and pseudo-sessions.
type Client struct {
	IP        string
	UserAgent string
}

// Limits are the per-window ceilings per route family.
type Limits struct {
	Contact int
	Metrics int
}

type ContactResult struct {
	ID int64
}

type MetricResult struct {
	Deduped bool
}

// Deps wires a Service. Notifier, Publisher and Stats are optional. Stats
// only counts decisions; its owner flushes it.
type Deps struct {
	Store      Store
	Limiter    *ratelimit.Limiter
	Limits     Limits
	Policy     *dedupe.Policy
	Notifier   notify.Notifier
	Publisher  events.Publisher
	Stats      *ratelimit.StatsBuffer
	Dispatcher *Dispatcher
	Logger     *zap.Logger
	Now        func() time.Time
}

type Service struct {
	store      Store
	limiter    *ratelimit.Limiter
	limits     Limits
	policy     *dedupe.Policy
	notifier   notify.Notifier
	publisher  events.Publisher
	stats      *ratelimit.StatsBuffer
	dispatcher *Dispatcher
	logger     *zap.Logger
	now        func() time.Time
}

func NewService(d Deps) *Service {
	s := &Service{
		store:      d.Store,
		limiter:    d.Limiter,
		limits:     d.Limits,
		policy:     d.Policy,
		notifier:   d.Notifier,
		publisher:  d.Publisher,
		stats:      d.Stats,
		dispatcher: d.Dispatcher,
		logger:     d.Logger,
		now:        d.Now,
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	if s.limiter == nil {
		s.limiter = ratelimit.New(15 * time.Minute)
	}
	if s.policy == nil {
		s.policy = dedupe.NewPolicy(nil, nil)
	}
	if s.dispatcher == nil {
		s.dispatcher = NewDispatcher(s.logger, 0, 0, 0)
		s.dispatcher.Start()
	}
	return s
}

// SubmitContact validates, rate-checks and stores a contact. The alert email
// and the internal submission metric are dispatched after the insert and never
// affect the result.
func (s *Service) SubmitContact(ctx context.Context, client Client, raw map[string]any) (ContactResult, error) {
	c, err := domain.NormalizeContact(raw)
	if err != nil {
		return ContactResult{}, err
	}

	if err := s.admit(ctx, ratelimit.FamilyContact, client, s.limits.Contact); err != nil {
		return ContactResult{}, err
	}

	c, err = s.store.InsertContact(ctx, c)
	if err != nil {
		return ContactResult{}, fmt.Errorf("persist contact: %w", err)
	}
	id := c.ID

	s.logger.Info("contact stored",
		zap.Int64("contact_id", id),
		zap.String("segment", c.Segment),
		observability.RequestField(ctx))

	if s.notifier != nil {
		s.dispatcher.Dispatch(ctx, Task{
			Name:   "email notification",
			Fields: []zap.Field{zap.Int64("contact_id", id)},
			Run: func(ctx context.Context) error {
				return s.notifier.NotifyContact(ctx, c)
			},
		})
	}

	success := true
	internal := domain.Metric{
		EventName: ContactSubmittedEvent,
		Page:      "/contact",
		Success:   &success,
		Meta:      map[string]any{"contactId": id, "segment": c.Segment},
		CreatedAt: c.CreatedAt,
	}
	s.dispatcher.Dispatch(ctx, Task{
		Name:   "secondary metric write",
		Fields: []zap.Field{zap.String("event_name", internal.EventName)},
		Run: func(ctx context.Context) error {
			return s.store.InsertMetric(ctx, internal)
		},
	})

	return ContactResult{ID: id}, nil
}

// SubmitMetric validates, rate-checks and stores a telemetry event. Events
// with a natural key go through the conditional insert; a duplicate is
// reported as accepted with Deduped set.
func (s *Service) SubmitMetric(ctx context.Context, client Client, raw map[string]any) (MetricResult, error) {
	m, err := domain.NormalizeMetric(raw)
	if err != nil {
		return MetricResult{}, err
	}

	res, eligible, err := s.policy.Resolve(&m, client.IP, client.UserAgent)
	if err != nil {
		return MetricResult{}, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}

	if err := s.admit(ctx, ratelimit.FamilyMetrics, client, s.limits.Metrics); err != nil {
		return MetricResult{}, err
	}

	// Metric inserts return no row, so CreatedAt is the acceptance time; the
	// stored created_at comes from the database clock.
	m.CreatedAt = s.now()

	var deduped bool
	if eligible {
		deduped, err = s.insertDeduped(ctx, m, res)
	} else {
		err = s.store.InsertMetric(ctx, m)
	}
	if err != nil {
		return MetricResult{}, fmt.Errorf("persist metric: %w", err)
	}

	if deduped {
		s.logger.Debug("metric deduped",
			zap.String("event_name", m.EventName),
			zap.String("key_source", string(res.Source)),
			observability.RequestField(ctx))
		return MetricResult{Deduped: true}, nil
	}

	s.publish(ctx, m)
	return MetricResult{}, nil
}

// insertDeduped treats a zero-row conditional insert and a unique violation
// the same way: the event is a duplicate.
func (s *Service) insertDeduped(ctx context.Context, m domain.Metric, res dedupe.Resolution) (bool, error) {
	affected, err := s.store.InsertMetricDeduped(ctx, m, res.Scope)
	switch {
	case errors.Is(err, storage.ErrUniqueViolation):
		return true, nil
	case err != nil:
		return false, err
	default:
		return affected == 0, nil
	}
}

func (s *Service) admit(ctx context.Context, family string, client Client, limit int) error {
	dec := s.limiter.Admit(ratelimit.Key(family, client.IP), limit)
	s.stats.Observe(family, dec.Allowed)

	if dec.Allowed {
		return nil
	}
	s.logger.Info("request throttled",
		zap.String("family", family),
		zap.Int("count", dec.Count),
		zap.Int("limit", dec.Limit),
		observability.RequestField(ctx))
	return &RateLimitError{Family: family, Decision: dec}
}

func (s *Service) publish(ctx context.Context, m domain.Metric) {
	if s.publisher == nil {
		return
	}
	payload, key, err := events.EncodeMetric(m)
	if err != nil {
		s.logger.Error("event fan-out skipped", zap.Error(err), observability.RequestField(ctx))
		return
	}
	s.dispatcher.Dispatch(ctx, Task{
		Name:   "event fan-out",
		Fields: []zap.Field{zap.String("event_name", m.EventName)},
		Run: func(ctx context.Context) error {
			return s.publisher.Publish(ctx, events.MetricAcceptedType, payload, key)
		},
	})
}
