package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/portfolio-ingest/internal/dedupe"
	"example.com/portfolio-ingest/internal/domain"
	"example.com/portfolio-ingest/internal/ratelimit"
	"example.com/portfolio-ingest/internal/storage"
)

// memStore mimics the conditional insert of the Postgres writer.
type memStore struct {
	mu       sync.Mutex
	now      func() time.Time
	contacts []domain.Contact
	metrics  []domain.Metric

	contactErr error
	metricErr  error
	dedupeErr  error
}

func (s *memStore) InsertContact(_ context.Context, c domain.Contact) (domain.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.contactErr != nil {
		return domain.Contact{}, s.contactErr
	}
	c.ID = int64(len(s.contacts) + 1)
	// Lag behind the app clock the way a database clock would.
	c.CreatedAt = s.now().Add(-time.Second)
	s.contacts = append(s.contacts, c)
	return c, nil
}

func (s *memStore) InsertMetric(_ context.Context, m domain.Metric) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.metricErr != nil {
		return s.metricErr
	}
	m.CreatedAt = s.now()
	s.metrics = append(s.metrics, m)
	return nil
}

func (s *memStore) InsertMetricDeduped(_ context.Context, m domain.Metric, scope dedupe.Scope) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dedupeErr != nil {
		return 0, s.dedupeErr
	}
	now := s.now()
	field, _ := fieldFor(m.EventName)
	for _, row := range s.metrics {
		if row.EventName == scope.EventName &&
			row.Session() == scope.SessionID &&
			row.Meta[field] == scope.Key &&
			!row.CreatedAt.Before(now.Add(-scope.Window)) {
			return 0, nil
		}
	}
	m.CreatedAt = now
	s.metrics = append(s.metrics, m)
	return 1, nil
}

func (s *memStore) rows(eventName string) []domain.Metric {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Metric
	for _, m := range s.metrics {
		if m.EventName == eventName {
			out = append(out, m)
		}
	}
	return out
}

func fieldFor(eventName string) (string, bool) {
	s, ok := dedupe.DefaultStrategies[eventName]
	return s.Field, ok
}

type recordingNotifier struct {
	mu    sync.Mutex
	calls []domain.Contact
	err   error
}

func (n *recordingNotifier) NotifyContact(_ context.Context, c domain.Contact) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, c)
	return n.err
}

type recordingPublisher struct {
	mu   sync.Mutex
	keys []string
}

func (p *recordingPublisher) Publish(_ context.Context, _ string, _ []byte, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, key)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

type recordingStats struct {
	mu     sync.Mutex
	events []ratelimit.StatsEvent
}

func (r *recordingStats) Record(_ context.Context, ev ratelimit.StatsEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

// total sums recorded decisions for one family and outcome.
func (r *recordingStats) total(family string, allowed bool) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, ev := range r.events {
		if ev.Family == family && ev.Allowed == allowed {
			n += ev.Count
		}
	}
	return n
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	svc        *Service
	store      *memStore
	notifier   *recordingNotifier
	publisher  *recordingPublisher
	stats      *recordingStats
	statsBuf   *ratelimit.StatsBuffer
	dispatcher *Dispatcher
	clock      *clock
}

// drain waits for every dispatched side effect and flushes buffered stats.
func (h *harness) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.dispatcher.Stop(ctx))
	require.NoError(t, h.statsBuf.Flush(ctx))
}

func newHarness(t *testing.T, limits Limits) *harness {
	t.Helper()
	return newHarnessWith(t, limits, NewDispatcher(nil, 64, 2, time.Second))
}

func newHarnessWith(t *testing.T, limits Limits, d *Dispatcher) *harness {
	t.Helper()
	clk := &clock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	h := &harness{
		store:      &memStore{now: clk.Now},
		notifier:   &recordingNotifier{},
		publisher:  &recordingPublisher{},
		stats:      &recordingStats{},
		dispatcher: d,
		clock:      clk,
	}
	h.statsBuf = ratelimit.NewStatsBuffer(h.stats, clk.Now)
	h.dispatcher.Start()
	h.svc = NewService(Deps{
		Store:      h.store,
		Limiter:    ratelimit.New(15*time.Minute, ratelimit.WithClock(clk.Now)),
		Limits:     limits,
		Policy:     dedupe.NewPolicy(nil, nil),
		Notifier:   h.notifier,
		Publisher:  h.publisher,
		Stats:      h.statsBuf,
		Dispatcher: h.dispatcher,
		Now:        clk.Now,
	})
	t.Cleanup(func() { _ = h.dispatcher.Stop(context.Background()) })
	return h
}

var alice = Client{IP: "198.51.100.4", UserAgent: "Mozilla/5.0"}

func contactBody() map[string]any {
	return map[string]any{
		"name":    "Alice",
		"email":   "alice@example.com",
		"message": "Let's talk about a pilot.",
		"segment": "Startup",
	}
}

func TestSubmitContact_StoresAndDispatches(t *testing.T) {
	h := newHarness(t, Limits{Contact: 5, Metrics: 50})

	res, err := h.svc.SubmitContact(context.Background(), alice, contactBody())
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.ID)
	h.drain(t)

	require.Len(t, h.store.contacts, 1)
	assert.Equal(t, "Startup", h.store.contacts[0].Segment)

	require.Len(t, h.notifier.calls, 1)
	assert.Equal(t, int64(1), h.notifier.calls[0].ID)
	assert.Equal(t, "alice@example.com", h.notifier.calls[0].Email)
	assert.Equal(t, h.store.contacts[0].CreatedAt, h.notifier.calls[0].CreatedAt, "alert carries the stored timestamp")

	internal := h.store.rows(ContactSubmittedEvent)
	require.Len(t, internal, 1)
	assert.Equal(t, "/contact", internal[0].Page)
	require.NotNil(t, internal[0].Success)
	assert.True(t, *internal[0].Success)
	assert.Equal(t, int64(1), internal[0].Meta["contactId"])
	assert.Equal(t, "Startup", internal[0].Meta["segment"])
}

func TestSubmitContact_AlertSurvivesRejectedTraffic(t *testing.T) {
	h := newHarnessWith(t, Limits{Contact: 5, Metrics: 2}, NewDispatcher(nil, 4, 1, time.Second))
	ctx := context.Background()
	flood := Client{IP: "203.0.113.66", UserAgent: "bot"}

	var denied int
	for i := 0; i < 400; i++ {
		_, err := h.svc.SubmitMetric(ctx, flood, map[string]any{"eventName": "page_view"})
		if errors.Is(err, ErrRateLimited) {
			denied++
		}
	}
	assert.Equal(t, 398, denied)

	_, err := h.svc.SubmitContact(ctx, alice, contactBody())
	require.NoError(t, err)
	h.drain(t)

	assert.Len(t, h.notifier.calls, 1)
	assert.Len(t, h.store.rows(ContactSubmittedEvent), 1)
	assert.Equal(t, int64(398), h.stats.total(ratelimit.FamilyMetrics, false))
	assert.Equal(t, int64(2), h.stats.total(ratelimit.FamilyMetrics, true))
	assert.Equal(t, int64(1), h.stats.total(ratelimit.FamilyContact, true))
}

func TestSubmitContact_InvalidIsNotPersistedOrCounted(t *testing.T) {
	h := newHarness(t, Limits{Contact: 1, Metrics: 50})

	for i := 0; i < 3; i++ {
		body := contactBody()
		body["email"] = "not-an-email"
		_, err := h.svc.SubmitContact(context.Background(), alice, body)
		require.ErrorIs(t, err, ErrInvalidPayload)
	}

	_, err := h.svc.SubmitContact(context.Background(), alice, contactBody())
	require.NoError(t, err)
	h.drain(t)
	assert.Len(t, h.store.contacts, 1)
}

func TestSubmitContact_RateLimitResetsAfterWindow(t *testing.T) {
	h := newHarness(t, Limits{Contact: 2, Metrics: 50})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := h.svc.SubmitContact(ctx, alice, contactBody())
		require.NoError(t, err)
	}

	_, err := h.svc.SubmitContact(ctx, alice, contactBody())
	require.ErrorIs(t, err, ErrRateLimited)
	var rl *RateLimitError
	require.True(t, errors.As(err, &rl))
	assert.Equal(t, ratelimit.FamilyContact, rl.Family)
	assert.Equal(t, 2, rl.Decision.Limit)

	_, err = h.svc.SubmitContact(ctx, Client{IP: "192.0.2.1"}, contactBody())
	require.NoError(t, err, "other clients keep their own budget")

	h.clock.Advance(15*time.Minute + time.Millisecond)
	_, err = h.svc.SubmitContact(ctx, alice, contactBody())
	require.NoError(t, err)

	h.drain(t)
	assert.Len(t, h.store.contacts, 4)

	assert.Equal(t, int64(1), h.stats.total(ratelimit.FamilyContact, false))
	assert.Equal(t, int64(4), h.stats.total(ratelimit.FamilyContact, true))
}

func TestSubmitContact_NotifierFailureStillSucceeds(t *testing.T) {
	h := newHarness(t, Limits{Contact: 5, Metrics: 50})
	h.notifier.err = errors.New("provider down")

	res, err := h.svc.SubmitContact(context.Background(), alice, contactBody())
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.ID)
	h.drain(t)
	assert.Len(t, h.notifier.calls, 1)
}

func TestSubmitContact_StorageFailure(t *testing.T) {
	h := newHarness(t, Limits{Contact: 5, Metrics: 50})
	h.store.contactErr = &storage.Error{Op: "insert contact", Retryable: true, Err: errors.New("conn reset")}

	_, err := h.svc.SubmitContact(context.Background(), alice, contactBody())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidPayload)
	assert.NotErrorIs(t, err, ErrRateLimited)
	assert.True(t, storage.IsRetryable(err))

	h.drain(t)
	assert.Empty(t, h.notifier.calls)
	assert.Empty(t, h.store.rows(ContactSubmittedEvent))
}

func TestSubmitMetric_PresetDedupe(t *testing.T) {
	h := newHarness(t, Limits{Contact: 5, Metrics: 50})
	ctx := context.Background()
	body := func() map[string]any {
		return map[string]any{
			"eventName": "roi_preset_selected",
			"sessionId": "s1",
			"meta":      map[string]any{"presetId": "ops_team"},
		}
	}

	res, err := h.svc.SubmitMetric(ctx, alice, body())
	require.NoError(t, err)
	assert.False(t, res.Deduped)

	res, err = h.svc.SubmitMetric(ctx, alice, body())
	require.NoError(t, err)
	assert.True(t, res.Deduped)

	rows := h.store.rows("roi_preset_selected")
	require.Len(t, rows, 1)
	assert.Equal(t, "ops_team", rows[0].Meta["presetId"])

	h.drain(t)
	assert.Equal(t, []string{"s1"}, h.publisher.keys)
}

func TestSubmitMetric_EstimateValueFallback(t *testing.T) {
	h := newHarness(t, Limits{Contact: 5, Metrics: 50})
	ctx := context.Background()
	body := func() map[string]any {
		return map[string]any{
			"eventName": "roi_estimate_cta_click",
			"sessionId": "s9",
			"value":     12345.0,
		}
	}

	res, err := h.svc.SubmitMetric(ctx, alice, body())
	require.NoError(t, err)
	assert.False(t, res.Deduped)

	res, err = h.svc.SubmitMetric(ctx, alice, body())
	require.NoError(t, err)
	assert.True(t, res.Deduped)

	rows := h.store.rows("roi_estimate_cta_click")
	require.Len(t, rows, 1)
	assert.Equal(t, "value:12345", rows[0].Meta["estimateKey"])
}

func TestSubmitMetric_WindowExpiryAllowsSecondRow(t *testing.T) {
	h := newHarness(t, Limits{Contact: 5, Metrics: 50})
	ctx := context.Background()
	body := func() map[string]any {
		return map[string]any{
			"eventName": "roi_preset_selected",
			"sessionId": "s1",
			"meta":      map[string]any{"hoursSaved": 10.0, "hourlyRate": 95.0},
		}
	}

	_, err := h.svc.SubmitMetric(ctx, alice, body())
	require.NoError(t, err)

	h.clock.Advance(time.Hour + time.Second)
	res, err := h.svc.SubmitMetric(ctx, alice, body())
	require.NoError(t, err)
	assert.False(t, res.Deduped)

	rows := h.store.rows("roi_preset_selected")
	require.Len(t, rows, 2)
	assert.Equal(t, "10:95", rows[1].Meta["presetId"])
}

func TestSubmitMetric_DistinctSessionsAreIndependent(t *testing.T) {
	h := newHarness(t, Limits{Contact: 5, Metrics: 50})
	ctx := context.Background()

	for _, sid := range []string{"a", "b"} {
		res, err := h.svc.SubmitMetric(ctx, alice, map[string]any{
			"eventName": "case_expand",
			"sessionId": sid,
			"meta":      map[string]any{"caseId": "acme"},
		})
		require.NoError(t, err)
		assert.False(t, res.Deduped)
	}
	assert.Len(t, h.store.rows("case_expand"), 2)
}

func TestSubmitMetric_PseudoSessionDedupesAnonymousImpressions(t *testing.T) {
	h := newHarness(t, Limits{Contact: 5, Metrics: 50})
	ctx := context.Background()
	body := func() map[string]any {
		return map[string]any{
			"eventName": "hero_trust_badge_impression",
			"meta":      map[string]any{"badgeId": "soc2"},
		}
	}

	_, err := h.svc.SubmitMetric(ctx, alice, body())
	require.NoError(t, err)
	res, err := h.svc.SubmitMetric(ctx, alice, body())
	require.NoError(t, err)
	assert.True(t, res.Deduped)

	res, err = h.svc.SubmitMetric(ctx, Client{IP: "192.0.2.50", UserAgent: "curl/8"}, body())
	require.NoError(t, err)
	assert.False(t, res.Deduped)

	rows := h.store.rows("hero_trust_badge_impression")
	require.Len(t, rows, 2)
	assert.Equal(t, dedupe.PseudoSession(alice.IP, alice.UserAgent), rows[0].Session())
}

func TestSubmitMetric_UniqueViolationIsDeduped(t *testing.T) {
	h := newHarness(t, Limits{Contact: 5, Metrics: 50})
	h.store.dedupeErr = fmt.Errorf("%w: duplicate key", storage.ErrUniqueViolation)

	res, err := h.svc.SubmitMetric(context.Background(), alice, map[string]any{
		"eventName": "case_expand",
		"sessionId": "s1",
		"meta":      map[string]any{"caseId": "acme"},
	})
	require.NoError(t, err)
	assert.True(t, res.Deduped)

	h.drain(t)
	assert.Empty(t, h.publisher.keys)
}

func TestSubmitMetric_NonEligibleAlwaysInserted(t *testing.T) {
	h := newHarness(t, Limits{Contact: 5, Metrics: 50})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := h.svc.SubmitMetric(ctx, alice, map[string]any{"eventName": "page_view", "sessionId": "s1"})
		require.NoError(t, err)
		assert.False(t, res.Deduped)
	}
	rows := h.store.rows("page_view")
	require.Len(t, rows, 3)
	assert.Nil(t, rows[0].Meta)
}

func TestSubmitMetric_MissingNaturalKeyRejected(t *testing.T) {
	h := newHarness(t, Limits{Contact: 5, Metrics: 50})

	_, err := h.svc.SubmitMetric(context.Background(), alice, map[string]any{
		"eventName": "case_expand",
		"sessionId": "s1",
	})
	require.ErrorIs(t, err, ErrInvalidPayload)
	assert.ErrorIs(t, err, dedupe.ErrMissingKey)
	assert.Empty(t, h.store.rows("case_expand"))
}

func TestSubmitMetric_DerivedKeyOverflowsMeta(t *testing.T) {
	h := newHarness(t, Limits{Contact: 5, Metrics: 1})
	meta := map[string]any{"hoursSaved": 10.0, "hourlyRate": 95.0, "pad": ""}
	base, err := domain.MetaSize(meta)
	require.NoError(t, err)
	meta["pad"] = strings.Repeat("x", domain.MaxMetaBytes-base)

	_, err = h.svc.SubmitMetric(context.Background(), alice, map[string]any{
		"eventName": "roi_preset_selected",
		"sessionId": "s1",
		"meta":      meta,
	})
	require.ErrorIs(t, err, ErrInvalidPayload)
	assert.Empty(t, h.store.rows("roi_preset_selected"))

	_, err = h.svc.SubmitMetric(context.Background(), alice, map[string]any{"eventName": "page_view"})
	require.NoError(t, err, "rejected payloads do not use up the budget")
}

func TestSubmitMetric_RateLimited(t *testing.T) {
	h := newHarness(t, Limits{Contact: 1, Metrics: 2})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := h.svc.SubmitMetric(ctx, alice, map[string]any{"eventName": "page_view"})
		require.NoError(t, err)
	}
	_, err := h.svc.SubmitMetric(ctx, alice, map[string]any{"eventName": "page_view"})
	require.ErrorIs(t, err, ErrRateLimited)

	_, err = h.svc.SubmitContact(ctx, alice, contactBody())
	require.NoError(t, err, "families keep separate counters")
}

func TestSubmitMetric_StorageFailure(t *testing.T) {
	h := newHarness(t, Limits{Contact: 5, Metrics: 50})
	h.store.metricErr = errors.New("relation does not exist")

	_, err := h.svc.SubmitMetric(context.Background(), alice, map[string]any{"eventName": "page_view"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidPayload)
	assert.Contains(t, err.Error(), "persist metric")
}
