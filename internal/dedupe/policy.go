package dedupe

import (
	"fmt"
	"strings"
	"time"

	"example.com/portfolio-ingest/internal/domain"
)

// Strategy is the dedupe rule for one event name.
type Strategy struct {
	// Field is the meta key that holds (and receives) the natural key.
	Field   string
	Variant Variant
	// Pair names the two numeric meta fields used by the pair fallback.
	Pair   [2]string
	Window time.Duration
}

// Scope identifies the rows a conditional insert must not duplicate.
type Scope struct {
	EventName string
	SessionID string
	Key       string
	Window    time.Duration
}

// Resolution is the outcome of Policy.Resolve for an eligible event.
type Resolution struct {
	Scope  Scope
	Source KeySource
	Field  string
}

var roiPair = [2]string{"hoursSaved", "hourlyRate"}

// DefaultStrategies is the built-in strategy table.
var DefaultStrategies = map[string]Strategy{
	"hero_trust_badge_impression": {Field: "badgeId", Variant: Explicit, Window: 24 * time.Hour},
	"case_expand":                 {Field: "caseId", Variant: Explicit, Window: 24 * time.Hour},
	"roi_preset_selected":         {Field: "presetId", Variant: ExplicitOrPair, Pair: roiPair, Window: time.Hour},
	"roi_estimate_cta_click":      {Field: "estimateKey", Variant: ExplicitOrPairOrValue, Pair: roiPair, Window: time.Hour},
}

// Policy maps event names to strategies. It is immutable after construction.
type Policy struct {
	strategies map[string]Strategy
}

// NewPolicy copies strategies and applies per-event window overrides.
// Overrides for unknown events or non-positive durations are ignored.
func NewPolicy(strategies map[string]Strategy, windows map[string]time.Duration) *Policy {
	if strategies == nil {
		strategies = DefaultStrategies
	}
	p := &Policy{strategies: make(map[string]Strategy, len(strategies))}
	for name, s := range strategies {
		p.strategies[name] = s
	}
	for name, d := range windows {
		name = strings.TrimSpace(name)
		s, ok := p.strategies[name]
		if !ok || d <= 0 {
			continue
		}
		s.Window = d
		p.strategies[name] = s
	}
	return p
}

// Lookup returns the strategy for eventName, if the event is dedupe-eligible.
func (p *Policy) Lookup(eventName string) (Strategy, bool) {
	if p == nil {
		return Strategy{}, false
	}
	s, ok := p.strategies[eventName]
	return s, ok
}

// Resolve derives the dedupe scope for m. The second return is false for
// events without a natural key concept. Resolve fills in a pseudo-session when
// m has none and writes the derived key back into m.Meta; the meta size limit
// applies to the result.
func (p *Policy) Resolve(m *domain.Metric, clientIP, userAgent string) (Resolution, bool, error) {
	s, ok := p.Lookup(m.EventName)
	if !ok {
		return Resolution{}, false, nil
	}

	key, src, err := s.DeriveKey(m)
	if err != nil {
		return Resolution{}, true, err
	}

	if m.SessionID == nil {
		sid := PseudoSession(clientIP, userAgent)
		m.SessionID = &sid
	}
	if m.Meta == nil {
		m.Meta = make(map[string]any, 1)
	}
	m.Meta[s.Field] = key

	size, err := domain.MetaSize(m.Meta)
	if err != nil {
		return Resolution{}, true, fmt.Errorf("%w: meta: %w", domain.ErrInvalidPayload, err)
	}
	if size > domain.MaxMetaBytes {
		return Resolution{}, true, fmt.Errorf("%w: meta is %d bytes with %s, max %d",
			domain.ErrInvalidPayload, size, s.Field, domain.MaxMetaBytes)
	}

	return Resolution{
		Scope: Scope{
			EventName: m.EventName,
			SessionID: *m.SessionID,
			Key:       key,
			Window:    s.Window,
		},
		Source: src,
		Field:  s.Field,
	}, true, nil
}
