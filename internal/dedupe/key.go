package dedupe

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"example.com/portfolio-ingest/internal/domain"
)

// ErrMissingKey is returned when a dedupe-eligible event carries nothing a
// natural key can be derived from.
var ErrMissingKey = errors.New("natural dedupe key missing")

type KeySource string

const (
	KeyFromExplicit KeySource = "explicit"
	KeyFromPair     KeySource = "pair"
	KeyFromValue    KeySource = "value"
)

// Variant selects which fallbacks a strategy may use after the explicit field.
type Variant int

const (
	// Explicit requires the id field; the event is rejected without it.
	Explicit Variant = iota + 1
	// ExplicitOrPair falls back to round(a):round(b).
	ExplicitOrPair
	// ExplicitOrPairOrValue additionally falls back to value:round(value).
	ExplicitOrPairOrValue
)

func (v Variant) String() string {
	switch v {
	case Explicit:
		return "explicit"
	case ExplicitOrPair:
		return "explicit_or_pair"
	case ExplicitOrPairOrValue:
		return "explicit_or_pair_or_value"
	default:
		return "unknown"
	}
}

// PseudoSessionPrefix marks session ids derived from client fingerprints.
const PseudoSessionPrefix = "anon-"

const pseudoSessionHexLen = 24

// DeriveKey resolves the natural key for m under s.
// - Prefer the explicit meta field when present.
// - Fall back to the numeric pair, then the reported value, as the variant allows.
func (s Strategy) DeriveKey(m *domain.Metric) (key string, src KeySource, err error) {
	if k, ok := explicitKey(m.Meta, s.Field); ok {
		return k, KeyFromExplicit, nil
	}
	if s.Variant >= ExplicitOrPair {
		if k, ok := pairKey(m.Meta, s.Pair); ok {
			return k, KeyFromPair, nil
		}
	}
	if s.Variant >= ExplicitOrPairOrValue && m.Value != nil {
		if k, ok := valueKey(*m.Value); ok {
			return k, KeyFromValue, nil
		}
	}
	return "", "", fmt.Errorf("%s requires meta.%s: %w", m.EventName, s.Field, ErrMissingKey)
}

// PseudoSession derives a stable session id for callers that send none.
func PseudoSession(clientIP, userAgent string) string {
	sum := sha256.Sum256([]byte(clientIP + "|" + userAgent))
	return PseudoSessionPrefix + hex.EncodeToString(sum[:])[:pseudoSessionHexLen]
}

func explicitKey(meta map[string]any, field string) (string, bool) {
	if meta == nil || field == "" {
		return "", false
	}
	switch v := meta[field].(type) {
	case string:
		v = strings.TrimSpace(v)
		return v, v != ""
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return "", false
		}
		return strconv.FormatFloat(v, 'f', -1, 64), true
	default:
		return "", false
	}
}

func pairKey(meta map[string]any, pair [2]string) (string, bool) {
	if meta == nil || pair[0] == "" || pair[1] == "" {
		return "", false
	}
	a, okA := domain.FiniteNumber(meta[pair[0]])
	b, okB := domain.FiniteNumber(meta[pair[1]])
	if !okA || !okB {
		return "", false
	}
	return round(a) + ":" + round(b), true
}

func valueKey(v float64) (string, bool) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return "", false
	}
	return "value:" + round(v), true
}

// round matches the half-up rounding browsers use for these inputs and formats
// the integral result without going through int64, so magnitudes past 2^63
// keep distinct keys.
func round(f float64) string {
	return strconv.FormatFloat(math.Floor(f+0.5), 'f', -1, 64)
}
