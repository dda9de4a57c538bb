package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"
	"unicode/utf8"
)

// ErrInvalidPayload is matched by every rejection returned from this package.
var ErrInvalidPayload = errors.New("invalid payload")

var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// FieldError represents a single field's validation error.
type FieldError struct {
	Field string `json:"field"`
	Msg   string `json:"message"`
}

func (e FieldError) Error() string { return fmt.Sprintf("%s: %s", e.Field, e.Msg) }

// ValidationError collects the field errors of a rejected payload.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, fe := range e.Fields {
		parts = append(parts, fe.Error())
	}
	return "invalid payload: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Is(target error) bool { return target == ErrInvalidPayload }

func reject(errs []FieldError) error {
	if len(errs) == 0 {
		return nil
	}
	return &ValidationError{Fields: errs}
}

// NormalizeContact turns an untrusted request body into a bounded Contact.
// The returned record carries no ID or CreatedAt; the store assigns both.
func NormalizeContact(raw map[string]any) (Contact, error) {
	var errs []FieldError

	name, ok := trimmedString(raw, "name")
	switch {
	case !ok || name == "":
		errs = append(errs, FieldError{"name", "required"})
	case utf8.RuneCountInString(name) > MaxContactNameLen:
		errs = append(errs, FieldError{"name", fmt.Sprintf("max length %d", MaxContactNameLen)})
	}

	email, ok := trimmedString(raw, "email")
	email = strings.ToLower(email)
	switch {
	case !ok || email == "":
		errs = append(errs, FieldError{"email", "required"})
	case utf8.RuneCountInString(email) > MaxContactEmailLen:
		errs = append(errs, FieldError{"email", fmt.Sprintf("max length %d", MaxContactEmailLen)})
	case !emailPattern.MatchString(email):
		errs = append(errs, FieldError{"email", "must be a valid address"})
	}

	message, ok := trimmedString(raw, "message")
	switch {
	case !ok || message == "":
		errs = append(errs, FieldError{"message", "required"})
	case utf8.RuneCountInString(message) > MaxContactMessageLen:
		errs = append(errs, FieldError{"message", fmt.Sprintf("max length %d", MaxContactMessageLen)})
	}

	segment, _ := trimmedString(raw, "segment")
	if segment == "" {
		segment = DefaultSegment
	} else if utf8.RuneCountInString(segment) > MaxContactSegmentLen {
		errs = append(errs, FieldError{"segment", fmt.Sprintf("max length %d", MaxContactSegmentLen)})
	}

	if err := reject(errs); err != nil {
		return Contact{}, err
	}
	return Contact{Name: name, Email: email, Message: message, Segment: segment}, nil
}

// NormalizeMetric turns an untrusted request body into a bounded Metric.
// Optional scalar fields with the wrong type or range are dropped to null;
// a malformed meta object rejects the whole event.
func NormalizeMetric(raw map[string]any) (Metric, error) {
	var errs []FieldError
	var m Metric

	eventName, ok := trimmedString(raw, "eventName")
	switch {
	case !ok || eventName == "":
		errs = append(errs, FieldError{"eventName", "required"})
	case utf8.RuneCountInString(eventName) > MaxEventNameLen:
		errs = append(errs, FieldError{"eventName", fmt.Sprintf("max length %d", MaxEventNameLen)})
	}
	m.EventName = eventName

	page, _ := trimmedString(raw, "page")
	if page == "" {
		page = DefaultPage
	} else if utf8.RuneCountInString(page) > MaxPageLen {
		errs = append(errs, FieldError{"page", fmt.Sprintf("max length %d", MaxPageLen)})
	}
	m.Page = page

	if sid, _ := trimmedString(raw, "sessionId"); sid != "" {
		if utf8.RuneCountInString(sid) > MaxSessionIDLen {
			errs = append(errs, FieldError{"sessionId", fmt.Sprintf("max length %d", MaxSessionIDLen)})
		}
		m.SessionID = &sid
	}

	if v, ok := FiniteNumber(raw["value"]); ok {
		m.Value = &v
	}

	if d, ok := FiniteNumber(raw["durationMs"]); ok {
		rounded := math.Floor(d + 0.5)
		if rounded >= 0 && rounded <= MaxDurationMs {
			ms := int64(rounded)
			m.DurationMs = &ms
		}
	}

	if b, ok := raw["success"].(bool); ok {
		m.Success = &b
	}

	if rawMeta, present := raw["meta"]; present && rawMeta != nil {
		meta, ok := rawMeta.(map[string]any)
		if !ok {
			errs = append(errs, FieldError{"meta", "must be an object"})
		} else if size, err := MetaSize(meta); err != nil {
			errs = append(errs, FieldError{"meta", "must be serializable"})
		} else if size > MaxMetaBytes {
			errs = append(errs, FieldError{"meta", fmt.Sprintf("max %d bytes", MaxMetaBytes)})
		} else {
			m.Meta = meta
		}
	}

	if err := reject(errs); err != nil {
		return Metric{}, err
	}
	return m, nil
}

// EncodeMeta serializes meta the way it is persisted. HTML escaping is off so
// the byte count matches what clients measure.
func EncodeMeta(meta map[string]any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(meta); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// MetaSize returns the serialized size of meta in bytes.
func MetaSize(meta map[string]any) (int, error) {
	b, err := EncodeMeta(meta)
	if err != nil {
		return 0, err
	}
	return len(b), nil
}

func trimmedString(raw map[string]any, key string) (string, bool) {
	s, ok := raw[key].(string)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(s), true
}

// FiniteNumber reports whether v is a finite JSON number and returns it.
func FiniteNumber(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
