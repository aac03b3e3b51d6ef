// Package conflict detects divergence between a queued mutation and the
// remote service's current state for the same entity, and resolves it with a
// deterministic strategy.
package conflict

import (
	"time"
)

// Document is an opaque domain payload treated as an unordered key→value
// record. Resolution logic operates on key presence and a few well-known
// bookkeeping fields, never on named domain fields.
type Document map[string]any

// Clone returns a shallow copy safe to mutate at the top level.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// Version returns the document's version counter if present.
func (d Document) Version() (int64, bool) {
	return asInt64(d["version"])
}

// UpdatedAt returns the last-modified timestamp, falling back to created_at.
func (d Document) UpdatedAt() (time.Time, bool) {
	if ts, ok := asTime(d["updated_at"]); ok {
		return ts, true
	}
	return asTime(d["created_at"])
}

// asInt64 coerces the numeric shapes a JSON round trip can produce.
func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	case float32:
		return int64(n), true
	default:
		return 0, false
	}
}

// asTime coerces RFC 3339 strings and Unix-second numbers.
func asTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case string:
		if ts, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return ts, true
		}
		if ts, err := time.Parse(time.RFC3339, t); err == nil {
			return ts, true
		}
		return time.Time{}, false
	case time.Time:
		return t, true
	default:
		if n, ok := asInt64(v); ok {
			return time.Unix(n, 0).UTC(), true
		}
		return time.Time{}, false
	}
}
