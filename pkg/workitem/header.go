package workitem

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Recognized header keys.
const (
	KeyStatus           = "status"
	KeyPriority         = "priority"
	KeyCreatedAt        = "created_at"
	KeySource           = "source"
	KeyApprovalRequired = "approval_required"
	KeyKind             = "kind"
	KeyActionType       = "action_type"
	KeyParams           = "params"
	KeyAmount           = "amount"
)

// Engine-owned header keys.
const (
	KeyAttempts      = "attempts"
	KeyErrors        = "errors"
	KeyNextAttemptAt = "next_attempt_at"
	KeyHandler       = "handler"
	KeyExecution     = "execution"
	KeyFailure       = "failure"
	KeyApprovalID    = "approval_id"
	KeyOriginID      = "origin_id"
	KeyExpiresAt     = "expires_at"
	KeyDecidedBy     = "decided_by"
	KeyDecidedAt     = "decided_at"
	KeyDecision      = "decision"
	KeyReason        = "reason"
	KeyArchivedAt    = "archived_at"
	KeyComment       = "comment"
	KeyGate          = "gate"
)

// Header is the open key/value metadata of an item. Values are kept
// JSON-native (string, float64, bool, []any, map[string]any, nil).
type Header map[string]any

// Clone returns a shallow copy.
func (h Header) Clone() Header {
	out := make(Header, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

// Merge returns a copy of h with patch applied on top. Keys absent from
// patch are preserved untouched.
func (h Header) Merge(patch Header) Header {
	out := h.Clone()
	for k, v := range patch {
		out[k] = v
	}
	return out
}

// String returns the string value of key, or "".
func (h Header) String(key string) string {
	switch v := h[key].(type) {
	case string:
		return v
	case nil:
		return ""
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

// Float returns the numeric value of key.
func (h Header) Float(key string) (float64, bool) {
	switch v := h[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// Int returns the integer value of key, or 0.
func (h Header) Int(key string) int {
	f, ok := h.Float(key)
	if !ok {
		return 0
	}
	return int(f)
}

// Bool returns the boolean value of key. String forms "true"/"yes" count.
func (h Header) Bool(key string) bool {
	switch v := h[key].(type) {
	case bool:
		return v
	case string:
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
		return v == "yes"
	default:
		return false
	}
}

// Time parses an RFC3339 timestamp stored under key.
func (h Header) Time(key string) (time.Time, bool) {
	switch v := h[key].(type) {
	case time.Time:
		return v, true
	case string:
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return time.Time{}, false
		}
		return t, true
	default:
		return time.Time{}, false
	}
}

// Decode unmarshals the value stored under key into out.
func (h Header) Decode(key string, out any) error {
	v, ok := h[key]
	if !ok || v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode header key %s: %w", key, err)
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("failed to decode header key %s: %w", key, err)
	}
	return nil
}

// Params returns the `params` map, or an empty map.
func (h Header) Params() map[string]any {
	if p, ok := h[KeyParams].(map[string]any); ok {
		return p
	}
	return map[string]any{}
}

// FormatTime renders t the way timestamps are stored in headers.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// Normalize converts arbitrary values (structs, typed maps, times) into
// their JSON-native form so both storage backends hold identical headers.
func Normalize(h Header) (Header, error) {
	if h == nil {
		return Header{}, nil
	}
	b, err := json.Marshal(map[string]any(h))
	if err != nil {
		return nil, fmt.Errorf("failed to normalize header: %w", err)
	}
	out := Header{}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("failed to normalize header: %w", err)
	}
	return out, nil
}
