package models

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Payload is the loosely-typed field mapping submitted by the form source.
// Unknown fields pass through untouched; the raw JSON text is what gets
// persisted, this map is only the parsed working view.
type Payload map[string]interface{}

// WebhookRecord represents one received form webhook. The payload is
// immutable after creation; the only permitted mutations are the two
// terminal transitions applied by the store (mark-processed, mark-failed).
type WebhookRecord struct {
	ID           string     `json:"id"`
	RawPayload   string     `json:"-"`
	Payload      Payload    `json:"payload"`
	Processed    bool       `json:"processed"`
	ProcessedAt  *time.Time `json:"processedAt,omitempty"`
	ErrorMessage *string    `json:"errorMessage,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// ParsePayload decodes raw webhook body bytes into a Payload.
func ParsePayload(raw []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	return p, nil
}

// Field returns the payload value for key, stringified. Numbers are
// rendered without a trailing ".0"; absent, empty and non-scalar values
// all yield "".
func (p Payload) Field(key string) string {
	v, ok := p[key]
	if !ok {
		return ""
	}
	return stringifyValue(v)
}

// HasField reports whether the payload carries a non-empty value for key.
func (p Payload) HasField(key string) bool {
	return p.Field(key) != ""
}

func stringifyValue(v interface{}) string {
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(val, 10)
	case json.Number:
		return val.String()
	case bool:
		return strconv.FormatBool(val)
	default:
		return ""
	}
}
