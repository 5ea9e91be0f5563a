// Package httpapi is the Control API from spec.md §6: task submission and
// lookup, worker registration/heartbeat, and checkpoint resolution over
// plain net/http, with rate limiting and circuit breaking at the
// boundary. Grounded on the teacher's services/api-gateway — the
// schema-validated-JSON-body idiom, the middleware chain, and the
// request-scoped logging/metrics wrapper are carried over and adapted to
// this domain's request shapes instead of the gateway's ingest/threat
// payloads.
package httpapi

import (
	"encoding/json"
	"fmt"
)

// fieldError reports a single malformed-field failure, matching the
// teacher's ValidationError shape.
type fieldError struct {
	Field   string
	Message string
}

func (e fieldError) Error() string {
	return fmt.Sprintf("field %q: %s", e.Field, e.Message)
}

// parseAndRequire validates one request payload's required fields.
// Unlike the teacher's generic property-schema engine, each control-API
// payload is small and fixed-shape enough to validate with a short
// function instead of a declarative schema table.
func parseAndRequire(raw json.RawMessage, required ...string) (map[string]any, error) {
	var data map[string]any
	if len(raw) == 0 {
		return nil, fieldError{Field: "body", Message: "missing request body"}
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fieldError{Field: "body", Message: "invalid JSON: " + err.Error()}
	}
	for _, field := range required {
		if _, ok := data[field]; !ok {
			return nil, fieldError{Field: field, Message: "required field missing"}
		}
	}
	return data, nil
}

func stringField(data map[string]any, field string, required bool) (string, error) {
	v, ok := data[field]
	if !ok {
		if required {
			return "", fieldError{Field: field, Message: "required field missing"}
		}
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fieldError{Field: field, Message: "must be a string"}
	}
	return s, nil
}

func enumField(data map[string]any, field string, allowed ...string) (string, error) {
	s, err := stringField(data, field, true)
	if err != nil {
		return "", err
	}
	for _, a := range allowed {
		if s == a {
			return s, nil
		}
	}
	return "", fieldError{Field: field, Message: fmt.Sprintf("must be one of %v", allowed)}
}

func stringSliceField(data map[string]any, field string) ([]string, error) {
	v, ok := data[field]
	if !ok {
		return nil, nil
	}
	arr, ok := v.([]any)
	if !ok {
		return nil, fieldError{Field: field, Message: "must be an array of strings"}
	}
	out := make([]string, 0, len(arr))
	for _, item := range arr {
		s, ok := item.(string)
		if !ok {
			return nil, fieldError{Field: field, Message: "must be an array of strings"}
		}
		out = append(out, s)
	}
	return out, nil
}

func floatField(data map[string]any, field string, required bool) (float64, error) {
	v, ok := data[field]
	if !ok {
		if required {
			return 0, fieldError{Field: field, Message: "required field missing"}
		}
		return 0, nil
	}
	f, ok := v.(float64)
	if !ok {
		return 0, fieldError{Field: field, Message: "must be a number"}
	}
	return f, nil
}

func intField(data map[string]any, field string, required bool) (int, error) {
	f, err := floatField(data, field, required)
	if err != nil {
		return 0, err
	}
	return int(f), nil
}

func boolField(data map[string]any, field string) (bool, error) {
	v, ok := data[field]
	if !ok {
		return false, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, fieldError{Field: field, Message: "must be a boolean"}
	}
	return b, nil
}
