package audit

import (
	"bytes"
	"encoding/json"
	"strings"
)

// RedactedMarker replaces the value of every sensitive field.
const RedactedMarker = "[REDACTED]"

// Field names that are never written in the clear. Matching ignores case.
var sensitiveFields = map[string]bool{
	"password":        true,
	"password_hash":   true,
	"token":           true,
	"otp":             true,
	"secret":          true,
	"newpassword":     true,
	"currentpassword": true,
}

// IsSensitiveField reports whether a body field must be redacted.
func IsSensitiveField(name string) bool {
	return sensitiveFields[strings.ToLower(name)]
}

// Redact returns a copy of body with sensitive fields replaced by
// RedactedMarker. Nested objects and arrays are copied and redacted too; body
// itself is never modified.
func Redact(body map[string]interface{}) map[string]interface{} {
	if body == nil {
		return nil
	}
	out := make(map[string]interface{}, len(body))
	for k, v := range body {
		if IsSensitiveField(k) {
			out[k] = RedactedMarker
			continue
		}
		out[k] = redactValue(v)
	}
	return out
}

func redactValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return Redact(t)
	case []interface{}:
		cp := make([]interface{}, len(t))
		for i, e := range t {
			cp[i] = redactValue(e)
		}
		return cp
	default:
		return v
	}
}

// RedactJSON decodes a JSON request body and redacts it. ok is false when the
// body is empty or not JSON, in which case nothing should be recorded.
func RedactJSON(raw []byte) (interface{}, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, false
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, false
	}
	return redactValue(v), true
}
