package audit

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsSensitiveField(t *testing.T) {
	for _, name := range []string{"password", "Password", "password_hash", "TOKEN", "otp", "secret", "newPassword", "currentpassword"} {
		assert.True(t, IsSensitiveField(name), name)
	}
	for _, name := range []string{"email", "username", "password2", "tokens"} {
		assert.False(t, IsSensitiveField(name), name)
	}
}

func TestRedact(t *testing.T) {
	body := map[string]interface{}{
		"email":    "a@b.c",
		"password": "hunter2",
		"profile": map[string]interface{}{
			"Token": "abc",
			"name":  "Ann",
		},
		"factors": []interface{}{
			map[string]interface{}{"otp": "123456", "kind": "sms"},
			"plain",
		},
	}

	got := Redact(body)

	assert.Equal(t, "a@b.c", got["email"])
	assert.Equal(t, RedactedMarker, got["password"])
	profile := got["profile"].(map[string]interface{})
	assert.Equal(t, RedactedMarker, profile["Token"])
	assert.Equal(t, "Ann", profile["name"])
	factors := got["factors"].([]interface{})
	assert.Equal(t, RedactedMarker, factors[0].(map[string]interface{})["otp"])
	assert.Equal(t, "sms", factors[0].(map[string]interface{})["kind"])
	assert.Equal(t, "plain", factors[1])

	// The input is untouched.
	assert.Equal(t, "hunter2", body["password"])
	assert.Equal(t, "abc", body["profile"].(map[string]interface{})["Token"])
	assert.Equal(t, "123456", body["factors"].([]interface{})[0].(map[string]interface{})["otp"])
}

func TestRedact_Nil(t *testing.T) {
	assert.Nil(t, Redact(nil))
}

func TestRedactJSON(t *testing.T) {
	v, ok := RedactJSON([]byte(`{"email":"x@y.z","password":"p","age":30}`))
	require.True(t, ok)
	m := v.(map[string]interface{})
	assert.Equal(t, RedactedMarker, m["password"])
	assert.Equal(t, json.Number("30"), m["age"])

	v, ok = RedactJSON([]byte(`[{"secret":"s"}]`))
	require.True(t, ok)
	assert.Equal(t, RedactedMarker, v.([]interface{})[0].(map[string]interface{})["secret"])
}

func TestRedactJSON_NotJSON(t *testing.T) {
	for _, raw := range []string{"", "   ", "name=ann&password=x", "{broken"} {
		_, ok := RedactJSON([]byte(raw))
		assert.False(t, ok, "%q", raw)
	}
}
