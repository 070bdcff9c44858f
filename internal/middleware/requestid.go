package middleware

import (
	"log/slog"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	// RequestIDHeader is the HTTP header used to propagate the request identifier.
	RequestIDHeader = "X-Request-ID"

	// RequestIDKey is the gin.Context key holding the request ID.
	RequestIDKey = "request_id"

	maxRequestIDLen = 128
)

// RequestIDMiddleware gives every request an identifier, reusing a sane
// inbound X-Request-ID and generating a UUID v4 otherwise. The ID is stored
// under RequestIDKey and echoed in the response header so clients can
// correlate with server logs.
//
// Register it before MetricsMiddleware and LoggerMiddleware so every log line
// carries the ID.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if !validRequestID(id) {
			id = uuid.New().String()
		}

		c.Set(RequestIDKey, id)
		c.Header(RequestIDHeader, id)

		c.Next()
	}
}

// RequestLogger returns the default logger tagged with the request ID.
func RequestLogger(c *gin.Context) *slog.Logger {
	if id := c.GetString(RequestIDKey); id != "" {
		return slog.With("request_id", id)
	}
	return slog.Default()
}

// validRequestID accepts short printable ASCII IDs so a client cannot inject
// control characters into log lines.
func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLen {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] < 0x21 || id[i] > 0x7e {
			return false
		}
	}
	return true
}
