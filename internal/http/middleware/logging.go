// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file provides the request ID injector, operator identity, panic
// recovery, and access to the request-scoped logger. Recommended order:
//
//  1. RequestID()
//  2. Operator()
//  3. RedactingLogger(...)
//  4. Recovery()
//
// so that panics and access logs carry the correlation ID and the caller.
package middleware

import (
	"net/http"
	"regexp"
	"runtime/debug"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	// requestIDKey is the Gin context key under which the request ID is stored.
	requestIDKey = "requestID"
	// requestIDHeader is the HTTP header used to propagate the correlation ID.
	requestIDHeader = "X-Request-ID"
	// operatorKey is the Gin context key for the calling operator/integration.
	operatorKey = "operator"
	// HeaderOperator names the caller for audit events (kill switch flips).
	HeaderOperator = "X-Operator"
	// loggerKey stores the request-scoped *zerolog.Logger.
	loggerKey = "logger"
)

var operatorRE = regexp.MustCompile(`^[A-Za-z0-9._@\-]{1,64}$`)

// RequestID attaches (or propagates) a correlation identifier per request.
// An incoming X-Request-ID is reused; otherwise a UUIDv4 is generated. The
// value is echoed on the response.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader(requestIDHeader)
		if rid == "" {
			rid = uuid.NewString()
		}
		c.Set(requestIDKey, rid)
		c.Writer.Header().Set(requestIDHeader, rid)
		c.Next()
	}
}

// Operator stores the X-Operator header in the context when it is a short
// token. Malformed values are ignored rather than rejected.
func Operator() gin.HandlerFunc {
	return func(c *gin.Context) {
		if op := c.GetHeader(HeaderOperator); operatorRE.MatchString(op) {
			c.Set(operatorKey, op)
		}
		c.Next()
	}
}

// OperatorFrom returns the operator set by Operator(), or "".
func OperatorFrom(c *gin.Context) string {
	v, _ := c.Get(operatorKey)
	return asString(v)
}

// RequestIDFrom returns the correlation ID set by RequestID(), or "".
func RequestIDFrom(c *gin.Context) string {
	v, _ := c.Get(requestIDKey)
	return asString(v)
}

// Recovery converts panics into a JSON 500 envelope carrying the request ID
// and logs the stack trace.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if rec := recover(); rec != nil {
				rid := RequestIDFrom(c)
				log.Error().
					Interface("panic", rec).
					Bytes("stack", debug.Stack()).
					Str("request_id", rid).
					Msg("panic recovered")

				if !c.Writer.Written() {
					c.Header(requestIDHeader, rid)
					c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
						"request_id": rid,
						"code":       "internal_error",
						"message":    "internal server error",
					})
					return
				}
				c.AbortWithStatus(http.StatusInternalServerError)
			}
		}()
		c.Next()
	}
}

// LoggerFrom returns the request-scoped logger, or a plain global logger
// when none was attached. Never nil.
func LoggerFrom(c *gin.Context) *zerolog.Logger {
	if v, ok := c.Get(loggerKey); ok {
		if lg, ok := v.(*zerolog.Logger); ok {
			return lg
		}
	}
	l := log.With().Logger()
	return &l
}

func asString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// truncate caps s at max bytes, appending an ellipsis. max <= 0 disables it.
func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
