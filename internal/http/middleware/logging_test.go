package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func captureLogger(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := log.Logger
	t.Cleanup(func() { log.Logger = prev })
	log.Logger = zerolog.New(&buf)
	return &buf
}

// lastLine decodes the last JSON log line in buf.
func lastLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	var m map[string]any
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &m); err != nil {
		t.Fatalf("decode log line: %v (%q)", err, buf.String())
	}
	return m
}

func TestRequestID_GenerateAndPropagate(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestID())
	r.GET("/rid", func(c *gin.Context) {
		if RequestIDFrom(c) == "" {
			t.Fatalf("requestID not set in context")
		}
		c.String(http.StatusOK, "ok")
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/rid", nil))
	if w.Header().Get(requestIDHeader) == "" {
		t.Fatalf("expected generated %s header", requestIDHeader)
	}

	w2 := httptest.NewRecorder()
	req2 := httptest.NewRequest(http.MethodGet, "/rid", nil)
	req2.Header.Set(strings.ToLower(requestIDHeader), "abc-123")
	r.ServeHTTP(w2, req2)
	if got := w2.Header().Get(requestIDHeader); got != "abc-123" {
		t.Fatalf("expected propagated request id, got %q", got)
	}
}

func TestOperator_ValidAndMalformed(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Operator())
	r.GET("/op", func(c *gin.Context) { c.String(http.StatusOK, OperatorFrom(c)) })

	cases := []struct{ in, want string }{
		{in: "ops.alice", want: "ops.alice"},
		{in: "", want: ""},
		{in: "has space", want: ""},
		{in: strings.Repeat("a", 65), want: ""},
	}
	for _, tc := range cases {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/op", nil)
		if tc.in != "" {
			req.Header.Set(HeaderOperator, tc.in)
		}
		r.ServeHTTP(w, req)
		if w.Body.String() != tc.want {
			t.Fatalf("operator %q -> %q, want %q", tc.in, w.Body.String(), tc.want)
		}
	}
}

func TestRecovery_WritesEnvelope(t *testing.T) {
	gin.SetMode(gin.TestMode)
	_ = captureLogger(t)
	r := gin.New()
	r.Use(RequestID(), Recovery())
	r.GET("/boom", func(c *gin.Context) { panic("kaboom") })
	r.GET("/late", func(c *gin.Context) {
		c.String(http.StatusOK, "partial")
		panic("after write")
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/boom", nil)
	req.Header.Set(requestIDHeader, "rid-1")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", w.Code)
	}
	var body map[string]string
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	if body["request_id"] != "rid-1" || body["code"] != "internal_error" {
		t.Fatalf("unexpected body: %v", body)
	}

	w2 := httptest.NewRecorder()
	r.ServeHTTP(w2, httptest.NewRequest(http.MethodGet, "/late", nil))
	if !strings.Contains(w2.Body.String(), "partial") {
		t.Fatalf("written body should be preserved, got %q", w2.Body.String())
	}
}

func TestLoggerFrom_FallbackNotNil(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	if LoggerFrom(c) == nil {
		t.Fatalf("LoggerFrom returned nil")
	}
	c.Set(loggerKey, "not a logger")
	if LoggerFrom(c) == nil {
		t.Fatalf("LoggerFrom returned nil for wrong type")
	}
}

func TestTruncate(t *testing.T) {
	if truncate("abc", 0) != "abc" || truncate("abc", 3) != "abc" || truncate("abcdef", 3) != "abc…" {
		t.Fatalf("truncate unexpected")
	}
}
