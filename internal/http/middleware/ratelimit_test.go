package middleware

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func TestKeyByOperatorOrIP(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = net.JoinHostPort("203.0.113.9", "12345")
	c.Request = req

	if key := KeyByOperatorOrIP()(c); key != "ip:203.0.113.9" {
		t.Fatalf("expected ip key, got %q", key)
	}
	c.Set(operatorKey, "crm")
	if key := KeyByOperatorOrIP()(c); key != "op:crm" {
		t.Fatalf("expected operator key, got %q", key)
	}
}

func TestRateLimiter_VisitorReuseAndGC(t *testing.T) {
	rl := NewRateLimiter(2.0, 0, KeyByOperatorOrIP())
	if rl.burst != 1 {
		t.Fatalf("burst coercion failed, got %d", rl.burst)
	}
	lim := rl.getVisitor("k1")
	if rl.getVisitor("k1") != lim {
		t.Fatalf("expected limiter reuse")
	}

	rl.ttl = 0
	rl.cleanupN = 4999
	if rl.getVisitor("k1") == lim {
		t.Fatalf("expected idle bucket to be evicted and recreated")
	}
	if rl.cleanupN != 0 {
		t.Fatalf("cleanup counter should reset, got %d", rl.cleanupN)
	}
}

func TestRateLimiter_Handler429AndReplayBypass(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rl := NewRateLimiter(0.0001, 1, KeyByOperatorOrIP())

	r := gin.New()
	r.Use(RequestID(), Operator())
	r.Use(IdempotencyValidator(IdempotencyOptions{}, func(_ context.Context, key string, _ time.Time) (bool, error) {
		return key == "seen", nil
	}))
	r.Use(rl.Handler())
	r.POST("/x", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	do := func(idem string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/x", nil)
		req.Header.Set(HeaderOperator, "crm")
		if idem != "" {
			req.Header.Set(HeaderIdempotencyKey, idem)
		}
		r.ServeHTTP(w, req)
		return w
	}

	if w := do(""); w.Code != http.StatusNoContent {
		t.Fatalf("first request = %d", w.Code)
	}
	w := do("")
	if w.Code != http.StatusTooManyRequests || w.Header().Get("Retry-After") != "1" {
		t.Fatalf("second request = %d", w.Code)
	}
	if w := do("seen"); w.Code != http.StatusNoContent {
		t.Fatalf("replay should bypass the limiter, got %d", w.Code)
	}
}
