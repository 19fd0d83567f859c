package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func idemRouter(lookup IdempotencyLookup, opts IdempotencyOptions) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(IdempotencyValidator(opts, lookup))
	r.POST("/outcomes", func(c *gin.Context) {
		key, ok := GetIdempotencyKey(c)
		c.JSON(http.StatusOK, gin.H{"key": key, "has": ok, "replay": IsReplay(c), "bypass": IsRateBypass(c)})
	})
	return r
}

func post(r *gin.Engine, key string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/outcomes", nil)
	if key != "" {
		req.Header.Set(HeaderIdempotencyKey, key)
	}
	r.ServeHTTP(w, req)
	return w
}

func TestIdempotency_NoHeaderIsNoop(t *testing.T) {
	w := post(idemRouter(nil, IdempotencyOptions{}), "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"has":false`) {
		t.Fatalf("unexpected: %d %s", w.Code, w.Body.String())
	}
}

func TestIdempotency_InvalidKeys(t *testing.T) {
	r := idemRouter(nil, IdempotencyOptions{MaxLen: 8})
	for _, k := range []string{"has space", "waytoolongkey", "semi;colon"} {
		w := post(r, k)
		if w.Code != http.StatusBadRequest || !strings.Contains(w.Body.String(), "bad_idempotency_key") {
			t.Fatalf("key %q: %d %s", k, w.Code, w.Body.String())
		}
	}

	custom := idemRouter(nil, IdempotencyOptions{Pattern: regexp.MustCompile(`^[0-9]+$`)})
	if w := post(custom, "abc"); w.Code != http.StatusBadRequest {
		t.Fatalf("custom pattern should reject, got %d", w.Code)
	}
	if w := post(custom, "123"); w.Code != http.StatusOK {
		t.Fatalf("custom pattern should accept, got %d", w.Code)
	}
}

func TestIdempotency_ReplayDetection(t *testing.T) {
	var gotKey string
	lookup := func(_ context.Context, key string, now time.Time) (bool, error) {
		gotKey = key
		if now.IsZero() {
			t.Fatalf("lookup called with zero time")
		}
		switch key {
		case "done-1":
			return true, nil
		case "broken":
			return false, errors.New("db down")
		}
		return false, nil
	}
	r := idemRouter(lookup, IdempotencyOptions{})

	w := post(r, "done-1")
	if !strings.Contains(w.Body.String(), `"replay":true`) || !strings.Contains(w.Body.String(), `"bypass":true`) {
		t.Fatalf("expected replay flags: %s", w.Body.String())
	}
	if gotKey != "done-1" {
		t.Fatalf("lookup key = %q", gotKey)
	}
	for _, k := range []string{"fresh-2", "broken"} {
		w := post(r, k)
		if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"replay":false`) {
			t.Fatalf("key %q: %s", k, w.Body.String())
		}
	}
}
