package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_CountsByRoute(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Metrics())
	r.GET("/recipients/:id/messages", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	before := testutil.ToFloat64(httpReqs.WithLabelValues("GET", "/recipients/:id/messages", "200"))
	beforeMiss := testutil.ToFloat64(httpReqs.WithLabelValues("GET", "unmatched", "404"))

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/recipients/5215512345678/messages", nil))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/recipients/5215599999999/messages", nil))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/missing", nil))

	if got := testutil.ToFloat64(httpReqs.WithLabelValues("GET", "/recipients/:id/messages", "200")) - before; got != 2 {
		t.Fatalf("route counter delta = %v, want 2", got)
	}
	if got := testutil.ToFloat64(httpReqs.WithLabelValues("GET", "unmatched", "404")) - beforeMiss; got != 1 {
		t.Fatalf("unmatched counter delta = %v, want 1", got)
	}
	if v := testutil.ToFloat64(httpInflight); v != 0 {
		t.Fatalf("inflight gauge should return to 0, got %v", v)
	}
}
