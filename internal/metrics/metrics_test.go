package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMiddlewareRecordsRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/api/auctions/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	before := testutil.ToFloat64(HTTPRequests.WithLabelValues("/api/auctions/{id}", "GET", "418"))
	req := httptest.NewRequest(http.MethodGet, "/api/auctions/42", nil)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	after := testutil.ToFloat64(HTTPRequests.WithLabelValues("/api/auctions/{id}", "GET", "418"))
	if after-before != 1 {
		t.Fatalf("expected one request recorded, got %f", after-before)
	}
}

func TestResultLabel(t *testing.T) {
	if ResultLabel(nil) != "ok" {
		t.Fatalf("nil error should be ok")
	}
	if ResultLabel(http.ErrAbortHandler) != "error" {
		t.Fatalf("non-nil error should be error")
	}
}
