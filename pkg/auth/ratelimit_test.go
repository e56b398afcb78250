package auth_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mizan-labs/idis/pkg/auth"
)

func TestRateLimitUnderLimit(t *testing.T) {
	limiter := auth.NewLimiter(auth.RateLimitPolicy{RPS: 100, Burst: 10})
	handler := auth.RateLimitMiddleware(limiter)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/v1/deals", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRateLimitOverLimit(t *testing.T) {
	limiter := auth.NewLimiter(auth.RateLimitPolicy{RPS: 0.01, Burst: 1})
	handler := auth.RateLimitMiddleware(limiter)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req1 := httptest.NewRequest("GET", "/v1/deals", nil)
	req1.RemoteAddr = "10.0.0.1:1234"
	w1 := httptest.NewRecorder()
	handler.ServeHTTP(w1, req1)
	assert.Equal(t, http.StatusOK, w1.Code)

	req2 := httptest.NewRequest("GET", "/v1/deals", nil)
	req2.RemoteAddr = "10.0.0.1:1234"
	w2 := httptest.NewRecorder()
	handler.ServeHTTP(w2, req2)
	assert.Equal(t, http.StatusTooManyRequests, w2.Code)
	assert.NotEmpty(t, w2.Header().Get("Retry-After"))
	assert.Contains(t, w2.Body.String(), "RATE_LIMITED")
}

func TestRateLimitKeysPerActor(t *testing.T) {
	limiter := auth.NewLimiter(auth.RateLimitPolicy{RPS: 0.01, Burst: 1})
	handler := auth.RateLimitMiddleware(limiter)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	// Exhaust one actor's bucket.
	reqA := httptest.NewRequest("GET", "/v1/deals", nil)
	reqA.RemoteAddr = "10.0.0.1:1234"
	handler.ServeHTTP(httptest.NewRecorder(), reqA)

	// A different actor still has tokens.
	reqB := httptest.NewRequest("GET", "/v1/deals", nil)
	reqB.RemoteAddr = "10.0.0.2:1234"
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, reqB)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestNilLimiterDisablesLimiting(t *testing.T) {
	handler := auth.RateLimitMiddleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 50; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest("GET", "/v1/deals", nil))
		assert.Equal(t, http.StatusOK, w.Code)
	}
}
