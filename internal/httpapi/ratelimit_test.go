package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimit_BurstThenReject(t *testing.T) {
	f := newAuthFixture(t)
	mw := NewAuthMiddleware(f.service, testRealm)
	handler := mw.Handler(RateLimitMiddleware(RateLimitConfig{
		WindowSeconds: 60,
		MaxRequests:   60,
		Burst:         3,
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})))

	token := f.mint(t, "employees")
	call := func() *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		handler.ServeHTTP(rec, req)
		return rec
	}

	for i := 0; i < 3; i++ {
		rec := call()
		require.Equal(t, http.StatusOK, rec.Code, "request %d within burst", i+1)
		assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Remaining"))
	}

	rec := call()
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Equal(t, "60", rec.Header().Get("X-RateLimit-Limit"))
}

func TestRateLimit_PerUserIsolation(t *testing.T) {
	limiter := newRateLimiter(RateLimitConfig{WindowSeconds: 60, MaxRequests: 60, Burst: 1})

	allowed, _, _, _ := limiter.bucket("user-a").allow()
	require.True(t, allowed)
	allowed, _, _, _ = limiter.bucket("user-a").allow()
	require.False(t, allowed, "user-a exhausted its bucket")

	// A different user still has a full bucket.
	allowed, _, _, _ = limiter.bucket("user-b").allow()
	assert.True(t, allowed)
}

func TestRateLimit_SkipsUnauthenticated(t *testing.T) {
	handler := RateLimitMiddleware(RateLimitConfig{WindowSeconds: 60, MaxRequests: 1, Burst: 1})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))

	// Without a session in context the limiter never engages.
	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		require.Equal(t, http.StatusOK, rec.Code)
	}
}
