package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func postPlan(h http.Handler, remoteAddr string) int {
	req := httptest.NewRequest(http.MethodPost, "/plan", nil)
	req.RemoteAddr = remoteAddr
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr.Code
}

func TestRateLimit_Disabled(t *testing.T) {
	t.Parallel()
	var nilLimiter *RateLimiter
	for _, rl := range []*RateLimiter{nilLimiter, NewRateLimiter(0, 1)} {
		h := rl.Middleware()(okHandler)
		for range 5 {
			assert.Equal(t, http.StatusOK, postPlan(h, "1.2.3.4:5678"))
		}
	}
}

func TestRateLimit_BlocksOverBurst(t *testing.T) {
	t.Parallel()
	h := NewRateLimiter(0.001, 2).Middleware()(okHandler)

	assert.Equal(t, http.StatusOK, postPlan(h, "1.2.3.4:5678"))
	assert.Equal(t, http.StatusOK, postPlan(h, "1.2.3.4:5679"))
	assert.Equal(t, http.StatusTooManyRequests, postPlan(h, "1.2.3.4:5680"))

	// Another client has its own bucket.
	assert.Equal(t, http.StatusOK, postPlan(h, "5.6.7.8:1234"))
}

func TestRateLimit_OnlySubmissions(t *testing.T) {
	t.Parallel()
	h := NewRateLimiter(0.001, 1).Middleware()(okHandler)

	for range 3 {
		req := httptest.NewRequest(http.MethodGet, "/plan/pl-1", nil)
		req.RemoteAddr = "1.2.3.4:5678"
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusOK, rr.Code)
	}
}

func TestRateLimiter_Evict(t *testing.T) {
	t.Parallel()
	rl := NewRateLimiter(1, 1)
	rl.allow("1.1.1.1")
	rl.allow("2.2.2.2")

	assert.Zero(t, rl.Evict(time.Now().Add(-time.Hour)))
	assert.Equal(t, 2, rl.Evict(time.Now().Add(time.Second)))
	assert.Zero(t, rl.Evict(time.Now().Add(time.Second)))
}

func TestClientIP(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		remote string
		fwd    string
		want   string
	}{
		{"remote addr", "10.0.0.1:4444", "", "10.0.0.1"},
		{"forwarded single", "10.0.0.1:4444", "203.0.113.7", "203.0.113.7"},
		{"forwarded chain", "10.0.0.1:4444", " 203.0.113.7 , 10.0.0.2", "203.0.113.7"},
		{"no port", "10.0.0.1", "", "10.0.0.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			if tt.fwd != "" {
				req.Header.Set("X-Forwarded-For", tt.fwd)
			}
			assert.Equal(t, tt.want, clientIP(req))
		})
	}
}
