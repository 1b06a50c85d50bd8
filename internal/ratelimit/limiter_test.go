// SPDX-License-Identifier: MIT

package ratelimit

import (
	"net/http/httptest"
	"strconv"
	"testing"
	"time"
)

func TestRateLimiterGlobal(t *testing.T) {
	config := Config{
		GlobalRate:      10,
		GlobalBurst:     20,
		PerKeyRate:      100,
		PerKeyBurst:     200,
		CleanupInterval: 1 * time.Minute,
	}
	limiter := New(config)

	allowed := 0
	for i := 0; i < 25; i++ {
		if limiter.Allow("sub-1") {
			allowed++
		}
	}

	if allowed < 19 || allowed > 21 {
		t.Errorf("expected ~20 requests to pass with burst=20, got %d", allowed)
	}
}

func TestRateLimiterPerKey(t *testing.T) {
	config := Config{
		GlobalRate:      100,
		GlobalBurst:     200,
		PerKeyRate:      5,
		PerKeyBurst:     10,
		CleanupInterval: 1 * time.Minute,
	}
	limiter := New(config)

	key := "sub-3"
	allowed := 0
	for i := 0; i < 20; i++ {
		if limiter.Allow(key) {
			allowed++
		}
	}

	if allowed < 9 || allowed > 11 {
		t.Errorf("expected ~10 requests to pass with burst=10, got %d", allowed)
	}

	allowed2 := 0
	for i := 0; i < 20; i++ {
		if limiter.Allow("sub-4") {
			allowed2++
		}
	}

	if allowed2 < 9 || allowed2 > 11 {
		t.Errorf("expected ~10 requests for second key, got %d", allowed2)
	}
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name       string
		headers    map[string]string
		remoteAddr string
		want       string
	}{
		{
			name:       "X-Forwarded-For single IP",
			headers:    map[string]string{"X-Forwarded-For": "203.0.113.1"},
			remoteAddr: "192.168.1.1:12345",
			want:       "203.0.113.1",
		},
		{
			name:       "X-Forwarded-For multiple IPs",
			headers:    map[string]string{"X-Forwarded-For": "203.0.113.1, 192.168.1.1, 10.0.0.1"},
			remoteAddr: "127.0.0.1:12345",
			want:       "203.0.113.1",
		},
		{
			name:       "X-Real-IP",
			headers:    map[string]string{"X-Real-IP": "203.0.113.2"},
			remoteAddr: "192.168.1.1:12345",
			want:       "203.0.113.2",
		},
		{
			name:       "Fallback to RemoteAddr",
			headers:    map[string]string{},
			remoteAddr: "192.168.1.100:54321",
			want:       "192.168.1.100",
		},
		{
			name:       "X-Forwarded-For with spaces",
			headers:    map[string]string{"X-Forwarded-For": "  203.0.113.5  "},
			remoteAddr: "192.168.1.1:12345",
			want:       "203.0.113.5",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			req.RemoteAddr = tt.remoteAddr

			got := GetClientIP(req)
			if got != tt.want {
				t.Errorf("GetClientIP() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRateLimiterCleanup(t *testing.T) {
	config := Config{
		GlobalRate:      100,
		GlobalBurst:     200,
		PerKeyRate:      10,
		PerKeyBurst:     20,
		CleanupInterval: 100 * time.Millisecond,
	}
	limiter := New(config)

	for i := 0; i < 10; i++ {
		key := "sub-" + strconv.Itoa(100+i)
		limiter.Allow(key)
	}

	limiter.mu.RLock()
	countBefore := len(limiter.perKey)
	limiter.mu.RUnlock()

	if countBefore != 10 {
		t.Errorf("expected 10 per-key limiters, got %d", countBefore)
	}

	time.Sleep(150 * time.Millisecond)

	// Trigger cleanup by making a request: this wipes the stale map and
	// creates a single fresh entry for the new key.
	limiter.Allow("sub-200")

	limiter.mu.RLock()
	countAfter := len(limiter.perKey)
	limiter.mu.RUnlock()

	if countAfter != 1 {
		t.Errorf("expected 1 per-key limiter after cleanup (new request), got %d", countAfter)
	}
}

func BenchmarkRateLimiterAllow(b *testing.B) {
	config := DefaultConfig()
	limiter := New(config)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		limiter.Allow("sub-1")
	}
}

func BenchmarkGetClientIP(b *testing.B) {
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.1, 192.168.1.1")
	req.RemoteAddr = "192.168.1.100:54321"

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		GetClientIP(req)
	}
}
