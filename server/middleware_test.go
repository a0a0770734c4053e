package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
}

func TestAdminAuthMiddleware(t *testing.T) {
	tests := []struct {
		name           string
		cfg            AuthConfig
		reqUsername    string
		reqPassword    string
		reqToken       string
		expectedStatus int
	}{
		{
			name:           "no auth configured - allows request",
			expectedStatus: http.StatusOK,
		},
		{
			name:           "valid basic auth",
			cfg:            AuthConfig{Username: "admin", Password: "secret123"},
			reqUsername:    "admin",
			reqPassword:    "secret123",
			expectedStatus: http.StatusOK,
		},
		{
			name:           "invalid basic auth username",
			cfg:            AuthConfig{Username: "admin", Password: "secret123"},
			reqUsername:    "wrong",
			reqPassword:    "secret123",
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "invalid basic auth password",
			cfg:            AuthConfig{Username: "admin", Password: "secret123"},
			reqUsername:    "admin",
			reqPassword:    "wrong",
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "username without password leaves auth off",
			cfg:            AuthConfig{Username: "admin"},
			expectedStatus: http.StatusOK,
		},
		{
			name:           "valid token auth",
			cfg:            AuthConfig{Token: "test-token-12345"},
			reqToken:       "test-token-12345",
			expectedStatus: http.StatusOK,
		},
		{
			name:           "invalid token auth",
			cfg:            AuthConfig{Token: "test-token-12345"},
			reqToken:       "wrong-token",
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "token auth takes precedence over basic auth",
			cfg:            AuthConfig{Username: "admin", Password: "secret123", Token: "test-token-12345"},
			reqToken:       "test-token-12345",
			reqUsername:    "wrong",
			reqPassword:    "wrong",
			expectedStatus: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := adminAuth(okHandler(), tt.cfg)

			req := httptest.NewRequest(http.MethodPost, "/control/send", nil)
			if tt.reqUsername != "" || tt.reqPassword != "" {
				req.SetBasicAuth(tt.reqUsername, tt.reqPassword)
			}
			if tt.reqToken != "" {
				req.Header.Set("X-Admin-Token", tt.reqToken)
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			if rr.Code != tt.expectedStatus {
				t.Errorf("status = %d, want %d", rr.Code, tt.expectedStatus)
			}
			if tt.expectedStatus == http.StatusUnauthorized && rr.Header().Get("WWW-Authenticate") == "" {
				t.Error("missing WWW-Authenticate header on 401 response")
			}
		})
	}
}

func TestRateLimiter(t *testing.T) {
	now := time.Unix(1700000000, 0)
	limiter := newIPRateLimiter(context.Background(), RateLimitConfig{Enabled: true, RequestsPerIP: 3, Window: time.Minute})
	limiter.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if !limiter.allow("192.168.1.1") {
			t.Errorf("allow() request %d = false, want true", i+1)
		}
	}
	if limiter.allow("192.168.1.1") {
		t.Error("allow() request 4 = true, want false")
	}
	if !limiter.allow("192.168.1.2") {
		t.Error("allow() other IP = false, want true")
	}

	now = now.Add(61 * time.Second)
	if !limiter.allow("192.168.1.1") {
		t.Error("allow() after window = false, want true")
	}

	now = now.Add(3 * time.Minute)
	limiter.cleanup()
	if n := len(limiter.visitors); n != 0 {
		t.Errorf("visitors after cleanup = %d, want 0", n)
	}
}

func TestRateLimiterDisabled(t *testing.T) {
	limiter := newIPRateLimiter(context.Background(), RateLimitConfig{Enabled: false, RequestsPerIP: 1})
	for i := 0; i < 100; i++ {
		if !limiter.allow("192.168.1.1") {
			t.Fatalf("allow() request %d = false with limiter disabled", i+1)
		}
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	limiter := newIPRateLimiter(context.Background(), RateLimitConfig{Enabled: true, RequestsPerIP: 2, Window: time.Minute})
	handler := rateLimitMiddleware(okHandler(), limiter)

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/control/send", nil)
		req.RemoteAddr = "192.168.1.1:12345"
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Errorf("request %d status = %d, want 200", i+1, rr.Code)
		}
	}

	req := httptest.NewRequest(http.MethodPost, "/control/send", nil)
	req.RemoteAddr = "192.168.1.1:54321"
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusTooManyRequests {
		t.Errorf("request 3 status = %d, want 429", rr.Code)
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After header on 429 response")
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name      string
		remote    string
		forwarded string
		want      string
	}{
		{"ipv4 with port", "192.168.1.1:1234", "", "192.168.1.1"},
		{"ipv4 without port", "192.168.1.1", "", "192.168.1.1"},
		{"ipv6 with port", "[2001:db8::1]:8080", "", "2001:db8::1"},
		{"ipv6 without port", "2001:db8::1", "", "2001:db8::1"},
		{"forwarded chain", "10.0.0.1:1", "203.0.113.7, 10.0.0.2", "203.0.113.7"},
		{"forwarded ipv6", "10.0.0.1:1", "[2001:db8::2]:443", "2001:db8::2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			if tt.forwarded != "" {
				req.Header.Set("X-Forwarded-For", tt.forwarded)
			}
			if got := clientIP(req); got != tt.want {
				t.Errorf("clientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCORSConfig(t *testing.T) {
	tests := []struct {
		name       string
		cfg        CORSConfig
		origin     string
		wantOrigin string
	}{
		{"permissive allows all", CORSConfig{Permissive: true}, "http://anything.test", "*"},
		{"allowed origin echoed", CORSConfig{AllowedOrigins: []string{"http://localhost:3000"}}, "http://localhost:3000", "http://localhost:3000"},
		{"wildcard subdomain", CORSConfig{AllowedOrigins: []string{"*.example.com"}}, "https://overlay.example.com", "https://overlay.example.com"},
		{"unknown origin blocked", CORSConfig{AllowedOrigins: []string{"http://localhost:3000"}}, "http://evil.test", ""},
		{"no origins configured", CORSConfig{}, "http://localhost:3000", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := withCORSConfig(okHandler(), tt.cfg)
			req := httptest.NewRequest(http.MethodGet, "/status", nil)
			req.Header.Set("Origin", tt.origin)
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)
			if got := rr.Header().Get("Access-Control-Allow-Origin"); got != tt.wantOrigin {
				t.Errorf("Access-Control-Allow-Origin = %q, want %q", got, tt.wantOrigin)
			}
		})
	}
}

func TestCORSPreflightRequest(t *testing.T) {
	called := false
	handler := withCORSConfig(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}), CORSConfig{Permissive: true})

	req := httptest.NewRequest(http.MethodOptions, "/control/send", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want 204", rr.Code)
	}
	if called {
		t.Error("preflight reached the wrapped handler")
	}
}

func TestIsOriginAllowed(t *testing.T) {
	allowed := []string{"http://localhost:3000", "*.example.com"}
	tests := []struct {
		origin string
		want   bool
	}{
		{"http://localhost:3000", true},
		{"https://app.example.com", true},
		{"https://example.com", true},
		{"https://notexample.com", false},
		{"http://localhost:3001", false},
	}
	for _, tt := range tests {
		if got := isOriginAllowed(tt.origin, allowed); got != tt.want {
			t.Errorf("isOriginAllowed(%q) = %v, want %v", tt.origin, got, tt.want)
		}
	}
}
