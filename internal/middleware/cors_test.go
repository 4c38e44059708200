package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCORSMiddleware(t *testing.T) {
	const allowed = "https://app.example.com"

	tests := []struct {
		name          string
		allowedOrigin string
		method        string
		origin        string
		preflight     bool
		wantStatus    int
		wantAllow     string
		wantNext      bool
	}{
		{name: "matching origin", allowedOrigin: allowed, method: http.MethodGet, origin: allowed, wantStatus: http.StatusOK, wantAllow: allowed, wantNext: true},
		{name: "origin compared case-insensitively", allowedOrigin: allowed, method: http.MethodPost, origin: "https://APP.example.com", wantStatus: http.StatusOK, wantAllow: "https://APP.example.com", wantNext: true},
		{name: "foreign origin gets no allow header", allowedOrigin: allowed, method: http.MethodGet, origin: "https://evil.example.com", wantStatus: http.StatusOK, wantNext: true},
		{name: "no origin header", allowedOrigin: allowed, method: http.MethodGet, wantStatus: http.StatusOK, wantNext: true},
		{name: "cors disabled", method: http.MethodGet, origin: allowed, wantStatus: http.StatusOK, wantNext: true},
		{name: "preflight from allowed origin", allowedOrigin: allowed, method: http.MethodOptions, origin: allowed, preflight: true, wantStatus: http.StatusNoContent, wantAllow: allowed},
		{name: "preflight from foreign origin reaches router", allowedOrigin: allowed, method: http.MethodOptions, origin: "https://evil.example.com", preflight: true, wantStatus: http.StatusOK, wantNext: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			handler := NewCORSMiddleware(tt.allowedOrigin)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				called = true
				w.WriteHeader(http.StatusOK)
			}))

			req := httptest.NewRequest(tt.method, "/api/issues", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			if tt.preflight {
				req.Header.Set("Access-Control-Request-Method", http.MethodPut)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if got := w.Header().Get("Access-Control-Allow-Origin"); got != tt.wantAllow {
				t.Errorf("Access-Control-Allow-Origin = %q, want %q", got, tt.wantAllow)
			}
			if called != tt.wantNext {
				t.Errorf("next called = %v, want %v", called, tt.wantNext)
			}
			if tt.wantAllow != "" && w.Header().Get("Access-Control-Allow-Credentials") != "true" {
				t.Error("Access-Control-Allow-Credentials should be true for allowed origins")
			}
		})
	}
}

func TestCORSMiddleware_PreflightAdvertisesCSRFHeader(t *testing.T) {
	handler := NewCORSMiddleware("https://app.example.com")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest(http.MethodOptions, "/api/issues/1/status", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPut)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if got := w.Header().Get("Access-Control-Allow-Headers"); got != "Content-Type, Authorization, X-CSRF-Token" {
		t.Errorf("Access-Control-Allow-Headers = %q", got)
	}
	if got := w.Header().Get("Vary"); got != "Origin" {
		t.Errorf("Vary = %q, want %q", got, "Origin")
	}
}
