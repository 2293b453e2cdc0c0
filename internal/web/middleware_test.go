package web

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestSecurityHeaders(t *testing.T) {
	t.Run("sets security headers", func(t *testing.T) {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		c.Request = httptest.NewRequest(http.MethodGet, "/", nil)

		handler := SecurityHeaders()
		handler(c)

		headers := w.Header()
		if headers.Get("X-Content-Type-Options") != "nosniff" {
			t.Error("expected X-Content-Type-Options header")
		}
		if headers.Get("X-Frame-Options") != "DENY" {
			t.Error("expected X-Frame-Options header")
		}
		if headers.Get("Referrer-Policy") != "strict-origin-when-cross-origin" {
			t.Error("expected Referrer-Policy header")
		}
		if headers.Get("Permissions-Policy") == "" {
			t.Error("expected Permissions-Policy header")
		}
		if headers.Get("Content-Security-Policy") == "" {
			t.Error("expected Content-Security-Policy header")
		}
	})

	t.Run("sets HSTS header for HTTPS", func(t *testing.T) {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
		c.Request.Header.Set("X-Forwarded-Proto", "https")

		handler := SecurityHeaders()
		handler(c)

		if w.Header().Get("Strict-Transport-Security") == "" {
			t.Error("expected HSTS header for HTTPS requests")
		}
	})

	t.Run("does not set HSTS for HTTP", func(t *testing.T) {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		c.Request = httptest.NewRequest(http.MethodGet, "/", nil)

		handler := SecurityHeaders()
		handler(c)

		if w.Header().Get("Strict-Transport-Security") != "" {
			t.Error("should not set HSTS header for HTTP requests")
		}
	})
}

func TestRateLimiter(t *testing.T) {
	t.Run("allows requests within limit", func(t *testing.T) {
		limiter := RateLimiter(10, 10)

		for i := 0; i < 5; i++ {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			c.Request = httptest.NewRequest(http.MethodGet, "/", nil)

			limiter(c)

			if c.IsAborted() {
				t.Errorf("request %d should not be aborted", i)
			}
		}
	})

	t.Run("blocks requests exceeding limit", func(t *testing.T) {
		limiter := RateLimiter(1, 1)

		w1 := httptest.NewRecorder()
		c1, _ := gin.CreateTestContext(w1)
		c1.Request = httptest.NewRequest(http.MethodGet, "/", nil)
		limiter(c1)

		if c1.IsAborted() {
			t.Error("first request should not be aborted")
		}

		w2 := httptest.NewRecorder()
		c2, _ := gin.CreateTestContext(w2)
		c2.Request = httptest.NewRequest(http.MethodGet, "/", nil)
		limiter(c2)

		if !c2.IsAborted() {
			t.Error("second request should be rate limited")
		}
		if w2.Code != http.StatusTooManyRequests {
			t.Errorf("expected status 429, got %d", w2.Code)
		}
	})
}

func TestRequireJSONContentType(t *testing.T) {
	testCases := []struct {
		name        string
		method      string
		contentType string
		aborted     bool
	}{
		{"GET without content-type", http.MethodGet, "", false},
		{"POST with JSON", http.MethodPost, "application/json", false},
		{"POST with JSON charset", http.MethodPost, "application/json; charset=utf-8", false},
		{"POST without body", http.MethodPost, "", false},
		{"POST with text", http.MethodPost, "text/plain", true},
		{"PUT with XML", http.MethodPut, "application/xml", true},
		{"PATCH with HTML", http.MethodPatch, "text/html", true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			c.Request = httptest.NewRequest(tc.method, "/", nil)
			if tc.contentType != "" {
				c.Request.Header.Set("Content-Type", tc.contentType)
			}

			RequireJSONContentType()(c)

			if c.IsAborted() != tc.aborted {
				t.Errorf("expected aborted=%v, got %v", tc.aborted, c.IsAborted())
			}
			if tc.aborted && w.Code != http.StatusUnsupportedMediaType {
				t.Errorf("expected status 415, got %d", w.Code)
			}
		})
	}
}

func TestValidateOrigin(t *testing.T) {
	allowed := []string{"https://upnext.example.com"}

	testCases := []struct {
		name    string
		method  string
		origin  string
		referer string
		aborted bool
	}{
		{"GET from anywhere", http.MethodGet, "https://evil.example.com", "", false},
		{"OPTIONS preflight", http.MethodOptions, "https://evil.example.com", "", false},
		{"POST from allowed origin", http.MethodPost, "https://upnext.example.com", "", false},
		{"POST from foreign origin", http.MethodPost, "https://evil.example.com", "", true},
		{"DELETE with allowed referer", http.MethodDelete, "", "https://upnext.example.com/settings", false},
		{"DELETE with foreign referer", http.MethodDelete, "", "https://evil.example.com/page", true},
		{"POST from a non-browser client", http.MethodPost, "", "", false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			c.Request = httptest.NewRequest(tc.method, "/api/refresh", nil)
			if tc.origin != "" {
				c.Request.Header.Set("Origin", tc.origin)
			}
			if tc.referer != "" {
				c.Request.Header.Set("Referer", tc.referer)
			}

			ValidateOrigin(allowed)(c)

			if c.IsAborted() != tc.aborted {
				t.Errorf("expected aborted=%v, got %v", tc.aborted, c.IsAborted())
			}
			if tc.aborted && w.Code != http.StatusForbidden {
				t.Errorf("expected status 403, got %d", w.Code)
			}
		})
	}
}

func TestAllowedOrigins(t *testing.T) {
	got := AllowedOrigins("https://upnext.example.com/app/", false)
	if len(got) != 1 || got[0] != "https://upnext.example.com" {
		t.Errorf("unexpected origins %v", got)
	}

	got = AllowedOrigins("http://localhost:9000", true)
	if len(got) != 3 || got[0] != "http://localhost:9000" {
		t.Errorf("expected development aliases, got %v", got)
	}

	if got := AllowedOrigins("not a url", false); len(got) != 0 {
		t.Errorf("expected no origins for an invalid base URL, got %v", got)
	}
}
