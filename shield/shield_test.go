package shield

import (
	"database/sql"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
}

func TestSecurityHeaders(t *testing.T) {
	h := SecurityHeaders(DefaultHeaders())(okHandler())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))

	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatal("missing X-Content-Type-Options")
	}
	if rec.Header().Get("X-Frame-Options") != "DENY" {
		t.Fatal("missing X-Frame-Options")
	}
	csp := rec.Header().Get("Content-Security-Policy")
	if !strings.Contains(csp, "https://unpkg.com") {
		t.Fatalf("CSP must admit the Leaflet CDN, got %q", csp)
	}
	if !strings.Contains(csp, "img-src 'self' data: https:") {
		t.Fatalf("CSP must admit tile images, got %q", csp)
	}
}

func TestHeadToGet(t *testing.T) {
	var seen string
	h := HeadToGet(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Method
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("HEAD", "/", nil))
	if seen != http.MethodGet {
		t.Fatalf("method = %q, want GET", seen)
	}
}

func TestMaxJSONBody(t *testing.T) {
	h := MaxJSONBody(16)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := io.ReadAll(r.Body); err != nil {
			w.WriteHeader(http.StatusRequestEntityTooLarge)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	big := strings.NewReader(strings.Repeat("x", 64))
	req := httptest.NewRequest("POST", "/api/reports", big)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("code = %d, want body limit to trip", rec.Code)
	}

	// Non-JSON bodies pass through untouched.
	req = httptest.NewRequest("POST", "/upload", strings.NewReader(strings.Repeat("x", 64)))
	req.Header.Set("Content-Type", "application/octet-stream")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d, non-JSON must pass", rec.Code)
	}
}

func TestTraceID(t *testing.T) {
	var gotTrace string
	h := TraceID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTrace = GetTraceID(r.Context())
		if GetLogger(r.Context()) == nil {
			t.Error("request logger missing")
		}
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))

	if gotTrace == "" {
		t.Fatal("trace ID missing from context")
	}
	if len(gotTrace) != 8 {
		t.Fatalf("trace ID %q, want 8 generated characters", gotTrace)
	}
	if rec.Header().Get("X-Trace-ID") != gotTrace {
		t.Fatal("header and context trace IDs differ")
	}
}

func setupLimiterDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	if err := Init(db); err != nil {
		t.Fatal(err)
	}
	return db
}

func TestRateLimiter_BlocksAfterLimit(t *testing.T) {
	db := setupLimiterDB(t)
	db.Exec(`INSERT INTO rate_limits (endpoint, max_requests, window_seconds, enabled)
		VALUES ('POST /api/export', 2, 60, 1)`)

	rl := NewRateLimiter(db)
	h := rl.Middleware(okHandler())

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("POST", "/api/export", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: code = %d", i+1, rec.Code)
		}
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/export", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("code = %d, want 429", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("blocked response Content-Type = %q", ct)
	}

	// A different IP has its own bucket.
	rec = httptest.NewRecorder()
	req = httptest.NewRequest("POST", "/api/export", nil)
	req.RemoteAddr = "10.0.0.2:1234"
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("other IP blocked: code = %d", rec.Code)
	}
}

func TestRateLimiter_UnknownEndpointAllowed(t *testing.T) {
	rl := NewRateLimiter(setupLimiterDB(t))
	h := rl.Middleware(okHandler())

	for i := 0; i < 10; i++ {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/api/reports", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("unconfigured endpoint blocked at request %d", i+1)
		}
	}
}

func TestRateLimiter_ReloadPicksUpNewRules(t *testing.T) {
	db := setupLimiterDB(t)
	rl := NewRateLimiter(db)
	h := rl.Middleware(okHandler())

	// No rule yet: unlimited.
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/export", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d before rule exists", rec.Code)
	}

	// An operator inserts a rule at runtime; the next reload applies it.
	db.Exec(`INSERT INTO rate_limits (endpoint, max_requests, window_seconds, enabled)
		VALUES ('POST /api/export', 1, 60, 1)`)
	rl.reload()

	for i, want := range []int{http.StatusOK, http.StatusTooManyRequests} {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("POST", "/api/export", nil)
		req.RemoteAddr = "10.0.0.2:1234"
		h.ServeHTTP(rec, req)
		if rec.Code != want {
			t.Fatalf("request %d after reload: code = %d, want %d", i+1, rec.Code, want)
		}
	}
}

func TestRateLimiter_GCEvictsExpiredBuckets(t *testing.T) {
	db := setupLimiterDB(t)
	db.Exec(`INSERT INTO rate_limits (endpoint, max_requests, window_seconds, enabled)
		VALUES ('POST /api/reports', 5, 1, 1)`)

	rl := NewRateLimiter(db)
	for i := 0; i < 3; i++ {
		rl.allow(fmt.Sprintf("10.0.0.%d", i), "POST /api/reports")
	}

	count := func() int {
		n := 0
		rl.buckets.Range(func(_, _ any) bool { n++; return true })
		return n
	}
	if count() != 3 {
		t.Fatalf("buckets = %d, want 3", count())
	}

	// Force every bucket past its window, then collect.
	rl.buckets.Range(func(_, v any) bool {
		v.(*bucket).resetAt = time.Now().Add(-time.Second)
		return true
	})
	rl.gc()
	if count() != 0 {
		t.Fatalf("buckets = %d after gc, want 0", count())
	}
}

func TestDefaultStack_ReturnsLimiterHandle(t *testing.T) {
	db := setupLimiterDB(t)
	stack, rl := DefaultStack(db)
	if len(stack) == 0 {
		t.Fatal("empty middleware stack")
	}
	if rl == nil {
		t.Fatal("DefaultStack must hand back the limiter for StartReloader")
	}
	done := make(chan struct{})
	rl.StartReloader(done)
	close(done)
}

func TestRateLimiter_ExcludedPrefix(t *testing.T) {
	db := setupLimiterDB(t)
	db.Exec(`INSERT INTO rate_limits (endpoint, max_requests, window_seconds, enabled)
		VALUES ('GET /healthz', 1, 60, 1)`)

	rl := NewRateLimiter(db, "/healthz")
	h := rl.Middleware(okHandler())

	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/healthz", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatal("excluded prefix must never be limited")
		}
	}
}

func TestExtractIP(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "192.0.2.7:5555"
	if got := ExtractIP(req); got != "192.0.2.7" {
		t.Fatalf("ExtractIP = %q", got)
	}

	req.Header.Set("X-Forwarded-For", "203.0.113.9, 192.0.2.7")
	if got := ExtractIP(req); got != "203.0.113.9" {
		t.Fatalf("ExtractIP with XFF = %q", got)
	}
}
