package shield

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/listingproof/dbopen"
	"github.com/hazyhaar/listingproof/kit"

	_ "modernc.org/sqlite"
)

func testRouter(t *testing.T) (*chi.Mux, *RateLimiter) {
	t.Helper()
	db := dbopen.OpenMemory(t)
	stack, rl, err := DefaultStack(db, nil)
	if err != nil {
		t.Fatalf("DefaultStack: %v", err)
	}
	r := chi.NewRouter()
	for _, mw := range stack {
		r.Use(mw)
	}
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Post("/capture", func(w http.ResponseWriter, r *http.Request) {
		if _, err := io.ReadAll(r.Body); err != nil {
			http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
			return
		}
		w.Write([]byte(kit.GetRequestID(r.Context())))
	})
	return r, rl
}

func TestSecurityHeaders(t *testing.T) {
	// WHAT: every response carries the security headers and a request id.
	// WHY: reports and attempt JSON must not be framed, sniffed or cached.
	r, _ := testRouter(t)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))

	checks := map[string]string{
		"X-Frame-Options":        "DENY",
		"X-Content-Type-Options": "nosniff",
		"Cache-Control":          "no-store",
		"Referrer-Policy":        "no-referrer",
	}
	for header, want := range checks {
		if got := w.Header().Get(header); got != want {
			t.Errorf("%s: got %q, want %q", header, got, want)
		}
	}
	if len(w.Header().Get("X-Request-ID")) != 36 {
		t.Errorf("X-Request-ID = %q, want a UUID", w.Header().Get("X-Request-ID"))
	}
}

func TestTraceID_KeepsValidIncomingID(t *testing.T) {
	r, _ := testRouter(t)
	const id = "0192f3a0-7c1e-7b44-9a55-3c2d1e0f9a8b"

	req := httptest.NewRequest("POST", "/capture", strings.NewReader("stock_id=1"))
	req.Header.Set("X-Request-ID", id)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Body.String() != id {
		t.Errorf("request id in ctx = %q, want %q", w.Body.String(), id)
	}

	req = httptest.NewRequest("POST", "/capture", nil)
	req.Header.Set("X-Request-ID", "../../evil")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Body.String() == "../../evil" {
		t.Error("invalid incoming request id was kept")
	}
}

func TestMaxBody(t *testing.T) {
	// WHAT: JSON bodies over the limit fail to read.
	// WHY: the capture endpoint accepts JSON as well as forms.
	r, _ := testRouter(t)
	req := httptest.NewRequest("POST", "/capture", strings.NewReader(`{"stock_id":"`+strings.Repeat("9", 70*1024)+`"}`))
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.RemoteAddr = "10.0.0.9:4000"
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", w.Code)
	}
}

func TestRateLimiter_CaptureSeeded(t *testing.T) {
	// WHAT: the seeded capture rule blocks the seventh request in a minute.
	// WHY: each capture launches a browser session.
	r, _ := testRouter(t)

	var last *httptest.ResponseRecorder
	for i := 0; i < 7; i++ {
		req := httptest.NewRequest("POST", "/capture", nil)
		req.RemoteAddr = "192.0.2.1:1234"
		last = httptest.NewRecorder()
		r.ServeHTTP(last, req)
		if i < 6 && last.Code != http.StatusOK {
			t.Fatalf("request %d: status %d", i+1, last.Code)
		}
	}
	if last.Code != http.StatusTooManyRequests {
		t.Fatalf("7th request: status %d, want 429", last.Code)
	}
	if last.Header().Get("Retry-After") == "" {
		t.Error("Retry-After missing")
	}
	if !strings.Contains(last.Body.String(), "rate limit exceeded") {
		t.Errorf("body = %q", last.Body.String())
	}

	// Another client is unaffected.
	req := httptest.NewRequest("POST", "/capture", nil)
	req.RemoteAddr = "192.0.2.2:1234"
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("other ip: status %d", w.Code)
	}
}

func TestRateLimiter_WindowResetAndExclude(t *testing.T) {
	r, rl := testRouter(t)
	now := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }
	if err := rl.SetRule(context.Background(), "GET /health", RateLimitConfig{MaxRequests: 1, WindowSeconds: 60, Enabled: true}); err != nil {
		t.Fatal(err)
	}
	if err := rl.SetRule(context.Background(), "POST /capture", RateLimitConfig{MaxRequests: 1, WindowSeconds: 60, Enabled: true}); err != nil {
		t.Fatal(err)
	}

	do := func(method, path string) int {
		req := httptest.NewRequest(method, path, nil)
		req.RemoteAddr = "198.51.100.7:1"
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}

	for i := 0; i < 3; i++ {
		if code := do("GET", "/health"); code != http.StatusOK {
			t.Fatalf("excluded /health: status %d", code)
		}
	}
	if do("POST", "/capture") != http.StatusOK || do("POST", "/capture") != http.StatusTooManyRequests {
		t.Fatal("second capture in window should be blocked")
	}
	now = now.Add(61 * time.Second)
	if code := do("POST", "/capture"); code != http.StatusOK {
		t.Errorf("after window: status %d", code)
	}
	rl.gc()
}

func TestExtractIP(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "10.1.2.3:5555"
	if got := ExtractIP(req); got != "10.1.2.3" {
		t.Errorf("RemoteAddr: got %q", got)
	}
	req.Header.Set("X-Forwarded-For", " 203.0.113.5 , 10.0.0.1")
	if got := ExtractIP(req); got != "203.0.113.5" {
		t.Errorf("X-Forwarded-For: got %q", got)
	}
}
