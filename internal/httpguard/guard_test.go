package httpguard

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/specgate-dev/specgate/internal/audit"
	"github.com/specgate-dev/specgate/internal/metrics"
)

const testToken = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

func newGuard(t *testing.T, next http.Handler) *Guard {
	t.Helper()
	if next == nil {
		next = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			io.WriteString(w, "ok") //nolint:errcheck
		})
	}
	g, err := New(next, "/mcp", "127.0.0.1:8811", testToken, 1024, audit.NewNop(), metrics.New())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return g
}

func doRequest(g *Guard, mutate func(*http.Request)) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "http://127.0.0.1:8811/mcp", strings.NewReader(`{}`))
	req.Header.Set("Authorization", "Bearer "+testToken)
	if mutate != nil {
		mutate(req)
	}
	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, req)
	return rec
}

func TestGuardAcceptsWellFormedRequest(t *testing.T) {
	rec := doRequest(newGuard(t, nil), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestGuardRejections(t *testing.T) {
	tests := []struct {
		name       string
		mutate     func(*http.Request)
		wantStatus int
	}{
		{
			"foreign host",
			func(r *http.Request) { r.Host = "evil.example:8811" },
			http.StatusForbidden,
		},
		{
			"rebound host same port",
			func(r *http.Request) { r.Host = "attacker.localhost.example:8811" },
			http.StatusForbidden,
		},
		{
			"origin header present",
			func(r *http.Request) { r.Header.Set("Origin", "http://127.0.0.1:8811") },
			http.StatusForbidden,
		},
		{
			"null origin",
			func(r *http.Request) { r.Header.Set("Origin", "null") },
			http.StatusForbidden,
		},
		{
			"wrong path",
			func(r *http.Request) { r.URL.Path = "/admin" },
			http.StatusNotFound,
		},
		{
			"wrong method",
			func(r *http.Request) { r.Method = http.MethodGet },
			http.StatusNotFound,
		},
		{
			"missing content length",
			func(r *http.Request) { r.ContentLength = -1 },
			http.StatusLengthRequired,
		},
		{
			"oversized declared length",
			func(r *http.Request) { r.ContentLength = 10_000 },
			http.StatusRequestEntityTooLarge,
		},
		{
			"missing token",
			func(r *http.Request) { r.Header.Del("Authorization") },
			http.StatusUnauthorized,
		},
		{
			"wrong token same length",
			func(r *http.Request) {
				r.Header.Set("Authorization", "Bearer "+strings.Repeat("f", len(testToken)))
			},
			http.StatusUnauthorized,
		},
		{
			"short token",
			func(r *http.Request) { r.Header.Set("Authorization", "Bearer abc") },
			http.StatusUnauthorized,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(newGuard(t, nil), tt.mutate)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}

func TestGuardDefensiveHeadersOnRejection(t *testing.T) {
	rec := doRequest(newGuard(t, nil), func(r *http.Request) { r.Host = "evil.example:8811" })

	want := map[string]string{
		"X-Content-Type-Options":  "nosniff",
		"X-Frame-Options":         "DENY",
		"Cache-Control":           "no-store",
		"Referrer-Policy":         "no-referrer",
		"Content-Security-Policy": "default-src 'none'",
	}
	for k, v := range want {
		if got := rec.Header().Get(k); got != v {
			t.Errorf("%s = %q, want %q", k, got, v)
		}
	}
}

func TestGuardLocalHostNameVariants(t *testing.T) {
	g := newGuard(t, nil)
	for _, host := range []string{"127.0.0.1:8811", "localhost:8811", "[::1]:8811"} {
		rec := doRequest(g, func(r *http.Request) { r.Host = host })
		if rec.Code != http.StatusOK {
			t.Errorf("host %s: status = %d", host, rec.Code)
		}
	}
}

func TestGuardStreamCeilingIndependentOfDeclaredLength(t *testing.T) {
	var readErr error
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, readErr = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	})
	g := newGuard(t, next)

	// Declared length lies: small on the wire header, huge actual body.
	body := strings.Repeat("x", 5000)
	rec := doRequest(g, func(r *http.Request) {
		r.Body = io.NopCloser(strings.NewReader(body))
		r.ContentLength = 10
	})
	_ = rec
	if readErr == nil {
		t.Fatal("handler read past the stream ceiling without error")
	}
	var maxErr *http.MaxBytesError
	if !errors.As(readErr, &maxErr) {
		t.Errorf("read error = %v, want MaxBytesError", readErr)
	}
}

func TestGuardRequiresToken(t *testing.T) {
	if _, err := New(http.NotFoundHandler(), "/mcp", "127.0.0.1:8811", "", 1024, audit.NewNop(), metrics.New()); err == nil {
		t.Fatal("empty token accepted")
	}
}

func TestGenerateToken(t *testing.T) {
	a, err := GenerateToken()
	if err != nil {
		t.Fatal(err)
	}
	b, err := GenerateToken()
	if err != nil {
		t.Fatal(err)
	}
	if len(a) != 64 || a == b {
		t.Errorf("tokens %q / %q, want distinct 64-char hex", a, b)
	}
}
