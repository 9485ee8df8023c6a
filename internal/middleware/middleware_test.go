package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/SigNoz/artist-storefront/internal/auth"
	"github.com/SigNoz/artist-storefront/internal/logging"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestRequestIDAndAccessLog(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	r := mux.NewRouter()
	r.Use(RequestIDMiddleware(zap.New(core)), LoggingMiddleware)

	var seen string
	r.HandleFunc("/items/{id}", func(w http.ResponseWriter, req *http.Request) {
		seen = RequestIDFromContext(req.Context())
		logging.FromContext(req.Context()).Info("inside")
		w.WriteHeader(http.StatusTeapot)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/items/7", nil))

	require.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get("X-Request-ID"))

	entries := logs.FilterMessage("http_request").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "/items/{id}", fields["route"])
	assert.EqualValues(t, http.StatusTeapot, fields["status"])
	assert.Equal(t, seen, fields["request_id"])
	assert.Equal(t, 1, logs.FilterMessage("inside").FilterField(zap.String("request_id", seen)).Len())

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/items/8", nil)
	req.Header.Set("X-Request-ID", "given-id")
	r.ServeHTTP(rec, req)
	assert.Equal(t, "given-id", rec.Header().Get("X-Request-ID"))
}

func TestRecoveryMiddleware(t *testing.T) {
	h := RecoveryMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"Internal Server Error"}`, rec.Body.String())
}

func TestCORSPreflight(t *testing.T) {
	h := CORSMiddleware("https://shop.example.com")(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		t.Fatal("preflight must not reach the handler")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/checkout", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://shop.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRateLimiterPerClient(t *testing.T) {
	l := NewRateLimiter(1, 2)
	now := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return now }

	h := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	do := func(ip string) int {
		req := httptest.NewRequest(http.MethodPost, "/checkout", nil)
		req.RemoteAddr = ip + ":5555"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusNoContent, do("10.0.0.1"))
	assert.Equal(t, http.StatusNoContent, do("10.0.0.1"))
	assert.Equal(t, http.StatusTooManyRequests, do("10.0.0.1"))
	assert.Equal(t, http.StatusNoContent, do("10.0.0.2"))

	now = now.Add(time.Second)
	assert.Equal(t, http.StatusNoContent, do("10.0.0.1"))

	now = now.Add(time.Hour)
	l.Cleanup()
	assert.Empty(t, l.clients)
}

func TestRateLimiterIgnoresSpoofedForwardedFor(t *testing.T) {
	l := NewRateLimiter(1, 1)
	now := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return now }

	h := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	for i, code := range []int{http.StatusNoContent, http.StatusTooManyRequests, http.StatusTooManyRequests} {
		req := httptest.NewRequest(http.MethodPost, "/checkout", nil)
		req.RemoteAddr = "203.0.113.9:5555"
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("198.51.100.%d", i))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, code, rec.Code, "request %d", i)
	}
}

func TestRateLimiterClientIPBehindTrustedProxy(t *testing.T) {
	proxies, err := ParseTrustedProxies([]string{"10.0.0.0/8", "192.168.1.10"})
	require.NoError(t, err)
	l := NewRateLimiter(1, 1, proxies...)

	ip := func(remote, xff string) string {
		req := httptest.NewRequest(http.MethodPost, "/checkout", nil)
		req.RemoteAddr = remote
		if xff != "" {
			req.Header.Set("X-Forwarded-For", xff)
		}
		return l.clientIP(req)
	}

	// header from an untrusted peer is ignored
	assert.Equal(t, "203.0.113.9", ip("203.0.113.9:1", "1.2.3.4"))
	// rightmost untrusted hop wins, spoofed entries to its left do not matter
	assert.Equal(t, "198.51.100.7", ip("10.1.2.3:1", "1.2.3.4, 198.51.100.7"))
	assert.Equal(t, "198.51.100.7", ip("192.168.1.10:1", "6.6.6.6, 198.51.100.7, 10.0.0.5"))
	// only proxies in the chain
	assert.Equal(t, "10.1.2.3", ip("10.1.2.3:1", "10.0.0.5"))
	assert.Equal(t, "10.1.2.3", ip("10.1.2.3:1", ""))

	_, err = ParseTrustedProxies([]string{"not-an-ip"})
	assert.Error(t, err)
	_, err = ParseTrustedProxies([]string{"10.0.0.0/99"})
	assert.Error(t, err)
}

type stubValidator struct{}

func (stubValidator) Validate(token string) (*auth.Claims, error) {
	if token != "good" {
		return nil, errors.New("bad token")
	}
	return &auth.Claims{Email: "admin@example.com", Admin: true}, nil
}

func TestAdminAuthMiddleware(t *testing.T) {
	h := AdminAuthMiddleware(stubValidator{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "admin@example.com", ClaimsFromContext(r.Context()).Email)
		w.WriteHeader(http.StatusNoContent)
	}))

	cases := map[string]int{
		"":            http.StatusUnauthorized,
		"Bearer":      http.StatusUnauthorized,
		"Basic good":  http.StatusUnauthorized,
		"Bearer nope": http.StatusUnauthorized,
		"Bearer good": http.StatusNoContent,
	}
	for header, want := range cases {
		req := httptest.NewRequest(http.MethodGet, "/api/admin/orders", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, want, rec.Code, header)
	}
}
