package security

import (
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDetector(t *testing.T) *Detector {
	t.Helper()
	d, err := NewDetector(DefaultTrustedProxies...)
	require.NoError(t, err)
	return d
}

func TestNewDetectorRejectsBadCIDR(t *testing.T) {
	_, err := NewDetector("10.0.0.0/8", "not-a-cidr")
	assert.Error(t, err)
}

func TestExtractClientIP(t *testing.T) {
	d := newDetector(t)

	tests := []struct {
		name   string
		remote string
		xff    string
		xri    string
		want   string
	}{
		{"direct", "203.0.113.7:5000", "", "", "203.0.113.7"},
		{"untrusted peer ignores header", "203.0.113.7:5000", "198.51.100.1", "", "203.0.113.7"},
		{"trusted proxy", "10.0.0.2:5000", "198.51.100.1, 10.0.0.2", "", "198.51.100.1"},
		{"real ip fallback", "127.0.0.1:5000", "garbage", "198.51.100.9", "198.51.100.9"},
		{"bad headers", "192.168.1.1:5000", "garbage", "", "192.168.1.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remote
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.xri != "" {
				r.Header.Set("X-Real-IP", tt.xri)
			}
			assert.Equal(t, tt.want, d.ExtractClientIP(r))
		})
	}
}

func TestFromTrustedProxy(t *testing.T) {
	d, err := NewDetector("10.1.0.0/16")
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.1.2.3:443"
	assert.True(t, d.FromTrustedProxy(r))
	r.RemoteAddr = "10.2.0.1:443"
	assert.False(t, d.FromTrustedProxy(r))
}

func TestIsSuspicious(t *testing.T) {
	d := newDetector(t)
	tests := []struct {
		method, target, agent string
		want                  bool
	}{
		{http.MethodGet, "/purchases/abc", "Mozilla/5.0", false},
		{http.MethodGet, "/static/../../etc/passwd", "", true},
		{http.MethodGet, "/.env", "", true},
		{http.MethodGet, "/?q=union+select", "", true},
		{http.MethodGet, "/?q=union%20select", "", true},
		{http.MethodGet, "/parts/p1?tab=purchases", "", false},
		{http.MethodGet, "/", "sqlmap/1.7", true},
		{"TRACE", "/", "", true},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(tt.method, tt.target, nil)
		r.Header.Set("User-Agent", tt.agent)
		assert.Equal(t, tt.want, d.IsSuspicious(r), tt.target)
	}
}

func TestMiddlewareBlocks(t *testing.T) {
	d := newDetector(t)
	reached := false
	h := d.Middleware(true)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { reached = true }))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/.git/config", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.False(t, reached)

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.True(t, reached)

	suspicious, blocked := d.Counts()
	assert.Equal(t, int64(1), suspicious)
	assert.Equal(t, int64(1), blocked)
}

func TestHeaders(t *testing.T) {
	h := Headers(DefaultHeadersConfig())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Contains(t, rec.Header().Get("Content-Security-Policy"), "https://unpkg.com")
	assert.Empty(t, rec.Header().Get("Strict-Transport-Security"))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.TLS = &tls.ConnectionState{}
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	assert.Equal(t, "max-age=31536000; includeSubDomains", rec.Header().Get("Strict-Transport-Security"))
}
