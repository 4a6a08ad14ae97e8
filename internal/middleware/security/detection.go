// Package security resolves client addresses behind the reverse proxy, flags
// probing requests and sets the response security headers.
package security

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"

	flog "festa/internal/log"
)

// DefaultTrustedProxies are the networks a reverse proxy usually runs in.
var DefaultTrustedProxies = []string{
	"127.0.0.0/8",
	"::1/128",
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
}

var (
	suspiciousPatterns = []string{
		"../", "..\\", ".env", "wp-admin", "phpmyadmin",
		"admin.php", "config.php", ".git", ".ssh",
		"eval(", "javascript:", "<script", "union select",
		"etc/passwd", "cmd.exe",
	}
	suspiciousAgents = []string{
		"sqlmap", "nmap", "nikto", "gobuster", "dirb", "masscan",
	}
	unusualMethods = []string{"TRACE", "TRACK", "DEBUG", "CONNECT"}
)

// Detector handles suspicious request detection
type Detector struct {
	suspicious     atomic.Int64
	blocked        atomic.Int64
	trustedProxies []*net.IPNet
}

// NewDetector trusts forwarded headers from the given networks.
func NewDetector(trustedCIDRs ...string) (*Detector, error) {
	d := &Detector{}
	for _, cidr := range trustedCIDRs {
		if err := d.AddTrustedProxy(cidr); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// AddTrustedProxy adds a trusted proxy network
func (d *Detector) AddTrustedProxy(cidr string) error {
	_, network, err := net.ParseCIDR(strings.TrimSpace(cidr))
	if err != nil {
		return fmt.Errorf("invalid CIDR %s: %w", cidr, err)
	}
	d.trustedProxies = append(d.trustedProxies, network)
	return nil
}

// IsSuspicious analyzes request patterns for potential threats
func (d *Detector) IsSuspicious(r *http.Request) bool {
	path := strings.ToLower(r.URL.Path)
	query := strings.ToLower(r.URL.RawQuery)
	if unescaped, err := url.QueryUnescape(query); err == nil {
		query = unescaped
	}
	for _, pattern := range suspiciousPatterns {
		if strings.Contains(path, pattern) || strings.Contains(query, pattern) {
			return true
		}
	}

	userAgent := strings.ToLower(r.Header.Get("User-Agent"))
	for _, agent := range suspiciousAgents {
		if strings.Contains(userAgent, agent) {
			return true
		}
	}

	for _, method := range unusualMethods {
		if r.Method == method {
			return true
		}
	}

	// Excessively long URLs or proxy chains
	if len(r.URL.String()) > 2048 {
		return true
	}
	return strings.Count(r.Header.Get("X-Forwarded-For"), ",") > 5
}

// Middleware logs suspicious requests and, when block is set, answers them
// with 404 without reaching the application.
func (d *Detector) Middleware(block bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if d.IsSuspicious(r) {
				d.suspicious.Add(1)
				flog.FromContext(r.Context()).WarnContext(r.Context(), "Suspicious request",
					flog.FieldComponent, flog.ComponentSecurity,
					flog.FieldClientIP, d.ExtractClientIP(r),
					flog.FieldMethod, r.Method,
					flog.FieldPath, r.URL.Path,
					flog.FieldUserAgent, r.Header.Get("User-Agent"))
				if block {
					d.blocked.Add(1)
					http.NotFound(w, r)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ExtractClientIP returns the client address, reading forwarded headers only
// when the direct peer is a trusted proxy.
func (d *Detector) ExtractClientIP(r *http.Request) string {
	directIP := remoteIP(r)
	if !d.FromTrustedProxy(r) {
		return directIP
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		// take the first, original client
		first := strings.TrimSpace(strings.Split(xff, ",")[0])
		if net.ParseIP(first) != nil {
			return first
		}
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); net.ParseIP(xri) != nil {
		return xri
	}
	return directIP
}

// FromTrustedProxy reports whether the direct peer is a trusted proxy, so
// that headers it sets, like the authenticated identity, can be believed.
func (d *Detector) FromTrustedProxy(r *http.Request) bool {
	ip := net.ParseIP(remoteIP(r))
	if ip == nil {
		return false
	}
	for _, network := range d.trustedProxies {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Counts returns the number of suspicious and blocked requests.
func (d *Detector) Counts() (suspicious, blocked int64) {
	return d.suspicious.Load(), d.blocked.Load()
}
