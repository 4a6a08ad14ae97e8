package http

import (
	"net/http"
	"strings"

	"festa/internal/middleware/security"
)

// identityResolver reads the signed-in email set by the authenticating
// reverse proxy. The header is believed only when the direct peer is a
// trusted proxy; otherwise the development identity, if any, is used.
type identityResolver struct {
	header   string
	devEmail string
	detector *security.Detector
}

func newIdentityResolver(header, devEmail string, detector *security.Detector) *identityResolver {
	if header == "" {
		header = "X-Forwarded-Email"
	}
	return &identityResolver{
		header:   http.CanonicalHeaderKey(header),
		devEmail: strings.TrimSpace(devEmail),
		detector: detector,
	}
}

func (ir *identityResolver) Email(r *http.Request) (string, bool) {
	if v := strings.TrimSpace(r.Header.Get(ir.header)); v != "" && ir.detector.FromTrustedProxy(r) {
		return strings.ToLower(v), true
	}
	if ir.devEmail != "" {
		return strings.ToLower(ir.devEmail), true
	}
	return "", false
}

// scope keys idempotency records by identity so users never share them.
func (ir *identityResolver) scope(r *http.Request) string {
	if email, ok := ir.Email(r); ok {
		return email
	}
	return "anonymous"
}
