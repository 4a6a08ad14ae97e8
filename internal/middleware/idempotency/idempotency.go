// Package idempotency replays the stored response of a POST that carries an
// Idempotency-Key already seen, so a double-submitted step form is recorded once.
package idempotency

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	HeaderKey        = "Idempotency-Key"
	keyPrefix        = "idempotency:v1:"
	inProgressMarker = "__in_progress__"
	maxKeyLength     = 128
	redisTimeout     = 2 * time.Second
)

type storedResponse struct {
	Status  int               `json:"status"`
	Body    string            `json:"body"`
	Headers map[string]string `json:"headers"`
}

// Middleware stores responses of unsafe requests in Redis.
type Middleware struct {
	client *redis.Client
	ttl    time.Duration
	// scope separates keys of different users, e.g. by identity
	scope func(*http.Request) string
}

// New returns the middleware. scope may be nil.
func New(client *redis.Client, ttl time.Duration, scope func(*http.Request) string) *Middleware {
	return &Middleware{client: client, ttl: ttl, scope: scope}
}

// Handler wraps next. Requests without the header pass through unchanged.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			next.ServeHTTP(w, r)
			return
		}

		key := strings.TrimSpace(r.Header.Get(HeaderKey))
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}
		if len(key) > maxKeyLength {
			http.Error(w, "Idempotency-Key too long", http.StatusBadRequest)
			return
		}

		cacheKey := keyPrefix
		if m.scope != nil {
			cacheKey += m.scope(r) + ":"
		}
		cacheKey += key

		ctx, cancel := context.WithTimeout(r.Context(), redisTimeout)
		defer cancel()

		cached, err := m.client.Get(ctx, cacheKey).Result()
		switch {
		case err == nil:
			m.replay(w, r, key, cached)
			return
		case !errors.Is(err, redis.Nil):
			slog.ErrorContext(r.Context(), "Idempotency lookup failed", "key", key, "error", err)
			http.Error(w, "idempotency store failure", http.StatusServiceUnavailable)
			return
		}

		reserved, err := m.client.SetNX(ctx, cacheKey, inProgressMarker, m.ttl).Result()
		if err != nil {
			slog.ErrorContext(r.Context(), "Idempotency reservation failed", "key", key, "error", err)
			http.Error(w, "idempotency store failure", http.StatusServiceUnavailable)
			return
		}
		if !reserved {
			http.Error(w, "duplicate request currently processing", http.StatusConflict)
			return
		}

		rec := &recorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		persistCtx, persistCancel := context.WithTimeout(context.WithoutCancel(r.Context()), redisTimeout)
		defer persistCancel()

		// Server errors are not replayed; the client may retry them.
		if rec.status >= http.StatusInternalServerError {
			m.client.Del(persistCtx, cacheKey)
			return
		}

		stored := storedResponse{Status: rec.status, Body: rec.body.String(), Headers: map[string]string{}}
		for name := range rec.Header() {
			if strings.EqualFold(name, "Content-Length") {
				continue
			}
			stored.Headers[name] = rec.Header().Get(name)
		}
		payload, err := json.Marshal(stored)
		if err == nil {
			err = m.client.Set(persistCtx, cacheKey, payload, m.ttl).Err()
		}
		if err != nil {
			slog.ErrorContext(r.Context(), "Failed to persist idempotent response", "key", key, "error", err)
			m.client.Del(persistCtx, cacheKey)
		}
	})
}

func (m *Middleware) replay(w http.ResponseWriter, r *http.Request, key, cached string) {
	if cached == inProgressMarker {
		http.Error(w, "duplicate request currently processing", http.StatusConflict)
		return
	}
	var stored storedResponse
	if err := json.Unmarshal([]byte(cached), &stored); err != nil {
		slog.WarnContext(r.Context(), "Failed to decode stored idempotent response", "key", key, "error", err)
		http.Error(w, "duplicate request", http.StatusConflict)
		return
	}
	for name, value := range stored.Headers {
		w.Header().Set(name, value)
	}
	w.Header().Set("Idempotent-Replayed", "true")
	w.WriteHeader(stored.Status)
	_, _ = w.Write([]byte(stored.Body))
}

type recorder struct {
	http.ResponseWriter
	status      int
	body        bytes.Buffer
	wroteHeader bool
}

func (r *recorder) WriteHeader(code int) {
	if r.wroteHeader {
		return
	}
	r.wroteHeader = true
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *recorder) Write(b []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}
