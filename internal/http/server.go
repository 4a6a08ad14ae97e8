package http

import (
	"context"
	"fmt"
	"html/template"
	"io/fs"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"festa/internal/core"
	"festa/internal/log"
	"festa/internal/metrics"
	"festa/internal/middleware/idempotency"
	"festa/internal/middleware/ratelimit"
	"festa/internal/middleware/security"
	"festa/internal/middleware/trace"
	"festa/internal/services"
	appweb "festa/web"
)

// UserStore resolves signed-in users and backs the readiness probe.
// *storage.SQLiteRepository implements it.
type UserStore interface {
	GetUserByEmail(ctx context.Context, email string) (core.User, error)
	Ping(ctx context.Context) error
}

// Options configures the server.
type Options struct {
	Addr               string
	IdentityHeader     string
	TrustedProxies     []string
	DevUserEmail       string
	RateLimitPerMinute int
	BlockSuspicious    bool
	IdempotencyTTL     time.Duration
}

// Dependencies are the services the handlers call. Redis is optional and
// enables Idempotency-Key handling on POST requests.
type Dependencies struct {
	Users     UserStore
	Purchases *services.PurchaseService
	Dashboard *services.DashboardService
	Exports   *services.ExportService
	Budgets   *services.BudgetService
	Redis     *redis.Client
}

type Server struct {
	http.Server
	templates *template.Template
	deps      Dependencies
	identity  *identityResolver

	detector  *security.Detector
	limiter   *ratelimit.Limiter
	tracer    *trace.Middleware
	startedAt time.Time

	shutdownOnce sync.Once
}

// NewServer configures routes, middleware and templates, returning a ready-to-run server.
func NewServer(opts Options, deps Dependencies) (*Server, error) {
	detector, err := security.NewDetector(opts.TrustedProxies...)
	if err != nil {
		return nil, fmt.Errorf("trusted proxies: %w", err)
	}

	s := &Server{
		deps:      deps,
		identity:  newIdentityResolver(opts.IdentityHeader, opts.DevUserEmail, detector),
		detector:  detector,
		limiter:   ratelimit.NewLimiter(ratelimit.Config{RequestsPerMinute: opts.RateLimitPerMinute}),
		tracer:    trace.NewMiddleware(detector.ExtractClientIP),
		startedAt: time.Now(),
	}

	t, err := template.New("").Funcs(templateFuncs()).ParseFS(appweb.TemplatesFS, "templates/*.html")
	if err != nil {
		slog.Warn("Failed parsing templates", "error", err)
	} else {
		s.templates = t
	}

	mux := http.NewServeMux()

	if sub, err := fs.Sub(appweb.StaticFS, "static"); err == nil {
		static := http.StripPrefix("/static/", http.FileServer(http.FS(sub)))
		mux.Handle("GET /static/", security.StaticAssetMiddleware(3600)(static))
	} else {
		slog.Warn("Failed to mount embedded static FS", "error", err)
	}

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)
	mux.Handle("GET /metrics", metrics.Handler())

	mux.HandleFunc("GET /{$}", s.authed(s.handleDashboard))
	mux.HandleFunc("GET /wallets/{id}", s.authed(s.handleWallet))
	mux.HandleFunc("GET /wallets/{id}/export.csv", s.authed(s.handleExportCSV))
	mux.HandleFunc("GET /wallets/{id}/export.pdf", s.authed(s.handleExportPDF))
	mux.HandleFunc("GET /parts/{id}", s.authed(s.handlePart))
	mux.HandleFunc("POST /parts/{id}/purchases", s.authed(s.handleCreatePurchase))
	mux.HandleFunc("GET /purchases/{id}", s.authed(s.handlePurchase))
	mux.HandleFunc("POST /purchases/{id}/steps/{step}", s.authed(s.handleStep))

	var handler http.Handler = mux
	if deps.Redis != nil {
		handler = idempotency.New(deps.Redis, opts.IdempotencyTTL, s.identity.scope).Handler(handler)
	}
	handler = s.limiter.Middleware(detector.ExtractClientIP, http.MethodPost)(handler)
	handler = detector.Middleware(opts.BlockSuspicious)(handler)
	handler = security.Headers(security.DefaultHeadersConfig())(handler)
	handler = s.tracer.Middleware(handler)
	handler = metrics.InstrumentHandler(handler)

	s.Server = http.Server{
		Addr:           opts.Addr,
		Handler:        handler,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   30 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 16, // 64KB
	}
	return s, nil
}

// Shutdown gracefully shuts down the server and its background routines.
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		s.limiter.Stop()
		shutdownErr = s.Server.Shutdown(ctx)
	})
	return shutdownErr
}

type userKey struct{}

// authed resolves the signed-in user and puts it in the request context.
func (s *Server) authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		email, ok := s.identity.Email(r)
		if !ok {
			s.fail(w, r, errUnauthenticated)
			return
		}
		user, err := s.deps.Users.GetUserByEmail(r.Context(), email)
		if err != nil {
			log.FromContext(r.Context()).WarnContext(r.Context(), "Unknown user", "email", email, log.FieldError, err)
			s.fail(w, r, errUnknownUser)
			return
		}
		ctx := context.WithValue(r.Context(), userKey{}, user)
		ctx = log.With(ctx, log.FieldUserID, user.ID)
		next(w, r.WithContext(ctx))
	}
}

func currentUser(ctx context.Context) core.User {
	u, _ := ctx.Value(userKey{}).(core.User)
	return u
}
