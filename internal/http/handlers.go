package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"time"

	"festa/internal/core"
	"festa/internal/log"
	"festa/internal/services"
)

// handleHealth performs basic liveness check
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().Format(time.RFC3339),
		"uptime":    time.Since(s.startedAt).String(),
	})
}

// handleReady performs readiness check with dependency verification
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	httpStatus := http.StatusOK
	checks := make(map[string]interface{})
	failed := func(name string, err error) {
		checks[name] = fmt.Sprintf("failed: %v", err)
		status = "not_ready"
		httpStatus = http.StatusServiceUnavailable
	}

	if s.templates == nil {
		failed("templates", fmt.Errorf("templates not loaded"))
	} else {
		checks["templates"] = "ok"
	}

	if err := s.deps.Users.Ping(ctx); err != nil {
		failed("database", err)
	} else {
		checks["database"] = "ok"
	}

	if s.deps.Redis != nil {
		if err := s.deps.Redis.Ping(ctx).Err(); err != nil {
			failed("redis", err)
		} else {
			checks["redis"] = "ok"
		}
	}

	if s.deps.Budgets != nil {
		hits, misses := s.deps.Budgets.Cache().Stats()
		checks["summary_cache"] = map[string]interface{}{
			"entries": s.deps.Budgets.Cache().Size(),
			"hits":    hits,
			"misses":  misses,
		}
	}
	suspicious, blocked := s.detector.Counts()
	checks["security"] = map[string]interface{}{
		"suspicious_requests": suspicious,
		"blocked_requests":    blocked,
		"rate_limited":        s.limiter.Limited(),
		"active_clients":      s.limiter.ActiveClients(),
	}
	checks["requests_total"] = s.tracer.TotalRequests()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":    status,
		"timestamp": time.Now().Format(time.RFC3339),
		"checks":    checks,
	})
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	d, err := s.deps.Dashboard.Dashboard(r.Context(), currentUser(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.render(w, r, "dashboard.html", d)
}

func (s *Server) handleWallet(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r.Context())
	ws, err := s.deps.Dashboard.WalletSummary(r.Context(), r.PathValue("id"), user.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.render(w, r, "wallet.html", struct {
		User      core.User
		Summary   core.WalletSummary
		CanExport bool
	}{
		User:      user,
		Summary:   ws,
		CanExport: ws.Wallet.IsTeacher(user.ID) || ws.Wallet.IsAccountant(user.ID),
	})
}

func (s *Server) handlePart(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r.Context())
	v, err := s.deps.Dashboard.PartView(r.Context(), r.PathValue("id"), user.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.render(w, r, "part.html", struct {
		User core.User
		View services.PartView
	}{User: user, View: v})
}

func (s *Server) handleCreatePurchase(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user := currentUser(ctx)

	body, err := parseBody(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	in, err := ParsePurchaseForm(body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	in.PartID = r.PathValue("id")
	in.RequesterID = user.ID

	p, err := s.deps.Purchases.RequestPurchase(ctx, in)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	log.FromContext(ctx).InfoContext(ctx, "Purchase requested",
		log.NewFields().
			WithPurchase(p.ID, string(core.ProcRequest)).
			WithAmount(p.PlannedUsage.Yen).
			With(log.FieldPartID, p.PartID).
			ToSlice()...)

	location := "/purchases/" + p.ID
	if body.IsJSON() {
		w.Header().Set("Location", location)
		writeJSON(w, http.StatusCreated, resultFor(p))
		return
	}
	if !isHTMX(r) {
		http.Redirect(w, r, location, http.StatusSeeOther)
		return
	}
	resp := NewHTMXResponse().
		Status(http.StatusCreated).
		Header("Location", location).
		TriggerPurchaseCreated(p.PartID, p.ID).
		TriggerFormReset().
		TriggerSuccessNotification("Request submitted").
		BodyHTML(`<div class="success">Request for ` + template.HTMLEscapeString(p.Items) +
			` (` + p.PlannedUsage.String() + `) submitted. <a href="` + location + `">Follow it</a></div>`)
	if v, err := s.deps.Purchases.GetPurchaseView(ctx, p.ID, user.ID); err == nil {
		resp.TriggerSummaryRefresh(v.Wallet.ID)
	} else {
		log.FromContext(ctx).WarnContext(ctx, "Summary refresh skipped", log.FieldError, err)
	}
	resp.Write(w)
}

// purchaseResult answers scripts that post JSON bodies.
type purchaseResult struct {
	ID       string              `json:"id"`
	Status   core.PurchaseStatus `json:"status"`
	Version  int64               `json:"version"`
	Location string              `json:"location"`
}

func resultFor(p core.Purchase) purchaseResult {
	return purchaseResult{
		ID:       p.ID,
		Status:   core.Status(p),
		Version:  p.Version,
		Location: "/purchases/" + p.ID,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handlePurchase(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r.Context())
	v, err := s.deps.Purchases.GetPurchaseView(r.Context(), r.PathValue("id"), user.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.render(w, r, "purchase.html", purchasePage{User: user, View: v})
}

type purchasePage struct {
	User core.User
	View services.PurchaseView
}

func (s *Server) handleStep(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user := currentUser(ctx)

	proc, err := core.ParseProcedure(r.PathValue("step"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	form, err := parseBody(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	in, err := ParseStepForm(proc, form)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	in.PurchaseID = r.PathValue("id")
	in.UserID = user.ID

	p, err := s.deps.Purchases.PerformStep(ctx, in)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	if form.IsJSON() {
		writeJSON(w, http.StatusOK, resultFor(p))
		return
	}
	location := "/purchases/" + p.ID
	if !isHTMX(r) {
		http.Redirect(w, r, location, http.StatusSeeOther)
		return
	}

	v, err := s.deps.Purchases.GetPurchaseView(ctx, p.ID, user.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	body, err := s.execute("purchase_steps", purchasePage{User: user, View: v})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	NewHTMXResponse().
		TriggerPurchaseUpdated(p.ID, proc, v.Status).
		TriggerSummaryRefresh(v.Wallet.ID).
		TriggerSuccessNotification(proc.Label() + " recorded").
		BodyHTML(string(body)).
		Write(w)
}

func (s *Server) handleExportCSV(w http.ResponseWriter, r *http.Request) {
	s.export(w, r, "text/csv; charset=utf-8", "csv", s.deps.Exports.WriteCSV)
}

func (s *Server) handleExportPDF(w http.ResponseWriter, r *http.Request) {
	s.export(w, r, "application/pdf", "pdf", s.deps.Exports.WritePDF)
}

// export renders into memory first so that a refused or failed report
// still gets a proper status code.
func (s *Server) export(w http.ResponseWriter, r *http.Request, contentType, ext string,
	write func(ctx context.Context, w io.Writer, walletID, userID string) error) {
	walletID := r.PathValue("id")
	var buf bytes.Buffer
	if err := write(r.Context(), &buf, walletID, currentUser(r.Context()).ID); err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="wallet-%s.%s"`, sanitizeFilename(walletID), ext))
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

func (s *Server) render(w http.ResponseWriter, r *http.Request, name string, data interface{}) {
	s.renderStatus(w, r, http.StatusOK, name, data)
}

func (s *Server) renderStatus(w http.ResponseWriter, r *http.Request, status int, name string, data interface{}) {
	if s.templates == nil {
		log.FromContext(r.Context()).ErrorContext(r.Context(), "Templates not loaded", log.FieldPath, r.URL.Path)
		http.Error(w, "templates not loaded", http.StatusInternalServerError)
		return
	}
	body, err := s.execute(name, data)
	if err != nil {
		log.FromContext(r.Context()).ErrorContext(r.Context(), "Template execution failed", "template", name, log.FieldError, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func (s *Server) execute(name string, data interface{}) ([]byte, error) {
	if s.templates == nil {
		return nil, fmt.Errorf("templates not loaded")
	}
	var buf bytes.Buffer
	if err := s.templates.ExecuteTemplate(&buf, name, data); err != nil {
		return nil, fmt.Errorf("execute %s: %w", name, err)
	}
	return buf.Bytes(), nil
}
