package http

import (
	"html/template"
	"time"

	"github.com/google/uuid"

	"festa/internal/core"
)

func templateFuncs() template.FuncMap {
	return template.FuncMap{
		"yen":     func(m core.Money) string { return m.String() },
		"yenInt":  core.FormatYen,
		"label":   func(p core.Procedure) string { return p.Label() },
		"date":    formatDate,
		"newKey":  uuid.NewString,
		"percent": percent,
		"abs": func(v int64) int64 {
			if v < 0 {
				return -v
			}
			return v
		},
		"detail": stepDetail,
	}
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Local().Format("2006-01-02 15:04")
}

// percent is the share of budget already used, capped to 0..100 for bars.
func percent(used, budget core.Money) int {
	if budget.Yen <= 0 {
		if used.Yen > 0 {
			return 100
		}
		return 0
	}
	p := int(used.Yen * 100 / budget.Yen)
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	}
	return p
}

// stepDetail summarizes what was recorded for a step, empty when nothing was.
func stepDetail(p core.Purchase, proc core.Procedure) string {
	switch proc {
	case core.ProcRequest:
		return p.PlannedUsage.String() + " on " + formatDate(p.CreatedAt)
	case core.ProcAccountantApproval:
		return approvalDetail(p.AccountantApproval)
	case core.ProcTeacherApproval:
		return approvalDetail(p.TeacherApproval)
	case core.ProcGivenMoney:
		if g := p.GivenMoney; g != nil {
			return g.Amount.String() + " on " + formatDate(g.At)
		}
	case core.ProcUsageReport:
		if u := p.UsageReport; u != nil {
			return u.ActualUsage.String() + " on " + formatDate(u.At)
		}
	case core.ProcChangeReturn:
		if c := p.ChangeReturn; c != nil {
			if c.Amount < 0 {
				return core.FormatYen(-c.Amount) + " reimbursed on " + formatDate(c.At)
			}
			return core.FormatYen(c.Amount) + " returned on " + formatDate(c.At)
		}
	case core.ProcReceiptSubmission:
		if r := p.ReceiptSubmission; r != nil {
			return "submitted on " + formatDate(r.At)
		}
	}
	return ""
}

func approvalDetail(a *core.Approval) string {
	if a == nil {
		return ""
	}
	verdict := "approved"
	if !a.Approved {
		verdict = "rejected"
	}
	s := verdict + " on " + formatDate(a.At)
	if a.Comment != "" {
		s += ": " + a.Comment
	}
	return s
}
