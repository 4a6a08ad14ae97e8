package storage

import (
	"database/sql"
	"time"

	"festa/internal/core"
)

type scanner interface {
	Scan(dest ...any) error
}

// purchaseRow mirrors the nullable step columns of the purchases table.
type purchaseRow struct {
	aaBy, aaComment sql.NullString
	aaOK            sql.NullBool
	aaAt            sql.NullTime

	taBy, taComment sql.NullString
	taOK            sql.NullBool
	taAt            sql.NullTime

	gmBy  sql.NullString
	gmYen sql.NullInt64
	gmAt  sql.NullTime

	urBy  sql.NullString
	urYen sql.NullInt64
	urAt  sql.NullTime

	crBy  sql.NullString
	crYen sql.NullInt64
	crAt  sql.NullTime

	rsBy sql.NullString
	rsAt sql.NullTime
}

func nullString(s string) sql.NullString { return sql.NullString{String: s, Valid: true} }
func nullInt(v int64) sql.NullInt64      { return sql.NullInt64{Int64: v, Valid: true} }
func nullTime(t time.Time) sql.NullTime  { return sql.NullTime{Time: t.UTC(), Valid: true} }
func nullBool(b bool) sql.NullBool       { return sql.NullBool{Bool: b, Valid: true} }

func toRow(p core.Purchase) purchaseRow {
	var r purchaseRow
	if a := p.AccountantApproval; a != nil {
		r.aaBy, r.aaOK, r.aaComment, r.aaAt = nullString(a.By), nullBool(a.Approved), nullString(a.Comment), nullTime(a.At)
	}
	if a := p.TeacherApproval; a != nil {
		r.taBy, r.taOK, r.taComment, r.taAt = nullString(a.By), nullBool(a.Approved), nullString(a.Comment), nullTime(a.At)
	}
	if g := p.GivenMoney; g != nil {
		r.gmBy, r.gmYen, r.gmAt = nullString(g.By), nullInt(g.Amount.Yen), nullTime(g.At)
	}
	if u := p.UsageReport; u != nil {
		r.urBy, r.urYen, r.urAt = nullString(u.By), nullInt(u.ActualUsage.Yen), nullTime(u.At)
	}
	if c := p.ChangeReturn; c != nil {
		r.crBy, r.crYen, r.crAt = nullString(c.By), nullInt(c.Amount), nullTime(c.At)
	}
	if s := p.ReceiptSubmission; s != nil {
		r.rsBy, r.rsAt = nullString(s.By), nullTime(s.At)
	}
	return r
}

func scanPurchase(s scanner) (core.Purchase, error) {
	var p core.Purchase
	var r purchaseRow
	err := s.Scan(
		&p.ID, &p.PartID, &p.RequestedBy, &p.Items, &p.Note, &p.PlannedUsage.Yen, &p.PaidByRequester, &p.CreatedAt, &p.Version,
		&r.aaBy, &r.aaOK, &r.aaComment, &r.aaAt,
		&r.taBy, &r.taOK, &r.taComment, &r.taAt,
		&r.gmBy, &r.gmYen, &r.gmAt,
		&r.urBy, &r.urYen, &r.urAt,
		&r.crBy, &r.crYen, &r.crAt,
		&r.rsBy, &r.rsAt,
	)
	if err != nil {
		return core.Purchase{}, err
	}

	if r.aaBy.Valid {
		p.AccountantApproval = &core.Approval{By: r.aaBy.String, Approved: r.aaOK.Bool, Comment: r.aaComment.String, At: r.aaAt.Time}
	}
	if r.taBy.Valid {
		p.TeacherApproval = &core.Approval{By: r.taBy.String, Approved: r.taOK.Bool, Comment: r.taComment.String, At: r.taAt.Time}
	}
	if r.gmBy.Valid {
		p.GivenMoney = &core.CashHandout{By: r.gmBy.String, Amount: core.Money{Yen: r.gmYen.Int64}, At: r.gmAt.Time}
	}
	if r.urBy.Valid {
		p.UsageReport = &core.UsageReport{By: r.urBy.String, ActualUsage: core.Money{Yen: r.urYen.Int64}, At: r.urAt.Time}
	}
	if r.crBy.Valid {
		p.ChangeReturn = &core.Settlement{By: r.crBy.String, Amount: r.crYen.Int64, At: r.crAt.Time}
	}
	if r.rsBy.Valid {
		p.ReceiptSubmission = &core.ReceiptSubmission{By: r.rsBy.String, At: r.rsAt.Time}
	}
	return p, nil
}
