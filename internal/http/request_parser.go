// Package http provides HTTP server and handler implementations.
//
// This file implements utilities for parsing and validating HTTP request data.
// Step and request forms arrive either form-encoded from the pages or as
// JSON from scripts; both go through RequestBodyParser.

package http

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"festa/internal/core"
	"festa/internal/services"
)

const maxBodyBytes = 64 << 10

// valueGetter is satisfied by url.Values and *RequestBodyParser.
type valueGetter interface {
	Get(key string) string
}

// RequestBodyParser handles different content types for request body parsing.
// It supports both JSON and form-encoded data, commonly used with HTMX.
type RequestBodyParser struct {
	body        []byte
	contentType string
	jsonData    map[string]interface{}
	formData    url.Values
	parsed      bool
	err         error
}

// NewRequestBodyParser creates a parser for the given request.
// It reads the body once, up to 64KB, and stores it for subsequent parsing.
func NewRequestBodyParser(r *http.Request) *RequestBodyParser {
	p := &RequestBodyParser{
		contentType: r.Header.Get("Content-Type"),
	}
	p.body, p.err = io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if p.err == nil && len(p.body) > maxBodyBytes {
		p.err = fmt.Errorf("request body larger than %d bytes", maxBodyBytes)
	}
	return p
}

// Parse attempts to parse the body as JSON or form data.
func (p *RequestBodyParser) Parse() error {
	if p.parsed {
		return p.err
	}
	p.parsed = true

	if p.err != nil {
		return p.err
	}

	if len(p.body) == 0 {
		p.formData = url.Values{}
		return nil
	}

	// Try JSON first if content looks like JSON
	if p.body[0] == '{' || strings.HasPrefix(p.contentType, "application/json") {
		p.jsonData = make(map[string]interface{})
		if err := json.Unmarshal(p.body, &p.jsonData); err != nil {
			p.jsonData = nil
			p.err = err
			return err
		}
		return nil
	}

	p.formData, p.err = url.ParseQuery(string(p.body))
	return p.err
}

// Get returns a string value from the parsed data (JSON or form).
func (p *RequestBodyParser) Get(key string) string {
	if p.jsonData != nil {
		if val, ok := p.jsonData[key]; ok {
			return sanitizeInput(stringValue(val))
		}
		return ""
	}
	if p.formData != nil {
		return sanitizeInput(p.formData.Get(key))
	}
	return ""
}

// IsJSON returns true if the parsed content was JSON.
func (p *RequestBodyParser) IsJSON() bool {
	return p.jsonData != nil
}

// stringValue converts an interface{} to string.
func stringValue(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	default:
		return ""
	}
}

// parseBody reads the request body or reports errBadForm.
func parseBody(r *http.Request) (*RequestBodyParser, error) {
	p := NewRequestBodyParser(r)
	if err := p.Parse(); err != nil {
		return nil, fmt.Errorf("%w: %v", errBadForm, err)
	}
	return p, nil
}

// parseCheckbox accepts the values browsers and JSON clients send for a
// ticked box.
func parseCheckbox(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "on", "true", "1", "yes":
		return true
	}
	return false
}

// ParsePurchaseForm reads a purchase request. Part and requester are taken
// from the URL and the session, not from the form.
func ParsePurchaseForm(form valueGetter) (services.NewPurchase, error) {
	planned, err := core.ParseAmount(form.Get("planned_usage"))
	if err != nil {
		return services.NewPurchase{}, fmt.Errorf("planned usage: %w", err)
	}
	return services.NewPurchase{
		Items:           form.Get("items"),
		Note:            form.Get("note"),
		PlannedUsage:    core.Money{Yen: planned},
		PaidByRequester: parseCheckbox(form.Get("paid_by_requester")),
	}, nil
}

// ParseStepForm reads the fields of one step form. Approval steps need a
// decision, givenMoney a positive amount and usageReport an amount that may
// be zero. A version, when sent, guards against recording on a stale page.
func ParseStepForm(proc core.Procedure, form valueGetter) (services.StepInput, error) {
	in := services.StepInput{Procedure: proc}

	if v := form.Get("version"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 1 {
			return in, fmt.Errorf("%w: bad version %q", errBadForm, v)
		}
		in.ExpectedVersion = n
	}

	switch proc {
	case core.ProcAccountantApproval, core.ProcTeacherApproval:
		switch strings.ToLower(form.Get("decision")) {
		case "approve":
			in.Approved = true
		case "reject":
			in.Approved = false
		default:
			return in, fmt.Errorf("%w: decision must be approve or reject", errBadForm)
		}
		in.Comment = form.Get("comment")
		if len([]rune(in.Comment)) > 1000 {
			return in, core.ErrNoteTooLong
		}
	case core.ProcGivenMoney:
		yen, err := core.ParseAmount(form.Get("amount"))
		if err != nil {
			return in, fmt.Errorf("amount: %w", err)
		}
		in.Amount = core.Money{Yen: yen}
	case core.ProcUsageReport:
		yen, err := core.ParseAmountAllowZero(form.Get("amount"))
		if err != nil {
			return in, fmt.Errorf("actual usage: %w", err)
		}
		in.Amount = core.Money{Yen: yen}
	}
	return in, nil
}
