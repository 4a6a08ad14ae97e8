package core

import (
	"errors"
	"fmt"
	"time"
)

// Procedure is one step of the purchase lifecycle.
type Procedure string

const (
	ProcRequest            Procedure = "request"
	ProcAccountantApproval Procedure = "accountantApproval"
	ProcTeacherApproval    Procedure = "teacherApproval"
	ProcGivenMoney         Procedure = "givenMoney"
	ProcUsageReport        Procedure = "usageReport"
	ProcChangeReturn       Procedure = "changeReturn"
	ProcReceiptSubmission  Procedure = "receiptSubmission"
)

// Procedures lists the lifecycle steps in the order they are carried out.
var Procedures = []Procedure{
	ProcRequest,
	ProcAccountantApproval,
	ProcTeacherApproval,
	ProcGivenMoney,
	ProcUsageReport,
	ProcChangeReturn,
	ProcReceiptSubmission,
}

type StepStatus string

const (
	StepDone      StepStatus = "done"
	StepRejected  StepStatus = "rejected"
	StepAvailable StepStatus = "available"
	StepLocked    StepStatus = "locked"
	StepSkipped   StepStatus = "skipped"
)

// Responsible names who records a step in the app.
type Responsible string

const (
	ResponsibleRequester  Responsible = "requester"
	ResponsibleAccountant Responsible = "accountant"
	ResponsibleTeacher    Responsible = "teacher"
)

type PurchaseStatus string

const (
	StatusInProgress PurchaseStatus = "inProgress"
	StatusCompleted  PurchaseStatus = "completed"
	StatusRejected   PurchaseStatus = "rejected"
)

// ProcedureState is the derived state of one step of a purchase.
type ProcedureState struct {
	Procedure   Procedure
	Status      StepStatus
	Responsible Responsible
}

// Actor is a user seen from the wallet that owns a purchase.
type Actor struct {
	UserID     string
	Accountant bool
	Teacher    bool
}

var (
	ErrUnknownProcedure = errors.New("unknown procedure")
	ErrStepNotAvailable = errors.New("step is not available")
	ErrNotAuthorized    = errors.New("not authorized for this step")
	ErrSelfApproval     = errors.New("cannot approve own purchase")
)

// StepError ties a procedure failure to the step that caused it.
type StepError struct {
	Procedure Procedure
	Err       error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %v", e.Procedure, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// ActorFor resolves the roles a user holds in the given wallet.
func ActorFor(w Wallet, userID string) Actor {
	return Actor{
		UserID:     userID,
		Accountant: w.IsAccountant(userID),
		Teacher:    w.IsTeacher(userID),
	}
}

// ParseProcedure maps a step name from a URL or form to a Procedure.
func ParseProcedure(s string) (Procedure, error) {
	for _, p := range Procedures {
		if string(p) == s {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownProcedure, s)
}

// Responsible returns who records the step.
func (proc Procedure) Responsible() Responsible {
	switch proc {
	case ProcTeacherApproval:
		return ResponsibleTeacher
	case ProcRequest, ProcUsageReport:
		return ResponsibleRequester
	default:
		return ResponsibleAccountant
	}
}

// Label is the human readable step name.
func (proc Procedure) Label() string {
	switch proc {
	case ProcRequest:
		return "Request"
	case ProcAccountantApproval:
		return "Accountant approval"
	case ProcTeacherApproval:
		return "Teacher approval"
	case ProcGivenMoney:
		return "Cash handed over"
	case ProcUsageReport:
		return "Usage report"
	case ProcChangeReturn:
		return "Change return"
	case ProcReceiptSubmission:
		return "Receipt submission"
	default:
		return string(proc)
	}
}

func approvalStatus(a *Approval) StepStatus {
	switch {
	case a == nil:
		return StepAvailable
	case a.Approved:
		return StepDone
	default:
		return StepRejected
	}
}

// IsRejected reports whether either approval turned the purchase down.
func IsRejected(p Purchase) bool {
	return (p.AccountantApproval != nil && !p.AccountantApproval.Approved) ||
		(p.TeacherApproval != nil && !p.TeacherApproval.Approved)
}

func approved(p Purchase) bool {
	return p.AccountantApproval != nil && p.AccountantApproval.Approved &&
		p.TeacherApproval != nil && p.TeacherApproval.Approved
}

// StatusOf derives the status of a single step.
func StatusOf(p Purchase, proc Procedure) StepStatus {
	switch proc {
	case ProcRequest:
		return StepDone

	case ProcAccountantApproval:
		return approvalStatus(p.AccountantApproval)

	case ProcTeacherApproval:
		if StatusOf(p, ProcAccountantApproval) != StepDone {
			return StepLocked
		}
		return approvalStatus(p.TeacherApproval)

	case ProcGivenMoney:
		// skipped only once both approvals are in
		if IsRejected(p) || !approved(p) {
			return StepLocked
		}
		if p.PaidByRequester {
			return StepSkipped
		}
		if p.GivenMoney != nil {
			return StepDone
		}
		return StepAvailable

	case ProcUsageReport:
		if IsRejected(p) || !approved(p) {
			return StepLocked
		}
		if gm := StatusOf(p, ProcGivenMoney); gm != StepDone && gm != StepSkipped {
			return StepLocked
		}
		if p.UsageReport != nil {
			return StepDone
		}
		return StepAvailable

	case ProcChangeReturn:
		if StatusOf(p, ProcUsageReport) != StepDone {
			return StepLocked
		}
		if p.ChangeReturn != nil {
			return StepDone
		}
		if p.ChangeDue() == 0 {
			return StepSkipped
		}
		return StepAvailable

	case ProcReceiptSubmission:
		if StatusOf(p, ProcUsageReport) != StepDone {
			return StepLocked
		}
		if p.ReceiptSubmission != nil {
			return StepDone
		}
		if p.UsageReport.ActualUsage.Yen == 0 {
			return StepSkipped
		}
		return StepAvailable
	}
	return StepLocked
}

// DeriveProcedures returns the state of every step, in lifecycle order.
func DeriveProcedures(p Purchase) []ProcedureState {
	states := make([]ProcedureState, 0, len(Procedures))
	for _, proc := range Procedures {
		states = append(states, ProcedureState{
			Procedure:   proc,
			Status:      StatusOf(p, proc),
			Responsible: proc.Responsible(),
		})
	}
	return states
}

// Status summarizes the lifecycle of the purchase.
func Status(p Purchase) PurchaseStatus {
	if IsRejected(p) {
		return StatusRejected
	}
	for _, st := range DeriveProcedures(p) {
		if st.Status != StepDone && st.Status != StepSkipped {
			return StatusInProgress
		}
	}
	return StatusCompleted
}

// RecommendedNext returns the first step that can be recorded now.
func RecommendedNext(p Purchase) (ProcedureState, bool) {
	for _, st := range DeriveProcedures(p) {
		if st.Status == StepAvailable {
			return st, true
		}
	}
	return ProcedureState{}, false
}

// RecommendedFor returns the available steps the actor is allowed to record.
func RecommendedFor(p Purchase, actor Actor) []ProcedureState {
	var out []ProcedureState
	for _, st := range DeriveProcedures(p) {
		if st.Status != StepAvailable {
			continue
		}
		if CanPerform(p, st.Procedure, actor) == nil {
			out = append(out, st)
		}
	}
	return out
}

// CanPerform checks that the step is available and that the actor may record it.
func CanPerform(p Purchase, proc Procedure, actor Actor) error {
	if proc == ProcRequest {
		return &StepError{Procedure: proc, Err: ErrStepNotAvailable}
	}
	if st := StatusOf(p, proc); st != StepAvailable {
		return &StepError{Procedure: proc, Err: fmt.Errorf("%w (%s)", ErrStepNotAvailable, st)}
	}

	switch proc.Responsible() {
	case ResponsibleAccountant:
		if !actor.Accountant {
			return &StepError{Procedure: proc, Err: ErrNotAuthorized}
		}
	case ResponsibleTeacher:
		if !actor.Teacher {
			return &StepError{Procedure: proc, Err: ErrNotAuthorized}
		}
	case ResponsibleRequester:
		if actor.UserID == "" || actor.UserID != p.RequestedBy {
			return &StepError{Procedure: proc, Err: ErrNotAuthorized}
		}
	}

	if (proc == ProcAccountantApproval || proc == ProcTeacherApproval) && actor.UserID == p.RequestedBy {
		return &StepError{Procedure: proc, Err: ErrSelfApproval}
	}
	return nil
}

// ApproveByAccountant records the accountant decision.
func ApproveByAccountant(p Purchase, actor Actor, ok bool, comment string, at time.Time) (Purchase, error) {
	if err := CanPerform(p, ProcAccountantApproval, actor); err != nil {
		return p, err
	}
	p.AccountantApproval = &Approval{By: actor.UserID, Approved: ok, Comment: comment, At: at}
	return p, nil
}

// ApproveByTeacher records the teacher decision.
func ApproveByTeacher(p Purchase, actor Actor, ok bool, comment string, at time.Time) (Purchase, error) {
	if err := CanPerform(p, ProcTeacherApproval, actor); err != nil {
		return p, err
	}
	p.TeacherApproval = &Approval{By: actor.UserID, Approved: ok, Comment: comment, At: at}
	return p, nil
}

// HandOverMoney records the cash the accountant gave to the requester.
func HandOverMoney(p Purchase, actor Actor, amount Money, at time.Time) (Purchase, error) {
	if err := CanPerform(p, ProcGivenMoney, actor); err != nil {
		return p, err
	}
	if err := amount.Validate(); err != nil {
		return p, &StepError{Procedure: ProcGivenMoney, Err: err}
	}
	p.GivenMoney = &CashHandout{By: actor.UserID, Amount: amount, At: at}
	return p, nil
}

// ReportUsage records how much the requester actually spent. Zero means
// nothing was bought.
func ReportUsage(p Purchase, actor Actor, actual Money, at time.Time) (Purchase, error) {
	if err := CanPerform(p, ProcUsageReport, actor); err != nil {
		return p, err
	}
	if actual.Yen < 0 {
		return p, &StepError{Procedure: ProcUsageReport, Err: ErrInvalidAmount}
	}
	p.UsageReport = &UsageReport{By: actor.UserID, ActualUsage: actual, At: at}
	return p, nil
}

// ReturnChange records the settlement of ChangeDue between requester and accountant.
func ReturnChange(p Purchase, actor Actor, at time.Time) (Purchase, error) {
	if err := CanPerform(p, ProcChangeReturn, actor); err != nil {
		return p, err
	}
	p.ChangeReturn = &Settlement{By: actor.UserID, Amount: p.ChangeDue(), At: at}
	return p, nil
}

// SubmitReceipt records that the accountant has collected the receipt.
func SubmitReceipt(p Purchase, actor Actor, at time.Time) (Purchase, error) {
	if err := CanPerform(p, ProcReceiptSubmission, actor); err != nil {
		return p, err
	}
	p.ReceiptSubmission = &ReceiptSubmission{By: actor.UserID, At: at}
	return p, nil
}
