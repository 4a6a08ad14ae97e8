package core

import (
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	RoleTeacher Role = "teacher"
	RoleStudent Role = "student"
)

const (
	maxNameLength  = 100
	maxItemsLength = 500
	maxNoteLength  = 1000
)

type (
	Role string

	Money struct {
		Yen int64
	}

	User struct {
		ID    string
		Name  string
		Email string
		Role  Role
	}

	// Wallet is the budget pool of one homeroom.
	Wallet struct {
		ID          string
		Name        string
		Budget      Money
		Teachers    []string // user IDs
		Accountants []string // user IDs of accountant students
	}

	// Part is a sub-budget of a wallet, e.g. one festival section.
	Part struct {
		ID       string
		WalletID string
		Name     string
		Budget   Money
		Leaders  []string
		Members  []string
	}

	Approval struct {
		By       string
		Approved bool
		Comment  string
		At       time.Time
	}

	CashHandout struct {
		By     string
		Amount Money
		At     time.Time
	}

	UsageReport struct {
		By          string
		ActualUsage Money
		At          time.Time
	}

	// Settlement records the change returned by the requester (positive
	// amount) or the shortfall reimbursed by the accountant (negative amount).
	Settlement struct {
		By     string
		Amount int64
		At     time.Time
	}

	ReceiptSubmission struct {
		By string
		At time.Time
	}

	Purchase struct {
		ID              string
		PartID          string
		RequestedBy     string
		Items           string
		Note            string
		PlannedUsage    Money
		PaidByRequester bool
		CreatedAt       time.Time
		Version         int64

		AccountantApproval *Approval
		TeacherApproval    *Approval
		GivenMoney         *CashHandout
		UsageReport        *UsageReport
		ChangeReturn       *Settlement
		ReceiptSubmission  *ReceiptSubmission
	}
)

var (
	ErrInvalidAmount = errors.New("invalid amount")
	ErrInvalidBudget = errors.New("budget cannot be negative")
	ErrEmptyName     = errors.New("empty name")
	ErrNameTooLong   = errors.New("name too long (max 100 characters)")
	ErrEmptyItems    = errors.New("empty purchase items")
	ErrItemsTooLong  = errors.New("purchase items too long (max 500 characters)")
	ErrNoteTooLong   = errors.New("note too long (max 1000 characters)")
	ErrInvalidEmail  = errors.New("invalid email")
	ErrInvalidRole   = errors.New("invalid role")
	ErrMissingWallet = errors.New("part has no wallet")
	ErrMissingPart   = errors.New("purchase has no part")
	ErrMissingUser   = errors.New("purchase has no requester")
)

// NewID returns a fresh identifier for users, wallets, parts and purchases.
func NewID() string {
	return uuid.NewString()
}

func (m Money) Validate() error {
	if m.Yen <= 0 {
		return ErrInvalidAmount
	}
	return nil
}

func (r Role) Valid() bool {
	return r == RoleTeacher || r == RoleStudent
}

func validateName(name string) error {
	if strings.TrimSpace(name) == "" {
		return ErrEmptyName
	}
	if len([]rune(name)) > maxNameLength {
		return ErrNameTooLong
	}
	return nil
}

func (u User) Validate() error {
	if err := validateName(u.Name); err != nil {
		return err
	}
	email := strings.TrimSpace(u.Email)
	if at := strings.Index(email, "@"); at <= 0 || at == len(email)-1 {
		return ErrInvalidEmail
	}
	if !u.Role.Valid() {
		return ErrInvalidRole
	}
	return nil
}

func (w Wallet) Validate() error {
	if err := validateName(w.Name); err != nil {
		return err
	}
	if w.Budget.Yen < 0 {
		return ErrInvalidBudget
	}
	return nil
}

// IsTeacher reports whether the user oversees the wallet.
func (w Wallet) IsTeacher(userID string) bool {
	return userID != "" && slices.Contains(w.Teachers, userID)
}

// IsAccountant reports whether the user is an accountant student of the wallet.
func (w Wallet) IsAccountant(userID string) bool {
	return userID != "" && slices.Contains(w.Accountants, userID)
}

func (p Part) Validate() error {
	if strings.TrimSpace(p.WalletID) == "" {
		return ErrMissingWallet
	}
	if err := validateName(p.Name); err != nil {
		return err
	}
	if p.Budget.Yen < 0 {
		return ErrInvalidBudget
	}
	return nil
}

// HasMember reports whether the user belongs to the part, as leader or member.
func (p Part) HasMember(userID string) bool {
	return userID != "" && (slices.Contains(p.Leaders, userID) || slices.Contains(p.Members, userID))
}

// Validate checks the fields given when the purchase is requested. Step
// records are checked by the procedure functions that set them.
func (p Purchase) Validate() error {
	if strings.TrimSpace(p.PartID) == "" {
		return ErrMissingPart
	}
	if strings.TrimSpace(p.RequestedBy) == "" {
		return ErrMissingUser
	}
	if strings.TrimSpace(p.Items) == "" {
		return ErrEmptyItems
	}
	if len([]rune(p.Items)) > maxItemsLength {
		return ErrItemsTooLong
	}
	if len([]rune(p.Note)) > maxNoteLength {
		return ErrNoteTooLong
	}
	return p.PlannedUsage.Validate()
}

// GivenAmount is the cash handed to the requester, zero when none was.
func (p Purchase) GivenAmount() int64 {
	if p.GivenMoney == nil {
		return 0
	}
	return p.GivenMoney.Amount.Yen
}

// ChangeDue is the signed settlement left after the usage report: positive
// when the requester owes change, negative when the requester is owed money.
// It is zero until usage has been reported.
func (p Purchase) ChangeDue() int64 {
	if p.UsageReport == nil {
		return 0
	}
	return p.GivenAmount() - p.UsageReport.ActualUsage.Yen
}
