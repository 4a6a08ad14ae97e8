// Package seed loads the festival roster (users, wallets, parts and their
// members) from a YAML file into the repository.
package seed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"gopkg.in/yaml.v3"

	"festa/internal/core"
	"festa/internal/storage"
)

// Roster is the YAML document read by festa-admin seed.
//
//	users:
//	  - {name: Sato, email: sato@school.example, role: teacher}
//	wallets:
//	  - id: w-3a
//	    name: 3-A
//	    budget: 50,000
//	    teachers: [sato@school.example]
//	    accountants: [suzuki@school.example]
//	    parts:
//	      - {id: p-cafe, name: Cafe, budget: 10000, members: [tanaka@school.example]}
type Roster struct {
	Users   []User   `yaml:"users"`
	Wallets []Wallet `yaml:"wallets"`
}

type User struct {
	ID    string `yaml:"id,omitempty"`
	Name  string `yaml:"name"`
	Email string `yaml:"email"`
	Role  string `yaml:"role"`
}

type Wallet struct {
	ID          string   `yaml:"id"`
	Name        string   `yaml:"name"`
	Budget      string   `yaml:"budget"`
	Teachers    []string `yaml:"teachers"`
	Accountants []string `yaml:"accountants"`
	Parts       []Part   `yaml:"parts"`
}

type Part struct {
	ID      string   `yaml:"id"`
	Name    string   `yaml:"name"`
	Budget  string   `yaml:"budget"`
	Leaders []string `yaml:"leaders"`
	Members []string `yaml:"members"`
}

// Store is the part of the repository the seeder writes to.
type Store interface {
	CreateUser(ctx context.Context, u core.User) error
	GetUserByEmail(ctx context.Context, email string) (core.User, error)
	CreateWallet(ctx context.Context, w core.Wallet) error
	GetWallet(ctx context.Context, id string) (core.Wallet, error)
	CreatePart(ctx context.Context, p core.Part) error
	GetPart(ctx context.Context, id string) (core.Part, error)
	AddPartMember(ctx context.Context, partID, userID string, leader bool) error
}

// Result counts what Apply created. Existing records are left as they are.
type Result struct {
	Users   int
	Wallets int
	Parts   int
	Members int
}

// Load decodes a roster. Unknown keys are rejected so typos surface early.
func Load(r io.Reader) (Roster, error) {
	var roster Roster
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&roster); err != nil {
		if errors.Is(err, io.EOF) {
			return Roster{}, fmt.Errorf("empty roster")
		}
		return Roster{}, fmt.Errorf("decode roster: %w", err)
	}
	return roster, nil
}

// Apply writes the roster. It can be run again after the roster grows:
// users are matched by email, wallets and parts by id, and new part
// members are added to existing parts.
func Apply(ctx context.Context, store Store, roster Roster) (Result, error) {
	var res Result
	if err := roster.validate(); err != nil {
		return res, err
	}

	ids := make(map[string]string, len(roster.Users))
	for _, ru := range roster.Users {
		email := normalizeEmail(ru.Email)
		u, err := store.GetUserByEmail(ctx, email)
		switch {
		case err == nil:
		case errors.Is(err, storage.ErrNotFound):
			u = core.User{ID: ru.ID, Name: strings.TrimSpace(ru.Name), Email: email, Role: core.Role(ru.Role)}
			if u.ID == "" {
				u.ID = core.NewID()
			}
			if err := store.CreateUser(ctx, u); err != nil {
				return res, err
			}
			res.Users++
		default:
			return res, fmt.Errorf("look up user %s: %w", email, err)
		}
		ids[email] = u.ID
	}

	for _, rw := range roster.Wallets {
		if err := applyWallet(ctx, store, rw, ids, &res); err != nil {
			return res, err
		}
	}

	slog.InfoContext(ctx, "Roster applied",
		"users", res.Users, "wallets", res.Wallets, "parts", res.Parts, "members", res.Members)
	return res, nil
}

func applyWallet(ctx context.Context, store Store, rw Wallet, ids map[string]string, res *Result) error {
	_, err := store.GetWallet(ctx, rw.ID)
	switch {
	case err == nil:
		slog.InfoContext(ctx, "Wallet exists, keeping it", "wallet_id", rw.ID)
	case errors.Is(err, storage.ErrNotFound):
		budget, _ := core.ParseAmountAllowZero(rw.Budget)
		w := core.Wallet{
			ID:          rw.ID,
			Name:        strings.TrimSpace(rw.Name),
			Budget:      core.Money{Yen: budget},
			Teachers:    lookup(ids, rw.Teachers),
			Accountants: lookup(ids, rw.Accountants),
		}
		if err := store.CreateWallet(ctx, w); err != nil {
			return err
		}
		res.Wallets++
	default:
		return fmt.Errorf("look up wallet %s: %w", rw.ID, err)
	}

	for _, rp := range rw.Parts {
		existing, err := store.GetPart(ctx, rp.ID)
		switch {
		case err == nil:
			res.Members += addMissing(ctx, store, existing, ids, rp)
		case errors.Is(err, storage.ErrNotFound):
			budget, _ := core.ParseAmountAllowZero(rp.Budget)
			p := core.Part{
				ID:       rp.ID,
				WalletID: rw.ID,
				Name:     strings.TrimSpace(rp.Name),
				Budget:   core.Money{Yen: budget},
				Leaders:  lookup(ids, rp.Leaders),
				Members:  lookup(ids, rp.Members),
			}
			if err := store.CreatePart(ctx, p); err != nil {
				return err
			}
			res.Parts++
		default:
			return fmt.Errorf("look up part %s: %w", rp.ID, err)
		}
	}
	return nil
}

func addMissing(ctx context.Context, store Store, p core.Part, ids map[string]string, rp Part) int {
	added := 0
	add := func(emails []string, leader bool) {
		for _, id := range lookup(ids, emails) {
			if p.HasMember(id) {
				continue
			}
			if err := store.AddPartMember(ctx, p.ID, id, leader); err != nil {
				slog.WarnContext(ctx, "Failed to add part member", "part_id", p.ID, "user_id", id, "error", err)
				continue
			}
			added++
		}
	}
	add(rp.Leaders, true)
	add(rp.Members, false)
	return added
}

func lookup(ids map[string]string, emails []string) []string {
	out := make([]string, 0, len(emails))
	for _, e := range emails {
		out = append(out, ids[normalizeEmail(e)])
	}
	return out
}

func normalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// validate reports every problem in the roster at once.
func (r Roster) validate() error {
	var problems []string
	known := make(map[string]bool, len(r.Users))

	for i, u := range r.Users {
		email := normalizeEmail(u.Email)
		cu := core.User{Name: u.Name, Email: email, Role: core.Role(u.Role)}
		if err := cu.Validate(); err != nil {
			problems = append(problems, fmt.Sprintf("users[%d] %s: %v", i, u.Email, err))
		}
		if known[email] {
			problems = append(problems, fmt.Sprintf("users[%d]: duplicate email %s", i, email))
		}
		known[email] = true
	}

	check := func(where string, emails []string) {
		for _, e := range emails {
			if !known[normalizeEmail(e)] {
				problems = append(problems, fmt.Sprintf("%s: unknown user %s", where, e))
			}
		}
	}

	walletIDs := map[string]bool{}
	partIDs := map[string]bool{}
	for i, w := range r.Wallets {
		where := fmt.Sprintf("wallets[%d] %s", i, w.ID)
		if w.ID == "" {
			problems = append(problems, where+": id is required")
		} else if walletIDs[w.ID] {
			problems = append(problems, where+": duplicate id")
		}
		walletIDs[w.ID] = true
		if _, err := core.ParseAmountAllowZero(w.Budget); err != nil {
			problems = append(problems, fmt.Sprintf("%s: budget %q: %v", where, w.Budget, err))
		}
		if err := (core.Wallet{ID: w.ID, Name: w.Name}).Validate(); err != nil {
			problems = append(problems, fmt.Sprintf("%s: %v", where, err))
		}
		check(where+" teachers", w.Teachers)
		check(where+" accountants", w.Accountants)

		for j, p := range w.Parts {
			pwhere := fmt.Sprintf("%s parts[%d] %s", where, j, p.ID)
			if p.ID == "" {
				problems = append(problems, pwhere+": id is required")
			} else if partIDs[p.ID] {
				problems = append(problems, pwhere+": duplicate id")
			}
			partIDs[p.ID] = true
			if _, err := core.ParseAmountAllowZero(p.Budget); err != nil {
				problems = append(problems, fmt.Sprintf("%s: budget %q: %v", pwhere, p.Budget, err))
			}
			if err := (core.Part{ID: p.ID, WalletID: w.ID, Name: p.Name}).Validate(); err != nil {
				problems = append(problems, fmt.Sprintf("%s: %v", pwhere, err))
			}
			check(pwhere+" leaders", p.Leaders)
			check(pwhere+" members", p.Members)
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("roster validation failed:\n- %s", strings.Join(problems, "\n- "))
	}
	return nil
}
