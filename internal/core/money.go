// Package core provides money parsing and handling utilities.
//
// Festival budgets are kept in whole yen. This file contains functions for
// parsing amounts typed into forms and rendering them for display.
package core

import (
	"strconv"
	"strings"
)

// ParseAmount converts a form amount to whole yen.
//
// It accepts plain digits and digits grouped with commas ("1,200"), an
// optional leading yen sign and full-width digits. Fractions, signs and zero
// are rejected because every amount handled by the app is a positive count of yen.
//
// Examples:
//
//	ParseAmount("1200")   -> 1200, nil
//	ParseAmount("¥1,200") -> 1200, nil
//	ParseAmount("１２００") -> 1200, nil
//	ParseAmount("-5")     -> 0, ErrInvalidAmount
func ParseAmount(s string) (int64, error) {
	v, err := parseNonNegative(s)
	if err != nil {
		return 0, err
	}
	if v <= 0 {
		return 0, ErrInvalidAmount
	}
	return v, nil
}

// ParseAmountAllowZero is ParseAmount for fields where zero is meaningful,
// such as a usage report for a purchase that ended up buying nothing.
func ParseAmountAllowZero(s string) (int64, error) {
	return parseNonNegative(s)
}

func parseNonNegative(s string) (int64, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "¥")
	s = strings.TrimPrefix(s, "￥")
	s = strings.TrimSuffix(s, "円")
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, ErrInvalidAmount
	}

	// Commas must separate groups of three digits: the first group holds
	// one to three digits and every later group exactly three.
	var b strings.Builder
	lead, group := 0, -1
	for _, r := range s {
		switch {
		case r == ',' || r == '，':
			if lead == 0 || lead > 3 || (group >= 0 && group != 3) {
				return 0, ErrInvalidAmount
			}
			group = 0
			continue
		case r >= '０' && r <= '９':
			b.WriteRune('0' + (r - '０'))
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			return 0, ErrInvalidAmount
		}
		if group >= 0 {
			group++
		} else {
			lead++
		}
	}
	if group >= 0 && group != 3 {
		return 0, ErrInvalidAmount
	}
	digits := b.String()
	if digits == "" {
		return 0, ErrInvalidAmount
	}
	v, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return 0, ErrInvalidAmount
	}
	return v, nil
}

// FormatYen renders an amount as "¥1,234", with a leading minus for negatives.
func FormatYen(yen int64) string {
	neg := yen < 0
	if neg {
		yen = -yen
	}
	digits := strconv.FormatInt(yen, 10)
	var b strings.Builder
	for i, r := range digits {
		if i > 0 && (len(digits)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	if neg {
		return "-¥" + b.String()
	}
	return "¥" + b.String()
}

// String renders the amount for display.
func (m Money) String() string {
	return FormatYen(m.Yen)
}
