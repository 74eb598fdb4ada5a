package tasks

import (
	"errors"
	"testing"

	"github.com/KafClaw/crewlink/internal/errs"
)

func TestValidateTransitionTable(t *testing.T) {
	allowed := map[[2]Status]bool{
		{StatusTodo, StatusDoing}:       true,
		{StatusDoing, StatusBlocked}:    true,
		{StatusDoing, StatusValidating}: true,
		{StatusBlocked, StatusDoing}:    true,
		{StatusBlocked, StatusDone}:     true,
		{StatusValidating, StatusDoing}: true,
		{StatusValidating, StatusDone}:  true,
	}
	for _, from := range Statuses {
		for _, to := range Statuses {
			err := ValidateTransition(from, to)
			if allowed[[2]Status{from, to}] {
				if err != nil {
					t.Errorf("%s → %s: unexpected error %v", from, to, err)
				}
				continue
			}
			if !errors.Is(err, errs.ErrInvalidTransition) {
				t.Errorf("%s → %s: expected ErrInvalidTransition, got %v", from, to, err)
			}
		}
	}
}

func TestParseStatusAndPriority(t *testing.T) {
	if s, err := ParseStatus(" Doing "); err != nil || s != StatusDoing {
		t.Fatalf("ParseStatus: %v %v", s, err)
	}
	if _, err := ParseStatus("archived"); !errors.Is(err, errs.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if p, err := ParsePriority("p2"); err != nil || p != P2 {
		t.Fatalf("ParsePriority: %v %v", p, err)
	}
	if p, err := ParsePriority(""); err != nil || p != "" {
		t.Fatalf("empty priority: %v %v", p, err)
	}
	if _, err := ParsePriority("P9"); !errors.Is(err, errs.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
