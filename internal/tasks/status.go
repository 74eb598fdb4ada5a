package tasks

import (
	"fmt"
	"strings"

	"github.com/KafClaw/crewlink/internal/errs"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusTodo       Status = "todo"
	StatusDoing      Status = "doing"
	StatusBlocked    Status = "blocked"
	StatusValidating Status = "validating"
	StatusDone       Status = "done"
)

// Statuses lists every status in board order.
var Statuses = []Status{StatusTodo, StatusDoing, StatusBlocked, StatusValidating, StatusDone}

// todo → doing → {blocked, validating} → done, with blocked → doing (unblock)
// and validating → doing (rework). done is terminal.
var validTransitions = map[Status]map[Status]bool{
	StatusTodo: {
		StatusDoing: true,
	},
	StatusDoing: {
		StatusBlocked:    true,
		StatusValidating: true,
	},
	StatusBlocked: {
		StatusDoing: true,
		StatusDone:  true,
	},
	StatusValidating: {
		StatusDoing: true,
		StatusDone:  true,
	},
}

// ParseStatus validates s against the closed status set.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Statuses {
		if st == known {
			return st, nil
		}
	}
	return "", errs.Validation("unknown task status %q", s)
}

func IsTerminal(s Status) bool {
	return s == StatusDone
}

// ValidateTransition returns an ErrInvalidTransition unless from → to is an
// edge of the lifecycle.
func ValidateTransition(from, to Status) error {
	if IsTerminal(from) {
		return fmt.Errorf("%w: cannot transition from terminal status %q", errs.ErrInvalidTransition, from)
	}
	allowed, ok := validTransitions[from]
	if !ok {
		return fmt.Errorf("%w: unknown status %q", errs.ErrInvalidTransition, from)
	}
	if !allowed[to] {
		return fmt.Errorf("%w: %q → %q", errs.ErrInvalidTransition, from, to)
	}
	return nil
}

// Priority is the urgency of a task, P0 highest.
type Priority string

const (
	P0 Priority = "P0"
	P1 Priority = "P1"
	P2 Priority = "P2"
	P3 Priority = "P3"
)

// ParsePriority validates s. The empty string means no priority.
func ParsePriority(s string) (Priority, error) {
	p := Priority(strings.ToUpper(strings.TrimSpace(s)))
	switch p {
	case "", P0, P1, P2, P3:
		return p, nil
	}
	return "", errs.Validation("unknown priority %q", s)
}
