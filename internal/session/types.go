// Package session owns one respondent's attempt at a survey: creation with
// exactly-once token consumption, answer accumulation, and the terminal
// transitions that drive quota finalization or release.
package session

import (
	"errors"
	"time"

	"fieldgate.org/internal/expr"
)

// Status is persisted; the values are part of the storage contract.
// IN_PROGRESS is the only non-terminal status.
type Status string

const (
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusTerminated Status = "TERMINATED"
)

// Terminal reports whether the status can never change again.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusTerminated
}

// Meta carries the request-scoped signals captured at admission time. The
// fingerprint is a heuristic device signal, not a security boundary.
type Meta struct {
	IP        string            `json:"ip"`
	UserAgent string            `json:"user_agent"`
	Referrer  string            `json:"referrer,omitempty"`
	UTM       map[string]string `json:"utm,omitempty"`
	RiskScore int               `json:"risk_score"`
}

// Session is one respondent's attempt.
type Session struct {
	ID          string       `json:"id"`
	CollectorID string       `json:"collector_id"`
	SurveyID    string       `json:"survey_id"`
	TokenID     string       `json:"token_id,omitempty"`
	Fingerprint string       `json:"fingerprint"`
	Status      Status       `json:"status"`
	Meta        Meta         `json:"meta"`
	Answers     expr.Answers `json:"answers"`

	// Visited holds the jump destinations reached so far; it seeds cycle
	// detection for the next navigation step.
	Visited []string `json:"visited,omitempty"`

	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	TerminatedAt *time.Time `json:"terminated_at,omitempty"`
}

var (
	ErrNotFound = errors.New("session not found")

	// ErrTokenConsumed reports that the invite token lost the
	// consume-and-create race or was already spent.
	ErrTokenConsumed = errors.New("invite token already consumed")

	// ErrTerminal reports an operation against a session whose status can
	// no longer change.
	ErrTerminal = errors.New("session is in a terminal state")
)
