package quota

import (
	"errors"
	"time"

	"fieldgate.org/internal/expr"
)

// PlanMode names the partition strategy chosen at authoring time. The
// ledger treats every mode the same at runtime; distribution of targets
// across buckets is an authoring concern.
type PlanMode string

const (
	ModeManual PlanMode = "MANUAL"
	ModeEqual  PlanMode = "EQUAL"
	ModeRandom PlanMode = "RANDOM"
)

// PlanState gates whether a plan participates in assignment.
type PlanState string

const (
	PlanOpen   PlanState = "OPEN"
	PlanClosed PlanState = "CLOSED"
)

// ReservationStatus is persisted; the values are part of the storage
// contract and must not change.
type ReservationStatus string

const (
	ReservationActive    ReservationStatus = "ACTIVE"
	ReservationReleased  ReservationStatus = "RELEASED"
	ReservationFinalized ReservationStatus = "FINALIZED"
)

// Plan partitions a total desired sample into buckets with independent
// capacity. Buckets keep their authoring order; first match wins.
type Plan struct {
	ID      string    `json:"id"`
	Name    string    `json:"name"`
	Mode    PlanMode  `json:"mode"`
	State   PlanState `json:"state"`
	TotalN  int       `json:"total_n"`
	Buckets []Bucket  `json:"buckets"`
}

// Bucket is one named sub-target. The capacity invariant is
// FilledN + ReservedN <= TargetN + MaxOverfill with both counters >= 0.
//
// A bucket matches either on a (question variable, option value) pair or on
// a condition expression; MatchDSL wins when both are set.
type Bucket struct {
	ID          string `json:"id"`
	PlanID      string `json:"plan_id"`
	Name        string `json:"name"`
	TargetN     int    `json:"target_n"`
	FilledN     int    `json:"filled_n"`
	ReservedN   int    `json:"reserved_n"`
	MaxOverfill int    `json:"max_overfill"`

	MatchQuestion string `json:"match_question,omitempty"`
	MatchValue    string `json:"match_value,omitempty"`
	MatchDSL      string `json:"match_dsl,omitempty"`
}

// Capacity returns the hard ceiling for filled+reserved.
func (b Bucket) Capacity() int { return b.TargetN + b.MaxOverfill }

// Matches reports whether the answers place a session into this bucket.
func (b Bucket) Matches(answers expr.Answers) (bool, error) {
	if b.MatchDSL != "" {
		return expr.Evaluate(b.MatchDSL, answers)
	}
	if b.MatchQuestion == "" {
		return false, nil
	}
	return expr.Selected(answers, b.MatchQuestion, b.MatchValue), nil
}

// Reservation is a temporary hold of one capacity slot for one session.
// ACTIVE is the only non-terminal status.
type Reservation struct {
	ID        string            `json:"id"`
	SessionID string            `json:"session_id"`
	BucketID  string            `json:"bucket_id"`
	PlanID    string            `json:"plan_id"`
	Status    ReservationStatus `json:"status"`
	CreatedAt time.Time         `json:"created_at"`
	ExpiresAt time.Time         `json:"expires_at"`
}

// Expired reports whether an ACTIVE reservation has outlived its TTL.
func (r Reservation) Expired(now time.Time) bool {
	return r.Status == ReservationActive && now.After(r.ExpiresAt)
}

// DenialReason is the closed set of per-plan assignment denials. These are
// ordinary outcomes, not errors.
type DenialReason string

const (
	DenyFull    DenialReason = "FULL"
	DenyNoMatch DenialReason = "NO_MATCH"
)

// Assignment names the bucket that accepted a session for one plan.
type Assignment struct {
	PlanID   string `json:"plan_id"`
	BucketID string `json:"bucket_id"`
}

// Denial explains why a plan did not accept the session.
type Denial struct {
	PlanID string       `json:"plan_id"`
	Reason DenialReason `json:"reason"`
}

// AssignResult reports the outcome of one Assign call across all open plans.
type AssignResult struct {
	Assigned []Assignment `json:"assigned"`
	Denied   []Denial     `json:"denied"`
}

// DefaultReservationTTL matches the reference behavior.
const DefaultReservationTTL = 30 * time.Minute

var (
	ErrPlanNotFound   = errors.New("quota plan not found")
	ErrBucketNotFound = errors.New("quota bucket not found")
)
