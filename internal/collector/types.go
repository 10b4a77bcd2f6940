// Package collector models the access points through which respondents
// reach a survey, plus their invite tokens and survey-level targets. These
// records are authored elsewhere; the runtime only reads them and atomically
// consumes tokens.
package collector

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"fieldgate.org/internal/ids"
)

// Type distinguishes how a collector admits respondents.
type Type string

const (
	TypePublic    Type = "PUBLIC"
	TypeSingleUse Type = "SINGLE_USE"
	TypeInternal  Type = "INTERNAL"
	TypePanel     Type = "PANEL"
)

// Status gates whether a collector accepts traffic at all.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

// Collector is a named distribution channel for one survey. The slug is the
// immutable public identity once published.
type Collector struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
	SurveyID string `json:"survey_id"`
	Slug     string `json:"slug"`
	Name     string `json:"name"`
	Type     Type   `json:"type"`
	Status   Status `json:"status"`

	OpensAt  *time.Time `json:"opens_at,omitempty"`
	ClosesAt *time.Time `json:"closes_at,omitempty"`

	// MaxResponses caps COMPLETED+IN_PROGRESS sessions; zero means no cap.
	MaxResponses int `json:"max_responses"`

	AllowMultiplePerDevice bool `json:"allow_multiple_per_device"`
	AllowTest              bool `json:"allow_test"`
}

// TokenStatus is the invite token lifecycle: active -> used | expired.
type TokenStatus string

const (
	TokenActive  TokenStatus = "active"
	TokenUsed    TokenStatus = "used"
	TokenExpired TokenStatus = "expired"
)

// InviteToken is a one-time credential for SINGLE_USE collectors. It
// transitions to used at most once, atomically with session creation.
type InviteToken struct {
	ID          string      `json:"id"`
	CollectorID string      `json:"collector_id"`
	Value       string      `json:"value"`
	Status      TokenStatus `json:"status"`
	ExpiresAt   *time.Time  `json:"expires_at,omitempty"`
	ConsumedAt  *time.Time  `json:"consumed_at,omitempty"`
}

// ExpiredAt reports whether the token has outlived its expiry.
func (t InviteToken) ExpiredAt(now time.Time) bool {
	return t.ExpiresAt != nil && now.After(*t.ExpiresAt)
}

// SurveyTarget is the survey-wide completion goal. SoftCloseN flags an
// approaching target without blocking; HardClose blocks new admissions once
// TotalN completions exist.
type SurveyTarget struct {
	SurveyID   string `json:"survey_id"`
	TotalN     int    `json:"total_n"`
	SoftCloseN int    `json:"soft_close_n"`
	HardClose  bool   `json:"hard_close"`
}

// RiskPolicy configures risk-based access control per survey. Thresholds are
// scores in 0..100; a disabled detection category removes its contribution
// from the score before thresholding.
type RiskPolicy struct {
	SurveyID string `json:"survey_id"`
	Enabled  bool   `json:"enabled"`

	BlockThreshold     int `json:"block_threshold"`
	ChallengeThreshold int `json:"challenge_threshold"`

	DetectVPN     bool `json:"detect_vpn"`
	DetectProxy   bool `json:"detect_proxy"`
	DetectTor     bool `json:"detect_tor"`
	DetectHosting bool `json:"detect_hosting"`
}

// DefaultRiskPolicy returns the reference thresholds with every category on.
func DefaultRiskPolicy(surveyID string) RiskPolicy {
	return RiskPolicy{
		SurveyID:           surveyID,
		Enabled:            true,
		BlockThreshold:     85,
		ChallengeThreshold: 60,
		DetectVPN:          true,
		DetectProxy:        true,
		DetectTor:          true,
		DetectHosting:      true,
	}
}

// NewInviteToken mints an active token with an unguessable value for a
// SINGLE_USE collector. Expiry is optional.
func NewInviteToken(collectorID string, expiresAt *time.Time) InviteToken {
	return InviteToken{
		ID:          ids.New(),
		CollectorID: collectorID,
		Value:       uuid.NewString(),
		Status:      TokenActive,
		ExpiresAt:   expiresAt,
	}
}

var (
	ErrNotFound      = errors.New("collector not found")
	ErrTokenNotFound = errors.New("invite token not found")
)
