package admission

import (
	"context"
	"errors"
	"time"

	"fieldgate.org/internal/audit"
	"fieldgate.org/internal/collector"
	"fieldgate.org/internal/obs"
	"fieldgate.org/internal/session"
)

// Reason is the closed set of admission denial codes. Callers branch on
// these values; extending the set is an interface change.
type Reason string

const (
	ReasonCollectorNotFound Reason = "COLLECTOR_NOT_FOUND"
	ReasonCollectorInactive Reason = "COLLECTOR_INACTIVE"
	ReasonVPNBlocked        Reason = "VPN_BLOCKED"
	ReasonVPNChallenge      Reason = "VPN_CHALLENGE"
	ReasonNotYetOpen        Reason = "NOT_YET_OPEN"
	ReasonAlreadyClosed     Reason = "ALREADY_CLOSED"
	ReasonQuotaReached      Reason = "QUOTA_REACHED"
	ReasonSurveyClosed      Reason = "SURVEY_CLOSED"
	ReasonInvalidToken      Reason = "INVALID_TOKEN"
	ReasonTokenExpired      Reason = "TOKEN_EXPIRED"
	ReasonTokenUsed         Reason = "TOKEN_USED"
	ReasonDeviceLimit       Reason = "DEVICE_LIMIT"
)

// Request carries everything the controller may inspect. Token is the raw
// invite value presented by the respondent, empty when none was given.
type Request struct {
	Slug      string            `json:"slug"`
	Token     string            `json:"token,omitempty"`
	UserAgent string            `json:"user_agent"`
	IP        string            `json:"ip"`
	Referrer  string            `json:"referrer,omitempty"`
	UTM       map[string]string `json:"utm,omitempty"`
}

// Result is the admission decision. When CanProceed is false, Reason says
// why. ExistingSession is set when an IN_PROGRESS session should be resumed
// instead of starting a new one.
type Result struct {
	CanProceed      bool                   `json:"can_proceed"`
	Reason          Reason                 `json:"reason,omitempty"`
	Collector       *collector.Collector   `json:"collector,omitempty"`
	Token           *collector.InviteToken `json:"-"`
	ExistingSession *session.Session       `json:"existing_session,omitempty"`
	ClosingSoon     bool                   `json:"closing_soon,omitempty"`
	Fingerprint     string                 `json:"-"`
	RiskScore       int                    `json:"risk_score"`
}

// Controller is the entry gate in front of session creation. Every check is
// read-only; token consumption is deferred to the lifecycle manager so a
// decided-but-uncommitted admission never half-spends a token.
type Controller struct {
	collectors collector.Store
	sessions   session.Store
	intel      IntelProvider
	now        func() time.Time
}

// ControllerOption configures the controller.
type ControllerOption func(*Controller)

// WithNow overrides the time source. Test use only.
func WithNow(now func() time.Time) ControllerOption {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

// NewController wires the admission gate. intel may be nil; risk checks then
// score every address clean.
func NewController(collectors collector.Store, sessions session.Store, intel IntelProvider, opts ...ControllerOption) *Controller {
	c := &Controller{
		collectors: collectors,
		sessions:   sessions,
		intel:      intel,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Check runs the gate sequence and returns the first failure, or success.
// The order is deliberate: earlier checks are cheaper and coarser, so a
// denied collector never pays for a risk lookup or a session count.
func (c *Controller) Check(ctx context.Context, req Request) (Result, error) {
	deny := func(reason Reason) (Result, error) {
		obs.CountAdmission(string(reason))
		_ = audit.LogEvent(ctx, "admission.deny", map[string]any{
			"slug":   req.Slug,
			"reason": string(reason),
		})
		return Result{Reason: reason}, nil
	}
	now := c.now()

	// 1. Collector exists and is active.
	col, err := c.collectors.FindBySlug(ctx, req.Slug)
	if errors.Is(err, collector.ErrNotFound) {
		return deny(ReasonCollectorNotFound)
	}
	if err != nil {
		return Result{}, err
	}
	if col.Status != collector.StatusActive {
		return deny(ReasonCollectorInactive)
	}

	// 2. Risk-based access control. Lookup failures fail open: respondents
	// are never blocked because a reputation feed is down.
	score := 0
	policy, err := c.collectors.RiskPolicy(ctx, col.SurveyID)
	if err != nil {
		return Result{}, err
	}
	if policy != nil && policy.Enabled && c.intel != nil {
		sig, err := c.intel.Lookup(ctx, req.IP)
		if err != nil {
			obs.LogDegradation("admission", "risk intel lookup failed, admitting as low risk", err)
		} else {
			score = Score(sig, *policy)
			switch Classify(score, *policy) {
			case LevelBlock:
				return deny(ReasonVPNBlocked)
			case LevelChallenge:
				return deny(ReasonVPNChallenge)
			}
		}
	}

	// 3. Time window.
	if col.OpensAt != nil && now.Before(*col.OpensAt) {
		return deny(ReasonNotYetOpen)
	}
	if col.ClosesAt != nil && now.After(*col.ClosesAt) {
		return deny(ReasonAlreadyClosed)
	}

	// 4. Collector response cap over COMPLETED plus IN_PROGRESS.
	if col.MaxResponses > 0 {
		active, err := c.sessions.CountActive(ctx, col.ID)
		if err != nil {
			return Result{}, err
		}
		if active >= col.MaxResponses {
			return deny(ReasonQuotaReached)
		}
	}

	// 5. Survey-level target: hard close blocks, soft close only flags.
	closingSoon := false
	target, err := c.collectors.Target(ctx, col.SurveyID)
	if err != nil {
		return Result{}, err
	}
	if target != nil && target.TotalN > 0 {
		completed, err := c.sessions.CountCompletedForSurvey(ctx, col.SurveyID)
		if err != nil {
			return Result{}, err
		}
		if target.HardClose && completed >= target.TotalN {
			return deny(ReasonSurveyClosed)
		}
		if target.SoftCloseN > 0 && completed >= target.SoftCloseN {
			closingSoon = true
		}
	}

	// 6. Invite token for SINGLE_USE collectors. Expired tokens are lazily
	// flipped on their first failed check.
	var token *collector.InviteToken
	if col.Type == collector.TypeSingleUse {
		if req.Token == "" {
			return deny(ReasonInvalidToken)
		}
		tok, err := c.collectors.FindToken(ctx, col.ID, req.Token)
		if errors.Is(err, collector.ErrTokenNotFound) {
			return deny(ReasonInvalidToken)
		}
		if err != nil {
			return Result{}, err
		}
		switch {
		case tok.Status == collector.TokenUsed:
			return deny(ReasonTokenUsed)
		case tok.Status == collector.TokenExpired:
			return deny(ReasonTokenExpired)
		case tok.ExpiredAt(now):
			if err := c.collectors.MarkTokenExpired(ctx, tok.ID); err != nil {
				obs.LogDegradation("admission", "lazy token expiry failed", err)
			}
			return deny(ReasonTokenExpired)
		}
		token = tok
	}

	// 7. Device de-duplication. A prior COMPLETED session on this device
	// denies; an IN_PROGRESS one is handed back for resumption.
	fingerprint := Fingerprint(req.UserAgent, req.IP)
	var existing *session.Session
	if !col.AllowMultiplePerDevice {
		prior, err := c.sessions.FindByFingerprint(ctx, col.ID, fingerprint)
		if err != nil {
			return Result{}, err
		}
		for i := range prior {
			switch prior[i].Status {
			case session.StatusCompleted:
				return deny(ReasonDeviceLimit)
			case session.StatusInProgress:
				existing = &prior[i]
			}
		}
	}

	obs.CountAdmission("admitted")
	_ = audit.LogEvent(ctx, "admission.allow", map[string]any{
		"slug":         req.Slug,
		"collector_id": col.ID,
		"closing_soon": closingSoon,
		"resume":       existing != nil,
	})
	return Result{
		CanProceed:      true,
		Collector:       col,
		Token:           token,
		ExistingSession: existing,
		ClosingSoon:     closingSoon,
		Fingerprint:     fingerprint,
		RiskScore:       score,
	}, nil
}
