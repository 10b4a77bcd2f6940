package session

import (
	"context"
	"fmt"

	"fieldgate.org/internal/audit"
	"fieldgate.org/internal/collector"
	"fieldgate.org/internal/expr"
	"fieldgate.org/internal/ids"
	"fieldgate.org/internal/obs"
	"fieldgate.org/internal/quota"
)

// Notifier receives the completion side effect. Delivery is fire-and-forget:
// failures are logged and swallowed, never rolled into the completion.
type Notifier interface {
	SessionCompleted(ctx context.Context, s Session) error
}

// AuditNotifier emits the completion as an audit event. The default when no
// external notifier is wired.
type AuditNotifier struct{}

func (AuditNotifier) SessionCompleted(ctx context.Context, s Session) error {
	return audit.LogEvent(ctx, "session.completed.notify", map[string]any{
		"session_id":   s.ID,
		"collector_id": s.CollectorID,
		"survey_id":    s.SurveyID,
	})
}

// Manager drives the session lifecycle and the ledger transitions attached
// to it: reserve while answering, finalize on completion, release on
// termination.
type Manager struct {
	store    Store
	ledger   quota.Ledger
	notifier Notifier
}

// NewManager wires the lifecycle manager. notifier may be nil; completions
// then notify through the audit log.
func NewManager(store Store, ledger quota.Ledger, notifier Notifier) *Manager {
	if notifier == nil {
		notifier = AuditNotifier{}
	}
	return &Manager{store: store, ledger: ledger, notifier: notifier}
}

// Start creates a new IN_PROGRESS session behind a decided admission. For
// SINGLE_USE collectors the invite token is consumed atomically with the
// create; losing the consume race surfaces as ErrTokenConsumed.
func (m *Manager) Start(ctx context.Context, col *collector.Collector, token *collector.InviteToken, fingerprint string, meta Meta) (*Session, error) {
	sess := &Session{
		ID:          ids.New(),
		CollectorID: col.ID,
		SurveyID:    col.SurveyID,
		Fingerprint: fingerprint,
		Meta:        meta,
		Answers:     expr.Answers{},
	}

	if col.Type == collector.TypeSingleUse {
		if token == nil {
			return nil, fmt.Errorf("single-use collector %s requires a token", col.Slug)
		}
		if err := m.store.CreateConsumingToken(ctx, sess, token.ID); err != nil {
			return nil, err
		}
	} else {
		if err := m.store.Create(ctx, sess); err != nil {
			return nil, err
		}
	}

	_ = audit.LogEvent(ctx, "session.start", map[string]any{
		"session_id":   sess.ID,
		"collector_id": col.ID,
		"survey_id":    col.SurveyID,
	})
	return sess, nil
}

// Find returns a snapshot of the session.
func (m *Manager) Find(ctx context.Context, sessionID string) (*Session, error) {
	return m.store.Find(ctx, sessionID)
}

// MarkVisited records a fired jump destination on the session so a later
// navigation step can refuse to loop back through it.
func (m *Manager) MarkVisited(ctx context.Context, sessionID, node string) (*Session, error) {
	return m.store.MarkVisited(ctx, sessionID, node)
}

// RecordAnswer stores one answer and re-runs quota assignment against the
// full answer set including the new value. Assignment is idempotent, so
// repeated calls with unchanged answers never double-reserve.
func (m *Manager) RecordAnswer(ctx context.Context, sessionID, variable string, value any) (*Session, quota.AssignResult, error) {
	sess, err := m.store.SaveAnswers(ctx, sessionID, expr.Answers{variable: value})
	if err != nil {
		return nil, quota.AssignResult{}, err
	}
	assign, err := m.ledger.Assign(ctx, sessionID, sess.Answers)
	if err != nil {
		return nil, quota.AssignResult{}, err
	}
	return sess, assign, nil
}

// Complete finalizes the session: remaining answers are stored, ACTIVE
// reservations become filled slots, and the status transitions to
// COMPLETED. Completing an already-COMPLETED session is a no-op.
func (m *Manager) Complete(ctx context.Context, sessionID string, finalAnswers expr.Answers) (*Session, []quota.Reservation, error) {
	sess, err := m.store.Find(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	switch sess.Status {
	case StatusCompleted:
		return sess, nil, nil
	case StatusTerminated:
		return nil, nil, ErrTerminal
	}

	if len(finalAnswers) > 0 {
		sess, err = m.store.SaveAnswers(ctx, sessionID, finalAnswers)
		if err != nil {
			return nil, nil, err
		}
		// Late answers can still change bucket membership.
		if _, err := m.ledger.Assign(ctx, sessionID, sess.Answers); err != nil {
			return nil, nil, err
		}
	}

	finalized, err := m.ledger.Finalize(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	sess, err = m.store.Transition(ctx, sessionID, StatusCompleted)
	if err != nil {
		return nil, nil, err
	}

	if err := m.notifier.SessionCompleted(ctx, *sess); err != nil {
		obs.LogDegradation("session", "completion notification failed", err)
	}
	_ = audit.LogEvent(ctx, "session.complete", map[string]any{
		"session_id": sess.ID,
		"finalized":  len(finalized),
	})
	return sess, finalized, nil
}

// Terminate abandons the session: ACTIVE reservations are released and the
// status transitions to TERMINATED. Terminating an already-TERMINATED
// session is a no-op; a COMPLETED session cannot be terminated.
func (m *Manager) Terminate(ctx context.Context, sessionID string) (*Session, error) {
	sess, err := m.store.Find(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	switch sess.Status {
	case StatusTerminated:
		return sess, nil
	case StatusCompleted:
		return nil, ErrTerminal
	}

	released, err := m.ledger.Release(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	sess, err = m.store.Transition(ctx, sessionID, StatusTerminated)
	if err != nil {
		return nil, err
	}
	_ = audit.LogEvent(ctx, "session.terminate", map[string]any{
		"session_id": sess.ID,
		"released":   len(released),
	})
	return sess, nil
}
