package session

import (
	"context"
	"sync"
	"time"

	"fieldgate.org/internal/expr"
)

// Store describes session persistence. CreateConsumingToken must consume the
// token and create the session as one atomic unit so a token can never end
// up half-consumed.
type Store interface {
	Create(ctx context.Context, s *Session) error
	CreateConsumingToken(ctx context.Context, s *Session, tokenID string) error
	Find(ctx context.Context, id string) (*Session, error)
	SaveAnswers(ctx context.Context, id string, answers expr.Answers) (*Session, error)
	MarkVisited(ctx context.Context, id string, node string) (*Session, error)
	Transition(ctx context.Context, id string, to Status) (*Session, error)

	// Directory reads used by the admission controller.
	CountActive(ctx context.Context, collectorID string) (int, error)
	CountCompletedForSurvey(ctx context.Context, surveyID string) (int, error)
	FindByFingerprint(ctx context.Context, collectorID, fingerprint string) ([]Session, error)
}

// TokenConsumer is the single write the session store needs against the
// collector subsystem: an atomic active->used flip.
type TokenConsumer interface {
	ConsumeToken(ctx context.Context, tokenID string, now time.Time) bool
}

// InMemory implements Store with in-process concurrency safety.
type InMemory struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	tokens   TokenConsumer
	now      func() time.Time
}

// NewInMemory creates an empty store. tokens may be nil when no SINGLE_USE
// collectors exist.
func NewInMemory(tokens TokenConsumer) *InMemory {
	return &InMemory{
		sessions: make(map[string]*Session),
		tokens:   tokens,
		now:      time.Now,
	}
}

// SetClock overrides the time source. Test use only.
func (s *InMemory) SetClock(now func() time.Time) { s.now = now }

func (s *InMemory) Create(ctx context.Context, sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createLocked(sess)
}

func (s *InMemory) CreateConsumingToken(ctx context.Context, sess *Session, tokenID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tokens == nil || !s.tokens.ConsumeToken(ctx, tokenID, s.now()) {
		return ErrTokenConsumed
	}
	sess.TokenID = tokenID
	return s.createLocked(sess)
}

func (s *InMemory) createLocked(sess *Session) error {
	now := s.now()
	sess.Status = StatusInProgress
	sess.CreatedAt = now
	sess.UpdatedAt = now
	if sess.Answers == nil {
		sess.Answers = expr.Answers{}
	}
	cp := *sess
	cp.Answers = sess.Answers.Clone()
	s.sessions[sess.ID] = &cp
	return nil
}

func (s *InMemory) Find(ctx context.Context, id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return snapshot(sess), nil
}

func (s *InMemory) SaveAnswers(ctx context.Context, id string, answers expr.Answers) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	if sess.Status.Terminal() {
		return nil, ErrTerminal
	}
	for k, v := range answers {
		sess.Answers[k] = v
	}
	sess.UpdatedAt = s.now()
	return snapshot(sess), nil
}

func (s *InMemory) MarkVisited(ctx context.Context, id string, node string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	if sess.Status.Terminal() {
		return nil, ErrTerminal
	}
	for _, seen := range sess.Visited {
		if seen == node {
			return snapshot(sess), nil
		}
	}
	sess.Visited = append(sess.Visited, node)
	sess.UpdatedAt = s.now()
	return snapshot(sess), nil
}

func (s *InMemory) Transition(ctx context.Context, id string, to Status) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	if sess.Status == to {
		return snapshot(sess), nil
	}
	if sess.Status.Terminal() {
		return nil, ErrTerminal
	}
	now := s.now()
	sess.Status = to
	sess.UpdatedAt = now
	switch to {
	case StatusCompleted:
		sess.CompletedAt = &now
	case StatusTerminated:
		sess.TerminatedAt = &now
	}
	return snapshot(sess), nil
}

func (s *InMemory) CountActive(ctx context.Context, collectorID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, sess := range s.sessions {
		if sess.CollectorID != collectorID {
			continue
		}
		if sess.Status == StatusInProgress || sess.Status == StatusCompleted {
			n++
		}
	}
	return n, nil
}

func (s *InMemory) CountCompletedForSurvey(ctx context.Context, surveyID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, sess := range s.sessions {
		if sess.SurveyID == surveyID && sess.Status == StatusCompleted {
			n++
		}
	}
	return n, nil
}

func (s *InMemory) FindByFingerprint(ctx context.Context, collectorID, fingerprint string) ([]Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Session
	for _, sess := range s.sessions {
		if sess.CollectorID == collectorID && sess.Fingerprint == fingerprint {
			out = append(out, *snapshot(sess))
		}
	}
	return out, nil
}

func snapshot(sess *Session) *Session {
	cp := *sess
	cp.Answers = sess.Answers.Clone()
	cp.Visited = append([]string(nil), sess.Visited...)
	return &cp
}
