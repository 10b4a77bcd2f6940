package collector

import (
	"context"
	"sync"
	"time"
)

// Store describes the read surface the runtime needs over authored records.
// MarkTokenExpired is the single write: expired tokens are lazily flipped on
// their first failed check.
type Store interface {
	FindBySlug(ctx context.Context, slug string) (*Collector, error)
	Target(ctx context.Context, surveyID string) (*SurveyTarget, error)
	RiskPolicy(ctx context.Context, surveyID string) (*RiskPolicy, error)
	FindToken(ctx context.Context, collectorID, value string) (*InviteToken, error)
	MarkTokenExpired(ctx context.Context, tokenID string) error
}

// InMemory implements Store for tests and single-node deployments.
type InMemory struct {
	mu         sync.RWMutex
	collectors map[string]*Collector // by slug
	targets    map[string]*SurveyTarget
	policies   map[string]*RiskPolicy
	tokens     map[string]*InviteToken // by collectorID+"\x00"+value
	tokensByID map[string]*InviteToken
}

// NewInMemory creates an empty store.
func NewInMemory() *InMemory {
	return &InMemory{
		collectors: make(map[string]*Collector),
		targets:    make(map[string]*SurveyTarget),
		policies:   make(map[string]*RiskPolicy),
		tokens:     make(map[string]*InviteToken),
		tokensByID: make(map[string]*InviteToken),
	}
}

// PutCollector registers or replaces a collector.
func (s *InMemory) PutCollector(c Collector) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := c
	s.collectors[c.Slug] = &cp
}

// PutTarget registers or replaces a survey target.
func (s *InMemory) PutTarget(t SurveyTarget) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := t
	s.targets[t.SurveyID] = &cp
}

// PutRiskPolicy registers or replaces a survey risk policy.
func (s *InMemory) PutRiskPolicy(p RiskPolicy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := p
	s.policies[p.SurveyID] = &cp
}

// PutToken registers or replaces an invite token.
func (s *InMemory) PutToken(t InviteToken) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := t
	s.tokens[tokenKey(t.CollectorID, t.Value)] = &cp
	s.tokensByID[t.ID] = &cp
}

func (s *InMemory) FindBySlug(ctx context.Context, slug string) (*Collector, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.collectors[slug]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *InMemory) Target(ctx context.Context, surveyID string) (*SurveyTarget, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.targets[surveyID]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (s *InMemory) RiskPolicy(ctx context.Context, surveyID string) (*RiskPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[surveyID]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (s *InMemory) FindToken(ctx context.Context, collectorID, value string) (*InviteToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tokens[tokenKey(collectorID, value)]
	if !ok {
		return nil, ErrTokenNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *InMemory) MarkTokenExpired(ctx context.Context, tokenID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokensByID[tokenID]
	if !ok {
		return ErrTokenNotFound
	}
	if t.Status == TokenActive {
		t.Status = TokenExpired
	}
	return nil
}

// ConsumeToken atomically flips an active, unexpired token to used. It
// returns false when the token was already used or expired; the session
// store calls this inside its create step.
func (s *InMemory) ConsumeToken(ctx context.Context, tokenID string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokensByID[tokenID]
	if !ok || t.Status != TokenActive || t.ExpiredAt(now) {
		return false
	}
	t.Status = TokenUsed
	consumed := now
	t.ConsumedAt = &consumed
	return true
}

func tokenKey(collectorID, value string) string {
	return collectorID + "\x00" + value
}
