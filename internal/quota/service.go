package quota

import (
	"context"
	"sync"
	"time"

	"fieldgate.org/internal/expr"
	"fieldgate.org/internal/ids"
	"fieldgate.org/internal/obs"
)

// Ledger tracks bucket capacity under concurrent assignment. The central
// correctness property: concurrent Assign calls racing for the last slot in
// a bucket yield exactly one winner; everyone else is denied FULL.
type Ledger interface {
	// Assign places the session into the first matching bucket of every
	// OPEN plan, reserving capacity. Safe to call repeatedly as answers
	// grow: an existing ACTIVE reservation is left untouched.
	Assign(ctx context.Context, sessionID string, answers expr.Answers) (AssignResult, error)

	// Release returns reserved capacity for the session's ACTIVE
	// reservations, optionally limited to the given buckets. Idempotent.
	Release(ctx context.Context, sessionID string, bucketIDs ...string) ([]Reservation, error)

	// Finalize converts the session's ACTIVE reservations into filled
	// slots. The only path by which FilledN increases.
	Finalize(ctx context.Context, sessionID string) ([]Reservation, error)
}

// InMemory implements Ledger with in-process concurrency safety. It backs
// tests and single-node deployments; the Postgres store is the durable
// implementation.
type InMemory struct {
	mu           sync.Mutex
	plans        []*Plan // authoring order
	reservations map[string]*Reservation
	// byPair indexes the ACTIVE reservation per (session, bucket).
	byPair map[pairKey]*Reservation
	ttl    time.Duration
	now    func() time.Time
}

type pairKey struct {
	sessionID string
	bucketID  string
}

// Option configures InMemory.
type Option func(*InMemory)

// WithTTL overrides the reservation TTL.
func WithTTL(ttl time.Duration) Option {
	return func(s *InMemory) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithClock overrides the time source. Test use only.
func WithClock(now func() time.Time) Option {
	return func(s *InMemory) {
		if now != nil {
			s.now = now
		}
	}
}

// NewInMemory creates an empty ledger.
func NewInMemory(opts ...Option) *InMemory {
	s := &InMemory{
		reservations: make(map[string]*Reservation),
		byPair:       make(map[pairKey]*Reservation),
		ttl:          DefaultReservationTTL,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddPlan registers a plan with its buckets. Owned by the authoring
// subsystem; exposed here so tests and seeds can populate the ledger.
func (s *InMemory) AddPlan(plan Plan) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := plan
	for i := range p.Buckets {
		p.Buckets[i].PlanID = p.ID
	}
	s.plans = append(s.plans, &p)
}

// Plans returns a snapshot of all plans with current counters.
func (s *InMemory) Plans(ctx context.Context) ([]Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Plan, 0, len(s.plans))
	for _, p := range s.plans {
		cp := *p
		cp.Buckets = append([]Bucket(nil), p.Buckets...)
		out = append(out, cp)
	}
	return out, nil
}

func (s *InMemory) Assign(ctx context.Context, sessionID string, answers expr.Answers) (AssignResult, error) {
	if err := ctx.Err(); err != nil {
		return AssignResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sweepExpiredLocked()

	var result AssignResult
	for _, plan := range s.plans {
		if plan.State != PlanOpen {
			continue
		}
		matched := -1
		for i := range plan.Buckets {
			ok, err := plan.Buckets[i].Matches(answers)
			if err != nil {
				return AssignResult{}, err
			}
			if ok {
				matched = i
				break
			}
		}
		if matched < 0 {
			result.Denied = append(result.Denied, Denial{PlanID: plan.ID, Reason: DenyNoMatch})
			obs.CountQuotaOutcome("no_match")
			continue
		}

		bucket := &plan.Buckets[matched]
		key := pairKey{sessionID: sessionID, bucketID: bucket.ID}
		if existing, ok := s.byPair[key]; ok && existing.Status == ReservationActive && !existing.Expired(s.now()) {
			// Idempotent re-assignment: the hold already exists.
			result.Assigned = append(result.Assigned, Assignment{PlanID: plan.ID, BucketID: bucket.ID})
			continue
		}

		if bucket.FilledN+bucket.ReservedN >= bucket.Capacity() {
			result.Denied = append(result.Denied, Denial{PlanID: plan.ID, Reason: DenyFull})
			obs.CountQuotaOutcome("full")
			continue
		}

		now := s.now()
		res := &Reservation{
			ID:        ids.New(),
			SessionID: sessionID,
			BucketID:  bucket.ID,
			PlanID:    plan.ID,
			Status:    ReservationActive,
			CreatedAt: now,
			ExpiresAt: now.Add(s.ttl),
		}
		bucket.ReservedN++
		s.reservations[res.ID] = res
		s.byPair[key] = res
		obs.ReservationOpened()
		obs.CountQuotaOutcome("assigned")
		result.Assigned = append(result.Assigned, Assignment{PlanID: plan.ID, BucketID: bucket.ID})
	}
	return result, nil
}

func (s *InMemory) Release(ctx context.Context, sessionID string, bucketIDs ...string) ([]Reservation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sweepExpiredLocked()

	filter := make(map[string]struct{}, len(bucketIDs))
	for _, id := range bucketIDs {
		filter[id] = struct{}{}
	}

	var released []Reservation
	for _, res := range s.reservations {
		if res.SessionID != sessionID || res.Status != ReservationActive {
			continue
		}
		if len(filter) > 0 {
			if _, ok := filter[res.BucketID]; !ok {
				continue
			}
		}
		s.releaseLocked(res)
		released = append(released, *res)
	}
	return released, nil
}

func (s *InMemory) Finalize(ctx context.Context, sessionID string) ([]Reservation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sweepExpiredLocked()

	var finalized []Reservation
	for _, res := range s.reservations {
		if res.SessionID != sessionID || res.Status != ReservationActive {
			continue
		}
		bucket := s.bucketLocked(res.BucketID)
		if bucket == nil {
			return nil, ErrBucketNotFound
		}
		bucket.ReservedN--
		bucket.FilledN++
		res.Status = ReservationFinalized
		delete(s.byPair, pairKey{sessionID: res.SessionID, bucketID: res.BucketID})
		obs.ReservationClosed()
		finalized = append(finalized, *res)
	}
	return finalized, nil
}

// sweepExpiredLocked lazily returns capacity held by expired reservations.
// Expiry handling is best-effort by contract; sweeping on every ledger touch
// keeps the in-memory counters honest without a background goroutine.
func (s *InMemory) sweepExpiredLocked() {
	now := s.now()
	for _, res := range s.reservations {
		if res.Expired(now) {
			s.releaseLocked(res)
		}
	}
}

func (s *InMemory) releaseLocked(res *Reservation) {
	if res.Status != ReservationActive {
		return
	}
	if bucket := s.bucketLocked(res.BucketID); bucket != nil && bucket.ReservedN > 0 {
		bucket.ReservedN--
	}
	res.Status = ReservationReleased
	delete(s.byPair, pairKey{sessionID: res.SessionID, bucketID: res.BucketID})
	obs.ReservationClosed()
}

func (s *InMemory) bucketLocked(bucketID string) *Bucket {
	for _, plan := range s.plans {
		for i := range plan.Buckets {
			if plan.Buckets[i].ID == bucketID {
				return &plan.Buckets[i]
			}
		}
	}
	return nil
}
