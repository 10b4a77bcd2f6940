// Package pg is the durable store. One *sql.DB handle backs the collector
// directory, the session store, and the quota ledger; Postgres row locking
// is the synchronization point for every cross-request race.
package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"fieldgate.org/internal/collector"
)

type Store struct {
	db *sql.DB
}

var _ collector.Store = (*Store)(nil)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing handle. Used by tests with sqlmock.
func NewWithDB(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) FindBySlug(ctx context.Context, slug string) (*collector.Collector, error) {
	var c collector.Collector
	var opens, closes sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		select id, tenant_id, survey_id, slug, name, type, status,
		       opens_at, closes_at, max_responses, allow_multiple_per_device, allow_test
		from collectors where slug=$1
	`, slug).Scan(&c.ID, &c.TenantID, &c.SurveyID, &c.Slug, &c.Name, &c.Type, &c.Status,
		&opens, &closes, &c.MaxResponses, &c.AllowMultiplePerDevice, &c.AllowTest)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, collector.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if opens.Valid {
		t := opens.Time
		c.OpensAt = &t
	}
	if closes.Valid {
		t := closes.Time
		c.ClosesAt = &t
	}
	return &c, nil
}

func (s *Store) Target(ctx context.Context, surveyID string) (*collector.SurveyTarget, error) {
	var t collector.SurveyTarget
	err := s.db.QueryRowContext(ctx, `
		select survey_id, total_n, soft_close_n, hard_close
		from survey_targets where survey_id=$1
	`, surveyID).Scan(&t.SurveyID, &t.TotalN, &t.SoftCloseN, &t.HardClose)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Store) RiskPolicy(ctx context.Context, surveyID string) (*collector.RiskPolicy, error) {
	var p collector.RiskPolicy
	err := s.db.QueryRowContext(ctx, `
		select survey_id, enabled, block_threshold, challenge_threshold,
		       detect_vpn, detect_proxy, detect_tor, detect_hosting
		from risk_policies where survey_id=$1
	`, surveyID).Scan(&p.SurveyID, &p.Enabled, &p.BlockThreshold, &p.ChallengeThreshold,
		&p.DetectVPN, &p.DetectProxy, &p.DetectTor, &p.DetectHosting)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) FindToken(ctx context.Context, collectorID, value string) (*collector.InviteToken, error) {
	var t collector.InviteToken
	var expires, consumed sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		select id, collector_id, value, status, expires_at, consumed_at
		from invite_tokens where collector_id=$1 and value=$2
	`, collectorID, value).Scan(&t.ID, &t.CollectorID, &t.Value, &t.Status, &expires, &consumed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, collector.ErrTokenNotFound
	}
	if err != nil {
		return nil, err
	}
	if expires.Valid {
		tm := expires.Time
		t.ExpiresAt = &tm
	}
	if consumed.Valid {
		tm := consumed.Time
		t.ConsumedAt = &tm
	}
	return &t, nil
}

func (s *Store) MarkTokenExpired(ctx context.Context, tokenID string) error {
	// Flipping a token that is already used or expired is a no-op.
	_, err := s.db.ExecContext(ctx, `
		update invite_tokens set status='expired'
		where id=$1 and status='active'
	`, tokenID)
	return err
}
