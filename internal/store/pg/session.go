package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"fieldgate.org/internal/expr"
	"fieldgate.org/internal/session"
)

var _ session.Store = (*Store)(nil)

func (s *Store) Create(ctx context.Context, sess *session.Session) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := insertSession(ctx, tx, sess); err != nil {
		return err
	}
	return tx.Commit()
}

// CreateConsumingToken spends the invite token and creates the session in
// one transaction. The conditional update is the race arbiter: of any number
// of concurrent creates over the same token, exactly one sees a row flip.
func (s *Store) CreateConsumingToken(ctx context.Context, sess *session.Session, tokenID string) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		update invite_tokens set status='used', consumed_at=now()
		where id=$1 and status='active' and (expires_at is null or expires_at > now())
	`, tokenID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return session.ErrTokenConsumed
	}

	sess.TokenID = tokenID
	if err := insertSession(ctx, tx, sess); err != nil {
		return err
	}
	return tx.Commit()
}

func insertSession(ctx context.Context, tx *sql.Tx, sess *session.Session) error {
	now := time.Now().UTC()
	sess.Status = session.StatusInProgress
	sess.CreatedAt = now
	sess.UpdatedAt = now
	if sess.Answers == nil {
		sess.Answers = expr.Answers{}
	}
	answers, err := json.Marshal(sess.Answers)
	if err != nil {
		return err
	}
	utm, err := json.Marshal(sess.Meta.UTM)
	if err != nil {
		return err
	}
	visited := []byte("[]")
	if len(sess.Visited) > 0 {
		if visited, err = json.Marshal(sess.Visited); err != nil {
			return err
		}
	}
	_, err = tx.ExecContext(ctx, `
		insert into sessions(id, collector_id, survey_id, token_id, fingerprint, status,
		                     ip, user_agent, referrer, utm, risk_score, answers, visited,
		                     created_at, updated_at)
		values ($1,$2,$3,nullif($4,''),$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$14)
	`, sess.ID, sess.CollectorID, sess.SurveyID, sess.TokenID, sess.Fingerprint, sess.Status,
		sess.Meta.IP, sess.Meta.UserAgent, sess.Meta.Referrer, utm, sess.Meta.RiskScore, answers,
		visited, now)
	return err
}

func (s *Store) Find(ctx context.Context, id string) (*session.Session, error) {
	return scanSession(s.db.QueryRowContext(ctx, selectSession+` where id=$1`, id))
}

const selectSession = `
	select id, collector_id, survey_id, coalesce(token_id,''), fingerprint, status,
	       ip, user_agent, referrer, utm, risk_score, answers, visited,
	       created_at, updated_at, completed_at, terminated_at
	from sessions`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*session.Session, error) {
	var sess session.Session
	var utm, answers, visited []byte
	var completed, terminated sql.NullTime
	err := row.Scan(&sess.ID, &sess.CollectorID, &sess.SurveyID, &sess.TokenID, &sess.Fingerprint, &sess.Status,
		&sess.Meta.IP, &sess.Meta.UserAgent, &sess.Meta.Referrer, &utm, &sess.Meta.RiskScore, &answers,
		&visited, &sess.CreatedAt, &sess.UpdatedAt, &completed, &terminated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(utm) > 0 {
		if err := json.Unmarshal(utm, &sess.Meta.UTM); err != nil {
			return nil, err
		}
	}
	sess.Answers = expr.Answers{}
	if len(answers) > 0 {
		if err := json.Unmarshal(answers, &sess.Answers); err != nil {
			return nil, err
		}
	}
	if len(visited) > 0 {
		if err := json.Unmarshal(visited, &sess.Visited); err != nil {
			return nil, err
		}
	}
	if completed.Valid {
		t := completed.Time
		sess.CompletedAt = &t
	}
	if terminated.Valid {
		t := terminated.Time
		sess.TerminatedAt = &t
	}
	return &sess, nil
}

// SaveAnswers merges the delta into the answers document server-side, so two
// concurrent saves of different variables both survive.
func (s *Store) SaveAnswers(ctx context.Context, id string, answers expr.Answers) (*session.Session, error) {
	delta, err := json.Marshal(answers)
	if err != nil {
		return nil, err
	}
	res, err := s.db.ExecContext(ctx, `
		update sessions set answers = answers || $2::jsonb, updated_at=now()
		where id=$1 and status='IN_PROGRESS'
	`, id, delta)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		sess, err := s.Find(ctx, id)
		if err != nil {
			return nil, err
		}
		return nil, statusConflict(sess.Status)
	}
	return s.Find(ctx, id)
}

// MarkVisited appends a fired jump destination to the session's visited
// document. Callers record only first arrivals, so a plain append suffices;
// a duplicate slipping in under a race is harmless to cycle detection.
func (s *Store) MarkVisited(ctx context.Context, id string, node string) (*session.Session, error) {
	delta, err := json.Marshal([]string{node})
	if err != nil {
		return nil, err
	}
	res, err := s.db.ExecContext(ctx, `
		update sessions set visited = visited || $2::jsonb, updated_at=now()
		where id=$1 and status='IN_PROGRESS'
	`, id, delta)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		sess, err := s.Find(ctx, id)
		if err != nil {
			return nil, err
		}
		return nil, statusConflict(sess.Status)
	}
	return s.Find(ctx, id)
}

func (s *Store) Transition(ctx context.Context, id string, to session.Status) (*session.Session, error) {
	var stamp string
	switch to {
	case session.StatusCompleted:
		stamp = `, completed_at=now()`
	case session.StatusTerminated:
		stamp = `, terminated_at=now()`
	}
	res, err := s.db.ExecContext(ctx, `
		update sessions set status=$2, updated_at=now()`+stamp+`
		where id=$1 and status='IN_PROGRESS'
	`, id, to)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		sess, err := s.Find(ctx, id)
		if err != nil {
			return nil, err
		}
		if sess.Status == to {
			// Repeating a transition is a no-op.
			return sess, nil
		}
		return nil, statusConflict(sess.Status)
	}
	return s.Find(ctx, id)
}

func statusConflict(current session.Status) error {
	if current.Terminal() {
		return session.ErrTerminal
	}
	return session.ErrNotFound
}

func (s *Store) CountActive(ctx context.Context, collectorID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		select count(*) from sessions
		where collector_id=$1 and status in ('IN_PROGRESS','COMPLETED')
	`, collectorID).Scan(&n)
	return n, err
}

func (s *Store) CountCompletedForSurvey(ctx context.Context, surveyID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		select count(*) from sessions
		where survey_id=$1 and status='COMPLETED'
	`, surveyID).Scan(&n)
	return n, err
}

func (s *Store) FindByFingerprint(ctx context.Context, collectorID, fingerprint string) ([]session.Session, error) {
	rows, err := s.db.QueryContext(ctx, selectSession+`
		where collector_id=$1 and fingerprint=$2
		order by created_at asc
	`, collectorID, fingerprint)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []session.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sess)
	}
	return out, rows.Err()
}
