package pg

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"fieldgate.org/internal/expr"
	"fieldgate.org/internal/ids"
	"fieldgate.org/internal/obs"
	"fieldgate.org/internal/quota"
)

// QuotaLedger is the durable quota.Ledger. Every counter mutation is a
// single conditional UPDATE inside a serializable transaction, so two
// admissions racing for the last slot in a bucket yield exactly one winner
// regardless of how many processes share the database.
type QuotaLedger struct {
	db  *sql.DB
	ttl time.Duration
}

var _ quota.Ledger = (*QuotaLedger)(nil)

// Ledger returns the quota ledger over the store's handle. ttl <= 0 uses
// the default reservation TTL.
func (s *Store) Ledger(ttl time.Duration) *QuotaLedger {
	if ttl <= 0 {
		ttl = quota.DefaultReservationTTL
	}
	return &QuotaLedger{db: s.db, ttl: ttl}
}

func (l *QuotaLedger) Assign(ctx context.Context, sessionID string, answers expr.Answers) (quota.AssignResult, error) {
	tx, err := l.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return quota.AssignResult{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if err := sweepExpired(ctx, tx); err != nil {
		return quota.AssignResult{}, err
	}

	plans, err := loadOpenPlans(ctx, tx)
	if err != nil {
		return quota.AssignResult{}, err
	}

	var result quota.AssignResult
	for _, plan := range plans {
		matched := -1
		for i := range plan.Buckets {
			ok, err := plan.Buckets[i].Matches(answers)
			if err != nil {
				return quota.AssignResult{}, err
			}
			if ok {
				matched = i
				break
			}
		}
		if matched < 0 {
			result.Denied = append(result.Denied, quota.Denial{PlanID: plan.ID, Reason: quota.DenyNoMatch})
			obs.CountQuotaOutcome("no_match")
			continue
		}
		bucket := plan.Buckets[matched]

		// Idempotent re-assignment: an existing ACTIVE hold stands.
		var exists bool
		if err := tx.QueryRowContext(ctx, `
			select exists(
				select 1 from quota_reservations
				where session_id=$1 and bucket_id=$2 and status='ACTIVE'
			)
		`, sessionID, bucket.ID).Scan(&exists); err != nil {
			return quota.AssignResult{}, err
		}
		if exists {
			result.Assigned = append(result.Assigned, quota.Assignment{PlanID: plan.ID, BucketID: bucket.ID})
			continue
		}

		// The capacity check and the increment are one statement; no read
		// happens outside it, so there is no window to oversell in.
		res, err := tx.ExecContext(ctx, `
			update quota_buckets set reserved_n = reserved_n + 1
			where id=$1 and filled_n + reserved_n < target_n + max_overfill
		`, bucket.ID)
		if err != nil {
			return quota.AssignResult{}, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return quota.AssignResult{}, err
		}
		if n == 0 {
			result.Denied = append(result.Denied, quota.Denial{PlanID: plan.ID, Reason: quota.DenyFull})
			obs.CountQuotaOutcome("full")
			continue
		}

		if _, err := tx.ExecContext(ctx, `
			insert into quota_reservations(id, session_id, bucket_id, plan_id, status, created_at, expires_at)
			values ($1,$2,$3,$4,'ACTIVE',now(),now()+make_interval(secs => $5))
		`, ids.New(), sessionID, bucket.ID, plan.ID, l.ttl.Seconds()); err != nil {
			return quota.AssignResult{}, err
		}
		obs.ReservationOpened()
		obs.CountQuotaOutcome("assigned")
		result.Assigned = append(result.Assigned, quota.Assignment{PlanID: plan.ID, BucketID: bucket.ID})
	}

	if err := tx.Commit(); err != nil {
		return quota.AssignResult{}, err
	}
	return result, nil
}

func (l *QuotaLedger) Release(ctx context.Context, sessionID string, bucketIDs ...string) ([]quota.Reservation, error) {
	return l.settle(ctx, sessionID, quota.ReservationReleased, bucketIDs)
}

func (l *QuotaLedger) Finalize(ctx context.Context, sessionID string) ([]quota.Reservation, error) {
	return l.settle(ctx, sessionID, quota.ReservationFinalized, nil)
}

// settle moves the session's ACTIVE reservations to a terminal status and
// adjusts the bucket counters in the same transaction. Settling a session
// with no ACTIVE reservations is a no-op.
func (l *QuotaLedger) settle(ctx context.Context, sessionID string, to quota.ReservationStatus, bucketIDs []string) ([]quota.Reservation, error) {
	tx, err := l.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if err := sweepExpired(ctx, tx); err != nil {
		return nil, err
	}

	query := `
		select id, session_id, bucket_id, plan_id, created_at, expires_at
		from quota_reservations
		where session_id=$1 and status='ACTIVE'`
	args := []any{sessionID}
	if len(bucketIDs) > 0 {
		query += ` and bucket_id = any(string_to_array($2, ','))`
		args = append(args, strings.Join(bucketIDs, ","))
	}
	query += ` order by created_at for update`

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var settled []quota.Reservation
	for rows.Next() {
		r := quota.Reservation{Status: to}
		if err := rows.Scan(&r.ID, &r.SessionID, &r.BucketID, &r.PlanID, &r.CreatedAt, &r.ExpiresAt); err != nil {
			rows.Close()
			return nil, err
		}
		settled = append(settled, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, r := range settled {
		if _, err := tx.ExecContext(ctx, `
			update quota_reservations set status=$2 where id=$1
		`, r.ID, to); err != nil {
			return nil, err
		}
		counter := `reserved_n = greatest(reserved_n - 1, 0)`
		if to == quota.ReservationFinalized {
			counter += `, filled_n = filled_n + 1`
		}
		if _, err := tx.ExecContext(ctx, `
			update quota_buckets set `+counter+` where id=$1
		`, r.BucketID); err != nil {
			return nil, err
		}
		obs.ReservationClosed()
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return settled, nil
}

// sweepExpired lazily returns capacity held past the reservation TTL.
// Runs at the head of every ledger transaction; a dedicated sweeper can be
// added later without changing any contract.
func sweepExpired(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
		with expired as (
			update quota_reservations set status='RELEASED'
			where status='ACTIVE' and expires_at <= now()
			returning bucket_id
		)
		update quota_buckets b
		set reserved_n = greatest(b.reserved_n - e.n, 0)
		from (select bucket_id, count(*) as n from expired group by bucket_id) e
		where b.id = e.bucket_id
	`)
	return err
}

func loadOpenPlans(ctx context.Context, tx *sql.Tx) ([]quota.Plan, error) {
	rows, err := tx.QueryContext(ctx, `
		select id, name, mode, state, total_n
		from quota_plans where state='OPEN' order by position
	`)
	if err != nil {
		return nil, err
	}
	var plans []quota.Plan
	for rows.Next() {
		var p quota.Plan
		if err := rows.Scan(&p.ID, &p.Name, &p.Mode, &p.State, &p.TotalN); err != nil {
			rows.Close()
			return nil, err
		}
		plans = append(plans, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range plans {
		rows, err := tx.QueryContext(ctx, `
			select id, plan_id, name, target_n, filled_n, reserved_n, max_overfill,
			       coalesce(match_question,''), coalesce(match_value,''), coalesce(match_dsl,'')
			from quota_buckets where plan_id=$1 order by position
		`, plans[i].ID)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var b quota.Bucket
			if err := rows.Scan(&b.ID, &b.PlanID, &b.Name, &b.TargetN, &b.FilledN, &b.ReservedN, &b.MaxOverfill,
				&b.MatchQuestion, &b.MatchValue, &b.MatchDSL); err != nil {
				rows.Close()
				return nil, err
			}
			plans[i].Buckets = append(plans[i].Buckets, b)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}
	return plans, nil
}
