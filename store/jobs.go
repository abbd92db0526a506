package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/kitsune-fed/kitsune/queue"
)

// JobStore implements queue.Store against the job_queue table (§4.9, §9):
// claim marks a row with a consumer name and lease expiry so concurrent
// workers never double-claim, mirroring the teacher's SELECT ... FOR UPDATE
// SKIP LOCKED-flavoured claim pattern adapted for SQLite's single-writer
// model via wrapTransaction's busy-retry loop instead.
type JobStore struct {
	db *DB
}

func NewJobStore(db *DB) *JobStore { return &JobStore{db: db} }

var _ queue.Store = (*JobStore)(nil)

func (s *JobStore) Enqueue(ctx context.Context, row queue.Row) error {
	id := row.Id
	if id == uuid.Nil {
		id = uuid.New()
	}
	_, err := s.db.conn.ExecContext(ctx, `
		INSERT INTO job_queue (id, payload, fail_count, run_at)
		VALUES (?, ?, ?, ?)`,
		id, row.Payload, row.FailCount, row.RunAt,
	)
	return err
}

func (s *JobStore) Claim(ctx context.Context, consumerName string, lease time.Duration) (*queue.Row, error) {
	var out *queue.Row
	err := s.db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		now := time.Now()
		row := tx.QueryRowContext(ctx, `
			SELECT id, payload, fail_count, run_at FROM job_queue
			WHERE run_at <= ? AND (claimed_by IS NULL OR lease_expires_at <= ?)
			ORDER BY run_at ASC LIMIT 1`, now, now)

		var r queue.Row
		err := row.Scan(&r.Id, &r.Payload, &r.FailCount, &r.RunAt)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE job_queue SET claimed_by = ?, lease_expires_at = ? WHERE id = ?`,
			consumerName, now.Add(lease), r.Id,
		); err != nil {
			return err
		}

		out = &r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *JobStore) Complete(ctx context.Context, jobId uuid.UUID) error {
	_, err := s.db.conn.ExecContext(ctx, `DELETE FROM job_queue WHERE id = ?`, jobId)
	return err
}

func (s *JobStore) Fail(ctx context.Context, jobId uuid.UUID, failCount int, nextRunAt time.Time) error {
	_, err := s.db.conn.ExecContext(ctx, `
		UPDATE job_queue SET fail_count = ?, run_at = ?, claimed_by = NULL, lease_expires_at = NULL WHERE id = ?`,
		failCount, nextRunAt, jobId,
	)
	return err
}

func (s *JobStore) RenewLease(ctx context.Context, jobId uuid.UUID, lease time.Duration) error {
	_, err := s.db.conn.ExecContext(ctx, `
		UPDATE job_queue SET lease_expires_at = ? WHERE id = ?`,
		time.Now().Add(lease), jobId,
	)
	return err
}
