package postgres

import (
	"context"
	"fmt"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/and161185/ipakeeper/internal/errs"
	"github.com/and161185/ipakeeper/internal/model"
	"github.com/and161185/ipakeeper/internal/repository"
)

// JobRepo implements JobRepository using PostgreSQL.
type JobRepo struct{ db *DB }

var _ repository.JobRepository = (*JobRepo)(nil)

// NewJobRepo constructs a job repository.
func NewJobRepo(db *DB) *JobRepo { return &JobRepo{db: db} }

// List selects every job ordered by creation time.
func (r *JobRepo) List(ctx context.Context) ([]model.Job, error) {
	const q = `SELECT payload, status, percent, speed, error FROM jobs ORDER BY created_at, id`
	rows, err := r.db.Pool.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Job
	for rows.Next() {
		var (
			payload []byte
			st      model.JobState
			status  string
		)
		if err := rows.Scan(&payload, &status, &st.Percent, &st.Speed, &st.Error); err != nil {
			return nil, err
		}
		st.Status = model.Status(status)
		job, err := repository.DecodePayload(payload, st)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// Upsert inserts or replaces a job row by ID.
func (r *JobRepo) Upsert(ctx context.Context, job model.Job) error {
	payload, err := repository.EncodePayload(job)
	if err != nil {
		return err
	}
	const q = `
INSERT INTO jobs (id, app_id, version_id, account_id, payload, status, percent, speed, error, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,now())
ON CONFLICT (id) DO UPDATE
SET app_id=EXCLUDED.app_id, version_id=EXCLUDED.version_id, account_id=EXCLUDED.account_id,
    payload=EXCLUDED.payload, status=EXCLUDED.status, percent=EXCLUDED.percent,
    speed=EXCLUDED.speed, error=EXCLUDED.error, updated_at=now()`
	_, err = r.db.Pool.Exec(ctx, q,
		job.ID, job.App.ID, job.VersionID, job.AccountID, payload,
		string(job.State.Status), job.State.Percent, job.State.Speed, job.State.Error, job.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("job for app %d version %s: %w", job.App.ID, job.VersionID, errs.ErrAlreadyExists)
	}
	return err
}

// UpdateStates writes all updates in one transaction.
func (r *JobRepo) UpdateStates(ctx context.Context, updates []repository.StateUpdate) (err error) {
	if len(updates) == 0 {
		return nil
	}
	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if e := tx.Commit(ctx); e != nil {
			err = e
		}
	}()

	const upd = `UPDATE jobs SET status=$2, percent=$3, speed=$4, error=$5, updated_at=now() WHERE id=$1`
	for _, u := range updates {
		if _, err = tx.Exec(ctx, upd, u.ID, string(u.State.Status), u.State.Percent, u.State.Speed, u.State.Error); err != nil {
			return err
		}
	}
	return nil
}

// Delete removes a job row.
func (r *JobRepo) Delete(ctx context.Context, id uuid.UUID) error {
	const q = `DELETE FROM jobs WHERE id=$1`
	_, err := r.db.Pool.Exec(ctx, q, id)
	return err
}
